package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"renddirect/internal/api"
	"renddirect/internal/config"
	"renddirect/internal/db"
	"renddirect/internal/models"
	"renddirect/internal/server"
	"renddirect/internal/transport"
)

type demoEnv struct {
	apiURL string
	wsURL  string
	token  string
}

var demoReplies = []string{
	"Hi! Yes, the flat is still available.",
	"Rent is negotiable for a 11 month lease.",
	"You can visit on Saturday after 11am.",
	"Maintenance is included, electricity is extra.",
	"Sure, I can share more photos.",
}

// startDemo runs the reference server on a loopback port with an in-memory
// store, seeds two owners with listings, and answers as them.
func startDemo(ctx context.Context, logger *zap.Logger) (*demoEnv, error) {
	database, err := db.NewDB(":memory:", logger)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	cfg := &config.Config{
		ServerAddress: ln.Addr().String(),
		JWTSecret:     uuid.NewString(),
		AllowedOrigin: "http://localhost:3000",
	}
	go func() {
		if err := server.New(cfg, database, logger).Serve(ctx, ln); err != nil {
			logger.Error("demo server stopped", zap.Error(err))
		}
		database.Close()
	}()

	base := "http://" + ln.Addr().String()
	env := &demoEnv{apiURL: base + "/api", wsURL: config.DeriveWSURL(base + "/api")}

	register := func(first, last string, role models.Role) (*api.Client, *models.User, error) {
		c := api.New(env.apiURL, "", api.WithLogger(logger))
		res, err := c.Register(ctx, models.RegisterRequest{
			Email:     strings.ToLower(first) + "@demo.local",
			Password:  "demo-password",
			FirstName: first,
			LastName:  last,
			Phone:     "+91 98450 1234" + fmt.Sprint(len(first)),
			Role:      role,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("register %s: %w", first, err)
		}
		c.SetToken(res.Token)
		return c, &res.User, nil
	}

	tenant, _, err := register("You", "", models.RoleTenant)
	if err != nil {
		return nil, err
	}
	env.token = tenant.Token()

	listings := []struct {
		first, last, title string
		rent               float64
		greeting           string
	}{
		{"Ravi", "Kumar", "2BHK in Indiranagar", 32000, ""},
		{"Asha", "Menon", "Studio near Koramangala", 18000, "Hello! Saw you saved my listing. Any questions?"},
	}
	for _, l := range listings {
		owner, user, err := register(l.first, l.last, models.RoleOwner)
		if err != nil {
			return nil, err
		}
		prop, err := owner.CreateProperty(ctx, l.title, l.rent)
		if err != nil {
			return nil, err
		}
		conv, err := tenant.StartConversation(ctx, prop.ID)
		if err != nil {
			return nil, err
		}
		if l.greeting != "" {
			if _, err := owner.SendMessage(ctx, conv.ID, l.greeting, ""); err != nil {
				return nil, err
			}
		}
		b := &demoOwner{api: owner, userID: user.ID, logger: logger.Named("demo")}
		if err := b.start(ctx, env.wsURL); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// demoOwner answers every tenant message after a short typing pause.
type demoOwner struct {
	api    *api.Client
	tr     *transport.Client
	userID string
	logger *zap.Logger
	n      atomic.Int64
}

func (o *demoOwner) start(ctx context.Context, wsURL string) error {
	o.tr = transport.NewClient(transport.Options{
		URL:       wsURL,
		Token:     o.api.Token(),
		Reconnect: true,
		Logger:    o.logger,
	})
	o.tr.On(models.EventNewMessage, func(payload json.RawMessage) {
		var ev models.NewMessageEvent
		if err := json.Unmarshal(payload, &ev); err != nil || ev.Message.SenderID == o.userID {
			return
		}
		go o.reply(ctx, ev.ConversationID)
	})
	go func() {
		<-ctx.Done()
		o.tr.Close()
	}()
	return o.tr.Connect(ctx)
}

func (o *demoOwner) reply(ctx context.Context, conversationID string) {
	room := models.RoomCommand{ConversationID: conversationID}
	o.tr.Emit(models.CommandJoinRoom, room)
	o.tr.Emit(models.CommandMarkRead, room)
	o.tr.Emit(models.CommandTypingStart, room)

	select {
	case <-time.After(1500 * time.Millisecond):
	case <-ctx.Done():
		return
	}

	o.tr.Emit(models.CommandTypingStop, room)
	text := demoReplies[int(o.n.Add(1)-1)%len(demoReplies)]
	if _, err := o.api.SendMessage(ctx, conversationID, text, "demo-"+uuid.NewString()); err != nil {
		o.logger.Warn("demo reply failed", zap.Error(err))
	}
	o.tr.Emit(models.CommandLeaveRoom, room)
}
