// Command loadtest drives many chat sessions against a running server and
// reports how long optimistic sends take to be confirmed.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"renddirect/internal/api"
	"renddirect/internal/config"
	"renddirect/internal/logging"
	"renddirect/internal/models"
	"renddirect/internal/session"
	"renddirect/internal/transport"
)

type Stats struct {
	sync.Mutex
	sent           int64
	confirmed      int64
	failed         int64
	received       int64
	confirmLatency []time.Duration
	maxLatency     time.Duration
	minLatency     time.Duration
	messagesPerSec float64
}

func (s *Stats) recordConfirmed(latency time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.confirmed++
	s.confirmLatency = append(s.confirmLatency, latency)
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}
}

func (s *Stats) recordSent() {
	s.Lock()
	s.sent++
	s.Unlock()
}

func (s *Stats) recordError() {
	s.Lock()
	s.failed++
	s.Unlock()
}

func (s *Stats) recordReceived(n int64) {
	s.Lock()
	s.received += n
	s.Unlock()
}

func (s *Stats) percentile(p float64) time.Duration {
	s.Lock()
	defer s.Unlock()
	if len(s.confirmLatency) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(s.confirmLatency))
	copy(sorted, s.confirmLatency)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type runner struct {
	cfg     *config.ClientConfig
	logger  *zap.Logger
	stats   *Stats
	runID   string
	rate    float64
	seconds int
}

func (r *runner) register(ctx context.Context, name string, role models.Role) (*api.Client, error) {
	c := api.New(r.cfg.APIBaseURL, "", api.WithTimeout(r.cfg.RequestTimeout))
	res, err := c.Register(ctx, models.RegisterRequest{
		Email:     fmt.Sprintf("%s-%s@loadtest.local", name, r.runID),
		Password:  "testpass123",
		FirstName: name,
		LastName:  "Loadtest",
		Role:      role,
	})
	if err != nil {
		return nil, err
	}
	c.SetToken(res.Token)
	return c, nil
}

func (r *runner) open(ctx context.Context, c *api.Client) (*session.Session, *transport.Client, error) {
	tr := transport.NewClient(transport.Options{
		URL:       r.cfg.WSURL,
		Token:     c.Token(),
		Reconnect: true,
		BaseDelay: r.cfg.ReconnectBaseDelay,
		MaxDelay:  r.cfg.ReconnectMaxDelay,
	})
	s, err := session.New(c, tr, session.Config{Token: c.Token(), PageSize: r.cfg.HistoryPageSize})
	if err != nil {
		return nil, nil, err
	}
	go s.Run(ctx)
	if err := s.Open(ctx); err != nil {
		return nil, nil, err
	}
	return s, tr, nil
}

// tenant sends at the configured rate and times each send until the server
// confirms it.
func (r *runner) tenant(ctx context.Context, s *session.Session, convID string) {
	s.Select(convID)
	ticker := time.NewTicker(time.Duration(float64(time.Second) / r.rate))
	defer ticker.Stop()
	end := time.After(time.Duration(r.seconds) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return
		case <-end:
			return
		case <-ticker.C:
		}
		s.Keystroke()
		start := time.Now()
		clientID, err := s.Send(fmt.Sprintf("Is the flat still available? (%d)", rand.Intn(1000)))
		if err != nil {
			r.stats.recordError()
			continue
		}
		r.stats.recordSent()
		if r.waitConfirmed(ctx, s, clientID) {
			r.stats.recordConfirmed(time.Since(start))
		} else {
			r.stats.recordError()
		}
	}
}

func (r *runner) waitConfirmed(ctx context.Context, s *session.Session, clientID string) bool {
	timeout := time.After(r.cfg.RequestTimeout)
	for {
		v := s.Snapshot()
		if v.Active != nil {
			for _, f := range v.Active.Failed {
				if f.ClientID == clientID {
					s.Discard(clientID)
					return false
				}
			}
			for _, m := range v.Active.Messages {
				if m.ClientID == clientID && !m.Pending {
					return true
				}
			}
		}
		select {
		case <-s.Updates():
		case <-timeout:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func main() {
	numTenants := flag.Int("tenants", 50, "number of tenant sessions")
	rate := flag.Float64("rate", 1, "messages per second per tenant")
	seconds := flag.Int("duration", 60, "simulation time in seconds")
	flag.Parse()

	cfg := config.LoadClient()
	logger := logging.New(cfg.Dev).Named("loadtest")
	defer logger.Sync()

	r := &runner{
		cfg:     cfg,
		logger:  logger,
		stats:   &Stats{},
		runID:   strings.ReplaceAll(time.Now().Format("150405.000"), ".", ""),
		rate:    *rate,
		seconds: *seconds,
	}
	logger.Info("starting load test",
		zap.Int("tenants", *numTenants),
		zap.Float64("rate", *rate),
		zap.Int("seconds", *seconds),
		zap.String("api", cfg.APIBaseURL))
	logger.Info("start the server with -loadtest to use a separate database")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ownerAPI, err := r.register(ctx, "owner", models.RoleOwner)
	if err != nil {
		logger.Fatal("failed to register owner", zap.Error(err))
	}
	prop, err := ownerAPI.CreateProperty(ctx, "Loadtest 2BHK", 30000)
	if err != nil {
		logger.Fatal("failed to create property", zap.Error(err))
	}
	owner, ownerTr, err := r.open(ctx, ownerAPI)
	if err != nil {
		logger.Fatal("failed to open owner session", zap.Error(err))
	}
	defer ownerTr.Close()

	type seat struct {
		s      *session.Session
		tr     *transport.Client
		convID string
	}
	seats := make([]seat, *numTenants)
	var wg sync.WaitGroup
	var mu sync.Mutex
	errorCount := 0
	registrationStart := time.Now()
	for i := range seats {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.register(ctx, fmt.Sprintf("tenant%d", i), models.RoleTenant)
			if err == nil {
				var conv *models.Conversation
				if conv, err = c.StartConversation(ctx, prop.ID); err == nil {
					var s *session.Session
					var tr *transport.Client
					if s, tr, err = r.open(ctx, c); err == nil {
						seats[i] = seat{s: s, tr: tr, convID: conv.ID}
						return
					}
				}
			}
			mu.Lock()
			errorCount++
			if errorCount <= 10 {
				logger.Warn("tenant setup failed", zap.Int("tenant", i), zap.Error(err))
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	logger.Info("tenants ready",
		zap.Duration("took", time.Since(registrationStart)),
		zap.Int("failed", errorCount))

	startTime := time.Now()
	for _, st := range seats {
		if st.s == nil {
			continue
		}
		wg.Add(1)
		go func(st seat) {
			defer wg.Done()
			defer st.tr.Close()
			r.tenant(ctx, st.s, st.convID)
		}(st)
	}
	wg.Wait()
	elapsed := time.Since(startTime)

	owner.Sync()
	r.stats.recordReceived(int64(owner.Snapshot().Unread))

	r.stats.Lock()
	r.stats.messagesPerSec = float64(r.stats.confirmed) / elapsed.Seconds()
	r.stats.Unlock()

	s := r.stats
	logger.Info("load test results",
		zap.Duration("duration", elapsed),
		zap.Int64("sent", s.sent),
		zap.Int64("confirmed", s.confirmed),
		zap.Int64("failed", s.failed),
		zap.Int64("owner_unread", s.received),
		zap.Float64("messages_per_sec", s.messagesPerSec),
		zap.Duration("min_confirm", s.minLatency),
		zap.Duration("max_confirm", s.maxLatency),
		zap.Duration("p50_confirm", s.percentile(0.50)),
		zap.Duration("p99_confirm", s.percentile(0.99)))
}
