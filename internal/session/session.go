// Package session ties the chat components together for one signed-in user.
//
// All component state is owned by a single goroutine started with Run.
// Transport events, API completions, timer expiries and user actions are
// posted to it as closures and applied one at a time, so none of the
// components need locks. Surfaces read an immutable View via Snapshot.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"renddirect/internal/models"
	"renddirect/internal/reconcile"
	"renddirect/internal/rooms"
	"renddirect/internal/transport"
	"renddirect/internal/typing"
	"renddirect/internal/unread"
)

var (
	ErrClosed               = errors.New("session closed")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrUnknownSend          = errors.New("no failed send with that id")
)

// API is the part of the REST client the session uses.
type API interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	StartConversation(ctx context.Context, propertyID string) (*models.Conversation, error)
	Messages(ctx context.Context, conversationID string, page, limit int) (*models.Page[models.Message], error)
	SendMessage(ctx context.Context, conversationID, content, clientID string) (*models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	RevealPhone(ctx context.Context, conversationID string) (*models.Conversation, error)
	UnreadCount(ctx context.Context) (*models.UnreadCount, error)
}

type Config struct {
	// UserID of the signed-in user. When empty it is read from Token.
	UserID              string
	Token               string
	TypingDebounce      time.Duration
	RemoteTypingTimeout time.Duration
	PageSize            int
	// Scheduler arms typing timers. Callbacks are always delivered on the
	// session loop. Defaults to real timers.
	Scheduler typing.Scheduler
	Now       func() time.Time
	// NewClientID generates correlation ids for optimistic sends.
	NewClientID func() string
	Logger      *zap.Logger
}

// FailedSend is a rolled back message the user may retry.
type FailedSend struct {
	ClientID       string
	ConversationID string
	Content        string
	Err            error
}

type history struct {
	next    int
	hasMore bool
	loading bool
	loaded  bool
	err     error
}

type Session struct {
	api    API
	tr     transport.Transport
	cfg    Config
	logger *zap.Logger
	sched  typing.Scheduler

	ctx     context.Context
	cancel  context.CancelFunc
	actions chan func()
	updates chan struct{}
	done    chan struct{}
	offs    []func()

	mu   sync.RWMutex
	view View

	// Owned by the loop goroutine.
	userID        string
	state         transport.State
	connectedOnce bool
	rooms         *rooms.Manager
	book          *reconcile.Book
	unread        *unread.Counter
	typing        *typing.Machine
	convs         map[string]*models.Conversation
	histories     map[string]*history
	failed        map[string]FailedSend
	failedOrder   []string
	lastErr       error
}

func New(api API, tr transport.Transport, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.NewClientID == nil {
		cfg.NewClientID = func() string { return "tmp-" + uuid.NewString() }
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = typing.TimerScheduler{}
	}
	userID := cfg.UserID
	if userID == "" {
		id, err := UserIDFromToken(cfg.Token)
		if err != nil {
			return nil, err
		}
		userID = id
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		api:       api,
		tr:        tr,
		cfg:       cfg,
		logger:    cfg.Logger.Named("session").With(zap.String("user", userID)),
		ctx:       ctx,
		cancel:    cancel,
		actions:   make(chan func(), 256),
		updates:   make(chan struct{}, 1),
		done:      make(chan struct{}),
		userID:    userID,
		state:     tr.State(),
		book:      reconcile.NewBook(),
		convs:     make(map[string]*models.Conversation),
		histories: make(map[string]*history),
		failed:    make(map[string]FailedSend),
	}
	s.sched = loopScheduler{inner: cfg.Scheduler, post: s.post}
	s.rooms = rooms.NewManager(tr, cfg.Logger)
	s.unread = unread.NewCounter(userID, unread.MarkerFunc(s.markRead))
	s.view = s.buildView()
	s.subscribe()
	return s, nil
}

func (s *Session) UserID() string { return s.userID }

// Run processes posted work until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.logger.Info("session loop started")
	defer close(s.done)
	for {
		select {
		case fn := <-s.actions:
			fn()
			s.publish()
		case <-ctx.Done():
			s.shutdown()
			s.publish()
			s.logger.Info("session loop stopped")
			return ctx.Err()
		}
	}
}

// Open connects the transport and loads the inbox. A connection error is
// returned but is not fatal; the view reports the transport state.
func (s *Session) Open(ctx context.Context) error {
	err := s.tr.Connect(ctx)
	if err != nil {
		s.logger.Warn("transport connect failed", zap.Error(err))
	}
	s.Refresh()
	return err
}

// Updates signals that a new View is available. Signals are coalesced.
func (s *Session) Updates() <-chan struct{} { return s.updates }

func (s *Session) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Sync waits until everything posted before it has been applied.
func (s *Session) Sync() error {
	return s.call(func() error { return nil })
}

func (s *Session) post(fn func()) {
	select {
	case s.actions <- fn:
	case <-s.done:
	}
}

// call runs fn on the loop and waits for its result.
func (s *Session) call(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case s.actions <- func() { reply <- fn() }:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// async runs work off the loop and posts apply back to it.
func (s *Session) async(work func(ctx context.Context) func()) {
	go func() {
		apply := work(s.ctx)
		if apply != nil {
			s.post(apply)
		}
	}()
}

func (s *Session) publish() {
	v := s.buildView()
	s.mu.Lock()
	s.view = v
	s.mu.Unlock()
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) shutdown() {
	for _, off := range s.offs {
		off()
	}
	s.offs = nil
	if s.typing != nil {
		s.typing.Reset()
		s.typing = nil
	}
	s.rooms.Deselect()
	s.unread.Clear()
	s.cancel()
}

func (s *Session) subscribe() {
	s.offs = append(s.offs,
		s.tr.On(models.EventNewMessage, handle(s, s.onNewMessage)),
		s.tr.On(models.EventTypingStart, handle(s, s.onTypingStart)),
		s.tr.On(models.EventTypingStop, handle(s, s.onTypingStop)),
		s.tr.On(models.EventMessageDelivered, handle(s, s.onDelivered)),
		s.tr.On(models.EventMessagesRead, handle(s, s.onMessagesRead)),
		s.tr.On(models.EventConversationUpdated, handle(s, s.onConversationUpdated)),
		s.tr.On(models.EventSystem, handle(s, s.onSystem)),
		s.tr.On(models.EventError, handle(s, s.onServerError)),
		s.tr.OnState(func(st transport.State) {
			s.post(func() { s.onState(st) })
		}),
	)
}

// handle decodes an event payload on the transport goroutine and applies it
// on the loop.
func handle[T any](s *Session, fn func(T)) transport.Handler {
	return func(payload json.RawMessage) {
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			s.logger.Warn("dropping malformed event", zap.Error(err))
			return
		}
		s.post(func() { fn(v) })
	}
}

type loopScheduler struct {
	inner typing.Scheduler
	post  func(func())
}

func (l loopScheduler) AfterFunc(d time.Duration, f func()) typing.Stopper {
	return l.inner.AfterFunc(d, func() { l.post(f) })
}
