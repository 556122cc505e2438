package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"renddirect/internal/models"
)

var (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = int64(64 * 1024)
	sendBufSize    = 256
)

type Options struct {
	URL   string
	Token string
	// Reconnect keeps redialing with exponential backoff after the
	// connection drops or the first dial fails.
	Reconnect   bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 means unlimited
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
}

// Client is a Transport over a gorilla websocket connection.
type Client struct {
	opts   Options
	logger *zap.Logger
	reg    *registry
	send   chan []byte

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	closed  bool
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	recon   *backoff
}

func NewClient(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		logger: logger.Named("transport"),
		reg:    newRegistry(),
		send:   make(chan []byte, sendBufSize),
		state:  StateDisconnected,
		ctx:    ctx,
		cancel: cancel,
		recon:  newBackoff(opts.BaseDelay, opts.MaxDelay, opts.MaxAttempts),
	}
}

func (c *Client) On(event string, h Handler) func() {
	return c.reg.on(event, h)
}

func (c *Client) OnState(fn func(State)) func() {
	return c.reg.onState(fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.logger.Debug("state changed", zap.String("state", string(s)))
	c.reg.notify(s)
}

// Connect dials the server and starts the pumps. It returns the first dial
// error; with Reconnect set the client keeps retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.mu.Unlock()

	c.setState(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		if c.opts.Reconnect {
			c.setState(StateReconnecting)
			go c.supervise(nil)
		} else {
			c.mu.Lock()
			c.running = false
			c.mu.Unlock()
			c.setState(StateDisconnected)
		}
		return err
	}
	go c.supervise(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
		header.Set("Cookie", "auth_token="+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// supervise owns the connection lifecycle: serve the current connection,
// then redial with backoff until closed or out of attempts.
func (c *Client) supervise(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	for {
		if conn != nil {
			c.recon.reset()
			c.serve(conn)
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed || !c.opts.Reconnect || !c.recon.shouldRetry() {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateReconnecting)
		delay, attempt := c.recon.next()
		c.logger.Info("reconnecting", zap.Duration("delay", delay), zap.Int("attempt", attempt))
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			c.setState(StateDisconnected)
			return
		}

		var err error
		conn, err = c.dial(c.ctx)
		if err != nil {
			c.logger.Warn("redial failed", zap.Error(err))
			conn = nil
		}
	}
}

func (c *Client) serve(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("connected", zap.String("url", c.opts.URL))

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, stop)
	}()

	c.readPump(conn)
	close(stop)
	<-writerDone

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	conn.Close()
	c.logger.Info("connection lost")
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read error", zap.Error(err))
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if n := c.reg.dispatch(env); n == 0 {
			c.logger.Debug("no handler for event", zap.String("type", env.Type))
		}
	}
}

// writePump drains the outbound queue. Frames still queued when the
// connection drops are written by the next connection's pump.
func (c *Client) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case msg := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("write failed, command lost", zap.Error(err))
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// Emit queues a command. While disconnected commands wait in the queue; when
// the queue is full the command is dropped.
func (c *Client) Emit(event string, payload interface{}) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := encode(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("outbound queue full", zap.String("type", event))
		return ErrQueueFull
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
			time.Now().Add(writeWait))
		return conn.Close()
	}
	c.setState(StateDisconnected)
	return nil
}

type backoff struct {
	mu          sync.Mutex
	base, max   time.Duration
	maxAttempts int
	attempt     int
}

func newBackoff(base, max time.Duration, maxAttempts int) *backoff {
	return &backoff{base: base, max: max, maxAttempts: maxAttempts}
}

func (b *backoff) shouldRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxAttempts == 0 || b.attempt < b.maxAttempts
}

func (b *backoff) next() (time.Duration, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	jitter := time.Duration(rand.Float64() * float64(b.base) * 0.5)
	d := time.Duration(math.Min(
		float64(b.base)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.max),
	))
	b.attempt++
	return d, b.attempt
}

func (b *backoff) reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}
