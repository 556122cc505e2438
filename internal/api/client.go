// Package api is the HTTP client for the marketplace chat REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"renddirect/internal/models"
)

const (
	CodeNetwork  = "NETWORK_ERROR"
	CodeRequest  = "REQUEST_ERROR"
	CodeAPI      = "API_ERROR"
	CodeDecode   = "DECODE_ERROR"
	DefaultLimit = 50
)

// Error is returned for every failed call. StatusCode is 0 when the server
// could not be reached.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports whether retrying the same call may succeed.
func (e *Error) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsNetwork reports whether err is a failure to reach the server.
func IsNetwork(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Code == CodeNetwork
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l.Named("api") }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// New builds a client for baseURL, e.g. http://localhost:8080/api.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Token() string { return c.token }

// SetToken replaces the bearer token, e.g. after Login.
func (c *Client) SetToken(token string) { c.token = token }

func (c *Client) Register(ctx context.Context, req models.RegisterRequest) (*models.LoginResponse, error) {
	var out models.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login authenticates and stores the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	var out models.LoginResponse
	err := c.do(ctx, http.MethodPost, "/auth/login", models.LoginRequest{Email: email, Password: password}, &out)
	if err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out, nil
}

func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var out models.User
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateProperty(ctx context.Context, title string, rent float64) (*models.Property, error) {
	var out models.Property
	req := models.CreatePropertyRequest{Title: title, RentAmount: rent}
	if err := c.do(ctx, http.MethodPost, "/properties", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartConversation opens (or returns the existing) conversation about a listing.
func (c *Client) StartConversation(ctx context.Context, propertyID string) (*models.Conversation, error) {
	var out models.Conversation
	req := models.StartConversationRequest{PropertyID: propertyID}
	if err := c.do(ctx, http.MethodPost, "/conversations", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages fetches one page of history. Page 1 holds the newest messages;
// items within a page are in ascending time order.
func (c *Client) Messages(ctx context.Context, conversationID string, page, limit int) (*models.Page[models.Message], error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?" + q.Encode()

	var out models.Page[models.Message]
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage persists a message and returns the stored record. clientID is
// echoed back on the record and on the realtime push.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, clientID string) (*models.Message, error) {
	var out models.Message
	req := models.SendMessageRequest{Content: content, ClientID: clientID}
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

func (c *Client) RevealPhone(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations/"+url.PathEscape(conversationID)+"/reveal-phone", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UnreadCount(ctx context.Context) (*models.UnreadCount, error) {
	var out models.UnreadCount
	if err := c.do(ctx, http.MethodGet, "/conversations/unread-count", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends the request and decodes the data field of the response envelope
// into out. out may be nil.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Code: CodeRequest, Message: "encode request body", Err: err}
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return &Error{Code: CodeRequest, Message: err.Error(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return &Error{
			Code:    CodeNetwork,
			Message: "Unable to connect to server. Please check your internet connection.",
			Err:     err,
		}
	}
	defer resp.Body.Close()
	c.logger.Debug("request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{StatusCode: resp.StatusCode, Code: CodeNetwork, Message: "read response body", Err: err}
	}

	var env models.APIResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil {
			if resp.StatusCode >= 400 {
				return &Error{StatusCode: resp.StatusCode, Code: CodeAPI, Message: strings.TrimSpace(string(raw))}
			}
			return &Error{StatusCode: resp.StatusCode, Code: CodeDecode, Message: "malformed response", Err: err}
		}
	}

	if resp.StatusCode >= 400 || (len(raw) > 0 && !env.Success) {
		apiErr := &Error{StatusCode: resp.StatusCode, Code: CodeAPI, Message: http.StatusText(resp.StatusCode)}
		if env.Error != nil {
			if env.Error.Code != "" {
				apiErr.Code = env.Error.Code
			}
			if env.Error.Message != "" {
				apiErr.Message = env.Error.Message
			}
		} else if env.Message != "" {
			apiErr.Message = env.Message
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &Error{StatusCode: resp.StatusCode, Code: CodeDecode, Message: "malformed response data", Err: err}
	}
	return nil
}
