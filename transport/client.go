// Package transport implements the HTTP client for the agent backend: a
// request/response surface for session management and resume decisions, and
// an NDJSON stream reader for open turns.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docchat/docchat/protocol"
	"github.com/docchat/docchat/session"
)

const defaultCallTimeout = 15 * time.Second

// maxFrameSize bounds a single stream frame. Raw tool outputs can be large.
const maxFrameSize = 1024 * 1024

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Code)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Code, e.Body)
}

// Client talks to one agent backend. Request/response calls use a bounded
// timeout; stream requests use a client with no timeout since a turn can
// stay open for minutes.
type Client struct {
	baseURL     string
	token       string
	idleTimeout time.Duration
	client      *http.Client
	streamCli   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the bearer token attached to every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithCallTimeout overrides the timeout for non-stream calls.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithIdleTimeout bounds the gap between stream frames. An interrupted turn
// is kept alive by heartbeat frames; a stream silent for longer than d is
// torn down with a transport error. Zero disables the bound.
func WithIdleTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.idleTimeout = d }
}

// WithHTTPClient replaces the underlying client for non-stream calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a Client for the backend at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: defaultCallTimeout},
		streamCli: &http.Client{Timeout: 0},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// call performs a request/response exchange and decodes the JSON body into
// out when out is non-nil.
func (c *Client) call(ctx context.Context, method, path string, body, out interface{}) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// SessionInfo is the backend's view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// CreateSession opens a new conversation session on the backend.
func (c *Client) CreateSession(ctx context.Context, title string) (*SessionInfo, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	var info SessionInfo
	if err := c.call(ctx, http.MethodPost, "/api/sessions", body, &info); err != nil {
		return nil, err
	}
	if info.ID == "" {
		return nil, errors.New("backend returned a session without an id")
	}
	return &info, nil
}

// Health checks that the backend is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/health", nil, nil)
}

// Resume submits tool approval decisions for an interrupted turn. It runs on
// the request/response surface, independent of the open stream.
func (c *Client) Resume(ctx context.Context, req protocol.ResumeRequest) (*protocol.ResumeResponse, error) {
	var resp protocol.ResumeResponse
	path := "/api/sessions/" + req.SessionID + "/resume"
	if err := c.call(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenTurnStream posts a turn and returns its event stream. The stream stays
// open until the server finishes the turn or Close is called; cancellation
// of ctx after this call returns does not tear the stream down.
func (c *Client) OpenTurnStream(ctx context.Context, sessionID string, turn protocol.TurnRequest) (session.EventStream, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	req, err := c.newRequest(streamCtx, http.MethodPost, "/api/sessions/"+sessionID+"/stream", turn)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.streamCli.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening turn stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Stream{
		body:    resp.Body,
		scanner: scanner,
		cancel:  cancel,
		idle:    c.idleTimeout,
	}, nil
}

// Stream reads NDJSON frames off one open turn.
type Stream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	cancel   context.CancelFunc
	idle     time.Duration
	timedOut atomic.Bool
}

// Next returns the next event. Blank lines and frames of unknown kind are
// skipped. It returns io.EOF when the server closes the stream or Close is
// called.
func (s *Stream) Next() (protocol.Event, error) {
	if s.idle > 0 {
		timer := time.AfterFunc(s.idle, func() {
			s.timedOut.Store(true)
			s.cancel()
		})
		defer timer.Stop()
	}
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := protocol.ParseEvent(line)
		if err != nil {
			return nil, fmt.Errorf("decoding stream frame: %w", err)
		}
		if ev == nil {
			continue
		}
		return ev, nil
	}
	if s.timedOut.Load() {
		return nil, fmt.Errorf("stream idle for more than %s", s.idle)
	}
	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	return nil, io.EOF
}

// Close tears the stream down. Safe to call more than once.
func (s *Stream) Close() error {
	s.cancel()
	return s.body.Close()
}
