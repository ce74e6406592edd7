// Package transport maintains the websocket session to the agent backend:
// request/response calls correlated by id, pushed protocol envelopes handed
// to the conversation layer, and reconnection with a bounded token refresh.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/strandlabs/strand/internal/bus"
	"github.com/strandlabs/strand/internal/conversation"
	otelx "github.com/strandlabs/strand/internal/otel"
	"github.com/strandlabs/strand/internal/protocol"
)

var (
	// ErrNotConnected fails calls fast while the session is down. Callers
	// never queue behind a reconnect.
	ErrNotConnected = errors.New("session not connected")
	// ErrUnauthenticated means the backend rejected both the current token
	// and the one refresh attempt. No further retries are made.
	ErrUnauthenticated = errors.New("authentication rejected after token refresh")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("session closed")
)

// DefaultBackoff is the reconnect schedule when none is configured. The last
// interval repeats.
var DefaultBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second}

// Config holds the dependencies for a Session.
type Config struct {
	URL       string // websocket endpoint, ws:// or wss://
	ProjectID string
	Token     string

	// RefreshToken obtains a fresh credential after an authentication
	// failure. It is invoked at most once per connect attempt; a nil func
	// disables refresh.
	RefreshToken func(ctx context.Context) (string, error)

	// Handler receives every pushed protocol event, in arrival order, from
	// the single receive goroutine.
	Handler func(ctx context.Context, ev protocol.Event)

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otelx.Metrics

	Backoff     []time.Duration
	CallTimeout time.Duration // per-request deadline, default 10s
}

// Session is a live connection to the backend for one project. It implements
// conversation.Sender.
type Session struct {
	cfg     Config
	logger  *slog.Logger
	decoder *protocol.Decoder

	mu        sync.Mutex
	conn      *websocket.Conn
	token     string
	pending   map[string]chan response
	watching  bool // backend-acknowledged watch on the live connection
	wantWatch bool // watch desired across reconnects
	closed    bool
	cancelRun context.CancelFunc
}

// New creates a Session. Connect must be called before any request.
func New(cfg Config) (*Session, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport: URL required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	dec, err := protocol.NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	return &Session{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "transport", "project_id", cfg.ProjectID),
		decoder: dec,
		token:   cfg.Token,
		pending: make(map[string]chan response),
	}, nil
}

// Connect dials the backend and starts the receive loop. On an
// authentication rejection it refreshes the token once and retries; a second
// rejection returns ErrUnauthenticated without entering the retry loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.conn = conn
	s.cancelRun = cancel
	s.mu.Unlock()

	s.publishSession(bus.TopicSessionConnected, bus.SessionEvent{ProjectID: s.cfg.ProjectID, Connected: true})
	if m := s.cfg.Metrics; m != nil && m.OpenSessions != nil {
		m.OpenSessions.Add(ctx, 1)
	}

	go s.run(runCtx, conn)
	return nil
}

// dial performs one connect attempt with the bounded auth-refresh retry.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	conn, authFailed, err := s.dialOnce(ctx, token)
	if err == nil {
		return conn, nil
	}
	if !authFailed || s.cfg.RefreshToken == nil {
		return nil, err
	}

	s.publishSession(bus.TopicSessionAuthFailed, bus.SessionEvent{ProjectID: s.cfg.ProjectID, Err: err.Error()})
	s.logger.Warn("auth rejected, refreshing token")
	fresh, rErr := s.cfg.RefreshToken(ctx)
	if rErr != nil {
		return nil, fmt.Errorf("%w: refresh failed: %v", ErrUnauthenticated, rErr)
	}
	s.mu.Lock()
	s.token = fresh
	s.mu.Unlock()

	conn, authFailed, err = s.dialOnce(ctx, fresh)
	if err == nil {
		return conn, nil
	}
	if authFailed {
		return nil, ErrUnauthenticated
	}
	return nil, err
}

func (s *Session) dialOnce(ctx context.Context, token string) (conn *websocket.Conn, authFailed bool, err error) {
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, resp, err := websocket.Dial(ctx, s.cfg.URL, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, true, fmt.Errorf("dial %s: status %d", s.cfg.URL, resp.StatusCode)
		}
		return nil, false, fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	conn.SetReadLimit(8 << 20)
	return conn, false, nil
}

// run is the receive loop. It owns frame dispatch until the connection
// drops, then drives reconnection.
func (s *Session) run(ctx context.Context, conn *websocket.Conn) {
	for {
		err := s.readLoop(ctx, conn)

		s.mu.Lock()
		closed := s.closed
		s.conn = nil
		// Watch subscriptions are connection-scoped; the intent to watch
		// survives in wantWatch for the re-subscribe after reconnect.
		watchLost := s.watching
		s.watching = false
		s.failPendingLocked(ErrNotConnected)
		s.mu.Unlock()

		if m := s.cfg.Metrics; m != nil && m.OpenSessions != nil {
			m.OpenSessions.Add(ctx, -1)
		}
		if closed || ctx.Err() != nil {
			return
		}

		s.logger.Warn("connection lost", "error", err)
		if watchLost {
			s.publishSession(bus.TopicSessionWatchChanged, bus.SessionEvent{ProjectID: s.cfg.ProjectID})
		}
		s.publishSession(bus.TopicSessionDisconnected, bus.SessionEvent{ProjectID: s.cfg.ProjectID, Err: err.Error()})

		conn = s.reconnect(ctx)
		if conn == nil {
			return
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return err
		}
		s.dispatch(ctx, raw)
	}
}

// dispatch routes one inbound frame. A malformed frame is dropped and
// counted; it never tears down the connection.
func (s *Session) dispatch(ctx context.Context, raw json.RawMessage) {
	var probe struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		s.dropFrame(ctx, "not_json", err)
		return
	}

	if probe.ID != "" {
		var resp response
		if err := json.Unmarshal(raw, &resp); err != nil {
			s.dropFrame(ctx, "bad_response", err)
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[resp.ID]
		delete(s.pending, resp.ID)
		s.mu.Unlock()
		if ok {
			ch <- resp
		}
		return
	}

	ev, err := s.decoder.Decode(raw)
	if err != nil {
		s.dropFrame(ctx, "bad_envelope", err)
		return
	}
	if s.cfg.Handler != nil {
		s.cfg.Handler(ctx, ev)
	}
}

func (s *Session) dropFrame(ctx context.Context, reason string, err error) {
	s.logger.Debug("frame dropped", "reason", reason, "error", err)
	if m := s.cfg.Metrics; m != nil && m.FramesDropped != nil {
		m.FramesDropped.Add(ctx, 1)
	}
}

// reconnect walks the backoff schedule until a dial succeeds or the session
// is closed. The last interval repeats. Returns nil when giving up.
func (s *Session) reconnect(ctx context.Context) *websocket.Conn {
	for attempt := 0; ; attempt++ {
		idx := attempt
		if idx >= len(s.cfg.Backoff) {
			idx = len(s.cfg.Backoff) - 1
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Backoff[idx]):
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		if m := s.cfg.Metrics; m != nil && m.Reconnects != nil {
			m.Reconnects.Add(ctx, 1)
		}
		conn, err := s.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				s.logger.Error("reconnect abandoned", "error", err)
				s.publishSession(bus.TopicSessionAuthFailed, bus.SessionEvent{ProjectID: s.cfg.ProjectID, Err: err.Error()})
				return nil
			}
			s.logger.Debug("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		rewatch := s.wantWatch
		s.mu.Unlock()

		s.publishSession(bus.TopicSessionConnected, bus.SessionEvent{ProjectID: s.cfg.ProjectID, Connected: true})
		if m := s.cfg.Metrics; m != nil && m.OpenSessions != nil {
			m.OpenSessions.Add(ctx, 1)
		}
		s.logger.Info("reconnected", "attempts", attempt+1)

		if rewatch {
			// Watch subscriptions are connection-scoped on the backend.
			if err := s.SubscribeActivity(ctx); err != nil {
				s.logger.Warn("activity re-subscribe failed", "error", err)
			}
		}
		return conn
	}
}

// call performs one correlated request/response exchange.
func (s *Session) call(ctx context.Context, op string, params any) (response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return response{}, ErrClosed
	}
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return response{}, ErrNotConnected
	}
	id := uuid.NewString()
	ch := make(chan response, 1)
	s.pending[id] = ch
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, request{ID: id, Op: op, Params: params}); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return response{}, fmt.Errorf("write %s: %w", op, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK && resp.Error == "" {
			resp.Error = "request failed"
		}
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return response{}, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// SendMessage submits a user message, resuming the given agent session when
// resumeSessionID is non-empty.
func (s *Session) SendMessage(ctx context.Context, text, resumeSessionID string) (conversation.SendAck, error) {
	resp, err := s.call(ctx, opSendMessage, sendMessageParams{
		ProjectID:       s.cfg.ProjectID,
		Text:            text,
		ResumeSessionID: resumeSessionID,
	})
	if err != nil {
		return conversation.SendAck{}, err
	}
	if !resp.OK {
		return conversation.SendAck{Err: resp.Error}, nil
	}
	var result sendMessageResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return conversation.SendAck{}, fmt.Errorf("parse send result: %w", err)
		}
	}
	return conversation.SendAck{SessionID: result.SessionID}, nil
}

// CancelTurn asks the agent to abort the in-flight exchange.
func (s *Session) CancelTurn(ctx context.Context) error {
	resp, err := s.call(ctx, opCancelTurn, cancelParams{ProjectID: s.cfg.ProjectID})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("cancel rejected: %s", resp.Error)
	}
	return nil
}

// RespondPermission forwards an approve/deny decision for a pending request.
func (s *Session) RespondPermission(ctx context.Context, requestID string, approved bool) error {
	resp, err := s.call(ctx, opPermissionResponse, permissionResponseParams{
		ProjectID: s.cfg.ProjectID,
		RequestID: requestID,
		Approved:  approved,
	})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("permission response rejected: %s", resp.Error)
	}
	return nil
}

// SubscribeActivity turns on activity push for the project. The watch state
// reflects the backend's acknowledgement, not the request.
func (s *Session) SubscribeActivity(ctx context.Context) error {
	return s.setWatch(ctx, opSubscribeActivity)
}

// UnsubscribeActivity turns activity push off.
func (s *Session) UnsubscribeActivity(ctx context.Context) error {
	return s.setWatch(ctx, opUnsubscribeActivity)
}

func (s *Session) setWatch(ctx context.Context, op string) error {
	resp, err := s.call(ctx, op, subscribeParams{ProjectID: s.cfg.ProjectID})
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s rejected: %s", op, resp.Error)
	}
	var result subscribeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return fmt.Errorf("parse watch ack: %w", err)
		}
	}

	s.mu.Lock()
	changed := s.watching != result.Watching
	s.watching = result.Watching
	s.wantWatch = result.Watching
	s.mu.Unlock()

	if changed {
		s.publishSession(bus.TopicSessionWatchChanged, bus.SessionEvent{
			ProjectID: s.cfg.ProjectID,
			Connected: true,
			Watching:  result.Watching,
		})
	}
	return nil
}

// Watching reports whether the backend has acknowledged an activity watch.
func (s *Session) Watching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watching
}

// Connected reports whether the socket is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close shuts the session down. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	cancel := s.cancelRun
	s.failPendingLocked(ErrClosed)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}

// failPendingLocked unblocks every in-flight call with a failed response.
func (s *Session) failPendingLocked(err error) {
	for id, ch := range s.pending {
		ch <- response{ID: id, OK: false, Error: err.Error()}
		delete(s.pending, id)
	}
}

func (s *Session) publishSession(topic string, ev bus.SessionEvent) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, ev)
	}
}
