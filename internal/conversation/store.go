package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/strandlabs/strand/internal/bus"
	otelx "github.com/strandlabs/strand/internal/otel"
	"github.com/strandlabs/strand/internal/protocol"
)

// CancelledMarker is appended to the partial text when the user cancels a
// streaming turn.
const CancelledMarker = "[cancelled]"

var (
	// ErrTurnInFlight rejects a send while another exchange is streaming.
	ErrTurnInFlight = errors.New("a turn is already streaming")
	// ErrUnknownPermission is returned when responding to a request that is
	// no longer pending.
	ErrUnknownPermission = errors.New("permission request not pending")
)

// SendAck is the acknowledgement for an outbound send-message request.
type SendAck struct {
	SessionID string // external resumable session identifier
	Err       string // non-empty when the backend rejected the send
}

// Sender is the outbound half of the transport, as seen by the store. The
// store never blocks event application on these calls.
type Sender interface {
	SendMessage(ctx context.Context, text, resumeSessionID string) (SendAck, error)
	CancelTurn(ctx context.Context) error
	RespondPermission(ctx context.Context, requestID string, approved bool) error
}

// Config holds the dependencies for a Store.
type Config struct {
	ProjectID string
	Sender    Sender
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otelx.Metrics

	// SafetyTimeout bounds the "awaiting response" UI flag when no terminal
	// event arrives. It never alters turn status. Defaults to 60s.
	SafetyTimeout time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Store owns the conversation model for one project. The transport's receive
// goroutine is the sole caller of Apply during live operation; Send, Cancel,
// RespondPermission, and ReplaceTurns serialize against it on the same mutex.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu              sync.Mutex
	turns           []*Turn
	subAgents       []*SubAgentTask
	subAgentByCall  map[*ToolCall]*SubAgentTask
	permissions     []*PermissionRequest
	resumeSessionID string
	awaiting        bool
	awaitTimer      *time.Timer
	missCount       int64
}

// NewStore creates a Store for one project.
func NewStore(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SafetyTimeout <= 0 {
		cfg.SafetyTimeout = 60 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger.With("project_id", cfg.ProjectID),
		now:    now,
	}
}

// Apply folds one normalized event into the conversation model. Events for a
// turn that has already finalized are discarded; out-of-order tail events
// must not reopen a closed turn.
func (s *Store) Apply(ctx context.Context, ev protocol.Event) {
	s.countEvent(ctx, ev)

	switch ev := ev.(type) {
	case protocol.AssistantDelta:
		s.applyDelta(ev)
	case protocol.ToolResult:
		s.applyToolResult(ctx, ev)
	case protocol.ToolProgress:
		s.applyProgress(ev)
	case protocol.FinalResult:
		s.applyFinal(ev)
	case protocol.ErrorEvent:
		s.applyError(ev)
	case protocol.PermissionRequest:
		s.applyPermissionRequest(ctx, ev)
	case protocol.ActivityBatch:
		s.publish(bus.TopicActivityBatch, bus.SessionEvent{ProjectID: s.cfg.ProjectID})
	default:
		s.logger.Warn("unhandled event kind", "kind", fmt.Sprintf("%T", ev))
	}
}

func (s *Store) applyDelta(ev protocol.AssistantDelta) {
	s.mu.Lock()
	cur := s.streamingTurnLocked()
	if cur == nil {
		s.mu.Unlock()
		s.logger.Debug("assistant delta with no open turn, dropped")
		return
	}

	var spawned []bus.ConversationEvent
	for _, tu := range ev.ToolUses {
		tc := &ToolCall{
			ID:       tu.ID,
			ToolName: tu.Name,
			RawInput: tu.Input,
			Category: protocol.ClassifyTool(tu.Name),
		}
		cur.ToolCalls = append(cur.ToolCalls, tc)
		if tc.Category == protocol.CategorySubAgent {
			task := newSubAgentTask(tc, s.now())
			s.subAgents = append(s.subAgents, task)
			if s.subAgentByCall == nil {
				s.subAgentByCall = make(map[*ToolCall]*SubAgentTask)
			}
			s.subAgentByCall[tc] = task
			spawned = append(spawned, bus.ConversationEvent{ProjectID: s.cfg.ProjectID, TurnID: cur.ID})
		}
	}

	// The protocol delivers cumulative text: each delta replaces the
	// previous streaming text rather than appending to it.
	if ev.Text != "" {
		cur.StreamingText = ev.Text
	}
	if ev.Usage != nil {
		cur.Tokens.Input += ev.Usage.InputTokens
		cur.Tokens.Output += ev.Usage.OutputTokens
	}
	turnID := cur.ID
	s.mu.Unlock()

	for _, e := range spawned {
		s.publish(bus.TopicSubAgentChanged, e)
	}
	s.publish(bus.TopicTurnUpdated, bus.ConversationEvent{ProjectID: s.cfg.ProjectID, TurnID: turnID, Status: string(StatusStreaming)})
}

func (s *Store) applyToolResult(ctx context.Context, ev protocol.ToolResult) {
	s.mu.Lock()
	cur := s.streamingTurnLocked()
	if cur == nil {
		s.mu.Unlock()
		s.recordMiss(ctx, "no_open_turn")
		return
	}

	tc := resolveToolCall(cur, ev.ToolUseID)
	if tc == nil {
		s.mu.Unlock()
		s.recordMiss(ctx, "no_matching_call")
		return
	}
	content := ev.Content
	tc.Result = &content
	tc.IsError = ev.IsError

	// Completion is keyed on the resolved call itself, so a spawn the
	// protocol announced without an identifier still flips.
	var subAgentDone bool
	if task, ok := s.subAgentByCall[tc]; ok && !task.Completed {
		task.Completed = true
		subAgentDone = true
	}
	turnID := cur.ID
	s.mu.Unlock()

	if subAgentDone {
		s.publish(bus.TopicSubAgentChanged, bus.ConversationEvent{ProjectID: s.cfg.ProjectID, TurnID: turnID})
	}
	s.publish(bus.TopicTurnUpdated, bus.ConversationEvent{ProjectID: s.cfg.ProjectID, TurnID: turnID, Status: string(StatusStreaming)})
}

// resolveToolCall applies the two-tier correlation rule: exact identifier
// match first, then the oldest unresolved call. The positional fallback can
// misattribute a result when two identifier-less calls are unresolved at
// once; that approximation is part of the contract with the upstream
// protocol, which does not always echo identifiers on results.
func resolveToolCall(turn *Turn, toolUseID string) *ToolCall {
	if toolUseID != "" {
		for _, tc := range turn.ToolCalls {
			if tc.ID == toolUseID {
				return tc
			}
		}
	}
	for _, tc := range turn.ToolCalls {
		if !tc.Resolved() {
			return tc
		}
	}
	return nil
}

func (s *Store) applyProgress(ev protocol.ToolProgress) {
	s.mu.Lock()
	cur := s.streamingTurnLocked()
	if cur == nil || len(cur.ToolCalls) == 0 {
		s.mu.Unlock()
		return
	}

	// Progress falls back to the most recently announced call, not the
	// oldest unresolved one: long-running tools report on what just started.
	var tc *ToolCall
	if ev.ToolUseID != "" {
		for _, c := range cur.ToolCalls {
			if c.ID == ev.ToolUseID {
				tc = c
				break
			}
		}
	}
	if tc == nil {
		tc = cur.ToolCalls[len(cur.ToolCalls)-1]
	}
	tc.Progress = &Progress{Status: ev.Status, ElapsedMs: ev.ElapsedMs}
	turnID := cur.ID
	s.mu.Unlock()

	s.publish(bus.TopicTurnUpdated, bus.ConversationEvent{ProjectID: s.cfg.ProjectID, TurnID: turnID, Status: string(StatusStreaming)})
}

func (s *Store) applyFinal(ev protocol.FinalResult) {
	s.finalizeCurrent(StatusDone, ev.Text, ev.SessionID)
}

func (s *Store) applyError(ev protocol.ErrorEvent) {
	s.finalizeCurrent(StatusError, ev.Message, "")
}

// finalizeCurrent closes the streaming turn. A terminal event with no open
// turn is a no-op: finalize is idempotent by construction.
func (s *Store) finalizeCurrent(status Status, text, sessionID string) {
	s.mu.Lock()
	cur := s.streamingTurnLocked()
	if cur == nil {
		s.mu.Unlock()
		s.logger.Debug("terminal event with no open turn, dropped", "status", string(status))
		return
	}

	switch status {
	case StatusDone:
		if text != "" {
			cur.AssistantText = text
		} else {
			cur.AssistantText = cur.StreamingText
		}
	case StatusError:
		cur.AssistantText = text
	case StatusCancelled:
		cur.AssistantText = strings.TrimSpace(cur.StreamingText + "\n\n" + CancelledMarker)
	}
	cur.StreamingText = ""
	cur.Status = status
	if sessionID != "" {
		s.resumeSessionID = sessionID
	}
	s.clearAwaitingLocked()
	turnID := cur.ID
	s.mu.Unlock()

	s.publish(bus.TopicTurnFinalized, bus.ConversationEvent{ProjectID: s.cfg.ProjectID, TurnID: turnID, Status: string(status)})
}

func (s *Store) applyPermissionRequest(ctx context.Context, ev protocol.PermissionRequest) {
	s.mu.Lock()
	s.permissions = append(s.permissions, &PermissionRequest{
		RequestID:    ev.RequestID,
		ToolName:     ev.ToolName,
		InputSummary: ev.InputSummary,
		ReceivedAt:   s.now(),
	})
	s.mu.Unlock()

	if m := s.cfg.Metrics; m != nil && m.PermissionsPending != nil {
		m.PermissionsPending.Add(ctx, 1)
	}
	s.publish(bus.TopicPermissionRequested, bus.PermissionEvent{
		ProjectID: s.cfg.ProjectID,
		RequestID: ev.RequestID,
		ToolName:  ev.ToolName,
	})
}

// Send starts a new exchange. It rejects the send while any turn is
// streaming; on a transport or backend failure the just-created turn is
// finalized as an error immediately, without waiting for a terminal event.
// Returns the locally generated turn ID.
func (s *Store) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	if s.streamingTurnLocked() != nil {
		s.mu.Unlock()
		return "", ErrTurnInFlight
	}
	turn := &Turn{
		ID:          uuid.NewString(),
		UserMessage: text,
		Status:      StatusStreaming,
		CreatedAt:   s.now(),
	}
	s.turns = append(s.turns, turn)
	// A new top-level exchange resets the visible sub-agent list and
	// discards stale permission requests. Discarded is not approved: the
	// agent side of an unanswered request stays blocked until it gives up.
	s.subAgents = nil
	s.subAgentByCall = nil
	s.dropPermissionsLocked(ctx)
	resume := s.resumeSessionID
	s.setAwaitingLocked()
	s.mu.Unlock()

	s.publish(bus.TopicTurnStarted, bus.ConversationEvent{ProjectID: s.cfg.ProjectID, TurnID: turn.ID, Status: string(StatusStreaming)})

	ack, err := s.cfg.Sender.SendMessage(ctx, text, resume)
	if err != nil {
		s.failTurn(turn.ID, fmt.Sprintf("send failed: %v", err))
		return turn.ID, fmt.Errorf("send message: %w", err)
	}
	if ack.Err != "" {
		s.failTurn(turn.ID, ack.Err)
		return turn.ID, fmt.Errorf("send rejected: %s", ack.Err)
	}
	if ack.SessionID != "" {
		s.mu.Lock()
		s.resumeSessionID = ack.SessionID
		s.mu.Unlock()
	}
	return turn.ID, nil
}

// failTurn finalizes a specific turn as an error, unless a concurrent
// terminal event already closed it.
func (s *Store) failTurn(turnID, message string) {
	s.mu.Lock()
	var target *Turn
	for _, t := range s.turns {
		if t.ID == turnID {
			target = t
			break
		}
	}
	if target == nil || target.Status != StatusStreaming {
		s.mu.Unlock()
		return
	}
	target.AssistantText = message
	target.StreamingText = ""
	target.Status = StatusError
	s.clearAwaitingLocked()
	s.mu.Unlock()

	s.publish(bus.TopicTurnFinalized, bus.ConversationEvent{ProjectID: s.cfg.ProjectID, TurnID: turnID, Status: string(StatusError)})
}

// Cancel aborts the streaming turn. Idempotent: cancelling when no turn is
// streaming is a no-op. The terminal-status check in finalize prevents double
// finalization when a terminal protocol event races the cancel.
func (s *Store) Cancel(ctx context.Context) error {
	if err := s.cfg.Sender.CancelTurn(ctx); err != nil {
		// The local finalize still applies: the user asked for the turn to
		// end, and the reconciliation pass will heal any divergence.
		s.logger.Warn("cancel forward failed", "error", err)
	}
	s.finalizeCurrent(StatusCancelled, "", "")
	return nil
}

// RespondPermission forwards an approve/deny decision and removes the request
// from the pending list unconditionally, even when the forward fails: the UI
// must never offer the same decision twice.
func (s *Store) RespondPermission(ctx context.Context, requestID string, approved bool) error {
	s.mu.Lock()
	idx := -1
	var toolName string
	for i, p := range s.permissions {
		if p.RequestID == requestID {
			idx = i
			toolName = p.ToolName
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownPermission, requestID)
	}
	s.permissions = append(s.permissions[:idx], s.permissions[idx+1:]...)
	s.mu.Unlock()

	if m := s.cfg.Metrics; m != nil && m.PermissionsPending != nil {
		m.PermissionsPending.Add(ctx, -1)
	}
	s.publish(bus.TopicPermissionResolved, bus.PermissionEvent{
		ProjectID: s.cfg.ProjectID,
		RequestID: requestID,
		ToolName:  toolName,
		Approved:  approved,
	})

	if err := s.cfg.Sender.RespondPermission(ctx, requestID, approved); err != nil {
		s.logger.Warn("permission response forward failed", "request_id", requestID, "error", err)
		return fmt.Errorf("forward permission response: %w", err)
	}
	return nil
}

// ReplaceTurns applies a freshly fetched canonical turn list wholesale. No
// field-level merge is attempted. A live turn still streaming that the
// fetched list does not contain is retained by appending it: reconciliation
// must never drop an in-flight exchange. When the fetched list does contain
// it, the fetched version wins; the authoritative log may have finalized a
// turn whose terminal event the live stream dropped.
func (s *Store) ReplaceTurns(fetched []*Turn) {
	s.mu.Lock()
	replaced := make([]*Turn, 0, len(fetched)+1)
	for _, t := range fetched {
		replaced = append(replaced, cloneTurn(t))
	}

	if live := s.streamingTurnLocked(); live != nil {
		found := false
		for _, t := range replaced {
			if t.ID == live.ID {
				found = true
				break
			}
		}
		if !found {
			replaced = append(replaced, live)
		}
	}
	s.turns = replaced
	s.mu.Unlock()

	s.publish(bus.TopicReconciled, bus.ConversationEvent{ProjectID: s.cfg.ProjectID})
}

// Snapshot returns a deep copy of the visible state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ProjectID:        s.cfg.ProjectID,
		Turns:            make([]*Turn, len(s.turns)),
		SubAgents:        make([]*SubAgentTask, len(s.subAgents)),
		Permissions:      make([]*PermissionRequest, len(s.permissions)),
		ResumeSessionID:  s.resumeSessionID,
		AwaitingResponse: s.awaiting,
	}
	for i, t := range s.turns {
		snap.Turns[i] = cloneTurn(t)
	}
	for i, a := range s.subAgents {
		cp := *a
		snap.SubAgents[i] = &cp
	}
	for i, p := range s.permissions {
		cp := *p
		snap.Permissions[i] = &cp
	}
	return snap
}

// Stats computes the aggregation view over the current turn list.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ComputeStats(s.turns)
}

// ResumeSessionID returns the last known resumable session identifier.
func (s *Store) ResumeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumeSessionID
}

// SetResumeSessionID seeds the resumable session identifier, typically from
// the persistence layer at startup.
func (s *Store) SetResumeSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeSessionID = id
}

// MissCount reports how many tool results were dropped without a matching
// call. Diagnostics only.
func (s *Store) MissCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.missCount
}

// streamingTurnLocked returns the last turn iff it is streaming. Only the
// last turn may receive events; earlier turns are terminal by invariant.
func (s *Store) streamingTurnLocked() *Turn {
	if len(s.turns) == 0 {
		return nil
	}
	last := s.turns[len(s.turns)-1]
	if last.Status != StatusStreaming {
		return nil
	}
	return last
}

func (s *Store) dropPermissionsLocked(ctx context.Context) {
	if n := len(s.permissions); n > 0 {
		if m := s.cfg.Metrics; m != nil && m.PermissionsPending != nil {
			m.PermissionsPending.Add(ctx, int64(-n))
		}
		s.logger.Debug("discarded stale permission requests", "count", n)
	}
	s.permissions = nil
}

// setAwaitingLocked raises the awaiting-response UI flag and arms the safety
// timer. The timer clears the flag only; it never touches turn status.
func (s *Store) setAwaitingLocked() {
	s.awaiting = true
	if s.awaitTimer != nil {
		s.awaitTimer.Stop()
	}
	s.awaitTimer = time.AfterFunc(s.cfg.SafetyTimeout, func() {
		s.mu.Lock()
		cleared := s.awaiting
		s.awaiting = false
		s.mu.Unlock()
		if cleared {
			s.logger.Warn("awaiting-response flag cleared by safety timer", "timeout", s.cfg.SafetyTimeout)
			s.publish(bus.TopicTurnUpdated, bus.ConversationEvent{ProjectID: s.cfg.ProjectID})
		}
	})
}

func (s *Store) clearAwaitingLocked() {
	s.awaiting = false
	if s.awaitTimer != nil {
		s.awaitTimer.Stop()
		s.awaitTimer = nil
	}
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(topic, payload)
	}
}

func (s *Store) countEvent(ctx context.Context, ev protocol.Event) {
	if m := s.cfg.Metrics; m != nil && m.EventsApplied != nil {
		m.EventsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind()))))
	}
}

func (s *Store) recordMiss(ctx context.Context, reason string) {
	s.mu.Lock()
	s.missCount++
	s.mu.Unlock()
	s.logger.Debug("tool result dropped", "reason", reason)
	if m := s.cfg.Metrics; m != nil && m.CorrelationMisses != nil {
		m.CorrelationMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func newSubAgentTask(tc *ToolCall, startedAt time.Time) *SubAgentTask {
	task := &SubAgentTask{
		ToolUseID: tc.ID,
		Type:      tc.ToolName,
		StartedAt: startedAt,
	}
	// Some spawns arrive without a correlation id; a synthetic key keeps
	// them listable and distinguishable.
	if task.ToolUseID == "" {
		task.ToolUseID = "spawn-" + uuid.NewString()
	}
	task.Name = inputField(tc.RawInput, "description")
	task.Description = inputField(tc.RawInput, "prompt")
	if sub := inputField(tc.RawInput, "subagent_type"); sub != "" {
		task.Type = sub
	}
	return task
}

func inputField(raw []byte, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}
