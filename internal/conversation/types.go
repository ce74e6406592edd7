// Package conversation rebuilds a displayable conversation model from the
// normalized agent event stream. One Store owns the turn list for one
// project; all mutation is serialized behind the store's mutex.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/strandlabs/strand/internal/protocol"
)

// Status is the lifecycle state of a turn. Streaming is the only non-terminal
// state; a turn never leaves a terminal state except by wholesale list
// replacement during reconciliation.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// TokenTotals is the running token usage for one turn. Monotonically
// non-decreasing while the turn streams.
type TokenTotals struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Progress mirrors the incremental status of a long-running tool call.
type Progress struct {
	Status    string `json:"status"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// ToolCall is one invocation of a named capability within a turn. It belongs
// to exactly one turn and is never moved between turns.
type ToolCall struct {
	ID       string            `json:"id"` // correlation id, may be empty
	ToolName string            `json:"tool_name"`
	RawInput json.RawMessage   `json:"raw_input"`
	Category protocol.Category `json:"category"`
	Result   *string           `json:"result,omitempty"`
	IsError  bool              `json:"is_error"`
	Progress *Progress         `json:"progress,omitempty"`
}

// Resolved reports whether a result has attached to this call.
func (tc *ToolCall) Resolved() bool { return tc.Result != nil }

// Turn is one user message plus the agent's response to it. The ID is
// generated locally at creation time and is not guaranteed to match the
// identifier the authoritative log eventually assigns.
type Turn struct {
	ID            string      `json:"id"`
	UserMessage   string      `json:"user_message"`
	ToolCalls     []*ToolCall `json:"tool_calls"`
	StreamingText string      `json:"streaming_text,omitempty"`
	AssistantText string      `json:"assistant_text,omitempty"`
	Tokens        TokenTotals `json:"tokens"`
	Status        Status      `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// SubAgentTask is the derived view over one subagent-category tool call:
// spawn through completion. Entries are never removed, only cleared when a
// new top-level exchange starts.
type SubAgentTask struct {
	ToolUseID   string    `json:"tool_use_id"`
	Type        string    `json:"type"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
	Completed   bool      `json:"completed"`
}

// PermissionRequest is a pending approval gate raised by the agent. The
// agent blocks until answered; no timeout-based auto-decision exists.
type PermissionRequest struct {
	RequestID    string    `json:"request_id"`
	ToolName     string    `json:"tool_name"`
	InputSummary string    `json:"input_summary"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Snapshot is a deep copy of the store's visible state, safe to read without
// holding the store's lock.
type Snapshot struct {
	ProjectID        string
	Turns            []*Turn
	SubAgents        []*SubAgentTask
	Permissions      []*PermissionRequest
	ResumeSessionID  string
	AwaitingResponse bool
}

// StreamingTurn returns the turn currently streaming, or nil.
func (s Snapshot) StreamingTurn() *Turn {
	for _, t := range s.Turns {
		if t.Status == StatusStreaming {
			return t
		}
	}
	return nil
}

func cloneTurn(t *Turn) *Turn {
	cp := *t
	cp.ToolCalls = make([]*ToolCall, len(t.ToolCalls))
	for i, tc := range t.ToolCalls {
		tcc := *tc
		if tc.Result != nil {
			r := *tc.Result
			tcc.Result = &r
		}
		if tc.Progress != nil {
			p := *tc.Progress
			tcc.Progress = &p
		}
		tcc.RawInput = append(json.RawMessage(nil), tc.RawInput...)
		cp.ToolCalls[i] = &tcc
	}
	return &cp
}
