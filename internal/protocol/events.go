// Package protocol normalizes raw push-channel frames into the fixed set of
// event kinds the conversation engine consumes. The agent process emits a
// heterogeneous stream; everything downstream of this package works with the
// typed union defined here.
package protocol

import "encoding/json"

// Kind discriminates the normalized event union.
type Kind string

const (
	KindAssistantDelta    Kind = "assistant_delta"
	KindToolResult        Kind = "tool_result"
	KindToolProgress      Kind = "tool_progress"
	KindFinalResult       Kind = "result"
	KindError             Kind = "error"
	KindPermissionRequest Kind = "permission_request"
	KindActivityBatch     Kind = "activity"
)

// Event is one normalized push-channel event.
type Event interface {
	Kind() Kind
}

// Usage carries token counters from an assistant delta. Counters are
// per-delta increments; the store accumulates them.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ToolUse is one tool-invocation block inside an assistant delta.
type ToolUse struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// AssistantDelta carries cumulative streaming text (each delta replaces the
// previous text, it does not append), zero or more tool-invocation blocks,
// and optional usage counters.
type AssistantDelta struct {
	Text            string    `json:"text"`
	ToolUses        []ToolUse `json:"tool_uses"`
	Usage           *Usage    `json:"usage"`
	ParentToolUseID string    `json:"parent_tool_use_id"`
}

func (AssistantDelta) Kind() Kind { return KindAssistantDelta }

// ToolResult resolves a previously announced tool invocation. ToolUseID may
// be empty; correlation then falls back to the oldest unresolved call.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

func (ToolResult) Kind() Kind { return KindToolResult }

// ToolProgress is an incremental status update for a long-running tool call.
type ToolProgress struct {
	ToolUseID string `json:"tool_use_id"`
	Status    string `json:"status"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

func (ToolProgress) Kind() Kind { return KindToolProgress }

// FinalResult terminates the streaming turn. Text may be empty, in which case
// the last streaming text stands. SessionID, when present, is the external
// agent's resumable session identifier.
type FinalResult struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

func (FinalResult) Kind() Kind { return KindFinalResult }

// ErrorEvent reports an application-level failure from the agent. It
// terminates the streaming turn in error status.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (ErrorEvent) Kind() Kind { return KindError }

// PermissionRequest asks the user to approve or deny a sensitive capability.
// The agent blocks until answered.
type PermissionRequest struct {
	RequestID    string `json:"request_id"`
	ToolName     string `json:"tool_name"`
	InputSummary string `json:"input_summary"`
}

func (PermissionRequest) Kind() Kind { return KindPermissionRequest }

// ActivityBatch is an opaque batch of activity entries. The engine never
// inspects the entries; their arrival triggers reconciliation.
type ActivityBatch struct {
	Entries []json.RawMessage `json:"entries"`
}

func (ActivityBatch) Kind() Kind { return KindActivityBatch }
