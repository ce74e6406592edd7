package bus

// Conversation topics. The payload for all conversation.* topics is a
// ConversationEvent; consumers re-read the store snapshot rather than
// reconstructing state from payloads.
const (
	TopicTurnStarted         = "conversation.turn_started"
	TopicTurnUpdated         = "conversation.turn_updated"
	TopicTurnFinalized       = "conversation.turn_finalized"
	TopicPermissionRequested = "conversation.permission_requested"
	TopicPermissionResolved  = "conversation.permission_resolved"
	TopicSubAgentChanged     = "conversation.subagent_changed"
	TopicReconciled          = "conversation.reconciled"
)

// Session topics.
const (
	TopicSessionConnected    = "session.connected"
	TopicSessionDisconnected = "session.disconnected"
	TopicSessionWatchChanged = "session.watch_changed"
	TopicSessionAuthFailed   = "session.auth_failed"
	TopicActivityBatch       = "session.activity_batch"
)

// ConversationEvent is published on every visible conversation change.
type ConversationEvent struct {
	ProjectID string // project scope
	TurnID    string // turn affected, if any
	Status    string // turn status after the change, if any
}

// PermissionEvent is published when a permission request arrives or is
// resolved.
type PermissionEvent struct {
	ProjectID string
	RequestID string
	ToolName  string
	Approved  bool // meaningful on TopicPermissionResolved only
}

// SessionEvent is published on transport state transitions.
type SessionEvent struct {
	ProjectID string
	Connected bool
	Watching  bool
	Err       string // last error message, if any
}
