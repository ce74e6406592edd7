package transport

import "encoding/json"

// Operations the client issues over the socket. Everything else arriving on
// the wire is a pushed protocol envelope.
const (
	opSendMessage         = "send_message"
	opCancelTurn          = "cancel_turn"
	opPermissionResponse  = "permission_response"
	opSubscribeActivity   = "subscribe_activity"
	opUnsubscribeActivity = "unsubscribe_activity"
)

// request is an outbound client frame. The id correlates the backend's
// response; pushed envelopes never carry one.
type request struct {
	ID     string `json:"id"`
	Op     string `json:"op"`
	Params any    `json:"params,omitempty"`
}

// response is the backend's reply to a request.
type response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type sendMessageParams struct {
	ProjectID       string `json:"project_id"`
	Text            string `json:"text"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

type sendMessageResult struct {
	SessionID string `json:"session_id"`
}

type cancelParams struct {
	ProjectID string `json:"project_id"`
}

type permissionResponseParams struct {
	ProjectID string `json:"project_id"`
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

type subscribeParams struct {
	ProjectID string `json:"project_id"`
}

type subscribeResult struct {
	Watching bool `json:"watching"`
}
