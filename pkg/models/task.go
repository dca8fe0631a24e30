package models

import "encoding/json"

// RunRequest is the body of POST /run, sent by a dispatcher to a peer.
type RunRequest struct {
	TaskID        string                     `json:"task_id"`
	Function      string                     `json:"function"`
	Args          []json.RawMessage          `json:"args,omitempty"`
	Kwargs        map[string]json.RawMessage `json:"kwargs,omitempty"`
	ResourceClass string                     `json:"resource_class,omitempty"`
	SenderID      string                     `json:"sender_id,omitempty"`
}

// RunResponse is returned by POST /run. Error is set only when the task itself failed.
type RunResponse struct {
	TaskID string          `json:"task_id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SubmitResponse is returned by POST /submit on a node.
type SubmitResponse struct {
	TaskID     string          `json:"task_id"`
	Result     json.RawMessage `json:"result"`
	ExecutedBy string          `json:"executed_by"`
	Decision   string          `json:"decision"`
	Fallback   bool            `json:"fallback"`
}

// ErrorResponse is the JSON body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}
