// Package rpc implements the framed request/response protocol used when the
// storage engine runs in a separate process from its callers. Messages are
// newline-delimited JSON over any byte stream. Responses echo the numeric id
// of their request; push events carry no id and are recognized by that
// absence.
package rpc

import "encoding/json"

// messageTypeEvent tags unsolicited push messages.
const messageTypeEvent = "event"

// Request names an operation and carries its encoded parameters.
type Request struct {
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response reports the outcome of one request. Exactly one of Data and Error
// is meaningful, selected by Success.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// envelope is the wire framing shared by requests, responses and events.
type envelope struct {
	ID       *uint64         `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Request  *Request        `json:"request,omitempty"`
	Response *Response       `json:"response,omitempty"`
	Event    json.RawMessage `json:"event,omitempty"`
}
