// Package protocol frames the worker's message-passing surface: JSON
// messages, one per line, over a unix socket. Requests map to responses by
// id; job progress events arrive out of band on the same connection.
package protocol

import (
	"encoding/json"
	"errors"

	"github.com/localkb/localkb/internal/kberr"
)

// EventJobUpdate is the only event currently emitted.
const EventJobUpdate = "job:update"

// Request is one client call.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one request.
type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the wire form of a failed call.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Category  string `json:"category"`
	Retryable bool   `json:"retryable"`
}

// Error implements the error interface so clients can surface wire errors
// directly.
func (e *Error) Error() string {
	return "[" + e.Code + "] " + e.Message
}

// Event is an out-of-band notification.
type Event struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// JobUpdatePayload is the payload of a job:update event.
type JobUpdatePayload struct {
	KBID string `json:"kbId"`
	Job  any    `json:"job"`
}

// message is the superset shape used to tell responses from events when
// reading a connection.
type message struct {
	Type   string          `json:"type,omitempty"`
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`

	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wireError converts an engine error into its wire form, preserving the
// structured code and category when present.
func wireError(err error) *Error {
	var coded *kberr.Error
	if errors.As(err, &coded) {
		return &Error{
			Code:      coded.Code,
			Message:   coded.Message,
			Category:  string(coded.Category),
			Retryable: coded.Retryable,
		}
	}
	return &Error{
		Code:     kberr.ErrCodeInternal,
		Message:  err.Error(),
		Category: string(kberr.CategoryInternal),
	}
}
