// Package wsproto defines the JSON frame envelope spoken over the gateway's
// WebSocket endpoint and the helpers for building well-formed replies.
package wsproto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Frame types. A client opens or closes a session, or calls an API action;
// the gateway answers a call with the same type on success and CallError on
// failure.
const (
	TypeOpen      = "open"
	TypeCall      = "call"
	TypeClose     = "close"
	TypeCallError = "callError"
)

// Message is one WebSocket frame.
type Message struct {
	Type     string          `json:"type"`
	UniqueID string          `json:"uniqueId"`
	Action   string          `json:"action,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw frame and validates the envelope.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	switch m.Type {
	case TypeOpen, TypeCall, TypeClose, TypeCallError:
	default:
		return nil, fmt.Errorf("unknown frame type %q", m.Type)
	}
	if m.UniqueID == "" {
		m.UniqueID = uuid.NewString()
	}
	return &m, nil
}

// Response builds the success reply to req, echoing its correlation id and
// action.
func Response(req *Message, payload []byte) *Message {
	return &Message{
		Type:     req.Type,
		UniqueID: req.UniqueID,
		Action:   req.Action,
		Payload:  json.RawMessage(payload),
	}
}

// ErrorResponse builds the failure reply to req. The payload carries the
// same error envelope the HTTP surface uses.
func ErrorResponse(req *Message, code int, message string) *Message {
	payload, _ := json.Marshal(map[string]any{
		"error": map[string]any{"code": code, "message": message},
	})
	return &Message{
		Type:     TypeCallError,
		UniqueID: req.UniqueID,
		Action:   req.Action,
		Payload:  payload,
	}
}

// Request builds a server-initiated call with a fresh correlation id.
func Request(action string, payload []byte) *Message {
	return &Message{
		Type:     TypeCall,
		UniqueID: uuid.NewString(),
		Action:   action,
		Payload:  json.RawMessage(payload),
	}
}
