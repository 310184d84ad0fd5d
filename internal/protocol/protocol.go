// Package protocol defines the wire frames exchanged with clients over the
// duplex connection. Frames are JSON with an action envelope and an
// action-specific data payload, decoded in two phases so unknown actions can
// be rejected without guessing at their payload shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client-to-server actions.
const (
	ActionSetConnectionType = "setConnectionType"
	ActionSendMessage       = "sendMessage"
)

// Connection types a client may classify as. "user" connections transmit
// content, "admin" connections observe it.
const (
	ConnectionTypeUser  = "user"
	ConnectionTypeAdmin = "admin"
)

// Server-to-client frame types.
const (
	TypeAck     = "ack"
	TypeError   = "error"
	TypeMessage = "message"
	TypeClosing = "closing"
)

// Error codes carried in error frames.
const (
	CodeMalformedFrame        = "MALFORMED_FRAME"
	CodeUnknownAction         = "UNKNOWN_ACTION"
	CodeInvalidConnectionType = "INVALID_CONNECTION_TYPE"
	CodeAlreadyClassified     = "ALREADY_CLASSIFIED"
	CodeNotSender             = "NOT_A_SENDER"
	CodePublishFailed         = "PUBLISH_FAILED"
	CodeRateLimited           = "RATE_LIMIT_EXCEEDED"
)

// Error is a protocol-level rejection. The connection stays open and its
// state is unchanged; the client may correct the frame and retry.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

// Errorf builds a protocol error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Frame is the outer envelope of a client frame.
type Frame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// SetConnectionType is the payload of a classification frame.
type SetConnectionType struct {
	ConnectionType string `json:"connectionType"`
}

// SendMessage is the payload of a content frame.
type SendMessage struct {
	Content string `json:"content"`
}

// ParseFrame decodes the outer envelope. The payload is decoded separately
// once the action is known.
func ParseFrame(data []byte) (*Frame, *Error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, Errorf(CodeMalformedFrame, "invalid JSON: %v", err)
	}
	if f.Action == "" {
		return nil, Errorf(CodeMalformedFrame, "missing action")
	}
	return &f, nil
}

// ParseSetConnectionType decodes and validates a classification payload.
func ParseSetConnectionType(data json.RawMessage) (*SetConnectionType, *Error) {
	var p SetConnectionType
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, Errorf(CodeMalformedFrame, "invalid setConnectionType payload: %v", err)
	}
	if p.ConnectionType != ConnectionTypeUser && p.ConnectionType != ConnectionTypeAdmin {
		return nil, Errorf(CodeInvalidConnectionType, "connectionType must be %q or %q", ConnectionTypeUser, ConnectionTypeAdmin)
	}
	return &p, nil
}

// ParseSendMessage decodes a content payload.
func ParseSendMessage(data json.RawMessage) (*SendMessage, *Error) {
	var p SendMessage
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, Errorf(CodeMalformedFrame, "invalid sendMessage payload: %v", err)
	}
	if p.Content == "" {
		return nil, Errorf(CodeMalformedFrame, "content must not be empty")
	}
	return &p, nil
}

// AckFrame acknowledges a successfully processed client frame. MessageID is
// set for sendMessage acks so the sender can correlate its publication.
type AckFrame struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	MessageID string `json:"messageId,omitempty"`
}

// ErrorFrame reports a protocol error back to the client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageFrame delivers broadcast content to an observer.
type MessageFrame struct {
	Type        string    `json:"type"`
	MessageID   string    `json:"messageId"`
	Content     string    `json:"content"`
	PublishedAt time.Time `json:"publishedAt"`
}

// ClosingFrame is the best-effort shutdown notification sent during drain.
type ClosingFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// EncodeAck serializes an ack frame.
func EncodeAck(action, messageID string) []byte {
	data, _ := json.Marshal(AckFrame{Type: TypeAck, Action: action, MessageID: messageID})
	return data
}

// EncodeError serializes a protocol error into an error frame.
func EncodeError(perr *Error) []byte {
	data, _ := json.Marshal(ErrorFrame{Type: TypeError, Code: perr.Code, Message: perr.Message})
	return data
}

// EncodeMessage serializes a broadcast push for an observer.
func EncodeMessage(messageID, content string, publishedAt time.Time) []byte {
	data, _ := json.Marshal(MessageFrame{
		Type:        TypeMessage,
		MessageID:   messageID,
		Content:     content,
		PublishedAt: publishedAt,
	})
	return data
}

// EncodeClosing serializes the drain notification.
func EncodeClosing(reason string) []byte {
	data, _ := json.Marshal(ClosingFrame{Type: TypeClosing, Reason: reason})
	return data
}
