package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// JSONRPCVersion is the only JSON-RPC version accepted on the wire.
const JSONRPCVersion = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	JSONRPCParseErrorCode     = -32700
	JSONRPCInvalidRequestCode = -32600
	JSONRPCMethodNotFoundCode = -32601
	JSONRPCInvalidParamsCode  = -32602
	JSONRPCInternalErrorCode  = -32603
)

// MessageKind tells which of the three mutually exclusive JSON-RPC variants a message is.
type MessageKind int

// Message kinds.
const (
	KindRequest MessageKind = iota
	KindNotification
	KindResponse
)

// RequestID is a JSON-RPC id. The protocol allows both strings and numbers, so the id keeps its
// canonical JSON text and encodes back exactly as it was received. The zero value means "no id".
type RequestID struct {
	raw string
}

// JSONRPCMessage represents a JSON-RPC 2.0 message. It can represent either a request, response,
// or notification depending on which fields are populated:
//   - Request: JSONRPC, ID, Method, and optionally Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
//
// Messages produced by DecodeMessage are already validated and should be treated as immutable.
type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RequestID       `json:"id,omitzero"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	Code int `json:"code"`
	// Message provides a short description of the error.
	Message string `json:"message"`
	// Data contains additional information about the error. It may be omitted.
	Data any `json:"data,omitempty"`
}

// ValidationError is returned by DecodeMessage when a payload is not a well-formed JSON-RPC message.
type ValidationError struct {
	Reason string
	Err    error
}

var errNotAnObject = errors.New("message must be a JSON object")

// StringID returns a RequestID holding a string id.
func StringID(s string) RequestID {
	bs, _ := json.Marshal(s)
	return RequestID{raw: string(bs)}
}

// IntID returns a RequestID holding a numeric id.
func IntID(n int64) RequestID {
	return RequestID{raw: strconv.FormatInt(n, 10)}
}

// IsZero reports whether the id is absent.
func (id RequestID) IsZero() bool { return id.raw == "" }

// String returns the id for logs: strings without quotes, numbers as written.
func (id RequestID) String() string {
	if id.raw == "" {
		return ""
	}
	if id.raw[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(id.raw), &s); err == nil {
			return s
		}
	}
	return id.raw
}

// MarshalJSON implements json.Marshaler.
func (id RequestID) MarshalJSON() ([]byte, error) {
	if id.raw == "" {
		return []byte("null"), nil
	}
	return []byte(id.raw), nil
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, numbers and null are accepted.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		id.raw = ""
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("id must be a string or a number, got %s", data)
		}
		id.raw = n.String()
		return nil
	}
}

// Kind returns which JSON-RPC variant the message is. The result is only meaningful for messages
// that passed validation.
func (m JSONRPCMessage) Kind() MessageKind {
	if m.Method != "" {
		if m.ID.IsZero() {
			return KindNotification
		}
		return KindRequest
	}
	return KindResponse
}

func (k MessageKind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// DecodeMessage parses raw bytes into a JSONRPCMessage and checks that the message is exactly one
// of request, notification or response. It never inspects the method name beyond its presence.
func DecodeMessage(raw []byte) (JSONRPCMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return JSONRPCMessage{}, &ValidationError{Reason: "empty message"}
	}
	if trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			return JSONRPCMessage{}, &ValidationError{Reason: "invalid json", Err: errNotAnObject}
		}
		return JSONRPCMessage{}, &ValidationError{Reason: "invalid message", Err: errNotAnObject}
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return JSONRPCMessage{}, &ValidationError{Reason: "invalid json", Err: err}
	}

	if err := validateMessage(msg); err != nil {
		return JSONRPCMessage{}, err
	}

	return msg, nil
}

// EncodeMessage serializes a message to JSON.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bs, nil
}

// NewResultMessage builds a successful response correlated to id.
func NewResultMessage(id RequestID, result any) (JSONRPCMessage, error) {
	resBs, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}, nil
}

// NewErrorMessage builds an error response correlated to id.
func NewErrorMessage(id RequestID, code int, message string) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}

func validateMessage(msg JSONRPCMessage) error {
	if msg.JSONRPC != JSONRPCVersion {
		return &ValidationError{Reason: fmt.Sprintf("invalid jsonrpc version: %q", msg.JSONRPC)}
	}

	hasResult := len(msg.Result) > 0
	hasError := msg.Error != nil

	if msg.Method != "" {
		if hasResult || hasError {
			return &ValidationError{Reason: "request cannot have result or error fields"}
		}
		return nil
	}

	switch {
	case hasResult && hasError:
		return &ValidationError{Reason: "response cannot have both result and error fields"}
	case !hasResult && !hasError:
		return &ValidationError{Reason: "message must have a method, a result or an error"}
	case hasResult && msg.ID.IsZero():
		return &ValidationError{Reason: "response is missing an id"}
	}

	return nil
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
