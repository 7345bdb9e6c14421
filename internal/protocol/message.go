// Package protocol implements the wire message schema, validator, and
// newline-delimited frame codec shared by the Host and the Client. The codec
// and validator perform no I/O: Decoder.Write consumes bytes already read by
// the caller, and Validate is a pure function over an already-framed JSON
// value. FrameWriter is the one type here that writes to a connection.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the closed set of wire message variants.
type Type string

const (
	TypeServerInfo Type = "server_info"
	TypeChatStart  Type = "chat_start"
	TypeChatChunk  Type = "chat_chunk"
	TypeChatEnd    Type = "chat_end"
	TypeAbort      Type = "abort"
	TypeError      Type = "error"
)

func (t Type) valid() bool {
	switch t {
	case TypeServerInfo, TypeChatStart, TypeChatChunk, TypeChatEnd, TypeAbort, TypeError:
		return true
	}
	return false
}

// requestIDRequired reports whether the variant must carry a request_id.
func (t Type) requestIDRequired() bool {
	switch t {
	case TypeChatStart, TypeChatChunk, TypeChatEnd, TypeAbort:
		return true
	}
	return false
}

// Status is the Host's gate state as reported in server_info.
type Status string

const (
	StatusReady Status = "ready"
	StatusBusy  Status = "busy"
)

func (s Status) valid() bool { return s == StatusReady || s == StatusBusy }

// FinishReason closes out a request.
type FinishReason string

const (
	FinishStop  FinishReason = "stop"
	FinishAbort FinishReason = "abort"
	FinishError FinishReason = "error"
)

func (f FinishReason) valid() bool {
	switch f {
	case FinishStop, FinishAbort, FinishError:
		return true
	}
	return false
}

// ErrorCode is the closed, wire-visible error taxonomy (spec §7).
type ErrorCode string

const (
	// Connection
	ErrInvalidServerID   ErrorCode = "INVALID_SERVER_ID"
	ErrConnectFailed     ErrorCode = "CONNECT_FAILED"
	ErrHostOffline       ErrorCode = "HOST_OFFLINE"
	ErrHostDisconnected  ErrorCode = "HOST_DISCONNECTED"
	ErrUserDisconnected  ErrorCode = "USER_DISCONNECTED"

	// Provider
	ErrOllamaNotFound          ErrorCode = "OLLAMA_NOT_FOUND"
	ErrOllamaModelNotAvailable ErrorCode = "OLLAMA_MODEL_NOT_AVAILABLE"
	ErrModelBusy               ErrorCode = "MODEL_BUSY"
	ErrGenerationFailed        ErrorCode = "GENERATION_FAILED"
	ErrGenerationAborted       ErrorCode = "GENERATION_ABORTED"

	// Protocol
	ErrBadMessage         ErrorCode = "BAD_MESSAGE"
	ErrUnsupportedVersion ErrorCode = "UNSUPPORTED_VERSION"
	ErrTimeoutNoResponse  ErrorCode = "TIMEOUT_NO_RESPONSE"
)

// Payload types, one per variant.

type ServerInfoPayload struct {
	HostName string `json:"host_name"`
	Model    string `json:"model"`
	Status   Status `json:"status"`
}

type ChatStartPayload struct {
	Prompt string `json:"prompt"`
}

type ChatChunkPayload struct {
	Text string `json:"text"`
}

type ChatEndPayload struct {
	FinishReason FinishReason `json:"finish_reason"`
}

type AbortPayload struct{}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Message is a validated, in-memory envelope. Exactly one payload field is
// non-nil, matching Type.
type Message struct {
	Type      Type
	RequestID string // empty when the variant carries none

	ServerInfo *ServerInfoPayload
	ChatStart  *ChatStartPayload
	ChatChunk  *ChatChunkPayload
	ChatEnd    *ChatEndPayload
	Abort      *AbortPayload
	Error      *ErrorPayload
}

func NewServerInfo(hostName, model string, status Status) Message {
	return Message{Type: TypeServerInfo, ServerInfo: &ServerInfoPayload{HostName: hostName, Model: model, Status: status}}
}

func NewChatStart(requestID, prompt string) Message {
	return Message{Type: TypeChatStart, RequestID: requestID, ChatStart: &ChatStartPayload{Prompt: prompt}}
}

func NewChatChunk(requestID, text string) Message {
	return Message{Type: TypeChatChunk, RequestID: requestID, ChatChunk: &ChatChunkPayload{Text: text}}
}

func NewChatEnd(requestID string, reason FinishReason) Message {
	return Message{Type: TypeChatEnd, RequestID: requestID, ChatEnd: &ChatEndPayload{FinishReason: reason}}
}

func NewAbort(requestID string) Message {
	return Message{Type: TypeAbort, RequestID: requestID, Abort: &AbortPayload{}}
}

// NewError builds an error frame. requestID may be empty for connection-level
// errors that precede any request.
func NewError(requestID string, code ErrorCode, message string) Message {
	return Message{Type: TypeError, RequestID: requestID, Error: &ErrorPayload{Code: code, Message: message}}
}

// wireEnvelope is the on-the-wire shape: type, optional request_id, payload.
type wireEnvelope struct {
	Type      Type            `json:"type"`
	RequestID *string         `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Marshal renders the message as its JSON envelope (no trailing newline;
// Encoder adds framing).
func (m Message) Marshal() ([]byte, error) {
	var payload any
	switch m.Type {
	case TypeServerInfo:
		payload = m.ServerInfo
	case TypeChatStart:
		payload = m.ChatStart
	case TypeChatChunk:
		payload = m.ChatChunk
	case TypeChatEnd:
		payload = m.ChatEnd
	case TypeAbort:
		payload = m.Abort
	case TypeError:
		payload = m.Error
	default:
		return nil, fmt.Errorf("protocol: marshal: unknown message type %q", m.Type)
	}

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}

	env := wireEnvelope{Type: m.Type, Payload: rawPayload}
	if m.RequestID != "" {
		id := m.RequestID
		env.RequestID = &id
	}
	return json.Marshal(env)
}

// ValidationError is returned by Validate for a malformed inbound value. It
// carries enough information for the caller to emit a request-scoped error
// frame when the offending request_id could be determined.
type ValidationError struct {
	RequestID string // empty if not determinable
	Code      ErrorCode
	Detail    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: validation failed: %s", e.Detail)
}

func badMessage(requestID, detail string) *ValidationError {
	return &ValidationError{RequestID: requestID, Code: ErrBadMessage, Detail: detail}
}

// Validate checks a single decoded JSON value against the message schema:
// type membership, request_id presence rules, and payload shape, including
// the chat_start prompt size limit. It performs no I/O.
func Validate(raw json.RawMessage) (Message, *ValidationError) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, badMessage("", "not a JSON object: "+err.Error())
	}

	var requestID string
	if env.RequestID != nil {
		requestID = *env.RequestID
	}

	if !env.Type.valid() {
		return Message{}, badMessage(requestID, fmt.Sprintf("unknown type %q", env.Type))
	}

	if env.Type.requestIDRequired() && requestID == "" {
		return Message{}, badMessage("", fmt.Sprintf("%s requires a non-empty request_id", env.Type))
	}

	switch env.Type {
	case TypeServerInfo:
		var p ServerInfoPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, badMessage(requestID, "bad server_info payload: "+err.Error())
		}
		if !p.Status.valid() {
			return Message{}, badMessage(requestID, fmt.Sprintf("bad status %q", p.Status))
		}
		return Message{Type: env.Type, RequestID: requestID, ServerInfo: &p}, nil

	case TypeChatStart:
		var p ChatStartPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, badMessage(requestID, "bad chat_start payload: "+err.Error())
		}
		if n := len(p.Prompt); n > defaultMaxPromptBytes {
			return Message{}, badMessage(requestID, fmt.Sprintf("prompt too long: %d bytes", n))
		}
		return Message{Type: env.Type, RequestID: requestID, ChatStart: &p}, nil

	case TypeChatChunk:
		var p ChatChunkPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, badMessage(requestID, "bad chat_chunk payload: "+err.Error())
		}
		return Message{Type: env.Type, RequestID: requestID, ChatChunk: &p}, nil

	case TypeChatEnd:
		var p ChatEndPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, badMessage(requestID, "bad chat_end payload: "+err.Error())
		}
		if !p.FinishReason.valid() {
			return Message{}, badMessage(requestID, fmt.Sprintf("bad finish_reason %q", p.FinishReason))
		}
		return Message{Type: env.Type, RequestID: requestID, ChatEnd: &p}, nil

	case TypeAbort:
		return Message{Type: env.Type, RequestID: requestID, Abort: &AbortPayload{}}, nil

	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return Message{}, badMessage(requestID, "bad error payload: "+err.Error())
		}
		return Message{Type: env.Type, RequestID: requestID, Error: &p}, nil
	}

	// unreachable: env.Type.valid() already excludes this
	return Message{}, badMessage(requestID, "unhandled type")
}

// defaultMaxPromptBytes is the wire-protocol prompt size ceiling (spec §3,
// §6): every implementation of this wire format enforces 8192 bytes
// regardless of local deployment configuration. ValidateWithLimit lets a
// caller impose a tighter ceiling on top of it, e.g. config.Config's
// MaxPromptBytes.
const defaultMaxPromptBytes = 8192

// ValidateWithLimit behaves like Validate and additionally enforces an
// explicit prompt byte ceiling. Validate's wire-protocol constant still
// applies first, so a ceiling above 8192 bytes has no effect. Hosts and
// tests use this to exercise config.Config.MaxPromptBytes end-to-end.
func ValidateWithLimit(raw json.RawMessage, maxPromptBytes int) (Message, *ValidationError) {
	msg, verr := Validate(raw)
	if verr != nil {
		return msg, verr
	}
	if msg.Type == TypeChatStart && len(msg.ChatStart.Prompt) > maxPromptBytes {
		return Message{}, badMessage(msg.RequestID, fmt.Sprintf("prompt too long: %d bytes", len(msg.ChatStart.Prompt)))
	}
	return msg, nil
}
