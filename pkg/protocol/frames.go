// Package protocol defines the JSON wire contract between the gateway and
// streaming clients, plus the typed error model shared by the WebSocket and
// HTTP surfaces.
package protocol

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is bumped on breaking frame changes.
const ProtocolVersion = 1

// Client → server frame types.
const (
	FrameInit        = "init"
	FrameChatMessage = "chat_message"
	FrameVoiceInput  = "voice_input"
	FrameTyping      = "typing"
	FramePing        = "ping"
)

// Server → client frame types.
const (
	FrameAIResponse         = "ai_response"
	FrameAITyping           = "ai_typing"
	FrameError              = "error"
	FrameSystemNotification = "system_notification"
	FramePong               = "pong"
)

// Frame is the envelope for every message on the streaming channel.
// Payload shape depends on Type. Timestamp is unix milliseconds.
// CorrelationID, when sent by a client, is echoed back on responses.
type Frame struct {
	Type          string          `json:"type"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame with the payload marshaled and the timestamp set.
func NewFrame(frameType string, payload any) *Frame {
	f := &Frame{
		Type:      frameType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			f.Payload = data
		}
	}
	return f
}

// InitPayload opens (or resumes) a session on a connection.
type InitPayload struct {
	Session      string   `json:"session"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// ChatMessagePayload carries one user message.
type ChatMessagePayload struct {
	Session  string            `json:"session"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VoiceInputPayload carries captured audio. Voice synthesis is handled by an
// external collaborator; the gateway only validates and rejects or forwards.
type VoiceInputPayload struct {
	Session    string `json:"session"`
	AudioB64   string `json:"audio_b64"`
	Format     string `json:"format"`
	DurationMS int64  `json:"duration_ms"`
}

// TypingPayload signals client-side typing state.
type TypingPayload struct {
	Session  string `json:"session"`
	IsTyping bool   `json:"is_typing"`
}

// AIResponsePayload is the assistant reply for one chat message.
type AIResponsePayload struct {
	Session   string            `json:"session"`
	Content   string            `json:"content"`
	MessageID string            `json:"message_id"`
	ToolCalls []ToolCallInfo    `json:"tool_calls,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToolCallInfo summarizes one tool invocation made while producing a response.
type ToolCallInfo struct {
	Name     string `json:"name"`
	Success  bool   `json:"success"`
	Duration int64  `json:"duration_ms"`
}

// AITypingPayload signals that the assistant is composing a reply.
type AITypingPayload struct {
	Session  string `json:"session"`
	IsTyping bool   `json:"is_typing"`
}

// ErrorPayload is the WS rendering of a typed error.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// SystemNotificationPayload carries out-of-band notices (alerts, shutdown).
type SystemNotificationPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}
