package event

import (
	"encoding/json"
	"fmt"
)

// Typed views over event payloads. Event.Payload always stays the raw
// document the server (or the optimistic local writer) produced, so
// unrecognized keys survive round-trips through the store; these structs
// are decode-only projections for callers that need specific fields.

// SessionStartPayload is the payload of a session.start root event.
type SessionStartPayload struct {
	WorkingDirectory string `json:"workingDirectory"`
	Model            string `json:"model"`
	Provider         string `json:"provider,omitempty"`
	Title            string `json:"title,omitempty"`
}

// SessionForkPayload is the payload of a session.fork root event.
// SourceEventID is the only reference that may cross session boundaries.
type SessionForkPayload struct {
	SourceSessionID string `json:"sourceSessionId"`
	SourceEventID   string `json:"sourceEventId"`
	Name            string `json:"name,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// SessionEndPayload is the payload of a session.end event.
type SessionEndPayload struct {
	Reason   string `json:"reason"`
	Summary  string `json:"summary,omitempty"`
	Duration int64  `json:"duration,omitempty"`
}

// UserMessagePayload is the payload of a message.user event. Content is
// either a plain string or an array of content blocks.
type UserMessagePayload struct {
	Content json.RawMessage `json:"content"`
	Turn    int64           `json:"turn"`
}

// AssistantMessagePayload is the payload of a message.assistant event.
type AssistantMessagePayload struct {
	Content    json.RawMessage `json:"content"`
	Turn       int64           `json:"turn"`
	Model      string          `json:"model"`
	StopReason string          `json:"stopReason"`
	TokenUsage *TokenUsage     `json:"tokenUsage,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
}

// TokenUsage carries per-message token counters mirrored into the session
// aggregate.
type TokenUsage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
}

// MessageDeletedPayload is the payload of a message.deleted event.
type MessageDeletedPayload struct {
	TargetEventID string `json:"targetEventId"`
	TargetType    string `json:"targetType"`
	Reason        string `json:"reason,omitempty"`
}

// RawPayload preserves a payload whose type the current binary does not
// recognize.
type RawPayload struct {
	Raw json.RawMessage
}

// DecodePayload projects raw into the typed struct for t. Unknown types
// return a RawPayload rather than an error so new server-side event types
// never break old clients.
func DecodePayload(t Type, raw json.RawMessage) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", t, err)
		}
		return v, nil
	}

	switch t {
	case SessionStart:
		return decode(&SessionStartPayload{})
	case SessionFork:
		return decode(&SessionForkPayload{})
	case SessionEnd:
		return decode(&SessionEndPayload{})
	case MessageUser:
		return decode(&UserMessagePayload{})
	case MessageAssistant:
		return decode(&AssistantMessagePayload{})
	case MessageDeleted:
		return decode(&MessageDeletedPayload{})
	default:
		return &RawPayload{Raw: raw}, nil
	}
}
