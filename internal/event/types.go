package event

// Type tags an event and determines how its payload is interpreted.
// The set is closed but extensible: unknown tags still round-trip
// through the store, they just decode to a RawPayload.
type Type string

const (
	SessionStart Type = "session.start"
	SessionFork  Type = "session.fork"
	SessionEnd   Type = "session.end"

	MessageUser      Type = "message.user"
	MessageAssistant Type = "message.assistant"
	MessageDeleted   Type = "message.deleted"

	ToolResult Type = "tool.result"
)

// IsMessage reports whether the type carries user-visible message content.
// Only message events participate in content-signature reconciliation.
func (t Type) IsMessage() bool {
	return t == MessageUser || t == MessageAssistant
}

// IsDeletable reports whether a message.deleted event may target this type.
func (t Type) IsDeletable() bool {
	return t == MessageUser || t == MessageAssistant || t == ToolResult
}
