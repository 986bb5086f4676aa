package event

import (
	"strings"

	"github.com/tidwall/gjson"
)

// SignatureLength is how many characters of extracted text participate in
// a content signature. Long messages only need a stable prefix to match
// their canonical twins.
const SignatureLength = 80

// ExtractText flattens the message content of a payload into plain text.
// The content field is either a plain string or an array of blocks; text
// and thinking blocks contribute, tool blocks do not.
func ExtractText(payload []byte) string {
	content := gjson.GetBytes(payload, "content")
	if content.Type == gjson.String {
		return content.Str
	}
	if !content.IsArray() {
		return ""
	}

	var parts []string
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").Str {
		case "text":
			if t := block.Get("text").Str; t != "" {
				parts = append(parts, t)
			}
		case "thinking":
			if t := block.Get("thinking").Str; t != "" {
				parts = append(parts, t)
			}
		}
		return true
	})
	return strings.Join(parts, "\n")
}

// HasToolBlocks reports whether the payload's content carries at least one
// tool_use or tool_result block. An event with tool blocks is "richer"
// than a same-signature event without them.
func HasToolBlocks(payload []byte) bool {
	content := gjson.GetBytes(payload, "content")
	if !content.IsArray() {
		return false
	}
	rich := false
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").Str {
		case "tool_use", "tool_result":
			rich = true
			return false
		}
		return true
	})
	return rich
}

// Signature computes the content signature used to match a provisional
// event to its canonical twin: the event type plus the first
// SignatureLength characters of extracted text. Returns "" for events
// with no extractable text, which never participate in matching.
func (e *Event) Signature() string {
	text := ExtractText(e.Payload)
	if text == "" {
		return ""
	}
	runes := []rune(text)
	if len(runes) > SignatureLength {
		runes = runes[:SignatureLength]
	}
	return string(e.Type) + "\x00" + string(runes)
}
