// Package identity holds the pure functions that build every stable
// identifier in the system: source_ref, doc:, topic: and kb: ids, plus the
// single canonical anchor ordering. No other package may build these
// strings inline.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RefPattern matches a canonical source_ref:
// tg:<channel_id>:<message_type>:<message_id> with type post or comment.
var RefPattern = regexp.MustCompile(`^tg:[^:]+:(post|comment):[^:]+$`)

// CanonicalRef builds a source_ref from its components. Each component must
// be non-empty and free of ':'; messageType must be "post" or "comment".
func CanonicalRef(channelID, messageType, messageID string) (string, error) {
	if messageType != "post" && messageType != "comment" {
		return "", fmt.Errorf("invalid message_type %q: must be post or comment", messageType)
	}
	for _, part := range []string{channelID, messageID} {
		if part == "" {
			return "", fmt.Errorf("empty source_ref component")
		}
		if strings.Contains(part, ":") {
			return "", fmt.Errorf("source_ref component %q contains ':'", part)
		}
	}
	return "tg:" + channelID + ":" + messageType + ":" + messageID, nil
}

// MessageRef is CanonicalRef for numeric Telegram message ids.
func MessageRef(channelID, messageType string, messageID int64) (string, error) {
	return CanonicalRef(channelID, messageType, strconv.FormatInt(messageID, 10))
}

// ParseRef splits a canonical source_ref back into its components.
func ParseRef(ref string) (channelID, messageType, messageID string, err error) {
	if !RefPattern.MatchString(ref) {
		return "", "", "", fmt.Errorf("malformed source_ref %q", ref)
	}
	parts := strings.Split(ref, ":")
	return parts[1], parts[2], parts[3], nil
}

// IsValidRef reports whether ref matches the canonical source_ref shape.
func IsValidRef(ref string) bool {
	return RefPattern.MatchString(ref)
}

// DocID returns the processed-document id for a source_ref.
func DocID(sourceRef string) string {
	return "doc:" + sourceRef
}

// TopicID returns the deterministic topic id for a primary anchor ref.
func TopicID(primaryAnchorRef string) string {
	return "topic:" + primaryAnchorRef
}

// KBMsgID returns the knowledge-base id of a message entry.
func KBMsgID(sourceRef string) string {
	return "kb:msg:" + sourceRef
}

// KBTopicID returns the knowledge-base id of a topic entry.
func KBTopicID(topicID string) string {
	return "kb:topic:" + topicID
}

// AnchorLess is the canonical anchor ordering used everywhere anchors (or
// anchor-like items) are sorted: score descending, ref ascending on ties.
func AnchorLess(scoreA float64, refA string, scoreB float64, refB string) bool {
	if scoreA != scoreB {
		return scoreA > scoreB
	}
	return refA < refB
}
