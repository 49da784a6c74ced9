package biz

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
)

// firstMessageLimit bounds how much of the opening message is hashed.
const firstMessageLimit = 4096

// Conversation carries what a protocol handler knows about the client
// conversation, enough to fingerprint it across turns.
type Conversation struct {
	// ConversationID is a client supplied id (metadata.user_id, session header), if any.
	ConversationID   string
	FirstUserMessage string
	// ToolNames are hashed in sorted order; clients reorder them freely.
	ToolNames    []string
	MessageCount int
}

// ExtractSessionID derives a stable session id. Every turn of the same
// conversation repeats the first user message, so the id survives the
// history growing. It returns "" when there is nothing to fingerprint.
func ExtractSessionID(c Conversation) string {
	id := strings.TrimSpace(c.ConversationID)
	first := strings.TrimSpace(c.FirstUserMessage)
	if id == "" && first == "" {
		return ""
	}
	if len(first) > firstMessageLimit {
		first = first[:firstMessageLimit]
	}

	h := sha256.New()
	h.Write([]byte(id))
	h.Write([]byte{0})
	h.Write([]byte(first))
	tools := slices.Clone(c.ToolNames)
	slices.Sort(tools)
	for _, t := range tools {
		h.Write([]byte{0})
		h.Write([]byte(t))
	}
	return "sid-" + hex.EncodeToString(h.Sum(nil))[:16]
}
