package cloudcode

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// DeriveSessionID returns a stable session id for a conversation. The
// upstream prompt cache is scoped to (session, organization), so every
// turn of the same conversation must present the same id; hashing the
// first user message achieves that without any server-side state.
func DeriveSessionID(req *anthropic.MessagesRequest) string {
	for _, msg := range req.Messages {
		if msg.Role != "user" {
			continue
		}
		if text := messageText(msg); text != "" {
			sum := sha256.Sum256([]byte(text))
			return hex.EncodeToString(sum[:16])
		}
	}
	// No user text to anchor on; cache continuity is lost but the
	// request still needs an id.
	return uuid.New().String()
}

func messageText(msg anthropic.Message) string {
	var parts []string
	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}
