package format

import (
	"fmt"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

func isThinkingBlock(b anthropic.ContentBlock) bool {
	return b.Type == "thinking" || b.Type == "redacted_thinking"
}

func hasValidSignature(b anthropic.ContentBlock) bool {
	return b.Signature != "" && len(b.Signature) >= config.MinSignatureLength
}

// StripCacheControl removes cache_control markers from every block.
// The Cloud Code API rejects them with "Extra inputs are not
// permitted", and Claude Code attaches them to almost every request.
func StripCacheControl(messages []anthropic.Message) []anthropic.Message {
	out := make([]anthropic.Message, len(messages))
	for i, msg := range messages {
		blocks := make([]anthropic.ContentBlock, len(msg.Content))
		for j, b := range msg.Content {
			b.CacheControl = nil
			blocks[j] = b
		}
		out[i] = anthropic.Message{Role: msg.Role, Content: blocks}
	}
	return out
}

// HasGeminiHistory reports whether the conversation carries Gemini
// artifacts. Gemini signs tool calls (thoughtSignature on tool_use);
// Claude signs thinking blocks instead.
func HasGeminiHistory(messages []anthropic.Message) bool {
	for _, msg := range messages {
		for _, b := range msg.Content {
			if b.Type == "tool_use" && b.ThoughtSignature != "" {
				return true
			}
		}
	}
	return false
}

// HasUnsignedThinkingBlocks reports whether any assistant turn contains
// thinking that would be dropped for lack of a signature.
func HasUnsignedThinkingBlocks(messages []anthropic.Message) bool {
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, b := range msg.Content {
			if isThinkingBlock(b) && !hasValidSignature(b) {
				return true
			}
		}
	}
	return false
}

// sanitizeThinkingBlock strips everything but the canonical fields so
// upstream validation doesn't trip over extras.
func sanitizeThinkingBlock(b anthropic.ContentBlock) anthropic.ContentBlock {
	if b.Type == "redacted_thinking" {
		return anthropic.ContentBlock{Type: "redacted_thinking", Data: b.Data}
	}
	return anthropic.ContentBlock{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature}
}

func sanitizeToolUseBlock(b anthropic.ContentBlock) anthropic.ContentBlock {
	out := anthropic.ContentBlock{Type: "tool_use", ID: b.ID, Name: b.Name, Input: b.Input}
	out.ThoughtSignature = b.ThoughtSignature
	return out
}

// KeepSignedThinking drops unsigned thinking blocks from assistant
// content and sanitizes the signed ones.
func KeepSignedThinking(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	kept := make([]anthropic.ContentBlock, 0, len(content))
	for _, b := range content {
		if b.Type != "thinking" {
			kept = append(kept, b)
			continue
		}
		if hasValidSignature(b) {
			kept = append(kept, sanitizeThinkingBlock(b))
		}
	}
	return kept
}

// RemoveTrailingThinkingBlocks cuts unsigned thinking blocks off the
// end of an assistant turn. A signed block or any non-thinking block
// stops the scan.
func RemoveTrailingThinkingBlocks(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	end := len(content)
	for i := len(content) - 1; i >= 0; i-- {
		if !isThinkingBlock(content[i]) {
			break
		}
		if hasValidSignature(content[i]) {
			break
		}
		end = i
	}
	return content[:end]
}

// ReorderAssistantContent arranges an assistant turn as the backend
// expects: thinking first, then text, then tool_use. Empty text blocks
// are dropped along the way.
func ReorderAssistantContent(content []anthropic.ContentBlock) []anthropic.ContentBlock {
	if len(content) <= 1 {
		if len(content) == 1 && isThinkingBlock(content[0]) {
			return []anthropic.ContentBlock{sanitizeThinkingBlock(content[0])}
		}
		return content
	}

	var thinking, middle, tools []anthropic.ContentBlock
	for _, b := range content {
		switch {
		case isThinkingBlock(b):
			thinking = append(thinking, sanitizeThinkingBlock(b))
		case b.Type == "tool_use":
			tools = append(tools, sanitizeToolUseBlock(b))
		case b.Type == "text":
			if b.Text != "" {
				middle = append(middle, anthropic.ContentBlock{Type: "text", Text: b.Text})
			}
		default:
			middle = append(middle, b)
		}
	}

	out := make([]anthropic.ContentBlock, 0, len(thinking)+len(middle)+len(tools))
	out = append(out, thinking...)
	out = append(out, middle...)
	out = append(out, tools...)
	return out
}

// conversationState is the analyzed tail of a conversation, used to
// decide whether thinking recovery is needed.
type conversationState struct {
	inToolLoop       bool
	interruptedTool  bool
	turnHasThinking  bool
	toolResultCount  int
	lastAssistantIdx int
}

func analyzeConversation(messages []anthropic.Message) conversationState {
	state := conversationState{lastAssistantIdx: -1}

	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			state.lastAssistantIdx = i
			break
		}
	}
	if state.lastAssistantIdx == -1 {
		return state
	}

	last := messages[state.lastAssistantIdx]
	hasToolUse := false
	for _, b := range last.Content {
		if b.Type == "tool_use" {
			hasToolUse = true
		}
		if isThinkingBlock(b) && (hasValidSignature(b) ||
			(b.ThoughtSignature != "" && len(b.ThoughtSignature) >= config.MinSignatureLength)) {
			state.turnHasThinking = true
		}
	}

	plainUserAfter := false
	for i := state.lastAssistantIdx + 1; i < len(messages); i++ {
		hadResult := false
		for _, b := range messages[i].Content {
			if b.Type == "tool_result" {
				hadResult = true
			}
		}
		if hadResult {
			state.toolResultCount++
		} else if messages[i].Role == "user" {
			plainUserAfter = true
		}
	}

	state.inToolLoop = hasToolUse && state.toolResultCount > 0
	state.interruptedTool = hasToolUse && state.toolResultCount == 0 && plainUserAfter
	return state
}

// NeedsThinkingRecovery reports whether the conversation is mid tool
// loop (or was interrupted) without a usable thinking block. Thinking
// models refuse to continue such a turn, so the loop must be closed
// synthetically.
func NeedsThinkingRecovery(messages []anthropic.Message) bool {
	state := analyzeConversation(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return false
	}
	return !state.turnHasThinking
}

// stripInvalidThinking removes unsigned thinking everywhere and, for
// Gemini targets, also thinking whose signature came from another
// family. Claude validates its own signatures so only genuinely
// unsigned blocks are dropped there.
func stripInvalidThinking(messages []anthropic.Message, targetFamily string, cache *SignatureCache) []anthropic.Message {
	out := make([]anthropic.Message, 0, len(messages))

	for _, msg := range messages {
		if len(msg.Content) == 0 {
			out = append(out, msg)
			continue
		}

		kept := make([]anthropic.ContentBlock, 0, len(msg.Content))
		for _, b := range msg.Content {
			if !isThinkingBlock(b) {
				kept = append(kept, b)
				continue
			}
			if !hasValidSignature(b) {
				continue
			}
			if targetFamily == "gemini" {
				family := cache.ThinkingFamily(b.Signature)
				if family != targetFamily {
					continue
				}
			}
			kept = append(kept, b)
		}

		// Claude rejects turns with no parts at all.
		if len(kept) == 0 {
			kept = []anthropic.ContentBlock{{Type: "text", Text: "."}}
		}
		out = append(out, anthropic.Message{Role: msg.Role, Content: kept})
	}

	return out
}

// CloseToolLoopForThinking repairs a conversation whose thinking
// context was lost mid tool loop, by stripping the stale thinking and
// injecting synthetic turns that end the loop cleanly.
func CloseToolLoopForThinking(messages []anthropic.Message, targetFamily string, cache *SignatureCache) []anthropic.Message {
	state := analyzeConversation(messages)
	if !state.inToolLoop && !state.interruptedTool {
		return messages
	}

	modified := stripInvalidThinking(messages, targetFamily, cache)

	if state.interruptedTool {
		synthetic := anthropic.Message{
			Role:    "assistant",
			Content: []anthropic.ContentBlock{{Type: "text", Text: "[Tool call was interrupted.]"}},
		}
		insertAt := state.lastAssistantIdx + 1
		withAck := make([]anthropic.Message, 0, len(modified)+1)
		withAck = append(withAck, modified[:insertAt]...)
		withAck = append(withAck, synthetic)
		withAck = append(withAck, modified[insertAt:]...)
		return withAck
	}

	text := "[Tool execution completed.]"
	if state.toolResultCount > 1 {
		text = fmt.Sprintf("[%d tool executions completed.]", state.toolResultCount)
	}
	modified = append(modified, anthropic.Message{
		Role:    "assistant",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
	})
	modified = append(modified, anthropic.Message{
		Role:    "user",
		Content: []anthropic.ContentBlock{{Type: "text", Text: "[Continue]"}},
	})
	return modified
}
