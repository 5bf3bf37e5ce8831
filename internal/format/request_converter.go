package format

import (
	"encoding/json"
	"fmt"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// interleavedThinkingHint is appended to the system instruction for
// Claude thinking models that declare tools.
const interleavedThinkingHint = "Interleaved thinking is enabled. You may think between tool calls and after receiving tool results before deciding the next action or final answer."

// geminiDefaultThinkingBudget is used when the client enables thinking
// on a Gemini model without naming a budget.
const geminiDefaultThinkingBudget = 16000

// ConvertAnthropicToGoogle translates a Messages API request into the
// generateContent shape for the target model's family.
func ConvertAnthropicToGoogle(req *anthropic.MessagesRequest, cache *SignatureCache) *GoogleRequest {
	if cache == nil {
		cache = SharedSignatureCache()
	}

	messages := StripCacheControl(req.Messages)
	family := config.GetModelFamily(req.Model)
	isClaude := family == config.ModelFamilyClaude
	isGemini := family == config.ModelFamilyGemini
	isThinking := config.IsThinkingModel(req.Model)

	out := &GoogleRequest{
		Contents:         make([]GoogleContent, 0, len(messages)),
		GenerationConfig: &GenerationConfig{},
	}

	out.SystemInstruction = buildSystemInstruction(req.System)
	if isClaude && isThinking && len(req.Tools) > 0 {
		out.SystemInstruction = appendSystemText(out.SystemInstruction, interleavedThinkingHint)
	}

	// A thinking model resuming a tool loop whose thinking was lost
	// (stripped by the client, or produced by the other family) will
	// be rejected upstream. Close the loop synthetically first.
	if isThinking && NeedsThinkingRecovery(messages) {
		switch {
		case isGemini:
			log.Debug("[RequestConverter] Closing tool loop for Gemini thinking")
			messages = CloseToolLoopForThinking(messages, "gemini", cache)
		case isClaude && (HasGeminiHistory(messages) || HasUnsignedThinkingBlocks(messages)):
			log.Debug("[RequestConverter] Closing tool loop for Claude thinking")
			messages = CloseToolLoopForThinking(messages, "claude", cache)
		}
	}

	for _, msg := range messages {
		content := msg.Content
		if msg.Role == "assistant" && len(content) > 0 {
			content = KeepSignedThinking(content)
			content = RemoveTrailingThinkingBlocks(content)
			content = ReorderAssistantContent(content)
		}

		parts := ConvertContentToParts(content, family, cache)
		role := ConvertRole(msg.Role)

		// The upstream expects strictly alternating turns, so
		// consecutive same-role messages collapse into one entry.
		if n := len(out.Contents); n > 0 && out.Contents[n-1].Role == role {
			out.Contents[n-1].Parts = append(out.Contents[n-1].Parts, parts...)
			continue
		}
		if len(parts) == 0 {
			// The API rejects a content entry with zero parts.
			parts = []GooglePart{{Text: "."}}
		}

		out.Contents = append(out.Contents, GoogleContent{
			Role:  role,
			Parts: parts,
		})
	}

	applyGenerationConfig(out.GenerationConfig, req, isClaude, isGemini, isThinking)
	out.Tools, out.ToolConfig = convertTools(req.Tools, isClaude)

	if isGemini && out.GenerationConfig.MaxOutputTokens > config.GeminiMaxOutputTokens {
		log.Debug("[RequestConverter] Capping Gemini max_tokens %d -> %d",
			out.GenerationConfig.MaxOutputTokens, config.GeminiMaxOutputTokens)
		out.GenerationConfig.MaxOutputTokens = config.GeminiMaxOutputTokens
	}

	return out
}

// buildSystemInstruction accepts the system prompt as a string or as a
// text-block array.
func buildSystemInstruction(system anthropic.SystemContent) *GoogleContent {
	var parts []GooglePart

	switch s := system.(type) {
	case string:
		if s != "" {
			parts = append(parts, GooglePart{Text: s})
		}
	case []interface{}:
		for _, item := range s {
			block, ok := item.(map[string]interface{})
			if !ok || block["type"] != "text" {
				continue
			}
			if text, ok := block["text"].(string); ok && text != "" {
				parts = append(parts, GooglePart{Text: text})
			}
		}
	}

	if len(parts) == 0 {
		return nil
	}
	return &GoogleContent{Parts: parts}
}

func appendSystemText(instruction *GoogleContent, text string) *GoogleContent {
	if instruction == nil {
		return &GoogleContent{Parts: []GooglePart{{Text: text}}}
	}
	last := &instruction.Parts[len(instruction.Parts)-1]
	if last.Text != "" {
		last.Text = last.Text + "\n\n" + text
	} else {
		instruction.Parts = append(instruction.Parts, GooglePart{Text: text})
	}
	return instruction
}

func applyGenerationConfig(gc *GenerationConfig, req *anthropic.MessagesRequest, isClaude, isGemini, isThinking bool) {
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = req.MaxTokens
	}
	gc.Temperature = req.Temperature
	gc.TopP = req.TopP
	gc.TopK = req.TopK
	if len(req.StopSequences) > 0 {
		gc.StopSequences = req.StopSequences
	}

	if !isThinking {
		return
	}

	if isClaude {
		tc := &ThinkingConfigModel{IncludeThoughts: true}
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			tc.ThinkingBudget = req.Thinking.BudgetTokens
			// The API requires max_tokens to exceed the thinking
			// budget; leave headroom for the visible answer.
			if gc.MaxOutputTokens > 0 && gc.MaxOutputTokens <= tc.ThinkingBudget {
				adjusted := tc.ThinkingBudget + 8192
				log.Warn("[RequestConverter] max_tokens (%d) <= thinking budget (%d), raising to %d",
					gc.MaxOutputTokens, tc.ThinkingBudget, adjusted)
				gc.MaxOutputTokens = adjusted
			}
		}
		gc.ThinkingConfig = tc
		return
	}

	if isGemini {
		budget := geminiDefaultThinkingBudget
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			budget = req.Thinking.BudgetTokens
		}
		gc.ThinkingConfig = &ThinkingConfigModel{
			IncludeThoughtsGemini: true,
			ThinkingBudgetGemini:  budget,
		}
	}
}

func convertTools(tools []anthropic.Tool, isClaude bool) ([]GoogleTool, *ToolConfig) {
	if len(tools) == 0 {
		return nil, nil
	}

	decls := make([]FunctionDeclaration, 0, len(tools))
	for i, tool := range tools {
		name := tool.Name
		if name == "" {
			name = fmt.Sprintf("tool-%d", i)
		}

		var schema map[string]interface{}
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				log.Warn("[RequestConverter] Unparseable schema for tool %s: %v", name, err)
				schema = map[string]interface{}{"type": "object"}
			}
		}

		decls = append(decls, FunctionDeclaration{
			Name:        CleanToolName(name),
			Description: tool.Description,
			Parameters:  CleanSchema(SanitizeToolSchema(schema)),
		})
	}

	var toolConfig *ToolConfig
	if isClaude {
		toolConfig = &ToolConfig{
			FunctionCallingConfig: &FunctionCallingConfig{Mode: "VALIDATED"},
		}
	}
	return []GoogleTool{{FunctionDeclarations: decls}}, toolConfig
}
