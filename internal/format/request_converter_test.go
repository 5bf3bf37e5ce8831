package format

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

func textMessage(role, text string) anthropic.Message {
	return anthropic.Message{Role: role, Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func TestConvertAnthropicToGoogleBasics(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 2048,
		System:    "be terse",
		Messages: []anthropic.Message{
			textMessage("user", "hello"),
			textMessage("assistant", "hi"),
			textMessage("user", "bye"),
		},
	}

	out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))

	require.Len(t, out.Contents, 3)
	require.Equal(t, "user", out.Contents[0].Role)
	require.Equal(t, "model", out.Contents[1].Role)
	require.Equal(t, "user", out.Contents[2].Role)
	require.Equal(t, "hello", out.Contents[0].Parts[0].Text)

	require.NotNil(t, out.SystemInstruction)
	require.Equal(t, "be terse", out.SystemInstruction.Parts[0].Text)
	require.Equal(t, 2048, out.GenerationConfig.MaxOutputTokens)
	require.Nil(t, out.GenerationConfig.ThinkingConfig)
}

func TestSystemBlockArray(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "gemini-3-flash",
		System: []interface{}{
			map[string]interface{}{"type": "text", "text": "first"},
			map[string]interface{}{"type": "text", "text": "second"},
			map[string]interface{}{"type": "other", "text": "skipped"},
		},
		Messages: []anthropic.Message{textMessage("user", "hi")},
	}

	out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))
	require.Len(t, out.SystemInstruction.Parts, 2)
	require.Equal(t, "first", out.SystemInstruction.Parts[0].Text)
}

func TestConsecutiveSameRoleTurnsMerge(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "claude-sonnet-4-5",
		Messages: []anthropic.Message{
			textMessage("user", "first"),
			textMessage("user", "second"),
			textMessage("assistant", "reply"),
			textMessage("user", "third"),
		},
	}

	out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))

	require.Len(t, out.Contents, 3)
	require.Equal(t, "user", out.Contents[0].Role)
	require.Len(t, out.Contents[0].Parts, 2)
	require.Equal(t, "first", out.Contents[0].Parts[0].Text)
	require.Equal(t, "second", out.Contents[0].Parts[1].Text)
	require.Equal(t, "model", out.Contents[1].Role)
	require.Equal(t, "user", out.Contents[2].Role)
}

func TestEmptyContentGetsPlaceholderPart(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:    "gemini-3-flash",
		Messages: []anthropic.Message{{Role: "user", Content: []anthropic.ContentBlock{}}},
	}

	out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))
	require.Len(t, out.Contents[0].Parts, 1)
	require.Equal(t, ".", out.Contents[0].Parts[0].Text)
}

func TestClaudeThinkingConfig(t *testing.T) {
	t.Run("budget below max_tokens passes through", func(t *testing.T) {
		req := &anthropic.MessagesRequest{
			Model:     "claude-sonnet-4-5-thinking",
			MaxTokens: 32000,
			Thinking:  &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 10000},
			Messages:  []anthropic.Message{textMessage("user", "hi")},
		}
		out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))

		tc := out.GenerationConfig.ThinkingConfig
		require.NotNil(t, tc)
		require.True(t, tc.IncludeThoughts)
		require.Equal(t, 10000, tc.ThinkingBudget)
		require.Equal(t, 32000, out.GenerationConfig.MaxOutputTokens)
	})

	t.Run("max_tokens below budget is raised", func(t *testing.T) {
		req := &anthropic.MessagesRequest{
			Model:     "claude-sonnet-4-5-thinking",
			MaxTokens: 4096,
			Thinking:  &anthropic.ThinkingConfig{Type: "enabled", BudgetTokens: 10000},
			Messages:  []anthropic.Message{textMessage("user", "hi")},
		}
		out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))
		require.Equal(t, 18192, out.GenerationConfig.MaxOutputTokens)
	})
}

func TestGeminiThinkingConfig(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:    "gemini-3-pro-high",
		Messages: []anthropic.Message{textMessage("user", "hi")},
	}
	out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))

	tc := out.GenerationConfig.ThinkingConfig
	require.NotNil(t, tc)
	require.True(t, tc.IncludeThoughtsGemini)
	require.Equal(t, geminiDefaultThinkingBudget, tc.ThinkingBudgetGemini)
	require.False(t, tc.IncludeThoughts)
}

func TestGeminiMaxTokensCap(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:     "gemini-3-flash",
		MaxTokens: 64000,
		Messages:  []anthropic.Message{textMessage("user", "hi")},
	}
	out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))
	require.Equal(t, config.GeminiMaxOutputTokens, out.GenerationConfig.MaxOutputTokens)
}

func TestConvertTools(t *testing.T) {
	tools := []anthropic.Tool{{
		Name:        "get weather!",
		Description: "look up weather",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
	}}

	t.Run("claude gets validated calling mode", func(t *testing.T) {
		req := &anthropic.MessagesRequest{
			Model:    "claude-sonnet-4-5",
			Tools:    tools,
			Messages: []anthropic.Message{textMessage("user", "hi")},
		}
		out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))

		require.Len(t, out.Tools, 1)
		decl := out.Tools[0].FunctionDeclarations[0]
		require.Equal(t, "get_weather_", decl.Name)
		require.Equal(t, "look up weather", decl.Description)
		require.NotNil(t, out.ToolConfig)
		require.Equal(t, "VALIDATED", out.ToolConfig.FunctionCallingConfig.Mode)
	})

	t.Run("gemini gets no tool config", func(t *testing.T) {
		req := &anthropic.MessagesRequest{
			Model:    "gemini-3-flash",
			Tools:    tools,
			Messages: []anthropic.Message{textMessage("user", "hi")},
		}
		out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))
		require.Nil(t, out.ToolConfig)
	})
}

func TestInterleavedThinkingHint(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model:  "claude-sonnet-4-5-thinking",
		System: "base prompt",
		Tools: []anthropic.Tool{{
			Name:        "t",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		Messages: []anthropic.Message{textMessage("user", "hi")},
	}
	out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))

	require.Contains(t, out.SystemInstruction.Parts[0].Text, "base prompt")
	require.Contains(t, out.SystemInstruction.Parts[0].Text, "Interleaved thinking is enabled")
}

func TestCacheControlStripped(t *testing.T) {
	req := &anthropic.MessagesRequest{
		Model: "gemini-3-flash",
		Messages: []anthropic.Message{{
			Role: "user",
			Content: []anthropic.ContentBlock{{
				Type:         "text",
				Text:         "hello",
				CacheControl: &anthropic.CacheControl{Type: "ephemeral"},
			}},
		}},
	}

	out := ConvertAnthropicToGoogle(req, NewSignatureCache(0))
	data, err := json.Marshal(out)
	require.NoError(t, err)
	require.NotContains(t, string(data), "cache_control")
}
