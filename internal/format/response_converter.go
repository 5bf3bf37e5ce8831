package format

import (
	"encoding/json"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// GoogleResponse is a generateContent response. The v1internal surface
// wraps the payload in a "response" envelope; the bare shape also
// occurs, so both are accepted.
type GoogleResponse struct {
	Response      *GoogleResponseBody `json:"response,omitempty"`
	Candidates    []Candidate         `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata      `json:"usageMetadata,omitempty"`
}

// GoogleResponseBody is the wrapped payload.
type GoogleResponseBody struct {
	Candidates    []Candidate    `json:"candidates,omitempty"`
	UsageMetadata *UsageMetadata `json:"usageMetadata,omitempty"`
}

// Candidate is one generated alternative.
type Candidate struct {
	Content      *CandidateContent `json:"content,omitempty"`
	FinishReason string            `json:"finishReason,omitempty"`
}

// CandidateContent holds the candidate's parts.
type CandidateContent struct {
	Parts []ResponsePart `json:"parts,omitempty"`
	Role  string         `json:"role,omitempty"`
}

// ResponsePart is one part of a candidate.
type ResponsePart struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *ResponseFuncCall `json:"functionCall,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
}

// ResponseFuncCall is a tool invocation emitted by the model.
type ResponseFuncCall struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
	ID   string                 `json:"id,omitempty"`
}

// UsageMetadata is the upstream token accounting.
type UsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// Unwrap returns the candidates and usage regardless of envelope shape.
func (r *GoogleResponse) Unwrap() ([]Candidate, *UsageMetadata) {
	if r.Response != nil {
		return r.Response.Candidates, r.Response.UsageMetadata
	}
	return r.Candidates, r.UsageMetadata
}

// MapStopReason translates a finishReason onto the Anthropic stop
// vocabulary. An explicit finishReason wins; hadToolCalls only decides
// when the backend omitted one, as it does on some tool-call streams.
func MapStopReason(finishReason string, hadToolCalls bool) string {
	switch {
	case finishReason == "STOP":
		return "end_turn"
	case finishReason == "MAX_TOKENS":
		return "max_tokens"
	case finishReason == "SAFETY":
		return "stop_sequence"
	case finishReason == "TOOL_USE" || finishReason == "TOOL_CALLS" || hadToolCalls:
		return "tool_use"
	default:
		return "end_turn"
	}
}

// ConvertUsage maps upstream usage onto the Anthropic accounting.
// promptTokenCount includes cached tokens, Anthropic's input_tokens
// excludes them, so the cached count is subtracted out.
func ConvertUsage(meta *UsageMetadata) *anthropic.Usage {
	if meta == nil {
		return &anthropic.Usage{}
	}
	return &anthropic.Usage{
		InputTokens:          meta.PromptTokenCount - meta.CachedContentTokenCount,
		OutputTokens:         meta.CandidatesTokenCount,
		CacheReadInputTokens: meta.CachedContentTokenCount,
	}
}

// ConvertGoogleToAnthropic builds the unary Messages API response from
// a complete generateContent response.
func ConvertGoogleToAnthropic(resp *GoogleResponse, model string, cache *SignatureCache) *anthropic.MessagesResponse {
	if cache == nil {
		cache = SharedSignatureCache()
	}

	candidates, usage := resp.Unwrap()

	var parts []ResponsePart
	var finishReason string
	if len(candidates) > 0 {
		finishReason = candidates[0].FinishReason
		if candidates[0].Content != nil {
			parts = candidates[0].Content.Parts
		}
	}

	family := string(config.GetModelFamily(model))
	content := make([]anthropic.ContentBlock, 0, len(parts))
	hadToolCalls := false

	for _, part := range parts {
		switch {
		case part.Text != "" && part.Thought:
			if len(part.ThoughtSignature) >= config.MinSignatureLength {
				cache.PutThinkingFamily(part.ThoughtSignature, family)
			}
			content = append(content, anthropic.ContentBlock{
				Type:      "thinking",
				Thinking:  part.Text,
				Signature: part.ThoughtSignature,
			})

		case part.Text != "":
			content = append(content, anthropic.ContentBlock{Type: "text", Text: part.Text})

		case part.FunctionCall != nil:
			block := functionCallBlock(part, cache)
			content = append(content, block)
			hadToolCalls = true

		case part.InlineData != nil:
			content = append(content, anthropic.ContentBlock{
				Type: "image",
				Source: &anthropic.ImageSource{
					Type:      "base64",
					MediaType: part.InlineData.MimeType,
					Data:      part.InlineData.Data,
				},
			})
		}
	}

	if len(content) == 0 {
		content = append(content, anthropic.ContentBlock{Type: "text", Text: ""})
	}

	return &anthropic.MessagesResponse{
		ID:         anthropic.GenerateMessageID(),
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: MapStopReason(finishReason, hadToolCalls),
		Usage:      ConvertUsage(usage),
	}
}

// functionCallBlock converts a functionCall part, minting a tool id
// when the backend omitted one and remembering the part's signature so
// it survives clients that strip unknown fields.
func functionCallBlock(part ResponsePart, cache *SignatureCache) anthropic.ContentBlock {
	id := part.FunctionCall.ID
	if id == "" {
		id = anthropic.GenerateToolUseID()
	}

	input := json.RawMessage("{}")
	if part.FunctionCall.Args != nil {
		if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
			input = data
		}
	}

	block := anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  part.FunctionCall.Name,
		Input: input,
	}
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		block.ThoughtSignature = part.ThoughtSignature
		cache.PutToolSignature(id, part.ThoughtSignature)
	}
	return block
}
