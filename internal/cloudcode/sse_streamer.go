package cloudcode

import (
	"encoding/json"
	"io"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/format"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// StreamSSE translates an upstream SSE body into Anthropic streaming
// events, calling emit for each one in protocol order: message_start,
// then content blocks, then message_delta and message_stop. It returns
// an EmptyResponseError when the stream ends before any content.
func StreamSSE(r io.Reader, model string, cache *format.SignatureCache, emit func(*anthropic.SSEEvent) error) error {
	if cache == nil {
		cache = format.SharedSignatureCache()
	}
	s := &sseStreamer{model: model, cache: cache, emit: emit}
	if err := scanSSE(r, s.handleChunk); err != nil {
		return err
	}
	return s.finish()
}

// sseStreamer is the per-request translation state. Anthropic's
// protocol is block-oriented while Google's is part-oriented, so the
// streamer opens a block when the part type changes and closes the
// previous one, keeping the running block index.
type sseStreamer struct {
	model string
	cache *format.SignatureCache
	emit  func(*anthropic.SSEEvent) error

	started      bool
	blockType    string
	blockIndex   int
	pendingSig   string
	hadToolCalls bool
	finishReason string
	usage        *format.UsageMetadata
}

func (s *sseStreamer) handleChunk(chunk *format.GoogleResponse) error {
	candidates, usage := chunk.Unwrap()
	s.usage = maxUsage(s.usage, usage)

	for _, cand := range candidates {
		if cand.FinishReason != "" {
			s.finishReason = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if err := s.handlePart(part); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *sseStreamer) handlePart(part format.ResponsePart) error {
	switch {
	case part.Thought && part.Text != "":
		return s.thinkingDelta(part)
	case part.Text != "":
		return s.textDelta(part.Text)
	case part.FunctionCall != nil:
		return s.toolUse(part)
	case part.InlineData != nil:
		return s.inlineImage(part.InlineData)
	}
	return nil
}

func (s *sseStreamer) thinkingDelta(part format.ResponsePart) error {
	if err := s.ensureBlock("thinking", &anthropic.ContentBlock{Type: "thinking", Thinking: ""}); err != nil {
		return err
	}
	if part.ThoughtSignature != "" {
		s.pendingSig = part.ThoughtSignature
	}
	return s.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: intPtr(s.blockIndex),
		Delta: &anthropic.ContentDelta{Type: "thinking_delta", Thinking: part.Text},
	})
}

func (s *sseStreamer) textDelta(text string) error {
	if err := s.ensureBlock("text", &anthropic.ContentBlock{Type: "text", Text: ""}); err != nil {
		return err
	}
	return s.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: intPtr(s.blockIndex),
		Delta: &anthropic.ContentDelta{Type: "text_delta", Text: text},
	})
}

// toolUse opens a tool_use block and delivers the complete arguments
// as a single input_json_delta; the backend never fragments them.
func (s *sseStreamer) toolUse(part format.ResponsePart) error {
	id := part.FunctionCall.ID
	if id == "" {
		id = anthropic.GenerateToolUseID()
	}

	block := &anthropic.ContentBlock{
		Type:  "tool_use",
		ID:    id,
		Name:  part.FunctionCall.Name,
		Input: json.RawMessage("{}"),
	}
	if len(part.ThoughtSignature) >= config.MinSignatureLength {
		block.ThoughtSignature = part.ThoughtSignature
		s.cache.PutToolSignature(id, part.ThoughtSignature)
	}

	if err := s.openBlock("tool_use", block); err != nil {
		return err
	}
	s.hadToolCalls = true

	args := []byte("{}")
	if part.FunctionCall.Args != nil {
		if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
			args = data
		}
	}
	return s.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: intPtr(s.blockIndex),
		Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: string(args)},
	})
}

func (s *sseStreamer) inlineImage(data *format.InlineData) error {
	block := &anthropic.ContentBlock{
		Type: "image",
		Source: &anthropic.ImageSource{
			Type:      "base64",
			MediaType: data.MimeType,
			Data:      data.Data,
		},
	}
	if err := s.openBlock("image", block); err != nil {
		return err
	}
	// An image is atomic; close the block right away.
	return s.closeBlock()
}

// ensureBlock keeps the current block when the type matches, otherwise
// closes it and opens a new one.
func (s *sseStreamer) ensureBlock(blockType string, block *anthropic.ContentBlock) error {
	if s.blockType == blockType {
		return nil
	}
	return s.openBlock(blockType, block)
}

func (s *sseStreamer) openBlock(blockType string, block *anthropic.ContentBlock) error {
	if err := s.ensureStarted(); err != nil {
		return err
	}
	if err := s.closeBlock(); err != nil {
		return err
	}
	s.blockType = blockType
	return s.emit(&anthropic.SSEEvent{
		Type:         anthropic.SSEEventContentBlockStart,
		Index:        intPtr(s.blockIndex),
		ContentBlock: block,
	})
}

// closeBlock ends the open block, flushing the thinking signature
// first so clients can replay it on the next turn.
func (s *sseStreamer) closeBlock() error {
	if s.blockType == "" {
		return nil
	}

	if s.blockType == "thinking" && len(s.pendingSig) >= config.MinSignatureLength {
		s.cache.PutThinkingFamily(s.pendingSig, string(config.GetModelFamily(s.model)))
		err := s.emit(&anthropic.SSEEvent{
			Type:  anthropic.SSEEventContentBlockDelta,
			Index: intPtr(s.blockIndex),
			Delta: &anthropic.ContentDelta{Type: "signature_delta", Signature: s.pendingSig},
		})
		if err != nil {
			return err
		}
	}
	s.pendingSig = ""

	if err := s.emit(&anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockStop,
		Index: intPtr(s.blockIndex),
	}); err != nil {
		return err
	}
	s.blockType = ""
	s.blockIndex++
	return nil
}

func (s *sseStreamer) ensureStarted() error {
	if s.started {
		return nil
	}
	s.started = true

	usage := &anthropic.Usage{}
	if s.usage != nil {
		usage = format.ConvertUsage(s.usage)
		usage.OutputTokens = 0
	}
	return s.emit(&anthropic.SSEEvent{
		Type: anthropic.SSEEventMessageStart,
		Message: &anthropic.MessagesResponse{
			ID:      anthropic.GenerateMessageID(),
			Type:    "message",
			Role:    "assistant",
			Model:   s.model,
			Content: []anthropic.ContentBlock{},
			Usage:   usage,
		},
	})
}

func (s *sseStreamer) finish() error {
	if !s.started {
		return &EmptyResponseError{Message: "stream ended without content"}
	}
	if err := s.closeBlock(); err != nil {
		return err
	}

	var outputTokens, cachedTokens int
	if s.usage != nil {
		outputTokens = s.usage.CandidatesTokenCount
		cachedTokens = s.usage.CachedContentTokenCount
	}
	if err := s.emit(&anthropic.SSEEvent{
		Type: anthropic.SSEEventMessageDelta,
		Delta: &anthropic.ContentDelta{
			StopReason: format.MapStopReason(s.finishReason, s.hadToolCalls),
		},
		Usage: &anthropic.Usage{
			OutputTokens:         outputTokens,
			CacheReadInputTokens: cachedTokens,
		},
	}); err != nil {
		return err
	}
	return s.emit(&anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop})
}

func intPtr(v int) *int { return &v }
