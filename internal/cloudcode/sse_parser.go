package cloudcode

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/format"
)

// sseScanBuffer sizes the line scanner. Single chunks can carry large
// base64 inline data, so the default 64K is not enough.
const sseScanBuffer = 1024 * 1024

// scanSSE reads an SSE body line by line and invokes fn for every
// decoded chunk. Undecodable lines are skipped; the backend sometimes
// interleaves keepalive comments with data lines.
func scanSSE(r io.Reader, fn func(*format.GoogleResponse) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), sseScanBuffer)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk format.GoogleResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if err := fn(&chunk); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil
}

// streamAccumulator folds incremental SSE chunks into one complete
// response. Thinking and text arrive as token-sized fragments that
// must be joined into runs; a function call or inline datum ends the
// current runs.
type streamAccumulator struct {
	parts        []format.ResponsePart
	thinkingText strings.Builder
	thinkingSig  string
	textBuf      strings.Builder
	finishReason string
	usage        *format.UsageMetadata
}

func (a *streamAccumulator) add(chunk *format.GoogleResponse) error {
	candidates, usage := chunk.Unwrap()
	a.mergeUsage(usage)

	for _, cand := range candidates {
		if cand.FinishReason != "" {
			a.finishReason = cand.FinishReason
		}
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			a.addPart(part)
		}
	}
	return nil
}

func (a *streamAccumulator) addPart(part format.ResponsePart) {
	switch {
	case part.Thought && part.Text != "":
		a.flushText()
		a.thinkingText.WriteString(part.Text)
		if part.ThoughtSignature != "" {
			// The signature covers the whole run; the last fragment
			// carries the definitive value.
			a.thinkingSig = part.ThoughtSignature
		}

	case part.Text != "":
		a.flushThinking()
		a.textBuf.WriteString(part.Text)

	case part.FunctionCall != nil, part.InlineData != nil:
		a.flushThinking()
		a.flushText()
		a.parts = append(a.parts, part)
	}
}

func (a *streamAccumulator) flushThinking() {
	if a.thinkingText.Len() == 0 {
		return
	}
	a.parts = append(a.parts, format.ResponsePart{
		Text:             a.thinkingText.String(),
		Thought:          true,
		ThoughtSignature: a.thinkingSig,
	})
	a.thinkingText.Reset()
	a.thinkingSig = ""
}

func (a *streamAccumulator) flushText() {
	if a.textBuf.Len() == 0 {
		return
	}
	a.parts = append(a.parts, format.ResponsePart{Text: a.textBuf.String()})
	a.textBuf.Reset()
}

func (a *streamAccumulator) mergeUsage(usage *format.UsageMetadata) {
	a.usage = maxUsage(a.usage, usage)
}

// maxUsage keeps the running maximum of every counter. Chunks report
// cumulative totals, but not every chunk carries every field.
func maxUsage(dst, src *format.UsageMetadata) *format.UsageMetadata {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = &format.UsageMetadata{}
	}
	if src.PromptTokenCount > dst.PromptTokenCount {
		dst.PromptTokenCount = src.PromptTokenCount
	}
	if src.CandidatesTokenCount > dst.CandidatesTokenCount {
		dst.CandidatesTokenCount = src.CandidatesTokenCount
	}
	if src.CachedContentTokenCount > dst.CachedContentTokenCount {
		dst.CachedContentTokenCount = src.CachedContentTokenCount
	}
	return dst
}

func (a *streamAccumulator) result() (*format.GoogleResponse, error) {
	a.flushThinking()
	a.flushText()

	if len(a.parts) == 0 {
		return nil, &EmptyResponseError{Message: "no content received from upstream"}
	}

	return &format.GoogleResponse{
		Candidates: []format.Candidate{{
			Content:      &format.CandidateContent{Parts: a.parts, Role: "model"},
			FinishReason: a.finishReason,
		}},
		UsageMetadata: a.usage,
	}, nil
}

// AccumulateStream consumes a complete SSE body and returns the merged
// response, for the non-streaming surface. The SSE endpoint is used
// even for unary calls because the plain one omits thinking blocks.
func AccumulateStream(r io.Reader) (*format.GoogleResponse, error) {
	acc := &streamAccumulator{}
	if err := scanSSE(r, acc.add); err != nil {
		return nil, err
	}
	return acc.result()
}
