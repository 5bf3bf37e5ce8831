package cloudcode

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/format"
)

// sseBody joins pre-encoded chunks into an SSE stream the way the
// backend emits them, one data line per chunk.
func sseBody(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: ")
		b.WriteString(c)
		b.WriteString("\n\n")
	}
	b.WriteString("data: [DONE]\n")
	return b.String()
}

func textChunk(text string) string {
	return `{"response":{"candidates":[{"content":{"parts":[{"text":"` + text + `"}],"role":"model"}}]}}`
}

func thinkingChunk(text, sig string) string {
	part := `{"text":"` + text + `","thought":true`
	if sig != "" {
		part += `,"thoughtSignature":"` + sig + `"`
	}
	part += `}`
	return `{"response":{"candidates":[{"content":{"parts":[` + part + `],"role":"model"}}]}}`
}

func finishChunk(reason string, prompt, candidates, cached int) string {
	return `{"response":{"candidates":[{"finishReason":"` + reason + `"}],` +
		`"usageMetadata":{"promptTokenCount":` + strconv.Itoa(prompt) +
		`,"candidatesTokenCount":` + strconv.Itoa(candidates) +
		`,"cachedContentTokenCount":` + strconv.Itoa(cached) + `}}}`
}

func TestScanSSE(t *testing.T) {
	t.Run("decodes wrapped and bare chunks", func(t *testing.T) {
		body := "data: " + textChunk("hi") + "\n" +
			": keepalive\n" +
			"data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"there\"}]}}]}\n" +
			"data: [DONE]\n"

		var texts []string
		err := scanSSE(strings.NewReader(body), func(chunk *format.GoogleResponse) error {
			candidates, _ := chunk.Unwrap()
			for _, c := range candidates {
				for _, p := range c.Content.Parts {
					texts = append(texts, p.Text)
				}
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, []string{"hi", "there"}, texts)
	})

	t.Run("skips undecodable lines", func(t *testing.T) {
		body := "data: not json\ndata: " + textChunk("ok") + "\n"
		count := 0
		err := scanSSE(strings.NewReader(body), func(*format.GoogleResponse) error {
			count++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})

	t.Run("propagates the callback error", func(t *testing.T) {
		body := sseBody(textChunk("a"), textChunk("b"))
		calls := 0
		err := scanSSE(strings.NewReader(body), func(*format.GoogleResponse) error {
			calls++
			return &EmptyResponseError{Message: "stop"}
		})
		require.Error(t, err)
		require.Equal(t, 1, calls)
	})
}

func TestAccumulateStream(t *testing.T) {
	t.Run("joins fragment runs", func(t *testing.T) {
		body := sseBody(
			thinkingChunk("Let me ", ""),
			thinkingChunk("think.", "sig-final"),
			textChunk("Hello"),
			textChunk(" world"),
			finishChunk("STOP", 100, 20, 0),
		)

		out, err := AccumulateStream(strings.NewReader(body))
		require.NoError(t, err)
		require.Len(t, out.Candidates, 1)

		parts := out.Candidates[0].Content.Parts
		require.Len(t, parts, 2)
		require.True(t, parts[0].Thought)
		require.Equal(t, "Let me think.", parts[0].Text)
		require.Equal(t, "sig-final", parts[0].ThoughtSignature)
		require.Equal(t, "Hello world", parts[1].Text)

		require.Equal(t, "STOP", out.Candidates[0].FinishReason)
		require.Equal(t, "model", out.Candidates[0].Content.Role)
	})

	t.Run("function call flushes the text run", func(t *testing.T) {
		body := sseBody(
			textChunk("Checking"),
			`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_weather","args":{"city":"Oslo"}}}]}}]}}`,
			finishChunk("STOP", 10, 5, 0),
		)

		out, err := AccumulateStream(strings.NewReader(body))
		require.NoError(t, err)

		parts := out.Candidates[0].Content.Parts
		require.Len(t, parts, 2)
		require.Equal(t, "Checking", parts[0].Text)
		require.NotNil(t, parts[1].FunctionCall)
		require.Equal(t, "get_weather", parts[1].FunctionCall.Name)
	})

	t.Run("usage keeps the running maximum", func(t *testing.T) {
		body := sseBody(
			finishChunk("", 100, 5, 40),
			textChunk("hi"),
			finishChunk("STOP", 100, 25, 0),
		)

		out, err := AccumulateStream(strings.NewReader(body))
		require.NoError(t, err)
		require.Equal(t, 100, out.UsageMetadata.PromptTokenCount)
		require.Equal(t, 25, out.UsageMetadata.CandidatesTokenCount)
		require.Equal(t, 40, out.UsageMetadata.CachedContentTokenCount)
	})

	t.Run("empty stream is an error", func(t *testing.T) {
		_, err := AccumulateStream(strings.NewReader(sseBody()))
		require.True(t, IsEmptyResponse(err))
		require.EqualError(t, err, "no content received from upstream")
	})
}
