package format

import (
	"encoding/json"
	"strings"

	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/config"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/internal/utils"
	"github.com/NikkeTryHard/antigravity-claude-proxy-sub001/pkg/anthropic"
)

// log is the package logger. Conversion is pure except for debug
// tracing, so the process default is good enough here.
var log = utils.Default()

// ConvertRole maps an Anthropic role onto the Google vocabulary.
func ConvertRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// ConvertContentToParts translates one message's blocks into Google
// parts. Images inside tool results are deferred to the end of the
// part list, since the backend rejects inlineData between
// functionResponses.
func ConvertContentToParts(content []anthropic.ContentBlock, family config.ModelFamily, cache *SignatureCache) []GooglePart {
	isClaude := family == config.ModelFamilyClaude
	isGemini := family == config.ModelFamilyGemini

	parts := make([]GooglePart, 0, len(content))
	var deferredImages []GooglePart

	for _, block := range content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, GooglePart{Text: block.Text})
			}

		case "image", "document":
			if p, ok := mediaPart(block); ok {
				parts = append(parts, p)
			}

		case "tool_use":
			call := &FunctionCall{Name: block.Name, Args: decodeArgs(block.Input)}
			if isClaude && block.ID != "" {
				call.ID = block.ID
			}
			part := GooglePart{FunctionCall: call}

			if isGemini {
				// Signature preference: the block's own, then the
				// cache, then the validator-skip sentinel.
				sig := block.ThoughtSignature
				if sig == "" && block.ID != "" {
					sig = cache.ToolSignature(block.ID)
					if sig != "" {
						log.Debug("[ContentConverter] Restored tool signature for %s", block.ID)
					}
				}
				if sig == "" {
					sig = config.GeminiSkipSignature
				}
				part.ThoughtSignature = sig
			}
			parts = append(parts, part)

		case "tool_result":
			resultText, images := flattenToolResult(block.Content)
			deferredImages = append(deferredImages, images...)

			name := block.ToolUseID
			if name == "" {
				name = "unknown"
			}
			response := &FunctionResponse{
				Name:     name,
				Response: map[string]interface{}{"result": resultText},
			}
			if isClaude && block.ToolUseID != "" {
				response.ID = block.ToolUseID
			}
			parts = append(parts, GooglePart{FunctionResponse: response})

		case "thinking":
			if !hasValidSignature(block) {
				continue
			}
			if isGemini {
				// Gemini rejects foreign signatures outright, so drop
				// thinking from another family or an unknown origin.
				if family := cache.ThinkingFamily(block.Signature); family != "gemini" {
					log.Debug("[ContentConverter] Dropping thinking with origin %q for Gemini", family)
					continue
				}
			}
			parts = append(parts, GooglePart{
				Text:             block.Thinking,
				Thought:          true,
				ThoughtSignature: block.Signature,
			})
		}
	}

	return append(parts, deferredImages...)
}

// mediaPart converts an image or document block.
func mediaPart(block anthropic.ContentBlock) (GooglePart, bool) {
	if block.Source == nil {
		return GooglePart{}, false
	}
	switch block.Source.Type {
	case "base64":
		return GooglePart{InlineData: &InlineData{
			MimeType: block.Source.MediaType,
			Data:     block.Source.Data,
		}}, true
	case "url":
		mime := block.Source.MediaType
		if mime == "" {
			if block.Type == "document" {
				mime = "application/pdf"
			} else {
				mime = "image/jpeg"
			}
		}
		return GooglePart{FileData: &FileData{
			MimeType: mime,
			FileURI:  block.Source.URL,
		}}, true
	}
	return GooglePart{}, false
}

func decodeArgs(input json.RawMessage) map[string]interface{} {
	if len(input) == 0 {
		return nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal(input, &args); err != nil {
		return nil
	}
	return args
}

// flattenToolResult reduces a tool_result payload to the single text
// string the functionResponse carries, extracting any embedded images
// for separate delivery.
func flattenToolResult(content any) (string, []GooglePart) {
	switch c := content.(type) {
	case nil:
		return "", nil

	case string:
		return c, nil

	case []anthropic.ContentBlock:
		var texts []string
		var images []GooglePart
		for _, item := range c {
			if item.Type == "image" && item.Source != nil && item.Source.Type == "base64" {
				images = append(images, GooglePart{InlineData: &InlineData{
					MimeType: item.Source.MediaType,
					Data:     item.Source.Data,
				}})
			} else if item.Type == "text" {
				texts = append(texts, item.Text)
			}
		}
		return summarizeResult(texts, images), images

	case []interface{}:
		var texts []string
		var images []GooglePart
		for _, item := range c {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "image":
				if source, ok := m["source"].(map[string]interface{}); ok && source["type"] == "base64" {
					mime, _ := source["media_type"].(string)
					data, _ := source["data"].(string)
					images = append(images, GooglePart{InlineData: &InlineData{
						MimeType: mime,
						Data:     data,
					}})
				}
			case "text":
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		return summarizeResult(texts, images), images
	}

	return "", nil
}

func summarizeResult(texts []string, images []GooglePart) string {
	if len(texts) > 0 {
		return strings.Join(texts, "\n")
	}
	if len(images) > 0 {
		return "Image attached"
	}
	return ""
}
