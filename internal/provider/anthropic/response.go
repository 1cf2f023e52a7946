package anthropic

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// MapStopReason translates a native stop reason. Unknown reasons are an
// error rather than a guess.
func MapStopReason(reason string) (string, bool) {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return domain.FinishStop, true
	case "max_tokens":
		return domain.FinishLength, true
	case "tool_use":
		return domain.FinishToolCalls, true
	case "refusal":
		return domain.FinishContentFilter, true
	default:
		return "", false
	}
}

// DecodeResponse parses a buffered Messages API body into canonical form.
// model is the canonical model id reported to the caller.
func DecodeResponse(provider string, body []byte, model string) (*domain.ChatResponse, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewTranslationError(provider, "decode response: %v", err)
	}
	return ToChatResponse(provider, &resp, model)
}

func ToChatResponse(provider string, resp *Response, model string) (*domain.ChatResponse, error) {
	finish, ok := MapStopReason(resp.StopReason)
	if !ok {
		return nil, domain.NewTranslationError(provider, "unknown stop_reason %q", resp.StopReason)
	}

	var (
		text        strings.Builder
		offset      int
		annotations []domain.Annotation
		toolCalls   []domain.ToolCall
	)

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			blockLen := utf8.RuneCountInString(block.Text)
			for _, c := range block.Citations {
				annotations = append(annotations, citationAnnotation(c, block.Text, offset, blockLen))
			}
			text.WriteString(block.Text)
			offset += blockLen

		case "tool_use":
			args := "{}"
			if in := bytes.TrimSpace(block.Input); len(in) > 0 && !bytes.Equal(in, []byte("null")) {
				args = string(in)
			}
			toolCalls = append(toolCalls, domain.ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: domain.FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}

	return &domain.ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []domain.Choice{
			{
				Index: 0,
				Message: &domain.ResponseMessage{
					Role:        domain.RoleAssistant,
					Content:     text.String(),
					ToolCalls:   toolCalls,
					Annotations: annotations,
				},
				FinishReason: finish,
			},
		},
		Usage: resp.Usage.Canonical(),
	}, nil
}

// citationAnnotation places a citation on the concatenated message text.
// When the cited text is found inside its block the span covers it;
// otherwise the whole block is cited.
func citationAnnotation(c Citation, blockText string, offset, blockLen int) domain.Annotation {
	start, span := 0, blockLen
	if c.CitedText != "" {
		if i := strings.Index(blockText, c.CitedText); i >= 0 {
			start = utf8.RuneCountInString(blockText[:i])
			span = utf8.RuneCountInString(c.CitedText)
		}
	}
	return domain.Annotation{
		Type: "url_citation",
		URLCitation: domain.URLCitation{
			URL:        c.URL,
			Title:      c.Title,
			Content:    c.CitedText,
			StartIndex: offset + start,
			EndIndex:   offset + start + span,
		},
	}
}
