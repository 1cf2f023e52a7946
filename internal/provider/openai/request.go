package openai

import (
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// encodeRequest renders the canonical request for an OpenAI-compatible
// upstream. Gateway-only members (plugins, cache breakpoints) are dropped
// and the model is addressed by its native id.
func encodeRequest(req *domain.ChatRequest, nativeModel string, stream bool) ([]byte, error) {
	out := *req
	out.Model = nativeModel
	out.Plugins = nil
	out.Stream = stream
	out.StreamOptions = nil
	if stream {
		out.StreamOptions = &domain.StreamOptions{IncludeUsage: true}
	}

	out.Messages = make([]domain.Message, len(req.Messages))
	for i, m := range req.Messages {
		m.CacheControl = nil
		if m.Content.IsParts() {
			parts := make([]domain.ContentPart, len(m.Content.Parts))
			for j, p := range m.Content.Parts {
				p.CacheControl = nil
				parts[j] = p
			}
			m.Content = domain.Content{Parts: parts}
		}
		out.Messages[i] = m
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func decodeResponse(provider string, body []byte, model string) (*domain.ChatResponse, error) {
	var resp domain.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, domain.NewTranslationError(provider, "decode response: %v", err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewTranslationError(provider, "response has no choices")
	}

	resp.Object = "chat.completion"
	resp.Model = model
	resp.Gateway = nil
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return &resp, nil
}
