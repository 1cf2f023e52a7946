package anthropic

import (
	"errors"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func TestDecodeResponse_CitationOffsets(t *testing.T) {
	body := `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-native",
		"content": [
			{"type": "text", "text": "AB"},
			{"type": "server_tool_use", "id": "s1", "name": "web_search", "input": {"query": "x"}},
			{"type": "web_search_tool_result", "tool_use_id": "s1", "content": []},
			{"type": "text", "text": "CD", "citations": [
				{"type": "web_search_result_location", "url": "https://example.com", "title": "Example", "cited_text": "CD"}
			]}
		],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 4}
	}`

	resp, err := DecodeResponse(providerID, []byte(body), "claude-sonnet-4")
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}

	msg := resp.Choices[0].Message
	if msg.Content != "ABCD" {
		t.Errorf("content = %q, want ABCD", msg.Content)
	}
	if len(msg.Annotations) != 1 {
		t.Fatalf("annotations = %+v", msg.Annotations)
	}
	c := msg.Annotations[0].URLCitation
	if c.StartIndex != 2 || c.EndIndex != 4 {
		t.Errorf("offsets = %d..%d, want 2..4", c.StartIndex, c.EndIndex)
	}
	if c.URL != "https://example.com" || c.Title != "Example" {
		t.Errorf("citation = %+v", c)
	}
	if resp.Model != "claude-sonnet-4" {
		t.Errorf("model = %q, want canonical id", resp.Model)
	}
}

func TestDecodeResponse_PartialCitationCountsRunes(t *testing.T) {
	body := `{
		"id": "msg_1",
		"content": [
			{"type": "text", "text": "héllo "},
			{"type": "text", "text": "wörld now", "citations": [{"type": "web_search_result_location", "url": "u", "cited_text": "now"}]},
			{"type": "text", "text": "!", "citations": [{"type": "web_search_result_location", "url": "v"}]}
		],
		"stop_reason": "end_turn",
		"usage": {}
	}`

	resp, err := DecodeResponse(providerID, []byte(body), "m")
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}

	ann := resp.Choices[0].Message.Annotations
	if ann[0].URLCitation.StartIndex != 12 || ann[0].URLCitation.EndIndex != 15 {
		t.Errorf("first citation = %+v, want 12..15", ann[0].URLCitation)
	}
	if ann[1].URLCitation.StartIndex != 15 || ann[1].URLCitation.EndIndex != 16 {
		t.Errorf("whole-block citation = %+v, want 15..16", ann[1].URLCitation)
	}
}

func TestDecodeResponse_ToolUse(t *testing.T) {
	body := `{
		"id": "msg_2",
		"content": [
			{"type": "thinking", "thinking": "hmm"},
			{"type": "text", "text": "Let me check."},
			{"type": "tool_use", "id": "toolu_1", "name": "weather", "input": {"city": "Paris"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 5, "output_tokens": 7}
	}`

	resp, err := DecodeResponse(providerID, []byte(body), "m")
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}

	choice := resp.Choices[0]
	if choice.FinishReason != domain.FinishToolCalls {
		t.Errorf("finish_reason = %q", choice.FinishReason)
	}
	if choice.Message.Content != "Let me check." {
		t.Errorf("content = %q", choice.Message.Content)
	}
	calls := choice.Message.ToolCalls
	if len(calls) != 1 || calls[0].ID != "toolu_1" || calls[0].Function.Arguments != `{"city": "Paris"}` {
		t.Errorf("tool calls = %+v", calls)
	}
}

func TestDecodeResponse_UsageRoundTrip(t *testing.T) {
	body := `{
		"id": "msg_3",
		"content": [{"type": "text", "text": "ok"}],
		"stop_reason": "max_tokens",
		"usage": {
			"input_tokens": 10,
			"output_tokens": 20,
			"cache_read_input_tokens": 100,
			"cache_creation_input_tokens": 50,
			"cache_creation": {"ephemeral_5m_input_tokens": 20, "ephemeral_1h_input_tokens": 30}
		}
	}`

	resp, err := DecodeResponse(providerID, []byte(body), "m")
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}

	u := resp.Usage
	if u.PromptTokens != 160 || u.CompletionTokens != 20 {
		t.Errorf("usage = %+v", u)
	}
	if u.TotalTokens != u.PromptTokens+u.CompletionTokens {
		t.Errorf("total %d != prompt %d + completion %d", u.TotalTokens, u.PromptTokens, u.CompletionTokens)
	}
	if u.CachedTokens() != 100 {
		t.Errorf("cached tokens = %d", u.CachedTokens())
	}
	fiveMin, oneHour := u.CacheWriteTokens()
	if fiveMin != 20 || oneHour != 30 {
		t.Errorf("cache writes = %d/%d, want 20/30", fiveMin, oneHour)
	}
	if resp.Choices[0].FinishReason != domain.FinishLength {
		t.Errorf("finish_reason = %q", resp.Choices[0].FinishReason)
	}
}

func TestMapStopReason(t *testing.T) {
	tests := map[string]string{
		"end_turn":      domain.FinishStop,
		"stop_sequence": domain.FinishStop,
		"pause_turn":    domain.FinishStop,
		"max_tokens":    domain.FinishLength,
		"tool_use":      domain.FinishToolCalls,
		"refusal":       domain.FinishContentFilter,
	}
	for in, want := range tests {
		if got, ok := MapStopReason(in); !ok || got != want {
			t.Errorf("MapStopReason(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
}

func TestDecodeResponse_Errors(t *testing.T) {
	tests := []string{
		`not json`,
		`{"id":"x","content":[],"stop_reason":"exploded","usage":{}}`,
	}
	for _, body := range tests {
		_, err := DecodeResponse(providerID, []byte(body), "m")
		if !errors.Is(err, domain.ErrTranslation) {
			t.Errorf("DecodeResponse(%s) error = %v, want translation error", body, err)
		}
	}
}
