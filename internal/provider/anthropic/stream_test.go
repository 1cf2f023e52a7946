package anthropic

import (
	"errors"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func convertAll(t *testing.T, conv *StreamConverter, events []string) []domain.StreamChunk {
	t.Helper()
	var out []domain.StreamChunk
	for _, ev := range events {
		chunks, err := conv.Convert([]byte(ev))
		if err != nil {
			t.Fatalf("Convert(%s) error = %v", ev, err)
		}
		out = append(out, chunks...)
	}
	return out
}

func TestStreamConverter_SingleTextBlock(t *testing.T) {
	conv := NewStreamConverter(providerID, "claude-sonnet-4", 1700000000)

	chunks := convertAll(t, conv, []string{
		`{"type":"message_start","message":{"id":"msg_1","usage":{"input_tokens":12,"output_tokens":1}}}`,
		`{"type":"ping"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"!"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	})

	// 1 role + 3 content + 1 finish + 1 usage
	if len(chunks) != 6 {
		t.Fatalf("got %d chunks, want 6", len(chunks))
	}

	role := chunks[0].Choices[0]
	if role.Delta.Role != domain.RoleAssistant || role.Delta.Content == nil || *role.Delta.Content != "" || role.FinishReason != nil {
		t.Errorf("role chunk = %+v", role)
	}

	var text string
	for _, c := range chunks[1:4] {
		text += *c.Choices[0].Delta.Content
	}
	if text != "Hello!" {
		t.Errorf("streamed text = %q", text)
	}

	finish := chunks[4].Choices[0]
	if finish.FinishReason == nil || *finish.FinishReason != domain.FinishStop {
		t.Errorf("finish chunk = %+v", finish)
	}

	final := chunks[5]
	if final.Choices == nil || len(final.Choices) != 0 {
		t.Errorf("usage chunk choices = %v, want empty non-nil slice", final.Choices)
	}
	if final.Usage == nil || final.Usage.PromptTokens != 12 || final.Usage.CompletionTokens != 3 || final.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", final.Usage)
	}

	for _, c := range chunks {
		if c.ID != "msg_1" || c.Model != "claude-sonnet-4" || c.Created != 1700000000 {
			t.Errorf("chunk header = %s/%s/%d", c.ID, c.Model, c.Created)
		}
	}
	if !conv.Done() {
		t.Error("converter should be done after message_stop")
	}
}

func TestStreamConverter_ToolUseOrdinals(t *testing.T) {
	conv := NewStreamConverter(providerID, "m", 1)

	chunks := convertAll(t, conv, []string{
		`{"type":"message_start","message":{"id":"msg_2","usage":{"input_tokens":1}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"signature_delta","signature":"sig"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_a","name":"weather","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"Paris\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_b","name":"time","input":{}}}`,
		`{"type":"content_block_stop","index":2}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`,
		`{"type":"message_stop"}`,
	})

	// role, tool a start, 2 arg deltas, tool b start, finish, usage
	if len(chunks) != 7 {
		t.Fatalf("got %d chunks, want 7", len(chunks))
	}

	first := chunks[1].Choices[0].Delta.ToolCalls[0]
	if first.Index != 0 || first.ID != "toolu_a" || first.Type != "function" || first.Function.Name != "weather" {
		t.Errorf("first tool start = %+v", first)
	}
	if chunks[2].Choices[0].Delta.ToolCalls[0].Function.Arguments != `{"city":` {
		t.Errorf("arg delta = %+v", chunks[2].Choices[0].Delta.ToolCalls[0])
	}
	second := chunks[4].Choices[0].Delta.ToolCalls[0]
	if second.Index != 1 || second.ID != "toolu_b" {
		t.Errorf("tool ordinals should count tool blocks only, got %+v", second)
	}
	if *chunks[5].Choices[0].FinishReason != domain.FinishToolCalls {
		t.Errorf("finish = %s", *chunks[5].Choices[0].FinishReason)
	}
}

func TestStreamConverter_Violations(t *testing.T) {
	start := `{"type":"message_start","message":{"id":"m","usage":{}}}`
	openText := `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`
	openTool := `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"t","name":"f","input":{}}}`

	tests := []struct {
		name   string
		events []string
	}{
		{"event before message_start", []string{openText}},
		{"duplicate message_start", []string{start, start}},
		{"delta for another block", []string{start, openText, `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"x"}}`}},
		{"delta type mismatch", []string{start, openTool, `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"x"}}`}},
		{"block start while open", []string{start, openText, `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`}},
		{"stop for wrong block", []string{start, openText, `{"type":"content_block_stop","index":3}`}},
		{"event after message_stop", []string{start, `{"type":"message_stop"}`, `{"type":"message_delta","delta":{}}`}},
		{"unknown event", []string{start, `{"type":"message_teleport"}`}},
		{"unknown block type", []string{start, `{"type":"content_block_start","index":0,"content_block":{"type":"hologram"}}`}},
		{"unknown stop reason", []string{start, `{"type":"message_delta","delta":{"stop_reason":"exploded"}}`}},
		{"malformed json", []string{start, `{"type":`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv := NewStreamConverter(providerID, "m", 1)
			var err error
			for _, ev := range tt.events {
				if _, err = conv.Convert([]byte(ev)); err != nil {
					break
				}
			}
			if !errors.Is(err, domain.ErrTranslation) {
				t.Errorf("expected translation error, got %v", err)
			}
		})
	}
}

func TestStreamConverter_ErrorEvent(t *testing.T) {
	conv := NewStreamConverter(providerID, "m", 1)
	convertAll(t, conv, []string{`{"type":"message_start","message":{"id":"m","usage":{"input_tokens":4}}}`})

	_, err := conv.Convert([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))

	var upErr *domain.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if !upErr.Retryable || upErr.StatusCode != 529 {
		t.Errorf("overloaded error = %+v", upErr)
	}

	if conv.Usage().PromptTokens != 4 {
		t.Errorf("partial usage = %+v", conv.Usage())
	}
}

func TestStreamConverter_CitationDeltasIgnored(t *testing.T) {
	conv := NewStreamConverter(providerID, "m", 1)
	chunks := convertAll(t, conv, []string{
		`{"type":"message_start","message":{"id":"m","usage":{}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"server_tool_use","id":"s","name":"web_search"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"web_search_tool_result"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"content_block_start","index":2,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"citations_delta","citation":{"type":"web_search_result_location"}}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"text_delta","text":"found"}}`,
		`{"type":"content_block_stop","index":2}`,
	})

	if len(chunks) != 2 {
		t.Errorf("got %d chunks, want role + one text chunk", len(chunks))
	}
}
