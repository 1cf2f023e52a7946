package domain

import (
	"encoding/json"
	"testing"
)

func TestResponsesRequest_ToChatRequest(t *testing.T) {
	body := `{
		"model": "claude-sonnet-4",
		"instructions": "be brief",
		"input": [
			{"role": "user", "content": [{"type": "input_text", "text": "weather?"}]},
			{"type": "function_call", "call_id": "c1", "name": "get_weather", "arguments": "{\"city\":\"Paris\"}"},
			{"type": "function_call", "call_id": "c2", "name": "get_time", "arguments": "{}"},
			{"type": "function_call_output", "call_id": "c1", "output": "sunny"}
		],
		"tools": [
			{"type": "function", "name": "get_weather", "parameters": {"type": "object"}},
			{"type": "web_search"}
		],
		"tool_choice": {"type": "function", "name": "get_weather"},
		"max_output_tokens": 256
	}`

	var req ResponsesRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	chat := req.ToChatRequest()

	if len(chat.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(chat.Messages), chat.Messages)
	}
	if chat.Messages[0].Role != RoleSystem || chat.Messages[0].Content.PlainText() != "be brief" {
		t.Errorf("instructions not hoisted: %+v", chat.Messages[0])
	}
	if chat.Messages[1].Content.PlainText() != "weather?" {
		t.Errorf("user text = %q", chat.Messages[1].Content.PlainText())
	}
	if len(chat.Messages[2].ToolCalls) != 2 {
		t.Errorf("consecutive function calls should merge, got %+v", chat.Messages[2])
	}
	if chat.Messages[3].Role != RoleTool || chat.Messages[3].ToolCallID != "c1" {
		t.Errorf("function output = %+v", chat.Messages[3])
	}
	if len(chat.Tools) != 1 || chat.Tools[0].Function.Name != "get_weather" {
		t.Errorf("tools = %+v", chat.Tools)
	}
	if len(chat.Plugins) != 1 || chat.Plugins[0].ID != PluginWeb {
		t.Errorf("web_search should become the web plugin, got %+v", chat.Plugins)
	}
	if n, _ := chat.DeclaredMaxTokens(); n != 256 {
		t.Errorf("max tokens = %d", n)
	}

	var choice struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(chat.ToolChoice, &choice); err != nil {
		t.Fatalf("tool_choice: %v", err)
	}
	if choice.Function.Name != "get_weather" {
		t.Errorf("tool_choice = %s", chat.ToolChoice)
	}
}

func TestResponsesRequest_StringInput(t *testing.T) {
	var req ResponsesRequest
	if err := json.Unmarshal([]byte(`{"model":"m","input":"hello"}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	chat := req.ToChatRequest()
	if len(chat.Messages) != 1 || chat.Messages[0].Role != RoleUser {
		t.Fatalf("messages = %+v", chat.Messages)
	}
}

func TestResponsesFromChat(t *testing.T) {
	resp := &ChatResponse{
		ID:      "chatcmpl-abc",
		Created: 100,
		Model:   "m",
		Choices: []Choice{{
			Message: &ResponseMessage{
				Role:    RoleAssistant,
				Content: "ABCD",
				Annotations: []Annotation{{
					Type:        "url_citation",
					URLCitation: URLCitation{URL: "https://e.x", StartIndex: 2, EndIndex: 4},
				}},
				ToolCalls: []ToolCall{{ID: "t1", Type: "function", Function: FunctionCall{Name: "f", Arguments: "{}"}}},
			},
			FinishReason: FinishToolCalls,
		}},
		Usage: Usage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}

	out := ResponsesFromChat(resp)

	if out.ID != "resp_abc" || out.Object != "response" || out.Status != "completed" {
		t.Errorf("header = %+v", out)
	}
	if len(out.Output) != 2 {
		t.Fatalf("expected message + function_call, got %+v", out.Output)
	}
	if out.Output[0].Content[0].Annotations[0].StartIndex != 2 {
		t.Errorf("annotations not carried: %+v", out.Output[0])
	}
	if out.Output[1].Type != ItemFunctionCall || out.Output[1].CallID != "t1" {
		t.Errorf("function call = %+v", out.Output[1])
	}
	if out.Usage.TotalTokens != 12 {
		t.Errorf("usage = %+v", out.Usage)
	}
}

func TestResponsesFromChat_Incomplete(t *testing.T) {
	resp := &ChatResponse{
		ID:      "chatcmpl-x",
		Choices: []Choice{{Message: &ResponseMessage{Role: RoleAssistant, Content: "cut"}, FinishReason: FinishLength}},
	}
	out := ResponsesFromChat(resp)
	if out.Status != "incomplete" || out.IncompleteDetails == nil {
		t.Errorf("expected incomplete status, got %+v", out)
	}
}
