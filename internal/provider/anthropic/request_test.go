package anthropic

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func intPtr(n int) *int { return &n }

func TestNewRequest_SystemHoistAsString(t *testing.T) {
	req := &domain.ChatRequest{
		Model: "claude",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: domain.TextContent("be brief")},
			{Role: domain.RoleDeveloper, Content: domain.TextContent("be kind")},
			{Role: domain.RoleUser, Content: domain.TextContent("hi")},
		},
	}

	out, err := NewRequest(providerID, req, "claude-native", 2048)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	if out.System == nil || out.System.Text != "be brief\n\nbe kind" || out.System.Blocks != nil {
		t.Errorf("system = %+v", out.System)
	}
	if out.Model != "claude-native" {
		t.Errorf("model = %q", out.Model)
	}
	if out.MaxTokens != 2048 {
		t.Errorf("max_tokens = %d, want model max output", out.MaxTokens)
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", out.Messages)
	}
}

func TestNewRequest_SystemBlocksWhenCached(t *testing.T) {
	req := &domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: domain.TextContent("static"), CacheControl: &domain.CacheControl{Type: "ephemeral", TTL: "1h"}},
			{Role: domain.RoleUser, Content: domain.TextContent("hi")},
		},
	}

	out, err := NewRequest(providerID, req, "m", 0)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	data, _ := json.Marshal(out.System)
	want := `[{"type":"text","text":"static","cache_control":{"type":"ephemeral","ttl":"1h"}}]`
	if string(data) != want {
		t.Errorf("system = %s, want %s", data, want)
	}
	if out.MaxTokens != defaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", out.MaxTokens, defaultMaxTokens)
	}
}

func TestNewRequest_ToolRoundTrip(t *testing.T) {
	req := &domain.ChatRequest{
		MaxTokens: intPtr(100),
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: domain.TextContent("weather in Paris and Rome?")},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
				{ID: "c1", Type: "function", Function: domain.FunctionCall{Name: "weather", Arguments: `{"city":"Paris"}`}},
				{ID: "c2", Type: "function", Function: domain.FunctionCall{Name: "weather", Arguments: ""}},
			}},
			{Role: domain.RoleTool, ToolCallID: "c1", Content: domain.TextContent("sunny")},
			{Role: domain.RoleTool, ToolCallID: "c2", Content: domain.TextContent("rain")},
			{Role: domain.RoleUser, Content: domain.TextContent("thanks")},
		},
	}

	out, err := NewRequest(providerID, req, "m", 0)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	if len(out.Messages) != 3 {
		t.Fatalf("expected user/assistant/user, got %d messages", len(out.Messages))
	}

	assistant := out.Messages[1]
	if assistant.Role != "assistant" || len(assistant.Content) != 2 {
		t.Fatalf("assistant = %+v", assistant)
	}
	if assistant.Content[0].Type != "tool_use" || string(assistant.Content[0].Input) != `{"city":"Paris"}` {
		t.Errorf("tool_use = %+v", assistant.Content[0])
	}
	if string(assistant.Content[1].Input) != "{}" {
		t.Errorf("empty arguments should become {}, got %s", assistant.Content[1].Input)
	}

	user := out.Messages[2]
	if len(user.Content) != 3 {
		t.Fatalf("tool results and the next user turn should merge, got %+v", user.Content)
	}
	if user.Content[0].Type != "tool_result" || user.Content[0].ToolUseID != "c1" || user.Content[0].Content != "sunny" {
		t.Errorf("tool_result = %+v", user.Content[0])
	}
	if user.Content[2].Type != "text" || user.Content[2].Text != "thanks" {
		t.Errorf("trailing text = %+v", user.Content[2])
	}
	if out.MaxTokens != 100 {
		t.Errorf("max_tokens = %d", out.MaxTokens)
	}
}

func TestNewRequest_CacheControlPlacement(t *testing.T) {
	req := &domain.ChatRequest{
		Messages: []domain.Message{
			{
				Role: domain.RoleUser,
				Content: domain.Content{Parts: []domain.ContentPart{
					{Type: "text", Text: "doc", CacheControl: &domain.CacheControl{Type: "ephemeral"}},
					{Type: "image_url", ImageURL: &domain.ImageURL{URL: "data:image/png;base64,AAAA"}},
					{Type: "image_url", ImageURL: &domain.ImageURL{URL: "https://example.com/a.png"}},
				}},
				CacheControl: &domain.CacheControl{Type: "ephemeral", TTL: "5m"},
			},
		},
	}

	out, err := NewRequest(providerID, req, "m", 0)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	blocks := out.Messages[0].Content
	if blocks[0].CacheControl == nil || blocks[0].CacheControl.TTL != "" {
		t.Errorf("part-level cache control = %+v", blocks[0].CacheControl)
	}
	if blocks[1].CacheControl != nil {
		t.Error("middle block should carry no breakpoint")
	}
	if blocks[2].CacheControl == nil || blocks[2].CacheControl.TTL != "5m" {
		t.Errorf("message-level cache control should land on the last block, got %+v", blocks[2].CacheControl)
	}
	if blocks[1].Source.Type != "base64" || blocks[1].Source.MediaType != "image/png" || blocks[1].Source.Data != "AAAA" {
		t.Errorf("data url source = %+v", blocks[1].Source)
	}
	if blocks[2].Source.Type != "url" {
		t.Errorf("remote image source = %+v", blocks[2].Source)
	}
}

func TestNewRequest_ToolChoice(t *testing.T) {
	tests := []struct {
		choice   string
		wantType string
		wantName string
		wantErr  bool
	}{
		{`"auto"`, "auto", "", false},
		{`"required"`, "any", "", false},
		{`"none"`, "none", "", false},
		{`{"type":"function","function":{"name":"f"}}`, "tool", "f", false},
		{`"sometimes"`, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.choice, func(t *testing.T) {
			req := &domain.ChatRequest{
				Messages:   []domain.Message{{Role: domain.RoleUser, Content: domain.TextContent("x")}},
				Tools:      []domain.Tool{{Type: "function", Function: domain.FunctionDefinition{Name: "f"}}},
				ToolChoice: json.RawMessage(tt.choice),
			}
			out, err := NewRequest(providerID, req, "m", 0)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrTranslation) {
					t.Fatalf("expected translation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewRequest() error = %v", err)
			}
			if out.ToolChoice.Type != tt.wantType || out.ToolChoice.Name != tt.wantName {
				t.Errorf("tool_choice = %+v", out.ToolChoice)
			}
			if string(out.Tools[0].InputSchema) != `{"type":"object"}` {
				t.Errorf("missing parameters should default to an object schema, got %s", out.Tools[0].InputSchema)
			}
		})
	}
}

func TestNewRequest_WebSearchInjectionIsIdempotent(t *testing.T) {
	req := &domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.TextContent("news?")}},
		Plugins:  []domain.Plugin{{ID: domain.PluginWeb, MaxResults: intPtr(3)}, {ID: domain.PluginWeb}},
	}

	out, err := NewRequest(providerID, req, "m", 0)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if len(out.Tools) != 1 {
		t.Fatalf("expected one web search tool, got %+v", out.Tools)
	}
	data, _ := json.Marshal(out.Tools[0])
	if string(data) != `{"type":"web_search_20250305","name":"web_search","max_uses":3}` {
		t.Errorf("tool = %s", data)
	}

	req.Plugins = []domain.Plugin{{ID: domain.PluginWeb}}
	req.Tools = []domain.Tool{{Type: "function", Function: domain.FunctionDefinition{Name: "web_search"}}}
	out, _ = NewRequest(providerID, req, "m", 0)
	if len(out.Tools) != 1 {
		t.Errorf("a tool named web_search already exists, got %d tools", len(out.Tools))
	}
}

func TestNewRequest_ParallelToolCalls(t *testing.T) {
	off := false
	req := &domain.ChatRequest{
		Messages:          []domain.Message{{Role: domain.RoleUser, Content: domain.TextContent("x")}},
		Tools:             []domain.Tool{{Type: "function", Function: domain.FunctionDefinition{Name: "f"}}},
		ParallelToolCalls: &off,
	}
	out, err := NewRequest(providerID, req, "m", 0)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if out.ToolChoice == nil || out.ToolChoice.DisableParallelToolUse == nil || !*out.ToolChoice.DisableParallelToolUse {
		t.Errorf("tool_choice = %+v", out.ToolChoice)
	}
}

func TestNewRequest_OnlySystem(t *testing.T) {
	req := &domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleSystem, Content: domain.TextContent("x")}},
	}
	_, err := NewRequest(providerID, req, "m", 0)
	if !errors.Is(err, domain.ErrTranslation) {
		t.Errorf("expected translation error, got %v", err)
	}
}

func TestNewRequest_JSONShape(t *testing.T) {
	req := &domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: domain.TextContent("hi")}},
		Stop:     domain.StringList{"END"},
		User:     "u-1",
	}
	out, _ := NewRequest(providerID, req, "m", 10)
	data, _ := json.Marshal(out)

	for _, want := range []string{`"stop_sequences":["END"]`, `"metadata":{"user_id":"u-1"}`, `"max_tokens":10`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("body %s missing %s", data, want)
		}
	}
	if strings.Contains(string(data), `"system"`) {
		t.Errorf("empty system should be omitted: %s", data)
	}
}
