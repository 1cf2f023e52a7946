// Package validate checks inbound request bodies before any routing or
// billing happens. It performs no I/O.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

var validRoles = map[string]bool{
	domain.RoleSystem:    true,
	domain.RoleDeveloper: true,
	domain.RoleUser:      true,
	domain.RoleAssistant: true,
	domain.RoleTool:      true,
}

// ChatCompletion decodes and validates a chat-completion body.
func ChatCompletion(body []byte) (*domain.ChatRequest, error) {
	if err := checkShape(body, chatSchema); err != nil {
		return nil, err
	}

	var req domain.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("malformed body: %v", err)}
	}

	if err := checkChat(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Responses decodes and validates a body in the item-based responses shape.
func Responses(body []byte) (*domain.ResponsesRequest, error) {
	if err := checkShape(body, responsesSchema); err != nil {
		return nil, err
	}

	var req domain.ResponsesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, &domain.ValidationError{Message: fmt.Sprintf("malformed body: %v", err)}
	}

	if err := checkResponses(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// PassthroughEnvelope reads only the routing fields of a provider-native
// body. Everything else is left opaque.
func PassthroughEnvelope(body []byte) (*domain.PassthroughRequest, error) {
	var envelope struct {
		Model     json.RawMessage `json:"model"`
		Stream    json.RawMessage `json:"stream"`
		MaxTokens json.RawMessage `json:"max_tokens"`
	}
	if err := decodeObject(body, &envelope); err != nil {
		return nil, err
	}

	var model string
	if len(envelope.Model) == 0 {
		return nil, &domain.ValidationError{Path: "model", Message: "is required"}
	}
	if err := json.Unmarshal(envelope.Model, &model); err != nil {
		return nil, &domain.ValidationError{Path: "model", Message: "must be string"}
	}
	if err := checkModel(model); err != nil {
		return nil, err
	}

	req := &domain.PassthroughRequest{Model: model, Body: body}
	if len(envelope.Stream) > 0 {
		if err := json.Unmarshal(envelope.Stream, &req.Stream); err != nil {
			return nil, &domain.ValidationError{Path: "stream", Message: "must be boolean"}
		}
	}
	if len(envelope.MaxTokens) > 0 && !bytes.Equal(envelope.MaxTokens, []byte("null")) {
		var n int
		if err := json.Unmarshal(envelope.MaxTokens, &n); err != nil {
			return nil, &domain.ValidationError{Path: "max_tokens", Message: "must be an integer"}
		}
		if n <= 0 {
			return nil, &domain.ValidationError{Path: "max_tokens", Message: "must be greater than 0"}
		}
		req.MaxTokens = &n
	}
	return req, nil
}

func decodeObject(body []byte, into any) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &domain.ValidationError{Message: "body must be a JSON object"}
	}
	if err := json.Unmarshal(trimmed, into); err != nil {
		return &domain.ValidationError{Message: fmt.Sprintf("malformed body: %v", err)}
	}
	return nil
}

func checkShape(body []byte, schema *node) error {
	var doc map[string]any
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return &domain.ValidationError{Message: "body must be a JSON object"}
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return &domain.ValidationError{Message: fmt.Sprintf("malformed body: %v", err)}
	}
	if dec.More() {
		return &domain.ValidationError{Message: "body must contain a single JSON object"}
	}
	return walk(doc, schema, "")
}

func checkModel(model string) error {
	if model == "" {
		return &domain.ValidationError{Path: "model", Message: "is required"}
	}
	if _, err := domain.ParseModelSpecifier(model); err != nil {
		return &domain.ValidationError{Path: "model", Message: err.Error()}
	}
	return nil
}

func checkChat(req *domain.ChatRequest) error {
	if err := checkModel(req.Model); err != nil {
		return err
	}
	if len(req.Messages) == 0 {
		return &domain.ValidationError{Path: "messages", Message: "must not be empty"}
	}
	for i := range req.Messages {
		if err := checkMessage(&req.Messages[i], fmt.Sprintf("messages[%d]", i)); err != nil {
			return err
		}
	}
	if err := checkSampling(req.Temperature, req.TopP); err != nil {
		return err
	}
	if req.MaxTokens != nil && *req.MaxTokens <= 0 {
		return &domain.ValidationError{Path: "max_tokens", Message: "must be greater than 0"}
	}
	if req.MaxCompletionTokens != nil && *req.MaxCompletionTokens <= 0 {
		return &domain.ValidationError{Path: "max_completion_tokens", Message: "must be greater than 0"}
	}
	if req.N != nil && *req.N != 1 {
		return &domain.ValidationError{Path: "n", Message: "only 1 is supported"}
	}
	for i, tool := range req.Tools {
		path := fmt.Sprintf("tools[%d]", i)
		if tool.Type != "function" {
			return &domain.ValidationError{Path: path + ".type", Message: `must be "function"`}
		}
		if tool.Function.Name == "" {
			return &domain.ValidationError{Path: path + ".function.name", Message: "is required"}
		}
	}
	for i, p := range req.Plugins {
		path := fmt.Sprintf("plugins[%d]", i)
		if p.ID != domain.PluginWeb {
			return &domain.ValidationError{Path: path + ".id", Message: fmt.Sprintf("unsupported plugin %q", p.ID)}
		}
		if p.MaxResults != nil && *p.MaxResults <= 0 {
			return &domain.ValidationError{Path: path + ".max_results", Message: "must be greater than 0"}
		}
	}
	return nil
}

func checkMessage(m *domain.Message, path string) error {
	if !validRoles[m.Role] {
		return &domain.ValidationError{Path: path + ".role", Message: fmt.Sprintf("invalid role %q", m.Role)}
	}
	if m.Role == domain.RoleTool && m.ToolCallID == "" {
		return &domain.ValidationError{Path: path + ".tool_call_id", Message: "is required for tool messages"}
	}
	if len(m.ToolCalls) > 0 && m.Role != domain.RoleAssistant {
		return &domain.ValidationError{Path: path + ".tool_calls", Message: "only assistant messages may carry tool calls"}
	}
	for j, call := range m.ToolCalls {
		callPath := fmt.Sprintf("%s.tool_calls[%d]", path, j)
		if call.ID == "" {
			return &domain.ValidationError{Path: callPath + ".id", Message: "is required"}
		}
		if call.Type != "function" {
			return &domain.ValidationError{Path: callPath + ".type", Message: `must be "function"`}
		}
		if call.Function.Name == "" {
			return &domain.ValidationError{Path: callPath + ".function.name", Message: "is required"}
		}
		if call.Function.Arguments != "" && !json.Valid([]byte(call.Function.Arguments)) {
			return &domain.ValidationError{Path: callPath + ".function.arguments", Message: "must be valid JSON"}
		}
	}
	if err := checkCacheControl(m.CacheControl, path+".cache_control"); err != nil {
		return err
	}
	for j, part := range m.Content.Parts {
		partPath := fmt.Sprintf("%s.content[%d]", path, j)
		switch part.Type {
		case "text":
			if part.Text == "" {
				return &domain.ValidationError{Path: partPath + ".text", Message: "is required"}
			}
		case "image_url":
			if part.ImageURL == nil || part.ImageURL.URL == "" {
				return &domain.ValidationError{Path: partPath + ".image_url.url", Message: "is required"}
			}
		default:
			return &domain.ValidationError{Path: partPath + ".type", Message: fmt.Sprintf("unsupported content type %q", part.Type)}
		}
		if err := checkCacheControl(part.CacheControl, partPath+".cache_control"); err != nil {
			return err
		}
	}
	return nil
}

func checkCacheControl(cc *domain.CacheControl, path string) error {
	if cc == nil {
		return nil
	}
	if cc.Type != "ephemeral" {
		return &domain.ValidationError{Path: path + ".type", Message: `must be "ephemeral"`}
	}
	switch cc.TTL {
	case "", "5m", "1h":
		return nil
	default:
		return &domain.ValidationError{Path: path + ".ttl", Message: `must be "5m" or "1h"`}
	}
}

func checkSampling(temperature, topP *float64) error {
	if temperature != nil && (*temperature < 0 || *temperature > 2) {
		return &domain.ValidationError{Path: "temperature", Message: "must be between 0 and 2"}
	}
	if topP != nil && (*topP < 0 || *topP > 1) {
		return &domain.ValidationError{Path: "top_p", Message: "must be between 0 and 1"}
	}
	return nil
}

func checkResponses(req *domain.ResponsesRequest) error {
	if err := checkModel(req.Model); err != nil {
		return err
	}
	if req.Stream {
		return &domain.ValidationError{Path: "stream", Message: "streaming is not supported for responses"}
	}
	if req.Input.IsEmpty() {
		return &domain.ValidationError{Path: "input", Message: "must not be empty"}
	}
	for i, item := range req.Input.Items {
		path := fmt.Sprintf("input[%d]", i)
		switch item.Kind() {
		case domain.ItemMessage:
			if !validRoles[item.Role] || item.Role == domain.RoleTool {
				return &domain.ValidationError{Path: path + ".role", Message: fmt.Sprintf("invalid role %q", item.Role)}
			}
		case domain.ItemFunctionCall:
			if item.CallID == "" {
				return &domain.ValidationError{Path: path + ".call_id", Message: "is required"}
			}
			if item.Name == "" {
				return &domain.ValidationError{Path: path + ".name", Message: "is required"}
			}
			if item.Arguments != "" && !json.Valid([]byte(item.Arguments)) {
				return &domain.ValidationError{Path: path + ".arguments", Message: "must be valid JSON"}
			}
		case domain.ItemFunctionCallOutput:
			if item.CallID == "" {
				return &domain.ValidationError{Path: path + ".call_id", Message: "is required"}
			}
		default:
			return &domain.ValidationError{Path: path + ".type", Message: fmt.Sprintf("unsupported item type %q", item.Type)}
		}
	}
	for i, tool := range req.Tools {
		path := fmt.Sprintf("tools[%d]", i)
		switch tool.Type {
		case "function":
			if tool.Name == "" {
				return &domain.ValidationError{Path: path + ".name", Message: "is required"}
			}
		case "web_search", "web_search_preview":
		default:
			return &domain.ValidationError{Path: path + ".type", Message: fmt.Sprintf("unsupported tool type %q", tool.Type)}
		}
	}
	if req.MaxOutputTokens != nil && *req.MaxOutputTokens <= 0 {
		return &domain.ValidationError{Path: "max_output_tokens", Message: "must be greater than 0"}
	}
	return checkSampling(req.Temperature, req.TopP)
}
