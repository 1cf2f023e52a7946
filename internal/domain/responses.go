package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ResponsesRequest is the secondary "responses" request shape with an item
// based input model.
type ResponsesRequest struct {
	Model           string            `json:"model"`
	Input           ResponsesInput    `json:"input"`
	Instructions    string            `json:"instructions,omitempty"`
	Tools           []ResponsesTool   `json:"tools,omitempty"`
	ToolChoice      json.RawMessage   `json:"tool_choice,omitempty"`
	MaxOutputTokens *int              `json:"max_output_tokens,omitempty"`
	Temperature     *float64          `json:"temperature,omitempty"`
	TopP            *float64          `json:"top_p,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
	User            string            `json:"user,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ResponsesInput is either a bare string or a list of input items.
type ResponsesInput struct {
	Text  string
	Items []ResponseItem
}

func (in ResponsesInput) MarshalJSON() ([]byte, error) {
	if in.Items != nil {
		return json.Marshal(in.Items)
	}
	return json.Marshal(in.Text)
}

func (in *ResponsesInput) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*in = ResponsesInput{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*in = ResponsesInput{Text: s}
		return nil
	case data[0] == '[':
		var items []ResponseItem
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		if items == nil {
			items = []ResponseItem{}
		}
		*in = ResponsesInput{Items: items}
		return nil
	default:
		return errors.New("input must be a string or an array of items")
	}
}

func (in ResponsesInput) IsEmpty() bool {
	return in.Text == "" && len(in.Items) == 0
}

const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

type ResponseItem struct {
	Type      string      `json:"type,omitempty"`
	ID        string      `json:"id,omitempty"`
	Role      string      `json:"role,omitempty"`
	Content   ItemContent `json:"content,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Arguments string      `json:"arguments,omitempty"`
	Output    string      `json:"output,omitempty"`
	Status    string      `json:"status,omitempty"`
}

// Kind returns the item type, treating a role-bearing item without a type as
// a message.
func (it ResponseItem) Kind() string {
	if it.Type == "" && it.Role != "" {
		return ItemMessage
	}
	return it.Type
}

type ItemContent struct {
	Text  string
	Parts []ItemPart
}

func (c ItemContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *ItemContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*c = ItemContent{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ItemContent{Text: s}
		return nil
	case data[0] == '[':
		var parts []ItemPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		if parts == nil {
			parts = []ItemPart{}
		}
		*c = ItemContent{Parts: parts}
		return nil
	default:
		return errors.New("content must be a string or an array of parts")
	}
}

type ItemPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

// ToChatRequest maps the responses shape onto the canonical chat request.
func (r *ResponsesRequest) ToChatRequest() *ChatRequest {
	req := &ChatRequest{
		Model:       r.Model,
		Temperature: r.Temperature,
		TopP:        r.TopP,
		MaxTokens:   r.MaxOutputTokens,
		User:        r.User,
	}

	if r.Instructions != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: TextContent(r.Instructions)})
	}

	if r.Input.Items == nil {
		req.Messages = append(req.Messages, Message{Role: RoleUser, Content: TextContent(r.Input.Text)})
	}

	for _, item := range r.Input.Items {
		switch item.Kind() {
		case ItemMessage:
			req.Messages = append(req.Messages, Message{Role: item.Role, Content: itemToContent(item.Content)})
		case ItemFunctionCall:
			call := ToolCall{
				ID:       item.CallID,
				Type:     "function",
				Function: FunctionCall{Name: item.Name, Arguments: item.Arguments},
			}
			last := len(req.Messages) - 1
			if last >= 0 && req.Messages[last].Role == RoleAssistant && len(req.Messages[last].ToolCalls) > 0 {
				req.Messages[last].ToolCalls = append(req.Messages[last].ToolCalls, call)
				continue
			}
			req.Messages = append(req.Messages, Message{Role: RoleAssistant, ToolCalls: []ToolCall{call}})
		case ItemFunctionCallOutput:
			req.Messages = append(req.Messages, Message{
				Role:       RoleTool,
				ToolCallID: item.CallID,
				Content:    TextContent(item.Output),
			})
		}
	}

	for _, tool := range r.Tools {
		switch tool.Type {
		case "function":
			req.Tools = append(req.Tools, Tool{
				Type: "function",
				Function: FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
					Strict:      tool.Strict,
				},
			})
		case "web_search", "web_search_preview":
			req.Plugins = append(req.Plugins, Plugin{ID: PluginWeb})
		}
	}

	req.ToolChoice = convertResponsesToolChoice(r.ToolChoice)
	return req
}

func itemToContent(c ItemContent) Content {
	if c.Parts == nil {
		return TextContent(c.Text)
	}
	parts := make([]ContentPart, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case "input_text", "output_text", "text":
			parts = append(parts, ContentPart{Type: "text", Text: p.Text})
		case "input_image":
			parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: p.ImageURL}})
		}
	}
	return Content{Parts: parts}
}

// convertResponsesToolChoice rewrites {"type":"function","name":"x"} into the
// chat form. String choices are passed through.
func convertResponsesToolChoice(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return raw
	}
	var choice struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil || choice.Type != "function" {
		return raw
	}
	out, _ := json.Marshal(map[string]any{
		"type":     "function",
		"function": map[string]string{"name": choice.Name},
	})
	return out
}

type ResponsesResponse struct {
	ID                string             `json:"id"`
	Object            string             `json:"object"`
	CreatedAt         int64              `json:"created_at"`
	Model             string             `json:"model"`
	Status            string             `json:"status"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
	Output            []ResponseOutput   `json:"output"`
	Usage             ResponsesUsage     `json:"usage"`
	Gateway           *Gateway           `json:"x_gateway,omitempty"`
}

type IncompleteDetails struct {
	Reason string `json:"reason"`
}

type ResponseOutput struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Status    string          `json:"status,omitempty"`
	Role      string          `json:"role,omitempty"`
	Content   []OutputContent `json:"content,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
}

type OutputContent struct {
	Type        string             `json:"type"`
	Text        string             `json:"text"`
	Annotations []OutputAnnotation `json:"annotations"`
}

type OutputAnnotation struct {
	Type       string `json:"type"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	StartIndex int    `json:"start_index"`
	EndIndex   int    `json:"end_index"`
}

type ResponsesUsage struct {
	InputTokens        int                 `json:"input_tokens"`
	OutputTokens       int                 `json:"output_tokens"`
	TotalTokens        int                 `json:"total_tokens"`
	InputTokensDetails *InputTokensDetails `json:"input_tokens_details,omitempty"`
}

type InputTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ResponsesFromChat renders a canonical chat completion in the responses shape.
func ResponsesFromChat(resp *ChatResponse) *ResponsesResponse {
	out := &ResponsesResponse{
		ID:        "resp_" + strings.TrimPrefix(resp.ID, "chatcmpl-"),
		Object:    "response",
		CreatedAt: resp.Created,
		Model:     resp.Model,
		Status:    "completed",
		Output:    []ResponseOutput{},
		Usage: ResponsesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Gateway: resp.Gateway,
	}
	if cached := resp.Usage.CachedTokens(); cached > 0 {
		out.Usage.InputTokensDetails = &InputTokensDetails{CachedTokens: cached}
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return out
	}
	choice := resp.Choices[0]
	msg := choice.Message

	if choice.FinishReason == FinishLength {
		out.Status = "incomplete"
		out.IncompleteDetails = &IncompleteDetails{Reason: "max_output_tokens"}
	}

	if msg.Content != "" || len(msg.ToolCalls) == 0 {
		annotations := make([]OutputAnnotation, 0, len(msg.Annotations))
		for _, a := range msg.Annotations {
			annotations = append(annotations, OutputAnnotation{
				Type:       a.Type,
				URL:        a.URLCitation.URL,
				Title:      a.URLCitation.Title,
				StartIndex: a.URLCitation.StartIndex,
				EndIndex:   a.URLCitation.EndIndex,
			})
		}
		out.Output = append(out.Output, ResponseOutput{
			Type:   ItemMessage,
			ID:     "msg_" + out.ID,
			Status: "completed",
			Role:   RoleAssistant,
			Content: []OutputContent{{
				Type:        "output_text",
				Text:        msg.Content,
				Annotations: annotations,
			}},
		})
	}

	for _, call := range msg.ToolCalls {
		out.Output = append(out.Output, ResponseOutput{
			Type:      ItemFunctionCall,
			ID:        "fc_" + call.ID,
			Status:    "completed",
			CallID:    call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}

	return out
}
