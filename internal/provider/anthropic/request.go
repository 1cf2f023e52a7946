package anthropic

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

const (
	defaultMaxTokens = 4096

	webSearchToolType = "web_search_20250305"
	webSearchToolName = "web_search"
	defaultWebUses    = 5
)

var emptyObject = json.RawMessage(`{}`)

// NewRequest translates a canonical chat request into a Messages API body.
// provider names the adapter for error reporting.
func NewRequest(provider string, req *domain.ChatRequest, nativeModel string, maxOutput int) (*Request, error) {
	out := &Request{
		Model:         nativeModel,
		MaxTokens:     maxTokens(req, maxOutput),
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if req.User != "" {
		out.Metadata = &Metadata{UserID: req.User}
	}

	system, messages, err := convertMessages(provider, req.Messages)
	if err != nil {
		return nil, err
	}
	out.System = system
	out.Messages = messages

	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if len(bytes.TrimSpace(schema)) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}

	for _, p := range req.Plugins {
		if p.ID != domain.PluginWeb {
			continue
		}
		uses := defaultWebUses
		if p.MaxResults != nil {
			uses = *p.MaxResults
		}
		out.Tools = injectWebSearch(out.Tools, uses)
	}

	choice, err := convertToolChoice(provider, req.ToolChoice)
	if err != nil {
		return nil, err
	}
	if req.ParallelToolCalls != nil && !*req.ParallelToolCalls && len(out.Tools) > 0 {
		if choice == nil {
			choice = &ToolChoice{Type: "auto"}
		}
		disable := true
		choice.DisableParallelToolUse = &disable
	}
	out.ToolChoice = choice

	return out, nil
}

func maxTokens(req *domain.ChatRequest, maxOutput int) int {
	if n, ok := req.DeclaredMaxTokens(); ok {
		return n
	}
	if maxOutput > 0 {
		return maxOutput
	}
	return defaultMaxTokens
}

// injectWebSearch adds the server-side web search tool unless a tool of
// that type or name is already declared.
func injectWebSearch(tools []Tool, maxUses int) []Tool {
	for _, t := range tools {
		if t.Type == webSearchToolType || t.Name == webSearchToolName {
			return tools
		}
	}
	return append(tools, Tool{Type: webSearchToolType, Name: webSearchToolName, MaxUses: maxUses})
}

func convertToolChoice(provider string, raw json.RawMessage) (*ToolChoice, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, domain.NewTranslationError(provider, "decode tool_choice: %v", err)
		}
		switch s {
		case "auto":
			return &ToolChoice{Type: "auto"}, nil
		case "required":
			return &ToolChoice{Type: "any"}, nil
		case "none":
			return &ToolChoice{Type: "none"}, nil
		default:
			return nil, domain.NewTranslationError(provider, "unsupported tool_choice %q", s)
		}
	}

	var obj struct {
		Type     string `json:"type"`
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, domain.NewTranslationError(provider, "decode tool_choice: %v", err)
	}
	if obj.Type != "function" || obj.Function.Name == "" {
		return nil, domain.NewTranslationError(provider, "unsupported tool_choice %s", raw)
	}
	return &ToolChoice{Type: "tool", Name: obj.Function.Name}, nil
}

func convertCache(cc *domain.CacheControl) *CacheControl {
	if cc == nil {
		return nil
	}
	return &CacheControl{Type: "ephemeral", TTL: cc.TTL}
}

// convertMessages hoists system content and folds the remaining turns into
// alternating user/assistant messages.
func convertMessages(provider string, in []domain.Message) (*System, []Message, error) {
	var (
		systemBlocks []ContentBlock
		systemCached bool
		out          []Message
	)

	for _, m := range in {
		switch m.Role {
		case domain.RoleSystem, domain.RoleDeveloper:
			blocks := textBlocks(m.Content)
			if len(blocks) == 0 {
				continue
			}
			if m.CacheControl != nil {
				blocks[len(blocks)-1].CacheControl = convertCache(m.CacheControl)
			}
			for _, b := range blocks {
				if b.CacheControl != nil {
					systemCached = true
				}
			}
			systemBlocks = append(systemBlocks, blocks...)
			continue
		}

		role, blocks, err := convertTurn(provider, m)
		if err != nil {
			return nil, nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		if m.CacheControl != nil {
			blocks[len(blocks)-1].CacheControl = convertCache(m.CacheControl)
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, Message{Role: role, Content: blocks})
	}

	if len(out) == 0 {
		return nil, nil, domain.NewTranslationError(provider, "request has no user or assistant messages")
	}

	var system *System
	switch {
	case len(systemBlocks) == 0:
	case systemCached:
		system = &System{Blocks: systemBlocks}
	default:
		texts := make([]string, 0, len(systemBlocks))
		for _, b := range systemBlocks {
			texts = append(texts, b.Text)
		}
		system = &System{Text: strings.Join(texts, "\n\n")}
	}
	return system, out, nil
}

func textBlocks(c domain.Content) []ContentBlock {
	if !c.IsParts() {
		if c.Text == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: c.Text}}
	}
	var blocks []ContentBlock
	for _, p := range c.Parts {
		if p.Type == "text" && p.Text != "" {
			blocks = append(blocks, ContentBlock{Type: "text", Text: p.Text, CacheControl: convertCache(p.CacheControl)})
		}
	}
	return blocks
}

func convertTurn(provider string, m domain.Message) (string, []ContentBlock, error) {
	switch m.Role {
	case domain.RoleTool:
		return "user", []ContentBlock{{
			Type:      "tool_result",
			ToolUseID: m.ToolCallID,
			Content:   m.Content.PlainText(),
		}}, nil

	case domain.RoleAssistant:
		blocks := contentBlocks(m.Content)
		for _, call := range m.ToolCalls {
			input := emptyObject
			if args := strings.TrimSpace(call.Function.Arguments); args != "" {
				if !json.Valid([]byte(args)) {
					return "", nil, domain.NewTranslationError(provider, "tool call %s has invalid arguments", call.ID)
				}
				input = json.RawMessage(args)
			}
			blocks = append(blocks, ContentBlock{
				Type:  "tool_use",
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: input,
			})
		}
		return "assistant", blocks, nil

	case domain.RoleUser:
		return "user", contentBlocks(m.Content), nil

	default:
		return "", nil, domain.NewTranslationError(provider, "unsupported role %q", m.Role)
	}
}

func contentBlocks(c domain.Content) []ContentBlock {
	if !c.IsParts() {
		return textBlocks(c)
	}
	var blocks []ContentBlock
	for _, p := range c.Parts {
		switch p.Type {
		case "text":
			if p.Text == "" {
				continue
			}
			blocks = append(blocks, ContentBlock{Type: "text", Text: p.Text, CacheControl: convertCache(p.CacheControl)})
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			blocks = append(blocks, ContentBlock{
				Type:         "image",
				Source:       imageSource(p.ImageURL.URL),
				CacheControl: convertCache(p.CacheControl),
			})
		}
	}
	return blocks
}

// imageSource maps data URLs to inline base64 sources and everything else to
// url sources.
func imageSource(url string) *ImageSource {
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if found && strings.HasSuffix(meta, ";base64") {
			return &ImageSource{
				Type:      "base64",
				MediaType: strings.TrimSuffix(meta, ";base64"),
				Data:      data,
			}
		}
	}
	return &ImageSource{Type: "url", URL: url}
}
