package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

type blockKind uint8

const (
	blockText blockKind = iota + 1
	blockToolUse
	blockThinking
	blockSilent
)

type openBlock struct {
	index    int
	kind     blockKind
	toolSlot int
}

// StreamConverter turns Messages stream events into canonical chunks in a
// single pass. It is not safe for concurrent use.
type StreamConverter struct {
	provider string
	model    string
	created  int64

	id       string
	started  bool
	stopped  bool
	open     *openBlock
	nextTool int

	usage Usage
}

func NewStreamConverter(provider, model string, created int64) *StreamConverter {
	return &StreamConverter{provider: provider, model: model, created: created}
}

// Done reports whether message_stop has been seen.
func (c *StreamConverter) Done() bool {
	return c.stopped
}

// Started reports whether message_start has been seen.
func (c *StreamConverter) Started() bool {
	return c.started
}

// Usage returns the usage observed so far, including partial counts from an
// interrupted stream.
func (c *StreamConverter) Usage() domain.Usage {
	return c.usage.Canonical()
}

// Convert consumes one event payload and returns the chunks it produces.
func (c *StreamConverter) Convert(data []byte) ([]domain.StreamChunk, error) {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, domain.NewTranslationError(c.provider, "decode stream event: %v", err)
	}

	if ev.Type == "ping" {
		return nil, nil
	}
	if ev.Type == "error" {
		return nil, c.streamError(ev.Error)
	}
	if c.stopped {
		return nil, c.fail("event %q after message_stop", ev.Type)
	}
	if !c.started && ev.Type != "message_start" {
		return nil, c.fail("event %q before message_start", ev.Type)
	}

	switch ev.Type {
	case "message_start":
		return c.messageStart(&ev)
	case "content_block_start":
		return c.blockStart(&ev)
	case "content_block_delta":
		return c.blockDelta(&ev)
	case "content_block_stop":
		return nil, c.blockStop(&ev)
	case "message_delta":
		return c.messageDelta(&ev)
	case "message_stop":
		if c.open != nil {
			return nil, c.fail("message_stop while block %d is open", c.open.index)
		}
		c.stopped = true
		usage := c.usage.Canonical()
		return []domain.StreamChunk{{
			ID:      c.id,
			Object:  "chat.completion.chunk",
			Created: c.created,
			Model:   c.model,
			Choices: []domain.StreamChoice{},
			Usage:   &usage,
		}}, nil
	default:
		return nil, c.fail("unknown event type %q", ev.Type)
	}
}

func (c *StreamConverter) messageStart(ev *streamEvent) ([]domain.StreamChunk, error) {
	if c.started {
		return nil, c.fail("duplicate message_start")
	}
	if ev.Message == nil {
		return nil, c.fail("message_start without message")
	}
	c.started = true
	c.id = ev.Message.ID
	c.usage = ev.Message.Usage

	return []domain.StreamChunk{c.chunk(domain.Delta{
		Role:    domain.RoleAssistant,
		Content: domain.StringPtr(""),
	}, nil)}, nil
}

func (c *StreamConverter) blockStart(ev *streamEvent) ([]domain.StreamChunk, error) {
	if ev.Index == nil || ev.ContentBlock == nil {
		return nil, c.fail("content_block_start without index or block")
	}
	if c.open != nil {
		return nil, c.fail("content_block_start %d while block %d is open", *ev.Index, c.open.index)
	}

	block := ev.ContentBlock
	switch block.Type {
	case "text":
		c.open = &openBlock{index: *ev.Index, kind: blockText}
		if block.Text != "" {
			return []domain.StreamChunk{c.chunk(domain.Delta{Content: domain.StringPtr(block.Text)}, nil)}, nil
		}
		return nil, nil

	case "tool_use":
		slot := c.nextTool
		c.nextTool++
		c.open = &openBlock{index: *ev.Index, kind: blockToolUse, toolSlot: slot}
		return []domain.StreamChunk{c.chunk(domain.Delta{
			ToolCalls: []domain.ToolCallDelta{{
				Index:    slot,
				ID:       block.ID,
				Type:     "function",
				Function: domain.FunctionDelta{Name: block.Name, Arguments: ""},
			}},
		}, nil)}, nil

	case "thinking", "redacted_thinking":
		c.open = &openBlock{index: *ev.Index, kind: blockThinking}
		return nil, nil

	case "server_tool_use", "web_search_tool_result":
		c.open = &openBlock{index: *ev.Index, kind: blockSilent}
		return nil, nil

	default:
		return nil, c.fail("unknown content block type %q", block.Type)
	}
}

func (c *StreamConverter) blockDelta(ev *streamEvent) ([]domain.StreamChunk, error) {
	if ev.Index == nil || ev.Delta == nil {
		return nil, c.fail("content_block_delta without index or delta")
	}
	if c.open == nil {
		return nil, c.fail("content_block_delta %d with no open block", *ev.Index)
	}
	if *ev.Index != c.open.index {
		return nil, c.fail("content_block_delta %d does not match open block %d", *ev.Index, c.open.index)
	}

	d := ev.Delta
	switch c.open.kind {
	case blockText:
		switch d.Type {
		case "text_delta":
			return []domain.StreamChunk{c.chunk(domain.Delta{Content: domain.StringPtr(d.Text)}, nil)}, nil
		case "citations_delta":
			return nil, nil
		}
	case blockToolUse:
		if d.Type == "input_json_delta" {
			return []domain.StreamChunk{c.chunk(domain.Delta{
				ToolCalls: []domain.ToolCallDelta{{
					Index:    c.open.toolSlot,
					Function: domain.FunctionDelta{Arguments: d.PartialJSON},
				}},
			}, nil)}, nil
		}
	case blockThinking:
		if d.Type == "thinking_delta" || d.Type == "signature_delta" {
			return nil, nil
		}
	case blockSilent:
		if d.Type == "input_json_delta" {
			return nil, nil
		}
	}
	return nil, c.fail("delta type %q does not match block %d", d.Type, c.open.index)
}

func (c *StreamConverter) blockStop(ev *streamEvent) error {
	if ev.Index == nil {
		return c.fail("content_block_stop without index")
	}
	if c.open == nil || c.open.index != *ev.Index {
		return c.fail("content_block_stop %d does not match the open block", *ev.Index)
	}
	c.open = nil
	return nil
}

func (c *StreamConverter) messageDelta(ev *streamEvent) ([]domain.StreamChunk, error) {
	if c.open != nil {
		return nil, c.fail("message_delta while block %d is open", c.open.index)
	}
	if ev.Usage != nil {
		c.usage.OutputTokens = ev.Usage.OutputTokens
		if ev.Usage.InputTokens > 0 {
			c.usage.InputTokens = ev.Usage.InputTokens
		}
		if ev.Usage.CacheReadInputTokens > 0 {
			c.usage.CacheReadInputTokens = ev.Usage.CacheReadInputTokens
		}
		if ev.Usage.CacheCreationInputTokens > 0 {
			c.usage.CacheCreationInputTokens = ev.Usage.CacheCreationInputTokens
		}
	}
	if ev.Delta == nil || ev.Delta.StopReason == nil {
		return nil, nil
	}

	finish, ok := MapStopReason(*ev.Delta.StopReason)
	if !ok {
		return nil, c.fail("unknown stop_reason %q", *ev.Delta.StopReason)
	}
	return []domain.StreamChunk{c.chunk(domain.Delta{}, &finish)}, nil
}

func (c *StreamConverter) chunk(delta domain.Delta, finish *string) domain.StreamChunk {
	return domain.StreamChunk{
		ID:      c.id,
		Object:  "chat.completion.chunk",
		Created: c.created,
		Model:   c.model,
		Choices: []domain.StreamChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

func (c *StreamConverter) fail(format string, args ...any) error {
	return domain.NewTranslationError(c.provider, format, args...)
}

// streamError maps an in-band error event. Overload and server errors are
// retryable like their HTTP counterparts.
func (c *StreamConverter) streamError(e *apiError) error {
	if e == nil {
		return &domain.UpstreamError{Provider: c.provider, StatusCode: 500, Retryable: true, Err: errors.New("stream error event")}
	}
	status := errorStatus(e.Type)
	return &domain.UpstreamError{
		Provider:   c.provider,
		StatusCode: status,
		Retryable:  domain.ClassifyStatus(status),
		Err:        fmt.Errorf("%s: %s", e.Type, e.Message),
	}
}

func errorStatus(errType string) int {
	switch errType {
	case "overloaded_error":
		return 529
	case "api_error":
		return 500
	case "rate_limit_error":
		return 429
	case "request_too_large":
		return 413
	case "not_found_error":
		return 404
	case "permission_error":
		return 403
	case "authentication_error":
		return 401
	default:
		return 400
	}
}
