package openai

import (
	"bytes"
	"encoding/json"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

var doneMarker = []byte("[DONE]")

// streamRelay re-stamps upstream chunks so that every chunk carries the
// canonical model and the first chunk's id and created time, and makes sure
// the stream ends with a usage chunk whose choices are empty.
type streamRelay struct {
	provider string
	model    string

	id        string
	created   int64
	started   bool
	finished  bool
	usageSent bool
	usage     *domain.Usage
}

func newStreamRelay(provider, model string) *streamRelay {
	return &streamRelay{provider: provider, model: model}
}

// Convert maps one data payload. done reports the [DONE] marker.
func (r *streamRelay) Convert(data []byte) (chunks []domain.StreamChunk, done bool, err error) {
	if bytes.Equal(bytes.TrimSpace(data), doneMarker) {
		return r.Finish(), true, nil
	}

	var chunk domain.StreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, domain.NewTranslationError(r.provider, "decode chunk: %v", err)
	}

	if !r.started {
		r.started = true
		r.id = chunk.ID
		r.created = chunk.Created
	}
	chunk.ID = r.id
	chunk.Created = r.created
	chunk.Object = "chat.completion.chunk"
	chunk.Model = r.model

	for _, c := range chunk.Choices {
		if c.FinishReason != nil {
			r.finished = true
		}
	}

	if chunk.Usage != nil {
		u := *chunk.Usage
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		r.usage = &u
		if len(chunk.Choices) == 0 {
			chunk.Choices = []domain.StreamChoice{}
			chunk.Usage = &u
			r.usageSent = true
			return []domain.StreamChunk{chunk}, false, nil
		}
		// usage riding on a content chunk is reported once at the end
		chunk.Usage = nil
	}

	return []domain.StreamChunk{chunk}, false, nil
}

// Finish returns the synthesized terminal usage chunk when the upstream did
// not send one.
func (r *streamRelay) Finish() []domain.StreamChunk {
	if r.usageSent || !r.started {
		return nil
	}
	r.usageSent = true
	usage := r.Usage()
	return []domain.StreamChunk{{
		ID:      r.id,
		Object:  "chat.completion.chunk",
		Created: r.created,
		Model:   r.model,
		Choices: []domain.StreamChoice{},
		Usage:   &usage,
	}}
}

// Complete reports whether the upstream reached a finish reason.
func (r *streamRelay) Complete() bool {
	return r.finished
}

func (r *streamRelay) Usage() domain.Usage {
	if r.usage == nil {
		return domain.Usage{}
	}
	return *r.usage
}
