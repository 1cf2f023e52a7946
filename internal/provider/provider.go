// Package provider defines the contract every upstream adapter implements.
package provider

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

// Wire protocols an adapter can accept verbatim in passthrough mode.
const (
	ProtocolAnthropic = "anthropic"
	ProtocolOpenAI    = "openai"
)

type Provider interface {
	ID() string
	Protocol() string
	ChatCompletion(ctx context.Context, call *Call) (*domain.ChatResponse, error)
	// ChatCompletionStream returns synchronously once the upstream accepted
	// the request. Connection and status failures are returned here; later
	// failures arrive on Stream.Errs.
	ChatCompletionStream(ctx context.Context, call *Call) (*Stream, error)
	Passthrough(ctx context.Context, call *PassthroughCall) (*PassthroughResponse, error)
	HealthCheck(ctx context.Context) error
}

// AcceptsAPIKey reports whether p can call its upstream with a
// caller-supplied API key. Adapters that authenticate some other way
// implement AcceptsAPIKey() and return false.
func AcceptsAPIKey(p Provider) bool {
	if k, ok := p.(interface{ AcceptsAPIKey() bool }); ok {
		return k.AcceptsAPIKey()
	}
	return true
}

// Target is the resolved upstream an attempt is sent to.
type Target struct {
	ModelID         string
	NativeModelID   string
	Region          string
	BaseURL         string
	CrossRegion     bool
	MaxOutputTokens int
	// APIKey overrides the gateway's own credential for BYOK calls.
	APIKey string
}

type Call struct {
	Target
	Request *domain.ChatRequest
}

type PassthroughCall struct {
	Target
	Body   []byte
	Stream bool
}

// Stream is an accepted upstream stream. Chunks and Errs are closed when the
// stream ends. Usage reports the token counts observed so far, which are
// partial when the stream ended early.
type Stream struct {
	Chunks <-chan domain.StreamChunk
	Errs   <-chan error
	Usage  func() domain.Usage
}

// UsageRecorder holds the latest usage seen by a stream goroutine.
type UsageRecorder struct {
	mu    sync.Mutex
	usage domain.Usage
}

func (r *UsageRecorder) Set(u domain.Usage) {
	r.mu.Lock()
	r.usage = u
	r.mu.Unlock()
}

func (r *UsageRecorder) Usage() domain.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage
}

// PassthroughResponse is the provider-native response. Usage reports the
// token counts seen so far while Body was read.
type PassthroughResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	Usage      func() domain.Usage
}
