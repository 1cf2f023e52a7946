package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const (
	DefaultBaseURL       = "https://api.openai.com/v1"
	DefaultOllamaBaseURL = "http://localhost:11434/v1"
)

// Provider talks to any OpenAI-compatible chat completions API. The same
// adapter serves OpenAI itself and Ollama's /v1 surface under its own id.
type Provider struct {
	id           string
	apiKey       string
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

func New(apiKey, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return NewCompatible("openai", apiKey, baseURL)
}

// NewOllama returns an adapter for a local Ollama server. No credential is
// sent.
func NewOllama(baseURL string) *Provider {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	return NewCompatible("ollama", "", baseURL)
}

func NewCompatible(id, apiKey, baseURL string) *Provider {
	return &Provider{
		id:           id,
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       httputil.DefaultClient(),
		streamClient: httputil.StreamingClient(),
	}
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Protocol() string {
	return provider.ProtocolOpenAI
}

func (p *Provider) ChatCompletion(ctx context.Context, call *provider.Call) (*domain.ChatResponse, error) {
	body, err := encodeRequest(call.Request, call.NativeModelID, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, p.client, call.Target, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, httputil.RequestError(p.id, err)
	}

	return decodeResponse(p.id, data, call.ModelID)
}

func (p *Provider) ChatCompletionStream(ctx context.Context, call *provider.Call) (*provider.Stream, error) {
	body, err := encodeRequest(call.Request, call.NativeModelID, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, p.streamClient, call.Target, body, true)
	if err != nil {
		return nil, err
	}

	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)
	usage := &provider.UsageRecorder{}

	go func() {
		defer close(chunks)
		defer close(errs)
		defer resp.Body.Close()

		relay := newStreamRelay(p.id, call.ModelID)
		emit := func(out []domain.StreamChunk) bool {
			for _, chunk := range out {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		reader := httputil.NewSSEReader(resp.Body)
		for {
			ev, err := reader.Next()
			if errors.Is(err, io.EOF) {
				if !relay.Complete() {
					errs <- &domain.UpstreamError{Provider: p.id, Retryable: true, Err: errors.New("stream ended before a finish reason")}
					return
				}
				emit(relay.Finish())
				return
			}
			if err != nil {
				errs <- httputil.RequestError(p.id, err)
				return
			}

			out, done, err := relay.Convert(ev.Data)
			if err != nil {
				errs <- err
				return
			}
			usage.Set(relay.Usage())
			if !emit(out) || done {
				return
			}
		}
	}()

	return &provider.Stream{Chunks: chunks, Errs: errs, Usage: usage.Usage}, nil
}

func (p *Provider) Passthrough(ctx context.Context, call *provider.PassthroughCall) (*provider.PassthroughResponse, error) {
	set := map[string]any{"model": call.NativeModelID}
	if call.Stream {
		set["stream_options"] = domain.StreamOptions{IncludeUsage: true}
	}
	body, err := provider.RewriteBody(call.Body, set)
	if err != nil {
		return nil, domain.NewTranslationError(p.id, "%v", err)
	}

	client := p.client
	if call.Stream {
		client = p.streamClient
	}
	resp, err := p.send(ctx, client, call.Target, body, call.Stream)
	if err != nil {
		return nil, err
	}

	meter := &usageMeter{}
	out := &provider.PassthroughResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Usage:      meter.Usage,
	}
	if call.Stream {
		out.Body = provider.NewLineSniffer(resp.Body, meter.ObserveLine)
		return out, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, httputil.RequestError(p.id, err)
	}
	meter.Observe(data)
	out.Body = io.NopCloser(bytes.NewReader(data))
	return out, nil
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s unhealthy: status=%d", p.id, resp.StatusCode)
	}

	return nil
}

func (p *Provider) send(ctx context.Context, client *http.Client, target provider.Target, body []byte, stream bool) (*http.Response, error) {
	baseURL := p.baseURL
	if target.BaseURL != "" {
		baseURL = strings.TrimRight(target.BaseURL, "/")
	}
	apiKey := p.apiKey
	if target.APIKey != "" {
		apiKey = target.APIKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, httputil.RequestError(p.id, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httputil.StatusError(p.id, resp)
	}
	return resp, nil
}

// usageMeter keeps the last usage object seen in a native response.
type usageMeter struct {
	mu    sync.Mutex
	usage domain.Usage
}

func (m *usageMeter) Observe(data []byte) {
	var doc struct {
		Usage *domain.Usage `json:"usage"`
	}
	if json.Unmarshal(data, &doc) != nil || doc.Usage == nil {
		return
	}
	m.mu.Lock()
	m.usage = *doc.Usage
	m.mu.Unlock()
}

func (m *usageMeter) ObserveLine(line []byte) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, doneMarker) {
		return
	}
	m.Observe(data)
}

func (m *usageMeter) Usage() domain.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usage
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}
