package anthropic

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
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
)

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	providerID       = "anthropic"
)

type Provider struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	streamClient *http.Client
}

func New(apiKey, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       httputil.DefaultClient(),
		streamClient: httputil.StreamingClient(),
	}
}

func (p *Provider) ID() string {
	return providerID
}

func (p *Provider) Protocol() string {
	return provider.ProtocolAnthropic
}

func (p *Provider) ChatCompletion(ctx context.Context, call *provider.Call) (*domain.ChatResponse, error) {
	req, err := NewRequest(providerID, call.Request, call.NativeModelID, call.MaxOutputTokens)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, p.client, call.Target, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, httputil.RequestError(providerID, err)
	}

	return DecodeResponse(providerID, body, call.ModelID)
}

func (p *Provider) ChatCompletionStream(ctx context.Context, call *provider.Call) (*provider.Stream, error) {
	req, err := NewRequest(providerID, call.Request, call.NativeModelID, call.MaxOutputTokens)
	if err != nil {
		return nil, err
	}
	req.Stream = true

	resp, err := p.post(ctx, p.streamClient, call.Target, req, true)
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

		conv := NewStreamConverter(providerID, call.ModelID, time.Now().Unix())
		reader := httputil.NewSSEReader(resp.Body)
		for {
			ev, err := reader.Next()
			if errors.Is(err, io.EOF) {
				if !conv.Done() {
					errs <- &domain.UpstreamError{Provider: providerID, Retryable: true, Err: errors.New("stream ended before message_stop")}
				}
				return
			}
			if err != nil {
				errs <- httputil.RequestError(providerID, err)
				return
			}

			out, err := conv.Convert(ev.Data)
			if err != nil {
				errs <- err
				return
			}
			usage.Set(conv.Usage())
			for _, chunk := range out {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if conv.Done() {
				return
			}
		}
	}()

	return &provider.Stream{Chunks: chunks, Errs: errs, Usage: usage.Usage}, nil
}

func (p *Provider) Passthrough(ctx context.Context, call *provider.PassthroughCall) (*provider.PassthroughResponse, error) {
	body, err := provider.RewriteBody(call.Body, map[string]any{"model": call.NativeModelID})
	if err != nil {
		return nil, domain.NewTranslationError(providerID, "%v", err)
	}

	client := p.client
	if call.Stream {
		client = p.streamClient
	}
	resp, err := p.send(ctx, client, call.Target, body, call.Stream)
	if err != nil {
		return nil, err
	}

	meter := &UsageMeter{}
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
		return nil, httputil.RequestError(providerID, err)
	}
	meter.ObserveBody(data)
	out.Body = io.NopCloser(bytes.NewReader(data))
	return out, nil
}

// HealthCheck lists a single model, which checks reachability and the key
// without spending tokens.
func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models?limit=1", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s unhealthy: status=%d", providerID, resp.StatusCode)
	}
	return nil
}

func (p *Provider) post(ctx context.Context, client *http.Client, target provider.Target, req *Request, stream bool) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return p.send(ctx, client, target, body, stream)
}

// send posts a Messages body and returns the response once the upstream
// answered with 200.
func (p *Provider) send(ctx context.Context, client *http.Client, target provider.Target, body []byte, stream bool) (*http.Response, error) {
	baseURL := p.baseURL
	if target.BaseURL != "" {
		baseURL = strings.TrimRight(target.BaseURL, "/")
	}
	apiKey := p.apiKey
	if target.APIKey != "" {
		apiKey = target.APIKey
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, httputil.RequestError(providerID, err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, httputil.StatusError(providerID, resp)
	}
	return resp, nil
}

// UsageMeter extracts token counts from native Messages payloads, buffered
// or streamed.
type UsageMeter struct {
	mu    sync.Mutex
	usage Usage
}

func (m *UsageMeter) ObserveBody(data []byte) {
	var resp struct {
		Usage Usage `json:"usage"`
	}
	if json.Unmarshal(data, &resp) != nil {
		return
	}
	m.mu.Lock()
	m.usage = resp.Usage
	m.mu.Unlock()
}

func (m *UsageMeter) ObserveLine(line []byte) {
	data, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return
	}
	m.ObserveEvent(bytes.TrimSpace(data))
}

// ObserveEvent records usage carried by message_start and message_delta.
func (m *UsageMeter) ObserveEvent(data []byte) {
	var ev streamEvent
	if json.Unmarshal(data, &ev) != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev.Type {
	case "message_start":
		if ev.Message != nil {
			m.usage = ev.Message.Usage
		}
	case "message_delta":
		if ev.Usage != nil {
			m.usage.OutputTokens = ev.Usage.OutputTokens
		}
	}
}

func (m *UsageMeter) Usage() domain.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage.Canonical()
}
