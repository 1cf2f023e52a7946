package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/provider"
	"github.com/felipepmaragno/llm-gateway/internal/provider/anthropic"
)

// body builds the Messages payload Bedrock expects: no model or stream
// member, and a Bedrock anthropic_version.
func body(call *provider.Call) ([]byte, error) {
	req, err := anthropic.NewRequest(providerID, call.Request, "", call.MaxOutputTokens)
	if err != nil {
		return nil, err
	}
	req.AnthropicVersion = anthropicVersion

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return data, nil
}

func (p *Provider) ChatCompletion(ctx context.Context, call *provider.Call) (*domain.ChatResponse, error) {
	data, err := body(call)
	if err != nil {
		return nil, err
	}

	modelID := ModelID(call.NativeModelID, call.Region, call.CrossRegion)
	out, err := p.runtimeFor(call.Region).Invoke(ctx, modelID, data)
	if err != nil {
		return nil, classify(err)
	}

	return anthropic.DecodeResponse(providerID, out, call.ModelID)
}

func (p *Provider) ChatCompletionStream(ctx context.Context, call *provider.Call) (*provider.Stream, error) {
	data, err := body(call)
	if err != nil {
		return nil, err
	}

	modelID := ModelID(call.NativeModelID, call.Region, call.CrossRegion)
	stream, err := p.runtimeFor(call.Region).InvokeStream(ctx, modelID, data)
	if err != nil {
		return nil, classify(err)
	}

	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)
	usage := &provider.UsageRecorder{}

	go func() {
		defer close(chunks)
		defer close(errs)
		defer stream.Close()

		conv := anthropic.NewStreamConverter(providerID, call.ModelID, time.Now().Unix())
		for payload, err := range payloads(stream) {
			if err != nil {
				errs <- err
				return
			}
			out, err := conv.Convert(payload)
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
		if !conv.Done() {
			errs <- &domain.UpstreamError{Provider: providerID, Retryable: true, Err: errors.New("stream ended before message_stop")}
		}
	}()

	return &provider.Stream{Chunks: chunks, Errs: errs, Usage: usage.Usage}, nil
}

// payloads yields the JSON event carried by every chunk of a response
// stream, then the stream's terminal error if it has one.
func payloads(stream eventStream) func(yield func([]byte, error) bool) {
	return func(yield func([]byte, error) bool) {
		for ev := range stream.Events() {
			chunk, ok := ev.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			if !yield(chunk.Value.Bytes, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield(nil, classify(err))
		}
	}
}

// Passthrough accepts a native Anthropic Messages body. Streaming responses
// are re-framed from the AWS event stream into Anthropic server-sent events.
func (p *Provider) Passthrough(ctx context.Context, call *provider.PassthroughCall) (*provider.PassthroughResponse, error) {
	data, err := provider.RewriteBody(call.Body, map[string]any{"anthropic_version": anthropicVersion}, "model", "stream")
	if err != nil {
		return nil, domain.NewTranslationError(providerID, "%v", err)
	}

	modelID := ModelID(call.NativeModelID, call.Region, call.CrossRegion)
	rt := p.runtimeFor(call.Region)
	meter := &anthropic.UsageMeter{}

	if !call.Stream {
		out, err := rt.Invoke(ctx, modelID, data)
		if err != nil {
			return nil, classify(err)
		}
		meter.ObserveBody(out)
		return &provider.PassthroughResponse{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(bytes.NewReader(out)),
			Usage:      meter.Usage,
		}, nil
	}

	stream, err := rt.InvokeStream(ctx, modelID, data)
	if err != nil {
		return nil, classify(err)
	}

	pr, pw := io.Pipe()
	go func() {
		defer stream.Close()
		for payload, err := range payloads(stream) {
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			meter.ObserveEvent(payload)
			if _, err := pw.Write(sseFrame(payload)); err != nil {
				return
			}
		}
		pw.Close()
	}()

	return &provider.PassthroughResponse{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/event-stream"}},
		Body:       pr,
		Usage:      meter.Usage,
	}, nil
}

func sseFrame(payload []byte) []byte {
	var ev struct {
		Type string `json:"type"`
	}
	json.Unmarshal(payload, &ev)

	var buf bytes.Buffer
	if ev.Type != "" {
		buf.WriteString("event: " + ev.Type + "\n")
	}
	buf.WriteString("data: ")
	buf.Write(payload)
	buf.WriteString("\n\n")
	return buf.Bytes()
}
