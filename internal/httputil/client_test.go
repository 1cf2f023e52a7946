package httputil

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStreamingConfig(t *testing.T) {
	buffered := DefaultConfig()
	streaming := StreamingConfig()

	if streaming.Timeout != 0 {
		t.Errorf("streaming Timeout = %v, want 0", streaming.Timeout)
	}
	if streaming.ResponseHeaderTimeout <= buffered.ResponseHeaderTimeout {
		t.Errorf("streaming header timeout %v should exceed buffered %v",
			streaming.ResponseHeaderTimeout, buffered.ResponseHeaderTimeout)
	}
	if streaming.MaxIdleConnsPerHost != buffered.MaxIdleConnsPerHost {
		t.Error("streaming config should keep the pool settings")
	}
}

func TestNewClient_TransportSettings(t *testing.T) {
	cfg := ClientConfig{
		Timeout:               7 * time.Second,
		ResponseHeaderTimeout: 3 * time.Second,
		IdleConnTimeout:       45 * time.Second,
		MaxIdleConns:          50,
		MaxIdleConnsPerHost:   5,
	}

	client := NewClient(cfg)
	if client.Timeout != cfg.Timeout {
		t.Errorf("Timeout = %v, want %v", client.Timeout, cfg.Timeout)
	}

	tr, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("Transport = %T, want *http.Transport without a user agent", client.Transport)
	}
	if tr.ResponseHeaderTimeout != cfg.ResponseHeaderTimeout || tr.MaxIdleConnsPerHost != 5 || tr.MaxIdleConns != 50 {
		t.Errorf("transport = %+v", tr)
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("HTTP/2 should be attempted")
	}
}

func TestNewClient_UserAgent(t *testing.T) {
	agents := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agents <- r.UserAgent()
	}))
	defer srv.Close()

	client := DefaultClient()
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	req, _ := http.NewRequest("GET", srv.URL, nil)
	req.Header.Set("User-Agent", "custom/1.0")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	resp.Body.Close()

	if first, second := <-agents, <-agents; first != defaultUserAgent || second != "custom/1.0" {
		t.Errorf("user agents = %q, %q", first, second)
	}
	if req.Header.Get("User-Agent") != "custom/1.0" {
		t.Error("caller request should not be modified")
	}
}

func TestStreamingClient_OutlivesBufferedTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		time.Sleep(150 * time.Millisecond)
		io.WriteString(w, "data: done\n\n")
	}))
	defer srv.Close()

	cfg := StreamingConfig()
	client := NewClient(cfg)
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "done") {
		t.Errorf("body = %q", body)
	}

	short := DefaultConfig()
	short.Timeout = 50 * time.Millisecond
	resp, err = NewClient(short).Get(srv.URL)
	if err == nil {
		_, err = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if err == nil {
		t.Error("buffered client with a short timeout should fail on a slow body")
	}
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusRequestTimeout, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		resp := &http.Response{
			StatusCode: tt.status,
			Body:       io.NopCloser(strings.NewReader(`{"error":"boom"}`)),
		}
		err := StatusError("openai", resp)
		if err.StatusCode != tt.status || err.Retryable != tt.retryable || err.Provider != "openai" {
			t.Errorf("StatusError(%d) = %+v", tt.status, err)
		}
	}
}

func TestStatusError_TruncatesBody(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", maxErrorBody*2))),
	}
	err := StatusError("anthropic", resp)
	if len(err.Error()) > maxErrorBody+200 {
		t.Errorf("error message length = %d, body should be capped", len(err.Error()))
	}
}

func TestRequestError(t *testing.T) {
	if err := RequestError("openai", errors.New("connection refused")); !err.Retryable {
		t.Error("connection failures should be retryable")
	}
	if err := RequestError("openai", context.DeadlineExceeded); !err.Retryable {
		t.Error("timeouts should be retryable")
	}
	if err := RequestError("openai", context.Canceled); err.Retryable {
		t.Error("a cancelled caller should not be retried")
	}
	if err := RequestError("openai", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Error("RequestError should wrap the cause")
	}
}
