package httputil

import (
	"net"
	"net/http"
	"time"
)

const defaultUserAgent = "llm-gateway"

// ClientConfig tunes the upstream HTTP clients. Zero durations disable the
// matching timeout.
type ClientConfig struct {
	Timeout               time.Duration
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	UserAgent             string
}

// DefaultConfig suits buffered calls, where the whole exchange is bounded.
func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:               2 * time.Minute,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		UserAgent:             defaultUserAgent,
	}
}

// StreamingConfig drops the overall timeout, since a stream may run for
// minutes; callers bound it with a context instead. First-byte latency on
// long prompts is higher, so the header timeout is relaxed too.
func StreamingConfig() ClientConfig {
	cfg := DefaultConfig()
	cfg.Timeout = 0
	cfg.ResponseHeaderTimeout = time.Minute
	return cfg
}

func NewClient(cfg ClientConfig) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
	}

	var rt http.RoundTripper = base
	if cfg.UserAgent != "" {
		rt = &userAgentTransport{base: base, agent: cfg.UserAgent}
	}
	return &http.Client{Timeout: cfg.Timeout, Transport: rt}
}

func DefaultClient() *http.Client { return NewClient(DefaultConfig()) }

func StreamingClient() *http.Client { return NewClient(StreamingConfig()) }

// userAgentTransport sets User-Agent on requests that do not carry one.
type userAgentTransport struct {
	base  http.RoundTripper
	agent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(r)
}
