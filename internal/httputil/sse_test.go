package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestSSEReader_Events(t *testing.T) {
	input := "event: message_start\n" +
		"data: {\"a\":1}\n" +
		"\n" +
		": keep-alive comment\n" +
		"\n" +
		"data: first\n" +
		"data: second\n" +
		"\n" +
		"data: [DONE]"

	r := NewSSEReader(strings.NewReader(input))

	want := []Event{
		{Name: "message_start", Data: []byte(`{"a":1}`)},
		{Data: []byte("first\nsecond")},
		{Data: []byte("[DONE]")},
	}
	for i, w := range want {
		got, err := r.Next()
		if err != nil {
			t.Fatalf("event %d: Next() error = %v", i, err)
		}
		if got.Name != w.Name || string(got.Data) != string(w.Data) {
			t.Errorf("event %d = {%q %q}, want {%q %q}", i, got.Name, got.Data, w.Name, w.Data)
		}
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestSSEReader_NoSpaceAfterColon(t *testing.T) {
	r := NewSSEReader(strings.NewReader("event:ping\ndata:{}\n\n"))
	ev, err := r.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if ev.Name != "ping" || string(ev.Data) != "{}" {
		t.Errorf("event = %+v", ev)
	}
}

func TestSSEReader_Empty(t *testing.T) {
	r := NewSSEReader(strings.NewReader("\n\n"))
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestStatusError_StatusTable(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.status,
				Body:       io.NopCloser(strings.NewReader(strings.Repeat("x", 10000))),
			}
			err := StatusError("openai", resp)
			if err.StatusCode != tt.status || err.Retryable != tt.retryable || err.Provider != "openai" {
				t.Errorf("StatusError() = %+v", err)
			}
			if len(err.Error()) > 1024 {
				t.Errorf("error message should be truncated, got %d bytes", len(err.Error()))
			}
		})
	}
}

func TestRequestError_WrappedCancel(t *testing.T) {
	if err := RequestError("p", errors.New("connection refused")); !err.Retryable {
		t.Error("connection failures should be retryable")
	}
	if err := RequestError("p", context.DeadlineExceeded); !err.Retryable {
		t.Error("timeouts should be retryable")
	}
	if err := RequestError("p", fmt.Errorf("wrapped: %w", context.Canceled)); err.Retryable {
		t.Error("caller cancellation should not be retryable")
	}
}
