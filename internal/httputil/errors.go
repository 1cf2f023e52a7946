package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

const maxErrorBody = 4096

// StatusError reads an unsuccessful upstream response into a classified
// error. The body is consumed but not closed.
func StatusError(provider string, resp *http.Response) *domain.UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return domain.NewStatusError(provider, resp.StatusCode, string(body))
}

// RequestError classifies a failure to obtain a response at all. Timeouts
// and connection failures are retryable; a cancelled caller is not.
func RequestError(provider string, err error) *domain.UpstreamError {
	retryable := !errors.Is(err, context.Canceled)
	return &domain.UpstreamError{
		Provider:  provider,
		Retryable: retryable,
		Err:       fmt.Errorf("do request: %w", err),
	}
}
