package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/grc-retrieval/internal/core/domain"
	"github.com/kirillkom/grc-retrieval/internal/infrastructure/resilience"
)

// HTTPStatusError is a non-2xx answer from the model server.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "ollama status error"
	}
	msg := fmt.Sprintf("ollama %s status: %s", e.Operation, e.Status)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

var (
	transientFailure = resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	callerFailure    = resilience.ErrorClassification{}
	hardFailure      = resilience.ErrorClassification{RecordFailure: true}
)

// classifyOllamaError retries overload and transport failures. A missing model
// or a rejected payload is the caller's fault and does not count against the breaker.
func classifyOllamaError(err error) resilience.ErrorClassification {
	var (
		statusErr *HTTPStatusError
		netErr    net.Error
	)
	switch {
	case err == nil:
		return callerFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return callerFailure
	case resilience.IsCircuitOpen(err):
		return transientFailure
	case errors.As(err, &statusErr):
		if retryableStatus(statusErr.StatusCode) {
			return transientFailure
		}
		return callerFailure
	case errors.As(err, &netErr), errors.Is(err, io.ErrUnexpectedEOF):
		return transientFailure
	default:
		return hardFailure
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyOllamaError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
