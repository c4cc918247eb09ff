// internal/llmclient/errors.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"google.golang.org/genai"

	"github.com/xkilldash9x/quotebot/internal/automation"
)

func transientf(format string, args ...any) error {
	return automation.Transient(fmt.Errorf(format, args...))
}

func fatalf(format string, args ...any) error {
	return automation.Fatal(fmt.Errorf(format, args...))
}

// classifyStatus maps an HTTP status from either provider onto the automation taxonomy.
func classifyStatus(status int, err error, retryAfter time.Duration) error {
	switch {
	case status == http.StatusTooManyRequests:
		return &automation.RateLimitError{Err: err, RetryAfter: retryAfter}
	// Anthropic reports overload as 529.
	case status == 529:
		return &automation.RateLimitError{Err: err, RetryAfter: retryAfter}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return automation.Fatal(fmt.Errorf("provider rejected credentials: %w", err))
	case status == http.StatusBadRequest, status == http.StatusNotFound:
		return automation.Fatal(err)
	case status == http.StatusRequestTimeout, status >= 500:
		return automation.Transient(err)
	default:
		return nil
	}
}

// classifyGoogleError wraps a genai error with its automation kind.
func classifyGoogleError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		if c := classifyStatus(apiErr.Code, err, 0); c != nil {
			return c
		}
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		if c := classifyStatus(apiErrPtr.Code, err, 0); c != nil {
			return c
		}
	}
	return classifyByText(err)
}

// classifyAnthropicError wraps an anthropic SDK error with its automation kind.
func classifyAnthropicError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		if c := classifyStatus(apiErr.StatusCode, err, retryAfter); c != nil {
			return c
		}
	}
	return classifyByText(err)
}

// classifyByText falls back to the shared signature matcher.
func classifyByText(err error) error {
	switch automation.Classify(err) {
	case automation.KindRateLimit:
		return &automation.RateLimitError{Err: err}
	case automation.KindFatal, automation.KindConfiguration:
		return automation.Fatal(err)
	default:
		return automation.Transient(err)
	}
}

// parseRetryAfter understands the delta-seconds form only.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}
