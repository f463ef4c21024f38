// Package translator turns ASR segment text into Chinese, preserving
// per-segment pairing, with prompt strategies that trade context for cost.
package translator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Provider is a single-call LLM client. Retry policy lives behind Call: up
// to 5 attempts with linear backoff capped at 15s, on HTTP 429, 5xx,
// timeouts and empty responses.
type Provider interface {
	Name() string
	Call(ctx context.Context, prompt string) (string, error)
}

// ErrQuotaExceeded is raised when the provider signals that the free-tier
// allocation is gone. It is never retried and aborts the whole batch.
var ErrQuotaExceeded = errors.New("translator: provider quota exhausted")

var errEmptyResponse = errors.New("translator: provider returned empty text")

const maxCallAttempts = 5

// statusError marks an HTTP failure so the retry loop can tell transient
// (429/5xx) from permanent (4xx) statuses.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == 429 || se.status >= 500
	}
	// network errors, timeouts, empty responses
	return true
}

// callWithRetry drives one logical model call through the provider retry
// policy. fn performs a single HTTP round trip.
func callWithRetry(ctx context.Context, name string, fn func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxCallAttempts; attempt++ {
		if attempt > 0 {
			wait := time.Duration(min(5*attempt, 15)) * time.Second
			slog.Warn("retrying model call", "provider", name, "attempt", attempt+1, "wait_seconds", wait.Seconds())
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		text, err := fn(ctx)
		if err == nil {
			if trimmed := strings.TrimSpace(text); trimmed != "" {
				if attempt > 0 {
					slog.Info("model call recovered", "provider", name, "attempt", attempt+1)
				}
				return trimmed, nil
			}
			lastErr = errEmptyResponse
			continue
		}
		if errors.Is(err, ErrQuotaExceeded) {
			return "", err
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("model call failed: %w", err)
		}
		lastErr = err
	}
	return "", fmt.Errorf("model call failed after %d attempts: %w", maxCallAttempts, lastErr)
}
