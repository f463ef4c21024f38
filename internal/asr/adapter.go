package asr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"lingopod/internal/episode"
)

const maxAttempts = 3

// Adapter serializes Transcriber calls through a single permit and retries
// transient failures with exponential backoff.
type Adapter struct {
	inner   Transcriber
	sem     *semaphore.Weighted
	backoff func(attempt int) time.Duration
}

func NewAdapter(inner Transcriber) *Adapter {
	return &Adapter{
		inner: inner,
		sem:   semaphore.NewWeighted(1),
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
	}
}

// Transcribe runs the model on audioPath and returns normalized segments
// (non-negative, ordered, ids matching positions).
func (a *Adapter) Transcribe(ctx context.Context, audioPath string) (*Result, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring transcription slot: %w", err)
	}
	defer a.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := a.backoff(attempt - 1)
			slog.Warn("retrying transcription", "audio", audioPath, "attempt", attempt+1, "wait_seconds", wait.Seconds())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := a.inner.Transcribe(ctx, audioPath)
		if err == nil {
			result.Segments = episode.NormalizeSegments(result.Segments)
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transcription failed after %d attempts: %w", maxAttempts, lastErr)
}
