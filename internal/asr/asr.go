// Package asr wraps the speech-recognition service. The underlying model is
// not reentrant-safe, so all calls funnel through a single-permit adapter.
package asr

import (
	"context"

	"lingopod/internal/episode"
)

// Result is a transcription: timed segments plus the detected language.
type Result struct {
	Segments []episode.Segment `json:"segments"`
	Language string            `json:"language"`
}

// Transcriber produces a transcript for a local audio file.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (*Result, error)
}
