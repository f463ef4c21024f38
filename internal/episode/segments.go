package episode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Segment is one timed line of the transcript. ID is the 0-based position in
// the segment array; Start and End are seconds with Start <= End.
type Segment struct {
	ID          int     `json:"id"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Text        string  `json:"text"`
	Translation string  `json:"translation"`
}

// NormalizeSegments clamps negative timestamps to zero, forces End >= Start,
// drops non-finite values, and renumbers IDs to match array position.
func NormalizeSegments(segs []Segment) []Segment {
	out := make([]Segment, 0, len(segs))
	for _, s := range segs {
		if !isFinite(s.Start) {
			s.Start = 0
		}
		if !isFinite(s.End) {
			s.End = s.Start
		}
		if s.Start < 0 {
			s.Start = 0
		}
		if s.End < s.Start {
			s.End = s.Start
		}
		s.ID = len(out)
		out = append(out, s)
	}
	return out
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// EncodeSegments renders the segment array as UTF-8 JSON, 2-space indented,
// without escaping non-ASCII text.
func EncodeSegments(segs []Segment) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(segs); err != nil {
		return nil, fmt.Errorf("encoding segments: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteSegments persists the segment array to path, creating parent
// directories as needed.
func WriteSegments(path string, segs []Segment) error {
	data, err := EncodeSegments(segs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating segments dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing segments file: %w", err)
	}
	return nil
}

// ReadSegments loads a segment array previously written by WriteSegments.
func ReadSegments(path string) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading segments file: %w", err)
	}
	var segs []Segment
	if err := json.Unmarshal(data, &segs); err != nil {
		return nil, fmt.Errorf("parsing segments file %s: %w", path, err)
	}
	return segs, nil
}
