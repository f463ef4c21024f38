package asr

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lingopod/internal/episode"
)

type fakeTranscriber struct {
	mu       sync.Mutex
	inFlight int32
	maxSeen  int32
	fn       func(audioPath string) (*Result, error)
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audioPath string) (*Result, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&f.maxSeen)
		if cur <= seen || atomic.CompareAndSwapInt32(&f.maxSeen, seen, cur) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return f.fn(audioPath)
}

func instantBackoff(a *Adapter) *Adapter {
	a.backoff = func(int) time.Duration { return 0 }
	return a
}

func TestAdapterNormalizesSegments(t *testing.T) {
	f := &fakeTranscriber{fn: func(string) (*Result, error) {
		return &Result{
			Language: "en",
			Segments: []episode.Segment{
				{ID: 3, Start: -0.2, End: 1.0, Text: "a"},
				{ID: 7, Start: 2.0, End: 1.5, Text: "b"},
			},
		}, nil
	}}

	res, err := NewAdapter(f).Transcribe(context.Background(), "x.mp3")
	require.NoError(t, err)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, 0, res.Segments[0].ID)
	assert.Equal(t, 0.0, res.Segments[0].Start)
	assert.Equal(t, 1, res.Segments[1].ID)
	assert.Equal(t, 2.0, res.Segments[1].End)
	assert.Equal(t, "en", res.Language)
}

func TestAdapterRetriesThenSucceeds(t *testing.T) {
	var calls int32
	f := &fakeTranscriber{fn: func(string) (*Result, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("model busy")
		}
		return &Result{Language: "en"}, nil
	}}

	res, err := instantBackoff(NewAdapter(f)).Transcribe(context.Background(), "x.mp3")
	require.NoError(t, err)
	assert.Equal(t, "en", res.Language)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAdapterGivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	f := &fakeTranscriber{fn: func(string) (*Result, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("model broken")
	}}

	_, err := instantBackoff(NewAdapter(f)).Transcribe(context.Background(), "x.mp3")
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestAdapterSerializesCalls(t *testing.T) {
	f := &fakeTranscriber{fn: func(string) (*Result, error) {
		return &Result{}, nil
	}}
	a := NewAdapter(f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Transcribe(context.Background(), "x.mp3")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&f.maxSeen), "adapter must hold a single permit")
}

func TestAdapterHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := &fakeTranscriber{fn: func(string) (*Result, error) {
		return &Result{}, nil
	}}
	_, err := NewAdapter(f).Transcribe(ctx, "x.mp3")
	assert.ErrorIs(t, err, context.Canceled)
}
