package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"lingopod/internal/asr"
	"lingopod/internal/catalog"
	"lingopod/internal/episode"
	"lingopod/internal/feeds"
	"lingopod/internal/storage"
	"lingopod/internal/translator"
)

const (
	DefaultConcurrency  = 3
	downloadMaxAttempts = 3
	downloadTimeout     = 300 * time.Second
)

// Archiver uploads finished artifacts to object storage.
type Archiver interface {
	UploadAudio(ctx context.Context, localPath, channel string, timestampSec int64, episodeID string) (string, error)
	UploadSegments(ctx context.Context, segs []episode.Segment, channel string, timestampSec int64, episodeID string) (string, error)
}

// Translator is the slice of the translation engine the pipeline needs.
type Translator interface {
	TranslateBatch(ctx context.Context, texts []string, opts translator.Options) ([]string, error)
	TranslateTitle(ctx context.Context, title string) (string, error)
}

// Options tunes one batch run.
type Options struct {
	Concurrency int
	Channel     string // only process this channel when set
	Limit       int    // stop scheduling after this many episodes when > 0
	SkipDone    bool   // skip episodes the catalogue already has complete
	Translate   translator.Options
}

// Stats summarizes a batch run.
type Stats struct {
	Total         int
	Completed     int
	Skipped       int
	Failed        int
	QuotaExceeded bool
}

// Orchestrator drives episodes through download, transcription, translation,
// archival and catalogue publication.
type Orchestrator struct {
	state      *State
	transcribe asr.Transcriber
	translate  Translator
	archive    Archiver
	publish    Publisher
	workDir    string

	client  *http.Client
	backoff func(attempt int) time.Duration
}

func NewOrchestrator(state *State, t asr.Transcriber, tr Translator, ar Archiver, pub Publisher, workDir string) *Orchestrator {
	return &Orchestrator{
		state:      state,
		transcribe: t,
		translate:  tr,
		archive:    ar,
		publish:    pub,
		workDir:    workDir,
		client:     &http.Client{Timeout: downloadTimeout},
		backoff:    func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
	}
}

// ProcessBatch runs the pipeline over the episodes with bounded concurrency.
// A quota-exhausted translation provider stops new work but lets in-flight
// episodes finish; the returned stats still describe the whole batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, episodes []episode.Episode, opts Options) (Stats, error) {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if err := os.MkdirAll(o.workDir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("creating work dir: %w", err)
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		stats     Stats
		quotaHit  atomic.Bool
		scheduled int
	)

	for i := range episodes {
		ep := episodes[i]
		if opts.Channel != "" && ep.Channel != opts.Channel {
			continue
		}
		if opts.Limit > 0 && scheduled >= opts.Limit {
			break
		}
		if quotaHit.Load() {
			break
		}
		scheduled++
		stats.Total++

		if err := sem.Acquire(ctx, 1); err != nil {
			stats.Total--
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			outcome, err := o.processOne(ctx, &ep, opts)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && outcome == outcomeSkipped:
				stats.Skipped++
			case err == nil:
				stats.Completed++
			case errors.Is(err, translator.ErrQuotaExceeded):
				quotaHit.Store(true)
				stats.Failed++
				slog.Error("translation quota exhausted, stopping new work", "episode", ep.ID())
			default:
				stats.Failed++
				slog.Error("episode failed", "episode", ep.ID(), "title", ep.Title, "error", err)
			}
		}()
	}
	wg.Wait()

	stats.QuotaExceeded = quotaHit.Load()
	slog.Info("batch finished",
		"total", stats.Total, "completed", stats.Completed,
		"skipped", stats.Skipped, "failed", stats.Failed,
		"quota_exceeded", stats.QuotaExceeded)
	return stats, nil
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeSkipped
)

func (o *Orchestrator) processOne(ctx context.Context, ep *episode.Episode, opts Options) (outcome, error) {
	id := ep.ID()

	if opts.SkipDone {
		done, err := o.publish.Exists(ctx, id)
		if err != nil {
			slog.Warn("catalogue check failed, processing anyway", "episode", id, "error", err)
		} else if done {
			slog.Info("episode already published", "episode", id, "title", ep.Title)
			return outcomeSkipped, nil
		}
	}

	audioPath, ok := o.state.AudioPath(id)
	if !ok {
		var err error
		audioPath, err = o.download(ctx, ep, id)
		if err != nil {
			return 0, fmt.Errorf("download: %w", err)
		}
		if err := o.state.MarkDownloaded(id, audioPath); err != nil {
			return 0, fmt.Errorf("checkpointing download: %w", err)
		}
	} else {
		slog.Info("resuming with downloaded audio", "episode", id, "path", audioPath)
	}

	segsPath, ok := o.state.SegmentsPath(id)
	var segs []episode.Segment
	if ok {
		var err error
		segs, err = episode.ReadSegments(segsPath)
		if err != nil {
			return 0, fmt.Errorf("reading checkpointed segments: %w", err)
		}
		slog.Info("resuming with translated segments", "episode", id, "segments", len(segs))
	} else {
		var err error
		if ep.LocalSegmentsPath != "" {
			segs, err = feeds.ParseBilingualSRT(ep.LocalSegmentsPath)
			if err != nil {
				return 0, fmt.Errorf("parsing subtitle file: %w", err)
			}
		} else {
			segs, err = o.transcribeAndTranslate(ctx, ep, id, audioPath, opts)
			if err != nil {
				return 0, err
			}
		}
		segsPath = filepath.Join(o.workDir, id+".json")
		if err := episode.WriteSegments(segsPath, segs); err != nil {
			return 0, fmt.Errorf("writing segments: %w", err)
		}
		if err := o.state.MarkProcessed(id, segsPath); err != nil {
			return 0, fmt.Errorf("checkpointing segments: %w", err)
		}
	}

	if ep.TitleTranslation == "" {
		title, err := o.translate.TranslateTitle(ctx, ep.Title)
		if err != nil {
			if errors.Is(err, translator.ErrQuotaExceeded) {
				return 0, err
			}
			slog.Warn("title translation failed", "episode", id, "error", err)
		} else {
			ep.TitleTranslation = title
		}
	}

	audioKey, err := o.archive.UploadAudio(ctx, audioPath, ep.Channel, ep.TimestampSec, id)
	if err != nil {
		return 0, fmt.Errorf("archiving audio: %w", err)
	}
	segmentsKey, err := o.archive.UploadSegments(ctx, segs, ep.Channel, ep.TimestampSec, id)
	if err != nil {
		return 0, fmt.Errorf("archiving segments: %w", err)
	}

	if err := o.publish.Publish(ctx, catalog.Podcast{
		ID:               id,
		Company:          ep.Company,
		Channel:          ep.Channel,
		AudioKey:         audioKey,
		RawAudioURL:      ep.AudioURL,
		Title:            ep.Title,
		TitleTranslation: ep.TitleTranslation,
		Subtitle:         ep.Subtitle,
		TimestampSec:     ep.TimestampSec,
		Language:         ep.LanguageCode,
		DurationSec:      ep.DurationSec,
		SegmentsKey:      segmentsKey,
		SegmentCount:     len(segs),
	}); err != nil {
		return 0, fmt.Errorf("publishing: %w", err)
	}

	if err := o.state.Forget(id); err != nil {
		slog.Warn("clearing checkpoints failed", "episode", id, "error", err)
	}
	slog.Info("episode published", "episode", id, "title", ep.Title, "segments", len(segs))
	return outcomeDone, nil
}

func (o *Orchestrator) transcribeAndTranslate(ctx context.Context, ep *episode.Episode, id, audioPath string, opts Options) ([]episode.Segment, error) {
	result, err := o.transcribe.Transcribe(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("transcribing: %w", err)
	}
	segs := result.Segments
	if len(segs) == 0 {
		return nil, fmt.Errorf("transcribing: no speech found in %s", audioPath)
	}
	if ep.LanguageCode == "" && result.Language != "" {
		ep.LanguageCode = result.Language
	}

	texts := make([]string, len(segs))
	for i, s := range segs {
		texts[i] = s.Text
	}
	translations, err := o.translate.TranslateBatch(ctx, texts, opts.Translate)
	if err != nil {
		return nil, fmt.Errorf("translating: %w", err)
	}
	for i := range segs {
		segs[i].Translation = translations[i]
	}
	return segs, nil
}

// download fetches the raw audio with retries. The file lands in the work
// dir named by episode id so a retry after crash finds it.
func (o *Orchestrator) download(ctx context.Context, ep *episode.Episode, id string) (string, error) {
	dest := filepath.Join(o.workDir, id+storage.AudioExt(ep.AudioURL))

	var lastErr error
	for attempt := 0; attempt < downloadMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(o.backoff(attempt)):
			}
		}
		if err := o.fetch(ctx, ep.AudioURL, dest); err != nil {
			lastErr = err
			slog.Warn("download attempt failed", "episode", id, "attempt", attempt+1, "error", err)
			continue
		}
		return dest, nil
	}
	return "", fmt.Errorf("after %d attempts: %w", downloadMaxAttempts, lastErr)
}

func (o *Orchestrator) fetch(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d fetching %s", resp.StatusCode, url)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
