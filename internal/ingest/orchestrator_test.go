package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lingopod/internal/asr"
	"lingopod/internal/catalog"
	"lingopod/internal/episode"
	"lingopod/internal/storage"
	"lingopod/internal/translator"
)

type fakeTranscriber struct {
	calls atomic.Int32
	fail  bool
}

func (f *fakeTranscriber) Transcribe(_ context.Context, audioPath string) (*asr.Result, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, errors.New("asr down")
	}
	return &asr.Result{
		Language: "en",
		Segments: []episode.Segment{
			{Start: 0, End: 1.5, Text: "hello"},
			{Start: 1.5, End: 3, Text: "world"},
		},
	}, nil
}

type fakeTranslator struct {
	batchCalls atomic.Int32
	quota      bool
}

func (f *fakeTranslator) TranslateBatch(_ context.Context, texts []string, _ translator.Options) ([]string, error) {
	f.batchCalls.Add(1)
	if f.quota {
		return nil, translator.ErrQuotaExceeded
	}
	out := make([]string, len(texts))
	for i, t := range texts {
		out[i] = "zh:" + t
	}
	return out, nil
}

func (f *fakeTranslator) TranslateTitle(_ context.Context, title string) (string, error) {
	return "标题:" + title, nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	failures int
	uploads  []string
}

func (f *fakeArchiver) UploadAudio(_ context.Context, localPath, channel string, ts int64, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return "", errors.New("storage unavailable")
	}
	key := storage.AudioKey(channel, ts, id, ".mp3")
	f.uploads = append(f.uploads, key)
	return key, nil
}

func (f *fakeArchiver) UploadSegments(_ context.Context, segs []episode.Segment, channel string, ts int64, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := storage.SegmentsKey(channel, ts, id)
	f.uploads = append(f.uploads, key)
	return key, nil
}

func newCatalogPublisher(t *testing.T) (*LocalPublisher, *catalog.Store) {
	t.Helper()
	store, err := catalog.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &LocalPublisher{Store: store}, store
}

func audioServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fake-mp3-bytes"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testEpisode(url string) episode.Episode {
	d := 3.0
	return episode.Episode{
		Company:      "VOA",
		Channel:      "news",
		AudioURL:     url + "/ep.mp3",
		Title:        "Test Episode",
		TimestampSec: 1714550400,
		LanguageCode: "en",
		DurationSec:  &d,
	}
}

func newTestOrchestrator(t *testing.T, tr *fakeTranscriber, tl *fakeTranslator, ar *fakeArchiver, pub Publisher) *Orchestrator {
	t.Helper()
	state, err := LoadState(t.TempDir())
	require.NoError(t, err)
	o := NewOrchestrator(state, tr, tl, ar, pub, t.TempDir())
	o.backoff = func(int) time.Duration { return 0 }
	return o
}

func TestProcessBatchEndToEnd(t *testing.T) {
	srv := audioServer(t)
	pub, store := newCatalogPublisher(t)
	tr := &fakeTranscriber{}
	tl := &fakeTranslator{}
	o := newTestOrchestrator(t, tr, tl, &fakeArchiver{}, pub)

	ep := testEpisode(srv.URL)
	stats, err := o.ProcessBatch(context.Background(), []episode.Episode{ep}, Options{})
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Completed: 1}, stats)

	row, err := store.GetByID(context.Background(), ep.ID())
	require.NoError(t, err)
	assert.Equal(t, "Test Episode", row.Title)
	assert.Equal(t, "标题:Test Episode", row.TitleTranslation)
	assert.Equal(t, 2, row.SegmentCount)
	assert.Contains(t, row.AudioKey, "audio/news/2024-05-01/")
	assert.Contains(t, row.SegmentsKey, "segments/news/2024-05-01/")
}

func TestProcessBatchResumeSkipsFinishedStages(t *testing.T) {
	srv := audioServer(t)
	pub, store := newCatalogPublisher(t)
	tr := &fakeTranscriber{}
	tl := &fakeTranslator{}
	ar := &fakeArchiver{failures: 1} // dies after translate, before archive

	stateDir, workDir := t.TempDir(), t.TempDir()
	state, err := LoadState(stateDir)
	require.NoError(t, err)
	o := NewOrchestrator(state, tr, tl, ar, pub, workDir)
	o.backoff = func(int) time.Duration { return 0 }

	ep := testEpisode(srv.URL)
	stats, err := o.ProcessBatch(context.Background(), []episode.Episode{ep}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, int32(1), tr.calls.Load())
	assert.Equal(t, int32(1), tl.batchCalls.Load())

	// restart: fresh state object from the same dir, as a new process would
	state2, err := LoadState(stateDir)
	require.NoError(t, err)
	o2 := NewOrchestrator(state2, tr, tl, ar, pub, workDir)
	o2.backoff = func(int) time.Duration { return 0 }

	stats, err = o2.ProcessBatch(context.Background(), []episode.Episode{ep}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, int32(1), tr.calls.Load(), "transcription not repeated on resume")
	assert.Equal(t, int32(1), tl.batchCalls.Load(), "translation not repeated on resume")

	row, err := store.GetByID(context.Background(), ep.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, row.SegmentCount)
}

func TestProcessBatchSkipsPublished(t *testing.T) {
	srv := audioServer(t)
	pub, _ := newCatalogPublisher(t)
	tr := &fakeTranscriber{}
	o := newTestOrchestrator(t, tr, &fakeTranslator{}, &fakeArchiver{}, pub)

	ep := testEpisode(srv.URL)
	_, err := o.ProcessBatch(context.Background(), []episode.Episode{ep}, Options{})
	require.NoError(t, err)

	stats, err := o.ProcessBatch(context.Background(), []episode.Episode{ep}, Options{SkipDone: true})
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 1, Skipped: 1}, stats)
	assert.Equal(t, int32(1), tr.calls.Load())
}

func TestProcessBatchChannelFilterAndLimit(t *testing.T) {
	srv := audioServer(t)
	pub, _ := newCatalogPublisher(t)
	o := newTestOrchestrator(t, &fakeTranscriber{}, &fakeTranslator{}, &fakeArchiver{}, pub)

	eps := []episode.Episode{testEpisode(srv.URL), testEpisode(srv.URL), testEpisode(srv.URL)}
	eps[0].Title = "a"
	eps[1].Title = "b"
	eps[1].Channel = "culture"
	eps[2].Title = "c"

	stats, err := o.ProcessBatch(context.Background(), eps, Options{Channel: "news", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Completed)
}

func TestProcessBatchQuotaStopsScheduling(t *testing.T) {
	srv := audioServer(t)
	pub, _ := newCatalogPublisher(t)
	tl := &fakeTranslator{quota: true}
	o := newTestOrchestrator(t, &fakeTranscriber{}, tl, &fakeArchiver{}, pub)

	eps := make([]episode.Episode, 5)
	for i := range eps {
		eps[i] = testEpisode(srv.URL)
		eps[i].Title = string(rune('a' + i))
	}

	stats, err := o.ProcessBatch(context.Background(), eps, Options{Concurrency: 1})
	require.NoError(t, err)
	assert.True(t, stats.QuotaExceeded)
	assert.Less(t, stats.Total, 5, "quota stops scheduling new episodes")
	assert.Zero(t, stats.Completed)
}

func TestProcessBatchDownloadRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("fake-mp3-bytes"))
	}))
	t.Cleanup(srv.Close)

	pub, _ := newCatalogPublisher(t)
	o := newTestOrchestrator(t, &fakeTranscriber{}, &fakeTranslator{}, &fakeArchiver{}, pub)

	stats, err := o.ProcessBatch(context.Background(), []episode.Episode{testEpisode(srv.URL)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, int32(3), hits.Load())
}

func TestProcessBatchUsesProvidedSubtitles(t *testing.T) {
	srv := audioServer(t)
	pub, store := newCatalogPublisher(t)
	tr := &fakeTranscriber{}
	tl := &fakeTranslator{}
	o := newTestOrchestrator(t, tr, tl, &fakeArchiver{}, pub)

	srtPath := filepath.Join(t.TempDir(), "ep.srt")
	srt := "1\n00:00:00,000 --> 00:00:02,000\nHello there\n你好\n\n" +
		"2\n00:00:02,000 --> 00:00:04,000\nGoodbye\n再见\n"
	require.NoError(t, os.WriteFile(srtPath, []byte(srt), 0o644))

	ep := testEpisode(srv.URL)
	ep.LocalSegmentsPath = srtPath

	stats, err := o.ProcessBatch(context.Background(), []episode.Episode{ep}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, tr.calls.Load(), "subtitle file skips transcription")
	assert.Zero(t, tl.batchCalls.Load(), "subtitle file skips translation")

	row, err := store.GetByID(context.Background(), ep.ID())
	require.NoError(t, err)
	assert.Equal(t, 2, row.SegmentCount)
}

func TestProcessBatchTranscriptionFailureIsIsolated(t *testing.T) {
	srv := audioServer(t)
	pub, _ := newCatalogPublisher(t)
	o := newTestOrchestrator(t, &fakeTranscriber{fail: true}, &fakeTranslator{}, &fakeArchiver{}, pub)

	stats, err := o.ProcessBatch(context.Background(), []episode.Episode{testEpisode(srv.URL)}, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}
