package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store, id string, ts int64) {
	t.Helper()
	d := 120.0
	require.NoError(t, s.Upsert(context.Background(), Podcast{
		ID:           id,
		Company:      "VOA",
		Channel:      "news",
		AudioKey:     "audio/news/2024-05-01/" + id + ".mp3",
		Title:        "title-" + id,
		TimestampSec: ts,
		Language:     "en",
		DurationSec:  &d,
		SegmentsKey:  "segments/news/2024-05-01/" + id + ".json",
		SegmentCount: 10,
	}))
}

func TestUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "aaa", 1714550400)

	p, err := s.GetByID(context.Background(), "aaa")
	require.NoError(t, err)
	assert.Equal(t, "VOA", p.Company)
	assert.Equal(t, "title-aaa", p.Title)
	assert.Equal(t, 10, p.SegmentCount)
	require.NotNil(t, p.DurationSec)
	assert.Equal(t, 120.0, *p.DurationSec)

	_, err = s.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertReplacesByID(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "aaa", 100)
	seed(t, s, "aaa", 100)

	total, _, err := s.Paginated(context.Background(), "VOA", "news", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestExistsAndComplete(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "aaa", 100)
	require.NoError(t, s.Upsert(context.Background(), Podcast{
		ID: "partial", Company: "VOA", Channel: "news", AudioKey: "k", TimestampSec: 50, Language: "en",
	}))

	ok, err := s.Exists(context.Background(), "aaa")
	require.NoError(t, err)
	assert.True(t, ok)

	complete, err := s.IsComplete(context.Background(), "aaa")
	require.NoError(t, err)
	assert.True(t, complete)

	complete, err = s.IsComplete(context.Background(), "partial")
	require.NoError(t, err)
	assert.False(t, complete, "row without segmentsKey is incomplete")
}

func TestChannels(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "aaa", 100)
	require.NoError(t, s.Upsert(context.Background(), Podcast{
		ID: "bbb", Company: "BBC", Channel: "world", AudioKey: "k", TimestampSec: 100, Language: "en",
	}))

	channels, err := s.Channels(context.Background())
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, ChannelInfo{Company: "BBC", Channel: "world"}, channels[0])
	assert.Equal(t, ChannelInfo{Company: "VOA", Channel: "news"}, channels[1])
}

func TestChannelDatesDedupedToUTCDays(t *testing.T) {
	s := newTestStore(t)
	// two rows on 2024-05-01 UTC, one on 2024-05-02
	seed(t, s, "aaa", 1714550400) // 2024-05-01 08:00
	seed(t, s, "bbb", 1714557600) // 2024-05-01 10:00
	seed(t, s, "ccc", 1714636800) // 2024-05-02 08:00

	dates, err := s.ChannelDates(context.Background(), "VOA", "news")
	require.NoError(t, err)
	assert.Equal(t, []int64{1714608000, 1714521600}, dates, "descending day starts, deduped")
}

func TestPodcastsByDayLatestIsFree(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "old1", 1714521700) // 2024-05-01
	seed(t, s, "new1", 1714608100) // 2024-05-02 (latest day)
	seed(t, s, "new2", 1714608200)

	latest, err := s.PodcastsByDay(context.Background(), "VOA", "news", 1714608000)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, "new2", latest[0].ID, "newest first")
	assert.True(t, latest[0].IsFree)
	assert.False(t, latest[1].IsFree)

	older, err := s.PodcastsByDay(context.Background(), "VOA", "news", 1714521600)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.False(t, older[0].IsFree, "non-latest day has no free row")
}

func TestPodcastsByDayTieBreakMatchesIsFree(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "aaa", 1714608100) // same timestamp, id breaks the tie
	seed(t, s, "zzz", 1714608100)

	day, err := s.PodcastsByDay(context.Background(), "VOA", "news", 1714608000)
	require.NoError(t, err)
	require.Len(t, day, 2)
	assert.Equal(t, "zzz", day[0].ID, "id DESC breaks timestamp ties")
	assert.True(t, day[0].IsFree)
	assert.False(t, day[1].IsFree)

	free, err := s.IsFree(context.Background(), "VOA", "news", "zzz")
	require.NoError(t, err)
	assert.True(t, free, "day listing and detail gate agree on the free row")

	free, err = s.IsFree(context.Background(), "VOA", "news", "aaa")
	require.NoError(t, err)
	assert.False(t, free)
}

func TestPaginatedStableOrder(t *testing.T) {
	s := newTestStore(t)
	seed(t, s, "a", 100)
	seed(t, s, "b", 200)
	seed(t, s, "z", 200) // same timestamp as b, id breaks the tie
	seed(t, s, "c", 300)

	total, page1, err := s.Paginated(context.Background(), "VOA", "news", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page1, 2)
	assert.Equal(t, "c", page1[0].ID)
	assert.Equal(t, "z", page1[1].ID, "id DESC breaks timestamp ties")
	assert.True(t, page1[0].IsFree)
	assert.False(t, page1[1].IsFree)

	_, page2, err := s.Paginated(context.Background(), "VOA", "news", 2, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "b", page2[0].ID)
	assert.Equal(t, "a", page2[1].ID)
	assert.False(t, page2[0].IsFree, "only the first row of page 1 is free")
}

func TestIsFreeExactlyOnePerChannel(t *testing.T) {
	s := newTestStore(t)
	ids := []string{"e100", "e200", "e300"}
	seed(t, s, ids[0], 100)
	seed(t, s, ids[1], 200)
	seed(t, s, ids[2], 300)

	freeCount := 0
	for _, id := range ids {
		free, err := s.IsFree(context.Background(), "VOA", "news", id)
		require.NoError(t, err)
		if free {
			freeCount++
			assert.Equal(t, "e300", id)
		}
	}
	assert.Equal(t, 1, freeCount)

	free, err := s.IsFree(context.Background(), "VOA", "news", "missing")
	require.NoError(t, err)
	assert.False(t, free)
}
