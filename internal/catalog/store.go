// Package catalog owns the published-podcast rows and the listing
// projections the API serves.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("catalog: podcast not found")

// Podcast is one published catalogue row.
type Podcast struct {
	ID               string   `json:"id"`
	Company          string   `json:"company"`
	Channel          string   `json:"channel"`
	AudioKey         string   `json:"audioKey"`
	RawAudioURL      string   `json:"rawAudioUrl,omitempty"`
	Title            string   `json:"title"`
	TitleTranslation string   `json:"titleTranslation,omitempty"`
	Subtitle         string   `json:"subtitle,omitempty"`
	TimestampSec     int64    `json:"timestamp"`
	Language         string   `json:"language"`
	DurationSec      *float64 `json:"duration,omitempty"`
	SegmentsKey      string   `json:"segmentsKey,omitempty"`
	SegmentCount     int      `json:"segmentCount"`
}

// Summary is the listing projection.
type Summary struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	TitleTranslation string   `json:"titleTranslation,omitempty"`
	DurationSec      *float64 `json:"duration,omitempty"`
	SegmentCount     int      `json:"segmentCount"`
	TimestampSec     int64    `json:"timestamp,omitempty"`
	IsFree           bool     `json:"isFree"`
}

// ChannelInfo is one distinct (company, channel) pair.
type ChannelInfo struct {
	Company string `json:"company"`
	Channel string `json:"channel"`
}

// Store wraps the podcasts table.
type Store struct {
	db *sql.DB
}

const podcastSchema = `
CREATE TABLE IF NOT EXISTS podcasts (
	id TEXT PRIMARY KEY,
	company TEXT NOT NULL,
	channel TEXT NOT NULL,
	audioKey TEXT NOT NULL,
	rawAudioUrl TEXT,
	title TEXT,
	titleTranslation TEXT,
	subtitle TEXT,
	timestamp INTEGER NOT NULL,
	language TEXT NOT NULL DEFAULT 'en',
	duration REAL,
	segmentsKey TEXT,
	segmentCount INTEGER,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_company_channel ON podcasts(company, channel);
CREATE INDEX IF NOT EXISTS idx_company_channel_timestamp_id ON podcasts(company, channel, timestamp DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_timestamp ON podcasts(timestamp);
`

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening catalog db: %w", err)
	}
	if _, err := db.Exec(podcastSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing catalog schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Upsert inserts or replaces a podcast row by id.
func (s *Store) Upsert(ctx context.Context, p Podcast) error {
	if p.ID == "" {
		return fmt.Errorf("catalog: podcast id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO podcasts
		(id, company, channel, audioKey, rawAudioUrl, title, titleTranslation, subtitle,
		 timestamp, language, duration, segmentsKey, segmentCount, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Company, p.Channel, p.AudioKey, nullStr(p.RawAudioURL), p.Title,
		nullStr(p.TitleTranslation), nullStr(p.Subtitle), p.TimestampSec, p.Language,
		p.DurationSec, nullStr(p.SegmentsKey), p.SegmentCount, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting podcast %s: %w", p.ID, err)
	}
	return nil
}

// GetByID loads a full podcast row.
func (s *Store) GetByID(ctx context.Context, id string) (*Podcast, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, company, channel, audioKey, rawAudioUrl, title, titleTranslation,
		       subtitle, timestamp, language, duration, segmentsKey, segmentCount
		FROM podcasts WHERE id = ?`, id)

	var p Podcast
	var rawURL, titleTr, subtitle, segKey sql.NullString
	var duration sql.NullFloat64
	var segCount sql.NullInt64
	err := row.Scan(&p.ID, &p.Company, &p.Channel, &p.AudioKey, &rawURL, &p.Title,
		&titleTr, &subtitle, &p.TimestampSec, &p.Language, &duration, &segKey, &segCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading podcast %s: %w", id, err)
	}
	p.RawAudioURL = rawURL.String
	p.TitleTranslation = titleTr.String
	p.Subtitle = subtitle.String
	p.SegmentsKey = segKey.String
	if duration.Valid {
		p.DurationSec = &duration.Float64
	}
	p.SegmentCount = int(segCount.Int64)
	return &p, nil
}

// Exists reports whether a row with id is present.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM podcasts WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("checking podcast %s: %w", id, err)
	}
	return n > 0, nil
}

// IsComplete reports whether the row is present with its segments uploaded.
func (s *Store) IsComplete(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM podcasts WHERE id = ? AND segmentsKey IS NOT NULL AND segmentsKey != ''`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking podcast %s: %w", id, err)
	}
	return n > 0, nil
}

// Channels lists distinct (company, channel) pairs.
func (s *Store) Channels(ctx context.Context) ([]ChannelInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT company, channel FROM podcasts ORDER BY company, channel`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var channels []ChannelInfo
	for rows.Next() {
		var c ChannelInfo
		if err := rows.Scan(&c.Company, &c.Channel); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

// ChannelDates returns the distinct UTC day-start epochs for a channel,
// newest first.
func (s *Store) ChannelDates(ctx context.Context, company, channel string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT timestamp FROM podcasts
		WHERE company = ? AND channel = ? ORDER BY timestamp DESC`, company, channel)
	if err != nil {
		return nil, fmt.Errorf("listing channel dates: %w", err)
	}
	defer rows.Close()

	var dates []int64
	seen := make(map[int64]bool)
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scanning timestamp: %w", err)
		}
		day := dayStart(ts)
		if !seen[day] {
			seen[day] = true
			dates = append(dates, day)
		}
	}
	return dates, rows.Err()
}

// PodcastsByDay lists the episodes of one UTC day, newest first. When the
// requested day is the channel's latest day, the first row is the free
// preview.
func (s *Store) PodcastsByDay(ctx context.Context, company, channel string, dayStartSec int64) ([]Summary, error) {
	var latestTS sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM podcasts WHERE company = ? AND channel = ?`,
		company, channel).Scan(&latestTS)
	if err != nil {
		return nil, fmt.Errorf("finding latest timestamp: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, titleTranslation, duration, segmentCount
		FROM podcasts
		WHERE company = ? AND channel = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp DESC, id DESC`,
		company, channel, dayStartSec, dayStartSec+86400)
	if err != nil {
		return nil, fmt.Errorf("listing podcasts by day: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0)
	for rows.Next() {
		s, err := scanSummary(rows, false)
		if err != nil {
			return nil, err
		}
		if len(summaries) == 0 && latestTS.Valid && dayStartSec == dayStart(latestTS.Int64) {
			s.IsFree = true
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Paginated returns the total row count and one page, ordered by
// (timestamp DESC, id DESC) so the order is stable across duplicates. Only
// the first row of page 1 is free.
func (s *Store) Paginated(ctx context.Context, company, channel string, page, limit int) (int, []Summary, error) {
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM podcasts WHERE company = ? AND channel = ?`,
		company, channel).Scan(&total)
	if err != nil {
		return 0, nil, fmt.Errorf("counting podcasts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, titleTranslation, duration, segmentCount, timestamp
		FROM podcasts
		WHERE company = ? AND channel = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`,
		company, channel, limit, (page-1)*limit)
	if err != nil {
		return 0, nil, fmt.Errorf("listing podcasts page: %w", err)
	}
	defer rows.Close()

	summaries := make([]Summary, 0, limit)
	for rows.Next() {
		s, err := scanSummary(rows, true)
		if err != nil {
			return 0, nil, err
		}
		s.IsFree = page == 1 && len(summaries) == 0
		summaries = append(summaries, s)
	}
	return total, summaries, rows.Err()
}

// IsFree reports whether the podcast is the channel's newest row under the
// (timestamp, id) order.
func (s *Store) IsFree(ctx context.Context, company, channel, id string) (bool, error) {
	var ts int64
	var rowID string
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamp, id FROM podcasts WHERE id = ? AND company = ? AND channel = ?`,
		id, company, channel).Scan(&ts, &rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking free status of %s: %w", id, err)
	}

	var newer int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM podcasts
		WHERE company = ? AND channel = ?
		AND (timestamp > ? OR (timestamp = ? AND id > ?))
		LIMIT 1`,
		company, channel, ts, ts, rowID).Scan(&newer)
	if err != nil {
		return false, fmt.Errorf("checking free status of %s: %w", id, err)
	}
	return newer == 0, nil
}

func scanSummary(rows *sql.Rows, withTimestamp bool) (Summary, error) {
	var s Summary
	var titleTr sql.NullString
	var duration sql.NullFloat64
	var segCount sql.NullInt64

	var err error
	if withTimestamp {
		err = rows.Scan(&s.ID, &s.Title, &titleTr, &duration, &segCount, &s.TimestampSec)
	} else {
		err = rows.Scan(&s.ID, &s.Title, &titleTr, &duration, &segCount)
	}
	if err != nil {
		return Summary{}, fmt.Errorf("scanning podcast summary: %w", err)
	}
	s.TitleTranslation = titleTr.String
	if duration.Valid {
		s.DurationSec = &duration.Float64
	}
	s.SegmentCount = int(segCount.Int64)
	return s, nil
}

func dayStart(ts int64) int64 {
	t := time.Unix(ts, 0).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
