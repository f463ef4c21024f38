package feeds

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lingopod/internal/episode"
)

// RSS is the subset of the feed document we read.
type RSS struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Title    string `xml:"title"`
		Language string `xml:"language"`
		Items    []Item `xml:"item"`
	} `xml:"channel"`
}

// Item is one feed entry.
type Item struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	Duration    string `xml:"duration"`
	Enclosure   struct {
		URL  string `xml:"url,attr"`
		Type string `xml:"type,attr"`
	} `xml:"enclosure"`
}

// pubDate formats seen in the wild
var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC3339,
}

// FetchRSS downloads a podcast feed and normalizes its items into episodes
// for the given company/channel. Items without an enclosure URL are skipped.
func FetchRSS(ctx context.Context, client *http.Client, feedURL, company, channel string) ([]episode.Episode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building feed request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading feed: %w", err)
	}
	return ParseRSS(data, company, channel)
}

// ParseRSS converts a feed document into episodes.
func ParseRSS(data []byte, company, channel string) ([]episode.Episode, error) {
	var feed RSS
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("parsing feed xml: %w", err)
	}

	language := feed.Channel.Language
	if language == "" {
		language = "en"
	} else if i := strings.Index(language, "-"); i > 0 {
		language = language[:i]
	}
	if channel == "" {
		channel = feed.Channel.Title
	}

	var episodes []episode.Episode
	for _, item := range feed.Channel.Items {
		if item.Enclosure.URL == "" {
			continue
		}
		ep := episode.Episode{
			Company:      company,
			Channel:      channel,
			AudioURL:     item.Enclosure.URL,
			Title:        strings.TrimSpace(item.Title),
			Subtitle:     strings.TrimSpace(item.Description),
			TimestampSec: parsePubDate(item.PubDate),
			LanguageCode: language,
		}
		if d := parseDuration(item.Duration); d > 0 {
			ep.DurationSec = &d
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

func parsePubDate(raw string) int64 {
	raw = strings.TrimSpace(raw)
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Unix()
		}
	}
	return 0
}

// parseDuration accepts itunes:duration as plain seconds, MM:SS or HH:MM:SS.
func parseDuration(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	parts := strings.Split(raw, ":")
	total := 0.0
	for _, p := range parts {
		var v float64
		if _, err := fmt.Sscanf(p, "%f", &v); err != nil {
			return 0
		}
		total = total*60 + v
	}
	return total
}
