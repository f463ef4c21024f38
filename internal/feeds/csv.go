// Package feeds turns external episode sources (CSV batches, podcast RSS,
// bilingual SRT files) into normalized episode records.
package feeds

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"lingopod/internal/episode"
)

// LoadCSV reads a batch file with header columns company, channel, audioURL,
// title, subtitle, timestamp, language, duration. Missing company defaults
// to "VOA", missing language to "en"; non-finite durations are dropped.
func LoadCSV(path string) ([]episode.Episode, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening csv: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"channel", "audioURL", "title", "timestamp"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv missing required column %q", required)
		}
	}

	var episodes []episode.Episode
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv line %d: %w", line, err)
		}
		field := func(name string) string {
			if i, ok := col[name]; ok && i < len(record) {
				return strings.TrimSpace(record[i])
			}
			return ""
		}

		ts, err := strconv.ParseInt(field("timestamp"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("csv line %d: bad timestamp %q", line, field("timestamp"))
		}

		ep := episode.Episode{
			Company:      field("company"),
			Channel:      field("channel"),
			AudioURL:     field("audioURL"),
			Title:        field("title"),
			Subtitle:     field("subtitle"),
			TimestampSec: ts,
			LanguageCode: field("language"),
		}
		if ep.Company == "" {
			ep.Company = "VOA"
		}
		if ep.LanguageCode == "" {
			ep.LanguageCode = "en"
		}
		if raw := field("duration"); raw != "" {
			if d, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(d) && !math.IsInf(d, 0) {
				ep.DurationSec = &d
			}
		}
		// a pre-made bilingual subtitle file replaces ASR + translation
		ep.LocalSegmentsPath = field("srt")
		episodes = append(episodes, ep)
	}
	return episodes, nil
}
