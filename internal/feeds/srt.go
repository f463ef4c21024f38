package feeds

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"lingopod/internal/episode"
)

var (
	timelineRe = regexp.MustCompile(`(\S+)\s*-->\s*(\S+)`)
	htmlTagRe  = regexp.MustCompile(`<[^>]+>`)
)

// ParseBilingualSRT reads a subtitle file whose blocks carry the source line
// followed by its Chinese translation:
//
//	1
//	00:00:01,000 --> 00:00:03,500
//	Hello world.
//	你好，世界。
//
// Episodes built from these segments skip the translate stage entirely.
func ParseBilingualSRT(path string) ([]episode.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading srt file: %w", err)
	}
	content := strings.TrimPrefix(string(data), "\uFEFF")

	var segments []episode.Segment
	for _, block := range regexp.MustCompile(`\n\s*\n`).Split(strings.TrimSpace(content), -1) {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 4 {
			continue
		}
		if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err != nil {
			continue
		}
		m := timelineRe.FindStringSubmatch(lines[1])
		if m == nil {
			continue
		}
		start, err := parseSRTTimestamp(m[1])
		if err != nil {
			return nil, fmt.Errorf("block %q: %w", lines[0], err)
		}
		end, err := parseSRTTimestamp(m[2])
		if err != nil {
			return nil, fmt.Errorf("block %q: %w", lines[0], err)
		}
		segments = append(segments, episode.Segment{
			Start:       start,
			End:         end,
			Text:        cleanSubtitleText(lines[2]),
			Translation: cleanSubtitleText(lines[3]),
		})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("no usable subtitle blocks in %s", path)
	}
	return episode.NormalizeSegments(segments), nil
}

// parseSRTTimestamp converts "HH:MM:SS,mmm" to seconds.
func parseSRTTimestamp(raw string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid timestamp %q", raw)
	}
	hours, err1 := strconv.Atoi(parts[0])
	minutes, err2 := strconv.Atoi(parts[1])
	secParts := strings.Split(parts[2], ",")
	if err1 != nil || err2 != nil || len(secParts) != 2 {
		return 0, fmt.Errorf("invalid timestamp %q", raw)
	}
	seconds, err3 := strconv.Atoi(secParts[0])
	millis, err4 := strconv.Atoi(secParts[1])
	if err3 != nil || err4 != nil {
		return 0, fmt.Errorf("invalid timestamp %q", raw)
	}
	return float64(hours)*3600 + float64(minutes)*60 + float64(seconds) + float64(millis)/1000, nil
}

func cleanSubtitleText(text string) string {
	text = htmlTagRe.ReplaceAllString(text, "")
	return strings.Join(strings.Fields(text), " ")
}
