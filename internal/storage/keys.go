package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// multipart policy for audio uploads
const (
	multipartThreshold = 20 * 1024 * 1024
	multipartPartSize  = 10 * 1024 * 1024
	multipartParallel  = 5
)

// SafeChannel makes a channel name usable as an object-key path segment.
func SafeChannel(channel string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return r.Replace(channel)
}

// dateDir renders the UTC calendar day of a unix timestamp.
func dateDir(timestampSec int64) string {
	return time.Unix(timestampSec, 0).UTC().Format("2006-01-02")
}

// AudioKey is audio/{safeChannel}/{YYYY-MM-DD}/{episodeID}.{ext}.
func AudioKey(channel string, timestampSec int64, episodeID, ext string) string {
	return fmt.Sprintf("audio/%s/%s/%s%s", SafeChannel(channel), dateDir(timestampSec), episodeID, ext)
}

// SegmentsKey is segments/{safeChannel}/{YYYY-MM-DD}/{episodeID}.json.
func SegmentsKey(channel string, timestampSec int64, episodeID string) string {
	return fmt.Sprintf("segments/%s/%s/%s.json", SafeChannel(channel), dateDir(timestampSec), episodeID)
}

// AudioExt picks the object-key extension from an audio URL or local
// filename. Enclosure URLs often carry query strings, so the extension is
// taken from the URL path only; anything unrecognized falls back to .mp3.
func AudioExt(rawURL string) string {
	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".mp3", ".m4a", ".mp4", ".wav", ".ogg", ".oga", ".aac", ".flac":
		return ext
	default:
		return ".mp3"
	}
}

func contentTypeForExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".wav":
		return "audio/wav"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".aac":
		return "audio/aac"
	case ".flac":
		return "audio/flac"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
