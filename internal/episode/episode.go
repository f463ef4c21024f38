// Package episode defines the ingestion working record shared by the feed
// sources, the pipeline stages, and the catalogue publisher.
package episode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Episode is one feed item moving through the pipeline. The Local* paths are
// filled in by the download and transcribe stages.
type Episode struct {
	Company      string
	Channel      string
	AudioURL     string
	Title        string
	Subtitle     string
	TimestampSec int64
	LanguageCode string
	DurationSec  *float64

	TitleTranslation  string
	LocalAudioPath    string
	LocalSegmentsPath string
}

// ID derives the stable episode identity from the fields that survive
// re-fetching the same feed: the first 32 hex chars of the SHA-256 of
// "company|channel|timestamp|audioURL|title" with company/channel/title
// lowercased and the URL trimmed.
func ID(company, channel string, timestampSec int64, audioURL, title string) string {
	raw := fmt.Sprintf("%s|%s|%d|%s|%s",
		strings.ToLower(company),
		strings.ToLower(channel),
		timestampSec,
		strings.TrimSpace(audioURL),
		strings.ToLower(title),
	)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:32]
}

// ID returns the identity of e. See the package-level ID function.
func (e *Episode) ID() string {
	return ID(e.Company, e.Channel, e.TimestampSec, e.AudioURL, e.Title)
}
