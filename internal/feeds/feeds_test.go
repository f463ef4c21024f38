package feeds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadCSV(t *testing.T) {
	path := writeTemp(t, "batch.csv", `company,channel,audioURL,title,subtitle,timestamp,language,duration
VOA,Learning English,https://cdn.example.com/a.mp3,Big News,Daily digest,1714550400,en,183.5
,As It Is,https://cdn.example.com/b.mp3,Other News,,1714636800,,NaN
`)

	eps, err := LoadCSV(path)
	require.NoError(t, err)
	require.Len(t, eps, 2)

	assert.Equal(t, "VOA", eps[0].Company)
	assert.Equal(t, "Learning English", eps[0].Channel)
	assert.Equal(t, int64(1714550400), eps[0].TimestampSec)
	require.NotNil(t, eps[0].DurationSec)
	assert.Equal(t, 183.5, *eps[0].DurationSec)

	assert.Equal(t, "VOA", eps[1].Company, "missing company defaults")
	assert.Equal(t, "en", eps[1].LanguageCode, "missing language defaults")
	assert.Nil(t, eps[1].DurationSec, "non-finite duration must be dropped")
}

func TestLoadCSVMissingColumn(t *testing.T) {
	path := writeTemp(t, "bad.csv", "company,channel\nVOA,News\n")
	_, err := LoadCSV(path)
	assert.ErrorContains(t, err, "audioURL")
}

func TestParseRSS(t *testing.T) {
	feed := `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
  <title>Learning English</title>
  <language>en-us</language>
  <item>
    <title>Episode One</title>
    <description>First episode</description>
    <pubDate>Wed, 01 May 2024 08:00:00 +0000</pubDate>
    <duration>2:03</duration>
    <enclosure url="https://cdn.example.com/ep1.mp3" type="audio/mpeg"/>
  </item>
  <item>
    <title>No Audio</title>
  </item>
</channel></rss>`

	eps, err := ParseRSS([]byte(feed), "VOA", "")
	require.NoError(t, err)
	require.Len(t, eps, 1, "items without enclosure are skipped")

	ep := eps[0]
	assert.Equal(t, "VOA", ep.Company)
	assert.Equal(t, "Learning English", ep.Channel, "channel falls back to feed title")
	assert.Equal(t, "Episode One", ep.Title)
	assert.Equal(t, "https://cdn.example.com/ep1.mp3", ep.AudioURL)
	assert.Equal(t, int64(1714550400), ep.TimestampSec)
	assert.Equal(t, "en", ep.LanguageCode)
	require.NotNil(t, ep.DurationSec)
	assert.Equal(t, 123.0, *ep.DurationSec)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 95.0, parseDuration("95"))
	assert.Equal(t, 125.0, parseDuration("2:05"))
	assert.Equal(t, 3725.0, parseDuration("1:02:05"))
	assert.Equal(t, 0.0, parseDuration(""))
	assert.Equal(t, 0.0, parseDuration("abc"))
}

func TestParseBilingualSRT(t *testing.T) {
	path := writeTemp(t, "ep.srt", `1
00:00:01,000 --> 00:00:03,500
<i>Hello world.</i>
你好，世界。

2
00:00:55,775 --> 00:01:00,000
How   are you?
你好吗？

garbage block
`)

	segs, err := ParseBilingualSRT(path)
	require.NoError(t, err)
	require.Len(t, segs, 2)

	assert.Equal(t, 0, segs[0].ID)
	assert.Equal(t, 1.0, segs[0].Start)
	assert.Equal(t, 3.5, segs[0].End)
	assert.Equal(t, "Hello world.", segs[0].Text, "html tags are stripped")
	assert.Equal(t, "你好，世界。", segs[0].Translation)

	assert.Equal(t, 1, segs[1].ID)
	assert.Equal(t, 55.775, segs[1].Start)
	assert.Equal(t, "How are you?", segs[1].Text, "whitespace is collapsed")
}

func TestParseBilingualSRTEmpty(t *testing.T) {
	path := writeTemp(t, "empty.srt", "not a subtitle\n")
	_, err := ParseBilingualSRT(path)
	assert.Error(t, err)
}
