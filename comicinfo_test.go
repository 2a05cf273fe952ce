package cbsync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleIssueMetadata() *IssueMetadata {
	meta := &IssueMetadata{
		ID:          912345,
		Name:        "The Long Halloween",
		IssueNumber: "1",
		CoverDate:   "2025-03-15",
		Description: "<p>A <em>dark</em> tale.</p><p>Second paragraph.</p>",
		SiteURL:     "https://comicvine.gamespot.com/issue/4000-912345/",
		PersonCredits: []CreditRef{
			{Name: "Jeph Loeb", Role: "writer"},
			{Name: "Tim Sale", Role: "penciler, cover"},
			{Name: "Gregory Wright", Role: "colorist"},
		},
		CharacterCredits: []CreditRef{{Name: "Batman"}, {Name: "Catwoman"}},
		StoryArcCredits:  []CreditRef{{Name: "The Long Halloween"}},
	}
	meta.Volume.Name = "Batman: The Long Halloween"
	return meta
}

func TestBuildComicInfo(t *testing.T) {
	info := BuildComicInfo(sampleIssueMetadata())

	assert.Equal(t, "The Long Halloween", info.Title)
	assert.Equal(t, "Batman: The Long Halloween", info.Series)
	assert.Equal(t, "1", info.Number)
	assert.Equal(t, 2025, info.Year)
	assert.Equal(t, 3, info.Month)
	assert.Equal(t, 15, info.Day)

	assert.Equal(t, "Jeph Loeb", info.Writer)
	assert.Equal(t, "Tim Sale", info.Penciller)
	assert.Equal(t, "Tim Sale", info.CoverArtist)
	assert.Equal(t, "Gregory Wright", info.Colorist)

	assert.Equal(t, "Batman, Catwoman", info.Characters)
	assert.Equal(t, "The Long Halloween", info.StoryArc)
	assert.Contains(t, info.Notes, "CVDB912345")

	// HTML flattened to text, paragraphs preserved as line breaks.
	assert.Equal(t, "A dark tale.\nSecond paragraph.", info.Summary)
}

func TestBuildComicInfoStoreDateFallback(t *testing.T) {
	meta := sampleIssueMetadata()
	meta.CoverDate = ""
	meta.StoreDate = "2024-11-06"

	info := BuildComicInfo(meta)
	assert.Equal(t, 2024, info.Year)
	assert.Equal(t, 11, info.Month)
	assert.Equal(t, 6, info.Day)
}

func TestBuildComicInfoNoDate(t *testing.T) {
	meta := sampleIssueMetadata()
	meta.CoverDate = ""

	info := BuildComicInfo(meta)
	assert.Zero(t, info.Year)
	assert.Zero(t, info.Month)
}

func TestComicInfoMarshal(t *testing.T) {
	doc, err := BuildComicInfo(sampleIssueMetadata()).Marshal()
	require.NoError(t, err)

	s := string(doc)
	assert.True(t, strings.HasPrefix(s, "<?xml"))
	assert.Contains(t, s, "<ComicInfo>")
	assert.Contains(t, s, "<Series>Batman: The Long Halloween</Series>")
	assert.Contains(t, s, "<Number>1</Number>")
	// Zero-valued fields stay out of the document.
	assert.NotContains(t, s, "<Inker>")
}

func TestStripHTML(t *testing.T) {
	assert.Equal(t, "", stripHTML(""))
	assert.Equal(t, "plain", stripHTML("plain"))
	assert.Equal(t, "a & b", stripHTML("a &amp; b"))
	assert.Equal(t, "line one\nline two", stripHTML("line one<br>line two"))
	assert.Equal(t, "bold", stripHTML("<strong>bold</strong>"))
}

func TestAppendNameDeduplicates(t *testing.T) {
	assert.Equal(t, "A", appendName("", "A"))
	assert.Equal(t, "A, B", appendName("A", "B"))
	assert.Equal(t, "A, B", appendName("A, B", "A"))
	assert.Equal(t, "A", appendName("A", ""))
}
