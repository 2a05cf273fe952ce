package cbsync

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ComicInfo is the de-facto standard metadata document that comic readers
// look for inside archives. Field names and casing follow the
// ComicInfo.xml schema, so only zero values may be omitted.
type ComicInfo struct {
	XMLName xml.Name `xml:"ComicInfo"`

	Title   string `xml:"Title,omitempty"`
	Series  string `xml:"Series,omitempty"`
	Number  string `xml:"Number,omitempty"`
	Summary string `xml:"Summary,omitempty"`

	Year  int `xml:"Year,omitempty"`
	Month int `xml:"Month,omitempty"`
	Day   int `xml:"Day,omitempty"`

	Writer      string `xml:"Writer,omitempty"`
	Penciller   string `xml:"Penciller,omitempty"`
	Inker       string `xml:"Inker,omitempty"`
	Colorist    string `xml:"Colorist,omitempty"`
	Letterer    string `xml:"Letterer,omitempty"`
	CoverArtist string `xml:"CoverArtist,omitempty"`
	Editor      string `xml:"Editor,omitempty"`

	Characters string `xml:"Characters,omitempty"`
	StoryArc   string `xml:"StoryArc,omitempty"`
	Web        string `xml:"Web,omitempty"`
	Notes      string `xml:"Notes,omitempty"`
}

// BuildComicInfo maps a fetched issue record onto a ComicInfo document.
func BuildComicInfo(meta *IssueMetadata) *ComicInfo {
	info := &ComicInfo{
		Title:      meta.Name,
		Series:     meta.Volume.Name,
		Number:     meta.IssueNumber,
		Summary:    stripHTML(meta.Description),
		Characters: joinNames(meta.CharacterCredits),
		StoryArc:   joinNames(meta.StoryArcCredits),
		Web:        meta.SiteURL,
		Notes:      fmt.Sprintf("Scraped metadata from ComicVine [CVDB%d]", meta.ID),
	}

	// Prefer the cover date; fall back to the store date.
	date := meta.CoverDate
	if date == "" {
		date = meta.StoreDate
	}
	if t, err := time.Parse("2006-01-02", date); err == nil {
		info.Year = t.Year()
		info.Month = int(t.Month())
		info.Day = t.Day()
	}

	for _, credit := range meta.PersonCredits {
		for _, role := range strings.Split(credit.Role, ",") {
			switch strings.ToLower(strings.TrimSpace(role)) {
			case "writer":
				info.Writer = appendName(info.Writer, credit.Name)
			case "penciler", "penciller", "artist":
				info.Penciller = appendName(info.Penciller, credit.Name)
			case "inker":
				info.Inker = appendName(info.Inker, credit.Name)
			case "colorist", "colourist":
				info.Colorist = appendName(info.Colorist, credit.Name)
			case "letterer":
				info.Letterer = appendName(info.Letterer, credit.Name)
			case "cover":
				info.CoverArtist = appendName(info.CoverArtist, credit.Name)
			case "editor":
				info.Editor = appendName(info.Editor, credit.Name)
			}
		}
	}
	return info
}

// Marshal renders the document with the XML declaration comic readers
// expect at the top of ComicInfo.xml.
func (c *ComicInfo) Marshal() ([]byte, error) {
	body, err := xml.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal comicinfo: %w", err)
	}
	return append([]byte(xml.Header), append(body, '\n')...), nil
}

func joinNames(refs []CreditRef) string {
	names := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.Name != "" {
			names = append(names, r.Name)
		}
	}
	return strings.Join(names, ", ")
}

func appendName(existing, name string) string {
	if name == "" {
		return existing
	}
	if existing == "" {
		return name
	}
	if strings.Contains(", "+existing+", ", ", "+name+", ") {
		return existing
	}
	return existing + ", " + name
}

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// stripHTML flattens ComicVine's HTML descriptions to plain text.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "</p>", "\n")
	s = strings.ReplaceAll(s, "<br>", "\n")
	s = strings.ReplaceAll(s, "<br/>", "\n")
	s = strings.ReplaceAll(s, "<br />", "\n")
	s = htmlTagRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	return strings.TrimSpace(s)
}
