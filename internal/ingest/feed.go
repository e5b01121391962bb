package ingest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

// feedEntry is one item of a parsed feed.
type feedEntry struct {
	GUID      string
	Title     string
	Link      string
	Summary   string
	Published string
	Author    string
}

// feedDocument is a parsed RSS 2.0 or Atom 1.0 feed.
type feedDocument struct {
	Title   string
	Link    string
	Entries []feedEntry
}

// parseFeed auto-detects the feed format from the XML root element: <rss>
// selects RSS 2.0, <feed> selects Atom 1.0.
func parseFeed(data []byte) (*feedDocument, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty feed payload")
	}
	switch rootElement(trimmed) {
	case "rss":
		return parseRSSFeed(trimmed)
	case "feed":
		return parseAtomFeed(trimmed)
	default:
		return nil, fmt.Errorf("unknown feed format, expected <rss> or <feed>")
	}
}

func rootElement(data []byte) string {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	for {
		token, err := decoder.Token()
		if err != nil {
			return ""
		}
		if start, ok := token.(xml.StartElement); ok {
			return strings.ToLower(start.Name.Local)
		}
	}
}

type rssXML struct {
	Channel struct {
		Title string `xml:"title"`
		Link  string `xml:"link"`
		Items []struct {
			GUID        string `xml:"guid"`
			Title       string `xml:"title"`
			Link        string `xml:"link"`
			Description string `xml:"description"`
			PubDate     string `xml:"pubDate"`
			Creator     string `xml:"creator"`
		} `xml:"item"`
	} `xml:"channel"`
}

func parseRSSFeed(data []byte) (*feedDocument, error) {
	var parsed rssXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode rss: %w", err)
	}
	doc := &feedDocument{
		Title: strings.TrimSpace(parsed.Channel.Title),
		Link:  strings.TrimSpace(parsed.Channel.Link),
	}
	for _, item := range parsed.Channel.Items {
		entry := feedEntry{
			GUID:      strings.TrimSpace(item.GUID),
			Title:     strings.TrimSpace(item.Title),
			Link:      strings.TrimSpace(item.Link),
			Summary:   strings.TrimSpace(item.Description),
			Published: strings.TrimSpace(item.PubDate),
			Author:    strings.TrimSpace(item.Creator),
		}
		if entry.GUID == "" {
			entry.GUID = entry.Link
		}
		doc.Entries = append(doc.Entries, entry)
	}
	return doc, nil
}

type atomXML struct {
	Title string `xml:"title"`
	Links []struct {
		Rel  string `xml:"rel,attr"`
		Href string `xml:"href,attr"`
	} `xml:"link"`
	Entries []struct {
		ID    string `xml:"id"`
		Title string `xml:"title"`
		Links []struct {
			Rel  string `xml:"rel,attr"`
			Href string `xml:"href,attr"`
		} `xml:"link"`
		Summary   string `xml:"summary"`
		Content   string `xml:"content"`
		Updated   string `xml:"updated"`
		Published string `xml:"published"`
		Author    struct {
			Name string `xml:"name"`
		} `xml:"author"`
	} `xml:"entry"`
}

func parseAtomFeed(data []byte) (*feedDocument, error) {
	var parsed atomXML
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode atom: %w", err)
	}
	doc := &feedDocument{
		Title: strings.TrimSpace(parsed.Title),
		Link:  atomLink(parsed.Links),
	}
	for _, item := range parsed.Entries {
		summary := strings.TrimSpace(item.Summary)
		if summary == "" {
			summary = strings.TrimSpace(item.Content)
		}
		published := strings.TrimSpace(item.Published)
		if published == "" {
			published = strings.TrimSpace(item.Updated)
		}
		entry := feedEntry{
			GUID:      strings.TrimSpace(item.ID),
			Title:     strings.TrimSpace(item.Title),
			Link:      atomLink(item.Links),
			Summary:   summary,
			Published: published,
			Author:    strings.TrimSpace(item.Author.Name),
		}
		if entry.GUID == "" {
			entry.GUID = entry.Link
		}
		doc.Entries = append(doc.Entries, entry)
	}
	return doc, nil
}

func atomLink(links []struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}) string {
	for _, link := range links {
		if link.Rel == "" || link.Rel == "alternate" {
			return strings.TrimSpace(link.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}
