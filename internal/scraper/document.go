package scraper

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"pitchengine/internal/domain"
)

const (
	maxHeadings     = 5
	minHeadingLen   = 4
	maxExcerptWords = 200
	maxExcerptChars = 1500
)

// noiseSelectors are stripped before the body text is read.
const noiseSelectors = "script, style, noscript, nav, header, footer, iframe, svg"

// parseDocument builds a snapshot from an HTML document. It works on a clone so
// callers can keep using the original selection.
func parseDocument(doc *goquery.Selection, pageURL string, now time.Time) domain.ScrapedContent {
	content := domain.ScrapedContent{
		URL:         pageURL,
		Title:       collapse(doc.Find("title").First().Text()),
		Description: metaDescription(doc),
		ExtractedAt: now,
	}

	doc.Find("h1, h2").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := collapse(s.Text())
		if len(text) >= minHeadingLen {
			content.Headings = append(content.Headings, text)
		}
		return len(content.Headings) < maxHeadings
	})

	body := doc.Find("body").Clone()
	if body.Length() == 0 {
		body = doc.Clone()
	}
	body.Find(noiseSelectors).Remove()
	content.Excerpt = excerpt(body.Text())

	content.LinkType = Classify(pageURL, content)
	return content
}

func metaDescription(doc *goquery.Selection) string {
	for _, selector := range []string{
		`meta[name="description"]`,
		`meta[property="og:description"]`,
		`meta[name="twitter:description"]`,
	} {
		if v, ok := doc.Find(selector).First().Attr("content"); ok {
			if v = collapse(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// excerpt bounds the body text by words and bytes. Cuts land on a word
// boundary when there is one and never split a character.
func excerpt(text string) string {
	words := strings.Fields(strings.ToValidUTF8(text, "\uFFFD"))
	if len(words) > maxExcerptWords {
		words = words[:maxExcerptWords]
	}
	out := strings.Join(words, " ")
	if len(out) > maxExcerptChars {
		cut := maxExcerptChars
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut]
		if i := strings.LastIndexByte(out, ' '); i > 0 {
			out = out[:i]
		}
	}
	return out
}

// collapse normalizes whitespace. Invalid UTF-8 is replaced up front so the
// stored snapshot reads back byte for byte.
func collapse(s string) string {
	return strings.Join(strings.Fields(strings.ToValidUTF8(s, "\uFFFD")), " ")
}
