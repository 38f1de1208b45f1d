package scraper

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseHTML(t *testing.T, html string) *goquery.Selection {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc.Selection
}

func TestExcerpt_MultibyteTextStaysValid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no spaces", "a" + strings.Repeat("学", 1000)},
		{"long token after a space", "intro " + strings.Repeat("é", 2000)},
		{"emoji", strings.Repeat("🚀", 600)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := excerpt(tt.text)
			assert.True(t, utf8.ValidString(out))
			assert.LessOrEqual(t, len(out), maxExcerptChars)
			assert.NotEmpty(t, out)
		})
	}
}

func TestExcerpt_ReplacesInvalidBytes(t *testing.T) {
	out := excerpt("caf\xe9 menu")
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "caf� menu", out)
}

func TestParseDocument_CJKPage(t *testing.T) {
	body := strings.Repeat("学习编程的最好方法是动手做项目", 200)
	doc := parseHTML(t, "<html><head><title>编程课程</title></head><body><h1>从零开始学编程</h1><p>"+body+"</p></body></html>")

	content := parseDocument(doc, "https://example.com/course", time.Now())
	assert.Equal(t, "编程课程", content.Title)
	assert.Equal(t, []string{"从零开始学编程"}, content.Headings)
	assert.True(t, utf8.ValidString(content.Excerpt))
	assert.LessOrEqual(t, len(content.Excerpt), maxExcerptChars)

	again := parseDocument(parseHTML(t, "<html><head><title>编程课程</title></head><body><h1>从零开始学编程</h1><p>"+body+"</p></body></html>"), "https://example.com/course", time.Now())
	assert.Equal(t, content.Excerpt, again.Excerpt, "the same page yields the same excerpt")
}
