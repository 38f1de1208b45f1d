package scraper

import (
	"net/url"
	"strings"

	"pitchengine/internal/domain"
)

var socialHosts = []string{
	"instagram.com", "twitter.com", "x.com", "facebook.com",
	"linkedin.com", "tiktok.com", "threads.net", "pinterest.com",
}

var mediaHosts = []string{
	"youtube.com", "youtu.be", "vimeo.com", "spotify.com",
	"soundcloud.com", "twitch.tv", "podcasts.apple.com",
}

// Keyword rules are checked in order; the first match wins.
var keywordRules = []struct {
	linkType domain.LinkType
	keywords []string
}{
	{domain.LinkTypeCourse, []string{"course", "courses", "learn", "lesson", "lessons", "module", "curriculum", "training", "masterclass", "bootcamp"}},
	{domain.LinkTypeProduct, []string{"product", "buy", "shop", "store", "purchase", "price", "pricing", "cart", "checkout", "$"}},
	{domain.LinkTypeNewsletter, []string{"newsletter", "subscribe", "email list", "weekly digest", "substack"}},
	{domain.LinkTypeMedia, []string{"video", "podcast", "episode", "watch", "listen"}},
}

// Classify assigns a best-effort link type. Hosts are checked before keywords
// because a known platform is a stronger signal than page text.
func Classify(rawURL string, content domain.ScrapedContent) domain.LinkType {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}
	if hostMatches(host, mediaHosts) {
		return domain.LinkTypeMedia
	}
	if hostMatches(host, socialHosts) {
		return domain.LinkTypeSocial
	}

	text := strings.ToLower(strings.Join([]string{
		rawURL,
		content.Title,
		content.Description,
		strings.Join(content.Headings, " "),
		content.Excerpt,
	}, " "))
	tokens := tokenSet(text)

	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if containsKeyword(text, tokens, kw) {
				return rule.linkType
			}
		}
	}
	return domain.LinkTypeGeneric
}

func hostMatches(host string, hosts []string) bool {
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// containsKeyword matches single words on token boundaries and phrases or
// symbols as substrings.
func containsKeyword(text string, tokens map[string]struct{}, kw string) bool {
	if strings.ContainsAny(kw, " $") {
		return strings.Contains(text, kw)
	}
	_, ok := tokens[kw]
	return ok
}

func tokenSet(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		tokens[f] = struct{}{}
	}
	return tokens
}
