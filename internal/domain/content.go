package domain

import "time"

// LinkType is the best-effort classification of a destination page.
type LinkType string

const (
	LinkTypeProduct    LinkType = "product"
	LinkTypeCourse     LinkType = "course"
	LinkTypeSocial     LinkType = "social"
	LinkTypeNewsletter LinkType = "newsletter"
	LinkTypeMedia      LinkType = "media"
	LinkTypeGeneric    LinkType = "generic"
)

// ScrapedContent is an immutable snapshot of what was read from a destination page.
type ScrapedContent struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Headings    []string  `json:"headings,omitempty"`
	Excerpt     string    `json:"excerpt"`
	LinkType    LinkType  `json:"link_type"`
	ExtractedAt time.Time `json:"extracted_at"`
}
