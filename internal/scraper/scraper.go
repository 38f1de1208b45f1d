package scraper

import (
	"context"
	"fmt"
	"time"

	"pitchengine/internal/domain"
)

// Extractor fetches a destination page and summarizes it.
type Extractor interface {
	// Extract returns a bounded snapshot of the page at url, or an
	// *ExtractionFailure describing why it could not be read.
	Extract(ctx context.Context, url string) (domain.ScrapedContent, error)
}

// Options bounds every extraction.
type Options struct {
	Timeout      time.Duration
	MaxRedirects int
	UserAgent    string
}

// DefaultOptions mirrors what browsers tolerate for a single page fetch.
func DefaultOptions() Options {
	return Options{
		Timeout:      10 * time.Second,
		MaxRedirects: 5,
		UserAgent:    "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
	}
}

// FailureReason is the reason code of an ExtractionFailure.
type FailureReason string

const (
	ReasonTimeout          FailureReason = "timeout"
	ReasonHTTPStatus       FailureReason = "http_status"
	ReasonConnection       FailureReason = "connection"
	ReasonBlocked          FailureReason = "blocked"
	ReasonNotHTML          FailureReason = "not_html"
	ReasonTooManyRedirects FailureReason = "too_many_redirects"
	ReasonInvalidURL       FailureReason = "invalid_url"
	ReasonBrowser          FailureReason = "browser"
)

// ExtractionFailure is returned by every Extractor when a page cannot be read.
type ExtractionFailure struct {
	URL        string
	Reason     FailureReason
	StatusCode int
	Err        error
}

func (f *ExtractionFailure) Error() string {
	msg := fmt.Sprintf("extract %s: %s", f.URL, f.Reason)
	if f.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", f.StatusCode)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *ExtractionFailure) Unwrap() error {
	return f.Err
}

// Timeout reports whether the fetch ran out of time.
func (f *ExtractionFailure) Timeout() bool {
	return f.Reason == ReasonTimeout
}

// PipelineError converts the failure into the pipeline taxonomy. Timeouts are
// retryable; everything else is a degraded-context warning.
func (f *ExtractionFailure) PipelineError() *domain.Error {
	if f.Timeout() {
		return domain.NewError(domain.StageExtract, domain.CodeTimeout, string(f.Reason), f)
	}
	return domain.NewError(domain.StageExtract, domain.CodeExtractionFailed, string(f.Reason), f)
}
