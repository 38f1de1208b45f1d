package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
)

var errTooManyRedirects = errors.New("too many redirects")

// CollyExtractor implements Extractor with a plain HTTP fetch through colly.
type CollyExtractor struct {
	opts      Options
	transport http.RoundTripper
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewCollyExtractor creates an HTTP extractor.
func NewCollyExtractor(opts Options, logger logrus.FieldLogger) *CollyExtractor {
	return &CollyExtractor{
		opts:      opts,
		transport: http.DefaultTransport,
		log:       logger.WithField("component", "extractor"),
		now:       time.Now,
	}
}

// Extract fetches url and summarizes the HTML it returns.
func (s *CollyExtractor) Extract(ctx context.Context, url string) (domain.ScrapedContent, error) {
	log := s.log.WithField("url", url)

	if err := domain.ValidateURL(url); err != nil {
		return domain.ScrapedContent{}, &ExtractionFailure{URL: url, Reason: ReasonInvalidURL, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	c := colly.NewCollector(
		colly.UserAgent(s.opts.UserAgent),
		colly.AllowURLRevisit(),
	)
	c.SetRequestTimeout(s.opts.Timeout)
	c.WithTransport(&contextTransport{ctx: ctx, base: s.transport})
	c.SetRedirectHandler(func(req *http.Request, via []*http.Request) error {
		if len(via) > s.opts.MaxRedirects {
			return errTooManyRedirects
		}
		return nil
	})

	var (
		content     *domain.ScrapedContent
		contentType string
		statusCode  int
		finalURL    = url
	)
	c.OnResponse(func(r *colly.Response) {
		contentType = r.Headers.Get("Content-Type")
		finalURL = r.Request.URL.String()
	})
	c.OnHTML("html", func(e *colly.HTMLElement) {
		parsed := parseDocument(e.DOM, finalURL, s.now())
		content = &parsed
	})
	c.OnError(func(r *colly.Response, err error) {
		statusCode = r.StatusCode
	})

	err := c.Visit(url)
	if err != nil {
		failure := classifyFetchError(url, statusCode, err)
		if ctx.Err() != nil && failure.Reason == ReasonConnection {
			failure.Reason = ReasonTimeout
		}
		log.WithError(err).WithField("reason", failure.Reason).Warn("Extraction failed")
		return domain.ScrapedContent{}, failure
	}

	if content == nil {
		log.WithField("content_type", contentType).Warn("Destination is not an HTML page")
		return domain.ScrapedContent{}, &ExtractionFailure{
			URL:    url,
			Reason: ReasonNotHTML,
			Err:    fmt.Errorf("content type %q", contentType),
		}
	}

	log.WithFields(logrus.Fields{
		"title":     content.Title,
		"link_type": content.LinkType,
	}).Info("Content extracted")
	return *content, nil
}

func classifyFetchError(url string, status int, err error) *ExtractionFailure {
	f := &ExtractionFailure{URL: url, StatusCode: status, Err: err}

	var netErr net.Error
	switch {
	case errors.Is(err, errTooManyRedirects):
		f.Reason = ReasonTooManyRedirects
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		f.Reason = ReasonTimeout
	case status == http.StatusUnauthorized, status == http.StatusForbidden,
		status == http.StatusTooManyRequests, status == http.StatusUnavailableForLegalReasons:
		f.Reason = ReasonBlocked
	case status != 0:
		f.Reason = ReasonHTTPStatus
	case strings.Contains(err.Error(), "unsupported protocol"):
		f.Reason = ReasonInvalidURL
	default:
		f.Reason = ReasonConnection
	}
	return f
}

// contextTransport binds every request colly issues to the caller's context.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}
