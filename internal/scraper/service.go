package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
)

// RodExtractor implements Extractor with a headless browser, for pages that
// only render their content client-side.
type RodExtractor struct {
	opts Options
	log  logrus.FieldLogger
	now  func() time.Time
}

// NewRodExtractor creates a browser-backed extractor.
func NewRodExtractor(opts Options, logger logrus.FieldLogger) *RodExtractor {
	return &RodExtractor{
		opts: opts,
		log:  logger.WithField("component", "extractor"),
		now:  time.Now,
	}
}

// Extract renders url in a fresh browser and summarizes the resulting DOM.
func (s *RodExtractor) Extract(ctx context.Context, url string) (content domain.ScrapedContent, err error) {
	log := s.log.WithFields(logrus.Fields{"url": url, "mode": "browser"})

	if err := domain.ValidateURL(url); err != nil {
		return domain.ScrapedContent{}, &ExtractionFailure{URL: url, Reason: ReasonInvalidURL, Err: err}
	}

	// --- Browser Setup ---
	path, exists := launcher.LookPath()
	if !exists {
		log.Error("Cannot find browser executable for rod")
		return domain.ScrapedContent{}, &ExtractionFailure{URL: url, Reason: ReasonBrowser, Err: errors.New("browser executable not found")}
	}
	controlURL, err := launcher.New().Bin(path).Headless(true).Launch()
	if err != nil {
		log.WithError(err).Error("Failed to launch rod browser")
		return domain.ScrapedContent{}, &ExtractionFailure{URL: url, Reason: ReasonBrowser, Err: err}
	}
	browser := rod.New().ControlURL(controlURL)
	if err = browser.Connect(); err != nil {
		log.WithError(err).Error("Failed to connect to rod browser")
		return domain.ScrapedContent{}, &ExtractionFailure{URL: url, Reason: ReasonBrowser, Err: err}
	}
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			log.WithError(closeErr).Error("Error closing rod browser instance")
		}
	}()

	// --- Page Navigation ---
	pageCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	page, err := browser.Context(pageCtx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return domain.ScrapedContent{}, s.pageFailure(url, pageCtx, err)
	}
	defer func() {
		if closeErr := page.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("Error closing rod page")
		}
	}()

	if s.opts.UserAgent != "" {
		if err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.opts.UserAgent}); err != nil {
			return domain.ScrapedContent{}, s.pageFailure(url, pageCtx, err)
		}
	}
	if err = page.Navigate(url); err != nil {
		return domain.ScrapedContent{}, s.pageFailure(url, pageCtx, err)
	}
	if err = page.WaitLoad(); err != nil {
		return domain.ScrapedContent{}, s.pageFailure(url, pageCtx, err)
	}

	res, err := page.Eval(`() => document.contentType`)
	if err != nil {
		return domain.ScrapedContent{}, s.pageFailure(url, pageCtx, err)
	}
	if ct := res.Value.String(); !strings.Contains(ct, "html") {
		log.WithField("content_type", ct).Warn("Destination is not an HTML page")
		return domain.ScrapedContent{}, &ExtractionFailure{URL: url, Reason: ReasonNotHTML, Err: fmt.Errorf("content type %q", ct)}
	}

	// --- Extraction ---
	html, err := page.HTML()
	if err != nil {
		return domain.ScrapedContent{}, s.pageFailure(url, pageCtx, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return domain.ScrapedContent{}, &ExtractionFailure{URL: url, Reason: ReasonBrowser, Err: err}
	}

	finalURL := url
	if info, infoErr := page.Info(); infoErr == nil && info.URL != "" {
		finalURL = info.URL
	}
	content = parseDocument(doc.Selection, finalURL, s.now())

	log.WithFields(logrus.Fields{
		"title":     content.Title,
		"link_type": content.LinkType,
	}).Info("Content extracted")
	return content, nil
}

func (s *RodExtractor) pageFailure(url string, pageCtx context.Context, err error) *ExtractionFailure {
	if errors.Is(pageCtx.Err(), context.DeadlineExceeded) {
		s.log.WithField("url", url).Warn("Browser extraction timed out")
		return &ExtractionFailure{URL: url, Reason: ReasonTimeout, Err: pageCtx.Err()}
	}
	s.log.WithError(err).WithField("url", url).Warn("Browser extraction failed")
	return &ExtractionFailure{URL: url, Reason: ReasonConnection, Err: err}
}
