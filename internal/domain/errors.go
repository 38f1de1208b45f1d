package domain

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies how a caller should react to a failure.
type Kind string

const (
	// KindRetryable failures leave the link untouched; the same call may be repeated.
	KindRetryable Kind = "retryable"
	// KindNonRetryable failures need a change of input or a missing prerequisite.
	KindNonRetryable Kind = "non_retryable"
	// KindDegraded failures are warnings: the pipeline carries on with less context.
	KindDegraded Kind = "degraded"
)

// Stage tags which pipeline step produced a failure.
type Stage string

const (
	StageImport     Stage = "import"
	StageExtract    Stage = "extract"
	StageGenerate   Stage = "generate"
	StageSelect     Stage = "select"
	StageSynthesize Stage = "synthesize"
	StageVoice      Stage = "voice"
	StagePublish    Stage = "publish"
	StageStore      Stage = "store"
)

// Code is the machine-readable failure reason.
type Code string

const (
	CodeTimeout             Code = "timeout"
	CodeProviderUnavailable Code = "provider_unavailable"
	CodeRateLimited         Code = "rate_limited"
	CodeCancelled           Code = "cancelled"
	CodeInvalidInput        Code = "invalid_input"
	CodeContentPolicy       Code = "content_policy"
	CodeNoVoiceIdentity     Code = "no_voice_identity"
	CodeNotConfigured       Code = "not_configured"
	CodeGenerationFailed    Code = "generation_failed"
	CodeInvalidTransition   Code = "invalid_transition"
	CodeNotFound            Code = "not_found"
	CodeExtractionFailed    Code = "extraction_failed"
	CodeInternal            Code = "internal"
)

// defaultKind maps each code to the kind it carries unless overridden.
var defaultKind = map[Code]Kind{
	CodeTimeout:             KindRetryable,
	CodeProviderUnavailable: KindRetryable,
	CodeRateLimited:         KindRetryable,
	CodeCancelled:           KindRetryable,
	CodeInternal:            KindRetryable,
	CodeExtractionFailed:    KindDegraded,
}

// defaultRetryAfter is the backoff suggested for retryable codes when the
// provider does not name one.
var defaultRetryAfter = map[Code]time.Duration{
	CodeTimeout:             5 * time.Second,
	CodeProviderUnavailable: 10 * time.Second,
	CodeRateLimited:         30 * time.Second,
	CodeCancelled:           time.Second,
	CodeInternal:            2 * time.Second,
}

// Error is the single failure type surfaced by every pipeline operation.
// It always carries the stage it came from and a human-readable reason.
type Error struct {
	Stage      Stage
	Code       Code
	Kind       Kind
	Provider   string
	Reason     string
	RetryAfter time.Duration
	Err        error
}

// NewError builds an Error whose kind is derived from code.
func NewError(stage Stage, code Code, reason string, cause error) *Error {
	kind, ok := defaultKind[code]
	if !ok {
		kind = KindNonRetryable
	}
	e := &Error{Stage: stage, Code: code, Kind: kind, Reason: reason, Err: cause}
	if kind == KindRetryable {
		e.RetryAfter = defaultRetryAfter[code]
	}
	return e
}

// WithProvider attaches the provider identity that produced the failure.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithRetryAfter sets the suggested backoff for retryable failures.
// Non-positive durations keep the default.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// Degrade turns the failure into a warning.
func (e *Error) Degrade() *Error {
	e.Kind = KindDegraded
	e.RetryAfter = 0
	return e
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Code)
	if e.Provider != "" {
		msg += fmt.Sprintf(" (%s)", e.Provider)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same call may succeed if repeated unchanged.
func (e *Error) Retryable() bool {
	return e.Kind == KindRetryable
}

// UserMessage returns the text shown to the person driving the pipeline.
func (e *Error) UserMessage() string {
	var msg string
	switch e.Code {
	case CodeTimeout:
		msg = "the request took too long"
	case CodeProviderUnavailable:
		msg = "the provider is temporarily unavailable"
	case CodeRateLimited:
		msg = "too many requests right now"
	case CodeNoVoiceIdentity:
		msg = "record a voice clone before generating audio"
	case CodeNotConfigured:
		msg = "no provider is configured for this step"
	case CodeGenerationFailed:
		msg = "scripts could not be generated within the length limits"
	case CodeExtractionFailed:
		msg = "the page could not be read, continuing with the link alone"
	case CodeNotFound:
		msg = "link not found"
	default:
		msg = e.Reason
	}
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Retryable() && e.RetryAfter > 0 {
		msg += fmt.Sprintf(", try again in %s", e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("[%s] %s", e.Stage, msg)
}

// AsError extracts a pipeline Error from err's chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable pipeline failure.
func IsRetryable(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Retryable()
}

// KindOf returns the kind of err, treating foreign errors as retryable internal failures.
func KindOf(err error) Kind {
	if pe, ok := AsError(err); ok {
		return pe.Kind
	}
	return KindRetryable
}

// CodeOf returns the failure code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if pe, ok := AsError(err); ok {
		return pe.Code
	}
	return CodeInternal
}

// CodeForStatus maps a provider HTTP status to a failure code.
func CodeForStatus(status int) Code {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return CodeNotConfigured
	case status == http.StatusTooManyRequests:
		return CodeRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeProviderUnavailable
	case status >= 400:
		return CodeInvalidInput
	}
	return CodeInternal
}

// ParseRetryAfter reads an HTTP Retry-After value, given either as seconds or
// as an HTTP date. It returns zero when the value is absent or unusable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
