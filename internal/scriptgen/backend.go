package scriptgen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pitchengine/internal/domain"
)

// Provider identities, in the fixed priority order used by SelectBackend callers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Prompt is a single completion request.
type Prompt struct {
	System string
	User   string
}

// Backend is one text-generation provider.
type Backend interface {
	// Name returns the provider identity recorded on every candidate.
	Name() string
	// Configured reports whether the backend has a usable credential.
	Configured() bool
	// Complete sends the prompt and returns the raw model output.
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// SelectBackend returns the first configured backend. The order of backends is
// the priority order; there is no fallback to a later backend once one is chosen.
func SelectBackend(backends ...Backend) (Backend, error) {
	for _, b := range backends {
		if b != nil && b.Configured() {
			return b, nil
		}
	}
	return nil, domain.NewError(domain.StageGenerate, domain.CodeNotConfigured, "no generation provider has credentials", nil)
}

// callError converts a transport-level failure into the pipeline taxonomy.
func callError(ctx context.Context, provider string, err error) *domain.Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return domain.NewError(domain.StageGenerate, domain.CodeTimeout, "provider call timed out", err).WithProvider(provider)
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return domain.NewError(domain.StageGenerate, domain.CodeCancelled, "request cancelled", err).WithProvider(provider)
	}
	return domain.NewError(domain.StageGenerate, domain.CodeProviderUnavailable, "provider unreachable", err).WithProvider(provider)
}

// statusError converts a provider HTTP status into the pipeline taxonomy.
// retryAfter is the provider's Retry-After header, if it sent one.
func statusError(provider string, status int, message, retryAfter string) *domain.Error {
	code := domain.CodeForStatus(status)
	if code == domain.CodeInvalidInput && isPolicyMessage(message) {
		code = domain.CodeContentPolicy
	}
	return domain.NewError(domain.StageGenerate, code, fmt.Sprintf("status %d: %s", status, message), nil).
		WithProvider(provider).
		WithRetryAfter(domain.ParseRetryAfter(retryAfter, time.Now()))
}
