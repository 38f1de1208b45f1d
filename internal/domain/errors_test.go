package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewError_DerivesKind(t *testing.T) {
	tests := []struct {
		code Code
		want Kind
	}{
		{CodeTimeout, KindRetryable},
		{CodeProviderUnavailable, KindRetryable},
		{CodeRateLimited, KindRetryable},
		{CodeInvalidInput, KindNonRetryable},
		{CodeNoVoiceIdentity, KindNonRetryable},
		{CodeContentPolicy, KindNonRetryable},
		{CodeExtractionFailed, KindDegraded},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewError(StageGenerate, tt.code, "", nil)
			assert.Equal(t, tt.want, err.Kind)
			assert.Equal(t, tt.want == KindRetryable, err.Retryable())
		})
	}
}

func TestError_UnwrapAndAs(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("calling provider: %w",
		NewError(StageSynthesize, CodeTimeout, "", cause).WithProvider("elevenlabs"))

	pe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, "elevenlabs", pe.Provider)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, IsRetryable(err))
	assert.Equal(t, CodeTimeout, CodeOf(err))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, KindRetryable, KindOf(errors.New("plain")))
	assert.Equal(t, KindDegraded, KindOf(NewError(StageExtract, CodeExtractionFailed, "", nil)))
}

func TestError_UserMessageCarriesStage(t *testing.T) {
	err := NewError(StageGenerate, CodeRateLimited, "", nil).WithRetryAfter(3 * time.Second)
	msg := err.UserMessage()
	assert.Contains(t, msg, "[generate]")
	assert.Contains(t, msg, "3s")

	err = NewError(StageSelect, CodeInvalidInput, "script text is empty", nil)
	assert.Equal(t, "[select] script text is empty", err.UserMessage())
}

func TestCodeForStatus(t *testing.T) {
	assert.Equal(t, CodeNotConfigured, CodeForStatus(401))
	assert.Equal(t, CodeRateLimited, CodeForStatus(429))
	assert.Equal(t, CodeTimeout, CodeForStatus(504))
	assert.Equal(t, CodeProviderUnavailable, CodeForStatus(502))
	assert.Equal(t, CodeInvalidInput, CodeForStatus(422))
}

func TestNewError_RetryableCarriesHint(t *testing.T) {
	for _, code := range []Code{CodeTimeout, CodeProviderUnavailable, CodeRateLimited, CodeCancelled, CodeInternal} {
		err := NewError(StageSynthesize, code, "", nil)
		assert.Greater(t, err.RetryAfter, time.Duration(0), code)
		assert.Contains(t, err.UserMessage(), "try again in", code)
	}

	assert.Zero(t, NewError(StageSelect, CodeInvalidInput, "", nil).RetryAfter)
	assert.Zero(t, NewError(StageExtract, CodeTimeout, "", nil).Degrade().RetryAfter)

	err := NewError(StageSynthesize, CodeRateLimited, "", nil).WithRetryAfter(0)
	assert.Equal(t, 30*time.Second, err.RetryAfter, "an unusable hint keeps the default")
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", now))
	assert.Equal(t, 90*time.Second, ParseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Zero(t, ParseRetryAfter("", now))
	assert.Zero(t, ParseRetryAfter("-5", now))
	assert.Zero(t, ParseRetryAfter("soon", now))
	assert.Zero(t, ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}
