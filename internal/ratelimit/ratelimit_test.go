package ratelimit

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitchengine/internal/domain"
)

type countingObserver struct{ n int }

func (c *countingObserver) OnRateLimited(domain.Stage, string) { c.n++ }

func newTestLimiter(t *testing.T, rates map[domain.Stage]string) *Limiter {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := NewStore("")
	require.NoError(t, err)
	l, err := New(store, rates, logger)
	require.NoError(t, err)
	return l
}

func TestLimiter_RejectsWithRetryHint(t *testing.T) {
	l := newTestLimiter(t, map[domain.Stage]string{domain.StageGenerate: "2-M"})
	obs := &countingObserver{}
	l.SetObserver(obs)
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, domain.StageGenerate, "openai"))
	require.NoError(t, l.Allow(ctx, domain.StageGenerate, "openai"))

	err := l.Allow(ctx, domain.StageGenerate, "openai")
	require.Error(t, err)
	pe, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeRateLimited, pe.Code)
	assert.True(t, pe.Retryable())
	assert.Equal(t, "openai", pe.Provider)
	assert.Greater(t, pe.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, pe.RetryAfter, time.Minute)
	assert.Equal(t, 1, obs.n)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := newTestLimiter(t, map[domain.Stage]string{
		domain.StageGenerate:   "1-M",
		domain.StageSynthesize: "1-M",
	})
	ctx := context.Background()

	require.NoError(t, l.Allow(ctx, domain.StageGenerate, "openai"))
	assert.NoError(t, l.Allow(ctx, domain.StageGenerate, "anthropic"), "providers have separate budgets")
	assert.NoError(t, l.Allow(ctx, domain.StageSynthesize, "openai"), "stages have separate budgets")
	assert.Error(t, l.Allow(ctx, domain.StageGenerate, "openai"))
}

func TestLimiter_UnconfiguredStageIsUnlimited(t *testing.T) {
	l := newTestLimiter(t, map[domain.Stage]string{domain.StageGenerate: "1-M"})
	for i := 0; i < 10; i++ {
		assert.NoError(t, l.Allow(context.Background(), domain.StageExtract, "http"))
	}

	var nilLimiter *Limiter
	assert.NoError(t, nilLimiter.Allow(context.Background(), domain.StageExtract, "http"))
}

func TestNew_InvalidRate(t *testing.T) {
	store, err := NewStore("")
	require.NoError(t, err)
	_, err = New(store, map[domain.Stage]string{domain.StageGenerate: "lots"}, logrus.New())
	assert.Error(t, err)
}
