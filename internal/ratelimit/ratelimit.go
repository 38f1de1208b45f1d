// Package ratelimit caps the outbound call rate to each external provider.
// A rejected call fails fast with a retryable error instead of waiting.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"pitchengine/internal/domain"
)

const storePrefix = "pitch_limiter"

// Observer is told about every rejected call.
type Observer interface {
	OnRateLimited(stage domain.Stage, provider string)
}

// Limiter holds one token window per pipeline stage, keyed by provider.
type Limiter struct {
	limiters map[domain.Stage]*limiter.Limiter
	observer Observer
	log      logrus.FieldLogger
}

// NewStore returns a Redis backed store when redisAddr is set, so several
// instances share one budget, and an in-memory store otherwise.
func NewStore(redisAddr string) (limiter.Store, error) {
	if redisAddr == "" {
		return memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          storePrefix,
			CleanUpInterval: time.Minute,
		}), nil
	}
	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	store, err := sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: storePrefix, MaxRetry: 3})
	if err != nil {
		return nil, fmt.Errorf("failed to create redis limiter store: %w", err)
	}
	return store, nil
}

// New builds a limiter from "N-S|M|H" formatted rates per stage. Stages
// without a rate are not limited.
func New(store limiter.Store, rates map[domain.Stage]string, logger logrus.FieldLogger) (*Limiter, error) {
	l := &Limiter{
		limiters: make(map[domain.Stage]*limiter.Limiter, len(rates)),
		log:      logger.WithField("component", "ratelimit"),
	}
	for stage, formatted := range rates {
		if formatted == "" {
			continue
		}
		rate, err := limiter.NewRateFromFormatted(formatted)
		if err != nil {
			return nil, fmt.Errorf("invalid rate %q for %s: %w", formatted, stage, err)
		}
		l.limiters[stage] = limiter.New(store, rate)
	}
	return l, nil
}

// SetObserver registers an observer for rejected calls.
func (l *Limiter) SetObserver(o Observer) {
	l.observer = o
}

// Allow takes one token for provider at stage. When the window is exhausted
// it returns a retryable rate_limited error carrying the time until reset.
func (l *Limiter) Allow(ctx context.Context, stage domain.Stage, provider string) error {
	if l == nil {
		return nil
	}
	lim, ok := l.limiters[stage]
	if !ok {
		return nil
	}

	key := string(stage) + ":" + provider
	lctx, err := lim.Get(ctx, key)
	if err != nil {
		// The limiter store being down must not stop the pipeline.
		l.log.WithError(err).WithField("key", key).Warn("Rate limiter unavailable, allowing call")
		return nil
	}
	if !lctx.Reached {
		return nil
	}

	retry := time.Until(time.Unix(lctx.Reset, 0))
	if retry < time.Second {
		retry = time.Second
	}
	if l.observer != nil {
		l.observer.OnRateLimited(stage, provider)
	}
	l.log.WithFields(logrus.Fields{
		"stage":       stage,
		"provider":    provider,
		"retry_after": retry,
	}).Warn("Outbound call rate limited")
	return domain.NewError(stage, domain.CodeRateLimited, fmt.Sprintf("%s call budget exhausted", provider), nil).
		WithProvider(provider).
		WithRetryAfter(retry)
}
