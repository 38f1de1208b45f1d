package audio

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
)

const (
	// DefaultRetention is how long a retired asset is kept before its blob is deleted.
	DefaultRetention = 24 * time.Hour
	// DefaultSweepSchedule runs the sweep at the top of every hour.
	DefaultSweepSchedule = "@hourly"

	sweepBatchSize = 200
)

// Ledger is the slice of storage the janitor needs.
type Ledger interface {
	ListRetiredAssets(ctx context.Context, before time.Time, limit int) ([]domain.AudioAsset, error)
	DeleteAssetRecord(ctx context.Context, assetID string) error
}

// Janitor deletes the blobs of retired assets in batches, outside of any
// request path.
type Janitor struct {
	ledger    Ledger
	blobs     BlobStore
	retention time.Duration
	schedule  string
	cron      *cron.Cron
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewJanitor creates a janitor. Zero values fall back to the defaults.
func NewJanitor(ledger Ledger, blobs BlobStore, retention time.Duration, schedule string, logger logrus.FieldLogger) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	log := logger.WithField("component", "audio_janitor")
	return &Janitor{
		ledger:    ledger,
		blobs:     blobs,
		retention: retention,
		schedule:  schedule,
		cron:      cron.New(cron.WithLogger(cronLogger{log}), cron.WithChain(cron.Recover(cronLogger{log}))),
		log:       log,
		now:       time.Now,
	}
}

// cronLogger routes the scheduler's own messages into logrus.
type cronLogger struct {
	log logrus.FieldLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(cronFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithFields(cronFields(keysAndValues)).WithError(err).Error(msg)
}

func cronFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

// Start schedules periodic sweeps. Sweeps use ctx and stop with it.
func (j *Janitor) Start(ctx context.Context) error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.log.WithError(err).Error("Audio sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", j.schedule, err)
	}
	j.cron.Start()
	j.log.WithField("schedule", j.schedule).Info("Audio janitor started")
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.log.Info("Audio janitor stopped")
}

// Sweep deletes the blobs of assets retired longer than the retention period,
// then their records. A blob that fails to delete keeps its record so the next
// sweep retries it.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.retention)
	deleted := 0

	for {
		assets, err := j.ledger.ListRetiredAssets(ctx, cutoff, sweepBatchSize)
		if err != nil {
			return deleted, err
		}
		if len(assets) == 0 {
			break
		}

		progressed := 0
		for _, asset := range assets {
			if err := ctx.Err(); err != nil {
				return deleted, err
			}
			log := j.log.WithFields(logrus.Fields{"asset_id": asset.ID, "link_id": asset.LinkID})
			if err := j.blobs.Delete(ctx, asset.Path); err != nil {
				log.WithError(err).Warn("Failed to delete retired audio blob")
				continue
			}
			if err := j.ledger.DeleteAssetRecord(ctx, asset.ID); err != nil {
				log.WithError(err).Warn("Failed to delete retired asset record")
				continue
			}
			progressed++
		}
		deleted += progressed

		if progressed == 0 || len(assets) < sweepBatchSize {
			break
		}
	}

	if deleted > 0 {
		j.log.WithField("deleted", deleted).Info("Audio sweep completed")
	} else {
		j.log.Debug("No retired audio to collect")
	}
	return deleted, nil
}
