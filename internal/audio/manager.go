package audio

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
)

// Manager allocates a fresh path for every synthesized clip and retires the
// clips it replaces. Paths are never reused, so writes never overwrite.
type Manager struct {
	blobs BlobStore
	log   logrus.FieldLogger
	now   func() time.Time
}

// NewManager creates an asset manager over blobs.
func NewManager(blobs BlobStore, logger logrus.FieldLogger) *Manager {
	return &Manager{
		blobs: blobs,
		log:   logger.WithField("component", "audio_assets"),
		now:   time.Now,
	}
}

// assetKey is unique per link and generation; the random suffix keeps two
// concurrent writers apart even if a generation number were ever repeated.
func assetKey(linkID string, generation int, assetID string) string {
	return fmt.Sprintf("links/%s/%06d-%s.mp3", linkID, generation, assetID[:8])
}

// Store writes data as the next generation of the link's audio. The returned
// asset is not referenced by anything until the caller persists it.
func (m *Manager) Store(ctx context.Context, link domain.Link, data []byte, contentType, script, voiceID string) (domain.AudioAsset, error) {
	if len(data) == 0 {
		return domain.AudioAsset{}, domain.NewError(domain.StageStore, domain.CodeInvalidInput, "no audio to store", nil)
	}

	id := uuid.NewString()
	generation := link.AudioGeneration + 1
	key := assetKey(link.ID, generation, id)

	path, err := m.blobs.Write(ctx, key, data, contentType)
	if err != nil {
		m.log.WithError(err).WithField("link_id", link.ID).Error("Failed to write audio blob")
		return domain.AudioAsset{}, domain.NewError(domain.StageStore, domain.CodeInternal, "failed to store audio", err)
	}

	asset := domain.AudioAsset{
		ID:          id,
		LinkID:      link.ID,
		UserID:      link.UserID,
		Path:        path,
		ContentType: contentType,
		Generation:  generation,
		ScriptHash:  domain.HashText(script),
		VoiceID:     voiceID,
		Size:        int64(len(data)),
		CreatedAt:   m.now(),
	}
	m.log.WithFields(logrus.Fields{
		"link_id":    link.ID,
		"asset_id":   asset.ID,
		"generation": generation,
		"path":       path,
	}).Info("Audio asset stored")
	return asset, nil
}

// Retire marks an asset as superseded. Its blob is removed later by Sweep.
func (m *Manager) Retire(asset *domain.AudioAsset, reason string) {
	if asset == nil || asset.RetiredAt != nil {
		return
	}
	now := m.now()
	asset.MarkStale(reason)
	asset.RetiredAt = &now
}

// Discard removes the blob of an asset that was never persisted.
func (m *Manager) Discard(ctx context.Context, asset domain.AudioAsset) {
	if err := m.blobs.Delete(ctx, asset.Path); err != nil {
		m.log.WithError(err).WithField("path", asset.Path).Warn("Failed to discard unreferenced audio blob")
	}
}

// Open streams an asset's audio.
func (m *Manager) Open(ctx context.Context, asset domain.AudioAsset) (io.ReadCloser, error) {
	return m.blobs.Open(ctx, asset.Path)
}
