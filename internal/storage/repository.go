package storage

import (
	"context"
	"errors"
	"time"

	"pitchengine/internal/domain"
)

var (
	// ErrLinkNotFound is returned when a link id is unknown.
	ErrLinkNotFound = errors.New("link not found")
	// ErrVoiceNotFound is returned when a user has no active voice identity.
	ErrVoiceNotFound = errors.New("voice identity not found")
	// ErrVoiceSuperseded is returned when a superseded voice id is registered again.
	ErrVoiceSuperseded = errors.New("voice identity was superseded")
)

// Repository defines the storage operations the pitch pipeline relies on.
// Every write is atomic at the granularity of a single link.
type Repository interface {
	// SaveLink stores the link and any asset records touched by the same operation
	// in one transaction.
	SaveLink(ctx context.Context, link domain.Link, assets ...domain.AudioAsset) error

	// GetLink loads a link by id. Returns ErrLinkNotFound if absent.
	GetLink(ctx context.Context, linkID string) (domain.Link, error)

	// GetLinksByUser retrieves all links owned by a user, newest first.
	GetLinksByUser(ctx context.Context, userID int64) ([]domain.Link, error)

	// DeleteLink removes a link and retires its audio so the janitor can collect it.
	DeleteLink(ctx context.Context, userID int64, linkID string) error

	// SaveVoice registers a voice identity as the user's active one and
	// supersedes the previous identity. The superseded identity is returned, if any.
	// Registering an id that was already superseded returns ErrVoiceSuperseded.
	SaveVoice(ctx context.Context, voice domain.VoiceIdentity) (*domain.VoiceIdentity, error)

	// ActiveVoice returns the user's current voice identity or ErrVoiceNotFound.
	ActiveVoice(ctx context.Context, userID int64) (domain.VoiceIdentity, error)

	// ListVoices returns every identity the user has registered, superseded ones included.
	ListVoices(ctx context.Context, userID int64) ([]domain.VoiceIdentity, error)

	// ListRetiredAssets returns asset records retired before the cutoff.
	ListRetiredAssets(ctx context.Context, before time.Time, limit int) ([]domain.AudioAsset, error)

	// DeleteAssetRecord drops an asset record once its blob is gone.
	DeleteAssetRecord(ctx context.Context, assetID string) error

	// Close gracefully shuts down the repository connection.
	Close() error
}
