package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"pitchengine/internal/domain"
)

// BadgerRepository implements the Repository interface using BadgerDB.
type BadgerRepository struct {
	db  *badger.DB
	log logrus.FieldLogger
}

// NewBadgerRepository creates and initializes a new BadgerDB repository.
// It opens the database at the specified path.
func NewBadgerRepository(dbPath string, logger logrus.FieldLogger) (*BadgerRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = &badgerLogger{logger.WithField("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		logger.WithError(err).Error("Failed to open BadgerDB")
		return nil, fmt.Errorf("failed to open badger db at %s: %w", dbPath, err)
	}
	logger.Info("BadgerDB opened successfully at path: ", dbPath)

	return &BadgerRepository{
		db:  db,
		log: logger.WithField("component", "repository"),
	}, nil
}

// Close closes the BadgerDB database connection.
func (r *BadgerRepository) Close() error {
	r.log.Info("Closing BadgerDB...")
	err := r.db.Close()
	if err != nil {
		r.log.WithError(err).Error("Error closing BadgerDB")
		return err
	}
	r.log.Info("BadgerDB closed.")
	return nil
}

// Key layout:
//
//	link:{linkID}                    -> domain.Link
//	user:{userID}:link:{linkID}      -> empty (ownership index)
//	asset:{assetID}                  -> domain.AudioAsset
//	voice:{userID}:{voiceID}         -> domain.VoiceIdentity
//	voice_active:{userID}            -> voiceID
func linkKey(linkID string) []byte {
	return []byte("link:" + linkID)
}

func userLinkKey(userID int64, linkID string) []byte {
	return []byte(fmt.Sprintf("user:%d:link:%s", userID, linkID))
}

func userLinkPrefix(userID int64) []byte {
	return []byte(fmt.Sprintf("user:%d:link:", userID))
}

func assetKey(assetID string) []byte {
	return []byte("asset:" + assetID)
}

var assetPrefix = []byte("asset:")

func voiceKey(userID int64, voiceID string) []byte {
	return []byte(fmt.Sprintf("voice:%d:%s", userID, voiceID))
}

func voicePrefix(userID int64) []byte {
	return []byte(fmt.Sprintf("voice:%d:", userID))
}

func activeVoiceKey(userID int64) []byte {
	return []byte(fmt.Sprintf("voice_active:%d", userID))
}

// SaveLink stores or updates a link, together with the asset records the same
// operation produced or retired.
func (r *BadgerRepository) SaveLink(ctx context.Context, link domain.Link, assets ...domain.AudioAsset) error {
	log := r.log.WithFields(logrus.Fields{
		"user_id": link.UserID,
		"link_id": link.ID,
	})

	if link.ID == "" {
		return errors.New("link id is empty")
	}
	if link.UpdatedAt.IsZero() {
		link.UpdatedAt = time.Now()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = link.UpdatedAt
	}

	linkBytes, err := json.Marshal(link)
	if err != nil {
		log.WithError(err).Error("Failed to marshal link to JSON")
		return fmt.Errorf("failed to marshal link: %w", err)
	}

	err = r.db.Update(func(txn *badger.Txn) error {
		if err := txn.SetEntry(badger.NewEntry(linkKey(link.ID), linkBytes)); err != nil {
			return err
		}
		if err := txn.SetEntry(badger.NewEntry(userLinkKey(link.UserID, link.ID), nil)); err != nil {
			return err
		}
		for _, asset := range assets {
			if err := setJSON(txn, assetKey(asset.ID), asset); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to save link to BadgerDB")
		return fmt.Errorf("failed to save link: %w", err)
	}

	log.WithFields(logrus.Fields{
		"state":  link.State,
		"assets": len(assets),
	}).Debug("Link saved")
	return nil
}

// GetLink loads a single link.
func (r *BadgerRepository) GetLink(ctx context.Context, linkID string) (domain.Link, error) {
	var link domain.Link
	err := r.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, linkKey(linkID), &link)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Link{}, ErrLinkNotFound
	}
	if err != nil {
		r.log.WithError(err).WithField("link_id", linkID).Error("Failed to read link")
		return domain.Link{}, fmt.Errorf("failed to get link %s: %w", linkID, err)
	}
	return link, nil
}

// GetLinksByUser retrieves all links for a specific user.
func (r *BadgerRepository) GetLinksByUser(ctx context.Context, userID int64) ([]domain.Link, error) {
	log := r.log.WithField("user_id", userID)

	var links []domain.Link
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := userLinkPrefix(userID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			linkID := string(it.Item().Key()[len(prefix):])
			var link domain.Link
			if err := getJSON(txn, linkKey(linkID), &link); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					log.WithField("link_id", linkID).Warn("Dangling user index entry")
					continue
				}
				return err
			}
			links = append(links, link)
		}
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to retrieve links from BadgerDB")
		return nil, fmt.Errorf("failed to get links for user %d: %w", userID, err)
	}

	// Newest first
	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.After(links[j].CreatedAt)
	})

	log.WithField("link_count", len(links)).Debug("Links retrieved")
	return links, nil
}

// DeleteLink removes a link for a user. Its current audio asset is retired in
// the same transaction; the blob itself is left to the janitor.
func (r *BadgerRepository) DeleteLink(ctx context.Context, userID int64, linkID string) error {
	log := r.log.WithFields(logrus.Fields{
		"user_id": userID,
		"link_id": linkID,
	})

	err := r.db.Update(func(txn *badger.Txn) error {
		var link domain.Link
		err := getJSON(txn, linkKey(linkID), &link)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Delete(userLinkKey(userID, linkID))
		}
		if err != nil {
			return err
		}
		if link.UserID != userID {
			return ErrLinkNotFound
		}
		if link.Audio != nil && link.Audio.RetiredAt == nil {
			asset := *link.Audio
			now := time.Now()
			asset.RetiredAt = &now
			if err := setJSON(txn, assetKey(asset.ID), asset); err != nil {
				return err
			}
		}
		if err := txn.Delete(linkKey(linkID)); err != nil {
			return err
		}
		return txn.Delete(userLinkKey(userID, linkID))
	})
	if errors.Is(err, ErrLinkNotFound) {
		return err
	}
	if err != nil {
		log.WithError(err).Error("Failed to delete link from BadgerDB")
		return fmt.Errorf("failed to delete link %s for user %d: %w", linkID, userID, err)
	}

	log.Info("Link deleted")
	return nil
}

// SaveVoice makes voice the user's active identity.
func (r *BadgerRepository) SaveVoice(ctx context.Context, voice domain.VoiceIdentity) (*domain.VoiceIdentity, error) {
	log := r.log.WithFields(logrus.Fields{
		"user_id":  voice.UserID,
		"voice_id": voice.ID,
	})

	var superseded *domain.VoiceIdentity
	err := r.db.Update(func(txn *badger.Txn) error {
		var existing domain.VoiceIdentity
		err := getJSON(txn, voiceKey(voice.UserID, voice.ID), &existing)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		case existing.SupersededAt != nil:
			// Superseded identities stay on record and never come back.
			return ErrVoiceSuperseded
		default:
			voice.CreatedAt = existing.CreatedAt
		}

		item, err := txn.Get(activeVoiceKey(voice.UserID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			prevID, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(prevID) != voice.ID {
				var prev domain.VoiceIdentity
				if err := getJSON(txn, voiceKey(voice.UserID, string(prevID)), &prev); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				if prev.ID != "" {
					now := time.Now()
					prev.SupersededAt = &now
					if err := setJSON(txn, voiceKey(prev.UserID, prev.ID), prev); err != nil {
						return err
					}
					superseded = &prev
				}
			}
		}

		voice.SupersededAt = nil
		if err := setJSON(txn, voiceKey(voice.UserID, voice.ID), voice); err != nil {
			return err
		}
		return txn.Set(activeVoiceKey(voice.UserID), []byte(voice.ID))
	})
	if errors.Is(err, ErrVoiceSuperseded) {
		log.Warn("Refusing to reactivate a superseded voice identity")
		return nil, err
	}
	if err != nil {
		log.WithError(err).Error("Failed to save voice identity")
		return nil, fmt.Errorf("failed to save voice %s: %w", voice.ID, err)
	}

	log.Info("Voice identity registered")
	return superseded, nil
}

// ActiveVoice returns the user's current voice identity.
func (r *BadgerRepository) ActiveVoice(ctx context.Context, userID int64) (domain.VoiceIdentity, error) {
	var voice domain.VoiceIdentity
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(activeVoiceKey(userID))
		if err != nil {
			return err
		}
		voiceID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return getJSON(txn, voiceKey(userID, string(voiceID)), &voice)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.VoiceIdentity{}, ErrVoiceNotFound
	}
	if err != nil {
		return domain.VoiceIdentity{}, fmt.Errorf("failed to get active voice for user %d: %w", userID, err)
	}
	return voice, nil
}

// ListVoices returns all of a user's voice identities, oldest first.
func (r *BadgerRepository) ListVoices(ctx context.Context, userID int64) ([]domain.VoiceIdentity, error) {
	var voices []domain.VoiceIdentity
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := voicePrefix(userID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var v domain.VoiceIdentity
			if err := itemJSON(it.Item(), &v); err != nil {
				return err
			}
			voices = append(voices, v)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list voices for user %d: %w", userID, err)
	}
	sort.Slice(voices, func(i, j int) bool {
		return voices[i].CreatedAt.Before(voices[j].CreatedAt)
	})
	return voices, nil
}

// ListRetiredAssets scans the asset ledger for records retired before the cutoff.
func (r *BadgerRepository) ListRetiredAssets(ctx context.Context, before time.Time, limit int) ([]domain.AudioAsset, error) {
	var assets []domain.AudioAsset
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(assetPrefix); it.ValidForPrefix(assetPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var a domain.AudioAsset
			if err := itemJSON(it.Item(), &a); err != nil {
				return err
			}
			if a.RetiredAt == nil || !a.RetiredAt.Before(before) {
				continue
			}
			assets = append(assets, a)
			if limit > 0 && len(assets) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list retired assets: %w", err)
	}
	return assets, nil
}

// DeleteAssetRecord removes an asset record. Deleting a missing record is not an error.
func (r *BadgerRepository) DeleteAssetRecord(ctx context.Context, assetID string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(assetKey(assetID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete asset record %s: %w", assetID, err)
	}
	return nil
}

// RunGC periodically reclaims value log space until ctx is cancelled.
func (r *BadgerRepository) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := r.db.RunValueLogGC(0.7)
			switch {
			case err == nil:
				r.log.Info("BadgerDB GC completed")
			case errors.Is(err, badger.ErrNoRewrite):
				r.log.Debug("BadgerDB GC: no rewrite needed")
			default:
				r.log.WithError(err).Error("BadgerDB GC failed")
			}
		case <-ctx.Done():
			r.log.Info("Stopping BadgerDB GC routine")
			return
		}
	}
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return txn.SetEntry(badger.NewEntry(key, b))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return itemJSON(item, v)
}

func itemJSON(item *badger.Item, v any) error {
	return item.Value(func(val []byte) error {
		// Make a copy of the value slice before unmarshalling
		valCopy := make([]byte, len(val))
		copy(valCopy, val)
		if err := json.Unmarshal(valCopy, v); err != nil {
			return fmt.Errorf("failed to unmarshal data for key %s: %w", string(item.Key()), err)
		}
		return nil
	})
}

// --- BadgerDB Internal Logger ---

// badgerLogger adapts logrus.FieldLogger to Badger's logger interface.
type badgerLogger struct {
	logger logrus.FieldLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Errorf(f, v...)
}
func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warningf(f, v...)
}
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Infof(f, v...)
}
func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
