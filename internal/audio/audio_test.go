package audio

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pitchengine/internal/domain"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return fs
}

func TestManager_StoreAllocatesFreshPaths(t *testing.T) {
	ctx := context.Background()
	blobs := newStore(t)
	m := NewManager(blobs, testLogger())

	link := domain.Link{ID: "link-1", UserID: 7}
	first, err := m.Store(ctx, link, []byte("one"), "audio/mpeg", "script", "voice-1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.Generation)
	assert.Equal(t, domain.HashText("script"), first.ScriptHash)
	assert.Equal(t, int64(3), first.Size)
	assert.True(t, strings.HasPrefix(first.Path, "links/link-1/000001-"))

	link.AudioGeneration = first.Generation
	second, err := m.Store(ctx, link, []byte("two"), "audio/mpeg", "script", "voice-1")
	require.NoError(t, err)
	assert.Equal(t, 2, second.Generation)
	assert.NotEqual(t, first.Path, second.Path)

	// The first artifact is untouched by the second write.
	r, err := m.Open(ctx, first)
	require.NoError(t, err)
	data, _ := io.ReadAll(r)
	r.Close()
	assert.Equal(t, "one", string(data))
}

func TestManager_ConcurrentStoresNeverCollide(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newStore(t), testLogger())

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		paths = map[string]bool{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Same generation on purpose: the random suffix must still separate them.
			asset, err := m.Store(ctx, domain.Link{ID: "shared"}, []byte{byte(i)}, "audio/mpeg", "s", "v")
			assert.NoError(t, err)
			mu.Lock()
			paths[asset.Path] = true
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.Len(t, paths, 20)
}

func TestManager_RetireAndDiscard(t *testing.T) {
	ctx := context.Background()
	blobs := newStore(t)
	m := NewManager(blobs, testLogger())

	asset, err := m.Store(ctx, domain.Link{ID: "l"}, []byte("x"), "audio/mpeg", "s", "v")
	require.NoError(t, err)

	m.Retire(&asset, "superseded")
	require.NotNil(t, asset.RetiredAt)
	assert.True(t, asset.Stale)
	assert.False(t, asset.Fresh())

	// Retire does not touch the blob.
	r, err := blobs.Open(ctx, asset.Path)
	require.NoError(t, err)
	r.Close()

	m.Discard(ctx, asset)
	_, err = blobs.Open(ctx, asset.Path)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFileStore_RejectsEscapingPaths(t *testing.T) {
	fs := newStore(t)
	_, err := fs.Write(context.Background(), "../outside.mp3", []byte("x"), "audio/mpeg")
	assert.Error(t, err)
	assert.NoError(t, fs.Delete(context.Background(), "links/missing.mp3"), "deleting a missing blob is fine")
}

type fakeLedger struct {
	mu      sync.Mutex
	assets  map[string]domain.AudioAsset
	deleted []string
}

func (l *fakeLedger) ListRetiredAssets(ctx context.Context, before time.Time, limit int) ([]domain.AudioAsset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.AudioAsset
	for _, a := range l.assets {
		if a.RetiredAt != nil && a.RetiredAt.Before(before) {
			out = append(out, a)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l *fakeLedger) DeleteAssetRecord(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.assets, id)
	l.deleted = append(l.deleted, id)
	return nil
}

type failingDelete struct {
	BlobStore
}

func (failingDelete) Delete(ctx context.Context, path string) error {
	return errors.New("bucket unavailable")
}

func TestJanitor_SweepDeletesOnlyExpiredRetiredAssets(t *testing.T) {
	ctx := context.Background()
	blobs := newStore(t)
	m := NewManager(blobs, testLogger())

	old, err := m.Store(ctx, domain.Link{ID: "l"}, []byte("old"), "audio/mpeg", "s", "v")
	require.NoError(t, err)
	recent, err := m.Store(ctx, domain.Link{ID: "l", AudioGeneration: 1}, []byte("recent"), "audio/mpeg", "s", "v")
	require.NoError(t, err)
	live, err := m.Store(ctx, domain.Link{ID: "l", AudioGeneration: 2}, []byte("live"), "audio/mpeg", "s", "v")
	require.NoError(t, err)

	longAgo := time.Now().Add(-48 * time.Hour)
	justNow := time.Now()
	old.RetiredAt = &longAgo
	recent.RetiredAt = &justNow

	ledger := &fakeLedger{assets: map[string]domain.AudioAsset{old.ID: old, recent.ID: recent, live.ID: live}}
	j := NewJanitor(ledger, blobs, 24*time.Hour, "", testLogger())

	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{old.ID}, ledger.deleted)

	_, err = blobs.Open(ctx, old.Path)
	assert.ErrorIs(t, err, ErrBlobNotFound)
	for _, keep := range []domain.AudioAsset{recent, live} {
		r, err := blobs.Open(ctx, keep.Path)
		require.NoError(t, err)
		r.Close()
	}
}

func TestJanitor_KeepsRecordWhenBlobDeleteFails(t *testing.T) {
	longAgo := time.Now().Add(-48 * time.Hour)
	asset := domain.AudioAsset{ID: "a1", Path: "links/l/000001-a1.mp3", RetiredAt: &longAgo}
	ledger := &fakeLedger{assets: map[string]domain.AudioAsset{"a1": asset}}

	j := NewJanitor(ledger, failingDelete{newStore(t)}, time.Hour, "", testLogger())
	n, err := j.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, ledger.assets, "a1", "record stays so the next sweep retries")
}

func TestJanitor_StartRejectsBadSchedule(t *testing.T) {
	j := NewJanitor(&fakeLedger{}, newStore(t), 0, "not a schedule", testLogger())
	assert.Error(t, j.Start(context.Background()))
}

type panickingLedger struct{ fakeLedger }

func (*panickingLedger) ListRetiredAssets(ctx context.Context, before time.Time, limit int) ([]domain.AudioAsset, error) {
	panic("ledger exploded")
}

func TestJanitor_PanickingSweepIsLoggedThroughLogrus(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	j := NewJanitor(&panickingLedger{}, newStore(t), 0, "@every 1s", logger)
	require.NoError(t, j.Start(context.Background()))
	defer j.Stop()

	require.Eventually(t, func() bool {
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.ErrorLevel && e.Message == "panic" {
				return e.Data["component"] == "audio_janitor" && e.Data[logrus.ErrorKey] != nil
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}
