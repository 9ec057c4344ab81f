package ledger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/jamlabs/go-jamroom/internal/storage"
	"github.com/jamlabs/go-jamroom/internal/testutil"
	"github.com/jamlabs/go-jamroom/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.MemStore) {
	t.Helper()
	store := storage.NewMemStore()
	return NewLedger(store, testutil.TestLogger(t)), store
}

func TestLedger_PutGetDelete(t *testing.T) {
	led, _ := newTestLedger(t)

	_, err := led.Get("alice", "song.mp3")
	assert.ErrorIs(t, err, ErrUploadNotFound)

	rec := types.UploadRecord{UploadedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, led.Put("alice", "song.mp3", rec))

	got, err := led.Get("alice", "song.mp3")
	require.NoError(t, err)
	assert.Equal(t, rec.UploadedAt, got.UploadedAt)
	assert.False(t, got.Permanent)

	require.NoError(t, led.Delete("alice", "song.mp3"))
	_, err = led.Get("alice", "song.mp3")
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestLedger_MissingDocumentIsEmpty(t *testing.T) {
	led, _ := newTestLedger(t)

	list, err := led.List("alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLedger_CorruptDocumentStartsEmpty(t *testing.T) {
	led, store := newTestLedger(t)
	_, err := store.Put(DocumentPath, strings.NewReader("{not json"))
	require.NoError(t, err)

	list, err := led.List("alice")
	require.NoError(t, err)
	assert.Empty(t, list)

	// writes recover the document
	require.NoError(t, led.Put("alice", "a.mp3", types.UploadRecord{UploadedAt: time.Now()}))
	list, err = led.List("alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLedger_List(t *testing.T) {
	led, _ := newTestLedger(t)
	now := time.Now()

	require.NoError(t, led.Put("alice", "b.mp3", types.UploadRecord{UploadedAt: now}))
	require.NoError(t, led.Put("alice", "a.mp3", types.UploadRecord{UploadedAt: now}))
	require.NoError(t, led.Put("bob", "c.mp3", types.UploadRecord{UploadedAt: now}))

	list, err := led.List("alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.mp3", list[0].Filename, "sorted by filename")
	assert.Equal(t, "b.mp3", list[1].Filename)

	all, err := led.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "alice", all[0].Owner)
	assert.Equal(t, "bob", all[2].Owner)
}

func TestLedger_SetPermanent(t *testing.T) {
	led, _ := newTestLedger(t)

	assert.ErrorIs(t, led.SetPermanent("alice", "nope.mp3", true), ErrUploadNotFound)

	require.NoError(t, led.Put("alice", "a.mp3", types.UploadRecord{UploadedAt: time.Now()}))
	require.NoError(t, led.SetPermanent("alice", "a.mp3", true))

	got, err := led.Get("alice", "a.mp3")
	require.NoError(t, err)
	assert.True(t, got.Permanent)

	count, err := led.CountPermanent("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = led.CountPermanent("bob")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLedger_TogglePermanent(t *testing.T) {
	led, _ := newTestLedger(t)
	now := time.Now()

	_, err := led.TogglePermanent("alice", "missing.mp3", 2)
	assert.ErrorIs(t, err, ErrUploadNotFound)

	require.NoError(t, led.Put("alice", "a.mp3", types.UploadRecord{UploadedAt: now}))
	require.NoError(t, led.Put("alice", "b.mp3", types.UploadRecord{UploadedAt: now}))
	require.NoError(t, led.Put("alice", "c.mp3", types.UploadRecord{UploadedAt: now}))

	on, err := led.TogglePermanent("alice", "a.mp3", 2)
	require.NoError(t, err)
	assert.True(t, on)

	on, err = led.TogglePermanent("alice", "b.mp3", 2)
	require.NoError(t, err)
	assert.True(t, on)

	_, err = led.TogglePermanent("alice", "c.mp3", 2)
	assert.ErrorIs(t, err, ErrPermanentLimit, "enabling past the cap is rejected")

	on, err = led.TogglePermanent("alice", "a.mp3", 2)
	require.NoError(t, err)
	assert.False(t, on, "disabling succeeds at the cap")

	on, err = led.TogglePermanent("alice", "c.mp3", 2)
	require.NoError(t, err)
	assert.True(t, on, "the freed slot is usable again")
}

func TestLedger_AddLikes(t *testing.T) {
	led, _ := newTestLedger(t)
	require.NoError(t, led.Put("alice", "a.mp3", types.UploadRecord{UploadedAt: time.Now()}))

	count, err := led.AddLikes(Key("alice", "a.mp3"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = led.AddLikes(Key("alice", "a.mp3"), -1)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = led.AddLikes(Key("alice", "a.mp3"), -5)
	require.NoError(t, err)
	assert.Zero(t, count, "likes never go negative")

	count, err = led.AddLikes("bob/unknown.mp3", 1)
	require.NoError(t, err, "unknown keys are a no-op")
	assert.Zero(t, count)
}

func TestLedger_Expired(t *testing.T) {
	led, _ := newTestLedger(t)
	now := time.Now()
	window := 30 * 24 * time.Hour

	require.NoError(t, led.Put("alice", "old.mp3", types.UploadRecord{UploadedAt: now.Add(-31 * 24 * time.Hour)}))
	require.NoError(t, led.Put("alice", "fresh.mp3", types.UploadRecord{UploadedAt: now.Add(-time.Hour)}))
	require.NoError(t, led.Put("alice", "kept.mp3", types.UploadRecord{
		UploadedAt: now.Add(-31 * 24 * time.Hour), Permanent: true,
	}))
	require.NoError(t, led.Put("alice", "liked.mp3", types.UploadRecord{
		UploadedAt: now.Add(-31 * 24 * time.Hour), Likes: 2,
	}))

	keys, err := led.Expired(now, window)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice/old.mp3"}, keys)
}

func TestLedger_DocumentRoundTrip(t *testing.T) {
	led, store := newTestLedger(t)
	require.NoError(t, led.Put("alice", "a.mp3", types.UploadRecord{UploadedAt: time.Now(), Permanent: true}))

	data, err := store.Get(DocumentPath)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte(`"alice/a.mp3"`)), "document keyed by owner/filename")
	assert.True(t, bytes.Contains(data, []byte(`"permanent": true`)))
}
