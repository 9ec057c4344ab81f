package uploads

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jamlabs/go-jamroom/internal/ledger"
	"github.com/jamlabs/go-jamroom/internal/stats"
	"github.com/jamlabs/go-jamroom/internal/storage"
	"github.com/jamlabs/go-jamroom/internal/testutil"
	"github.com/jamlabs/go-jamroom/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticResolver struct {
	key string
}

func (r staticResolver) TrackUploadKey(trackId string) (string, bool, error) {
	return r.key, r.key != "", nil
}

func newMockStats() *stats.MockStatsUpdater {
	st := &stats.MockStatsUpdater{}
	st.On("Incr", mock.Anything).Return()
	return st
}

func newTestStore(t *testing.T) (*Store, *storage.MemStore, *ledger.Ledger) {
	t.Helper()
	files := storage.NewMemStore()
	led := ledger.NewLedger(files, testutil.TestLogger(t))
	s := NewStore(files, led, nil, newMockStats(), testutil.TestLogger(t))
	return s, files, led
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "song.mp3", "song.mp3"},
		{"keeps spaces and parens", "my song (live).mp3", "my song (live).mp3"},
		{"strips path separators", "../../etc/passwd", "....etcpasswd"},
		{"strips unsafe chars", `so"ng<1>.mp3`, "song1.mp3"},
		{"caps length", strings.Repeat("a", 300) + ".mp3", strings.Repeat("a", 200)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, SanitizeFilename(tc.input))
		})
	}
}

func TestUpload(t *testing.T) {
	s, files, led := newTestStore(t)

	up, err := s.Upload("alice", "song.mp3", 1024, strings.NewReader("audio-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "song.mp3", up.Filename)
	assert.Equal(t, "alice", up.Owner)
	assert.False(t, up.Permanent)

	data, err := files.Get("uploads/alice/song.mp3")
	require.NoError(t, err)
	assert.Equal(t, "audio-bytes", string(data))

	rec, err := led.Get("alice", "song.mp3")
	require.NoError(t, err)
	assert.False(t, rec.UploadedAt.IsZero())
}

func TestUpload_Validation(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.Upload("alice", "notes.txt", 10, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrExtensionNotAllowed)

	_, err = s.Upload("alice", `<>"'`, 10, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrInvalidFilename)

	_, err = s.Upload("alice", "big.mp3", MaxFileSize+1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrFileTooLarge)

	t.Run("extension check is case insensitive", func(t *testing.T) {
		_, err := s.Upload("alice", "SONG.MP3", 10, strings.NewReader("x"))
		assert.NoError(t, err)
	})
}

func TestUpload_CollisionSuffix(t *testing.T) {
	s, files, _ := newTestStore(t)

	up, err := s.Upload("alice", "song.mp3", 1, strings.NewReader("a"))
	require.NoError(t, err)
	assert.Equal(t, "song.mp3", up.Filename)

	up, err = s.Upload("alice", "song.mp3", 1, strings.NewReader("b"))
	require.NoError(t, err)
	assert.Equal(t, "song (1).mp3", up.Filename)

	up, err = s.Upload("alice", "song.mp3", 1, strings.NewReader("c"))
	require.NoError(t, err)
	assert.Equal(t, "song (2).mp3", up.Filename)

	exists, err := files.Exists("uploads/alice/song (1).mp3")
	require.NoError(t, err)
	assert.True(t, exists)

	t.Run("same name from another owner does not collide", func(t *testing.T) {
		up, err := s.Upload("bob", "song.mp3", 1, strings.NewReader("d"))
		require.NoError(t, err)
		assert.Equal(t, "song.mp3", up.Filename)
	})
}

func TestUpload_RateLimit(t *testing.T) {
	s, _, _ := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	for i := 0; i < RateLimitCount; i++ {
		_, err := s.Upload("alice", fmt.Sprintf("s%d.mp3", i), 1, strings.NewReader("x"))
		require.NoError(t, err)
	}

	_, err := s.Upload("alice", "one-more.mp3", 1, strings.NewReader("x"))
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = s.Upload("bob", "other.mp3", 1, strings.NewReader("x"))
	assert.NoError(t, err, "limit is per owner")

	t.Run("window resets", func(t *testing.T) {
		s.now = func() time.Time { return base.Add(RateLimitWindow + time.Second) }
		_, err := s.Upload("alice", "later.mp3", 1, strings.NewReader("x"))
		assert.NoError(t, err)
	})
}

func TestTogglePermanent_Quota(t *testing.T) {
	s, _, led := newTestStore(t)
	now := time.Now()

	for i := 0; i < PermanentQuota+1; i++ {
		require.NoError(t, led.Put("alice", fmt.Sprintf("s%d.mp3", i), types.UploadRecord{UploadedAt: now}))
	}
	for i := 0; i < PermanentQuota; i++ {
		got, err := s.TogglePermanent("alice", fmt.Sprintf("s%d.mp3", i))
		require.NoError(t, err)
		assert.True(t, got)
	}

	// the 51st enable is rejected
	_, err := s.TogglePermanent("alice", fmt.Sprintf("s%d.mp3", PermanentQuota))
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	// disabling always succeeds, and frees a slot
	got, err := s.TogglePermanent("alice", "s0.mp3")
	require.NoError(t, err)
	assert.False(t, got)

	got, err = s.TogglePermanent("alice", fmt.Sprintf("s%d.mp3", PermanentQuota))
	require.NoError(t, err)
	assert.True(t, got)

	t.Run("admin override ignores quota", func(t *testing.T) {
		require.NoError(t, led.Put("alice", "extra.mp3", types.UploadRecord{UploadedAt: now}))
		assert.NoError(t, s.SetPermanent("alice", "extra.mp3", true))
	})

	t.Run("unknown upload", func(t *testing.T) {
		_, err := s.TogglePermanent("alice", "missing.mp3")
		assert.ErrorIs(t, err, ledger.ErrUploadNotFound)
	})

	t.Run("concurrent enables cannot overshoot", func(t *testing.T) {
		s, _, led := newTestStore(t)
		for i := 0; i < PermanentQuota-1; i++ {
			require.NoError(t, led.Put("bob", fmt.Sprintf("p%d.mp3", i), types.UploadRecord{UploadedAt: now, Permanent: true}))
		}
		require.NoError(t, led.Put("bob", "a.mp3", types.UploadRecord{UploadedAt: now}))
		require.NoError(t, led.Put("bob", "b.mp3", types.UploadRecord{UploadedAt: now}))

		errs := make(chan error, 2)
		for _, name := range []string{"a.mp3", "b.mp3"} {
			go func(name string) {
				_, err := s.TogglePermanent("bob", name)
				errs <- err
			}(name)
		}

		rejected := 0
		for i := 0; i < 2; i++ {
			if err := <-errs; err != nil {
				assert.ErrorIs(t, err, ErrQuotaExceeded)
				rejected++
			}
		}
		assert.Equal(t, 1, rejected, "only one enable wins the last slot")

		count, err := led.CountPermanent("bob")
		require.NoError(t, err)
		assert.Equal(t, PermanentQuota, count)
	})
}

func TestDelete(t *testing.T) {
	s, files, led := newTestStore(t)

	_, err := s.Upload("alice", "song.mp3", 1, strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, s.Delete("alice", "song.mp3"))

	exists, err := files.Exists("uploads/alice/song.mp3")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = led.Get("alice", "song.mp3")
	assert.ErrorIs(t, err, ledger.ErrUploadNotFound)
}

func TestSweepExpired(t *testing.T) {
	s, files, led := newTestStore(t)
	now := time.Now()
	old := now.Add(-RetentionWindow - time.Hour)

	seed := func(name string, rec types.UploadRecord) {
		_, err := files.Put("uploads/alice/"+name, strings.NewReader("x"))
		require.NoError(t, err)
		require.NoError(t, led.Put("alice", name, rec))
	}

	seed("old.mp3", types.UploadRecord{UploadedAt: old})
	seed("fresh.mp3", types.UploadRecord{UploadedAt: now})
	seed("permanent.mp3", types.UploadRecord{UploadedAt: old, Permanent: true})
	seed("liked.mp3", types.UploadRecord{UploadedAt: old, Likes: 1})

	s.now = func() time.Time { return now }
	deleted := s.SweepExpired()
	assert.Equal(t, []string{"alice/old.mp3"}, deleted)

	exists, _ := files.Exists("uploads/alice/old.mp3")
	assert.False(t, exists)
	for _, kept := range []string{"fresh.mp3", "permanent.mp3", "liked.mp3"} {
		exists, _ := files.Exists("uploads/alice/" + kept)
		assert.True(t, exists, kept)
	}
}

func TestNoteTrackLike(t *testing.T) {
	files := storage.NewMemStore()
	led := ledger.NewLedger(files, testutil.TestLogger(t))
	require.NoError(t, led.Put("alice", "song.mp3", types.UploadRecord{UploadedAt: time.Now()}))

	s := NewStore(files, led, staticResolver{key: "alice/song.mp3"}, newMockStats(), testutil.TestLogger(t))

	s.NoteTrackLike("track-1", 1)
	rec, err := led.Get("alice", "song.mp3")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Likes)

	s.NoteTrackLike("track-1", -1)
	rec, _ = led.Get("alice", "song.mp3")
	assert.Zero(t, rec.Likes)

	t.Run("non-upload tracks are ignored", func(t *testing.T) {
		s := NewStore(files, led, staticResolver{}, newMockStats(), testutil.TestLogger(t))
		s.NoteTrackLike("other-track", 1)
		rec, _ := led.Get("alice", "song.mp3")
		assert.Zero(t, rec.Likes)
	})
}

func TestList(t *testing.T) {
	s, _, led := newTestStore(t)
	now := time.Now()

	require.NoError(t, led.Put("alice", "a.mp3", types.UploadRecord{UploadedAt: now, Permanent: true}))
	require.NoError(t, led.Put("alice", "b.mp3", types.UploadRecord{UploadedAt: now}))

	list, permanent, err := s.List("alice")
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, 1, permanent)
}
