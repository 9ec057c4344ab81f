// Package uploads accepts user-contributed audio files, enforces the
// type/size/quota policy, and keeps the metadata ledger current.
package uploads

import (
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jamlabs/go-jamroom/internal/ledger"
	"github.com/jamlabs/go-jamroom/internal/stats"
	"github.com/jamlabs/go-jamroom/internal/storage"
	"github.com/jamlabs/go-jamroom/types"
)

const (
	// MaxFileSize is the upload ceiling, enforced against the declared
	// length up front and again mid-stream.
	MaxFileSize = 200 << 20
	// PermanentQuota is the per-owner cap on permanent uploads.
	PermanentQuota = 50
	// RateLimitCount uploads per owner per RateLimitWindow.
	RateLimitCount  = 5
	RateLimitWindow = time.Hour
	// RetentionWindow is how long non-permanent, unliked uploads are
	// kept before the sweep deletes them.
	RetentionWindow = 30 * 24 * time.Hour

	maxFilenameLen       = 200
	maxCollisionAttempts = 99

	// Dir is the prefix all uploaded files live under on the store.
	Dir = "uploads"
)

var allowedExtensions = map[string]bool{
	".mp3": true, ".flac": true, ".ogg": true, ".opus": true,
	".m4a": true, ".wav": true, ".aac": true,
}

var (
	ErrExtensionNotAllowed = errors.New("file type not allowed")
	ErrFileTooLarge        = errors.New("file too large")
	ErrRateLimited         = errors.New("upload limit reached")
	ErrInvalidFilename     = errors.New("invalid filename")
	ErrTooManyDuplicates   = errors.New("too many duplicate filenames")
	ErrQuotaExceeded       = errors.New("permanent quota reached")
)

var filenameSafeRe = regexp.MustCompile(`[^a-zA-Z0-9._\-() ]`)

// LikeResolver maps a catalogue track id to an upload ledger key, when
// the track is one of ours.
type LikeResolver interface {
	TrackUploadKey(trackId string) (string, bool, error)
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// Store validates and persists uploads. Files go to the remote store
// under Dir/{owner}/{filename}; attributes go to the ledger.
type Store struct {
	log      *log.Logger
	files    storage.Store
	ledger   *ledger.Ledger
	resolver LikeResolver
	stats    stats.StatsProvider

	rateMu sync.Mutex
	rates  map[string]*rateEntry

	now func() time.Time
}

func NewStore(files storage.Store, led *ledger.Ledger, resolver LikeResolver, sp stats.StatsProvider, logger *log.Logger) *Store {
	return &Store{
		log:      logger,
		files:    files,
		ledger:   led,
		resolver: resolver,
		stats:    sp,
		rates:    make(map[string]*rateEntry),
		now:      time.Now,
	}
}

// SanitizeFilename reduces a client-declared filename to the safe
// character set and caps its length.
func SanitizeFilename(name string) string {
	name = filenameSafeRe.ReplaceAllString(name, "")
	name = strings.TrimSpace(name)
	if len(name) > maxFilenameLen {
		name = name[:maxFilenameLen]
	}
	return name
}

func storagePath(owner, filename string) string {
	return path.Join(Dir, owner, filename)
}

func ledgerKeyParts(key string) (owner, filename string, ok bool) {
	return strings.Cut(key, "/")
}

// checkRateLimit counts an upload attempt against the owner's current
// window, returning false at the cap. The window is fixed: it resets
// wholesale once it elapses.
func (s *Store) checkRateLimit(owner string) bool {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	now := s.now()
	entry, ok := s.rates[owner]
	if !ok || now.After(entry.resetAt) {
		s.rates[owner] = &rateEntry{count: 1, resetAt: now.Add(RateLimitWindow)}
		return true
	}

	if entry.count >= RateLimitCount {
		return false
	}
	entry.count++
	return true
}

// resolveFilename finds a free name for the owner, appending " (n)"
// before the extension on collision.
func (s *Store) resolveFilename(owner, filename string) (string, error) {
	exists, err := s.files.Exists(storagePath(owner, filename))
	if err != nil {
		return "", fmt.Errorf("check collision: %w", err)
	}
	if !exists {
		return filename, nil
	}

	ext := path.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	for i := 1; i <= maxCollisionAttempts; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, i, ext)
		exists, err := s.files.Exists(storagePath(owner, candidate))
		if err != nil {
			return "", fmt.Errorf("check collision: %w", err)
		}
		if !exists {
			return candidate, nil
		}
	}

	return "", ErrTooManyDuplicates
}

// Upload validates and persists one inbound file. declaredSize may be
// <= 0 when unknown; the hard cap is enforced mid-stream regardless,
// and an oversized stream leaves nothing behind.
func (s *Store) Upload(owner, filename string, declaredSize int64, r io.Reader) (types.Upload, error) {
	filename = SanitizeFilename(filename)
	if filename == "" {
		return types.Upload{}, ErrInvalidFilename
	}

	ext := strings.ToLower(path.Ext(filename))
	if !allowedExtensions[ext] {
		return types.Upload{}, ErrExtensionNotAllowed
	}

	if declaredSize > MaxFileSize {
		return types.Upload{}, ErrFileTooLarge
	}

	if !s.checkRateLimit(owner) {
		return types.Upload{}, ErrRateLimited
	}

	finalName, err := s.resolveFilename(owner, filename)
	if err != nil {
		return types.Upload{}, err
	}

	dst := storagePath(owner, finalName)
	// Read one byte past the cap so an at-limit file is distinguishable
	// from an oversized one.
	n, err := s.files.Put(dst, io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return types.Upload{}, fmt.Errorf("store upload: %w", err)
	}
	if n > MaxFileSize {
		if derr := s.files.Delete(dst); derr != nil {
			s.log.Printf("failed to remove oversized partial %q: %v", dst, derr)
		}
		return types.Upload{}, ErrFileTooLarge
	}

	rec := types.UploadRecord{UploadedAt: s.now()}
	if err := s.ledger.Put(owner, finalName, rec); err != nil {
		// Keep uploads all-or-nothing: no file without a ledger entry.
		if derr := s.files.Delete(dst); derr != nil {
			s.log.Printf("failed to remove unledgered upload %q: %v", dst, derr)
		}
		return types.Upload{}, err
	}

	s.log.Printf("upload stored: %q (%d bytes)", dst, n)
	return types.Upload{Filename: finalName, Owner: owner, UploadRecord: rec}, nil
}

// List returns the owner's uploads together with their permanent count.
func (s *Store) List(owner string) ([]types.Upload, int, error) {
	uploads, err := s.ledger.List(owner)
	if err != nil {
		return nil, 0, err
	}

	permanent := 0
	for _, u := range uploads {
		if u.Permanent {
			permanent++
		}
	}
	return uploads, permanent, nil
}

func (s *Store) ListAll() ([]types.Upload, error) {
	return s.ledger.ListAll()
}

// TogglePermanent flips the owner's permanence flag. Enabling is
// rejected at quota; disabling always succeeds. The quota check runs
// inside the ledger's critical section, so concurrent toggles cannot
// overshoot it.
func (s *Store) TogglePermanent(owner, filename string) (bool, error) {
	permanent, err := s.ledger.TogglePermanent(owner, filename, PermanentQuota)
	if errors.Is(err, ledger.ErrPermanentLimit) {
		return false, ErrQuotaExceeded
	}
	if err != nil {
		return false, err
	}
	return permanent, nil
}

// SetPermanent sets the flag explicitly, bypassing the quota. Admin
// override only.
func (s *Store) SetPermanent(owner, filename string, permanent bool) error {
	return s.ledger.SetPermanent(owner, filename, permanent)
}

// Delete removes the file and its ledger entry. A missing file is not
// an error; the ledger entry is still cleared.
func (s *Store) Delete(owner, filename string) error {
	if err := s.files.Delete(storagePath(owner, filename)); err != nil {
		s.log.Printf("delete upload file %s/%s: %v", owner, filename, err)
	}
	return s.ledger.Delete(owner, filename)
}

// NoteTrackLike adjusts the like count of the upload backing trackId,
// if any. Fire-and-forget: failures are logged, never surfaced.
func (s *Store) NoteTrackLike(trackId string, delta int) {
	if s.resolver == nil {
		return
	}

	key, ok, err := s.resolver.TrackUploadKey(trackId)
	if err != nil {
		s.log.Printf("resolve upload for track %q: %v", trackId, err)
		return
	}
	if !ok {
		return
	}

	count, err := s.ledger.AddLikes(key, delta)
	if err != nil {
		s.log.Printf("update upload likes for %q: %v", key, err)
		return
	}
	s.log.Printf("upload likes: %s -> %d (%+d)", key, count, delta)
}
