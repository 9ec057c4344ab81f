// Package ledger maintains the single metadata document tracking every
// upload's attributes on the remote store.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jamlabs/go-jamroom/internal/storage"
	"github.com/jamlabs/go-jamroom/types"
)

// DocumentPath is the fixed location of the ledger document relative to
// the store root.
const DocumentPath = "uploads/.uploads-meta.json"

var (
	ErrUploadNotFound = errors.New("upload not found")
	// ErrPermanentLimit is returned by TogglePermanent when enabling
	// would push the owner past the cap.
	ErrPermanentLimit = errors.New("permanent upload limit reached")
)

// Ledger is the sole owner of upload records. Every operation is a
// whole-document read-modify-write; the mutex makes the ledger a
// single writer so concurrent callers cannot lose updates.
type Ledger struct {
	store storage.Store
	log   *log.Logger
	mu    sync.Mutex
}

func NewLedger(store storage.Store, logger *log.Logger) *Ledger {
	return &Ledger{store: store, log: logger}
}

// Key builds the ledger key for an upload.
func Key(owner, filename string) string {
	return owner + "/" + filename
}

// read loads the document. A missing document is an empty ledger; an
// unparsable one is treated the same, with a log line, so a corrupted
// document never wedges uploads.
func (l *Ledger) read() (map[string]types.UploadRecord, error) {
	data, err := l.store.Get(DocumentPath)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return make(map[string]types.UploadRecord), nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	doc := make(map[string]types.UploadRecord)
	if err := json.Unmarshal(data, &doc); err != nil {
		l.log.Printf("ledger document unparsable, starting empty: %v", err)
		return make(map[string]types.UploadRecord), nil
	}
	return doc, nil
}

func (l *Ledger) write(doc map[string]types.UploadRecord) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	if _, err := l.store.Put(DocumentPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func (l *Ledger) Get(owner, filename string) (types.UploadRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return types.UploadRecord{}, err
	}

	rec, ok := doc[Key(owner, filename)]
	if !ok {
		return types.UploadRecord{}, ErrUploadNotFound
	}
	return rec, nil
}

func (l *Ledger) Put(owner, filename string, rec types.UploadRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return err
	}
	doc[Key(owner, filename)] = rec
	return l.write(doc)
}

func (l *Ledger) Delete(owner, filename string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return err
	}
	delete(doc, Key(owner, filename))
	return l.write(doc)
}

// List returns the owner's uploads sorted by filename.
func (l *Ledger) List(owner string) ([]types.Upload, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return nil, err
	}

	prefix := owner + "/"
	uploads := []types.Upload{}
	for key, rec := range doc {
		if strings.HasPrefix(key, prefix) {
			uploads = append(uploads, types.Upload{
				Filename:     strings.TrimPrefix(key, prefix),
				UploadRecord: rec,
			})
		}
	}

	sort.Slice(uploads, func(i, j int) bool { return uploads[i].Filename < uploads[j].Filename })
	return uploads, nil
}

// ListAll returns every upload with its owner, sorted by key.
func (l *Ledger) ListAll() ([]types.Upload, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return nil, err
	}

	uploads := []types.Upload{}
	for key, rec := range doc {
		owner, filename, ok := strings.Cut(key, "/")
		if !ok {
			continue
		}
		uploads = append(uploads, types.Upload{
			Owner:        owner,
			Filename:     filename,
			UploadRecord: rec,
		})
	}

	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Owner != uploads[j].Owner {
			return uploads[i].Owner < uploads[j].Owner
		}
		return uploads[i].Filename < uploads[j].Filename
	})
	return uploads, nil
}

func (l *Ledger) SetPermanent(owner, filename string, permanent bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return err
	}

	key := Key(owner, filename)
	rec, ok := doc[key]
	if !ok {
		return ErrUploadNotFound
	}

	rec.Permanent = permanent
	doc[key] = rec
	return l.write(doc)
}

// TogglePermanent flips the record's permanence flag and returns the
// new value. The cap check and the write happen in one critical
// section, so concurrent enables cannot overshoot maxPermanent.
// Disabling always succeeds.
func (l *Ledger) TogglePermanent(owner, filename string, maxPermanent int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return false, err
	}

	key := Key(owner, filename)
	rec, ok := doc[key]
	if !ok {
		return false, ErrUploadNotFound
	}

	if !rec.Permanent {
		prefix := owner + "/"
		count := 0
		for k, r := range doc {
			if strings.HasPrefix(k, prefix) && r.Permanent {
				count++
			}
		}
		if count >= maxPermanent {
			return false, ErrPermanentLimit
		}
	}

	rec.Permanent = !rec.Permanent
	doc[key] = rec
	if err := l.write(doc); err != nil {
		return false, err
	}
	return rec.Permanent, nil
}

// AddLikes adjusts a record's like count by delta, never below zero,
// and returns the new count. Unknown keys are a no-op: the track was
// not an upload.
func (l *Ledger) AddLikes(key string, delta int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return 0, err
	}

	rec, ok := doc[key]
	if !ok {
		return 0, nil
	}

	rec.Likes += delta
	if rec.Likes < 0 {
		rec.Likes = 0
	}
	doc[key] = rec
	if err := l.write(doc); err != nil {
		return 0, err
	}
	return rec.Likes, nil
}

func (l *Ledger) CountPermanent(owner string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return 0, err
	}

	prefix := owner + "/"
	count := 0
	for key, rec := range doc {
		if strings.HasPrefix(key, prefix) && rec.Permanent {
			count++
		}
	}
	return count, nil
}

// Expired returns the keys of uploads eligible for the retention
// sweep: non-permanent, unliked, and older than the window.
func (l *Ledger) Expired(now time.Time, window time.Duration) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.read()
	if err != nil {
		return nil, err
	}

	var keys []string
	for key, rec := range doc {
		if rec.Permanent || rec.Likes > 0 {
			continue
		}
		if now.Sub(rec.UploadedAt) > window {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}
