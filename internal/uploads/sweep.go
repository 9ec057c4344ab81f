package uploads

import (
	"context"
	"time"

	"github.com/jamlabs/go-jamroom/internal/stats"
)

const (
	// SweepInterval is how often expired uploads are collected.
	SweepInterval = 24 * time.Hour
	// sweepStartDelay gives the store a moment after boot before the
	// first pass.
	sweepStartDelay = 10 * time.Second
)

// SweepExpired deletes uploads older than the retention window that
// are neither permanent nor liked. Failures on individual entries are
// logged and skipped.
func (s *Store) SweepExpired() []string {
	keys, err := s.ledger.Expired(s.now(), RetentionWindow)
	if err != nil {
		s.log.Printf("collect expired uploads: %v", err)
		return nil
	}

	var deleted []string
	for _, key := range keys {
		owner, filename, ok := ledgerKeyParts(key)
		if !ok {
			continue
		}
		if err := s.Delete(owner, filename); err != nil {
			s.log.Printf("sweep upload %q: %v", key, err)
			continue
		}
		s.stats.Incr(stats.UploadsSwept)
		deleted = append(deleted, key)
	}

	if len(deleted) > 0 {
		s.log.Printf("swept %d expired uploads", len(deleted))
	}
	return deleted
}

// RunSweeper periodically removes expired uploads until ctx is done.
func (s *Store) RunSweeper(ctx context.Context) {
	timer := time.NewTimer(sweepStartDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.SweepExpired()
			timer.Reset(SweepInterval)
		}
	}
}
