// Package player implements the client-side half of the playback
// protocol: reconciling a local player against authoritative sync
// snapshots, and the cooperative track-end advance performed by
// whichever client holds control authority.
package player

import (
	"slices"
	"time"

	"github.com/jamlabs/go-jamroom/types"
)

const (
	// DriftThreshold is the largest tolerated gap between the local
	// position and the position implied by the latest snapshot before
	// the player seeks. Below it, playback continues uninterrupted to
	// avoid audible stutter.
	DriftThreshold = 0.5

	// HeartbeatInterval is how often a client reports its advisory
	// position. Heartbeats are presence-only and never trigger
	// broadcasts.
	HeartbeatInterval = 2 * time.Second
)

// Correction is the action a local player should take after evaluating
// a sync snapshot.
type Correction struct {
	// Seek is true when drift exceeded the threshold; the player should
	// jump to Position.
	Seek bool
	// Position is the expected position implied by the snapshot.
	Position float64
	// SetPlaying is true when the local play/pause state disagrees with
	// the snapshot and must be forced to Playing.
	SetPlaying bool
	Playing    bool
}

// Evaluate reconciles the local player against a snapshot. The expected
// position is the snapshot position plus elapsed wall-clock time while
// playing; no clock-skew handshake is performed, systematic skew is
// accepted as error.
func Evaluate(snap types.PlaybackState, localPosition float64, localPlaying bool, now time.Time) Correction {
	expected := snap.Position
	if snap.Playing {
		expected += now.Sub(snap.Timestamp).Seconds()
	}

	c := Correction{Position: expected}

	drift := localPosition - expected
	if drift < 0 {
		drift = -drift
	}
	if drift > DriftThreshold {
		c.Seek = true
	}

	if localPlaying != snap.Playing {
		c.SetPlaying = true
		c.Playing = snap.Playing
	}

	return c
}

// Advance is the play command the controlling client should issue when
// its local playback reaches the end of a track: play Next and replace
// the shared queue with Queue.
type Advance struct {
	Next  types.Track
	Queue []types.Track
}

// NextTrack computes the cooperative track-end advance. The finished
// track is dropped from the queue head (requeued at the tail when
// repeat is set) and the new head becomes the next play command.
// Returns ok=false when nothing is left to play. Only the client with
// control authority is expected to call this; the server does not
// deduplicate concurrent triggers.
func NextTrack(finished types.Track, queue []types.Track, repeat bool) (Advance, bool) {
	rest := slices.Clone(queue)
	if len(rest) > 0 && rest[0].Id == finished.Id {
		rest = rest[1:]
	}
	if repeat && finished.Id != "" {
		rest = append(rest, finished)
	}

	if len(rest) == 0 {
		return Advance{}, false
	}
	return Advance{Next: rest[0], Queue: rest}, true
}
