// Package syncclient implements the Client Sync Engine: the logic a
// viewer-side client runs to reconcile its local player state against the
// room coordinator's authoritative, version-sequenced playback state
// without fighting its own optimistic updates or flooding the gateway with
// seek spam.
package syncclient

import (
	"sync"
	"time"

	"watchsync/internal/protocol"
)

// DefaultQuiescence is how long the engine suppresses incoming playback
// broadcasts after a local control action, giving the round trip to the
// room coordinator time to settle before authoritative state is re-applied.
const DefaultQuiescence = 150 * time.Millisecond

// DefaultDebounceBucket bounds how often continuous local updates (seek
// drags) are allowed to emit a video-control message.
const DefaultDebounceBucket = 100 * time.Millisecond

// DefaultDriftThreshold is how far a client's local playback position may
// diverge from the authoritative currentTime before the engine corrects it.
const DefaultDriftThreshold = 0.35 // seconds

// Engine reconciles local playback with the room's authoritative state.
// All mutable state is guarded by mu; callbacks are invoked with mu held,
// matching how the rest of this package keeps state changes and their
// notifications atomic with respect to concurrent incoming broadcasts.
type Engine struct {
	mu sync.Mutex

	quiescence     time.Duration
	debounceBucket time.Duration
	driftThreshold float64

	lastAppliedVersion uint64
	suppressUntil      time.Time
	pendingEcho        *protocol.PlaybackState

	// loadedVideoID is the video the local player is actually ready to
	// play. States referencing a different (or no yet-loaded) videoId are
	// held in pendingVideo rather than applied, and released once
	// MarkVideoLoaded reports that video has become playable.
	loadedVideoID string
	pendingVideo  *protocol.PlaybackState

	lastEmitAt     time.Time
	lastEmitBucket int64

	onApply func(protocol.PlaybackState)
}

// NewEngine creates an Engine with the spec's default timing constants.
// onApply is invoked whenever the engine decides a new playback state
// should be reflected in the local player; it may be nil in tests that only
// exercise the gating logic.
func NewEngine(onApply func(protocol.PlaybackState)) *Engine {
	return &Engine{
		quiescence:     DefaultQuiescence,
		debounceBucket: DefaultDebounceBucket,
		driftThreshold: DefaultDriftThreshold,
		onApply:        onApply,
	}
}

// SetOnApply sets or replaces the apply callback.
func (e *Engine) SetOnApply(fn func(protocol.PlaybackState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onApply = fn
}

// HandleIncoming processes a playback state broadcast from the room
// coordinator. Stale versions are dropped outright (the version gate).
//
// Two independent one-slot buffers can hold a state back from being
// applied immediately, each serving a different purpose:
//
//  1. pendingVideo: the state references a videoId the local player has
//     not yet loaded (or no video has been loaded at all). It is held
//     until MarkVideoLoaded reports that video has become playable.
//  2. pendingEcho: the state arrives during the quiescence window opened
//     by BeginLocalControl, so it is held until that window lapses rather
//     than visibly fighting the user's own just-sent action.
//
// In both cases only the most recent buffered state survives.
func (e *Engine) HandleIncoming(state protocol.PlaybackState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if state.Version <= e.lastAppliedVersion {
		return
	}

	if state.VideoID != "" && state.VideoID != e.loadedVideoID {
		s := state
		e.pendingVideo = &s
		return
	}

	if time.Now().Before(e.suppressUntil) {
		s := state
		e.pendingEcho = &s
		return
	}
	e.applyLocked(state)
}

// MarkVideoLoaded records that videoID is now playable locally. If a
// pending state was buffered waiting for exactly this video, it is applied
// now.
func (e *Engine) MarkVideoLoaded(videoID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loadedVideoID = videoID
	if e.pendingVideo != nil && e.pendingVideo.VideoID == videoID {
		s := *e.pendingVideo
		e.pendingVideo = nil
		e.applyLocked(s)
	}
}

func (e *Engine) applyLocked(state protocol.PlaybackState) {
	e.lastAppliedVersion = state.Version
	e.pendingEcho = nil
	if e.onApply != nil {
		e.onApply(state)
	}
}

// BeginLocalControl must be called immediately before sending a local
// play/pause/seek request. It opens the quiescence window that prevents the
// engine from reacting to the echo of that same action coming back from
// the server, and schedules a drain of whatever arrives during the window.
func (e *Engine) BeginLocalControl() {
	e.mu.Lock()
	e.suppressUntil = time.Now().Add(e.quiescence)
	e.mu.Unlock()

	time.AfterFunc(e.quiescence, e.drainPending)
}

func (e *Engine) drainPending() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Now().Before(e.suppressUntil) {
		// A newer local control extended the window; let that timer drain it.
		return
	}
	if e.pendingEcho != nil {
		s := *e.pendingEcho
		e.applyLocked(s)
	}
}

// ShouldEmit reports whether a continuous local update (typically a seek
// drag) at time now should be sent as a video-control message, bucketing
// emissions to DefaultDebounceBucket so a drag does not flood the gateway.
func (e *Engine) ShouldEmit(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	bucket := now.UnixMilli() / e.debounceBucket.Milliseconds()
	if bucket == e.lastEmitBucket && !e.lastEmitAt.IsZero() {
		return false
	}
	e.lastEmitBucket = bucket
	e.lastEmitAt = now
	return true
}

// CheckDrift compares a client's local playback position against the
// authoritative state and reports whether it has drifted far enough to
// warrant a hard correction, returning the time to jump to when it has.
func (e *Engine) CheckDrift(localTime float64, authoritative protocol.PlaybackState) (correctedTime float64, shouldCorrect bool) {
	diff := authoritative.CurrentTime - localTime
	if diff < 0 {
		diff = -diff
	}
	if diff > e.driftThreshold {
		return authoritative.CurrentTime, true
	}
	return localTime, false
}

// LastAppliedVersion returns the version of the most recently applied
// playback state, for tests and diagnostics.
func (e *Engine) LastAppliedVersion() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAppliedVersion
}
