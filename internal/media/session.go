package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/curevia/telecall/internal/callerr"
	"github.com/curevia/telecall/internal/config"
)

const (
	// releaseGrace bounds how long Release waits for tracks to report ended
	// before handing off to the coax cycle.
	releaseGrace     = 500 * time.Millisecond
	releasePollEvery = 50 * time.Millisecond
)

// Manager owns local capture acquisition and, critically, release. A leaked
// live track means the camera indicator keeps glowing after the call, so
// Release verifies its post-condition and falls back to a capture-and-drop
// coax cycle for stuck devices.
type Manager struct {
	capturer Capturer
	release  config.RetryPolicy
	log      *zap.Logger
}

// NewManager builds a Manager. A nil logger is replaced with a no-op one.
func NewManager(capturer Capturer, release config.RetryPolicy, log *zap.Logger) (*Manager, error) {
	if capturer == nil {
		return nil, fmt.Errorf("capturer cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{capturer: capturer, release: release, log: log.Named("media")}, nil
}

// Session is the local capture state of one call attempt. All mutation goes
// through the Manager or the session's own methods; consumers only read.
type Session struct {
	mu       sync.Mutex
	tracks   []Track
	released bool
	log      *zap.Logger
}

// Acquire requests local capture for the given call type. It honors ctx:
// if the caller gives up while the platform permission prompt is pending,
// the late-arriving tracks are stopped immediately and never handed out.
func (m *Manager) Acquire(ctx context.Context, callType CallType) (*Session, error) {
	type result struct {
		tracks []Track
		err    error
	}
	done := make(chan result, 1)
	go func() {
		tracks, err := m.capturer.Capture(ctx, callType)
		done <- result{tracks: tracks, err: err}
	}()

	select {
	case <-ctx.Done():
		// Abort-after-completion race: the capture may still resolve after
		// the call died. Whatever it acquired is released on the spot.
		go func() {
			if r := <-done; r.err == nil {
				m.log.Warn("capture resolved after cancellation, releasing immediately",
					zap.Int("tracks", len(r.tracks)))
				stopAll(r.tracks, m.log)
			}
		}()
		return nil, callerr.New(callerr.KindStaleOperation, "media.acquire", ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if err := ctx.Err(); err != nil {
			stopAll(r.tracks, m.log)
			return nil, callerr.New(callerr.KindStaleOperation, "media.acquire", err)
		}
		m.log.Info("local capture acquired",
			zap.String("call_type", string(callType)),
			zap.Int("tracks", len(r.tracks)))
		return &Session{tracks: r.tracks, log: m.log}, nil
	}
}

// Release stops every track of the session regardless of enabled state and
// verifies each reached ended. Safe to call any number of times and from any
// session state. If a track refuses to end within the grace period, a
// best-effort coax cycle runs in the background; Release never blocks on it.
func (m *Manager) Release(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	tracks, first := s.takeTracks()
	if !first {
		return nil
	}
	stopAll(tracks, m.log)

	stuck := waitForEnded(tracks, releaseGrace)
	if len(stuck) == 0 {
		m.log.Info("media session released", zap.Int("tracks", len(tracks)))
		return nil
	}

	ids := make([]string, 0, len(stuck))
	for _, t := range stuck {
		ids = append(ids, t.ID())
	}
	m.log.Warn("tracks failed to end within grace period, starting coax cycle",
		zap.Strings("track_ids", ids))
	go m.coaxRelease(ctx, stuck)
	return nil
}

// ForceRelease runs the coax cycle directly. It is the escape hatch for a
// device stuck outside any session.
func (m *Manager) ForceRelease(ctx context.Context, callType CallType) error {
	return m.coaxOnce(ctx, callType)
}

// coaxRelease re-requests and immediately drops capture to make the
// platform relinquish a stuck device, bounded by the injected retry policy.
func (m *Manager) coaxRelease(ctx context.Context, stuck []Track) {
	callType := CallTypeAudio
	for _, t := range stuck {
		if t.Kind() == TrackKindVideo {
			callType = CallTypeVideo
			break
		}
	}

	op := func() error {
		if err := m.coaxOnce(ctx, callType); err != nil {
			return err
		}
		if remaining := waitForEnded(stuck, releasePollEvery); len(remaining) > 0 {
			return fmt.Errorf("%d tracks still live", len(remaining))
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(m.newBackOff(), ctx)); err != nil {
		m.log.Error("coax cycle gave up, device may remain held", zap.Error(err))
		return
	}
	m.log.Info("coax cycle recovered the device")
}

func (m *Manager) coaxOnce(ctx context.Context, callType CallType) error {
	tracks, err := m.capturer.Capture(ctx, callType)
	if err != nil {
		return err
	}
	stopAll(tracks, m.log)
	return nil
}

func (m *Manager) newBackOff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if m.release.BaseDelay > 0 {
		ebo.InitialInterval = m.release.BaseDelay
	}
	if m.release.Multiplier > 0 {
		ebo.Multiplier = m.release.Multiplier
	}
	ebo.Reset()
	if m.release.MaxAttempts > 0 {
		return backoff.WithMaxRetries(ebo, m.release.MaxAttempts-1)
	}
	return ebo
}

// Toggle flips the enabled flag on all tracks of the given kind and returns
// the resulting enabled state. Stopping is release, not muting, so the
// tracks stay live. No-ops with a warning when no such tracks exist.
func (s *Session) Toggle(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var target []Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			target = append(target, t)
		}
	}
	if len(target) == 0 {
		s.log.Warn("toggle requested for absent track kind", zap.String("kind", string(kind)))
		return false
	}

	next := !target[0].Enabled()
	for _, t := range target {
		t.SetEnabled(next)
	}
	return next
}

// Enabled reports whether any live track of the given kind is enabled.
func (s *Session) Enabled(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Kind() == kind && t.ReadyState() == TrackStateLive && t.Enabled() {
			return true
		}
	}
	return false
}

// Tracks returns the session's tracks. The slice is a copy; the tracks are
// shared and must only be stopped through Release.
func (s *Session) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// LiveTracks counts tracks that have not reached ended.
func (s *Session) LiveTracks() int {
	s.mu.Lock()
	tracks := make([]Track, len(s.tracks))
	copy(tracks, s.tracks)
	s.mu.Unlock()

	n := 0
	for _, t := range tracks {
		if t.ReadyState() == TrackStateLive {
			n++
		}
	}
	return n
}

// Released reports whether Release has already run.
func (s *Session) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// takeTracks marks the session released and hands the track list to the
// caller exactly once. The session's own reference is cleared so a released
// session reads as empty to Toggle and Tracks.
func (s *Session) takeTracks() ([]Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil, false
	}
	s.released = true
	tracks := s.tracks
	s.tracks = nil
	return tracks, true
}

func stopAll(tracks []Track, log *zap.Logger) {
	for _, t := range tracks {
		if err := t.Stop(); err != nil {
			log.Warn("failed to stop track", zap.String("track_id", t.ID()), zap.Error(err))
		}
	}
}

// waitForEnded polls until every track reports ended or the deadline
// passes, returning the tracks still live.
func waitForEnded(tracks []Track, grace time.Duration) []Track {
	deadline := time.Now().Add(grace)
	for {
		var live []Track
		for _, t := range tracks {
			if t.ReadyState() != TrackStateEnded {
				live = append(live, t)
			}
		}
		if len(live) == 0 || time.Now().After(deadline) {
			return live
		}
		time.Sleep(releasePollEvery)
	}
}
