// Package media acquires and releases local capture and records remote tracks.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"supportcall/native/internal/domain"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Constraints selects which kinds a capture attempt must open.
type Constraints struct {
	Audio bool
	Video bool
}

// Stream is an opened set of local tracks.
type Stream interface {
	Tracks() []pion.TrackLocal
	Close() error
}

// Capturer opens capture devices. A Capture call fails as a unit if any
// requested kind cannot be opened.
type Capturer interface {
	Capture(ctx context.Context, c Constraints) (Stream, error)
}

// Capture is the result of a successful Acquire.
type Capture struct {
	Tracks []pion.TrackLocal
	// AudioOnly is set when video could not be opened and capture fell back.
	AudioOnly bool
}

// Manager owns the current local capture. Acquire is idempotent while a
// stream is held; Release is safe to call at any time.
type Manager struct {
	capturer Capturer
	log      zerolog.Logger

	mu        sync.Mutex
	stream    Stream
	audioOnly bool
}

// NewManager creates a Manager on top of capturer.
func NewManager(capturer Capturer, log zerolog.Logger) *Manager {
	return &Manager{capturer: capturer, log: log}
}

// Acquire opens audio+video, falling back to audio-only. Audio is required;
// video is best effort.
func (m *Manager) Acquire(ctx context.Context) (*Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stream != nil {
		return &Capture{Tracks: m.stream.Tracks(), AudioOnly: m.audioOnly}, nil
	}

	stream, err := m.capturer.Capture(ctx, Constraints{Audio: true, Video: true})
	if err == nil {
		m.stream, m.audioOnly = stream, false
		m.log.Info().Int("tracks", len(stream.Tracks())).Msg("local media captured (audio+video)")
		return &Capture{Tracks: stream.Tracks()}, nil
	}
	m.log.Warn().Err(err).Msg("audio+video capture failed, trying audio-only")

	stream, audioErr := m.capturer.Capture(ctx, Constraints{Audio: true})
	if audioErr != nil {
		return nil, &domain.MediaAccessError{Err: errors.Join(err, audioErr)}
	}

	m.stream, m.audioOnly = stream, true
	m.log.Info().Int("tracks", len(stream.Tracks())).Msg("local media captured (audio-only)")
	return &Capture{Tracks: stream.Tracks(), AudioOnly: true}, nil
}

// Tracks returns the currently held local tracks, or nil.
func (m *Manager) Tracks() []pion.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return nil
	}
	return m.stream.Tracks()
}

// Release stops every track and forgets the stream.
func (m *Manager) Release() {
	m.mu.Lock()
	stream := m.stream
	m.stream, m.audioOnly = nil, false
	m.mu.Unlock()

	if stream == nil {
		return
	}
	if err := stream.Close(); err != nil {
		m.log.Warn().Err(err).Msg("close local stream")
		return
	}
	m.log.Info().Msg("local media released")
}

// VideoUnavailableNotice is the user-facing text for an audio-only fallback.
func VideoUnavailableNotice() string {
	return fmt.Sprintf("%s, continuing with audio only", domain.ErrVideoUnavailable)
}
