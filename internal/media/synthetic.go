package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// opusSilence is a single 20ms Opus DTX frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceFrame = 20 * time.Millisecond

// SyntheticCapturer produces a silent Opus microphone track and, when
// HasCamera is set, an idle VP8 camera track. It stands in for real
// devices on hosts built without mediadevices support.
type SyntheticCapturer struct {
	HasCamera bool
}

// Capture implements Capturer.
func (s *SyntheticCapturer) Capture(_ context.Context, c Constraints) (Stream, error) {
	if c.Video && !s.HasCamera {
		return nil, fmt.Errorf("no camera device")
	}

	streamID := "local-" + uuid.NewString()
	st := &syntheticStream{done: make(chan struct{})}

	if c.Audio {
		audio, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		st.tracks = append(st.tracks, audio)
		st.wg.Add(1)
		go st.writeSilence(audio)
	}

	if c.Video {
		video, err := pion.NewTrackLocalStaticSample(
			pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("create video track: %w", err)
		}
		st.tracks = append(st.tracks, video)
	}

	return st, nil
}

type syntheticStream struct {
	tracks []pion.TrackLocal

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

func (s *syntheticStream) Tracks() []pion.TrackLocal { return s.tracks }

func (s *syntheticStream) Close() error {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}

func (s *syntheticStream) writeSilence(track *pion.TrackLocalStaticSample) {
	defer s.wg.Done()

	ticker := time.NewTicker(silenceFrame)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// Unbound tracks swallow writes, so this runs before negotiation too.
			if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: silenceFrame}); err != nil {
				return
			}
		}
	}
}
