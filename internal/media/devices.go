//go:build mediadevices

package media

import (
	"context"
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// DeviceCapturer opens the host camera and microphone through
// pion/mediadevices, encoding VP8 and Opus.
type DeviceCapturer struct {
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

// DefaultCapturer returns a DeviceCapturer. It falls back to the synthetic
// source if the encoders cannot be configured.
func DefaultCapturer(log zerolog.Logger) Capturer {
	d, err := NewDeviceCapturer(log)
	if err != nil {
		log.Warn().Err(err).Msg("device capture unavailable, using synthetic audio source")
		return &SyntheticCapturer{}
	}
	return d
}

// NewDeviceCapturer configures the VP8 and Opus encoders.
func NewDeviceCapturer(log zerolog.Logger) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}

	return &DeviceCapturer{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log,
	}, nil
}

// RegisterCodecs registers the encoder payload types on m so offers and
// answers only advertise what the capturer can produce.
func (d *DeviceCapturer) RegisterCodecs(m *pion.MediaEngine) error {
	d.selector.Populate(m)
	return nil
}

// Capture implements Capturer.
func (d *DeviceCapturer) Capture(_ context.Context, c Constraints) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some webcams hand the encoder broken frames.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	ds := &deviceStream{}
	for _, t := range stream.GetTracks() {
		t.OnEnded(func(err error) {
			if err != nil {
				d.log.Warn().Err(err).Str("kind", t.Kind().String()).Msg("local track ended")
			}
		})
		ds.tracks = append(ds.tracks, t)
	}
	return ds, nil
}

type deviceStream struct {
	tracks []mediadevices.Track
}

func (s *deviceStream) Tracks() []pion.TrackLocal {
	out := make([]pion.TrackLocal, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *deviceStream) Close() error {
	var first error
	for _, t := range s.tracks {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
