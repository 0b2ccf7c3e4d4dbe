package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/h264writer"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
)

// RTCPWriter sends feedback to the remote sender of a track.
type RTCPWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// RemoteTrack is the part of *webrtc.TrackRemote the recorder reads.
type RemoteTrack interface {
	ID() string
	Kind() pion.RTPCodecType
	Codec() pion.RTPCodecParameters
	SSRC() pion.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type rtpWriter interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// Recorder consumes remote tracks. With a directory set, VP8, H264 and Opus
// are written to disk; other codecs and the directory-less case are drained.
type Recorder struct {
	dir         string
	pliInterval time.Duration
	log         zerolog.Logger
}

// NewRecorder creates a Recorder writing under dir. dir may be empty.
func NewRecorder(dir string, log zerolog.Logger) *Recorder {
	return &Recorder{dir: dir, pliInterval: 3 * time.Second, log: log}
}

// HandleTrack starts consuming track in the background. Video tracks get a
// periodic keyframe request through fb.
func (r *Recorder) HandleTrack(callID string, track *pion.TrackRemote, fb RTCPWriter) {
	go r.consume(callID, track, fb)
}

func (r *Recorder) consume(callID string, track RemoteTrack, fb RTCPWriter) {
	codec := track.Codec()
	log := r.log.With().
		Str("call_id", callID).
		Str("kind", track.Kind().String()).
		Str("codec", codec.MimeType).
		Logger()

	w, path, err := r.writerFor(callID, track)
	if err != nil {
		log.Warn().Err(err).Msg("cannot record track, draining")
		w = nil
	} else if w != nil {
		log.Info().Str("path", path).Msg("recording remote track")
		defer w.Close()
	}

	done := make(chan struct{})
	defer close(done)
	if track.Kind() == pion.RTPCodecTypeVideo && fb != nil {
		go requestKeyframes(uint32(track.SSRC()), fb, r.pliInterval, done)
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Msg("remote track finished")
			return
		}
		if w == nil {
			continue
		}
		if err := w.WriteRTP(pkt); err != nil {
			log.Warn().Err(err).Msg("write remote track")
			w.Close()
			w = nil
		}
	}
}

func (r *Recorder) writerFor(callID string, track RemoteTrack) (rtpWriter, string, error) {
	if r.dir == "" {
		return nil, "", nil
	}

	dir := filepath.Join(r.dir, callID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create record dir: %w", err)
	}

	codec := track.Codec()
	base := filepath.Join(dir, track.Kind().String()+"-"+track.ID())

	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(pion.MimeTypeVP8):
		w, err := ivfwriter.New(base + ".ivf")
		return w, base + ".ivf", err
	case strings.ToLower(pion.MimeTypeH264):
		w, err := h264writer.New(base + ".h264")
		return w, base + ".h264", err
	case strings.ToLower(pion.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.New(base+".ogg", codec.ClockRate, channels)
		return w, base + ".ogg", err
	default:
		return nil, "", fmt.Errorf("no writer for %s", codec.MimeType)
	}
}

func requestKeyframes(ssrc uint32, fb RTCPWriter, every time.Duration, done <-chan struct{}) {
	send := func() {
		// Errors here mean the connection is closing; the read loop ends shortly.
		_ = fb.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}})
	}
	send()

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			send()
		}
	}
}
