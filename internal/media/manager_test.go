package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"supportcall/native/internal/domain"
	"supportcall/native/internal/logging"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
)

// fakeStream records whether it was closed.
type fakeStream struct {
	tracks []pion.TrackLocal
	closed bool
}

func (s *fakeStream) Tracks() []pion.TrackLocal { return s.tracks }
func (s *fakeStream) Close() error            { s.closed = true; return nil }

// fakeCapturer fails requests whose kinds are listed in failVideo/failAudio.
type fakeCapturer struct {
	failVideo bool
	failAudio bool
	calls     []Constraints
	streams   []*fakeStream
}

func (c *fakeCapturer) Capture(_ context.Context, cons Constraints) (Stream, error) {
	c.calls = append(c.calls, cons)
	if cons.Video && c.failVideo {
		return nil, errors.New("no camera")
	}
	if cons.Audio && c.failAudio {
		return nil, errors.New("no microphone")
	}
	s := &fakeStream{tracks: make([]pion.TrackLocal, 0)}
	c.streams = append(c.streams, s)
	return s, nil
}

func TestAcquire_AudioVideo(t *testing.T) {
	fc := &fakeCapturer{}
	m := NewManager(fc, logging.Nop())

	got, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AudioOnly {
		t.Error("expected audio+video capture")
	}
	if len(fc.calls) != 1 || !fc.calls[0].Video || !fc.calls[0].Audio {
		t.Errorf("unexpected capture calls %+v", fc.calls)
	}
}

func TestAcquire_FallsBackToAudioOnly(t *testing.T) {
	fc := &fakeCapturer{failVideo: true}
	m := NewManager(fc, logging.Nop())

	got, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.AudioOnly {
		t.Error("expected audio-only fallback")
	}
	if len(fc.calls) != 2 || fc.calls[1].Video {
		t.Errorf("expected second audio-only attempt, got %+v", fc.calls)
	}
}

func TestAcquire_FailsWithoutAudio(t *testing.T) {
	m := NewManager(&fakeCapturer{failAudio: true}, logging.Nop())

	_, err := m.Acquire(context.Background())
	var mae *domain.MediaAccessError
	if !errors.As(err, &mae) {
		t.Fatalf("expected MediaAccessError, got %v", err)
	}
}

func TestAcquire_ReusesHeldStream(t *testing.T) {
	fc := &fakeCapturer{failVideo: true}
	m := NewManager(fc, logging.Nop())

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !got.AudioOnly {
		t.Error("expected held stream to keep its audio-only flag")
	}
	if len(fc.streams) != 1 {
		t.Errorf("expected a single stream, got %d", len(fc.streams))
	}
}

func TestRelease_StopsStreamAndIsSafeWhenEmpty(t *testing.T) {
	fc := &fakeCapturer{}
	m := NewManager(fc, logging.Nop())

	m.Release() // nothing acquired yet

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Release()
	m.Release()

	if !fc.streams[0].closed {
		t.Error("expected stream to be closed")
	}
	if m.Tracks() != nil {
		t.Error("expected no tracks after release")
	}
}

func TestSyntheticCapturer(t *testing.T) {
	s := &SyntheticCapturer{}

	if _, err := s.Capture(context.Background(), Constraints{Audio: true, Video: true}); err == nil {
		t.Fatal("expected video request to fail without a camera")
	}

	st, err := s.Capture(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(st.Tracks()) != 1 || st.Tracks()[0].Kind() != pion.RTPCodecTypeAudio {
		t.Errorf("expected one audio track, got %d", len(st.Tracks()))
	}
	if err := st.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestSyntheticCapturer_WithCamera(t *testing.T) {
	st, err := (&SyntheticCapturer{HasCamera: true}).Capture(context.Background(), Constraints{Audio: true, Video: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer st.Close()
	if len(st.Tracks()) != 2 {
		t.Errorf("expected audio and video tracks, got %d", len(st.Tracks()))
	}
}

// fakeRemoteTrack replays a fixed set of packets and then reports EOF.
type fakeRemoteTrack struct {
	kind    pion.RTPCodecType
	codec   pion.RTPCodecParameters
	packets []*rtp.Packet
	wait    <-chan struct{}
}

func (f *fakeRemoteTrack) ID() string                       { return "t1" }
func (f *fakeRemoteTrack) Kind() pion.RTPCodecType          { return f.kind }
func (f *fakeRemoteTrack) Codec() pion.RTPCodecParameters   { return f.codec }
func (f *fakeRemoteTrack) SSRC() pion.SSRC                  { return 1234 }
func (f *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(f.packets) == 0 {
		if f.wait != nil {
			<-f.wait
		}
		return nil, nil, io.EOF
	}
	p := f.packets[0]
	f.packets = f.packets[1:]
	return p, nil, nil
}

type fakeRTCP struct {
	mu   sync.Mutex
	plis []uint32
}

func (f *fakeRTCP) WriteRTCP(pkts []rtcp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pkts {
		if pli, ok := p.(*rtcp.PictureLossIndication); ok {
			f.plis = append(f.plis, pli.MediaSSRC)
		}
	}
	return nil
}

func (f *fakeRTCP) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.plis)
}

func TestRecorder_RequestsKeyframesForVideo(t *testing.T) {
	r := NewRecorder("", logging.Nop())
	r.pliInterval = 10 * time.Millisecond

	release := make(chan struct{})
	track := &fakeRemoteTrack{
		kind:  pion.RTPCodecTypeVideo,
		codec: pion.RTPCodecParameters{RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000}},
		wait:  release,
	}
	fb := &fakeRTCP{}

	finished := make(chan struct{})
	go func() {
		r.consume("c1", track, fb)
		close(finished)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	<-finished

	if fb.count() < 2 {
		t.Errorf("expected repeated PLIs, got %d", fb.count())
	}
	fb.mu.Lock()
	first := fb.plis[0]
	fb.mu.Unlock()
	if first != 1234 {
		t.Errorf("expected PLI for SSRC 1234, got %d", first)
	}
}

func TestRecorder_WritesOpusToOgg(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir, logging.Nop())

	track := &fakeRemoteTrack{
		kind:  pion.RTPCodecTypeAudio,
		codec: pion.RTPCodecParameters{RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2}},
		packets: []*rtp.Packet{
			{Header: rtp.Header{Version: 2, SequenceNumber: 1, Timestamp: 960}, Payload: []byte{0xf8, 0xff, 0xfe}},
			{Header: rtp.Header{Version: 2, SequenceNumber: 2, Timestamp: 1920}, Payload: []byte{0xf8, 0xff, 0xfe}},
		},
	}

	r.consume("call-7", track, nil)

	path := filepath.Join(dir, "call-7", "audio-t1.ogg")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected recording at %s: %v", path, err)
	}
	if info.Size() == 0 {
		t.Error("expected non-empty recording")
	}
}
