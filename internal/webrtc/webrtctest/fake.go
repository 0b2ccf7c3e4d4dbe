// Package webrtctest provides an in-memory PeerConnection that follows the
// offer/answer signaling states without touching the network.
package webrtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
)

var errClosed = errors.New("peer connection closed")

// PeerConnection is a fake webrtc.PeerConnection.
type PeerConnection struct {
	// GatherOnLocal makes SetLocalDescription report one host candidate
	// followed by end-of-gathering.
	GatherOnLocal bool
	// FailAnswer makes CreateAnswer fail.
	FailAnswer error

	mu           sync.Mutex
	state        pion.SignalingState
	local        *pion.SessionDescription
	remote       *pion.SessionDescription
	applied      []pion.ICECandidateInit
	remoteSets   int
	tracks       int
	transceivers []pion.RTPCodecType
	closed       bool
	offers       int

	onCandidate func(*pion.ICECandidate)
	onState     func(pion.PeerConnectionState)
}

// New returns a fake in the stable state.
func New() *PeerConnection {
	return &PeerConnection{state: pion.SignalingStateStable}
}

func (p *PeerConnection) AddTrack(pion.TrackLocal) (*pion.RTPSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errClosed
	}
	p.tracks++
	return nil, nil
}

func (p *PeerConnection) AddTransceiverFromKind(kind pion.RTPCodecType, _ ...pion.RTPTransceiverInit) (*pion.RTPTransceiver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errClosed
	}
	p.transceivers = append(p.transceivers, kind)
	return nil, nil
}

func (p *PeerConnection) CreateOffer(*pion.OfferOptions) (pion.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pion.SessionDescription{}, errClosed
	}
	p.offers++
	return pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: fmt.Sprintf("v=0 fake-offer-%d", p.offers)}, nil
}

func (p *PeerConnection) CreateAnswer(*pion.AnswerOptions) (pion.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return pion.SessionDescription{}, errClosed
	}
	if p.FailAnswer != nil {
		return pion.SessionDescription{}, p.FailAnswer
	}
	if p.state != pion.SignalingStateHaveRemoteOffer {
		return pion.SessionDescription{}, fmt.Errorf("create answer in state %s", p.state)
	}
	return pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (p *PeerConnection) SetLocalDescription(desc pion.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errClosed
	}
	switch {
	case desc.Type == pion.SDPTypeOffer && p.state == pion.SignalingStateStable:
		p.state = pion.SignalingStateHaveLocalOffer
	case desc.Type == pion.SDPTypeAnswer && p.state == pion.SignalingStateHaveRemoteOffer:
		p.state = pion.SignalingStateStable
	default:
		p.mu.Unlock()
		return fmt.Errorf("set local %s in state %s", desc.Type, p.state)
	}
	d := desc
	p.local = &d
	gather, cb := p.GatherOnLocal, p.onCandidate
	p.mu.Unlock()

	if gather && cb != nil {
		cb(&pion.ICECandidate{
			Foundation: "1",
			Priority:   2130706431,
			Address:    "192.168.1.20",
			Protocol:   pion.ICEProtocolUDP,
			Port:       50000,
			Typ:        pion.ICECandidateTypeHost,
			Component:  1,
		})
		cb(nil)
	}
	return nil
}

func (p *PeerConnection) SetRemoteDescription(desc pion.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	switch {
	case desc.Type == pion.SDPTypeOffer && p.state == pion.SignalingStateStable:
		p.state = pion.SignalingStateHaveRemoteOffer
	case desc.Type == pion.SDPTypeAnswer && p.state == pion.SignalingStateHaveLocalOffer:
		p.state = pion.SignalingStateStable
	default:
		return fmt.Errorf("set remote %s in state %s", desc.Type, p.state)
	}
	d := desc
	p.remote = &d
	p.remoteSets++
	return nil
}

func (p *PeerConnection) LocalDescription() *pion.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *PeerConnection) RemoteDescription() *pion.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PeerConnection) SignalingState() pion.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerConnection) AddICECandidate(c pion.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errClosed
	}
	if p.remote == nil {
		return errors.New("remote description not set")
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *PeerConnection) OnICECandidate(f func(*pion.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = f
	p.mu.Unlock()
}

func (p *PeerConnection) OnConnectionStateChange(f func(pion.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *PeerConnection) OnTrack(func(*pion.TrackRemote, *pion.RTPReceiver)) {}

func (p *PeerConnection) WriteRTCP([]rtcp.Packet) error { return nil }

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.state = pion.SignalingStateClosed
	cb := p.onState
	p.mu.Unlock()

	if cb != nil {
		cb(pion.PeerConnectionStateClosed)
	}
	return nil
}

// SetState simulates a connection state transition.
func (p *PeerConnection) SetState(s pion.PeerConnectionState) {
	p.mu.Lock()
	cb := p.onState
	p.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// EmitCandidate simulates local discovery of candidate (nil ends gathering).
func (p *PeerConnection) EmitCandidate(c *pion.ICECandidate) {
	p.mu.Lock()
	cb := p.onCandidate
	p.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

// Applied returns the remote candidates added so far.
func (p *PeerConnection) Applied() []pion.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pion.ICECandidateInit, len(p.applied))
	copy(out, p.applied)
	return out
}

// RemoteSets counts successful SetRemoteDescription calls.
func (p *PeerConnection) RemoteSets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteSets
}

// Closed reports whether Close was called.
func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Transceivers returns the kinds added as receive-only transceivers.
func (p *PeerConnection) Transceivers() []pion.RTPCodecType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pion.RTPCodecType(nil), p.transceivers...)
}

// Tracks counts local tracks added.
func (p *PeerConnection) Tracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracks
}

// Factory hands out fakes and remembers them in creation order.
type Factory struct {
	// Configure, if set, adjusts the i-th fake (0-based) before use.
	Configure func(i int, pc *PeerConnection)
	// Fail makes every New call return this error.
	Fail error

	mu  sync.Mutex
	pcs []*PeerConnection
}

// New creates the next fake.
func (f *Factory) New() (*PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return nil, f.Fail
	}
	pc := New()
	if f.Configure != nil {
		f.Configure(len(f.pcs), pc)
	}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

// All returns every fake created so far.
func (f *Factory) All() []*PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PeerConnection(nil), f.pcs...)
}

// Last returns the most recent fake, or nil.
func (f *Factory) Last() *PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}
