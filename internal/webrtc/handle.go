package webrtc

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"supportcall/native/internal/domain"

	"github.com/pion/rtcp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Handle is one peer connection bound to one call. A closed handle turns
// every operation into ErrHandleClosed so superseded work ends quietly.
type Handle struct {
	pc     PeerConnection
	callID string
	seq    uint64
	log    zerolog.Logger

	mu       sync.Mutex
	closed   bool
	deferred []*deferredCandidate

	gatherOnce sync.Once
	gathered   chan struct{}
}

type deferredCandidate struct {
	init pion.ICECandidateInit
	done bool
}

func newHandle(pc PeerConnection, callID string, seq uint64, log zerolog.Logger) *Handle {
	return &Handle{
		pc:       pc,
		callID:   callID,
		seq:      seq,
		log:      log.With().Str("call_id", callID).Uint64("handle", seq).Logger(),
		gathered: make(chan struct{}),
	}
}

// CallID returns the call this handle negotiates.
func (h *Handle) CallID() string { return h.callID }

// Seq is a process-unique number for log correlation.
func (h *Handle) Seq() uint64 { return h.seq }

// Closed reports whether the handle was torn down.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// WriteRTCP forwards feedback for remote tracks received on this handle.
func (h *Handle) WriteRTCP(pkts []rtcp.Packet) error {
	if h.Closed() {
		return domain.ErrHandleClosed
	}
	return h.pc.WriteRTCP(pkts)
}

// Deferred returns how many remote candidates wait for a remote description.
func (h *Handle) Deferred() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, d := range h.deferred {
		if !d.done {
			n++
		}
	}
	return n
}

func (h *Handle) close() []pion.ICECandidateInit {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var pending []pion.ICECandidateInit
	for _, d := range h.deferred {
		if !d.done {
			pending = append(pending, d.init)
		}
	}
	h.deferred = nil
	h.mu.Unlock()

	h.markGathered()
	if err := h.pc.Close(); err != nil {
		h.log.Debug().Err(err).Msg("close peer connection")
	}
	return pending
}

func (h *Handle) markGathered() {
	h.gatherOnce.Do(func() { close(h.gathered) })
}

// check maps an error from a torn-down handle to ErrHandleClosed.
func (h *Handle) check(err error) error {
	if err != nil && h.Closed() {
		return domain.ErrHandleClosed
	}
	return err
}

func (h *Handle) setRemote(desc pion.SessionDescription) error {
	if h.Closed() {
		return domain.ErrHandleClosed
	}
	if err := h.check(h.pc.SetRemoteDescription(desc)); err != nil {
		return err
	}
	h.flushDeferred()
	return nil
}

// addRemote applies c, or defers it while no remote description exists.
// A deferred candidate is retried once after retryDelay and in any case
// flushed when the remote description is set.
func (h *Handle) addRemote(init pion.ICECandidateInit, retryDelay time.Duration) (bool, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false, domain.ErrHandleClosed
	}
	if h.pc.RemoteDescription() == nil {
		d := &deferredCandidate{init: init}
		h.deferred = append(h.deferred, d)
		h.mu.Unlock()
		h.log.Debug().Msg("remote candidate deferred until remote description")
		time.AfterFunc(retryDelay, func() { h.retryDeferred(d) })
		return false, nil
	}
	h.mu.Unlock()

	if err := h.check(h.pc.AddICECandidate(init)); err != nil {
		return false, err
	}
	return true, nil
}

func (h *Handle) retryDeferred(d *deferredCandidate) {
	h.mu.Lock()
	if h.closed || d.done || h.pc.RemoteDescription() == nil {
		h.mu.Unlock()
		return
	}
	d.done = true
	h.mu.Unlock()

	if err := h.pc.AddICECandidate(d.init); err != nil {
		h.log.Warn().Err(err).Msg("deferred remote candidate rejected")
	}
}

func (h *Handle) flushDeferred() {
	h.mu.Lock()
	var ready []pion.ICECandidateInit
	for _, d := range h.deferred {
		if !d.done {
			d.done = true
			ready = append(ready, d.init)
		}
	}
	h.deferred = nil
	h.mu.Unlock()

	for _, init := range ready {
		if err := h.pc.AddICECandidate(init); err != nil {
			h.log.Warn().Err(err).Msg("deferred remote candidate rejected")
		}
	}
	if len(ready) > 0 {
		h.log.Debug().Int("count", len(ready)).Msg("applied deferred remote candidates")
	}
}

// adopt takes over candidates deferred on a replaced handle of the same call.
func (h *Handle) adopt(pending []pion.ICECandidateInit) {
	if len(pending) == 0 {
		return
	}
	h.mu.Lock()
	for _, init := range pending {
		h.deferred = append(h.deferred, &deferredCandidate{init: init})
	}
	h.mu.Unlock()
}

func toInit(c domain.ICECandidatePayload) pion.ICECandidateInit {
	return pion.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func fromInit(init pion.ICECandidateInit) domain.ICECandidatePayload {
	return domain.ICECandidatePayload{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func isLoopback(address string) bool {
	ip := net.ParseIP(address)
	return ip != nil && ip.IsLoopback()
}

func sdpType(t string) (pion.SDPType, error) {
	switch strings.ToLower(t) {
	case "offer":
		return pion.SDPTypeOffer, nil
	case "answer":
		return pion.SDPTypeAnswer, nil
	case "pranswer":
		return pion.SDPTypePranswer, nil
	default:
		return 0, fmt.Errorf("unsupported sdp type %q", t)
	}
}
