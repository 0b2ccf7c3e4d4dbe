// Package webrtc drives pion peer connections through the offer/answer and
// candidate exchange of a call. At most one handle is live at a time.
package webrtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"supportcall/native/internal/domain"
	"supportcall/native/internal/retry"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// EventKind enumerates what a handle reports back to its owner.
type EventKind int

const (
	EventLocalCandidate EventKind = iota + 1
	EventGatheringComplete
	EventConnectionState
	EventRemoteTrack
)

// Event is emitted from pion callbacks. Owners must compare Handle with
// Current and drop events from replaced handles.
type Event struct {
	Kind      EventKind
	Handle    *Handle
	Candidate domain.ICECandidatePayload
	State     pion.PeerConnectionState
	Track     *pion.TrackRemote
}

// Options tunes the negotiator's bounded waits and retries.
type Options struct {
	// SettleDelay is waited after the local answer is applied. Zero disables it.
	SettleDelay time.Duration
	// GatherTimeout caps the wait for local candidate gathering before an answer is sent.
	GatherTimeout time.Duration
	// CandidateRetryDelay is when a deferred remote candidate is re-attempted.
	CandidateRetryDelay time.Duration
	// Create governs building a peer connection.
	Create retry.Policy
	// Recovery governs rebuilding the handle after a failed offer.
	Recovery retry.Policy
}

// DefaultOptions returns the stock timings.
func DefaultOptions() Options {
	return Options{
		SettleDelay:         500 * time.Millisecond,
		GatherTimeout:       5 * time.Second,
		CandidateRetryDelay: time.Second,
		Create:              retry.Policy{Attempts: 2, Backoff: 100 * time.Millisecond},
		Recovery:            retry.Once,
	}
}

// Negotiator owns the negotiation handle.
type Negotiator struct {
	newPC Factory
	opts  Options
	log   zerolog.Logger

	sinkMu sync.RWMutex
	sink   func(Event)

	mu     sync.Mutex
	handle *Handle
	seq    uint64
}

// New creates a Negotiator building peer connections with newPC.
func New(newPC Factory, opts Options, log zerolog.Logger) *Negotiator {
	return &Negotiator{newPC: newPC, opts: opts, log: log}
}

// SetSink registers the receiver of handle events. It must not block.
func (n *Negotiator) SetSink(sink func(Event)) {
	n.sinkMu.Lock()
	n.sink = sink
	n.sinkMu.Unlock()
}

func (n *Negotiator) emit(ev Event) {
	n.sinkMu.RLock()
	sink := n.sink
	n.sinkMu.RUnlock()
	if sink != nil {
		sink(ev)
	}
}

// Current returns the live handle, or nil.
func (n *Negotiator) Current() *Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle
}

// IsCurrent reports whether h is the live handle.
func (n *Negotiator) IsCurrent(h *Handle) bool {
	return h != nil && n.Current() == h
}

// Teardown closes the live handle, if any.
func (n *Negotiator) Teardown() {
	n.mu.Lock()
	h := n.handle
	n.handle = nil
	n.mu.Unlock()

	if h != nil {
		h.close()
		h.log.Info().Msg("negotiation handle torn down")
	}
}

// CreateHandle tears down any live handle and builds a new one for callID
// with tracks attached. Kinds without a local track are received only.
func (n *Negotiator) CreateHandle(ctx context.Context, callID string, tracks []pion.TrackLocal) (*Handle, error) {
	n.mu.Lock()
	old := n.handle
	n.handle = nil
	n.mu.Unlock()

	var carried []pion.ICECandidateInit
	if old != nil {
		pending := old.close()
		if old.callID == callID {
			carried = pending
		}
	}

	var h *Handle
	err := n.opts.Create.Do(ctx, func(attempt int) error {
		pc, err := n.newPC()
		if err != nil {
			n.log.Warn().Err(err).Int("attempt", attempt).Msg("create peer connection")
			return err
		}

		n.mu.Lock()
		n.seq++
		seq := n.seq
		n.mu.Unlock()

		candidate := newHandle(pc, callID, seq, n.log)
		if err := n.attach(candidate, tracks); err != nil {
			candidate.close()
			n.log.Warn().Err(err).Int("attempt", attempt).Msg("prepare peer connection")
			return err
		}
		h = candidate
		return nil
	})
	if err != nil {
		return nil, &domain.NegotiationError{Op: "create handle", Err: err}
	}
	h.adopt(carried)

	n.mu.Lock()
	displaced := n.handle
	n.handle = h
	n.mu.Unlock()
	if displaced != nil {
		displaced.close()
	}

	h.log.Info().Int("tracks", len(tracks)).Msg("negotiation handle created")
	return h, nil
}

func (n *Negotiator) attach(h *Handle, tracks []pion.TrackLocal) error {
	have := map[pion.RTPCodecType]bool{}
	for _, t := range tracks {
		if _, err := h.pc.AddTrack(t); err != nil {
			return err
		}
		have[t.Kind()] = true
	}
	for _, kind := range []pion.RTPCodecType{pion.RTPCodecTypeAudio, pion.RTPCodecTypeVideo} {
		if have[kind] {
			continue
		}
		if _, err := h.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}

	h.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			h.log.Debug().Msg("ICE gathering complete")
			h.markGathered()
			n.emit(Event{Kind: EventGatheringComplete, Handle: h})
			return
		}
		init := c.ToJSON()
		if isLoopback(c.Address) {
			return
		}
		n.emit(Event{Kind: EventLocalCandidate, Handle: h, Candidate: fromInit(init)})
	})
	h.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		h.log.Info().Str("state", state.String()).Msg("peer connection state")
		n.emit(Event{Kind: EventConnectionState, Handle: h, State: state})
	})
	h.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		h.log.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
		n.emit(Event{Kind: EventRemoteTrack, Handle: h, Track: track})
	})
	return nil
}

// CreateOffer creates an offer on h and applies it locally.
func (n *Negotiator) CreateOffer(h *Handle) (domain.SDPPayload, error) {
	if h.Closed() {
		return domain.SDPPayload{}, domain.ErrHandleClosed
	}
	offer, err := h.pc.CreateOffer(nil)
	if err = h.check(err); err != nil {
		return domain.SDPPayload{}, wrapNegotiation("create offer", err)
	}
	if err := h.check(h.pc.SetLocalDescription(offer)); err != nil {
		return domain.SDPPayload{}, wrapNegotiation("set local offer", err)
	}
	h.log.Debug().Msg("local offer set")
	return domain.SDPPayload{Type: "offer", SDP: offer.SDP}, nil
}

// HandleOffer rebuilds the handle for callID, applies offer plus any early
// candidates, and returns the answer once gathering finished or timed out.
// On failure the handle is torn down and rebuilt once per the Recovery policy.
func (n *Negotiator) HandleOffer(ctx context.Context, callID string, offer domain.SDPPayload, tracks []pion.TrackLocal, early []domain.ICECandidatePayload) (domain.SDPPayload, error) {
	h, err := n.CreateHandle(ctx, callID, tracks)
	if err != nil {
		return domain.SDPPayload{}, err
	}

	answer, err := n.answer(ctx, h, offer, early)
	if err == nil {
		return answer, nil
	}
	if errors.Is(err, domain.ErrHandleClosed) {
		return domain.SDPPayload{}, err
	}

	h.log.Warn().Err(err).Msg("offer handling failed, rebuilding handle")
	if n.IsCurrent(h) {
		n.Teardown()
	}
	rerr := n.opts.Recovery.Do(ctx, func(int) error {
		_, err := n.CreateHandle(ctx, callID, tracks)
		return err
	})
	if rerr != nil {
		h.log.Error().Err(rerr).Msg("handle recovery failed")
	}
	return domain.SDPPayload{}, wrapNegotiation("handle offer", err)
}

func (n *Negotiator) answer(ctx context.Context, h *Handle, offer domain.SDPPayload, early []domain.ICECandidatePayload) (domain.SDPPayload, error) {
	if err := h.setRemote(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SDPPayload{}, err
	}
	h.log.Debug().Msg("remote offer set")

	for _, c := range early {
		if _, err := h.addRemote(toInit(c), n.opts.CandidateRetryDelay); err != nil {
			h.log.Warn().Err(err).Msg("early remote candidate rejected")
		}
	}

	ans, err := h.pc.CreateAnswer(nil)
	if err = h.check(err); err != nil {
		return domain.SDPPayload{}, err
	}
	if err := h.check(h.pc.SetLocalDescription(ans)); err != nil {
		return domain.SDPPayload{}, err
	}

	if n.opts.SettleDelay > 0 {
		if err := sleep(ctx, n.opts.SettleDelay); err != nil {
			return domain.SDPPayload{}, err
		}
	}

	timer := time.NewTimer(n.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-h.gathered:
	case <-timer.C:
		h.log.Debug().Err(&domain.TimeoutError{Op: "ICE gathering", After: n.opts.GatherTimeout}).Msg("sending answer with candidates gathered so far")
	case <-ctx.Done():
		return domain.SDPPayload{}, ctx.Err()
	}

	if h.Closed() {
		return domain.SDPPayload{}, domain.ErrHandleClosed
	}
	sdp := ans.SDP
	if local := h.pc.LocalDescription(); local != nil {
		sdp = local.SDP
	}
	return domain.SDPPayload{Type: "answer", SDP: sdp}, nil
}

// HandleAnswer applies answer to the live handle, creating one if absent.
// An answer arriving once negotiation is settled is ignored and reported
// as not applied.
func (n *Negotiator) HandleAnswer(ctx context.Context, callID string, answer domain.SDPPayload) (bool, error) {
	h := n.Current()
	if h == nil {
		var err error
		if h, err = n.CreateHandle(ctx, callID, nil); err != nil {
			return false, err
		}
	}

	if h.pc.SignalingState() == pion.SignalingStateStable && h.pc.RemoteDescription() != nil {
		h.log.Debug().Msg("duplicate answer ignored")
		return false, nil
	}

	typ, err := sdpType(answer.Type)
	if err != nil || typ == pion.SDPTypeOffer {
		typ = pion.SDPTypeAnswer
	}
	if err := h.setRemote(pion.SessionDescription{Type: typ, SDP: answer.SDP}); err != nil {
		return false, wrapNegotiation("set remote answer", err)
	}
	h.log.Debug().Msg("remote answer set")
	return true, nil
}

// AddRemoteCandidate applies c to the live handle. Without a handle the
// candidate is dropped with ErrNoHandle; without a remote description it is
// deferred and false is returned.
func (n *Negotiator) AddRemoteCandidate(c domain.ICECandidatePayload) (bool, error) {
	h := n.Current()
	if h == nil {
		return false, &domain.NegotiationError{Op: "add candidate", Err: domain.ErrNoHandle}
	}
	applied, err := h.addRemote(toInit(c), n.opts.CandidateRetryDelay)
	if err != nil {
		return false, wrapNegotiation("add candidate", err)
	}
	return applied, nil
}

func wrapNegotiation(op string, err error) error {
	if errors.Is(err, domain.ErrHandleClosed) {
		return err
	}
	var ne *domain.NegotiationError
	if errors.As(err, &ne) {
		return err
	}
	return &domain.NegotiationError{Op: op, Err: err}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
