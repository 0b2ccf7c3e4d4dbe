// Package call is the call-session state machine. One goroutine (Run) owns
// the call record, the pending offer and candidate maps and the auto-reject
// timer; relay messages, user commands, peer connection callbacks and the
// results of blocking work all arrive as events on its mailbox.
package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"supportcall/native/internal/domain"
	"supportcall/native/internal/ice"
	"supportcall/native/internal/media"
	"supportcall/native/internal/retry"
	"supportcall/native/internal/webrtc"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by commands issued after Run returned.
var ErrStopped = errors.New("call machine stopped")

// Media is the local capture the machine acquires for a call.
type Media interface {
	Acquire(ctx context.Context) (*media.Capture, error)
	Release()
}

// Negotiator drives the negotiation handle.
type Negotiator interface {
	SetSink(sink func(webrtc.Event))
	Current() *webrtc.Handle
	IsCurrent(h *webrtc.Handle) bool
	CreateHandle(ctx context.Context, callID string, tracks []pion.TrackLocal) (*webrtc.Handle, error)
	CreateOffer(h *webrtc.Handle) (domain.SDPPayload, error)
	HandleOffer(ctx context.Context, callID string, offer domain.SDPPayload, tracks []pion.TrackLocal, early []domain.ICECandidatePayload) (domain.SDPPayload, error)
	HandleAnswer(ctx context.Context, callID string, answer domain.SDPPayload) (bool, error)
	AddRemoteCandidate(c domain.ICECandidatePayload) (bool, error)
	Teardown()
}

// TrackSink consumes remote tracks of the current call.
type TrackSink interface {
	HandleTrack(callID string, track *pion.TrackRemote, fb media.RTCPWriter)
}

// Deps are the collaborators of a Machine. Display and Tracks may be nil.
type Deps struct {
	Identity   domain.Identity
	Signaler   domain.Signaler
	Initiator  domain.CallInitiator
	Media      Media
	Negotiator Negotiator
	Candidates *ice.Buffer
	Display    domain.Display
	Tracks     TrackSink
	Log        zerolog.Logger
}

// Options tunes the machine's timers and retries.
type Options struct {
	// AutoRejectTimeout rejects an unanswered incoming call.
	AutoRejectTimeout time.Duration
	// SendRetry governs candidate, offer and answer delivery.
	SendRetry retry.Policy
}

// DefaultOptions returns the stock timings.
func DefaultOptions() Options {
	return Options{
		AutoRejectTimeout: 60 * time.Second,
		SendRetry:         retry.Policy{Attempts: 3, Backoff: 500 * time.Millisecond},
	}
}

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	Record            *domain.CallRecord
	Initiating        bool
	PendingOffers     int
	PendingCandidates int
}

// Machine is the call-session state machine. It implements domain.Handler.
type Machine struct {
	id         domain.Identity
	sig        domain.Signaler
	initiator  domain.CallInitiator
	media      Media
	neg        Negotiator
	candidates *ice.Buffer
	display    domain.Display
	tracks     TrackSink
	opts       Options
	log        zerolog.Logger

	mb   *mailbox
	done chan struct{}

	// Owned by the loop.
	s   session
	ctx context.Context

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a Machine and registers it as the negotiator's event sink.
func New(deps Deps, opts Options) *Machine {
	display := deps.Display
	if display == nil {
		display = nopDisplay{}
	}
	candidates := deps.Candidates
	if candidates == nil {
		candidates = ice.NewBuffer()
	}
	m := &Machine{
		id:         deps.Identity,
		sig:        deps.Signaler,
		initiator:  deps.Initiator,
		media:      deps.Media,
		neg:        deps.Negotiator,
		candidates: candidates,
		display:    display,
		tracks:     deps.Tracks,
		opts:       opts,
		log:        deps.Log,
		mb:         newMailbox(),
		done:       make(chan struct{}),
		s:          newSession(),
		ctx:        context.Background(),
	}
	m.neg.SetSink(func(ev webrtc.Event) { m.mb.push(peerEvent{ev}) })
	return m
}

// Run processes events until ctx is done. A live call is ended on the way out.
func (m *Machine) Run(ctx context.Context) error {
	m.ctx = ctx
	defer close(m.done)

	m.log.Info().Str("id", m.id.ID).Str("role", string(m.id.Role)).Msg("call machine running")
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-m.mb.ready:
			for _, ev := range m.mb.drain() {
				m.handle(ev)
			}
		}
	}
}

func (m *Machine) shutdown() {
	if rec := m.s.record; rec != nil {
		m.emit(domain.EventCallEnd, m.payloadFor(rec))
	}
	m.cleanup()
}

// OnSignal queues a relay message. It never blocks.
func (m *Machine) OnSignal(event string, payload domain.SignalPayload) {
	m.mb.push(relayEvent{name: event, payload: payload})
}

// Initiate places an outbound call to target and returns once the offer
// has been produced or the attempt failed. A busy target yields
// *domain.TargetBusyError and leaves no call record behind.
func (m *Machine) Initiate(ctx context.Context, target string) error {
	reply := make(chan error, 1)
	m.mb.push(initiateCmd{target: target, reply: reply})
	return m.await(ctx, reply)
}

// Accept answers the ringing incoming call.
func (m *Machine) Accept(ctx context.Context) error {
	reply := make(chan error, 1)
	m.mb.push(acceptCmd{reply: reply})
	return m.await(ctx, reply)
}

// Reject declines the ringing incoming call.
func (m *Machine) Reject(ctx context.Context) error {
	reply := make(chan error, 1)
	m.mb.push(rejectCmd{reply: reply})
	return m.await(ctx, reply)
}

// End hangs up the current call.
func (m *Machine) End(ctx context.Context) error {
	reply := make(chan error, 1)
	m.mb.push(endCmd{reply: reply})
	return m.await(ctx, reply)
}

func (m *Machine) await(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current call state. The record is a copy.
func (m *Machine) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

func (m *Machine) handle(ev any) {
	switch e := ev.(type) {
	case relayEvent:
		m.onRelay(e.name, e.payload)
	case peerEvent:
		m.onPeer(e.Event)
	case initiateCmd:
		m.startInitiate(e)
	case initiateDone:
		m.finishInitiate(e)
	case offerCreated:
		m.sendOffer(e)
	case acceptCmd:
		e.reply <- m.accept()
	case rejectCmd:
		e.reply <- m.reject()
	case endCmd:
		e.reply <- m.end()
	case autoRejectFired:
		m.autoReject(e.callID)
	case consumePendingOffer:
		m.consumePendingOffer(e.callID)
	case offerHandled:
		m.finishOffer(e)
	default:
		m.log.Warn().Type("event", ev).Msg("unknown event")
	}
	m.publish()
}

// payloadFor addresses a message about rec to the counterpart.
func (m *Machine) payloadFor(rec *domain.CallRecord) domain.SignalPayload {
	return domain.SignalPayload{
		CallID:  rec.ID,
		UserID:  rec.UserID,
		StaffID: rec.StaffID,
		From:    m.id.ID,
		To:      rec.Counterpart(m.id.Role),
	}
}

// emit sends a single control message from the loop.
func (m *Machine) emit(event string, p domain.SignalPayload) {
	if err := m.sig.Emit(event, p); err != nil {
		m.log.Warn().Err(err).Str("event", event).Str("call_id", p.CallID).Msg("send failed")
	}
}

// deliver sends with the retry policy, forcing a reconnect before each try
// while the transport is down. It blocks; call it off the loop.
func (m *Machine) deliver(ctx context.Context, event string, p domain.SignalPayload) error {
	return m.opts.SendRetry.Do(ctx, func(attempt int) error {
		if !m.sig.Connected() {
			if err := m.sig.Reconnect(ctx); err != nil {
				m.log.Warn().Err(err).Int("attempt", attempt).Str("event", event).Msg("reconnect before send failed")
				return err
			}
		}
		err := m.sig.Emit(event, p)
		if err != nil {
			m.log.Warn().Err(err).Int("attempt", attempt).Str("event", event).Msg("send failed")
		}
		return err
	})
}

type nopDisplay struct{}

func (nopDisplay) ShowStatus(string)    {}
func (nopDisplay) ShowControls(bool)    {}
func (nopDisplay) StartTimer(time.Time) {}
func (nopDisplay) StopTimer()           {}
