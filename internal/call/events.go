package call

import (
	"sync"

	"supportcall/native/internal/domain"
	"supportcall/native/internal/media"
	"supportcall/native/internal/webrtc"
)

// Everything the loop reacts to is one of these.
type (
	relayEvent struct {
		name    string
		payload domain.SignalPayload
	}

	peerEvent struct {
		webrtc.Event
	}

	initiateCmd struct {
		target string
		reply  chan error
	}

	acceptCmd struct{ reply chan error }
	rejectCmd struct{ reply chan error }
	endCmd    struct{ reply chan error }

	autoRejectFired struct {
		callID string
	}

	// consumePendingOffer retries consuming a queued offer once the
	// in-flight offer handling finished.
	consumePendingOffer struct {
		callID string
	}

	// initiateDone carries media acquisition and the call-initiate result.
	initiateDone struct {
		gen     uint64
		target  string
		capture *media.Capture
		callID  string
		err     error
		reply   chan error
	}

	// offerCreated carries the local offer of an outbound call.
	offerCreated struct {
		gen    uint64
		callID string
		offer  domain.SDPPayload
		err    error
		reply  chan error
	}

	// offerHandled carries the answer produced for an inbound offer.
	offerHandled struct {
		gen       uint64
		callID    string
		answer    domain.SDPPayload
		audioOnly bool
		err       error
	}
)

// mailbox is an unbounded FIFO feeding the loop. push never blocks, so pion
// callbacks fired while the loop itself is inside a negotiator call cannot
// deadlock it.
type mailbox struct {
	mu    sync.Mutex
	queue []any
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (b *mailbox) push(ev any) {
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}
