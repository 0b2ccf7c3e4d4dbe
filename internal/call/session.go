package call

import (
	"time"

	"supportcall/native/internal/domain"
)

// session is the state of the one call the machine may hold.
type session struct {
	// gen changes on every cleanup; results of work started under an older
	// generation are stale.
	gen uint64

	record     *domain.CallRecord
	initiating bool

	// Payloads that arrived before they could be consumed, by call id.
	pendingOffers     map[string]queuedOffer
	pendingCandidates map[string][]queuedCandidate

	// ended holds the most recent finished call ids; late payloads for
	// them are dropped.
	ended []string

	// offerInFlight is the call id whose offer is being answered off-loop.
	offerInFlight string

	autoReject *time.Timer
}

const maxEnded = 8

// queuedOffer and queuedCandidate keep the sender so they can be checked
// against the call record once it exists.
type queuedOffer struct {
	sdp      domain.SDPPayload
	from, to string
}

type queuedCandidate struct {
	candidate domain.ICECandidatePayload
	from, to  string
}

func queueOffer(p domain.SignalPayload) queuedOffer {
	return queuedOffer{sdp: *p.SDP, from: p.From, to: p.To}
}

func queueCandidate(p domain.SignalPayload) queuedCandidate {
	return queuedCandidate{candidate: *p.Candidate, from: p.From, to: p.To}
}

func candidatesOf(qs []queuedCandidate) []domain.ICECandidatePayload {
	if len(qs) == 0 {
		return nil
	}
	out := make([]domain.ICECandidatePayload, len(qs))
	for i, q := range qs {
		out[i] = q.candidate
	}
	return out
}

func newSession() session {
	return session{
		pendingOffers:     make(map[string]queuedOffer),
		pendingCandidates: make(map[string][]queuedCandidate),
	}
}

func (s *session) markEnded(callID string) {
	if s.wasEnded(callID) {
		return
	}
	s.ended = append(s.ended, callID)
	if len(s.ended) > maxEnded {
		s.ended = s.ended[len(s.ended)-maxEnded:]
	}
}

func (s *session) wasEnded(callID string) bool {
	for _, id := range s.ended {
		if id == callID {
			return true
		}
	}
	return false
}

// current returns the record if it belongs to callID. An empty callID
// matches any live record.
func (s *session) current(callID string) *domain.CallRecord {
	if s.record == nil {
		return nil
	}
	if callID != "" && s.record.ID != callID {
		return nil
	}
	return s.record
}

func (s *session) stopAutoReject() {
	if s.autoReject != nil {
		s.autoReject.Stop()
		s.autoReject = nil
	}
}

// cleanup returns the machine to idle. It is safe to call repeatedly.
func (m *Machine) cleanup() {
	s := &m.s
	s.stopAutoReject()
	m.neg.Teardown()
	m.media.Release()
	m.candidates.Clear()

	if s.record != nil {
		s.markEnded(s.record.ID)
		m.log.Info().Str("call_id", s.record.ID).Msg("call cleaned up")
	}
	s.record = nil
	s.offerInFlight = ""
	clear(s.pendingOffers)
	clear(s.pendingCandidates)
	s.gen++

	m.display.StopTimer()
	m.display.ShowControls(false)
}

// publish refreshes the snapshot read by Snapshot.
func (m *Machine) publish() {
	snap := Snapshot{
		Initiating:    m.s.initiating,
		PendingOffers: len(m.s.pendingOffers),
	}
	for _, cs := range m.s.pendingCandidates {
		snap.PendingCandidates += len(cs)
	}
	if m.s.record != nil {
		rec := *m.s.record
		snap.Record = &rec
	}

	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}
