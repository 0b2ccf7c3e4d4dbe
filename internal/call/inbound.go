package call

import (
	"cmp"
	"time"

	"supportcall/native/internal/domain"
)

func (m *Machine) onRelay(event string, p domain.SignalPayload) {
	log := m.log.With().Str("event", event).Str("call_id", p.CallID).Logger()

	switch event {
	case domain.EventIncomingCall, domain.EventInitiateCall:
		m.onInvite(event, p)

	case domain.EventOffer:
		m.onOffer(p)

	case domain.EventAnswer:
		m.onAnswer(p)

	case domain.EventICECandidate:
		m.onRemoteCandidate(p)

	case domain.EventProcessPendingOffer:
		m.consumePendingOffer(p.CallID)

	case domain.EventCallAccepted:
		rec := m.s.current(p.CallID)
		if rec == nil || rec.Status != domain.StatusCalling {
			log.Debug().Msg("ignored")
			return
		}
		m.display.ShowStatus("Call accepted, connecting...")
		m.replayCandidates(rec)

	case domain.EventCallStarted:
		rec := m.s.current(p.CallID)
		if rec == nil || rec.Status == domain.StatusIncoming {
			log.Debug().Msg("ignored")
			return
		}
		m.markConnected(rec, false)

	case domain.EventCallRejected:
		m.onRemoteEnd(p, "Call rejected")

	case domain.EventCallEnded:
		m.onRemoteEnd(p, "Call ended")

	case domain.EventStaffUnavailable:
		m.onRemoteEnd(p, "Staff member is unavailable")

	case domain.EventCallError:
		msg := "Call failed"
		if p.Message != "" {
			msg += ": " + p.Message
		}
		m.onRemoteEnd(p, msg)

	default:
		log.Debug().Msg("unhandled event")
	}
}

// checkSender verifies that a payload came from the record's counterpart
// and is addressed to this client. Once the counterpart is known a missing
// sender is a mismatch; a missing recipient is not.
func (m *Machine) checkSender(event string, rec *domain.CallRecord, from, to string) error {
	if want := rec.Counterpart(m.id.Role); want != "" && from != want {
		return &domain.IdentityMismatchError{Event: event, Expected: want, Got: from}
	}
	if to != "" && m.id.ID != "" && to != m.id.ID {
		return &domain.IdentityMismatchError{Event: event, Expected: m.id.ID, Got: to}
	}
	return nil
}

// queueable reports whether a payload for callID, which has no record, may
// wait for its invite. Nothing is queued behind a live call or for a call
// that already ended.
func (m *Machine) queueable(callID string) bool {
	return m.s.record == nil && !m.s.wasEnded(callID)
}

// adoptQueued keeps the payloads queued for rec that came from its
// counterpart and drops the rest, including those for other calls.
func (m *Machine) adoptQueued(rec *domain.CallRecord) {
	s := &m.s
	log := m.log.With().Str("call_id", rec.ID).Logger()

	for id, q := range s.pendingOffers {
		if id != rec.ID {
			delete(s.pendingOffers, id)
			continue
		}
		if err := m.checkSender(domain.EventOffer, rec, q.from, q.to); err != nil {
			log.Debug().Err(err).Msg("queued offer dropped")
			delete(s.pendingOffers, id)
		}
	}
	for id, qs := range s.pendingCandidates {
		if id != rec.ID {
			delete(s.pendingCandidates, id)
			continue
		}
		kept := qs[:0]
		for _, q := range qs {
			if err := m.checkSender(domain.EventICECandidate, rec, q.from, q.to); err != nil {
				log.Debug().Err(err).Msg("queued candidate dropped")
				continue
			}
			kept = append(kept, q)
		}
		if len(kept) == 0 {
			delete(s.pendingCandidates, id)
		} else {
			s.pendingCandidates[id] = kept
		}
	}
}

func (m *Machine) onInvite(event string, p domain.SignalPayload) {
	s := &m.s
	log := m.log.With().Str("call_id", p.CallID).Logger()

	if p.CallID == "" {
		log.Warn().Str("event", event).Msg("invite without call id")
		return
	}
	if rec := s.record; rec != nil {
		if rec.ID == p.CallID {
			log.Debug().Msg("duplicate invite ignored")
		} else {
			log.Warn().Str("active", rec.ID).Msg("invite while another call is active ignored")
		}
		return
	}
	if s.initiating {
		log.Warn().Msg("invite while placing a call ignored")
		return
	}

	self := p.StaffID
	if m.id.Role == domain.RoleUser {
		self = p.UserID
	}
	if self != "" && m.id.ID != "" && self != m.id.ID {
		log.Debug().Err(&domain.IdentityMismatchError{Event: event, Expected: m.id.ID, Got: self}).Msg("invite dropped")
		return
	}

	rec := &domain.CallRecord{
		ID:      p.CallID,
		UserID:  p.UserID,
		StaffID: p.StaffID,
		Status:  domain.StatusIncoming,
	}
	if m.id.Role == domain.RoleStaff {
		rec.StaffID = m.id.ID
		if rec.UserID == "" {
			rec.UserID = p.From
		}
	} else {
		rec.UserID = m.id.ID
		if rec.StaffID == "" {
			rec.StaffID = p.From
		}
	}
	s.record = rec
	m.adoptQueued(rec)

	if p.SDP != nil {
		// The invite names the counterpart itself, so its offer only fails
		// when the envelope sender disagrees.
		if err := m.checkSender(event, rec, cmp.Or(p.From, rec.Counterpart(m.id.Role)), p.To); err != nil {
			log.Debug().Err(err).Msg("offer attached to invite dropped")
		} else {
			s.pendingOffers[rec.ID] = queueOffer(p)
		}
	}
	m.armAutoReject(rec.ID)

	m.display.ShowControls(true)
	m.display.ShowStatus("Incoming call from " + rec.Counterpart(m.id.Role))
	log.Info().Str("from", rec.Counterpart(m.id.Role)).Msg("incoming call")
}

func (m *Machine) onOffer(p domain.SignalPayload) {
	s := &m.s
	log := m.log.With().Str("call_id", p.CallID).Logger()

	if p.SDP == nil || p.CallID == "" {
		log.Warn().Msg("offer without description or call id")
		return
	}
	rec := s.current(p.CallID)
	if rec == nil {
		if !m.queueable(p.CallID) {
			log.Debug().Msg("offer for unknown call dropped")
			return
		}
		// Ahead of its invite; the invite checks and consumes it.
		s.pendingOffers[p.CallID] = queueOffer(p)
		log.Debug().Msg("offer queued until invite")
		return
	}
	if err := m.checkSender(domain.EventOffer, rec, p.From, p.To); err != nil {
		log.Debug().Err(err).Msg("offer dropped")
		return
	}

	s.pendingOffers[rec.ID] = queueOffer(p)
	if rec.Status == domain.StatusIncoming {
		log.Debug().Msg("offer queued until accepted")
		return
	}
	m.consumePendingOffer(rec.ID)
}

func (m *Machine) onAnswer(p domain.SignalPayload) {
	log := m.log.With().Str("call_id", p.CallID).Logger()

	rec := m.s.current(p.CallID)
	if rec == nil || p.SDP == nil {
		log.Debug().Msg("answer ignored")
		return
	}
	if err := m.checkSender(domain.EventAnswer, rec, p.From, p.To); err != nil {
		log.Debug().Err(err).Msg("answer dropped")
		return
	}

	applied, err := m.neg.HandleAnswer(m.ctx, rec.ID, *p.SDP)
	if err != nil {
		log.Error().Err(err).Msg("apply answer failed")
		m.display.ShowStatus("Connection setup failed, you can end the call and retry")
		return
	}
	if applied {
		log.Info().Msg("answer applied")
	}
}

func (m *Machine) onRemoteCandidate(p domain.SignalPayload) {
	s := &m.s
	log := m.log.With().Str("call_id", p.CallID).Logger()

	if p.Candidate == nil || p.CallID == "" {
		log.Debug().Msg("candidate without payload or call id")
		return
	}
	rec := s.current(p.CallID)
	if rec == nil {
		if !m.queueable(p.CallID) {
			log.Debug().Msg("candidate for unknown call dropped")
			return
		}
		s.pendingCandidates[p.CallID] = append(s.pendingCandidates[p.CallID], queueCandidate(p))
		log.Debug().Msg("remote candidate queued until invite")
		return
	}
	if err := m.checkSender(domain.EventICECandidate, rec, p.From, p.To); err != nil {
		log.Debug().Err(err).Msg("candidate dropped")
		return
	}

	// Not yet consumable: still ringing, or its offer is being answered
	// right now.
	if rec.Status == domain.StatusIncoming || s.offerInFlight == rec.ID {
		s.pendingCandidates[rec.ID] = append(s.pendingCandidates[rec.ID], queueCandidate(p))
		log.Debug().Msg("remote candidate queued")
		return
	}

	applied, err := m.neg.AddRemoteCandidate(*p.Candidate)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("remote candidate dropped")
	case applied:
		log.Debug().Msg("remote candidate applied")
	default:
		log.Debug().Msg("remote candidate deferred")
	}
}

func (m *Machine) onRemoteEnd(p domain.SignalPayload, status string) {
	rec := m.s.current(p.CallID)
	if rec == nil {
		m.log.Debug().Str("call_id", p.CallID).Msg("end for unknown call ignored")
		return
	}
	m.log.Info().Str("call_id", rec.ID).Str("reason", p.Reason).Msg(status)
	m.cleanup()
	m.display.ShowStatus(status)
}

// markConnected records the start of media exchange once. announce sends
// call-start to the relay.
func (m *Machine) markConnected(rec *domain.CallRecord, announce bool) {
	if rec.Status == domain.StatusConnected {
		return
	}
	rec.Status = domain.StatusConnected
	rec.StartTime = time.Now()
	m.s.stopAutoReject()

	if announce {
		m.emit(domain.EventCallStart, m.payloadFor(rec))
	}
	m.display.ShowStatus("Connected")
	m.display.StartTimer(rec.StartTime)
	m.log.Info().Str("call_id", rec.ID).Msg("call connected")
}
