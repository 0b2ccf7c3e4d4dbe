package call

import (
	"errors"

	"supportcall/native/internal/domain"
	"supportcall/native/internal/media"
	"supportcall/native/internal/webrtc"

	pion "github.com/pion/webrtc/v4"
)

// consumePendingOffer starts answering the offer queued for callID. It is a
// no-op when nothing is queued, the call is still ringing, or another offer
// is being answered; the latter drains the queue when it finishes.
func (m *Machine) consumePendingOffer(callID string) {
	s := &m.s
	rec := s.current(callID)
	if rec == nil || rec.Status == domain.StatusIncoming {
		return
	}
	offer, ok := s.pendingOffers[rec.ID]
	if !ok {
		return
	}
	if s.offerInFlight != "" {
		m.log.Debug().Str("call_id", rec.ID).Msg("offer handling in flight, queued offer waits")
		return
	}

	delete(s.pendingOffers, rec.ID)
	early := candidatesOf(s.pendingCandidates[rec.ID])
	delete(s.pendingCandidates, rec.ID)
	s.offerInFlight = rec.ID

	m.log.Info().Str("call_id", rec.ID).Int("early_candidates", len(early)).Msg("handling offer")
	ctx, gen, callID := m.ctx, s.gen, rec.ID
	go func() {
		out := offerHandled{gen: gen, callID: callID}
		capture, err := m.media.Acquire(ctx)
		if err != nil {
			out.err = err
			m.mb.push(out)
			return
		}
		out.audioOnly = capture.AudioOnly
		out.answer, out.err = m.neg.HandleOffer(ctx, callID, offer.sdp, capture.Tracks, early)
		m.mb.push(out)
	}()
}

func (m *Machine) finishOffer(o offerHandled) {
	s := &m.s
	rec := s.current(o.callID)
	if o.gen != s.gen || rec == nil {
		m.dropStaleHandle(o.callID)
		return
	}
	s.offerInFlight = ""
	log := m.log.With().Str("call_id", rec.ID).Logger()

	var mae *domain.MediaAccessError
	switch {
	case errors.As(o.err, &mae):
		log.Error().Err(o.err).Msg("no local media for call")
		m.hangUp(rec, "Microphone unavailable: "+mae.Err.Error())
		return
	case errors.Is(o.err, domain.ErrHandleClosed):
		log.Debug().Msg("offer handling superseded")
	case o.err != nil:
		log.Error().Err(o.err).Msg("offer handling failed")
		m.display.ShowStatus("Connection setup failed, you can end the call and retry")
	default:
		if o.audioOnly {
			m.display.ShowStatus(media.VideoUnavailableNotice())
		}
		p := m.payloadFor(rec)
		p.SDP = &o.answer
		ctx := m.ctx
		go func() {
			if err := m.deliver(ctx, domain.EventAnswer, p); err != nil {
				log.Error().Err(err).Msg("answer not delivered")
			}
		}()
		log.Info().Msg("answer sent")
	}

	// Candidates that arrived while the offer was being answered.
	if cs := s.pendingCandidates[rec.ID]; len(cs) > 0 {
		delete(s.pendingCandidates, rec.ID)
		for _, c := range candidatesOf(cs) {
			if _, err := m.neg.AddRemoteCandidate(c); err != nil {
				log.Warn().Err(err).Msg("queued remote candidate dropped")
			}
		}
	}
	if _, ok := s.pendingOffers[rec.ID]; ok {
		m.consumePendingOffer(rec.ID)
	}
}

func (m *Machine) onPeer(ev webrtc.Event) {
	if !m.neg.IsCurrent(ev.Handle) {
		return
	}
	rec := m.s.current(ev.Handle.CallID())
	if rec == nil {
		return
	}
	log := m.log.With().Str("call_id", rec.ID).Logger()

	switch ev.Kind {
	case webrtc.EventLocalCandidate:
		m.sendCandidate(rec, ev.Candidate)

	case webrtc.EventGatheringComplete:
		log.Debug().Int("candidates", m.candidates.Len(rec.ID)).Msg("local gathering complete")

	case webrtc.EventConnectionState:
		switch ev.State {
		case pion.PeerConnectionStateConnected:
			m.markConnected(rec, true)
		case pion.PeerConnectionStateDisconnected:
			m.display.ShowStatus("Connection unstable...")
		case pion.PeerConnectionStateFailed:
			log.Warn().Msg("peer connection failed")
			m.hangUp(rec, "Connection lost")
		}

	case webrtc.EventRemoteTrack:
		if m.tracks != nil && ev.Track != nil {
			m.tracks.HandleTrack(rec.ID, ev.Track, ev.Handle)
		}
	}
}

// sendCandidate buffers a local candidate and delivers it off the loop.
func (m *Machine) sendCandidate(rec *domain.CallRecord, c domain.ICECandidatePayload) {
	entry := m.candidates.Add(rec.ID, rec.Counterpart(m.id.Role), c)

	p := m.payloadFor(rec)
	p.Candidate = &entry.Candidate
	p.Priority = string(entry.Priority)
	ctx := m.ctx
	go func() {
		if err := m.deliver(ctx, domain.EventICECandidate, p); err != nil {
			m.log.Warn().Err(err).Str("call_id", p.CallID).Msg("candidate not delivered")
		}
	}()
}

// replayCandidates re-sends every buffered local candidate of rec. The
// remote agent ignores ones it already has.
func (m *Machine) replayCandidates(rec *domain.CallRecord) {
	entries := m.candidates.Entries(rec.ID)
	if len(entries) == 0 {
		return
	}
	base := m.payloadFor(rec)
	ctx := m.ctx
	m.log.Debug().Str("call_id", rec.ID).Int("count", len(entries)).Msg("replaying local candidates")
	go func() {
		for _, e := range entries {
			p := base
			c := e.Candidate
			p.Candidate = &c
			p.Priority = string(e.Priority)
			if err := m.deliver(ctx, domain.EventICECandidate, p); err != nil {
				m.log.Warn().Err(err).Str("call_id", p.CallID).Msg("candidate replay stopped")
				return
			}
		}
	}()
}
