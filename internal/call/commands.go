package call

import (
	"errors"
	"fmt"
	"time"

	"supportcall/native/internal/domain"
	"supportcall/native/internal/media"
)

func (m *Machine) startInitiate(cmd initiateCmd) {
	s := &m.s
	switch {
	case s.record != nil || s.initiating:
		cmd.reply <- domain.ErrCallActive
		return
	case m.id.Role != domain.RoleUser:
		cmd.reply <- fmt.Errorf("%w: only users place calls", domain.ErrInvalidState)
		return
	case cmd.target == "":
		cmd.reply <- &domain.InitiationError{Message: "no target given"}
		return
	}

	s.initiating = true
	m.display.ShowStatus("Starting call...")
	m.log.Info().Str("target", cmd.target).Msg("initiating call")

	ctx, gen := m.ctx, s.gen
	go func() {
		done := initiateDone{gen: gen, target: cmd.target, reply: cmd.reply}
		done.capture, done.err = m.media.Acquire(ctx)
		if done.err == nil {
			var res *domain.InitiateResult
			res, done.err = m.initiator.InitiateCall(ctx, m.id.Token, cmd.target)
			if done.err == nil {
				done.callID = res.CallID
			}
		}
		m.mb.push(done)
	}()
}

func (m *Machine) finishInitiate(d initiateDone) {
	s := &m.s
	s.initiating = false

	if d.err != nil {
		if s.record == nil {
			m.media.Release()
		}
		var busy *domain.TargetBusyError
		var mae *domain.MediaAccessError
		switch {
		case errors.As(d.err, &busy):
			m.display.ShowStatus("Staff member is busy, please try again later")
		case errors.As(d.err, &mae):
			m.display.ShowStatus("Microphone unavailable: " + mae.Err.Error())
		default:
			m.display.ShowStatus("Could not start call: " + d.err.Error())
		}
		m.log.Warn().Err(d.err).Str("target", d.target).Msg("call initiation failed")
		d.reply <- d.err
		return
	}

	if d.capture.AudioOnly {
		m.display.ShowStatus(media.VideoUnavailableNotice())
	}

	rec := &domain.CallRecord{
		ID:      d.callID,
		UserID:  m.id.ID,
		StaffID: d.target,
		Status:  domain.StatusCalling,
	}
	s.record = rec
	m.adoptQueued(rec)
	m.display.ShowControls(true)
	m.display.ShowStatus("Calling...")
	m.log.Info().Str("call_id", rec.ID).Str("target", d.target).Msg("call record created")

	m.emit(domain.EventJoinCall, m.payloadFor(rec))

	ctx, gen, tracks := m.ctx, s.gen, d.capture.Tracks
	go func() {
		out := offerCreated{gen: gen, callID: rec.ID, reply: d.reply}
		h, err := m.neg.CreateHandle(ctx, rec.ID, tracks)
		if err == nil {
			out.offer, err = m.neg.CreateOffer(h)
		}
		out.err = err
		m.mb.push(out)
	}()
}

func (m *Machine) sendOffer(o offerCreated) {
	rec := m.s.current(o.callID)
	if o.gen != m.s.gen || rec == nil {
		m.dropStaleHandle(o.callID)
		o.reply <- domain.ErrNoCall
		return
	}
	if o.err != nil {
		m.log.Error().Err(o.err).Str("call_id", rec.ID).Msg("create offer failed")
		m.display.ShowStatus("Could not start call: " + o.err.Error())
		m.emit(domain.EventCallEnd, m.payloadFor(rec))
		m.cleanup()
		o.reply <- o.err
		return
	}

	p := m.payloadFor(rec)
	p.SDP = &o.offer
	ctx := m.ctx
	go func() {
		if err := m.deliver(ctx, domain.EventOffer, p); err != nil {
			m.log.Error().Err(err).Str("call_id", p.CallID).Msg("offer not delivered")
		}
	}()
	m.log.Info().Str("call_id", rec.ID).Msg("offer created")
	o.reply <- nil
}

// dropStaleHandle tears down a handle built for a call that is gone.
func (m *Machine) dropStaleHandle(callID string) {
	if h := m.neg.Current(); h != nil && h.CallID() == callID && m.s.current(callID) == nil {
		m.neg.Teardown()
	}
	if m.s.record == nil && !m.s.initiating {
		m.media.Release()
	}
}

func (m *Machine) accept() error {
	s := &m.s
	rec := s.record
	if rec == nil {
		return domain.ErrNoCall
	}
	switch rec.Status {
	case domain.StatusAccepted, domain.StatusConnected:
		m.log.Debug().Str("call_id", rec.ID).Msg("duplicate accept ignored")
		return nil
	case domain.StatusIncoming:
	default:
		return fmt.Errorf("%w: accept in %s", domain.ErrInvalidState, rec.Status)
	}

	rec.Status = domain.StatusAccepted
	s.stopAutoReject()
	m.display.ShowStatus("Connecting...")
	m.log.Info().Str("call_id", rec.ID).Msg("call accepted")

	p := m.payloadFor(rec)
	m.emit(domain.EventJoinCall, p)
	m.emit(domain.EventCallAccept, p)

	if _, ok := s.pendingOffers[rec.ID]; ok {
		if s.offerInFlight == "" {
			m.consumePendingOffer(rec.ID)
		} else {
			m.mb.push(consumePendingOffer{callID: rec.ID})
		}
	}
	return nil
}

func (m *Machine) reject() error {
	rec := m.s.record
	if rec == nil {
		return domain.ErrNoCall
	}
	if rec.Status != domain.StatusIncoming && rec.Status != domain.StatusAccepted {
		return fmt.Errorf("%w: reject in %s", domain.ErrInvalidState, rec.Status)
	}
	m.rejectWith(rec, "rejected")
	m.display.ShowStatus("Call rejected")
	return nil
}

func (m *Machine) rejectWith(rec *domain.CallRecord, reason string) {
	p := m.payloadFor(rec)
	p.Reason = reason
	m.emit(domain.EventCallReject, p)
	m.log.Info().Str("call_id", rec.ID).Str("reason", reason).Msg("call rejected")
	m.cleanup()
}

func (m *Machine) end() error {
	rec := m.s.record
	if rec == nil {
		return domain.ErrNoCall
	}
	if rec.Status == domain.StatusIncoming {
		return m.reject()
	}
	m.hangUp(rec, "Call ended")
	return nil
}

// hangUp tells the counterpart the call is over and cleans up.
func (m *Machine) hangUp(rec *domain.CallRecord, status string) {
	m.emit(domain.EventCallEnd, m.payloadFor(rec))
	m.log.Info().Str("call_id", rec.ID).Msg("call ended")
	m.cleanup()
	m.display.ShowStatus(status)
}

func (m *Machine) armAutoReject(callID string) {
	m.s.stopAutoReject()
	m.s.autoReject = time.AfterFunc(m.opts.AutoRejectTimeout, func() {
		m.mb.push(autoRejectFired{callID: callID})
	})
}

// autoReject fires only for a call still ringing under the same id.
func (m *Machine) autoReject(callID string) {
	rec := m.s.current(callID)
	if rec == nil || rec.Status != domain.StatusIncoming {
		return
	}
	m.log.Info().Err(&domain.TimeoutError{Op: "answer incoming call", After: m.opts.AutoRejectTimeout}).Str("call_id", callID).Msg("auto-rejecting")
	m.rejectWith(rec, "timeout")
	m.display.ShowStatus("Missed call")
}
