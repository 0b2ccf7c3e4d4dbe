package domain

import (
	"context"
	"time"
)

// CallInitiator requests a call id for an outbound call from the relay's REST API.
type CallInitiator interface {
	InitiateCall(ctx context.Context, token, staffID string) (*InitiateResult, error)
}

// Signaler sends named messages over the relay channel.
type Signaler interface {
	Emit(event string, payload SignalPayload) error
	Connected() bool
	Reconnect(ctx context.Context) error
}

// Handler receives signaling events from the relay.
type Handler interface {
	OnSignal(event string, payload SignalPayload)
}

// Display is the presentation collaborator. Implementations must not block.
type Display interface {
	ShowStatus(text string)
	ShowControls(visible bool)
	StartTimer(start time.Time)
	StopTimer()
}
