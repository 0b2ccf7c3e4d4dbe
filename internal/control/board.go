// Package control is the local call-control surface: a status board that
// plays the display role for the call machine, and a small HTTP API on top.
package control

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Board records what a UI would show. It implements domain.Display.
type Board struct {
	log zerolog.Logger

	mu       sync.RWMutex
	status   string
	controls bool
	started  time.Time
}

// View is a copy of the board.
type View struct {
	Status   string        `json:"status"`
	Controls bool          `json:"controls"`
	Elapsed  time.Duration `json:"-"`
	Seconds  int64         `json:"elapsedSeconds"`
}

// NewBoard returns an empty board that echoes status changes to log.
func NewBoard(log zerolog.Logger) *Board {
	return &Board{log: log}
}

// ShowStatus replaces the status line.
func (b *Board) ShowStatus(text string) {
	b.mu.Lock()
	b.status = text
	b.mu.Unlock()
	b.log.Info().Msg(text)
}

// ShowControls sets whether call controls are visible.
func (b *Board) ShowControls(visible bool) {
	b.mu.Lock()
	b.controls = visible
	b.mu.Unlock()
}

// StartTimer starts the call timer at start.
func (b *Board) StartTimer(start time.Time) {
	b.mu.Lock()
	b.started = start
	b.mu.Unlock()
}

// StopTimer clears the call timer.
func (b *Board) StopTimer() {
	b.mu.Lock()
	b.started = time.Time{}
	b.mu.Unlock()
}

// View returns the current board.
func (b *Board) View() View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v := View{Status: b.status, Controls: b.controls}
	if !b.started.IsZero() {
		v.Elapsed = time.Since(b.started)
		v.Seconds = int64(v.Elapsed / time.Second)
	}
	return v
}
