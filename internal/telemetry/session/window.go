// Package session computes the telemetry session identifier that groups
// events from one continuous period of app use.
package session

import (
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
)

// DefaultTimeout is how long a session id stays valid after it was created.
const DefaultTimeout = 30 * time.Minute

// Window holds the current session id. A new id is issued lazily on first use,
// after Timeout has elapsed since the id was issued, or after Clear.
type Window struct {
	mu        sync.Mutex
	clock     quartz.Clock
	timeout   time.Duration
	newID     func() string
	id        string
	startedAt time.Time
}

// New returns a Window that reads time from clock. timeout <= 0 uses DefaultTimeout.
func New(clock quartz.Clock, timeout time.Duration) *Window {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Window{
		clock:   clock,
		timeout: timeout,
		newID:   func() string { return uuid.New().String() },
	}
}

// ID returns the session id for the clock's current time.
func (w *Window) ID() string {
	return w.IDAt(w.clock.Now())
}

// IDAt returns the session id valid at now, starting a new session if none
// exists or the current one is at least Timeout old.
func (w *Window) IDAt(now time.Time) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.id == "" || now.Sub(w.startedAt) >= w.timeout {
		w.id = w.newID()
		w.startedAt = now
	}
	return w.id
}

// Clear drops the current session so the next event starts a new one. Called
// on sign-out so events are never attributed across identities.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.id = ""
	w.startedAt = time.Time{}
}

// Current returns the active session id and its start time without creating one.
func (w *Window) Current() (id string, startedAt time.Time, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id, w.startedAt, w.id != ""
}

// Timeout returns the configured session lifetime.
func (w *Window) Timeout() time.Duration {
	return w.timeout
}
