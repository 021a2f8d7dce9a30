// Package auth tracks which users are signed in on this install and notifies
// the rest of the core about login and logout transitions.
package auth

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
)

// ErrNoUser is returned when a login names no user.
var ErrNoUser = errors.New("auth: user id required")

// EventKind is a login or logout transition.
type EventKind string

const (
	LoggedIn  EventKind = "login"
	LoggedOut EventKind = "logout"
)

// Event is delivered to listeners after the tracker's state has changed.
type Event struct {
	Kind   EventKind
	UserID string
}

// Listener observes auth transitions. Listeners run synchronously, in
// registration order, on the goroutine that caused the transition.
type Listener func(Event)

// Tracker is the AuthProvider for the core. Several users may be signed in on
// one install; the most recent login is the current user.
type Tracker struct {
	mu        sync.Mutex
	active    []string // login order, most recent last
	listeners []Listener
}

// NewTracker creates a tracker with nobody signed in.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Subscribe registers l for all future transitions.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, l)
}

// CurrentUserID returns the most recently signed-in user.
func (t *Tracker) CurrentUserID() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.active) == 0 {
		return "", false
	}
	return t.active[len(t.active)-1], true
}

// Authenticated reports whether anyone is signed in.
func (t *Tracker) Authenticated() bool {
	_, ok := t.CurrentUserID()
	return ok
}

// IsActive reports whether userID is signed in.
func (t *Tracker) IsActive(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.indexLocked(userID) >= 0
}

// Login marks userID as signed in and notifies listeners. Logging in again
// makes the user current and notifies again.
func (t *Tracker) Login(userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrNoUser
	}

	t.mu.Lock()
	if i := t.indexLocked(userID); i >= 0 {
		t.active = append(t.active[:i], t.active[i+1:]...)
	}
	t.active = append(t.active, userID)
	listeners := t.snapshotLocked()
	t.mu.Unlock()

	slog.Info("user logged in", "user", userID)
	notify(listeners, Event{Kind: LoggedIn, UserID: userID})
	return nil
}

// Logout signs userID out. It reports false if the user was not signed in,
// in which case no listener is called.
func (t *Tracker) Logout(userID string) bool {
	t.mu.Lock()
	i := t.indexLocked(userID)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	t.active = append(t.active[:i], t.active[i+1:]...)
	listeners := t.snapshotLocked()
	t.mu.Unlock()

	slog.Info("user logged out", "user", userID)
	notify(listeners, Event{Kind: LoggedOut, UserID: userID})
	return true
}

func (t *Tracker) indexLocked(userID string) int {
	for i, u := range t.active {
		if u == userID {
			return i
		}
	}
	return -1
}

func (t *Tracker) snapshotLocked() []Listener {
	out := make([]Listener, len(t.listeners))
	copy(out, t.listeners)
	return out
}

func notify(listeners []Listener, ev Event) {
	for _, l := range listeners {
		l(ev)
	}
}
