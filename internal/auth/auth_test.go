package auth

import (
	"errors"
	"testing"
	"time"
)

func TestTracker_LoginLogout(t *testing.T) {
	tr := NewTracker()
	var events []Event
	tr.Subscribe(func(ev Event) { events = append(events, ev) })

	if tr.Authenticated() {
		t.Fatal("expected nobody signed in")
	}
	if err := tr.Login("alice"); err != nil {
		t.Fatalf("login: %v", err)
	}
	tr.Login("bob")

	if u, _ := tr.CurrentUserID(); u != "bob" {
		t.Errorf("expected bob current, got %s", u)
	}
	if !tr.Logout("bob") {
		t.Error("expected bob to be logged out")
	}
	if u, _ := tr.CurrentUserID(); u != "alice" {
		t.Errorf("expected alice current after bob left, got %s", u)
	}
	if tr.Logout("bob") {
		t.Error("second logout should report false")
	}

	want := []Event{{LoggedIn, "alice"}, {LoggedIn, "bob"}, {LoggedOut, "bob"}}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: expected %v, got %v", i, want[i], events[i])
		}
	}
}

func TestTracker_EmptyUser(t *testing.T) {
	if err := NewTracker().Login("  "); !errors.Is(err, ErrNoUser) {
		t.Errorf("expected ErrNoUser, got %v", err)
	}
}

func TestTracker_ListenerMayQueryTracker(t *testing.T) {
	tr := NewTracker()
	var seen bool
	tr.Subscribe(func(ev Event) { seen = tr.IsActive(ev.UserID) })
	tr.Login("alice")
	if !seen {
		t.Error("listener should observe the updated state")
	}
}

func TestTokenVerifier_RoundTrip(t *testing.T) {
	v := NewTokenVerifier("secret")
	tok, err := v.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	user, err := v.Verify(tok)
	if err != nil || user != "alice" {
		t.Errorf("expected alice, got %q (%v)", user, err)
	}
}

func TestTokenVerifier_Rejects(t *testing.T) {
	v := NewTokenVerifier("secret")

	other, _ := NewTokenVerifier("other").Issue("alice", time.Hour)
	if _, err := v.Verify(other); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong key: expected ErrInvalidToken, got %v", err)
	}

	expired, _ := v.Issue("alice", -time.Minute)
	if _, err := v.Verify(expired); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired: expected ErrInvalidToken, got %v", err)
	}

	if _, err := v.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("garbage: expected ErrInvalidToken, got %v", err)
	}
}
