package notify

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/banshee-data/scanrelay/internal/session"
)

type sent struct{ states []string }

func (s *sent) send(state string) (bool, error) {
	s.states = append(s.states, state)
	return true, nil
}

func TestNotifierWithoutWatchdog(t *testing.T) {
	var s sent
	n := NewWithSender(s.send, 0, zerolog.Nop())

	n.Ready("127.0.0.1:17685")
	n.OnTransition(session.Transition{From: session.Disconnected, To: session.Connecting})
	n.OnBatch(session.BatchEvent{})
	n.OnTransition(session.Transition{From: session.Scanning, To: session.Faulted, Err: errors.New("acquisition: grab batch: timeout")})
	n.OnSessionEnd(session.End{})
	n.Stopping()

	want := []string{
		"READY=1\nSTATUS=listening on 127.0.0.1:17685",
		"STATUS=connecting",
		"STATUS=faulted: acquisition: grab batch: timeout",
		"STOPPING=1",
	}
	if diff := cmp.Diff(want, s.states); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifierFoldsJoinedErrors(t *testing.T) {
	var s sent
	n := NewWithSender(s.send, 0, zerolog.Nop())

	err := errors.Join(errors.New("115200 baud: no reply"), errors.New("256000 baud: no reply"))
	n.OnTransition(session.Transition{From: session.Connecting, To: session.Faulted, Err: err})

	want := []string{"STATUS=faulted: 115200 baud: no reply; 256000 baud: no reply"}
	if diff := cmp.Diff(want, s.states); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifierPingsWatchdog(t *testing.T) {
	var s sent
	n := NewWithSender(s.send, 30*time.Second, zerolog.Nop())
	if n.Watchdog() != 30*time.Second {
		t.Fatalf("Watchdog() = %v", n.Watchdog())
	}

	n.OnTransition(session.Transition{From: session.SpinningUp, To: session.Scanning})
	n.OnBatch(session.BatchEvent{})
	n.OnBatch(session.BatchEvent{})

	want := []string{"STATUS=scanning", "WATCHDOG=1", "WATCHDOG=1", "WATCHDOG=1"}
	if diff := cmp.Diff(want, s.states); diff != "" {
		t.Errorf("notifications mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifierSendErrorIsIgnored(t *testing.T) {
	n := NewWithSender(func(string) (bool, error) { return false, errors.New("no socket") }, time.Second, zerolog.Nop())
	n.Ready("x")
	n.OnBatch(session.BatchEvent{})
	n.Stopping()
}

func TestNewOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	n := New(zerolog.Nop())
	if n.Watchdog() != 0 {
		t.Errorf("Watchdog() = %v outside a unit", n.Watchdog())
	}
	n.Ready("127.0.0.1:17685")
	n.Stopping()
}
