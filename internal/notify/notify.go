// Package notify reports service state to systemd over the sd_notify
// protocol. Outside a systemd unit every call is a no-op.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"github.com/banshee-data/scanrelay/internal/session"
)

// Sender delivers one notification. It reports whether anyone received it.
type Sender func(state string) (bool, error)

// Notifier is a session.Observer. Transitions become STATUS updates; when
// the unit sets WatchdogSec, every transition and every broadcast batch
// also pings the watchdog, so a control loop stuck in a device read is
// restarted by systemd.
type Notifier struct {
	send     Sender
	watchdog time.Duration
	log      zerolog.Logger
}

var _ session.Observer = (*Notifier)(nil)

// New returns a Notifier bound to the process's systemd socket.
func New(log zerolog.Logger) *Notifier {
	wd, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn().Err(err).Msg("invalid systemd watchdog settings")
	}
	return NewWithSender(func(state string) (bool, error) {
		return daemon.SdNotify(false, state)
	}, wd, log)
}

// NewWithSender returns a Notifier using send. watchdog is the unit's
// watchdog interval, zero when disabled.
func NewWithSender(send Sender, watchdog time.Duration, log zerolog.Logger) *Notifier {
	return &Notifier{send: send, watchdog: watchdog, log: log}
}

// Watchdog returns the watchdog interval, zero when disabled.
func (n *Notifier) Watchdog() time.Duration { return n.watchdog }

func (n *Notifier) notify(state string) {
	if _, err := n.send(state); err != nil {
		n.log.Debug().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}

// Ready signals that the broadcast endpoint is open.
func (n *Notifier) Ready(endpoint string) {
	n.notify(daemon.SdNotifyReady + "\nSTATUS=listening on " + endpoint)
}

// Stopping signals the start of shutdown.
func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) ping() {
	if n.watchdog > 0 {
		n.notify(daemon.SdNotifyWatchdog)
	}
}

func (n *Notifier) OnTransition(t session.Transition) {
	status := "STATUS=" + t.To.String()
	if t.Err != nil && t.To == session.Faulted {
		status = fmt.Sprintf("STATUS=%s: %s", t.To, oneLine(t.Err.Error()))
	}
	n.notify(status)
	n.ping()
}

func (n *Notifier) OnBatch(session.BatchEvent) { n.ping() }

func (n *Notifier) OnSessionEnd(session.End) {}

// oneLine folds a multi-line error, such as an errors.Join result, into a
// single line; sd_notify treats every newline as a new assignment.
func oneLine(s string) string {
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "\n", "; ")), " ")
}
