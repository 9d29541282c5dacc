// Package fault classifies the failures the relay can hit so that callers can
// decide between exiting, restarting the device session, or logging and
// carrying on.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies where in the pipeline a failure happened and how the relay
// recovers from it.
type Kind uint8

const (
	// Unknown is reported for errors that carry no classification.
	Unknown Kind = iota
	// FatalStartup covers bind/listen failures, driver construction failures
	// and invalid configuration. The process exits.
	FatalStartup
	// DeviceConnect means no candidate baud rate produced a valid device-info
	// response. The session faults and is retried.
	DeviceConnect
	// DeviceHealth means the device reported an internal error or its health
	// could not be read. The session faults and is retried.
	DeviceHealth
	// Acquisition is a single failed batch grab or sort. It is counted against
	// the failure threshold.
	Acquisition
	// ClientSend is a failed write to one subscriber. Only that slot is closed.
	ClientSend
)

var kindNames = [...]string{
	Unknown:       "unknown",
	FatalStartup:  "fatal startup",
	DeviceConnect: "device connect",
	DeviceHealth:  "device health",
	Acquisition:   "acquisition",
	ClientSend:    "client send",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is a classified failure. Op names the operation that failed, for
// example "listen" or "grab batch".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failed", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a classification. A nil err still produces an error so
// that conditions like "device reported error status" can be classified.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of the outermost fault.Error in err's
// chain, or Unknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err carries the given classification.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	return Is(err, FatalStartup)
}
