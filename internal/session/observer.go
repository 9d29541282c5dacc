package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scanrelay/internal/device"
	"github.com/banshee-data/scanrelay/internal/scan"
)

// Transition describes one state change.
type Transition struct {
	SessionID uuid.UUID
	From, To  State
	At        time.Time
	// Err is the failure that caused a move to Faulted, or the shutdown
	// cause on the final move to Disconnected.
	Err error
	// Device is set once Connecting has succeeded.
	Device *DeviceLink
}

// DeviceLink describes the connected device.
type DeviceLink struct {
	Port string      `json:"port"`
	Baud int         `json:"baud"`
	Info device.Info `json:"info"`
}

// BatchEvent describes one broadcast batch.
type BatchEvent struct {
	SessionID uuid.UUID
	Seq       uint64
	At        time.Time
	// Measurements is only valid during the callback.
	Measurements []scan.Measurement
	Bytes        int
	Clients      int
	SendErr      error
}

// End describes how a session finished.
type End struct {
	SessionID uuid.UUID
	Started   time.Time
	At        time.Time
	Batches   uint64
	Err       error
}

// Observer receives session events on the control goroutine. Callbacks
// must not block.
type Observer interface {
	OnTransition(Transition)
	OnBatch(BatchEvent)
	OnSessionEnd(End)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnTransition(Transition) {}
func (NopObserver) OnBatch(BatchEvent)      {}
func (NopObserver) OnSessionEnd(End)        {}

// Observers fans events out in order.
type Observers []Observer

func (obs Observers) OnTransition(t Transition) {
	for _, o := range obs {
		o.OnTransition(t)
	}
}

func (obs Observers) OnBatch(b BatchEvent) {
	for _, o := range obs {
		o.OnBatch(b)
	}
}

func (obs Observers) OnSessionEnd(e End) {
	for _, o := range obs {
		o.OnSessionEnd(e)
	}
}
