// Package admin publishes relay status for operators: a status board fed by
// session events and the /debug/ HTTP routes that serve it.
package admin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/scanrelay/internal/broadcast"
	"github.com/banshee-data/scanrelay/internal/scan"
	"github.com/banshee-data/scanrelay/internal/session"
)

// ClientSource is the broadcast server as the board sees it. It is only
// called from observer callbacks, which run on the control goroutine.
type ClientSource interface {
	Clients() []broadcast.ClientInfo
	Stats() broadcast.Stats
}

// Status is a point-in-time copy of the board.
type Status struct {
	Version     string                 `json:"version"`
	State       string                 `json:"state"`
	SessionID   string                 `json:"session_id,omitempty"`
	Since       time.Time              `json:"since"`
	Device      *session.DeviceLink    `json:"device,omitempty"`
	Sessions    int                    `json:"sessions"`
	Restarts    int                    `json:"restarts"`
	Batches     uint64                 `json:"batches"`
	LastBatchAt time.Time              `json:"last_batch_at,omitempty"`
	LastBatch   scan.Summary           `json:"last_batch"`
	LastError   string                 `json:"last_error,omitempty"`
	SendError   string                 `json:"send_error,omitempty"`
	Clients     []broadcast.ClientInfo `json:"clients"`
	Server      broadcast.Stats        `json:"server"`
}

// Board is a session.Observer holding the latest status and sweep.
type Board struct {
	src ClientSource

	mu      sync.RWMutex
	st      Status
	points  []scan.Measurement
	lastSID string
}

var _ session.Observer = (*Board)(nil)

// NewBoard returns a board reporting version. src may be nil.
func NewBoard(version string, src ClientSource) *Board {
	return &Board{
		src: src,
		st:  Status{Version: version, State: session.Disconnected.String()},
	}
}

func (b *Board) refreshClients() {
	if b.src == nil {
		return
	}
	b.st.Clients = b.src.Clients()
	b.st.Server = b.src.Stats()
}

func (b *Board) OnTransition(t session.Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sid := t.SessionID.String()
	if sid != b.lastSID {
		b.lastSID = sid
		b.st.Sessions++
	}
	b.st.State = t.To.String()
	b.st.SessionID = sid
	b.st.Since = t.At
	if t.Device != nil {
		d := *t.Device
		b.st.Device = &d
	}
	if t.Err != nil && t.To == session.Faulted {
		b.st.LastError = t.Err.Error()
	}
	b.refreshClients()
}

func (b *Board) OnBatch(e session.BatchEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st.Batches++
	b.st.LastBatchAt = e.At
	b.st.LastBatch = scan.Summarize(e.Measurements)
	b.st.SendError = ""
	if e.SendErr != nil {
		b.st.SendError = e.SendErr.Error()
	}
	// Measurements is only valid during the callback.
	b.points = append(b.points[:0], e.Measurements...)
	b.refreshClients()
}

func (b *Board) OnSessionEnd(e session.End) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e.Err != nil && !errors.Is(e.Err, context.Canceled) {
		b.st.LastError = e.Err.Error()
	}
	b.refreshClients()
}

// NoteRestart counts a service-loop restart. It matches
// service.Loop.OnRestart.
func (b *Board) NoteRestart(attempt int, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.st.Restarts = attempt
	if cause != nil {
		b.st.LastError = cause.Error()
	}
}

// Snapshot returns a copy of the current status.
func (b *Board) Snapshot() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.st
	st.Clients = append([]broadcast.ClientInfo(nil), b.st.Clients...)
	if b.st.Device != nil {
		d := *b.st.Device
		st.Device = &d
	}
	return st
}

// Points returns a copy of the latest sweep.
func (b *Board) Points() []scan.Measurement {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]scan.Measurement(nil), b.points...)
}
