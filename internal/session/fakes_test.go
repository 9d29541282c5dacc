package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/scanrelay/internal/broadcast"
	"github.com/banshee-data/scanrelay/internal/device"
	"github.com/banshee-data/scanrelay/internal/scan"
)

var errNoReply = errors.New("no reply")

type grabResult struct {
	ms  []scan.Measurement
	err error
}

// fakeDriver records calls and replays scripted results.
type fakeDriver struct {
	mu sync.Mutex

	// goodBaud is the only rate at which DeviceInfo succeeds; 0 accepts all.
	goodBaud   int
	connectErr error
	health     device.Health
	healthErr  error
	startErr   error
	grabs      []grabResult
	// onGrab runs before each grab with its 1-based index.
	onGrab func(n int)

	calls   []string
	baud    int
	grabbed int
}

func (f *fakeDriver) record(format string, args ...any) {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	f.mu.Unlock()
}

func (f *fakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDriver) Connect(port string, baud int) error {
	f.record("connect %d", baud)
	f.baud = baud
	return f.connectErr
}

func (f *fakeDriver) DeviceInfo() (device.Info, error) {
	f.record("info")
	if f.goodBaud != 0 && f.baud != f.goodBaud {
		return device.Info{}, errNoReply
	}
	return device.Info{Model: 0x18, Firmware: 0x011D, Hardware: 5}, nil
}

func (f *fakeDriver) Health() (device.Health, error) {
	f.record("health")
	return f.health, f.healthErr
}

func (f *fakeDriver) StartScan(mode device.ScanMode) error {
	f.record("start %s", mode)
	return f.startErr
}

func (f *fakeDriver) GrabBatch(dst *scan.Batch) error {
	f.grabbed++
	f.record("grab")
	if f.onGrab != nil {
		f.onGrab(f.grabbed)
	}
	dst.Reset()
	if len(f.grabs) == 0 {
		dst.Append(scan.Measurement{AngleDeg: 1, DistanceMM: 1, Quality: 1})
		return nil
	}
	g := f.grabs[0]
	f.grabs = f.grabs[1:]
	for _, m := range g.ms {
		dst.Append(m)
	}
	return g.err
}

func (f *fakeDriver) SortBatch(b *scan.Batch) error {
	f.record("sort")
	if b.ValidCount() == 0 {
		return errors.New("no valid sample")
	}
	b.SortByAngle()
	return nil
}

func (f *fakeDriver) Stop() error {
	f.record("stop")
	return nil
}

func (f *fakeDriver) Disconnect() error {
	f.record("disconnect")
	return nil
}

// resettableDriver adds device.Resetter.
type resettableDriver struct {
	fakeDriver
	resets int
}

func (r *resettableDriver) Reset() error {
	r.resets++
	r.record("reset")
	return nil
}

type fakeMotor struct {
	duties []float64
	err    error
}

func (m *fakeMotor) SetDutyCycle(p float64) error {
	m.duties = append(m.duties, p)
	return m.err
}

func (m *fakeMotor) last() float64 {
	if len(m.duties) == 0 {
		return -1
	}
	return m.duties[len(m.duties)-1]
}

type fakeOut struct {
	accepts   int
	acceptErr error
	payloads []string
	sendErr  error
	clients  int
}

func (o *fakeOut) AcceptPending() (broadcast.AcceptEvent, error) {
	o.accepts++
	return broadcast.AcceptEvent{Kind: broadcast.AcceptNone, Slot: -1}, o.acceptErr
}

func (o *fakeOut) Broadcast(p []byte) error {
	o.payloads = append(o.payloads, string(p))
	return o.sendErr
}

func (o *fakeOut) Count() int { return o.clients }

// recorder is an Observer that keeps every event.
type recorder struct {
	transitions []Transition
	batches     []BatchEvent
	ends        []End
}

func (r *recorder) OnTransition(t Transition) { r.transitions = append(r.transitions, t) }
func (r *recorder) OnBatch(b BatchEvent)      { r.batches = append(r.batches, b) }
func (r *recorder) OnSessionEnd(e End)        { r.ends = append(r.ends, e) }

func (r *recorder) path() []State {
	if len(r.transitions) == 0 {
		return nil
	}
	states := []State{r.transitions[0].From}
	for _, t := range r.transitions {
		states = append(states, t.To)
	}
	return states
}

func (r *recorder) count(from, to State) int {
	n := 0
	for _, t := range r.transitions {
		if t.From == from && t.To == to {
			n++
		}
	}
	return n
}
