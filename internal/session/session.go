// Package session drives one device through its lifecycle: connect, check
// health, spin up, then stream batches to the broadcast endpoint until the
// device fails or shutdown is requested.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/banshee-data/scanrelay/internal/broadcast"
	"github.com/banshee-data/scanrelay/internal/device"
	"github.com/banshee-data/scanrelay/internal/fault"
	"github.com/banshee-data/scanrelay/internal/frame"
	"github.com/banshee-data/scanrelay/internal/monitoring"
	"github.com/banshee-data/scanrelay/internal/scan"
	"github.com/banshee-data/scanrelay/internal/timeutil"
)

// Broadcaster is the part of the broadcast endpoint a session uses.
type Broadcaster interface {
	AcceptPending() (broadcast.AcceptEvent, error)
	Broadcast(p []byte) error
	Count() int
}

// Config is the per-session configuration.
type Config struct {
	Port      string
	BaudRates []int
	// MotorSpeed is the duty cycle in percent. Zero is valid: the motor
	// may be driven externally or not at all.
	MotorSpeed       float64
	FailureThreshold int
	Sort             bool
	ScanMode         device.ScanMode
	SettleDelay      time.Duration
	BatchDelay       time.Duration
	// BatchCapacity sizes the batch arena; 0 selects
	// scan.MaxMeasurementsPerBatch.
	BatchCapacity int
}

// Deps are the collaborators of a session.
type Deps struct {
	Driver   device.Driver
	Motor    device.Motor
	Out      Broadcaster
	Clock    timeutil.Clock
	Observer Observer
	Logger   *zerolog.Logger
}

// Session is one pass through the device lifecycle. It is not reusable:
// the service loop builds a new one after each fault.
type Session struct {
	id    uuid.UUID
	cfg   Config
	drv   device.Driver
	motor device.Motor
	out   Broadcaster
	clock timeutil.Clock
	obs   Observer
	log   zerolog.Logger

	state       State
	failures    *FailureCounter
	batch       *scan.Batch
	buf         []byte
	link        *DeviceLink
	scanStarted bool
	batches     uint64
	started     time.Time
	// Accept and acquisition warnings are limited independently.
	acceptLog  *monitoring.Throttle
	acquireLog *monitoring.Throttle
}

// New builds a session in the Disconnected state.
func New(cfg Config, deps Deps) *Session {
	s := &Session{
		id:       uuid.New(),
		cfg:      cfg,
		drv:      deps.Driver,
		motor:    deps.Motor,
		out:      deps.Out,
		clock:    deps.Clock,
		obs:      deps.Observer,
		state:    Disconnected,
		failures: NewFailureCounter(cfg.FailureThreshold),
		batch:    scan.NewBatch(cfg.BatchCapacity),
		acceptLog:  monitoring.NewThrottle(5*time.Second, 3),
		acquireLog: monitoring.NewThrottle(5*time.Second, 3),
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.obs == nil {
		s.obs = NopObserver{}
	}
	log := monitoring.Component("session")
	if deps.Logger != nil {
		log = *deps.Logger
	}
	s.log = log.With().Str("session", s.id.String()).Logger()
	return s
}

// ID identifies the session in logs and the journal.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Failures returns the current run of acquisition failures.
func (s *Session) Failures() int { return s.failures.Count() }

// Run drives the state machine until the session faults or ctx is done.
// Shutdown is observed between steps only. After a fault the scan is
// stopped, the motor zeroed and the device disconnected; Run then returns
// the classified failure. On shutdown the same cleanup runs and ctx.Err()
// is returned.
func (s *Session) Run(ctx context.Context) error {
	s.started = s.clock.Now()
	s.log.Info().Int("failure_threshold", s.failures.Threshold()).Msg("session started")

	var err error
	defer func() {
		s.obs.OnSessionEnd(End{
			SessionID: s.id,
			Started:   s.started,
			At:        s.clock.Now(),
			Batches:   s.batches,
			Err:       err,
		})
	}()

	for {
		if err = ctx.Err(); err != nil {
			s.shutdown(err)
			return err
		}
		s.pollClients()

		outcome, stepErr := s.step(ctx)
		if next := Next(s.state, outcome); next != s.state {
			s.enter(next, stepErr)
		}
		if s.state == Faulted {
			err = stepErr
			s.cleanup()
			s.failures.Reset()
			s.enter(Disconnected, nil)
			return err
		}
	}
}

func (s *Session) step(ctx context.Context) (Outcome, error) {
	switch s.state {
	case Disconnected:
		return Succeeded, nil
	case Connecting:
		return s.connect()
	case HealthChecking:
		return s.checkHealth()
	case SpinningUp:
		return s.spinUp(ctx)
	case Scanning:
		return s.scanOnce()
	default:
		return Failed, fmt.Errorf("session: no action for state %s", s.state)
	}
}

// connect tries each candidate baud rate in order until the device answers
// an info query.
func (s *Session) connect() (Outcome, error) {
	var errs []error
	for _, baud := range s.cfg.BaudRates {
		if err := s.drv.Connect(s.cfg.Port, baud); err != nil {
			s.log.Warn().Err(err).Str("port", s.cfg.Port).Int("baud", baud).Msg("connect failed")
			errs = append(errs, fmt.Errorf("%d baud: %w", baud, err))
			continue
		}
		info, err := s.drv.DeviceInfo()
		if err != nil {
			s.log.Warn().Err(err).Int("baud", baud).Msg("no device info, trying next baud rate")
			errs = append(errs, fmt.Errorf("%d baud: %w", baud, err))
			if derr := s.drv.Disconnect(); derr != nil {
				s.log.Debug().Err(derr).Msg("disconnect after failed info query")
			}
			continue
		}
		s.link = &DeviceLink{Port: s.cfg.Port, Baud: baud, Info: info}
		s.log.Info().
			Str("port", s.cfg.Port).
			Int("baud", baud).
			Uint8("model", info.Model).
			Str("serial", info.SerialString()).
			Str("firmware", info.FirmwareString()).
			Uint8("hardware", info.Hardware).
			Msg("device connected")
		return Succeeded, nil
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no candidate baud rates"))
	}
	return Failed, fault.New(fault.DeviceConnect, "connect "+s.cfg.Port, errors.Join(errs...))
}

func (s *Session) checkHealth() (Outcome, error) {
	h, err := s.drv.Health()
	if err != nil {
		return Failed, fault.New(fault.DeviceHealth, "get health", err)
	}
	switch h.Status {
	case device.HealthOK:
		s.log.Info().Msg("device health ok")
	case device.HealthWarning:
		s.log.Warn().Uint16("code", h.Code).Msg("device health warning, continuing")
	default:
		s.log.Error().Uint16("code", h.Code).Stringer("status", h.Status).Msg("device reported internal error")
		if r, ok := s.drv.(device.Resetter); ok {
			if rerr := r.Reset(); rerr != nil {
				s.log.Warn().Err(rerr).Msg("device reset failed")
			}
		}
		return Failed, fault.New(fault.DeviceHealth, "health check",
			fmt.Errorf("device status %s, code 0x%04X", h.Status, h.Code))
	}
	return Succeeded, nil
}

func (s *Session) spinUp(ctx context.Context) (Outcome, error) {
	if err := s.motor.SetDutyCycle(s.cfg.MotorSpeed); err != nil {
		s.log.Warn().Err(err).Float64("duty", s.cfg.MotorSpeed).Msg("set motor speed failed")
	} else {
		s.log.Info().Float64("duty", s.cfg.MotorSpeed).Dur("settle", s.cfg.SettleDelay).Msg("motor started")
	}
	if s.cfg.SettleDelay > 0 {
		select {
		case <-s.clock.After(s.cfg.SettleDelay):
		case <-ctx.Done():
		}
	}
	return Succeeded, nil
}

func (s *Session) scanOnce() (Outcome, error) {
	if !s.scanStarted {
		if err := s.drv.StartScan(s.cfg.ScanMode); err != nil {
			return Failed, fault.New(fault.Acquisition, "start scan", err)
		}
		s.scanStarted = true
		s.log.Info().Stringer("mode", s.cfg.ScanMode).Bool("sort", s.cfg.Sort).Msg("scan started")
	}

	op, err := "grab batch", s.drv.GrabBatch(s.batch)
	if err == nil && s.cfg.Sort {
		op, err = "sort batch", s.drv.SortBatch(s.batch)
	}
	if err != nil {
		ferr := fault.New(fault.Acquisition, op, err)
		if s.failures.Record() {
			return Failed, ferr
		}
		if ok, suppressed := s.acquireLog.Allow(); ok {
			s.log.Warn().Err(ferr).
				Int("failures", s.failures.Count()).
				Int("threshold", s.failures.Threshold()).
				Int("suppressed", suppressed).
				Msg("acquisition failure tolerated")
		}
		return Tolerated, ferr
	}
	s.failures.Reset()

	s.buf = frame.AppendBatch(s.buf[:0], s.batch.Measurements())
	sendErr := s.out.Broadcast(s.buf)
	if sendErr != nil {
		s.log.Warn().Err(sendErr).Msg("client send failed")
	}
	s.batches++
	s.obs.OnBatch(BatchEvent{
		SessionID:    s.id,
		Seq:          s.batches,
		At:           s.clock.Now(),
		Measurements: s.batch.Measurements(),
		Bytes:        len(s.buf),
		Clients:      s.out.Count(),
		SendErr:      sendErr,
	})
	if s.cfg.BatchDelay > 0 {
		s.clock.Sleep(s.cfg.BatchDelay)
	}
	return Succeeded, nil
}

// pollClients lets one new subscriber in per step, so clients can join in
// any state.
func (s *Session) pollClients() {
	if _, err := s.out.AcceptPending(); err != nil {
		if ok, suppressed := s.acceptLog.Allow(); ok {
			s.log.Warn().Err(err).Int("suppressed", suppressed).Msg("accept failed")
		}
	}
}

func (s *Session) enter(next State, cause error) {
	from := s.state
	s.state = next

	ev := s.log.Info()
	if next == Faulted {
		ev = s.log.Error().Err(cause)
	}
	ev.Stringer("from", from).Stringer("to", next).Msg("state transition")

	s.obs.OnTransition(Transition{
		SessionID: s.id,
		From:      from,
		To:        next,
		At:        s.clock.Now(),
		Err:       cause,
		Device:    s.link,
	})
}

// cleanup stops acquisition, zeroes the motor and releases the device.
// Failures are logged only: none of them may keep the motor spinning.
func (s *Session) cleanup() {
	if err := s.drv.Stop(); err != nil {
		s.log.Warn().Err(err).Msg("stop scan failed")
	}
	s.scanStarted = false
	if err := s.motor.SetDutyCycle(0); err != nil {
		// A motor driven through the device cannot be reached before the
		// device ever answered, and was never started either.
		if s.link == nil {
			s.log.Debug().Err(err).Msg("zero motor skipped, device never connected")
		} else {
			s.log.Error().Err(err).Msg("zero motor failed")
		}
	}
	if err := s.drv.Disconnect(); err != nil {
		s.log.Warn().Err(err).Msg("disconnect failed")
	}
}

func (s *Session) shutdown(cause error) {
	s.log.Info().Stringer("state", s.state).Msg("shutdown requested")
	s.cleanup()
	if s.state != Disconnected {
		s.enter(Disconnected, cause)
	}
}
