package main

import (
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/banshee-data/scanrelay/internal/broadcast"
	"github.com/banshee-data/scanrelay/internal/config"
	"github.com/banshee-data/scanrelay/internal/device"
	"github.com/banshee-data/scanrelay/internal/fault"
	"github.com/banshee-data/scanrelay/internal/monitoring"
	"github.com/banshee-data/scanrelay/internal/motor"
	"github.com/banshee-data/scanrelay/internal/replay"
	"github.com/banshee-data/scanrelay/internal/rplidar"
	"github.com/banshee-data/scanrelay/internal/service"
	"github.com/banshee-data/scanrelay/internal/session"
	"github.com/banshee-data/scanrelay/internal/timeutil"
)

// relay builds one session per service-loop attempt from the live config.
// The broadcast server outlives every session.
type relay struct {
	store *config.Store
	out   *broadcast.Server
	obs   session.Observer
	clock timeutil.Clock
	log   zerolog.Logger

	// opener overrides the serial opener in tests.
	opener rplidar.Opener
	motor  device.Motor
}

func (r *relay) newSession(attempt int) (service.Runner, error) {
	cfg := r.store.Current()
	r.release()

	drv, err := r.newDriver(cfg)
	if err != nil {
		return nil, fault.New(fault.FatalStartup, "build "+cfg.GetDriver()+" driver", err)
	}

	kind := cfg.GetMotorBackend()
	if _, ok := drv.(*replay.Driver); ok && (kind == motor.KindAccessory || kind == motor.KindDTR) {
		kind = motor.KindNone
	}
	m, err := motor.New(kind, drv, cfg.GetSysfsPWM())
	if err != nil {
		return nil, fault.New(fault.FatalStartup, "build "+string(kind)+" motor", err)
	}
	r.motor = m

	r.log.Debug().Int("attempt", attempt).Str("driver", cfg.GetDriver()).Str("motor", string(kind)).Msg("building session")
	return session.New(session.Config{
		Port:             cfg.GetSerialPort(),
		BaudRates:        cfg.GetBaudRates(),
		MotorSpeed:       cfg.GetMotorSpeed(),
		FailureThreshold: cfg.GetFailureThreshold(),
		Sort:             cfg.GetSort(),
		ScanMode:         cfg.GetScanMode(),
		SettleDelay:      cfg.GetSettleDelay(),
		BatchDelay:       cfg.GetBatchDelay(),
	}, session.Deps{
		Driver:   drv,
		Motor:    m,
		Out:      r.out,
		Clock:    r.clock,
		Observer: r.obs,
	}), nil
}

func (r *relay) newDriver(cfg *config.Config) (device.Driver, error) {
	if cfg.GetDriver() == config.DriverReplay {
		l := monitoring.Component("replay")
		return replay.Open(cfg.GetReplayFile(), cfg.GetReplayPort(), replay.Config{
			Pace:   cfg.GetReplayPace(),
			Clock:  r.clock,
			Logger: &l,
		})
	}
	l := monitoring.Component("rplidar")
	return rplidar.New(rplidar.Config{
		Port:   rplidar.PortOptions{ReadTimeout: cfg.GetSerialReadTimeout()},
		Opener: r.opener,
		Logger: &l,
	})
}

// shutdown zeroes the last session's motor once more and releases it. A
// motor driven through the device is unreachable once the session has
// disconnected, which is expected here.
func (r *relay) shutdown() {
	if r.motor != nil {
		if err := r.motor.SetDutyCycle(0); errors.Is(err, rplidar.ErrNotConnected) {
			r.log.Debug().Err(err).Msg("motor already released with the device")
		} else if err != nil {
			r.log.Error().Err(err).Msg("zero motor at exit failed")
		}
	}
	r.release()
}

// release closes the previous session's motor if it holds a resource of
// its own. The session has already zeroed it.
func (r *relay) release() {
	if c, ok := r.motor.(io.Closer); ok {
		if err := c.Close(); err != nil {
			r.log.Warn().Err(err).Msg("motor close failed")
		}
	}
	r.motor = nil
}
