package replay

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/banshee-data/scanrelay/internal/device"
	"github.com/banshee-data/scanrelay/internal/monitoring"
	"github.com/banshee-data/scanrelay/internal/scan"
	"github.com/banshee-data/scanrelay/internal/timeutil"
)

// DefaultPace approximates a sensor spinning at 10 Hz.
const DefaultPace = 100 * time.Millisecond

var (
	// ErrNotScanning is returned by GrabBatch before StartScan.
	ErrNotScanning = errors.New("replay: scan not started")
	// ErrNoValidSample is returned by SortBatch for a batch without a range
	// reading.
	ErrNoValidSample = errors.New("replay: batch has no valid sample")
)

// Config configures a Driver.
type Config struct {
	// Pace is the interval between batches.
	Pace time.Duration
	// Once stops at the end of the capture instead of looping.
	Once   bool
	Clock  timeutil.Clock
	Logger *zerolog.Logger
}

// Driver implements device.Driver over recorded batches.
type Driver struct {
	cfg     Config
	batches [][]scan.Measurement
	log     zerolog.Logger

	next      int
	connected bool
	scanning  bool
	served    uint64
}

var _ device.Driver = (*Driver)(nil)

// New returns a driver serving batches in order.
func New(batches [][]scan.Measurement, cfg Config) (*Driver, error) {
	if len(batches) == 0 {
		return nil, ErrNoBatches
	}
	if cfg.Pace < 0 {
		return nil, fmt.Errorf("replay: invalid pace %s", cfg.Pace)
	}
	if cfg.Pace == 0 {
		cfg.Pace = DefaultPace
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	d := &Driver{cfg: cfg, batches: batches, log: monitoring.Component("replay")}
	if cfg.Logger != nil {
		d.log = *cfg.Logger
	}
	return d, nil
}

// Open loads a capture file and returns a driver serving it. port selects
// the broadcast stream (0 takes the first TCP stream found).
func Open(path string, port int, cfg Config) (*Driver, error) {
	batches, err := ReadCaptureFile(path, port)
	if err != nil {
		return nil, err
	}
	d, err := New(batches, cfg)
	if err != nil {
		return nil, err
	}
	d.log.Info().Str("path", path).Int("batches", len(batches)).Msg("capture loaded")
	return d, nil
}

// Connect accepts any port and baud rate.
func (d *Driver) Connect(string, int) error {
	d.connected = true
	return nil
}

// DeviceInfo reports an anonymous device.
func (d *Driver) DeviceInfo() (device.Info, error) {
	if !d.connected {
		return device.Info{}, errors.New("replay: not connected")
	}
	return device.Info{}, nil
}

// Health always reports OK.
func (d *Driver) Health() (device.Health, error) {
	return device.Health{Status: device.HealthOK}, nil
}

// StartScan begins serving batches.
func (d *Driver) StartScan(device.ScanMode) error {
	if !d.connected {
		return errors.New("replay: not connected")
	}
	d.scanning = true
	return nil
}

// GrabBatch waits Pace and copies the next recorded batch into dst. At the
// end of the capture it starts over, or returns io.EOF when Once is set.
func (d *Driver) GrabBatch(dst *scan.Batch) error {
	if !d.scanning {
		return ErrNotScanning
	}
	if d.next >= len(d.batches) {
		if d.cfg.Once {
			return io.EOF
		}
		d.next = 0
		d.log.Debug().Uint64("served", d.served).Msg("capture rewound")
	}
	d.cfg.Clock.Sleep(d.cfg.Pace)

	dst.Reset()
	for _, m := range d.batches[d.next] {
		if !dst.Append(m) {
			break
		}
	}
	d.next++
	d.served++
	return nil
}

// SortBatch orders b by angle.
func (d *Driver) SortBatch(b *scan.Batch) error {
	if b.ValidCount() == 0 {
		return ErrNoValidSample
	}
	b.SortByAngle()
	return nil
}

// Stop ends serving.
func (d *Driver) Stop() error {
	d.scanning = false
	return nil
}

// Disconnect drops the pretend link.
func (d *Driver) Disconnect() error {
	d.connected = false
	d.scanning = false
	return nil
}
