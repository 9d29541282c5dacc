// Package device defines the contract between the device session and the
// range-sensor hardware: a scan driver and a motor.
package device

import (
	"fmt"
	"strings"

	"github.com/banshee-data/scanrelay/internal/scan"
)

// Driver is a range sensor that produces one sweep per GrabBatch call.
// Implementations are used from a single goroutine.
type Driver interface {
	// Connect opens the link at the given baud rate.
	Connect(port string, baud int) error
	// DeviceInfo queries identification data. A successful reply proves the
	// link works at the connected baud rate.
	DeviceInfo() (Info, error)
	// Health queries the device self-test status.
	Health() (Health, error)
	// StartScan begins continuous acquisition.
	StartScan(mode ScanMode) error
	// GrabBatch replaces the contents of dst with the next full sweep. It may
	// block for up to one sweep.
	GrabBatch(dst *scan.Batch) error
	// SortBatch orders b by angle. It fails when b holds no usable sample.
	SortBatch(b *scan.Batch) error
	// Stop ends acquisition.
	Stop() error
	// Disconnect closes the link. It is safe to call when not connected.
	Disconnect() error
}

// Resetter is implemented by drivers that can reboot the device core after
// it reports an internal error.
type Resetter interface {
	Reset() error
}

// Motor spins the sensor head.
type Motor interface {
	// SetDutyCycle sets the motor speed as a percentage in [0, 100]. Zero
	// stops the motor.
	SetDutyCycle(percent float64) error
}

// Info identifies a connected device.
type Info struct {
	Model    uint8    `json:"model"`
	Firmware uint16   `json:"firmware"` // major<<8 | minor
	Hardware uint8    `json:"hardware"`
	Serial   [16]byte `json:"-"`
}

// FirmwareString formats the firmware version as major.minor.
func (i Info) FirmwareString() string {
	return fmt.Sprintf("%d.%02d", i.Firmware>>8, i.Firmware&0xff)
}

// SerialString returns the serial number as upper-case hex.
func (i Info) SerialString() string {
	return fmt.Sprintf("%X", i.Serial[:])
}

// HealthStatus is the device self-test verdict.
type HealthStatus uint8

const (
	HealthOK HealthStatus = iota
	HealthWarning
	HealthError
)

func (s HealthStatus) String() string {
	switch s {
	case HealthOK:
		return "ok"
	case HealthWarning:
		return "warning"
	case HealthError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Health is a health query reply. Code is device specific and only
// meaningful when Status is not HealthOK.
type Health struct {
	Status HealthStatus `json:"status"`
	Code   uint16       `json:"code"`
}

// ScanMode selects how acquisition is started.
type ScanMode uint8

const (
	// ScanStandard starts acquisition once the motor is at speed.
	ScanStandard ScanMode = iota
	// ScanForce starts acquisition regardless of motor speed.
	ScanForce
)

func (m ScanMode) String() string {
	if m == ScanForce {
		return "force"
	}
	return "standard"
}

// ParseScanMode accepts "standard" (or empty) and "force".
func ParseScanMode(s string) (ScanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "normal":
		return ScanStandard, nil
	case "force":
		return ScanForce, nil
	default:
		return 0, fmt.Errorf("unsupported scan mode %q: expected standard or force", s)
	}
}
