// Package motor provides the ways a range-sensor motor can be driven: the
// sensor's accessory PWM command, the serial DTR line, a Linux hardware PWM
// channel, or not at all.
package motor

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/banshee-data/scanrelay/internal/device"
)

// ErrDutyRange is returned for a duty cycle outside [0, 100].
var ErrDutyRange = errors.New("motor: duty cycle must be within 0..100")

func checkDuty(percent float64) error {
	if math.IsNaN(percent) || percent < 0 || percent > 100 {
		return fmt.Errorf("%w: got %v", ErrDutyRange, percent)
	}
	return nil
}

// PWMSetter is implemented by drivers that accept a motor PWM command.
type PWMSetter interface {
	SetMotorPWM(pwm uint16) error
}

// DTRSetter is implemented by drivers that switch the motor with DTR.
type DTRSetter interface {
	SetMotorDTR(on bool) error
}

// MaxAccessoryPWM is full speed for the accessory board.
const MaxAccessoryPWM = 1023

// Accessory drives the motor through the sensor's own PWM command.
type Accessory struct {
	dev PWMSetter
}

// NewAccessory returns a motor driven through dev.
func NewAccessory(dev PWMSetter) *Accessory { return &Accessory{dev: dev} }

// SetDutyCycle maps percent onto 0..MaxAccessoryPWM.
func (a *Accessory) SetDutyCycle(percent float64) error {
	if err := checkDuty(percent); err != nil {
		return err
	}
	return a.dev.SetMotorPWM(uint16(math.Round(percent / 100 * MaxAccessoryPWM)))
}

// DTR switches the motor on for any non-zero duty cycle.
type DTR struct {
	dev DTRSetter
}

// NewDTR returns a motor switched through dev.
func NewDTR(dev DTRSetter) *DTR { return &DTR{dev: dev} }

// SetDutyCycle turns the motor on when percent > 0.
func (d *DTR) SetDutyCycle(percent float64) error {
	if err := checkDuty(percent); err != nil {
		return err
	}
	return d.dev.SetMotorDTR(percent > 0)
}

// None is a motor that is not under software control. It remembers the last
// requested duty cycle.
type None struct {
	mu   sync.Mutex
	duty float64
	sets []float64
}

// SetDutyCycle records percent.
func (n *None) SetDutyCycle(percent float64) error {
	if err := checkDuty(percent); err != nil {
		return err
	}
	n.mu.Lock()
	n.duty = percent
	n.sets = append(n.sets, percent)
	n.mu.Unlock()
	return nil
}

// Duty returns the last requested duty cycle.
func (n *None) Duty() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.duty
}

// History returns every requested duty cycle in order.
func (n *None) History() []float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]float64(nil), n.sets...)
}

// Kind names a motor back-end.
type Kind string

const (
	KindAccessory Kind = "accessory"
	KindDTR       Kind = "dtr"
	KindSysfs     Kind = "sysfs"
	KindNone      Kind = "none"
)

// ParseKind accepts a back-end name; empty selects the accessory board.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindAccessory, nil
	case KindAccessory, KindDTR, KindSysfs, KindNone:
		return k, nil
	default:
		return "", fmt.Errorf("unsupported motor back-end %q: expected accessory, dtr, sysfs or none", s)
	}
}

// New builds the motor for kind. drv is the scan driver; the accessory and
// DTR back-ends need it to implement PWMSetter or DTRSetter.
func New(kind Kind, drv device.Driver, sysfs SysfsConfig) (device.Motor, error) {
	switch kind {
	case KindAccessory, "":
		s, ok := drv.(PWMSetter)
		if !ok {
			return nil, fmt.Errorf("motor: driver %T has no PWM command", drv)
		}
		return NewAccessory(s), nil
	case KindDTR:
		s, ok := drv.(DTRSetter)
		if !ok {
			return nil, fmt.Errorf("motor: driver %T cannot switch DTR", drv)
		}
		return NewDTR(s), nil
	case KindSysfs:
		return NewSysfsPWM(sysfs)
	case KindNone:
		return &None{}, nil
	default:
		return nil, fmt.Errorf("motor: unknown back-end %q", kind)
	}
}
