package motor

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/scanrelay/internal/fsutil"
)

// DefaultSysfsRoot is where Linux exposes PWM controllers.
const DefaultSysfsRoot = "/sys/class/pwm"

// SysfsConfig selects a hardware PWM channel.
type SysfsConfig struct {
	Root        string // defaults to DefaultSysfsRoot
	Chip        int
	Channel     int
	FrequencyHz int
	// ExportWait bounds how long to wait for the channel directory to
	// appear after export.
	ExportWait time.Duration
	// FS is the filesystem holding Root; nil selects the host's.
	FS fsutil.FileSystem
}

// SysfsPWM drives the motor from a Linux hardware PWM channel.
type SysfsPWM struct {
	mu       sync.Mutex
	cfg      SysfsConfig
	chipDir  string
	chanDir  string
	periodNS int64
	ready    bool
}

// NewSysfsPWM validates cfg. The channel is exported on first use.
func NewSysfsPWM(cfg SysfsConfig) (*SysfsPWM, error) {
	if cfg.FrequencyHz <= 0 || cfg.FrequencyHz > 1_000_000_000 {
		return nil, fmt.Errorf("motor: invalid PWM frequency %d Hz", cfg.FrequencyHz)
	}
	if cfg.Chip < 0 || cfg.Channel < 0 {
		return nil, fmt.Errorf("motor: invalid PWM chip %d channel %d", cfg.Chip, cfg.Channel)
	}
	if cfg.Root == "" {
		cfg.Root = DefaultSysfsRoot
	}
	if cfg.ExportWait <= 0 {
		cfg.ExportWait = time.Second
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	chipDir := filepath.Join(cfg.Root, "pwmchip"+strconv.Itoa(cfg.Chip))
	return &SysfsPWM{
		cfg:      cfg,
		chipDir:  chipDir,
		chanDir:  filepath.Join(chipDir, "pwm"+strconv.Itoa(cfg.Channel)),
		periodNS: int64(time.Second) / int64(cfg.FrequencyHz),
	}, nil
}

// SetDutyCycle sets the duty cycle and enables the output while percent > 0.
func (p *SysfsPWM) SetDutyCycle(percent float64) error {
	if err := checkDuty(percent); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.setup(); err != nil {
		return err
	}
	duty := int64(float64(p.periodNS) * percent / 100)
	if err := p.write("duty_cycle", duty); err != nil {
		return err
	}
	enable := int64(0)
	if duty > 0 {
		enable = 1
	}
	return p.write("enable", enable)
}

// Close disables the output.
func (p *SysfsPWM) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil
	}
	return errors.Join(p.write("duty_cycle", 0), p.write("enable", 0))
}

func (p *SysfsPWM) setup() error {
	if p.ready {
		return nil
	}
	if _, err := p.cfg.FS.Stat(p.chanDir); errors.Is(err, fs.ErrNotExist) {
		export := filepath.Join(p.chipDir, "export")
		if err := p.cfg.FS.WriteFile(export, []byte(strconv.Itoa(p.cfg.Channel)), 0o644); err != nil {
			return fmt.Errorf("motor: export pwm channel: %w", err)
		}
		if err := p.waitChannel(); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("motor: %w", err)
	}
	// Duty must never exceed the period, so clear it before changing period.
	if err := p.write("duty_cycle", 0); err != nil {
		return err
	}
	if err := p.write("period", p.periodNS); err != nil {
		return err
	}
	p.ready = true
	return nil
}

// waitChannel polls for the channel directory; udev may need a moment to
// create it and fix its permissions.
func (p *SysfsPWM) waitChannel() error {
	deadline := time.Now().Add(p.cfg.ExportWait)
	for {
		if p.cfg.FS.Exists(filepath.Join(p.chanDir, "period")) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("motor: %s did not appear after export", p.chanDir)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (p *SysfsPWM) write(attr string, v int64) error {
	path := filepath.Join(p.chanDir, attr)
	if err := p.cfg.FS.WriteFile(path, []byte(strconv.FormatInt(v, 10)), 0o644); err != nil {
		return fmt.Errorf("motor: write %s: %w", path, err)
	}
	return nil
}
