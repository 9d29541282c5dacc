// Package config loads relay settings. Every field is optional: the Get*
// accessors supply defaults for anything a file leaves out.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/scanrelay/internal/device"
	"github.com/banshee-data/scanrelay/internal/monitoring"
	"github.com/banshee-data/scanrelay/internal/motor"
)

// DefaultConfigPath is the canonical defaults file, relative to the
// repository root.
const DefaultConfigPath = "config/scanrelay.defaults.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Driver names.
const (
	DriverRPLidar = "rplidar"
	DriverReplay  = "replay"
)

// Defaults.
const (
	DefaultListenAddress    = "127.0.0.1"
	DefaultListenPort       = 17685
	DefaultMaxClients       = 4
	DefaultSerialPort       = "/dev/ttyUSB0"
	DefaultMotorSpeed       = 65.0
	DefaultFailureThreshold = 3
	DefaultPWMFrequencyHz   = 25000
)

// DefaultBaudRates are tried in order when connecting.
var DefaultBaudRates = []int{115200, 256000}

// Config is the root configuration. Durations are strings such as "50ms".
type Config struct {
	// Broadcast endpoint
	ListenAddress *string `json:"listen_address,omitempty" yaml:"listen_address,omitempty"`
	ListenPort    *int    `json:"listen_port,omitempty" yaml:"listen_port,omitempty"`
	MaxClients    *int    `json:"max_clients,omitempty" yaml:"max_clients,omitempty"`
	ReusePort     *bool   `json:"reuse_port,omitempty" yaml:"reuse_port,omitempty"`
	SendTimeout   *string `json:"send_timeout,omitempty" yaml:"send_timeout,omitempty"`
	AcceptWait    *string `json:"accept_wait,omitempty" yaml:"accept_wait,omitempty"`

	// Device
	Driver            *string `json:"driver,omitempty" yaml:"driver,omitempty"` // rplidar or replay
	SerialPort        *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	BaudRates         []int   `json:"baud_rates,omitempty" yaml:"baud_rates,omitempty"`
	SerialReadTimeout *string `json:"serial_read_timeout,omitempty" yaml:"serial_read_timeout,omitempty"`
	ScanMode          *string `json:"scan_mode,omitempty" yaml:"scan_mode,omitempty"`
	ReplayFile        *string `json:"replay_file,omitempty" yaml:"replay_file,omitempty"`
	ReplayPace        *string `json:"replay_pace,omitempty" yaml:"replay_pace,omitempty"`
	ReplayPort        *int    `json:"replay_port,omitempty" yaml:"replay_port,omitempty"`

	// Motor
	MotorSpeed     *float64 `json:"motor_speed,omitempty" yaml:"motor_speed,omitempty"`
	MotorBackend   *string  `json:"motor_backend,omitempty" yaml:"motor_backend,omitempty"`
	PWMChip        *int     `json:"pwm_chip,omitempty" yaml:"pwm_chip,omitempty"`
	PWMChannel     *int     `json:"pwm_channel,omitempty" yaml:"pwm_channel,omitempty"`
	PWMFrequencyHz *int     `json:"pwm_frequency_hz,omitempty" yaml:"pwm_frequency_hz,omitempty"`

	// Session
	FailureThreshold *int    `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	Sort             *bool   `json:"sort,omitempty" yaml:"sort,omitempty"`
	BatchDelay       *string `json:"batch_delay,omitempty" yaml:"batch_delay,omitempty"`
	SettleDelay      *string `json:"settle_delay,omitempty" yaml:"settle_delay,omitempty"`
	RestartDelay     *string `json:"restart_delay,omitempty" yaml:"restart_delay,omitempty"`

	// Operations
	AdminListen  *string `json:"admin_listen,omitempty" yaml:"admin_listen,omitempty"`
	HealthListen *string `json:"health_listen,omitempty" yaml:"health_listen,omitempty"`
	JournalPath  *string `json:"journal_path,omitempty" yaml:"journal_path,omitempty"`
	LogLevel     *string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	LogFormat    *string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config { return &Config{} }

// Default returns a Config with every field set to its default.
func Default() *Config {
	return &Config{
		ListenAddress:     ptrString(DefaultListenAddress),
		ListenPort:        ptrInt(DefaultListenPort),
		MaxClients:        ptrInt(DefaultMaxClients),
		ReusePort:         ptrBool(false),
		SendTimeout:       ptrString("50ms"),
		AcceptWait:        ptrString("1ms"),
		Driver:            ptrString(DriverRPLidar),
		SerialPort:        ptrString(DefaultSerialPort),
		BaudRates:         slices.Clone(DefaultBaudRates),
		SerialReadTimeout: ptrString("2s"),
		ScanMode:          ptrString("standard"),
		ReplayFile:        ptrString(""),
		ReplayPace:        ptrString("100ms"),
		ReplayPort:        ptrInt(DefaultListenPort),
		MotorSpeed:        ptrFloat64(DefaultMotorSpeed),
		MotorBackend:      ptrString(string(motor.KindAccessory)),
		PWMChip:           ptrInt(0),
		PWMChannel:        ptrInt(0),
		PWMFrequencyHz:    ptrInt(DefaultPWMFrequencyHz),
		FailureThreshold:  ptrInt(DefaultFailureThreshold),
		Sort:              ptrBool(true),
		BatchDelay:        ptrString("100us"),
		SettleDelay:       ptrString("1s"),
		RestartDelay:      ptrString("2s"),
		AdminListen:       ptrString(""),
		HealthListen:      ptrString(""),
		JournalPath:       ptrString(""),
		LogLevel:          ptrString("info"),
		LogFormat:         ptrString("console"),
	}
}

// MustLoadDefault loads DefaultConfigPath, searching upward from the
// working directory so tests in nested packages find it.
func MustLoadDefault() *Config {
	for _, path := range []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	} {
		if cfg, err := Load(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Load reads a YAML or JSON file. The file must have a .yaml, .yml or
// .json extension and be under 1MB. Unknown keys are rejected. Fields the
// file omits keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	switch ext := strings.ToLower(filepath.Ext(cleanPath)); ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("config file must have .yaml, .yml or .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cleanPath, err)
	}
	return cfg, nil
}

// Parse decodes and validates a YAML or JSON document.
func Parse(data []byte) (*Config, error) {
	cfg := Empty()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field.
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	check(validPort("listen_port", c.ListenPort, false))
	check(validPort("replay_port", c.ReplayPort, true))
	if c.MaxClients != nil && (*c.MaxClients < 1 || *c.MaxClients > 1024) {
		check(fmt.Errorf("max_clients must be between 1 and 1024, got %d", *c.MaxClients))
	}
	if c.BaudRates != nil {
		if len(c.BaudRates) == 0 {
			check(errors.New("baud_rates must list at least one rate"))
		}
		for _, b := range c.BaudRates {
			if b <= 0 {
				check(fmt.Errorf("baud_rates must be positive, got %d", b))
			}
		}
	}
	if c.MotorSpeed != nil && (*c.MotorSpeed < 0 || *c.MotorSpeed > 100) {
		check(fmt.Errorf("motor_speed must be between 0 and 100, got %g", *c.MotorSpeed))
	}
	if c.FailureThreshold != nil && *c.FailureThreshold < 0 {
		check(fmt.Errorf("failure_threshold must be non-negative, got %d", *c.FailureThreshold))
	}
	if c.PWMChip != nil && *c.PWMChip < 0 {
		check(fmt.Errorf("pwm_chip must be non-negative, got %d", *c.PWMChip))
	}
	if c.PWMChannel != nil && *c.PWMChannel < 0 {
		check(fmt.Errorf("pwm_channel must be non-negative, got %d", *c.PWMChannel))
	}
	if c.PWMFrequencyHz != nil && *c.PWMFrequencyHz <= 0 {
		check(fmt.Errorf("pwm_frequency_hz must be positive, got %d", *c.PWMFrequencyHz))
	}

	for name, v := range map[string]*string{
		"send_timeout":        c.SendTimeout,
		"accept_wait":         c.AcceptWait,
		"serial_read_timeout": c.SerialReadTimeout,
		"replay_pace":         c.ReplayPace,
		"batch_delay":         c.BatchDelay,
		"settle_delay":        c.SettleDelay,
		"restart_delay":       c.RestartDelay,
	} {
		check(validDuration(name, v))
	}

	if c.Driver != nil {
		switch *c.Driver {
		case DriverRPLidar:
		case DriverReplay:
			if c.GetReplayFile() == "" {
				check(errors.New("replay_file is required when driver is replay"))
			}
		default:
			check(fmt.Errorf("driver must be %s or %s, got %q", DriverRPLidar, DriverReplay, *c.Driver))
		}
	}
	if c.ScanMode != nil {
		_, err := device.ParseScanMode(*c.ScanMode)
		check(err)
	}
	if c.MotorBackend != nil {
		_, err := motor.ParseKind(*c.MotorBackend)
		check(err)
	}
	if c.LogLevel != nil {
		_, err := monitoring.ParseLevel(*c.LogLevel)
		check(err)
	}
	if c.LogFormat != nil {
		switch strings.ToLower(*c.LogFormat) {
		case "", "console", "json":
		default:
			check(fmt.Errorf("log_format must be console or json, got %q", *c.LogFormat))
		}
	}

	return errors.Join(errs...)
}

func validPort(name string, p *int, zeroOK bool) error {
	if p == nil {
		return nil
	}
	if *p < 0 || *p > 65535 || (*p == 0 && !zeroOK) {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, *p)
	}
	return nil
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative, got %s", name, *v)
	}
	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}
