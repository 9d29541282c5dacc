package config

import (
	"net"
	"slices"
	"strconv"
	"time"

	"github.com/banshee-data/scanrelay/internal/device"
	"github.com/banshee-data/scanrelay/internal/motor"
)

func (c *Config) GetListenAddress() string {
	if c.ListenAddress == nil {
		return DefaultListenAddress
	}
	return *c.ListenAddress
}

func (c *Config) GetListenPort() int {
	if c.ListenPort == nil {
		return DefaultListenPort
	}
	return *c.ListenPort
}

// Endpoint returns the broadcast address in host:port form.
func (c *Config) Endpoint() string {
	return net.JoinHostPort(c.GetListenAddress(), strconv.Itoa(c.GetListenPort()))
}

func (c *Config) GetMaxClients() int {
	if c.MaxClients == nil {
		return DefaultMaxClients
	}
	return *c.MaxClients
}

func (c *Config) GetReusePort() bool {
	return c.ReusePort != nil && *c.ReusePort
}

func (c *Config) GetSendTimeout() time.Duration {
	return duration(c.SendTimeout, 50*time.Millisecond)
}

func (c *Config) GetAcceptWait() time.Duration {
	return duration(c.AcceptWait, time.Millisecond)
}

func (c *Config) GetDriver() string {
	if c.Driver == nil || *c.Driver == "" {
		return DriverRPLidar
	}
	return *c.Driver
}

func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil {
		return DefaultSerialPort
	}
	return *c.SerialPort
}

// GetBaudRates returns a copy of the rates to try, in order.
func (c *Config) GetBaudRates() []int {
	if len(c.BaudRates) == 0 {
		return slices.Clone(DefaultBaudRates)
	}
	return slices.Clone(c.BaudRates)
}

func (c *Config) GetSerialReadTimeout() time.Duration {
	return duration(c.SerialReadTimeout, 2*time.Second)
}

func (c *Config) GetScanMode() device.ScanMode {
	if c.ScanMode == nil {
		return device.ScanStandard
	}
	m, err := device.ParseScanMode(*c.ScanMode)
	if err != nil {
		return device.ScanStandard
	}
	return m
}

func (c *Config) GetReplayFile() string {
	if c.ReplayFile == nil {
		return ""
	}
	return *c.ReplayFile
}

func (c *Config) GetReplayPace() time.Duration {
	return duration(c.ReplayPace, 100*time.Millisecond)
}

// GetReplayPort is the server port whose stream a capture is filtered on.
func (c *Config) GetReplayPort() int {
	if c.ReplayPort == nil || *c.ReplayPort == 0 {
		return DefaultListenPort
	}
	return *c.ReplayPort
}

func (c *Config) GetMotorSpeed() float64 {
	if c.MotorSpeed == nil {
		return DefaultMotorSpeed
	}
	return *c.MotorSpeed
}

func (c *Config) GetMotorBackend() motor.Kind {
	if c.MotorBackend == nil {
		return motor.KindAccessory
	}
	k, err := motor.ParseKind(*c.MotorBackend)
	if err != nil {
		return motor.KindAccessory
	}
	return k
}

// GetSysfsPWM returns the settings for the sysfs motor back-end.
func (c *Config) GetSysfsPWM() motor.SysfsConfig {
	sc := motor.SysfsConfig{FrequencyHz: DefaultPWMFrequencyHz}
	if c.PWMChip != nil {
		sc.Chip = *c.PWMChip
	}
	if c.PWMChannel != nil {
		sc.Channel = *c.PWMChannel
	}
	if c.PWMFrequencyHz != nil {
		sc.FrequencyHz = *c.PWMFrequencyHz
	}
	return sc
}

func (c *Config) GetFailureThreshold() int {
	if c.FailureThreshold == nil {
		return DefaultFailureThreshold
	}
	return *c.FailureThreshold
}

func (c *Config) GetSort() bool {
	if c.Sort == nil {
		return true
	}
	return *c.Sort
}

func (c *Config) GetBatchDelay() time.Duration {
	return duration(c.BatchDelay, 100*time.Microsecond)
}

func (c *Config) GetSettleDelay() time.Duration {
	return duration(c.SettleDelay, time.Second)
}

func (c *Config) GetRestartDelay() time.Duration {
	return duration(c.RestartDelay, 2*time.Second)
}

func (c *Config) GetAdminListen() string {
	if c.AdminListen == nil {
		return ""
	}
	return *c.AdminListen
}

func (c *Config) GetHealthListen() string {
	if c.HealthListen == nil {
		return ""
	}
	return *c.HealthListen
}

func (c *Config) GetJournalPath() string {
	if c.JournalPath == nil {
		return ""
	}
	return *c.JournalPath
}

func (c *Config) GetLogLevel() string {
	if c.LogLevel == nil {
		return "info"
	}
	return *c.LogLevel
}

func (c *Config) GetLogFormat() string {
	if c.LogFormat == nil {
		return "console"
	}
	return *c.LogFormat
}
