package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/banshee-data/scanrelay/internal/config"
)

// options holds the flags that are not configuration keys.
type options struct {
	configPath  string
	watch       bool
	printConfig bool
	version     bool
}

// newFlagSet declares every flag. Configuration flags carry the built-in
// defaults for help output only: a flag overrides the config file only
// when it is given on the command line.
func newFlagSet(opts *options, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("scanrelay", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.SortFlags = false

	fs.StringVarP(&opts.configPath, "config", "c", "", "YAML or JSON configuration file")
	fs.BoolVar(&opts.watch, "watch", true, "reload the configuration file when it changes")
	fs.BoolVar(&opts.printConfig, "print-config", false, "print the effective configuration and exit")
	fs.BoolVar(&opts.version, "version", false, "print version and exit")

	fs.String("listen-address", config.DefaultListenAddress, "broadcast listen address")
	fs.Int("listen-port", config.DefaultListenPort, "broadcast listen port")
	fs.Int("max-clients", config.DefaultMaxClients, "maximum simultaneous subscribers")
	fs.Bool("reuse-port", false, "set SO_REUSEPORT on the listener")

	fs.String("driver", config.DriverRPLidar, "device driver: rplidar or replay")
	fs.String("serial-port", config.DefaultSerialPort, "serial device path")
	fs.IntSlice("baud", config.DefaultBaudRates, "candidate baud rates, tried in order")
	fs.String("scan-mode", "standard", "scan mode: standard or force")
	fs.String("replay-file", "", "pcap capture to replay (driver=replay)")
	fs.Duration("replay-pace", 100*time.Millisecond, "interval between replayed batches")

	fs.Float64("motor-speed", config.DefaultMotorSpeed, "motor duty cycle in percent")
	fs.String("motor-backend", "accessory", "motor back-end: accessory, dtr, sysfs or none")

	fs.Int("failure-threshold", config.DefaultFailureThreshold, "consecutive acquisition failures tolerated")
	fs.Bool("sort", true, "sort each batch by angle")
	fs.Duration("batch-delay", 100*time.Microsecond, "pause after each broadcast batch")
	fs.Duration("settle-delay", time.Second, "wait after starting the motor")
	fs.Duration("restart-delay", 2*time.Second, "wait before reconnecting after a fault")

	fs.String("admin-listen", "", "debug HTTP listen address (empty disables)")
	fs.String("health-listen", "", "gRPC health listen address (empty disables)")
	fs.String("journal", "", "session journal SQLite path (empty disables)")
	fs.String("log-level", "info", "log level: trace, debug, info, warn, error")
	fs.String("log-format", "console", "log format: console or json")
	return fs
}

// applyFlags copies every flag set on the command line into cfg.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = applyFlag(fs, f.Name, cfg)
	})
	return err
}

func applyFlag(fs *pflag.FlagSet, name string, cfg *config.Config) error {
	str := func(dst **string) error {
		v, err := fs.GetString(name)
		*dst = &v
		return err
	}
	num := func(dst **int) error {
		v, err := fs.GetInt(name)
		*dst = &v
		return err
	}
	flag := func(dst **bool) error {
		v, err := fs.GetBool(name)
		*dst = &v
		return err
	}
	dur := func(dst **string) error {
		v, err := fs.GetDuration(name)
		s := v.String()
		*dst = &s
		return err
	}

	switch name {
	case "config", "watch", "print-config", "version":
		return nil
	case "listen-address":
		return str(&cfg.ListenAddress)
	case "listen-port":
		return num(&cfg.ListenPort)
	case "max-clients":
		return num(&cfg.MaxClients)
	case "reuse-port":
		return flag(&cfg.ReusePort)
	case "driver":
		return str(&cfg.Driver)
	case "serial-port":
		return str(&cfg.SerialPort)
	case "baud":
		v, err := fs.GetIntSlice(name)
		cfg.BaudRates = v
		return err
	case "scan-mode":
		return str(&cfg.ScanMode)
	case "replay-file":
		return str(&cfg.ReplayFile)
	case "replay-pace":
		return dur(&cfg.ReplayPace)
	case "motor-speed":
		v, err := fs.GetFloat64(name)
		cfg.MotorSpeed = &v
		return err
	case "motor-backend":
		return str(&cfg.MotorBackend)
	case "failure-threshold":
		return num(&cfg.FailureThreshold)
	case "sort":
		return flag(&cfg.Sort)
	case "batch-delay":
		return dur(&cfg.BatchDelay)
	case "settle-delay":
		return dur(&cfg.SettleDelay)
	case "restart-delay":
		return dur(&cfg.RestartDelay)
	case "admin-listen":
		return str(&cfg.AdminListen)
	case "health-listen":
		return str(&cfg.HealthListen)
	case "journal":
		return str(&cfg.JournalPath)
	case "log-level":
		return str(&cfg.LogLevel)
	case "log-format":
		return str(&cfg.LogFormat)
	default:
		return fmt.Errorf("flag --%s has no configuration key", name)
	}
}

// loadConfig reads the config file, if any, and applies command-line
// overrides on top.
func loadConfig(opts *options, fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Empty()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if err := applyFlags(fs, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
