package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanrelay/internal/config"
	"github.com/banshee-data/scanrelay/internal/fault"
	"github.com/banshee-data/scanrelay/internal/testutil"
)

func parse(t *testing.T, args ...string) (*options, *pflag.FlagSet) {
	t.Helper()
	var opts options
	fs := newFlagSet(&opts, io.Discard)
	require.NoError(t, fs.Parse(args))
	return &opts, fs
}

func TestNoFlagsLeavesConfigEmpty(t *testing.T) {
	opts, fs := parse(t)
	cfg, err := loadConfig(opts, fs)
	require.NoError(t, err)
	assert.Equal(t, config.Empty(), cfg)
	assert.True(t, opts.watch)
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "relay.yaml", "listen_port: 9000\nmotor_speed: 50\nsort: true\n")
	opts, fs := parse(t,
		"--config", path,
		"--motor-speed=40",
		"--baud=256000,115200",
		"--sort=false",
		"--batch-delay=1ms",
		"--serial-port=/dev/ttyACM0",
		"--journal=/var/lib/scanrelay/journal.db",
	)

	cfg, err := loadConfig(opts, fs)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.GetListenPort(), "file value kept")
	assert.Equal(t, 40.0, cfg.GetMotorSpeed(), "flag wins over file")
	assert.Equal(t, []int{256000, 115200}, cfg.GetBaudRates())
	assert.False(t, cfg.GetSort())
	assert.Equal(t, time.Millisecond, cfg.GetBatchDelay())
	assert.Equal(t, "/dev/ttyACM0", cfg.GetSerialPort())
	assert.Equal(t, "/var/lib/scanrelay/journal.db", cfg.GetJournalPath())
}

func TestEveryFlagMapsToConfig(t *testing.T) {
	_, fs := parse(t)
	cfg := config.Empty()
	fs.VisitAll(func(f *pflag.Flag) {
		assert.NoError(t, applyFlag(fs, f.Name, cfg), f.Name)
	})
	// Built-in flag defaults equal the config defaults.
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.Empty().Endpoint(), cfg.Endpoint())
	assert.Equal(t, config.Empty().GetBatchDelay(), cfg.GetBatchDelay())
	assert.Equal(t, config.Empty().GetRestartDelay(), cfg.GetRestartDelay())
	assert.Equal(t, config.Empty().GetBaudRates(), cfg.GetBaudRates())
	assert.Equal(t, config.Empty().GetMotorBackend(), cfg.GetMotorBackend())
}

func TestInvalidOverrideRejected(t *testing.T) {
	opts, fs := parse(t, "--motor-speed=150")
	_, err := loadConfig(opts, fs)
	assert.ErrorContains(t, err, "motor_speed")
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, &out, io.Discard))
	assert.Contains(t, out.String(), "scanrelay dev")
}

func TestRunHelp(t *testing.T) {
	var stderr bytes.Buffer
	err := run(context.Background(), []string{"--help"}, io.Discard, &stderr)
	assert.True(t, errors.Is(err, pflag.ErrHelp))
	assert.Contains(t, stderr.String(), "--failure-threshold")
}

func TestRunPrintConfig(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--print-config", "--listen-port=9000"}, &out, io.Discard))
	assert.Equal(t, "listen_port: 9000\n", out.String())
}

func TestRunBadConfigIsFatal(t *testing.T) {
	err := run(context.Background(), []string{"--max-clients=0"}, io.Discard, io.Discard)
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err))
}

func TestRunAddressInUseIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	err = run(context.Background(), []string{"--listen-port", strconv.Itoa(port)}, io.Discard, io.Discard)
	require.Error(t, err)
	assert.True(t, fault.IsFatal(err), "got %v", err)
}

func TestRunUnreadableCaptureIsFatal(t *testing.T) {
	port := freePort(t)
	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), []string{
			"--listen-port", strconv.Itoa(port),
			"--driver=replay",
			"--replay-file", filepath.Join(t.TempDir(), "missing.pcap"),
			"--admin-listen=127.0.0.1:0",
			"--restart-delay=10ms",
		}, io.Discard, io.Discard)
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, fault.IsFatal(err), "got %v", err)
		assert.Contains(t, err.Error(), "missing.pcap")
	case <-time.After(10 * time.Second):
		t.Fatal("run kept retrying a driver that cannot be built")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// With no device present the relay keeps retrying, keeps its endpoint open
// and shuts down cleanly on cancel.
func TestRunWithoutDeviceUntilCancel(t *testing.T) {
	port := freePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{
			"--listen-port", strconv.Itoa(port),
			"--serial-port", filepath.Join(t.TempDir(), "no-such-tty"),
			"--restart-delay=10ms",
			"--log-format=json",
		}, io.Discard, &stderr)
	}()

	var conn net.Conn
	testutil.Eventually(t, 5*time.Second, func() bool {
		c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
		if err != nil {
			return false
		}
		conn = c
		return true
	})
	defer conn.Close()

	// Let at least one session fail and restart.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	// The server closed every client on the way out.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)

	logs := stderr.String()
	assert.Contains(t, logs, "scanrelay starting")
	assert.Contains(t, logs, "connect failed")
	assert.Contains(t, logs, "shutdown complete")
}
