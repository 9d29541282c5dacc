// Command scanclient subscribes to a scanrelay endpoint and records what it
// receives: one line per sweep, or the raw byte stream with --raw.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/banshee-data/scanrelay/internal/frame"
	"github.com/banshee-data/scanrelay/internal/monitoring"
	"github.com/banshee-data/scanrelay/internal/scan"
)

const (
	defaultAddress = "127.0.0.1:17685"
	defaultOutput  = "mesures.txt"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stderr)
	stop()
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "scanclient: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	address string
	output  string
	raw     bool
	retry   time.Duration
	once    bool
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	var opts options
	fs := pflag.NewFlagSet("scanclient", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&opts.address, "address", "a", defaultAddress, "relay endpoint host:port")
	fs.StringVarP(&opts.output, "output", "o", defaultOutput, "output file (- for stdout)")
	fs.BoolVar(&opts.raw, "raw", false, "write the byte stream as received")
	fs.DurationVar(&opts.retry, "retry", time.Second, "wait before reconnecting")
	fs.BoolVar(&opts.once, "once", false, "exit when the relay closes the connection")
	if err := fs.Parse(args); err != nil {
		return err
	}

	log, err := monitoring.Setup(monitoring.LogConfig{Out: stderr})
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if opts.output != "-" {
		f, err := os.OpenFile(opts.output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return subscribe(ctx, opts, out, log)
}

// subscribe connects, records until the connection drops, and reconnects
// after opts.retry until ctx is done.
func subscribe(ctx context.Context, opts options, out io.Writer, log zerolog.Logger) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", opts.address)
		if err == nil {
			log.Info().Str("address", opts.address).Msg("connected")
			n, rerr := record(ctx, conn, out, opts.raw)
			conn.Close()
			ev := log.Info()
			if rerr != nil {
				ev = log.Warn().Err(rerr)
			}
			ev.Int("sweeps", n).Msg("disconnected")
			if opts.once {
				return rerr
			}
		} else if ctx.Err() == nil {
			log.Warn().Err(err).Str("address", opts.address).Msg("connect failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.retry):
		}
	}
}

// record copies one connection to w. In line mode every sweep becomes
// "<RFC3339 time> <count> <records>\n"; a partial trailing sweep is
// dropped. It returns the number of sweeps written.
func record(ctx context.Context, conn net.Conn, w io.Writer, raw bool) (int, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	bw := bufio.NewWriter(w)
	defer bw.Flush()

	if raw {
		_, err := io.Copy(bw, conn)
		return 0, quiet(ctx, err)
	}

	dec := frame.NewDecoder(conn)
	var (
		ms   []scan.Measurement
		line []byte
		n    int
	)
	for {
		var err error
		ms, err = dec.ReadBatch(ms[:0])
		if err != nil {
			return n, quiet(ctx, err)
		}
		line = time.Now().UTC().AppendFormat(line[:0], time.RFC3339Nano)
		line = append(line, ' ')
		line = strconv.AppendInt(line, int64(len(ms)), 10)
		line = append(line, ' ')
		for _, m := range ms {
			line = frame.AppendMeasurement(line, m)
		}
		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return n, err
		}
		if err := bw.Flush(); err != nil {
			return n, err
		}
		n++
	}
}

// quiet maps the errors of an orderly end of stream to nil. The relay may
// stop mid-sweep.
func quiet(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil {
		return nil
	}
	return err
}
