// Command scanrelay acquires sweeps from a scanning range sensor and
// broadcasts them as text frames to every connected TCP client.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/scanrelay/internal/admin"
	"github.com/banshee-data/scanrelay/internal/broadcast"
	"github.com/banshee-data/scanrelay/internal/config"
	"github.com/banshee-data/scanrelay/internal/fault"
	"github.com/banshee-data/scanrelay/internal/health"
	"github.com/banshee-data/scanrelay/internal/journal"
	"github.com/banshee-data/scanrelay/internal/monitoring"
	"github.com/banshee-data/scanrelay/internal/notify"
	"github.com/banshee-data/scanrelay/internal/service"
	"github.com/banshee-data/scanrelay/internal/session"
	"github.com/banshee-data/scanrelay/internal/timeutil"
	"github.com/banshee-data/scanrelay/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "scanrelay: %v\n", err)
		os.Exit(1)
	}
}

// run starts the relay and blocks until ctx is cancelled. It returns an
// error only for startup failures; a missing or failing device is retried
// forever.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	fs := newFlagSet(&opts, stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.version {
		fmt.Fprintln(stdout, "scanrelay", version.String())
		return nil
	}

	cfg, err := loadConfig(&opts, fs)
	if err != nil {
		return fault.New(fault.FatalStartup, "config", err)
	}
	if opts.printConfig {
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	}

	log, err := monitoring.Setup(monitoring.LogConfig{
		Level:  cfg.GetLogLevel(),
		Format: cfg.GetLogFormat(),
		Out:    stderr,
	})
	if err != nil {
		return fault.New(fault.FatalStartup, "logging", err)
	}
	log.Info().
		Str("version", version.String()).
		Str("endpoint", cfg.Endpoint()).
		Str("driver", cfg.GetDriver()).
		Msg("scanrelay starting")

	bl := monitoring.Component("broadcast")
	srv, err := broadcast.Open(cfg.GetListenAddress(), cfg.GetListenPort(), broadcast.Options{
		MaxClients:  cfg.GetMaxClients(),
		SendTimeout: cfg.GetSendTimeout(),
		AcceptWait:  cfg.GetAcceptWait(),
		ReusePort:   cfg.GetReusePort(),
		Logger:      &bl,
	})
	if err != nil {
		log.Error().Err(err).Msg("cannot open broadcast endpoint")
		return err
	}
	defer srv.Close()

	var jr *journal.Journal
	if path := cfg.GetJournalPath(); path != "" {
		if jr, err = journal.Open(path, monitoring.Component("journal")); err != nil {
			return fault.New(fault.FatalStartup, "journal", err)
		}
		defer jr.Close()
	}

	board := admin.NewBoard(version.Version, srv)
	reporter := health.New()
	notifier := notify.New(monitoring.Component("notify"))
	observers := session.Observers{board, reporter, notifier}
	if jr != nil {
		observers = append(observers, jr)
	}

	// A fatal service loop exit must also stop the side servers.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	background := func(name string, f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil {
				log.Error().Err(err).Str("task", name).Msg("background task failed")
			}
		}()
	}

	if addr := cfg.GetAdminListen(); addr != "" {
		mux := http.NewServeMux()
		var db *sql.DB
		if jr != nil {
			db = jr.DB()
		}
		if err := board.AttachRoutes(mux, db); err != nil {
			return fault.New(fault.FatalStartup, "admin routes", err)
		}
		background("admin", func() error {
			return admin.Serve(ctx, addr, mux, monitoring.Component("admin"))
		})
	}
	if addr := cfg.GetHealthListen(); addr != "" {
		background("health", func() error {
			return reporter.Serve(ctx, addr, monitoring.Component("health"))
		})
	}

	store := config.NewStore(cfg)
	if opts.configPath != "" && opts.watch {
		w := &config.Watcher{
			Path:    opts.configPath,
			Store:   store,
			Logger:  monitoring.Component("config"),
			Overlay: func(c *config.Config) error { return applyFlags(fs, c) },
		}
		background("config", func() error { return w.Run(ctx) })
	}

	r := &relay{
		store: store,
		out:   srv,
		obs:   observers,
		clock: timeutil.RealClock{},
		log:   monitoring.Component("relay"),
	}
	ll := monitoring.Component("service")
	loop := &service.Loop{
		NewSession:   r.newSession,
		RestartDelay: cfg.GetRestartDelay(),
		Logger:       &ll,
		OnRestart:    board.NoteRestart,
	}

	notifier.Ready(srv.Addr().String())
	err = loop.Run(ctx)
	notifier.Stopping()
	r.shutdown()
	cancel()
	wg.Wait()
	log.Info().Msg("shutdown complete")
	return err
}
