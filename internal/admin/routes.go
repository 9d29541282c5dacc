package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image/color"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tailscale/tailsql/server/tailsql"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"tailscale.com/tsweb"

	"github.com/banshee-data/scanrelay/internal/httputil"
	"github.com/banshee-data/scanrelay/internal/scan"
)

// AttachRoutes mounts the debug routes on mux under /debug/. journal may be
// nil, in which case the SQL console is not mounted.
func (b *Board) AttachRoutes(mux *http.ServeMux, journal *sql.DB) error {
	debug := tsweb.Debugger(mux)
	debug.KV("Version", b.Snapshot().Version)
	debug.KVFunc("State", func() any { return b.Snapshot().State })
	debug.KVFunc("Clients", func() any { return len(b.Snapshot().Clients) })

	debug.Handle("scanrelay", "Relay status (JSON)", http.HandlerFunc(b.serveStatus))
	debug.Handle("scan.png", "Latest sweep", http.HandlerFunc(b.servePlot))

	if journal == nil {
		return nil
	}
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://journal.db", journal, &tailsql.DBOptions{
		Label: "Session journal",
	})
	debug.Handle("tailsql/", "Session journal SQL console", tsql.NewMux())
	return nil
}

func (b *Board) serveStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireRead(w, r) {
		return
	}
	httputil.WriteJSONOK(w, b.Snapshot())
}

func (b *Board) servePlot(w http.ResponseWriter, r *http.Request) {
	if !httputil.RequireRead(w, r) {
		return
	}
	pts := b.Points()
	if len(pts) == 0 {
		httputil.NotFound(w, "no sweep received yet")
		return
	}
	p, err := sweepPlot(b.Snapshot(), pts)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	wt.WriteTo(w)
}

// sweepPlot draws the sweep top-down, device at the origin, 0° along +Y
// and angles increasing clockwise as the device reports them.
func sweepPlot(st Status, pts []scan.Measurement) (*plot.Plot, error) {
	xys := make(plotter.XYs, 0, len(pts))
	for _, m := range pts {
		if !m.Valid() {
			continue
		}
		rad := m.AngleDeg * math.Pi / 180
		xys = append(xys, plotter.XY{X: m.DistanceMM * math.Sin(rad), Y: m.DistanceMM * math.Cos(rad)})
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Sweep %d (%d of %d valid)", st.Batches, len(xys), len(pts))
	p.X.Label.Text = "x (mm)"
	p.Y.Label.Text = "y (mm)"
	p.Add(plotter.NewGrid())

	if len(xys) > 0 {
		sc, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, fmt.Errorf("scatter: %w", err)
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Radius = vg.Points(1)
		sc.GlyphStyle.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255}
		p.Add(sc)
	}

	origin, err := plotter.NewScatter(plotter.XYs{{X: 0, Y: 0}})
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	origin.GlyphStyle.Shape = draw.CrossGlyph{}
	origin.GlyphStyle.Radius = vg.Points(4)
	origin.GlyphStyle.Color = color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255}
	p.Add(origin)

	// Equal scales on both axes so the room is not distorted.
	r := math.Max(st.LastBatch.MaxDistanceMM, 1)
	p.X.Min, p.X.Max = -r, r
	p.Y.Min, p.Y.Max = -r, r
	return p, nil
}

// Serve runs an HTTP server on addr until ctx is done.
func Serve(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, h, log)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin server shutdown")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
