package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanrelay/internal/broadcast"
	"github.com/banshee-data/scanrelay/internal/journal"
	"github.com/banshee-data/scanrelay/internal/scan"
	"github.com/banshee-data/scanrelay/internal/session"
	"github.com/banshee-data/scanrelay/internal/testutil"
)

type fakeClients struct {
	clients []broadcast.ClientInfo
	stats   broadcast.Stats
	calls   int
}

func (f *fakeClients) Clients() []broadcast.ClientInfo { f.calls++; return f.clients }
func (f *fakeClients) Stats() broadcast.Stats          { return f.stats }

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func sweep() []scan.Measurement {
	return []scan.Measurement{
		{AngleDeg: 0, DistanceMM: 1000, Quality: 47},
		{AngleDeg: 90, DistanceMM: 2000, Quality: 40},
		{AngleDeg: 180, DistanceMM: 0, Quality: 0},
		{AngleDeg: 270, DistanceMM: 3000, Quality: 30},
	}
}

func feed(b *Board) uuid.UUID {
	id := uuid.New()
	link := &session.DeviceLink{Port: "/dev/ttyUSB0", Baud: 115200}
	b.OnTransition(session.Transition{SessionID: id, From: session.Disconnected, To: session.Connecting, At: t0})
	b.OnTransition(session.Transition{SessionID: id, From: session.Connecting, To: session.HealthChecking, At: t0, Device: link})
	b.OnTransition(session.Transition{SessionID: id, From: session.HealthChecking, To: session.SpinningUp, At: t0, Device: link})
	b.OnTransition(session.Transition{SessionID: id, From: session.SpinningUp, To: session.Scanning, At: t0.Add(time.Second), Device: link})
	b.OnBatch(session.BatchEvent{SessionID: id, Seq: 1, At: t0.Add(2 * time.Second), Measurements: sweep(), Clients: 1})
	return id
}

func TestBoardTracksSession(t *testing.T) {
	src := &fakeClients{
		clients: []broadcast.ClientInfo{{Slot: 0, Remote: "127.0.0.1:5000", Since: t0}},
		stats:   broadcast.Stats{Accepted: 1},
	}
	b := NewBoard("1.2.3", src)
	assert.Equal(t, "disconnected", b.Snapshot().State)

	id := feed(b)

	st := b.Snapshot()
	assert.Equal(t, "1.2.3", st.Version)
	assert.Equal(t, "scanning", st.State)
	assert.Equal(t, id.String(), st.SessionID)
	assert.Equal(t, t0.Add(time.Second), st.Since)
	require.NotNil(t, st.Device)
	assert.Equal(t, 115200, st.Device.Baud)
	assert.Equal(t, 1, st.Sessions)
	assert.EqualValues(t, 1, st.Batches)
	assert.Equal(t, 4, st.LastBatch.Count)
	assert.Equal(t, 3, st.LastBatch.Valid)
	assert.Equal(t, 3000.0, st.LastBatch.MaxDistanceMM)
	assert.Len(t, st.Clients, 1)
	assert.EqualValues(t, 1, st.Server.Accepted)
	assert.Positive(t, src.calls)
	assert.Len(t, b.Points(), 4)
}

func TestBoardCopiesMeasurements(t *testing.T) {
	b := NewBoard("dev", nil)
	ms := sweep()
	b.OnBatch(session.BatchEvent{Measurements: ms})
	ms[0].DistanceMM = -1

	assert.Equal(t, 1000.0, b.Points()[0].DistanceMM, "board must not alias the session arena")
}

func TestBoardErrors(t *testing.T) {
	b := NewBoard("dev", nil)
	id := uuid.New()
	fail := errors.New("acquisition: grab batch: timeout")

	b.OnTransition(session.Transition{SessionID: id, From: session.Scanning, To: session.Faulted, Err: fail})
	assert.Equal(t, fail.Error(), b.Snapshot().LastError)

	b.OnSessionEnd(session.End{SessionID: id, Err: context.Canceled})
	assert.Equal(t, fail.Error(), b.Snapshot().LastError, "shutdown is not an error")

	b.NoteRestart(3, errors.New("device connect: no answer"))
	st := b.Snapshot()
	assert.Equal(t, 3, st.Restarts)
	assert.Equal(t, "device connect: no answer", st.LastError)

	b.OnBatch(session.BatchEvent{SessionID: id, SendErr: errors.New("client send: slot 1")})
	assert.Equal(t, "client send: slot 1", b.Snapshot().SendError)
	b.OnBatch(session.BatchEvent{SessionID: id})
	assert.Empty(t, b.Snapshot().SendError)
}

func TestBoardCountsSessions(t *testing.T) {
	b := NewBoard("dev", nil)
	feed(b)
	feed(b)
	assert.Equal(t, 2, b.Snapshot().Sessions)
}

func newDebugMux(t *testing.T, b *Board, withJournal bool) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	if withJournal {
		j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), zerolog.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { j.Close() })
		require.NoError(t, b.AttachRoutes(mux, j.DB()))
	} else {
		require.NoError(t, b.AttachRoutes(mux, nil))
	}
	return mux
}

func get(mux http.Handler, path string) *httptest.ResponseRecorder {
	return testutil.ServeDebug(mux, http.MethodGet, path)
}

func TestStatusRoute(t *testing.T) {
	b := NewBoard("1.2.3", nil)
	feed(b)
	mux := newDebugMux(t, b, false)

	rec := get(mux, "/debug/scanrelay")
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "scanning", st.State)
	assert.Equal(t, "1.2.3", st.Version)
	assert.EqualValues(t, 1, st.Batches)
}

func TestDebugRoutesRequireLocalAccess(t *testing.T) {
	mux := newDebugMux(t, NewBoard("dev", nil), false)

	req := httptest.NewRequest(http.MethodGet, "/debug/scanrelay", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScanPlotRoute(t *testing.T) {
	b := NewBoard("dev", nil)
	mux := newDebugMux(t, b, false)

	rec := get(mux, "/debug/scan.png")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	feed(b)
	rec = get(mux, "/debug/scan.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG\r\n\x1a\n")), "body is not a PNG")
}

func TestScanPlotAllInvalid(t *testing.T) {
	b := NewBoard("dev", nil)
	b.OnBatch(session.BatchEvent{Measurements: []scan.Measurement{{AngleDeg: 10}, {AngleDeg: 20}}})
	mux := newDebugMux(t, b, false)

	rec := get(mux, "/debug/scan.png")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIndexListsRoutes(t *testing.T) {
	mux := newDebugMux(t, NewBoard("dev", nil), true)

	rec := get(mux, "/debug/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "scanrelay")
	assert.Contains(t, body, "scan.png")
	assert.Contains(t, body, "tailsql/")
}

func TestServeListenerStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ServeListener(ctx, ln, http.NotFoundHandler(), zerolog.Nop())
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
