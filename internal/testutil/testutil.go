// Package testutil holds helpers shared by package tests.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// LoopbackRemote is the peer address debug requests appear to come from.
// The /debug/ routes only answer loopback and tailnet peers.
const LoopbackRemote = "127.0.0.1:12345"

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t testing.TB, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewDebugRequest creates a request that passes the debug access check.
func NewDebugRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = LoopbackRemote
	return req
}

// ServeDebug runs a debug request through h and returns the recorder.
func ServeDebug(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, NewDebugRequest(method, path))
	return rec
}

// WriteFile writes content to name under dir and returns the path.
func WriteFile(t testing.TB, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// Eventually polls cond every tick until it holds or timeout elapses.
func Eventually(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
