package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/scanrelay/internal/session"
)

func TestReporterFollowsState(t *testing.T) {
	r := New()
	ctx := context.Background()

	status, err := r.Check(ctx, Service)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	status, err = r.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status, "process itself is up")

	tests := []struct {
		to   session.State
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{session.Connecting, healthpb.HealthCheckResponse_NOT_SERVING},
		{session.HealthChecking, healthpb.HealthCheckResponse_NOT_SERVING},
		{session.SpinningUp, healthpb.HealthCheckResponse_NOT_SERVING},
		{session.Scanning, healthpb.HealthCheckResponse_SERVING},
		{session.Faulted, healthpb.HealthCheckResponse_NOT_SERVING},
		{session.Disconnected, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		r.OnTransition(session.Transition{To: tt.to})
		status, err := r.Check(ctx, Service)
		require.NoError(t, err)
		assert.Equal(t, tt.want, status, tt.to.String())
	}
}

func TestReporterShutdown(t *testing.T) {
	r := New()
	r.OnTransition(session.Transition{To: session.Scanning})
	r.Shutdown()

	status, err := r.Check(context.Background(), Service)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)

	// Updates after shutdown are ignored.
	r.OnTransition(session.Transition{To: session.Scanning})
	status, _ = r.Check(context.Background(), Service)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status)
}

func TestServeOverGRPC(t *testing.T) {
	r := New()
	ln := bufconn.Listen(1 << 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.ServeListener(ctx, ln, zerolog.Nop()) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ln.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	r.OnTransition(session.Transition{To: session.Scanning})
	resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{Service: Service})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	_, err = client.Check(callCtx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Error(t, err, "unregistered services are NOT_FOUND")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
