package replica

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/go/internal/clock/engine"
	"github.com/mcdev12/pomosync/go/internal/clock/gateway"
	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/mcdev12/pomosync/go/internal/models"
)

type testHost struct {
	engine *engine.Engine
	server *httptest.Server
	stop   context.CancelFunc
}

// startHost serves a real gateway backed by an engine on its own fake clock.
func startHost(t *testing.T) *testHost {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	eng := engine.New(engine.Config{WorkMinutes: 25, BreakMinutes: 5}, clock)
	svc := gateway.NewService(gateway.DefaultConfig(), eng, clock)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	server := httptest.NewServer(gateway.Handler(mux))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Start(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 2); err != nil {
		t.Fatalf("host did not start: %v", err)
	}
	return &testHost{engine: eng, server: server, stop: cancel}
}

func nextMessage(t *testing.T, tr *Transport) Message {
	t.Helper()
	select {
	case msg := <-tr.Messages():
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a transport message")
		return Message{}
	}
}

func expectStatus(t *testing.T, tr *Transport, want Status) {
	t.Helper()
	if msg := nextMessage(t, tr); msg.State != nil || msg.Status != want {
		t.Fatalf("got %+v, want status %s", msg, want)
	}
}

// waitForState skips snapshots until match, failing on any status change.
func waitForState(t *testing.T, tr *Transport, match func(models.EngineState) bool) models.EngineState {
	t.Helper()
	for {
		msg := nextMessage(t, tr)
		if msg.State == nil {
			t.Fatalf("unexpected status %s while waiting for a snapshot", msg.Status)
		}
		if match(*msg.State) {
			return *msg.State
		}
	}
}

// waitForStatus skips snapshots until a status arrives.
func waitForStatus(t *testing.T, tr *Transport, want Status) {
	t.Helper()
	for {
		msg := nextMessage(t, tr)
		if msg.State != nil {
			continue
		}
		if msg.Status != want {
			t.Fatalf("status = %s, want %s", msg.Status, want)
		}
		return
	}
}

func closedPortURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return "ws://" + addr + "/ws/clock"
}

func TestTransportSessionLifecycle(t *testing.T) {
	host := startHost(t)
	wsURL, err := WebSocketURL(host.server.URL)
	if err != nil {
		t.Fatalf("websocket url: %v", err)
	}

	clock := clockwork.NewFakeClockAt(epoch)
	tr := NewTransport(DefaultTransportConfig(wsURL), clock)
	if err := tr.Send(protocol.MessageTypeTogglePause); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send before connect = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(ctx) }()

	expectStatus(t, tr, StatusConnecting)
	expectStatus(t, tr, StatusConnected)
	first := waitForState(t, tr, func(models.EngineState) bool { return true })
	if first.PhaseName != models.PhaseWork || first.RemainingSeconds != 1500 {
		t.Fatalf("unexpected first snapshot %+v", first)
	}

	if err := tr.Send(protocol.MessageTypeTogglePause); err != nil {
		t.Fatalf("send toggle_pause: %v", err)
	}
	waitForState(t, tr, func(s models.EngineState) bool { return s.IsPaused })
	if !host.engine.IsPaused() {
		t.Fatal("host engine not paused")
	}

	// host goes away: every connection is closed
	host.stop()
	waitForStatus(t, tr, StatusDisconnected)
	if err := tr.Send(protocol.MessageTypeTogglePause); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send while offline = %v, want ErrNotConnected", err)
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("no reconnect backoff scheduled: %v", err)
	}
	clock.Advance(time.Second)

	expectStatus(t, tr, StatusConnecting)
	expectStatus(t, tr, StatusConnected)
	if state := waitForState(t, tr, func(models.EngineState) bool { return true }); !state.IsPaused {
		t.Fatalf("reconnected snapshot %+v", state)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestTransportBackoffGivesUp(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	cfg := DefaultTransportConfig(closedPortURL(t))
	cfg.MaxAttempts = 3
	tr := NewTransport(cfg, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- tr.Run(ctx) }()

	waitBackoff := func() {
		t.Helper()
		waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
		defer waitCancel()
		if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
			t.Fatalf("no backoff timer: %v", err)
		}
	}

	expectStatus(t, tr, StatusConnecting)
	expectStatus(t, tr, StatusFailed)
	waitBackoff()
	clock.Advance(time.Second)

	expectStatus(t, tr, StatusConnecting)
	expectStatus(t, tr, StatusFailed)
	waitBackoff()

	// second wait is doubled
	clock.Advance(time.Second)
	select {
	case msg := <-tr.Messages():
		t.Fatalf("retried before the doubled backoff: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
	clock.Advance(time.Second)

	expectStatus(t, tr, StatusConnecting)
	expectStatus(t, tr, StatusFailed)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrHostUnreachable) {
			t.Fatalf("Run returned %v, want ErrHostUnreachable", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not give up")
	}
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://10.0.0.2:8888", want: "ws://10.0.0.2:8888/ws/clock"},
		{in: "https://clock.local/", want: "wss://clock.local/ws/clock"},
		{in: "ws://10.0.0.2:8888", want: "ws://10.0.0.2:8888/ws/clock"},
		{in: "ftp://10.0.0.2", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := WebSocketURL(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPing(t *testing.T) {
	host := startHost(t)
	if err := Ping(context.Background(), host.server.Client(), host.server.URL); err != nil {
		t.Fatalf("ping live host: %v", err)
	}

	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	}))
	defer other.Close()
	if err := Ping(context.Background(), other.Client(), other.URL); !errors.Is(err, ErrUnexpectedHealth) {
		t.Fatalf("ping foreign server = %v, want ErrUnexpectedHealth", err)
	}
}
