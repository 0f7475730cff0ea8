package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	platformgrpc "github.com/louisbranch/loremaster/internal/platform/grpc"
	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
	"github.com/louisbranch/loremaster/internal/services/game/domain/saga"
)

func startServer(t *testing.T, cfg Config) (*Server, context.CancelFunc, <-chan error) {
	t.Helper()
	srv, err := NewWithAddr(context.Background(), cfg, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ctx)
	}()
	return srv, cancel, serveErr
}

func waitStopped(t *testing.T, serveErr <-chan error) {
	t.Helper()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop in time")
	}
}

// TestServeStopsOnContext verifies the server serves health and stops on cancel.
func TestServeStopsOnContext(t *testing.T) {
	srv, cancel, serveErr := startServer(t, testConfig(t))
	defer cancel()

	ctx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer callCancel()
	conn, err := platformgrpc.DialWithHealth(ctx, nil, srv.Addr(), JournalHealthService, time.Second, nil)
	if err != nil {
		t.Fatalf("dial with health: %v", err)
	}
	defer conn.Close()

	cancel()
	waitStopped(t, serveErr)
}

func TestHealthReportsJournalFailures(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")
	cfg := DefaultConfig()
	cfg.EventLogPath = filepath.Join(dir, "events.json")
	cfg.HealthInterval = 20 * time.Millisecond
	srv, cancel, serveErr := startServer(t, cfg)
	defer cancel()

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove log dir: %v", err)
	}
	if err := os.WriteFile(dir, []byte("not a dir"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	evt, err := event.New(event.TypeSceneChange, "gm", event.SceneChangePayload{Location: "crypt"}, time.Now())
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if _, err := srv.Engine().Journal().Append(context.Background(), evt); err != nil {
		t.Fatalf("append: %v", err)
	}

	conn, err := platformgrpc.DialWithHealth(context.Background(), nil, srv.Addr(), "", time.Second, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := platformgrpc.CheckHealth(context.Background(), conn, JournalHealthService)
		if err == nil && status == grpc_health_v1.HealthCheckResponse_NOT_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal status = %s, err = %v", status, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	waitStopped(t, serveErr)
}

func TestPruneLoopEvictsArchivedSagas(t *testing.T) {
	cfg := testConfig(t)
	cfg.SagaMaxAge = time.Millisecond
	cfg.SagaPruneInterval = 10 * time.Millisecond
	srv, cancel, serveErr := startServer(t, cfg)
	defer cancel()

	report, err := srv.Engine().StartSaga(context.Background(), saga.TypeSceneTransition, nil)
	if err != nil {
		t.Fatalf("start saga: %v", err)
	}
	if report.Status != saga.StatusFailed {
		t.Fatalf("report = %+v", report)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.Engine().Sagas().ArchivedCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("archived = %d, want 0", srv.Engine().Sagas().ArchivedCount())
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	waitStopped(t, serveErr)
}

func TestNewWithAddrRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventLogBackend = "tape"
	if _, err := NewWithAddr(context.Background(), cfg, "127.0.0.1:0"); err == nil {
		t.Fatal("expected error")
	}
}
