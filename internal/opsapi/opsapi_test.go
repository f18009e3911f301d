package opsapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/CLIAIMONITOR/internal/bus"
	"github.com/CLIAIMONITOR/internal/config"
	"github.com/CLIAIMONITOR/internal/coordinator"
	"github.com/CLIAIMONITOR/internal/recovery"
	"github.com/CLIAIMONITOR/internal/registry"
	"github.com/CLIAIMONITOR/internal/store"
	"github.com/CLIAIMONITOR/internal/types"
	"github.com/CLIAIMONITOR/internal/verify"

	_ "modernc.org/sqlite"
)

func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp("", "opsapi-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := sql.Open("sqlite", f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func setupCoordinator(t *testing.T, port int) *coordinator.Coordinator {
	t.Helper()
	srv, err := bus.NewEmbeddedServer(bus.EmbeddedServerConfig{Port: port, JetStream: true, DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)

	st := store.New(openTempDB(t))
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	q := bus.NewQueue(openTempDB(t))
	if err := q.Init(); err != nil {
		t.Fatal(err)
	}

	coord := coordinator.New(registry.New(0), st, q, verify.New(), recovery.New(nil), config.Load())
	if err := coord.Start(srv.URL()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Stop)
	return coord
}

func TestHandleSnapshotReturnsEmptyPool(t *testing.T) {
	coord := setupCoordinator(t, 14501)
	s := New(coord, "127.0.0.1:0")

	ts := httptest.NewServer(s.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var snap types.PoolSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Agents) != 0 {
		t.Errorf("expected no agents, got %d", len(snap.Agents))
	}
}

func TestHandleTaskDetailNotFound(t *testing.T) {
	coord := setupCoordinator(t, 14502)
	s := New(coord, "127.0.0.1:0")

	ts := httptest.NewServer(s.router)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/tasks/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWireCallbacksRecordsEscalation(t *testing.T) {
	coord := setupCoordinator(t, 14503)
	s := New(coord, "127.0.0.1:0")

	info := types.EscalationInfo{TaskID: "t1", TaskDescription: "stuck task"}
	handlers := coord.Handlers()
	handlers.OnEscalation(info)

	waitUntil(t, func() bool { return len(s.escalations) == 1 })
	if s.escalations[0].TaskID != "t1" {
		t.Errorf("expected recorded escalation for t1, got %+v", s.escalations[0])
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
