package coordinator

import (
	"database/sql"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/internal/bus"
	"github.com/CLIAIMONITOR/internal/config"
	"github.com/CLIAIMONITOR/internal/recovery"
	"github.com/CLIAIMONITOR/internal/registry"
	"github.com/CLIAIMONITOR/internal/store"
	"github.com/CLIAIMONITOR/internal/types"
	"github.com/CLIAIMONITOR/internal/verify"

	_ "modernc.org/sqlite"
)

type testHarness struct {
	coord  *Coordinator
	client *nc.Conn
	srv    *bus.EmbeddedServer
}

func setupHarness(t *testing.T, port int, cfg config.Config) *testHarness {
	t.Helper()

	srv, err := bus.NewEmbeddedServer(bus.EmbeddedServerConfig{Port: port, JetStream: true, DataDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Shutdown)

	storeDB := openTempDB(t)
	queueDB := openTempDB(t)

	st := store.New(storeDB)
	if err := st.Init(); err != nil {
		t.Fatal(err)
	}
	q := bus.NewQueue(queueDB)
	if err := q.Init(); err != nil {
		t.Fatal(err)
	}

	reg := registry.New(cfg.MaxAgents)
	ve := verify.New()
	rm := recovery.New(nil).WithMaxAttempts(cfg.MaxAttempts)

	coord := New(reg, st, q, ve, rm, cfg)
	if err := coord.Start(srv.URL()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Stop)

	client, err := nc.Connect(srv.URL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)

	return &testHarness{coord: coord, client: client, srv: srv}
}

func openTempDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp("", "coordinator-test-*.db")
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

func publish(t *testing.T, conn *nc.Conn, channel string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Publish(channel, data); err != nil {
		t.Fatal(err)
	}
}

func registerAgent(t *testing.T, h *testHarness, agentID string) {
	t.Helper()
	publish(t, h.client, bus.ChannelAgentRegister, types.AgentRegister{
		AgentID:   agentID,
		System:    types.AgentSystemInfo{Hostname: "test-host", Platform: "linux"},
		Timestamp: time.Now(),
	})
	waitForCondition(t, func() bool {
		a, ok := h.coord.registry.Get(agentID)
		return ok && a.Status == types.AgentIdle
	})
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func initGitRepo(t *testing.T) (dir string, commitsBefore int) {
	t.Helper()
	dir, err := os.MkdirTemp("", "coordinator-repo-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-m", "first")

	cmd := exec.Command("git", "rev-list", "--count", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, c := range out {
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
		}
	}
	return dir, n
}

func TestSubmitTaskDispatchesToIdleAgent(t *testing.T) {
	h := setupHarness(t, 14401, config.Load())
	registerAgent(t, h, "A1")

	dispatchCh := make(chan types.TaskDispatch, 1)
	sub, err := h.client.Subscribe(bus.DispatchChannel("A1"), func(msg *nc.Msg) {
		var d types.TaskDispatch
		if err := json.Unmarshal(msg.Data, &d); err == nil {
			dispatchCh <- d
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	result, err := h.coord.SubmitTask(types.TaskRequest{
		Payload:  types.TaskPayload{Description: "do the thing"},
		Priority: types.PriorityNormal,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Dispatched || result.AgentID != "A1" {
		t.Fatalf("expected immediate dispatch to A1, got %+v", result)
	}

	select {
	case d := <-dispatchCh:
		if d.TargetAgentID != "A1" {
			t.Errorf("expected dispatch to A1, got %s", d.TargetAgentID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task.dispatch")
	}
}

func TestSubmitTaskEnqueuesWhenNoIdleAgent(t *testing.T) {
	h := setupHarness(t, 14402, config.Load())

	result, err := h.coord.SubmitTask(types.TaskRequest{
		Payload:  types.TaskPayload{Description: "do the thing"},
		Priority: types.PriorityHigh,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Dispatched {
		t.Fatalf("expected enqueue without an idle agent, got %+v", result)
	}
	if result.QueuePosition != 1 {
		t.Errorf("expected queue position 1, got %d", result.QueuePosition)
	}
}

func TestTaskResultSuccessInvokesOnTaskComplete(t *testing.T) {
	h := setupHarness(t, 14403, config.Load())
	registerAgent(t, h, "A1")

	repo, _ := initGitRepo(t)

	completeCh := make(chan *types.Task, 1)
	h.coord.SetHandlers(Handlers{
		OnTaskComplete: func(task *types.Task, _ types.TaskResult) { completeCh <- task },
	})

	result, err := h.coord.SubmitTask(types.TaskRequest{
		Payload:  types.TaskPayload{Description: "ship it", WorktreePath: repo},
		Priority: types.PriorityNormal,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Dispatched {
		t.Fatal("expected immediate dispatch")
	}

	var taskID string
	waitForCondition(t, func() bool {
		a, ok := h.coord.registry.Get("A1")
		if !ok || a.CurrentTaskID == "" {
			return false
		}
		taskID = a.CurrentTaskID
		return true
	})

	cmd := exec.Command("git", "commit", "--allow-empty", "-m", "second")
	cmd.Dir = repo
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git commit --allow-empty: %v: %s", err, out)
	}

	publish(t, h.client, bus.ChannelTaskResult, types.TaskResult{
		TaskID:  taskID,
		AgentID: "A1",
		Success: true,
		Claims:  types.TaskClaims{CommitsCreated: 1},
		EndTime: time.Now(),
	})

	select {
	case task := <-completeCh:
		if task.Status != types.StatusCompleted {
			t.Errorf("expected completed task, got %s", task.Status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for onTaskComplete")
	}
}

func TestTaskResultFailureEscalatesAfterMaxAttempts(t *testing.T) {
	cfg := config.Load()
	cfg.MaxAttempts = 2
	h := setupHarness(t, 14404, cfg)
	registerAgent(t, h, "A1")

	repo, _ := initGitRepo(t)

	escCh := make(chan types.EscalationInfo, 1)
	h.coord.SetHandlers(Handlers{
		OnEscalation: func(info types.EscalationInfo) { escCh <- info },
	})

	result, err := h.coord.SubmitTask(types.TaskRequest{
		Payload:  types.TaskPayload{Description: "impossible task", WorktreePath: repo},
		Priority: types.PriorityNormal,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Dispatched {
		t.Fatal("expected immediate dispatch")
	}

	var taskID string
	waitForCondition(t, func() bool {
		a, ok := h.coord.registry.Get("A1")
		if !ok || a.CurrentTaskID == "" {
			return false
		}
		taskID = a.CurrentTaskID
		return true
	})

	for i := 0; i < cfg.MaxAttempts; i++ {
		publish(t, h.client, bus.ChannelTaskResult, types.TaskResult{
			TaskID:  taskID,
			AgentID: "A1",
			Success: false,
			Claims:  types.TaskClaims{CommitsCreated: 99},
			EndTime: time.Now(),
		})

		if i < cfg.MaxAttempts-1 {
			// The real agent lifecycle reports idle after finishing
			// regardless of outcome; simulate that so ProcessQueue has a
			// chance to redispatch the retried attempt.
			waitForCondition(t, func() bool {
				n, err := h.coord.queue.QueueLength()
				return err == nil && n >= 1
			})
			publish(t, h.client, bus.ChannelAgentStatus, types.AgentStatusChange{
				AgentID: "A1", CurrentStatus: types.AgentIdle, Timestamp: time.Now(),
			})
			waitForCondition(t, func() bool {
				a, ok := h.coord.registry.Get("A1")
				return ok && a.CurrentTaskID == taskID && a.Status == types.AgentBusy
			})
		}
	}

	select {
	case info := <-escCh:
		if len(info.Attempts) != cfg.MaxAttempts {
			t.Errorf("expected %d recorded attempts, got %d", cfg.MaxAttempts, len(info.Attempts))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for onEscalation")
	}

	task, err := h.coord.TaskDetail(taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.Attempts != cfg.MaxAttempts {
		t.Errorf("expected task.Attempts == %d after the escalating failure, got %d", cfg.MaxAttempts, task.Attempts)
	}
}

func TestLivenessSweepFailsOwnedTaskAndReportsAgentDead(t *testing.T) {
	cfg := config.Load()
	cfg.HeartbeatTimeout = 200 * time.Millisecond
	h := setupHarness(t, 14405, cfg)
	registerAgent(t, h, "A1")

	deadCh := make(chan string, 1)
	failedCh := make(chan *types.Task, 1)
	h.coord.SetHandlers(Handlers{
		OnAgentDead:  func(agentID string) { deadCh <- agentID },
		OnTaskFailed: func(task *types.Task, _ types.TaskResult) { failedCh <- task },
	})

	result, err := h.coord.SubmitTask(types.TaskRequest{
		Payload:  types.TaskPayload{Description: "will go stale"},
		Priority: types.PriorityNormal,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Dispatched {
		t.Fatal("expected immediate dispatch")
	}

	select {
	case agentID := <-deadCh:
		if agentID != "A1" {
			t.Errorf("expected A1 reported dead, got %s", agentID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for onAgentDead")
	}

	select {
	case task := <-failedCh:
		if task.Result == nil || !task.Result.Error.Recoverable {
			t.Errorf("expected a recoverable synthesised failure, got %+v", task.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for onTaskFailed")
	}
}
