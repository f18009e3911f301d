// Package coordinator implements the Pool Coordinator (spec §4.F): the
// integrating component that holds the Message Bus, Agent Registry, Task
// Store, Verification Engine and Recovery Manager, exposes the external
// surface, and runs the message-driven dispatch and liveness loops.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CLIAIMONITOR/internal/bus"
	"github.com/CLIAIMONITOR/internal/config"
	"github.com/CLIAIMONITOR/internal/recovery"
	"github.com/CLIAIMONITOR/internal/registry"
	"github.com/CLIAIMONITOR/internal/store"
	"github.com/CLIAIMONITOR/internal/types"
	"github.com/CLIAIMONITOR/internal/vcsinfo"
	"github.com/CLIAIMONITOR/internal/verify"
)

const (
	callbackWorkers          = 4
	callbackQueueSize        = 256
	taskTimeoutSweepInterval = 30 * time.Second
)

// Handlers is the caller-facing callback contract registered via
// SetHandlers. Callbacks are invoked after state is persisted, off the
// message-consumption path.
type Handlers struct {
	OnTaskComplete func(task *types.Task, result types.TaskResult)
	OnTaskFailed   func(task *types.Task, result types.TaskResult)
	OnToolCall     func(agentID, taskID string, tool types.ToolUse)
	OnAgentDead    func(agentID string)
	OnEscalation   func(info types.EscalationInfo)
}

// Coordinator is the integrating component described in spec §4.F.
type Coordinator struct {
	registry     *registry.Registry
	store        *store.Store
	queue        *bus.Queue
	verifyEngine *verify.Engine
	recoveryMgr  *recovery.Manager
	cfg          config.Config

	bus *bus.Bus

	// mu serialises mutations against the Registry and Task Store so the
	// coordinator behaves as a single logical writer, per §5.
	mu sync.Mutex

	handlersMu sync.RWMutex
	handlers   Handlers

	callbackCh chan func()
	stopCh     chan struct{}
	wg         sync.WaitGroup

	livenessTicker *time.Ticker
	timeoutTicker  *time.Ticker
}

// New wires the four subsystems into a Coordinator. Callers must call
// Start to connect the bus and begin the scheduling loop.
func New(reg *registry.Registry, st *store.Store, q *bus.Queue, ve *verify.Engine, rm *recovery.Manager, cfg config.Config) *Coordinator {
	return &Coordinator{
		registry:     reg,
		store:        st,
		queue:        q,
		verifyEngine: ve,
		recoveryMgr:  rm,
		cfg:          cfg,
	}
}

// SetHandlers registers the caller's callbacks. Safe to call before or
// after Start; takes effect on the next invocation.
func (c *Coordinator) SetHandlers(h Handlers) {
	c.handlersMu.Lock()
	c.handlers = h
	c.handlersMu.Unlock()
}

func (c *Coordinator) handlersSnapshot() Handlers {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	return c.handlers
}

// Handlers returns the callbacks currently registered, so a caller layering
// additional behavior on top (the operator surface's WS relay) can chain
// onto whatever was set before it rather than clobbering it.
func (c *Coordinator) Handlers() Handlers {
	return c.handlersSnapshot()
}

// Start connects the Message Bus, subscribes to every agent-side channel,
// and begins the liveness and task-timeout tickers.
func (c *Coordinator) Start(busURL string) error {
	b, err := bus.Connect(busURL, c.reconcile)
	if err != nil {
		return err
	}
	if err := b.EnableJetStream(); err != nil {
		b.Close()
		return fmt.Errorf("coordinator: enable jetstream: %w", err)
	}
	c.bus = b

	subs := []struct {
		channel string
		handler bus.Handler
	}{
		{bus.ChannelAgentRegister, c.handleAgentRegister},
		{bus.ChannelAgentHeartbeat, c.handleAgentHeartbeat},
		{bus.ChannelAgentStatus, c.handleAgentStatus},
		{bus.ChannelAgentToolCall, c.handleToolCall},
		{bus.ChannelTaskResult, c.handleTaskResult},
		{bus.ChannelAgentDeregister, c.handleAgentDeregister},
	}
	for _, s := range subs {
		if err := c.bus.Subscribe(s.channel, s.handler); err != nil {
			c.bus.Close()
			return fmt.Errorf("coordinator: subscribe %s: %w", s.channel, err)
		}
	}

	c.stopCh = make(chan struct{})
	c.callbackCh = make(chan func(), callbackQueueSize)
	for i := 0; i < callbackWorkers; i++ {
		c.wg.Add(1)
		go c.callbackWorker()
	}

	c.livenessTicker = time.NewTicker(c.cfg.HeartbeatTimeout)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLivenessSweep()
	}()

	c.timeoutTicker = time.NewTicker(taskTimeoutSweepInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runTaskTimeoutSweep()
	}()

	log.Println("[COORDINATOR] started")
	return nil
}

// Stop sends Kill to every known agent, unsubscribes, and disconnects the
// bus.
func (c *Coordinator) Stop() {
	if c.bus == nil {
		return
	}
	for _, agent := range c.registry.Snapshot() {
		_ = c.bus.Publish(bus.KillChannel(agent.ID), types.Kill{
			AgentID: agent.ID, Reason: "coordinator shutdown", Timestamp: time.Now(),
		})
	}
	if c.livenessTicker != nil {
		c.livenessTicker.Stop()
	}
	if c.timeoutTicker != nil {
		c.timeoutTicker.Stop()
	}
	close(c.stopCh)
	c.bus.Close()
	close(c.callbackCh)
	c.wg.Wait()
	log.Println("[COORDINATOR] stopped")
}

// SubmitTask persists the task and attempts immediate dispatch if an idle
// agent exists, else enqueues it durably. Never blocks on agent execution.
func (c *Coordinator) SubmitTask(req types.TaskRequest) (types.SubmitResult, error) {
	id := req.TaskID
	if id == "" {
		id = uuid.NewString()
	}
	task := types.NewTask(id, req.Payload, req.Priority)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Create(task); err != nil {
		return types.SubmitResult{}, fmt.Errorf("coordinator: submit task %s: %w", id, err)
	}

	if agent := c.registry.FindIdle(); agent != nil {
		if err := c.dispatchLocked(task, agent, nil); err == nil {
			return types.SubmitResult{Dispatched: true, AgentID: agent.ID}, nil
		}
		log.Printf("[COORDINATOR] dispatch %s to %s failed, falling back to queue", task.ID, agent.ID)
	}

	if err := c.queue.Enqueue(task.ID, task.Priority.Score()); err != nil {
		return types.SubmitResult{}, fmt.Errorf("coordinator: enqueue task %s: %w", id, err)
	}
	pos, _ := c.queue.QueueLength()
	return types.SubmitResult{Dispatched: false, QueuePosition: pos}, nil
}

// StopTask publishes a best-effort stop to the owning agent, if any, and
// reports whether one was issued. The task itself remains running until a
// task.result arrives or the liveness sweep fails it.
func (c *Coordinator) StopTask(taskID, reason string) bool {
	c.mu.Lock()
	task, err := c.store.Get(taskID)
	c.mu.Unlock()
	if err != nil || task.AssignedAgentID == "" {
		return false
	}

	err = c.bus.Publish(bus.StopChannel(task.AssignedAgentID), types.Stop{
		AgentID: task.AssignedAgentID, TaskID: taskID, Reason: reason, Timestamp: time.Now(),
	})
	return err == nil
}

// PoolSnapshot returns a read-only projection of agents and task counts.
func (c *Coordinator) PoolSnapshot() (types.PoolSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agents := c.registry.Snapshot()
	counts, err := c.store.CountsByStatus()
	if err != nil {
		return types.PoolSnapshot{}, err
	}

	return types.PoolSnapshot{
		Agents: agents,
		Tasks: types.TaskCounts{
			Queued:    counts[types.StatusQueued],
			Running:   counts[types.StatusDispatched] + counts[types.StatusRunning] + counts[types.StatusVerifying],
			Completed: counts[types.StatusCompleted],
			Failed:    counts[types.StatusFailed],
		},
	}, nil
}

// TaskDetail returns the stored state of a single task, for the operator
// surface's task-detail endpoint.
func (c *Coordinator) TaskDetail(taskID string) (*types.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(taskID)
}

// ProcessQueue dispatches tasks to idle agents while both exist, bounded
// to at most idleAgentCount iterations to prevent unbounded recursion.
func (c *Coordinator) ProcessQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processQueueLocked()
}

func (c *Coordinator) processQueueLocked() {
	max := 0
	for _, a := range c.registry.Snapshot() {
		if a.IsAssignable() {
			max++
		}
	}

	for i := 0; i < max; i++ {
		agent := c.registry.FindIdle()
		if agent == nil {
			return
		}
		taskID, ok, err := c.queue.Dequeue()
		if err != nil {
			log.Printf("[COORDINATOR] dequeue: %v", err)
			return
		}
		if !ok {
			return
		}

		task, err := c.store.Get(taskID)
		if err != nil {
			log.Printf("[COORDINATOR] queued task %s missing from store: %v", taskID, err)
			continue
		}
		if task.Status != types.StatusQueued && task.Status != types.StatusFailed {
			continue
		}
		if err := c.dispatchLocked(task, agent, nil); err != nil {
			log.Printf("[COORDINATOR] dispatch %s to %s failed: %v", task.ID, agent.ID, err)
			_ = c.queue.Enqueue(task.ID, task.Priority.Score())
			return
		}
	}
}

// Dispatch sets the task to dispatched, assigns it to agent, marks the
// agent busy, and publishes a TaskDispatch envelope. recoveryCtx augments
// the dispatch payload with failure hints on a retry.
func (c *Coordinator) Dispatch(task *types.Task, agent *types.Agent, recoveryCtx *types.RecoveryContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatchLocked(task, agent, recoveryCtx)
}

func (c *Coordinator) dispatchLocked(task *types.Task, agent *types.Agent, recoveryCtx *types.RecoveryContext) error {
	commitsBefore := 0
	if task.Payload.WorktreePath != "" {
		n, err := vcsinfo.New(task.Payload.WorktreePath).CommitCount()
		if err != nil {
			log.Printf("[COORDINATOR] dispatch %s: commit count baseline: %v", task.ID, err)
		} else {
			commitsBefore = n
		}
	}

	updated, err := c.store.UpdateStatus(task.ID, types.StatusDispatched, func(t *types.Task) {
		t.AssignedAgentID = agent.ID
		t.CommitCountBefore = commitsBefore
	})
	if err != nil {
		return err
	}
	c.registry.MarkBusy(agent.ID, updated.ID)

	dispatchTask := types.DispatchTask{
		Description:  updated.Payload.Description,
		CodebaseID:   updated.Payload.CodebaseID,
		WorktreePath: updated.Payload.WorktreePath,
		Priority:     updated.Priority,
	}
	if recoveryCtx != nil {
		hints := make([]string, 0, len(recoveryCtx.PreviousFailures)+len(recoveryCtx.FailurePatterns))
		hints = append(hints, recoveryCtx.PreviousFailures...)
		hints = append(hints, recoveryCtx.FailurePatterns...)
		dispatchTask.Context = &types.DispatchContext{
			PreviousAttempts: recoveryCtx.AttemptNumber - 1,
			RecoveryHints:    hints,
		}
	}

	msg := types.TaskDispatch{
		TaskID:        updated.ID,
		TargetAgentID: agent.ID,
		Task:          dispatchTask,
		Timestamp:     time.Now(),
	}
	return c.bus.Publish(bus.DispatchChannel(agent.ID), msg)
}

// reconcile scans the task store after a reconnect for rows dispatched to
// an agent the in-memory registry no longer knows about, and requeues
// them, per §4.A.
func (c *Coordinator) reconcile() {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.store.ListActive()
	if err != nil {
		log.Printf("[COORDINATOR] reconcile: list active: %v", err)
		return
	}
	for _, task := range active {
		if task.Status != types.StatusDispatched && task.Status != types.StatusRunning {
			continue
		}
		if task.AssignedAgentID == "" {
			continue
		}
		if _, ok := c.registry.Get(task.AssignedAgentID); !ok {
			log.Printf("[COORDINATOR] reconcile: task %s owned by unknown agent %s, requeuing", task.ID, task.AssignedAgentID)
			_ = c.queue.Enqueue(task.ID, task.Priority.Score())
		}
	}
}

func (c *Coordinator) handleAgentRegister(data []byte) {
	var msg types.AgentRegister
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[COORDINATOR] malformed agent.register: %v", err)
		return
	}
	c.mu.Lock()
	_, err := c.registry.Register(msg)
	c.mu.Unlock()
	if err != nil {
		log.Printf("[COORDINATOR] agent.register %s: %v", msg.AgentID, err)
		return
	}
	c.ProcessQueue()
}

func (c *Coordinator) handleAgentHeartbeat(data []byte) {
	var msg types.AgentHeartbeat
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[COORDINATOR] malformed agent.heartbeat: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.registry.Heartbeat(msg); err != nil {
		return
	}
	if msg.CurrentTask == nil {
		return
	}
	task, err := c.store.Get(msg.CurrentTask.TaskID)
	if err != nil {
		return
	}
	if task.Status == types.StatusDispatched {
		if _, err := c.store.UpdateStatus(task.ID, types.StatusRunning, nil); err != nil {
			log.Printf("[COORDINATOR] heartbeat running transition for %s: %v", task.ID, err)
		}
	}
}

func (c *Coordinator) handleAgentStatus(data []byte) {
	var msg types.AgentStatusChange
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[COORDINATOR] malformed agent.status: %v", err)
		return
	}

	c.mu.Lock()
	err := c.registry.StatusChange(msg)
	c.mu.Unlock()
	if err != nil {
		return
	}
	if msg.CurrentStatus == types.AgentIdle {
		c.ProcessQueue()
	}
}

func (c *Coordinator) handleToolCall(data []byte) {
	var msg types.ToolCall
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[COORDINATOR] malformed agent.toolcall: %v", err)
		return
	}
	c.invokeCallback(func() {
		if h := c.handlersSnapshot(); h.OnToolCall != nil {
			h.OnToolCall(msg.AgentID, msg.TaskID, msg.Tool)
		}
	})
}

func (c *Coordinator) handleAgentDeregister(data []byte) {
	var msg types.AgentDeregister
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[COORDINATOR] malformed agent.deregister: %v", err)
		return
	}

	c.mu.Lock()
	agent := c.registry.Deregister(msg.AgentID)
	var owned *types.Task
	if agent != nil && agent.CurrentTaskID != "" {
		if t, err := c.store.Get(agent.CurrentTaskID); err == nil && !t.IsTerminal() {
			owned = t
		}
	}
	c.mu.Unlock()

	if owned != nil {
		synth := types.TaskResult{
			TaskID: owned.ID, AgentID: agent.ID, Success: false,
			Error:   &types.TaskResultError{Message: "owning agent deregistered", Recoverable: true},
			EndTime: time.Now(),
		}
		c.recordFailureAndRecover(owned, agent.ID, synth, nil)
	}
}

// handleTaskResult runs verification off the serialisation path (per §5,
// subprocess execution must not block message consumption), then applies
// the outcome under the coordinator lock.
func (c *Coordinator) handleTaskResult(data []byte) {
	var msg types.TaskResult
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Printf("[COORDINATOR] malformed task.result: %v", err)
		return
	}
	go c.processTaskResult(msg)
}

func (c *Coordinator) processTaskResult(msg types.TaskResult) {
	c.mu.Lock()
	task, err := c.store.Get(msg.TaskID)
	if err != nil {
		c.mu.Unlock()
		log.Printf("[COORDINATOR] task.result for unknown task %s", msg.TaskID)
		return
	}
	if task.Status == types.StatusDispatched || task.Status == types.StatusRunning {
		task, err = c.store.UpdateStatus(msg.TaskID, types.StatusVerifying, nil)
		if err != nil {
			c.mu.Unlock()
			log.Printf("[COORDINATOR] verifying transition for %s: %v", msg.TaskID, err)
			return
		}
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), verify.DefaultTotalTimeout+5*time.Second)
	defer cancel()
	verResult := c.verifyEngine.Verify(ctx, types.VerifyRequest{
		Claims:            msg.Claims,
		WorkdirPath:       task.Payload.WorktreePath,
		CommitCountBefore: task.CommitCountBefore,
		RunTests:          c.cfg.VerifyTestEnabled,
		RunTypeCheck:      c.cfg.VerifyTypeCheckEnabled,
	})

	if verResult.Success {
		c.mu.Lock()
		completed, err := c.store.UpdateStatus(msg.TaskID, types.StatusCompleted, func(t *types.Task) {
			t.Result = &msg
		})
		c.mu.Unlock()
		if err != nil {
			log.Printf("[COORDINATOR] mark completed %s: %v", msg.TaskID, err)
			return
		}
		c.recoveryMgr.Forget(msg.TaskID)
		c.invokeCallback(func() {
			if h := c.handlersSnapshot(); h.OnTaskComplete != nil {
				h.OnTaskComplete(completed, msg)
			}
		})
		return
	}

	synth := msg
	synth.Success = false
	if synth.Error == nil {
		synth.Error = &types.TaskResultError{Message: verificationFailureMessage(verResult), Recoverable: true}
	}
	c.recordFailureAndRecover(task, msg.AgentID, synth, failingChecksFrom(verResult))
}

// recordFailureAndRecover marks task failed, invokes onTaskFailed, then
// consults the Recovery Manager: on retry it re-dispatches (or re-queues)
// the same taskId; on escalation it invokes onEscalation exactly once.
func (c *Coordinator) recordFailureAndRecover(task *types.Task, agentID string, synth types.TaskResult, failingChecks []types.CheckName) {
	c.mu.Lock()
	updated, err := c.store.UpdateStatus(task.ID, types.StatusFailed, func(t *types.Task) {
		t.Result = &synth
	})
	c.mu.Unlock()
	if err != nil {
		log.Printf("[COORDINATOR] mark failed %s: %v", task.ID, err)
		return
	}

	c.invokeCallback(func() {
		if h := c.handlersSnapshot(); h.OnTaskFailed != nil {
			h.OnTaskFailed(updated, synth)
		}
	})

	outcome := c.recoveryMgr.HandleFailure(task.ID, task.Payload.Description, agentID, synth, failingChecks)

	// Every failed attempt counts toward maxAttempts, including the final
	// one that triggers escalation: Task.Attempts must read maxAttempts at
	// that point, not maxAttempts-1.
	c.mu.Lock()
	if _, err := c.store.IncrementAttempts(task.ID); err != nil {
		log.Printf("[COORDINATOR] increment attempts %s: %v", task.ID, err)
	}
	c.mu.Unlock()

	if outcome.Retry {
		c.mu.Lock()
		retryTask, err := c.store.Get(task.ID)
		if err == nil {
			if agent := c.registry.FindIdle(); agent != nil {
				if derr := c.dispatchLocked(retryTask, agent, outcome.RecoveryContext); derr != nil {
					_ = c.queue.Enqueue(retryTask.ID, retryTask.Priority.Score())
				}
			} else {
				_ = c.queue.Enqueue(retryTask.ID, retryTask.Priority.Score())
			}
		}
		c.mu.Unlock()
		return
	}

	if outcome.Escalation != nil {
		c.recoveryMgr.Forget(task.ID)
		esc := *outcome.Escalation
		c.invokeCallback(func() {
			if h := c.handlersSnapshot(); h.OnEscalation != nil {
				h.OnEscalation(esc)
			}
		})
	}
}

func (c *Coordinator) runLivenessSweep() {
	for {
		select {
		case <-c.livenessTicker.C:
			c.sweepDeadAgents()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) sweepDeadAgents() {
	c.mu.Lock()
	dead := c.registry.Sweep(time.Now(), c.cfg.HeartbeatTimeout)
	c.mu.Unlock()

	for _, agent := range dead {
		agentID := agent.ID
		c.invokeCallback(func() {
			if h := c.handlersSnapshot(); h.OnAgentDead != nil {
				h.OnAgentDead(agentID)
			}
		})

		if agent.CurrentTaskID == "" {
			continue
		}
		c.mu.Lock()
		task, err := c.store.Get(agent.CurrentTaskID)
		c.mu.Unlock()
		if err != nil || task.IsTerminal() {
			continue
		}
		synth := types.TaskResult{
			TaskID: task.ID, AgentID: agentID, Success: false,
			Error:   &types.TaskResultError{Message: "agent heartbeat timeout", Recoverable: true},
			EndTime: time.Now(),
		}
		c.recordFailureAndRecover(task, agentID, synth, nil)
	}
}

func (c *Coordinator) runTaskTimeoutSweep() {
	for {
		select {
		case <-c.timeoutTicker.C:
			c.sweepTaskTimeouts()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Coordinator) sweepTaskTimeouts() {
	c.mu.Lock()
	active, err := c.store.ListActive()
	c.mu.Unlock()
	if err != nil {
		log.Printf("[COORDINATOR] list active for timeout sweep: %v", err)
		return
	}

	now := time.Now()
	for _, task := range active {
		if task.Status != types.StatusDispatched && task.Status != types.StatusRunning {
			continue
		}
		if task.DispatchedAt == nil || now.Sub(*task.DispatchedAt) < c.cfg.TaskTimeout {
			continue
		}
		synth := types.TaskResult{
			TaskID: task.ID, AgentID: task.AssignedAgentID, Success: false,
			Error:   &types.TaskResultError{Message: "task exceeded overall timeout", Recoverable: true},
			EndTime: now,
		}
		c.recordFailureAndRecover(task, task.AssignedAgentID, synth, nil)
	}
}

// invokeCallback hands fn to a bounded worker pool so a slow caller
// callback never blocks message consumption. A full queue drops the
// callback rather than blocking the caller, per §5's backpressure
// requirement.
func (c *Coordinator) invokeCallback(fn func()) {
	select {
	case c.callbackCh <- fn:
	default:
		log.Printf("[COORDINATOR] callback queue full, dropping callback")
	}
}

func (c *Coordinator) callbackWorker() {
	defer c.wg.Done()
	for fn := range c.callbackCh {
		runCallback(fn)
	}
}

func runCallback(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[COORDINATOR] callback panic recovered: %v", r)
		}
	}()
	fn()
}

func failingChecksFrom(v types.VerificationResult) []types.CheckName {
	var out []types.CheckName
	for _, c := range v.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

func verificationFailureMessage(v types.VerificationResult) string {
	var failed []string
	for _, c := range v.Checks {
		if !c.Passed {
			failed = append(failed, string(c.Name))
		}
	}
	return fmt.Sprintf("verification failed: %s", strings.Join(failed, ", "))
}
