package orchestration

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrPoolFull is raised when an Acquire times out waiting for a slot.
var ErrPoolFull = errors.New("agent pool full")

// waiter is one blocked Acquire call for a given agent type.
type waiter struct {
	priority Priority
	queuedAt time.Time
	signal   chan struct{}
	removed  bool
}

// AgentPool is an in-process per-agent-type concurrency limiter with a
// priority waiter queue, generalizing the teacher's WorkerPool counter +
// cancel-registry shape (pkg/queue/pool.go) from "session workers" to
// "coding-agent job slots".
type AgentPool struct {
	mu      sync.Mutex
	limits  map[AgentType]int
	inUse   map[AgentType]int
	waiters map[AgentType]*list.List // of *waiter, kept sorted on insert

	stuckMultiplier float64
	jobs            map[string]ActiveJob // job_name -> job
}

// NewAgentPool creates a pool with the given per-type concurrency limits.
func NewAgentPool(limits map[AgentType]int, stuckMultiplier float64) *AgentPool {
	if stuckMultiplier <= 0 {
		stuckMultiplier = 2.0
	}
	return &AgentPool{
		limits:          limits,
		inUse:           make(map[AgentType]int),
		waiters:         make(map[AgentType]*list.List),
		stuckMultiplier: stuckMultiplier,
		jobs:            make(map[string]ActiveJob),
	}
}

// Acquire blocks until a slot for agentType is available, the priority
// waiter queue admits this caller, or timeout elapses (returning ErrPoolFull
// without leaving a stale entry in the waiter list on timeout).
func (p *AgentPool) Acquire(agentType AgentType, priority Priority, timeout time.Duration) error {
	p.mu.Lock()
	limit := p.limits[agentType]
	if p.inUse[agentType] < limit {
		p.inUse[agentType]++
		p.mu.Unlock()
		return nil
	}

	w := &waiter{priority: priority, queuedAt: time.Now(), signal: make(chan struct{}, 1)}
	p.enqueueWaiter(agentType, w)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.signal:
		return nil
	case <-timer.C:
		p.mu.Lock()
		w.removed = true
		p.mu.Unlock()
		return fmt.Errorf("%w: agent_type=%s", ErrPoolFull, agentType)
	}
}

// enqueueWaiter inserts w into agentType's waiter list, sorted by
// (priority ASC, queued_at ASC). Caller holds p.mu.
func (p *AgentPool) enqueueWaiter(agentType AgentType, w *waiter) {
	l, ok := p.waiters[agentType]
	if !ok {
		l = list.New()
		p.waiters[agentType] = l
	}
	for e := l.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*waiter)
		if w.priority < cur.priority || (w.priority == cur.priority && w.queuedAt.Before(cur.queuedAt)) {
			l.InsertBefore(w, e)
			return
		}
	}
	l.PushBack(w)
}

// Release frees one slot for agentType. If waiters exist, the
// highest-priority-oldest is popped and signaled (slot transfers without a
// decrement/increment pair); otherwise the counter decrements.
func (p *AgentPool) Release(agentType AgentType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := p.waiters[agentType]
	for l != nil {
		e := l.Front()
		if e == nil {
			break
		}
		l.Remove(e)
		w := e.Value.(*waiter)
		if w.removed {
			continue // timed out already; don't transfer the slot to it
		}
		w.signal <- struct{}{}
		return
	}

	if p.inUse[agentType] > 0 {
		p.inUse[agentType]--
	}
}

// MarkStarted records a newly dispatched job for tracking and stuck-job
// detection.
func (p *AgentPool) MarkStarted(jobName string, agentType AgentType, taskID, threadID string, timeoutSeconds int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs[jobName] = ActiveJob{
		JobName: jobName, AgentType: agentType, TaskID: taskID,
		ThreadID: threadID, StartedAt: time.Now(), TimeoutSeconds: timeoutSeconds,
	}
}

// MarkCompleted removes a job from tracking.
func (p *AgentPool) MarkCompleted(jobName, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slog.Info("coding agent job completed", "job", jobName, "status", status)
	delete(p.jobs, jobName)
}

// StuckJobs returns currently tracked jobs whose runtime exceeds their
// timeout by the configured multiplier.
func (p *AgentPool) StuckJobs() []ActiveJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var stuck []ActiveJob
	for _, j := range p.jobs {
		if j.Stuck(now, p.stuckMultiplier) {
			stuck = append(stuck, j)
		}
	}
	sort.Slice(stuck, func(i, k int) bool { return stuck[i].StartedAt.Before(stuck[k].StartedAt) })
	return stuck
}

// Waiters returns the current waiter count for an agent type, for metrics.
func (p *AgentPool) Waiters(agentType AgentType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.waiters[agentType]
	if !ok {
		return 0
	}
	n := 0
	for e := l.Front(); e != nil; e = e.Next() {
		if !e.Value.(*waiter).removed {
			n++
		}
	}
	return n
}

// InUse returns the number of slots currently held for an agent type.
func (p *AgentPool) InUse(agentType AgentType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse[agentType]
}
