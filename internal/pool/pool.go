// Package pool bounds how many LLM-backed tasks run at once and accounts for their usage.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/metrics"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/retry"
)

// Default pool limits.
const (
	DefaultMaxConcurrent = 4
	DefaultTimeout       = 5 * time.Minute
)

// ErrTaskReleased is returned when invoking a task after Release.
var ErrTaskReleased = errors.New("task already released")

// Config contains configuration options for the Pool.
type Config struct {
	// MaxConcurrent is the number of tasks that may hold a slot at once.
	MaxConcurrent int
	// DefaultTimeout bounds one invocation when the TaskSpec sets no timeout.
	DefaultTimeout time.Duration
	// Credentials are passed to every client the pool creates.
	Credentials provider.Credentials
	// Metrics receives pool activity. Nil disables metrics.
	Metrics metrics.PoolMetrics
}

// TaskSpec describes the task a caller wants to run.
type TaskSpec struct {
	Provider string
	Model    string
	// Input is the rendered prompt, kept for inspection.
	Input string
	// Timeout overrides the pool default for this task's invocations.
	Timeout time.Duration
	// Groups tags the task for usage rollups, e.g. {"run": id, "workflow": name}.
	Groups map[string]string
}

// Totals is accumulated usage for one rollup bucket.
type Totals struct {
	Usage       provider.Usage `json:"usage"`
	Cost        float64        `json:"cost"`
	Invocations int            `json:"invocations"`
}

// Task is one unit of delegated work holding a pool slot.
type Task struct {
	ID        string
	Provider  string
	Model     string
	Input     string
	StartedAt time.Time
	Groups    map[string]string

	timeout time.Duration
	client  *provider.Client

	mu       sync.Mutex
	usage    provider.Usage
	cost     float64
	released bool
}

// Usage returns the tokens this task has accrued.
func (t *Task) Usage() provider.Usage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage
}

// Cost returns the USD this task has accrued.
func (t *Task) Cost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cost
}

// Pool hands out bounded task slots and records usage.
type Pool struct {
	factory *provider.Factory
	cfg     Config
	sem     *semaphore.Weighted
	metrics metrics.PoolMetrics

	mu      sync.RWMutex
	active  map[string]*Task
	rollups map[string]map[string]*Totals
}

// New creates a pool over factory.
func New(factory *provider.Factory, cfg Config) *Pool {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	return &Pool{
		factory: factory,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metrics: m,
		active:  make(map[string]*Task),
		rollups: make(map[string]map[string]*Totals),
	}
}

// Acquire creates a client for spec and waits for a free slot.
// Client creation happens first so configuration errors surface without queuing.
// Waiters are served in arrival order. Cancelling ctx abandons the wait.
func (p *Pool) Acquire(ctx context.Context, spec TaskSpec) (*Task, error) {
	client, err := p.factory.CreateClient(spec.Provider, spec.Model, p.cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("acquire task: %w", err)
	}

	if !p.sem.TryAcquire(1) {
		p.metrics.IncAcquireWaits(client.Provider())
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("acquire task: wait for slot: %w", err)
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = p.cfg.DefaultTimeout
	}
	task := &Task{
		ID:        uuid.New().String()[:8],
		Provider:  client.Provider(),
		Model:     client.Model(),
		Input:     spec.Input,
		StartedAt: time.Now(),
		Groups:    copyGroups(spec.Groups),
		timeout:   timeout,
		client:    client,
	}

	p.mu.Lock()
	p.active[task.ID] = task
	n := len(p.active)
	p.mu.Unlock()
	p.metrics.SetActiveTasks(n)

	return task, nil
}

// Invoke sends req through the task's client and waits for the full response.
// A per-task deadline applies; expiry is reported as a retry.KindTimeout error.
func (p *Pool) Invoke(ctx context.Context, task *Task, req provider.Request) (*provider.Response, error) {
	return p.invoke(ctx, task, func(ctx context.Context) (*provider.Response, error) {
		return task.client.Complete(ctx, req)
	})
}

// InvokeStream is Invoke with incremental text delivered to onChunk.
func (p *Pool) InvokeStream(ctx context.Context, task *Task, req provider.Request, onChunk func(string)) (*provider.Response, error) {
	return p.invoke(ctx, task, func(ctx context.Context) (*provider.Response, error) {
		return task.client.Stream(ctx, req, onChunk)
	})
}

func (p *Pool) invoke(ctx context.Context, task *Task, call func(context.Context) (*provider.Response, error)) (*provider.Response, error) {
	task.mu.Lock()
	released := task.released
	task.mu.Unlock()
	if released {
		return nil, ErrTaskReleased
	}

	callCtx, cancel := context.WithTimeout(ctx, task.timeout)
	defer cancel()

	start := time.Now()
	resp, err := call(callCtx)
	p.metrics.ObserveInvokeDuration(task.Provider, time.Since(start).Seconds())

	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = retry.MarkOp("invoke", retry.KindTimeout, fmt.Errorf("task %s exceeded %s: %w", task.ID, task.timeout, err))
		}
		p.metrics.IncInvocations(task.Provider, task.Model, "error")
		log.Printf("[pool] task %s (%s/%s) failed: %v", task.ID, task.Provider, task.Model, err)
		return nil, err
	}

	task.mu.Lock()
	task.usage = task.usage.Add(resp.Usage)
	task.cost += resp.Cost
	task.mu.Unlock()

	p.record(task.Groups, resp)
	p.metrics.IncInvocations(task.Provider, task.Model, "ok")
	p.metrics.AddCost(task.Provider, task.Model, resp.Cost)

	return resp, nil
}

func (p *Pool) record(groups map[string]string, resp *provider.Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, value := range groups {
		byValue, ok := p.rollups[key]
		if !ok {
			byValue = make(map[string]*Totals)
			p.rollups[key] = byValue
		}
		t, ok := byValue[value]
		if !ok {
			t = &Totals{}
			byValue[value] = t
		}
		t.Usage = t.Usage.Add(resp.Usage)
		t.Cost += resp.Cost
		t.Invocations++
	}
}

// Release frees the task's slot. Releasing twice is a no-op.
func (p *Pool) Release(task *Task) {
	if task == nil {
		return
	}
	task.mu.Lock()
	if task.released {
		task.mu.Unlock()
		return
	}
	task.released = true
	task.mu.Unlock()

	p.mu.Lock()
	delete(p.active, task.ID)
	n := len(p.active)
	p.mu.Unlock()

	p.sem.Release(1)
	p.metrics.SetActiveTasks(n)
}

// Usage returns accumulated totals for one group value, e.g. Usage("run", id).
func (p *Pool) Usage(key, value string) Totals {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if t, ok := p.rollups[key][value]; ok {
		return *t
	}
	return Totals{}
}

// Rollup returns totals for every value seen under key.
func (p *Pool) Rollup(key string) map[string]Totals {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Totals, len(p.rollups[key]))
	for value, t := range p.rollups[key] {
		out[value] = *t
	}
	return out
}

// Active returns the number of tasks currently holding a slot.
func (p *Pool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// ActiveTasks returns the ids of tasks holding a slot, sorted.
func (p *Pool) ActiveTasks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Capacity returns the maximum number of concurrent tasks.
func (p *Pool) Capacity() int {
	return p.cfg.MaxConcurrent
}

func copyGroups(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
