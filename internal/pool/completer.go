package pool

import (
	"context"

	"github.com/CSmithy89/agent-orchestrator-sub004/internal/provider"
	"github.com/CSmithy89/agent-orchestrator-sub004/internal/retry"
)

// Completer answers one-off completions from a pool slot, so callers outside
// the workflow engine share its capacity and per-invocation timeout.
type Completer struct {
	pool   *Pool
	spec   TaskSpec
	policy *retry.Policy
}

// Completer returns a Completer that runs every call as a task built from
// spec. A non-nil policy retries retryable failures; each attempt takes a
// fresh slot so a backoff never holds capacity.
func (p *Pool) Completer(spec TaskSpec, policy *retry.Policy) *Completer {
	return &Completer{pool: p, spec: spec, policy: policy}
}

// Complete acquires a slot, invokes req and releases the slot.
func (c *Completer) Complete(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if c.policy == nil {
		return c.once(ctx, req)
	}
	var resp *provider.Response
	err := c.policy.Do(ctx, func(ctx context.Context, _ int) error {
		r, err := c.once(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Completer) once(ctx context.Context, req provider.Request) (*provider.Response, error) {
	task, err := c.pool.Acquire(ctx, c.spec)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(task)
	return c.pool.Invoke(ctx, task, req)
}
