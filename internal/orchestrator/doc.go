// Package orchestrator manages the concurrent execution of workflow runs.
//
// The orchestrator package provides functionality for:
//   - Run lifecycle: starting, resuming, cancelling and waiting on runs
//   - Crash recovery: resuming runs a dead process left mid-flight
//   - Escalation routing: parking exactly the run that asked a question and
//     resuming it once the answer arrives
//
// Each run executes on its own goroutine and advances one step at a time.
// Many runs share the executor pool, so one run waiting on a human or a slow
// backend never blocks another. Cancelling a run parks it at the next step
// boundary; a task already in flight finishes and its result is discarded.
//
// Example usage:
//
//	orch, err := orchestrator.New(orchestrator.Config{Engine: engine, Store: store, Queue: queue})
//	runID, err := orch.Start(ctx, "release", map[string]any{"version": "1.2.0"})
//	res, err := orch.Wait(ctx, runID)
package orchestrator
