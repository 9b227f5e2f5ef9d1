package services

import (
	"context"
	"log/slog"
	"sync"
)

// RunExecutor is the slice of the workflow executor the launcher needs.
type RunExecutor interface {
	ExecuteRun(ctx context.Context, runID string) error
}

// RunLauncher starts a run's background execution. Injectable so tests can
// observe launches without real concurrency.
type RunLauncher interface {
	Launch(ctx context.Context, runID string)
}

// ExecutionRegistry tracks which runs have a background execution in flight
// in this process. It is advisory only: whether a run is logically running is
// always answered by reading its status from storage, never from here.
type ExecutionRegistry struct {
	mu       sync.RWMutex
	inflight map[string]struct{}
}

func NewExecutionRegistry() *ExecutionRegistry {
	return &ExecutionRegistry{
		inflight: make(map[string]struct{}),
	}
}

func (r *ExecutionRegistry) Add(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inflight[runID] = struct{}{}
}

func (r *ExecutionRegistry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inflight, runID)
}

func (r *ExecutionRegistry) InFlight(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.inflight[runID]

	return ok
}

func (r *ExecutionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.inflight)
}

// BackgroundLauncher runs executions as detached goroutines registered in an
// ExecutionRegistry. Execution failures are logged and leave the run in its
// last-persisted status; they never crash the process.
type BackgroundLauncher struct {
	executor RunExecutor
	registry *ExecutionRegistry
	logger   *slog.Logger
}

func NewBackgroundLauncher(executor RunExecutor, registry *ExecutionRegistry, logger *slog.Logger) *BackgroundLauncher {
	return &BackgroundLauncher{
		executor: executor,
		registry: registry,
		logger:   logger,
	}
}

func (l *BackgroundLauncher) Launch(ctx context.Context, runID string) {
	if l.registry.InFlight(runID) {
		l.logger.InfoContext(ctx, "Run execution already in flight, not launching", "run_id", runID)

		return
	}

	l.registry.Add(runID)

	// Detach from the request context; the execution outlives the request.
	execCtx := context.WithoutCancel(ctx)

	go func() {
		defer l.registry.Remove(runID)

		if err := l.executor.ExecuteRun(execCtx, runID); err != nil {
			l.logger.Error("Background run execution failed", "run_id", runID, "error", err)
		}
	}()
}

// SynchronousLauncher executes runs inline. Used by tests and the CLI, where
// detaching would only hide errors.
type SynchronousLauncher struct {
	executor RunExecutor
	logger   *slog.Logger
}

func NewSynchronousLauncher(executor RunExecutor, logger *slog.Logger) *SynchronousLauncher {
	return &SynchronousLauncher{
		executor: executor,
		logger:   logger,
	}
}

func (l *SynchronousLauncher) Launch(ctx context.Context, runID string) {
	if err := l.executor.ExecuteRun(ctx, runID); err != nil {
		l.logger.Error("Run execution failed", "run_id", runID, "error", err)
	}
}
