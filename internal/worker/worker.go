// Package worker implements the per-mirror job state machine: a delay,
// then an outer loop of semaphore-gated sync iterations descending
// through job-hook, set-retry, exec-hook, and exec stages, with LIFO hook
// unwinding on the way back out.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tuna/tunasync/internal/event"
	"github.com/tuna/tunasync/internal/hooks"
	"github.com/tuna/tunasync/internal/provider"
)

// Worker owns one mirror's state machine in its own goroutine, isolated
// from its peers.
type Worker struct {
	Name string

	provider provider.Provider
	sema     *semaphore.Weighted
	events   chan<- event.Event
	inbound  chan event.WorkerCmd
	maxRetry int
	log      *slog.Logger
}

// New builds a worker for provider p. events is the supervisor's shared
// event bus; sema is the process-wide concurrency gate.
func New(p provider.Provider, sema *semaphore.Weighted, events chan<- event.Event, maxRetry int, log *slog.Logger) *Worker {
	return &Worker{
		Name:     p.Name(),
		provider: p,
		sema:     sema,
		events:   events,
		inbound:  make(chan event.WorkerCmd, 1),
		maxRetry: maxRetry,
		log:      log.With("mirror", p.Name()),
	}
}

// Inbound returns the channel the supervisor uses to send this worker
// control messages (currently only WorkerCmdTerminate).
func (w *Worker) Inbound() chan<- event.WorkerCmd {
	return w.inbound
}

// Run is the worker's outer loop; it blocks until ctx is cancelled or a
// terminate request is drained.
func (w *Worker) Run(ctx context.Context) {
	if d := w.provider.Delay(); d > 0 {
		if w.sleepOrTerminate(ctx, d) {
			return
		}
	}

	for {
		if err := w.sema.Acquire(ctx, 1); err != nil {
			return // ctx cancelled while waiting for a slot
		}

		jctx := &hooks.JobContext{
			RunID:      uuid.NewString(),
			MirrorName: w.Name,
			CurrentDir: w.provider.LocalDir(),
			LocalDir:   w.provider.LocalDir(),
		}

		w.emit(event.StatusPreSyncing, jctx)

		status := w.runPipeline(ctx, jctx)

		w.emit(status, jctx)

		w.sema.Release(1)

		if w.sleepOrTerminate(ctx, w.provider.Interval()) {
			return
		}
	}
}

// sleepOrTerminate waits up to d on the inbound channel or ctx
// cancellation; it returns true if the worker should exit (terminate
// request drained and acked, or ctx cancelled).
func (w *Worker) sleepOrTerminate(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.inbound:
		w.ack()

		return true
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (w *Worker) ack() {
	select {
	case w.events <- event.ConfigAck{Mirror: w.Name, Reason: "QUIT"}:
	default:
	}
}

func (w *Worker) emit(status event.Status, jctx *hooks.JobContext) {
	select {
	case w.events <- event.Update{Mirror: w.Name, Status: status, Ctx: jctx.Snapshot()}:
	default:
		w.log.Warn("event bus full, dropping status update", "status", status)
	}
}

// runPipeline is the recursive four-stage descent. It always returns the
// final status of the iteration, having already run every matching
// after_* hook in reverse order of its before_*, regardless of where
// failure occurred.
func (w *Worker) runPipeline(ctx context.Context, jctx *hooks.JobContext) event.Status {
	return w.jobHookStage(ctx, jctx, 0)
}

func (w *Worker) jobHookStage(ctx context.Context, jctx *hooks.JobContext, i int) event.Status {
	chain := w.provider.Hooks()
	if i == len(chain) {
		return w.setRetryStage(ctx, jctx)
	}

	h := chain[i]

	var status event.Status

	if err := h.BeforeJob(w.provider, jctx); err != nil {
		w.log.Error("hook before_job failed", "run_id", jctx.RunID, "error", err)
		status = event.StatusFail
	} else {
		status = w.jobHookStage(ctx, jctx, i+1)
	}

	if err := h.AfterJob(w.provider, jctx, status); err != nil {
		w.log.Error("hook after_job failed", "run_id", jctx.RunID, "error", err)
	}

	return status
}

func (w *Worker) setRetryStage(ctx context.Context, jctx *hooks.JobContext) event.Status {
	retries := w.maxRetry
	if retries <= 0 {
		retries = 1
	}

	status := event.StatusFail

	for range retries {
		w.emit(event.StatusSyncing, jctx)

		status = w.execHookStage(ctx, jctx, 0)
		if status == event.StatusSuccess {
			break
		}
	}

	return status
}

func (w *Worker) execHookStage(ctx context.Context, jctx *hooks.JobContext, i int) event.Status {
	chain := w.provider.Hooks()
	if i == len(chain) {
		return w.execStage(ctx, jctx)
	}

	h := chain[i]

	var status event.Status

	if err := h.BeforeExec(w.provider, jctx); err != nil {
		w.log.Error("hook before_exec failed", "run_id", jctx.RunID, "error", err)
		status = event.StatusFail
	} else {
		status = w.execHookStage(ctx, jctx, i+1)
	}

	if err := h.AfterExec(w.provider, jctx, status); err != nil {
		w.log.Error("hook after_exec failed", "run_id", jctx.RunID, "error", err)
	}

	return status
}

func (w *Worker) execStage(ctx context.Context, jctx *hooks.JobContext) event.Status {
	handle, err := w.provider.Run(ctx, jctx)
	if err != nil {
		w.log.Error("failed to start provider", "run_id", jctx.RunID, "error", err)

		return event.StatusFail
	}

	done := make(chan struct{})

	var code int

	go func() {
		code, _ = handle.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = w.provider.Terminate(handle)
		<-done
	case <-w.inbound:
		_ = w.provider.Terminate(handle)
		<-done
		w.ack()
	}

	if code != 0 {
		return event.StatusFail
	}

	return event.StatusSuccess
}
