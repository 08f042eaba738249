package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/tuna/tunasync/internal/event"
	"github.com/tuna/tunasync/internal/hooks"
	"github.com/tuna/tunasync/internal/procrunner"
)

// fakeProvider runs /bin/true or /bin/false as its transfer command so
// tests can drive the state machine without a real rsync binary.
type fakeProvider struct {
	name     string
	argv     []string
	interval time.Duration
	delay    time.Duration
	chain    []hooks.Hook
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) LocalDir() string        { return "/data/" + f.name }
func (f *fakeProvider) LogDir() string          { return "/log/" + f.name }
func (f *fakeProvider) LogFileTemplate() string { return "/log/" + f.name + "/out.log" }
func (f *fakeProvider) Interval() time.Duration { return f.interval }
func (f *fakeProvider) Delay() time.Duration    { return f.delay }
func (f *fakeProvider) SetDelay(d time.Duration) { f.delay = d }
func (f *fakeProvider) Hooks() []hooks.Hook     { return f.chain }

func (f *fakeProvider) Run(ctx context.Context, jctx *hooks.JobContext) (*procrunner.Handle, error) {
	return procrunner.Spawn(ctx, f.argv, nil, procrunner.Sink{})
}

func (f *fakeProvider) Terminate(h *procrunner.Handle) error {
	if h == nil {
		return nil
	}

	return h.Terminate()
}

// recordingHook logs every callback invocation, in order, so tests can
// assert the LIFO unwind shape. Setting failBeforeJob/failBeforeExec makes
// the matching before_* return an error, to exercise the fail-demotion path.
type recordingHook struct {
	hooks.NoopHook

	mu              sync.Mutex
	calls           *[]string
	label           string
	failBeforeJob   bool
	failBeforeExec  bool
	afterJobStatus  event.Status
	afterExecStatus event.Status
}

var errHookSetupFailed = errors.New("hook setup failed")

func (h *recordingHook) BeforeJob(p hooks.ProviderView, ctx *hooks.JobContext) error {
	h.record("before_job:" + h.label)

	if h.failBeforeJob {
		return errHookSetupFailed
	}

	return nil
}

func (h *recordingHook) AfterJob(p hooks.ProviderView, ctx *hooks.JobContext, status event.Status) error {
	h.record("after_job:" + h.label)

	h.mu.Lock()
	h.afterJobStatus = status
	h.mu.Unlock()

	return nil
}

func (h *recordingHook) BeforeExec(p hooks.ProviderView, ctx *hooks.JobContext) error {
	h.record("before_exec:" + h.label)

	if h.failBeforeExec {
		return errHookSetupFailed
	}

	return nil
}

func (h *recordingHook) AfterExec(p hooks.ProviderView, ctx *hooks.JobContext, status event.Status) error {
	h.record("after_exec:" + h.label)

	h.mu.Lock()
	h.afterExecStatus = status
	h.mu.Unlock()

	return nil
}

func (h *recordingHook) record(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.calls = append(*h.calls, s)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWorker_RunPipeline_SuccessReturnsSuccess(t *testing.T) {
	t.Parallel()

	events := make(chan event.Event, 16)
	p := &fakeProvider{name: "debian", argv: []string{"/bin/true"}}
	w := New(p, semaphore.NewWeighted(1), events, 1, discardLogger())

	jctx := &hooks.JobContext{MirrorName: "debian"}
	status := w.runPipeline(context.Background(), jctx)

	require.Equal(t, event.StatusSuccess, status)
}

func TestWorker_RunPipeline_FailureRetries(t *testing.T) {
	t.Parallel()

	events := make(chan event.Event, 64)
	p := &fakeProvider{name: "debian", argv: []string{"/bin/false"}}
	w := New(p, semaphore.NewWeighted(1), events, 3, discardLogger())

	jctx := &hooks.JobContext{MirrorName: "debian"}
	status := w.runPipeline(context.Background(), jctx)

	require.Equal(t, event.StatusFail, status)

	syncingCount := 0
	for {
		select {
		case ev := <-events:
			if u, ok := ev.(event.Update); ok && u.Status == event.StatusSyncing {
				syncingCount++
			}
		default:
			require.Equal(t, 3, syncingCount)

			return
		}
	}
}

func TestWorker_JobHookStage_LIFOUnwindOrder(t *testing.T) {
	t.Parallel()

	var calls []string

	outer := &recordingHook{calls: &calls, label: "outer"}
	inner := &recordingHook{calls: &calls, label: "inner"}

	events := make(chan event.Event, 16)
	p := &fakeProvider{name: "debian", argv: []string{"/bin/true"}, chain: []hooks.Hook{outer, inner}}
	w := New(p, semaphore.NewWeighted(1), events, 1, discardLogger())

	jctx := &hooks.JobContext{MirrorName: "debian"}
	_ = w.runPipeline(context.Background(), jctx)

	require.Equal(t, []string{
		"before_job:outer",
		"before_job:inner",
		"before_exec:outer",
		"before_exec:inner",
		"after_exec:inner",
		"after_exec:outer",
		"after_job:inner",
		"after_job:outer",
	}, calls)
}

func TestWorker_JobHookStage_BeforeJobError_DemotesToFailAndSkipsInner(t *testing.T) {
	t.Parallel()

	var calls []string

	outer := &recordingHook{calls: &calls, label: "outer", failBeforeJob: true}
	inner := &recordingHook{calls: &calls, label: "inner"}

	events := make(chan event.Event, 16)
	p := &fakeProvider{name: "debian", argv: []string{"/bin/true"}, chain: []hooks.Hook{outer, inner}}
	w := New(p, semaphore.NewWeighted(1), events, 1, discardLogger())

	jctx := &hooks.JobContext{MirrorName: "debian"}
	status := w.runPipeline(context.Background(), jctx)

	require.Equal(t, event.StatusFail, status)
	require.Equal(t, event.StatusFail, outer.afterJobStatus)

	// inner's before_job/after_job, and the transfer itself, must never run
	// once outer's before_job has already failed.
	require.Equal(t, []string{
		"before_job:outer",
		"after_job:outer",
	}, calls)
}

func TestWorker_ExecHookStage_BeforeExecError_DemotesToFailAndSkipsTransfer(t *testing.T) {
	t.Parallel()

	var calls []string

	h := &recordingHook{calls: &calls, label: "only", failBeforeExec: true}

	events := make(chan event.Event, 16)
	// /bin/false would make the transfer itself fail too; using /bin/true
	// here so a StatusFail result can only be explained by the before_exec
	// error short-circuiting execStage, not the transfer running and failing.
	p := &fakeProvider{name: "debian", argv: []string{"/bin/true"}, chain: []hooks.Hook{h}}
	w := New(p, semaphore.NewWeighted(1), events, 1, discardLogger())

	jctx := &hooks.JobContext{MirrorName: "debian"}
	status := w.runPipeline(context.Background(), jctx)

	require.Equal(t, event.StatusFail, status)
	require.Equal(t, event.StatusFail, h.afterExecStatus)
	require.Equal(t, []string{
		"before_job:only",
		"before_exec:only",
		"after_exec:only",
		"after_job:only",
	}, calls)
}

func TestWorker_Run_DelayThenTerminate(t *testing.T) {
	t.Parallel()

	events := make(chan event.Event, 16)
	p := &fakeProvider{name: "debian", argv: []string{"/bin/true"}, delay: time.Hour}
	w := New(p, semaphore.NewWeighted(1), events, 1, discardLogger())

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	w.Inbound() <- event.WorkerCmdTerminate

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after terminate during delay")
	}

	ack := <-events
	ca, ok := ack.(event.ConfigAck)
	require.True(t, ok)
	require.Equal(t, "QUIT", ca.Reason)
}

func TestWorker_Run_EmitsDistinctRunIDPerIteration(t *testing.T) {
	t.Parallel()

	events := make(chan event.Event, 64)
	p := &fakeProvider{name: "debian", argv: []string{"/bin/true"}, interval: 10 * time.Millisecond}
	w := New(p, semaphore.NewWeighted(1), events, 1, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	seen := map[string]bool{}
	for len(seen) < 2 {
		ev := <-events
		u, ok := ev.(event.Update)
		if !ok || u.Status != event.StatusPreSyncing {
			continue
		}

		runID := u.Ctx["run_id"]
		require.NotEmpty(t, runID)
		seen[runID] = true
	}

	cancel()
	<-done

	require.Len(t, seen, 2)
}

func TestWorker_Run_ContextCancelStopsLoop(t *testing.T) {
	t.Parallel()

	events := make(chan event.Event, 64)
	p := &fakeProvider{name: "debian", argv: []string{"/bin/true"}, interval: time.Hour}
	w := New(p, semaphore.NewWeighted(1), events, 1, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after context cancellation")
	}
}
