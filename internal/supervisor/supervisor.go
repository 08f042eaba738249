// Package supervisor wires together configuration, job workers, the status
// store, and the control socket into the daemon's single control-plane
// loop. There is no supervisor singleton: a Supervisor is a plain value a
// caller constructs and runs, so cmd/tunasync and tests can each own their
// own instance.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/semaphore"

	"github.com/tuna/tunasync/internal/config"
	"github.com/tuna/tunasync/internal/ctrlserver"
	"github.com/tuna/tunasync/internal/event"
	"github.com/tuna/tunasync/internal/hooks"
	"github.com/tuna/tunasync/internal/provider"
	"github.com/tuna/tunasync/internal/status"
	"github.com/tuna/tunasync/internal/worker"
)

// runningWorker pairs a live worker with the goroutine cancel func that
// stops it, so Supervisor can tear one down independently of the others.
type runningWorker struct {
	w      *worker.Worker
	cancel context.CancelFunc
	cfg    config.MirrorConfig
}

// Supervisor owns the process-wide concurrency gate, the worker table, the
// status store, and the event bus every worker and the control server
// write to.
type Supervisor struct {
	fs         afero.Fs
	configPath string
	log        *slog.Logger

	sema    *semaphore.Weighted
	events  chan event.Event
	workers map[string]*runningWorker
	mirrors map[string]config.MirrorConfig
	store   *status.Store
	ctrl    *ctrlserver.Server

	settings *config.Settings
}

// New loads the configuration at configPath and builds an (unstarted)
// Supervisor around it.
func New(fs afero.Fs, configPath string, log *slog.Logger) (*Supervisor, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, err := status.Load(fs, settings.Global.StatusFile)
	if err != nil {
		return nil, err
	}

	concurrent := settings.Global.Concurrent
	if concurrent <= 0 {
		concurrent = 1
	}

	s := &Supervisor{
		fs:         fs,
		configPath: configPath,
		log:        log,
		sema:       semaphore.NewWeighted(int64(concurrent)),
		events:     make(chan event.Event, 64),
		workers:    make(map[string]*runningWorker),
		mirrors:    make(map[string]config.MirrorConfig),
		store:      store,
		settings:   settings,
	}

	s.ctrl = ctrlserver.New(settings.Global.CtrlAddr, s.events, log.With("component", "ctrlserver"))

	return s, nil
}

// Run starts every configured worker, the control socket, and the event
// dispatch loop, blocking until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	mirrors, err := config.DeriveAll(s.settings)
	if err != nil {
		return err
	}

	upstreams := make(map[string]string, len(mirrors))
	for name, mc := range mirrors {
		upstreams[name] = mc.UpstreamURL
	}

	s.store.Reconcile(upstreams)
	s.mirrors = mirrors

	for _, mc := range mirrors {
		s.startWorker(ctx, mc)
	}

	ctrlErr := make(chan error, 1)

	go func() {
		ctrlErr <- s.ctrl.Run()
	}()

	defer func() {
		_ = s.ctrl.Close()
		_ = s.store.Save()
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()

			return nil

		case err := <-ctrlErr:
			if err != nil {
				s.log.Error("control socket listener exited", "error", err)
			}

		case ev := <-s.events:
			s.dispatch(ctx, ev)

		case <-ticker.C:
			if err := s.store.Save(); err != nil {
				s.log.Warn("failed to persist status", "error", err)
			}
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, ev event.Event) {
	switch e := ev.(type) {
	case event.Update:
		s.store.Update(e.Mirror, e.Status, time.Now())

		if err := s.store.Save(); err != nil {
			s.log.Warn("failed to persist status", "error", err)
		}

	case event.ConfigAck:
		s.log.Debug("worker acked termination", "mirror", e.Mirror, "reason", e.Reason)

	case event.Cmd:
		e.Reply <- s.handleCmd(ctx, e)
	}
}

// handleCmd dispatches an operator command from tunasynctl, returning the
// exact reply string the control socket writes back.
func (s *Supervisor) handleCmd(ctx context.Context, cmd event.Cmd) string {
	switch cmd.Op {
	case "start":
		return s.cmdStart(ctx, cmd.Target)
	case "stop":
		return s.cmdStop(cmd.Target)
	case "restart":
		return s.cmdRestart(ctx, cmd.Target)
	case "status":
		return s.cmdStatus(cmd.Target)
	case "log":
		return s.cmdLog(cmd.Target)
	case "reload":
		return s.cmdReload(ctx, cmd.Kwargs)
	default:
		return "Invalid Command"
	}
}

func (s *Supervisor) cmdStart(ctx context.Context, target string) string {
	mc, ok := s.mirrors[target]
	if !ok {
		return "Invalid target"
	}

	if _, running := s.workers[target]; running {
		return fmt.Sprintf("%s: already running", target)
	}

	s.startWorker(ctx, mc)

	return fmt.Sprintf("%s: started", target)
}

func (s *Supervisor) cmdStop(target string) string {
	rw, ok := s.workers[target]
	if !ok {
		return "Invalid target"
	}

	rw.w.Inbound() <- event.WorkerCmdTerminate
	rw.cancel()
	delete(s.workers, target)

	return fmt.Sprintf("%s: stopped", target)
}

func (s *Supervisor) cmdRestart(ctx context.Context, target string) string {
	mc, ok := s.mirrors[target]
	if !ok {
		return "Invalid target"
	}

	if rw, running := s.workers[target]; running {
		rw.w.Inbound() <- event.WorkerCmdTerminate
		rw.cancel()
		delete(s.workers, target)
	}

	s.startWorker(ctx, mc)

	return fmt.Sprintf("%s: restarted", target)
}

func (s *Supervisor) cmdStatus(target string) string {
	if target == "" || target == "__ALL__" {
		list := s.store.List()

		out := ""
		for _, e := range list {
			out += fmt.Sprintf("%s: %s (last update %s)\n", e.Name, e.Status, e.LastUpdate.Format(time.RFC3339))
		}

		return out
	}

	e, ok := s.store.Get(target)
	if !ok {
		return "Invalid target"
	}

	return fmt.Sprintf("%s: %s (last update %s)", e.Name, e.Status, e.LastUpdate.Format(time.RFC3339))
}

func (s *Supervisor) cmdLog(target string) string {
	if _, ok := s.store.Get(target); !ok {
		return "Invalid target"
	}

	return fmt.Sprintf("%s: no log tailing implemented", target)
}

// cmdReload re-derives the configuration and restarts only the workers
// whose derived MirrorConfig changed. force=true restarts every worker
// regardless of whether its configuration changed.
func (s *Supervisor) cmdReload(ctx context.Context, kwargs map[string]any) string {
	settings, err := config.Load(s.configPath)
	if err != nil {
		return fmt.Sprintf("reload failed: %v", err)
	}

	mirrors, err := config.DeriveAll(settings)
	if err != nil {
		return fmt.Sprintf("reload failed: %v", err)
	}

	force, _ := kwargs["force"].(bool)

	s.settings = settings
	s.mirrors = mirrors

	for name, mc := range mirrors {
		rw, exists := s.workers[name]
		if !exists {
			s.startWorker(ctx, mc)

			continue
		}

		if force || !rw.cfg.Equal(mc) {
			rw.w.Inbound() <- event.WorkerCmdTerminate
			rw.cancel()
			delete(s.workers, name)
			s.startWorker(ctx, mc)
		}
	}

	for name, rw := range s.workers {
		if _, stillConfigured := mirrors[name]; !stillConfigured {
			rw.w.Inbound() <- event.WorkerCmdTerminate
			rw.cancel()
			delete(s.workers, name)
		}
	}

	upstreams := make(map[string]string, len(mirrors))
	for name, mc := range mirrors {
		upstreams[name] = mc.UpstreamURL
	}
	s.store.Reconcile(upstreams)

	return "reloaded"
}

func (s *Supervisor) startWorker(ctx context.Context, mc config.MirrorConfig) {
	p := buildProvider(mc, s.log)

	wctx, cancel := context.WithCancel(ctx)
	w := worker.New(p, s.sema, s.events, mc.MaxRetry, s.log)

	s.workers[mc.Name] = &runningWorker{w: w, cancel: cancel, cfg: mc}

	go w.Run(wctx)
}

func (s *Supervisor) stopAll() {
	for name, rw := range s.workers {
		rw.cancel()
		delete(s.workers, name)
	}
}

// buildProvider constructs the transfer strategy and hook chain for a
// derived mirror.
func buildProvider(mc config.MirrorConfig, log *slog.Logger) provider.Provider {
	chain := buildHooks(mc, log)

	switch mc.Provider {
	case config.ProviderTwoStageRsync:
		p, err := provider.NewTwoStageRsync(provider.TwoStageRsyncConfig{
			RsyncConfig:   rsyncConfig(mc, chain),
			Stage1Profile: mc.Stage1Profile,
		})
		if err != nil {
			log.Error("invalid stage1 profile, falling back to single-stage rsync", "mirror", mc.Name, "error", err)

			return provider.NewRsync(rsyncConfig(mc, chain))
		}

		return p

	case config.ProviderShell:
		return provider.NewShell(provider.ShellConfig{
			Name:        mc.Name,
			Command:     mc.Command,
			UpstreamURL: mc.UpstreamURL,
			LocalDir:    mc.LocalDir,
			LogDir:      mc.LogDir,
			LogFileTmpl: mc.LogFileTmpl,
			Interval:    time.Duration(mc.IntervalMin) * time.Minute,
			Delay:       time.Duration(mc.DelaySec) * time.Second,
			LogStdout:   mc.LogStdout,
			Hooks:       chain,
		})

	default:
		return provider.NewRsync(rsyncConfig(mc, chain))
	}
}

func rsyncConfig(mc config.MirrorConfig, chain []hooks.Hook) provider.RsyncConfig {
	return provider.RsyncConfig{
		Name:        mc.Name,
		UpstreamURL: mc.UpstreamURL,
		LocalDir:    mc.LocalDir,
		LogDir:      mc.LogDir,
		LogFileTmpl: mc.LogFileTmpl,
		Interval:    time.Duration(mc.IntervalMin) * time.Minute,
		Delay:       time.Duration(mc.DelaySec) * time.Second,
		UseIPv6:     mc.UseIPv6,
		ExcludeFile: mc.ExcludeFile,
		Password:    mc.Password,
		Hooks:       chain,
	}
}

// buildHooks assembles the hook chain for a mirror in a fixed order:
// snapshot management first (outermost), then log rotation.
func buildHooks(mc config.MirrorConfig, log *slog.Logger) []hooks.Hook {
	chain := make([]hooks.Hook, 0, 2)

	if mc.UseSnapshot {
		chain = append(chain, &hooks.SnapshotHook{
			ServiceDirTmpl: mc.ServiceDirTmpl,
			WorkingDirTmpl: mc.WorkingDirTmpl,
			GCDirTmpl:      mc.GCDirTmpl,
			Log:            log.With("mirror", mc.Name, "hook", "snapshot"),
		})
	}

	chain = append(chain, &hooks.LogRotateHook{Limit: 0})

	return chain
}

// NewLogger builds the daemon's slog.Logger, selecting between a colorized
// handler for terminals and a JSON handler for log aggregators.
func NewLogger(jsonOutput bool, level slog.Level) *slog.Logger {
	var h slog.Handler

	if jsonOutput {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		h = newTintHandler(os.Stderr, level)
	}

	return slog.New(h)
}
