package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"fleetvisor/internal/config"
	"fleetvisor/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// fleetParallelism bounds concurrent stops and restarts in fleet operations.
const fleetParallelism = 8

// killWait bounds how long a stop waits for the kernel to reap a SIGKILLed child.
const killWait = 5 * time.Second

// Supervisor owns the fleet: it launches workers, applies the restart policy
// to their exits and serves control requests.
type Supervisor struct {
	cfg      *config.Config
	registry *Registry
	logs     *LogMux
	metrics  *Metrics
	logger   *zap.Logger
	baseEnv  map[string]string

	wg      sync.WaitGroup
	closing atomic.Bool
}

// New registers every worker of the manifest. Nothing is started.
func New(cfg *config.Config, manifest *config.Manifest, logger *zap.Logger, metrics *Metrics) (*Supervisor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	s := &Supervisor{
		cfg:      cfg,
		registry: NewRegistry(cfg.Logs.HistorySize, newBackoffFactory(cfg.Restart)),
		logs:     NewLogMux(cfg.Logs, logger, metrics),
		metrics:  metrics,
		logger:   logger.Named("supervisor"),
		baseEnv:  manifest.Env,
	}

	for _, spec := range manifest.Workers {
		if err := s.registry.Register(spec); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Registry exposes the process registry.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Metrics exposes the supervisor's collectors.
func (s *Supervisor) Metrics() *Metrics { return s.metrics }

// Names returns worker names in manifest order.
func (s *Supervisor) Names() []string { return s.registry.Names() }

// Closing reports whether Shutdown has begun.
func (s *Supervisor) Closing() bool { return s.closing.Load() }

// launchLocked starts a fresh attempt in one slot. Must be called with w.mu
// held and the slot inactive.
func (s *Supervisor) launchLocked(w *Worker, index int) error {
	if s.closing.Load() {
		return errors.New("supervisor is shutting down")
	}

	slot := w.Slots[index]
	w.beginAttempt(index)
	s.transition(w, index, models.StateStarting)

	proc, err := Spawn(w.Spec, index, s.baseEnv)
	if err != nil {
		now := time.Now()
		slot.Instance.ExitedAt = &now
		slot.Instance.LastError = err.Error()
		s.transition(w, index, models.StateFailed)
		w.archive(index)

		kind := StartFailed
		var spawnErr *SpawnError
		if errors.As(err, &spawnErr) {
			kind = spawnErr.Kind
		}
		s.metrics.observeSpawnFailure(w.Spec.Name, kind)
		s.logger.Error("failed to launch worker",
			zap.String("worker", w.Spec.Name),
			zap.Int("instance", index),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return err
	}

	slot.gen++
	slot.proc = proc
	slot.exited = make(chan struct{})
	slot.Instance.Pid = proc.Pid
	slot.Instance.StartedAt = proc.StartedAt
	s.transition(w, index, models.StateRunning)
	slot.logsDone = s.logs.Attach(w.Spec.Name, index, w.Spec.TimestampLogs, proc.Stdout, proc.Stderr)

	s.logger.Info("worker started",
		zap.String("worker", w.Spec.Name),
		zap.Int("instance", index),
		zap.Int("pid", proc.Pid),
		zap.String("id", slot.Instance.ID),
		zap.Int("restart_count", slot.Instance.RestartCount),
	)

	s.wg.Add(1)
	go s.monitor(w, index, slot.gen, proc)
	return nil
}

// Start launches every inactive instance of a worker. It fails with
// AlreadyRunning only when every instance is already active.
func (s *Supervisor) Start(name string) error {
	w, err := s.registry.lookup(name)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return s.startLocked(w)
}

// startLocked begins a fresh lineage in every inactive slot. Must be called
// with w.mu held.
func (s *Supervisor) startLocked(w *Worker) error {
	if w.allActive() {
		return &ControlError{Kind: AlreadyRunning, Worker: w.Spec.Name}
	}

	var firstErr error
	for index, slot := range w.Slots {
		slot.stopRequested = false
		if slot.Instance.State.IsActive() {
			continue
		}
		slot.backoff.Reset()
		slot.lineageRestarts = 0
		if err := s.launchLocked(w, index); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type stopWait struct {
	index  int
	proc   *Process
	exited chan struct{}
}

// Stop stops every instance of a worker: pending restarts are cancelled, the
// stop signal goes to each process group, and instances still alive after
// the grace period are killed. No automatic restart happens afterwards until
// an explicit start.
func (s *Supervisor) Stop(name string) error {
	w, err := s.registry.lookup(name)
	if err != nil {
		return err
	}
	return s.stop(w, true)
}

// stop holds every slot of w down and waits for live processes to exit.
// Operator stops hold the worker down and bump its stop epoch even when
// nothing is running, so an in-flight watch restart does not bring it back.
func (s *Supervisor) stop(w *Worker, operator bool) error {
	name := w.Spec.Name

	w.mu.Lock()
	if operator {
		w.stopEpoch++
		for _, slot := range w.Slots {
			slot.stopRequested = true
		}
	}
	if !w.anyActive() {
		w.mu.Unlock()
		return &ControlError{Kind: AlreadyStopped, Worker: name}
	}

	sig := stopSignal(w.Spec)
	grace := s.gracePeriod(w.Spec)
	var waits []stopWait
	for index, slot := range w.Slots {
		slot.stopRequested = true
		if slot.timer != nil {
			slot.timer.Stop()
			slot.timer = nil
		}

		switch slot.Instance.State {
		case models.StateRestarting:
			s.transition(w, index, models.StateStopped)
			s.metrics.clearBackoff(name)
		case models.StateRunning:
			if err := slot.proc.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Warn("failed to signal worker",
					zap.String("worker", name),
					zap.Int("instance", index),
					zap.Error(err),
				)
			}
			waits = append(waits, stopWait{index: index, proc: slot.proc, exited: slot.exited})
		}
	}
	w.mu.Unlock()

	s.logger.Info("stopping worker",
		zap.String("worker", name),
		zap.String("signal", SignalName(sig)),
		zap.Duration("grace_period", grace),
		zap.Int("instances", len(waits)),
	)

	deadline := time.Now().Add(grace)
	for _, wt := range waits {
		if waitClosed(wt.exited, time.Until(deadline)) {
			continue
		}

		s.logger.Warn("worker did not stop in time, killing",
			zap.String("worker", name),
			zap.Int("instance", wt.index),
			zap.Int("pid", wt.proc.Pid),
		)
		if err := wt.proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Error("failed to kill worker", zap.String("worker", name), zap.Error(err))
		}
		if !waitClosed(wt.exited, killWait) {
			return fmt.Errorf("worker %s[%d] did not exit after SIGKILL", name, wt.index)
		}
	}
	return nil
}

// waitClosed reports whether ch closed within d.
func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ch:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// Restart stops the worker if it is active and starts it again with a
// fresh backoff.
func (s *Supervisor) Restart(name string) error {
	if err := s.Stop(name); err != nil && !errors.Is(err, ErrAlreadyStopped) {
		return err
	}
	return s.Start(name)
}

// StartAll starts every worker in manifest order.
func (s *Supervisor) StartAll() []models.Result {
	names := s.registry.Names()
	results := make([]models.Result, len(names))
	for i, name := range names {
		results[i] = resultFor(name, s.Start(name))
	}
	return results
}

// StartAutostart starts the workers marked for start at boot.
func (s *Supervisor) StartAutostart() []models.Result {
	var results []models.Result
	for _, name := range s.registry.Names() {
		spec, _ := s.registry.Spec(name)
		if !spec.AutoStart {
			continue
		}
		results = append(results, resultFor(name, s.Start(name)))
	}
	return results
}

// StopAll stops every worker concurrently.
func (s *Supervisor) StopAll() []models.Result {
	return s.fleet(s.Stop)
}

// RestartAll restarts every worker concurrently.
func (s *Supervisor) RestartAll() []models.Result {
	return s.fleet(s.Restart)
}

func (s *Supervisor) fleet(op func(string) error) []models.Result {
	names := s.registry.Names()
	results := make([]models.Result, len(names))

	var g errgroup.Group
	g.SetLimit(fleetParallelism)
	for i, name := range names {
		g.Go(func() error {
			results[i] = resultFor(name, op(name))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func resultFor(name string, err error) models.Result {
	if err == nil {
		return models.Result{Worker: name, OK: true}
	}
	return models.Result{Worker: name, OK: false, Kind: ErrorKind(err), Error: err.Error()}
}

// ErrorKind names the kind of a control, spawn or manifest error, or returns
// an empty string for anything else.
func ErrorKind(err error) string {
	var ctrl *ControlError
	if errors.As(err, &ctrl) {
		return string(ctrl.Kind)
	}
	var spawn *SpawnError
	if errors.As(err, &spawn) {
		return string(spawn.Kind)
	}
	var load *config.LoadError
	if errors.As(err, &load) {
		return string(load.Kind)
	}
	return ""
}

// ListWorkers returns a snapshot of every instance with live resource usage.
func (s *Supervisor) ListWorkers() []models.WorkerStatus {
	instances := s.registry.ListAll()
	now := time.Now()

	out := make([]models.WorkerStatus, len(instances))
	for i, inst := range instances {
		out[i] = s.describe(inst, now)
	}
	return out
}

// GetWorker returns the instances of one worker with live resource usage.
func (s *Supervisor) GetWorker(name string) ([]models.WorkerStatus, error) {
	instances, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]models.WorkerStatus, len(instances))
	for i, inst := range instances {
		out[i] = s.describe(inst, now)
	}
	return out, nil
}

func (s *Supervisor) describe(inst models.ProcessInstance, now time.Time) models.WorkerStatus {
	status := models.WorkerStatus{ProcessInstance: inst, Uptime: "N/A"}
	if inst.State != models.StateRunning || inst.Pid <= 0 {
		return status
	}
	status.Uptime = FormatDuration(inst.Uptime(now))
	rss, cpu, err := sampleProcess(inst.Pid)
	if err != nil {
		s.logger.Debug("failed to sample worker", zap.String("worker", inst.Worker), zap.Int("pid", inst.Pid), zap.Error(err))
		return status
	}
	status.Memory = rss
	status.CPU = cpu
	return status
}

// Logs returns up to n of the newest buffered lines of a worker. An empty
// name means every worker.
func (s *Supervisor) Logs(name string, n int) ([]models.LogLine, error) {
	if name != "" {
		if _, err := s.registry.lookup(name); err != nil {
			return nil, err
		}
	}
	return s.logs.Tail(name, n), nil
}

// Subscribe streams new output lines of a worker (or of every worker when
// name is empty) until ctx is done.
func (s *Supervisor) Subscribe(ctx context.Context, name string) (<-chan models.LogLine, error) {
	if name != "" {
		if _, err := s.registry.lookup(name); err != nil {
			return nil, err
		}
	}
	return s.logs.Subscribe(ctx, name), nil
}

// History returns the archived attempts of a worker.
func (s *Supervisor) History(name string) ([]models.ProcessInstance, error) {
	return s.registry.History(name)
}

// Prune drops the archived attempts of a worker.
func (s *Supervisor) Prune(name string) (int, error) {
	removed, err := s.registry.Prune(name)
	if err != nil {
		return 0, err
	}
	s.logger.Info("pruned worker history", zap.String("worker", name), zap.Int("removed", removed))
	return removed, nil
}

// OnFileChanged handles a debounced filesystem change for a watch-mode
// worker. Workers an operator stopped are left alone, including when the
// operator stop lands while the restart is under way.
func (s *Supervisor) OnFileChanged(name string) {
	w, err := s.registry.lookup(name)
	if err != nil || !w.Spec.WatchFilesystem {
		return
	}

	w.mu.Lock()
	held := false
	for _, slot := range w.Slots {
		if slot.stopRequested {
			held = true
			break
		}
	}
	epoch := w.stopEpoch
	w.mu.Unlock()
	if held || s.closing.Load() {
		return
	}

	s.logger.Info("file change detected, restarting worker", zap.String("worker", name))
	if err := s.stop(w, false); err != nil && !errors.Is(err, ErrAlreadyStopped) {
		s.logger.Error("watch restart failed", zap.String("worker", name), zap.Error(err))
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopEpoch != epoch {
		s.logger.Info("worker stopped during watch restart, not relaunching", zap.String("worker", name))
		return
	}
	if err := s.startLocked(w); err != nil {
		s.logger.Error("watch restart failed", zap.String("worker", name), zap.Error(err))
	}
}

// Shutdown stops the fleet, waits for exit monitors and output drains, and
// closes the log sinks.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	results := s.StopAll()
	for _, r := range results {
		if !r.OK && r.Kind != string(AlreadyStopped) {
			s.logger.Warn("worker did not stop cleanly", zap.String("worker", r.Worker), zap.String("error", r.Error))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.waitLogDrain()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		_ = s.logs.Close()
		return ctx.Err()
	}
	return s.logs.Close()
}

func (s *Supervisor) waitLogDrain() {
	var pending []<-chan struct{}
	for _, name := range s.registry.Names() {
		_ = s.registry.Mutate(name, func(w *Worker) error {
			for _, slot := range w.Slots {
				if slot.logsDone != nil {
					pending = append(pending, slot.logsDone)
				}
			}
			return nil
		})
	}
	for _, ch := range pending {
		<-ch
	}
}
