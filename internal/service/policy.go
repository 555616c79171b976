package service

import (
	"syscall"
	"time"

	"fleetvisor/internal/config"
	"fleetvisor/internal/models"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const budgetExhausted = "restart budget exhausted"

// newBackoffFactory builds per-slot backoff generators from the restart
// settings. Jitter is off unless configured.
func newBackoffFactory(cfg config.RestartConfig) func() *backoff.ExponentialBackOff {
	return func() *backoff.ExponentialBackOff {
		b := &backoff.ExponentialBackOff{
			InitialInterval:     cfg.BackoffBase,
			RandomizationFactor: cfg.Jitter,
			Multiplier:          cfg.Multiplier,
			MaxInterval:         cfg.BackoffMax,
		}
		b.Reset()
		return b
	}
}

func (s *Supervisor) restartCeiling(spec models.WorkerSpec) int {
	if spec.MaxRestarts > 0 {
		return spec.MaxRestarts
	}
	return s.cfg.Restart.MaxRestarts
}

func (s *Supervisor) gracePeriod(spec models.WorkerSpec) time.Duration {
	if spec.KillTimeout > 0 {
		return spec.KillTimeout
	}
	return s.cfg.Stop.GracePeriod
}

func stopSignal(spec models.WorkerSpec) syscall.Signal {
	if sig, ok := signalsByName[spec.StopSignal]; ok {
		return sig
	}
	return syscall.SIGTERM
}

// monitor waits for one launched process and feeds its exit to the policy.
func (s *Supervisor) monitor(w *Worker, index int, gen uint64, proc *Process) {
	defer s.wg.Done()
	<-proc.Done()
	s.handleExit(w, index, gen, proc.Exit())
}

// handleExit records an exit and decides what happens to the slot next.
func (s *Supervisor) handleExit(w *Worker, index int, gen uint64, status ExitStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot := w.Slots[index]
	if slot.gen != gen {
		return
	}
	defer close(slot.exited)

	inst := &slot.Instance
	uptime := status.ExitedAt.Sub(inst.StartedAt)
	code := status.Code
	exitedAt := status.ExitedAt
	slot.proc = nil
	inst.Pid = 0
	inst.ExitCode = &code
	inst.ExitedAt = &exitedAt
	inst.Signal = status.Signal
	if status.Err != nil {
		inst.LastError = status.Err.Error()
	}

	logger := s.logger.With(
		zap.String("worker", w.Spec.Name),
		zap.Int("instance", index),
		zap.Int("exit_code", code),
		zap.String("signal", status.Signal),
		zap.Duration("uptime", uptime),
	)

	if slot.stopRequested {
		s.transition(w, index, models.StateStopped)
		w.archive(index)
		logger.Info("worker stopped")
		return
	}

	outcome := models.StateExited
	if status.Crashed() {
		outcome = models.StateCrashed
	}
	s.transition(w, index, outcome)
	w.archive(index)

	if !w.Spec.AutoRestart {
		logger.Info("worker exited without auto restart")
		s.transition(w, index, models.StateStopped)
		return
	}

	if ceiling := s.restartCeiling(w.Spec); ceiling > 0 && slot.lineageRestarts >= ceiling {
		inst.LastError = budgetExhausted
		logger.Error(budgetExhausted,
			zap.Int("restart_count", inst.RestartCount),
			zap.Int("lineage_restarts", slot.lineageRestarts),
			zap.Int("max_restarts", ceiling),
		)
		s.transition(w, index, models.StateFailed)
		return
	}

	if uptime >= s.cfg.Restart.StableAfter {
		slot.backoff.Reset()
	}
	delay := slot.backoff.NextBackOff()
	inst.RestartCount++
	slot.lineageRestarts++
	s.transition(w, index, models.StateRestarting, zap.Duration("backoff", delay))
	logger.Warn("scheduling restart",
		zap.String("outcome", string(outcome)),
		zap.Int("restart_count", inst.RestartCount),
		zap.Duration("backoff", delay),
	)
	s.metrics.observeRestart(w.Spec.Name, delay)

	slot.timer = time.AfterFunc(delay, func() {
		s.relaunch(w, index, gen)
	})
}

// relaunch fires when a backoff timer expires. Timers from an earlier
// generation, or for a slot that was stopped meanwhile, do nothing.
func (s *Supervisor) relaunch(w *Worker, index int, gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot := w.Slots[index]
	if slot.gen != gen || slot.stopRequested || slot.Instance.State != models.StateRestarting || s.closing.Load() {
		return
	}
	slot.timer = nil
	s.metrics.clearBackoff(w.Spec.Name)
	_ = s.launchLocked(w, index)
}

// transition applies a state change and logs it. Must be called with w.mu
// held. A rejected transition is logged, not returned.
func (s *Supervisor) transition(w *Worker, index int, to models.State, fields ...zap.Field) {
	from, err := w.transition(index, to)
	if err != nil {
		s.logger.Error("rejected state transition", zap.Error(err))
		return
	}
	s.metrics.observeTransition(w.Spec.Name, index, from, to)

	inst := w.Slots[index].Instance
	s.logger.Info("state transition", append([]zap.Field{
		zap.String("worker", w.Spec.Name),
		zap.Int("instance", index),
		zap.String("id", inst.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("restart_count", inst.RestartCount),
	}, fields...)...)
}
