package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetvisor/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartStop(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t), nil, shellWorker("sleeper", "exec sleep 30"))

	require.NoError(t, s.Start("sleeper"))
	inst := instance(t, s, "sleeper", 0)
	assert.Equal(t, models.StateRunning, inst.State)
	assert.Greater(t, inst.Pid, 0)
	assert.NotEmpty(t, inst.ID)

	err := s.Start("sleeper")
	assert.True(t, errors.Is(err, ErrAlreadyRunning), "got %v", err)

	require.NoError(t, s.Stop("sleeper"))
	inst = instance(t, s, "sleeper", 0)
	assert.Equal(t, models.StateStopped, inst.State)
	assert.Zero(t, inst.Pid)
	assert.Equal(t, "SIGTERM", inst.Signal)

	err = s.Stop("sleeper")
	assert.True(t, errors.Is(err, ErrAlreadyStopped), "got %v", err)
}

func TestUnknownWorker(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t), nil, shellWorker("known", "exit 0"))

	for name, op := range map[string]func() error{
		"start":   func() error { return s.Start("ghost") },
		"stop":    func() error { return s.Stop("ghost") },
		"restart": func() error { return s.Restart("ghost") },
		"logs":    func() error { _, err := s.Logs("ghost", 10); return err },
		"prune":   func() error { _, err := s.Prune("ghost"); return err },
	} {
		t.Run(name, func(t *testing.T) {
			err := op()
			assert.True(t, errors.Is(err, ErrUnknownWorker), "got %v", err)
			assert.Equal(t, string(UnknownWorker), ErrorKind(err))
		})
	}
}

func TestCrashLoopRestarts(t *testing.T) {
	spec := shellWorker("crasher", "exit 1")
	spec.AutoRestart = true
	s := newTestSupervisor(t, testConfig(t), nil, spec)

	require.NoError(t, s.Start("crasher"))
	firstID := instance(t, s, "crasher", 0).ID

	require.Eventually(t, func() bool {
		return instance(t, s, "crasher", 0).RestartCount >= 3
	}, waitFor, tick)

	inst := instance(t, s, "crasher", 0)
	assert.NotEqual(t, firstID, inst.ID, "each relaunch is a new instance")

	history, err := s.History("crasher")
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(history), 3)
	assert.Equal(t, models.StateCrashed, history[0].State)
	require.NotNil(t, history[0].ExitCode)
	assert.Equal(t, 1, *history[0].ExitCode)
	for i := 1; i < len(history); i++ {
		assert.Equal(t, history[i-1].RestartCount+1, history[i].RestartCount)
	}
}

func TestAutoRestartDisabledStops(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t), nil, shellWorker("oneshot", "exit 3"))

	require.NoError(t, s.Start("oneshot"))
	require.Eventually(t, func() bool {
		return stateOf(s, "oneshot", 0) == models.StateStopped
	}, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	inst := instance(t, s, "oneshot", 0)
	assert.Equal(t, models.StateStopped, inst.State)
	assert.Zero(t, inst.RestartCount)
	require.NotNil(t, inst.ExitCode)
	assert.Equal(t, 3, *inst.ExitCode)
}

func TestStopCancelsPendingRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.Restart.BackoffBase = 2 * time.Second
	cfg.Restart.BackoffMax = 4 * time.Second

	spec := shellWorker("flaky", "exit 1")
	spec.AutoRestart = true
	s := newTestSupervisor(t, cfg, nil, spec)

	require.NoError(t, s.Start("flaky"))
	require.Eventually(t, func() bool {
		return stateOf(s, "flaky", 0) == models.StateRestarting
	}, waitFor, tick)

	require.NoError(t, s.Stop("flaky"))
	assert.Equal(t, models.StateStopped, stateOf(s, "flaky", 0))

	time.Sleep(2500 * time.Millisecond)
	inst := instance(t, s, "flaky", 0)
	assert.Equal(t, models.StateStopped, inst.State)
	assert.Equal(t, 1, inst.RestartCount)

	// An explicit start resumes the lineage.
	require.NoError(t, s.Start("flaky"))
	require.Eventually(t, func() bool {
		return instance(t, s, "flaky", 0).RestartCount >= 2
	}, waitFor, tick)
}

func TestStopEscalatesToKill(t *testing.T) {
	cfg := testConfig(t)
	spec := shellWorker("stubborn", `trap '' TERM; echo ready; while :; do sleep 0.1; done`)
	spec.AutoRestart = true
	s := newTestSupervisor(t, cfg, nil, spec)

	require.NoError(t, s.Start("stubborn"))
	require.Eventually(t, func() bool { return hasLine(s, "stubborn", "ready") }, waitFor, tick)

	began := time.Now()
	require.NoError(t, s.Stop("stubborn"))
	assert.GreaterOrEqual(t, time.Since(began), cfg.Stop.GracePeriod)

	inst := instance(t, s, "stubborn", 0)
	assert.Equal(t, models.StateStopped, inst.State)
	assert.Equal(t, "SIGKILL", inst.Signal)
	assert.Zero(t, inst.RestartCount)
}

func TestKillTimeoutOverridesGracePeriod(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stop.GracePeriod = 10 * time.Second

	spec := shellWorker("stubborn", `trap '' TERM; echo ready; while :; do sleep 0.1; done`)
	spec.KillTimeout = 100 * time.Millisecond
	s := newTestSupervisor(t, cfg, nil, spec)

	require.NoError(t, s.Start("stubborn"))
	require.Eventually(t, func() bool { return hasLine(s, "stubborn", "ready") }, waitFor, tick)

	began := time.Now()
	require.NoError(t, s.Stop("stubborn"))
	assert.Less(t, time.Since(began), 5*time.Second)
	assert.Equal(t, "SIGKILL", instance(t, s, "stubborn", 0).Signal)
}

func TestCustomStopSignal(t *testing.T) {
	spec := shellWorker("graceful", `trap 'echo bye; exit 0' INT; echo ready; while :; do sleep 0.1; done`)
	spec.StopSignal = "SIGINT"
	s := newTestSupervisor(t, testConfig(t), nil, spec)

	require.NoError(t, s.Start("graceful"))
	require.Eventually(t, func() bool { return hasLine(s, "graceful", "ready") }, waitFor, tick)

	require.NoError(t, s.Stop("graceful"))
	assert.Equal(t, models.StateStopped, stateOf(s, "graceful", 0))
	assert.Eventually(t, func() bool { return hasLine(s, "graceful", "bye") }, waitFor, tick)
}

func TestRestartBudgetExhausted(t *testing.T) {
	spec := shellWorker("doomed", "exit 2")
	spec.AutoRestart = true
	spec.MaxRestarts = 2
	s := newTestSupervisor(t, testConfig(t), nil, spec)

	require.NoError(t, s.Start("doomed"))
	require.Eventually(t, func() bool {
		return stateOf(s, "doomed", 0) == models.StateFailed
	}, waitFor, tick)

	inst := instance(t, s, "doomed", 0)
	assert.Equal(t, 2, inst.RestartCount)
	assert.Equal(t, budgetExhausted, inst.LastError)

	// Failed is not active, so Stop reports the worker as stopped and
	// Restart brings it back.
	assert.True(t, errors.Is(s.Stop("doomed"), ErrAlreadyStopped))
	require.NoError(t, s.Restart("doomed"))
}

func TestExplicitStartRenewsRestartBudget(t *testing.T) {
	spec := shellWorker("doomed", "exit 2")
	spec.AutoRestart = true
	spec.MaxRestarts = 2
	s := newTestSupervisor(t, testConfig(t), nil, spec)

	require.NoError(t, s.Start("doomed"))
	require.Eventually(t, func() bool {
		return stateOf(s, "doomed", 0) == models.StateFailed
	}, waitFor, tick)
	assert.Equal(t, 2, instance(t, s, "doomed", 0).RestartCount)

	require.NoError(t, s.Start("doomed"))
	require.Eventually(t, func() bool {
		inst := instance(t, s, "doomed", 0)
		return inst.State == models.StateFailed && inst.RestartCount == 4
	}, waitFor, tick)
	assert.Equal(t, budgetExhausted, instance(t, s, "doomed", 0).LastError)
}

func TestSnapshotCountsEveryInstance(t *testing.T) {
	web := shellWorker("web", "exec sleep 30")
	web.Instances = 3
	queue := shellWorker("queue", "exec sleep 30")
	queue.Instances = 2
	s := newTestSupervisor(t, testConfig(t), nil, web, queue)

	listing := s.ListWorkers()
	require.Len(t, listing, 5)
	for _, w := range listing {
		assert.True(t, w.State.IsValid())
		assert.Equal(t, models.StateStopped, w.State)
		assert.Equal(t, "N/A", w.Uptime)
	}

	results := s.StartAll()
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.OK, r.Error)
	}

	listing = s.ListWorkers()
	require.Len(t, listing, 5)
	assert.Equal(t, "web", listing[0].Worker)
	assert.Equal(t, 2, listing[2].Index)
	assert.Equal(t, "queue", listing[3].Worker)
	for _, w := range listing {
		assert.Equal(t, models.StateRunning, w.State)
		assert.Greater(t, w.Pid, 0)
	}

	results = s.StopAll()
	for _, r := range results {
		assert.True(t, r.OK, r.Error)
	}
	results = s.StopAll()
	for _, r := range results {
		assert.False(t, r.OK)
		assert.Equal(t, string(AlreadyStopped), r.Kind)
	}
}

func TestStartAutostartSkipsManualWorkers(t *testing.T) {
	manual := shellWorker("manual", "exec sleep 30")
	manual.AutoStart = false
	s := newTestSupervisor(t, testConfig(t), nil, shellWorker("auto", "exec sleep 30"), manual)

	results := s.StartAutostart()
	require.Len(t, results, 1)
	assert.Equal(t, "auto", results[0].Worker)
	assert.Equal(t, models.StateRunning, stateOf(s, "auto", 0))
	assert.Equal(t, models.StateStopped, stateOf(s, "manual", 0))
}

func TestRestartAll(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t), nil,
		shellWorker("a", "exec sleep 30"),
		shellWorker("b", "exec sleep 30"),
	)
	require.NoError(t, s.Start("a"))
	before := instance(t, s, "a", 0).ID

	results := s.RestartAll()
	for _, r := range results {
		assert.True(t, r.OK, r.Error)
	}
	assert.NotEqual(t, before, instance(t, s, "a", 0).ID)
	assert.Equal(t, models.StateRunning, stateOf(s, "b", 0))
}

func TestSpawnFailure(t *testing.T) {
	spec := models.WorkerSpec{Name: "ghost", Command: "/nonexistent/fleetvisor-worker", Instances: 1}
	s := newTestSupervisor(t, testConfig(t), nil, spec)

	err := s.Start("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExecutableNotFound), "got %v", err)
	assert.True(t, errors.Is(err, ErrSpawn))
	assert.Equal(t, string(ExecutableNotFound), ErrorKind(err))

	inst := instance(t, s, "ghost", 0)
	assert.Equal(t, models.StateFailed, inst.State)
	assert.NotEmpty(t, inst.LastError)
}

func TestEnvironmentReachesWorker(t *testing.T) {
	spec := shellWorker("envcheck", `echo "$FLEETVISOR_WORKER:$FLEETVISOR_INSTANCE:$BASE:$OVERRIDE"`)
	spec.Environment = map[string]string{"OVERRIDE": "spec"}
	s := newTestSupervisor(t, testConfig(t), map[string]string{"BASE": "b", "OVERRIDE": "base"}, spec)

	require.NoError(t, s.Start("envcheck"))
	assert.Eventually(t, func() bool { return hasLine(s, "envcheck", "envcheck:0:b:spec") }, waitFor, tick)
}

func TestLogTimestamps(t *testing.T) {
	stamped := shellWorker("stamped", "echo out; echo err >&2")
	stamped.TimestampLogs = true
	s := newTestSupervisor(t, testConfig(t), nil, stamped, shellWorker("plain", "echo out"))

	require.NoError(t, s.Start("stamped"))
	require.NoError(t, s.Start("plain"))

	require.Eventually(t, func() bool {
		lines, _ := s.Logs("stamped", 10)
		return len(lines) == 2
	}, waitFor, tick)
	require.Eventually(t, func() bool { return hasLine(s, "plain", "out") }, waitFor, tick)

	lines, err := s.Logs("stamped", 10)
	require.NoError(t, err)
	streams := map[models.Stream]string{}
	for _, l := range lines {
		assert.NotNil(t, l.Timestamp)
		streams[l.Stream] = l.Text
	}
	assert.Equal(t, "out", streams[models.StreamStdout])
	assert.Equal(t, "err", streams[models.StreamStderr])

	plain, err := s.Logs("plain", 10)
	require.NoError(t, err)
	require.Len(t, plain, 1)
	assert.Nil(t, plain[0].Timestamp)
}

func TestSubscribeReceivesNewLines(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t), nil, shellWorker("talker", "echo one; echo two"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lines, err := s.Subscribe(ctx, "talker")
	require.NoError(t, err)

	require.NoError(t, s.Start("talker"))

	var got []string
	timeout := time.After(waitFor)
	for len(got) < 2 {
		select {
		case l := <-lines:
			got = append(got, l.Text)
		case <-timeout:
			t.Fatalf("received %v before timeout", got)
		}
	}
	assert.Equal(t, []string{"one", "two"}, got)

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-lines
		return !open
	}, waitFor, tick)
}

func TestPruneHistory(t *testing.T) {
	s := newTestSupervisor(t, testConfig(t), nil, shellWorker("brief", "exit 0"))

	require.NoError(t, s.Start("brief"))
	require.Eventually(t, func() bool { return stateOf(s, "brief", 0) == models.StateStopped }, waitFor, tick)
	require.NoError(t, s.Start("brief"))
	require.Eventually(t, func() bool { return stateOf(s, "brief", 0) == models.StateStopped }, waitFor, tick)

	history, err := s.History("brief")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Equal(t, models.StateExited, history[0].State)

	removed, err := s.Prune("brief")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	history, err = s.History("brief")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestFileChangedRestartsWatchWorker(t *testing.T) {
	watched := shellWorker("watched", "exec sleep 30")
	watched.WatchFilesystem = true
	held := shellWorker("held", "exec sleep 30")
	held.WatchFilesystem = true
	s := newTestSupervisor(t, testConfig(t), nil, watched, held)

	require.NoError(t, s.Start("watched"))
	before := instance(t, s, "watched", 0).ID

	s.OnFileChanged("watched")
	after := instance(t, s, "watched", 0)
	assert.NotEqual(t, before, after.ID)
	assert.Equal(t, models.StateRunning, after.State)

	// Never started counts as held down.
	s.OnFileChanged("held")
	assert.Equal(t, models.StateStopped, stateOf(s, "held", 0))

	require.NoError(t, s.Stop("watched"))
	s.OnFileChanged("watched")
	assert.Equal(t, models.StateStopped, stateOf(s, "watched", 0))
}

func TestOperatorStopDuringWatchRestartWins(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stop.GracePeriod = 800 * time.Millisecond
	spec := shellWorker("stubborn", `trap '' TERM; echo ready; while :; do sleep 0.1; done`)
	spec.WatchFilesystem = true
	spec.AutoRestart = true
	s := newTestSupervisor(t, cfg, nil, spec)

	require.NoError(t, s.Start("stubborn"))
	require.Eventually(t, func() bool { return hasLine(s, "stubborn", "ready") }, waitFor, tick)

	restarted := make(chan struct{})
	go func() {
		s.OnFileChanged("stubborn")
		close(restarted)
	}()

	// Wait until the watch restart has signalled the worker and is inside
	// its grace period.
	require.Eventually(t, func() bool {
		held := false
		_ = s.Registry().Mutate("stubborn", func(w *Worker) error {
			held = w.Slots[0].stopRequested && w.Slots[0].Instance.State == models.StateRunning
			return nil
		})
		return held
	}, waitFor, tick)

	require.NoError(t, s.Stop("stubborn"))
	select {
	case <-restarted:
	case <-time.After(waitFor):
		t.Fatal("watch restart did not return")
	}

	assert.Equal(t, models.StateStopped, stateOf(s, "stubborn", 0))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, models.StateStopped, stateOf(s, "stubborn", 0))
	assert.Zero(t, instance(t, s, "stubborn", 0).RestartCount)
}

func TestStopOfStoppedWorkerStillHoldsWatchRestart(t *testing.T) {
	spec := shellWorker("watched", "exit 0")
	spec.WatchFilesystem = true
	s := newTestSupervisor(t, testConfig(t), nil, spec)

	require.NoError(t, s.Start("watched"))
	require.Eventually(t, func() bool { return stateOf(s, "watched", 0) == models.StateStopped }, waitFor, tick)

	assert.True(t, errors.Is(s.Stop("watched"), ErrAlreadyStopped))
	s.OnFileChanged("watched")
	assert.Equal(t, models.StateStopped, stateOf(s, "watched", 0))
}

func TestShutdownStopsFleet(t *testing.T) {
	cfg := testConfig(t)
	s := newTestSupervisor(t, cfg, nil, shellWorker("a", "exec sleep 30"), shellWorker("b", "exec sleep 30"))
	s.StartAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	for _, w := range s.ListWorkers() {
		assert.Equal(t, models.StateStopped, w.State)
	}
	assert.Error(t, s.Start("a"), "no launches after shutdown")
}
