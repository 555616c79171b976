package service

import (
	"context"
	"testing"
	"time"

	"fleetvisor/internal/config"
	"fleetvisor/internal/models"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Restart.BackoffBase = 20 * time.Millisecond
	cfg.Restart.BackoffMax = time.Second
	cfg.Restart.StableAfter = time.Hour
	cfg.Stop.GracePeriod = 300 * time.Millisecond
	cfg.Watch.Debounce = 50 * time.Millisecond
	cfg.Logs.Dir = t.TempDir()
	return cfg
}

func shellWorker(name, script string) models.WorkerSpec {
	return models.WorkerSpec{
		Name:      name,
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		Instances: 1,
		AutoStart: true,
	}
}

func newTestSupervisor(t *testing.T, cfg *config.Config, env map[string]string, specs ...models.WorkerSpec) *Supervisor {
	t.Helper()
	s, err := New(cfg, &config.Manifest{Workers: specs, Env: env}, zap.NewNop(), NewMetrics())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func instance(t *testing.T, s *Supervisor, name string, index int) models.ProcessInstance {
	t.Helper()
	instances, err := s.Registry().Get(name)
	require.NoError(t, err)
	require.Greater(t, len(instances), index)
	return instances[index]
}

func stateOf(s *Supervisor, name string, index int) models.State {
	instances, err := s.Registry().Get(name)
	if err != nil || index >= len(instances) {
		return ""
	}
	return instances[index].State
}

func hasLine(s *Supervisor, name, text string) bool {
	lines, err := s.Logs(name, 100)
	if err != nil {
		return false
	}
	for _, l := range lines {
		if l.Text == text {
			return true
		}
	}
	return false
}
