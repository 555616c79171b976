package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const ecosystemYAML = `
env:
  NODE_ENV: production
apps:
  - name: gmail-watcher
    script: python
    args: "./gmail_watcher.py --poll 30"
    instances: 1
    autorestart: true
    watch: false
    time: true
    env:
      MAILBOX: inbox
  - name: whatsapp-watcher
    script: python
    args: ./agent_interface.py
    autorestart: true
  - name: odoo-mcp-server
    command: /usr/bin/python3
    args: ["./odoo_integration/mcp_server.py", "--port", "8069"]
    instances: 2
    stop_signal: int
    kill_timeout: 1500
    max_restarts: 5
    cwd: /srv/gold
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ecosystem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadManifestFile(t *testing.T) {
	m, err := LoadManifestFile(writeManifest(t, ecosystemYAML))
	require.NoError(t, err)

	require.Len(t, m.Workers, 3)
	assert.Equal(t, []string{"gmail-watcher", "whatsapp-watcher", "odoo-mcp-server"}, m.Names())
	assert.Equal(t, map[string]string{"NODE_ENV": "production"}, m.Env)
	assert.Equal(t, 4, m.TotalInstances())

	gmail := m.Workers[0]
	assert.Equal(t, "python", gmail.Command)
	assert.Equal(t, []string{"./gmail_watcher.py", "--poll", "30"}, gmail.Args)
	assert.True(t, gmail.AutoRestart)
	assert.True(t, gmail.AutoStart)
	assert.True(t, gmail.TimestampLogs)
	assert.False(t, gmail.WatchFilesystem)
	assert.Equal(t, map[string]string{"MAILBOX": "inbox"}, gmail.Environment)

	// The name-to-command binding is data; nothing corrects it.
	assert.Equal(t, []string{"./agent_interface.py"}, m.Workers[1].Args)
	assert.Equal(t, 1, m.Workers[1].Instances)

	odoo := m.Workers[2]
	assert.Equal(t, "/usr/bin/python3", odoo.Command)
	assert.Equal(t, []string{"./odoo_integration/mcp_server.py", "--port", "8069"}, odoo.Args)
	assert.Equal(t, 2, odoo.Instances)
	assert.Equal(t, "SIGINT", odoo.StopSignal)
	assert.Equal(t, 1500*time.Millisecond, odoo.KillTimeout)
	assert.Equal(t, 5, odoo.MaxRestarts)
	assert.Equal(t, "/srv/gold", odoo.Directory)
}

func TestBundledManifest(t *testing.T) {
	m, err := LoadManifestFile(filepath.Join("..", "..", "fleetvisor.yaml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"gmail-watcher", "whatsapp-watcher", "social-poster", "scheduler", "reasoning-loop", "email-mcp"}, m.Names())
	assert.Equal(t, 7, m.TotalInstances())
	assert.Equal(t, "./vault", m.Env["VAULT_PATH"])

	poster := m.Workers[2]
	assert.Equal(t, "python3", poster.Command)
	assert.Equal(t, []string{"workers/social_poster.py", "--queue", "outbox", "--dry-run=false"}, poster.Args)

	scheduler := m.Workers[3]
	assert.Equal(t, "SIGINT", scheduler.StopSignal)
	assert.Equal(t, 30*time.Second, scheduler.KillTimeout)

	loop := m.Workers[4]
	assert.True(t, loop.WatchFilesystem)
	assert.Equal(t, []string{"orchestrator.py", "skills"}, loop.WatchPaths)
}

func TestLoadManifestJSON(t *testing.T) {
	path := writeManifest(t, `[{"name": "scheduler", "command": "python", "args": "./scheduler.py", "instances": 2, "env": {"RETRIES": 3}}]`)

	m, err := LoadManifestFile(path)
	require.NoError(t, err)
	require.Len(t, m.Workers, 1)
	assert.Equal(t, 2, m.Workers[0].Instances)
	assert.Equal(t, "3", m.Workers[0].Environment["RETRIES"])
}

func TestLoadManifestShapes(t *testing.T) {
	t.Run("processes key", func(t *testing.T) {
		m, err := LoadManifest(map[string]any{
			"processes": []any{map[string]any{"name": "a", "command": "true"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, m.Names())
	})

	t.Run("interpreter with script", func(t *testing.T) {
		m, err := LoadManifest([]any{map[string]any{
			"name": "poster", "script": "./linkedin_poster.py", "interpreter": "python3", "args": "--dry-run",
		}})
		require.NoError(t, err)
		assert.Equal(t, "python3", m.Workers[0].Command)
		assert.Equal(t, []string{"./linkedin_poster.py", "--dry-run"}, m.Workers[0].Args)
	})

	t.Run("watch list", func(t *testing.T) {
		m, err := LoadManifest([]any{map[string]any{
			"name": "w", "command": "true", "watch": []any{"./src"}, "ignore_watch": []any{"*.log"},
		}})
		require.NoError(t, err)
		assert.True(t, m.Workers[0].WatchFilesystem)
		assert.Equal(t, []string{"./src"}, m.Workers[0].WatchPaths)
		assert.Equal(t, []string{"*.log"}, m.Workers[0].IgnoreWatch)
	})

	t.Run("instances max", func(t *testing.T) {
		m, err := LoadManifest([]any{map[string]any{"name": "w", "command": "true", "instances": "max"}})
		require.NoError(t, err)
		assert.Equal(t, runtime.NumCPU(), m.Workers[0].Instances)
	})

	t.Run("map with interface keys", func(t *testing.T) {
		m, err := LoadManifest([]any{map[any]any{"name": "w", "command": "true"}})
		require.NoError(t, err)
		assert.Equal(t, []string{"w"}, m.Names())
	})
}

func TestLoadManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  any
		kind error
	}{
		{"empty document", nil, ErrMissingField},
		{"no worker list", map[string]any{"env": map[string]any{}}, ErrMissingField},
		{"scalar document", "apps", ErrInvalidValue},
		{"missing name", []any{map[string]any{"command": "true"}}, ErrMissingField},
		{"blank name", []any{map[string]any{"name": "  ", "command": "true"}}, ErrMissingField},
		{"missing command", []any{map[string]any{"name": "a"}}, ErrMissingField},
		{"zero instances", []any{map[string]any{"name": "a", "command": "true", "instances": 0}}, ErrInvalidValue},
		{"fractional instances", []any{map[string]any{"name": "a", "command": "true", "instances": 1.5}}, ErrInvalidValue},
		{"string autorestart", []any{map[string]any{"name": "a", "command": "true", "autorestart": "yes"}}, ErrInvalidValue},
		{"bad env", []any{map[string]any{"name": "a", "command": "true", "env": []any{"A=1"}}}, ErrInvalidValue},
		{"bad signal", []any{map[string]any{"name": "a", "command": "true", "stop_signal": "SIGWINCH"}}, ErrInvalidValue},
		{"negative kill timeout", []any{map[string]any{"name": "a", "command": "true", "kill_timeout": -5}}, ErrInvalidValue},
		{"unbalanced quotes", []any{map[string]any{"name": "a", "command": "true", "args": `"oops`}}, ErrInvalidValue},
		{"duplicate", []any{
			map[string]any{"name": "a", "command": "true"},
			map[string]any{"name": "a", "command": "false"},
		}, ErrDuplicateName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := LoadManifest(tt.doc)
			require.Error(t, err)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestLoadErrorNamesEntry(t *testing.T) {
	_, err := LoadManifest([]any{
		map[string]any{"name": "ok", "command": "true"},
		map[string]any{"name": "broken", "command": "true", "instances": -3},
	})

	var loadErr *LoadError
	require.True(t, errors.As(err, &loadErr))
	assert.Equal(t, InvalidValue, loadErr.Kind)
	assert.Equal(t, 1, loadErr.Index)
	assert.Equal(t, "broken", loadErr.Name)
	assert.Equal(t, "instances", loadErr.Field)
	assert.Contains(t, loadErr.Error(), "broken")
}

// Any manifest containing a repeated name is rejected as a whole with
// DuplicateName and yields no workers.
func TestProperty_DuplicateNamesRejectWholeManifest(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z][a-z0-9-]{0,12}`), 1, 8, rapid.ID[string]).Draw(t, "names")
		dupOf := rapid.IntRange(0, len(names)-1).Draw(t, "dupOf")
		insertAt := rapid.IntRange(0, len(names)).Draw(t, "insertAt")

		entries := make([]any, 0, len(names)+1)
		for _, n := range names {
			entries = append(entries, map[string]any{"name": n, "command": "true"})
		}
		dup := map[string]any{"name": names[dupOf], "command": "false"}
		entries = append(entries[:insertAt], append([]any{dup}, entries[insertAt:]...)...)

		m, err := LoadManifest(entries)
		if m != nil {
			t.Fatalf("expected no manifest, got %d workers", len(m.Workers))
		}
		if !errors.Is(err, ErrDuplicateName) {
			t.Fatalf("expected DuplicateName, got %v", err)
		}
	})
}

// Valid manifests keep every entry, in order, with instance counts >= 1.
func TestProperty_ValidManifestPreservesOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		names := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z][a-z0-9-]{0,12}`), 0, 10, rapid.ID[string]).Draw(t, "names")
		entries := make([]any, 0, len(names))
		want := 0
		for i, n := range names {
			instances := rapid.IntRange(1, 4).Draw(t, fmt.Sprintf("instances%d", i))
			want += instances
			entries = append(entries, map[string]any{"name": n, "command": "true", "instances": instances})
		}

		m, err := LoadManifest(entries)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := m.Names(); len(got) != len(names) {
			t.Fatalf("got %d workers, want %d", len(got), len(names))
		}
		for i, n := range names {
			if m.Workers[i].Name != n {
				t.Fatalf("worker %d = %q, want %q", i, m.Workers[i].Name, n)
			}
		}
		if m.TotalInstances() != want {
			t.Fatalf("TotalInstances() = %d, want %d", m.TotalInstances(), want)
		}
	})
}
