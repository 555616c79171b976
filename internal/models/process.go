package models

import "time"

// WorkerSpec describes one worker program declared in the manifest.
// It is immutable once the manifest is loaded.
type WorkerSpec struct {
	Name            string            `json:"name"`
	Command         string            `json:"command"`
	Args            []string          `json:"args,omitempty"`
	Instances       int               `json:"instances"`
	AutoRestart     bool              `json:"autorestart"`
	AutoStart       bool              `json:"autostart"`
	WatchFilesystem bool              `json:"watch"`
	TimestampLogs   bool              `json:"time"`
	Environment     map[string]string `json:"env,omitempty"`
	Directory       string            `json:"cwd,omitempty"`
	StopSignal      string            `json:"stop_signal,omitempty"`
	KillTimeout     time.Duration     `json:"kill_timeout,omitempty"`
	MaxRestarts     int               `json:"max_restarts,omitempty"`
	WatchPaths      []string          `json:"watch_paths,omitempty"`
	IgnoreWatch     []string          `json:"ignore_watch,omitempty"`
}

// ProcessInstance is one attempt to run a worker slot.
type ProcessInstance struct {
	ID           string     `json:"id"`
	Worker       string     `json:"worker"`
	Index        int        `json:"instance"`
	Pid          int        `json:"pid,omitempty"`
	State        State      `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	ExitedAt     *time.Time `json:"exited_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	Signal       string     `json:"signal,omitempty"`
	RestartCount int        `json:"restart_count"`
	LastError    string     `json:"last_error,omitempty"`
}

// Uptime is the time the instance has been running, zero when it is not.
func (p ProcessInstance) Uptime(now time.Time) time.Duration {
	if p.State != StateRunning || p.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(p.StartedAt)
}

// Stream identifies which output pipe of a child a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// LogLine is a single line of worker output.
type LogLine struct {
	Worker    string     `json:"worker"`
	Instance  int        `json:"instance"`
	Stream    Stream     `json:"stream"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Text      string     `json:"text"`
}

// WorkerStatus is the listing row returned by the control surface.
type WorkerStatus struct {
	ProcessInstance
	Uptime string  `json:"uptime"`
	Memory uint64  `json:"memory_bytes"`
	CPU    float64 `json:"cpu_percent"`
}

// Result is the per-worker outcome of a fleet-wide operation.
type Result struct {
	Worker string `json:"worker"`
	OK     bool   `json:"ok"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HealthReport summarizes the fleet.
type HealthReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Total       int            `json:"total"`
	Running     int            `json:"running"`
	Stopped     int            `json:"stopped"`
	Assessment  string         `json:"assessment"`
	Workers     []WorkerStatus `json:"workers"`
}
