package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fleetvisor/internal/models"
)

// Environment variables injected into every child.
const (
	EnvWorkerName     = "FLEETVISOR_WORKER"
	EnvWorkerInstance = "FLEETVISOR_INSTANCE"
)

// ExitStatus describes how a child terminated.
type ExitStatus struct {
	Code     int
	Signal   string
	Err      error
	ExitedAt time.Time
}

// Crashed reports whether the exit counts as a crash rather than a clean exit.
func (s ExitStatus) Crashed() bool {
	return s.Code != 0 || s.Signal != "" || s.Err != nil
}

// Process is a running child with its output pipes. Stdout and Stderr are
// the read ends; they reach EOF independently of Wait once the child and
// everything that inherited them have exited.
type Process struct {
	Pid       int
	StartedAt time.Time
	Stdout    *os.File
	Stderr    *os.File

	cmd  *exec.Cmd
	done chan struct{}
	exit ExitStatus
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit returns the exit status. Only valid after Done is closed.
func (p *Process) Exit() ExitStatus { return p.exit }

// Signal delivers sig to the child's process group.
func (p *Process) Signal(sig syscall.Signal) error {
	return signalGroup(p.Pid, sig)
}

// Kill sends SIGKILL to the child's process group.
func (p *Process) Kill() error {
	return signalGroup(p.Pid, syscall.SIGKILL)
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.exit = exitStatus(p.cmd.ProcessState, err)
	close(p.done)
}

// Spawn starts one instance of spec. It returns once the OS has confirmed
// the child started; the exit is reported through Done.
func Spawn(spec models.WorkerSpec, index int, baseEnv map[string]string) (*Process, error) {
	spawnErr := func(err error) error {
		return &SpawnError{Kind: classifySpawnError(err), Worker: spec.Name, Instance: index, Err: err}
	}

	// A missing directory would otherwise surface as a missing executable.
	if spec.Directory != "" {
		if _, err := os.Stat(spec.Directory); err != nil {
			return nil, &SpawnError{Kind: StartFailed, Worker: spec.Name, Instance: index, Err: fmt.Errorf("chdir: %w", err)}
		}
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Directory
	cmd.Env = BuildEnv(spec, index, baseEnv)
	setProcGroupAttr(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, spawnErr(fmt.Errorf("stdout pipe: %w", err))
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, spawnErr(fmt.Errorf("stderr pipe: %w", err))
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, spawnErr(err)
	}

	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &Process{
		Pid:       cmd.Process.Pid,
		StartedAt: time.Now(),
		Stdout:    outR,
		Stderr:    errR,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// BuildEnv layers the ambient environment, the manifest base environment and
// the worker's own environment (later wins), then adds the worker identity.
func BuildEnv(spec models.WorkerSpec, index int, baseEnv map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			merged[k] = v
		}
	}
	for k, v := range baseEnv {
		merged[k] = v
	}
	for k, v := range spec.Environment {
		merged[k] = v
	}
	merged[EnvWorkerName] = spec.Name
	merged[EnvWorkerInstance] = strconv.Itoa(index)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func exitStatus(state *os.ProcessState, err error) ExitStatus {
	status := ExitStatus{ExitedAt: time.Now()}
	if state == nil {
		status.Code = -1
		status.Err = err
		return status
	}

	status.Code = state.ExitCode()
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = SignalName(ws.Signal())
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}
	return status
}
