package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"syscall"
)

// ControlErrorKind classifies a rejected control request.
type ControlErrorKind string

const (
	UnknownWorker  ControlErrorKind = "UnknownWorker"
	AlreadyRunning ControlErrorKind = "AlreadyRunning"
	AlreadyStopped ControlErrorKind = "AlreadyStopped"
)

var (
	ErrUnknownWorker  = &ControlError{Kind: UnknownWorker}
	ErrAlreadyRunning = &ControlError{Kind: AlreadyRunning}
	ErrAlreadyStopped = &ControlError{Kind: AlreadyStopped}
)

// ControlError is returned synchronously by control operations. The
// request it rejects causes no state change.
type ControlError struct {
	Kind   ControlErrorKind
	Worker string
}

func (e *ControlError) Error() string {
	switch e.Kind {
	case UnknownWorker:
		return fmt.Sprintf("unknown worker %q", e.Worker)
	case AlreadyRunning:
		return fmt.Sprintf("worker %q is already running", e.Worker)
	case AlreadyStopped:
		return fmt.Sprintf("worker %q is already stopped", e.Worker)
	}
	return fmt.Sprintf("worker %q: %s", e.Worker, e.Kind)
}

func (e *ControlError) Is(target error) bool {
	t, ok := target.(*ControlError)
	return ok && t.Kind == e.Kind
}

// SpawnErrorKind classifies why the OS refused to start a worker.
type SpawnErrorKind string

const (
	ExecutableNotFound SpawnErrorKind = "ExecutableNotFound"
	PermissionDenied   SpawnErrorKind = "PermissionDenied"
	ResourceExhausted  SpawnErrorKind = "ResourceExhausted"
	StartFailed        SpawnErrorKind = "StartFailed"
)

var (
	// ErrSpawn matches any SpawnError.
	ErrSpawn              = &SpawnError{}
	ErrExecutableNotFound = &SpawnError{Kind: ExecutableNotFound}
	ErrPermissionDenied   = &SpawnError{Kind: PermissionDenied}
	ErrResourceExhausted  = &SpawnError{Kind: ResourceExhausted}
	ErrStartFailed        = &SpawnError{Kind: StartFailed}
)

type SpawnError struct {
	Kind     SpawnErrorKind
	Worker   string
	Instance int
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s[%d]: %s: %v", e.Worker, e.Instance, e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool {
	t, ok := target.(*SpawnError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

func classifySpawnError(err error) SpawnErrorKind {
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return ExecutableNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return PermissionDenied
	case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		return ResourceExhausted
	}
	return StartFailed
}
