package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetvisor/internal/config"
	"fleetvisor/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/xid"
)

// Worker is the registry record for one worker name. Slots and everything
// reachable from them are guarded by mu.
type Worker struct {
	mu          sync.Mutex
	Spec        models.WorkerSpec
	Slots       []*Slot
	historySize int

	// stopEpoch counts operator stop requests. A watch restart aborts its
	// relaunch when the epoch moved while it was stopping the worker.
	stopEpoch uint64
}

// Slot is one of a worker's instance positions.
type Slot struct {
	Instance models.ProcessInstance
	History  []models.ProcessInstance

	proc     *Process
	gen      uint64
	exited   chan struct{}
	logsDone <-chan struct{}
	timer    *time.Timer
	backoff  *backoff.ExponentialBackOff

	// lineageRestarts counts automatic restarts since the last explicit
	// start; the restart ceiling applies to it.
	lineageRestarts int

	// stopRequested holds the slot down: set by an operator stop and before
	// the first start, cleared by start.
	stopRequested bool
}

// transition moves a slot to a new state if the state machine allows it.
func (w *Worker) transition(index int, to models.State) (models.State, error) {
	inst := &w.Slots[index].Instance
	from := inst.State
	if err := models.ValidateTransition(from, to); err != nil {
		return from, fmt.Errorf("%s[%d]: %w", w.Spec.Name, index, err)
	}
	inst.State = to
	return from, nil
}

// beginAttempt replaces the slot's instance with a fresh one that inherits
// the restart count.
func (w *Worker) beginAttempt(index int) {
	slot := w.Slots[index]
	prev := slot.Instance
	slot.Instance = models.ProcessInstance{
		ID:           xid.New().String(),
		Worker:       w.Spec.Name,
		Index:        index,
		State:        prev.State,
		RestartCount: prev.RestartCount,
	}
}

// archive records the slot's current instance in its bounded history.
func (w *Worker) archive(index int) {
	if w.historySize == 0 {
		return
	}
	slot := w.Slots[index]
	slot.History = append(slot.History, slot.Instance)
	if len(slot.History) > w.historySize {
		n := copy(slot.History, slot.History[len(slot.History)-w.historySize:])
		slot.History = slot.History[:n]
	}
}

func (w *Worker) anyActive() bool {
	for _, s := range w.Slots {
		if s.Instance.State.IsActive() {
			return true
		}
	}
	return false
}

func (w *Worker) allActive() bool {
	for _, s := range w.Slots {
		if !s.Instance.State.IsActive() {
			return false
		}
	}
	return true
}

func (w *Worker) snapshot() []models.ProcessInstance {
	out := make([]models.ProcessInstance, len(w.Slots))
	for i, s := range w.Slots {
		out[i] = s.Instance
	}
	return out
}

// Registry holds the runtime state of every worker instance. The set of
// names is fixed once registration is done; each worker has its own lock.
type Registry struct {
	mu          sync.RWMutex
	workers     map[string]*Worker
	order       []string
	historySize int
	newBackoff  func() *backoff.ExponentialBackOff
}

func NewRegistry(historySize int, newBackoff func() *backoff.ExponentialBackOff) *Registry {
	if newBackoff == nil {
		newBackoff = backoff.NewExponentialBackOff
	}
	return &Registry{
		workers:     make(map[string]*Worker),
		historySize: historySize,
		newBackoff:  newBackoff,
	}
}

// Register adds a worker with instanceCount stopped slots.
func (r *Registry) Register(spec models.WorkerSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[spec.Name]; exists {
		return &config.LoadError{Kind: config.DuplicateName, Index: -1, Name: spec.Name, Field: "name", Msg: "already registered"}
	}

	count := spec.Instances
	if count < 1 {
		count = 1
	}
	w := &Worker{Spec: spec, Slots: make([]*Slot, count), historySize: r.historySize}
	for i := range w.Slots {
		w.Slots[i] = &Slot{
			Instance:      models.ProcessInstance{Worker: spec.Name, Index: i, State: models.StateStopped},
			backoff:       r.newBackoff(),
			stopRequested: true,
		}
	}

	r.workers[spec.Name] = w
	r.order = append(r.order, spec.Name)
	return nil
}

// Names returns worker names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) lookup(name string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, &ControlError{Kind: UnknownWorker, Worker: name}
	}
	return w, nil
}

// Spec returns the worker's immutable specification.
func (r *Registry) Spec(name string) (models.WorkerSpec, error) {
	w, err := r.lookup(name)
	if err != nil {
		return models.WorkerSpec{}, err
	}
	return w.Spec, nil
}

// Get returns a copy of every instance slot of a worker.
func (r *Registry) Get(name string) ([]models.ProcessInstance, error) {
	w, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshot(), nil
}

// UpdateState applies a validated transition to one slot and returns the
// previous state.
func (r *Registry) UpdateState(name string, index int, to models.State) (models.State, error) {
	w, err := r.lookup(name)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if index < 0 || index >= len(w.Slots) {
		return "", fmt.Errorf("%s: instance %d out of range", name, index)
	}
	return w.transition(index, to)
}

// Mutate runs fn with the worker's lock held.
func (r *Registry) Mutate(name string, fn func(*Worker) error) error {
	w, err := r.lookup(name)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return fn(w)
}

// ListAll returns a point-in-time snapshot of every instance, in
// registration order. Worker locks are taken in sorted name order.
func (r *Registry) ListAll() []models.ProcessInstance {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	workers := make(map[string]*Worker, len(r.workers))
	for k, v := range r.workers {
		workers[k] = v
	}
	r.mu.RUnlock()

	sorted := make([]string, len(order))
	copy(sorted, order)
	sort.Strings(sorted)
	for _, name := range sorted {
		workers[name].mu.Lock()
	}

	var out []models.ProcessInstance
	for _, name := range order {
		out = append(out, workers[name].snapshot()...)
	}

	for i := len(sorted) - 1; i >= 0; i-- {
		workers[sorted[i]].mu.Unlock()
	}
	return out
}

// History returns archived attempts of every slot, oldest first per slot.
func (r *Registry) History(name string) ([]models.ProcessInstance, error) {
	w, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	out := []models.ProcessInstance{}
	for _, s := range w.Slots {
		out = append(out, s.History...)
	}
	return out, nil
}

// Prune drops the archived history of a worker and returns how many records
// were removed.
func (r *Registry) Prune(name string) (int, error) {
	w, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for _, s := range w.Slots {
		removed += len(s.History)
		s.History = nil
	}
	return removed, nil
}
