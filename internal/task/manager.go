// Package task runs watermarking jobs concurrently with a bound on how many
// execute at once, and tracks each job's status, progress and outcome.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/gifmark/internal/model"
	"github.com/aliskhannn/gifmark/internal/pipeline"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already exists")
	ErrTaskFinished = errors.New("task already finished")
	ErrTaskActive   = errors.New("task still active")
	ErrRunnerPanic  = errors.New("runner panicked")
)

// runner executes one watermarking job.
type runner interface {
	Run(ctx context.Context, data []byte, spec model.WatermarkSpec, onProgress pipeline.ProgressFunc) ([]byte, error)
}

// Info is a point-in-time view of a task.
type Info struct {
	ID        uuid.UUID
	Status    model.TaskStatus
	Progress  float64
	Message   string
	Result    []byte // set once the task is done; read-only
	Err       error  // set once the task failed or was cancelled
	UpdatedAt time.Time
}

// UpdateFunc observes status changes. It is called from task goroutines
// and must not call back into the Manager.
type UpdateFunc func(Info)

type entry struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager schedules tasks onto a fixed number of slots.
type Manager struct {
	runner   runner
	slots    chan struct{}
	onUpdate UpdateFunc

	mu    sync.RWMutex
	tasks map[uuid.UUID]*entry
}

// NewManager creates a Manager running at most maxConcurrent tasks at a time.
// A value below one allows a single task.
func NewManager(r runner, maxConcurrent int) *Manager {
	return &Manager{
		runner: r,
		slots:  make(chan struct{}, max(maxConcurrent, 1)),
		tasks:  make(map[uuid.UUID]*entry),
	}
}

// OnUpdate registers fn to observe every status change. It must be set
// before the first Submit.
func (m *Manager) OnUpdate(fn UpdateFunc) {
	m.onUpdate = fn
}

// Submit registers a pending task and schedules it. The spec is copied, so
// later changes by the caller are not observed. ctx bounds the lifetime of
// the task.
func (m *Manager) Submit(ctx context.Context, id uuid.UUID, data []byte, spec model.WatermarkSpec) error {
	snap, err := spec.Snapshot()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		info:   Info{ID: id, Status: model.StatusPending, UpdatedAt: time.Now()},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if _, ok := m.tasks[id]; ok {
		m.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %s", ErrTaskExists, id)
	}
	m.tasks[id] = e
	m.mu.Unlock()

	m.notify(e.info)

	go m.run(runCtx, e, data, snap)

	return nil
}

func (m *Manager) run(ctx context.Context, e *entry, data []byte, spec model.WatermarkSpec) {
	defer close(e.done)
	defer e.cancel()

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		m.finish(e, nil, fmt.Errorf("%w: %w", pipeline.ErrCancelled, ctx.Err()))
		return
	}
	defer func() { <-m.slots }()

	result, err := m.safeRun(ctx, e, data, spec)
	m.finish(e, result, err)
}

// safeRun turns a panic in the runner into a task failure.
func (m *Manager) safeRun(ctx context.Context, e *entry, data []byte, spec model.WatermarkSpec) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			zlog.Logger.Error().Str("task", e.info.ID.String()).Interface("panic", r).Msg("runner panicked")
			result, err = nil, fmt.Errorf("%w: %v", ErrRunnerPanic, r)
		}
	}()

	return m.runner.Run(ctx, data, spec, func(p pipeline.Progress) {
		m.advance(e, p)
	})
}

// advance records progress and moves the task to the stage's status.
func (m *Manager) advance(e *entry, p pipeline.Progress) {
	m.mu.Lock()
	if e.info.Status.Terminal() {
		m.mu.Unlock()
		return
	}

	e.info.Progress = max(e.info.Progress, p.Fraction)
	e.info.Message = p.Message
	e.info.UpdatedAt = time.Now()

	next := p.Stage.Status()
	changed := next != e.info.Status && e.info.Status.CanTransition(next)
	if changed {
		e.info.Status = next
	}
	info := e.info
	m.mu.Unlock()

	if changed {
		m.notify(info)
	}
}

// finish moves the task to its terminal status. A task that is already
// terminal keeps its outcome.
func (m *Manager) finish(e *entry, result []byte, err error) {
	m.mu.Lock()
	if e.info.Status.Terminal() {
		m.mu.Unlock()
		return
	}

	switch {
	case err == nil:
		e.info.Status = model.StatusDone
		e.info.Progress = 1
		e.info.Result = result
	case errors.Is(err, pipeline.ErrCancelled):
		e.info.Status = model.StatusCancelled
		e.info.Err = err
	default:
		e.info.Status = model.StatusFailed
		e.info.Err = err
	}
	e.info.UpdatedAt = time.Now()
	info := e.info
	m.mu.Unlock()

	m.notify(info)
}

func (m *Manager) notify(info Info) {
	event := zlog.Logger.Info()
	if info.Err != nil {
		event = zlog.Logger.Warn().Err(info.Err)
	}
	event.
		Str("task", info.ID.String()).
		Str("status", string(info.Status)).
		Msg("task status changed")

	if m.onUpdate != nil {
		m.onUpdate(info)
	}
}

func (m *Manager) lookup(id uuid.UUID) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e, nil
}

// Get returns the current state of a task.
func (m *Manager) Get(id uuid.UUID) (Info, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return e.info, nil
}

// Cancel stops a pending or running task. The task is marked cancelled
// immediately; a running pipeline stops at its next checkpoint.
func (m *Manager) Cancel(id uuid.UUID) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	m.mu.RLock()
	terminal := e.info.Status.Terminal()
	m.mu.RUnlock()
	if terminal {
		return fmt.Errorf("%w: %s", ErrTaskFinished, id)
	}

	e.cancel()
	m.finish(e, nil, fmt.Errorf("%w: %w", pipeline.ErrCancelled, context.Canceled))
	return nil
}

// Wait blocks until the task reaches a terminal status or ctx is done.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) (Info, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}

	return m.Get(id)
}

// Forget drops a finished task and its result.
func (m *Manager) Forget(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !e.info.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrTaskActive, id)
	}

	delete(m.tasks, id)
	return nil
}
