package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrCancelledByNetworkChange is the fixed settle reason for tasks killed by
// a network switch. Callers treat it as "ignore this result", not as an I/O
// abort: the underlying fetch may still complete and must be discarded.
var ErrCancelledByNetworkChange = errors.New("Cancel by network changing")

// TaskTarget names the long-running fetch categories that hold at most one
// live task each.
type TaskTarget string

const (
	TargetAssets      TaskTarget = "assets"
	TargetBalance     TaskTarget = "balance"
	TargetTransaction TaskTarget = "transaction"
)

// Task is a cancellable handle over an in-flight fetch. Settlement is
// first-wins: whichever of the executor or Cancel arrives first decides the
// outcome, and everything after is a no-op.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	settle sync.Once

	result any
	err    error
}

// StartTask runs fn in its own goroutine. The context handed to fn is
// cancelled when the task is, as a cooperative hint; fn is free to ignore
// it, in which case its eventual result is simply dropped.
func StartTask(fn func(ctx context.Context) (any, error)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		v, err := fn(ctx)
		t.settleWith(v, err)
	}()
	return t
}

func (t *Task) settleWith(v any, err error) {
	t.settle.Do(func() {
		t.result = v
		t.err = err
		close(t.done)
	})
}

// Cancel settles the task with ErrCancelledByNetworkChange. Cancelling a
// settled task, or cancelling twice, is a no-op.
func (t *Task) Cancel() {
	t.settleWith(nil, ErrCancelledByNetworkChange)
	t.cancel()
}

// Await blocks until the task settles or ctx expires.
func (t *Task) Await(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TaskSlots keeps at most one live task per target. Network-dependent
// fetches register here so a network switch can invalidate all of them at
// once.
type TaskSlots struct {
	mu    sync.Mutex
	slots map[TaskTarget]*Task
}

func NewTaskSlots() *TaskSlots {
	return &TaskSlots{slots: make(map[TaskTarget]*Task)}
}

// Set stores the latest task for target. The previous task is abandoned,
// not cancelled; a caller that wants the old fetch rejected must cancel it
// before replacing it.
func (s *TaskSlots) Set(target TaskTarget, t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots[target] = t
}

// Get returns the stored task for target, if any.
func (s *TaskSlots) Get(target TaskTarget) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.slots[target]
	return t, ok
}

// CancelAll cancels every stored task and clears the slots. Invoked on
// network switch so stale fetches cannot clobber state fetched for the new
// network.
func (s *TaskSlots) CancelAll() int {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.slots))
	for _, t := range s.slots {
		tasks = append(tasks, t)
	}
	s.slots = make(map[TaskTarget]*Task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	return len(tasks)
}

// Run awaits the stored task for target, wrapping failures so every caller
// sees a uniform error shape. The cancellation sentinel stays detectable
// through errors.Is.
func (s *TaskSlots) Run(ctx context.Context, target TaskTarget) (any, error) {
	t, ok := s.Get(target)
	if !ok {
		return nil, fmt.Errorf("no %s task registered", target)
	}
	v, err := t.Await(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s task failed: %w", target, err)
	}
	return v, nil
}
