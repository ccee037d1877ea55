package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/covey/internal/log"
	"github.com/zjrosen/covey/internal/pubsub"
)

// ErrIllegalTransition is returned for a move outside the legal graph.
var ErrIllegalTransition = errors.New("illegal state transition")

// ErrDependencyUnmet is returned when starting a task whose dependencies
// are not all completed.
var ErrDependencyUnmet = errors.New("dependency not completed")

// ErrNotOwner is returned when an actor mutates a task they do not own.
var ErrNotOwner = errors.New("actor does not own task")

// ErrNotClaimable is returned when the claimer is outside the contract's
// claimable set.
var ErrNotClaimable = errors.New("actor not eligible to claim")

// ErrClaimExpired is returned when the contract's claim deadline passed.
var ErrClaimExpired = errors.New("claim deadline passed")

// ErrInvalidTask is returned for malformed create parameters.
var ErrInvalidTask = errors.New("invalid task")

// CreateTask carries the parameters for a new task.
type CreateTask struct {
	// ID is optional; a uuid is generated when empty.
	ID           string
	Title        string
	Description  string
	Priority     Priority
	Dependencies []string
	Owner        string
	Contract     *Contract
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	States []State
	Owner  string
}

func (f Filter) matches(t *Task) bool {
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}

// Engine applies the transition rules over the store. Per-task mutations
// are serialized with a per-id lock; a failed guard leaves the record on
// disk untouched.
type Engine struct {
	store  *Store
	broker *pubsub.Broker[TaskEvent]

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an engine over the store.
func NewEngine(store *Store) *Engine {
	return &Engine{
		store:  store,
		broker: pubsub.NewBroker[TaskEvent](),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Events subscribes to the mutation stream.
func (e *Engine) Events(ctx context.Context) <-chan pubsub.Event[TaskEvent] {
	return e.broker.Subscribe(ctx)
}

// Close shuts the event stream down.
func (e *Engine) Close() { e.broker.Close() }

// Store exposes the underlying store for read-side tooling.
func (e *Engine) Store() *Store { return e.store }

// Create persists a new task in state new and announces it.
func (e *Engine) Create(actor string, p CreateTask) (*Task, error) {
	if p.Title == "" {
		return nil, fmt.Errorf("%w: title required", ErrInvalidTask)
	}
	if p.Priority == "" {
		p.Priority = PriorityNormal
	}
	if !p.Priority.Valid() {
		return nil, fmt.Errorf("%w: priority %q", ErrInvalidTask, p.Priority)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	now := time.Now()
	t := &Task{
		ID:           p.ID,
		Title:        p.Title,
		Description:  p.Description,
		Owner:        p.Owner,
		Priority:     p.Priority,
		State:        StateNew,
		Dependencies: append([]string(nil), p.Dependencies...),
		CreatedAt:    now,
		UpdatedAt:    now,
		Evidence:     []Evidence{{Actor: actor, Timestamp: now, Note: "created"}},
		Contract:     p.Contract,
	}

	if err := e.store.Create(t); err != nil {
		return nil, err
	}

	e.broker.Publish(pubsub.CreatedEvent, TaskEvent{Kind: EventCreated, Task: t.Clone(), Actor: actor})
	log.Info(log.CatFSM, "Task created", "taskID", t.ID, "priority", t.Priority, "contract", t.IsContract())
	return t.Clone(), nil
}

// Claim moves new -> claimed and assigns ownership. Contract terms are
// checked here: the claimer must be in the claimable set and the deadline
// must not have passed.
func (e *Engine) Claim(id, actor string) (*Task, error) {
	return e.mutate(id, actor, EventClaimed, func(t *Task) (string, error) {
		if err := requireTransition(t, StateClaimed); err != nil {
			return "", err
		}
		eligible, inTime := t.Contract.Open(actor, time.Now())
		if !eligible {
			return "", fmt.Errorf("%w: %s on task %s", ErrNotClaimable, actor, t.ID)
		}
		if !inTime {
			return "", fmt.Errorf("%w: task %s", ErrClaimExpired, t.ID)
		}
		t.Owner = actor
		t.State = StateClaimed
		return fmt.Sprintf("claimed by %s", actor), nil
	})
}

// Start moves claimed -> in_progress. Every dependency must be completed.
func (e *Engine) Start(id, actor string) (*Task, error) {
	return e.mutate(id, actor, EventStarted, func(t *Task) (string, error) {
		if err := requireOwner(t, actor); err != nil {
			return "", err
		}
		if t.State != StateClaimed {
			return "", transitionErr(t, StateInProgress)
		}
		for _, dep := range t.Dependencies {
			depTask, err := e.store.Get(dep)
			if err != nil {
				return "", fmt.Errorf("%w: %s (%v)", ErrDependencyUnmet, dep, err)
			}
			if depTask.State != StateCompleted {
				return "", fmt.Errorf("%w: %s is %s", ErrDependencyUnmet, dep, depTask.State)
			}
		}
		t.State = StateInProgress
		return "started", nil
	})
}

// Block moves in_progress -> blocked with the blocker recorded.
func (e *Engine) Block(id, actor, reason string) (*Task, error) {
	return e.mutate(id, actor, EventBlocked, func(t *Task) (string, error) {
		if err := requireOwner(t, actor); err != nil {
			return "", err
		}
		if t.State != StateInProgress {
			return "", transitionErr(t, StateBlocked)
		}
		t.State = StateBlocked
		return "blocked: " + reason, nil
	})
}

// Unblock moves blocked -> in_progress.
func (e *Engine) Unblock(id, actor string) (*Task, error) {
	return e.mutate(id, actor, EventUnblocked, func(t *Task) (string, error) {
		if err := requireOwner(t, actor); err != nil {
			return "", err
		}
		if t.State != StateBlocked {
			return "", transitionErr(t, StateInProgress)
		}
		t.State = StateInProgress
		return "unblocked", nil
	})
}

// SubmitForReview moves in_progress -> review.
func (e *Engine) SubmitForReview(id, actor string) (*Task, error) {
	return e.mutate(id, actor, EventSubmitted, func(t *Task) (string, error) {
		if err := requireOwner(t, actor); err != nil {
			return "", err
		}
		if t.State != StateInProgress {
			return "", transitionErr(t, StateReview)
		}
		t.State = StateReview
		return "submitted for review", nil
	})
}

// Approve moves review -> completed and stamps completed_at.
func (e *Engine) Approve(id, actor string) (*Task, error) {
	return e.mutate(id, actor, EventCompleted, func(t *Task) (string, error) {
		if t.State != StateReview {
			return "", transitionErr(t, StateCompleted)
		}
		t.State = StateCompleted
		t.ProgressPct = 100
		return "approved", nil
	})
}

// RequestChanges moves review -> in_progress with reviewer notes.
func (e *Engine) RequestChanges(id, actor, note string) (*Task, error) {
	return e.mutate(id, actor, EventChangesRequested, func(t *Task) (string, error) {
		if t.State != StateReview {
			return "", transitionErr(t, StateInProgress)
		}
		t.State = StateInProgress
		if note == "" {
			note = "changes requested"
		} else {
			note = "changes requested: " + note
		}
		return note, nil
	})
}

// Cancel moves any non-terminal state to cancelled.
func (e *Engine) Cancel(id, actor, reason string) (*Task, error) {
	return e.mutate(id, actor, EventCancelled, func(t *Task) (string, error) {
		if err := requireTransition(t, StateCancelled); err != nil {
			return "", err
		}
		t.State = StateCancelled
		if reason == "" {
			return "cancelled", nil
		}
		return "cancelled: " + reason, nil
	})
}

// Fail records a fatal error on an active task.
func (e *Engine) Fail(id, actor, reason string) (*Task, error) {
	return e.mutate(id, actor, EventFailed, func(t *Task) (string, error) {
		if err := requireTransition(t, StateFailed); err != nil {
			return "", err
		}
		t.State = StateFailed
		return "failed: " + reason, nil
	})
}

// LinkPR attaches a pull request id to the task.
func (e *Engine) LinkPR(id, actor, prID string) (*Task, error) {
	return e.mutate(id, actor, EventUpdated, func(t *Task) (string, error) {
		t.PRID = prID
		return "linked pr " + prID, nil
	})
}

// RecordProgress stores a completion percentage without changing state.
func (e *Engine) RecordProgress(id, actor string, pct int) (*Task, error) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return e.mutate(id, actor, EventProgress, func(t *Task) (string, error) {
		if t.State.IsTerminal() {
			return "", fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, t.State)
		}
		t.ProgressPct = pct
		return fmt.Sprintf("progress %d%%", pct), nil
	})
}

// TouchCommunication refreshes the bridge's last-contact stamp. No evidence
// entry and no event; this is bookkeeping, not a mutation of record.
func (e *Engine) TouchCommunication(id string) error {
	lock := e.taskLock(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.store.Get(id)
	if err != nil {
		return err
	}
	now := time.Now()
	t.LastCommunicationAt = &now
	return e.store.Save(t)
}

// Get returns a snapshot of one task.
func (e *Engine) Get(id string) (*Task, error) {
	lock := e.taskLock(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List returns snapshots of tasks matching the filter, sorted by id.
func (e *Engine) List(f Filter) ([]*Task, error) {
	tasks, err := e.store.List()
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, t := range tasks {
		if f.matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

// AvailableContracts returns unclaimed contracts whose deadline has not
// passed, for the workflow's claim phase.
func (e *Engine) AvailableContracts() ([]*Task, error) {
	tasks, err := e.List(Filter{States: []State{StateNew}})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []*Task
	for _, t := range tasks {
		if !t.IsContract() {
			continue
		}
		if t.Contract.ClaimDeadline != nil && now.After(*t.Contract.ClaimDeadline) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Reloaded announces a task record changed outside the engine, typically
// reported by the directory watcher.
func (e *Engine) Reloaded(id string) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	e.broker.Publish(pubsub.UpdatedEvent, TaskEvent{Kind: EventReloaded, Task: t})
	log.Debug(log.CatFSM, "Task reloaded from disk", "taskID", id)
	return nil
}

// mutate serializes on the task, applies fn, appends evidence, persists,
// and publishes. On any error the on-disk record is unchanged.
func (e *Engine) mutate(id, actor string, kind EventKind, fn func(*Task) (string, error)) (*Task, error) {
	lock := e.taskLock(id)
	lock.Lock()
	defer lock.Unlock()

	t, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	prev := t.State

	note, err := fn(t)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	t.UpdatedAt = now
	t.Evidence = append(t.Evidence, Evidence{Actor: actor, Timestamp: now, Note: note})
	if t.State == StateCompleted && t.CompletedAt == nil {
		t.CompletedAt = &now
	}

	if err := e.store.Save(t); err != nil {
		return nil, err
	}

	e.broker.Publish(pubsub.UpdatedEvent, TaskEvent{
		Kind: kind, Task: t.Clone(), Actor: actor, Previous: prev, Reason: note,
	})
	log.Info(log.CatFSM, "Task transition",
		"taskID", t.ID, "from", prev, "to", t.State, "actor", actor, "event", kind)
	return t.Clone(), nil
}

func (e *Engine) taskLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

func requireOwner(t *Task, actor string) error {
	if t.Owner != actor {
		return fmt.Errorf("%w: %s owned by %q", ErrNotOwner, t.ID, t.Owner)
	}
	return nil
}

func requireTransition(t *Task, to State) error {
	if !CanTransition(t.State, to) {
		return transitionErr(t, to)
	}
	return nil
}

func transitionErr(t *Task, to State) error {
	return fmt.Errorf("%w: %s -> %s on task %s", ErrIllegalTransition, t.State, to, t.ID)
}
