// Package bridge turns FSM events into addressed messages. It owns no
// authoritative state: the coordination set and task channel map are caches
// rebuildable from the task store at any time.
package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/covey/internal/fsm"
	"github.com/zjrosen/covey/internal/log"
	"github.com/zjrosen/covey/internal/messaging"
	"github.com/zjrosen/covey/internal/pubsub"
)

// Sender is the slice of the dispatcher the bridge needs.
type Sender interface {
	Send(sender string, recipients []string, priority messaging.Priority, kind messaging.Kind, body string) (*messaging.Message, error)
	Broadcast(sender string, priority messaging.Priority, kind messaging.Kind, body string) (*messaging.Message, error)
}

// senderSystem is the sender id stamped on bridge-originated messages.
const senderSystem = "system"

// Config tunes the bridge.
type Config struct {
	// ProgressInterval is how long a non-terminal task may go without any
	// emitted message before the bridge sends a periodic status update.
	ProgressInterval time.Duration
}

// Bridge subscribes to the FSM event stream and emits messages through the
// dispatcher. Errors are counted and logged, never propagated back into
// the FSM.
type Bridge struct {
	engine *fsm.Engine
	sender Sender
	cfg    Config

	// channels maps task id to its logical channel name; lastComm tracks
	// the last emitted message per task.
	channels *gocache.Cache
	lastComm *gocache.Cache

	mu          sync.Mutex
	coordinated map[string]map[string]bool // agent -> owned non-terminal task ids
	ownerOf     map[string]string          // task id -> last known owner

	errs atomic.Int64

	cancel  context.CancelFunc
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a bridge over the engine and sender.
func New(engine *fsm.Engine, sender Sender, cfg Config) *Bridge {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 10 * time.Minute
	}
	return &Bridge{
		engine:      engine,
		sender:      sender,
		cfg:         cfg,
		channels:    gocache.New(gocache.NoExpiration, 0),
		lastComm:    gocache.New(gocache.NoExpiration, 0),
		coordinated: make(map[string]map[string]bool),
		ownerOf:     make(map[string]string),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Start rebuilds the coordination set from the store and launches the
// event loop plus the periodic nudge ticker.
func (b *Bridge) Start() error {
	if err := b.RebuildCoordination(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	events := b.engine.Events(ctx)

	go b.loop(events)
	log.Info(log.CatBridge, "Bridge started", "progressInterval", b.cfg.ProgressInterval)
	return nil
}

// Stop terminates the loop and waits for it to exit.
func (b *Bridge) Stop() {
	b.once.Do(func() {
		close(b.done)
		if b.cancel != nil {
			b.cancel()
		}
		<-b.stopped
		log.Info(log.CatBridge, "Bridge stopped", "errors", b.errs.Load())
	})
}

// ErrorCount returns the number of isolated bridge errors so far.
func (b *Bridge) ErrorCount() int64 { return b.errs.Load() }

// CoordinatedAgents returns the sorted set of agents owning a non-terminal
// task.
func (b *Bridge) CoordinatedAgents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var agents []string
	for agent, tasks := range b.coordinated {
		if len(tasks) > 0 {
			agents = append(agents, agent)
		}
	}
	sort.Strings(agents)
	return agents
}

// TaskChannel returns the logical channel name for a task, creating it on
// first use.
func (b *Bridge) TaskChannel(taskID string) string {
	if name, ok := b.channels.Get(taskID); ok {
		return name.(string)
	}
	name := "task-" + taskID
	b.channels.SetDefault(taskID, name)
	return name
}

// RebuildCoordination recomputes the coordination set from the task store.
func (b *Bridge) RebuildCoordination() error {
	tasks, err := b.engine.List(fsm.Filter{})
	if err != nil {
		return fmt.Errorf("rebuilding coordination set: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.coordinated = make(map[string]map[string]bool)
	b.ownerOf = make(map[string]string)
	for _, t := range tasks {
		if t.State.IsTerminal() || t.Owner == "" {
			continue
		}
		b.trackLocked(t.Owner, t.ID)
	}
	return nil
}

func (b *Bridge) loop(events <-chan pubsub.Event[fsm.TaskEvent]) {
	defer close(b.stopped)

	ticker := time.NewTicker(b.cfg.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			b.handleEvent(ev.Payload)
		case <-ticker.C:
			b.nudgeStale()
		case <-b.done:
			return
		}
	}
}

// handleEvent translates one FSM event. Failures increment the error
// counter and are otherwise swallowed; the FSM stays authoritative.
func (b *Bridge) handleEvent(ev fsm.TaskEvent) {
	task := ev.Task
	if task == nil {
		return
	}
	b.TaskChannel(task.ID)
	b.updateCoordination(task)

	switch ev.Kind {
	case fsm.EventCreated:
		if task.Owner != "" {
			b.send(task, []string{task.Owner}, messaging.KindTaskNotification,
				fmt.Sprintf("New task assigned: %s\n%s", task.Title, b.progressBody(task)))
		}
		if task.IsContract() {
			b.broadcast(task, messaging.KindSystemBroadcast,
				fmt.Sprintf("Contract available for claiming: %s (%s)\n%s", task.Title, task.ID, b.progressBody(task)))
		}

	case fsm.EventClaimed, fsm.EventStarted, fsm.EventUnblocked, fsm.EventChangesRequested:
		b.notifyOwner(task, ev.Reason)

	case fsm.EventBlocked:
		b.requestCoordination(task, ev.Reason)

	case fsm.EventSubmitted:
		if task.PRID != "" {
			b.send(task, []string{task.Owner}, messaging.KindPREvent,
				fmt.Sprintf("Task %s submitted for review on pr %s\n%s", task.ID, task.PRID, b.progressBody(task)))
		} else {
			b.notifyOwner(task, ev.Reason)
		}

	case fsm.EventCompleted:
		b.notifyOwner(task, ev.Reason)
		b.notifyDependents(task)

	case fsm.EventCancelled, fsm.EventFailed:
		b.notifyOwner(task, ev.Reason)
	}
}

// notifyOwner emits a status_update with progress indicators to the owner.
func (b *Bridge) notifyOwner(task *fsm.Task, reason string) {
	if task.Owner == "" {
		return
	}
	body := fmt.Sprintf("Task %s is now %s", task.ID, task.State)
	if reason != "" {
		body += " (" + reason + ")"
	}
	b.send(task, []string{task.Owner}, messaging.KindStatusUpdate, body+"\n"+b.progressBody(task))
}

// requestCoordination routes a blocker to coordinator or manager agents in
// the coordinated set; when none match, every coordinated agent is asked.
func (b *Bridge) requestCoordination(task *fsm.Task, reason string) {
	coordinated := b.CoordinatedAgents()
	if len(coordinated) == 0 {
		log.Warn(log.CatBridge, "Blocked task has no coordinated agents to notify", "taskID", task.ID)
		return
	}

	var targets []string
	for _, agent := range coordinated {
		lower := strings.ToLower(agent)
		if strings.Contains(lower, "coordinator") || strings.Contains(lower, "manager") {
			targets = append(targets, agent)
		}
	}
	if len(targets) == 0 {
		targets = coordinated
	}

	body := fmt.Sprintf("Task %s is blocked: %s\nOwner: %s\n%s", task.ID, reason, task.Owner, b.progressBody(task))
	b.sendWithPriority(task, targets, messaging.PriorityHigh, messaging.KindCoordinationRequest, body)
}

// notifyDependents scans for tasks depending on the completed one and
// notifies their owners when every dependency is now satisfied.
func (b *Bridge) notifyDependents(completed *fsm.Task) {
	tasks, err := b.engine.List(fsm.Filter{})
	if err != nil {
		b.fail("scanning dependents", completed.ID, err)
		return
	}

	byID := make(map[string]*fsm.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		if t.State.IsTerminal() || !t.DependsOn(completed.ID) || t.Owner == "" {
			continue
		}
		eligible := true
		for _, dep := range t.Dependencies {
			depTask, ok := byID[dep]
			if !ok || depTask.State != fsm.StateCompleted {
				eligible = false
				break
			}
		}
		if !eligible {
			continue
		}
		b.send(t, []string{t.Owner}, messaging.KindTaskNotification,
			fmt.Sprintf("Dependency %s completed; task %s is ready to start\n%s",
				completed.ID, t.ID, b.progressBody(t)))
	}
}

// nudgeStale emits a periodic status update for tasks that have gone quiet.
func (b *Bridge) nudgeStale() {
	tasks, err := b.engine.List(fsm.Filter{
		States: []fsm.State{fsm.StateClaimed, fsm.StateInProgress, fsm.StateBlocked, fsm.StateReview},
	})
	if err != nil {
		b.fail("listing tasks for nudge", "", err)
		return
	}

	now := time.Now()
	for _, t := range tasks {
		if t.Owner == "" {
			continue
		}
		if last, ok := b.lastComm.Get(t.ID); ok {
			if now.Sub(last.(time.Time)) < b.cfg.ProgressInterval {
				continue
			}
		} else if t.LastCommunicationAt != nil {
			if now.Sub(*t.LastCommunicationAt) < b.cfg.ProgressInterval {
				continue
			}
		} else if now.Sub(t.UpdatedAt) < b.cfg.ProgressInterval {
			// No communication on record, e.g. after a restart; the last
			// mutation stands in so fresh tasks are not nudged immediately.
			continue
		}
		b.send(t, []string{t.Owner}, messaging.KindStatusUpdate,
			fmt.Sprintf("Still on task %s?\n%s", t.ID, b.progressBody(t)))
	}
}

// progressBody renders the shared progress indicators for status bodies.
func (b *Bridge) progressBody(task *fsm.Task) string {
	pct := fsm.Progress(task.State)
	if task.ProgressPct > pct && !task.State.IsTerminal() {
		pct = task.ProgressPct
	}
	elapsed := time.Since(task.CreatedAt).Round(time.Second)
	return fmt.Sprintf("progress=%d%% elapsed=%s evidence=%d", pct, elapsed, len(task.Evidence))
}

func (b *Bridge) send(task *fsm.Task, recipients []string, kind messaging.Kind, body string) {
	b.sendWithPriority(task, recipients, messaging.PriorityNormal, kind, body)
}

func (b *Bridge) sendWithPriority(task *fsm.Task, recipients []string, priority messaging.Priority, kind messaging.Kind, body string) {
	if _, err := b.sender.Send(senderSystem, recipients, priority, kind, body); err != nil {
		b.fail("sending "+string(kind), task.ID, err)
		return
	}
	b.touch(task.ID)
}

func (b *Bridge) broadcast(task *fsm.Task, kind messaging.Kind, body string) {
	if _, err := b.sender.Broadcast(senderSystem, messaging.PriorityNormal, kind, body); err != nil {
		b.fail("broadcasting "+string(kind), task.ID, err)
		return
	}
	b.touch(task.ID)
}

func (b *Bridge) touch(taskID string) {
	b.lastComm.SetDefault(taskID, time.Now())
	if err := b.engine.TouchCommunication(taskID); err != nil {
		b.fail("stamping last communication", taskID, err)
	}
}

func (b *Bridge) fail(what, taskID string, err error) {
	b.errs.Add(1)
	log.ErrorErr(log.CatBridge, "Bridge error: "+what, err, "taskID", taskID)
}

// updateCoordination keeps agent -> owned-task bookkeeping in sync with
// the event stream.
func (b *Bridge) updateCoordination(task *fsm.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.ownerOf[task.ID]; ok && prev != task.Owner {
		b.untrackLocked(prev, task.ID)
	}
	if task.State.IsTerminal() || task.Owner == "" {
		b.untrackLocked(task.Owner, task.ID)
		delete(b.ownerOf, task.ID)
		return
	}
	b.trackLocked(task.Owner, task.ID)
}

func (b *Bridge) trackLocked(agent, taskID string) {
	tasks, ok := b.coordinated[agent]
	if !ok {
		tasks = make(map[string]bool)
		b.coordinated[agent] = tasks
	}
	tasks[taskID] = true
	b.ownerOf[taskID] = agent
}

func (b *Bridge) untrackLocked(agent, taskID string) {
	if tasks, ok := b.coordinated[agent]; ok {
		delete(tasks, taskID)
		if len(tasks) == 0 {
			delete(b.coordinated, agent)
		}
	}
}
