// Package workflow drives the cyclic overnight loop: review available
// contracts, claim them for capable agents, advance claimed work, and
// broadcast progress, one supervised cycle per interval.
package workflow

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/covey/internal/fleet"
	"github.com/zjrosen/covey/internal/fsm"
	"github.com/zjrosen/covey/internal/log"
	"github.com/zjrosen/covey/internal/messaging"
)

// Sender is the messaging surface the orchestrator broadcasts through.
// *messaging.Dispatcher satisfies it.
type Sender interface {
	Send(sender string, recipients []string, priority messaging.Priority, kind messaging.Kind, body string) (*messaging.Message, error)
	Broadcast(sender string, priority messaging.Priority, kind messaging.Kind, body string) (*messaging.Message, error)
}

// Config tunes the loop. Zero values take the defaults.
type Config struct {
	// CycleInterval is the cadence between cycles.
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	// ProgressIncrement is the per-cycle advance for in-progress tasks.
	ProgressIncrement int `mapstructure:"progress_increment"`
	// SynthesizeBlockers injects occasional blockers past the halfway
	// point to exercise the coordination path.
	SynthesizeBlockers bool `mapstructure:"synthesize_blockers"`
}

func (c *Config) applyDefaults() {
	if c.CycleInterval <= 0 {
		c.CycleInterval = time.Hour
	}
	if c.ProgressIncrement <= 0 {
		c.ProgressIncrement = 20
	}
}

// CycleStats summarizes one cycle.
type CycleStats struct {
	Cycle      int64
	Claimed    int
	Started    int
	Progressed int
	Completed  int
	Blocked    int
}

// Orchestrator owns the loop. Phases run strictly in order within a
// cycle; a phase error aborts the cycle but not the loop.
type Orchestrator struct {
	engine *fsm.Engine
	fleet  *fleet.Registry
	sender Sender
	cfg    Config

	cycle    int64
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New builds an orchestrator over the engine, roster, and dispatcher.
func New(engine *fsm.Engine, reg *fleet.Registry, sender Sender, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		engine:  engine,
		fleet:   reg,
		sender:  sender,
		cfg:     cfg,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start launches the loop. The first cycle runs immediately.
func (o *Orchestrator) Start() {
	go o.loop()
	log.Info(log.CatWorkflow, "Workflow started", "interval", o.cfg.CycleInterval)
}

// Stop halts the loop after the current cycle finishes.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() { close(o.done) })
	<-o.stopped
}

func (o *Orchestrator) loop() {
	defer close(o.stopped)

	ticker := time.NewTicker(o.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		if _, err := o.RunOnce(); err != nil {
			log.ErrorErr(log.CatWorkflow, "Cycle aborted", err, "cycle", o.cycle)
		}
		select {
		case <-o.done:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single cycle: review & claim, work, report, summary.
func (o *Orchestrator) RunOnce() (CycleStats, error) {
	o.cycle++
	stats := CycleStats{Cycle: o.cycle}

	if err := o.reviewAndClaim(&stats); err != nil {
		return stats, fmt.Errorf("review phase: %w", err)
	}
	if err := o.work(&stats); err != nil {
		return stats, fmt.Errorf("work phase: %w", err)
	}
	if err := o.report(); err != nil {
		return stats, fmt.Errorf("report phase: %w", err)
	}
	o.broadcast(messaging.KindSystemBroadcast, fmt.Sprintf(
		"cycle %d complete: claimed=%d started=%d progressed=%d completed=%d blocked=%d",
		stats.Cycle, stats.Claimed, stats.Started, stats.Progressed, stats.Completed, stats.Blocked))
	log.Info(log.CatWorkflow, "Cycle complete", "cycle", stats.Cycle,
		"claimed", stats.Claimed, "completed", stats.Completed)
	return stats, nil
}

// reviewAndClaim broadcasts the open contracts and claims one per agent,
// best skill match first.
func (o *Orchestrator) reviewAndClaim(stats *CycleStats) error {
	contracts, err := o.engine.AvailableContracts()
	if err != nil {
		return err
	}
	if len(contracts) == 0 {
		return nil
	}

	var names []string
	for _, t := range contracts {
		names = append(names, fmt.Sprintf("%s (%s, %s)", t.ID, t.Title, t.Priority))
	}
	o.broadcast(messaging.KindSystemBroadcast, "contracts available: "+strings.Join(names, ", "))

	agents := o.fleet.All()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	remaining := append([]*fsm.Task(nil), contracts...)
	for _, agent := range agents {
		best := pickContract(&agent, remaining)
		if best < 0 {
			continue
		}
		task := remaining[best]
		claimed, err := o.engine.Claim(task.ID, agent.ID)
		if err != nil {
			log.Warn(log.CatWorkflow, "Claim skipped", "task", task.ID, "agent", agent.ID, "error", err)
			continue
		}
		remaining = append(remaining[:best], remaining[best+1:]...)
		stats.Claimed++
		o.notify(agent.ID, claimed, fmt.Sprintf("claimed task %s: %s", claimed.ID, claimed.Title))
	}
	return nil
}

// pickContract scores each eligible contract for the agent and returns the
// best index, or -1. Ties break by priority, then by the longer
// description.
func pickContract(agent *fleet.Agent, contracts []*fsm.Task) int {
	best := -1
	bestScore, bestRank, bestComplexity := -1, -1, -1
	for i, t := range contracts {
		if !eligible(agent.ID, t) {
			continue
		}
		score := skillScore(agent, t)
		rank := t.Priority.Rank()
		complexity := len(t.Description)
		if score > bestScore ||
			(score == bestScore && rank > bestRank) ||
			(score == bestScore && rank == bestRank && complexity > bestComplexity) {
			best, bestScore, bestRank, bestComplexity = i, score, rank, complexity
		}
	}
	return best
}

func eligible(agentID string, t *fsm.Task) bool {
	if t.Contract == nil {
		return false
	}
	ok, inTime := t.Contract.Open(agentID, time.Now())
	return ok && inTime
}

// skillScore counts the agent's capability tags appearing in the task text.
func skillScore(agent *fleet.Agent, t *fsm.Task) int {
	haystack := strings.ToLower(t.Title + " " + t.Description)
	score := 0
	for _, tag := range agent.Capabilities {
		if tag != "" && strings.Contains(haystack, strings.ToLower(tag)) {
			score++
		}
	}
	return score
}

// work starts claimed tasks and advances in-progress ones. Tasks reaching
// full progress are submitted and approved in the same cycle.
func (o *Orchestrator) work(stats *CycleStats) error {
	claimed, err := o.engine.List(fsm.Filter{States: []fsm.State{fsm.StateClaimed}})
	if err != nil {
		return err
	}
	for _, t := range claimed {
		if _, err := o.engine.Start(t.ID, t.Owner); err != nil {
			log.Warn(log.CatWorkflow, "Start skipped", "task", t.ID, "error", err)
			continue
		}
		stats.Started++
	}

	inProgress, err := o.engine.List(fsm.Filter{States: []fsm.State{fsm.StateInProgress}})
	if err != nil {
		return err
	}
	for _, t := range inProgress {
		if o.cfg.SynthesizeBlockers && t.ProgressPct > 50 && synthesizeBlocker(t.ID) {
			if _, err := o.engine.Block(t.ID, t.Owner, "synthesized blocker"); err == nil {
				stats.Blocked++
				continue
			}
		}

		pct := t.ProgressPct + o.cfg.ProgressIncrement
		if pct >= 100 {
			if err := o.complete(t); err != nil {
				log.Warn(log.CatWorkflow, "Completion skipped", "task", t.ID, "error", err)
				continue
			}
			stats.Completed++
			continue
		}
		if _, err := o.engine.RecordProgress(t.ID, t.Owner, pct); err != nil {
			log.Warn(log.CatWorkflow, "Progress skipped", "task", t.ID, "error", err)
			continue
		}
		stats.Progressed++
	}
	return nil
}

func (o *Orchestrator) complete(t *fsm.Task) error {
	if _, err := o.engine.RecordProgress(t.ID, t.Owner, 100); err != nil {
		return err
	}
	if _, err := o.engine.SubmitForReview(t.ID, t.Owner); err != nil {
		return err
	}
	_, err := o.engine.Approve(t.ID, fleet.SenderSystem)
	return err
}

// synthesizeBlocker is a deterministic quarter-rate gate on the task id.
func synthesizeBlocker(id string) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32()%4 == 0
}

// report broadcasts counts by state and per-agent workload.
func (o *Orchestrator) report() error {
	tasks, err := o.engine.List(fsm.Filter{})
	if err != nil {
		return err
	}

	byState := make(map[fsm.State]int)
	byOwner := make(map[string]int)
	for _, t := range tasks {
		byState[t.State]++
		if t.Owner != "" && !t.State.IsTerminal() {
			byOwner[t.Owner]++
		}
	}

	var parts []string
	for _, s := range []fsm.State{
		fsm.StateNew, fsm.StateClaimed, fsm.StateInProgress, fsm.StateBlocked,
		fsm.StateReview, fsm.StateCompleted, fsm.StateCancelled, fsm.StateFailed,
	} {
		if byState[s] > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, byState[s]))
		}
	}

	owners := make([]string, 0, len(byOwner))
	for id := range byOwner {
		owners = append(owners, id)
	}
	sort.Strings(owners)
	for _, id := range owners {
		parts = append(parts, fmt.Sprintf("%s:%d", id, byOwner[id]))
	}

	o.broadcast(messaging.KindStatusUpdate, "progress report: "+strings.Join(parts, " "))
	return nil
}

func (o *Orchestrator) notify(agentID string, t *fsm.Task, body string) {
	priority := messaging.Priority(t.Priority)
	if !priority.Valid() {
		priority = messaging.PriorityNormal
	}
	if _, err := o.sender.Send(fleet.SenderSystem, []string{agentID}, priority, messaging.KindTaskNotification, body); err != nil {
		log.ErrorErr(log.CatWorkflow, "Notify failed", err, "agent", agentID)
	}
}

func (o *Orchestrator) broadcast(kind messaging.Kind, body string) {
	if _, err := o.sender.Broadcast(fleet.SenderSystem, messaging.PriorityNormal, kind, body); err != nil {
		log.ErrorErr(log.CatWorkflow, "Broadcast failed", err, "kind", kind)
	}
}
