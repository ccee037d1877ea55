// Package fsm is the authoritative store for work units. Tasks move through
// a fixed transition graph; every mutation is persisted before it returns
// and emits an event for the bridge.
package fsm

import (
	"encoding/json"
	"time"
)

// State is a task's position in the lifecycle graph.
type State string

const (
	StateNew        State = "new"
	StateClaimed    State = "claimed"
	StateInProgress State = "in_progress"
	StateBlocked    State = "blocked"
	StateReview     State = "review"
	StateCompleted  State = "completed"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Valid reports whether s is a defined state.
func (s State) Valid() bool {
	switch s {
	case StateNew, StateClaimed, StateInProgress, StateBlocked,
		StateReview, StateCompleted, StateCancelled, StateFailed:
		return true
	}
	return false
}

// successors is the legal transition graph. Operations add their own guards
// (ownership, dependencies, contract terms) on top of it.
var successors = map[State][]State{
	StateNew:        {StateClaimed, StateCancelled},
	StateClaimed:    {StateInProgress, StateCancelled},
	StateInProgress: {StateBlocked, StateReview, StateCompleted, StateCancelled, StateFailed},
	StateBlocked:    {StateInProgress, StateCancelled, StateFailed},
	StateReview:     {StateCompleted, StateInProgress, StateCancelled, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the legal graph.
func CanTransition(from, to State) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Progress maps a state to its deterministic completion percentage, embedded
// in status updates.
func Progress(s State) int {
	switch s {
	case StateClaimed:
		return 10
	case StateBlocked:
		return 25
	case StateInProgress:
		return 50
	case StateReview:
		return 75
	case StateCompleted:
		return 100
	default:
		return 0
	}
}

// Priority orders tasks for claiming.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank returns the numeric ordering; higher is more urgent. Unknown
// priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// ClaimableByAnyone is the wildcard for contracts open to the whole fleet.
const ClaimableByAnyone = "*"

// Evidence is one entry of a task's append-only audit log.
type Evidence struct {
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note"`
}

// Contract holds the claiming terms of a task offered to the fleet.
type Contract struct {
	// ClaimableBy lists eligible agent ids; ["*"] opens the contract to
	// anyone.
	ClaimableBy []string `json:"claimable_by"`

	// ClaimDeadline, when set, rejects claims after this instant.
	ClaimDeadline *time.Time `json:"claim_deadline,omitempty"`
}

// Open reports whether the agent may claim under this contract at t.
func (c *Contract) Open(agent string, t time.Time) (eligible, inTime bool) {
	if c == nil {
		return true, true
	}
	inTime = c.ClaimDeadline == nil || !t.After(*c.ClaimDeadline)
	for _, id := range c.ClaimableBy {
		if id == ClaimableByAnyone || id == agent {
			return true, inTime
		}
	}
	return len(c.ClaimableBy) == 0, inTime
}

// Task is one unit of work. The json field names are the stable on-disk
// schema; Extra preserves fields written by other tools so a round-trip
// never drops them.
type Task struct {
	ID           string     `json:"task_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Owner        string     `json:"assigned_agent,omitempty"`
	Priority     Priority   `json:"priority"`
	State        State      `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Evidence     []Evidence `json:"evidence"`

	LastCommunicationAt *time.Time `json:"last_communication_at,omitempty"`
	PRID                string     `json:"pr_id,omitempty"`
	ProgressPct         int        `json:"progress,omitempty"`
	Contract            *Contract  `json:"contract,omitempty"`

	// Extra carries unknown fields verbatim across load/save cycles.
	Extra map[string]json.RawMessage `json:"-"`
}

// IsContract reports whether the task carries claiming terms.
func (t *Task) IsContract() bool { return t.Contract != nil }

// DependsOn reports whether taskID is among the task's dependencies.
func (t *Task) DependsOn(taskID string) bool {
	for _, dep := range t.Dependencies {
		if dep == taskID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to observers.
func (t *Task) Clone() *Task {
	out := *t
	out.Dependencies = append([]string(nil), t.Dependencies...)
	out.Evidence = append([]Evidence(nil), t.Evidence...)
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		out.CompletedAt = &ts
	}
	if t.LastCommunicationAt != nil {
		ts := *t.LastCommunicationAt
		out.LastCommunicationAt = &ts
	}
	if t.Contract != nil {
		c := *t.Contract
		c.ClaimableBy = append([]string(nil), t.Contract.ClaimableBy...)
		if t.Contract.ClaimDeadline != nil {
			d := *t.Contract.ClaimDeadline
			c.ClaimDeadline = &d
		}
		out.Contract = &c
	}
	if t.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// taskAlias breaks the MarshalJSON/UnmarshalJSON recursion.
type taskAlias Task

// knownTaskFields are the json keys owned by this schema; everything else
// is preserved in Extra.
var knownTaskFields = map[string]bool{
	"task_id": true, "title": true, "description": true,
	"assigned_agent": true, "priority": true, "status": true,
	"dependencies": true, "created_at": true, "updated_at": true,
	"completed_at": true, "evidence": true, "last_communication_at": true,
	"pr_id": true, "progress": true, "contract": true,
}

// UnmarshalJSON decodes the known schema and stashes unknown fields.
func (t *Task) UnmarshalJSON(data []byte) error {
	var alias taskAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if knownTaskFields[key] {
			delete(raw, key)
		}
	}
	if len(raw) > 0 {
		alias.Extra = raw
	}

	*t = Task(alias)
	return nil
}

// MarshalJSON emits the known schema merged with any preserved fields.
// Known fields always win over stale preserved copies.
func (t *Task) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(taskAlias(*t))
	if err != nil {
		return nil, err
	}
	if len(t.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, val := range t.Extra {
		if _, ok := merged[key]; !ok {
			merged[key] = val
		}
	}
	return json.Marshal(merged)
}
