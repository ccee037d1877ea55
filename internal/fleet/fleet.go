// Package fleet provides the agent registry and coordinate map.
// It catalogs the known agents, their capability tags, and the per-mode
// addressing metadata the delivery adapter uses to reach them.
package fleet

import (
	"time"
)

// AgentStatus represents an agent's current operational state.
// Status transitions are unrestricted and informational.
type AgentStatus string

const (
	StatusOffline AgentStatus = "offline"
	StatusIdle    AgentStatus = "idle"
	StatusBusy    AgentStatus = "busy"
	StatusActive  AgentStatus = "active"
	StatusError   AgentStatus = "error"
)

// SenderSystem is the sentinel sender id for messages originated by the
// substrate itself rather than by an agent.
const SenderSystem = "system"

// Target is an opaque coordinate pair the delivery adapter knows how to
// interpret. The registry never inspects it.
type Target struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Address holds the two targets for one (agent, mode) pair.
type Address struct {
	// Input is where rendered messages are delivered.
	Input Target `json:"input"`
	// Starter is where session-start payloads are delivered.
	Starter Target `json:"starter"`
}

// Agent is a logical worker identity in the fleet, not a thread.
type Agent struct {
	// ID is the agent identifier, e.g. "Agent-3".
	ID string `json:"id"`
	// Name is the human-readable name.
	Name string `json:"name"`
	// Capabilities are free-form skill tags used by the workflow claim phase.
	Capabilities []string `json:"capabilities,omitempty"`
	// Status is the last reported operational state.
	Status AgentStatus `json:"status"`
	// RegisteredAt is when the agent joined the roster.
	RegisteredAt time.Time `json:"registered_at"`
}

// HasCapability returns true if the agent carries the given tag.
func (a *Agent) HasCapability(tag string) bool {
	for _, c := range a.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}
