package fleet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/covey/internal/log"
)

// ErrUnknownAgent is returned when an agent id is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrUnknownAddress is returned when an agent has no address in the
// current mode.
var ErrUnknownAddress = errors.New("agent not addressable in current mode")

// ErrUnknownMode is returned when switching to a mode no agent is
// configured for.
var ErrUnknownMode = errors.New("unknown mode")

// Registry is the catalog of known agents and their addressing metadata.
// It is read by many goroutines and written rarely (startup plus status
// changes), so a plain RWMutex is sufficient.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	addresses map[string]map[string]Address // agentID -> mode -> address
	mode      string
}

// NewRegistry creates an empty registry with the given starting mode.
func NewRegistry(mode string) *Registry {
	return &Registry{
		agents:    make(map[string]*Agent),
		addresses: make(map[string]map[string]Address),
		mode:      mode,
	}
}

// Register adds an agent with its per-mode addresses. Registering the same
// id again replaces the capability tags and merges the address map.
func (r *Registry) Register(agent Agent, addressByMode map[string]Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if agent.Status == "" {
		agent.Status = StatusOffline
	}
	if agent.RegisteredAt.IsZero() {
		agent.RegisteredAt = time.Now()
	}

	existing, ok := r.agents[agent.ID]
	if ok {
		existing.Name = agent.Name
		existing.Capabilities = agent.Capabilities
	} else {
		copied := agent
		r.agents[agent.ID] = &copied
	}

	byMode, ok := r.addresses[agent.ID]
	if !ok {
		byMode = make(map[string]Address)
		r.addresses[agent.ID] = byMode
	}
	for mode, addr := range addressByMode {
		byMode[mode] = addr
	}

	log.Debug(log.CatFleet, "Registered agent", "agentID", agent.ID, "modes", len(addressByMode))
}

// SetMode switches the operating mode. The mode must be configured for at
// least one registered agent.
func (r *Registry) SetMode(mode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := false
	for _, byMode := range r.addresses {
		if _, ok := byMode[mode]; ok {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}

	r.mode = mode
	log.Info(log.CatFleet, "Mode changed", "mode", mode)
	return nil
}

// Mode returns the current operating mode.
func (r *Registry) Mode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// ActiveAgents returns the sorted ids of agents addressable in the current
// mode. Callers own the returned slice.
func (r *Registry) ActiveAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, byMode := range r.addresses {
		if _, ok := byMode[r.mode]; ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// IsActive reports whether the agent is addressable in the current mode.
func (r *Registry) IsActive(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byMode, ok := r.addresses[agentID]
	if !ok {
		return false
	}
	_, ok = byMode[r.mode]
	return ok
}

// Address resolves the agent's address in the current mode.
func (r *Registry) Address(agentID string) (Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byMode, ok := r.addresses[agentID]
	if !ok {
		return Address{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	addr, ok := byMode[r.mode]
	if !ok {
		return Address{}, fmt.Errorf("%w: %s in mode %s", ErrUnknownAddress, agentID, r.mode)
	}
	return addr, nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(agentID string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return *agent, nil
}

// SetStatus updates an agent's informational status.
func (r *Registry) SetStatus(agentID string, status AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	agent.Status = status
	return nil
}

// All returns copies of every registered agent, sorted by id.
func (r *Registry) All() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		agents = append(agents, *a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// StandardRoster registers the fixed eight-agent roster with generated
// addresses for the 2-agent, 4-agent, and 8-agent modes. Agent-N is active
// in a mode when N does not exceed the mode's agent count.
func StandardRoster(r *Registry, capabilities map[string][]string) {
	modes := map[string]int{"2-agent": 2, "4-agent": 4, "8-agent": 8}

	for n := 1; n <= 8; n++ {
		id := fmt.Sprintf("Agent-%d", n)
		byMode := make(map[string]Address)
		for mode, count := range modes {
			if n > count {
				continue
			}
			// Column per agent, fixed rows for input vs starter.
			byMode[mode] = Address{
				Input:   Target{X: n, Y: 0},
				Starter: Target{X: n, Y: 1},
			}
		}
		r.Register(Agent{
			ID:           id,
			Name:         id,
			Capabilities: capabilities[id],
			Status:       StatusIdle,
		}, byMode)
	}
}
