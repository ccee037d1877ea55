package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/covey/internal/log"
)

// Registry holds the component catalog and the active rulebook, persisted
// as one JSON file.
type Registry struct {
	mu   sync.RWMutex
	path string

	projectName  string
	version      string
	components   map[string]*Component
	rules        Rulebook
	activeAgents []string
	lastUpdated  time.Time
}

// registryFile is the stable on-disk schema.
type registryFile struct {
	ProjectName  string               `json:"project_name"`
	Version      string               `json:"version"`
	Components   map[string]Component `json:"components"`
	Patterns     []patternRecord      `json:"patterns"`
	LastUpdated  time.Time            `json:"last_updated"`
	ActiveAgents []string             `json:"active_agents"`
}

// patternRecord is the tagged union persisting all three rule kinds in the
// single patterns list.
type patternRecord struct {
	Kind           string              `json:"kind"`
	Name           string              `json:"name"`
	Description    string              `json:"description"`
	Severity       string              `json:"severity,omitempty"`
	RedFlags       []string            `json:"red_flags,omitempty"`
	Manifestations []string            `json:"manifestations,omitempty"`
	Example        string              `json:"example,omitempty"`
	UseWhen        []string            `json:"use_when,omitempty"`
}

const (
	patternKindPrinciple   = "principle"
	patternKindAntiPattern = "anti_pattern"
	patternKindCodePattern = "code_pattern"
)

// Open loads the registry at path, or initializes a fresh one with the
// given project name and the builtin rulebook.
func Open(path, projectName string) (*Registry, error) {
	r := &Registry{
		path:        path,
		projectName: projectName,
		version:     "1",
		components:  make(map[string]*Component),
		rules:       BuiltinRulebook(),
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path rooted at configured data dir
	switch {
	case err == nil:
		if err := r.load(data); err != nil {
			return nil, err
		}
		log.Info(log.CatRegistry, "Registry loaded", "path", path, "components", len(r.components))
	case os.IsNotExist(err):
		log.Info(log.CatRegistry, "Starting empty registry", "path", path)
	default:
		return nil, fmt.Errorf("reading registry: %w", err)
	}
	return r, nil
}

// UseRulebook replaces the active rules, typically from a yaml rulebook.
func (r *Registry) UseRulebook(rb Rulebook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = rb
	return r.persistLocked()
}

// Rules returns the active rulebook.
func (r *Registry) Rules() Rulebook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rules
}

// Register adds a component. Names are unique; registering a taken name
// fails.
func (r *Registry) Register(c Component) (Component, error) {
	if c.Name == "" || c.Path == "" {
		return Component{}, fmt.Errorf("%w: name and path required", ErrInvalidComponent)
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if !c.Status.IsValid() {
		return Component{}, fmt.Errorf("%w: status %q", ErrInvalidComponent, c.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.components[c.Name]; ok {
		return Component{}, fmt.Errorf("%w: %s", ErrComponentExists, c.Name)
	}

	now := time.Now()
	c.CreatedAt = now
	c.LastModified = now
	stored := c
	r.components[c.Name] = &stored

	if err := r.persistLocked(); err != nil {
		delete(r.components, c.Name)
		return Component{}, err
	}
	log.Info(log.CatRegistry, "Component registered", "name", c.Name, "owner", c.Owner, "path", c.Path)
	return c, nil
}

// Get returns one component by name.
func (r *Registry) Get(name string) (Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.components[name]
	if !ok {
		return Component{}, fmt.Errorf("%w: %s", ErrComponentNotFound, name)
	}
	return *c, nil
}

// Exists reports whether a component name is registered.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.components[name]
	return ok
}

// Update applies the non-nil fields and stamps last_modified.
func (r *Registry) Update(name string, u ComponentUpdate) (Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[name]
	if !ok {
		return Component{}, fmt.Errorf("%w: %s", ErrComponentNotFound, name)
	}

	if u.Status != nil && !u.Status.IsValid() {
		return Component{}, fmt.Errorf("%w: status %q", ErrInvalidComponent, *u.Status)
	}

	prev := *c
	if u.Path != nil {
		c.Path = *u.Path
	}
	if u.Purpose != nil {
		c.Purpose = *u.Purpose
	}
	if u.Dependencies != nil {
		c.Dependencies = append([]string(nil), (*u.Dependencies)...)
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	c.LastModified = time.Now()

	if err := r.persistLocked(); err != nil {
		*c = prev
		return Component{}, err
	}
	return *c, nil
}

// TransferOwnership reassigns a component to another agent.
func (r *Registry) TransferOwnership(name, newOwner string) (Component, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.components[name]
	if !ok {
		return Component{}, fmt.Errorf("%w: %s", ErrComponentNotFound, name)
	}

	prev := *c
	c.Owner = newOwner
	c.LastModified = time.Now()

	if err := r.persistLocked(); err != nil {
		*c = prev
		return Component{}, err
	}
	log.Info(log.CatRegistry, "Ownership transferred", "name", name, "from", prev.Owner, "to", newOwner)
	return *c, nil
}

// List returns components sorted by name; byOwner narrows to one owner
// when non-empty.
func (r *Registry) List(byOwner string) []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Component
	for _, c := range r.components {
		if byOwner != "" && c.Owner != byOwner {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summary aggregates the registry state.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{
		ProjectName:    r.projectName,
		Version:        r.version,
		ComponentCount: len(r.components),
		ByStatus:       make(map[ComponentStatus]int),
		ByOwner:        make(map[string]int),
		LastUpdated:    r.lastUpdated,
	}
	for _, c := range r.components {
		s.ByStatus[c.Status]++
		if c.Owner != "" {
			s.ByOwner[c.Owner]++
		}
	}
	return s
}

// SetActiveAgents records the fleet roster persisted alongside components.
func (r *Registry) SetActiveAgents(agents []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeAgents = append([]string(nil), agents...)
	return r.persistLocked()
}

// ActiveAgents returns the persisted roster.
func (r *Registry) ActiveAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.activeAgents...)
}

func (r *Registry) load(data []byte) error {
	var f registryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing registry: %w", err)
	}

	if f.ProjectName != "" {
		r.projectName = f.ProjectName
	}
	if f.Version != "" {
		r.version = f.Version
	}
	r.activeAgents = f.ActiveAgents
	r.lastUpdated = f.LastUpdated

	r.components = make(map[string]*Component, len(f.Components))
	for name, c := range f.Components {
		stored := c
		r.components[name] = &stored
	}

	if len(f.Patterns) > 0 {
		r.rules = rulebookFromRecords(f.Patterns)
	}
	return nil
}

func (r *Registry) persistLocked() error {
	r.lastUpdated = time.Now()

	f := registryFile{
		ProjectName:  r.projectName,
		Version:      r.version,
		Components:   make(map[string]Component, len(r.components)),
		Patterns:     recordsFromRulebook(r.rules),
		LastUpdated:  r.lastUpdated,
		ActiveAgents: r.activeAgents,
	}
	for name, c := range r.components {
		f.Components[name] = *c
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("staging registry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("committing registry: %w", err)
	}
	return nil
}

func recordsFromRulebook(rb Rulebook) []patternRecord {
	var out []patternRecord
	for _, p := range rb.Principles {
		out = append(out, patternRecord{
			Kind: patternKindPrinciple, Name: p.Name, Description: p.Description,
			Severity: string(p.Severity), RedFlags: p.RedFlags,
		})
	}
	for _, a := range rb.AntiPatterns {
		out = append(out, patternRecord{
			Kind: patternKindAntiPattern, Name: a.Name, Description: a.Description,
			Severity: string(a.Severity), Manifestations: a.Manifestations,
		})
	}
	for _, c := range rb.CodePatterns {
		out = append(out, patternRecord{
			Kind: patternKindCodePattern, Name: c.Name, Description: c.Description,
			Example: c.Example, UseWhen: c.UseWhen,
		})
	}
	return out
}

func rulebookFromRecords(records []patternRecord) Rulebook {
	var rb Rulebook
	for _, rec := range records {
		switch rec.Kind {
		case patternKindPrinciple:
			rb.Principles = append(rb.Principles, DesignPrinciple{
				Name: rec.Name, Description: rec.Description,
				Severity: PrincipleSeverity(rec.Severity), RedFlags: rec.RedFlags,
			})
		case patternKindAntiPattern:
			rb.AntiPatterns = append(rb.AntiPatterns, AntiPattern{
				Name: rec.Name, Description: rec.Description,
				Severity: AntiPatternSeverity(rec.Severity), Manifestations: rec.Manifestations,
			})
		case patternKindCodePattern:
			rb.CodePatterns = append(rb.CodePatterns, CodePattern{
				Name: rec.Name, Description: rec.Description,
				Example: rec.Example, UseWhen: rec.UseWhen,
			})
		}
	}
	return rb
}
