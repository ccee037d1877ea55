package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PrincipleSeverity weights a design principle.
type PrincipleSeverity string

const (
	PrincipleRequired    PrincipleSeverity = "required"
	PrincipleRecommended PrincipleSeverity = "recommended"
	PrincipleOptional    PrincipleSeverity = "optional"
)

// DesignPrinciple is a rule a design decision is scanned against. RedFlags
// are lowercase substrings whose presence indicates a likely violation.
type DesignPrinciple struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description" yaml:"description"`
	Severity    PrincipleSeverity `json:"severity" yaml:"severity"`
	RedFlags    []string          `json:"red_flags" yaml:"red_flags"`
}

// AntiPatternSeverity weights an anti-pattern.
type AntiPatternSeverity string

const (
	AntiPatternCritical AntiPatternSeverity = "critical"
	AntiPatternMajor    AntiPatternSeverity = "major"
	AntiPatternMinor    AntiPatternSeverity = "minor"
)

// AntiPattern names a known-bad approach. Manifestations are lowercase
// substrings that betray it in plans or code.
type AntiPattern struct {
	Name           string              `json:"name" yaml:"name"`
	Description    string              `json:"description" yaml:"description"`
	Severity       AntiPatternSeverity `json:"severity" yaml:"severity"`
	Manifestations []string            `json:"manifestations" yaml:"manifestations"`
}

// CodePattern is a recommended approach surfaced in review feedback.
type CodePattern struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Example     string   `json:"example,omitempty" yaml:"example,omitempty"`
	UseWhen     []string `json:"use_when,omitempty" yaml:"use_when,omitempty"`
}

// Rulebook bundles the rule sets loaded at startup.
type Rulebook struct {
	Principles   []DesignPrinciple `yaml:"principles"`
	AntiPatterns []AntiPattern     `yaml:"anti_patterns"`
	CodePatterns []CodePattern     `yaml:"code_patterns"`
}

// LoadRulebook reads a yaml rulebook from disk.
func LoadRulebook(path string) (Rulebook, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied rulebook path
	if err != nil {
		return Rulebook{}, fmt.Errorf("reading rulebook: %w", err)
	}
	var rb Rulebook
	if err := yaml.Unmarshal(data, &rb); err != nil {
		return Rulebook{}, fmt.Errorf("parsing rulebook: %w", err)
	}
	return rb, nil
}

// BuiltinRulebook returns the default rules applied when no rulebook file
// is configured.
func BuiltinRulebook() Rulebook {
	return Rulebook{
		Principles: []DesignPrinciple{
			{
				Name:        "single-responsibility",
				Description: "A component does one thing; split multi-purpose designs",
				Severity:    PrincipleRequired,
				RedFlags:    []string{"and also", "as well as", "handles everything", "god object", "multi-purpose"},
			},
			{
				Name:        "explicit-dependencies",
				Description: "Dependencies are passed in at construction, never reached for globally",
				Severity:    PrincipleRequired,
				RedFlags:    []string{"global state", "singleton", "process-wide", "shared mutable"},
			},
			{
				Name:        "small-surface",
				Description: "Prefer a narrow interface over a wide one",
				Severity:    PrincipleRecommended,
				RedFlags:    []string{"kitchen sink", "swiss army", "catch-all api"},
			},
			{
				Name:        "reuse-first",
				Description: "Check the registry before writing a new component",
				Severity:    PrincipleRecommended,
				RedFlags:    []string{"quick copy", "duplicate of", "reimplement"},
			},
		},
		AntiPatterns: []AntiPattern{
			{
				Name:           "god-object",
				Description:    "One type accumulating unrelated responsibilities",
				Severity:       AntiPatternCritical,
				Manifestations: []string{"manager that does", "does everything", "central controller for all"},
			},
			{
				Name:           "copy-paste-reuse",
				Description:    "Duplicating an existing component instead of extending it",
				Severity:       AntiPatternCritical,
				Manifestations: []string{"copied from", "duplicate implementation", "paste the existing"},
			},
			{
				Name:           "premature-abstraction",
				Description:    "Layers of indirection before a second use case exists",
				Severity:       AntiPatternMajor,
				Manifestations: []string{"abstract factory", "for future flexibility", "pluggable everything"},
			},
			{
				Name:           "silent-failure",
				Description:    "Swallowing errors without recording them",
				Severity:       AntiPatternMajor,
				Manifestations: []string{"ignore the error", "swallow exception", "fail silently"},
			},
			{
				Name:           "magic-values",
				Description:    "Unexplained literals wired into logic",
				Severity:       AntiPatternMinor,
				Manifestations: []string{"hardcoded", "magic number"},
			},
		},
		CodePatterns: []CodePattern{
			{
				Name:        "constructor-injection",
				Description: "Pass collaborators into New functions; keep zero globals",
				UseWhen:     []string{"a component needs another component"},
			},
			{
				Name:        "result-with-reason",
				Description: "Return structured results carrying a reason string instead of bare booleans",
				UseWhen:     []string{"an operation can be rejected for several causes"},
			},
		},
	}
}
