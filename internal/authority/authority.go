// Package authority gates component plans and code complexity against the
// project registry's rulebook. It is advisory on style and binding on the
// hard rules: no duplicate components, no oversized functions.
package authority

import (
	"fmt"

	"github.com/zjrosen/covey/internal/log"
	"github.com/zjrosen/covey/internal/registry"
	"github.com/zjrosen/covey/internal/vibe"
)

// Severity grades a design review.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DesignReview is the outcome of one review. Feedback explains the verdict;
// Alternatives name registry patterns or components worth using instead.
type DesignReview struct {
	Approved     bool     `json:"approved"`
	Severity     Severity `json:"severity"`
	Feedback     []string `json:"feedback"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// Config holds the hard complexity limits. Zero values take the defaults.
type Config struct {
	MaxFunctionLines int `mapstructure:"max_function_lines"`
	MaxNestingDepth  int `mapstructure:"max_nesting_depth"`
	MaxParameters    int `mapstructure:"max_parameters"`
}

// DefaultConfig returns the stock limits.
func DefaultConfig() Config {
	return Config{MaxFunctionLines: 30, MaxNestingDepth: 3, MaxParameters: 5}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxFunctionLines <= 0 {
		c.MaxFunctionLines = d.MaxFunctionLines
	}
	if c.MaxNestingDepth <= 0 {
		c.MaxNestingDepth = d.MaxNestingDepth
	}
	if c.MaxParameters <= 0 {
		c.MaxParameters = d.MaxParameters
	}
}

// Authority reviews plans and code against the registry.
type Authority struct {
	reg      *registry.Registry
	analyzer *vibe.Analyzer
	cfg      Config
}

// New builds an authority over the given registry.
func New(reg *registry.Registry, cfg Config) *Authority {
	cfg.applyDefaults()
	return &Authority{
		reg: reg,
		analyzer: vibe.New(vibe.Config{
			MaxFunctionLines: cfg.MaxFunctionLines,
			MaxNestingDepth:  cfg.MaxNestingDepth,
			MaxParameters:    cfg.MaxParameters,
		}),
		cfg: cfg,
	}
}

// ReviewComponentPlan vets a proposed component before any code exists.
// A name collision is a hard rejection; rulebook violations reject with the
// matched rules; red flags alone approve with a warning.
func (a *Authority) ReviewComponentPlan(name, purpose, details string) DesignReview {
	if a.reg.Exists(name) {
		existing, err := a.reg.Get(name)
		review := DesignReview{
			Severity: SeverityError,
			Feedback: []string{fmt.Sprintf("component %q already exists; extend it instead of duplicating", name)},
		}
		if err == nil {
			review.Alternatives = []string{fmt.Sprintf("reuse %s at %s (owner %s)", existing.Name, existing.Path, existing.Owner)}
		}
		a.logReview("plan", name, review)
		return review
	}

	result := a.reg.ValidateDesignDecision(purpose, details)

	review := DesignReview{Approved: true, Severity: SeverityInfo}
	switch {
	case len(result.Violations) > 0:
		review.Approved = false
		review.Severity = SeverityError
		review.Feedback = result.Violations
		review.Alternatives = a.suggestPatterns()
	case len(result.Recommendations) > 0:
		review.Severity = SeverityWarning
		review.Feedback = result.Recommendations
	default:
		review.Feedback = []string{fmt.Sprintf("plan for %q approved", name)}
	}
	a.logReview("plan", name, review)
	return review
}

// ReviewCodeComplexity applies the hard limits to a snippet. Any function
// over the line, nesting, or parameter limit rejects the code.
func (a *Authority) ReviewCodeComplexity(name, code string) DesignReview {
	review := DesignReview{Approved: true, Severity: SeverityInfo}
	for _, v := range a.analyzer.AnalyzeSource(name, code) {
		switch v.Type {
		case vibe.TypeLongFunction, vibe.TypeDeepNesting, vibe.TypeTooManyParameters:
			review.Approved = false
			review.Severity = SeverityError
			review.Feedback = append(review.Feedback,
				fmt.Sprintf("%s:%d %s", v.File, v.Line, v.Description))
			review.Alternatives = append(review.Alternatives, v.Suggestion)
		}
	}
	if review.Approved {
		review.Feedback = []string{"complexity within limits"}
	}
	a.logReview("complexity", name, review)
	return review
}

func (a *Authority) suggestPatterns() []string {
	var out []string
	for _, p := range a.reg.Rules().CodePatterns {
		out = append(out, fmt.Sprintf("%s: %s", p.Name, p.Description))
	}
	return out
}

func (a *Authority) logReview(kind, subject string, review DesignReview) {
	log.Info(log.CatReview, "Design review",
		"kind", kind, "subject", subject,
		"approved", review.Approved, "severity", review.Severity)
}
