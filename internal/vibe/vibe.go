// Package vibe is a language-agnostic static analyzer for code simplicity:
// function length, nesting, cyclomatic complexity, parameter counts, file
// length, duplication, and known anti-pattern substrings.
package vibe

import "fmt"

// Severity classifies a violation.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// ViolationType names the check that fired.
type ViolationType string

const (
	TypeLongFunction      ViolationType = "long_function"
	TypeDeepNesting       ViolationType = "deep_nesting"
	TypeHighComplexity    ViolationType = "high_complexity"
	TypeTooManyParameters ViolationType = "too_many_parameters"
	TypeLongFile          ViolationType = "long_file"
	TypeDuplicateLines    ViolationType = "duplicate_lines"
	TypeAntiPattern       ViolationType = "anti_pattern"
)

// Violation is one finding with its location and a concrete suggestion.
type Violation struct {
	File        string        `json:"file"`
	Line        int           `json:"line"`
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Suggestion  string        `json:"suggestion"`
}

// Result is the aggregate verdict of a report.
type Result string

const (
	ResultPass    Result = "pass"
	ResultWarning Result = "warning"
	ResultFail    Result = "fail"
)

// Report aggregates violations over one or more files.
type Report struct {
	Files      []string    `json:"files"`
	Violations []Violation `json:"violations"`
	Result     Result      `json:"result"`
}

// Summary renders a one-line digest for embedding in review feedback.
func (r Report) Summary() string {
	errs, warns := 0, 0
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			errs++
		} else {
			warns++
		}
	}
	return fmt.Sprintf("vibe check: %s (%d files, %d errors, %d warnings)",
		r.Result, len(r.Files), errs, warns)
}

// Config holds the analyzer thresholds. Zero values take the defaults.
type Config struct {
	MaxComplexity     int  `mapstructure:"max_complexity"`
	MaxFunctionLines  int  `mapstructure:"max_function_lines"`
	MaxNestingDepth   int  `mapstructure:"max_nesting_depth"`
	MaxParameters     int  `mapstructure:"max_parameters"`
	MaxFileLines      int  `mapstructure:"max_file_lines"`
	MaxLineRepeats    int  `mapstructure:"max_line_repeats"`
	DuplicateLineSize int  `mapstructure:"duplicate_line_size"`
	StrictMode        bool `mapstructure:"strict_mode"`

	// AntiPatterns are substrings flagged wherever they appear.
	AntiPatterns []string `mapstructure:"anti_patterns"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MaxComplexity:     8,
		MaxFunctionLines:  30,
		MaxNestingDepth:   3,
		MaxParameters:     5,
		MaxFileLines:      300,
		MaxLineRepeats:    3,
		DuplicateLineSize: 20,
		AntiPatterns:      defaultAntiPatterns(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxComplexity <= 0 {
		c.MaxComplexity = d.MaxComplexity
	}
	if c.MaxFunctionLines <= 0 {
		c.MaxFunctionLines = d.MaxFunctionLines
	}
	if c.MaxNestingDepth <= 0 {
		c.MaxNestingDepth = d.MaxNestingDepth
	}
	if c.MaxParameters <= 0 {
		c.MaxParameters = d.MaxParameters
	}
	if c.MaxFileLines <= 0 {
		c.MaxFileLines = d.MaxFileLines
	}
	if c.MaxLineRepeats <= 0 {
		c.MaxLineRepeats = d.MaxLineRepeats
	}
	if c.DuplicateLineSize <= 0 {
		c.DuplicateLineSize = d.DuplicateLineSize
	}
	if c.AntiPatterns == nil {
		c.AntiPatterns = d.AntiPatterns
	}
}

func defaultAntiPatterns() []string {
	return []string{
		"except:",
		"except Exception:",
		"catch (Exception",
		"eval(",
		"exec(",
		"global ",
		"TODO: remove",
	}
}
