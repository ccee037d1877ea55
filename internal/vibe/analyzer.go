package vibe

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/zjrosen/covey/internal/log"
)

// Analyzer scans source text line by line. It is language-agnostic:
// functions are recognized by common declaration keywords and measured by
// indentation (python style) or brace depth (brace style).
type Analyzer struct {
	cfg Config
}

// New returns an analyzer with defaults filled in for zero-valued fields.
func New(cfg Config) *Analyzer {
	cfg.applyDefaults()
	return &Analyzer{cfg: cfg}
}

// Config returns the effective thresholds.
func (a *Analyzer) Config() Config { return a.cfg }

// CheckFiles analyzes every path and merges the findings into one report.
func (a *Analyzer) CheckFiles(paths []string) (Report, error) {
	report := Report{Files: append([]string(nil), paths...)}
	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied target
		if err != nil {
			return Report{}, fmt.Errorf("reading %s: %w", path, err)
		}
		report.Violations = append(report.Violations, a.AnalyzeSource(path, string(data))...)
	}
	report.Result = a.verdict(report.Violations)
	log.Info(log.CatVibe, "Vibe check complete", "files", len(paths),
		"violations", len(report.Violations), "result", report.Result)
	return report, nil
}

// CheckSource analyzes in-memory source, reporting under the given name.
func (a *Analyzer) CheckSource(name, source string) Report {
	report := Report{
		Files:      []string{name},
		Violations: a.AnalyzeSource(name, source),
	}
	report.Result = a.verdict(report.Violations)
	return report
}

// AnalyzeSource returns the raw violations for one file's content.
func (a *Analyzer) AnalyzeSource(name, source string) []Violation {
	lines := strings.Split(source, "\n")

	var out []Violation
	out = append(out, a.checkFunctions(name, lines)...)
	out = append(out, a.checkFileLength(name, lines)...)
	out = append(out, a.checkDuplication(name, lines)...)
	out = append(out, a.checkAntiPatterns(name, lines)...)

	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

func (a *Analyzer) verdict(violations []Violation) Result {
	result := ResultPass
	for _, v := range violations {
		if v.Severity == SeverityError {
			return ResultFail
		}
		result = ResultWarning
	}
	if result == ResultWarning && a.cfg.StrictMode {
		return ResultFail
	}
	return result
}

func (a *Analyzer) checkFunctions(name string, lines []string) []Violation {
	var out []Violation
	for _, fn := range scanFunctions(lines) {
		length := fn.end - fn.start + 1
		if length > a.cfg.MaxFunctionLines {
			out = append(out, Violation{
				File: name, Line: fn.start, Type: TypeLongFunction, Severity: SeverityError,
				Description: fmt.Sprintf("function %s is %d lines (max %d)", fn.name, length, a.cfg.MaxFunctionLines),
				Suggestion:  "extract helper functions until each fits on one screen",
			})
		}
		if fn.nesting > a.cfg.MaxNestingDepth {
			out = append(out, Violation{
				File: name, Line: fn.start, Type: TypeDeepNesting, Severity: SeverityError,
				Description: fmt.Sprintf("function %s nests %d levels deep (max %d)", fn.name, fn.nesting, a.cfg.MaxNestingDepth),
				Suggestion:  "use early returns or extract the inner blocks",
			})
		}
		if fn.complexity > a.cfg.MaxComplexity {
			out = append(out, Violation{
				File: name, Line: fn.start, Type: TypeHighComplexity, Severity: SeverityError,
				Description: fmt.Sprintf("function %s has cyclomatic complexity %d (max %d)", fn.name, fn.complexity, a.cfg.MaxComplexity),
				Suggestion:  "split the branching into smaller functions or a dispatch table",
			})
		}
		if fn.params > a.cfg.MaxParameters {
			out = append(out, Violation{
				File: name, Line: fn.start, Type: TypeTooManyParameters, Severity: SeverityWarning,
				Description: fmt.Sprintf("function %s takes %d parameters (max %d)", fn.name, fn.params, a.cfg.MaxParameters),
				Suggestion:  "group related parameters into a struct or options value",
			})
		}
	}
	return out
}

func (a *Analyzer) checkFileLength(name string, lines []string) []Violation {
	total := len(lines)
	if total > 0 && lines[total-1] == "" {
		total--
	}
	if total <= a.cfg.MaxFileLines {
		return nil
	}
	return []Violation{{
		File: name, Line: 1, Type: TypeLongFile, Severity: SeverityError,
		Description: fmt.Sprintf("file is %d lines (max %d)", total, a.cfg.MaxFileLines),
		Suggestion:  "split the file along its responsibilities",
	}}
}

func (a *Analyzer) checkDuplication(name string, lines []string) []Violation {
	type hit struct {
		first int
		count int
	}
	seen := make(map[string]*hit)
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if len(trimmed) <= a.cfg.DuplicateLineSize {
			continue
		}
		h, ok := seen[trimmed]
		if !ok {
			seen[trimmed] = &hit{first: i + 1, count: 1}
			continue
		}
		h.count++
	}

	var out []Violation
	for line, h := range seen {
		if h.count <= a.cfg.MaxLineRepeats {
			continue
		}
		out = append(out, Violation{
			File: name, Line: h.first, Type: TypeDuplicateLines, Severity: SeverityWarning,
			Description: fmt.Sprintf("line repeated %d times: %q", h.count, truncate(line, 60)),
			Suggestion:  "pull the repeated logic into a shared helper",
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

func (a *Analyzer) checkAntiPatterns(name string, lines []string) []Violation {
	var out []Violation
	for i, line := range lines {
		for _, pattern := range a.cfg.AntiPatterns {
			if pattern == "" || !strings.Contains(line, pattern) {
				continue
			}
			out = append(out, Violation{
				File: name, Line: i + 1, Type: TypeAntiPattern, Severity: SeverityWarning,
				Description: fmt.Sprintf("anti-pattern %q", pattern),
				Suggestion:  "replace with an explicit, scoped construct",
			})
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// function is one scanned declaration with its measured properties.
type function struct {
	name       string
	start      int // 1-based declaration line
	end        int // 1-based last body line
	params     int
	nesting    int
	complexity int
}

// scanFunctions finds declarations by keyword. Python-style bodies extend
// while indentation stays deeper than the declaration; brace-style bodies
// extend until the opening brace closes.
func scanFunctions(lines []string) []function {
	var out []function
	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		name, indented, ok := declaration(trimmed)
		if !ok {
			continue
		}
		var fn function
		if indented {
			fn = scanIndented(lines, i)
		} else {
			fn = scanBraced(lines, i)
		}
		fn.name = name
		fn.params = countParams(lines, i, indented)
		out = append(out, fn)
		if fn.end > i+1 {
			i = fn.end - 1
		}
	}
	return out
}

// declaration reports the function name and whether the body is
// indentation-delimited.
func declaration(trimmed string) (name string, indented, ok bool) {
	for _, prefix := range []string{"def ", "async def "} {
		if strings.HasPrefix(trimmed, prefix) {
			return declName(trimmed[len(prefix):]), true, true
		}
	}
	for _, prefix := range []string{"func ", "function ", "fn ", "pub fn ", "async function "} {
		if strings.HasPrefix(trimmed, prefix) {
			return declName(trimmed[len(prefix):]), false, true
		}
	}
	return "", false, false
}

func declName(rest string) string {
	// Skip a Go receiver.
	if strings.HasPrefix(rest, "(") {
		if end := strings.Index(rest, ")"); end >= 0 {
			rest = strings.TrimSpace(rest[end+1:])
		}
	}
	if cut := strings.IndexAny(rest, "([ \t"); cut >= 0 {
		rest = rest[:cut]
	}
	if rest == "" {
		rest = "anonymous"
	}
	return rest
}

func scanIndented(lines []string, start int) function {
	base := indentOf(lines[start])
	unit := 0
	end := start
	maxDepth := 0
	branches := 0

	for j := start + 1; j < len(lines); j++ {
		trimmed := strings.TrimSpace(lines[j])
		if trimmed == "" {
			continue
		}
		indent := indentOf(lines[j])
		if indent <= base {
			break
		}
		end = j
		if unit == 0 {
			unit = indent - base
		}
		depth := (indent - base) / unit
		if depth > maxDepth {
			maxDepth = depth
		}
		branches += countBranches(trimmed)
	}

	// Body statements sit at depth 1; anything deeper is nesting.
	nesting := maxDepth - 1
	if nesting < 0 {
		nesting = 0
	}
	return function{start: start + 1, end: end + 1, nesting: nesting, complexity: 1 + branches}
}

func scanBraced(lines []string, start int) function {
	depth := 0
	opened := false
	end := start
	maxDepth := 0
	branches := 0

	for j := start; j < len(lines); j++ {
		trimmed := strings.TrimSpace(lines[j])
		if j > start {
			branches += countBranches(trimmed)
		}
		for _, ch := range trimmed {
			switch ch {
			case '{':
				depth++
				opened = true
			case '}':
				depth--
			}
			if depth > maxDepth {
				maxDepth = depth
			}
		}
		end = j
		if opened && depth <= 0 {
			break
		}
		// Declaration without a body, e.g. an interface method.
		if !opened && j > start+2 {
			return function{start: start + 1, end: start + 1, complexity: 1}
		}
	}

	nesting := maxDepth - 1
	if nesting < 0 {
		nesting = 0
	}
	return function{start: start + 1, end: end + 1, nesting: nesting, complexity: 1 + branches}
}

func indentOf(line string) int {
	n := 0
	for _, ch := range line {
		switch ch {
		case ' ':
			n++
		case '\t':
			n += 4
		default:
			return n
		}
	}
	return n
}

var branchKeywords = map[string]struct{}{
	"if": {}, "elif": {}, "for": {}, "while": {},
	"case": {}, "when": {}, "except": {}, "catch": {},
}

// countBranches counts decision points on one line: branch keywords plus
// short-circuit operators.
func countBranches(line string) int {
	n := strings.Count(line, "&&") + strings.Count(line, "||")
	for _, word := range strings.FieldsFunc(line, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_')
	}) {
		if _, ok := branchKeywords[word]; ok {
			n++
		}
	}
	return n
}

// countParams counts top-level commas in the declaration's parameter list,
// following the signature across lines until the parenthesis closes.
func countParams(lines []string, start int, indented bool) int {
	depth := 0
	started := false
	params := 0
	current := strings.Builder{}
	var parts []string

	for j := start; j < len(lines) && j < start+8; j++ {
		for _, ch := range lines[j] {
			switch {
			case ch == '(' || ch == '[' || ch == '{':
				if ch == '(' && !started {
					started = true
					depth = 1
					continue
				}
				if started {
					depth++
					current.WriteRune(ch)
				}
			case ch == ')' || ch == ']' || ch == '}':
				if !started {
					continue
				}
				depth--
				if depth == 0 {
					parts = append(parts, current.String())
					goto done
				}
				current.WriteRune(ch)
			case ch == ',' && started && depth == 1:
				parts = append(parts, current.String())
				current.Reset()
			default:
				if started {
					current.WriteRune(ch)
				}
			}
		}
	}
done:
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		// Receiver-style parameters do not count toward the limit.
		if indented && (p == "self" || p == "cls") {
			continue
		}
		params++
	}
	return params
}
