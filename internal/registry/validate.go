package registry

import (
	"fmt"
	"strings"
)

// ValidationResult is the outcome of scanning a design decision against
// the rulebook.
type ValidationResult struct {
	Valid           bool     `json:"valid"`
	Violations      []string `json:"violations"`
	Recommendations []string `json:"recommendations"`
}

// ValidateDesignDecision scans the decision text (and optional context)
// against every principle's red flags and every anti-pattern's
// manifestations. Severity decides which list a match lands in: required
// principles and critical/major anti-patterns are violations, the rest are
// recommendations. The decision is valid when no violations matched.
func (r *Registry) ValidateDesignDecision(text, context string) ValidationResult {
	rules := r.Rules()
	haystack := strings.ToLower(text + "\n" + context)

	result := ValidationResult{Valid: true}

	for _, p := range rules.Principles {
		flag, ok := firstMatch(haystack, p.RedFlags)
		if !ok {
			continue
		}
		finding := fmt.Sprintf("%s: %s (matched %q)", p.Name, p.Description, flag)
		if p.Severity == PrincipleRequired {
			result.Violations = append(result.Violations, finding)
		} else {
			result.Recommendations = append(result.Recommendations, finding)
		}
	}

	for _, a := range rules.AntiPatterns {
		m, ok := firstMatch(haystack, a.Manifestations)
		if !ok {
			continue
		}
		finding := fmt.Sprintf("%s: %s (matched %q)", a.Name, a.Description, m)
		if a.Severity == AntiPatternCritical || a.Severity == AntiPatternMajor {
			result.Violations = append(result.Violations, finding)
		} else {
			result.Recommendations = append(result.Recommendations, finding)
		}
	}

	result.Valid = len(result.Violations) == 0
	return result
}

func firstMatch(haystack string, needles []string) (string, bool) {
	for _, needle := range needles {
		if needle == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(needle)) {
			return needle, true
		}
	}
	return "", false
}
