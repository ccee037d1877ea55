package review

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zjrosen/covey/internal/authority"
	"github.com/zjrosen/covey/internal/fsm"
	"github.com/zjrosen/covey/internal/log"
	"github.com/zjrosen/covey/internal/registry"
	"github.com/zjrosen/covey/internal/vibe"
)

var (
	ErrSelfReview         = errors.New("author cannot review their own pull request")
	ErrWrongReviewer      = errors.New("reviewer is not assigned to this pull request")
	ErrNoEligibleReviewer = errors.New("no eligible reviewer in the roster")
	ErrNotReviewable      = errors.New("pull request is not open for review")
	ErrInvalidPR          = errors.New("invalid pull request")
)

// reviewWindow bounds how far back assignment counts reviews.
const reviewWindow = 20

// criticalMarker is the substring that makes a violation blocking.
const criticalMarker = "critical"

// Protocol runs the PR lifecycle over a fixed agent roster.
type Protocol struct {
	store    *Store
	reg      *registry.Registry
	auth     *authority.Authority
	analyzer *vibe.Analyzer
	roster   []string
}

// NewProtocol builds a protocol. The roster is the fixed set of agents
// eligible to review; it is kept sorted so assignment ties break toward
// the lowest id.
func NewProtocol(store *Store, reg *registry.Registry, auth *authority.Authority, roster []string) *Protocol {
	sorted := append([]string(nil), roster...)
	sort.Strings(sorted)
	return &Protocol{
		store:    store,
		reg:      reg,
		auth:     auth,
		analyzer: vibe.New(vibe.Config{StrictMode: true}),
		roster:   sorted,
	}
}

// Create opens a pull request. When reviewer is empty one is assigned:
// the roster agent with the fewest reviews in the recent window, excluding
// the author, ties toward the lowest id.
func (p *Protocol) Create(author, title, description string, changes []CodeChange, priority fsm.Priority, reviewer string) (PullRequest, error) {
	if author == "" || title == "" {
		return PullRequest{}, fmt.Errorf("%w: author and title required", ErrInvalidPR)
	}
	if priority == "" {
		priority = fsm.PriorityNormal
	}
	if !priority.Valid() {
		return PullRequest{}, fmt.Errorf("%w: priority %q", ErrInvalidPR, priority)
	}

	if reviewer == "" {
		assigned, err := p.assignReviewer(author)
		if err != nil {
			return PullRequest{}, err
		}
		reviewer = assigned
	}
	if reviewer == author {
		return PullRequest{}, ErrSelfReview
	}

	now := time.Now()
	pr := PullRequest{
		ID:          "pr-" + uuid.NewString()[:8],
		Author:      author,
		Reviewer:    reviewer,
		Title:       title,
		Description: description,
		Status:      StatusPending,
		Priority:    priority,
		Changes:     changes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.Create(pr); err != nil {
		return PullRequest{}, err
	}
	log.Info(log.CatReview, "PR created", "pr", pr.ID, "author", author,
		"reviewer", reviewer, "changes", len(changes))
	return pr, nil
}

// Get returns one pull request.
func (p *Protocol) Get(id string) (PullRequest, error) { return p.store.Get(id) }

// List returns all pull requests, oldest first.
func (p *Protocol) List() []PullRequest { return p.store.List() }

// History returns the review history, oldest first.
func (p *Protocol) History() []ReviewResult { return p.store.History() }

// StartReview moves a pending pull request to in_review. Only the assigned
// reviewer may start.
func (p *Protocol) StartReview(prID, reviewer string) error {
	pr, err := p.store.Get(prID)
	if err != nil {
		return err
	}
	if reviewer != pr.Reviewer {
		return fmt.Errorf("%w: %s (assigned %s)", ErrWrongReviewer, reviewer, pr.Reviewer)
	}
	if pr.Status != StatusPending {
		return fmt.Errorf("%w: status %s", ErrNotReviewable, pr.Status)
	}
	pr.Status = StatusInReview
	pr.UpdatedAt = time.Now()
	return p.store.Save(pr)
}

// Review runs the full pipeline and records the result. The PR approves
// only when no violation carries a critical marker.
func (p *Protocol) Review(prID, reviewer string) (ReviewResult, error) {
	pr, err := p.store.Get(prID)
	if err != nil {
		return ReviewResult{}, err
	}
	if reviewer != pr.Reviewer {
		return ReviewResult{}, fmt.Errorf("%w: %s (assigned %s)", ErrWrongReviewer, reviewer, pr.Reviewer)
	}
	if pr.Status != StatusPending && pr.Status != StatusInReview {
		return ReviewResult{}, fmt.Errorf("%w: status %s", ErrNotReviewable, pr.Status)
	}

	violations, suggestions, vibeSummary := p.runChecks(pr)

	approved := true
	for _, v := range violations {
		if strings.Contains(v, criticalMarker) {
			approved = false
			break
		}
	}

	result := ReviewResult{
		PRID:            prID,
		Reviewer:        reviewer,
		ViolationsFound: violations,
		Suggestions:     suggestions,
		Approved:        approved,
		VibeSummary:     vibeSummary,
		ReviewedAt:      time.Now(),
	}
	if approved {
		result.Status = StatusApproved
	} else {
		result.Status = StatusNeedsChanges
	}

	pr.Status = result.Status
	pr.UpdatedAt = result.ReviewedAt
	pr.ReviewComments = append(pr.ReviewComments, p.assembleFeedback(pr, result)...)
	if err := p.store.RecordReview(pr, result); err != nil {
		return ReviewResult{}, err
	}

	log.Info(log.CatReview, "PR reviewed", "pr", prID, "reviewer", reviewer,
		"status", result.Status, "violations", len(violations))
	return result, nil
}

// assignReviewer picks the eligible agent with the fewest reviews in the
// recent history window.
func (p *Protocol) assignReviewer(author string) (string, error) {
	counts := make(map[string]int)
	history := p.store.History()
	if len(history) > reviewWindow {
		history = history[len(history)-reviewWindow:]
	}
	for _, r := range history {
		counts[r.Reviewer]++
	}

	best := ""
	bestCount := 0
	for _, id := range p.roster {
		if id == author {
			continue
		}
		if best == "" || counts[id] < bestCount {
			best = id
			bestCount = counts[id]
		}
	}
	if best == "" {
		return "", ErrNoEligibleReviewer
	}
	return best, nil
}

// runChecks executes the pipeline in order: duplication, vibe, design
// compliance, error handling, documentation.
func (p *Protocol) runChecks(pr PullRequest) (violations, suggestions []string, vibeSummary string) {
	for _, c := range pr.Changes {
		if c.ChangeType != ChangeAdded {
			continue
		}
		violations, suggestions = p.checkDuplication(c, violations, suggestions)
	}

	var vibeReport vibe.Report
	for _, c := range pr.Changes {
		if c.ChangeType == ChangeDeleted {
			continue
		}
		report := p.analyzer.CheckSource(c.FilePath, c.NewContent)
		vibeReport.Files = append(vibeReport.Files, c.FilePath)
		vibeReport.Violations = append(vibeReport.Violations, report.Violations...)
		if worseResult(report.Result, vibeReport.Result) {
			vibeReport.Result = report.Result
		}
		for _, v := range report.Violations {
			violations = append(violations, fmt.Sprintf("%s vibe [%s] %s:%d %s",
				violationClass(v.Severity), v.Type, v.File, v.Line, v.Description))
			suggestions = append(suggestions, v.Suggestion)
		}
	}
	if vibeReport.Result == "" {
		vibeReport.Result = vibe.ResultPass
	}
	vibeSummary = vibeReport.Summary()

	for _, c := range pr.Changes {
		if c.ChangeType == ChangeDeleted {
			continue
		}
		violations, suggestions = p.checkDesign(pr, c, violations, suggestions)
	}

	for _, c := range pr.Changes {
		if c.ChangeType == ChangeDeleted {
			continue
		}
		violations = p.checkErrorHandling(c, violations)
	}

	for _, c := range pr.Changes {
		if c.ChangeType != ChangeAdded {
			continue
		}
		violations = p.checkDocumentation(c, violations)
	}
	return violations, suggestions, vibeSummary
}

// checkDuplication flags an added file whose basename overlaps an existing
// component's path.
func (p *Protocol) checkDuplication(c CodeChange, violations, suggestions []string) ([]string, []string) {
	stem := strings.ToLower(fileStem(c.FilePath))
	if stem == "" {
		return violations, suggestions
	}
	for _, comp := range p.reg.List("") {
		path := strings.ToLower(comp.Path)
		if !strings.Contains(path, stem) && !strings.Contains(stem, strings.ToLower(fileStem(comp.Path))) {
			continue
		}
		violations = append(violations, fmt.Sprintf(
			"critical duplication: %s overlaps existing component %s (%s)",
			c.FilePath, comp.Name, comp.Path))
		suggestions = append(suggestions, fmt.Sprintf(
			"extend component %s instead of adding %s", comp.Name, c.FilePath))
	}
	return violations, suggestions
}

// checkDesign runs the authority's plan review over the change's opening
// content.
func (p *Protocol) checkDesign(pr PullRequest, c CodeChange, violations, suggestions []string) ([]string, []string) {
	plan := c.NewContent
	if len(plan) > 200 {
		plan = plan[:200]
	}
	rev := p.auth.ReviewComponentPlan(fileStem(c.FilePath), plan, pr.Description)
	switch {
	case !rev.Approved:
		violations = append(violations, fmt.Sprintf(
			"critical design: %s: %s", c.FilePath, strings.Join(rev.Feedback, "; ")))
		suggestions = append(suggestions, rev.Alternatives...)
	case rev.Severity == authority.SeverityWarning:
		violations = append(violations, fmt.Sprintf(
			"warning design: %s: %s", c.FilePath, strings.Join(rev.Feedback, "; ")))
	}
	return violations, suggestions
}

// checkErrorHandling flags catch-all handlers and, for new files defining
// functions, the absence of any try region.
func (p *Protocol) checkErrorHandling(c CodeChange, violations []string) []string {
	lines := strings.Split(c.NewContent, "\n")
	hasFunction := false
	hasTry := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "except:") || strings.HasPrefix(trimmed, "catch:") ||
			strings.Contains(trimmed, "catch (Exception") || strings.HasPrefix(trimmed, "except Exception:") {
			violations = append(violations, fmt.Sprintf(
				"warning error-handling: catch-all handler at %s:%d", c.FilePath, i+1))
		}
		if isFunctionDecl(trimmed) {
			hasFunction = true
		}
		if strings.HasPrefix(trimmed, "try") {
			hasTry = true
		}
	}
	if c.ChangeType == ChangeAdded && hasFunction && !hasTry {
		violations = append(violations, fmt.Sprintf(
			"advisory error-handling: %s defines functions without any try region", c.FilePath))
	}
	return violations
}

// checkDocumentation flags new functions lacking an adjacent docstring or
// comment.
func (p *Protocol) checkDocumentation(c CodeChange, violations []string) []string {
	lines := strings.Split(c.NewContent, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !isFunctionDecl(trimmed) {
			continue
		}
		if i > 0 && isCommentLine(strings.TrimSpace(lines[i-1])) {
			continue
		}
		documented := false
		for j := i + 1; j < len(lines) && j <= i+2; j++ {
			if isCommentLine(strings.TrimSpace(lines[j])) {
				documented = true
				break
			}
		}
		if !documented {
			violations = append(violations, fmt.Sprintf(
				"advisory documentation: undocumented function at %s:%d", c.FilePath, i+1))
		}
	}
	return violations
}

// assembleFeedback renders review comments: diff summaries, the verdict,
// and the violation list.
func (p *Protocol) assembleFeedback(pr PullRequest, result ReviewResult) []string {
	out := make([]string, 0, len(pr.Changes)+len(result.ViolationsFound)+1)
	for _, c := range pr.Changes {
		out = append(out, changeSummary(c))
	}
	out = append(out, fmt.Sprintf("review by %s: %s; %s",
		result.Reviewer, result.Status, result.VibeSummary))
	out = append(out, result.ViolationsFound...)
	return out
}

// changeSummary measures a change with a character-level diff.
func changeSummary(c CodeChange) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(c.OldContent, c.NewContent, false)
	added, removed := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += len(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += len(d.Text)
		}
	}
	return fmt.Sprintf("%s (%s): +%d/-%d chars", c.FilePath, c.ChangeType, added, removed)
}

func violationClass(s vibe.Severity) string {
	if s == vibe.SeverityError {
		return criticalMarker
	}
	return "warning"
}

func worseResult(a, b vibe.Result) bool {
	rank := map[vibe.Result]int{vibe.ResultPass: 0, vibe.ResultWarning: 1, vibe.ResultFail: 2}
	return rank[a] > rank[b]
}

func fileStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isFunctionDecl(trimmed string) bool {
	for _, prefix := range []string{"def ", "async def ", "func ", "function ", "fn ", "pub fn "} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

func isCommentLine(trimmed string) bool {
	for _, prefix := range []string{"#", "//", "/*", "*", `"""`, "'''"} {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}
