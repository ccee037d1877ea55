// Package review implements the agent-to-agent pull request protocol:
// a durable PR store, deterministic reviewer assignment, and a review
// pipeline built on the registry, the design authority, and the vibe
// analyzer.
package review

import (
	"time"

	"github.com/zjrosen/covey/internal/fsm"
)

// Status is a pull request's lifecycle state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInReview     Status = "in_review"
	StatusApproved     Status = "approved"
	StatusNeedsChanges Status = "needs_changes"
	StatusRejected     Status = "rejected"
)

// ChangeType classifies one file change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// CodeChange is one file's change within a pull request.
type CodeChange struct {
	FilePath   string     `json:"file_path"`
	ChangeType ChangeType `json:"change_type"`
	OldContent string     `json:"old_content,omitempty"`
	NewContent string     `json:"new_content,omitempty"`
	LineStart  int        `json:"line_start,omitempty"`
	LineEnd    int        `json:"line_end,omitempty"`
}

// PullRequest is the durable PR record.
type PullRequest struct {
	ID               string       `json:"id"`
	Author           string       `json:"author"`
	Reviewer         string       `json:"reviewer"`
	Title            string       `json:"title"`
	Description      string       `json:"description"`
	Status           Status       `json:"status"`
	Priority         fsm.Priority `json:"priority"`
	Changes          []CodeChange `json:"changes"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	ApprovalCriteria []string     `json:"approval_criteria,omitempty"`
	ReviewComments   []string     `json:"review_comments,omitempty"`
}

// ReviewResult records one review attempt. History feeds reviewer
// assignment.
type ReviewResult struct {
	PRID            string    `json:"pr_id"`
	Reviewer        string    `json:"reviewer"`
	Status          Status    `json:"status"`
	ViolationsFound []string  `json:"violations_found"`
	Suggestions     []string  `json:"suggestions"`
	Approved        bool      `json:"approved"`
	VibeSummary     string    `json:"vibe_summary"`
	ReviewedAt      time.Time `json:"reviewed_at"`
}
