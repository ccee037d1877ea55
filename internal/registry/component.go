// Package registry is the single source of truth for named components:
// who owns them, where they live, and the design rules that govern adding
// new ones.
package registry

import (
	"errors"
	"time"
)

// Registry errors.
var (
	ErrComponentExists   = errors.New("component already registered")
	ErrComponentNotFound = errors.New("component not found")
	ErrInvalidComponent  = errors.New("invalid component")
)

// ComponentStatus is the lifecycle state of a registered component.
type ComponentStatus string

const (
	StatusActive      ComponentStatus = "active"
	StatusDeprecated  ComponentStatus = "deprecated"
	StatusRefactoring ComponentStatus = "refactoring"
)

// IsValid reports whether the status is a known value.
func (s ComponentStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusDeprecated, StatusRefactoring:
		return true
	default:
		return false
	}
}

// Component is one registry entry. Names are globally unique.
type Component struct {
	Name         string          `json:"name"`
	Path         string          `json:"path"`
	Purpose      string          `json:"purpose"`
	Owner        string          `json:"owner"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Status       ComponentStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	LastModified time.Time       `json:"last_modified"`
}

// ComponentUpdate carries optional field changes for Update. Nil fields are
// left untouched.
type ComponentUpdate struct {
	Path         *string
	Purpose      *string
	Dependencies *[]string
	Status       *ComponentStatus
}

// Summary is the registry's aggregate view.
type Summary struct {
	ProjectName    string                  `json:"project_name"`
	Version        string                  `json:"version"`
	ComponentCount int                     `json:"component_count"`
	ByStatus       map[ComponentStatus]int `json:"by_status"`
	ByOwner        map[string]int          `json:"by_owner"`
	LastUpdated    time.Time               `json:"last_updated"`
}
