package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zjrosen/covey/internal/log"
)

var (
	ErrPRNotFound = errors.New("pull request not found")
	ErrPRExists   = errors.New("pull request already exists")
)

// Store persists pull requests and review history as one JSON file.
// Review history is append-only; migrations must carry it verbatim.
type Store struct {
	mu   sync.RWMutex
	path string

	prs     map[string]*PullRequest
	history []ReviewResult
}

// storeFile is the stable on-disk schema.
type storeFile struct {
	PullRequests  []PullRequest  `json:"pull_requests"`
	ReviewHistory []ReviewResult `json:"review_history"`
}

// OpenStore loads the store at path, or starts empty when the file does
// not exist.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, prs: make(map[string]*PullRequest)}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path rooted at configured data dir
	switch {
	case err == nil:
		var f storeFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing pr store: %w", err)
		}
		for i := range f.PullRequests {
			pr := f.PullRequests[i]
			s.prs[pr.ID] = &pr
		}
		s.history = f.ReviewHistory
		log.Info(log.CatReview, "PR store loaded", "path", path,
			"prs", len(s.prs), "history", len(s.history))
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading pr store: %w", err)
	}
	return s, nil
}

// Create persists a new pull request.
func (s *Store) Create(pr PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.prs[pr.ID]; ok {
		return fmt.Errorf("%w: %s", ErrPRExists, pr.ID)
	}
	stored := pr
	s.prs[pr.ID] = &stored
	if err := s.persistLocked(); err != nil {
		delete(s.prs, pr.ID)
		return err
	}
	return nil
}

// Get returns one pull request by id.
func (s *Store) Get(id string) (PullRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pr, ok := s.prs[id]
	if !ok {
		return PullRequest{}, fmt.Errorf("%w: %s", ErrPRNotFound, id)
	}
	return *pr, nil
}

// Save replaces an existing pull request.
func (s *Store) Save(pr PullRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.prs[pr.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPRNotFound, pr.ID)
	}
	stored := pr
	s.prs[pr.ID] = &stored
	if err := s.persistLocked(); err != nil {
		s.prs[pr.ID] = prev
		return err
	}
	return nil
}

// RecordReview saves the reviewed pull request and appends the result to
// history in one persisted write.
func (s *Store) RecordReview(pr PullRequest, result ReviewResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.prs[pr.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPRNotFound, pr.ID)
	}
	stored := pr
	s.prs[pr.ID] = &stored
	s.history = append(s.history, result)
	if err := s.persistLocked(); err != nil {
		s.prs[pr.ID] = prev
		s.history = s.history[:len(s.history)-1]
		return err
	}
	return nil
}

// List returns pull requests sorted by creation time, oldest first.
func (s *Store) List() []PullRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]PullRequest, 0, len(s.prs))
	for _, pr := range s.prs {
		out = append(out, *pr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// History returns a copy of the review history, oldest first.
func (s *Store) History() []ReviewResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ReviewResult(nil), s.history...)
}

func (s *Store) persistLocked() error {
	f := storeFile{
		PullRequests:  make([]PullRequest, 0, len(s.prs)),
		ReviewHistory: s.history,
	}
	for _, pr := range s.prs {
		f.PullRequests = append(f.PullRequests, *pr)
	}
	sort.Slice(f.PullRequests, func(i, j int) bool { return f.PullRequests[i].ID < f.PullRequests[j].ID })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding pr store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("staging pr store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing pr store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing pr store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("committing pr store: %w", err)
	}
	return nil
}
