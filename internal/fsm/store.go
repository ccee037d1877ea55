package fsm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zjrosen/covey/internal/log"
)

// ErrTaskNotFound is returned when a task id has no record on disk.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskExists is returned when creating a task whose id is taken.
var ErrTaskExists = errors.New("task already exists")

// Store persists one JSON file per task. Writes are atomic (temp file then
// rename), so a crash mid-save leaves either the old or the new record,
// never a torn one.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating task dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Create persists a new task, failing if the id already has a record.
func (s *Store) Create(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(t.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	return s.writeLocked(t)
}

// Save persists the task record.
func (s *Store) Save(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(t)
}

// Get loads one task by id.
func (s *Store) Get(id string) (*Task, error) {
	data, err := os.ReadFile(s.path(id)) //nolint:gosec // G304: path rooted at configured data dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("reading task %s: %w", id, err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing task %s: %w", id, err)
	}
	return &t, nil
}

// List loads every task, sorted by id. Unreadable records are logged and
// skipped so one corrupt file cannot hide the rest.
func (s *Store) List() ([]*Task, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading task dir: %w", err)
	}

	var tasks []*Task
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		t, err := s.Get(id)
		if err != nil {
			log.Warn(log.CatStore, "Skipping unreadable task record", "file", name, "error", err)
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *Store) writeLocked(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding task %s: %w", t.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("staging task %s: %w", t.ID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing task %s: %w", t.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing task %s: %w", t.ID, err)
	}
	if err := os.Rename(tmpName, s.path(t.ID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("committing task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
