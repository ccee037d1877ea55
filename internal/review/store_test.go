package review

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/covey/internal/fsm"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pull_requests.json")

	s, err := OpenStore(path)
	require.NoError(t, err)

	pr := PullRequest{
		ID: "pr-0001", Author: "Agent-1", Reviewer: "Agent-2",
		Title: "add cache", Description: "lru cache for lookups",
		Status: StatusPending, Priority: fsm.PriorityHigh,
		Changes: []CodeChange{{
			FilePath: "src/cache.py", ChangeType: ChangeAdded,
			NewContent: "def get(k):\n    return None\n", LineStart: 1, LineEnd: 2,
		}},
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.Create(pr))

	result := ReviewResult{
		PRID: "pr-0001", Reviewer: "Agent-2", Status: StatusNeedsChanges,
		ViolationsFound: []string{"critical duplication: src/cache.py"},
		Suggestions:     []string{"extend the existing cache"},
		VibeSummary:     "vibe check: fail (1 files, 1 errors, 0 warnings)",
		ReviewedAt:      time.Now().UTC().Truncate(time.Second),
	}
	reviewed := pr
	reviewed.Status = StatusNeedsChanges
	require.NoError(t, s.RecordReview(reviewed, result))

	reopened, err := OpenStore(path)
	require.NoError(t, err)

	got, err := reopened.Get("pr-0001")
	require.NoError(t, err)
	require.Equal(t, StatusNeedsChanges, got.Status)
	require.Equal(t, reviewed.Changes, got.Changes)
	require.Equal(t, fsm.PriorityHigh, got.Priority)

	history := reopened.History()
	require.Len(t, history, 1)
	require.Equal(t, result.ViolationsFound, history[0].ViolationsFound)
	require.Equal(t, result.VibeSummary, history[0].VibeSummary)
}

func TestStoreCreateDuplicate(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "prs.json"))
	require.NoError(t, err)
	pr := PullRequest{ID: "pr-1", Author: "a", Reviewer: "b", Title: "t", Status: StatusPending}
	require.NoError(t, s.Create(pr))
	require.ErrorIs(t, s.Create(pr), ErrPRExists)
}

func TestStoreSaveMissing(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "prs.json"))
	require.NoError(t, err)
	require.ErrorIs(t, s.Save(PullRequest{ID: "ghost"}), ErrPRNotFound)
	require.ErrorIs(t, s.RecordReview(PullRequest{ID: "ghost"}, ReviewResult{}), ErrPRNotFound)
	_, err = s.Get("ghost")
	require.ErrorIs(t, err, ErrPRNotFound)
}

func TestStoreListOrder(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "prs.json"))
	require.NoError(t, err)

	base := time.Now()
	require.NoError(t, s.Create(PullRequest{ID: "pr-b", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.Create(PullRequest{ID: "pr-a", CreatedAt: base}))

	list := s.List()
	require.Len(t, list, 2)
	require.Equal(t, "pr-a", list[0].ID)
	require.Equal(t, "pr-b", list[1].ID)
}
