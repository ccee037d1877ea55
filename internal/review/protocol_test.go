package review

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/covey/internal/authority"
	"github.com/zjrosen/covey/internal/fsm"
	"github.com/zjrosen/covey/internal/registry"
)

var testRoster = []string{
	"Agent-1", "Agent-2", "Agent-3", "Agent-4",
	"Agent-5", "Agent-6", "Agent-7", "Agent-8",
}

func newTestProtocol(t *testing.T) (*Protocol, *registry.Registry) {
	t.Helper()
	dir := t.TempDir()
	store, err := OpenStore(filepath.Join(dir, "pull_requests.json"))
	require.NoError(t, err)
	reg, err := registry.Open(filepath.Join(dir, "registry.json"), "covey")
	require.NoError(t, err)
	auth := authority.New(reg, authority.Config{})
	return NewProtocol(store, reg, auth, testRoster), reg
}

func cleanChange(path string) CodeChange {
	return CodeChange{
		FilePath:   path,
		ChangeType: ChangeAdded,
		NewContent: "# helpers\ndef add(a, b):\n    \"\"\"Sum two values.\"\"\"\n    try:\n        return a + b\n    except ValueError:\n        return 0\n",
	}
}

func longFunctionChange(path string) CodeChange {
	var b strings.Builder
	b.WriteString("def process(data):\n")
	b.WriteString("    \"\"\"Process the data.\"\"\"\n")
	for i := 0; i < 48; i++ {
		fmt.Fprintf(&b, "    data = step_%d(data)\n", i)
	}
	return CodeChange{FilePath: path, ChangeType: ChangeAdded, NewContent: b.String()}
}

func TestCreateAssignsReviewer(t *testing.T) {
	p, _ := newTestProtocol(t)
	pr, err := p.Create("Agent-7", "add helpers", "small utility", []CodeChange{cleanChange("src/util.py")}, "", "")
	require.NoError(t, err)
	require.Equal(t, StatusPending, pr.Status)
	require.Equal(t, fsm.PriorityNormal, pr.Priority)
	require.NotEqual(t, "Agent-7", pr.Reviewer)
	require.Equal(t, "Agent-1", pr.Reviewer)
}

func TestCreateRejectsSelfReview(t *testing.T) {
	p, _ := newTestProtocol(t)
	_, err := p.Create("Agent-1", "t", "d", nil, fsm.PriorityNormal, "Agent-1")
	require.ErrorIs(t, err, ErrSelfReview)
}

func TestCreateValidation(t *testing.T) {
	p, _ := newTestProtocol(t)
	_, err := p.Create("", "t", "", nil, "", "")
	require.ErrorIs(t, err, ErrInvalidPR)
	_, err = p.Create("Agent-1", "t", "", nil, fsm.Priority("mega"), "")
	require.ErrorIs(t, err, ErrInvalidPR)
}

func TestStartReviewRejectsWrongReviewer(t *testing.T) {
	p, _ := newTestProtocol(t)
	pr, err := p.Create("Agent-7", "t", "", nil, "", "Agent-2")
	require.NoError(t, err)

	require.ErrorIs(t, p.StartReview(pr.ID, "Agent-3"), ErrWrongReviewer)
	require.NoError(t, p.StartReview(pr.ID, "Agent-2"))

	got, err := p.Get(pr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusInReview, got.Status)

	// Already in review.
	require.ErrorIs(t, p.StartReview(pr.ID, "Agent-2"), ErrNotReviewable)
}

func TestReviewApprovesCleanPR(t *testing.T) {
	p, _ := newTestProtocol(t)
	pr, err := p.Create("Agent-7", "clean", "adds a documented helper",
		[]CodeChange{cleanChange("src/sum_helper.py")}, "", "")
	require.NoError(t, err)

	result, err := p.Review(pr.ID, pr.Reviewer)
	require.NoError(t, err)
	require.True(t, result.Approved)
	require.Equal(t, StatusApproved, result.Status)

	got, err := p.Get(pr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, got.Status)
	require.NotEmpty(t, got.ReviewComments)
}

func TestReviewLongFunctionNeedsChanges(t *testing.T) {
	p, _ := newTestProtocol(t)
	pr, err := p.Create("Agent-7", "big feature", "adds processing",
		[]CodeChange{longFunctionChange("src/foo.py")}, "", "")
	require.NoError(t, err)
	require.NotEqual(t, "Agent-7", pr.Reviewer)

	result, err := p.Review(pr.ID, pr.Reviewer)
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, StatusNeedsChanges, result.Status)

	found := false
	for _, v := range result.ViolationsFound {
		if strings.Contains(v, "long_function") {
			found = true
		}
	}
	require.True(t, found, "expected a long_function violation, got %v", result.ViolationsFound)
	require.Contains(t, result.VibeSummary, "fail")

	got, err := p.Get(pr.ID)
	require.NoError(t, err)
	require.Equal(t, StatusNeedsChanges, got.Status)
}

func TestReviewDuplicationBlock(t *testing.T) {
	p, reg := newTestProtocol(t)
	_, err := reg.Register(registry.Component{
		Name: "http_client", Path: "src/net/http_client.py",
		Purpose: "shared http client", Owner: "Agent-1",
	})
	require.NoError(t, err)

	pr, err := p.Create("Agent-3", "another client", "adds a client",
		[]CodeChange{cleanChange("src/util/http_client.py")}, "", "")
	require.NoError(t, err)

	result, err := p.Review(pr.ID, pr.Reviewer)
	require.NoError(t, err)
	require.False(t, result.Approved)
	require.Equal(t, StatusNeedsChanges, result.Status)

	found := false
	for _, v := range result.ViolationsFound {
		if strings.Contains(v, "duplication") {
			found = true
		}
	}
	require.True(t, found)
	require.NotEmpty(t, result.Suggestions)
}

func TestReviewRejectsWrongReviewer(t *testing.T) {
	p, _ := newTestProtocol(t)
	pr, err := p.Create("Agent-7", "t", "", nil, "", "Agent-2")
	require.NoError(t, err)
	_, err = p.Review(pr.ID, "Agent-5")
	require.ErrorIs(t, err, ErrWrongReviewer)
}

func TestReviewTerminalPRRejected(t *testing.T) {
	p, _ := newTestProtocol(t)
	pr, err := p.Create("Agent-7", "clean", "",
		[]CodeChange{cleanChange("src/ok_helper.py")}, "", "")
	require.NoError(t, err)

	_, err = p.Review(pr.ID, pr.Reviewer)
	require.NoError(t, err)
	_, err = p.Review(pr.ID, pr.Reviewer)
	require.ErrorIs(t, err, ErrNotReviewable)
}

func TestAssignmentUsesRecentWindow(t *testing.T) {
	p, _ := newTestProtocol(t)

	// Agent-1 reviews first, so the next assignment moves past it.
	pr1, err := p.Create("Agent-7", "first", "", []CodeChange{cleanChange("src/one_helper.py")}, "", "")
	require.NoError(t, err)
	require.Equal(t, "Agent-1", pr1.Reviewer)
	_, err = p.Review(pr1.ID, "Agent-1")
	require.NoError(t, err)

	pr2, err := p.Create("Agent-7", "second", "", nil, "", "")
	require.NoError(t, err)
	require.Equal(t, "Agent-2", pr2.Reviewer)
}

func TestReviewerFairness(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir := t.TempDir()
		store, err := OpenStore(filepath.Join(dir, "pull_requests.json"))
		require.NoError(rt, err)
		reg, err := registry.Open(filepath.Join(dir, "registry.json"), "covey")
		require.NoError(rt, err)
		p := NewProtocol(store, reg, authority.New(reg, authority.Config{}), testRoster)

		windowCounts := func() map[string]int {
			hist := p.History()
			if len(hist) > 20 {
				hist = hist[len(hist)-20:]
			}
			counts := make(map[string]int)
			for _, r := range hist {
				counts[r.Reviewer]++
			}
			return counts
		}

		n := rapid.IntRange(5, 30).Draw(rt, "prs")
		for i := 0; i < n; i++ {
			author := rapid.SampledFrom(testRoster).Draw(rt, "author")
			counts := windowCounts()

			pr, err := p.Create(author, fmt.Sprintf("pr %d", i), "",
				[]CodeChange{cleanChange(fmt.Sprintf("src/mod_%d_helper.py", i))}, "", "")
			require.NoError(rt, err)
			require.NotEqual(rt, author, pr.Reviewer)

			// The assigned reviewer has the fewest recent reviews among
			// eligible agents, ties toward the lowest id.
			expected := ""
			for _, id := range testRoster {
				if id == author {
					continue
				}
				if expected == "" || counts[id] < counts[expected] {
					expected = id
				}
			}
			require.Equal(rt, expected, pr.Reviewer)
			require.Equal(rt, counts[expected], counts[pr.Reviewer])

			_, err = p.Review(pr.ID, pr.Reviewer)
			require.NoError(rt, err)
		}
	})
}

func TestDuplicationNeverApproved(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir := t.TempDir()
		store, err := OpenStore(filepath.Join(dir, "pull_requests.json"))
		require.NoError(rt, err)
		reg, err := registry.Open(filepath.Join(dir, "registry.json"), "covey")
		require.NoError(rt, err)
		p := NewProtocol(store, reg, authority.New(reg, authority.Config{}), testRoster)

		name := rapid.SampledFrom([]string{"http_client", "cache_layer", "task_parser"}).Draw(rt, "component")
		_, err = reg.Register(registry.Component{
			Name: name, Path: "src/core/" + name + ".py", Owner: "Agent-1",
		})
		require.NoError(rt, err)

		dupDir := rapid.SampledFrom([]string{"src/util", "lib", "src/extra"}).Draw(rt, "dir")
		pr, err := p.Create("Agent-3", "dup", "",
			[]CodeChange{cleanChange(dupDir + "/" + name + ".py")}, "", "")
		require.NoError(rt, err)

		result, err := p.Review(pr.ID, pr.Reviewer)
		require.NoError(rt, err)
		require.False(rt, result.Approved)
		require.Equal(rt, StatusNeedsChanges, result.Status)
	})
}
