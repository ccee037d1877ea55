package authority

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/covey/internal/registry"
)

func newTestAuthority(t *testing.T) (*Authority, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.json"), "covey")
	require.NoError(t, err)
	return New(reg, Config{}), reg
}

func TestPlanApproved(t *testing.T) {
	a, _ := newTestAuthority(t)
	review := a.ReviewComponentPlan("rate_limiter", "token bucket limiting outbound calls", "")
	require.True(t, review.Approved)
	require.Equal(t, SeverityInfo, review.Severity)
	require.NotEmpty(t, review.Feedback)
}

func TestPlanRejectsExistingComponent(t *testing.T) {
	a, reg := newTestAuthority(t)
	_, err := reg.Register(registry.Component{
		Name: "http_client", Path: "src/net/http_client.py", Owner: "Agent-1",
	})
	require.NoError(t, err)

	review := a.ReviewComponentPlan("http_client", "a client for http", "")
	require.False(t, review.Approved)
	require.Equal(t, SeverityError, review.Severity)
	require.Contains(t, review.Feedback[0], "already exists")
	require.NotEmpty(t, review.Alternatives)
	require.Contains(t, review.Alternatives[0], "src/net/http_client.py")
}

func TestPlanRejectsAntiPattern(t *testing.T) {
	a, _ := newTestAuthority(t)
	review := a.ReviewComponentPlan("mega_manager",
		"a central controller for all subsystems", "")
	require.False(t, review.Approved)
	require.Equal(t, SeverityError, review.Severity)
	require.NotEmpty(t, review.Alternatives)
}

func TestPlanWarnsOnRedFlags(t *testing.T) {
	a, _ := newTestAuthority(t)
	review := a.ReviewComponentPlan("config_loader",
		"the timeout is hardcoded for the first cut", "")
	require.True(t, review.Approved)
	require.Equal(t, SeverityWarning, review.Severity)
	require.NotEmpty(t, review.Feedback)
}

func TestComplexityWithinLimits(t *testing.T) {
	a, _ := newTestAuthority(t)
	review := a.ReviewCodeComplexity("ok.py", "def add(a, b):\n    return a + b\n")
	require.True(t, review.Approved)
	require.Equal(t, SeverityInfo, review.Severity)
}

func TestComplexityRejectsLongFunction(t *testing.T) {
	var b strings.Builder
	b.WriteString("def churn(x):\n")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "    x = x + %d\n", i)
	}

	a, _ := newTestAuthority(t)
	review := a.ReviewCodeComplexity("churn.py", b.String())
	require.False(t, review.Approved)
	require.Equal(t, SeverityError, review.Severity)
	require.Contains(t, review.Feedback[0], "churn")
	require.NotEmpty(t, review.Alternatives)
}

func TestComplexityRejectsParameters(t *testing.T) {
	a, _ := newTestAuthority(t)
	review := a.ReviewCodeComplexity("wide.py",
		"def wide(a, b, c, d, e, f):\n    return a\n")
	require.False(t, review.Approved)
}

func TestComplexityCustomLimits(t *testing.T) {
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.json"), "covey")
	require.NoError(t, err)
	a := New(reg, Config{MaxFunctionLines: 5})

	review := a.ReviewCodeComplexity("mid.py",
		"def mid(x):\n    a = 1\n    b = 2\n    c = 3\n    d = 4\n    return x\n")
	require.False(t, review.Approved)
}
