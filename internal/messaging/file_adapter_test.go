package messaging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/covey/internal/fleet"
)

func TestFileAdapterAppendsPerTarget(t *testing.T) {
	dir := t.TempDir()
	adapter, err := NewFileAdapter(dir)
	require.NoError(t, err)
	require.True(t, adapter.SupportsPriorityMarker())

	addr := fleet.Address{Input: fleet.Target{X: 1, Y: 2}}
	require.Equal(t, OutcomeOK, adapter.Deliver(context.Background(), addr, "first").Kind)
	require.Equal(t, OutcomeOK, adapter.Deliver(context.Background(), addr, "second").Kind)

	data, err := os.ReadFile(filepath.Join(dir, "x01-y02.log"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	require.True(t, strings.HasSuffix(lines[0], " first"))
	require.True(t, strings.HasSuffix(lines[1], " second"))
}

func TestFileAdapterSeparatesTargets(t *testing.T) {
	dir := t.TempDir()
	adapter, err := NewFileAdapter(dir)
	require.NoError(t, err)

	a := fleet.Address{Input: fleet.Target{X: 0, Y: 0}}
	b := fleet.Address{Input: fleet.Target{X: 3, Y: 7}}
	require.Equal(t, OutcomeOK, adapter.Deliver(context.Background(), a, "for a").Kind)
	require.Equal(t, OutcomeOK, adapter.Deliver(context.Background(), b, "for b").Kind)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestFileAdapterCancelledContext(t *testing.T) {
	adapter, err := NewFileAdapter(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := adapter.Deliver(ctx, fleet.Address{}, "late")
	require.Equal(t, OutcomeTransient, out.Kind)
}
