package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSequencerBlocksBehindInFlightDelivery(t *testing.T) {
	s := newSequencer()
	now := time.Now()

	s.add("m1", []string{"r"}, seqKey{rank: PriorityNormal.Rank(), created: now, seq: 1})
	s.markPopped("m1")
	require.Equal(t, turnOK, s.waitTurn("r", "m1"))

	// A better-keyed message popped while m1 is mid-delivery must still wait.
	s.add("m2", []string{"r"}, seqKey{rank: PriorityCritical.Rank(), created: now, seq: 2})
	s.markPopped("m2")

	got := make(chan turnResult, 1)
	go func() { got <- s.waitTurn("r", "m2") }()

	select {
	case r := <-got:
		t.Fatalf("turn granted while m1 still delivering: %v", r)
	case <-time.After(50 * time.Millisecond):
	}

	s.done("r", "m1")
	select {
	case r := <-got:
		require.Equal(t, turnOK, r)
	case <-time.After(time.Second):
		t.Fatal("turn not granted after m1 released")
	}
}

func TestSequencerIndependentRecipients(t *testing.T) {
	s := newSequencer()
	now := time.Now()

	s.add("m1", []string{"r1"}, seqKey{rank: PriorityNormal.Rank(), created: now, seq: 1})
	s.add("m2", []string{"r2"}, seqKey{rank: PriorityNormal.Rank(), created: now, seq: 2})
	s.markPopped("m1")
	s.markPopped("m2")

	// Turns on distinct recipients never contend.
	require.Equal(t, turnOK, s.waitTurn("r1", "m1"))
	require.Equal(t, turnOK, s.waitTurn("r2", "m2"))
}
