package inbox

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/covey/internal/messaging"
)

var _ messaging.InboxRecorder = (*Store)(nil)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "inbox"))
	require.NoError(t, err)
	return s
}

func testMessage(sender string, recipients ...string) *messaging.Message {
	return messaging.NewMessage(sender, recipients, messaging.PriorityNormal, messaging.KindDirect, "hello")
}

func TestStoreRecordInboundAndList(t *testing.T) {
	s := newTestStore(t)

	m1 := testMessage("a1", "a2")
	m2 := testMessage("a3", "a2")
	require.NoError(t, s.RecordInbound("a2", m1))
	require.NoError(t, s.RecordInbound("a2", m2))

	entries, err := s.List("a2", false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, int64(1), entries[0].Seq)
	require.Equal(t, int64(2), entries[1].Seq)
	require.Equal(t, m1.ID, entries[0].Message.ID)
	require.Equal(t, DirectionInbound, entries[0].Direction)
	require.False(t, entries[0].Read)
}

func TestStoreOutboundCopyFiledUnderSender(t *testing.T) {
	s := newTestStore(t)

	msg := testMessage("a1", "a2")
	require.NoError(t, s.RecordOutbound(msg))

	entries, err := s.List("a1", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, DirectionOutbound, entries[0].Direction)

	// Outbound copies never show up as unread.
	unread, err := s.List("a1", true)
	require.NoError(t, err)
	require.Empty(t, unread)
}

func TestStoreMarkReadIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))

	require.NoError(t, s.MarkRead("a2", 1))
	require.NoError(t, s.MarkRead("a2", 1))

	entries, err := s.List("a2", true)
	require.NoError(t, err)
	require.Empty(t, entries)

	_, unread, err := s.Counts("a2")
	require.NoError(t, err)
	require.Zero(t, unread)
}

func TestStoreAcknowledgeImpliesRead(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))

	require.NoError(t, s.Acknowledge("a2", 1))
	require.NoError(t, s.Acknowledge("a2", 1))

	entry, err := s.Get("a2", 1)
	require.NoError(t, err)
	require.True(t, entry.Read)
	require.True(t, entry.Acked)
}

func TestStoreUnknownSeq(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))

	require.ErrorIs(t, s.MarkRead("a2", 99), ErrNoSuchMessage)
	require.ErrorIs(t, s.Acknowledge("a2", 99), ErrNoSuchMessage)
	_, err := s.Get("a2", 99)
	require.ErrorIs(t, err, ErrNoSuchMessage)
}

func TestStoreCounts(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))
	require.NoError(t, s.RecordInbound("a2", testMessage("a3", "a2")))
	require.NoError(t, s.RecordOutbound(testMessage("a2", "a1")))
	require.NoError(t, s.MarkRead("a2", 1))

	total, unread, err := s.Counts("a2")
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, 1, unread)
}

func TestStoreSurvivesReload(t *testing.T) {
	root := filepath.Join(t.TempDir(), "inbox")

	s, err := NewStore(root)
	require.NoError(t, err)
	require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))
	require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))
	require.NoError(t, s.MarkRead("a2", 1))

	reopened, err := NewStore(root)
	require.NoError(t, err)

	entries, err := reopened.List("a2", false)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].Read)
	require.False(t, entries[1].Read)

	// Sequence numbers continue where the previous process stopped.
	require.NoError(t, reopened.RecordInbound("a2", testMessage("a1", "a2")))
	entries, err = reopened.List("a2", false)
	require.NoError(t, err)
	require.Equal(t, int64(3), entries[2].Seq)
}

func TestStoreSkipsCorruptEntry(t *testing.T) {
	root := filepath.Join(t.TempDir(), "inbox")
	s, err := NewStore(root)
	require.NoError(t, err)
	require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))

	require.NoError(t, os.WriteFile(filepath.Join(root, "a2", "msg-000099.json"), []byte("{not json"), 0o644))

	entries, err := s.List("a2", false)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStorePurgeBefore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))
	require.NoError(t, s.MarkRead("a2", 1))
	require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))

	removed, err := s.PurgeBefore("a2", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, removed)

	removed, err = s.PurgeBefore("a2", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	total, _, err := s.Counts("a2")
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestStoreAgents(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.RecordInbound("b", testMessage("a", "b")))
	require.NoError(t, s.RecordInbound("a", testMessage("b", "a")))

	agents, err := s.Agents()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, agents)
}

// Property: any interleaving of MarkRead/Acknowledge calls leaves read and
// ack flags monotone; once set they stay set, and ack always implies read.
func TestStoreReadAckMonotoneProperty(t *testing.T) {
	base := t.TempDir()
	run := 0
	rapid.Check(t, func(t *rapid.T) {
		run++
		s, err := NewStore(filepath.Join(base, fmt.Sprintf("run-%d", run)))
		require.NoError(t, err)

		n := rapid.IntRange(1, 5).Draw(t, "n")
		for i := 0; i < n; i++ {
			require.NoError(t, s.RecordInbound("a2", testMessage("a1", "a2")))
		}

		wasRead := make(map[int64]bool)
		wasAcked := make(map[int64]bool)

		ops := rapid.IntRange(1, 20).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			seq := int64(rapid.IntRange(1, n).Draw(t, "seq"))
			if rapid.Bool().Draw(t, "ack") {
				require.NoError(t, s.Acknowledge("a2", seq))
				wasAcked[seq] = true
				wasRead[seq] = true
			} else {
				require.NoError(t, s.MarkRead("a2", seq))
				wasRead[seq] = true
			}

			entries, err := s.List("a2", false)
			require.NoError(t, err)
			for _, e := range entries {
				require.Equal(t, wasRead[e.Seq], e.Read)
				require.Equal(t, wasAcked[e.Seq], e.Acked)
				if e.Acked {
					require.True(t, e.Read)
				}
			}
		}
	})
}
