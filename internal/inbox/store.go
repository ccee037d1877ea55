// Package inbox provides the durable per-agent mailbox. Every delivered
// message is filed under its recipient, and senders keep outbound copies,
// so an agent can replay its traffic after a restart.
package inbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/covey/internal/log"
	"github.com/zjrosen/covey/internal/messaging"
)

// ErrNoSuchMessage is returned when a sequence number is not in the mailbox.
var ErrNoSuchMessage = errors.New("no such message")

// Direction records which side of a conversation an entry captures.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Entry is one stored message with its mailbox state.
type Entry struct {
	Seq       int64             `json:"seq"`
	Direction Direction         `json:"direction"`
	StoredAt  time.Time         `json:"stored_at"`
	Message   messaging.Message `json:"message"`

	// Read and Acked are derived from the mailbox meta, not stored in the
	// entry file.
	Read  bool `json:"-"`
	Acked bool `json:"-"`
}

// meta is the per-mailbox bookkeeping file. Entry files are immutable;
// read/ack state lives here so marking a message read rewrites one small
// file instead of the message.
type meta struct {
	NextSeq int64   `json:"next_seq"`
	Read    []int64 `json:"read"`
	Acked   []int64 `json:"acked"`
}

type mailbox struct {
	nextSeq int64
	read    map[int64]bool
	acked   map[int64]bool
}

// Store is the mailbox root. One directory per agent, one file per message,
// plus meta.json. All writes are atomic (temp file + rename).
type Store struct {
	mu        sync.Mutex
	root      string
	mailboxes map[string]*mailbox
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating inbox root: %w", err)
	}
	return &Store{root: root, mailboxes: make(map[string]*mailbox)}, nil
}

// RecordInbound files a delivered message under the recipient's mailbox.
func (s *Store) RecordInbound(recipient string, msg *messaging.Message) error {
	return s.record(recipient, DirectionInbound, msg)
}

// RecordOutbound files a copy of a sent message under the sender's mailbox.
func (s *Store) RecordOutbound(msg *messaging.Message) error {
	return s.record(msg.Sender, DirectionOutbound, msg)
}

func (s *Store) record(agent string, dir Direction, msg *messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.mailbox(agent)
	if err != nil {
		return err
	}

	mb.nextSeq++
	entry := Entry{
		Seq:       mb.nextSeq,
		Direction: dir,
		StoredAt:  time.Now(),
		Message:   *msg,
	}

	if err := writeJSON(s.entryPath(agent, entry.Seq), entry); err != nil {
		mb.nextSeq--
		return fmt.Errorf("writing inbox entry: %w", err)
	}
	if err := s.writeMeta(agent, mb); err != nil {
		return err
	}

	log.Debug(log.CatInbox, "Message filed",
		"agent", agent, "seq", entry.Seq, "direction", dir, "messageID", msg.ID)
	return nil
}

// List returns the agent's entries in sequence order. With unreadOnly set,
// only inbound entries not yet marked read are returned.
func (s *Store) List(agent string, unreadOnly bool) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.mailbox(agent)
	if err != nil {
		return nil, err
	}

	entries, err := s.loadEntries(agent)
	if err != nil {
		return nil, err
	}

	out := entries[:0]
	for _, e := range entries {
		e.Read = mb.read[e.Seq]
		e.Acked = mb.acked[e.Seq]
		if unreadOnly && (e.Read || e.Direction != DirectionInbound) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Get returns one entry by sequence number.
func (s *Store) Get(agent string, seq int64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.mailbox(agent)
	if err != nil {
		return Entry{}, err
	}

	entry, err := readEntry(s.entryPath(agent, seq))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, fmt.Errorf("%w: %s seq %d", ErrNoSuchMessage, agent, seq)
		}
		return Entry{}, err
	}
	entry.Read = mb.read[seq]
	entry.Acked = mb.acked[seq]
	return entry, nil
}

// MarkRead flags an entry as read. Marking twice is a no-op.
func (s *Store) MarkRead(agent string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.requireEntry(agent, seq)
	if err != nil {
		return err
	}
	if mb.read[seq] {
		return nil
	}
	mb.read[seq] = true
	return s.writeMeta(agent, mb)
}

// Acknowledge flags an entry as acknowledged, which implies read.
// Acknowledging twice is a no-op.
func (s *Store) Acknowledge(agent string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.requireEntry(agent, seq)
	if err != nil {
		return err
	}
	if mb.acked[seq] {
		return nil
	}
	mb.acked[seq] = true
	mb.read[seq] = true
	return s.writeMeta(agent, mb)
}

// Counts returns total and unread-inbound entry counts for an agent.
func (s *Store) Counts(agent string) (total, unread int, err error) {
	entries, err := s.List(agent, false)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		total++
		if e.Direction == DirectionInbound && !e.Read {
			unread++
		}
	}
	return total, unread, nil
}

// PurgeBefore removes entries stored before the cutoff and prunes their
// read/ack state. Returns the number of entries removed.
func (s *Store) PurgeBefore(agent string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mb, err := s.mailbox(agent)
	if err != nil {
		return 0, err
	}
	entries, err := s.loadEntries(agent)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !e.StoredAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.entryPath(agent, e.Seq)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("purging inbox entry: %w", err)
		}
		delete(mb.read, e.Seq)
		delete(mb.acked, e.Seq)
		removed++
	}
	if removed > 0 {
		if err := s.writeMeta(agent, mb); err != nil {
			return removed, err
		}
		log.Info(log.CatInbox, "Purged inbox entries", "agent", agent, "removed", removed)
	}
	return removed, nil
}

// Agents lists agents that have a mailbox on disk, sorted.
func (s *Store) Agents() ([]string, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading inbox root: %w", err)
	}
	var agents []string
	for _, d := range dirents {
		if d.IsDir() {
			agents = append(agents, d.Name())
		}
	}
	sort.Strings(agents)
	return agents, nil
}

func (s *Store) mailbox(agent string) (*mailbox, error) {
	if mb, ok := s.mailboxes[agent]; ok {
		return mb, nil
	}

	dir := filepath.Join(s.root, agent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mailbox dir: %w", err)
	}

	mb := &mailbox{read: make(map[int64]bool), acked: make(map[int64]bool)}

	data, err := os.ReadFile(filepath.Join(dir, "meta.json")) //nolint:gosec // G304: path rooted at configured data dir
	switch {
	case err == nil:
		var m meta
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing mailbox meta for %s: %w", agent, err)
		}
		mb.nextSeq = m.NextSeq
		for _, seq := range m.Read {
			mb.read[seq] = true
		}
		for _, seq := range m.Acked {
			mb.acked[seq] = true
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("reading mailbox meta: %w", err)
	}

	s.mailboxes[agent] = mb
	return mb, nil
}

// requireEntry loads the mailbox and verifies the entry file exists.
func (s *Store) requireEntry(agent string, seq int64) (*mailbox, error) {
	mb, err := s.mailbox(agent)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.entryPath(agent, seq)); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s seq %d", ErrNoSuchMessage, agent, seq)
		}
		return nil, err
	}
	return mb, nil
}

// loadEntries scans the mailbox dir. Unparseable entry files are skipped
// with a warning rather than failing the whole listing.
func (s *Store) loadEntries(agent string) ([]Entry, error) {
	dir := filepath.Join(s.root, agent)
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading mailbox dir: %w", err)
	}

	var entries []Entry
	for _, d := range dirents {
		name := d.Name()
		if !strings.HasPrefix(name, "msg-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		entry, err := readEntry(filepath.Join(dir, name))
		if err != nil {
			log.Warn(log.CatInbox, "Skipping unreadable inbox entry", "agent", agent, "file", name, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (s *Store) entryPath(agent string, seq int64) string {
	return filepath.Join(s.root, agent, fmt.Sprintf("msg-%06d.json", seq))
}

func (s *Store) writeMeta(agent string, mb *mailbox) error {
	m := meta{NextSeq: mb.nextSeq}
	for seq := range mb.read {
		m.Read = append(m.Read, seq)
	}
	for seq := range mb.acked {
		m.Acked = append(m.Acked, seq)
	}
	sort.Slice(m.Read, func(i, j int) bool { return m.Read[i] < m.Read[j] })
	sort.Slice(m.Acked, func(i, j int) bool { return m.Acked[i] < m.Acked[j] })

	if err := writeJSON(filepath.Join(s.root, agent, "meta.json"), m); err != nil {
		return fmt.Errorf("writing mailbox meta: %w", err)
	}
	return nil
}

func readEntry(path string) (Entry, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path rooted at configured data dir
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, err
	}
	if entry.Seq == 0 {
		// Fall back to the filename when the payload predates the seq field.
		base := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "msg-"), ".json")
		if n, err := strconv.ParseInt(base, 10, 64); err == nil {
			entry.Seq = n
		}
	}
	return entry, nil
}

// writeJSON writes v atomically: temp file in the same directory, fsync-free
// rename. Readers never observe a partial file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
