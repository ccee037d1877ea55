package messaging

import (
	"sync"
	"time"
)

// turnResult is the answer from waitTurn.
type turnResult int

const (
	// turnOK means the caller holds the recipient's delivery turn.
	turnOK turnResult = iota
	// turnRemoved means the entry was cancelled while waiting.
	turnRemoved
	// turnClosed means the sequencer shut down while waiting.
	turnClosed
)

// seqKey carries the dispatch ordering of a message: priority rank first,
// then creation time, then enqueue order. It mirrors queueItem.before so the
// gate and the heap never disagree.
type seqKey struct {
	rank    int
	created time.Time
	seq     uint64
}

func (a seqKey) before(b seqKey) bool {
	if a.rank != b.rank {
		return a.rank > b.rank
	}
	if !a.created.Equal(b.created) {
		return a.created.Before(b.created)
	}
	return a.seq < b.seq
}

// seqEntry tracks one message x recipient pair from enqueue to completion.
type seqEntry struct {
	msgID      string
	key        seqKey
	popped     bool
	delivering bool
}

// sequencer serializes deliveries per recipient across the worker pool.
// Entries are registered at enqueue time and marked popped under the queue
// lock; a worker then acquires an exclusive per-recipient turn before
// touching the adapter. Workers hold at most one turn at a time (each
// recipient is released before the next is acquired), so the wait graph
// stays acyclic.
type sequencer struct {
	mu          sync.Mutex
	cond        *sync.Cond
	byRecipient map[string][]*seqEntry
	byMessage   map[string][]*seqEntry
	closed      bool
}

func newSequencer() *sequencer {
	s := &sequencer{
		byRecipient: make(map[string][]*seqEntry),
		byMessage:   make(map[string][]*seqEntry),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// add registers the message's entries for every recipient. Called before the
// message is pushed onto the queue.
func (s *sequencer) add(msgID string, recipients []string, key seqKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range recipients {
		entry := &seqEntry{msgID: msgID, key: key}
		s.byRecipient[r] = append(s.byRecipient[r], entry)
		s.byMessage[msgID] = append(s.byMessage[msgID], entry)
	}
}

// markPopped flags the message's entries as claimed by a worker. Invoked via
// the queue's onPop hook, under the queue lock, so two workers can never
// observe each other's messages in an inconsistent pop state.
func (s *sequencer) markPopped(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.byMessage[msgID] {
		entry.popped = true
	}
	s.cond.Broadcast()
}

// waitTurn blocks until the message acquires the exclusive delivery turn for
// recipient: no entry is mid-delivery and no popped entry with a strictly
// better key remains pending. The key comparison alone is not enough: a
// higher-priority message popped while a lower-priority one is already in
// flight would otherwise sail past it and interleave adapter calls. Entries
// that are still queued do not block the turn; they were enqueued after this
// message was popped, or the heap would have popped them first. On turnOK the
// entry holds the turn until done releases it.
func (s *sequencer) waitTurn(recipient, msgID string) turnResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return turnClosed
		}

		var own *seqEntry
		for _, entry := range s.byRecipient[recipient] {
			if entry.msgID == msgID {
				own = entry
				break
			}
		}
		if own == nil {
			return turnRemoved
		}

		blocked := false
		for _, entry := range s.byRecipient[recipient] {
			if entry == own {
				continue
			}
			if entry.delivering || (entry.popped && entry.key.before(own.key)) {
				blocked = true
				break
			}
		}
		if !blocked {
			own.delivering = true
			return turnOK
		}
		s.cond.Wait()
	}
}

// done releases the message's turn for one recipient.
func (s *sequencer) done(recipient, msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(recipient, msgID)
	s.cond.Broadcast()
}

// removeMessage drops every entry of the message. Used on cancellation.
func (s *sequencer) removeMessage(msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.byMessage[msgID]
	delete(s.byMessage, msgID)
	for _, entry := range entries {
		for recipient, list := range s.byRecipient {
			for i, e := range list {
				if e == entry {
					s.byRecipient[recipient] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
	}
	s.cond.Broadcast()
}

// close unblocks all waiters permanently.
func (s *sequencer) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func (s *sequencer) removeLocked(recipient, msgID string) {
	list := s.byRecipient[recipient]
	for i, entry := range list {
		if entry.msgID == msgID {
			s.byRecipient[recipient] = append(list[:i], list[i+1:]...)
			byMsg := s.byMessage[msgID]
			for j, e := range byMsg {
				if e == entry {
					s.byMessage[msgID] = append(byMsg[:j], byMsg[j+1:]...)
					break
				}
			}
			if len(s.byMessage[msgID]) == 0 {
				delete(s.byMessage, msgID)
			}
			return
		}
	}
}
