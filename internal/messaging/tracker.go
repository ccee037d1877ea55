package messaging

import (
	"sort"
	"sync"
	"time"
)

// RecipientStats aggregates delivery results for one recipient.
type RecipientStats struct {
	Recipient string    `json:"recipient"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	LastSeen  time.Time `json:"last_seen"`
}

// Tracker maintains per-message receipts and per-recipient aggregate
// counters. The dispatcher is its only writer; observers query it.
type Tracker struct {
	mu       sync.RWMutex
	receipts map[string]map[string]*Receipt // messageID -> recipient -> receipt
	stats    map[string]*RecipientStats
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		receipts: make(map[string]map[string]*Receipt),
		stats:    make(map[string]*RecipientStats),
	}
}

// Register creates pending receipts for every recipient of the message.
// The recipient set is fixed from this point; later roster changes do not
// alter it.
func (t *Tracker) Register(msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byRecipient := make(map[string]*Receipt, len(msg.Recipients))
	for _, r := range msg.Recipients {
		byRecipient[r] = &Receipt{
			MessageID: msg.ID,
			Recipient: r,
			Status:    ReceiptPending,
			UpdatedAt: time.Now(),
		}
	}
	t.receipts[msg.ID] = byRecipient
}

// SetSending marks a receipt as in flight and counts the attempt.
func (t *Tracker) SetSending(messageID, recipient string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec := t.receipt(messageID, recipient); rec != nil && !rec.Status.IsTerminal() {
		rec.Status = ReceiptSending
		rec.Attempts++
		rec.UpdatedAt = time.Now()
	}
}

// SetDelivered marks a receipt delivered and updates recipient aggregates.
func (t *Tracker) SetDelivered(messageID, recipient string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.receipt(messageID, recipient)
	if rec == nil || rec.Status.IsTerminal() {
		return
	}
	rec.Status = ReceiptDelivered
	rec.Error = ""
	rec.UpdatedAt = time.Now()

	s := t.statsFor(recipient)
	s.Delivered++
	s.LastSeen = rec.UpdatedAt
}

// SetFailed marks a receipt failed with a reason and updates aggregates.
func (t *Tracker) SetFailed(messageID, recipient, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.receipt(messageID, recipient)
	if rec == nil || rec.Status.IsTerminal() {
		return
	}
	rec.Status = ReceiptFailed
	rec.Error = reason
	rec.UpdatedAt = time.Now()

	s := t.statsFor(recipient)
	s.Failed++
	s.LastSeen = rec.UpdatedAt
}

// Receipts returns copies of a message's receipts sorted by recipient.
func (t *Tracker) Receipts(messageID string) []Receipt {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byRecipient, ok := t.receipts[messageID]
	if !ok {
		return nil
	}
	out := make([]Receipt, 0, len(byRecipient))
	for _, rec := range byRecipient {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

// Receipt returns a copy of one receipt.
func (t *Tracker) Receipt(messageID, recipient string) (Receipt, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec := t.receipt(messageID, recipient)
	if rec == nil {
		return Receipt{}, false
	}
	return *rec, true
}

// MessageStatus derives the aggregate status from the receipts: delivered
// iff every receipt is delivered, failed if any receipt failed, otherwise
// still in flight.
func (t *Tracker) MessageStatus(messageID string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byRecipient, ok := t.receipts[messageID]
	if !ok {
		return StatusQueued
	}

	anyFailed := false
	allDelivered := true
	anySending := false
	for _, rec := range byRecipient {
		switch rec.Status {
		case ReceiptFailed:
			anyFailed = true
			allDelivered = false
		case ReceiptDelivered:
		case ReceiptSending:
			anySending = true
			allDelivered = false
		default:
			allDelivered = false
		}
	}

	switch {
	case anyFailed:
		return StatusFailed
	case allDelivered:
		return StatusDelivered
	case anySending:
		return StatusSending
	default:
		return StatusQueued
	}
}

// Stats returns a copy of the aggregate counters for one recipient.
func (t *Tracker) Stats(recipient string) RecipientStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if s, ok := t.stats[recipient]; ok {
		return *s
	}
	return RecipientStats{Recipient: recipient}
}

// AllStats returns aggregates for every recipient seen, sorted by id.
func (t *Tracker) AllStats() []RecipientStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]RecipientStats, 0, len(t.stats))
	for _, s := range t.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Recipient < out[j].Recipient })
	return out
}

func (t *Tracker) receipt(messageID, recipient string) *Receipt {
	byRecipient, ok := t.receipts[messageID]
	if !ok {
		return nil
	}
	return byRecipient[recipient]
}

func (t *Tracker) statsFor(recipient string) *RecipientStats {
	s, ok := t.stats[recipient]
	if !ok {
		s = &RecipientStats{Recipient: recipient}
		t.stats[recipient] = s
	}
	return s
}

// AllTerminal reports whether every receipt of the message is final.
// A broadcast completes only when this holds.
func (t *Tracker) AllTerminal(messageID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byRecipient, ok := t.receipts[messageID]
	if !ok {
		return false
	}
	for _, rec := range byRecipient {
		if !rec.Status.IsTerminal() {
			return false
		}
	}
	return true
}
