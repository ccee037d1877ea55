package messaging

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/covey/internal/fleet"
	"github.com/zjrosen/covey/internal/log"
	"github.com/zjrosen/covey/internal/pubsub"
)

// ErrNoRecipients is returned when a non-broadcast message names no one.
var ErrNoRecipients = errors.New("message has no recipients")

// ErrInvalidPriority is returned for a priority outside the defined set.
var ErrInvalidPriority = errors.New("invalid priority")

// ErrInactiveRecipient is returned when a recipient is not addressable in
// the current mode.
var ErrInactiveRecipient = errors.New("recipient not active in current mode")

// ErrDispatcherStopped is returned when enqueueing after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// cancelledReason marks receipts failed by Cancel or shutdown.
const cancelledReason = "cancelled"

// InboxRecorder receives copies of messages as they move through the
// dispatcher. The inbox store implements it; the indirection keeps the
// fabric free of a storage dependency.
type InboxRecorder interface {
	// RecordOutbound files a copy of an enqueued message under its sender.
	RecordOutbound(msg *Message) error

	// RecordInbound files a delivered message under one recipient.
	RecordInbound(recipient string, msg *Message) error
}

// DeliveryEvent is published on the dispatcher's broker whenever a message
// or receipt changes state.
type DeliveryEvent struct {
	MessageID string        `json:"message_id"`
	Recipient string        `json:"recipient,omitempty"`
	Status    Status        `json:"status"`
	Receipt   ReceiptStatus `json:"receipt,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// DispatcherConfig wires the dispatcher's collaborators and tuning knobs.
// Registry and Adapter are required; the rest have working defaults.
type DispatcherConfig struct {
	Registry *fleet.Registry
	Adapter  DeliveryAdapter

	// Recorder and Archive are optional sinks for delivered traffic.
	Recorder InboxRecorder
	Archive  *Archive

	Tracer trace.Tracer

	Workers        int
	MaxAttempts    int
	BackoffBase    time.Duration
	DeliverTimeout time.Duration
	ShutdownGrace  time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 100 * time.Millisecond
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("covey/messaging")
	}
}

// Dispatcher pulls messages off the priority queue with a pool of workers
// and drives them through the delivery adapter, one attempt at a time, with
// per-recipient ordering guarantees.
type Dispatcher struct {
	cfg     DispatcherConfig
	queue   *Queue
	seqr    *sequencer
	tracker *Tracker
	broker  *pubsub.Broker[DeliveryEvent]

	mu        sync.Mutex
	messages  map[string]*Message
	cancelled map[string]bool
	nextSeq   uint64
	stopping  bool

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to launch the workers.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	cfg.applyDefaults()

	d := &Dispatcher{
		cfg:       cfg,
		queue:     NewQueue(),
		seqr:      newSequencer(),
		tracker:   NewTracker(),
		broker:    pubsub.NewBroker[DeliveryEvent](),
		messages:  make(map[string]*Message),
		cancelled: make(map[string]bool),
		stopped:   make(chan struct{}),
	}
	d.queue.SetOnPop(func(msg *Message) { d.seqr.markPopped(msg.ID) })
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	log.Info(log.CatDispatch, "Dispatcher started", "workers", d.cfg.Workers)
}

// Tracker exposes delivery status for observers.
func (d *Dispatcher) Tracker() *Tracker { return d.tracker }

// Events subscribes to delivery state changes.
func (d *Dispatcher) Events(ctx context.Context) <-chan pubsub.Event[DeliveryEvent] {
	return d.broker.Subscribe(ctx)
}

// QueueLen returns the number of messages awaiting pickup.
func (d *Dispatcher) QueueLen() int { return d.queue.Len() }

// Message returns a copy of a known message.
func (d *Dispatcher) Message(messageID string) (Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	msg, ok := d.messages[messageID]
	if !ok {
		return Message{}, false
	}
	return *msg, true
}

// Send is the convenience path: build, validate, and enqueue in one call.
func (d *Dispatcher) Send(sender string, recipients []string, priority Priority, kind Kind, body string) (*Message, error) {
	msg := NewMessage(sender, recipients, priority, kind, body)
	if err := d.Enqueue(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Broadcast sends to every agent active in the current mode.
func (d *Dispatcher) Broadcast(sender string, priority Priority, kind Kind, body string) (*Message, error) {
	if !kind.IsBroadcast() {
		kind = KindBroadcast
	}
	return d.Send(sender, nil, priority, kind, body)
}

// Enqueue validates the message, materializes broadcast recipients, fixes
// the recipient set, and hands the message to the worker pool. The message
// is owned by the dispatcher from this point.
func (d *Dispatcher) Enqueue(msg *Message) error {
	if !msg.Priority.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPriority, msg.Priority)
	}

	if len(msg.Recipients) == 0 {
		if !msg.Kind.IsBroadcast() {
			return ErrNoRecipients
		}
		msg.Recipients = d.cfg.Registry.ActiveAgents()
		if len(msg.Recipients) == 0 {
			return fmt.Errorf("%w: no active agents to broadcast to", ErrNoRecipients)
		}
	}

	for _, r := range msg.Recipients {
		if !d.cfg.Registry.IsActive(r) {
			return fmt.Errorf("%w: %s (mode %s)", ErrInactiveRecipient, r, d.cfg.Registry.Mode())
		}
	}

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	d.nextSeq++
	seq := d.nextSeq
	msg.Status = StatusQueued
	d.messages[msg.ID] = msg
	d.mu.Unlock()

	d.tracker.Register(msg)
	d.seqr.add(msg.ID, msg.Recipients, seqKey{
		rank:    msg.Priority.Rank(),
		created: msg.CreatedAt,
		seq:     seq,
	})

	if d.cfg.Recorder != nil && msg.Sender != fleet.SenderSystem {
		if err := d.cfg.Recorder.RecordOutbound(msg); err != nil {
			log.ErrorErr(log.CatDispatch, "Recording outbound copy failed", err, "messageID", msg.ID)
		}
	}

	d.publish(DeliveryEvent{MessageID: msg.ID, Status: StatusQueued})
	log.Debug(log.CatDispatch, "Message enqueued",
		"messageID", msg.ID, "sender", msg.Sender, "kind", msg.Kind,
		"priority", msg.Priority, "recipients", len(msg.Recipients))

	d.queue.Push(msg)
	return nil
}

// Cancel withdraws a message. Queued messages fail immediately; for in-flight
// messages the receipts not yet attempted are failed, while an attempt
// already handed to the adapter is allowed to finish.
func (d *Dispatcher) Cancel(messageID string) bool {
	d.mu.Lock()
	msg, ok := d.messages[messageID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	d.cancelled[messageID] = true
	d.mu.Unlock()

	removed := d.queue.Remove(messageID)
	if removed {
		// Never picked up; fail every receipt and finalize here.
		d.seqr.removeMessage(messageID)
		for _, rec := range d.tracker.Receipts(messageID) {
			d.tracker.SetFailed(messageID, rec.Recipient, cancelledReason)
			d.publish(DeliveryEvent{
				MessageID: messageID, Recipient: rec.Recipient,
				Receipt: ReceiptFailed, Reason: cancelledReason,
			})
		}
		d.finalize(msg)
	}

	log.Info(log.CatDispatch, "Message cancelled", "messageID", messageID, "queued", removed)
	return true
}

// Stop closes the queue, waits up to the shutdown grace for in-flight work,
// then fails whatever remains.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopping = true
		d.mu.Unlock()

		d.queue.Close()
		close(d.stopped)

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(d.cfg.ShutdownGrace):
			log.Warn(log.CatDispatch, "Shutdown grace elapsed; abandoning in-flight deliveries")
			d.seqr.close()
			<-done
		}

		d.failRemaining()
		d.broker.Close()
		log.Info(log.CatDispatch, "Dispatcher stopped")
	})
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for {
		msg, ok := d.queue.Pop()
		if !ok {
			return
		}
		d.deliverMessage(id, msg)
	}
}

func (d *Dispatcher) deliverMessage(workerID int, msg *Message) {
	ctx, span := d.cfg.Tracer.Start(context.Background(), "messaging.deliver",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.kind", string(msg.Kind)),
			attribute.String("message.priority", string(msg.Priority)),
			attribute.Int("message.recipients", len(msg.Recipients)),
		))
	defer span.End()

	d.setStatus(msg, StatusSending)
	d.publish(DeliveryEvent{MessageID: msg.ID, Status: StatusSending})

	payload := d.render(msg)

	for _, recipient := range msg.Recipients {
		switch d.seqr.waitTurn(recipient, msg.ID) {
		case turnClosed:
			d.tracker.SetFailed(msg.ID, recipient, cancelledReason+": shutdown")
			continue
		case turnRemoved:
			// Cancelled while queued behind another delivery.
			continue
		}

		d.deliverToRecipient(ctx, workerID, msg, recipient, payload)
		d.seqr.done(recipient, msg.ID)
	}

	d.finalize(msg)
}

// deliverToRecipient runs the attempt loop for one receipt. The caller holds
// the recipient's delivery turn for the whole loop, so retries keep their
// position ahead of later messages.
func (d *Dispatcher) deliverToRecipient(ctx context.Context, workerID int, msg *Message, recipient, payload string) {
	if d.isCancelled(msg.ID) {
		d.tracker.SetFailed(msg.ID, recipient, cancelledReason)
		d.publish(DeliveryEvent{
			MessageID: msg.ID, Recipient: recipient,
			Receipt: ReceiptFailed, Reason: cancelledReason,
		})
		d.archive(msg, recipient)
		return
	}

	addr, err := d.cfg.Registry.Address(recipient)
	if err != nil {
		d.tracker.SetFailed(msg.ID, recipient, err.Error())
		d.publish(DeliveryEvent{
			MessageID: msg.ID, Recipient: recipient,
			Receipt: ReceiptFailed, Reason: err.Error(),
		})
		d.archive(msg, recipient)
		return
	}

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		d.tracker.SetSending(msg.ID, recipient)
		d.publish(DeliveryEvent{MessageID: msg.ID, Recipient: recipient, Receipt: ReceiptSending})

		outcome := d.deliverOnce(ctx, addr, payload)

		switch outcome.Kind {
		case OutcomeOK:
			d.tracker.SetDelivered(msg.ID, recipient)
			d.publish(DeliveryEvent{MessageID: msg.ID, Recipient: recipient, Receipt: ReceiptDelivered})
			if d.cfg.Recorder != nil {
				if err := d.cfg.Recorder.RecordInbound(recipient, msg); err != nil {
					log.ErrorErr(log.CatDispatch, "Recording inbound copy failed", err,
						"messageID", msg.ID, "recipient", recipient)
				}
			}
			d.archive(msg, recipient)
			log.Debug(log.CatDispatch, "Delivered",
				"messageID", msg.ID, "recipient", recipient, "attempt", attempt, "worker", workerID)
			return

		case OutcomePermanent:
			d.tracker.SetFailed(msg.ID, recipient, outcome.Reason)
			d.publish(DeliveryEvent{
				MessageID: msg.ID, Recipient: recipient,
				Receipt: ReceiptFailed, Reason: outcome.Reason,
			})
			d.archive(msg, recipient)
			log.Warn(log.CatDispatch, "Delivery failed permanently",
				"messageID", msg.ID, "recipient", recipient, "reason", outcome.Reason)
			return

		case OutcomeTransient:
			if d.isCancelled(msg.ID) {
				d.tracker.SetFailed(msg.ID, recipient, cancelledReason)
				d.publish(DeliveryEvent{
					MessageID: msg.ID, Recipient: recipient,
					Receipt: ReceiptFailed, Reason: cancelledReason,
				})
				d.archive(msg, recipient)
				return
			}
			if attempt == d.cfg.MaxAttempts {
				reason := fmt.Sprintf("%s (after %d attempts)", outcome.Reason, attempt)
				d.tracker.SetFailed(msg.ID, recipient, reason)
				d.publish(DeliveryEvent{
					MessageID: msg.ID, Recipient: recipient,
					Receipt: ReceiptFailed, Reason: reason,
				})
				d.archive(msg, recipient)
				log.Warn(log.CatDispatch, "Delivery exhausted retries",
					"messageID", msg.ID, "recipient", recipient, "reason", outcome.Reason)
				return
			}
			if !d.backoff(attempt) {
				d.tracker.SetFailed(msg.ID, recipient, cancelledReason+": shutdown")
				d.archive(msg, recipient)
				return
			}
		}
	}
}

// deliverOnce runs a single adapter call under the delivery timeout. The
// adapter runs in its own goroutine so a stuck adapter cannot wedge the
// worker; an abandoned call is treated as a transient failure.
func (d *Dispatcher) deliverOnce(ctx context.Context, addr fleet.Address, payload string) Outcome {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliverTimeout)
	defer cancel()

	result := make(chan Outcome, 1)
	go func() {
		result <- d.cfg.Adapter.Deliver(callCtx, addr, payload)
	}()

	select {
	case outcome := <-result:
		return outcome
	case <-callCtx.Done():
		return Transient("delivery timed out")
	}
}

// render produces the payload handed to the adapter, prefixing the priority
// marker when the priority warrants one and the adapter can show it.
func (d *Dispatcher) render(msg *Message) string {
	if msg.Priority.Marked() && d.cfg.Adapter.SupportsPriorityMarker() {
		return fmt.Sprintf("[PRIORITY:%s] %s", msg.Priority, msg.Body)
	}
	return msg.Body
}

// backoff sleeps for the exponential delay with jitter. Returns false if the
// dispatcher stopped during the sleep.
func (d *Dispatcher) backoff(attempt int) bool {
	delay := d.cfg.BackoffBase << (attempt - 1)
	delay += time.Duration(rand.Int63n(int64(d.cfg.BackoffBase))) //nolint:gosec // jitter, not crypto

	select {
	case <-time.After(delay):
		return true
	case <-d.stopped:
		return false
	}
}

// finalize derives and stores the message-level status once every receipt
// is settled, and publishes the terminal event.
func (d *Dispatcher) finalize(msg *Message) {
	status := d.tracker.MessageStatus(msg.ID)

	var lastError string
	attempts := 0
	for _, rec := range d.tracker.Receipts(msg.ID) {
		if rec.Attempts > attempts {
			attempts = rec.Attempts
		}
		if rec.Status == ReceiptFailed && rec.Error != "" {
			lastError = rec.Error
		}
	}

	d.mu.Lock()
	msg.Status = status
	msg.Attempts = attempts
	msg.LastError = lastError
	d.mu.Unlock()

	d.publish(DeliveryEvent{MessageID: msg.ID, Status: status, Reason: lastError})
	log.Info(log.CatDispatch, "Message settled",
		"messageID", msg.ID, "status", status, "attempts", attempts)
}

func (d *Dispatcher) failRemaining() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.messages))
	for id := range d.messages {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		for _, rec := range d.tracker.Receipts(id) {
			if !rec.Status.IsTerminal() {
				d.tracker.SetFailed(id, rec.Recipient, cancelledReason+": shutdown")
			}
		}
		d.mu.Lock()
		msg := d.messages[id]
		d.mu.Unlock()
		if msg != nil && !msg.Status.IsTerminal() {
			d.finalize(msg)
		}
	}
}

func (d *Dispatcher) setStatus(msg *Message, status Status) {
	d.mu.Lock()
	msg.Status = status
	d.mu.Unlock()
}

func (d *Dispatcher) isCancelled(messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[messageID]
}

func (d *Dispatcher) publish(ev DeliveryEvent) {
	d.broker.Publish(pubsub.UpdatedEvent, ev)
}

func (d *Dispatcher) archive(msg *Message, recipient string) {
	if d.cfg.Archive == nil {
		return
	}
	rec, ok := d.tracker.Receipt(msg.ID, recipient)
	if !ok {
		return
	}
	if err := d.cfg.Archive.Record(msg, rec); err != nil {
		log.ErrorErr(log.CatDispatch, "Archiving delivery failed", err,
			"messageID", msg.ID, "recipient", recipient)
	}
}
