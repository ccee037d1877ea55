package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/covey/internal/fleet"
)

func testRegistry(ids ...string) *fleet.Registry {
	r := fleet.NewRegistry("test")
	for i, id := range ids {
		r.Register(fleet.Agent{ID: id, Name: id}, map[string]fleet.Address{
			"test": {Input: fleet.Target{X: i, Y: 0}, Starter: fleet.Target{X: i, Y: 1}},
		})
	}
	return r
}

func testDispatcher(t *testing.T, registry *fleet.Registry, adapter DeliveryAdapter, workers int) *Dispatcher {
	t.Helper()
	d := NewDispatcher(DispatcherConfig{
		Registry:       registry,
		Adapter:        adapter,
		Workers:        workers,
		MaxAttempts:    3,
		BackoffBase:    time.Millisecond,
		DeliverTimeout: time.Second,
		ShutdownGrace:  time.Second,
	})
	t.Cleanup(d.Stop)
	return d
}

func waitSettled(t *testing.T, d *Dispatcher, messageID string) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		msg, ok := d.Message(messageID)
		return ok && msg.Status.IsTerminal()
	}, 5*time.Second, time.Millisecond)
	msg, _ := d.Message(messageID)
	return msg.Status
}

func TestDispatcherDirectDelivery(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 1)
	d.Start()

	msg, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "hello")
	require.NoError(t, err)

	require.Equal(t, StatusDelivered, waitSettled(t, d, msg.ID))

	rec, ok := d.Tracker().Receipt(msg.ID, "a2")
	require.True(t, ok)
	require.Equal(t, ReceiptDelivered, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, []string{"hello"}, adapter.Payloads())
}

func TestDispatcherEnqueueValidation(t *testing.T) {
	d := testDispatcher(t, testRegistry("a1", "a2"), NewNoopAdapter(false), 1)

	_, err := d.Send("a1", nil, PriorityNormal, KindDirect, "x")
	require.ErrorIs(t, err, ErrNoRecipients)

	_, err = d.Send("a1", []string{"ghost"}, PriorityNormal, KindDirect, "x")
	require.ErrorIs(t, err, ErrInactiveRecipient)

	_, err = d.Send("a1", []string{"a2"}, Priority("asap"), KindDirect, "x")
	require.ErrorIs(t, err, ErrInvalidPriority)
}

func TestDispatcherPriorityPreemption(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 1)

	// Both enqueued before any worker runs; the critical one must win.
	normal, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "normal")
	require.NoError(t, err)
	critical, err := d.Send("a1", []string{"a2"}, PriorityCritical, KindDirect, "critical")
	require.NoError(t, err)

	d.Start()
	require.Equal(t, StatusDelivered, waitSettled(t, d, normal.ID))
	require.Equal(t, StatusDelivered, waitSettled(t, d, critical.ID))

	require.Equal(t, []string{"critical", "normal"}, adapter.Payloads())
}

func TestDispatcherBroadcastMaterialization(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	d := testDispatcher(t, testRegistry("a1", "a2", "a3"), adapter, 2)
	d.Start()

	msg, err := d.Broadcast(fleet.SenderSystem, PriorityNormal, KindSystemBroadcast, "all hands")
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2", "a3"}, msg.Recipients)

	require.Equal(t, StatusDelivered, waitSettled(t, d, msg.ID))
	require.Len(t, d.Tracker().Receipts(msg.ID), 3)
	require.True(t, d.Tracker().AllTerminal(msg.ID))
}

func TestDispatcherBroadcastPartialFailureFailsMessage(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	// Single worker walks recipients in order: a1 ok, a2 permanent, a3 ok.
	adapter.Script(OK(), Permanent("target rejected"), OK())
	d := testDispatcher(t, testRegistry("a1", "a2", "a3"), adapter, 1)
	d.Start()

	msg, err := d.Broadcast(fleet.SenderSystem, PriorityNormal, KindBroadcast, "x")
	require.NoError(t, err)

	require.Equal(t, StatusFailed, waitSettled(t, d, msg.ID))

	rec, ok := d.Tracker().Receipt(msg.ID, "a2")
	require.True(t, ok)
	require.Equal(t, ReceiptFailed, rec.Status)
	require.Equal(t, "target rejected", rec.Error)

	// The other recipients still got their copies.
	for _, id := range []string{"a1", "a3"} {
		rec, ok := d.Tracker().Receipt(msg.ID, id)
		require.True(t, ok)
		require.Equal(t, ReceiptDelivered, rec.Status)
	}
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	adapter.Script(Transient("pane busy"), Transient("pane busy"), OK())
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 1)
	d.Start()

	msg, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "x")
	require.NoError(t, err)

	require.Equal(t, StatusDelivered, waitSettled(t, d, msg.ID))

	rec, _ := d.Tracker().Receipt(msg.ID, "a2")
	require.Equal(t, 3, rec.Attempts)
	require.Len(t, adapter.Calls(), 3)
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	adapter.Script(Transient("busy"), Transient("busy"), Transient("busy"))
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 1)
	d.Start()

	msg, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "x")
	require.NoError(t, err)

	require.Equal(t, StatusFailed, waitSettled(t, d, msg.ID))

	settled, _ := d.Message(msg.ID)
	require.Equal(t, 3, settled.Attempts)
	require.Contains(t, settled.LastError, "busy")
	require.Contains(t, settled.LastError, "3 attempts")
}

func TestDispatcherPermanentFailureSkipsRetry(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	adapter.Script(Permanent("no such pane"))
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 1)
	d.Start()

	msg, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "x")
	require.NoError(t, err)

	require.Equal(t, StatusFailed, waitSettled(t, d, msg.ID))
	require.Len(t, adapter.Calls(), 1)
}

func TestDispatcherDeliveryTimeout(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	adapter.SetLatency(time.Second)

	d := NewDispatcher(DispatcherConfig{
		Registry:       testRegistry("a1", "a2"),
		Adapter:        adapter,
		Workers:        1,
		MaxAttempts:    1,
		BackoffBase:    time.Millisecond,
		DeliverTimeout: 10 * time.Millisecond,
		ShutdownGrace:  2 * time.Second,
	})
	t.Cleanup(d.Stop)
	d.Start()

	msg, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "x")
	require.NoError(t, err)

	require.Equal(t, StatusFailed, waitSettled(t, d, msg.ID))
	settled, _ := d.Message(msg.ID)
	require.Contains(t, settled.LastError, "timed out")
}

func TestDispatcherPriorityMarker(t *testing.T) {
	adapter := NewRecordingAdapter(true)
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 1)
	d.Start()

	urgent, err := d.Send("a1", []string{"a2"}, PriorityUrgent, KindDirect, "fix it")
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, waitSettled(t, d, urgent.ID))

	normal, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "carry on")
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, waitSettled(t, d, normal.ID))

	payloads := adapter.Payloads()
	require.Equal(t, "[PRIORITY:urgent] fix it", payloads[0])
	require.Equal(t, "carry on", payloads[1])
}

func TestDispatcherMarkerRequiresAdapterSupport(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 1)
	d.Start()

	msg, err := d.Send("a1", []string{"a2"}, PriorityCritical, KindDirect, "plain")
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, waitSettled(t, d, msg.ID))

	require.Equal(t, []string{"plain"}, adapter.Payloads())
}

func TestDispatcherCancelQueuedMessage(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 1)
	// No Start: the message stays queued.

	msg, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "x")
	require.NoError(t, err)

	require.True(t, d.Cancel(msg.ID))
	require.False(t, d.Cancel("unknown"))

	settled, _ := d.Message(msg.ID)
	require.Equal(t, StatusFailed, settled.Status)

	rec, _ := d.Tracker().Receipt(msg.ID, "a2")
	require.Equal(t, ReceiptFailed, rec.Status)
	require.Equal(t, cancelledReason, rec.Error)
	require.Empty(t, adapter.Calls())
}

func TestDispatcherPerRecipientFIFO(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	adapter.SetLatency(2 * time.Millisecond)
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 4)
	d.Start()

	const n = 10
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		msg, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	for _, id := range ids {
		require.Equal(t, StatusDelivered, waitSettled(t, d, id))
	}

	// Despite four workers, copies to one recipient land in send order.
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		want = append(want, fmt.Sprintf("m%d", i))
	}
	require.Equal(t, want, adapter.Payloads())
}

func TestDispatcherConcurrentSenders(t *testing.T) {
	adapter := NewRecordingAdapter(false)
	d := testDispatcher(t, testRegistry("a1", "a2", "a3", "a4"), adapter, 4)
	d.Start()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ids []string
	for s := 0; s < 4; s++ {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				msg, err := d.Send(sender, []string{"a1"}, PriorityNormal, KindStatusUpdate, "ping")
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				ids = append(ids, msg.ID)
				mu.Unlock()
			}
		}(fmt.Sprintf("a%d", s+1))
	}
	wg.Wait()

	for _, id := range ids {
		require.Equal(t, StatusDelivered, waitSettled(t, d, id))
	}
	require.Len(t, adapter.Calls(), 20)
}

func TestDispatcherRecordsToInbox(t *testing.T) {
	recorder := &fakeRecorder{}
	d := NewDispatcher(DispatcherConfig{
		Registry:       testRegistry("a1", "a2"),
		Adapter:        NewNoopAdapter(false),
		Recorder:       recorder,
		Workers:        1,
		MaxAttempts:    1,
		BackoffBase:    time.Millisecond,
		DeliverTimeout: time.Second,
		ShutdownGrace:  time.Second,
	})
	t.Cleanup(d.Stop)
	d.Start()

	msg, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "x")
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, waitSettled(t, d, msg.ID))

	// System traffic skips the sender's outbox.
	sysMsg, err := d.Send(fleet.SenderSystem, []string{"a2"}, PriorityNormal, KindDirect, "y")
	require.NoError(t, err)
	require.Equal(t, StatusDelivered, waitSettled(t, d, sysMsg.ID))

	require.Equal(t, []string{msg.ID}, recorder.outbound())
	require.ElementsMatch(t, []string{"a2:" + msg.ID, "a2:" + sysMsg.ID}, recorder.inbound())
}

func TestDispatcherStopRejectsNewWork(t *testing.T) {
	d := testDispatcher(t, testRegistry("a1", "a2"), NewNoopAdapter(false), 1)
	d.Start()
	d.Stop()

	_, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "x")
	require.ErrorIs(t, err, ErrDispatcherStopped)
}

func TestDispatcherStopFailsQueuedMessages(t *testing.T) {
	d := testDispatcher(t, testRegistry("a1", "a2"), NewNoopAdapter(false), 1)
	// Workers never started; the message cannot drain.
	msg, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "x")
	require.NoError(t, err)

	d.Stop()

	rec, ok := d.Tracker().Receipt(msg.ID, "a2")
	require.True(t, ok)
	require.Equal(t, ReceiptFailed, rec.Status)
	require.True(t, strings.HasPrefix(rec.Error, cancelledReason))
}

type fakeRecorder struct {
	mu  sync.Mutex
	out []string
	in  []string
}

func (f *fakeRecorder) RecordOutbound(msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, msg.ID)
	return nil
}

func (f *fakeRecorder) RecordInbound(recipient string, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in = append(f.in, recipient+":"+msg.ID)
	return nil
}

func (f *fakeRecorder) outbound() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.out...)
}

func (f *fakeRecorder) inbound() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.in...)
}

// overlapAdapter counts concurrent Deliver calls and signals once the first
// call is in flight.
type overlapAdapter struct {
	mu       sync.Mutex
	inflight int
	max      int
	started  chan struct{}
	once     sync.Once
	latency  time.Duration
}

func (a *overlapAdapter) Deliver(_ context.Context, _ fleet.Address, _ string) Outcome {
	a.mu.Lock()
	a.inflight++
	if a.inflight > a.max {
		a.max = a.inflight
	}
	a.mu.Unlock()

	a.once.Do(func() { close(a.started) })
	time.Sleep(a.latency)

	a.mu.Lock()
	a.inflight--
	a.mu.Unlock()
	return OK()
}

func (a *overlapAdapter) SupportsPriorityMarker() bool { return false }

func (a *overlapAdapter) maxInflight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max
}

func TestDispatcherSerializesMixedPrioritiesToOneRecipient(t *testing.T) {
	adapter := &overlapAdapter{started: make(chan struct{}), latency: 150 * time.Millisecond}
	d := testDispatcher(t, testRegistry("a1", "a2"), adapter, 2)
	d.Start()

	normal, err := d.Send("a1", []string{"a2"}, PriorityNormal, KindDirect, "slow")
	require.NoError(t, err)

	select {
	case <-adapter.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery never started")
	}

	// Arrives while the normal message is mid-flight; a free worker pops it
	// immediately but must not touch the adapter until a2 is released.
	critical, err := d.Send("a1", []string{"a2"}, PriorityCritical, KindDirect, "urgent")
	require.NoError(t, err)

	require.Equal(t, StatusDelivered, waitSettled(t, d, normal.ID))
	require.Equal(t, StatusDelivered, waitSettled(t, d, critical.ID))

	require.Equal(t, 1, adapter.maxInflight(), "adapter calls to one recipient interleaved")
}
