package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/zjrosen/covey/internal/fleet"
)

// OutcomeKind classifies the result of one delivery attempt.
type OutcomeKind int

const (
	// OutcomeOK means the payload reached the target.
	OutcomeOK OutcomeKind = iota
	// OutcomeTransient means the attempt failed but may succeed on retry.
	OutcomeTransient
	// OutcomePermanent means retrying cannot help.
	OutcomePermanent
)

// Outcome is the result of a single adapter delivery call.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// OK returns a successful outcome.
func OK() Outcome { return Outcome{Kind: OutcomeOK} }

// Transient returns a retryable failure outcome.
func Transient(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}

// Permanent returns a non-retryable failure outcome.
func Permanent(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason}
}

// DeliveryAdapter is the system boundary for message egress. Adapters are
// synchronous and blocking from the dispatcher worker's perspective; the
// dispatcher serializes concurrent calls per address because adapters may
// drive foreign UI and cannot tolerate interleaving.
type DeliveryAdapter interface {
	// Deliver writes the rendered payload to the given target. The context
	// carries the per-call timeout; adapters that cannot observe it are
	// abandoned by the dispatcher when the deadline passes.
	Deliver(ctx context.Context, addr fleet.Address, payload string) Outcome

	// SupportsPriorityMarker reports whether the adapter can visually tag
	// a high-priority message.
	SupportsPriorityMarker() bool
}

// NoopAdapter accepts every delivery without side effects. It is the
// adapter the core ships for tests and dry runs.
type NoopAdapter struct {
	marker bool
}

// NewNoopAdapter creates a no-op adapter. supportsMarker controls the
// priority-marker capability flag.
func NewNoopAdapter(supportsMarker bool) *NoopAdapter {
	return &NoopAdapter{marker: supportsMarker}
}

// Deliver always succeeds.
func (a *NoopAdapter) Deliver(_ context.Context, _ fleet.Address, _ string) Outcome {
	return OK()
}

// SupportsPriorityMarker reports the configured capability.
func (a *NoopAdapter) SupportsPriorityMarker() bool { return a.marker }

// DeliveryCall records one adapter invocation for assertions.
type DeliveryCall struct {
	Address fleet.Address
	Payload string
	At      time.Time
}

// RecordingAdapter records calls and returns scripted outcomes. It is used
// by tests that need to observe ordering or inject failures.
type RecordingAdapter struct {
	mu      sync.Mutex
	calls   []DeliveryCall
	script  []Outcome
	marker  bool
	onCall  func(DeliveryCall)
	latency time.Duration
}

// NewRecordingAdapter creates a recording adapter that succeeds by default.
func NewRecordingAdapter(supportsMarker bool) *RecordingAdapter {
	return &RecordingAdapter{marker: supportsMarker}
}

// Script appends outcomes returned by successive Deliver calls. Once the
// script is exhausted, Deliver returns OK.
func (a *RecordingAdapter) Script(outcomes ...Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.script = append(a.script, outcomes...)
}

// SetLatency makes each Deliver call block for d before returning.
func (a *RecordingAdapter) SetLatency(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latency = d
}

// OnCall registers a hook invoked for every delivery, before the outcome
// is returned.
func (a *RecordingAdapter) OnCall(fn func(DeliveryCall)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCall = fn
}

// Deliver records the call and returns the next scripted outcome.
func (a *RecordingAdapter) Deliver(ctx context.Context, addr fleet.Address, payload string) Outcome {
	a.mu.Lock()
	call := DeliveryCall{Address: addr, Payload: payload, At: time.Now()}
	a.calls = append(a.calls, call)
	var outcome Outcome
	if len(a.script) > 0 {
		outcome = a.script[0]
		a.script = a.script[1:]
	} else {
		outcome = OK()
	}
	hook := a.onCall
	latency := a.latency
	a.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return Transient("delivery timed out")
		}
	}
	return outcome
}

// SupportsPriorityMarker reports the configured capability.
func (a *RecordingAdapter) SupportsPriorityMarker() bool { return a.marker }

// Calls returns a copy of the recorded calls in order.
func (a *RecordingAdapter) Calls() []DeliveryCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]DeliveryCall(nil), a.calls...)
}

// Payloads returns just the recorded payloads in call order.
func (a *RecordingAdapter) Payloads() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	payloads := make([]string, len(a.calls))
	for i, c := range a.calls {
		payloads[i] = c.Payload
	}
	return payloads
}
