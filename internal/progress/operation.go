package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the category of a long-running operation.
type Kind string

const (
	KindSync      Kind = "sync"
	KindFetch     Kind = "fetch"
	KindSend      Kind = "send"
	KindKeepAlive Kind = "keepalive"
)

// State is the lifecycle state of an operation.
type State int

const (
	Pending State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

var (
	// ErrTerminal is returned when an operation that already ended is changed.
	ErrTerminal = errors.New("operation already ended")
	// ErrCancelled is returned from Operation.Err once cancellation was requested.
	ErrCancelled = errors.New("operation cancelled")
	// ErrUnknownOperation is returned for ids the tracker does not know.
	ErrUnknownOperation = errors.New("unknown operation")
)

// Snapshot is an immutable copy of an operation's state.
type Snapshot struct {
	ID      string    `json:"id"`
	Account string    `json:"account"`
	Kind    Kind      `json:"kind"`
	State   State     `json:"state"`
	Status  string    `json:"status"`
	Done    int64     `json:"done"`
	Total   int64     `json:"total"`
	Cause   string    `json:"cause,omitempty"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended,omitempty"`
}

// Operation is one registered unit of long-running work. It owns the channel
// its events are written to; the tracker forwards them to subscribers.
type Operation struct {
	id      string
	account string
	kind    Kind
	tracker *Tracker

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu      sync.Mutex
	state   State
	status  string
	done    int64
	total   int64
	cause   error
	started time.Time
	ended   time.Time

	events chan Event
}

// ID returns the operation id.
func (o *Operation) ID() string { return o.id }

// Account returns the owning account name.
func (o *Operation) Account() string { return o.account }

// Kind returns the operation kind.
func (o *Operation) Kind() Kind { return o.kind }

// Context is cancelled when the operation is cancelled or ends.
func (o *Operation) Context() context.Context { return o.ctx }

// Cancelled reports whether cancellation was requested.
func (o *Operation) Cancelled() bool { return o.cancelled.Load() }

// Err returns ErrCancelled once cancellation was requested. Workers call it
// between protocol steps.
func (o *Operation) Err() error {
	if o.cancelled.Load() {
		return ErrCancelled
	}
	return nil
}

// Cancel requests cooperative cancellation.
func (o *Operation) Cancel() {
	if o.cancelled.CompareAndSwap(false, true) {
		o.cancel()
	}
}

// State returns the current state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start moves a pending operation to Running.
func (o *Operation) Start() error {
	o.mu.Lock()
	if o.state != Pending {
		o.mu.Unlock()
		return fmt.Errorf("start %s: %w", o.id, ErrTerminal)
	}
	o.state = Running
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.emit(Event{Type: EventUpdate, Operation: snap})
	return nil
}

// SetStatus updates the human readable status string.
func (o *Operation) SetStatus(status string) error {
	return o.mutate(func() { o.status = status })
}

// Progress records done out of total units.
func (o *Operation) Progress(done, total int64) error {
	return o.mutate(func() {
		o.done = done
		o.total = total
	})
}

func (o *Operation) mutate(fn func()) error {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("update %s: %w", o.id, ErrTerminal)
	}
	fn()
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.emit(Event{Type: EventUpdate, Operation: snap})
	return nil
}

// End moves the operation to a terminal state. cause is recorded for Failed.
func (o *Operation) End(state State, cause error) error {
	if !state.Terminal() {
		return fmt.Errorf("end %s with non-terminal state %s", o.id, state)
	}

	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("end %s: %w", o.id, ErrTerminal)
	}
	o.state = state
	o.cause = cause
	o.ended = time.Now()
	snap := o.snapshotLocked()
	o.mu.Unlock()

	o.cancel()
	o.emitTerminal(Event{Type: EventEnd, Operation: snap})
	o.tracker.retire(o)
	return nil
}

// Finish ends the operation according to err: nil completes it, a
// cancellation cancels it and anything else fails it.
func (o *Operation) Finish(err error) error {
	switch {
	case err == nil:
		return o.End(Completed, nil)
	case o.Cancelled() || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
		return o.End(Cancelled, err)
	default:
		return o.End(Failed, err)
	}
}

// Snapshot returns a copy of the current state.
func (o *Operation) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Operation) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:      o.id,
		Account: o.account,
		Kind:    o.kind,
		State:   o.state,
		Status:  o.status,
		Done:    o.done,
		Total:   o.total,
		Started: o.started,
		Ended:   o.ended,
	}
	if o.cause != nil {
		s.Cause = o.cause.Error()
	}
	return s
}

// emit delivers a non-terminal event, dropping it if the channel is full.
func (o *Operation) emit(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.events == nil {
		return
	}
	select {
	case o.events <- ev:
	default:
	}
}

// emitTerminal always delivers the final event, discarding the oldest queued
// one if needed, and closes the channel.
func (o *Operation) emitTerminal(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for {
		select {
		case o.events <- ev:
			close(o.events)
			o.events = nil
			return
		default:
		}
		select {
		case <-o.events:
		default:
		}
	}
}
