package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// EventType distinguishes lifecycle events.
type EventType string

const (
	EventBegin  EventType = "begin"
	EventUpdate EventType = "update"
	EventEnd    EventType = "end"
)

// Event is published to subscribers of an account.
type Event struct {
	Type      EventType `json:"type"`
	Operation Snapshot  `json:"operation"`
}

const (
	operationBuffer  = 32
	subscriberBuffer = 64
	historySize      = 64
)

type subscriber struct {
	account string
	ch      chan Event
}

// Tracker is the registry of in-flight operations. One tracker is created per
// process and passed to every component that reports progress.
type Tracker struct {
	logger *logrus.Logger

	mu          sync.RWMutex
	active      map[string]*Operation
	history     []Snapshot
	subscribers map[int]*subscriber
	nextSub     int
}

// NewTracker creates an empty registry.
func NewTracker(logger *logrus.Logger) *Tracker {
	return &Tracker{
		logger:      logger,
		active:      make(map[string]*Operation),
		subscribers: make(map[int]*subscriber),
	}
}

// Begin registers a new pending operation for account. The returned context
// is cancelled when the operation is cancelled or ends.
func (t *Tracker) Begin(ctx context.Context, account string, kind Kind) (context.Context, *Operation) {
	opCtx, cancel := context.WithCancel(ctx)
	op := &Operation{
		id:      uuid.NewString(),
		account: account,
		kind:    kind,
		tracker: t,
		ctx:     opCtx,
		cancel:  cancel,
		state:   Pending,
		started: time.Now(),
		events:  make(chan Event, operationBuffer),
	}

	t.mu.Lock()
	t.active[op.id] = op
	t.mu.Unlock()

	op.emit(Event{Type: EventBegin, Operation: op.Snapshot()})
	go t.forward(op.account, op.events)

	t.logger.WithFields(logrus.Fields{
		"account":   account,
		"kind":      kind,
		"operation": op.id,
	}).Debug("Operation registered")
	return opCtx, op
}

// forward copies an operation's events to the account's subscribers until the
// operation closes its channel.
func (t *Tracker) forward(account string, events <-chan Event) {
	for ev := range events {
		t.mu.RLock()
		for _, sub := range t.subscribers {
			if sub.account != "" && sub.account != account {
				continue
			}
			deliver(sub.ch, ev)
		}
		t.mu.RUnlock()
	}
}

func deliver(ch chan Event, ev Event) {
	if ev.Type != EventEnd {
		select {
		case ch <- ev:
		default:
		}
		return
	}
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// retire moves an ended operation from the active set into the history.
func (t *Tracker) retire(op *Operation) {
	snap := op.Snapshot()

	t.mu.Lock()
	delete(t.active, op.id)
	t.history = append(t.history, snap)
	if len(t.history) > historySize {
		t.history = t.history[len(t.history)-historySize:]
	}
	t.mu.Unlock()

	entry := t.logger.WithFields(logrus.Fields{
		"account":   snap.Account,
		"kind":      snap.Kind,
		"operation": snap.ID,
		"state":     snap.State.String(),
	})
	if snap.State == Failed {
		entry.WithField("cause", snap.Cause).Warn("Operation failed")
	} else {
		entry.Debug("Operation ended")
	}
}

func (t *Tracker) lookup(id string) (*Operation, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.active[id]
	if !ok {
		for _, snap := range t.history {
			if snap.ID == id {
				return nil, fmt.Errorf("operation %s: %w", id, ErrTerminal)
			}
		}
		return nil, fmt.Errorf("operation %s: %w", id, ErrUnknownOperation)
	}
	return op, nil
}

// Update sets the status string of an operation.
func (t *Tracker) Update(id, status string) error {
	op, err := t.lookup(id)
	if err != nil {
		return err
	}
	return op.SetStatus(status)
}

// Progress sets the done/total counters of an operation.
func (t *Tracker) Progress(id string, done, total int64) error {
	op, err := t.lookup(id)
	if err != nil {
		return err
	}
	return op.Progress(done, total)
}

// Cancel requests cancellation of one operation.
func (t *Tracker) Cancel(id string) error {
	op, err := t.lookup(id)
	if err != nil {
		return err
	}
	op.Cancel()
	return nil
}

// CancelAccount requests cancellation of every active operation of account and
// returns how many were signalled.
func (t *Tracker) CancelAccount(account string) int {
	t.mu.RLock()
	var ops []*Operation
	for _, op := range t.active {
		if op.account == account {
			ops = append(ops, op)
		}
	}
	t.mu.RUnlock()

	for _, op := range ops {
		op.Cancel()
	}
	return len(ops)
}

// End moves an operation to a terminal state.
func (t *Tracker) End(id string, state State, cause error) error {
	op, err := t.lookup(id)
	if err != nil {
		return err
	}
	return op.End(state, cause)
}

// Get returns the snapshot of an active or recently ended operation.
func (t *Tracker) Get(id string) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if op, ok := t.active[id]; ok {
		return op.Snapshot(), true
	}
	for i := len(t.history) - 1; i >= 0; i-- {
		if t.history[i].ID == id {
			return t.history[i], true
		}
	}
	return Snapshot{}, false
}

// List returns active operations of account, or of all accounts when account
// is empty, oldest first.
func (t *Tracker) List(account string) []Snapshot {
	t.mu.RLock()
	var out []Snapshot
	for _, op := range t.active {
		if account == "" || op.account == account {
			out = append(out, op.Snapshot())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// History returns recently ended operations, oldest first.
func (t *Tracker) History() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Snapshot(nil), t.history...)
}

// Subscribe returns a channel receiving events of account (all accounts when
// empty). Update events may be dropped for slow readers; end events are not.
// The returned function unsubscribes and closes the channel.
func (t *Tracker) Subscribe(account string) (<-chan Event, func()) {
	sub := &subscriber{account: account, ch: make(chan Event, subscriberBuffer)}

	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subscribers[id] = sub
	t.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
			close(sub.ch)
		})
	}
}

// ByteStatus renders a status like "Fetching attachment a.pdf (12 kB of 1.2 MB)...".
func ByteStatus(label string, done, total int64) string {
	if total <= 0 {
		return fmt.Sprintf("%s (%s)...", label, humanize.Bytes(uint64(done)))
	}
	return fmt.Sprintf("%s (%s of %s)...", label, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(total)))
}
