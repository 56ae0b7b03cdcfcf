package email

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/progress"
)

// Priority orders queued tasks of one account.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// TaskFunc is the body of a task. It runs on the account's worker with the
// account's live session.
type TaskFunc func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error)

// Task is a queued unit of work. Tasks with the same non-empty key are merged
// while the first one is still pending.
type Task struct {
	Key      string
	Kind     progress.Kind
	Priority Priority
	// Retry allows the task to be re-run on a fresh session after the
	// connection dropped.
	Retry bool
	// Stream marks tasks that leave the session mid-transfer when cancelled.
	Stream bool
	Run    TaskFunc

	seq    uint64
	ctx    context.Context
	op     *progress.Operation
	done   chan struct{}
	result interface{}
	err    error
}

// Operation returns the progress operation tracking the task.
func (t *Task) Operation() *progress.Operation { return t.op }

// Done is closed when the task ended.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task ended or ctx is done.
func (t *Task) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// worker executes the tasks of one account strictly one at a time.
type worker struct {
	acc      *config.AccountConfig
	conns    *ConnectionManager
	tracker  *progress.Tracker
	logger   *logrus.Logger
	attempts int

	mu      sync.Mutex
	queue   []*Task
	pending map[string]*Task
	seq     uint64
	closed  bool

	base   context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

func newWorker(acc *config.AccountConfig, conns *ConnectionManager, tracker *progress.Tracker, tuning config.Tuning, logger *logrus.Logger) *worker {
	base, cancel := context.WithCancel(context.Background())
	return &worker{
		acc:      acc,
		conns:    conns,
		tracker:  tracker,
		logger:   logger,
		attempts: tuning.ReconnectAttempts,
		pending:  make(map[string]*Task),
		base:     base,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// start runs the worker loop until stop is called.
func (w *worker) start() {
	go w.loop()
}

// submit queues t, or returns the pending task it merges with.
func (w *worker) submit(t *Task) *Task {
	w.mu.Lock()
	if t.Key != "" {
		if existing, ok := w.pending[t.Key]; ok {
			if t.Priority > existing.Priority {
				existing.Priority = t.Priority
				w.sortLocked()
			}
			w.mu.Unlock()
			return existing
		}
	}

	t.ctx, t.op = w.tracker.Begin(w.base, w.acc.Name, t.Kind)
	t.done = make(chan struct{})
	if w.closed {
		w.mu.Unlock()
		w.finish(t, nil, cancelled(string(t.Kind), w.acc.Name, progress.ErrCancelled))
		return t
	}

	w.seq++
	t.seq = w.seq
	w.queue = append(w.queue, t)
	if t.Key != "" {
		w.pending[t.Key] = t
	}
	w.sortLocked()
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return t
}

func (w *worker) sortLocked() {
	sort.SliceStable(w.queue, func(i, j int) bool {
		if w.queue[i].Priority != w.queue[j].Priority {
			return w.queue[i].Priority > w.queue[j].Priority
		}
		return w.queue[i].seq < w.queue[j].seq
	})
}

func (w *worker) next() *Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	t := w.queue[0]
	w.queue = w.queue[1:]
	if t.Key != "" && w.pending[t.Key] == t {
		delete(w.pending, t.Key)
	}
	return t
}

func (w *worker) loop() {
	defer close(w.done)
	for {
		if t := w.next(); t != nil {
			w.run(t)
			continue
		}
		select {
		case <-w.wake:
		case <-w.base.Done():
			w.drain()
			return
		}
	}
}

// drain cancels every task still queued at shutdown.
func (w *worker) drain() {
	w.mu.Lock()
	w.closed = true
	queue := w.queue
	w.queue = nil
	w.pending = make(map[string]*Task)
	w.mu.Unlock()
	for _, t := range queue {
		w.finish(t, nil, cancelled(string(t.Kind), w.acc.Name, progress.ErrCancelled))
	}
}

// stop cancels running and queued work and waits for the loop to exit.
func (w *worker) stop() {
	w.cancel()
	<-w.done
}

func (w *worker) finish(t *Task, result interface{}, err error) {
	t.result, t.err = result, err
	if ferr := t.op.Finish(err); ferr != nil {
		w.logger.WithError(ferr).WithField("operation", t.op.ID()).Debug("Operation already ended")
	}
	close(t.done)
}

func (w *worker) run(t *Task) {
	if err := t.op.Err(); err != nil {
		w.finish(t, nil, cancelled(string(t.Kind), w.acc.Name, err))
		return
	}
	if err := t.ctx.Err(); err != nil {
		w.finish(t, nil, cancelled(string(t.Kind), w.acc.Name, err))
		return
	}
	if err := t.op.Start(); err != nil {
		w.finish(t, nil, err)
		return
	}
	result, err := w.execute(t)
	w.finish(t, result, err)
}

// execute runs t on the account session. Retry-safe tasks are re-run on a
// fresh session when the connection drops, up to the configured attempts.
func (w *worker) execute(t *Task) (interface{}, error) {
	log := w.logger.WithFields(logrus.Fields{
		"account":   w.acc.Name,
		"kind":      t.Kind,
		"operation": t.op.ID(),
	})

	for attempt := 0; ; attempt++ {
		session, err := w.conns.Connect(t.ctx, w.acc)
		if err != nil {
			return nil, err
		}

		result, err := t.Run(t.ctx, t.op, session)
		if err == nil {
			return result, nil
		}

		kind := KindOf(err)
		if kind == KindCancelled {
			if t.Stream {
				w.conns.Invalidate(w.acc.Name)
			}
			return result, err
		}
		if IsConnectionLevel(err) || !session.Alive() {
			w.conns.Invalidate(w.acc.Name)
		}

		retryable := kind == KindConnection || kind == KindTimeout
		if !t.Retry || !retryable || attempt >= w.attempts || t.op.Cancelled() {
			return result, err
		}
		log.WithError(err).WithField("attempt", attempt+1).Warn("Connection lost, retrying on a new session")
		t.op.SetStatus("Reconnecting...") //nolint:errcheck
	}
}

// every submits the task built by mk at each tick of interval until the
// worker stops.
func (w *worker) every(interval time.Duration, mk func() *Task) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.submit(mk())
			case <-w.base.Done():
				return
			}
		}
	}()
}
