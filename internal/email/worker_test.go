package email

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/progress"
)

func newTestWorker(t *testing.T, d *fakeDialer) (*worker, *ConnectionManager) {
	t.Helper()
	tuning := testTuning()
	conns := newFakeConns(tuning, d)
	w := newWorker(testAccount("work"), conns, progress.NewTracker(quietLogger()), tuning, quietLogger())
	w.start()
	t.Cleanup(w.stop)
	return w, conns
}

// blocker occupies the worker until released.
func blocker(started chan<- struct{}, release <-chan struct{}) *Task {
	return &Task{
		Kind: progress.KindSync,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			close(started)
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, cancelled("block", "work", ctx.Err())
			}
		},
	}
}

func waitTask(t *testing.T, task *Task) (interface{}, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return task.Wait(ctx)
}

func TestWorkerMergesPendingTasks(t *testing.T) {
	w, _ := newTestWorker(t, &fakeDialer{sessions: []*fakeSession{newFakeSession()}})

	started, release := make(chan struct{}), make(chan struct{})
	w.submit(blocker(started, release))
	<-started

	var runs int
	mk := func() *Task {
		return &Task{
			Key:  "sync",
			Kind: progress.KindSync,
			Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
				runs++
				return "done", nil
			},
		}
	}
	first := w.submit(mk())
	second := w.submit(mk())
	assert.Same(t, first, second)
	close(release)

	res, err := waitTask(t, second)
	require.NoError(t, err)
	assert.Equal(t, "done", res)
	assert.Equal(t, 1, runs)

	// Once it ran, the key is free again.
	third := w.submit(mk())
	assert.NotSame(t, first, third)
	_, err = waitTask(t, third)
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
}

func TestWorkerPriorityOrder(t *testing.T) {
	w, _ := newTestWorker(t, &fakeDialer{sessions: []*fakeSession{newFakeSession()}})

	started, release := make(chan struct{}), make(chan struct{})
	w.submit(blocker(started, release))
	<-started

	var (
		mu    sync.Mutex
		order []string
	)
	mk := func(name string, p Priority) *Task {
		return &Task{
			Key:      name,
			Kind:     progress.KindFetch,
			Priority: p,
			Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil, nil
			},
		}
	}
	tasks := []*Task{
		w.submit(mk("low", PriorityLow)),
		w.submit(mk("normal", PriorityNormal)),
		w.submit(mk("high", PriorityHigh)),
		w.submit(mk("raised", PriorityLow)),
	}
	// A duplicate with a higher priority moves the pending task up.
	w.submit(mk("raised", PriorityHigh))
	close(release)

	for _, task := range tasks {
		_, err := waitTask(t, task)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"high", "raised", "normal", "low"}, order)
}

func TestWorkerRetriesOnNewSession(t *testing.T) {
	first, second := newFakeSession(), newFakeSession()
	d := &fakeDialer{sessions: []*fakeSession{first, second}}
	w, _ := newTestWorker(t, d)

	var seen []Session
	task := w.submit(&Task{
		Kind:  progress.KindSync,
		Retry: true,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			seen = append(seen, s)
			if len(seen) == 1 {
				first.mu.Lock()
				first.dead = true
				first.mu.Unlock()
				return nil, newError(KindConnection, "sync", "work", io.ErrUnexpectedEOF)
			}
			return "ok", nil
		},
	})

	res, err := waitTask(t, task)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	require.Len(t, seen, 2)
	assert.Same(t, first, seen[0])
	assert.Same(t, second, seen[1])
	assert.Equal(t, 2, d.count())
	assert.True(t, first.closed)
}

func TestWorkerDoesNotRetryUnlessAllowed(t *testing.T) {
	d := &fakeDialer{sessions: []*fakeSession{newFakeSession(), newFakeSession()}}
	w, _ := newTestWorker(t, d)

	var runs int
	task := w.submit(&Task{
		Kind: progress.KindFetch,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			runs++
			return nil, newError(KindConnection, "fetch", "work", io.EOF)
		},
	})

	_, err := waitTask(t, task)
	require.Error(t, err)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.Equal(t, 1, runs)
	assert.Equal(t, progress.Failed, task.Operation().State())
}

func TestWorkerProtocolErrorKeepsSession(t *testing.T) {
	s := newFakeSession()
	w, conns := newTestWorker(t, &fakeDialer{sessions: []*fakeSession{s}})

	task := w.submit(&Task{
		Kind:  progress.KindSync,
		Retry: true,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			return nil, newError(KindProtocol, "select", "work", errors.New("NO no such mailbox"))
		},
	})
	_, err := waitTask(t, task)
	require.Error(t, err)

	current, ok := conns.Session("work")
	require.True(t, ok)
	assert.Same(t, s, current)
}

func TestWorkerCancelledStreamDropsSession(t *testing.T) {
	s := newFakeSession()
	w, conns := newTestWorker(t, &fakeDialer{sessions: []*fakeSession{s}})

	task := w.submit(&Task{
		Kind:   progress.KindFetch,
		Stream: true,
		Run: func(ctx context.Context, op *progress.Operation, _ Session) (interface{}, error) {
			op.Cancel()
			return nil, cancelled("fetch body", "work", op.Err())
		},
	})
	_, err := waitTask(t, task)
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))
	assert.Equal(t, progress.Cancelled, task.Operation().State())

	_, ok := conns.Session("work")
	assert.False(t, ok)
	assert.True(t, s.closed)
}

func TestWorkerStopCancelsQueuedTasks(t *testing.T) {
	d := &fakeDialer{sessions: []*fakeSession{newFakeSession()}}
	tuning := testTuning()
	w := newWorker(testAccount("work"), newFakeConns(tuning, d), progress.NewTracker(quietLogger()), tuning, quietLogger())
	w.start()

	started := make(chan struct{})
	running := w.submit(blocker(started, make(chan struct{})))
	<-started
	queued := w.submit(&Task{
		Kind: progress.KindSync,
		Run: func(ctx context.Context, op *progress.Operation, s Session) (interface{}, error) {
			t.Error("queued task must not run")
			return nil, nil
		},
	})

	w.stop()

	_, err := waitTask(t, running)
	assert.Equal(t, KindCancelled, KindOf(err))
	_, err = waitTask(t, queued)
	assert.Equal(t, KindCancelled, KindOf(err))

	late := w.submit(&Task{Kind: progress.KindSync})
	_, err = waitTask(t, late)
	assert.Equal(t, KindCancelled, KindOf(err))
}

func TestKeepAliveDropsDeadSession(t *testing.T) {
	s := newFakeSession()
	conns := newFakeConns(testTuning(), &fakeDialer{sessions: []*fakeSession{s}})
	ctx := context.Background()

	live, err := conns.Connect(ctx, testAccount("work"))
	require.NoError(t, err)
	require.NoError(t, conns.KeepAlive(ctx, "work", live))
	_, ok := conns.Session("work")
	assert.True(t, ok)

	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	err = conns.KeepAlive(ctx, "work", live)
	assert.Equal(t, KindConnection, KindOf(err))
	_, ok = conns.Session("work")
	assert.False(t, ok)
	assert.True(t, s.closed)
	assert.Equal(t, 2, s.noops)
}
