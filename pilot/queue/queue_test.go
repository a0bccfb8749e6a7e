package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itskum47/wordpilot/pilot/journal"
)

func TestFIFOWithSingleWorker(t *testing.T) {
	var mu sync.Mutex
	var order []int

	q := New(Options{Concurrency: 1})
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, q.Submit(func() (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, TaskMeta{}))
	}
	require.NoError(t, q.Drain(context.Background()))
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestConcurrencyBound(t *testing.T) {
	const limit = 3
	var current, peak atomic.Int32

	q := New(Options{Concurrency: limit})
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Submit(func() (any, error) {
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil, nil
		}, TaskMeta{}))
	}
	require.NoError(t, q.Drain(context.Background()))
	require.LessOrEqual(t, peak.Load(), int32(limit))
}

func TestCallbacks(t *testing.T) {
	var successes, failures atomic.Int32
	idleCh := make(chan struct{}, 4)

	q := New(Options{
		Concurrency: 2,
		OnSuccess:   func(any) { successes.Add(1) },
		OnError:     func(error) { failures.Add(1) },
		OnIdle:      func() { idleCh <- struct{}{} },
	})

	require.NoError(t, q.Submit(func() (any, error) { return "ok", nil }, TaskMeta{}))
	require.NoError(t, q.Submit(func() (any, error) { return nil, errors.New("nope") }, TaskMeta{}))

	require.NoError(t, q.Drain(context.Background()))
	select {
	case <-idleCh:
	case <-time.After(time.Second):
		t.Fatal("onIdle never fired")
	}
	require.Equal(t, int32(1), successes.Load())
	require.Equal(t, int32(1), failures.Load())
}

func TestOnIdleOncePerTransition(t *testing.T) {
	var idles atomic.Int32
	q := New(Options{Concurrency: 4, OnIdle: func() { idles.Add(1) }})

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Submit(func() (any, error) { return nil, nil }, TaskMeta{}))
	}
	require.NoError(t, q.Drain(context.Background()))
	// Several tasks finish around the same instant; the idle transition
	// must still fire exactly once for the batch.
	time.Sleep(20 * time.Millisecond)
	first := idles.Load()
	require.Equal(t, int32(1), first)

	// A second batch is a new transition.
	require.NoError(t, q.Submit(func() (any, error) { return nil, nil }, TaskMeta{}))
	require.NoError(t, q.Drain(context.Background()))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(2), idles.Load())
}

func TestNestedSubmitFromCallbackDoesNotDeadlock(t *testing.T) {
	q := New(Options{Concurrency: 1})
	done := make(chan struct{})

	var once sync.Once
	q.opts.OnSuccess = func(any) {
		once.Do(func() {
			_ = q.Submit(func() (any, error) {
				close(done)
				return nil, nil
			}, TaskMeta{})
		})
	}

	require.NoError(t, q.Submit(func() (any, error) { return nil, nil }, TaskMeta{}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested submission deadlocked")
	}
}

func TestJournalPersistence(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	q := New(Options{Concurrency: 1, Journal: j})

	require.NoError(t, q.Submit(func() (any, error) { return nil, nil }, TaskMeta{OrderID: "ok"}))
	require.NoError(t, q.Submit(func() (any, error) { return nil, errors.New("boom") }, TaskMeta{OrderID: "bad"}))
	require.NoError(t, q.Drain(context.Background()))
	// Journal terminal updates land before callbacks, but give the last
	// write a beat to finish.
	time.Sleep(20 * time.Millisecond)

	summary, err := j.StatusSummary()
	require.NoError(t, err)
	require.Equal(t, 1, summary[journal.StatusCompleted])
	require.Equal(t, 1, summary[journal.StatusFailed])

	failed, err := j.GetByStatus(journal.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Contains(t, string(failed[0].TaskData), "bad")
	require.Equal(t, "boom", failed[0].Error)
}

func TestResubmitReusesJournalRow(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	id, err := j.Enqueue([]byte(`{"orderId":"re"}`), journal.DefaultPriority)
	require.NoError(t, err)

	q := New(Options{Concurrency: 1, Journal: j})
	ran := make(chan struct{})
	q.Resubmit(func() (any, error) { close(ran); return nil, nil }, TaskMeta{OrderID: "re"}, id)
	require.NoError(t, q.Drain(context.Background()))
	<-ran
	time.Sleep(20 * time.Millisecond)

	rec, err := j.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, journal.StatusCompleted, rec.Status)

	summary, err := j.StatusSummary()
	require.NoError(t, err)
	require.Equal(t, map[string]int{journal.StatusCompleted: 1}, summary, "no second row appears")
}

func TestStaleRecoveryAtConstruction(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	id, err := j.Enqueue([]byte(`{"orderId":"stuck"}`), journal.DefaultPriority)
	require.NoError(t, err)
	_, err = j.Dequeue() // leaves the row processing, as a crash would
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	New(Options{Concurrency: 1, Journal: j, StaleTimeout: time.Millisecond})

	rec, err := j.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, journal.StatusPending, rec.Status)
}
