package journal

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestEnqueueDequeueOrder(t *testing.T) {
	j := openTestJournal(t)

	low, err := j.Enqueue([]byte(`{"orderId":"low"}`), 9)
	require.NoError(t, err)
	high, err := j.Enqueue([]byte(`{"orderId":"high"}`), 1)
	require.NoError(t, err)
	mid, err := j.Enqueue([]byte(`{"orderId":"mid"}`), DefaultPriority)
	require.NoError(t, err)

	for _, want := range []int64{high, mid, low} {
		rec, err := j.Dequeue()
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.Equal(t, want, rec.ID)
		require.Equal(t, StatusProcessing, rec.Status)
	}

	rec, err := j.Dequeue()
	require.NoError(t, err)
	require.Nil(t, rec, "empty journal dequeues nil")
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	j := openTestJournal(t)
	first, _ := j.Enqueue([]byte(`1`), 5)
	time.Sleep(5 * time.Millisecond) // distinct created_at
	second, _ := j.Enqueue([]byte(`2`), 5)

	rec, err := j.Dequeue()
	require.NoError(t, err)
	require.Equal(t, first, rec.ID)
	rec, err = j.Dequeue()
	require.NoError(t, err)
	require.Equal(t, second, rec.ID)
}

func TestConcurrentDequeueNeverDuplicates(t *testing.T) {
	j := openTestJournal(t)
	const n = 30
	for i := 0; i < n; i++ {
		_, err := j.Enqueue([]byte(`{}`), DefaultPriority)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := map[int64]int{}
	var errs []error
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				rec, err := j.Dequeue()
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				if rec == nil {
					return
				}
				mu.Lock()
				seen[rec.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, seen, n)
	for id, count := range seen {
		require.Equal(t, 1, count, "row %d dequeued %d times", id, count)
	}
}

func TestStateMachine(t *testing.T) {
	j := openTestJournal(t)
	id, err := j.Enqueue([]byte(`{}`), DefaultPriority)
	require.NoError(t, err)

	// pending row cannot be requeued
	require.Error(t, j.Requeue(id))

	rec, err := j.Dequeue()
	require.NoError(t, err)
	require.Equal(t, id, rec.ID)

	require.NoError(t, j.MarkFailed(id, "browser exploded"))
	rec, err = j.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.Equal(t, "browser exploded", rec.Error)
	require.Equal(t, 1, rec.RetryCount)
	require.False(t, rec.UpdatedAt.Before(rec.CreatedAt))

	require.NoError(t, j.Requeue(id))
	rec, err = j.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)

	rec, err = j.Dequeue()
	require.NoError(t, err)
	require.Equal(t, id, rec.ID)
	require.NoError(t, j.MarkCompleted(id))

	// completed row cannot be requeued
	require.Error(t, j.Requeue(id))
}

func TestRecoverStale(t *testing.T) {
	j := openTestJournal(t)
	id, err := j.Enqueue([]byte(`{}`), DefaultPriority)
	require.NoError(t, err)
	_, err = j.Dequeue()
	require.NoError(t, err)

	// Fresh processing rows are left alone.
	n, err := j.RecoverStale(time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// With a zero-ish timeout everything processing counts as stale.
	time.Sleep(10 * time.Millisecond)
	n, err = j.RecoverStale(time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rec, err := j.GetByID(id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
}

func TestCleanupRemovesOldTerminalRows(t *testing.T) {
	j := openTestJournal(t)

	done, _ := j.Enqueue([]byte(`{}`), DefaultPriority)
	_, err := j.Dequeue()
	require.NoError(t, err)
	require.NoError(t, j.MarkCompleted(done))

	pending, _ := j.Enqueue([]byte(`{}`), DefaultPriority)

	time.Sleep(10 * time.Millisecond)
	n, err := j.Cleanup(time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = j.GetByID(done)
	require.ErrorIs(t, err, ErrNotFound)
	rec, err := j.GetByID(pending)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
}

func TestQueriesAndSummary(t *testing.T) {
	j := openTestJournal(t)
	a, _ := j.Enqueue([]byte(`{"n":1}`), DefaultPriority)
	b, _ := j.Enqueue([]byte(`{"n":2}`), DefaultPriority)
	_, err := j.Dequeue()
	require.NoError(t, err)
	require.NoError(t, j.MarkFailed(a, "x"))

	byStatus, err := j.GetByStatus(StatusPending)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	require.Equal(t, b, byStatus[0].ID)

	recent, err := j.GetRecent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)

	summary, err := j.StatusSummary()
	require.NoError(t, err)
	require.Equal(t, map[string]int{StatusPending: 1, StatusFailed: 1}, summary)
}
