package observability

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itskum47/wordpilot/pilot/state"
)

func TestCountersAndRates(t *testing.T) {
	c := NewCollector()

	for i := 0; i < 10; i++ {
		c.TaskReceived()
	}
	for i := 0; i < 6; i++ {
		c.TaskAccepted()
	}
	c.TaskRejected("reject_capacity")
	c.TaskRejected("reject_capacity")
	c.TaskRejected("reject_urgent_out_of_hours")
	c.TaskRejected("reject_invalid_deadline")

	c.TaskCompleted(2 * time.Second)
	c.TaskCompleted(4 * time.Second)
	c.TaskFailed("missed")

	snap := c.GetSnapshot()
	require.Equal(t, int64(10), snap.TasksReceived)
	require.Equal(t, int64(6), snap.TasksAccepted)
	require.Equal(t, int64(4), snap.TasksRejected)
	require.Equal(t, int64(2), snap.TasksCompleted)
	require.Equal(t, int64(1), snap.TasksFailed)
	require.Equal(t, int64(2), snap.RejectionCodes["reject_capacity"])

	require.InDelta(t, 0.6, snap.AcceptanceRate, 1e-9)
	require.InDelta(t, 2.0/3.0, snap.SuccessRate, 1e-9)
	require.Equal(t, int64(3000), snap.AvgProcessingMs)
}

func TestZeroDenominatorsYieldZeroRates(t *testing.T) {
	snap := NewCollector().GetSnapshot()
	require.Zero(t, snap.AcceptanceRate)
	require.Zero(t, snap.SuccessRate)
	require.Zero(t, snap.AvgProcessingMs)
}

func TestSampleRingOverwritesOldest(t *testing.T) {
	c := NewCollector()
	// Fill the window with 1s samples, then push it up with 3s ones.
	for i := 0; i < sampleWindow; i++ {
		c.TaskCompleted(time.Second)
	}
	require.Equal(t, int64(1000), c.GetSnapshot().AvgProcessingMs)

	for i := 0; i < sampleWindow/2; i++ {
		c.TaskCompleted(3 * time.Second)
	}
	snap := c.GetSnapshot()
	require.Equal(t, sampleWindow, snap.SampleCount, "window stays bounded")
	require.Equal(t, int64(2000), snap.AvgProcessingMs, "half old, half new")
}

func TestSnapshotIsolation(t *testing.T) {
	c := NewCollector()
	c.TaskRejected("reject_capacity")

	snap := c.GetSnapshot()
	snap.RejectionCodes["reject_capacity"] = 99
	require.Equal(t, int64(1), c.GetSnapshot().RejectionCodes["reject_capacity"])
}

func TestHealthSnapshotsAndJSONShape(t *testing.T) {
	c := NewCollector()
	c.SetBrowserPool(state.BrowserPoolStatus{Total: 2, Available: 1, Busy: 1, Initialized: true})
	c.SetLearner(60000)

	data, err := json.Marshal(c.GetSnapshot())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Contains(t, decoded, "acceptanceRate")
	require.Contains(t, decoded, "browserPool")
	require.EqualValues(t, 60000, decoded["avgMsPerKiloWord"])
}

func TestConcurrentUpdates(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				c.TaskReceived()
				c.TaskCompleted(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := c.GetSnapshot()
	require.Equal(t, int64(800), snap.TasksReceived)
	require.Equal(t, int64(800), snap.TasksCompleted)
}
