package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.texts))
	copy(out, n.texts)
	return out
}

func TestFailureTrackerPagesEveryThreshold(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFailureTracker(3, notifier)

	f.Failure("a")
	f.Failure("b")
	require.Empty(t, notifier.all())
	require.Equal(t, 2, f.Count())

	f.Failure("c")
	require.Len(t, notifier.all(), 1)
	require.Equal(t, 0, f.Count(), "counter restarts after paging")

	// A second streak pages again.
	f.Failure("d")
	f.Failure("e")
	f.Failure("f")
	require.Len(t, notifier.all(), 2)
}

func TestFailureTrackerResetsOnSuccess(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFailureTracker(3, notifier)

	f.Failure("a")
	f.Failure("b")
	f.Success()
	f.Failure("c")
	f.Failure("d")
	require.Empty(t, notifier.all(), "success broke the streak")
	require.Equal(t, 2, f.Count())
}
