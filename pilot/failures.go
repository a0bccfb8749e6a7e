package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/itskum47/wordpilot/pilot/observability"
)

// operatorNotifier is the alerting surface the tracker needs.
type operatorNotifier interface {
	Notify(ctx context.Context, text string) error
}

// failureTracker counts consecutive task failures. Every time the count
// reaches the threshold the operators are paged and the counter starts
// over, so a long losing streak pages repeatedly instead of once.
type failureTracker struct {
	threshold int
	notifier  operatorNotifier

	mu    sync.Mutex
	count int
}

func newFailureTracker(threshold int, notifier operatorNotifier) *failureTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &failureTracker{threshold: threshold, notifier: notifier}
}

// Failure records one failed task.
func (f *failureTracker) Failure(reason string) {
	f.mu.Lock()
	f.count++
	hit := f.count >= f.threshold
	if hit {
		f.count = 0
	}
	count := f.count
	f.mu.Unlock()

	observability.ConsecutiveFailures.Set(float64(count))
	if !hit || f.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	text := fmt.Sprintf("%d tasks failed in a row (latest: %s). Check the browser pool and platform availability.", f.threshold, reason)
	if err := f.notifier.Notify(ctx, text); err != nil {
		log.WithError(err).Error("consecutive-failure alert not delivered")
	}
}

// Success resets the streak.
func (f *failureTracker) Success() {
	f.mu.Lock()
	f.count = 0
	f.mu.Unlock()
	observability.ConsecutiveFailures.Set(0)
}

// Count returns the current streak length.
func (f *failureTracker) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}
