package notify

import (
	"context"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campushub/realtime/wire"
)

// fakeSource scripts pull responses per call.
type fakeSource struct {
	mu      sync.Mutex
	batches [][]wire.Notification
	errs    []error
	calls   int
	sinces  []time.Time
}

func (s *fakeSource) Notifications(_ context.Context, since time.Time) ([]wire.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.calls
	s.calls++
	s.sinces = append(s.sinces, since)

	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}

	if idx < len(s.batches) {
		return s.batches[idx], nil
	}

	return nil, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

func TestPoller_FetchesImmediatelyThenOnTicks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		src := &fakeSource{}
		rec := NewReconciler(ReconcilerOptions{})
		p := NewPoller(PollerOptions{Source: src, Reconciler: rec, Interval: time.Minute})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)

		go func() { done <- p.Run(ctx) }()

		synctest.Wait()
		assert.Equal(t, 1, src.callCount())

		time.Sleep(2 * time.Minute)
		synctest.Wait()
		assert.Equal(t, 3, src.callCount())

		cancel()

		err := <-done
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPoller_AdvancesCursorOnSuccess(t *testing.T) {
	newest := at(30)
	src := &fakeSource{
		batches: [][]wire.Notification{{
			notif(1, at(10), false),
			notif(2, newest, false),
		}},
	}

	var persisted []time.Time

	rec := NewReconciler(ReconcilerOptions{})
	p := NewPoller(PollerOptions{
		Source:     src,
		Reconciler: rec,
		Since:      at(5),
		OnAdvance:  func(c time.Time) { persisted = append(persisted, c) },
	})

	p.Poll(context.Background())

	assert.Equal(t, newest, p.Cursor())
	assert.Equal(t, []time.Time{newest}, persisted)
	assert.Equal(t, []time.Time{at(5)}, src.sinces)
	assert.Equal(t, 2, rec.UnreadCount())
}

func TestPoller_KeepsCursorOnFailure(t *testing.T) {
	src := &fakeSource{
		errs: []error{&TransientError{Err: assert.AnError}},
	}

	rec := NewReconciler(ReconcilerOptions{})
	p := NewPoller(PollerOptions{Source: src, Reconciler: rec, Since: at(5)})

	p.Poll(context.Background())

	// Failed poll: cursor untouched, retried over the same window.
	assert.Equal(t, at(5), p.Cursor())

	p.Poll(context.Background())
	require.Len(t, src.sinces, 2)
	assert.Equal(t, at(5), src.sinces[1])
}

func TestPoller_EmptyBatchKeepsCursor(t *testing.T) {
	src := &fakeSource{}
	rec := NewReconciler(ReconcilerOptions{})
	p := NewPoller(PollerOptions{Source: src, Reconciler: rec, Since: at(5)})

	var persisted int

	p.onAdvance = func(time.Time) { persisted++ }

	p.Poll(context.Background())

	assert.Equal(t, at(5), p.Cursor())
	assert.Zero(t, persisted)
}

func TestPoller_PullAndPushConverge(t *testing.T) {
	// The same notification arrives via push and pull; either order
	// ends with one entry and a consistent unread count.
	src := &fakeSource{
		batches: [][]wire.Notification{{notif(5, at(1), true)}},
	}

	rec := NewReconciler(ReconcilerOptions{})
	rec.ApplyPush(notif(5, at(1), false))

	p := NewPoller(PollerOptions{Source: src, Reconciler: rec})
	p.Poll(context.Background())

	snap := rec.Snapshot()
	require.Len(t, snap.Notifications, 1)
	assert.True(t, snap.Notifications[0].IsRead)
	assert.Equal(t, 0, snap.UnreadCount)
}
