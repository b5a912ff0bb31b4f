// Package notify merges push- and pull-delivered notifications into a
// single deduplicated view and runs the pull path against the REST API.
package notify

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/campushub/realtime/wire"
)

// DefaultRetained is the default size of the retained notification
// set. Entries beyond it are evicted oldest-first.
const DefaultRetained = 20

// Snapshot is the reconciled view emitted after every mutation:
// at most one entry per id, sorted newest-first, capped.
type Snapshot struct {
	Notifications []wire.Notification
	UnreadCount   int
}

// ReconcilerOptions configures a Reconciler.
type ReconcilerOptions struct {
	// Retained caps the reconciled set. Defaults to DefaultRetained.
	Retained int

	// OnSnapshot receives the reconciled view after every mutation.
	// Called synchronously; must not block.
	OnSnapshot func(Snapshot)

	// OnMarkRead reports a locally applied MarkRead so the caller can
	// forward it to the REST endpoint. The local state is already
	// updated when this fires and is not rolled back if the REST call
	// later fails.
	OnMarkRead func(id int64)

	Logger *slog.Logger
}

// Reconciler merges the push and pull notification streams. The merge
// is idempotent and order-independent: replaying any combination of
// the same logical inputs lands in the same final state. Read state is
// monotonic; no delivery can flip a read notification back to unread.
type Reconciler struct {
	retained   int
	onSnapshot func(Snapshot)
	onMarkRead func(id int64)
	logger     *slog.Logger

	mu   sync.Mutex
	byID map[int64]wire.Notification
}

// NewReconciler creates an empty Reconciler.
func NewReconciler(opts ReconcilerOptions) *Reconciler {
	if opts.Retained <= 0 {
		opts.Retained = DefaultRetained
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Reconciler{
		retained:   opts.Retained,
		onSnapshot: opts.OnSnapshot,
		onMarkRead: opts.OnMarkRead,
		logger:     opts.Logger,
		byID:       make(map[int64]wire.Notification),
	}
}

// ApplyPush merges one notification from the socket.
func (r *Reconciler) ApplyPush(n wire.Notification) {
	r.mu.Lock()
	changed := r.merge(n)

	if changed {
		r.evict()
	}

	snap := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.emit(snap)
	}
}

// ApplyPull merges a batch fetched from the REST API. Applying the
// same batch twice, or interleaving it with pushes of the same ids in
// any order, yields the same final state.
func (r *Reconciler) ApplyPull(batch []wire.Notification) {
	r.mu.Lock()

	changed := false
	for _, n := range batch {
		if r.merge(n) {
			changed = true
		}
	}

	if changed {
		r.evict()
	}

	snap := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.emit(snap)
	}
}

// ApplyReadReceipt marks a notification read on word from the server
// (another device marked it). Not forwarded back to the REST API.
func (r *Reconciler) ApplyReadReceipt(id int64) {
	r.markReadLocal(id)
}

// MarkRead marks a notification read locally and reports the command
// through OnMarkRead for forwarding to the REST endpoint. Deliberately
// optimistic: a failed REST call does not roll the local state back,
// so a notification never resurfaces as new after being dismissed.
func (r *Reconciler) MarkRead(id int64) {
	if !r.markReadLocal(id) {
		return
	}

	if r.onMarkRead != nil {
		r.onMarkRead(id)
	}
}

// Snapshot returns the current reconciled view.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotLocked()
}

// UnreadCount returns the number of unread entries in the retained set.
func (r *Reconciler) UnreadCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0

	for _, n := range r.byID {
		if !n.IsRead {
			count++
		}
	}

	return count
}

// merge applies the single merge rule shared by both input paths:
// insert on first sighting; on a repeat sighting the only permitted
// update is the read flag going false to true. Returns whether state
// changed. Caller holds r.mu.
func (r *Reconciler) merge(n wire.Notification) bool {
	if n.ID == 0 {
		r.logger.Warn("dropping notification without id")
		return false
	}

	existing, ok := r.byID[n.ID]
	if !ok {
		r.byID[n.ID] = n
		return true
	}

	if n.IsRead && !existing.IsRead {
		existing.IsRead = true
		r.byID[n.ID] = existing

		return true
	}

	return false
}

// evict trims the retained set to its cap, oldest first. Caller holds
// r.mu. Eviction is stable with respect to replays: a re-delivered
// evicted entry is older than everything retained and is evicted again.
func (r *Reconciler) evict() {
	if len(r.byID) <= r.retained {
		return
	}

	all := make([]wire.Notification, 0, len(r.byID))
	for _, n := range r.byID {
		all = append(all, n)
	}

	sortNewestFirst(all)

	for _, n := range all[r.retained:] {
		delete(r.byID, n.ID)
	}
}

func (r *Reconciler) markReadLocal(id int64) bool {
	r.mu.Lock()

	n, ok := r.byID[id]
	if !ok || n.IsRead {
		r.mu.Unlock()
		return false
	}

	n.IsRead = true
	r.byID[id] = n
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.emit(snap)

	return true
}

// snapshotLocked builds the sorted, capped view. Caller holds r.mu.
func (r *Reconciler) snapshotLocked() Snapshot {
	out := make([]wire.Notification, 0, len(r.byID))
	unread := 0

	for _, n := range r.byID {
		out = append(out, n)

		if !n.IsRead {
			unread++
		}
	}

	sortNewestFirst(out)

	return Snapshot{Notifications: out, UnreadCount: unread}
}

func (r *Reconciler) emit(snap Snapshot) {
	if r.onSnapshot != nil {
		r.onSnapshot(snap)
	}
}

// sortNewestFirst orders by CreatedAt descending, breaking timestamp
// ties by id descending so the order is deterministic.
func sortNewestFirst(ns []wire.Notification) {
	sort.Slice(ns, func(i, j int) bool {
		ti, tj := ns[i].CreatedAt, ns[j].CreatedAt
		if ti.Equal(tj) {
			return ns[i].ID > ns[j].ID
		}

		return ti.After(tj)
	})
}

// NewestCreatedAt returns the latest CreatedAt in batch, used to
// advance the pull cursor. Zero time for an empty batch.
func NewestCreatedAt(batch []wire.Notification) time.Time {
	var newest time.Time

	for _, n := range batch {
		if n.CreatedAt.After(newest) {
			newest = n.CreatedAt
		}
	}

	return newest
}
