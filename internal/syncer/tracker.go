// Package syncer holds the sync engines: consolidated account balances with a
// TTL cache, cursor-based incremental transaction sync, and revocation with
// in-flight cancellation. Engines isolate failures per connection so one bad
// institution never poisons the rest of a user's data.
package syncer

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// syncHandle tracks one running sync: its cancel func and a channel closed
// when the sync releases, so cancellers can wait for it to stop writing.
type syncHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker hands out per-connection cancellable contexts and lets revocation
// cancel every in-flight sync for a connection before its data is wiped.
type Tracker struct {
	mu       sync.Mutex
	nextID   uint64
	inFlight map[uuid.UUID]map[uint64]*syncHandle
}

// NewTracker creates an empty in-flight sync tracker
func NewTracker() *Tracker {
	return &Tracker{
		inFlight: make(map[uuid.UUID]map[uint64]*syncHandle),
	}
}

// Begin derives a cancellable context for one sync of the given connection.
// The returned release func must be called when the sync finishes; calling it
// more than once is safe.
func (t *Tracker) Begin(ctx context.Context, connID uuid.UUID) (context.Context, func()) {
	syncCtx, cancel := context.WithCancel(ctx)
	handle := &syncHandle{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	t.nextID++
	id := t.nextID
	if t.inFlight[connID] == nil {
		t.inFlight[connID] = make(map[uint64]*syncHandle)
	}
	t.inFlight[connID][id] = handle
	t.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			if handles, ok := t.inFlight[connID]; ok {
				delete(handles, id)
				if len(handles) == 0 {
					delete(t.inFlight, connID)
				}
			}
			t.mu.Unlock()
			cancel()
			close(handle.done)
		})
	}
	return syncCtx, release
}

// Cancel aborts every in-flight sync for the connection without waiting for
// them to finish. Returns the number of syncs cancelled.
func (t *Tracker) Cancel(connID uuid.UUID) int {
	handles := t.take(connID)
	for _, h := range handles {
		h.cancel()
	}
	return len(handles)
}

// CancelAndWait aborts every in-flight sync for the connection and blocks
// until each has released its handle. After it returns, no cancelled sync can
// write that connection's data, so the caller may delete it safely.
func (t *Tracker) CancelAndWait(connID uuid.UUID) int {
	handles := t.take(connID)
	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
	return len(handles)
}

func (t *Tracker) take(connID uuid.UUID) map[uint64]*syncHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	handles := t.inFlight[connID]
	delete(t.inFlight, connID)
	return handles
}

// InFlight reports how many syncs are currently running for the connection
func (t *Tracker) InFlight(connID uuid.UUID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight[connID])
}
