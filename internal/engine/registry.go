package engine

import (
	"sort"
	"sync"

	"github.com/jxucoder/buildbot/pkg/conversation"
	"github.com/jxucoder/buildbot/pkg/model"
	"github.com/jxucoder/buildbot/pkg/sandbox"
)

// entry is a registered session and the runtime state only this process has.
type entry struct {
	session *model.BuildSession
	handle  sandbox.Handle
	thread  conversation.Thread
	turns   *turnQueue

	mu    sync.Mutex
	count int
}

func (e *entry) nextTurn() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.count++
	return e.count
}

// registry indexes sessions by id and by thread. Both maps change together
// under one lock, so a lookup never sees one without the other.
type registry struct {
	mu       sync.RWMutex
	byID     map[string]*entry
	threads  map[string]string
	reserved map[string]bool
}

func newRegistry() *registry {
	return &registry{
		byID:     make(map[string]*entry),
		threads:  make(map[string]string),
		reserved: make(map[string]bool),
	}
}

// reserve claims a thread for a bootstrap in progress. It fails if the thread
// is bound or already reserved.
func (r *registry) reserve(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.threads[threadID]; ok || r.reserved[threadID] {
		return false
	}
	r.reserved[threadID] = true
	return true
}

// release drops a reservation that did not become a session.
func (r *registry) release(threadID string) {
	r.mu.Lock()
	delete(r.reserved, threadID)
	r.mu.Unlock()
}

// put registers e under its id and thread, consuming the reservation.
func (r *registry) put(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, e.session.ThreadID)
	r.byID[e.session.ID] = e
	r.threads[e.session.ThreadID] = e.session.ID
}

func (r *registry) get(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

func (r *registry) byThread(threadID string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.threads[threadID]
	if !ok {
		return nil
	}
	return r.byID[id]
}

// remove deletes the session from both indexes.
func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	if r.threads[e.session.ThreadID] == id {
		delete(r.threads, e.session.ThreadID)
	}
}

// list returns the registered entries ordered by creation time.
func (r *registry) list() []*entry {
	r.mu.RLock()
	out := make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].session.CreatedAt.Equal(out[j].session.CreatedAt) {
			return out[i].session.ID < out[j].session.ID
		}
		return out[i].session.CreatedAt.Before(out[j].session.CreatedAt)
	})
	return out
}

// consistent reports whether the two indexes agree. Used by tests.
func (r *registry) consistent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.byID) != len(r.threads) {
		return false
	}
	for id, e := range r.byID {
		if r.threads[e.session.ThreadID] != id {
			return false
		}
	}
	return true
}
