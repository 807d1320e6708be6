package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/BaSui01/contextgate/types"
)

// RequestState is the per-request mutable state owned by the dispatcher for
// the lifetime of one call.
type RequestState struct {
	ID      string
	Account types.Account
	Model   string

	cancelled atomic.Bool

	mu    sync.Mutex
	usage types.TokenUsage
}

// Cancel marks the request cancelled. The in-flight call notices on its
// next sink write; cancellation is cooperative, never preemptive.
func (s *RequestState) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether the request has been cancelled.
func (s *RequestState) Cancelled() bool {
	return s.cancelled.Load()
}

// AddUsage accumulates observed token usage.
func (s *RequestState) AddUsage(u types.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Add(u)
}

// Usage returns the accumulated usage so far.
func (s *RequestState) Usage() types.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// StateStore tracks in-flight requests by id. Entries are inserted when a
// call starts and removed on every exit path.
type StateStore struct {
	mu     sync.RWMutex
	active map[string]*RequestState
}

// NewStateStore creates an empty request state store.
func NewStateStore() *StateStore {
	return &StateStore{active: make(map[string]*RequestState)}
}

// Begin registers a new in-flight request.
func (st *StateStore) Begin(id string, account types.Account, model string) *RequestState {
	state := &RequestState{ID: id, Account: account, Model: model}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.active[id] = state
	return state
}

// End removes the request from the store. Unknown ids are ignored.
func (st *StateStore) End(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.active, id)
}

// Get returns the state for an in-flight request.
func (st *StateStore) Get(id string) (*RequestState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.active[id]
	return s, ok
}

// Cancel marks the request cancelled, reporting whether it was in flight.
func (st *StateStore) Cancel(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.active[id]
	if ok {
		s.Cancel()
	}
	return ok
}

// IsCancelled reports whether an in-flight request has been cancelled.
// Unknown ids report false.
func (st *StateStore) IsCancelled(id string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.active[id]
	return ok && s.Cancelled()
}
