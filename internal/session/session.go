// Package session holds the process-wide identity state.
//
// The state is an explicit, injectable value rather than a package global,
// so independent engine instances (and tests) never share identity. Only
// the identity transition manager mutates it; everything else reads a
// snapshot or subscribes for changes.
package session

import "sync"

// Snapshot is an immutable view of the session at one point in time.
type Snapshot struct {
	// Authenticated reports whether a server account is signed in.
	Authenticated bool

	// UserID is the server-side account id, empty for guests.
	UserID string

	// DeviceID is the persistent installation id. It never changes
	// across identity transitions.
	DeviceID string
}

// Observer receives the new snapshot after every mutation.
type Observer func(Snapshot)

// State is the mutable session owned by the application shell.
type State struct {
	mu   sync.Mutex
	cur  Snapshot
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn Observer
}

// New returns a guest session bound to the given device.
func New(deviceID string) *State {
	return &State{cur: Snapshot{DeviceID: deviceID}}
}

// Snapshot returns the current session view.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// SetAuthenticated transitions the session to the given account.
// Reserved for the identity transition manager.
func (s *State) SetAuthenticated(userID string) {
	s.mutate(func(snap *Snapshot) {
		snap.Authenticated = true
		snap.UserID = userID
	})
}

// SetGuest resets the session to guest mode. The device id is retained.
// Reserved for the identity transition manager.
func (s *State) SetGuest() {
	s.mutate(func(snap *Snapshot) {
		snap.Authenticated = false
		snap.UserID = ""
	})
}

// Subscribe registers an observer and returns its cancel function.
//
// Observers are invoked synchronously, in subscription order, with the
// snapshot that resulted from the mutation. They must not call back into
// State methods that mutate.
func (s *State) Subscribe(fn Observer) (cancel func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.subs = append(s.subs, subscriber{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

func (s *State) mutate(apply func(*Snapshot)) {
	s.mu.Lock()
	apply(&s.cur)
	snap := s.cur
	subs := make([]subscriber, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	// Notify outside the lock so observers can read Snapshot().
	for _, sub := range subs {
		sub.fn(snap)
	}
}
