package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/concordkit/concord/internal/methodology"
)

// Store guards CoreState behind one reader/writer lock. Mutations run
// synchronously under the writer lock; no I/O happens while it is held.
type Store struct {
	mu   sync.RWMutex
	core CoreState
}

// NewStore builds a store in the initializing state for one identity.
func NewStore(identity Identity, limits RuntimeLimits) *Store {
	return &Store{
		core: CoreState{
			Status:           StatusInitializing,
			Identity:         identity,
			Methodologies:    make(map[string]methodology.Methodology),
			ActiveOperations: make(map[string]ActiveOperation),
			Coordination: CoordinationState{
				Capabilities:   cloneStrings(identity.Capabilities),
				ResourceGauges: make(map[string]float64),
			},
			Limits:    limits,
			StartedAt: time.Now(),
		},
	}
}

// Read returns a deep-cloned snapshot. Writers block only for the copy.
func (s *Store) Read() CoreState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.core.clone()
}

// Mutate applies fn under exclusive access. fn must not block, perform I/O,
// or retain the *CoreState beyond the call.
func (s *Store) Mutate(fn func(*CoreState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.core)
}

// Status reads the current lifecycle status without a full snapshot copy.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.core.Status
}

// Transition applies a validated lifecycle step.
func (s *Store) Transition(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.core.Status, to) {
		return transitionError(s.core.Status, to)
	}
	s.core.Status = to
	return nil
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
