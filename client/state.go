package client

import (
	"sync"
	"time"
)

// TxState represents what a transaction is doing with its connection.
type TxState int

const (
	// TxIdle indicates the lock is free and nothing is in flight.
	TxIdle TxState = iota
	// TxQuerying indicates a single statement holds the lock.
	TxQuerying
	// TxOpeningSavepoint indicates SAVEPOINT is being issued for a child.
	TxOpeningSavepoint
	// TxChildRunning indicates a nested transaction holds the lock.
	TxChildRunning
	// TxClosingSavepoint indicates RELEASE or ROLLBACK TO SAVEPOINT is in flight.
	TxClosingSavepoint
	// TxOpeningStream indicates a stream is being constructed.
	TxOpeningStream
	// TxStreamOpen indicates a stream holds the lock.
	TxStreamOpen
	// TxCommitted is terminal; only the root reaches it.
	TxCommitted
	// TxRolledBack is terminal; only the root reaches it.
	TxRolledBack
)

// String returns the string representation of the transaction state.
func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "IDLE"
	case TxQuerying:
		return "QUERYING"
	case TxOpeningSavepoint:
		return "OPENING_SAVEPOINT"
	case TxChildRunning:
		return "CHILD_RUNNING"
	case TxClosingSavepoint:
		return "CLOSING_SAVEPOINT"
	case TxOpeningStream:
		return "OPENING_STREAM"
	case TxStreamOpen:
		return "STREAM_OPEN"
	case TxCommitted:
		return "COMMITTED"
	case TxRolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s TxState) Terminal() bool {
	return s == TxCommitted || s == TxRolledBack
}

// StateTransition represents a change in transaction state.
//
// Standard Metadata Keys:
//   - transaction_id: string - id of the transaction that changed state
//   - depth: int - savepoint depth, 0 for the root
//   - label: string - savepoint label of the child being opened or closed
type StateTransition struct {
	// From is the previous state.
	From TxState

	// To is the new current state.
	To TxState

	// Timestamp is when the transition occurred.
	Timestamp time.Time

	// Error is the error that caused the transition (if any).
	Error error

	// Duration is how long the previous state was held.
	Duration time.Duration

	// Metadata contains additional context about the transition.
	Metadata map[string]interface{}
}

// StateChangeHandler is called when a transaction changes state.
type StateChangeHandler func(transition StateTransition)

// StateManager tracks transaction state transitions and event handlers.
type StateManager struct {
	current        TxState
	lastTransition time.Time
	handlers       []StateChangeHandler
	mu             sync.RWMutex
}

// NewStateManager creates a new state manager in TxIdle state.
func NewStateManager() *StateManager {
	return &StateManager{
		current:        TxIdle,
		lastTransition: time.Now(),
		handlers:       make([]StateChangeHandler, 0),
	}
}

// TransitionTo attempts to transition to a new state.
// Returns a *StateError if the transition is illegal.
//
// Legal transitions:
//   - IDLE → QUERYING | OPENING_SAVEPOINT | OPENING_STREAM | COMMITTED | ROLLED_BACK
//   - QUERYING → IDLE
//   - OPENING_SAVEPOINT → CHILD_RUNNING | IDLE (SAVEPOINT failed)
//   - CHILD_RUNNING → CLOSING_SAVEPOINT
//   - CLOSING_SAVEPOINT → IDLE
//   - OPENING_STREAM → STREAM_OPEN | IDLE (open failed)
//   - STREAM_OPEN → IDLE
func (sm *StateManager) TransitionTo(newState TxState, err error, metadata map[string]interface{}) error {
	sm.mu.Lock()

	if !isLegalTransition(sm.current, newState) {
		from := sm.current
		sm.mu.Unlock()
		return ErrIllegalTransition(from, newState)
	}

	now := time.Now()
	transition := StateTransition{
		From:      sm.current,
		To:        newState,
		Timestamp: now,
		Error:     err,
		Duration:  now.Sub(sm.lastTransition),
		Metadata:  metadata,
	}

	sm.current = newState
	sm.lastTransition = now

	// Notify handlers without the lock held
	handlers := make([]StateChangeHandler, len(sm.handlers))
	copy(handlers, sm.handlers)
	sm.mu.Unlock()

	for _, handler := range handlers {
		handler(transition)
	}
	return nil
}

func isLegalTransition(from, to TxState) bool {
	switch from {
	case TxIdle:
		return to == TxQuerying || to == TxOpeningSavepoint || to == TxOpeningStream ||
			to == TxCommitted || to == TxRolledBack
	case TxQuerying:
		return to == TxIdle
	case TxOpeningSavepoint:
		return to == TxChildRunning || to == TxIdle
	case TxChildRunning:
		return to == TxClosingSavepoint
	case TxClosingSavepoint:
		return to == TxIdle
	case TxOpeningStream:
		return to == TxStreamOpen || to == TxIdle
	case TxStreamOpen:
		return to == TxIdle
	default:
		return false
	}
}

// OnStateChange registers a handler to be called on state transitions.
func (sm *StateManager) OnStateChange(handler StateChangeHandler) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.handlers = append(sm.handlers, handler)
}

// GetState returns the current transaction state.
func (sm *StateManager) GetState() TxState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// GetLastTransition returns the time of the most recent transition and how
// long the current state has been held.
func (sm *StateManager) GetLastTransition() StateTransition {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return StateTransition{
		From:      sm.current,
		To:        sm.current,
		Timestamp: sm.lastTransition,
		Duration:  time.Since(sm.lastTransition),
	}
}
