// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"fmt"
	"sync"
)

// Transition describes a single edge in the FSM.
// Guard may reject the transition.
type Transition[S ~string, E ~string] struct {
	From  S
	Event E
	To    S
	Guard func(from S, event E) error
}

// Machine is a small, test-friendly FSM runner. Unknown transitions are
// errors. Callers that need transitions serialized with other work hold
// their own lock around Fire; the internal mutex only protects State reads.
type Machine[S ~string, E ~string] struct {
	mu    sync.Mutex
	state S
	index map[string]Transition[S, E]
}

func NewMachine[S ~string, E ~string](initial S, transitions []Transition[S, E]) (*Machine[S, E], error) {
	idx := make(map[string]Transition[S, E], len(transitions))
	for _, t := range transitions {
		k := key(t.From, t.Event)
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s -> %s", t.From, t.Event)
		}
		idx[k] = t
	}
	return &Machine[S, E]{state: initial, index: idx}, nil
}

func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether event is defined for the current state.
func (m *Machine[S, E]) Can(event E) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.index[key(m.state, event)]
	return ok
}

// Fire applies an event and returns the new state.
func (m *Machine[S, E]) Fire(event E) (S, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	t, ok := m.index[key(from, event)]
	if !ok {
		return from, fmt.Errorf("invalid transition: state=%s event=%s", from, event)
	}
	if t.Guard != nil {
		if err := t.Guard(from, event); err != nil {
			return from, err
		}
	}
	m.state = t.To
	return t.To, nil
}

func key[S ~string, E ~string](from S, event E) string {
	return string(from) + "|" + string(event)
}

// KeyState is the per-stream-key lifecycle state.
type KeyState string

const (
	StateIdle       KeyState = "IDLE"
	StatePublishing KeyState = "PUBLISHING"
	StateFailover   KeyState = "FAILOVER"
)

// KeyEvent drives KeyState transitions.
type KeyEvent string

const (
	EventActivatePrimary KeyEvent = "activate_primary"
	EventActivateBackup  KeyEvent = "activate_backup"
	EventStandby         KeyEvent = "standby"
	EventPromotePrimary  KeyEvent = "promote_primary"
	EventPromoteBackup   KeyEvent = "promote_backup"
	EventEnd             KeyEvent = "end"
)

// keyTransitions is the stream key lifecycle:
//
//	IDLE --activate_primary--> PUBLISHING
//	IDLE --activate_backup---> FAILOVER
//	PUBLISHING --promote_backup--> FAILOVER
//	FAILOVER --promote_primary--> PUBLISHING
//	PUBLISHING|FAILOVER --end--> IDLE
func keyTransitions() []Transition[KeyState, KeyEvent] {
	return []Transition[KeyState, KeyEvent]{
		{From: StateIdle, Event: EventActivatePrimary, To: StatePublishing},
		{From: StateIdle, Event: EventActivateBackup, To: StateFailover},
		{From: StatePublishing, Event: EventStandby, To: StatePublishing},
		{From: StateFailover, Event: EventStandby, To: StateFailover},
		{From: StatePublishing, Event: EventPromoteBackup, To: StateFailover},
		{From: StateFailover, Event: EventPromotePrimary, To: StatePublishing},
		{From: StatePublishing, Event: EventEnd, To: StateIdle},
		{From: StateFailover, Event: EventEnd, To: StateIdle},
	}
}

func newKeyMachine() *Machine[KeyState, KeyEvent] {
	m, err := NewMachine(StateIdle, keyTransitions())
	if err != nil {
		panic(err)
	}
	return m
}
