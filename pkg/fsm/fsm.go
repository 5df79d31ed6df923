// Package fsm implements the pure Session state validator. It performs
// no I/O and holds no session data of its own; it only decides whether a
// requested transition is legal.
package fsm

import (
	"fmt"

	"github.com/aria-run/aria/pkg/types"
)

// legal maps a source state to the set of states it may transition to.
var legal = map[types.State]map[types.State]bool{
	types.StateIdle: {
		types.StateRunning:   true,
		types.StateCancelled: true,
	},
	types.StateRunning: {
		types.StateWaiting:   true,
		types.StateDone:      true,
		types.StateFailed:    true,
		types.StateCancelled: true,
	},
	types.StateWaiting: {
		types.StateRunning:   true,
		types.StateFailed:    true,
		types.StateCancelled: true,
	},
	// DONE, FAILED, CANCELLED are terminal: no outgoing edges.
}

// Allowed reports whether from -> to is a legal transition.
func Allowed(from, to types.State) bool {
	edges, ok := legal[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Apply validates and performs the transition on s, returning
// *types.Error{Kind: KindInvalidStateTransition} if illegal. This error
// is fatal: callers must halt the process on receipt.
func Apply(s *types.Session, to types.State) error {
	if s.State.Terminal() {
		return types.New(types.KindInvalidStateTransition,
			fmt.Sprintf("session %s is terminal (%s); cannot transition to %s", s.ID, s.State, to))
	}
	if !Allowed(s.State, to) {
		return types.New(types.KindInvalidStateTransition,
			fmt.Sprintf("illegal transition %s -> %s for session %s", s.State, to, s.ID))
	}
	s.State = to
	return nil
}

// Reachable returns every state reachable from IDLE via zero or more legal
// transitions. Used by tests to assert the legal-transition set covers
// every declared state.
func Reachable() map[types.State]bool {
	seen := map[types.State]bool{types.StateIdle: true}
	frontier := []types.State{types.StateIdle}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for next, ok := range legal[cur] {
			if !ok || seen[next] {
				continue
			}
			seen[next] = true
			frontier = append(frontier, next)
		}
	}
	return seen
}
