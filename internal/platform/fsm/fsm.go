// Package fsm holds the transition tables shared by the clinic state
// machines and the error values every machine reports.
package fsm

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a requested transition is not
	// permitted from the entity's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleStatus is returned by stores when a conditional update finds
	// the row no longer in any of the expected statuses.
	ErrStaleStatus = errors.New("status changed concurrently")
)

// Table is a closed transition table keyed by source status.
type Table[S comparable] map[S][]S

// Allowed reports whether to is reachable from from in a single step.
func (t Table[S]) Allowed(from, to S) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (t Table[S]) Terminal(s S) bool {
	return len(t[s]) == 0
}

// TransitionError describes a rejected transition precisely enough for an
// operator to understand why it was refused.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Reason string
	Stale  bool
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Stale {
		return fmt.Sprintf("%s %s was modified by someone else; refresh and try again", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s cannot move from %q to %q", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Reject builds a TransitionError for a transition refused by the table.
func Reject[S ~string](entity, id string, from, to S, reason string) *TransitionError {
	return &TransitionError{Entity: entity, ID: id, From: string(from), To: string(to), Reason: reason}
}

// Stale converts a lost compare-and-swap into the caller-facing error.
func Stale[S ~string](entity, id string, from, to S) *TransitionError {
	return &TransitionError{Entity: entity, ID: id, From: string(from), To: string(to), Stale: true}
}
