package enums

import "fmt"

// OutboxState maps to the outbox_state enum in Postgres.
type OutboxState string

const (
	OutboxStatePending OutboxState = "pending"
	OutboxStateSending OutboxState = "sending"
	OutboxStateSent    OutboxState = "sent"
	OutboxStateFailed  OutboxState = "failed"
	OutboxStateDead    OutboxState = "dead"
)

var validOutboxStates = []OutboxState{
	OutboxStatePending,
	OutboxStateSending,
	OutboxStateSent,
	OutboxStateFailed,
	OutboxStateDead,
}

// outboxTransitions lists the only edges a message may take.
var outboxTransitions = map[OutboxState][]OutboxState{
	OutboxStatePending: {OutboxStateSending},
	OutboxStateSending: {OutboxStateSent, OutboxStateFailed, OutboxStatePending},
	OutboxStateFailed:  {OutboxStatePending, OutboxStateDead},
}

// IsValid reports whether the value matches the canonical outbox_state enum.
func (s OutboxState) IsValid() bool {
	for _, candidate := range validOutboxStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s OutboxState) IsTerminal() bool {
	return s == OutboxStateSent || s == OutboxStateDead
}

// CanTransitionTo reports whether s -> next is an allowed edge.
func (s OutboxState) CanTransitionTo(next OutboxState) bool {
	for _, candidate := range outboxTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// ParseOutboxState converts raw input into OutboxState.
func ParseOutboxState(value string) (OutboxState, error) {
	for _, candidate := range validOutboxStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid outbox state %q", value)
}
