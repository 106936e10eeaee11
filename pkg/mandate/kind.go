// Package mandate defines the mandate authorization record, its typed
// payloads and its lifecycle state machine.
package mandate

import (
	"fmt"
	"strings"
)

// Kind is the mandate variant. It selects the payload shape and risk formula.
type Kind string

const (
	KindIntent  Kind = "intent"
	KindCart    Kind = "cart"
	KindPayment Kind = "payment"
)

// Kinds lists every kind in a stable order.
var Kinds = []Kind{KindIntent, KindCart, KindPayment}

func (k Kind) Valid() bool {
	switch k {
	case KindIntent, KindCart, KindPayment:
		return true
	}
	return false
}

// ParseKind parses a kind name, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown mandate kind %q", ErrValidation, s)
	}
	return k, nil
}

// Status is the lifecycle state of a mandate.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusApproved, StatusExecuted, StatusCancelled, StatusExpired}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusExecuted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusExecuted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown mandate status %q", ErrValidation, s)
	}
	return st, nil
}

// Event names a requested lifecycle transition.
type Event string

const (
	EventApprove     Event = "approve"
	EventAutoApprove Event = "auto_approve"
	EventExecute     Event = "execute"
	EventCancel      Event = "cancel"
	EventExpire      Event = "expire"
)

// transitions is the complete table of legal moves. Guards beyond the source
// state (signature, expiry) are checked by the transition methods.
var transitions = map[Event]struct {
	from []Status
	to   Status
}{
	EventApprove:     {from: []Status{StatusPending}, to: StatusApproved},
	EventAutoApprove: {from: []Status{StatusPending}, to: StatusApproved},
	EventExecute:     {from: []Status{StatusApproved}, to: StatusExecuted},
	EventCancel:      {from: []Status{StatusPending}, to: StatusCancelled},
	EventExpire:      {from: []Status{StatusPending, StatusApproved}, to: StatusExpired},
}

// CanTransition reports whether ev is legal from status s, ignoring guards.
func CanTransition(s Status, ev Event) bool {
	t, ok := transitions[ev]
	if !ok {
		return false
	}
	for _, from := range t.from {
		if from == s {
			return true
		}
	}
	return false
}
