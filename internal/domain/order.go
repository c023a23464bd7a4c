// Package domain holds the Order aggregate and its state machine.
// Nothing here touches storage or the broker — transitions are pure so
// the store layer can apply them as conditional SQL predicates; writes
// to orders never take advisory locks.
package domain

import (
	"time"

	"github.com/google/uuid"

	"github.com/ordermesh/payment-pipeline/internal/money"
)

// State is one of the order's permitted lifecycle states.
type State string

const (
	StateCreated        State = "CREATED"
	StatePaymentPending State = "PAYMENT_PENDING"
	StatePaid           State = "PAID"
	StateFailed         State = "FAILED"
)

// Terminal reports whether no further transitions are permitted from s.
func (s State) Terminal() bool {
	return s == StatePaid || s == StateFailed
}

// Order is the aggregate of consistency: identity, owner, amount, and
// the state/version pair the worker advances through conditional updates.
type Order struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Amount    money.Amount
	State     State
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New constructs a freshly submitted order: state CREATED, version 0.
func New(userID uuid.UUID, amount money.Amount) Order {
	now := time.Now().UTC()
	return Order{
		ID:        uuid.New(),
		UserID:    userID,
		Amount:    amount,
		State:     StateCreated,
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TerminalState maps a payment outcome to the order state it produces:
// PAYMENT_PENDING -> PAID | FAILED.
func TerminalState(paymentSucceeded bool) State {
	if paymentSucceeded {
		return StatePaid
	}
	return StateFailed
}
