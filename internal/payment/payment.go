// Package payment defines the abstract payment collaborator the worker
// drives and ships a deterministic in-process mock — there is no real
// gateway integration here.
package payment

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/ordermesh/payment-pipeline/internal/domain"
	"github.com/ordermesh/payment-pipeline/internal/money"
)

// Result is the outcome of processing a payment attempt: a business
// decision, not an error — only TransientPaymentError is an error the
// worker's retry loop reacts to.
type Result struct {
	Succeeded bool
}

// Service is the abstract payment collaborator.
type Service interface {
	Process(ctx context.Context, orderID uuid.UUID, amount money.Amount) (Result, error)
}

// MockService is a deterministic fake: it fails transiently on every
// FailEveryNth-th call to exercise the worker's retry path, and
// resolves PAID/FAILED by the parity of the amount's integer cents.
type MockService struct {
	// FailEveryNth makes every Nth call (1-indexed) return a
	// TransientPaymentError instead of a result; 0 disables it.
	FailEveryNth int

	mu    sync.Mutex
	calls int
}

func NewMockService(failEveryNth int) *MockService {
	return &MockService{FailEveryNth: failEveryNth}
}

func (m *MockService) Process(ctx context.Context, orderID uuid.UUID, amount money.Amount) (Result, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.mu.Unlock()

	if m.FailEveryNth > 0 && n%m.FailEveryNth == 0 {
		return Result{}, &domain.TransientPaymentError{Cause: fmt.Errorf("payment: simulated gateway timeout for order %s", orderID)}
	}

	cents := int64(math.Round(amount.Float64() * 100))
	return Result{Succeeded: cents%2 == 0}, nil
}
