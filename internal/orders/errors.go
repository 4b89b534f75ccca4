package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cafeorders/internal/orders/saga"
)

var (
	// ErrValidation marks malformed submissions. Terminal.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks unknown customers, catalog items or orders. Terminal.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientStock marks a reservation that could not be satisfied. Terminal.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrTransient marks failures worth retrying (timeouts, connection errors, 5xx).
	ErrTransient = errors.New("transient failure")
	// ErrPaymentDeclined marks a charge refused by the gateway. Terminal, compensated.
	ErrPaymentDeclined = errors.New("payment declined")
	// ErrRetriesExhausted marks a saga that failed because a step kept failing transiently.
	// Terminal: the outcome is stored and replayed.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrCompensationFailed marks a saga that could not be rolled back automatically.
	ErrCompensationFailed = errors.New("compensation failed")
	// ErrIdempotencyConflict signals an idempotency key reused with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	// ErrSagaInProgress signals the saga has not reached a terminal status yet.
	ErrSagaInProgress = errors.New("saga in progress")
	// ErrNotCancellable signals a cancel request for an order past the point of no return.
	ErrNotCancellable = errors.New("order can no longer be cancelled")
	// ErrOrderCancelled marks an order stopped by a cancel request.
	ErrOrderCancelled = errors.New("order cancelled")
	// ErrStaleStatus signals a conditional status update lost against a concurrent writer.
	ErrStaleStatus = errors.New("order status changed concurrently")
	// ErrInvalidTransition signals a status change outside the transition graph.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrReservationNotFound signals there is no reservation for the order.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationReleased signals a commit against a released reservation.
	ErrReservationReleased = errors.New("reservation already released")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// Shortage reports how far a requested item is from being reservable.
type Shortage struct {
	ItemID    string `json:"itemId"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
}

// InsufficientStockError lists every item that could not be reserved.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortages))
	for _, s := range e.Shortages {
		parts = append(parts, fmt.Sprintf("%s (available %d, requested %d)", s.ItemID, s.Available, s.Requested))
	}
	return "insufficient stock: " + strings.Join(parts, ", ")
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// TransientError wraps a failure of a collaborator call that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

// Transient wraps err as retryable. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// RetriesExhaustedError ends a saga whose step never got past transient failures.
type RetriesExhaustedError struct {
	Err error
}

func (e *RetriesExhaustedError) Error() string {
	return "retries exhausted: " + e.Err.Error()
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// CompensationFailedError carries what could not be undone so an operator can reconcile it.
type CompensationFailedError struct {
	OrderID string
	Step    string
	Err     error
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("order %s: compensation of %s failed: %v", e.OrderID, e.Step, e.Err)
}

func (e *CompensationFailedError) Unwrap() error { return e.Err }

func (e *CompensationFailedError) Is(target error) bool { return target == ErrCompensationFailed }

// IsRetryable reports whether err may succeed when the same call is repeated.
// Terminal classes win over a transient cause buried deeper in the chain.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrPaymentDeclined),
		errors.Is(err, ErrIdempotencyConflict),
		errors.Is(err, ErrCompensationFailed),
		errors.Is(err, ErrRetriesExhausted),
		errors.Is(err, ErrOrderCancelled),
		errors.Is(err, ErrReservationReleased):
		return false
	case errors.Is(err, ErrTransient),
		errors.Is(err, ErrCircuitOpen),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// FailureKind is the persisted class of a terminal saga failure, used to replay the same
// outcome for duplicate submissions.
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureInsufficientStock FailureKind = "insufficient_stock"
	FailurePaymentDeclined   FailureKind = "payment_declined"
	FailureNotFound          FailureKind = "not_found"
	FailureExhausted         FailureKind = "retries_exhausted"
	FailureCompensation      FailureKind = "compensation_failed"
	FailureCancelled         FailureKind = "cancelled"
	FailureInternal          FailureKind = "internal"
)

// KindOf maps a terminal error to its persisted failure kind.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrCompensationFailed):
		return FailureCompensation
	case errors.Is(err, ErrOrderCancelled):
		return FailureCancelled
	case errors.Is(err, ErrInsufficientStock):
		return FailureInsufficientStock
	case errors.Is(err, ErrPaymentDeclined):
		return FailurePaymentDeclined
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrRetriesExhausted), IsRetryable(err):
		return FailureExhausted
	}
	return FailureInternal
}

// terminalError is the error callers receive for a saga that ended on cause. It
// classifies the same way as the error replayed from the checkpoint.
func terminalError(cause error) error {
	switch KindOf(cause) {
	case FailureExhausted:
		if errors.Is(cause, ErrRetriesExhausted) {
			return cause
		}
		return &RetriesExhaustedError{Err: cause}
	case FailureInternal:
		return errors.New(cause.Error())
	}
	return cause
}

// replayError rebuilds the error of a finished saga from its checkpoint.
func replayError(state saga.State) error {
	reason := state.FailureReason
	var sentinel error
	switch FailureKind(state.FailureKind) {
	case FailureNone:
		return nil
	case FailureInsufficientStock:
		if len(state.Shortages) > 0 {
			return &InsufficientStockError{Shortages: fromCheckpointShortages(state.Shortages)}
		}
		sentinel = ErrInsufficientStock
	case FailurePaymentDeclined:
		sentinel = ErrPaymentDeclined
	case FailureNotFound:
		sentinel = ErrNotFound
	case FailureCompensation:
		sentinel = ErrCompensationFailed
	case FailureCancelled:
		sentinel = ErrOrderCancelled
	case FailureExhausted:
		return &RetriesExhaustedError{Err: errors.New(reason)}
	default:
		return errors.New(reason)
	}
	if reason == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, reason)
}

func checkpointShortages(err error) []saga.Shortage {
	var stock *InsufficientStockError
	if !errors.As(err, &stock) {
		return nil
	}
	out := make([]saga.Shortage, len(stock.Shortages))
	for i, s := range stock.Shortages {
		out[i] = saga.Shortage{ItemID: s.ItemID, Available: s.Available, Requested: s.Requested}
	}
	return out
}

func fromCheckpointShortages(in []saga.Shortage) []Shortage {
	out := make([]Shortage, len(in))
	for i, s := range in {
		out[i] = Shortage{ItemID: s.ItemID, Available: s.Available, Requested: s.Requested}
	}
	return out
}
