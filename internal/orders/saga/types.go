package saga

import (
	"context"
	"time"
)

// Step names the next action a saga has to take.
type Step string

const (
	StepReserve    Step = "reserve"
	StepCharge     Step = "charge"
	StepAccrue     Step = "accrue"
	StepCommit     Step = "commit"
	StepCompensate Step = "compensate"
	StepDone       Step = "done"
)

// Step outcomes recorded in a saga's history.
const (
	OutcomeSucceeded   = "succeeded"
	OutcomeFailed      = "failed"
	OutcomeDegraded    = "degraded"
	OutcomeCompensated = "compensated"
	OutcomeCancelled   = "cancelled"
	OutcomeSkipped     = "skipped"
)

// StepResult is one entry in a saga's history.
type StepResult struct {
	Step    Step      `json:"step"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Shortage is an item a failed reservation could not cover.
type Shortage struct {
	ItemID    string `json:"itemId"`
	Available int64  `json:"available"`
	Requested int64  `json:"requested"`
}

// State is the checkpoint of one saga: enough to resume it without repeating
// completed side effects.
type State struct {
	Key           string       `json:"key"`
	OrderID       string       `json:"orderId"`
	CustomerID    string       `json:"customerId"`
	Method        string       `json:"method,omitempty"`
	Fingerprint   string       `json:"fingerprint"`
	Next          Step         `json:"next"`
	Status        string       `json:"status"`
	Results       []StepResult `json:"results,omitempty"`
	FailureKind   string       `json:"failureKind,omitempty"`
	FailureReason string       `json:"failureReason,omitempty"`
	Shortages     []Shortage   `json:"shortages,omitempty"`
	Degraded      bool         `json:"degraded,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Done reports whether the saga has nothing left to run.
func (s State) Done() bool {
	return s.Next == StepDone
}

// Record appends a step result and returns the updated state.
func (s State) Record(step Step, outcome, detail string, at time.Time) State {
	s.Results = append(append([]StepResult(nil), s.Results...), StepResult{
		Step:    step,
		Outcome: outcome,
		Detail:  detail,
		At:      at,
	})
	s.UpdatedAt = at
	return s
}

// Store persists the latest checkpoint per idempotency key.
type Store interface {
	Checkpoint(ctx context.Context, key string, state State) error
	// Resume returns the last checkpoint for key, reporting false when there is none.
	Resume(ctx context.Context, key string) (State, bool, error)
}

// Locker grants exclusive ownership of a key. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}
