package orders

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"cafeorders/internal/orders/saga"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var errOrderNotRecorded = errors.New("order not recorded yet, retry with the same idempotency key")

// orderNamespace scopes the UUIDv5 order ids derived from idempotency keys.
var orderNamespace = uuid.MustParse("6f1c2a52-8d4e-4f7b-9a0e-3c5d7b1e2f90")

// ItemRequest is one requested item of a submission.
type ItemRequest struct {
	ItemID   string `json:"itemId"`
	Quantity int64  `json:"quantity"`
}

// SubmitRequest is one order submission.
type SubmitRequest struct {
	CustomerID     string        `json:"customerId"`
	Items          []ItemRequest `json:"items"`
	IdempotencyKey string        `json:"idempotencyKey,omitempty"`
	PaymentMethod  string        `json:"paymentMethod,omitempty"`
}

func (r SubmitRequest) validate() error {
	if strings.TrimSpace(r.CustomerID) == "" {
		return &ValidationError{Field: "customerId", Reason: "required"}
	}
	if len(r.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.ItemID) == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].itemId", i), Reason: "required"}
		}
		if item.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be > 0"}
		}
	}
	return nil
}

// Fingerprint identifies the logical content of a submission, independent of its key.
func Fingerprint(r SubmitRequest) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(r.CustomerID)))
	for _, item := range r.Items {
		h.Write([]byte{'\n'})
		h.Write([]byte(strings.TrimSpace(item.ItemID)))
		h.Write([]byte{':'})
		h.Write([]byte(strconv.FormatInt(item.Quantity, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// orderFingerprint recomputes the fingerprint of the submission that created order.
func orderFingerprint(order Order) string {
	req := SubmitRequest{CustomerID: order.CustomerID, Items: make([]ItemRequest, len(order.Items))}
	for i, item := range order.Items {
		req.Items[i] = ItemRequest{ItemID: item.ItemID, Quantity: item.Quantity}
	}
	return Fingerprint(req)
}

// OrderIDFor maps an idempotency key to its order id.
func OrderIDFor(idempotencyKey string) string {
	return uuid.NewSHA1(orderNamespace, []byte(idempotencyKey)).String()
}

// Collaborators are the stores and clients the orchestrator drives.
type Collaborators struct {
	Orders      OrderStore
	Catalog     Catalog
	Customers   CustomerDirectory
	Inventory   InventoryClient
	Payments    PaymentClient
	Loyalty     LoyaltyClient
	Checkpoints saga.Store
}

func (c Collaborators) validate() error {
	var missing []string
	if c.Orders == nil {
		missing = append(missing, "orders")
	}
	if c.Catalog == nil {
		missing = append(missing, "catalog")
	}
	if c.Customers == nil {
		missing = append(missing, "customers")
	}
	if c.Inventory == nil {
		missing = append(missing, "inventory")
	}
	if c.Payments == nil {
		missing = append(missing, "payments")
	}
	if c.Loyalty == nil {
		missing = append(missing, "loyalty")
	}
	if c.Checkpoints == nil {
		missing = append(missing, "checkpoints")
	}
	if len(missing) > 0 {
		return fmt.Errorf("orchestrator: missing collaborators: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer sets the tracer used for saga spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithObserver sets the step and outcome observer.
func WithObserver(obs SagaObserver) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithPublisher sets the status change publisher.
func WithPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.events = p
		}
	}
}

// WithLocker replaces the in-process per-order lock.
func WithLocker(l saga.Locker) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithReconciliation sets where unrecoverable compensations are recorded.
func WithReconciliation(r ReconciliationStore) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recon = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator drives each order through reserve, charge, accrue and commit, compensating
// on terminal failure and checkpointing every transition.
type Orchestrator struct {
	orders    OrderStore
	catalog   Catalog
	customers CustomerDirectory
	inventory InventoryClient
	payments  PaymentClient
	loyalty   LoyaltyClient
	store     saga.Store
	locker    saga.Locker

	cfg SagaConfig

	logger   *zap.Logger
	tracer   trace.Tracer
	observer SagaObserver
	events   EventPublisher
	recon    ReconciliationStore
	now      func() time.Time

	wg      sync.WaitGroup
	mu      sync.Mutex
	active  map[string]bool
	cancels map[string]bool
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(c Collaborators, cfg SagaConfig, opts ...Option) (*Orchestrator, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		orders:    c.Orders,
		catalog:   c.Catalog,
		customers: c.Customers,
		inventory: c.Inventory,
		payments:  c.Payments,
		loyalty:   c.Loyalty,
		store:     c.Checkpoints,
		locker:    saga.NewKeyedLocker(saga.DefaultShards),
		cfg:       cfg,
		logger:    zap.NewNop(),
		tracer:    otel.Tracer("cafeorders/internal/orders"),
		observer:  nopObserver{},
		events:    nopPublisher{},
		recon:     NewMemoryReconciliation(),
		now:       time.Now,
		active:    make(map[string]bool),
		cancels:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Wait blocks until every detached saga has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// GetOrder returns the current order record.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, &ValidationError{Field: "orderId", Reason: "required"}
	}
	return o.orders.Get(ctx, orderID)
}

type submitResult struct {
	order Order
	err   error
}

// SubmitOrder runs the saga for a submission, or replays the stored outcome of a key
// seen before. The saga keeps running when ctx ends first; the caller then receives
// ErrSagaInProgress with the order as it stands.
func (o *Orchestrator) SubmitOrder(ctx context.Context, req SubmitRequest) (Order, error) {
	if err := req.validate(); err != nil {
		return Order{}, err
	}
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	fingerprint := Fingerprint(req)
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		key = "fp:" + fingerprint
	}
	req.IdempotencyKey = key
	orderID := OrderIDFor(key)

	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		if ctx.Err() != nil {
			return o.inProgress(ctx, orderID, key)
		}
		return Order{}, Transient("order lock", err)
	}
	o.setActive(orderID, true)

	done := make(chan submitResult, 1)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			o.setActive(orderID, false)
			unlock()
		}()
		order, err := o.execute(context.WithoutCancel(ctx), orderID, fingerprint, req)
		done <- submitResult{order: order, err: err}
	}()

	var deadline <-chan time.Time
	if o.cfg.SubmitWait > 0 {
		timer := time.NewTimer(o.cfg.SubmitWait)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case res := <-done:
		return res.order, res.err
	case <-ctx.Done():
	case <-deadline:
	}
	return o.inProgress(ctx, orderID, key)
}

func (o *Orchestrator) inProgress(ctx context.Context, orderID, key string) (Order, error) {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	order, err := o.orders.Get(readCtx, orderID)
	if err != nil {
		o.logger.Info("order not recorded yet",
			zap.String("order_id", orderID),
			zap.String("idempotency_key", key),
			zap.Error(err),
		)
		return Order{}, Transient("submit "+key, errOrderNotRecorded)
	}
	return order, ErrSagaInProgress
}

func (o *Orchestrator) setActive(orderID string, active bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if active {
		o.active[orderID] = true
		return
	}
	delete(o.active, orderID)
	delete(o.cancels, orderID)
}

// takeCancel consumes a pending cancel request for the order.
func (o *Orchestrator) takeCancel(orderID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.cancels[orderID] {
		return false
	}
	delete(o.cancels, orderID)
	return true
}

// sagaRun is the working copy of one saga while its lock is held.
type sagaRun struct {
	order Order
	state saga.State
	// cause is the terminal error of this run, returned instead of the replayed one.
	cause error
}

func (o *Orchestrator) execute(ctx context.Context, orderID, fingerprint string, req SubmitRequest) (Order, error) {
	ctx, span := o.tracer.Start(ctx, "saga.submit", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("customer.id", req.CustomerID),
	))
	defer span.End()

	order, err := o.load(ctx, orderID, fingerprint, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return order, err
}

func (o *Orchestrator) load(ctx context.Context, orderID, fingerprint string, req SubmitRequest) (Order, error) {
	key := req.IdempotencyKey
	state, found, err := o.store.Resume(ctx, key)
	if err != nil {
		return Order{}, Transient("idempotency store", err)
	}

	if found {
		if state.Fingerprint != fingerprint {
			return Order{}, fmt.Errorf("key %q: %w", key, ErrIdempotencyConflict)
		}
		order, err := o.orders.Get(ctx, state.OrderID)
		if errors.Is(err, ErrNotFound) {
			return o.orphaned(key, state)
		}
		if err != nil {
			return Order{}, err
		}
		if state.Done() {
			o.logger.Info("replaying saga outcome",
				zap.String("order_id", order.ID),
				zap.String("idempotency_key", key),
				zap.String("status", string(order.Status)),
			)
			return order, replayError(state)
		}
		run := &sagaRun{order: order, state: state}
		if err := o.realign(ctx, run); err != nil {
			return run.order, err
		}
		o.logger.Info("resuming saga",
			zap.String("order_id", order.ID),
			zap.String("idempotency_key", key),
			zap.String("next_step", string(run.state.Next)),
		)
		return o.advance(ctx, run)
	}

	order, err := o.prepare(ctx, orderID, req)
	if err != nil {
		return Order{}, err
	}
	switch err := o.orders.Create(ctx, order); {
	case errors.Is(err, ErrOrderExists):
		// Created by a run that stopped before its first checkpoint.
		if order, err = o.orders.Get(ctx, orderID); err != nil {
			return Order{}, err
		}
		if orderFingerprint(order) != fingerprint {
			return Order{}, fmt.Errorf("key %q: %w", key, ErrIdempotencyConflict)
		}
	case err != nil:
		return Order{}, err
	default:
		o.publish(ctx, order, "")
	}

	run := &sagaRun{
		order: order,
		state: saga.State{
			Key:         key,
			OrderID:     order.ID,
			CustomerID:  order.CustomerID,
			Method:      req.PaymentMethod,
			Fingerprint: fingerprint,
			Next:        saga.StepReserve,
			Status:      string(order.Status),
		},
	}
	if err := o.realign(ctx, run); err != nil {
		return run.order, err
	}
	o.logger.Info("saga started",
		zap.String("order_id", order.ID),
		zap.String("idempotency_key", key),
		zap.String("total", order.TotalAmount.String()),
	)
	return o.advance(ctx, run)
}

// orphaned answers for a checkpoint whose order record is gone, as happens when
// checkpoints are durable and orders are not. A finished saga replays what the
// checkpoint recorded; an unfinished one cannot be resumed.
func (o *Orchestrator) orphaned(key string, state saga.State) (Order, error) {
	if !state.Done() {
		o.logger.Error("checkpoint has no order record, saga cannot resume",
			zap.String("order_id", state.OrderID),
			zap.String("idempotency_key", key),
			zap.String("next_step", string(state.Next)),
		)
		return Order{}, fmt.Errorf("key %q: order %s missing for checkpoint at step %s", key, state.OrderID, state.Next)
	}
	o.logger.Warn("replaying saga outcome from checkpoint without order record",
		zap.String("order_id", state.OrderID),
		zap.String("idempotency_key", key),
		zap.String("status", state.Status),
	)
	order := Order{
		ID:             state.OrderID,
		CustomerID:     state.CustomerID,
		Status:         Status(state.Status),
		IdempotencyKey: key,
		FailureReason:  state.FailureReason,
		Degraded:       state.Degraded,
		UpdatedAt:      state.UpdatedAt,
	}
	return order, replayError(state)
}

// prepare validates the customer and snapshots catalog prices into a PENDING order.
func (o *Orchestrator) prepare(ctx context.Context, orderID string, req SubmitRequest) (Order, error) {
	var exists bool
	err := o.runStep(ctx, orderID, "validate_customer", o.cfg.StepPolicy(), func(ctx context.Context) error {
		var err error
		exists, err = o.customers.Exists(ctx, req.CustomerID)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	if !exists {
		return Order{}, &NotFoundError{Kind: "customer", ID: req.CustomerID}
	}

	lines := make([]LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		itemID := strings.TrimSpace(item.ItemID)
		var catalogItem CatalogItem
		err := o.runStep(ctx, orderID, "price_lookup", o.cfg.StepPolicy(), func(ctx context.Context) error {
			var err error
			catalogItem, err = o.catalog.GetItem(ctx, itemID)
			return err
		})
		if err != nil {
			return Order{}, err
		}
		lines = append(lines, LineItem{
			ItemID:    itemID,
			Name:      catalogItem.Name,
			Quantity:  item.Quantity,
			UnitPrice: catalogItem.Price,
		})
	}

	return NewOrder(orderID, req.CustomerID, req.IdempotencyKey, lines, o.now().UTC())
}

// realign brings the checkpoint in line with an order record that moved further than
// the last checkpoint recorded, then persists it.
func (o *Orchestrator) realign(ctx context.Context, run *sagaRun) error {
	switch run.order.Status {
	case StatusCompensating:
		run.state.Next = saga.StepCompensate
	case StatusCompleted:
		run.state.Next = saga.StepDone
	case StatusFailed, StatusCompensated:
		if !run.state.Done() {
			run.state.Next = saga.StepDone
			if run.state.FailureKind == "" {
				run.state.FailureKind = string(FailureInternal)
				run.state.FailureReason = run.order.FailureReason
			}
		}
	}
	return o.checkpoint(ctx, run)
}

func (o *Orchestrator) advance(ctx context.Context, run *sagaRun) (Order, error) {
	for !run.state.Done() {
		if run.state.Next != saga.StepCompensate && o.takeCancel(run.order.ID) {
			if err := o.cancelInFlight(ctx, run); err != nil {
				return run.order, err
			}
			continue
		}

		var err error
		switch run.state.Next {
		case saga.StepReserve:
			err = o.reserve(ctx, run)
		case saga.StepCharge:
			err = o.charge(ctx, run)
		case saga.StepAccrue:
			err = o.accrue(ctx, run)
		case saga.StepCommit:
			err = o.commit(ctx, run)
		case saga.StepCompensate:
			err = o.compensate(ctx, run)
		default:
			err = fmt.Errorf("order %s: unknown saga step %q", run.order.ID, run.state.Next)
		}
		if err != nil {
			return run.order, err
		}
	}

	o.observer.ObserveOutcome(string(run.order.Status), run.order.Degraded)
	if run.cause != nil {
		return run.order, run.cause
	}
	return run.order, replayError(run.state)
}

func (o *Orchestrator) reserve(ctx context.Context, run *sagaRun) error {
	err := o.runStep(ctx, run.order.ID, string(saga.StepReserve), o.cfg.StepPolicy(), func(ctx context.Context) error {
		_, err := o.inventory.Reserve(ctx, run.order.ID, run.order.ReservationItems())
		return err
	})
	if err == nil {
		if err := o.move(ctx, run, StatusInventoryReserved, ""); err != nil {
			return err
		}
		o.record(run, saga.StepReserve, saga.OutcomeSucceeded, "")
		run.state.Next = saga.StepCharge
		return o.checkpoint(ctx, run)
	}

	if IsRetryable(err) {
		// The remote reserve may have applied on an attempt that timed out.
		o.releaseLeftover(ctx, run)
	}
	return o.fail(ctx, run, saga.StepReserve, err)
}

// releaseLeftover releases whatever a failed reserve may have left behind.
func (o *Orchestrator) releaseLeftover(ctx context.Context, run *sagaRun) {
	err := o.runStep(ctx, run.order.ID, "release_cleanup", o.cfg.CompensationPolicy(), func(ctx context.Context) error {
		_, err := o.inventory.Release(ctx, run.order.ID)
		if errors.Is(err, ErrReservationNotFound) {
			return nil
		}
		return err
	})
	if err == nil {
		return
	}
	o.logger.Error("release after failed reserve did not succeed",
		zap.String("order_id", run.order.ID),
		zap.Error(err),
	)
	o.reconcile(ctx, run, "release_cleanup", err)
}

// fail ends a saga that has nothing to compensate.
func (o *Orchestrator) fail(ctx context.Context, run *sagaRun, step saga.Step, cause error) error {
	if err := o.move(ctx, run, StatusFailed, cause.Error()); err != nil {
		return err
	}
	o.record(run, step, saga.OutcomeFailed, cause.Error())
	run.state.Next = saga.StepDone
	run.state.FailureKind = string(KindOf(cause))
	run.state.FailureReason = cause.Error()
	run.state.Shortages = checkpointShortages(cause)
	run.cause = terminalError(cause)
	o.logger.Info("saga failed",
		zap.String("order_id", run.order.ID),
		zap.String("step", string(step)),
		zap.String("failure_kind", run.state.FailureKind),
		zap.Error(cause),
	)
	return o.checkpoint(ctx, run)
}

func (o *Orchestrator) charge(ctx context.Context, run *sagaRun) error {
	if !run.order.TotalAmount.IsPositive() {
		if err := o.move(ctx, run, StatusPaymentCompleted, ""); err != nil {
			return err
		}
		o.record(run, saga.StepCharge, saga.OutcomeSkipped, "nothing to charge")
		run.state.Next = saga.StepAccrue
		return o.checkpoint(ctx, run)
	}

	err := o.runStep(ctx, run.order.ID, string(saga.StepCharge), o.cfg.StepPolicy(), func(ctx context.Context) error {
		_, err := o.payments.Charge(ctx, run.order.ID, run.order.TotalAmount, run.state.Method)
		return err
	})
	if err != nil {
		return o.startCompensation(ctx, run, saga.StepCharge, err)
	}

	if err := o.move(ctx, run, StatusPaymentCompleted, ""); err != nil {
		return err
	}
	o.record(run, saga.StepCharge, saga.OutcomeSucceeded, "")
	run.state.Next = saga.StepAccrue
	return o.checkpoint(ctx, run)
}

func (o *Orchestrator) accrue(ctx context.Context, run *sagaRun) error {
	err := o.runStep(ctx, run.order.ID, string(saga.StepAccrue), o.cfg.LoyaltyPolicy(), func(ctx context.Context) error {
		_, err := o.loyalty.Accrue(ctx, run.order.CustomerID, run.order.ID, run.order.TotalAmount)
		return err
	})
	if err == nil {
		if err := o.move(ctx, run, StatusLoyaltyApplied, ""); err != nil {
			return err
		}
		o.record(run, saga.StepAccrue, saga.OutcomeSucceeded, "")
		run.state.Next = saga.StepCommit
		return o.checkpoint(ctx, run)
	}

	reason := "loyalty accrual failed: " + err.Error()
	o.logger.Warn("completing order without loyalty credit",
		zap.String("order_id", run.order.ID),
		zap.String("customer_id", run.order.CustomerID),
		zap.Error(err),
	)
	run.state.Degraded = true
	run.state.FailureReason = reason
	if err := o.annotate(ctx, run, reason); err != nil {
		return err
	}
	o.record(run, saga.StepAccrue, saga.OutcomeDegraded, err.Error())
	run.state.Next = saga.StepCommit
	return o.checkpoint(ctx, run)
}

func (o *Orchestrator) commit(ctx context.Context, run *sagaRun) error {
	err := o.runStep(ctx, run.order.ID, string(saga.StepCommit), o.cfg.StepPolicy(), func(ctx context.Context) error {
		_, err := o.inventory.Commit(ctx, run.order.ID)
		return err
	})
	if err != nil {
		o.logger.Error("commit failed, saga parked",
			zap.String("order_id", run.order.ID),
			zap.Error(err),
		)
		if annotateErr := o.annotate(ctx, run, "inventory commit pending: "+err.Error()); annotateErr != nil {
			return annotateErr
		}
		o.record(run, saga.StepCommit, saga.OutcomeFailed, err.Error())
		if cpErr := o.checkpoint(ctx, run); cpErr != nil {
			return cpErr
		}
		return fmt.Errorf("%w: order %s: commit: %v", ErrSagaInProgress, run.order.ID, err)
	}

	// Drop a stale commit failure; keep the degraded reason if any.
	run.order.FailureReason = run.state.FailureReason
	if err := o.move(ctx, run, StatusCompleted, run.state.FailureReason); err != nil {
		return err
	}
	o.record(run, saga.StepCommit, saga.OutcomeSucceeded, "")
	run.state.Next = saga.StepDone
	o.logger.Info("saga completed",
		zap.String("order_id", run.order.ID),
		zap.Bool("degraded", run.state.Degraded),
	)
	return o.checkpoint(ctx, run)
}

// startCompensation records the terminal cause and hands the saga to compensate.
func (o *Orchestrator) startCompensation(ctx context.Context, run *sagaRun, step saga.Step, cause error) error {
	if err := o.move(ctx, run, StatusCompensating, cause.Error()); err != nil {
		return err
	}
	outcome := saga.OutcomeFailed
	if errors.Is(cause, ErrOrderCancelled) {
		outcome = saga.OutcomeCancelled
	}
	o.record(run, step, outcome, cause.Error())
	run.state.Next = saga.StepCompensate
	run.state.FailureKind = string(KindOf(cause))
	run.state.FailureReason = cause.Error()
	run.cause = terminalError(cause)
	o.logger.Info("saga compensating",
		zap.String("order_id", run.order.ID),
		zap.String("step", string(step)),
		zap.Error(cause),
	)
	return o.checkpoint(ctx, run)
}

// compensate refunds then releases. Both are no-ops when there is nothing to undo.
func (o *Orchestrator) compensate(ctx context.Context, run *sagaRun) error {
	policy := o.cfg.CompensationPolicy()
	var failed []string
	var errs []error

	refundErr := o.runStep(ctx, run.order.ID, "refund", policy, func(ctx context.Context) error {
		_, err := o.payments.Refund(ctx, run.order.ID)
		return err
	})
	if refundErr != nil {
		failed = append(failed, "refund")
		errs = append(errs, refundErr)
	}

	releaseErr := o.runStep(ctx, run.order.ID, "release", policy, func(ctx context.Context) error {
		_, err := o.inventory.Release(ctx, run.order.ID)
		if errors.Is(err, ErrReservationNotFound) {
			return nil
		}
		return err
	})
	if releaseErr != nil {
		failed = append(failed, "release")
		errs = append(errs, releaseErr)
	}

	if len(errs) > 0 {
		cerr := &CompensationFailedError{
			OrderID: run.order.ID,
			Step:    strings.Join(failed, "+"),
			Err:     errors.Join(errs...),
		}
		if err := o.annotate(ctx, run, cerr.Error()); err != nil {
			return errors.Join(cerr, err)
		}
		o.record(run, saga.StepCompensate, saga.OutcomeFailed, cerr.Error())
		if err := o.checkpoint(ctx, run); err != nil {
			return errors.Join(cerr, err)
		}
		o.logger.Error("compensation failed, manual reconciliation required",
			zap.String("order_id", run.order.ID),
			zap.String("idempotency_key", run.state.Key),
			zap.String("step", cerr.Step),
			zap.String("failure_reason", run.state.FailureReason),
			zap.Any("saga", run.state),
			zap.Error(cerr.Err),
		)
		o.reconcile(ctx, run, cerr.Step, cerr)
		o.observer.ObserveOutcome(string(run.order.Status), false)
		return cerr
	}

	if err := o.move(ctx, run, StatusCompensated, run.state.FailureReason); err != nil {
		return err
	}
	o.record(run, saga.StepCompensate, saga.OutcomeCompensated, "")
	run.state.Next = saga.StepDone
	o.logger.Info("saga compensated", zap.String("order_id", run.order.ID))
	return o.checkpoint(ctx, run)
}

// cancelInFlight applies a cancel request between steps.
func (o *Orchestrator) cancelInFlight(ctx context.Context, run *sagaRun) error {
	switch run.order.Status {
	case StatusPending:
		o.releaseLeftover(ctx, run)
		return o.fail(ctx, run, run.state.Next, cancelledError())
	case StatusInventoryReserved, StatusPaymentCompleted:
		return o.startCompensation(ctx, run, run.state.Next, cancelledError())
	}
	o.logger.Info("ignoring cancel request",
		zap.String("order_id", run.order.ID),
		zap.String("status", string(run.order.Status)),
	)
	return nil
}

func cancelledError() error {
	return fmt.Errorf("%w: cancelled by request", ErrOrderCancelled)
}

// CancelOrder stops an order that has not passed payment. Before reservation the order
// fails; after it the saga compensates. A cancel for a running saga is applied before its
// next step and reported as ErrSagaInProgress.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string) (Order, error) {
	order, err := o.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	o.mu.Lock()
	if o.active[orderID] {
		o.cancels[orderID] = true
		o.mu.Unlock()
		o.logger.Info("cancel requested for running saga", zap.String("order_id", orderID))
		return order, ErrSagaInProgress
	}
	o.mu.Unlock()

	unlock, err := o.locker.Lock(ctx, orderID)
	if err != nil {
		if ctx.Err() != nil {
			return order, ErrSagaInProgress
		}
		return order, Transient("order lock", err)
	}
	o.wg.Add(1)
	defer func() {
		unlock()
		o.wg.Done()
	}()

	return o.cancelLocked(context.WithoutCancel(ctx), orderID)
}

func (o *Orchestrator) cancelLocked(ctx context.Context, orderID string) (Order, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	state, found, err := o.store.Resume(ctx, order.IdempotencyKey)
	if err != nil {
		return order, Transient("idempotency store", err)
	}
	if !found {
		// Created by a run that stopped before its first checkpoint.
		state = saga.State{
			Key:         order.IdempotencyKey,
			OrderID:     order.ID,
			CustomerID:  order.CustomerID,
			Fingerprint: orderFingerprint(order),
			Next:        saga.StepReserve,
			Status:      string(order.Status),
		}
	}
	if state.Done() && FailureKind(state.FailureKind) == FailureCancelled {
		return order, nil
	}

	run := &sagaRun{order: order, state: state}
	switch order.Status {
	case StatusPending, StatusInventoryReserved, StatusPaymentCompleted:
		if err := o.cancelInFlight(ctx, run); err != nil {
			return run.order, err
		}
	case StatusCompensating:
		run.state.Next = saga.StepCompensate
	default:
		return order, fmt.Errorf("order %s is %s: %w", order.ID, order.Status, ErrNotCancellable)
	}

	order, err = o.advance(ctx, run)
	if errors.Is(err, ErrOrderCancelled) {
		return order, nil
	}
	return order, err
}

// move persists a status transition conditional on the current status. An order already
// at next is left as is.
func (o *Orchestrator) move(ctx context.Context, run *sagaRun, next Status, reason string) error {
	prev := run.order.Status
	if prev == next {
		run.state.Status = string(next)
		return nil
	}
	updated := run.order
	if err := updated.Transition(next, reason, o.now().UTC()); err != nil {
		return fmt.Errorf("order %s: %w", updated.ID, err)
	}
	updated.Degraded = run.state.Degraded
	if err := o.orders.UpdateStatus(ctx, StatusUpdate{
		OrderID:       updated.ID,
		From:          prev,
		To:            next,
		FailureReason: updated.FailureReason,
		Degraded:      updated.Degraded,
		At:            updated.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("order %s: update status %s -> %s: %w", updated.ID, prev, next, err)
	}
	run.order = updated
	run.state.Status = string(next)
	o.logger.Info("order status changed",
		zap.String("order_id", updated.ID),
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
	)
	o.publish(ctx, updated, prev)
	return nil
}

// annotate records a reason on the order without changing its status.
func (o *Orchestrator) annotate(ctx context.Context, run *sagaRun, reason string) error {
	updated := run.order
	updated.FailureReason = reason
	updated.Degraded = run.state.Degraded
	updated.UpdatedAt = o.now().UTC()
	if err := o.orders.UpdateStatus(ctx, StatusUpdate{
		OrderID:       updated.ID,
		From:          updated.Status,
		To:            updated.Status,
		FailureReason: reason,
		Degraded:      updated.Degraded,
		At:            updated.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("order %s: annotate: %w", updated.ID, err)
	}
	run.order = updated
	return nil
}

func (o *Orchestrator) record(run *sagaRun, step saga.Step, outcome, detail string) {
	run.state = run.state.Record(step, outcome, detail, o.now().UTC())
}

func (o *Orchestrator) checkpoint(ctx context.Context, run *sagaRun) error {
	run.state.Status = string(run.order.Status)
	run.state.UpdatedAt = o.now().UTC()
	if err := o.store.Checkpoint(ctx, run.state.Key, run.state); err != nil {
		return fmt.Errorf("order %s: checkpoint: %w", run.order.ID, err)
	}
	return nil
}

func (o *Orchestrator) reconcile(ctx context.Context, run *sagaRun, step string, cause error) {
	rec := ReconciliationRecord{
		OrderID:        run.order.ID,
		IdempotencyKey: run.state.Key,
		Step:           step,
		Reason:         cause.Error(),
		State:          run.state,
		CreatedAt:      o.now().UTC(),
	}
	if err := o.recon.Record(ctx, rec); err != nil {
		o.logger.Error("write reconciliation record",
			zap.String("order_id", run.order.ID),
			zap.Any("record", rec),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) publish(ctx context.Context, order Order, from Status) {
	event := OrderEvent{
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		From:          from,
		To:            order.Status,
		FailureReason: order.FailureReason,
		Degraded:      order.Degraded,
		At:            order.UpdatedAt,
	}
	if err := o.events.Publish(ctx, event); err != nil {
		o.logger.Warn("publish order event",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.Error(err),
		)
	}
}

// runStep runs fn under the retry policy, bounding each attempt by the step timeout.
func (o *Orchestrator) runStep(ctx context.Context, orderID, step string, policy RetryPolicy, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "saga."+step, trace.WithAttributes(
		attribute.String("order.id", orderID),
	))
	defer span.End()

	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		o.logger.Warn("retrying saga step",
			zap.String("order_id", orderID),
			zap.String("step", step),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}

	start := o.now()
	err := policy.Do(ctx, func() error {
		stepCtx, cancel := ctx, context.CancelFunc(func() {})
		if o.cfg.StepTimeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, o.cfg.StepTimeout)
		}
		defer cancel()
		return fn(stepCtx)
	})
	o.observer.ObserveStep(step, o.now().Sub(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
