package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"cafeorders/internal/orders"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// OrderService defines the behavior needed by the gRPC adapter.
type OrderService interface {
	SubmitOrder(ctx context.Context, req orders.SubmitRequest) (orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID string) (orders.Order, error)
}

// OrderServer adapts OrderService to gRPC.
type OrderServer struct {
	service OrderService
}

// NewOrderServer constructs an OrderServer.
func NewOrderServer(svc OrderService) *OrderServer {
	return &OrderServer{service: svc}
}

var _ OrderServiceServer = (*OrderServer)(nil)

// SubmitOrder decodes {customerId, items, idempotencyKey, paymentMethod}. A saga
// still running is not an error: the reply carries the current order with
// inProgress set.
func (s *OrderServer) SubmitOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in orders.SubmitRequest
	if err := decode(req, &in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
	}
	order, err := s.service.SubmitOrder(ctx, in)
	return reply(order, err)
}

// GetOrder returns the order named by orderId.
func (s *OrderServer) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	order, err := s.service.GetOrder(ctx, orderID(req))
	if err != nil {
		return nil, mapOrderError(err, orders.Order{})
	}
	return encode(order, false)
}

// CancelOrder cancels the order named by orderId.
func (s *OrderServer) CancelOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	order, err := s.service.CancelOrder(ctx, orderID(req))
	return reply(order, err)
}

func reply(order orders.Order, err error) (*structpb.Struct, error) {
	if errors.Is(err, orders.ErrSagaInProgress) {
		return encode(order, true)
	}
	if err != nil {
		return nil, mapOrderError(err, order)
	}
	return encode(order, false)
}

func orderID(req *structpb.Struct) string {
	if req == nil {
		return ""
	}
	return strings.TrimSpace(req.GetFields()["orderId"].GetStringValue())
}

func decode(req *structpb.Struct, dst any) error {
	data, err := json.Marshal(req.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func encode(order orders.Order, inProgress bool) (*structpb.Struct, error) {
	data, err := json.Marshal(order)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode order: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encode order: %v", err)
	}
	if inProgress {
		fields["inProgress"] = true
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode order: %v", err)
	}
	return out, nil
}

// mapOrderError maps domain errors to gRPC status codes. When the saga left an order
// behind it is attached as a status detail.
func mapOrderError(err error, order orders.Order) error {
	st := status.New(codeFor(err), err.Error())
	if order.ID == "" {
		return st.Err()
	}
	detail, encErr := encode(order, false)
	if encErr != nil {
		return st.Err()
	}
	withDetail, detailErr := st.WithDetails(detail)
	if detailErr != nil {
		return st.Err()
	}
	return withDetail.Err()
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, orders.ErrRetriesExhausted):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, orders.ErrValidation):
		return codes.InvalidArgument
	case errors.Is(err, orders.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, orders.ErrCompensationFailed):
		return codes.Internal
	case errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrPaymentDeclined),
		errors.Is(err, orders.ErrIdempotencyConflict),
		errors.Is(err, orders.ErrNotCancellable):
		return codes.FailedPrecondition
	case errors.Is(err, orders.ErrOrderCancelled):
		return codes.Aborted
	case orders.IsRetryable(err):
		return codes.Unavailable
	}
	return codes.Internal
}
