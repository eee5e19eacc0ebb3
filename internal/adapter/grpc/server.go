package grpc

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/simaogato/payrecon-backend/internal/domain"
	"github.com/simaogato/payrecon-backend/internal/usecase/checkout"
	"github.com/simaogato/payrecon-backend/internal/usecase/matcher"
	"github.com/simaogato/payrecon-backend/internal/usecase/payment"
	"github.com/simaogato/payrecon-backend/internal/usecase/report"
)

// Server implements the PaymentService gRPC server
type Server struct {
	CheckoutService *checkout.CheckoutService
	PaymentService  *payment.StateMachineService
	MatcherService  *matcher.MatcherService
	SummaryService  *report.SummaryService
}

// NewServer creates a new gRPC server instance
func NewServer(
	checkoutService *checkout.CheckoutService,
	paymentService *payment.StateMachineService,
	matcherService *matcher.MatcherService,
	summaryService *report.SummaryService,
) *Server {
	return &Server{
		CheckoutService: checkoutService,
		PaymentService:  paymentService,
		MatcherService:  matcherService,
		SummaryService:  summaryService,
	}
}

// CreatePayment handles the CreatePayment RPC
// Request: {"customer_id": "42", "items": [{"product_id", "name", "quantity", "unit_price", "payout"}]}
func (s *Server) CreatePayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	customerID := stringField(req, "customer_id")
	if customerID == "" {
		return nil, status.Error(codes.InvalidArgument, "customer_id is required")
	}

	rawItems := req.GetFields()["items"].GetListValue().GetValues()
	if len(rawItems) == 0 {
		return nil, status.Error(codes.InvalidArgument, "items are required")
	}
	items := make([]domain.LineItem, 0, len(rawItems))
	for i, raw := range rawItems {
		item, err := parseLineItem(raw.GetStructValue())
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid item %d: %v", i, err)
		}
		items = append(items, item)
	}

	intent, err := s.CheckoutService.CreateIntent(ctx, customerID, items)
	if err != nil {
		return nil, mapError(err)
	}
	return intentToStruct(intent)
}

// GetPayment handles the GetPayment RPC
func (s *Server) GetPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := parseID(req)
	if err != nil {
		return nil, err
	}

	intent, err := s.PaymentService.IntentRepo.GetByID(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	return intentToStruct(intent)
}

// CancelPayment handles the CancelPayment RPC
func (s *Server) CancelPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := parseID(req)
	if err != nil {
		return nil, err
	}

	if err := s.PaymentService.Cancel(ctx, id); err != nil {
		return nil, mapError(err)
	}
	return statusStruct(id, domain.PaymentStatusCancelled)
}

// CheckPayment handles the CheckPayment RPC: a buyer-triggered look at the ledger for one intent
func (s *Server) CheckPayment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := parseID(req)
	if err != nil {
		return nil, err
	}

	current, err := s.MatcherService.CheckIntent(ctx, id)
	if err != nil {
		return nil, mapError(err)
	}
	return statusStruct(id, current)
}

// GetSummary handles the GetSummary RPC
func (s *Server) GetSummary(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	summary, err := s.SummaryService.GetSummary(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	byStatus := make(map[string]interface{}, len(summary.ByStatus))
	for st, n := range summary.ByStatus {
		byStatus[string(st)] = n
	}
	out, err := structpb.NewStruct(map[string]interface{}{
		"by_status":            byStatus,
		"open":                 summary.Open,
		"needs_attention":      summary.NeedsAttention,
		"queued_compensations": summary.QueuedCompensations,
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode summary: %v", err)
	}
	return out, nil
}

func stringField(s *structpb.Struct, key string) string {
	return strings.TrimSpace(s.GetFields()[key].GetStringValue())
}

func parseID(req *structpb.Struct) (uuid.UUID, error) {
	id, err := uuid.Parse(stringField(req, "id"))
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid id format: %v", err)
	}
	return id, nil
}

// parseLineItem reads one basket line. unit_price is a decimal string to keep it exact.
func parseLineItem(s *structpb.Struct) (domain.LineItem, error) {
	if s == nil {
		return domain.LineItem{}, errors.New("item must be an object")
	}

	qty := s.GetFields()["quantity"].GetNumberValue()
	if qty != math.Trunc(qty) || qty < 1 || qty > math.MaxInt32 {
		return domain.LineItem{}, errors.New("quantity must be a positive integer")
	}
	price, err := decimal.NewFromString(stringField(s, "unit_price"))
	if err != nil {
		return domain.LineItem{}, errors.New("unit_price must be a decimal string")
	}

	item := domain.LineItem{
		ProductID: stringField(s, "product_id"),
		Name:      stringField(s, "name"),
		Quantity:  int(qty),
		UnitPrice: price,
		Payout:    domain.PayoutTarget(stringField(s, "payout")),
	}
	if err := item.Validate(); err != nil {
		return domain.LineItem{}, err
	}
	return item, nil
}

// intentToStruct converts a domain PaymentIntent to its wire form
func intentToStruct(intent *domain.PaymentIntent) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"id":               intent.ID.String(),
		"reference":        intent.Reference,
		"customer_id":      intent.CustomerID,
		"status":           string(intent.Status),
		"required_amount":  intent.RequiredAmount.StringFixed(6),
		"fiat_total":       intent.FiatTotal.StringFixed(2),
		"address":          intent.Destination.Address(),
		"destination_kind": string(intent.Destination.Kind),
		"created_at":       intent.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at":       intent.ExpiresAt.UTC().Format(time.RFC3339),
		"retry_count":      intent.RetryCount,
	}
	if intent.MatchedSignature != nil {
		fields["matched_signature"] = *intent.MatchedSignature
	}
	if intent.ReceivedAmount != nil {
		fields["received_amount"] = intent.ReceivedAmount.String()
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode payment: %v", err)
	}
	return out, nil
}

func statusStruct(id uuid.UUID, st domain.PaymentStatus) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(map[string]interface{}{
		"id":     id.String(),
		"status": string(st),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode status: %v", err)
	}
	return out, nil
}

// mapError converts domain errors to gRPC status errors
func mapError(err error) error {
	if err == nil {
		return nil
	}

	errorMsg := err.Error()

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, errorMsg)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, errorMsg)
	case errors.Is(err, domain.ErrIntentNotFound):
		return status.Error(codes.NotFound, errorMsg)
	case errors.Is(err, domain.ErrNotCancellable),
		errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, errorMsg)
	case errors.Is(err, domain.ErrAmountTooLow):
		return status.Error(codes.InvalidArgument, errorMsg)
	case errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrAllocatorExhausted):
		return status.Error(codes.ResourceExhausted, errorMsg)
	case errors.Is(err, domain.ErrPriceUnavailable),
		errors.Is(err, domain.ErrNetwork):
		return status.Error(codes.Unavailable, errorMsg)
	case domain.IsControlFlow(err), errors.Is(err, domain.ErrAmountTaken):
		return status.Error(codes.Aborted, errorMsg)
	}

	// Map common validation errors to InvalidArgument
	if strings.Contains(errorMsg, "cannot be empty") ||
		strings.Contains(errorMsg, "invalid") ||
		strings.Contains(errorMsg, "must be") {
		return status.Errorf(codes.InvalidArgument, "%s", errorMsg)
	}

	// Default to Internal error for unknown errors
	return status.Errorf(codes.Internal, "%s", errorMsg)
}
