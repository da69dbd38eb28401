// Package reconcile answers "what happened to my order since sequence N".
// Clients track the global sequence of the last event they saw per order;
// the service returns the authoritative state plus every later event, and
// issues signed confirmations for accepted cancellations.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/predictcore/internal/crypto"
	"github.com/alanyoungcy/predictcore/internal/domain"
)

// MaxOrderIDs caps how many orders one reconcile call may cover. Excess ids
// are dropped and the report is flagged truncated instead of erroring.
const MaxOrderIDs = 100

// SignatureAlgorithm identifies how cancellation confirmations are signed.
const SignatureAlgorithm = "keccak256-secp256k1"

// Suggested actions are informational hints derived from the order state,
// never authoritative instructions.
const (
	ActionFillTakesPrecedence = "fill takes precedence over the cancel attempt"
	ActionPartialThenCancel   = "order partially filled before cancellation"
	ActionAwaitConfirmation   = "await hard-cancel confirmation"
	ActionTerminal            = "terminal, no action"
	ActionApplyChanges        = "apply missed changes to local state"
	ActionUnknownOrder        = "unknown order id"
)

// OrderReport is the authoritative view of one order plus the events the
// client has not seen yet.
type OrderReport struct {
	OrderID           string              `json:"order_id"`
	Status            domain.OrderStatus  `json:"status"`
	FilledQuantity    float64             `json:"filled_quantity"`
	CancelledQuantity float64             `json:"cancelled_quantity"`
	Sequence          uint64              `json:"sequence"`
	ChangesSince      []domain.OrderEvent `json:"changes_since"`
	Conflict          bool                `json:"conflict"`
	SuggestedAction   string              `json:"suggested_action,omitempty"`
}

// Report is the result of one reconcile call.
type Report struct {
	Orders    []OrderReport `json:"orders"`
	Conflicts int           `json:"conflicts"`
	Truncated bool          `json:"truncated"`
}

// Confirmation is a signed, non-repudiable proof that a cancellation was
// accepted at a specific sequence point. Data is the exact canonical bytes
// the signature covers.
type Confirmation struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
	Algorithm string          `json:"algorithm"`
	Signer    string          `json:"signer"`
}

// confirmationPayload is the canonical serialization of a cancel record.
// Field order is fixed; changing it invalidates previously issued proofs.
type confirmationPayload struct {
	OrderID           string  `json:"order_id"`
	CancelledQuantity float64 `json:"cancelled_quantity"`
	Timestamp         string  `json:"timestamp"`
	Sequence          uint64  `json:"sequence"`
}

// Service implements reconciliation and cancellation confirmations.
type Service struct {
	orders domain.OrderStore
	events domain.EventStore
	signer *crypto.Signer
	logger *slog.Logger
}

// New creates a reconciliation Service.
func New(orders domain.OrderStore, events domain.EventStore, signer *crypto.Signer, logger *slog.Logger) *Service {
	return &Service{
		orders: orders,
		events: events,
		signer: signer,
		logger: logger.With(slog.String("component", "reconcile")),
	}
}

// Reconcile returns, for each requested order, the authoritative state and
// every state-changing event with sequence > clientLastSeq. An order with a
// non-empty change list is a conflict: the client's local view is stale.
func (s *Service) Reconcile(ctx context.Context, orderIDs []string, clientLastSeq uint64) (Report, error) {
	var report Report
	if len(orderIDs) > MaxOrderIDs {
		orderIDs = orderIDs[:MaxOrderIDs]
		report.Truncated = true
	}

	for _, id := range orderIDs {
		order, err := s.orders.GetByID(ctx, id)
		if err != nil {
			report.Orders = append(report.Orders, OrderReport{
				OrderID:         id,
				Conflict:        true,
				SuggestedAction: ActionUnknownOrder,
			})
			report.Conflicts++
			continue
		}

		changes, err := s.events.ListSince(ctx, id, clientLastSeq)
		if err != nil {
			return Report{}, fmt.Errorf("reconcile: list events for %s: %w", id, err)
		}

		entry := OrderReport{
			OrderID:           order.ID,
			Status:            order.Status,
			FilledQuantity:    order.FilledQuantity,
			CancelledQuantity: order.CancelledQuantity,
			Sequence:          order.Sequence,
			ChangesSince:      changes,
		}
		if len(changes) > 0 {
			entry.Conflict = true
			entry.SuggestedAction = suggestAction(order, changes)
			report.Conflicts++
		}
		report.Orders = append(report.Orders, entry)
	}
	return report, nil
}

// ConfirmCancellation signs the canonical serialization of a cancel record.
// The client verifies the signature against the server's published address.
func (s *Service) ConfirmCancellation(ctx context.Context, cancelRecordID string) (Confirmation, error) {
	if s.signer == nil {
		return Confirmation{}, fmt.Errorf("reconcile: no signing key configured")
	}
	rec, err := s.events.GetCancelRecord(ctx, cancelRecordID)
	if err != nil {
		return Confirmation{}, err
	}

	data, err := json.Marshal(confirmationPayload{
		OrderID:           rec.OrderID,
		CancelledQuantity: rec.CancelledQuantity,
		Timestamp:         rec.At.UTC().Format(time.RFC3339Nano),
		Sequence:          rec.Sequence,
	})
	if err != nil {
		return Confirmation{}, fmt.Errorf("reconcile: marshal confirmation: %w", err)
	}
	sig, err := s.signer.Sign(data)
	if err != nil {
		return Confirmation{}, fmt.Errorf("reconcile: sign confirmation: %w", err)
	}

	s.logger.InfoContext(ctx, "cancellation confirmed",
		slog.String("cancel_record_id", cancelRecordID),
		slog.String("order_id", rec.OrderID),
		slog.Uint64("sequence", rec.Sequence),
	)
	return Confirmation{
		Data:      data,
		Signature: sig,
		Algorithm: SignatureAlgorithm,
		Signer:    s.signer.Address(),
	}, nil
}

// VerifyConfirmation checks a confirmation against the expected signer
// address. What clients do with a published server key.
func VerifyConfirmation(c Confirmation, address string) (bool, error) {
	if c.Algorithm != SignatureAlgorithm {
		return false, fmt.Errorf("reconcile: unsupported algorithm %q", c.Algorithm)
	}
	return crypto.Verify(c.Data, c.Signature, address)
}

func suggestAction(o domain.Order, changes []domain.OrderEvent) string {
	cancelAttempted := false
	for _, ev := range changes {
		if ev.Kind == domain.OrderEventCancelRequested || ev.Kind == domain.OrderEventCancelled {
			cancelAttempted = true
		}
	}
	switch o.Status {
	case domain.OrderStatusFilled:
		if cancelAttempted {
			return ActionFillTakesPrecedence
		}
	case domain.OrderStatusCancelled:
		if o.FilledQuantity > 0 {
			return ActionPartialThenCancel
		}
		return ActionTerminal
	case domain.OrderStatusCancelling:
		return ActionAwaitConfirmation
	case domain.OrderStatusExpired:
		return ActionTerminal
	}
	if o.Status.Terminal() {
		return ActionTerminal
	}
	return ActionApplyChanges
}
