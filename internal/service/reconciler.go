package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ecobank/hivemint/internal/domain"
	"github.com/ecobank/hivemint/internal/ids"
	"github.com/ecobank/hivemint/internal/paypal"
)

// Reconciler converges processor notifications (webhooks) and client
// capture confirmations onto exactly one credit grant per order.
type Reconciler struct {
	store       Store
	processor   ProcessorClient
	creditPrice decimal.Decimal
	log         *zap.Logger
}

func NewReconciler(store Store, processor ProcessorClient, creditPrice decimal.Decimal, log *zap.Logger) *Reconciler {
	return &Reconciler{store: store, processor: processor, creditPrice: creditPrice, log: log}
}

// CreateOrder creates a processor order for qty credits and records it as
// a pending capture.
func (r *Reconciler) CreateOrder(ctx context.Context, userID int64, qty int64) (*paypal.Order, error) {
	if qty < 1 {
		qty = 1
	}
	total := r.creditPrice.Mul(decimal.NewFromInt(qty))
	desc := fmt.Sprintf("%d Account Creation Credit(s)", qty)

	order, err := r.processor.CreateOrder(ctx, total, desc, strconv.FormatInt(userID, 10))
	if err != nil {
		return nil, err
	}

	cap := &domain.PaymentCapture{
		OrderID:  order.ID,
		UserID:   userID,
		Amount:   total,
		Currency: "USD",
		Status:   domain.CapturePending,
	}
	if err := r.store.CreateCapture(ctx, cap); err != nil {
		return nil, fmt.Errorf("record capture: %w", err)
	}

	r.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.Int64("quantity", qty))
	return order, nil
}

// Capture is the client-confirmation path. It converges with the webhook
// path: whichever arrives second becomes an idempotent no-op.
func (r *Reconciler) Capture(ctx context.Context, userID int64, orderID string) (int64, error) {
	cap, err := r.store.GetCapture(ctx, orderID)
	if err != nil {
		return 0, err
	}
	// Only capture orders we created, for the user who created them.
	if cap.UserID != userID {
		return 0, domain.ErrOrderNotFound
	}
	if cap.Status == domain.CaptureCredited {
		return r.store.CurrentBalance(ctx, cap.UserID)
	}

	if _, err := r.processor.CaptureOrder(ctx, orderID); err != nil {
		if domain.IsTransient(err) {
			return 0, err
		}
		// A definitive rejection can still mean "already captured" when the
		// webhook won the race; the verification below decides.
		r.log.Warn("capture call rejected, re-verifying order",
			zap.String("order_id", orderID), zap.Error(err))
	}

	return r.credit(ctx, cap)
}

// credit runs the shared tail of both paths: verify the order with the
// processor's authoritative API, then grant credits exactly once. Client
// or webhook supplied amounts are never trusted.
func (r *Reconciler) credit(ctx context.Context, cap *domain.PaymentCapture) (int64, error) {
	order, err := r.processor.GetOrder(ctx, cap.OrderID)
	if err != nil {
		// Transient or not, leave the capture as-is so webhook redelivery
		// or the reconciliation job can finish it.
		return 0, err
	}
	if order.Status != "COMPLETED" {
		return 0, fmt.Errorf("order %s not completed (status %s)", cap.OrderID, order.Status)
	}

	credits := order.Amount.Div(r.creditPrice).Floor().IntPart()
	if credits < 1 {
		// Verified amount below one credit: definitive, not retryable.
		if err := r.store.SetCaptureStatus(ctx, cap.OrderID, domain.CaptureFailed); err != nil {
			r.log.Error("mark capture failed", zap.String("order_id", cap.OrderID), zap.Error(err))
		}
		return 0, fmt.Errorf("order %s amount %s below credit price", cap.OrderID, order.Amount)
	}

	// Verified but not yet credited: if the grant below fails transiently
	// this status lets the retry path pick the order up again.
	if err := r.store.SetCaptureStatus(ctx, cap.OrderID, domain.CaptureCaptured); err != nil &&
		!errors.Is(err, domain.ErrOrderNotFound) {
		return 0, err
	}

	ev := &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         cap.UserID,
		Kind:           domain.EventGrant,
		Amount:         credits,
		IdempotencyKey: "grant:" + cap.OrderID,
		Reference:      cap.OrderID,
	}
	balance, replayed, err := r.store.CreditCapture(ctx, cap.OrderID, credits, ev)
	if err != nil {
		return 0, fmt.Errorf("grant credits: %w", err)
	}
	if !replayed {
		creditsGrantedTotal.Add(float64(credits))
		r.log.Info("credits granted",
			zap.String("order_id", cap.OrderID),
			zap.Int64("user_id", cap.UserID),
			zap.Int64("credits", credits),
			zap.Int64("balance", balance))
	}
	return balance, nil
}

// webhookEvent is the subset of the processor's webhook payload we read.
type webhookEvent struct {
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
		Links []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	} `json:"resource"`
}

// orderID digs the checkout order id out of the event, with the same
// fallbacks the processor's event shapes require: related_ids first, then
// the "up" link, then the resource id for CHECKOUT.ORDER.* events.
func (e *webhookEvent) orderID() string {
	if id := e.Resource.SupplementaryData.RelatedIDs.OrderID; id != "" {
		return id
	}
	for _, link := range e.Resource.Links {
		if link.Rel == "up" {
			parts := strings.Split(strings.TrimRight(link.Href, "/"), "/")
			if len(parts) > 0 {
				return parts[len(parts)-1]
			}
		}
	}
	if strings.HasPrefix(e.EventType, "CHECKOUT.ORDER") {
		return e.Resource.ID
	}
	return ""
}

// HandleWebhook verifies and dispatches one processor notification.
// Redeliveries are safe: every interesting path is idempotent.
func (r *Reconciler) HandleWebhook(ctx context.Context, headers http.Header, body []byte) error {
	ok, err := r.processor.VerifyWebhookSignature(ctx, headers, body)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("webhook signature verification failed")
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("webhook payload: %w", err)
	}
	webhookEventsTotal.WithLabelValues(event.EventType).Inc()

	orderID := event.orderID()
	if orderID == "" {
		r.log.Warn("webhook without order id", zap.String("event_type", event.EventType))
		return nil
	}

	switch event.EventType {
	case "PAYMENT.CAPTURE.COMPLETED":
		cap, err := r.store.GetCapture(ctx, orderID)
		if err != nil {
			return err
		}
		if cap.Status == domain.CaptureCredited {
			return nil
		}
		_, err = r.credit(ctx, cap)
		return err

	case "PAYMENT.CAPTURE.REFUNDED":
		ev := &domain.LedgerEvent{
			ID:             ids.NextEventID(),
			UserID:         0, // filled by the store from the capture row
			Kind:           domain.EventRefund,
			IdempotencyKey: "refund:" + orderID,
			Reference:      orderID,
		}
		cap, err := r.store.GetCapture(ctx, orderID)
		if err != nil {
			return err
		}
		ev.UserID = cap.UserID
		applied, err := r.store.RevokeCapture(ctx, orderID, ev)
		if err != nil {
			return err
		}
		if !applied {
			// Credits were already spent; the ledger must not go negative,
			// so the shortfall goes to manual review.
			r.log.Error("refund received but credits already spent",
				zap.String("order_id", orderID), zap.Int64("user_id", cap.UserID))
		} else {
			r.log.Info("order refunded, credits revoked", zap.String("order_id", orderID))
		}
		return nil

	case "PAYMENT.CAPTURE.DENIED":
		if err := r.store.SetCaptureStatus(ctx, orderID, domain.CaptureFailed); err != nil &&
			!errors.Is(err, domain.ErrOrderNotFound) {
			return err
		}
		return nil
	}

	r.log.Debug("webhook ignored", zap.String("event_type", event.EventType))
	return nil
}
