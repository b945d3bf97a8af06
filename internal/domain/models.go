package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies a credit-affecting ledger event.
type EventKind string

const (
	EventGrant   EventKind = "grant"   // payment credited
	EventReserve EventKind = "reserve" // credits held for an in-flight provisioning
	EventRelease EventKind = "release" // hold returned after a failed provisioning
	EventSpend   EventKind = "spend"   // hold consumed by a committed provisioning
	EventRefund  EventKind = "refund"  // credits revoked after a processor refund
)

// LedgerEvent is an immutable record of a balance-affecting event.
// Amount is always positive; Delta is the signed value actually applied
// to the cached balance. A spend carries Delta 0 because the matching
// reserve already debited the hold.
type LedgerEvent struct {
	ID             int64     `json:"id"`
	UserID         int64     `json:"user_id"`
	Kind           EventKind `json:"kind"`
	Amount         int64     `json:"amount"`
	Delta          int64     `json:"delta"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reference      string    `json:"reference"`
	CreatedAt      time.Time `json:"created_at"`
}

// DeltaFor returns the signed balance delta for a kind and amount.
func DeltaFor(kind EventKind, amount int64) int64 {
	switch kind {
	case EventGrant, EventRelease:
		return amount
	case EventReserve, EventRefund:
		return -amount
	default: // spend
		return 0
	}
}

// CaptureStatus is the lifecycle of a processor order on our side.
type CaptureStatus string

const (
	CapturePending  CaptureStatus = "pending"
	CaptureCaptured CaptureStatus = "captured"
	CaptureCredited CaptureStatus = "credited"
	CaptureFailed   CaptureStatus = "failed"
	CaptureRefunded CaptureStatus = "refunded"
)

// PaymentCapture tracks one processor order from creation to credit.
type PaymentCapture struct {
	OrderID   string          `json:"order_id"`
	UserID    int64           `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Credits   int64           `json:"credits"`
	Status    CaptureStatus   `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ReservationStatus is the lifecycle of a provisioning hold.
type ReservationStatus string

const (
	ReservationHeld         ReservationStatus = "held"
	ReservationProvisioning ReservationStatus = "provisioning"
	ReservationCommitted    ReservationStatus = "committed"
	ReservationRefunded     ReservationStatus = "refunded"
	// ReservationNeedsReview marks a reservation whose chain creation
	// succeeded after the hold was already refunded by the sweeper.
	// Resolved manually, never by an automatic re-debit.
	ReservationNeedsReview ReservationStatus = "needs_review"
)

// Reservation holds credits for at most one in-flight provisioning per user.
type Reservation struct {
	ID          string            `json:"id"`
	UserID      int64             `json:"user_id"`
	Credits     int64             `json:"credits"`
	AccountName string            `json:"account_name"`
	Status      ReservationStatus `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// DelegationStatus tracks the resource-credit delegation to a new account.
type DelegationStatus string

const (
	DelegationNone      DelegationStatus = "none"
	DelegationRequested DelegationStatus = "requested"
	DelegationConfirmed DelegationStatus = "confirmed"
	DelegationFailed    DelegationStatus = "failed"
)

// ProvisionedAccount is a chain account created (or imported) on behalf of
// a user. EncryptedKeys is a vault-sealed blob; plaintext key material only
// ever exists transiently inside the provisioner and the reveal path.
type ProvisionedAccount struct {
	ID               int64            `json:"id"`
	Name             string           `json:"name"`
	OwnerUserID      int64            `json:"owner_user_id"`
	EncryptedKeys    []byte           `json:"-"`
	KeyID            string           `json:"key_id"`
	TxID             string           `json:"tx_id"`
	DelegationStatus DelegationStatus `json:"delegation_status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// BalanceDivergence reports a cached balance that no longer matches the
// signed sum of committed events for the user.
type BalanceDivergence struct {
	UserID   int64 `json:"user_id"`
	Cached   int64 `json:"cached"`
	EventSum int64 `json:"event_sum"`
}
