// Package service holds the reconciliation and provisioning pipelines.
// Stores and external collaborators are consumed through narrow interfaces
// so the pipelines can be exercised against fakes.
package service

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/ecobank/hivemint/internal/domain"
	"github.com/ecobank/hivemint/internal/hive"
	"github.com/ecobank/hivemint/internal/paypal"
)

// Store is the persistence surface the pipelines need.
type Store interface {
	CreateCapture(ctx context.Context, cap *domain.PaymentCapture) error
	GetCapture(ctx context.Context, orderID string) (*domain.PaymentCapture, error)
	CreditCapture(ctx context.Context, orderID string, credits int64, ev *domain.LedgerEvent) (int64, bool, error)
	SetCaptureStatus(ctx context.Context, orderID string, status domain.CaptureStatus) error
	RevokeCapture(ctx context.Context, orderID string, ev *domain.LedgerEvent) (bool, error)

	CreateReservation(ctx context.Context, res *domain.Reservation, ev *domain.LedgerEvent) error
	MarkReservationProvisioning(ctx context.Context, id string) error
	CommitReservation(ctx context.Context, resID string, acct *domain.ProvisionedAccount, ev *domain.LedgerEvent) error
	ReleaseReservation(ctx context.Context, resID string, ev *domain.LedgerEvent) error
	ExpiredReservations(ctx context.Context, cutoff time.Time) ([]domain.Reservation, error)

	GetAccountByName(ctx context.Context, name string) (*domain.ProvisionedAccount, error)
	CreateImportedAccount(ctx context.Context, acct *domain.ProvisionedAccount) error
	SetDelegationStatus(ctx context.Context, name string, status domain.DelegationStatus) error
	CurrentBalance(ctx context.Context, userID int64) (int64, error)
}

// ProcessorClient is the payment processor surface (see internal/paypal).
type ProcessorClient interface {
	CreateOrder(ctx context.Context, total decimal.Decimal, description, customID string) (*paypal.Order, error)
	GetOrder(ctx context.Context, orderID string) (*paypal.Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*paypal.Order, error)
	VerifyWebhookSignature(ctx context.Context, headers http.Header, body []byte) (bool, error)
}

// ChainClient is the chain RPC surface (see internal/hive).
type ChainClient interface {
	Prefix() string
	AccountExists(ctx context.Context, name string) (bool, error)
	AccountAuthorities(ctx context.Context, name string) (*hive.AccountAuthorities, error)
	PendingTickets(ctx context.Context) (int, error)
	HPToVests(ctx context.Context, hp float64) (hive.Asset, error)
	CreateClaimedAccount(ctx context.Context, name string, keys hive.KeySet) (string, error)
	DelegateVesting(ctx context.Context, delegatee string, shares hive.Asset) (string, error)
}

var (
	creditsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hivemint_credits_granted_total",
		Help: "Credits granted from verified payment captures",
	})

	webhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hivemint_webhook_events_total",
		Help: "Processor webhook events by type",
	}, []string{"event_type"})

	provisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hivemint_provisions_total",
		Help: "Provisioning attempts by outcome",
	}, []string{"outcome"})

	sweeperRefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hivemint_sweeper_refunds_total",
		Help: "Stale reservations refunded by the background sweeper",
	})

	accountsImportedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hivemint_accounts_imported_total",
		Help: "Existing chain accounts brought under custody after authority verification",
	})
)
