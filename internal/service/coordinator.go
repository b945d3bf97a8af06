package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ecobank/hivemint/internal/domain"
	"github.com/ecobank/hivemint/internal/hive"
	"github.com/ecobank/hivemint/internal/ids"
)

// CreditsPerAccount is the fixed price of one provisioned account.
const CreditsPerAccount = 1

// Coordinator bridges ledger debits with provisioner outcomes and
// enforces at most one in-flight provisioning per user.
type Coordinator struct {
	store  Store
	chain  ChainClient
	prov   *Provisioner
	maxAge time.Duration
	log    *zap.Logger
}

func NewCoordinator(store Store, chain ChainClient, prov *Provisioner, maxAge time.Duration, log *zap.Logger) *Coordinator {
	return &Coordinator{store: store, chain: chain, prov: prov, maxAge: maxAge, log: log}
}

// BeginCreation reserves one credit and provisions the named account.
// A second concurrent request for the same user fails with
// ErrReservationActive rather than queueing. On fatal provisioner failure
// the hold is released so credits are never lost.
func (c *Coordinator) BeginCreation(ctx context.Context, userID int64, name, password string) (*domain.Reservation, *domain.ProvisionedAccount, error) {
	if err := hive.ValidateAccountName(name); err != nil {
		return nil, nil, err
	}
	if password == "" {
		var err error
		password, err = hive.GeneratePassword()
		if err != nil {
			return nil, nil, err
		}
	}

	exists, err := c.chain.AccountExists(ctx, name)
	if err != nil {
		return nil, nil, fmt.Errorf("existence check: %w", err)
	}
	if exists {
		return nil, nil, domain.ErrAccountNameTaken
	}

	res := &domain.Reservation{
		ID:          ids.NewReservationID(),
		UserID:      userID,
		Credits:     CreditsPerAccount,
		AccountName: name,
	}
	reserve := &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         userID,
		Kind:           domain.EventReserve,
		Amount:         res.Credits,
		IdempotencyKey: "reserve:" + res.ID,
		Reference:      res.ID,
	}
	if err := c.store.CreateReservation(ctx, res, reserve); err != nil {
		return nil, nil, err
	}
	if err := c.store.MarkReservationProvisioning(ctx, res.ID); err != nil {
		c.compensate(ctx, res)
		return nil, nil, err
	}
	res.Status = domain.ReservationProvisioning

	acct, err := c.prov.Provision(ctx, res, password)
	if err != nil {
		if errors.Is(err, domain.ErrReservationRefunded) {
			// Late success: account persisted, hold already refunded,
			// flagged for manual review. Never auto re-debit.
			res.Status = domain.ReservationNeedsReview
			return res, acct, err
		}
		c.compensate(ctx, res)
		res.Status = domain.ReservationRefunded
		return res, nil, err
	}

	res.Status = domain.ReservationCommitted
	return res, acct, nil
}

// ImportAccount verifies and stores an account created outside this
// service. Import is free; the account already exists on chain.
func (c *Coordinator) ImportAccount(ctx context.Context, userID int64, name string, wifs map[hive.Role]string) (*domain.ProvisionedAccount, error) {
	return c.prov.ImportAccount(ctx, userID, name, wifs)
}

// compensate releases the hold after a fatal provisioner failure.
func (c *Coordinator) compensate(ctx context.Context, res *domain.Reservation) {
	release := &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         res.UserID,
		Kind:           domain.EventRelease,
		Amount:         res.Credits,
		IdempotencyKey: "release:" + res.ID,
		Reference:      res.ID,
	}
	if err := c.store.ReleaseReservation(ctx, res.ID, release); err != nil {
		// The sweeper will retry; the hold stays visible until released.
		c.log.Error("compensation failed, reservation left for sweeper",
			zap.String("reservation", res.ID), zap.Error(err))
	}
}

// SweepExpired refunds reservations stuck in held/provisioning beyond the
// configured max age, treating them as fatal provisioner failures.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	stale, err := c.store.ExpiredReservations(ctx, time.Now().Add(-c.maxAge))
	if err != nil {
		return 0, err
	}
	refunded := 0
	for i := range stale {
		res := &stale[i]
		release := &domain.LedgerEvent{
			ID:             ids.NextEventID(),
			UserID:         res.UserID,
			Kind:           domain.EventRelease,
			Amount:         res.Credits,
			IdempotencyKey: "release:" + res.ID,
			Reference:      res.ID,
		}
		if err := c.store.ReleaseReservation(ctx, res.ID, release); err != nil {
			c.log.Error("sweep release failed",
				zap.String("reservation", res.ID), zap.Error(err))
			continue
		}
		refunded++
		sweeperRefundsTotal.Inc()
		c.log.Warn("stale reservation refunded",
			zap.String("reservation", res.ID),
			zap.Int64("user_id", res.UserID),
			zap.Duration("age", time.Since(res.CreatedAt)))
	}
	return refunded, nil
}

// RunSweeper loops SweepExpired until the context is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepExpired(ctx); err != nil {
				c.log.Error("sweep failed", zap.Error(err))
			}
		}
	}
}
