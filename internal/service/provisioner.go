package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ecobank/hivemint/internal/domain"
	"github.com/ecobank/hivemint/internal/hive"
	"github.com/ecobank/hivemint/internal/ids"
	"github.com/ecobank/hivemint/internal/vault"
)

// Provisioner runs the chain workflow for one reserved creation:
// ticket check, local key generation, claimed-account creation with
// ambiguous-outcome handling, resource delegation, then sealed persistence
// and reservation commit.
type Provisioner struct {
	store        Store
	chain        ChainClient
	vault        *vault.Vault
	delegationHP float64
	maxAttempts  uint64
	log          *zap.Logger
}

func NewProvisioner(store Store, chain ChainClient, v *vault.Vault, delegationHP float64, maxAttempts int, log *zap.Logger) *Provisioner {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Provisioner{
		store:        store,
		chain:        chain,
		vault:        v,
		delegationHP: delegationHP,
		maxAttempts:  uint64(maxAttempts),
		log:          log,
	}
}

// Provision executes the pipeline for a reservation already in the
// provisioning state. Fatal errors leave compensation to the caller;
// domain.ErrReservationRefunded reports a commit that arrived after the
// sweeper refunded the hold.
func (p *Provisioner) Provision(ctx context.Context, res *domain.Reservation, password string) (*domain.ProvisionedAccount, error) {
	name := res.AccountName

	// (a) Tickets are a scarce pre-acquired resource, checked up front so
	// exhaustion surfaces as "try later" rather than a doomed broadcast.
	var tickets int
	err := p.retry(ctx, func() error {
		n, err := p.chain.PendingTickets(ctx)
		if err == nil {
			tickets = n
		}
		return err
	})
	if err != nil {
		provisionsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("ticket check: %w", err)
	}
	if tickets < 1 {
		provisionsTotal.WithLabelValues("no_tickets").Inc()
		return nil, domain.ErrNoTickets
	}

	// (b) Keys never leave this process in plaintext; only the public
	// halves go into the creation transaction.
	keys, err := hive.DeriveKeys(name, password, p.chain.Prefix())
	if err != nil {
		provisionsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	// (c) Submit. A timed-out broadcast may still have landed, so existence
	// is re-checked before any retry; a duplicate-name rejection after our
	// own attempts is success-already-happened, not failure.
	var txID string
	err = p.retry(ctx, func() error {
		id, err := p.chain.CreateClaimedAccount(ctx, name, keys)
		if err != nil {
			exists, qerr := p.chain.AccountExists(ctx, name)
			if qerr == nil && exists {
				p.log.Warn("creation outcome ambiguous but account exists, treating as success",
					zap.String("account", name))
				return nil
			}
			return err
		}
		txID = id
		return nil
	})
	if err != nil {
		provisionsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("create account: %w", err)
	}

	acct := &domain.ProvisionedAccount{
		Name:             name,
		OwnerUserID:      res.UserID,
		KeyID:            p.vault.KeyID(),
		TxID:             txID,
		DelegationStatus: domain.DelegationNone,
	}

	// (d) Delegation failure degrades but never rolls back: the account
	// exists and is usable in reduced form.
	if p.delegationHP > 0 {
		acct.DelegationStatus = domain.DelegationRequested
		err := p.retry(ctx, func() error {
			shares, err := p.chain.HPToVests(ctx, p.delegationHP)
			if err != nil {
				return err
			}
			_, err = p.chain.DelegateVesting(ctx, name, shares)
			return err
		})
		if err != nil {
			acct.DelegationStatus = domain.DelegationFailed
			p.log.Warn("resource delegation failed, account degraded",
				zap.String("account", name), zap.Error(err))
		} else {
			acct.DelegationStatus = domain.DelegationConfirmed
		}
	}

	// (e) Seal and commit.
	plaintext, err := json.Marshal(keys)
	if err != nil {
		provisionsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	acct.EncryptedKeys, err = p.vault.Seal(plaintext)
	if err != nil {
		provisionsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("seal keys: %w", err)
	}

	spend := &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         res.UserID,
		Kind:           domain.EventSpend,
		Amount:         res.Credits,
		IdempotencyKey: "spend:" + res.ID,
		Reference:      res.ID,
	}
	if err := p.store.CommitReservation(ctx, res.ID, acct, spend); err != nil {
		if err == domain.ErrReservationRefunded {
			provisionsTotal.WithLabelValues("needs_review").Inc()
			p.log.Error("chain creation succeeded after reservation refund, flagged for review",
				zap.String("reservation", res.ID), zap.String("account", name))
			return acct, err
		}
		provisionsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("commit reservation: %w", err)
	}

	provisionsTotal.WithLabelValues("committed").Inc()
	p.log.Info("account provisioned",
		zap.String("account", name),
		zap.String("reservation", res.ID),
		zap.String("tx_id", txID),
		zap.String("delegation", string(acct.DelegationStatus)))
	return acct, nil
}

// ImportAccount brings an account created elsewhere under custody. The
// account must already exist on chain, and every role key the user supplies
// must match its on-chain authorities before anything is stored. No credits
// change hands.
func (p *Provisioner) ImportAccount(ctx context.Context, userID int64, name string, wifs map[hive.Role]string) (*domain.ProvisionedAccount, error) {
	if err := hive.ValidateAccountName(name); err != nil {
		return nil, err
	}

	var auths *hive.AccountAuthorities
	err := p.retry(ctx, func() error {
		a, err := p.chain.AccountAuthorities(ctx, name)
		if err == nil {
			auths = a
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	keys := make(hive.KeySet, len(hive.Roles))
	for _, role := range hive.Roles {
		wif := wifs[role]
		if wif == "" {
			return nil, fmt.Errorf("missing %s key: %w", role, domain.ErrKeyMismatch)
		}
		pub, err := hive.PublicFromWIF(wif, p.chain.Prefix())
		if err != nil {
			return nil, fmt.Errorf("%s key: %w", role, err)
		}
		if !auths.Authorizes(role, pub) {
			return nil, fmt.Errorf("%s key: %w", role, domain.ErrKeyMismatch)
		}
		keys[role] = hive.KeyPair{Public: pub, Private: wif}
	}

	plaintext, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	sealed, err := p.vault.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal keys: %w", err)
	}

	acct := &domain.ProvisionedAccount{
		Name:             name,
		OwnerUserID:      userID,
		EncryptedKeys:    sealed,
		KeyID:            p.vault.KeyID(),
		DelegationStatus: domain.DelegationNone,
	}
	if err := p.store.CreateImportedAccount(ctx, acct); err != nil {
		return nil, err
	}

	accountsImportedTotal.Inc()
	p.log.Info("account imported",
		zap.String("account", name), zap.Int64("user_id", userID))
	return acct, nil
}

// RetryDelegation re-runs the delegation step for an account whose original
// delegation failed or was skipped. Already-confirmed accounts are left alone.
func (p *Provisioner) RetryDelegation(ctx context.Context, name string) error {
	if p.delegationHP <= 0 {
		return fmt.Errorf("delegation amount not configured")
	}
	acct, err := p.store.GetAccountByName(ctx, name)
	if err != nil {
		return err
	}
	if acct.DelegationStatus == domain.DelegationConfirmed {
		return nil
	}

	err = p.retry(ctx, func() error {
		shares, err := p.chain.HPToVests(ctx, p.delegationHP)
		if err != nil {
			return err
		}
		_, err = p.chain.DelegateVesting(ctx, name, shares)
		return err
	})
	if err != nil {
		if serr := p.store.SetDelegationStatus(ctx, name, domain.DelegationFailed); serr != nil {
			p.log.Error("delegation status update failed",
				zap.String("account", name), zap.Error(serr))
		}
		return fmt.Errorf("delegate to %s: %w", name, err)
	}
	return p.store.SetDelegationStatus(ctx, name, domain.DelegationConfirmed)
}

// retry runs op with exponential backoff, bounded by maxAttempts. Only
// transient failures are retried; everything else stops immediately.
func (p *Provisioner) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		err := op()
		if err == nil || domain.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), p.maxAttempts-1))
}
