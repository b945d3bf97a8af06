package service

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ecobank/hivemint/internal/domain"
	"github.com/ecobank/hivemint/internal/hive"
	"github.com/ecobank/hivemint/internal/ids"
	"github.com/ecobank/hivemint/internal/vault"
)

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

// seedCredits grants n credits through the ledger so balances stay equal
// to the event sum.
func seedCredits(t *testing.T, store *fakeStore, userID, n int64) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	_, err := store.applyEventLocked(&domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         userID,
		Kind:           domain.EventGrant,
		Amount:         n,
		IdempotencyKey: ids.NewReservationID(),
	})
	require.NoError(t, err)
}

// heldReservation seeds the fake with a reservation already moved to
// provisioning, the state Provision expects.
func heldReservation(t *testing.T, store *fakeStore, userID int64, name string) *domain.Reservation {
	t.Helper()
	seedCredits(t, store, userID, 1)
	res := &domain.Reservation{
		ID:          ids.NewReservationID(),
		UserID:      userID,
		Credits:     1,
		AccountName: name,
	}
	ev := &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         userID,
		Kind:           domain.EventReserve,
		Amount:         1,
		IdempotencyKey: "reserve:" + res.ID,
		Reference:      res.ID,
	}
	require.NoError(t, store.CreateReservation(context.Background(), res, ev))
	require.NoError(t, store.MarkReservationProvisioning(context.Background(), res.ID))
	return res
}

func TestProvisionHappyPath(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	v := newTestVault(t)
	prov := NewProvisioner(store, chain, v, 3.0, 3, zap.NewNop())
	res := heldReservation(t, store, 7, "newbie.one")

	acct, err := prov.Provision(context.Background(), res, "hunter2hunter2")
	require.NoError(t, err)

	assert.Equal(t, "newbie.one", acct.Name)
	assert.Equal(t, "txid-newbie.one", acct.TxID)
	assert.Equal(t, domain.DelegationConfirmed, acct.DelegationStatus)
	assert.Equal(t, v.KeyID(), acct.KeyID)
	assert.Equal(t, domain.ReservationCommitted, store.reservation(res.ID).Status)
	assert.NotNil(t, store.account("newbie.one"))

	// Reserve then spend: the hold is consumed, not double charged.
	balance, err := store.CurrentBalance(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
	assert.Equal(t, int64(0), store.eventSum(7))

	// Sealed keys round-trip and cover all four roles.
	plaintext, err := v.Unseal(acct.EncryptedKeys)
	require.NoError(t, err)
	var keys hive.KeySet
	require.NoError(t, json.Unmarshal(plaintext, &keys))
	for _, role := range hive.Roles {
		pair, ok := keys[role]
		require.True(t, ok, "missing role %s", role)
		assert.NotEmpty(t, pair.Private)
		assert.NotEmpty(t, pair.Public)
	}
}

func TestProvisionNoTickets(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.tickets = 0
	prov := NewProvisioner(store, chain, newTestVault(t), 0, 3, zap.NewNop())
	res := heldReservation(t, store, 7, "newbie.one")

	_, err := prov.Provision(context.Background(), res, "pw")
	assert.ErrorIs(t, err, domain.ErrNoTickets)
	assert.Equal(t, 0, chain.createCalls)
	// The hold is untouched; compensation is the caller's job.
	assert.Equal(t, domain.ReservationProvisioning, store.reservation(res.ID).Status)
}

func TestProvisionRetriesTransientFailure(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.createErrs = []error{domain.Transient(errors.New("rpc timeout"))}
	prov := NewProvisioner(store, chain, newTestVault(t), 0, 3, zap.NewNop())
	res := heldReservation(t, store, 7, "newbie.one")

	acct, err := prov.Provision(context.Background(), res, "pw")
	require.NoError(t, err)
	assert.Equal(t, 2, chain.createCalls)
	assert.Equal(t, "txid-newbie.one", acct.TxID)
}

func TestProvisionAmbiguousOutcomeResolvedByExistence(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	// The broadcast times out, but the account did land on chain.
	chain.createErrs = []error{domain.Transient(errors.New("rpc timeout"))}
	chain.exists["newbie.one"] = true
	prov := NewProvisioner(store, chain, newTestVault(t), 0, 3, zap.NewNop())
	res := heldReservation(t, store, 7, "newbie.one")

	acct, err := prov.Provision(context.Background(), res, "pw")
	require.NoError(t, err)
	assert.Equal(t, 1, chain.createCalls)
	assert.Empty(t, acct.TxID)
	assert.Equal(t, domain.ReservationCommitted, store.reservation(res.ID).Status)
}

func TestProvisionPermanentFailure(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.createErrs = []error{errors.New("assert: invalid authority")}
	prov := NewProvisioner(store, chain, newTestVault(t), 0, 3, zap.NewNop())
	res := heldReservation(t, store, 7, "newbie.one")

	_, err := prov.Provision(context.Background(), res, "pw")
	require.Error(t, err)
	assert.Equal(t, 1, chain.createCalls)
	assert.Nil(t, store.account("newbie.one"))
}

func TestProvisionDelegationFailureDegrades(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.delegateErr = errors.New("assert: insufficient vesting shares")
	prov := NewProvisioner(store, chain, newTestVault(t), 3.0, 3, zap.NewNop())
	res := heldReservation(t, store, 7, "newbie.one")

	acct, err := prov.Provision(context.Background(), res, "pw")
	require.NoError(t, err)

	// The account is kept and the spend stands; only delegation degraded.
	assert.Equal(t, domain.DelegationFailed, acct.DelegationStatus)
	assert.Equal(t, domain.ReservationCommitted, store.reservation(res.ID).Status)
	balance, err := store.CurrentBalance(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func wifsOf(keys hive.KeySet) map[hive.Role]string {
	out := make(map[hive.Role]string, len(keys))
	for role, pair := range keys {
		out[role] = pair.Private
	}
	return out
}

func TestImportAccountVerifiesAuthorities(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	v := newTestVault(t)
	prov := NewProvisioner(store, chain, v, 0, 3, zap.NewNop())

	keys, err := hive.DeriveKeys("oldtimer", "hunter2hunter2", "STM")
	require.NoError(t, err)
	chain.setAuthorities("oldtimer", keys)

	acct, err := prov.ImportAccount(context.Background(), 7, "oldtimer", wifsOf(keys))
	require.NoError(t, err)

	assert.Equal(t, int64(7), acct.OwnerUserID)
	assert.Empty(t, acct.TxID)
	assert.Equal(t, domain.DelegationNone, acct.DelegationStatus)
	assert.Equal(t, v.KeyID(), acct.KeyID)
	require.NotNil(t, store.account("oldtimer"))

	// The sealed blob holds exactly the supplied keys.
	plaintext, err := v.Unseal(acct.EncryptedKeys)
	require.NoError(t, err)
	var sealed hive.KeySet
	require.NoError(t, json.Unmarshal(plaintext, &sealed))
	assert.Equal(t, keys, sealed)
}

func TestImportAccountRejectsWrongKey(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	prov := NewProvisioner(store, chain, newTestVault(t), 0, 3, zap.NewNop())

	keys, err := hive.DeriveKeys("oldtimer", "hunter2hunter2", "STM")
	require.NoError(t, err)
	chain.setAuthorities("oldtimer", keys)

	other, err := hive.DeriveKeys("oldtimer", "wrongpassword", "STM")
	require.NoError(t, err)
	wifs := wifsOf(keys)
	wifs[hive.RoleActive] = other[hive.RoleActive].Private

	_, err = prov.ImportAccount(context.Background(), 7, "oldtimer", wifs)
	assert.ErrorIs(t, err, domain.ErrKeyMismatch)
	assert.Nil(t, store.account("oldtimer"))
}

func TestImportAccountRequiresEveryRole(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	prov := NewProvisioner(store, chain, newTestVault(t), 0, 3, zap.NewNop())

	keys, err := hive.DeriveKeys("oldtimer", "hunter2hunter2", "STM")
	require.NoError(t, err)
	chain.setAuthorities("oldtimer", keys)

	wifs := wifsOf(keys)
	delete(wifs, hive.RoleMemo)

	_, err = prov.ImportAccount(context.Background(), 7, "oldtimer", wifs)
	assert.ErrorIs(t, err, domain.ErrKeyMismatch)
	assert.Nil(t, store.account("oldtimer"))
}

func TestImportAccountUnknownOnChain(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	prov := NewProvisioner(store, chain, newTestVault(t), 0, 3, zap.NewNop())

	keys, err := hive.DeriveKeys("oldtimer", "hunter2hunter2", "STM")
	require.NoError(t, err)

	_, err = prov.ImportAccount(context.Background(), 7, "oldtimer", wifsOf(keys))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestImportAccountAlreadyStored(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	prov := NewProvisioner(store, chain, newTestVault(t), 0, 3, zap.NewNop())

	keys, err := hive.DeriveKeys("oldtimer", "hunter2hunter2", "STM")
	require.NoError(t, err)
	chain.setAuthorities("oldtimer", keys)

	_, err = prov.ImportAccount(context.Background(), 7, "oldtimer", wifsOf(keys))
	require.NoError(t, err)
	_, err = prov.ImportAccount(context.Background(), 8, "oldtimer", wifsOf(keys))
	assert.ErrorIs(t, err, domain.ErrAccountNameTaken)
	// The original owner keeps the record.
	assert.Equal(t, int64(7), store.account("oldtimer").OwnerUserID)
}

func TestRetryDelegationConfirms(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	prov := NewProvisioner(store, chain, newTestVault(t), 3.0, 3, zap.NewNop())
	require.NoError(t, store.CreateImportedAccount(context.Background(), &domain.ProvisionedAccount{
		Name:             "newbie.one",
		OwnerUserID:      7,
		DelegationStatus: domain.DelegationFailed,
	}))

	require.NoError(t, prov.RetryDelegation(context.Background(), "newbie.one"))
	assert.Equal(t, domain.DelegationConfirmed, store.account("newbie.one").DelegationStatus)
}

func TestRetryDelegationKeepsFailedOnError(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.delegateErr = errors.New("assert: insufficient vesting shares")
	prov := NewProvisioner(store, chain, newTestVault(t), 3.0, 3, zap.NewNop())
	require.NoError(t, store.CreateImportedAccount(context.Background(), &domain.ProvisionedAccount{
		Name:             "newbie.one",
		OwnerUserID:      7,
		DelegationStatus: domain.DelegationFailed,
	}))

	err := prov.RetryDelegation(context.Background(), "newbie.one")
	require.Error(t, err)
	assert.Equal(t, domain.DelegationFailed, store.account("newbie.one").DelegationStatus)
}

func TestRetryDelegationSkipsConfirmed(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	chain.delegateErr = errors.New("assert: insufficient vesting shares")
	prov := NewProvisioner(store, chain, newTestVault(t), 3.0, 3, zap.NewNop())
	require.NoError(t, store.CreateImportedAccount(context.Background(), &domain.ProvisionedAccount{
		Name:             "newbie.one",
		OwnerUserID:      7,
		DelegationStatus: domain.DelegationConfirmed,
	}))

	// Already confirmed: no chain call, no error.
	require.NoError(t, prov.RetryDelegation(context.Background(), "newbie.one"))
	assert.Equal(t, domain.DelegationConfirmed, store.account("newbie.one").DelegationStatus)
}

func TestRetryDelegationUnknownAccount(t *testing.T) {
	store := newFakeStore()
	prov := NewProvisioner(store, newFakeChain(), newTestVault(t), 3.0, 3, zap.NewNop())

	err := prov.RetryDelegation(context.Background(), "ghost.account")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestProvisionAfterSweeperRefundNeedsReview(t *testing.T) {
	store := newFakeStore()
	chain := newFakeChain()
	prov := NewProvisioner(store, chain, newTestVault(t), 0, 3, zap.NewNop())
	res := heldReservation(t, store, 7, "newbie.one")

	// Sweeper refunds the hold while the chain call is in flight.
	release := &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         7,
		Kind:           domain.EventRelease,
		IdempotencyKey: "release:" + res.ID,
		Reference:      res.ID,
	}
	require.NoError(t, store.ReleaseReservation(context.Background(), res.ID, release))

	acct, err := prov.Provision(context.Background(), res, "pw")
	assert.ErrorIs(t, err, domain.ErrReservationRefunded)

	// The chain account is real, so it is persisted and flagged rather
	// than re-debited.
	require.NotNil(t, acct)
	assert.NotNil(t, store.account("newbie.one"))
	assert.Equal(t, domain.ReservationNeedsReview, store.reservation(res.ID).Status)
	balance, err := store.CurrentBalance(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
}
