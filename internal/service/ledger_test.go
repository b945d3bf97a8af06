package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecobank/hivemint/internal/domain"
	"github.com/ecobank/hivemint/internal/ids"
)

func apply(t *testing.T, store *fakeStore, ev *domain.LedgerEvent) (int64, error) {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.applyEventLocked(ev)
}

// A replayed idempotency key must carry the exact original payload: the
// same key with a different amount, kind or user is an integrity fault,
// not a harmless duplicate.
func TestEventReplayWithChangedPayloadRejected(t *testing.T) {
	store := newFakeStore()

	balance, err := apply(t, store, &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         7,
		Kind:           domain.EventGrant,
		Amount:         2,
		IdempotencyKey: "grant:ORDER-A",
	})
	require.NoError(t, err)
	require.Equal(t, int64(2), balance)

	// Same key, different amount.
	_, err = apply(t, store, &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         7,
		Kind:           domain.EventGrant,
		Amount:         3,
		IdempotencyKey: "grant:ORDER-A",
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	// Same key, different kind.
	_, err = apply(t, store, &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         7,
		Kind:           domain.EventRefund,
		Amount:         2,
		IdempotencyKey: "grant:ORDER-A",
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	// Same key, different user.
	_, err = apply(t, store, &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         8,
		Kind:           domain.EventGrant,
		Amount:         2,
		IdempotencyKey: "grant:ORDER-A",
	})
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)

	// Nothing was applied; the original grant stands alone.
	assert.Equal(t, int64(2), store.eventSum(7))
	assert.Equal(t, int64(0), store.eventSum(8))
	assert.Equal(t, 1, store.eventCount(domain.EventGrant))

	// An exact replay still succeeds without changing the balance.
	balance, err = apply(t, store, &domain.LedgerEvent{
		ID:             ids.NextEventID(),
		UserID:         7,
		Kind:           domain.EventGrant,
		Amount:         2,
		IdempotencyKey: "grant:ORDER-A",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), balance)
	assert.Equal(t, 1, store.eventCount(domain.EventGrant))
}
