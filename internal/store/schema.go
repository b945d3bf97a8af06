package store

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS ledger_accounts (
    user_id    BIGINT PRIMARY KEY,
    balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_events (
    id              BIGINT PRIMARY KEY,
    user_id         BIGINT NOT NULL,
    kind            TEXT NOT NULL CHECK (kind IN ('grant','reserve','release','spend','refund')),
    amount          BIGINT NOT NULL CHECK (amount > 0),
    delta           BIGINT NOT NULL,
    idempotency_key TEXT NOT NULL UNIQUE,
    reference       TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_user ON ledger_events (user_id, created_at);

CREATE TABLE IF NOT EXISTS payment_captures (
    order_id   TEXT PRIMARY KEY,
    user_id    BIGINT NOT NULL,
    amount     NUMERIC(12,2) NOT NULL,
    currency   TEXT NOT NULL DEFAULT 'USD',
    credits    BIGINT NOT NULL DEFAULT 0,
    status     TEXT NOT NULL DEFAULT 'pending'
               CHECK (status IN ('pending','captured','credited','failed','refunded')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_payment_captures_user ON payment_captures (user_id);

CREATE TABLE IF NOT EXISTS reservations (
    id           TEXT PRIMARY KEY,
    user_id      BIGINT NOT NULL,
    credits      BIGINT NOT NULL CHECK (credits > 0),
    account_name TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'held'
                 CHECK (status IN ('held','provisioning','committed','refunded','needs_review')),
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_active_reservation
    ON reservations (user_id) WHERE status IN ('held','provisioning');

CREATE TABLE IF NOT EXISTS provisioned_accounts (
    id                BIGSERIAL PRIMARY KEY,
    name              TEXT NOT NULL UNIQUE,
    owner_user_id     BIGINT NOT NULL,
    encrypted_keys    BYTEA NOT NULL,
    key_id            TEXT NOT NULL,
    tx_id             TEXT NOT NULL DEFAULT '',
    delegation_status TEXT NOT NULL DEFAULT 'none'
                      CHECK (delegation_status IN ('none','requested','confirmed','failed')),
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_provisioned_accounts_owner ON provisioned_accounts (owner_user_id);
`

// Migrate applies the schema. Statements are idempotent so this is safe to
// run on every deploy.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}
