package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ecobank/hivemint/internal/domain"
)

const uniqueViolation = "23505"

type Store struct {
	db *pgxpool.Pool
}

func New(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// ---- ledger ----

// ApplyEvent atomically records a ledger event and updates the cached
// balance. Replaying an idempotency key returns the current balance and no
// error; a replay whose payload differs is rejected as an integrity fault.
func (s *Store) ApplyEvent(ctx context.Context, ev *domain.LedgerEvent) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	balance, err := s.applyEventTx(ctx, tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w", err)
	}
	return balance, nil
}

// applyEventTx is the shared core: callers compose it with their own row
// locks inside a single transaction. The account row lock linearizes all
// balance changes per user.
func (s *Store) applyEventTx(ctx context.Context, tx pgx.Tx, ev *domain.LedgerEvent) (int64, error) {
	_, err := tx.Exec(ctx,
		"INSERT INTO ledger_accounts (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING",
		ev.UserID)
	if err != nil {
		return 0, fmt.Errorf("account upsert failed: %w", err)
	}

	var balance int64
	err = tx.QueryRow(ctx,
		"SELECT balance FROM ledger_accounts WHERE user_id = $1 FOR UPDATE",
		ev.UserID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("balance lock failed: %w", err)
	}

	var priorUser, priorAmount int64
	var priorKind string
	err = tx.QueryRow(ctx,
		"SELECT user_id, kind, amount FROM ledger_events WHERE idempotency_key = $1",
		ev.IdempotencyKey).Scan(&priorUser, &priorKind, &priorAmount)
	if err == nil {
		if priorUser != ev.UserID || priorKind != string(ev.Kind) || priorAmount != ev.Amount {
			return 0, domain.ErrIdempotencyMismatch
		}
		// Replay: the event is already committed, report the prior outcome.
		return balance, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("idempotency query failed: %w", err)
	}

	ev.Delta = domain.DeltaFor(ev.Kind, ev.Amount)
	if balance+ev.Delta < 0 {
		return 0, domain.ErrInsufficientCredits
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO ledger_events (id, user_id, kind, amount, delta, idempotency_key, reference)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.UserID, ev.Kind, ev.Amount, ev.Delta, ev.IdempotencyKey, ev.Reference)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, domain.ErrIdempotencyMismatch
		}
		return 0, fmt.Errorf("event insert failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE ledger_accounts SET balance = balance + $1, updated_at = now() WHERE user_id = $2",
		ev.Delta, ev.UserID)
	if err != nil {
		return 0, fmt.Errorf("balance update failed: %w", err)
	}
	return balance + ev.Delta, nil
}

// CurrentBalance returns the cached balance; a user with no ledger account
// yet has balance 0.
func (s *Store) CurrentBalance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := s.db.QueryRow(ctx,
		"SELECT balance FROM ledger_accounts WHERE user_id = $1", userID).Scan(&balance)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// ListEvents returns the newest events for a user.
func (s *Store) ListEvents(ctx context.Context, userID int64, limit int) ([]domain.LedgerEvent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, kind, amount, delta, idempotency_key, reference, created_at
		 FROM ledger_events WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.LedgerEvent
	for rows.Next() {
		var ev domain.LedgerEvent
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Kind, &ev.Amount, &ev.Delta,
			&ev.IdempotencyKey, &ev.Reference, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ReconcileBalances compares every cached balance against the signed sum
// of committed events. Any divergence is an integrity fault for manual
// review; the request path never "fixes" it.
func (s *Store) ReconcileBalances(ctx context.Context) ([]domain.BalanceDivergence, error) {
	rows, err := s.db.Query(ctx,
		`SELECT a.user_id, a.balance, COALESCE(SUM(e.delta), 0) AS event_sum
		 FROM ledger_accounts a
		 LEFT JOIN ledger_events e ON e.user_id = a.user_id
		 GROUP BY a.user_id, a.balance
		 HAVING a.balance <> COALESCE(SUM(e.delta), 0)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BalanceDivergence
	for rows.Next() {
		var d domain.BalanceDivergence
		if err := rows.Scan(&d.UserID, &d.Cached, &d.EventSum); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ---- payment captures ----

func scanCapture(row pgx.Row) (*domain.PaymentCapture, error) {
	var cap domain.PaymentCapture
	err := row.Scan(&cap.OrderID, &cap.UserID, &cap.Amount, &cap.Currency,
		&cap.Credits, &cap.Status, &cap.CreatedAt, &cap.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &cap, nil
}

const captureColumns = "order_id, user_id, amount, currency, credits, status, created_at, updated_at"

// CreateCapture records a freshly created processor order. The primary key
// makes duplicate notifications for one order converge on a single row.
func (s *Store) CreateCapture(ctx context.Context, cap *domain.PaymentCapture) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO payment_captures (order_id, user_id, amount, currency, status)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (order_id) DO NOTHING`,
		cap.OrderID, cap.UserID, cap.Amount, cap.Currency, cap.Status)
	return err
}

func (s *Store) GetCapture(ctx context.Context, orderID string) (*domain.PaymentCapture, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+captureColumns+" FROM payment_captures WHERE order_id = $1", orderID)
	return scanCapture(row)
}

// CreditCapture turns a verified capture into a credit grant, exactly once.
// The row lock serializes the webhook and the client-capture paths; the
// grant's idempotency key closes any remaining window.
func (s *Store) CreditCapture(ctx context.Context, orderID string, credits int64, ev *domain.LedgerEvent) (int64, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	cap, err := scanCapture(tx.QueryRow(ctx,
		"SELECT "+captureColumns+" FROM payment_captures WHERE order_id = $1 FOR UPDATE", orderID))
	if err != nil {
		return 0, false, err
	}

	if cap.Status == domain.CaptureCredited {
		var balance int64
		err := tx.QueryRow(ctx,
			"SELECT balance FROM ledger_accounts WHERE user_id = $1", cap.UserID).Scan(&balance)
		if err == pgx.ErrNoRows {
			err = nil
		}
		return balance, true, err
	}

	balance, err := s.applyEventTx(ctx, tx, ev)
	if err != nil {
		return 0, false, err
	}

	_, err = tx.Exec(ctx,
		"UPDATE payment_captures SET status = $1, credits = $2, updated_at = now() WHERE order_id = $3",
		domain.CaptureCredited, credits, orderID)
	if err != nil {
		return 0, false, fmt.Errorf("capture update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("tx commit failed: %w", err)
	}
	return balance, false, nil
}

// SetCaptureStatus transitions a capture that is not yet credited. A
// credited capture is only ever touched by RevokeCapture.
func (s *Store) SetCaptureStatus(ctx context.Context, orderID string, status domain.CaptureStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE payment_captures SET status = $1, updated_at = now()
		 WHERE order_id = $2 AND status NOT IN ('credited', 'refunded')`,
		status, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// RevokeCapture handles a processor-side refund of a credited order. The
// compensating refund event is only applied while the balance covers it;
// otherwise the capture is still marked refunded and the caller must
// surface the shortfall for manual review.
func (s *Store) RevokeCapture(ctx context.Context, orderID string, ev *domain.LedgerEvent) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	cap, err := scanCapture(tx.QueryRow(ctx,
		"SELECT "+captureColumns+" FROM payment_captures WHERE order_id = $1 FOR UPDATE", orderID))
	if err != nil {
		return false, err
	}
	if cap.Status != domain.CaptureCredited {
		return false, tx.Commit(ctx)
	}

	eventApplied := true
	ev.Amount = cap.Credits
	if _, err := s.applyEventTx(ctx, tx, ev); err != nil {
		if !errors.Is(err, domain.ErrInsufficientCredits) {
			return false, err
		}
		eventApplied = false
	}

	_, err = tx.Exec(ctx,
		"UPDATE payment_captures SET status = $1, updated_at = now() WHERE order_id = $2",
		domain.CaptureRefunded, orderID)
	if err != nil {
		return false, fmt.Errorf("capture update failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("tx commit failed: %w", err)
	}
	return eventApplied, nil
}

// ---- reservations ----

// CreateReservation inserts the hold and its reserve event atomically.
// The partial unique index enforces at most one active reservation per
// user; losing that race maps to ErrReservationActive.
func (s *Store) CreateReservation(ctx context.Context, res *domain.Reservation, ev *domain.LedgerEvent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO reservations (id, user_id, credits, account_name, status)
		 VALUES ($1, $2, $3, $4, $5)`,
		res.ID, res.UserID, res.Credits, res.AccountName, domain.ReservationHeld)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrReservationActive
		}
		return fmt.Errorf("reservation insert failed: %w", err)
	}

	if _, err := s.applyEventTx(ctx, tx, ev); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	res.Status = domain.ReservationHeld
	return nil
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var res domain.Reservation
	err := row.Scan(&res.ID, &res.UserID, &res.Credits, &res.AccountName,
		&res.Status, &res.CreatedAt, &res.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

const reservationColumns = "id, user_id, credits, account_name, status, created_at, updated_at"

func (s *Store) GetReservation(ctx context.Context, id string) (*domain.Reservation, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = $1", id)
	return scanReservation(row)
}

// MarkReservationProvisioning moves a hold into the provisioning state.
func (s *Store) MarkReservationProvisioning(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE reservations SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		domain.ReservationProvisioning, id, domain.ReservationHeld)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reservation %s not in held state", id)
	}
	return nil
}

// CommitReservation persists the provisioned account, consumes the hold
// with a spend event and marks the reservation committed in one transaction.
//
// If the sweeper already refunded the hold (chain success arrived late),
// the account row is still persisted so the key material is never lost,
// the reservation moves to needs_review, and ErrReservationRefunded tells
// the caller to flag it for manual reconciliation.
func (s *Store) CommitReservation(ctx context.Context, resID string, acct *domain.ProvisionedAccount, ev *domain.LedgerEvent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := scanReservation(tx.QueryRow(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = $1 FOR UPDATE", resID))
	if err != nil {
		return err
	}

	switch res.Status {
	case domain.ReservationCommitted:
		return tx.Commit(ctx)

	case domain.ReservationRefunded, domain.ReservationNeedsReview:
		if err := insertAccountTx(ctx, tx, acct); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			"UPDATE reservations SET status = $1, updated_at = now() WHERE id = $2",
			domain.ReservationNeedsReview, resID)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("tx commit failed: %w", err)
		}
		return domain.ErrReservationRefunded

	default: // held, provisioning
		if err := insertAccountTx(ctx, tx, acct); err != nil {
			return err
		}
		if _, err := s.applyEventTx(ctx, tx, ev); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			"UPDATE reservations SET status = $1, updated_at = now() WHERE id = $2",
			domain.ReservationCommitted, resID)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("tx commit failed: %w", err)
		}
		return nil
	}
}

// ReleaseReservation is the compensation path: the release event restores
// the held credits and the reservation becomes refunded. Safe to call
// twice; a reservation that already resolved is left alone.
func (s *Store) ReleaseReservation(ctx context.Context, resID string, ev *domain.LedgerEvent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := scanReservation(tx.QueryRow(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = $1 FOR UPDATE", resID))
	if err != nil {
		return err
	}
	if res.Status != domain.ReservationHeld && res.Status != domain.ReservationProvisioning {
		return tx.Commit(ctx)
	}

	ev.Amount = res.Credits
	if _, err := s.applyEventTx(ctx, tx, ev); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		"UPDATE reservations SET status = $1, updated_at = now() WHERE id = $2",
		domain.ReservationRefunded, resID)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

// ExpiredReservations lists holds older than cutoff that are still active.
func (s *Store) ExpiredReservations(ctx context.Context, cutoff time.Time) ([]domain.Reservation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE status IN ('held','provisioning') AND created_at < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.UserID, &res.Credits, &res.AccountName,
			&res.Status, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ---- provisioned accounts ----

func insertAccountTx(ctx context.Context, tx pgx.Tx, acct *domain.ProvisionedAccount) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO provisioned_accounts (name, owner_user_id, encrypted_keys, key_id, tx_id, delegation_status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		acct.Name, acct.OwnerUserID, acct.EncryptedKeys, acct.KeyID, acct.TxID,
		acct.DelegationStatus).Scan(&acct.ID, &acct.CreatedAt)
	if err != nil {
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

// CreateImportedAccount records an existing chain account brought under
// custody. Imports carry no creation transaction, so tx_id stays empty.
func (s *Store) CreateImportedAccount(ctx context.Context, acct *domain.ProvisionedAccount) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO provisioned_accounts (name, owner_user_id, encrypted_keys, key_id, tx_id, delegation_status)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id, created_at`,
		acct.Name, acct.OwnerUserID, acct.EncryptedKeys, acct.KeyID, acct.TxID,
		acct.DelegationStatus).Scan(&acct.ID, &acct.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAccountNameTaken
		}
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

const accountColumns = "id, name, owner_user_id, encrypted_keys, key_id, tx_id, delegation_status, created_at"

func scanAccount(row pgx.Row) (*domain.ProvisionedAccount, error) {
	var acct domain.ProvisionedAccount
	err := row.Scan(&acct.ID, &acct.Name, &acct.OwnerUserID, &acct.EncryptedKeys,
		&acct.KeyID, &acct.TxID, &acct.DelegationStatus, &acct.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Store) GetAccountByName(ctx context.Context, name string) (*domain.ProvisionedAccount, error) {
	row := s.db.QueryRow(ctx,
		"SELECT "+accountColumns+" FROM provisioned_accounts WHERE name = $1", name)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context, ownerID int64) ([]domain.ProvisionedAccount, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+accountColumns+" FROM provisioned_accounts WHERE owner_user_id = $1 ORDER BY created_at DESC",
		ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

// ListAllAccounts feeds the offline key rotation.
func (s *Store) ListAllAccounts(ctx context.Context) ([]domain.ProvisionedAccount, error) {
	rows, err := s.db.Query(ctx,
		"SELECT "+accountColumns+" FROM provisioned_accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAccounts(rows)
}

func collectAccounts(rows pgx.Rows) ([]domain.ProvisionedAccount, error) {
	var out []domain.ProvisionedAccount
	for rows.Next() {
		var acct domain.ProvisionedAccount
		if err := rows.Scan(&acct.ID, &acct.Name, &acct.OwnerUserID, &acct.EncryptedKeys,
			&acct.KeyID, &acct.TxID, &acct.DelegationStatus, &acct.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// UpdateAccountKeys replaces the sealed blob after rotation. Key material
// is superseded, never edited in place elsewhere.
func (s *Store) UpdateAccountKeys(ctx context.Context, id int64, blob []byte, keyID string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE provisioned_accounts SET encrypted_keys = $1, key_id = $2 WHERE id = $3",
		blob, keyID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (s *Store) SetDelegationStatus(ctx context.Context, name string, status domain.DelegationStatus) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE provisioned_accounts SET delegation_status = $1 WHERE name = $2", status, name)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// DeleteAccount removes the stored record (and its sealed keys) for an
// account the user owns. The chain account itself is untouched.
func (s *Store) DeleteAccount(ctx context.Context, name string, ownerID int64) error {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM provisioned_accounts WHERE name = $1 AND owner_user_id = $2", name, ownerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}
