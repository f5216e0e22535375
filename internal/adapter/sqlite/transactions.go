package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

const transactionColumns = `id, fingerprint, tenant_id, router_id, product_id, amount_cents, currency,
	customer_name, customer_email, mac_address, auto_connect, state,
	payment_reference, payment_pending,
	cred_username, cred_password, cred_profile, cred_expires_at,
	auto_connect_bound, auto_connect_connected, failure_reason, api_key_id,
	created_at, updated_at`

// Reserve atomically claims the fingerprint. The partial unique index on
// fingerprint makes the insert the check-and-set: exactly one concurrent
// caller succeeds, the rest read the holder's record.
func (s *Store) Reserve(ctx context.Context, tx domain.Transaction) (domain.Reservation, error) {
	err := s.insertTransaction(ctx, tx)
	if err == nil {
		return domain.Reservation{IsNew: true, Transaction: tx}, nil
	}
	if !isUniqueViolation(err) {
		return domain.Reservation{}, fmt.Errorf("inserting transaction: %w", err)
	}

	holder, err := s.getByFingerprint(ctx, tx.Fingerprint)
	if err != nil {
		return domain.Reservation{}, err
	}
	return domain.Reservation{IsNew: false, Transaction: holder}, nil
}

func (s *Store) insertTransaction(ctx context.Context, tx domain.Transaction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (`+transactionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, nullable(tx.Fingerprint), tx.TenantID, tx.RouterID, tx.ProductID,
		tx.AmountCents, tx.Currency,
		tx.CustomerName, tx.CustomerEmail, tx.MACAddress, boolToInt(tx.AutoConnect), string(tx.State),
		tx.PaymentReference, boolToInt(tx.PaymentPending),
		nil, nil, nil, nil,
		boolToInt(tx.AutoConnectBound), boolToInt(tx.AutoConnectConnected),
		tx.FailureReason, tx.APIKeyID,
		formatTime(tx.CreatedAt), formatTime(tx.UpdatedAt),
	)
	return err
}

func (s *Store) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	return s.scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id,
	))
}

func (s *Store) getByFingerprint(ctx context.Context, fingerprint string) (domain.Transaction, error) {
	return s.scanTransaction(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE fingerprint = ?`, fingerprint,
	))
}

func (s *Store) Update(ctx context.Context, tx domain.Transaction) error {
	var credUser, credPass, credProfile, credExpires any
	if tx.Credential != nil {
		credUser = tx.Credential.Username
		credPass = tx.Credential.Password
		credProfile = tx.Credential.Profile
		credExpires = formatTime(tx.Credential.ExpiresAt)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET
			state = ?, payment_reference = ?, payment_pending = ?,
			cred_username = ?, cred_password = ?, cred_profile = ?, cred_expires_at = ?,
			auto_connect_bound = ?, auto_connect_connected = ?,
			failure_reason = ?, updated_at = ?
		 WHERE id = ?`,
		string(tx.State), tx.PaymentReference, boolToInt(tx.PaymentPending),
		credUser, credPass, credProfile, credExpires,
		boolToInt(tx.AutoConnectBound), boolToInt(tx.AutoConnectConnected),
		tx.FailureReason, formatTime(tx.UpdatedAt),
		tx.ID,
	)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

// Release detaches the fingerprint from an aborted transaction so the same
// request may be retried as a fresh saga. The record itself is kept.
func (s *Store) Release(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET fingerprint = NULL, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("releasing fingerprint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrTransactionNotFound
	}
	return nil
}

func (s *Store) ListByState(ctx context.Context, state domain.State, limit int) ([]domain.Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE state = ? ORDER BY created_at ASC LIMIT ?`,
		string(state), effectiveLimit(limit),
	)
}

func (s *Store) ListReviewable(ctx context.Context, limit int) ([]domain.Transaction, error) {
	return s.listTransactions(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE state = ? OR payment_pending = 1
		 ORDER BY created_at ASC LIMIT ?`,
		string(domain.StateCompensationFailed), effectiveLimit(limit),
	)
}

func (s *Store) listTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := s.scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTransaction(row rowScanner) (domain.Transaction, error) {
	var tx domain.Transaction
	var fingerprint, credUser, credPass, credProfile, credExpires sql.NullString
	var state, createdAt, updatedAt string
	var autoConnect, pending, bound, connected int

	err := row.Scan(
		&tx.ID, &fingerprint, &tx.TenantID, &tx.RouterID, &tx.ProductID,
		&tx.AmountCents, &tx.Currency,
		&tx.CustomerName, &tx.CustomerEmail, &tx.MACAddress, &autoConnect, &state,
		&tx.PaymentReference, &pending,
		&credUser, &credPass, &credProfile, &credExpires,
		&bound, &connected, &tx.FailureReason, &tx.APIKeyID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Transaction{}, domain.ErrTransactionNotFound
		}
		return domain.Transaction{}, fmt.Errorf("scanning transaction: %w", err)
	}

	tx.Fingerprint = fingerprint.String
	tx.State = domain.State(state)
	tx.AutoConnect = autoConnect == 1
	tx.PaymentPending = pending == 1
	tx.AutoConnectBound = bound == 1
	tx.AutoConnectConnected = connected == 1
	tx.CreatedAt = parseTime(createdAt)
	tx.UpdatedAt = parseTime(updatedAt)

	if credUser.Valid {
		tx.Credential = &domain.Credential{
			Username:  credUser.String,
			Password:  credPass.String,
			Profile:   credProfile.String,
			RouterID:  tx.RouterID,
			ExpiresAt: parseTime(credExpires.String),
		}
	}

	return tx, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
