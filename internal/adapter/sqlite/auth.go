package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

func (s *Store) APIKeyByHash(ctx context.Context, keyHash string) (domain.APIKeyRecord, error) {
	var rec domain.APIKeyRecord
	var issuedAt, expiresAt string
	var lastUsed sql.NullString
	var revoked int

	err := s.db.QueryRowContext(ctx,
		`SELECT key_id, tenant_id, router_id, key_hash, issued_at, expires_at, revoked, last_used, use_count
		 FROM api_keys WHERE key_hash = ?`, keyHash,
	).Scan(&rec.KeyID, &rec.TenantID, &rec.RouterID, &rec.KeyHash,
		&issuedAt, &expiresAt, &revoked, &lastUsed, &rec.UseCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.APIKeyRecord{}, domain.ErrAPIKeyNotFound
		}
		return domain.APIKeyRecord{}, fmt.Errorf("scanning api key: %w", err)
	}

	rec.IssuedAt = parseTime(issuedAt)
	rec.ExpiresAt = parseTime(expiresAt)
	rec.Revoked = revoked == 1
	if lastUsed.Valid {
		t := parseTime(lastUsed.String)
		rec.LastUsed = &t
	}
	return rec, nil
}

// TouchAPIKey records one use of the key for audit.
func (s *Store) TouchAPIKey(ctx context.Context, keyID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ?, use_count = use_count + 1 WHERE key_id = ?`,
		formatTime(time.Now()), keyID,
	)
	if err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrAPIKeyNotFound
	}
	return nil
}

func (s *Store) CreateAPIKey(ctx context.Context, rec domain.APIKeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, tenant_id, router_id, key_hash, issued_at, expires_at, revoked, use_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.KeyID, rec.TenantID, rec.RouterID, rec.KeyHash,
		formatTime(rec.IssuedAt), formatTime(rec.ExpiresAt), boolToInt(rec.Revoked),
	)
	if err != nil {
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// RevokeAPIKey invalidates a key without deleting its audit trail.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = 1 WHERE key_id = ?`, keyID,
	)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrAPIKeyNotFound
	}
	return nil
}

// HasActiveAPIKey reports whether the router already holds a non-revoked key.
func (s *Store) HasActiveAPIKey(ctx context.Context, routerID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE router_id = ? AND revoked = 0`, routerID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("counting api keys: %w", err)
	}
	return n > 0, nil
}

func (s *Store) AdminByEmail(ctx context.Context, email string) (domain.AdminUser, error) {
	return s.scanAdmin(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, tenant_id, active
		 FROM admin_users WHERE email = ?`, email,
	))
}

func (s *Store) AdminByID(ctx context.Context, id string) (domain.AdminUser, error) {
	return s.scanAdmin(s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash, role, tenant_id, active
		 FROM admin_users WHERE id = ?`, id,
	))
}

func (s *Store) CreateAdmin(ctx context.Context, u domain.AdminUser) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_users (id, email, password_hash, role, tenant_id, active)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.PasswordHash, string(u.Role), u.TenantID, boolToInt(u.Active),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("admin email %q already registered", u.Email)
		}
		return fmt.Errorf("inserting admin: %w", err)
	}
	return nil
}

func (s *Store) scanAdmin(row *sql.Row) (domain.AdminUser, error) {
	var u domain.AdminUser
	var role string
	var active int

	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &u.TenantID, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.AdminUser{}, domain.ErrAdminNotFound
		}
		return domain.AdminUser{}, fmt.Errorf("scanning admin: %w", err)
	}

	u.Role = domain.Role(role)
	u.Active = active == 1
	return u, nil
}
