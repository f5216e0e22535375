package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

const productColumns = `id, tenant_id, router_id, profile_id, profile_name, name, description,
	price_cents, currency, details, credential_style, validity_hours,
	active, display_order, featured, created_at`

func (s *Store) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	return scanProduct(s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ?`, id,
	))
}

func (s *Store) ListActiveByRouter(ctx context.Context, routerID string) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+productColumns+` FROM products
		 WHERE router_id = ? AND active = 1
		 ORDER BY display_order ASC, id ASC`, routerID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// CreateProduct inserts a catalog entry and returns its assigned id.
func (s *Store) CreateProduct(ctx context.Context, p domain.Product) (int64, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO products (tenant_id, router_id, profile_id, profile_name, name, description,
			price_cents, currency, details, credential_style, validity_hours,
			active, display_order, featured, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TenantID, p.RouterID, p.ProfileID, p.ProfileName, p.Name, p.Description,
		p.PriceCents, p.Currency, p.Details, string(p.CredentialStyle), p.ValidityHours,
		boolToInt(p.Active), p.DisplayOrder, boolToInt(p.Featured), formatTime(p.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting product: %w", err)
	}
	return result.LastInsertId()
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var p domain.Product
	var style, createdAt string
	var active, featured int

	err := row.Scan(
		&p.ID, &p.TenantID, &p.RouterID, &p.ProfileID, &p.ProfileName,
		&p.Name, &p.Description, &p.PriceCents, &p.Currency, &p.Details,
		&style, &p.ValidityHours, &active, &p.DisplayOrder, &featured, &createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("scanning product: %w", err)
	}

	p.CredentialStyle = domain.CredentialStyle(style)
	p.Active = active == 1
	p.Featured = featured == 1
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	var t domain.Tenant
	var active int

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, active, currency, gateway_public_key, gateway_secret_key, gateway_mode
		 FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &active, &t.Currency, &t.GatewayPublicKey, &t.GatewaySecretKey, &t.GatewayMode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Tenant{}, domain.ErrTenantNotFound
		}
		return domain.Tenant{}, fmt.Errorf("scanning tenant: %w", err)
	}

	t.Active = active == 1
	return t, nil
}

func (s *Store) CreateTenant(ctx context.Context, t domain.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, active, currency, gateway_public_key, gateway_secret_key, gateway_mode)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, boolToInt(t.Active), t.Currency,
		t.GatewayPublicKey, t.GatewaySecretKey, t.GatewayMode,
	)
	if err != nil {
		return fmt.Errorf("inserting tenant: %w", err)
	}
	return nil
}

func (s *Store) GetRouter(ctx context.Context, id string) (domain.Router, error) {
	var r domain.Router
	var active int

	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, host, port, username, password, active
		 FROM routers WHERE id = ?`, id,
	).Scan(&r.ID, &r.TenantID, &r.Name, &r.Host, &r.Port, &r.Username, &r.Password, &active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Router{}, domain.ErrRouterNotFound
		}
		return domain.Router{}, fmt.Errorf("scanning router: %w", err)
	}

	r.Active = active == 1
	return r, nil
}

func (s *Store) CreateRouter(ctx context.Context, r domain.Router) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routers (id, tenant_id, name, host, port, username, password, active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Name, r.Host, r.Port, r.Username, r.Password, boolToInt(r.Active),
	)
	if err != nil {
		return fmt.Errorf("inserting router: %w", err)
	}
	return nil
}
