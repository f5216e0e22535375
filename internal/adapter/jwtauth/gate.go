// Package jwtauth resolves the two bearer credential variants the portal
// accepts: short-lived admin session tokens and long-lived router API keys.
// API keys are prefixed "jwt_" and tracked by hash for revocation; session
// tokens are checked against the live admin record on every request.
package jwtauth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

// apiKeyPrefix marks a bearer token as a router API key rather than a session.
const apiKeyPrefix = "jwt_"

const (
	defaultSessionTTL = 24 * time.Hour
	defaultAPIKeyTTL  = 365 * 24 * time.Hour
)

type claims struct {
	TokenType string `json:"token_type"`
	Role      string `json:"role,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	RouterID  string `json:"router_id,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
	jwt.RegisteredClaims
}

// Gate signs and resolves bearer credentials against the auth store.
type Gate struct {
	secret     []byte
	store      domain.AuthStore
	sessionTTL time.Duration
	apiKeyTTL  time.Duration
}

func New(secret string, store domain.AuthStore) *Gate {
	return &Gate{
		secret:     []byte(secret),
		store:      store,
		sessionTTL: defaultSessionTTL,
		apiKeyTTL:  defaultAPIKeyTTL,
	}
}

// HashKey returns the hex SHA-256 of a presented API key. Only this hash is
// ever stored.
func HashKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashPassword derives the bcrypt hash stored for an admin account.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Login verifies an admin's password and issues a session token.
func (g *Gate) Login(ctx context.Context, email, password string) (string, domain.AdminUser, error) {
	admin, err := g.store.AdminByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, domain.ErrAdminNotFound) {
			// Same failure as a wrong password: do not leak which emails exist.
			return "", domain.AdminUser{}, &domain.AuthError{Reason: domain.AuthInvalid}
		}
		return "", domain.AdminUser{}, err
	}
	if !admin.Active {
		return "", domain.AdminUser{}, &domain.AuthError{Reason: domain.AuthRevoked}
	}
	if bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)) != nil {
		return "", domain.AdminUser{}, &domain.AuthError{Reason: domain.AuthInvalid}
	}

	token, err := g.IssueSession(admin)
	if err != nil {
		return "", domain.AdminUser{}, err
	}
	return token, admin, nil
}

// IssueSession signs a session token for an admin account.
func (g *Gate) IssueSession(admin domain.AdminUser) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TokenType: string(domain.TokenSession),
		Role:      string(admin.Role),
		TenantID:  admin.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   admin.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.sessionTTL)),
		},
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// IssueAPIKey signs a router API key and returns the presented token together
// with the tracking record to persist. The raw key is shown exactly once.
func (g *Gate) IssueAPIKey(tenantID, routerID string) (string, domain.APIKeyRecord, error) {
	now := time.Now().UTC()
	keyID := uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		TokenType: string(domain.TokenAPIKey),
		Role:      string(domain.RolePublicPurchaser),
		TenantID:  tenantID,
		RouterID:  routerID,
		KeyID:     keyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   routerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.apiKeyTTL)),
		},
	})
	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", domain.APIKeyRecord{}, fmt.Errorf("signing api key: %w", err)
	}

	presented := apiKeyPrefix + signed
	rec := domain.APIKeyRecord{
		KeyID:     keyID,
		TenantID:  tenantID,
		RouterID:  routerID,
		KeyHash:   HashKey(presented),
		IssuedAt:  now,
		ExpiresAt: now.Add(g.apiKeyTTL),
	}
	return presented, rec, nil
}

// Resolve validates a bearer credential and returns its authorization scope.
// Checks run in a fixed order: signature, expiry, revocation, then claims.
func (g *Gate) Resolve(ctx context.Context, token string) (domain.Scope, error) {
	if strings.HasPrefix(token, apiKeyPrefix) {
		return g.resolveAPIKey(ctx, token)
	}
	return g.resolveSession(ctx, token)
}

func (g *Gate) resolveAPIKey(ctx context.Context, presented string) (domain.Scope, error) {
	c, err := g.parse(strings.TrimPrefix(presented, apiKeyPrefix))
	if err != nil {
		return domain.Scope{}, err
	}
	if c.TokenType != string(domain.TokenAPIKey) {
		return domain.Scope{}, &domain.AuthError{Reason: domain.AuthInvalid}
	}

	rec, err := g.store.APIKeyByHash(ctx, HashKey(presented))
	if err != nil {
		if errors.Is(err, domain.ErrAPIKeyNotFound) {
			// A validly signed key with no tracking record was revoked by deletion.
			return domain.Scope{}, &domain.AuthError{Reason: domain.AuthRevoked}
		}
		return domain.Scope{}, err
	}
	if rec.Revoked {
		return domain.Scope{}, &domain.AuthError{Reason: domain.AuthRevoked}
	}

	if err := g.store.TouchAPIKey(ctx, rec.KeyID); err != nil {
		return domain.Scope{}, err
	}

	return domain.Scope{
		Kind:     domain.TokenAPIKey,
		TenantID: rec.TenantID,
		RouterID: rec.RouterID,
		Role:     domain.RolePublicPurchaser,
		APIKeyID: rec.KeyID,
	}, nil
}

func (g *Gate) resolveSession(ctx context.Context, token string) (domain.Scope, error) {
	c, err := g.parse(token)
	if err != nil {
		return domain.Scope{}, err
	}
	if c.TokenType != string(domain.TokenSession) {
		return domain.Scope{}, &domain.AuthError{Reason: domain.AuthInvalid}
	}

	// Sessions are revoked by deactivating the account, so the live record
	// decides, not the claims baked into the token.
	admin, err := g.store.AdminByID(ctx, c.Subject)
	if err != nil {
		if errors.Is(err, domain.ErrAdminNotFound) {
			return domain.Scope{}, &domain.AuthError{Reason: domain.AuthRevoked}
		}
		return domain.Scope{}, err
	}
	if !admin.Active {
		return domain.Scope{}, &domain.AuthError{Reason: domain.AuthRevoked}
	}

	return domain.Scope{
		Kind:     domain.TokenSession,
		TenantID: admin.TenantID,
		Role:     admin.Role,
		AdminID:  admin.ID,
	}, nil
}

func (g *Gate) parse(raw string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return g.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, &domain.AuthError{Reason: domain.AuthExpired}
		}
		return nil, &domain.AuthError{Reason: domain.AuthInvalid}
	}
	return &c, nil
}
