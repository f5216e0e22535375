package domain

import "time"

// Role is the authorization role carried by a resolved token scope.
type Role string

const (
	RoleSuperAdmin      Role = "super_admin"
	RoleCompanyAdmin    Role = "company_admin"
	RolePublicPurchaser Role = "public_purchaser"
)

// TokenKind distinguishes the two bearer credential variants.
type TokenKind string

const (
	TokenSession TokenKind = "session"
	TokenAPIKey  TokenKind = "api_key"
)

// Scope is the tenant/router/role context resolved from a bearer credential.
// It determines which transactions a caller may create or inspect.
type Scope struct {
	Kind     TokenKind
	TenantID string
	RouterID string // empty for session tokens
	Role     Role
	APIKeyID string // set for API keys, used for audit
	AdminID  string // set for session tokens
}

// Capability names an endpoint category for authorization dispatch.
type Capability string

const (
	CapPurchase    Capability = "purchase"
	CapCatalogRead Capability = "catalog_read"
	CapConfigRead  Capability = "config_read"
	CapReview      Capability = "review"
)

// capabilities is the per-endpoint-category authorization table. Roles not
// listed for a capability are denied; there is no runtime attribute inspection.
var capabilities = map[Capability][]Role{
	CapPurchase:    {RolePublicPurchaser},
	CapCatalogRead: {RolePublicPurchaser, RoleCompanyAdmin, RoleSuperAdmin},
	CapConfigRead:  {RolePublicPurchaser},
	CapReview:      {RoleCompanyAdmin, RoleSuperAdmin},
}

// Allows reports whether the scope's role grants the capability.
func (s Scope) Allows(c Capability) bool {
	for _, r := range capabilities[c] {
		if s.Role == r {
			return true
		}
	}
	return false
}

// AdminUser is an administrative account that can obtain session tokens.
type AdminUser struct {
	ID           string
	Email        string
	PasswordHash string
	Role         Role
	TenantID     string // empty for super admins
	Active       bool
}

// APIKeyRecord tracks an issued router API key for revocation and audit.
// The key itself is never stored; only a SHA-256 hash of the signed token.
type APIKeyRecord struct {
	KeyID     string
	TenantID  string
	RouterID  string
	KeyHash   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Revoked   bool
	LastUsed  *time.Time
	UseCount  int64
}
