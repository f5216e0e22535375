package domain

import "time"

// CredentialStyle selects how hotspot credentials look to the customer.
type CredentialStyle string

const (
	// StyleUserPassword issues a short alphanumeric username with a numeric password.
	StyleUserPassword CredentialStyle = "user_password"
	// StylePIN issues a single numeric code used as both username and password.
	StylePIN CredentialStyle = "pin"
)

// Product is a sellable ticket definition owned by tenant administration.
// The orchestrator only reads it.
type Product struct {
	ID       int64
	TenantID string
	RouterID string

	// ProfileID/ProfileName map the product to an access profile on the device.
	ProfileID   string
	ProfileName string

	Name        string
	Description string
	PriceCents  int64
	Currency    string
	Details     string // arbitrary structured metadata, stored as JSON

	CredentialStyle CredentialStyle
	ValidityHours   int

	Active       bool
	DisplayOrder int
	Featured     bool

	CreatedAt time.Time
}

// Tenant holds the payment-processor account a purchase is charged against.
type Tenant struct {
	ID               string
	Name             string
	Active           bool
	Currency         string
	GatewayPublicKey string
	GatewaySecretKey string
	GatewayMode      string // "test" or "live"
}

// Router is the network access-control device credentials are provisioned on.
type Router struct {
	ID       string
	TenantID string
	Name     string
	Host     string
	Port     int
	Username string
	Password string
	Active   bool
}
