package domain

import (
	"context"
	"time"
)

// Reservation is the result of an atomic fingerprint check-and-set.
// Exactly one concurrent caller per fingerprint observes IsNew.
type Reservation struct {
	IsNew       bool
	Transaction Transaction
}

// TransactionRepository defines the persistence contract for transactions,
// including the idempotency reservation that serializes access per fingerprint.
type TransactionRepository interface {
	// Reserve atomically claims the transaction's fingerprint. If the
	// fingerprint is already held, IsNew is false and Transaction carries the
	// holder's current record.
	Reserve(ctx context.Context, tx Transaction) (Reservation, error)
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	Update(ctx context.Context, tx Transaction) error
	// Release detaches the fingerprint from a transaction that aborted before
	// any money moved, so the client may safely retry the request.
	Release(ctx context.Context, id string) error
	ListByState(ctx context.Context, state State, limit int) ([]Transaction, error)
	// ListReviewable returns transactions needing operator attention:
	// failed compensations and charges still pending reconciliation.
	ListReviewable(ctx context.Context, limit int) ([]Transaction, error)
}

// ProductRepository reads the catalog managed by tenant administration.
type ProductRepository interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListActiveByRouter(ctx context.Context, routerID string) ([]Product, error)
}

// RouterRepository reads device connection material.
type RouterRepository interface {
	GetRouter(ctx context.Context, id string) (Router, error)
}

// TenantRepository reads payment-processor account material.
type TenantRepository interface {
	GetTenant(ctx context.Context, id string) (Tenant, error)
}

// AuthStore backs token revocation checks and admin login.
type AuthStore interface {
	APIKeyByHash(ctx context.Context, keyHash string) (APIKeyRecord, error)
	TouchAPIKey(ctx context.Context, keyID string) error
	AdminByEmail(ctx context.Context, email string) (AdminUser, error)
	AdminByID(ctx context.Context, id string) (AdminUser, error)
}

// Ledger is the append-only audit trail, keyed by transaction id.
type Ledger interface {
	Append(ctx context.Context, entry LedgerEntry) error
	ListByTransaction(ctx context.Context, txID string) ([]LedgerEntry, error)
}

// ChargeStatus is the three-way outcome of a charge attempt. Ambiguous means
// the gateway gave no definite answer and money may have moved; it must never
// trigger an automatic retry of the charge.
type ChargeStatus string

const (
	ChargeApproved  ChargeStatus = "approved"
	ChargeDeclined  ChargeStatus = "declined"
	ChargeAmbiguous ChargeStatus = "ambiguous"
)

// GatewayAccount selects the processor account a call executes against.
type GatewayAccount struct {
	SecretKey string
	Mode      string
}

// ChargeRequest describes one charge attempt. IdempotencyKey is forwarded to
// the processor so a reconciliation lookup can find the order later.
type ChargeRequest struct {
	Account        GatewayAccount
	AmountCents    int64
	Currency       string
	CardToken      string
	Description    string
	CustomerName   string
	CustomerEmail  string
	IdempotencyKey string
}

// ChargeResult carries the processor reference usable for refunds and
// reconciliation. Reference may be empty when Status is Ambiguous.
type ChargeResult struct {
	Reference string
	Status    ChargeStatus
	Reason    string
}

type RefundStatus string

const (
	RefundDone   RefundStatus = "refunded"
	RefundFailed RefundStatus = "failed"
)

type RefundResult struct {
	Status RefundStatus
	Reason string
}

// LookupStatus classifies a reconciliation lookup of a prior charge attempt.
type LookupStatus string

const (
	LookupPaid     LookupStatus = "paid"
	LookupDeclined LookupStatus = "declined"
	LookupNotFound LookupStatus = "not_found"
)

type LookupResult struct {
	Reference string
	Status    LookupStatus
}

// PaymentGateway is the minimal processor contract the saga consumes.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, account GatewayAccount, reference string) (RefundResult, error)
	// LookupOrder resolves an ambiguous charge by its idempotency key.
	LookupOrder(ctx context.Context, account GatewayAccount, idempotencyKey string) (LookupResult, error)
}

// CredentialSpec is the deterministic credential the provisioner must ensure
// exists on the device. Retrying with the same spec is a no-op.
type CredentialSpec struct {
	Username  string
	Password  string
	Profile   string
	ExpiresAt time.Time
}

// DeviceProvisioner is the minimal device contract the saga consumes.
type DeviceProvisioner interface {
	TestConnectivity(ctx context.Context, router Router) error
	CreateCredential(ctx context.Context, router Router, spec CredentialSpec) (Credential, error)
	BindAndAutoConnect(ctx context.Context, router Router, mac string, cred Credential) (AutoConnectResult, error)
}

// TransitionValidator checks saga transitions against the Transitions table.
type TransitionValidator interface {
	Apply(ctx context.Context, current State, event Event) (State, error)
}

// SagaPublisher hands work that outlives the request to the job queue.
type SagaPublisher interface {
	ScheduleReconciliation(ctx context.Context, txID string) error
	EscalateReview(ctx context.Context, txID, reason string) error
}
