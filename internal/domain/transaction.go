package domain

import "time"

// State represents the saga state of a purchase transaction.
type State string

const (
	StateInitiated          State = "initiated"
	StateReserved           State = "reserved"
	StateCharging           State = "charging"
	StateCharged            State = "charged"
	StateProvisioning       State = "provisioning"
	StateProvisioned        State = "provisioned"
	StateAutoConnecting     State = "auto_connecting"
	StateCompleted          State = "completed"
	StateChargeDeclined     State = "charge_declined"
	StateCompensating       State = "compensating"
	StateRefunded           State = "refunded"
	StateCompensationFailed State = "compensation_failed"
	StateAborted            State = "aborted"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAborted, StateCompensationFailed:
		return true
	}
	return false
}

// Event represents an action that advances a transaction through the saga.
type Event string

const (
	EventReserve         Event = "reserve"
	EventChargeStart     Event = "charge_start"
	EventChargeApproved  Event = "charge_approved"
	EventChargePending   Event = "charge_pending"
	EventChargeDeclined  Event = "charge_declined"
	EventProvisionStart  Event = "provision_start"
	EventProvisionOK     Event = "provision_ok"
	EventProvisionFailed Event = "provision_failed"
	EventAutoConnStart   Event = "auto_connect_start"
	EventAutoConnDone    Event = "auto_connect_done"
	EventComplete        Event = "complete"
	EventRefundOK        Event = "refund_ok"
	EventRefundExhausted Event = "refund_exhausted"
	EventAbort           Event = "abort"

	// EventRefundAttempt and EventReviewEscalated are ledger-only markers.
	// They record compensation attempts and escalations without moving state.
	EventRefundAttempt   Event = "refund_attempt"
	EventReviewEscalated Event = "review_escalated"
)

// Transition defines a valid state change: an event moves a transaction from Src to Dst.
type Transition struct {
	Event Event
	Src   State
	Dst   State
}

// Transitions defines all valid state changes in the purchase saga.
// This is domain knowledge consumed by the FSM adapter. Failure exits never
// re-enter the happy path; the compensation sub-path runs at most once.
var Transitions = []Transition{
	{Event: EventReserve, Src: StateInitiated, Dst: StateReserved},
	{Event: EventChargeStart, Src: StateReserved, Dst: StateCharging},
	{Event: EventChargeApproved, Src: StateCharging, Dst: StateCharged},
	// Ambiguous charge outcome: money may have moved, park as charged with a
	// pending reference until reconciliation resolves it.
	{Event: EventChargePending, Src: StateCharging, Dst: StateCharged},
	{Event: EventChargeDeclined, Src: StateCharging, Dst: StateChargeDeclined},
	// Reconciliation resolving a pending charge as never-captured.
	{Event: EventChargeDeclined, Src: StateCharged, Dst: StateChargeDeclined},
	{Event: EventProvisionStart, Src: StateCharged, Dst: StateProvisioning},
	{Event: EventProvisionOK, Src: StateProvisioning, Dst: StateProvisioned},
	{Event: EventProvisionFailed, Src: StateProvisioning, Dst: StateCompensating},
	{Event: EventAutoConnStart, Src: StateProvisioned, Dst: StateAutoConnecting},
	{Event: EventAutoConnDone, Src: StateAutoConnecting, Dst: StateCompleted},
	{Event: EventComplete, Src: StateProvisioned, Dst: StateCompleted},
	{Event: EventRefundOK, Src: StateCompensating, Dst: StateRefunded},
	// Gateway unreachable before any charge: nothing to compensate, the
	// reservation is released so the client may retry.
	{Event: EventAbort, Src: StateCharging, Dst: StateAborted},
	// Stalled before the charge ever started (crash mid-request): no money
	// moved, safe to abort during recovery.
	{Event: EventAbort, Src: StateInitiated, Dst: StateAborted},
	{Event: EventAbort, Src: StateReserved, Dst: StateAborted},
	{Event: EventRefundExhausted, Src: StateCompensating, Dst: StateCompensationFailed},
	{Event: EventAbort, Src: StateChargeDeclined, Dst: StateAborted},
	{Event: EventAbort, Src: StateRefunded, Dst: StateAborted},
}

// Credential is the time-boxed network access grant issued on the device.
// It exists exactly once per transaction that reached the provisioned state.
type Credential struct {
	Username  string
	Password  string
	Profile   string
	RouterID  string
	ExpiresAt time.Time
}

// AutoConnectResult reports the outcome of the optional MAC-binding sub-step.
// Failure here is non-fatal: the transaction still completes.
type AutoConnectResult struct {
	Attempted bool
	Bound     bool
	Connected bool
	Message   string
}

// Transaction is the persisted record of one purchase saga run.
// Created at reservation time, mutated only by the orchestrator, never deleted.
type Transaction struct {
	ID          string
	Fingerprint string
	TenantID    string
	RouterID    string
	ProductID   int64
	AmountCents int64
	Currency    string

	CustomerName  string
	CustomerEmail string
	MACAddress    string
	AutoConnect   bool

	State State

	// PaymentReference is empty until the gateway answers. PaymentPending marks
	// an ambiguous charge awaiting reconciliation.
	PaymentReference string
	PaymentPending   bool

	Credential *Credential

	AutoConnectBound     bool
	AutoConnectConnected bool

	FailureReason string
	APIKeyID      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTransaction creates a transaction in the initial state for a validated request.
func NewTransaction(id, fingerprint string, scope Scope, req PurchaseRequest, product Product) Transaction {
	now := time.Now().UTC()
	return Transaction{
		ID:            id,
		Fingerprint:   fingerprint,
		TenantID:      scope.TenantID,
		RouterID:      scope.RouterID,
		ProductID:     product.ID,
		AmountCents:   product.PriceCents,
		Currency:      product.Currency,
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		MACAddress:    req.MACAddress,
		AutoConnect:   req.AutoConnect,
		State:         StateInitiated,
		APIKeyID:      scope.APIKeyID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// LedgerEntry is one append-only audit record. One entry per state transition,
// plus marker entries (From == To) for compensation attempts and escalations.
type LedgerEntry struct {
	ID            int64
	TransactionID string
	Event         Event
	From          State
	To            State
	Detail        string
	CreatedAt     time.Time
}
