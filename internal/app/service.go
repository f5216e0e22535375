package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

// Config carries the ports and tuning knobs for the purchase service.
// Zero-value durations and counts fall back to the defaults below.
type Config struct {
	Transactions domain.TransactionRepository
	Products     domain.ProductRepository
	Routers      domain.RouterRepository
	Tenants      domain.TenantRepository
	Ledger       domain.Ledger
	Gateway      domain.PaymentGateway
	Provisioner  domain.DeviceProvisioner
	Validator    domain.TransitionValidator
	Logger       *slog.Logger

	ChargeTimeout  time.Duration
	DeviceTimeout  time.Duration
	DuplicateWait  time.Duration
	DuplicatePoll  time.Duration
	RefundAttempts int
	RefundBackoff  time.Duration
}

// PurchaseService orchestrates the purchase saga: reservation, charge,
// provisioning, optional auto-connect, and compensation on partial failure.
type PurchaseService struct {
	transactions domain.TransactionRepository
	products     domain.ProductRepository
	routers      domain.RouterRepository
	tenants      domain.TenantRepository
	ledger       domain.Ledger
	gateway      domain.PaymentGateway
	provisioner  domain.DeviceProvisioner
	validator    domain.TransitionValidator
	publisher    domain.SagaPublisher
	logger       *slog.Logger

	chargeTimeout  time.Duration
	deviceTimeout  time.Duration
	duplicateWait  time.Duration
	duplicatePoll  time.Duration
	refundAttempts int
	refundBackoff  time.Duration
}

// NewPurchaseService creates the saga controller with the given adapters.
// The job-queue publisher is wired separately via SetPublisher because the
// queue's workers need the service in turn.
func NewPurchaseService(cfg Config) *PurchaseService {
	s := &PurchaseService{
		transactions:   cfg.Transactions,
		products:       cfg.Products,
		routers:        cfg.Routers,
		tenants:        cfg.Tenants,
		ledger:         cfg.Ledger,
		gateway:        cfg.Gateway,
		provisioner:    cfg.Provisioner,
		validator:      cfg.Validator,
		publisher:      noopPublisher{},
		logger:         cfg.Logger,
		chargeTimeout:  cfg.ChargeTimeout,
		deviceTimeout:  cfg.DeviceTimeout,
		duplicateWait:  cfg.DuplicateWait,
		duplicatePoll:  cfg.DuplicatePoll,
		refundAttempts: cfg.RefundAttempts,
		refundBackoff:  cfg.RefundBackoff,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.chargeTimeout == 0 {
		s.chargeTimeout = 30 * time.Second
	}
	if s.deviceTimeout == 0 {
		s.deviceTimeout = 20 * time.Second
	}
	if s.duplicateWait == 0 {
		s.duplicateWait = 10 * time.Second
	}
	if s.duplicatePoll == 0 {
		s.duplicatePoll = 200 * time.Millisecond
	}
	if s.refundAttempts == 0 {
		s.refundAttempts = 3
	}
	if s.refundBackoff == 0 {
		s.refundBackoff = 500 * time.Millisecond
	}
	return s
}

// SetPublisher wires the job-queue publisher after queue setup.
func (s *PurchaseService) SetPublisher(p domain.SagaPublisher) {
	s.publisher = p
}

// PurchaseResult is the outcome delivered to the portal client.
type PurchaseResult struct {
	Transaction domain.Transaction
	Credential  *domain.Credential
	AutoConnect domain.AutoConnectResult
	// Duplicate marks a result served from a prior reservation of the same
	// fingerprint rather than a fresh saga run.
	Duplicate bool
}

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	macPattern   = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)
)

func validateRequest(req domain.PurchaseRequest) error {
	if req.ProductID <= 0 {
		return &domain.ValidationError{Field: "product_id", Reason: "must be a positive id"}
	}
	if req.CardToken == "" {
		return &domain.ValidationError{Field: "card_token", Reason: "must not be empty"}
	}
	if req.CustomerName == "" {
		return &domain.ValidationError{Field: "customer_name", Reason: "must not be empty"}
	}
	if !emailPattern.MatchString(req.CustomerEmail) {
		return &domain.ValidationError{Field: "customer_email", Reason: "must be a valid email address"}
	}
	if req.MACAddress != "" && !macPattern.MatchString(req.MACAddress) {
		return &domain.ValidationError{Field: "mac_address", Reason: "must be a hardware address like aa:bb:cc:dd:ee:ff"}
	}
	return nil
}

// Purchase runs one purchase saga for the resolved scope. Concurrent duplicates
// of the same fingerprint collapse to a single transaction: losers of the
// reservation race observe the winner's outcome instead of charging again.
func (s *PurchaseService) Purchase(ctx context.Context, scope domain.Scope, req domain.PurchaseRequest) (PurchaseResult, error) {
	if err := validateRequest(req); err != nil {
		return PurchaseResult{}, err
	}

	product, err := s.products.GetProduct(ctx, req.ProductID)
	if err != nil {
		return PurchaseResult{}, err
	}
	if product.TenantID != scope.TenantID || product.RouterID != scope.RouterID || !product.Active {
		// Products outside the caller's scope are indistinguishable from absent.
		return PurchaseResult{}, domain.ErrProductNotFound
	}

	tx := domain.NewTransaction(uuid.NewString(), req.Fingerprint(scope.RouterID), scope, req, product)

	res, err := s.transactions.Reserve(ctx, tx)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("reserving fingerprint: %w", err)
	}
	if !res.IsNew {
		return s.awaitOutcome(ctx, res.Transaction.ID)
	}
	tx = res.Transaction

	if err := s.advance(ctx, &tx, domain.EventReserve, ""); err != nil {
		return PurchaseResult{}, err
	}

	tenant, err := s.tenants.GetTenant(ctx, scope.TenantID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("loading tenant: %w", err)
	}
	router, err := s.routers.GetRouter(ctx, scope.RouterID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("loading router: %w", err)
	}

	if err := s.advance(ctx, &tx, domain.EventChargeStart, ""); err != nil {
		return PurchaseResult{}, err
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
	charge, err := s.gateway.Charge(chargeCtx, domain.ChargeRequest{
		Account:        gatewayAccount(tenant),
		AmountCents:    tx.AmountCents,
		Currency:       tx.Currency,
		CardToken:      req.CardToken,
		Description:    product.Name,
		CustomerName:   tx.CustomerName,
		CustomerEmail:  tx.CustomerEmail,
		IdempotencyKey: tx.ID,
	})
	cancel()
	if err != nil {
		// The processor was never reached: no charge occurred, so release the
		// fingerprint and let the client retry.
		tx.FailureReason = err.Error()
		if aerr := s.advance(ctx, &tx, domain.EventAbort, tx.FailureReason); aerr != nil {
			return PurchaseResult{}, aerr
		}
		if rerr := s.transactions.Release(ctx, tx.ID); rerr != nil {
			s.logger.ErrorContext(ctx, "releasing fingerprint", "transaction_id", tx.ID, "error", rerr)
		}
		return PurchaseResult{Transaction: tx}, fmt.Errorf("charging card: %w", err)
	}

	switch charge.Status {
	case domain.ChargeDeclined:
		// Definite decline: no money moved, nothing to compensate.
		tx.FailureReason = charge.Reason
		tx.PaymentReference = charge.Reference
		if err := s.advance(ctx, &tx, domain.EventChargeDeclined, charge.Reason); err != nil {
			return PurchaseResult{}, err
		}
		if err := s.advance(ctx, &tx, domain.EventAbort, ""); err != nil {
			return PurchaseResult{}, err
		}
		return PurchaseResult{Transaction: tx}, &domain.PaymentDeclinedError{TransactionID: tx.ID, Reason: charge.Reason}

	case domain.ChargeAmbiguous:
		// Money may have moved. Park the transaction for reconciliation;
		// retrying the charge here could double-charge the card.
		tx.PaymentReference = charge.Reference
		tx.PaymentPending = true
		if err := s.advance(ctx, &tx, domain.EventChargePending, charge.Reason); err != nil {
			return PurchaseResult{}, err
		}
		if err := s.publisher.ScheduleReconciliation(ctx, tx.ID); err != nil {
			s.logger.ErrorContext(ctx, "scheduling reconciliation", "transaction_id", tx.ID, "error", err)
		}
		return PurchaseResult{Transaction: tx}, &domain.PaymentPendingError{TransactionID: tx.ID}
	}

	// Approved. A charge now exists, so the saga must reach a terminal state
	// even if the caller disconnects: detach from request cancellation.
	sagaCtx := context.WithoutCancel(ctx)
	tx.PaymentReference = charge.Reference
	if err := s.advance(sagaCtx, &tx, domain.EventChargeApproved, charge.Reference); err != nil {
		return PurchaseResult{}, err
	}

	return s.provisionAndComplete(sagaCtx, &tx, tenant, router, product)
}

// provisionAndComplete drives the saga from charged to a terminal state.
// Any provisioning failure compensates the charge before returning.
func (s *PurchaseService) provisionAndComplete(ctx context.Context, tx *domain.Transaction, tenant domain.Tenant, router domain.Router, product domain.Product) (PurchaseResult, error) {
	if err := s.advance(ctx, tx, domain.EventProvisionStart, ""); err != nil {
		return PurchaseResult{}, err
	}

	connCtx, cancel := context.WithTimeout(ctx, s.deviceTimeout)
	err := s.provisioner.TestConnectivity(connCtx, router)
	cancel()
	if err != nil {
		return s.compensate(ctx, tx, gatewayAccount(tenant), fmt.Sprintf("device unreachable: %v", err))
	}

	spec := deriveCredential(*tx, product)
	createCtx, cancel := context.WithTimeout(ctx, s.deviceTimeout)
	cred, err := s.provisioner.CreateCredential(createCtx, router, spec)
	cancel()
	if err != nil {
		return s.compensate(ctx, tx, gatewayAccount(tenant), fmt.Sprintf("creating credential: %v", err))
	}

	tx.Credential = &cred
	if err := s.advance(ctx, tx, domain.EventProvisionOK, cred.Username); err != nil {
		return PurchaseResult{}, err
	}

	auto := domain.AutoConnectResult{}
	if tx.AutoConnect && tx.MACAddress != "" {
		if err := s.advance(ctx, tx, domain.EventAutoConnStart, tx.MACAddress); err != nil {
			return PurchaseResult{}, err
		}
		auto.Attempted = true

		bindCtx, cancel := context.WithTimeout(ctx, s.deviceTimeout)
		res, err := s.provisioner.BindAndAutoConnect(bindCtx, router, tx.MACAddress, cred)
		cancel()
		if err != nil {
			// Non-fatal: the customer falls back to manual credential entry.
			s.logger.WarnContext(ctx, "auto-connect failed",
				"transaction_id", tx.ID, "mac", tx.MACAddress, "error", err)
			auto.Message = err.Error()
		} else {
			auto = res
			auto.Attempted = true
		}
		tx.AutoConnectBound = auto.Bound
		tx.AutoConnectConnected = auto.Connected

		if err := s.advance(ctx, tx, domain.EventAutoConnDone, fmt.Sprintf("bound=%t connected=%t", auto.Bound, auto.Connected)); err != nil {
			return PurchaseResult{}, err
		}
	} else {
		if err := s.advance(ctx, tx, domain.EventComplete, ""); err != nil {
			return PurchaseResult{}, err
		}
	}

	s.logger.InfoContext(ctx, "purchase completed",
		"transaction_id", tx.ID, "router_id", tx.RouterID, "amount_cents", tx.AmountCents)
	return PurchaseResult{Transaction: *tx, Credential: tx.Credential, AutoConnect: auto}, nil
}

// compensate refunds a charged transaction whose provisioning failed. The
// refund is retried with bounded exponential backoff; exhausting the attempts
// is a terminal state escalated to administrative review, never dropped.
func (s *PurchaseService) compensate(ctx context.Context, tx *domain.Transaction, account domain.GatewayAccount, reason string) (PurchaseResult, error) {
	tx.FailureReason = reason
	if err := s.advance(ctx, tx, domain.EventProvisionFailed, reason); err != nil {
		return PurchaseResult{}, err
	}

	for attempt := 1; attempt <= s.refundAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, s.refundBackoff<<(attempt-2)); err != nil {
				s.mark(context.WithoutCancel(ctx), tx, domain.EventRefundAttempt, "refund retries abandoned: "+err.Error())
				break
			}
		}

		refundCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
		res, err := s.gateway.Refund(refundCtx, account, tx.PaymentReference)
		cancel()

		if err == nil && res.Status == domain.RefundDone {
			if aerr := s.advance(ctx, tx, domain.EventRefundOK, tx.PaymentReference); aerr != nil {
				return PurchaseResult{}, aerr
			}
			if aerr := s.advance(ctx, tx, domain.EventAbort, ""); aerr != nil {
				return PurchaseResult{}, aerr
			}
			return PurchaseResult{Transaction: *tx}, &domain.ProvisioningFailedError{TransactionID: tx.ID, Reason: reason}
		}

		detail := fmt.Sprintf("attempt %d/%d failed", attempt, s.refundAttempts)
		if err != nil {
			detail += ": " + err.Error()
		} else {
			detail += ": " + res.Reason
		}
		s.mark(ctx, tx, domain.EventRefundAttempt, detail)
		s.logger.WarnContext(ctx, "refund attempt failed",
			"transaction_id", tx.ID, "attempt", attempt, "detail", detail)
	}

	// The terminal record must land even if the caller's context died mid-retry.
	endCtx := context.WithoutCancel(ctx)
	if err := s.advance(endCtx, tx, domain.EventRefundExhausted, reason); err != nil {
		return PurchaseResult{}, err
	}
	if err := s.publisher.EscalateReview(endCtx, tx.ID, reason); err != nil {
		s.logger.ErrorContext(ctx, "escalating failed compensation",
			"transaction_id", tx.ID, "error", err)
	}
	return PurchaseResult{Transaction: *tx}, &domain.CompensationFailedError{TransactionID: tx.ID, Reason: reason}
}

// awaitOutcome serves a duplicate request by watching the winner's transaction
// until it reaches a reportable state or the wait window closes.
func (s *PurchaseService) awaitOutcome(ctx context.Context, txID string) (PurchaseResult, error) {
	deadline := time.NewTimer(s.duplicateWait)
	defer deadline.Stop()
	tick := time.NewTicker(s.duplicatePoll)
	defer tick.Stop()

	for {
		tx, err := s.transactions.GetTransaction(ctx, txID)
		if err != nil {
			return PurchaseResult{}, err
		}
		if tx.State.Terminal() || (tx.State == domain.StateCharged && tx.PaymentPending) {
			return s.outcomeFor(ctx, tx)
		}

		select {
		case <-ctx.Done():
			return PurchaseResult{Transaction: tx, Duplicate: true}, &domain.InFlightError{TransactionID: txID}
		case <-deadline.C:
			return PurchaseResult{Transaction: tx, Duplicate: true}, &domain.InFlightError{TransactionID: txID}
		case <-tick.C:
		}
	}
}

// outcomeFor reconstructs the caller-visible outcome of a settled transaction.
func (s *PurchaseService) outcomeFor(ctx context.Context, tx domain.Transaction) (PurchaseResult, error) {
	result := PurchaseResult{Transaction: tx, Duplicate: true}

	switch {
	case tx.State == domain.StateCompleted:
		result.Credential = tx.Credential
		result.AutoConnect = domain.AutoConnectResult{
			Attempted: tx.AutoConnect && tx.MACAddress != "",
			Bound:     tx.AutoConnectBound,
			Connected: tx.AutoConnectConnected,
		}
		return result, nil

	case tx.State == domain.StateCharged && tx.PaymentPending:
		return result, &domain.PaymentPendingError{TransactionID: tx.ID}

	case tx.State == domain.StateCompensationFailed:
		return result, &domain.CompensationFailedError{TransactionID: tx.ID, Reason: tx.FailureReason}

	case tx.State == domain.StateAborted:
		refunded, err := s.wasRefunded(ctx, tx.ID)
		if err != nil {
			return result, err
		}
		if refunded {
			return result, &domain.ProvisioningFailedError{TransactionID: tx.ID, Reason: tx.FailureReason}
		}
		return result, &domain.PaymentDeclinedError{TransactionID: tx.ID, Reason: tx.FailureReason}
	}

	return result, &domain.InFlightError{TransactionID: tx.ID}
}

// wasRefunded checks the ledger for a completed refund on an aborted transaction.
func (s *PurchaseService) wasRefunded(ctx context.Context, txID string) (bool, error) {
	return s.hasLedgerEvent(ctx, txID, domain.EventRefundOK)
}

func (s *PurchaseService) hasLedgerEvent(ctx context.Context, txID string, event domain.Event) (bool, error) {
	entries, err := s.ledger.ListByTransaction(ctx, txID)
	if err != nil {
		return false, fmt.Errorf("reading ledger: %w", err)
	}
	for _, e := range entries {
		if e.Event == event {
			return true, nil
		}
	}
	return false, nil
}

// ReconcileAmbiguous resolves a parked ambiguous charge by asking the gateway
// whether the order was captured. Called from the job queue; a returned error
// means "ask again later".
func (s *PurchaseService) ReconcileAmbiguous(ctx context.Context, txID string) error {
	tx, err := s.transactions.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if tx.State != domain.StateCharged || !tx.PaymentPending {
		// Already resolved by an earlier attempt.
		return nil
	}

	tenant, err := s.tenants.GetTenant(ctx, tx.TenantID)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}

	look, err := s.gateway.LookupOrder(ctx, gatewayAccount(tenant), tx.ID)
	if err != nil {
		return fmt.Errorf("looking up order: %w", err)
	}

	switch look.Status {
	case domain.LookupPaid:
		tx.PaymentPending = false
		tx.PaymentReference = look.Reference
		if err := s.transactions.Update(ctx, tx); err != nil {
			return fmt.Errorf("updating transaction: %w", err)
		}
		s.mark(ctx, &tx, domain.EventChargeApproved, "reconciled as paid: "+look.Reference)

		router, err := s.routers.GetRouter(ctx, tx.RouterID)
		if err != nil {
			return fmt.Errorf("loading router: %w", err)
		}
		product, err := s.products.GetProduct(ctx, tx.ProductID)
		if err != nil {
			return fmt.Errorf("loading product: %w", err)
		}

		_, err = s.provisionAndComplete(context.WithoutCancel(ctx), &tx, tenant, router, product)
		var provErr *domain.ProvisioningFailedError
		var compErr *domain.CompensationFailedError
		if errors.As(err, &provErr) || errors.As(err, &compErr) {
			// Terminal via the compensation path; the job itself succeeded.
			return nil
		}
		return err

	case domain.LookupDeclined, domain.LookupNotFound:
		// The charge was never captured: no money moved.
		tx.PaymentPending = false
		tx.FailureReason = "charge not captured (reconciled as " + string(look.Status) + ")"
		if err := s.advance(ctx, &tx, domain.EventChargeDeclined, tx.FailureReason); err != nil {
			return err
		}
		return s.advance(ctx, &tx, domain.EventAbort, "")
	}

	return fmt.Errorf("unexpected lookup status %q", look.Status)
}

// MarkEscalated durably records that a transaction was surfaced for manual
// review and raises the operational alert.
func (s *PurchaseService) MarkEscalated(ctx context.Context, txID, reason string) error {
	tx, err := s.transactions.GetTransaction(ctx, txID)
	if err != nil {
		return err
	}
	s.mark(ctx, &tx, domain.EventReviewEscalated, reason)
	s.logger.ErrorContext(ctx, "transaction requires manual review",
		"transaction_id", tx.ID,
		"state", tx.State,
		"payment_reference", tx.PaymentReference,
		"amount_cents", tx.AmountCents,
		"reason", reason,
	)
	return nil
}

// RecoverStalled re-drives transactions stranded in non-terminal states by a
// crash or restart. Rows touched within olderThan are left alone; their live
// request is still driving them. Runs from the job queue on a schedule and at
// startup.
func (s *PurchaseService) RecoverStalled(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)

	states := []domain.State{
		domain.StateInitiated,
		domain.StateReserved,
		domain.StateCharging,
		domain.StateCharged,
		domain.StateProvisioning,
		domain.StateProvisioned,
		domain.StateAutoConnecting,
		domain.StateChargeDeclined,
		domain.StateCompensating,
		domain.StateRefunded,
	}

	for _, state := range states {
		txs, err := s.transactions.ListByState(ctx, state, 0)
		if err != nil {
			return fmt.Errorf("listing %s transactions: %w", state, err)
		}
		for _, tx := range txs {
			if tx.UpdatedAt.After(cutoff) {
				continue
			}
			if err := s.recoverOne(ctx, tx); err != nil {
				s.logger.ErrorContext(ctx, "recovering stalled transaction",
					"transaction_id", tx.ID, "state", tx.State, "error", err)
			}
		}
	}
	return nil
}

func (s *PurchaseService) recoverOne(ctx context.Context, tx domain.Transaction) error {
	s.logger.WarnContext(ctx, "recovering stalled transaction",
		"transaction_id", tx.ID, "state", tx.State, "updated_at", tx.UpdatedAt)

	switch tx.State {
	case domain.StateInitiated, domain.StateReserved:
		// No charge was attempted: abort and free the fingerprint for retry.
		tx.FailureReason = "abandoned before charge"
		if err := s.advance(ctx, &tx, domain.EventAbort, tx.FailureReason); err != nil {
			return err
		}
		return s.transactions.Release(ctx, tx.ID)

	case domain.StateCharging:
		// The interruption hides whether the processor captured the charge.
		// Same situation as an ambiguous response: park and reconcile.
		tx.PaymentPending = true
		if err := s.advance(ctx, &tx, domain.EventChargePending, "interrupted mid-charge"); err != nil {
			return err
		}
		return s.publisher.ScheduleReconciliation(ctx, tx.ID)

	case domain.StateCharged:
		if tx.PaymentPending {
			// The reconcile job was lost along with the queue state.
			return s.publisher.ScheduleReconciliation(ctx, tx.ID)
		}
		return s.resumeProvisioning(ctx, tx)

	case domain.StateProvisioning:
		// Charged, device state unknown. An operator must decide: re-driving
		// blind could grant access that was already compensated elsewhere.
		escalated, err := s.hasLedgerEvent(ctx, tx.ID, domain.EventReviewEscalated)
		if err != nil {
			return err
		}
		if escalated {
			return nil
		}
		return s.MarkEscalated(ctx, tx.ID, "stalled mid-provisioning")

	case domain.StateProvisioned:
		// Credential exists; only the completion record is missing.
		return s.advance(ctx, &tx, domain.EventComplete, "recovered")

	case domain.StateAutoConnecting:
		return s.advance(ctx, &tx, domain.EventAutoConnDone,
			fmt.Sprintf("recovered: bound=%t connected=%t", tx.AutoConnectBound, tx.AutoConnectConnected))

	case domain.StateCompensating:
		// A second refund of the same order would be rejected by the gateway,
		// so the interrupted compensation goes to review instead of a retry.
		if err := s.advance(ctx, &tx, domain.EventRefundExhausted, "interrupted mid-refund"); err != nil {
			return err
		}
		return s.publisher.EscalateReview(ctx, tx.ID, "compensation interrupted")

	case domain.StateChargeDeclined, domain.StateRefunded:
		return s.advance(ctx, &tx, domain.EventAbort, "recovered")
	}
	return nil
}

// resumeProvisioning re-drives a charged transaction whose provisioning never
// began. Credential creation on the device is idempotent, so this is safe to
// repeat.
func (s *PurchaseService) resumeProvisioning(ctx context.Context, tx domain.Transaction) error {
	tenant, err := s.tenants.GetTenant(ctx, tx.TenantID)
	if err != nil {
		return fmt.Errorf("loading tenant: %w", err)
	}
	router, err := s.routers.GetRouter(ctx, tx.RouterID)
	if err != nil {
		return fmt.Errorf("loading router: %w", err)
	}
	product, err := s.products.GetProduct(ctx, tx.ProductID)
	if err != nil {
		return fmt.Errorf("loading product: %w", err)
	}

	_, err = s.provisionAndComplete(context.WithoutCancel(ctx), &tx, tenant, router, product)
	var provErr *domain.ProvisioningFailedError
	var compErr *domain.CompensationFailedError
	if errors.As(err, &provErr) || errors.As(err, &compErr) {
		// Terminal via the compensation path; recovery itself succeeded.
		return nil
	}
	return err
}

// GetTransaction returns a transaction visible to the caller's scope.
func (s *PurchaseService) GetTransaction(ctx context.Context, scope domain.Scope, id string) (domain.Transaction, error) {
	tx, err := s.transactions.GetTransaction(ctx, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !scopeCanSee(scope, tx) {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return tx, nil
}

func scopeCanSee(scope domain.Scope, tx domain.Transaction) bool {
	switch scope.Kind {
	case domain.TokenAPIKey:
		return tx.RouterID == scope.RouterID
	case domain.TokenSession:
		return scope.Role == domain.RoleSuperAdmin || tx.TenantID == scope.TenantID
	}
	return false
}

// Ledger returns the audit trail of a transaction visible to the scope.
func (s *PurchaseService) Ledger(ctx context.Context, scope domain.Scope, id string) ([]domain.LedgerEntry, error) {
	if _, err := s.GetTransaction(ctx, scope, id); err != nil {
		return nil, err
	}
	return s.ledger.ListByTransaction(ctx, id)
}

// Catalog lists the active products for the caller's router.
func (s *PurchaseService) Catalog(ctx context.Context, scope domain.Scope) ([]domain.Product, error) {
	return s.products.ListActiveByRouter(ctx, scope.RouterID)
}

// PortalConfig is the public processor configuration the portal needs to
// tokenize cards client-side.
type PortalConfig struct {
	GatewayPublicKey string
	GatewayMode      string
	Currency         string
}

// PublicConfig returns the portal configuration for the caller's tenant.
func (s *PurchaseService) PublicConfig(ctx context.Context, scope domain.Scope) (PortalConfig, error) {
	tenant, err := s.tenants.GetTenant(ctx, scope.TenantID)
	if err != nil {
		return PortalConfig{}, err
	}
	return PortalConfig{
		GatewayPublicKey: tenant.GatewayPublicKey,
		GatewayMode:      tenant.GatewayMode,
		Currency:         tenant.Currency,
	}, nil
}

// ReviewQueue lists transactions needing operator attention, filtered to the
// admin's tenant unless the caller is a super admin.
func (s *PurchaseService) ReviewQueue(ctx context.Context, scope domain.Scope, limit int) ([]domain.Transaction, error) {
	txs, err := s.transactions.ListReviewable(ctx, limit)
	if err != nil {
		return nil, err
	}
	if scope.Role == domain.RoleSuperAdmin {
		return txs, nil
	}
	filtered := txs[:0]
	for _, tx := range txs {
		if tx.TenantID == scope.TenantID {
			filtered = append(filtered, tx)
		}
	}
	return filtered, nil
}

// advance validates and applies one saga transition, persists it, and appends
// the ledger entry before the saga proceeds.
func (s *PurchaseService) advance(ctx context.Context, tx *domain.Transaction, event domain.Event, detail string) error {
	next, err := s.validator.Apply(ctx, tx.State, event)
	if err != nil {
		return err
	}

	from := tx.State
	tx.State = next
	tx.UpdatedAt = time.Now().UTC()

	if err := s.transactions.Update(ctx, *tx); err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}
	if err := s.ledger.Append(ctx, domain.LedgerEntry{
		TransactionID: tx.ID,
		Event:         event,
		From:          from,
		To:            next,
		Detail:        detail,
		CreatedAt:     tx.UpdatedAt,
	}); err != nil {
		return fmt.Errorf("appending ledger entry: %w", err)
	}
	return nil
}

// mark appends a ledger entry that records activity without a state change
// (compensation attempts, escalations). Failures are logged, not fatal.
func (s *PurchaseService) mark(ctx context.Context, tx *domain.Transaction, event domain.Event, detail string) {
	err := s.ledger.Append(ctx, domain.LedgerEntry{
		TransactionID: tx.ID,
		Event:         event,
		From:          tx.State,
		To:            tx.State,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "appending ledger marker",
			"transaction_id", tx.ID, "event", event, "error", err)
	}
}

// sleepContext waits for d unless the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func gatewayAccount(tenant domain.Tenant) domain.GatewayAccount {
	return domain.GatewayAccount{SecretKey: tenant.GatewaySecretKey, Mode: tenant.GatewayMode}
}

// noopPublisher stands in until the job queue is wired. It logs so a
// misconfigured deployment is visible rather than silent.
type noopPublisher struct{}

func (noopPublisher) ScheduleReconciliation(ctx context.Context, txID string) error {
	slog.WarnContext(ctx, "no job queue wired: reconciliation not scheduled", "transaction_id", txID)
	return nil
}

func (noopPublisher) EscalateReview(ctx context.Context, txID, reason string) error {
	slog.WarnContext(ctx, "no job queue wired: review not escalated", "transaction_id", txID, "reason", reason)
	return nil
}
