package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neomorfeo/ticketgate/internal/adapter/fsm"
	"github.com/neomorfeo/ticketgate/internal/app"
	"github.com/neomorfeo/ticketgate/internal/domain"
)

// --- Mocks ---

type memRepo struct {
	mu   sync.Mutex
	byID map[string]domain.Transaction
	byFP map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{
		byID: make(map[string]domain.Transaction),
		byFP: make(map[string]string),
	}
}

func (m *memRepo) Reserve(_ context.Context, tx domain.Transaction) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byFP[tx.Fingerprint]; ok {
		return domain.Reservation{IsNew: false, Transaction: m.byID[id]}, nil
	}
	m.byFP[tx.Fingerprint] = tx.ID
	m.byID[tx.ID] = tx
	return domain.Reservation{IsNew: true, Transaction: tx}, nil
}

func (m *memRepo) GetTransaction(_ context.Context, id string) (domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return tx, nil
}

func (m *memRepo) Update(_ context.Context, tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[tx.ID] = tx
	return nil
}

func (m *memRepo) Release(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.byID[id]
	if !ok {
		return domain.ErrTransactionNotFound
	}
	delete(m.byFP, tx.Fingerprint)
	tx.Fingerprint = ""
	m.byID[id] = tx
	return nil
}

func (m *memRepo) ListByState(_ context.Context, state domain.State, _ int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range m.byID {
		if tx.State == state {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *memRepo) ListReviewable(_ context.Context, _ int) ([]domain.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range m.byID {
		if tx.State == domain.StateCompensationFailed || tx.PaymentPending {
			out = append(out, tx)
		}
	}
	return out, nil
}

type memLedger struct {
	mu      sync.Mutex
	entries []domain.LedgerEntry
}

func (m *memLedger) Append(_ context.Context, e domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return nil
}

func (m *memLedger) ListByTransaction(_ context.Context, txID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range m.entries {
		if e.TransactionID == txID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLedger) countEvent(txID string, event domain.Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.TransactionID == txID && e.Event == event {
			n++
		}
	}
	return n
}

type stubCatalog struct {
	products map[int64]domain.Product
}

func (s *stubCatalog) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return p, nil
}

func (s *stubCatalog) ListActiveByRouter(_ context.Context, routerID string) ([]domain.Product, error) {
	var out []domain.Product
	for _, p := range s.products {
		if p.RouterID == routerID && p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

type stubInfra struct{}

func (stubInfra) GetRouter(_ context.Context, id string) (domain.Router, error) {
	return domain.Router{ID: id, TenantID: "tn-1", Host: "10.0.0.1", Port: 8729, Active: true}, nil
}

func (stubInfra) GetTenant(_ context.Context, id string) (domain.Tenant, error) {
	return domain.Tenant{
		ID: id, Name: "Cafe", Active: true, Currency: "MXN",
		GatewayPublicKey: "key_pub", GatewaySecretKey: "key_sec", GatewayMode: "test",
	}, nil
}

type fakeGateway struct {
	chargeStatus domain.ChargeStatus
	chargeReason string
	chargeErr    error
	chargeDelay  time.Duration
	chargeCalls  atomic.Int32

	refundOK    bool
	refundCalls atomic.Int32

	lookup    domain.LookupResult
	lookupErr error
}

func (g *fakeGateway) Charge(_ context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	g.chargeCalls.Add(1)
	if g.chargeDelay > 0 {
		time.Sleep(g.chargeDelay)
	}
	if g.chargeErr != nil {
		return domain.ChargeResult{}, g.chargeErr
	}
	return domain.ChargeResult{
		Reference: "ord_" + req.IdempotencyKey[:8],
		Status:    g.chargeStatus,
		Reason:    g.chargeReason,
	}, nil
}

func (g *fakeGateway) Refund(_ context.Context, _ domain.GatewayAccount, _ string) (domain.RefundResult, error) {
	g.refundCalls.Add(1)
	if g.refundOK {
		return domain.RefundResult{Status: domain.RefundDone}, nil
	}
	return domain.RefundResult{Status: domain.RefundFailed, Reason: "gateway busy"}, nil
}

func (g *fakeGateway) LookupOrder(_ context.Context, _ domain.GatewayAccount, _ string) (domain.LookupResult, error) {
	if g.lookupErr != nil {
		return domain.LookupResult{}, g.lookupErr
	}
	return g.lookup, nil
}

type fakeProvisioner struct {
	connErr     error
	createErr   error
	createCalls atomic.Int32
	bindResult  domain.AutoConnectResult
	bindErr     error
}

func (p *fakeProvisioner) TestConnectivity(_ context.Context, _ domain.Router) error {
	return p.connErr
}

func (p *fakeProvisioner) CreateCredential(_ context.Context, r domain.Router, spec domain.CredentialSpec) (domain.Credential, error) {
	p.createCalls.Add(1)
	if p.createErr != nil {
		return domain.Credential{}, p.createErr
	}
	return domain.Credential{
		Username:  spec.Username,
		Password:  spec.Password,
		Profile:   spec.Profile,
		RouterID:  r.ID,
		ExpiresAt: spec.ExpiresAt,
	}, nil
}

func (p *fakeProvisioner) BindAndAutoConnect(_ context.Context, _ domain.Router, _ string, _ domain.Credential) (domain.AutoConnectResult, error) {
	if p.bindErr != nil {
		return domain.AutoConnectResult{}, p.bindErr
	}
	return p.bindResult, nil
}

type fakePublisher struct {
	mu          sync.Mutex
	reconciles  []string
	escalations []string
}

func (p *fakePublisher) ScheduleReconciliation(_ context.Context, txID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconciles = append(p.reconciles, txID)
	return nil
}

func (p *fakePublisher) EscalateReview(_ context.Context, txID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.escalations = append(p.escalations, txID)
	return nil
}

// --- Fixtures ---

func testScope() domain.Scope {
	return domain.Scope{
		Kind:     domain.TokenAPIKey,
		TenantID: "tn-1",
		RouterID: "rt-1",
		Role:     domain.RolePublicPurchaser,
		APIKeyID: "key-1",
	}
}

func testRequest() domain.PurchaseRequest {
	return domain.PurchaseRequest{
		ProductID:     1,
		CardToken:     "tok_visa",
		CustomerName:  "Ana Torres",
		CustomerEmail: "ana@example.com",
	}
}

type harness struct {
	svc       *app.PurchaseService
	repo      *memRepo
	ledger    *memLedger
	publisher *fakePublisher
}

func newHarness(gw *fakeGateway, prov *fakeProvisioner) *harness {
	repo := newMemRepo()
	ledger := &memLedger{}
	pub := &fakePublisher{}

	catalog := &stubCatalog{products: map[int64]domain.Product{
		1: {
			ID: 1, TenantID: "tn-1", RouterID: "rt-1",
			ProfileID: "pf-1", ProfileName: "1hr",
			Name: "1 Hour Pass", PriceCents: 5000, Currency: "MXN",
			CredentialStyle: domain.StyleUserPassword, ValidityHours: 1,
			Active: true,
		},
	}}

	svc := app.NewPurchaseService(app.Config{
		Transactions:   repo,
		Products:       catalog,
		Routers:        stubInfra{},
		Tenants:        stubInfra{},
		Ledger:         ledger,
		Gateway:        gw,
		Provisioner:    prov,
		Validator:      fsm.New(),
		DuplicatePoll:  5 * time.Millisecond,
		DuplicateWait:  2 * time.Second,
		RefundAttempts: 2,
		RefundBackoff:  time.Millisecond,
	})
	svc.SetPublisher(pub)

	return &harness{svc: svc, repo: repo, ledger: ledger, publisher: pub}
}

// --- Scenario A: approved charge, provisioned credential, completed ---

func TestPurchase_Success(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeApproved}
	prov := &fakeProvisioner{}
	h := newHarness(gw, prov)

	res, err := h.svc.Purchase(context.Background(), testScope(), testRequest())
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	if res.Transaction.State != domain.StateCompleted {
		t.Errorf("State = %q, want %q", res.Transaction.State, domain.StateCompleted)
	}
	if res.Credential == nil {
		t.Fatal("expected a credential")
	}
	if res.Credential.Username == "" || res.Credential.Password == "" {
		t.Error("credential should carry username and password")
	}
	if res.Transaction.PaymentReference == "" {
		t.Error("payment reference should be recorded")
	}
	if got := gw.chargeCalls.Load(); got != 1 {
		t.Errorf("charge calls = %d, want 1", got)
	}

	// Every transition is ledgered.
	entries, _ := h.ledger.ListByTransaction(context.Background(), res.Transaction.ID)
	wantEvents := []domain.Event{
		domain.EventReserve, domain.EventChargeStart, domain.EventChargeApproved,
		domain.EventProvisionStart, domain.EventProvisionOK, domain.EventComplete,
	}
	if len(entries) != len(wantEvents) {
		t.Fatalf("ledger entries = %d, want %d", len(entries), len(wantEvents))
	}
	for i, want := range wantEvents {
		if entries[i].Event != want {
			t.Errorf("ledger[%d] = %q, want %q", i, entries[i].Event, want)
		}
	}
}

// --- Scenario B: identical duplicate returns the same transaction, one charge ---

func TestPurchase_Duplicate(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeApproved}
	h := newHarness(gw, &fakeProvisioner{})
	ctx := context.Background()

	first, err := h.svc.Purchase(ctx, testScope(), testRequest())
	if err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}

	second, err := h.svc.Purchase(ctx, testScope(), testRequest())
	if err != nil {
		t.Fatalf("second purchase failed: %v", err)
	}

	if !second.Duplicate {
		t.Error("second result should be marked duplicate")
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Errorf("transaction id = %q, want %q", second.Transaction.ID, first.Transaction.ID)
	}
	if second.Credential == nil || second.Credential.Username != first.Credential.Username {
		t.Error("duplicate should return the identical credential")
	}
	if got := gw.chargeCalls.Load(); got != 1 {
		t.Errorf("charge calls = %d, want 1 (no second charge)", got)
	}
}

func TestPurchase_ConcurrentDuplicates(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeApproved, chargeDelay: 50 * time.Millisecond}
	h := newHarness(gw, &fakeProvisioner{})

	const callers = 8
	results := make([]app.PurchaseResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.svc.Purchase(context.Background(), testScope(), testRequest())
		}(i)
	}
	wg.Wait()

	if got := gw.chargeCalls.Load(); got != 1 {
		t.Fatalf("charge calls = %d, want exactly 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].Transaction.ID != results[0].Transaction.ID {
			t.Errorf("caller %d observed transaction %q, want %q",
				i, results[i].Transaction.ID, results[0].Transaction.ID)
		}
		if results[i].Transaction.State != domain.StateCompleted {
			t.Errorf("caller %d state = %q, want completed", i, results[i].Transaction.State)
		}
	}
}

// --- Scenario C: provisioning fails after charge, refund succeeds ---

func TestPurchase_ProvisionFailsRefunds(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeApproved, refundOK: true}
	prov := &fakeProvisioner{createErr: errors.New("device unreachable")}
	h := newHarness(gw, prov)

	res, err := h.svc.Purchase(context.Background(), testScope(), testRequest())

	var provErr *domain.ProvisioningFailedError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProvisioningFailedError, got %v", err)
	}
	if res.Transaction.State != domain.StateAborted {
		t.Errorf("State = %q, want %q", res.Transaction.State, domain.StateAborted)
	}
	if res.Credential != nil {
		t.Error("no credential may exist for a refunded transaction")
	}
	if got := gw.refundCalls.Load(); got != 1 {
		t.Errorf("refund calls = %d, want 1", got)
	}
	if n := h.ledger.countEvent(res.Transaction.ID, domain.EventRefundOK); n != 1 {
		t.Errorf("refund_ok ledger entries = %d, want 1", n)
	}
}

// --- Scenario D: auto-connect failure is non-fatal ---

func TestPurchase_AutoConnectFailureNonFatal(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeApproved}
	prov := &fakeProvisioner{bindErr: errors.New("host not on network")}
	h := newHarness(gw, prov)

	req := testRequest()
	req.MACAddress = "aa:bb:cc:dd:ee:ff"
	req.AutoConnect = true

	res, err := h.svc.Purchase(context.Background(), testScope(), req)
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	if res.Transaction.State != domain.StateCompleted {
		t.Errorf("State = %q, want %q", res.Transaction.State, domain.StateCompleted)
	}
	if res.Credential == nil {
		t.Fatal("credential must still be delivered")
	}
	if !res.AutoConnect.Attempted {
		t.Error("auto-connect should be reported as attempted")
	}
	if res.AutoConnect.Connected {
		t.Error("connected should be false")
	}
	if got := gw.refundCalls.Load(); got != 0 {
		t.Errorf("refund calls = %d, want 0", got)
	}
}

// --- Scenario E: definite decline, no provisioning call ---

func TestPurchase_Declined(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeDeclined, chargeReason: "insufficient funds"}
	prov := &fakeProvisioner{}
	h := newHarness(gw, prov)

	res, err := h.svc.Purchase(context.Background(), testScope(), testRequest())

	var declined *domain.PaymentDeclinedError
	if !errors.As(err, &declined) {
		t.Fatalf("expected PaymentDeclinedError, got %v", err)
	}
	if declined.Reason != "insufficient funds" {
		t.Errorf("reason = %q, want %q", declined.Reason, "insufficient funds")
	}
	if res.Transaction.State != domain.StateAborted {
		t.Errorf("State = %q, want %q", res.Transaction.State, domain.StateAborted)
	}
	if got := prov.createCalls.Load(); got != 0 {
		t.Errorf("provisioner calls = %d, want 0", got)
	}
	if got := gw.refundCalls.Load(); got != 0 {
		t.Errorf("refund calls = %d, want 0 (no compensation for a decline)", got)
	}
}

func TestPurchase_DeclinedDuplicateSeesDecline(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeDeclined, chargeReason: "card blocked"}
	h := newHarness(gw, &fakeProvisioner{})
	ctx := context.Background()

	_, _ = h.svc.Purchase(ctx, testScope(), testRequest())
	_, err := h.svc.Purchase(ctx, testScope(), testRequest())

	var declined *domain.PaymentDeclinedError
	if !errors.As(err, &declined) {
		t.Fatalf("duplicate should observe the decline, got %v", err)
	}
	if got := gw.chargeCalls.Load(); got != 1 {
		t.Errorf("charge calls = %d, want 1", got)
	}
}

// --- Ambiguous charge parks for reconciliation ---

func TestPurchase_AmbiguousParksForReconciliation(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeAmbiguous, chargeReason: "gateway timeout"}
	prov := &fakeProvisioner{}
	h := newHarness(gw, prov)

	res, err := h.svc.Purchase(context.Background(), testScope(), testRequest())

	var pending *domain.PaymentPendingError
	if !errors.As(err, &pending) {
		t.Fatalf("expected PaymentPendingError, got %v", err)
	}
	if res.Transaction.State != domain.StateCharged {
		t.Errorf("State = %q, want %q", res.Transaction.State, domain.StateCharged)
	}
	if !res.Transaction.PaymentPending {
		t.Error("PaymentPending should be set")
	}
	if got := prov.createCalls.Load(); got != 0 {
		t.Error("no provisioning may happen on an unconfirmed charge")
	}
	if len(h.publisher.reconciles) != 1 {
		t.Fatalf("reconciliations scheduled = %d, want 1", len(h.publisher.reconciles))
	}
}

// --- Compensation exhausted escalates, never drops ---

func TestPurchase_CompensationExhausted(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeApproved} // refunds always fail
	prov := &fakeProvisioner{createErr: errors.New("profile missing")}
	h := newHarness(gw, prov)

	res, err := h.svc.Purchase(context.Background(), testScope(), testRequest())

	var comp *domain.CompensationFailedError
	if !errors.As(err, &comp) {
		t.Fatalf("expected CompensationFailedError, got %v", err)
	}
	if res.Transaction.State != domain.StateCompensationFailed {
		t.Errorf("State = %q, want %q", res.Transaction.State, domain.StateCompensationFailed)
	}
	if got := gw.refundCalls.Load(); got != 2 {
		t.Errorf("refund attempts = %d, want 2", got)
	}
	if n := h.ledger.countEvent(res.Transaction.ID, domain.EventRefundAttempt); n != 2 {
		t.Errorf("refund_attempt markers = %d, want 2", n)
	}
	if len(h.publisher.escalations) != 1 {
		t.Fatalf("escalations = %d, want 1", len(h.publisher.escalations))
	}

	// The failed compensation surfaces in the review queue.
	adminScope := domain.Scope{Kind: domain.TokenSession, TenantID: "tn-1", Role: domain.RoleCompanyAdmin}
	queue, qerr := h.svc.ReviewQueue(context.Background(), adminScope, 10)
	if qerr != nil {
		t.Fatalf("ReviewQueue failed: %v", qerr)
	}
	if len(queue) != 1 || queue[0].ID != res.Transaction.ID {
		t.Errorf("review queue should contain the failed transaction, got %v", queue)
	}
}

// --- Gateway unreachable before charge: reservation is released ---

func TestPurchase_GatewayUnavailableReleasesFingerprint(t *testing.T) {
	gw := &fakeGateway{chargeErr: fmt.Errorf("connecting: %w", domain.ErrGatewayUnavailable)}
	h := newHarness(gw, &fakeProvisioner{})
	ctx := context.Background()

	_, err := h.svc.Purchase(ctx, testScope(), testRequest())
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}

	// The same request retried now reserves a fresh transaction and succeeds.
	gw.chargeErr = nil
	gw.chargeStatus = domain.ChargeApproved

	res, err := h.svc.Purchase(ctx, testScope(), testRequest())
	if err != nil {
		t.Fatalf("retry after gateway outage failed: %v", err)
	}
	if res.Duplicate {
		t.Error("retry should run a fresh saga, not observe the aborted one")
	}
	if res.Transaction.State != domain.StateCompleted {
		t.Errorf("State = %q, want completed", res.Transaction.State)
	}
}

// --- Validation and scoping ---

func TestPurchase_Validation(t *testing.T) {
	h := newHarness(&fakeGateway{chargeStatus: domain.ChargeApproved}, &fakeProvisioner{})
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*domain.PurchaseRequest)
	}{
		{"missing card token", func(r *domain.PurchaseRequest) { r.CardToken = "" }},
		{"missing name", func(r *domain.PurchaseRequest) { r.CustomerName = "" }},
		{"bad email", func(r *domain.PurchaseRequest) { r.CustomerEmail = "not-an-email" }},
		{"bad mac", func(r *domain.PurchaseRequest) { r.MACAddress = "zz:zz" }},
		{"bad product id", func(r *domain.PurchaseRequest) { r.ProductID = 0 }},
	}

	for _, tc := range cases {
		req := testRequest()
		tc.mutate(&req)

		_, err := h.svc.Purchase(ctx, testScope(), req)
		var verr *domain.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected ValidationError, got %v", tc.name, err)
		}
	}
}

func TestPurchase_ProductOutsideScope(t *testing.T) {
	h := newHarness(&fakeGateway{chargeStatus: domain.ChargeApproved}, &fakeProvisioner{})

	scope := testScope()
	scope.RouterID = "rt-other"

	_, err := h.svc.Purchase(context.Background(), scope, testRequest())
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
	if len(h.repo.byID) != 0 {
		t.Error("no reservation may be made for an out-of-scope product")
	}
}

// --- Reconciliation ---

func parkAmbiguous(t *testing.T, h *harness, gw *fakeGateway) domain.Transaction {
	t.Helper()
	gw.chargeStatus = domain.ChargeAmbiguous

	res, err := h.svc.Purchase(context.Background(), testScope(), testRequest())
	var pending *domain.PaymentPendingError
	if !errors.As(err, &pending) {
		t.Fatalf("expected PaymentPendingError, got %v", err)
	}
	return res.Transaction
}

func TestReconcileAmbiguous_PaidResumesProvisioning(t *testing.T) {
	gw := &fakeGateway{}
	h := newHarness(gw, &fakeProvisioner{})
	tx := parkAmbiguous(t, h, gw)

	gw.lookup = domain.LookupResult{Reference: "ord_found", Status: domain.LookupPaid}

	if err := h.svc.ReconcileAmbiguous(context.Background(), tx.ID); err != nil {
		t.Fatalf("ReconcileAmbiguous failed: %v", err)
	}

	got, _ := h.repo.GetTransaction(context.Background(), tx.ID)
	if got.State != domain.StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}
	if got.PaymentPending {
		t.Error("PaymentPending should be cleared")
	}
	if got.Credential == nil {
		t.Error("credential should be provisioned after reconciliation")
	}
	if got.PaymentReference != "ord_found" {
		t.Errorf("PaymentReference = %q, want the reconciled reference", got.PaymentReference)
	}
}

func TestReconcileAmbiguous_NotFoundAborts(t *testing.T) {
	gw := &fakeGateway{}
	prov := &fakeProvisioner{}
	h := newHarness(gw, prov)
	tx := parkAmbiguous(t, h, gw)

	gw.lookup = domain.LookupResult{Status: domain.LookupNotFound}

	if err := h.svc.ReconcileAmbiguous(context.Background(), tx.ID); err != nil {
		t.Fatalf("ReconcileAmbiguous failed: %v", err)
	}

	got, _ := h.repo.GetTransaction(context.Background(), tx.ID)
	if got.State != domain.StateAborted {
		t.Errorf("State = %q, want aborted", got.State)
	}
	if prov.createCalls.Load() != 0 {
		t.Error("no provisioning may happen for an uncaptured charge")
	}
}

func TestReconcileAmbiguous_AlreadyResolvedIsNoop(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeApproved}
	h := newHarness(gw, &fakeProvisioner{})

	res, err := h.svc.Purchase(context.Background(), testScope(), testRequest())
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	gw.lookupErr = errors.New("lookup must not run for a settled transaction")
	if err := h.svc.ReconcileAmbiguous(context.Background(), res.Transaction.ID); err != nil {
		t.Fatalf("reconcile of a settled transaction should be a no-op, got %v", err)
	}
}

// --- Reads and scoping ---

func TestGetTransaction_ScopeFiltering(t *testing.T) {
	gw := &fakeGateway{chargeStatus: domain.ChargeApproved}
	h := newHarness(gw, &fakeProvisioner{})
	ctx := context.Background()

	res, err := h.svc.Purchase(ctx, testScope(), testRequest())
	if err != nil {
		t.Fatalf("Purchase failed: %v", err)
	}

	// Same router sees it.
	if _, err := h.svc.GetTransaction(ctx, testScope(), res.Transaction.ID); err != nil {
		t.Errorf("owning router should see the transaction: %v", err)
	}

	// Another router's key does not.
	other := testScope()
	other.RouterID = "rt-other"
	if _, err := h.svc.GetTransaction(ctx, other, res.Transaction.ID); !errors.Is(err, domain.ErrTransactionNotFound) {
		t.Errorf("foreign router should get not-found, got %v", err)
	}

	// A super admin session sees everything.
	admin := domain.Scope{Kind: domain.TokenSession, Role: domain.RoleSuperAdmin}
	if _, err := h.svc.GetTransaction(ctx, admin, res.Transaction.ID); err != nil {
		t.Errorf("super admin should see the transaction: %v", err)
	}
}

// --- Crash recovery: stalled transactions are re-driven or escalated ---

func seedStalled(t *testing.T, h *harness, state domain.State, mutate func(*domain.Transaction)) domain.Transaction {
	t.Helper()

	product := domain.Product{
		ID: 1, TenantID: "tn-1", RouterID: "rt-1",
		ProfileID: "pf-1", ProfileName: "1hr",
		Name: "1 Hour Pass", PriceCents: 5000, Currency: "MXN",
		CredentialStyle: domain.StyleUserPassword, ValidityHours: 1,
		Active: true,
	}
	tx := domain.NewTransaction("tx-stalled", "fp-stalled", testScope(), testRequest(), product)
	tx.State = state
	tx.PaymentReference = "ord_stalled"
	tx.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	if mutate != nil {
		mutate(&tx)
	}

	if _, err := h.repo.Reserve(context.Background(), tx); err != nil {
		t.Fatalf("seeding stalled transaction: %v", err)
	}
	return tx
}

func TestRecoverStalled_ChargedResumesProvisioning(t *testing.T) {
	gw := &fakeGateway{}
	prov := &fakeProvisioner{}
	h := newHarness(gw, prov)
	tx := seedStalled(t, h, domain.StateCharged, nil)

	if err := h.svc.RecoverStalled(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}

	got, _ := h.repo.GetTransaction(context.Background(), tx.ID)
	if got.State != domain.StateCompleted {
		t.Errorf("State = %q, want completed", got.State)
	}
	if got.Credential == nil {
		t.Error("credential should be provisioned by recovery")
	}
	if gw.chargeCalls.Load() != 0 {
		t.Error("recovery must never charge again")
	}
}

func TestRecoverStalled_ReservedAbortsAndReleases(t *testing.T) {
	h := newHarness(&fakeGateway{}, &fakeProvisioner{})
	tx := seedStalled(t, h, domain.StateReserved, nil)

	if err := h.svc.RecoverStalled(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}

	got, _ := h.repo.GetTransaction(context.Background(), tx.ID)
	if got.State != domain.StateAborted {
		t.Errorf("State = %q, want aborted", got.State)
	}
	if got.Fingerprint != "" {
		t.Error("fingerprint should be released so the request may retry")
	}
}

func TestRecoverStalled_ChargingParksForReconciliation(t *testing.T) {
	h := newHarness(&fakeGateway{}, &fakeProvisioner{})
	tx := seedStalled(t, h, domain.StateCharging, nil)

	if err := h.svc.RecoverStalled(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}

	got, _ := h.repo.GetTransaction(context.Background(), tx.ID)
	if got.State != domain.StateCharged {
		t.Errorf("State = %q, want charged", got.State)
	}
	if !got.PaymentPending {
		t.Error("an interrupted charge must be marked pending, not retried")
	}
	if len(h.publisher.reconciles) != 1 || h.publisher.reconciles[0] != tx.ID {
		t.Errorf("reconciles = %v, want [%s]", h.publisher.reconciles, tx.ID)
	}
}

func TestRecoverStalled_PendingReschedulesReconcile(t *testing.T) {
	prov := &fakeProvisioner{}
	h := newHarness(&fakeGateway{}, prov)
	tx := seedStalled(t, h, domain.StateCharged, func(tx *domain.Transaction) {
		tx.PaymentPending = true
	})

	if err := h.svc.RecoverStalled(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}

	if len(h.publisher.reconciles) != 1 || h.publisher.reconciles[0] != tx.ID {
		t.Errorf("reconciles = %v, want [%s]", h.publisher.reconciles, tx.ID)
	}
	if prov.createCalls.Load() != 0 {
		t.Error("no provisioning may happen on an unconfirmed charge")
	}
}

func TestRecoverStalled_ProvisioningEscalatesOnce(t *testing.T) {
	h := newHarness(&fakeGateway{}, &fakeProvisioner{})
	tx := seedStalled(t, h, domain.StateProvisioning, nil)
	ctx := context.Background()

	if err := h.svc.RecoverStalled(ctx, 5*time.Minute); err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}
	if err := h.svc.RecoverStalled(ctx, 5*time.Minute); err != nil {
		t.Fatalf("second sweep failed: %v", err)
	}

	if n := h.ledger.countEvent(tx.ID, domain.EventReviewEscalated); n != 1 {
		t.Errorf("escalation markers = %d, want 1 (no re-escalation per sweep)", n)
	}
}

func TestRecoverStalled_CompensatingGoesToReview(t *testing.T) {
	h := newHarness(&fakeGateway{}, &fakeProvisioner{})
	tx := seedStalled(t, h, domain.StateCompensating, nil)

	if err := h.svc.RecoverStalled(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}

	got, _ := h.repo.GetTransaction(context.Background(), tx.ID)
	if got.State != domain.StateCompensationFailed {
		t.Errorf("State = %q, want compensation_failed", got.State)
	}
	if len(h.publisher.escalations) != 1 || h.publisher.escalations[0] != tx.ID {
		t.Errorf("escalations = %v, want [%s]", h.publisher.escalations, tx.ID)
	}
}

func TestRecoverStalled_FreshRowsUntouched(t *testing.T) {
	prov := &fakeProvisioner{}
	h := newHarness(&fakeGateway{}, prov)
	tx := seedStalled(t, h, domain.StateCharged, func(tx *domain.Transaction) {
		tx.UpdatedAt = time.Now().UTC()
	})

	if err := h.svc.RecoverStalled(context.Background(), 5*time.Minute); err != nil {
		t.Fatalf("RecoverStalled failed: %v", err)
	}

	got, _ := h.repo.GetTransaction(context.Background(), tx.ID)
	if got.State != domain.StateCharged {
		t.Errorf("State = %q, want charged (a live saga is still driving it)", got.State)
	}
	if prov.createCalls.Load() != 0 {
		t.Error("recovery must not touch a recently updated transaction")
	}
}

func TestCatalogAndConfig(t *testing.T) {
	h := newHarness(&fakeGateway{}, &fakeProvisioner{})
	ctx := context.Background()

	products, err := h.svc.Catalog(ctx, testScope())
	if err != nil {
		t.Fatalf("Catalog failed: %v", err)
	}
	if len(products) != 1 {
		t.Errorf("got %d products, want 1", len(products))
	}

	cfg, err := h.svc.PublicConfig(ctx, testScope())
	if err != nil {
		t.Fatalf("PublicConfig failed: %v", err)
	}
	if cfg.GatewayPublicKey != "key_pub" {
		t.Errorf("GatewayPublicKey = %q, want %q", cfg.GatewayPublicKey, "key_pub")
	}
	if cfg.Currency != "MXN" {
		t.Errorf("Currency = %q, want %q", cfg.Currency, "MXN")
	}
}
