package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/neomorfeo/ticketgate/internal/adapter/jwtauth"
	"github.com/neomorfeo/ticketgate/internal/app"
	"github.com/neomorfeo/ticketgate/internal/domain"
)

const timeFormat = "2006-01-02T15:04:05Z"

// CredentialResponse is the network access grant delivered to the customer.
type CredentialResponse struct {
	Username  string `json:"username" doc:"Hotspot login name"`
	Password  string `json:"password" doc:"Hotspot password"`
	Profile   string `json:"profile" doc:"Access profile on the device"`
	ExpiresAt string `json:"expires_at" doc:"Credential expiry (ISO 8601)"`
}

// AutoConnectResponse reports the optional MAC-binding sub-step.
type AutoConnectResponse struct {
	Attempted bool   `json:"attempted" doc:"Whether auto-connect was attempted"`
	Bound     bool   `json:"bound" doc:"Whether the credential was pinned to the MAC"`
	Connected bool   `json:"connected" doc:"Whether a session was opened server-side"`
	Message   string `json:"message,omitempty" doc:"Detail when not connected"`
}

// TransactionResponse is the API representation of a purchase transaction.
type TransactionResponse struct {
	ID               string               `json:"id" doc:"Transaction identifier"`
	State            string               `json:"state" doc:"Saga state"`
	ProductID        int64                `json:"product_id" doc:"Purchased product"`
	AmountCents      int64                `json:"amount_cents" doc:"Charged amount in cents"`
	Currency         string               `json:"currency" doc:"Charge currency"`
	PaymentReference string               `json:"payment_reference,omitempty" doc:"Processor order reference"`
	PaymentPending   bool                 `json:"payment_pending,omitempty" doc:"Charge awaiting reconciliation"`
	FailureReason    string               `json:"failure_reason,omitempty" doc:"Why the purchase did not complete"`
	Credential       *CredentialResponse  `json:"credential,omitempty" doc:"Issued credential, present once completed"`
	AutoConnect      *AutoConnectResponse `json:"auto_connect,omitempty" doc:"Auto-connect outcome"`
	Duplicate        bool                 `json:"duplicate,omitempty" doc:"Served from a prior identical request"`
	CreatedAt        string               `json:"created_at" doc:"Creation timestamp (ISO 8601)"`
	UpdatedAt        string               `json:"updated_at" doc:"Last update timestamp (ISO 8601)"`
}

func toTransactionResponse(tx domain.Transaction) TransactionResponse {
	resp := TransactionResponse{
		ID:               tx.ID,
		State:            string(tx.State),
		ProductID:        tx.ProductID,
		AmountCents:      tx.AmountCents,
		Currency:         tx.Currency,
		PaymentReference: tx.PaymentReference,
		PaymentPending:   tx.PaymentPending,
		FailureReason:    tx.FailureReason,
		CreatedAt:        tx.CreatedAt.Format(timeFormat),
		UpdatedAt:        tx.UpdatedAt.Format(timeFormat),
	}
	if tx.Credential != nil {
		resp.Credential = toCredentialResponse(tx.Credential)
	}
	return resp
}

func toCredentialResponse(c *domain.Credential) *CredentialResponse {
	return &CredentialResponse{
		Username:  c.Username,
		Password:  c.Password,
		Profile:   c.Profile,
		ExpiresAt: c.ExpiresAt.Format(timeFormat),
	}
}

// ProductResponse is the catalog entry shown on the portal.
type ProductResponse struct {
	ID            int64  `json:"id" doc:"Product identifier"`
	Name          string `json:"name" doc:"Display name"`
	Description   string `json:"description,omitempty" doc:"Display description"`
	PriceCents    int64  `json:"price_cents" doc:"Price in cents"`
	Currency      string `json:"currency" doc:"Price currency"`
	ValidityHours int    `json:"validity_hours" doc:"Access duration once connected"`
	DisplayOrder  int    `json:"display_order" doc:"Portal sort order"`
	Featured      bool   `json:"featured,omitempty" doc:"Highlighted on the portal"`
}

// --- Purchase ---

type PurchaseInput struct {
	Authorization string `header:"Authorization" doc:"Bearer credential"`
	Body          struct {
		ProductID      int64  `json:"product_id" minimum:"1" doc:"Catalog product to buy"`
		CardToken      string `json:"card_token" minLength:"1" doc:"Tokenized card from the processor's JS"`
		CustomerName   string `json:"customer_name" minLength:"1" maxLength:"255" doc:"Cardholder name"`
		CustomerEmail  string `json:"customer_email" format:"email" doc:"Receipt email"`
		MACAddress     string `json:"mac_address,omitempty" doc:"Device hardware address for auto-connect"`
		AutoConnect    bool   `json:"auto_connect,omitempty" doc:"Bind and log the device in automatically"`
		IdempotencyKey string `json:"idempotency_key,omitempty" doc:"Explicit dedupe key, overrides the derived fingerprint"`
	}
}

type PurchaseOutput struct {
	Body TransactionResponse
}

// --- Get transaction ---

type GetTransactionInput struct {
	Authorization string `header:"Authorization" doc:"Bearer credential"`
	ID            string `path:"id" doc:"Transaction ID"`
}

type GetTransactionOutput struct {
	Body TransactionResponse
}

// --- Ledger ---

type LedgerEntryResponse struct {
	Event     string `json:"event" doc:"Saga event"`
	From      string `json:"from" doc:"State before"`
	To        string `json:"to" doc:"State after"`
	Detail    string `json:"detail,omitempty" doc:"Event detail"`
	CreatedAt string `json:"created_at" doc:"Timestamp (ISO 8601)"`
}

type GetLedgerInput struct {
	Authorization string `header:"Authorization" doc:"Bearer credential"`
	ID            string `path:"id" doc:"Transaction ID"`
}

type GetLedgerOutput struct {
	Body []LedgerEntryResponse
}

// --- Catalog ---

type CatalogInput struct {
	Authorization string `header:"Authorization" doc:"Bearer credential"`
}

type CatalogOutput struct {
	Body []ProductResponse
}

// --- Portal config ---

type ConfigInput struct {
	Authorization string `header:"Authorization" doc:"Bearer credential"`
}

type ConfigOutput struct {
	Body struct {
		GatewayPublicKey string `json:"gateway_public_key" doc:"Publishable processor key for client-side tokenization"`
		GatewayMode      string `json:"gateway_mode" doc:"Processor mode (test or live)"`
		Currency         string `json:"currency" doc:"Portal currency"`
	}
}

// --- Login ---

type LoginInput struct {
	Body struct {
		Email    string `json:"email" format:"email" doc:"Admin email"`
		Password string `json:"password" minLength:"1" doc:"Admin password"`
	}
}

type LoginOutput struct {
	Body struct {
		Token    string `json:"token" doc:"Session bearer token"`
		Role     string `json:"role" doc:"Admin role"`
		TenantID string `json:"tenant_id,omitempty" doc:"Admin's tenant, empty for super admins"`
	}
}

// --- Review queue ---

type ReviewQueueInput struct {
	Authorization string `header:"Authorization" doc:"Bearer credential"`
	Limit         int    `query:"limit" required:"false" default:"50" doc:"Max results"`
}

type ReviewQueueOutput struct {
	Body []TransactionResponse
}

// Handler owns the HTTP surface: token resolution, capability checks, and
// translation between wire shapes and the purchase service.
type Handler struct {
	svc  *app.PurchaseService
	gate *jwtauth.Gate
}

// Register adds all portal API routes to the Huma API.
func Register(api huma.API, svc *app.PurchaseService, gate *jwtauth.Gate) {
	h := &Handler{svc: svc, gate: gate}

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/api/v1/auth/login",
		Summary:     "Obtain an admin session token",
		Tags:        []string{"Auth"},
	}, h.login)

	huma.Register(api, huma.Operation{
		OperationID: "create-purchase",
		Method:      http.MethodPost,
		Path:        "/api/v1/purchases",
		Summary:     "Buy a ticket: charge the card and provision the credential",
		Tags:        []string{"Purchases"},
	}, h.purchase)

	huma.Register(api, huma.Operation{
		OperationID: "get-purchase",
		Method:      http.MethodGet,
		Path:        "/api/v1/purchases/{id}",
		Summary:     "Get a purchase transaction",
		Tags:        []string{"Purchases"},
	}, h.getTransaction)

	huma.Register(api, huma.Operation{
		OperationID: "get-purchase-ledger",
		Method:      http.MethodGet,
		Path:        "/api/v1/purchases/{id}/ledger",
		Summary:     "Get the audit trail of a transaction",
		Tags:        []string{"Purchases"},
	}, h.getLedger)

	huma.Register(api, huma.Operation{
		OperationID: "get-catalog",
		Method:      http.MethodGet,
		Path:        "/api/v1/catalog",
		Summary:     "List products for the caller's router",
		Tags:        []string{"Catalog"},
	}, h.catalog)

	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/api/v1/config",
		Summary:     "Get the portal's processor configuration",
		Tags:        []string{"Catalog"},
	}, h.config)

	huma.Register(api, huma.Operation{
		OperationID: "get-review-queue",
		Method:      http.MethodGet,
		Path:        "/api/v1/admin/review",
		Summary:     "List transactions needing operator attention",
		Tags:        []string{"Admin"},
	}, h.reviewQueue)
}

// resolve authenticates the bearer credential and checks the capability.
func (h *Handler) resolve(ctx context.Context, authorization string, cap domain.Capability) (domain.Scope, error) {
	token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if token == "" {
		return domain.Scope{}, huma.Error401Unauthorized("missing bearer credential")
	}

	scope, err := h.gate.Resolve(ctx, token)
	if err != nil {
		return domain.Scope{}, toHumaError(err)
	}
	if !scope.Allows(cap) {
		return domain.Scope{}, toHumaError(&domain.ForbiddenError{Capability: cap})
	}
	return scope, nil
}

func (h *Handler) login(ctx context.Context, input *LoginInput) (*LoginOutput, error) {
	token, admin, err := h.gate.Login(ctx, input.Body.Email, input.Body.Password)
	if err != nil {
		return nil, toHumaError(err)
	}

	out := &LoginOutput{}
	out.Body.Token = token
	out.Body.Role = string(admin.Role)
	out.Body.TenantID = admin.TenantID
	return out, nil
}

func (h *Handler) purchase(ctx context.Context, input *PurchaseInput) (*PurchaseOutput, error) {
	scope, err := h.resolve(ctx, input.Authorization, domain.CapPurchase)
	if err != nil {
		return nil, err
	}

	result, err := h.svc.Purchase(ctx, scope, domain.PurchaseRequest{
		ProductID:      input.Body.ProductID,
		CardToken:      input.Body.CardToken,
		CustomerName:   input.Body.CustomerName,
		CustomerEmail:  input.Body.CustomerEmail,
		MACAddress:     input.Body.MACAddress,
		AutoConnect:    input.Body.AutoConnect,
		IdempotencyKey: input.Body.IdempotencyKey,
	})
	if err != nil {
		return nil, toHumaError(err)
	}

	resp := toTransactionResponse(result.Transaction)
	resp.Duplicate = result.Duplicate
	if result.Credential != nil {
		resp.Credential = toCredentialResponse(result.Credential)
	}
	resp.AutoConnect = &AutoConnectResponse{
		Attempted: result.AutoConnect.Attempted,
		Bound:     result.AutoConnect.Bound,
		Connected: result.AutoConnect.Connected,
		Message:   result.AutoConnect.Message,
	}
	return &PurchaseOutput{Body: resp}, nil
}

func (h *Handler) getTransaction(ctx context.Context, input *GetTransactionInput) (*GetTransactionOutput, error) {
	scope, err := h.resolveReader(ctx, input.Authorization)
	if err != nil {
		return nil, err
	}

	tx, err := h.svc.GetTransaction(ctx, scope, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}
	return &GetTransactionOutput{Body: toTransactionResponse(tx)}, nil
}

// resolveReader admits both purchasers (polling their own transaction) and
// admins (inspecting any in their tenant).
func (h *Handler) resolveReader(ctx context.Context, authorization string) (domain.Scope, error) {
	scope, err := h.resolve(ctx, authorization, domain.CapPurchase)
	if err == nil {
		return scope, nil
	}
	return h.resolve(ctx, authorization, domain.CapReview)
}

func (h *Handler) getLedger(ctx context.Context, input *GetLedgerInput) (*GetLedgerOutput, error) {
	scope, err := h.resolve(ctx, input.Authorization, domain.CapReview)
	if err != nil {
		return nil, err
	}

	entries, err := h.svc.Ledger(ctx, scope, input.ID)
	if err != nil {
		return nil, toHumaError(err)
	}

	resp := make([]LedgerEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = LedgerEntryResponse{
			Event:     string(e.Event),
			From:      string(e.From),
			To:        string(e.To),
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt.Format(timeFormat),
		}
	}
	return &GetLedgerOutput{Body: resp}, nil
}

func (h *Handler) catalog(ctx context.Context, input *CatalogInput) (*CatalogOutput, error) {
	scope, err := h.resolve(ctx, input.Authorization, domain.CapCatalogRead)
	if err != nil {
		return nil, err
	}

	products, err := h.svc.Catalog(ctx, scope)
	if err != nil {
		return nil, toHumaError(err)
	}

	resp := make([]ProductResponse, len(products))
	for i, p := range products {
		resp[i] = ProductResponse{
			ID:            p.ID,
			Name:          p.Name,
			Description:   p.Description,
			PriceCents:    p.PriceCents,
			Currency:      p.Currency,
			ValidityHours: p.ValidityHours,
			DisplayOrder:  p.DisplayOrder,
			Featured:      p.Featured,
		}
	}
	return &CatalogOutput{Body: resp}, nil
}

func (h *Handler) config(ctx context.Context, input *ConfigInput) (*ConfigOutput, error) {
	scope, err := h.resolve(ctx, input.Authorization, domain.CapConfigRead)
	if err != nil {
		return nil, err
	}

	cfg, err := h.svc.PublicConfig(ctx, scope)
	if err != nil {
		return nil, toHumaError(err)
	}

	out := &ConfigOutput{}
	out.Body.GatewayPublicKey = cfg.GatewayPublicKey
	out.Body.GatewayMode = cfg.GatewayMode
	out.Body.Currency = cfg.Currency
	return out, nil
}

func (h *Handler) reviewQueue(ctx context.Context, input *ReviewQueueInput) (*ReviewQueueOutput, error) {
	scope, err := h.resolve(ctx, input.Authorization, domain.CapReview)
	if err != nil {
		return nil, err
	}

	txs, err := h.svc.ReviewQueue(ctx, scope, input.Limit)
	if err != nil {
		return nil, toHumaError(err)
	}

	resp := make([]TransactionResponse, len(txs))
	for i, tx := range txs {
		resp[i] = toTransactionResponse(tx)
	}
	return &ReviewQueueOutput{Body: resp}, nil
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	var authErr *domain.AuthError
	if errors.As(err, &authErr) {
		return huma.Error401Unauthorized(authErr.Error())
	}

	var forbiddenErr *domain.ForbiddenError
	if errors.As(err, &forbiddenErr) {
		return huma.Error403Forbidden(forbiddenErr.Error())
	}

	switch {
	case errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrTransactionNotFound),
		errors.Is(err, domain.ErrRouterNotFound),
		errors.Is(err, domain.ErrTenantNotFound):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return huma.Error502BadGateway("payment gateway unavailable, please retry")
	}

	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		return huma.Error422UnprocessableEntity(validationErr.Error())
	}

	var declinedErr *domain.PaymentDeclinedError
	if errors.As(err, &declinedErr) {
		return huma.NewError(http.StatusPaymentRequired, declinedErr.Error())
	}

	var inFlightErr *domain.InFlightError
	if errors.As(err, &inFlightErr) {
		return huma.Error409Conflict(inFlightErr.Error())
	}

	var pendingErr *domain.PaymentPendingError
	if errors.As(err, &pendingErr) {
		return huma.Error502BadGateway(pendingErr.Error())
	}

	var provErr *domain.ProvisioningFailedError
	if errors.As(err, &provErr) {
		return huma.Error502BadGateway(provErr.Error())
	}

	var compErr *domain.CompensationFailedError
	if errors.As(err, &compErr) {
		return huma.Error500InternalServerError(compErr.Error())
	}

	return huma.Error500InternalServerError("internal server error")
}
