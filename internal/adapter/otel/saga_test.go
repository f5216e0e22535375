package otel_test

import (
	"context"
	"errors"
	"testing"

	adapter "github.com/neomorfeo/ticketgate/internal/adapter/otel"
	"github.com/neomorfeo/ticketgate/internal/domain"
)

type stubGateway struct {
	chargeErr error
	charges   int
}

func (g *stubGateway) Charge(_ context.Context, _ domain.ChargeRequest) (domain.ChargeResult, error) {
	g.charges++
	if g.chargeErr != nil {
		return domain.ChargeResult{}, g.chargeErr
	}
	return domain.ChargeResult{Reference: "ord_1", Status: domain.ChargeApproved}, nil
}

func (g *stubGateway) Refund(_ context.Context, _ domain.GatewayAccount, _ string) (domain.RefundResult, error) {
	return domain.RefundResult{Status: domain.RefundDone}, nil
}

func (g *stubGateway) LookupOrder(_ context.Context, _ domain.GatewayAccount, _ string) (domain.LookupResult, error) {
	return domain.LookupResult{Status: domain.LookupPaid}, nil
}

type stubProvisioner struct{}

func (p *stubProvisioner) TestConnectivity(_ context.Context, _ domain.Router) error { return nil }

func (p *stubProvisioner) CreateCredential(_ context.Context, _ domain.Router, spec domain.CredentialSpec) (domain.Credential, error) {
	return domain.Credential{Username: spec.Username}, nil
}

func (p *stubProvisioner) BindAndAutoConnect(_ context.Context, _ domain.Router, _ string, _ domain.Credential) (domain.AutoConnectResult, error) {
	return domain.AutoConnectResult{Attempted: true, Bound: true}, nil
}

func TestTracedGateway_PassesThrough(t *testing.T) {
	inner := &stubGateway{}
	gw := adapter.TraceGateway(inner)

	res, err := gw.Charge(context.Background(), domain.ChargeRequest{AmountCents: 5000, Currency: "MXN"})
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if res.Status != domain.ChargeApproved {
		t.Errorf("Status = %q, want %q", res.Status, domain.ChargeApproved)
	}
	if inner.charges != 1 {
		t.Errorf("inner charges = %d, want 1", inner.charges)
	}

	refund, err := gw.Refund(context.Background(), domain.GatewayAccount{}, "ord_1")
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if refund.Status != domain.RefundDone {
		t.Errorf("refund Status = %q, want %q", refund.Status, domain.RefundDone)
	}

	lookup, err := gw.LookupOrder(context.Background(), domain.GatewayAccount{}, "fp-1")
	if err != nil {
		t.Fatalf("LookupOrder failed: %v", err)
	}
	if lookup.Status != domain.LookupPaid {
		t.Errorf("lookup Status = %q, want %q", lookup.Status, domain.LookupPaid)
	}
}

func TestTracedGateway_PropagatesError(t *testing.T) {
	wantErr := errors.New("connection refused")
	gw := adapter.TraceGateway(&stubGateway{chargeErr: wantErr})

	_, err := gw.Charge(context.Background(), domain.ChargeRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Charge error = %v, want %v", err, wantErr)
	}
}

func TestTracedProvisioner_PassesThrough(t *testing.T) {
	p := adapter.TraceProvisioner(&stubProvisioner{})
	ctx := context.Background()
	router := domain.Router{ID: "rt-1"}

	if err := p.TestConnectivity(ctx, router); err != nil {
		t.Fatalf("TestConnectivity failed: %v", err)
	}

	cred, err := p.CreateCredential(ctx, router, domain.CredentialSpec{Username: "abc123"})
	if err != nil {
		t.Fatalf("CreateCredential failed: %v", err)
	}
	if cred.Username != "abc123" {
		t.Errorf("Username = %q, want %q", cred.Username, "abc123")
	}

	res, err := p.BindAndAutoConnect(ctx, router, "aa:bb:cc:dd:ee:ff", cred)
	if err != nil {
		t.Fatalf("BindAndAutoConnect failed: %v", err)
	}
	if !res.Bound {
		t.Error("Bound should be true")
	}
}
