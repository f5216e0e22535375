package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

const tracerName = "github.com/neomorfeo/ticketgate/internal/adapter/otel"

var (
	_ domain.PaymentGateway    = (*TracedGateway)(nil)
	_ domain.DeviceProvisioner = (*TracedProvisioner)(nil)
)

// TracedGateway wraps a PaymentGateway so every processor call becomes a span.
// Charge outcomes are recorded as attributes; an Ambiguous outcome is not an
// error at the span level, it is a normal saga branch.
type TracedGateway struct {
	inner  domain.PaymentGateway
	tracer trace.Tracer
}

func TraceGateway(inner domain.PaymentGateway) *TracedGateway {
	return &TracedGateway{inner: inner, tracer: otel.Tracer(tracerName)}
}

func (g *TracedGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Charge", trace.WithAttributes(
		attribute.Int64("payment.amount_cents", req.AmountCents),
		attribute.String("payment.currency", req.Currency),
	))
	defer span.End()

	res, err := g.inner.Charge(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("payment.status", string(res.Status)))
	return res, nil
}

func (g *TracedGateway) Refund(ctx context.Context, account domain.GatewayAccount, reference string) (domain.RefundResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.Refund", trace.WithAttributes(
		attribute.String("payment.reference", reference),
	))
	defer span.End()

	res, err := g.inner.Refund(ctx, account, reference)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("payment.refund_status", string(res.Status)))
	return res, nil
}

func (g *TracedGateway) LookupOrder(ctx context.Context, account domain.GatewayAccount, idempotencyKey string) (domain.LookupResult, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.LookupOrder")
	defer span.End()

	res, err := g.inner.LookupOrder(ctx, account, idempotencyKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(attribute.String("payment.lookup_status", string(res.Status)))
	return res, nil
}

// TracedProvisioner wraps a DeviceProvisioner so device calls become spans.
type TracedProvisioner struct {
	inner  domain.DeviceProvisioner
	tracer trace.Tracer
}

func TraceProvisioner(inner domain.DeviceProvisioner) *TracedProvisioner {
	return &TracedProvisioner{inner: inner, tracer: otel.Tracer(tracerName)}
}

func (p *TracedProvisioner) TestConnectivity(ctx context.Context, router domain.Router) error {
	ctx, span := p.tracer.Start(ctx, "device.TestConnectivity", trace.WithAttributes(
		attribute.String("router.id", router.ID),
	))
	defer span.End()

	if err := p.inner.TestConnectivity(ctx, router); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *TracedProvisioner) CreateCredential(ctx context.Context, router domain.Router, spec domain.CredentialSpec) (domain.Credential, error) {
	ctx, span := p.tracer.Start(ctx, "device.CreateCredential", trace.WithAttributes(
		attribute.String("router.id", router.ID),
		attribute.String("credential.profile", spec.Profile),
	))
	defer span.End()

	cred, err := p.inner.CreateCredential(ctx, router, spec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cred, err
	}
	return cred, nil
}

func (p *TracedProvisioner) BindAndAutoConnect(ctx context.Context, router domain.Router, mac string, cred domain.Credential) (domain.AutoConnectResult, error) {
	ctx, span := p.tracer.Start(ctx, "device.BindAndAutoConnect", trace.WithAttributes(
		attribute.String("router.id", router.ID),
	))
	defer span.End()

	res, err := p.inner.BindAndAutoConnect(ctx, router, mac, cred)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Bool("autoconnect.bound", res.Bound),
		attribute.Bool("autoconnect.connected", res.Connected),
	)
	return res, nil
}
