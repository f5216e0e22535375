package river

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

// Compile-time check: Publisher implements domain.SagaPublisher.
var _ domain.SagaPublisher = (*Publisher)(nil)

// ReconcileArgs asks the worker to resolve an ambiguous charge against the
// payment processor. Only the transaction id travels; the worker reloads the
// record so it always acts on current state.
type ReconcileArgs struct {
	TransactionID string `json:"transaction_id"`
}

// Kind returns the unique job type identifier used by River's job routing.
func (ReconcileArgs) Kind() string { return "payment.reconcile" }

// InsertOpts retries a reconciliation that errors, then gives up to the
// review path rather than looping forever.
func (ReconcileArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

// ReviewArgs surfaces a transaction that needs an operator's eyes.
type ReviewArgs struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

func (ReviewArgs) Kind() string { return "transaction.review" }

// RecoverArgs triggers a sweep for transactions stranded in non-terminal
// states by a crash. Carries no payload; the sweep reads everything it needs.
type RecoverArgs struct{}

func (RecoverArgs) Kind() string { return "transaction.recover" }

// InsertOpts deduplicates the periodic sweep so overlapping schedules insert
// one job at a time.
func (RecoverArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// Client is the River client type parameterized for SQLite (*sql.Tx).
type Client = river.Client[*sql.Tx]

// defaultReconcileDelay gives the processor time to settle an order before
// the first lookup.
const defaultReconcileDelay = 30 * time.Second

// Publisher implements domain.SagaPublisher by enqueuing River jobs.
type Publisher struct {
	client *Client
	delay  time.Duration
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithReconcileDelay overrides how long reconciliation waits before the first
// processor lookup.
func WithReconcileDelay(d time.Duration) PublisherOption {
	return func(p *Publisher) { p.delay = d }
}

// NewPublisher creates a publisher backed by the given River client.
func NewPublisher(client *Client, opts ...PublisherOption) *Publisher {
	p := &Publisher{client: client, delay: defaultReconcileDelay}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ScheduleReconciliation enqueues a delayed lookup of an ambiguous charge.
func (p *Publisher) ScheduleReconciliation(ctx context.Context, txID string) error {
	_, err := p.client.Insert(ctx, ReconcileArgs{TransactionID: txID}, &river.InsertOpts{
		ScheduledAt: time.Now().Add(p.delay),
	})
	if err != nil {
		return fmt.Errorf("enqueuing reconcile job: %w", err)
	}
	return nil
}

// EscalateReview enqueues an operator-review job for a transaction the saga
// could not settle on its own.
func (p *Publisher) EscalateReview(ctx context.Context, txID, reason string) error {
	_, err := p.client.Insert(ctx, ReviewArgs{TransactionID: txID, Reason: reason}, nil)
	if err != nil {
		return fmt.Errorf("enqueuing review job: %w", err)
	}
	return nil
}
