package river

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"
)

// Saga is the slice of the purchase service the workers drive. Defined here
// so the queue adapter does not import the application package.
type Saga interface {
	ReconcileAmbiguous(ctx context.Context, txID string) error
	MarkEscalated(ctx context.Context, txID, reason string) error
	RecoverStalled(ctx context.Context, olderThan time.Duration) error
}

// ReconcileWorker resolves parked ambiguous charges. A returned error makes
// River retry with backoff; when the attempts run out the transaction is
// escalated for manual review instead of being dropped.
type ReconcileWorker struct {
	river.WorkerDefaults[ReconcileArgs]
	saga Saga
}

func NewReconcileWorker(saga Saga) *ReconcileWorker {
	return &ReconcileWorker{saga: saga}
}

func (w *ReconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileArgs]) error {
	err := w.saga.ReconcileAmbiguous(ctx, job.Args.TransactionID)
	if err == nil {
		return nil
	}

	if job.Attempt >= job.MaxAttempts {
		slog.ErrorContext(ctx, "reconciliation attempts exhausted, escalating",
			"transaction_id", job.Args.TransactionID,
			"attempt", job.Attempt,
			"error", err,
		)
		return w.saga.MarkEscalated(ctx, job.Args.TransactionID, "reconciliation exhausted: "+err.Error())
	}

	slog.WarnContext(ctx, "reconciliation attempt failed",
		"transaction_id", job.Args.TransactionID,
		"attempt", job.Attempt,
		"error", err,
	)
	return err
}

// ReviewWorker durably records escalations raised by the saga.
type ReviewWorker struct {
	river.WorkerDefaults[ReviewArgs]
	saga Saga
}

func NewReviewWorker(saga Saga) *ReviewWorker {
	return &ReviewWorker{saga: saga}
}

func (w *ReviewWorker) Work(ctx context.Context, job *river.Job[ReviewArgs]) error {
	return w.saga.MarkEscalated(ctx, job.Args.TransactionID, job.Args.Reason)
}

// stalledThreshold is how long a non-terminal transaction may sit untouched
// before the sweep considers it stranded. Generous next to the request
// timeouts so a slow but live saga is never recovered out from under itself.
const stalledThreshold = 5 * time.Minute

// recoverInterval is the cadence of the periodic sweep.
const recoverInterval = 5 * time.Minute

// RecoverWorker sweeps for transactions stranded by a crash and re-drives or
// escalates them. Scheduled periodically and on startup.
type RecoverWorker struct {
	river.WorkerDefaults[RecoverArgs]
	saga Saga
}

func NewRecoverWorker(saga Saga) *RecoverWorker {
	return &RecoverWorker{saga: saga}
}

func (w *RecoverWorker) Work(ctx context.Context, job *river.Job[RecoverArgs]) error {
	return w.saga.RecoverStalled(ctx, stalledThreshold)
}
