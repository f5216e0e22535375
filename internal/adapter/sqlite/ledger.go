package sqlite

import (
	"context"
	"fmt"

	"github.com/neomorfeo/ticketgate/internal/domain"
)

// Append writes one audit record. The ledger is insert-only; there is no
// update or delete path.
func (s *Store) Append(ctx context.Context, e domain.LedgerEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transaction_ledger (transaction_id, event, from_state, to_state, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.TransactionID, string(e.Event), string(e.From), string(e.To), e.Detail, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting ledger entry: %w", err)
	}
	return nil
}

func (s *Store) ListByTransaction(ctx context.Context, txID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transaction_id, event, from_state, to_state, detail, created_at
		 FROM transaction_ledger WHERE transaction_id = ? ORDER BY id ASC`, txID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var event, from, to, createdAt string

		if err := rows.Scan(&e.ID, &e.TransactionID, &event, &from, &to, &e.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}

		e.Event = domain.Event(event)
		e.From = domain.State(from)
		e.To = domain.State(to)
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
