package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// NextDocumentNumber issues the next sequential document number for the
// prefix within the current month, e.g. SAL-202609-000042. The counter
// row is upserted inside the caller's transaction so numbers are gapless
// per committed document.
func NextDocumentNumber(ctx context.Context, tx pgx.Tx, prefix string, at time.Time) (string, error) {
	period := at.UTC().Format("200601")
	var value int64
	err := tx.QueryRow(ctx, `INSERT INTO document_counters (doc_type, period, value)
VALUES ($1, $2, 1)
ON CONFLICT (doc_type, period) DO UPDATE SET value = document_counters.value + 1
RETURNING value`, prefix, period).Scan(&value)
	if err != nil {
		return "", fmt.Errorf("next document number: %w", err)
	}
	return fmt.Sprintf("%s-%s-%06d", prefix, period, value), nil
}
