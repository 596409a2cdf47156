package repo

import (
	"context"
	"fmt"

	"server/internal/infra"
	"server/internal/sqlinline"
)

// LedgerRepository exposes the token-balance operations this pipeline
// consumes. The debit itself runs inside the admission statement; the refund
// and credit paths live here.
type LedgerRepository struct {
	sql infra.SQLExecutor
}

// NewLedgerRepository creates a ledger repository backed by PostgreSQL.
func NewLedgerRepository(sql infra.SQLExecutor) *LedgerRepository {
	return &LedgerRepository{sql: sql}
}

// Balance returns a user's current token balance, or 0 when no account row
// exists yet.
func (r *LedgerRepository) Balance(ctx context.Context, userID string) (int, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QGetTokenBalance, userID)
	var balance int
	if err := row.Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("get token balance: %w", err)
	}
	return balance, nil
}

// Refund credits a previously debited charge back to the user.
func (r *LedgerRepository) Refund(ctx context.Context, userID string, amount int) (int, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QRefundTokens, userID, amount)
	var balance int
	if err := row.Scan(&balance); err != nil {
		return 0, fmt.Errorf("refund tokens: %w", err)
	}
	return balance, nil
}

// Credit tops up an account, creating it if absent. Used by the admin CLI.
func (r *LedgerRepository) Credit(ctx context.Context, userID string, amount int) (int, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QCreditTokens, userID, amount)
	var balance int
	if err := row.Scan(&balance); err != nil {
		return 0, fmt.Errorf("credit tokens: %w", err)
	}
	return balance, nil
}
