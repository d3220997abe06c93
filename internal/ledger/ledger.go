// Package ledger is the single path through which a user's credit balance
// changes. Balance and transaction log move in one database transaction, so
// they cannot diverge.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/docupack/docupack/internal/model"
)

// ErrInsufficientFunds is returned when a charge would take the balance
// below zero. Callers decide policy; the ledger never partially applies.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Ledger owns the users.balance column and the transactions table.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New constructs a Ledger.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Ledger {
	return &Ledger{pool: pool, logger: logger}
}

// ChargeUsage atomically decrements the balance by amount and records a
// usage transaction referencing the job that caused it. Returns the
// resulting balance, or ErrInsufficientFunds with no partial effect.
func (l *Ledger) ChargeUsage(ctx context.Context, userID string, amount int64, jobID string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("charge amount must be positive, got %d", amount)
	}
	var balance int64
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE users SET balance = balance - $2, updated_at=$3
			WHERE id=$1 AND balance >= $2
			RETURNING balance
		`, userID, amount, time.Now().UTC())
		if err := row.Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInsufficientFunds
			}
			return fmt.Errorf("decrement balance: %w", err)
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO transactions (id, user_id, type, delta, status, description, reference, created_at)
			VALUES ($1,$2,$3,$4,'completed',$5,$6,$7)
		`, uuid.NewString(), userID, model.TxUsage, -amount,
			fmt.Sprintf("page extraction (%d credit)", amount), jobID, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("insert usage transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	l.logger.Info("charged usage",
		zap.String("user", userID), zap.Int64("amount", amount),
		zap.String("job", jobID), zap.Int64("balance", balance))
	return balance, nil
}

// Credit increments the balance for purchases, refunds and admin
// adjustments, with the same atomicity guarantee as ChargeUsage.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, txType model.TransactionType, reference string) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	var balance int64
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		now := time.Now().UTC()
		row := tx.QueryRow(ctx, `
			INSERT INTO users (id, balance, created_at, updated_at)
			VALUES ($1,$2,$3,$3)
			ON CONFLICT (id) DO UPDATE SET balance = users.balance + $2, updated_at=$3
			RETURNING balance
		`, userID, amount, now)
		if err := row.Scan(&balance); err != nil {
			return fmt.Errorf("increment balance: %w", err)
		}
		var ref *string
		if reference != "" {
			ref = &reference
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO transactions (id, user_id, type, delta, status, description, reference, created_at)
			VALUES ($1,$2,$3,$4,'completed',$5,$6,$7)
		`, uuid.NewString(), userID, txType, amount, string(txType), ref, now)
		if err != nil {
			return fmt.Errorf("insert credit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Balance returns the current balance; a user with no row has zero credits.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM users WHERE id=$1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

// Mismatch reports one user whose stored balance disagrees with the
// transaction log.
type Mismatch struct {
	UserID  string
	Balance int64
	Sum     int64
}

// Reconcile verifies sum(transactions.delta) == balance for every user.
// A non-empty result indicates out-of-band balance mutation and is an
// operator-facing defect, never exposed to end users.
func (l *Ledger) Reconcile(ctx context.Context) ([]Mismatch, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT u.id, u.balance, COALESCE(SUM(t.delta), 0) AS tx_sum
		FROM users u
		LEFT JOIN transactions t ON t.user_id = u.id
		GROUP BY u.id, u.balance
		HAVING u.balance <> COALESCE(SUM(t.delta), 0)
	`)
	if err != nil {
		return nil, fmt.Errorf("reconcile query: %w", err)
	}
	defer rows.Close()
	var out []Mismatch
	for rows.Next() {
		var m Mismatch
		if err := rows.Scan(&m.UserID, &m.Balance, &m.Sum); err != nil {
			return nil, fmt.Errorf("scan mismatch: %w", err)
		}
		l.logger.Error("ledger mismatch",
			zap.String("user", m.UserID), zap.Int64("balance", m.Balance), zap.Int64("txSum", m.Sum))
		out = append(out, m)
	}
	return out, rows.Err()
}
