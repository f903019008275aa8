package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"promo-engine/internal/models"
)

const recordColumns = `id, code_id, code, user_id, scope, amount_before_discount, discount_applied,
	final_amount, idempotency_key, redeemed_at`

func scanRecord(row rowScanner) (*models.RedemptionRecord, error) {
	r := &models.RedemptionRecord{}
	if err := row.Scan(
		&r.ID, &r.CodeID, &r.Code, &r.UserID, &r.Scope, &r.AmountBeforeDiscount, &r.DiscountApplied,
		&r.FinalAmount, &r.IdempotencyKey, &r.RedeemedAt,
	); err != nil {
		return nil, err
	}
	return r, nil
}

// WithCodeLock блокирует строку промокода (SELECT ... FOR UPDATE) на время fn.
// Блокировка сериализует проверку лимита пользователя и общей квоты.
func (s *PostgresStore) WithCodeLock(ctx context.Context, code string, fn func(tx LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	locked, err := scanCode(tx.QueryRowContext(ctx,
		`SELECT `+codeColumns+` FROM discount_codes WHERE code = $1 FOR UPDATE`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCodeNotFound
		}
		return fmt.Errorf("failed to lock discount code: %w", err)
	}

	if err := fn(&pgLedgerTx{tx: tx, code: locked}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit redemption: %w", err)
	}
	committed = true
	return nil
}

type pgLedgerTx struct {
	tx   *sql.Tx
	code *models.DiscountCode
}

func (t *pgLedgerTx) Code() *models.DiscountCode {
	return t.code
}

func (t *pgLedgerTx) CountUserRedemptions(ctx context.Context, userID string) (int, error) {
	var count int
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM redemption_records WHERE code_id = $1 AND user_id = $2`,
		t.code.ID, userID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count user redemptions: %w", err)
	}
	return count, nil
}

func (t *pgLedgerTx) FindByIdempotencyKey(ctx context.Context, userID, key string) (*models.RedemptionRecord, error) {
	rec, err := scanRecord(t.tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM redemption_records
		WHERE code_id = $1 AND user_id = $2 AND idempotency_key = $3`,
		t.code.ID, userID, key,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find redemption by idempotency key: %w", err)
	}
	return rec, nil
}

func (t *pgLedgerTx) IncrementUsage(ctx context.Context, at time.Time) (int, error) {
	var used int
	err := t.tx.QueryRowContext(ctx, `
		UPDATE discount_codes
		SET total_used_count = total_used_count + 1, updated_at = $1
		WHERE id = $2 AND (max_total_uses IS NULL OR total_used_count < max_total_uses)
		RETURNING total_used_count`,
		at, t.code.ID,
	).Scan(&used)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrQuotaExhausted
		}
		return 0, fmt.Errorf("failed to increment usage: %w", err)
	}
	t.code.TotalUsedCount = used
	t.code.UpdatedAt = at
	return used, nil
}

func (t *pgLedgerTx) AppendRecord(ctx context.Context, r *models.RedemptionRecord) error {
	_, err := t.tx.ExecContext(ctx, `INSERT INTO redemption_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.CodeID, r.Code, r.UserID, r.Scope, r.AmountBeforeDiscount, r.DiscountApplied,
		r.FinalAmount, r.IdempotencyKey, r.RedeemedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append redemption record: %w", err)
	}
	return nil
}

// ListRedemptions возвращает записи журнала по коду, новые первыми.
func (s *PostgresStore) ListRedemptions(ctx context.Context, code string, limit, offset int) ([]*models.RedemptionRecord, error) {
	limit, offset = normalizePage(limit, offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM redemption_records
		WHERE code = $1 ORDER BY redeemed_at DESC LIMIT $2 OFFSET $3`,
		code, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list redemptions: %w", err)
	}
	defer rows.Close()

	var records []*models.RedemptionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan redemption: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate redemptions: %w", err)
	}
	return records, nil
}

// UserRedemptionCount возвращает число погашений пользователя по коду.
func (s *PostgresStore) UserRedemptionCount(ctx context.Context, code, userID string) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM redemption_records WHERE code = $1 AND user_id = $2`,
		code, userID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count user redemptions: %w", err)
	}
	return count, nil
}

// Reconcile пересчитывает записи журнала и сравнивает с кешированным счётчиком. Ничего не пишет.
func (s *PostgresStore) Reconcile(ctx context.Context, code string) (*models.ReconcileReport, error) {
	report := &models.ReconcileReport{Code: code, CheckedAt: time.Now()}
	err := s.db.QueryRowContext(ctx, `
		SELECT c.total_used_count, COUNT(r.id)
		FROM discount_codes c
		LEFT JOIN redemption_records r ON r.code_id = c.id
		WHERE c.code = $1
		GROUP BY c.id, c.total_used_count`,
		code,
	).Scan(&report.TotalUsedCount, &report.RecordCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to reconcile discount code: %w", err)
	}
	report.Consistent = report.TotalUsedCount == report.RecordCount
	return report, nil
}

// Stats считает агрегаты по кодам и журналу на момент now.
func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (*models.RedemptionStats, error) {
	stats := &models.RedemptionStats{GeneratedAt: now}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_active
				AND (max_total_uses IS NULL OR total_used_count < max_total_uses)
				AND (valid_from IS NULL OR valid_from <= $1)
				AND (valid_until IS NULL OR valid_until > $1)),
			COUNT(*) FILTER (WHERE valid_until IS NOT NULL AND valid_until <= $1),
			COUNT(*) FILTER (WHERE max_total_uses IS NOT NULL AND total_used_count >= max_total_uses)
		FROM discount_codes`,
		now,
	).Scan(&stats.TotalCodes, &stats.ActiveCodes, &stats.ExpiredCodes, &stats.ExhaustedCodes)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate discount codes: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(discount_applied), 0) FROM redemption_records`,
	).Scan(&stats.TotalRedemptions, &stats.TotalDiscountGranted)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate redemptions: %w", err)
	}
	return stats, nil
}

var _ Store = (*PostgresStore)(nil)
