package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"promo-engine/internal/database"
	"promo-engine/internal/logger"
	"promo-engine/internal/models"
)

const codeColumns = `id, code, kind, value, cap, min_amount, scope, max_total_uses, max_uses_per_user,
	valid_from, valid_until, is_active, activated_at, total_used_count, created_at, updated_at`

// PostgresStore реализует CodeStore и Ledger поверх PostgreSQL.
type PostgresStore struct {
	db  *database.DB
	log *logger.Logger
}

// NewPostgresStore создает хранилище на PostgreSQL
func NewPostgresStore(db *database.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, log: log}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCode(row rowScanner) (*models.DiscountCode, error) {
	c := &models.DiscountCode{}
	err := row.Scan(
		&c.ID, &c.Code, &c.Kind, &c.Value, &c.Cap, &c.MinAmount, &c.Scope, &c.MaxTotalUses, &c.MaxUsesPerUser,
		&c.ValidFrom, &c.ValidUntil, &c.IsActive, &c.ActivatedAt, &c.TotalUsedCount, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CreateCode сохраняет новый промокод.
func (s *PostgresStore) CreateCode(ctx context.Context, c *models.DiscountCode) error {
	query := `INSERT INTO discount_codes (` + codeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Code, c.Kind, c.Value, c.Cap, c.MinAmount, c.Scope, c.MaxTotalUses, c.MaxUsesPerUser,
		c.ValidFrom, c.ValidUntil, c.IsActive, c.ActivatedAt, c.TotalUsedCount, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrDuplicateCode
		}
		return fmt.Errorf("failed to insert discount code: %w", err)
	}
	return nil
}

// GetCode возвращает промокод по коду.
func (s *PostgresStore) GetCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	query := `SELECT ` + codeColumns + ` FROM discount_codes WHERE code = $1`

	c, err := scanCode(s.db.QueryRowContext(ctx, query, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("failed to get discount code: %w", err)
	}
	return c, nil
}

// ListCodes возвращает промокоды по фильтру, новые первыми.
func (s *PostgresStore) ListCodes(ctx context.Context, filter models.DiscountCodeFilter) ([]*models.DiscountCode, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Active != nil {
		args = append(args, *filter.Active)
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", len(args)))
	}
	if filter.Scope != nil {
		args = append(args, *filter.Scope)
		conditions = append(conditions, fmt.Sprintf("scope = $%d", len(args)))
	}

	query := `SELECT ` + codeColumns + ` FROM discount_codes`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list discount codes: %w", err)
	}
	defer rows.Close()

	var codes []*models.DiscountCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan discount code: %w", err)
		}
		codes = append(codes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate discount codes: %w", err)
	}
	return codes, nil
}

// UpdateRules обновляет правила промокода. Счётчик использования не затрагивается.
func (s *PostgresStore) UpdateRules(ctx context.Context, c *models.DiscountCode) (*models.DiscountCode, error) {
	query := `
		UPDATE discount_codes
		SET kind = $1, value = $2, cap = $3, min_amount = $4, scope = $5, max_total_uses = $6,
			max_uses_per_user = $7, valid_from = $8, valid_until = $9, updated_at = $10
		WHERE code = $11
		RETURNING ` + codeColumns

	updated, err := scanCode(s.db.QueryRowContext(ctx, query,
		c.Kind, c.Value, c.Cap, c.MinAmount, c.Scope, c.MaxTotalUses,
		c.MaxUsesPerUser, c.ValidFrom, c.ValidUntil, c.UpdatedAt, c.Code,
	))
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, ErrCodeNotFound
		case database.IsCheckViolation(err):
			return nil, ErrQuotaBelowUsage
		}
		return nil, fmt.Errorf("failed to update discount code: %w", err)
	}
	return updated, nil
}

// SetActive переключает активность кода. При первой активации фиксируется activated_at.
func (s *PostgresStore) SetActive(ctx context.Context, code string, active bool, at time.Time) (*models.DiscountCode, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var (
		wasActive   bool
		activatedAt *time.Time
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT is_active, activated_at FROM discount_codes WHERE code = $1 FOR UPDATE`, code,
	).Scan(&wasActive, &activatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrCodeNotFound
		}
		return nil, false, fmt.Errorf("failed to lock discount code: %w", err)
	}

	if active && activatedAt == nil {
		activatedAt = &at
	}

	updated, err := scanCode(tx.QueryRowContext(ctx, `
		UPDATE discount_codes
		SET is_active = $1, activated_at = $2, updated_at = $3
		WHERE code = $4
		RETURNING `+codeColumns,
		active, activatedAt, at, code,
	))
	if err != nil {
		return nil, false, fmt.Errorf("failed to update discount code status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit status change: %w", err)
	}
	return updated, wasActive, nil
}
