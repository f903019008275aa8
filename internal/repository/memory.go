package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"promo-engine/internal/models"
	"promo-engine/internal/promo"
)

// MemoryStore представляет хранилище в памяти для тестов и локального запуска без базы.
// Каждый код защищён собственным мьютексом, изменения внутри WithCodeLock
// применяются только при успешном завершении fn.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	records map[string][]*models.RedemptionRecord // по коду
}

type memEntry struct {
	mu   sync.Mutex
	code *models.DiscountCode
}

// NewMemoryStore создает пустое хранилище в памяти
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		records: make(map[string][]*models.RedemptionRecord),
	}
}

func (s *MemoryStore) entry(code string) (*memEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[code]
	return e, ok
}

func (s *MemoryStore) snapshot() []*models.DiscountCode {
	s.mu.RLock()
	entries := make([]*memEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	codes := make([]*models.DiscountCode, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		codes = append(codes, e.code.Clone())
		e.mu.Unlock()
	}
	return codes
}

// CreateCode сохраняет копию промокода.
func (s *MemoryStore) CreateCode(_ context.Context, c *models.DiscountCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[c.Code]; exists {
		return ErrDuplicateCode
	}
	s.entries[c.Code] = &memEntry{code: c.Clone()}
	return nil
}

// GetCode возвращает копию промокода.
func (s *MemoryStore) GetCode(_ context.Context, code string) (*models.DiscountCode, error) {
	e, ok := s.entry(code)
	if !ok {
		return nil, ErrCodeNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.code.Clone(), nil
}

// ListCodes возвращает копии промокодов по фильтру, новые первыми.
func (s *MemoryStore) ListCodes(_ context.Context, filter models.DiscountCodeFilter) ([]*models.DiscountCode, error) {
	var codes []*models.DiscountCode
	for _, c := range s.snapshot() {
		if filter.Active != nil && c.IsActive != *filter.Active {
			continue
		}
		if filter.Scope != nil && c.Scope != *filter.Scope {
			continue
		}
		codes = append(codes, c)
	}

	sort.Slice(codes, func(i, j int) bool {
		if codes[i].CreatedAt.Equal(codes[j].CreatedAt) {
			return codes[i].Code < codes[j].Code
		}
		return codes[i].CreatedAt.After(codes[j].CreatedAt)
	})

	limit, offset := normalizePage(filter.Limit, filter.Offset)
	if offset >= len(codes) {
		return nil, nil
	}
	end := offset + limit
	if end > len(codes) {
		end = len(codes)
	}
	return codes[offset:end], nil
}

// UpdateRules обновляет правила кода, сохраняя счётчик и флаги активности.
func (s *MemoryStore) UpdateRules(_ context.Context, c *models.DiscountCode) (*models.DiscountCode, error) {
	e, ok := s.entry(c.Code)
	if !ok {
		return nil, ErrCodeNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if c.MaxTotalUses != nil && *c.MaxTotalUses < e.code.TotalUsedCount {
		return nil, ErrQuotaBelowUsage
	}

	updated := c.Clone()
	updated.ID = e.code.ID
	updated.IsActive = e.code.IsActive
	updated.ActivatedAt = e.code.ActivatedAt
	updated.TotalUsedCount = e.code.TotalUsedCount
	updated.CreatedAt = e.code.CreatedAt
	e.code = updated
	return updated.Clone(), nil
}

// SetActive переключает активность кода.
func (s *MemoryStore) SetActive(_ context.Context, code string, active bool, at time.Time) (*models.DiscountCode, bool, error) {
	e, ok := s.entry(code)
	if !ok {
		return nil, false, ErrCodeNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	wasActive := e.code.IsActive
	e.code.IsActive = active
	if active && e.code.ActivatedAt == nil {
		activatedAt := at
		e.code.ActivatedAt = &activatedAt
	}
	e.code.UpdatedAt = at
	return e.code.Clone(), wasActive, nil
}

// WithCodeLock держит мьютекс кода на время fn и применяет изменения после успеха.
func (s *MemoryStore) WithCodeLock(_ context.Context, code string, fn func(tx LedgerTx) error) error {
	e, ok := s.entry(code)
	if !ok {
		return ErrCodeNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := &memLedgerTx{store: s, code: e.code.Clone()}
	if err := fn(tx); err != nil {
		return err
	}

	e.code = tx.code.Clone()
	if len(tx.pending) > 0 {
		s.mu.Lock()
		s.records[code] = append(s.records[code], tx.pending...)
		s.mu.Unlock()
	}
	return nil
}

type memLedgerTx struct {
	store   *MemoryStore
	code    *models.DiscountCode
	pending []*models.RedemptionRecord
}

func (t *memLedgerTx) Code() *models.DiscountCode {
	return t.code
}

func (t *memLedgerTx) each(fn func(r *models.RedemptionRecord)) {
	t.store.mu.RLock()
	committed := t.store.records[t.code.Code]
	t.store.mu.RUnlock()
	for _, r := range committed {
		fn(r)
	}
	for _, r := range t.pending {
		fn(r)
	}
}

func (t *memLedgerTx) CountUserRedemptions(_ context.Context, userID string) (int, error) {
	count := 0
	t.each(func(r *models.RedemptionRecord) {
		if r.UserID == userID {
			count++
		}
	})
	return count, nil
}

func (t *memLedgerTx) FindByIdempotencyKey(_ context.Context, userID, key string) (*models.RedemptionRecord, error) {
	var found *models.RedemptionRecord
	t.each(func(r *models.RedemptionRecord) {
		if found == nil && r.UserID == userID && r.IdempotencyKey != nil && *r.IdempotencyKey == key {
			cp := *r
			found = &cp
		}
	})
	return found, nil
}

func (t *memLedgerTx) IncrementUsage(_ context.Context, at time.Time) (int, error) {
	if promo.QuotaExhausted(t.code) {
		return 0, ErrQuotaExhausted
	}
	t.code.TotalUsedCount++
	t.code.UpdatedAt = at
	return t.code.TotalUsedCount, nil
}

func (t *memLedgerTx) AppendRecord(_ context.Context, r *models.RedemptionRecord) error {
	cp := *r
	t.pending = append(t.pending, &cp)
	return nil
}

// ListRedemptions возвращает записи журнала по коду, новые первыми.
func (s *MemoryStore) ListRedemptions(_ context.Context, code string, limit, offset int) ([]*models.RedemptionRecord, error) {
	s.mu.RLock()
	src := s.records[code]
	records := make([]*models.RedemptionRecord, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		cp := *src[i]
		records = append(records, &cp)
	}
	s.mu.RUnlock()

	limit, offset = normalizePage(limit, offset)
	if offset >= len(records) {
		return nil, nil
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end], nil
}

// UserRedemptionCount возвращает число погашений пользователя по коду.
func (s *MemoryStore) UserRedemptionCount(_ context.Context, code, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, r := range s.records[code] {
		if r.UserID == userID {
			count++
		}
	}
	return count, nil
}

// Reconcile сравнивает счётчик кода с числом записей журнала.
func (s *MemoryStore) Reconcile(ctx context.Context, code string) (*models.ReconcileReport, error) {
	c, err := s.GetCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	count := len(s.records[code])
	s.mu.RUnlock()

	return &models.ReconcileReport{
		Code:           code,
		TotalUsedCount: c.TotalUsedCount,
		RecordCount:    count,
		Consistent:     c.TotalUsedCount == count,
		CheckedAt:      time.Now(),
	}, nil
}

// Stats считает агрегаты так же, как SQL-реализация.
func (s *MemoryStore) Stats(_ context.Context, now time.Time) (*models.RedemptionStats, error) {
	stats := &models.RedemptionStats{GeneratedAt: now}
	for _, c := range s.snapshot() {
		stats.TotalCodes++
		if promo.StatusOf(c, now) == models.CodeStatusActive {
			stats.ActiveCodes++
		}
		if c.ValidUntil != nil && !now.Before(*c.ValidUntil) {
			stats.ExpiredCodes++
		}
		if promo.QuotaExhausted(c) {
			stats.ExhaustedCodes++
		}
	}

	s.mu.RLock()
	for _, records := range s.records {
		for _, r := range records {
			stats.TotalRedemptions++
			stats.TotalDiscountGranted += r.DiscountApplied
		}
	}
	s.mu.RUnlock()
	return stats, nil
}

var _ Store = (*MemoryStore)(nil)
