package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"promo-engine/internal/config"
	"promo-engine/internal/logger"
	"promo-engine/internal/models"
	"promo-engine/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *logger.Logger {
	return logger.New(&config.LoggerConfig{Level: "error", Format: "json"})
}

func ptrInt(v int) *int       { return &v }
func ptrInt64(v int64) *int64 { return &v }

type publishedEvent struct {
	Type models.EventType
	Code string
	Data interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) PublishRedemption(data *models.RedemptionEventData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: models.EventTypeDiscountRedeemed, Code: data.Code, Data: data})
	return p.err
}

func (p *recordingPublisher) PublishDiscountCodeEvent(eventType models.EventType, code string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Type: eventType, Code: code, Data: data})
	return p.err
}

func (p *recordingPublisher) ofType(eventType models.EventType) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type countingInvalidator struct {
	calls int32
}

func (c *countingInvalidator) Invalidate(context.Context) {
	atomic.AddInt32(&c.calls, 1)
}

func (c *countingInvalidator) count() int {
	return int(atomic.LoadInt32(&c.calls))
}

type serviceFixture struct {
	store       *repository.MemoryStore
	publisher   *recordingPublisher
	stats       *countingInvalidator
	codes       *DiscountCodeService
	redemptions *RedemptionService
}

func newServiceFixture() *serviceFixture {
	store := repository.NewMemoryStore()
	pub := &recordingPublisher{}
	stats := &countingInvalidator{}
	log := newTestLogger()

	return &serviceFixture{
		store:       store,
		publisher:   pub,
		stats:       stats,
		codes:       NewDiscountCodeService(store, pub, stats, log),
		redemptions: NewRedemptionService(store, pub, stats, nil, log, &config.RedemptionConfig{MaxAttempts: 3, RetryDelayMs: 1}),
	}
}

func (f *serviceFixture) createCode(t *testing.T, req *models.CreateDiscountCodeRequest) *models.DiscountCode {
	t.Helper()
	dc, err := f.codes.CreateDiscountCode(context.Background(), req)
	require.NoError(t, err)
	return dc
}

func summerRequest() *models.CreateDiscountCodeRequest {
	return &models.CreateDiscountCodeRequest{
		Code:           "SUMMER2024",
		Kind:           models.DiscountKindPercentage,
		Value:          decimal.NewFromInt(10),
		Cap:            ptrInt64(100000),
		MinAmount:      ptrInt64(50000),
		Scope:          models.ScopeAll,
		MaxTotalUses:   ptrInt(2),
		MaxUsesPerUser: 1,
		IsActive:       true,
	}
}
