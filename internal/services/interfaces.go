package services

import (
	"context"

	"promo-engine/internal/models"
)

// EventPublisher публикует доменные события после фиксации изменений.
type EventPublisher interface {
	PublishRedemption(data *models.RedemptionEventData) error
	PublishDiscountCodeEvent(eventType models.EventType, code string, data interface{}) error
}

// StatsInvalidator сбрасывает кеш отчётной статистики.
type StatsInvalidator interface {
	Invalidate(ctx context.Context)
}
