package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType представляет тип события в Kafka
type EventType string

const (
	EventTypeDiscountRedeemed          EventType = "discount.redeemed"
	EventTypeDiscountCodeCreated       EventType = "discount_code.created"
	EventTypeDiscountCodeUpdated       EventType = "discount_code.updated"
	EventTypeDiscountCodeStatusChanged EventType = "discount_code.status_changed"
)

// Event представляет событие, публикуемое после фиксации изменений
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent создает событие с сериализованной полезной нагрузкой
func NewEvent(eventType EventType, data interface{}) (Event, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      payload,
	}, nil
}

// RedemptionEventData содержит данные события успешного погашения
type RedemptionEventData struct {
	RedemptionID    uuid.UUID     `json:"redemption_id"`
	Code            string        `json:"code"`
	UserID          string        `json:"user_id"`
	Scope           DiscountScope `json:"scope"`
	Amount          int64         `json:"amount"`
	DiscountApplied int64         `json:"discount_applied"`
	TotalUsedCount  int           `json:"total_used_count"`
}

// DiscountCodeEventData содержит данные событий создания/изменения промокода
type DiscountCodeEventData struct {
	Code     string        `json:"code"`
	Kind     DiscountKind  `json:"kind"`
	Scope    DiscountScope `json:"scope"`
	IsActive bool          `json:"is_active"`
}

// CodeStatusChangedData содержит данные события переключения активности
type CodeStatusChangedData struct {
	Code      string `json:"code"`
	OldActive bool   `json:"old_active"`
	NewActive bool   `json:"new_active"`
}
