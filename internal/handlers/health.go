package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/IBM/sarama"
)

const serviceName = "promo-engine"

// HealthHandler отдаёт состояние зависимостей сервиса промокодов.
type HealthHandler struct {
	db           DBHealth
	redisClient  RedisHealth
	kafkaBrokers []string
	kafkaCheck   func([]string) error
}

// NewHealthHandler создает обработчик здоровья. kafkaCheck по умолчанию
// подключается к брокерам через sarama.
func NewHealthHandler(db DBHealth, redisClient RedisHealth, kafkaBrokers []string, kafkaCheck func([]string) error) *HealthHandler {
	if kafkaCheck == nil {
		kafkaCheck = checkKafkaHealth
	}
	return &HealthHandler{
		db:           db,
		redisClient:  redisClient,
		kafkaBrokers: kafkaBrokers,
		kafkaCheck:   kafkaCheck,
	}
}

// ComponentStatus описывает результат проверки одной зависимости.
type ComponentStatus struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthResponse представляет ответ проверки здоровья
type HealthResponse struct {
	Service    string                     `json:"service"`
	Status     string                     `json:"status"`
	Components map[string]ComponentStatus `json:"components"`
	Uptime     string                     `json:"uptime"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

type componentCheck struct {
	name string
	run  func(ctx context.Context) error
}

var startTime = time.Now()

// checks перечисляет зависимости в порядке проверки readiness.
func (h *HealthHandler) checks() []componentCheck {
	return []componentCheck{
		{name: "database", run: func(context.Context) error { return h.db.Health() }},
		{name: "redis", run: h.redisClient.Health},
		{name: "kafka", run: func(context.Context) error { return h.kafkaCheck(h.kafkaBrokers) }},
	}
}

// Health проверяет все зависимости и возвращает подробный отчёт.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Service:    serviceName,
		Status:     "healthy",
		Components: make(map[string]ComponentStatus),
		Uptime:     time.Since(startTime).String(),
		CheckedAt:  time.Now().UTC(),
	}

	for _, c := range h.checks() {
		started := time.Now()
		err := c.run(ctx)
		status := ComponentStatus{Status: "healthy", LatencyMs: time.Since(started).Milliseconds()}
		if err != nil {
			status.Status = "unhealthy"
			status.Error = err.Error()
			response.Status = "unhealthy"
		}
		response.Components[c.name] = status
	}

	statusCode := http.StatusOK
	if response.Status != "healthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, response)
}

// Readiness останавливается на первой недоступной зависимости.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range h.checks() {
		if err := c.run(ctx); err != nil {
			writeErrorResponse(w, http.StatusServiceUnavailable, fmt.Sprintf("%s not ready", c.name))
			return
		}
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ready", "service": serviceName})
}

// Liveness проверяет, что процесс отвечает
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]string{
		"status": "alive",
		"uptime": time.Since(startTime).String(),
	})
}

// CheckKafkaHealth проверяет доступность брокеров событий погашения.
func CheckKafkaHealth(brokers []string) error {
	return checkKafkaHealth(brokers)
}

func checkKafkaHealth(brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no brokers configured")
	}

	cfg := sarama.NewConfig()
	cfg.Net.DialTimeout = 3 * time.Second
	cfg.Net.ReadTimeout = 5 * time.Second
	cfg.Net.WriteTimeout = 5 * time.Second
	cfg.Metadata.Retry.Max = 1
	cfg.Metadata.Retry.Backoff = 500 * time.Millisecond

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	if len(client.Brokers()) == 0 {
		return fmt.Errorf("no reachable brokers")
	}
	return nil
}
