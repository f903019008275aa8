package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/IBM/sarama"
)

type stubDB struct{ err error }

func (s *stubDB) Health() error { return s.err }

type stubRedisHealth struct{ err error }

func (s *stubRedisHealth) Health(ctx context.Context) error { return s.err }

func kafkaOK([]string) error { return nil }

func TestHealthHandler_ReadinessFailures(t *testing.T) {
	down := errors.New("down")
	cases := []struct {
		name  string
		db    error
		redis error
		kafka error
		want  string
	}{
		{name: "database", db: down, want: "database not ready"},
		{name: "redis", redis: down, want: "redis not ready"},
		{name: "kafka", kafka: down, want: "kafka not ready"},
		{name: "database first", db: down, redis: down, kafka: down, want: "database not ready"},
	}

	for _, tc := range cases {
		kafkaErr := tc.kafka
		h := NewHealthHandler(&stubDB{err: tc.db}, &stubRedisHealth{err: tc.redis}, []string{"kafka:9092"}, func([]string) error { return kafkaErr })

		rr := httptest.NewRecorder()
		h.Readiness(rr, httptest.NewRequest(http.MethodGet, "/health/readiness", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", tc.name, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), tc.want) {
			t.Fatalf("%s: expected %q in body, got %s", tc.name, tc.want, rr.Body.String())
		}
	}
}

func TestHealthHandler_ReadinessOK(t *testing.T) {
	h := NewHealthHandler(&stubDB{}, &stubRedisHealth{}, nil, kafkaOK)

	rr := httptest.NewRecorder()
	h.Readiness(rr, httptest.NewRequest(http.MethodGet, "/health/readiness", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"service":"promo-engine"`) {
		t.Fatalf("unexpected body: %s", rr.Body.String())
	}
}

func TestHealthHandler_HealthReportsComponents(t *testing.T) {
	h := NewHealthHandler(&stubDB{}, &stubRedisHealth{err: errors.New("redis down")}, nil, kafkaOK)

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp.Status != "unhealthy" || resp.Service != serviceName {
		t.Fatalf("unexpected summary: %+v", resp)
	}
	if resp.Components["database"].Status != "healthy" || resp.Components["kafka"].Status != "healthy" {
		t.Fatalf("expected database and kafka healthy, got %+v", resp.Components)
	}
	if redis := resp.Components["redis"]; redis.Status != "unhealthy" || redis.Error != "redis down" {
		t.Fatalf("unexpected redis component: %+v", redis)
	}
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	h := NewHealthHandler(&stubDB{}, &stubRedisHealth{}, nil, kafkaOK)

	for name, fn := range map[string]http.HandlerFunc{
		"health":    h.Health,
		"readiness": h.Readiness,
		"liveness":  h.Liveness,
	} {
		rr := httptest.NewRecorder()
		fn(rr, httptest.NewRequest(http.MethodPost, "/health", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s: expected 405, got %d", name, rr.Code)
		}
	}
}

func TestHealthHandler_Liveness(t *testing.T) {
	h := NewHealthHandler(&stubDB{err: errors.New("db down")}, &stubRedisHealth{}, nil, kafkaOK)

	rr := httptest.NewRecorder()
	h.Liveness(rr, httptest.NewRequest(http.MethodGet, "/health/liveness", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("liveness must not depend on database, got %d", rr.Code)
	}
}

func TestCheckKafkaHealth_NoBrokers(t *testing.T) {
	if err := CheckKafkaHealth(nil); err == nil {
		t.Fatalf("expected error for empty brokers")
	}
}

func TestCheckKafkaHealth_WithMockBroker(t *testing.T) {
	broker := sarama.NewMockBroker(t, 1)
	defer broker.Close()

	broker.SetHandlerByMap(map[string]sarama.MockResponse{
		"MetadataRequest": sarama.NewMockMetadataResponse(t).
			SetBroker(broker.Addr(), broker.BrokerID()).
			SetController(broker.BrokerID()).
			SetLeader("discount.redemptions", 0, broker.BrokerID()),
	})

	if err := checkKafkaHealth([]string{broker.Addr()}); err != nil {
		t.Fatalf("expected kafka health ok, got %v", err)
	}
}
