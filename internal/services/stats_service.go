package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promo-engine/internal/config"
	"promo-engine/internal/logger"
	"promo-engine/internal/models"
	"promo-engine/internal/redis"
	"promo-engine/internal/repository"
)

const defaultStatsCacheTTL = time.Minute

type statsCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// StatsService отдаёт агрегаты по промокодам и журналу с кешированием в Redis.
type StatsService struct {
	ledger   repository.Ledger
	cache    statsCache
	log      *logger.Logger
	cacheTTL time.Duration
	now      func() time.Time
}

// NewStatsService создаёт сервис статистики. Без Redis кеш отключён.
func NewStatsService(ledger repository.Ledger, redisClient *redis.Client, log *logger.Logger, cfg *config.StatsConfig) *StatsService {
	ttl := defaultStatsCacheTTL
	if cfg != nil && cfg.CacheTTLSeconds > 0 {
		ttl = time.Duration(cfg.CacheTTLSeconds) * time.Second
	}

	s := &StatsService{
		ledger:   ledger,
		log:      log,
		cacheTTL: ttl,
		now:      time.Now,
	}
	// nil *redis.Client в интерфейсе не равен nil
	if redisClient != nil {
		s.cache = redisClient
	}
	return s
}

// GetStats возвращает агрегаты, по возможности из кеша.
func (s *StatsService) GetStats(ctx context.Context) (*models.RedemptionStats, error) {
	key := statsCacheKey()

	if s.cache != nil {
		var cached models.RedemptionStats
		err := s.cache.Get(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.log.WithError(err).WithField("key", key).Warn("Failed to read stats from cache")
		}
	}

	stats, err := s.ledger.Stats(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to compute redemption stats: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, stats, s.cacheTTL); err != nil {
			s.log.WithError(err).WithField("key", key).Warn("Failed to cache redemption stats")
		}
	}
	return stats, nil
}

// Invalidate сбрасывает кеш статистики. Ошибки только логируются.
func (s *StatsService) Invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteByPrefix(ctx, redis.KeyPrefixStats+":"); err != nil {
		s.log.WithError(err).Warn("Failed to invalidate stats cache")
	}
}

func statsCacheKey() string {
	return redis.GenerateKey(redis.KeyPrefixStats, "redemptions")
}
