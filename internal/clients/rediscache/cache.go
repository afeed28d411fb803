package rediscache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	perrors "github.com/yungbote/thumbnailer/internal/pkg/errors"
	"github.com/yungbote/thumbnailer/internal/platform/logger"
)

// Service is the Redis-backed key/value store the fingerprint layer
// writes to. Entries never expire; the engine treats every failure here
// as advisory.
type Service struct {
	log *logger.Logger
	rdb *goredis.Client
}

func New(log *logger.Logger) (*Service, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Service{
		log: log.With("service", "RedisCache"),
		rdb: rdb,
	}, nil
}

func (s *Service) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", perrors.ErrNotFound
	}
	return v, err
}

func (s *Service) Put(ctx context.Context, key, value string) error {
	return s.rdb.Set(ctx, key, value, 0).Err()
}

func (s *Service) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *Service) Close() error {
	return s.rdb.Close()
}
