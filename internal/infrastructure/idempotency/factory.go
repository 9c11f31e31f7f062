package idempotency

import (
	"fmt"

	"go.uber.org/zap"
)

// Factory builds the idempotency store the service should run with.
type Factory struct {
	redisConfig   RedisConfig
	logger        *zap.Logger
	allowFallback bool
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the factory and store logger.
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithFallback controls whether an in-memory store may stand in when Redis
// is unavailable. Default true.
func WithFallback(allow bool) FactoryOption {
	return func(f *Factory) {
		f.allowFallback = allow
	}
}

// NewFactory creates a store factory.
func NewFactory(cfg RedisConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		redisConfig:   cfg,
		logger:        zap.NewNop(),
		allowFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateStore returns the configured store. When Redis is reachable the
// result is a FailoverStore around it, so a later outage degrades instead
// of failing. When Redis is unreachable at startup and fallback is
// allowed, an in-memory store is returned with a warning; otherwise the
// error propagates.
func (f *Factory) CreateStore() (Store, error) {
	primary, err := NewRedisStore(f.redisConfig)
	if err == nil {
		f.logger.Info("using Redis idempotency store with in-memory failover")
		return NewFailoverStore(primary, f.logger), nil
	}

	if !f.allowFallback {
		return nil, fmt.Errorf("redis required for idempotency but unavailable: %w", err)
	}

	f.logger.Warn("Redis unavailable, starting on in-memory idempotency store; "+
		"duplicate suppression will not survive restarts",
		zap.Error(err),
	)
	return NewMemoryStore(), nil
}
