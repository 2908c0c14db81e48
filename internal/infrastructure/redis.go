package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/krobus00/option-feed-service/internal/util"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	defaultRedisMaxRetry    = 5
	defaultRedisPingTimeout = 3 * time.Second
)

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if strings.TrimSpace(cfg.CacheDSN) == "" {
		return nil, errors.New("redis dsn is required")
	}

	opts, err := redis.ParseURL(cfg.CacheDSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}

	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = defaultRedisMaxRetry
	}

	backoffFactor := cfg.ReconnectFactor
	if backoffFactor < 1 {
		backoffFactor = defaultBackoffFactor
	}

	minJitter := cfg.MinJitter
	if minJitter <= 0 {
		minJitter = defaultMinJitter
	}

	maxJitter := cfg.MaxJitter
	if maxJitter < minJitter {
		maxJitter = max(minJitter, defaultMaxJitter)
	}

	client := redis.NewClient(opts)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error

	for attempt := 0; attempt <= maxRetry; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, defaultRedisPingTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			logrus.WithField("addr", opts.Addr).Info("redis connection established")
			return client, nil
		}

		if attempt == maxRetry {
			break
		}

		waitDuration := util.BackoffWithJitter(attempt, backoffFactor, minJitter, maxJitter, rng)
		logrus.WithFields(logrus.Fields{
			"attempt":   attempt + 1,
			"max_retry": maxRetry,
			"retry_in":  waitDuration.String(),
			"addr":      opts.Addr,
		}).Warnf("redis ping failed: %v", lastErr)

		select {
		case <-time.After(waitDuration):
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("connect redis after %d attempts: %w", maxRetry+1, lastErr)
}
