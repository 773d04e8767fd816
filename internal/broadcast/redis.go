// Package broadcast provides the Redis pub/sub implementation of
// trade.Broadcaster, grounded on the crypto-exchange-screener-bot's
// redis_service.go: an *redis.Options-configured client with pool size
// and timeout tunables, one channel per event kind.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"voltrader/internal/trade"
)

// Config mirrors the pool/timeout tunables a production Redis publisher
// needs.
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

const (
	channelTradeOpen  = "voltrader:trade_open"
	channelTradeClose = "voltrader:trade_close"
	channelBalance    = "voltrader:balance"
	channelStatus     = "voltrader:status"
)

// Publisher fans out trade/account events over Redis pub/sub, satisfying
// trade.Broadcaster. Publish failures are logged and swallowed: broadcast
// is an observation channel, not a control path, so it must never affect
// trading.
type Publisher struct {
	client *redis.Client
	logger *zap.Logger
	ctx    context.Context
}

// New dials Redis and verifies connectivity with a Ping.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broadcast: ping: %w", err)
	}

	logger.Info("connected to redis broadcast sink", zap.String("addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)))
	return &Publisher{client: client, logger: logger.With(zap.String("component", "broadcast")), ctx: ctx}, nil
}

// Close releases the underlying client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) publish(channel string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("marshal broadcast payload failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	if err := p.client.Publish(p.ctx, channel, body).Err(); err != nil {
		p.logger.Warn("publish failed", zap.String("channel", channel), zap.Error(err))
	}
}

func (p *Publisher) OnTradeOpen(rec trade.Record) {
	p.publish(channelTradeOpen, rec)
}

func (p *Publisher) OnTradeClose(rec trade.Record) {
	p.publish(channelTradeClose, rec)
}

func (p *Publisher) OnBalanceChange(balance float64) {
	p.publish(channelBalance, map[string]float64{"balance": balance})
}

func (p *Publisher) OnStatusChange(status string) {
	p.publish(channelStatus, map[string]string{"status": status})
}

var _ trade.Broadcaster = (*Publisher)(nil)
