package redisq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"opsqueue/internal/config"
	"opsqueue/internal/domain"
)

type Client struct {
	Cfg config.Redis
	Rdb *redis.Client
}

func New(cfg config.Redis) *Client {
	log.Info().Msgf("connecting to redis at %s", cfg.Addr)
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewWithRedis(cfg, c)
}

// NewWithRedis wraps an existing connection, e.g. one pointed at miniredis.
func NewWithRedis(cfg config.Redis, rdb *redis.Client) *Client {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "opsq"
	}
	return &Client{Cfg: cfg, Rdb: rdb}
}

func (c *Client) Connect(ctx context.Context) error {
	if err := c.Rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	log.Ctx(ctx).Info().Str("prefix", c.Cfg.KeyPrefix).Msg("connected to redis")
	return nil
}

func (c *Client) Close() error {
	return c.Rdb.Close()
}

func (c *Client) key(parts ...string) string {
	k := c.Cfg.KeyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *Client) seqKey() string                { return c.key("seq") }
func (c *Client) commandKey(id string) string   { return c.key("cmd", id) }
func (c *Client) logStreamKey(id string) string { return c.key("cmd", id, "logs") }
func (c *Client) logSeqKey(id string) string    { return c.key("cmd", id, "logseq") }
func (c *Client) pendingKey() string            { return c.key("pending") }
func (c *Client) retryDueKey() string           { return c.key("retry_due") }
func (c *Client) auditKey() string              { return c.key("audit") }

func (c *Client) indexKey(t domain.CommandType, s domain.Status) string {
	return c.key("idx", string(t), string(s))
}

func (c *Client) activeKey(t domain.CommandType, target string) string {
	return c.key("active", string(t), target)
}

func (c *Client) tempKey(id string) string { return c.key("tmp", id) }

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
