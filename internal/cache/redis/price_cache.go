package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// PriceCache implements domain.PriceCache using one Redis hash per symbol at
// "{prefix}price:{symbol}" with fields tick, price, bid, ask and ts (Unix
// nanoseconds).
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A positive ttl expires the hash when
// the feed stops writing.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

// SetLatest overwrites the cached latest tick for symbol.
func (pc *PriceCache) SetLatest(ctx context.Context, symbol string, tick domain.PriceTick) error {
	key := pc.c.Key("price", symbol)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, priceFields(tick))
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set latest %s: %w", symbol, err)
	}
	return nil
}

// GetLatest returns the cached latest tick, or domain.ErrNotFound.
func (pc *PriceCache) GetLatest(ctx context.Context, symbol string) (domain.PriceTick, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.Key("price", symbol)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.PriceTick{}, fmt.Errorf("redis: get latest %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return domain.PriceTick{}, domain.ErrNotFound
	}
	tick, err := parsePriceFields(vals)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("redis: get latest %s: %w", symbol, err)
	}
	return tick, nil
}

func priceFields(t domain.PriceTick) map[string]interface{} {
	return map[string]interface{}{
		"tick":  strconv.FormatInt(t.Tick, 10),
		"price": t.Price.String(),
		"bid":   t.Bid.String(),
		"ask":   t.Ask.String(),
		"ts":    strconv.FormatInt(t.Timestamp.UnixNano(), 10),
	}
}

func parsePriceFields(vals map[string]string) (domain.PriceTick, error) {
	var t domain.PriceTick
	n, err := strconv.ParseInt(vals["tick"], 10, 64)
	if err != nil {
		return t, fmt.Errorf("parse tick: %w", err)
	}
	t.Tick = n
	if t.Price, err = decimal.NewFromString(vals["price"]); err != nil {
		return t, fmt.Errorf("parse price: %w", err)
	}
	// bid and ask are informational; tolerate their absence.
	t.Bid, _ = decimal.NewFromString(vals["bid"])
	t.Ask, _ = decimal.NewFromString(vals["ask"])
	ns, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return t, fmt.Errorf("parse ts: %w", err)
	}
	t.Timestamp = time.Unix(0, ns).UTC()
	return t, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
