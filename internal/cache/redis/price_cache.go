package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// PriceCache stores the latest price per instrument as a hash with fields
// "price" and "ts" (Unix nanoseconds). An external feeder writes it; the
// engine polls it through LatestPrice.
type PriceCache struct {
	c      *Client
	maxAge time.Duration
	now    func() time.Time
}

// NewPriceCache creates a PriceCache. Prices older than maxAge are reported
// as unavailable; zero disables the check.
func NewPriceCache(c *Client, maxAge time.Duration) *PriceCache {
	return &PriceCache{c: c, maxAge: maxAge, now: time.Now}
}

func (pc *PriceCache) key(instrument string) string {
	return pc.c.Key("price", instrument)
}

// SetPrice stores the latest price and timestamp for an instrument.
func (pc *PriceCache) SetPrice(ctx context.Context, instrument string, price float64, ts time.Time) error {
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.c.rdb.HSet(ctx, pc.key(instrument), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", instrument, err)
	}
	return nil
}

// GetPrice returns the stored price and its timestamp, or ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, instrument string) (float64, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.key(instrument)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", instrument, err)
	}
	price, ts, err := parsePrice(vals)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", instrument, err)
	}
	return price, ts, nil
}

func parsePrice(vals map[string]string) (float64, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price: %w", err)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse ts: %w", err)
	}
	return price, time.Unix(0, tsNano), nil
}

// GetPrices returns the latest prices for several instruments in one
// pipeline. Missing instruments and prices older than maxAge are omitted.
func (pc *PriceCache) GetPrices(ctx context.Context, instruments []string) (map[string]float64, error) {
	if len(instruments) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(instruments))
	for _, inst := range instruments {
		cmds[inst] = pipe.HGetAll(ctx, pc.key(inst))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	now := pc.now()
	result := make(map[string]float64, len(instruments))
	for inst, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		price, ts, err := parsePrice(vals)
		if err != nil || (pc.maxAge > 0 && now.Sub(ts) > pc.maxAge) {
			continue
		}
		result[inst] = price
	}
	return result, nil
}

// LatestPrice implements domain.PriceFeed on top of the cache.
func (pc *PriceCache) LatestPrice(ctx context.Context, instrument string) (domain.PriceTick, error) {
	price, ts, err := pc.GetPrice(ctx, instrument)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PriceTick{}, fmt.Errorf("redis: latest price %s: %w", instrument, domain.ErrPriceUnavailable)
	}
	if err != nil {
		return domain.PriceTick{}, err
	}
	if pc.maxAge > 0 && pc.now().Sub(ts) > pc.maxAge {
		return domain.PriceTick{}, fmt.Errorf("redis: latest price %s is %s old: %w",
			instrument, pc.now().Sub(ts).Round(time.Second), domain.ErrPriceUnavailable)
	}
	return domain.PriceTick{Instrument: instrument, Price: price, Timestamp: ts}, nil
}

var (
	_ domain.PriceCache = (*PriceCache)(nil)
	_ domain.PriceBatch = (*PriceCache)(nil)
	_ domain.PriceFeed  = (*PriceCache)(nil)
)
