// Package binance adapts the Binance spot REST API to the engine: latest
// prices, kline-derived volatility and account balances.
package binance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"github.com/alanyoungcy/spotguard/internal/domain"
	"github.com/alanyoungcy/spotguard/internal/risk"
)

// Config holds the client settings. APIKey and Secret are needed only for
// Balance.
type Config struct {
	BaseURL       string
	APIKey        string
	Secret        string
	RecvWindow    time.Duration
	Timeout       time.Duration
	KlineInterval string // e.g. "1h"
	ATRPeriod     int
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.binance.com"
	}
	if c.RecvWindow <= 0 {
		c.RecvWindow = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.KlineInterval == "" {
		c.KlineInterval = "1h"
	}
	if c.ATRPeriod <= 0 {
		c.ATRPeriod = 14
	}
	return c
}

// Binance error codes for rejected credentials or signatures.
var authErrorCodes = map[int64]bool{
	-1022: true, // invalid signature
	-2014: true, // bad API key format
	-2015: true, // invalid key, IP or permissions
}

// Client wraps the go-binance spot client.
type Client struct {
	cfg    Config
	api    *gobinance.Client
	signed bool
	logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	api := gobinance.NewClient(cfg.APIKey, cfg.Secret)
	api.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	api.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:    cfg,
		api:    api,
		signed: cfg.APIKey != "" && cfg.Secret != "",
		logger: logger.With(slog.String("component", "binance")),
	}
}

// Symbol maps an instrument name to an exchange symbol: "btc-usdt" and
// "BTC/USDT" both become "BTCUSDT".
func Symbol(instrument string) string {
	r := strings.NewReplacer("-", "", "/", "", "_", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(instrument)))
}

// LatestPrice implements domain.PriceFeed. Any failure is reported as
// domain.ErrPriceUnavailable.
func (c *Client) LatestPrice(ctx context.Context, instrument string) (domain.PriceTick, error) {
	symbol := Symbol(instrument)
	prices, err := c.api.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return domain.PriceTick{}, fmt.Errorf("binance: price %s: %w: %v", instrument, domain.ErrPriceUnavailable, c.wrap("ticker/price", err))
	}
	for _, p := range prices {
		if p == nil || p.Symbol != symbol {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || price <= 0 {
			return domain.PriceTick{}, fmt.Errorf("binance: price %s %q: %w", instrument, p.Price, domain.ErrPriceUnavailable)
		}
		return domain.PriceTick{Instrument: instrument, Price: price, Timestamp: time.Now().UTC()}, nil
	}
	return domain.PriceTick{}, fmt.Errorf("binance: price %s: no quote for %s: %w", instrument, symbol, domain.ErrPriceUnavailable)
}

// GetPrices returns the latest prices of instruments from a single ticker
// request. Instruments the exchange does not quote are omitted.
func (c *Client) GetPrices(ctx context.Context, instruments []string) (map[string]float64, error) {
	out := make(map[string]float64, len(instruments))
	if len(instruments) == 0 {
		return out, nil
	}
	bySymbol := make(map[string][]string, len(instruments))
	for _, inst := range instruments {
		sym := Symbol(inst)
		bySymbol[sym] = append(bySymbol[sym], inst)
	}

	prices, err := c.api.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: prices: %w", c.wrap("ticker/price", err))
	}
	for _, p := range prices {
		if p == nil {
			continue
		}
		insts, ok := bySymbol[p.Symbol]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || price <= 0 {
			continue
		}
		for _, inst := range insts {
			out[inst] = price
		}
	}
	return out, nil
}

// Klines returns up to limit bars for instrument, oldest first.
func (c *Client) Klines(ctx context.Context, instrument, interval string, limit int) ([]risk.Candle, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	kls, err := c.api.NewKlinesService().
		Symbol(Symbol(instrument)).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance: klines %s: %w", instrument, c.wrap("klines", err))
	}

	candles := make([]risk.Candle, 0, len(kls))
	for i, kl := range kls {
		if kl == nil {
			continue
		}
		var ohlc [4]float64
		for j, raw := range []string{kl.Open, kl.High, kl.Low, kl.Close} {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("binance: kline %d of %s: %w", i, instrument, err)
			}
			ohlc[j] = v
		}
		candles = append(candles, risk.Candle{Open: ohlc[0], High: ohlc[1], Low: ohlc[2], Close: ohlc[3]})
	}
	return candles, nil
}

// Volatility returns the ATR of instrument over the configured interval and
// period.
func (c *Client) Volatility(ctx context.Context, instrument string) (float64, error) {
	candles, err := c.Klines(ctx, instrument, c.cfg.KlineInterval, c.cfg.ATRPeriod*3)
	if err != nil {
		return 0, err
	}
	atr, err := risk.ATR(candles, c.cfg.ATRPeriod)
	if err != nil {
		return 0, fmt.Errorf("binance: volatility %s: %w", instrument, err)
	}
	return atr, nil
}

// Balance returns the free balance of asset. It requires API credentials.
func (c *Client) Balance(ctx context.Context, asset string) (float64, error) {
	if !c.signed {
		return 0, fmt.Errorf("binance: balance: %w: api key and secret are required", domain.ErrUnauthorized)
	}
	acct, err := c.api.NewGetAccountService().Do(ctx, gobinance.WithRecvWindow(c.cfg.RecvWindow.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("binance: account: %w", c.wrap("account", err))
	}
	for _, b := range acct.Balances {
		if strings.EqualFold(b.Asset, asset) {
			free, err := strconv.ParseFloat(b.Free, 64)
			if err != nil {
				return 0, fmt.Errorf("binance: balance %s %q: %w", asset, b.Free, err)
			}
			return free, nil
		}
	}
	return 0, nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.api.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("binance: ping: %w", c.wrap("ping", err))
	}
	return nil
}

// wrap logs exchange rejections and marks credential errors as
// domain.ErrUnauthorized. The *common.APIError stays reachable via errors.As.
func (c *Client) wrap(op string, err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	c.logger.Warn("request rejected",
		slog.String("op", op),
		slog.Int64("code", apiErr.Code),
		slog.String("msg", apiErr.Message),
	)
	if authErrorCodes[apiErr.Code] {
		return fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	return err
}

var (
	_ domain.PriceFeed  = (*Client)(nil)
	_ domain.PriceBatch = (*Client)(nil)
)
