package market

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
)

// PriceSource 为外部行情源。
type PriceSource interface {
	Name() string
	Quote(ctx context.Context, product, city string) (Quote, error)
}

// SourceConfig 描述一个 HTTP JSON 行情源。
//
// URL 中的 {product} / {city} 会被替换为查询参数；PricePath / TrendPath 为 gjson 路径。
type SourceConfig struct {
	Name      string        `mapstructure:"name"`
	URL       string        `mapstructure:"url"`
	PricePath string        `mapstructure:"price_path"`
	TrendPath string        `mapstructure:"trend_path"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// BreakerConfig 控制行情源熔断。
type BreakerConfig struct {
	// MaxFailures 为连续失败多少次后熔断。
	MaxFailures uint32 `mapstructure:"max_failures"`
	// OpenTimeout 为熔断后多久进入半开状态。
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

// ErrSourceOpen 表示行情源处于熔断状态。
var ErrSourceOpen = errors.New("price source circuit open")

// HTTPSource 通过 HTTP 拉取 JSON 行情，并用熔断器保护。
type HTTPSource struct {
	cfg     SourceConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewHTTPSource(cfg SourceConfig, bc BreakerConfig, client *http.Client) (*HTTPSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("price source url is required")
	}
	if cfg.PricePath == "" {
		cfg.PricePath = "price"
	}
	if cfg.Name == "" {
		cfg.Name = cfg.URL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	bc = bc.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "price-source:" + cfg.Name,
		Timeout: bc.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bc.MaxFailures
		},
	})
	return &HTTPSource{cfg: cfg, client: client, breaker: breaker, now: time.Now}, nil
}

func (s *HTTPSource) Name() string { return s.cfg.Name }

func (s *HTTPSource) Quote(ctx context.Context, product, city string) (Quote, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetch(ctx, product, city)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Quote{}, fmt.Errorf("%s: %w", s.cfg.Name, ErrSourceOpen)
		}
		return Quote{}, err
	}
	return res.(Quote), nil
}

func (s *HTTPSource) fetch(ctx context.Context, product, city string) (Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	target := strings.NewReplacer(
		"{product}", url.QueryEscape(product),
		"{city}", url.QueryEscape(city),
	).Replace(s.cfg.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%s: request: %w", s.cfg.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Quote{}, fmt.Errorf("%s: read body: %w", s.cfg.Name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, fmt.Errorf("%s: unexpected status %d", s.cfg.Name, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return Quote{}, fmt.Errorf("%s: invalid json", s.cfg.Name)
	}

	price := gjson.GetBytes(body, s.cfg.PricePath)
	if !price.Exists() || price.Float() <= 0 {
		return Quote{}, fmt.Errorf("%s: no price at %q", s.cfg.Name, s.cfg.PricePath)
	}

	trend := TrendStable
	if s.cfg.TrendPath != "" {
		if t := gjson.GetBytes(body, s.cfg.TrendPath); t.Exists() {
			trend = normalizeTrend(t.String())
		}
	}

	return Quote{
		Product:   product,
		City:      city,
		Price:     price.Float(),
		Unit:      "kg",
		Trend:     trend,
		Source:    s.cfg.Name,
		UpdatedAt: s.now().UTC(),
	}, nil
}

func normalizeTrend(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case TrendUp, "up", "rising":
		return TrendUp
	case TrendDown, "down", "falling":
		return TrendDown
	default:
		return TrendStable
	}
}
