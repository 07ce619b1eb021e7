// Package market 提供农产品价格查询、城市比价、收益估算与季节预测。
//
// 价格按顺序尝试外部行情源（PriceSource），全部失败时回退到静态价格表，
// 并在基准价上叠加 ±5% 的随机扰动。随机源与时钟均可注入。
package market

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	TrendUp     = "naik"
	TrendDown   = "turun"
	TrendStable = "stabil"

	SeasonWet        = "wet"
	SeasonDry        = "dry"
	SeasonTransition = "transition"

	// FallbackSource 标记来自静态价格表的报价。
	FallbackSource = "fallback"

	// jitterRatio 为兜底价格的扰动幅度。
	jitterRatio = 0.05
	// spreadThreshold 为比价时"差价显著"的阈值（Rp/kg）。
	spreadThreshold = 5000
)

var trends = []string{TrendUp, TrendDown, TrendStable}

// ErrNoCities 表示比价时没有给出任何城市。
var ErrNoCities = errors.New("no cities to compare")

// Quote 为某产品在某城市的单价。
type Quote struct {
	Product   string    `json:"produk"`
	City      string    `json:"lokasi"`
	Price     float64   `json:"harga"`
	Unit      string    `json:"satuan"`
	Trend     string    `json:"trend"`
	Source    string    `json:"sumber"`
	UpdatedAt time.Time `json:"waktu"`
}

// Comparison 为多城市比价结果，Quotes 按价格降序。
type Comparison struct {
	Product        string  `json:"produk"`
	Quotes         []Quote `json:"perbandingan"`
	Highest        Quote   `json:"tertinggi"`
	Lowest         Quote   `json:"terendah"`
	Spread         float64 `json:"selisih"`
	Recommendation string  `json:"rekomendasi"`
}

// ProfitReport 为一次出售的收益估算。
type ProfitReport struct {
	Product        string  `json:"produk"`
	City           string  `json:"lokasi"`
	QuantityKg     float64 `json:"jumlahKg"`
	CostPerKg      float64 `json:"biayaProduksiPerKg"`
	PricePerKg     float64 `json:"hargaJualPerKg"`
	Revenue        float64 `json:"pendapatan"`
	TotalCost      float64 `json:"totalBiaya"`
	NetProfit      float64 `json:"keuntunganBersih"`
	MarginPercent  float64 `json:"marginPersen"`
	Trend          string  `json:"trend"`
	Recommendation string  `json:"rekomendasi"`
}

// Forecast 为季节性价格预测。
type Forecast struct {
	Product        string  `json:"produk"`
	Month          int     `json:"bulan"`
	Season         string  `json:"musim"`
	Pattern        string  `json:"pola"`
	DeltaPercent   float64 `json:"perubahanPersen"`
	CurrentPrice   float64 `json:"hargaSaatIni"`
	PredictedPrice float64 `json:"hargaPrediksi"`
}

// RankedProduct 为价格排行中的一项。
type RankedProduct struct {
	Rank       int     `json:"peringkat"`
	Product    string  `json:"produk"`
	Display    string  `json:"nama"`
	Price      float64 `json:"harga"`
	Volatility string  `json:"volatilitas"`
	ROIPercent float64 `json:"roiPersen"`
}

// Service 是价格相关操作的入口，可并发使用。
type Service struct {
	table   *Table
	sources []PriceSource
	rnd     Random
	now     func() time.Time
	logger  zerolog.Logger
}

type Option func(*Service)

// WithSources 设置按顺序尝试的外部行情源。
func WithSources(sources ...PriceSource) Option {
	return func(s *Service) { s.sources = append(s.sources, sources...) }
}

func WithRandom(r Random) Option {
	return func(s *Service) {
		if r != nil {
			s.rnd = r
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(table *Table, opts ...Option) (*Service, error) {
	if table == nil {
		return nil, errors.New("price table is nil")
	}
	s := &Service{
		table:  table,
		rnd:    NewRandom(0),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CheckPrice 查询单价：外部行情源优先，全部失败时回退静态价格表。
func (s *Service) CheckPrice(ctx context.Context, product, city string) (Quote, error) {
	product = NormalizeProduct(product)
	city = NormalizeCity(city)

	for _, src := range s.sources {
		q, err := src.Quote(ctx, product, city)
		if err == nil {
			return q, nil
		}
		if ctx.Err() != nil {
			return Quote{}, ctx.Err()
		}
		s.logger.Warn().Err(err).Str("source", src.Name()).Str("produk", product).Msg("price source failed, trying next")
	}
	return s.fallbackQuote(product, city)
}

func (s *Service) fallbackQuote(product, city string) (Quote, error) {
	key, info, err := s.table.Product(product)
	if err != nil {
		return Quote{}, err
	}
	base := info.BasePrice * s.table.CityFactor(city)
	jitter := 1 + (s.rnd.Float64()*2-1)*jitterRatio
	return Quote{
		Product:   key,
		City:      city,
		Price:     math.Round(base * jitter),
		Unit:      "kg",
		Trend:     trends[s.rnd.IntN(len(trends))],
		Source:    FallbackSource,
		UpdatedAt: s.now().UTC(),
	}, nil
}

// ComparePrices 查询多个城市的价格并按价格降序排列。
func (s *Service) ComparePrices(ctx context.Context, product string, cities []string) (Comparison, error) {
	seen := make(map[string]struct{}, len(cities))
	quotes := make([]Quote, 0, len(cities))
	for _, c := range cities {
		c = NormalizeCity(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}

		q, err := s.CheckPrice(ctx, product, c)
		if err != nil {
			return Comparison{}, fmt.Errorf("price for %s: %w", c, err)
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 {
		return Comparison{}, ErrNoCities
	}

	sort.SliceStable(quotes, func(i, j int) bool { return quotes[i].Price > quotes[j].Price })

	highest, lowest := quotes[0], quotes[len(quotes)-1]
	out := Comparison{
		Product: NormalizeProduct(product),
		Quotes:  quotes,
		Highest: highest,
		Lowest:  lowest,
		Spread:  highest.Price - lowest.Price,
	}
	if out.Spread > spreadThreshold {
		out.Recommendation = fmt.Sprintf("Selisih harga Rp %s/kg cukup besar, jual ke %s lebih menguntungkan jika ongkos kirim masih masuk hitungan.",
			FormatRupiah(out.Spread), highest.City)
	} else {
		out.Recommendation = "Selisih harga antar kota kecil, jual di lokasi terdekat untuk menghemat ongkos kirim."
	}
	return out, nil
}

// Profit 估算按当前市价出售 quantityKg 的收益。
func (s *Service) Profit(ctx context.Context, product string, quantityKg, costPerKg float64, city string) (ProfitReport, error) {
	if quantityKg <= 0 {
		return ProfitReport{}, fmt.Errorf("jumlahKg must be positive, got %v", quantityKg)
	}
	if costPerKg < 0 {
		return ProfitReport{}, fmt.Errorf("biayaProduksiPerKg must not be negative, got %v", costPerKg)
	}
	q, err := s.CheckPrice(ctx, product, city)
	if err != nil {
		return ProfitReport{}, err
	}

	revenue := q.Price * quantityKg
	cost := costPerKg * quantityKg
	net := revenue - cost
	margin := 0.0
	if revenue > 0 {
		margin = math.Round(net/revenue*10000) / 100
	}

	return ProfitReport{
		Product:        q.Product,
		City:           q.City,
		QuantityKg:     quantityKg,
		CostPerKg:      costPerKg,
		PricePerKg:     q.Price,
		Revenue:        revenue,
		TotalCost:      cost,
		NetProfit:      net,
		MarginPercent:  margin,
		Trend:          q.Trend,
		Recommendation: profitAdvice(margin, q.Trend),
	}, nil
}

func profitAdvice(margin float64, trend string) string {
	switch {
	case margin < 0:
		return "Harga jual di bawah biaya produksi. Tahan penjualan bila memungkinkan atau cari pasar dengan harga lebih baik."
	case trend == TrendUp:
		return "Harga sedang naik, pertimbangkan menahan panen beberapa hari untuk harga yang lebih baik."
	case trend == TrendDown:
		return "Harga sedang turun, sebaiknya segera jual sebelum harga turun lebih jauh."
	case margin >= 30:
		return "Margin keuntungan bagus, ini waktu yang tepat untuk menjual."
	default:
		return "Margin keuntungan tipis, coba bandingkan harga di kota lain sebelum menjual."
	}
}

// SeasonOf 返回月份所属的价格季节：11~3 月雨季，5~9 月旱季，4 月与 10 月为过渡期。
func SeasonOf(month int) string {
	switch {
	case month >= 11 || month <= 3:
		return SeasonWet
	case month >= 5 && month <= 9:
		return SeasonDry
	default:
		return SeasonTransition
	}
}

// SeasonalForecast 按季节规律预测价格走势；month 为 0 时取当前月份。
func (s *Service) SeasonalForecast(product string, month int) (Forecast, error) {
	if month == 0 {
		month = int(s.now().Month())
	}
	if month < 1 || month > 12 {
		return Forecast{}, fmt.Errorf("bulan must be between 1 and 12, got %d", month)
	}
	key, info, err := s.table.Product(product)
	if err != nil {
		return Forecast{}, err
	}

	season := SeasonOf(month)
	delta := info.Delta.Min + s.rnd.Float64()*(info.Delta.Max-info.Delta.Min)
	delta = math.Round(delta*10) / 10

	return Forecast{
		Product:        key,
		Month:          month,
		Season:         season,
		Pattern:        info.Seasonal[season],
		DeltaPercent:   delta,
		CurrentPrice:   info.BasePrice,
		PredictedPrice: math.Round(info.BasePrice * (1 + delta/100)),
	}, nil
}

// TopProducts 返回某城市价格最高的 limit 个产品。
func (s *Service) TopProducts(ctx context.Context, city string, limit int) ([]RankedProduct, error) {
	names := s.table.ProductNames()
	if limit <= 0 || limit > len(names) {
		limit = len(names)
	}

	ranked := make([]RankedProduct, 0, len(names))
	for _, name := range names {
		q, err := s.CheckPrice(ctx, name, city)
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", name, err)
		}
		info := s.table.Products[name]
		ranked = append(ranked, RankedProduct{
			Product:    name,
			Display:    info.Display,
			Price:      q.Price,
			Volatility: info.Volatility,
			ROIPercent: info.ROIPercent,
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Price > ranked[j].Price })

	ranked = ranked[:limit]
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// FormatRupiah 以印尼习惯（点号分隔千位）格式化金额，四舍五入到整数。
func FormatRupiah(v float64) string {
	n := int64(math.Round(v))
	neg := n < 0
	if neg {
		n = -n
	}
	digits := fmt.Sprintf("%d", n)
	var b strings.Builder
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(d)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
