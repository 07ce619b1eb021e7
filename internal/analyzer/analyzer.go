// Package analyzer 把一句原始提问分类为结构化的上下文记录。
//
// Analyze 是纯函数：只依赖关键词表、注入的时钟与调用方传入的历史上下文，
// 不做任何外部 I/O，也不会失败。
package analyzer

import (
	"regexp"
	"strings"
	"time"

	"github.com/wwwzy/SiapPanen/internal/extract"
)

// 领域/提问类型/紧急度等取值常量。
const (
	DomainGeneral    = "general"
	DomainWeather    = "weather"
	DomainCrops      = "crops"
	DomainSoil       = "soil"
	DomainPests      = "pests"
	DomainIrrigation = "irrigation"
	DomainMarket     = "market"
	DomainPricing    = "pricing"
	DomainEconomics  = "economics"
	DomainTrading    = "trading"

	QueryHowTo          = "how_to"
	QueryTiming         = "timing"
	QueryCalculation    = "calculation"
	QueryDataRequest    = "data_request"
	QueryInformation    = "information"
	QueryRecommendation = "recommendation"
	QueryComparison     = "comparison"
	QueryPrediction     = "prediction"
	QueryPriceInquiry   = "price_inquiry"
	QueryMarketAnalysis = "market_analysis"
	QueryProfitAnalysis = "profit_analysis"
	QueryGeneral        = "general"

	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"

	LevelBasic        = "basic"
	LevelIntermediate = "intermediate"
	LevelAdvanced     = "advanced"

	IntentSelling    = "selling_decision"
	IntentBuying     = "buying_decision"
	IntentPriceCheck = "price_check"
	IntentProfit     = "profit_analysis"
	IntentCropPlan   = "crop_planning"
	IntentWeather    = "weather_planning"
	IntentResource   = "resource_calculation"
	IntentGeneral    = "general_inquiry"
)

// PriorLocationKey 是历史上下文中保存用户所在地的键。
const PriorLocationKey = "user_location"

// ContextAnalysis 是单次请求的分析结果，生成后不再修改。
type ContextAnalysis struct {
	// AgriculturalDomain 为命中的领域（按词表顺序）；没有命中时为 [general]。
	AgriculturalDomain []string `json:"agriculturalDomain"`
	QueryType          string   `json:"queryType"`
	Urgency            string   `json:"urgency"`
	Confidence         float64  `json:"confidence"`
	// UserLocation 可能为空。
	UserLocation     string   `json:"userLocation,omitempty"`
	DetectedProducts []string `json:"detectedProducts"`
	DetectedCities   []string `json:"detectedCities"`
	Intent           string   `json:"intent"`
	SeasonalContext  string   `json:"seasonalContext"`
	TechnicalLevel   string   `json:"technicalLevel"`
	// RequiredTools 由编排层按工具注册表的推荐结果填充，供规划器使用。
	RequiredTools []string `json:"requiredTools,omitempty"`
}

// HasDomain 判断是否命中某个领域。
func (a ContextAnalysis) HasDomain(domain string) bool {
	for _, d := range a.AgriculturalDomain {
		if d == domain {
			return true
		}
	}
	return false
}

type keywordGroup struct {
	name     string
	keywords []string
}

var domainTable = []keywordGroup{
	{DomainWeather, []string{"cuaca", "hujan", "cerah", "iklim", "musim", "kemarau", "banjir", "suhu"}},
	{DomainCrops, []string{"tanam", "padi", "jagung", "kedelai", "cabai", "tomat", "sayur", "panen", "bibit", "varietas"}},
	{DomainSoil, []string{"tanah", "pupuk", "nutrisi", "kompos", "ph tanah", "unsur hara"}},
	{DomainPests, []string{"hama", "penyakit", "wereng", "ulat", "pestisida", "jamur"}},
	{DomainIrrigation, []string{"irigasi", "pengairan", "air", "siram", "sprinkler"}},
	{DomainMarket, []string{"pasar", "harga", "jual", "beli", "pembeli", "tengkulak"}},
	{DomainPricing, []string{"harga", "mahal", "murah", "rupiah", "rp ", "rp.", "per kg"}},
	{DomainEconomics, []string{"untung", "keuntungan", "rugi", "laba", "modal", "biaya", "margin", "profit"}},
	{DomainTrading, []string{"dagang", "ekspor", "distributor", "grosir", "kirim ke", "stok"}},
}

// queryTypeTable 的声明顺序即平局时的优先顺序。
var queryTypeTable = []keywordGroup{
	{QueryHowTo, []string{"bagaimana", "cara", "langkah", "gimana"}},
	{QueryTiming, []string{"kapan", "waktu", "jadwal", "musim tanam", "bulan apa"}},
	{QueryCalculation, []string{"berapa", "hitung", "kebutuhan", "dosis", "jumlah"}},
	{QueryDataRequest, []string{"cek", "lihat", "tampilkan", "data", "info"}},
	{QueryInformation, []string{"apa itu", "jelaskan", "apakah", "mengapa", "kenapa"}},
	{QueryRecommendation, []string{"sebaiknya", "rekomendasi", "saran", "pilih", "cocok"}},
	{QueryComparison, []string{"banding", "bandingkan", "perbandingan", "lebih mahal", "lebih murah", "selisih"}},
	{QueryPrediction, []string{"prediksi", "ramalan", "perkiraan", "bulan depan", "musim depan", "trend"}},
	{QueryPriceInquiry, []string{"harga", "berapa harga", "harga pasar", "per kg"}},
	{QueryMarketAnalysis, []string{"analisis pasar", "kondisi pasar", "permintaan", "tertinggi", "termahal", "ranking"}},
	{QueryProfitAnalysis, []string{"untung", "keuntungan", "laba", "rugi", "margin", "profit"}},
}

var (
	urgentWords      = []string{"urgent", "darurat", "segera", "cepat", "mendesak", "sekarang juga"}
	marketCrashWords = []string{"harga anjlok", "harga turun drastis", "harga jatuh", "anjlok"}
	soonWords        = []string{"besok", "hari ini", "minggu ini", "lusa"}
	readyToSellWords = []string{"siap jual", "siap panen", "mau jual", "akan jual"}

	sellWords = []string{"jual", "menjual", "dijual"}
	buyWords  = []string{"beli", "membeli", "dibeli"}

	advancedTerms     = []string{"nutrisi", "mikronutrien", "pemupukan foliar", "integrated", "terpadu"}
	intermediateTerms = []string{"pupuk", "varietas", "hama", "irigasi"}
)

// phPattern 单独匹配 "ph"，避免误中其他单词中的子串。
var phPattern = regexp.MustCompile(`\bph\b`)

// Analyzer 持有抽取策略与时钟，零值不可用，请使用 New。
type Analyzer struct {
	extractor extract.Extractor
	now       func() time.Time
}

// Option 配置 Analyzer。
type Option func(*Analyzer)

// WithClock 注入时钟（季节上下文依赖当前月份）。
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		if now != nil {
			a.now = now
		}
	}
}

// WithExtractor 替换实体抽取策略。
func WithExtractor(e extract.Extractor) Option {
	return func(a *Analyzer) {
		if e != nil {
			a.extractor = e
		}
	}
}

func New(opts ...Option) *Analyzer {
	a := &Analyzer{extractor: extract.Default(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze 对 query 做领域/类型/意图/紧急度分类。priorContext 可以为 nil。
func (a *Analyzer) Analyze(query string, priorContext map[string]any) ContextAnalysis {
	lower := strings.ToLower(query)

	domains := matchGroups(lower, domainTable)
	detectedDomains := len(domains)
	if detectedDomains == 0 {
		domains = []string{DomainGeneral}
	}

	queryType := classifyQueryType(lower)
	products := nonNil(a.extractor.Products(query))
	cities := nonNil(a.extractor.Cities(query))

	out := ContextAnalysis{
		AgriculturalDomain: domains,
		QueryType:          queryType,
		Urgency:            assessUrgency(lower),
		DetectedProducts:   products,
		DetectedCities:     cities,
		SeasonalContext:    SeasonFor(a.now().Month()),
		TechnicalLevel:     assessTechnicalLevel(lower),
	}
	out.Intent = deriveIntent(lower, out)
	out.Confidence = confidence(detectedDomains, queryType, len(products))

	if loc, ok := priorContext[PriorLocationKey].(string); ok && loc != "" {
		out.UserLocation = loc
	} else if len(cities) > 0 {
		out.UserLocation = cities[0]
	}
	return out
}

// SeasonFor 按月份映射季节上下文。
func SeasonFor(m time.Month) string {
	switch {
	case m >= time.March && m <= time.May:
		return "dry_season"
	case m >= time.June && m <= time.August:
		return "early_wet_season"
	case m >= time.September && m <= time.November:
		return "wet_season"
	default:
		return "late_wet_season"
	}
}

func matchGroups(lower string, table []keywordGroup) []string {
	var out []string
	for _, g := range table {
		if containsAny(lower, g.keywords) {
			out = append(out, g.name)
		}
	}
	return out
}

// classifyQueryType 选出命中关键词最多的分组；平局取先声明者。
func classifyQueryType(lower string) string {
	best, bestHits := QueryGeneral, 0
	for _, g := range queryTypeTable {
		hits := 0
		for _, kw := range g.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = g.name, hits
		}
	}
	return best
}

func assessUrgency(lower string) string {
	switch {
	case containsAny(lower, urgentWords):
		return UrgencyHigh
	case containsAny(lower, marketCrashWords):
		return UrgencyHigh
	case containsAny(lower, soonWords):
		return UrgencyMedium
	case containsAny(lower, readyToSellWords):
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func deriveIntent(lower string, a ContextAnalysis) string {
	switch {
	case a.HasDomain(DomainMarket) || a.HasDomain(DomainPricing):
		if containsAny(lower, sellWords) || containsAny(lower, readyToSellWords) {
			return IntentSelling
		}
		if containsAny(lower, buyWords) {
			return IntentBuying
		}
		return IntentPriceCheck
	case a.HasDomain(DomainEconomics):
		return IntentProfit
	case a.HasDomain(DomainCrops) && a.QueryType == QueryRecommendation:
		return IntentCropPlan
	case a.HasDomain(DomainWeather):
		return IntentWeather
	case a.QueryType == QueryCalculation:
		return IntentResource
	default:
		return IntentGeneral
	}
}

func assessTechnicalLevel(lower string) string {
	if phPattern.MatchString(lower) || containsAny(lower, advancedTerms) {
		return LevelAdvanced
	}
	if containsAny(lower, intermediateTerms) {
		return LevelIntermediate
	}
	return LevelBasic
}

// confidence 中 detectedDomains 只统计真实命中的领域，general 哨兵不计入。
func confidence(detectedDomains int, queryType string, products int) float64 {
	c := 0.3 + 0.15*float64(detectedDomains) + 0.1*float64(products)
	if queryType != QueryGeneral {
		c += 0.2
	}
	if c > 1.0 {
		return 1.0
	}
	return c
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
