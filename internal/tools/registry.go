// Package tools 注册 Siap Panen 的确定性工具，负责工具推荐与带兜底的执行。
//
// 每个工具都实现 eino 的 tool.InvokableTool，参数与结果均为 JSON。
// Registry.Execute 不会返回错误：任何错误或 panic 都会被转换为
// {"error":true,"message":...} 形式的结果，由上层照常写入提示词。
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/wwwzy/SiapPanen/internal/market"
	"github.com/wwwzy/SiapPanen/internal/metrics"
)

// Result 为单次工具执行结果。
type Result struct {
	Tool       Name            `json:"tool"`
	Parameters map[string]any  `json:"parameters"`
	Output     json.RawMessage `json:"output,omitempty"`
	Err        string          `json:"error,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Failed 表示执行失败（结果为错误标记）。
func (r Result) Failed() bool { return r.Err != "" }

// ErrorPayload 为失败结果对外的形态。
type ErrorPayload struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// Payload 返回写入提示词与历史记录的值：成功为工具输出，失败为错误标记。
func (r Result) Payload() any {
	if r.Failed() {
		return ErrorPayload{Error: true, Message: r.Err}
	}
	return r.Output
}

// UsageStat 为单个工具的累计使用情况。
type UsageStat struct {
	Calls        int           `json:"calls"`
	Failures     int           `json:"failures"`
	TotalLatency time.Duration `json:"totalLatency"`
	LastUsed     time.Time     `json:"lastUsed"`
}

// AverageLatency 返回平均耗时。
func (u UsageStat) AverageLatency() time.Duration {
	if u.Calls == 0 {
		return 0
	}
	return u.TotalLatency / time.Duration(u.Calls)
}

// Deps 为工具实现依赖的服务。
type Deps struct {
	Market  *market.Service
	Weather WeatherProvider
	// Now 为当前时间来源（默认日期/月份），nil 时使用 time.Now。
	Now func() time.Time
}

type Option func(*Registry)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry 持有工具实现、描述与使用统计，可并发使用。
type Registry struct {
	tools   map[Name]tool.InvokableTool
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu    sync.Mutex
	usage map[Name]UsageStat
}

func NewRegistry(deps Deps, opts ...Option) (*Registry, error) {
	if deps.Market == nil {
		return nil, errors.New("market service is required")
	}
	if deps.Weather == nil {
		deps.Weather = CannedWeather{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := &Registry{
		tools: map[Name]tool.InvokableTool{
			CekCuaca:             &WeatherTool{provider: deps.Weather},
			BuatJadwalTanam:      &ScheduleTool{now: deps.Now},
			HitungKebutuhan:      &NeedsTool{},
			CekHargaPasar:        &PriceTool{market: deps.Market},
			BandingHargaKota:     &CompareTool{market: deps.Market},
			HitungKeuntungan:     &ProfitTool{market: deps.Market},
			PrediksiHargaMusim:   &ForecastTool{market: deps.Market, now: deps.Now},
			ProdukHargaTertinggi: &TopProductsTool{market: deps.Market},
		},
		logger: zerolog.Nop(),
		now:    time.Now,
		usage:  make(map[Name]UsageStat),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Names 返回已注册的工具名（注册顺序）。
func (r *Registry) Names() []Name {
	out := make([]Name, 0, len(AllNames))
	for _, n := range AllNames {
		if _, ok := r.tools[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Has 判断工具是否已注册。
func (r *Registry) Has(name Name) bool {
	_, ok := r.tools[name]
	return ok
}

// Description 返回工具描述；未知工具返回空串。
func (r *Registry) Description(name Name) string {
	return descriptors[name].Description
}

// Descriptors 返回全部工具描述（注册顺序）。
func (r *Registry) Descriptors() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	for _, n := range names {
		out = append(out, descriptors[n])
	}
	return out
}

// ToolInfos 返回 eino 工具描述，可直接绑定到支持工具调用的模型。
func (r *Registry) ToolInfos(ctx context.Context) ([]*schema.ToolInfo, error) {
	names := r.Names()
	out := make([]*schema.ToolInfo, 0, len(names))
	for _, n := range names {
		info, err := r.tools[n].Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("tool info %s: %w", n, err)
		}
		out = append(out, info)
	}
	return out, nil
}

// UsageStats 返回使用统计的快照。
func (r *Registry) UsageStats() map[Name]UsageStat {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[Name]UsageStat, len(r.usage))
	for k, v := range r.usage {
		out[k] = v
	}
	return out
}

// Execute 执行工具。错误与 panic 均转换为失败结果，不会向上传播。
func (r *Registry) Execute(ctx context.Context, name Name, params map[string]any) (res Result) {
	start := time.Now()
	res = Result{Tool: name, Parameters: params}

	defer func() {
		if p := recover(); p != nil {
			res.Output = nil
			res.Err = fmt.Sprintf("Gagal menjalankan %s: panic: %v", name, p)
		}
		res.Duration = time.Since(start)
		r.record(name, res)
	}()

	impl, ok := r.tools[name]
	if !ok {
		res.Err = fmt.Sprintf("Tool %s tidak ditemukan", name)
		return res
	}

	args, err := json.Marshal(nonNilParams(params))
	if err != nil {
		res.Err = fmt.Sprintf("Gagal menjalankan %s: %v", name, err)
		return res
	}

	out, err := impl.InvokableRun(ctx, string(args))
	if err != nil {
		res.Err = fmt.Sprintf("Gagal menjalankan %s: %v", name, err)
		return res
	}
	res.Output = json.RawMessage(out)
	return res
}

func (r *Registry) record(name Name, res Result) {
	r.metrics.ObserveTool(string(name), !res.Failed(), res.Duration)

	ev := r.logger.Debug()
	if res.Failed() {
		ev = r.logger.Warn().Str("error", res.Err)
	}
	ev.Str("tool", string(name)).Dur("duration", res.Duration).Msg("tool executed")

	if _, ok := r.tools[name]; !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.usage[name]
	u.Calls++
	if res.Failed() {
		u.Failures++
	}
	u.TotalLatency += res.Duration
	u.LastUsed = r.now()
	r.usage[name] = u
}

func nonNilParams(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

type recommendRule struct {
	tool     Name
	keywords []string
}

// recommendRules 的顺序即推荐结果的顺序。
var recommendRules = []recommendRule{
	{CekCuaca, []string{"cuaca", "hujan", "cerah", "iklim", "musim"}},
	{BuatJadwalTanam, []string{"jadwal tanam", "kapan tanam", "waktu tanam", "musim tanam"}},
	{HitungKebutuhan, []string{"hitung", "butuh berapa", "kebutuhan", "pupuk", "air", "dosis", "berapa"}},
	{CekHargaPasar, []string{"harga", "pasar", "jual", "beli", "harga pasar", "harga terkini"}},
	{BandingHargaKota, []string{"banding", "bandingkan", "perbandingan harga", "harga di", "lebih mahal", "lebih murah"}},
	{HitungKeuntungan, []string{"keuntungan", "untung", "rugi", "laba", "margin", "profit"}},
	{PrediksiHargaMusim, []string{"prediksi", "ramalan", "trend", "naik", "turun", "bulan depan", "musim depan"}},
	{ProdukHargaTertinggi, []string{"tertinggi", "termahal", "terbaik", "paling mahal", "top", "ranking"}},
}

var (
	readyToSellPhrases = []string{"mau jual", "siap panen", "siap jual"}
	whereToSellPhrases = []string{"pilih kota", "kemana jual", "ke mana jual", "jual di mana"}
)

// RecommendTools 按关键词推荐工具，结果有序且不重复。
func (r *Registry) RecommendTools(query string) []Name {
	lower := strings.ToLower(query)
	var out []Name
	add := func(n Name) {
		if !r.Has(n) {
			return
		}
		for _, existing := range out {
			if existing == n {
				return
			}
		}
		out = append(out, n)
	}

	for _, rule := range recommendRules {
		if containsAny(lower, rule.keywords) {
			add(rule.tool)
		}
	}
	if containsAny(lower, readyToSellPhrases) {
		add(CekHargaPasar)
		add(HitungKeuntungan)
	}
	if containsAny(lower, whereToSellPhrases) {
		add(BandingHargaKota)
	}
	return out
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
