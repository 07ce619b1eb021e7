// Package planner 把上下文分析结果转换为带优先级的执行计划。
package planner

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/wwwzy/SiapPanen/internal/analyzer"
	"github.com/wwwzy/SiapPanen/internal/extract"
	"github.com/wwwzy/SiapPanen/internal/tools"
)

type Action string

const (
	ActionToolCall          Action = "tool_call"
	ActionKnowledgeRetrieve Action = "knowledge_retrieval"
	ActionDirectResponse    Action = "direct_response"
)

type Strategy string

const (
	StrategyComprehensive Strategy = "comprehensive"
	StrategyConcise       Strategy = "concise"
	StrategyStepByStep    Strategy = "step_by_step"
)

// Task 为计划中的一个步骤。
type Task struct {
	ID           string         `json:"id"`
	Action       Action         `json:"action"`
	ToolName     tools.Name     `json:"toolName,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Priority     int            `json:"priority"`
	Dependencies []string       `json:"dependencies"`
}

// ExecutionPlan 中 Tasks 按优先级降序排列，仅用于展示；
// 真正的执行顺序由 Dependencies 决定，见 ExecutionOrder。
type ExecutionPlan struct {
	Reasoning        string   `json:"reasoning"`
	Tasks            []Task   `json:"tasks"`
	ResponseStrategy Strategy `json:"responseStrategy"`
}

// ToolTasks 按创建顺序返回全部工具调用任务。
func (p ExecutionPlan) ToolTasks() []Task {
	var out []Task
	for _, t := range p.ExecutionOrder() {
		if t.Action == ActionToolCall {
			out = append(out, t)
		}
	}
	return out
}

// ExecutionOrder 按依赖关系做拓扑排序；同层任务按创建顺序。
func (p ExecutionPlan) ExecutionOrder() []Task {
	byID := make(map[string]Task, len(p.Tasks))
	ids := make([]string, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		byID[t.ID] = t
		ids = append(ids, t.ID)
	}
	sort.SliceStable(ids, func(i, j int) bool { return taskSeq(ids[i]) < taskSeq(ids[j]) })

	done := make(map[string]bool, len(ids))
	out := make([]Task, 0, len(ids))
	for len(out) < len(ids) {
		progressed := false
		for _, id := range ids {
			if done[id] {
				continue
			}
			ready := true
			for _, dep := range byID[id].Dependencies {
				if _, known := byID[dep]; known && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				out = append(out, byID[id])
				progressed = true
			}
		}
		if !progressed {
			// 出现环时按创建顺序补齐剩余任务
			for _, id := range ids {
				if !done[id] {
					done[id] = true
					out = append(out, byID[id])
				}
			}
		}
	}
	return out
}

func taskSeq(id string) int {
	var n int
	_, _ = fmt.Sscanf(id, "task_%d", &n)
	return n
}

var basePriority = map[tools.Name]int{
	tools.CekCuaca:        8,
	tools.BuatJadwalTanam: 7,
	tools.HitungKebutuhan: 6,
}

const defaultBasePriority = 5

var urgencyMultiplier = map[string]int{
	analyzer.UrgencyLow:    1,
	analyzer.UrgencyMedium: 2,
	analyzer.UrgencyHigh:   3,
}

// Priority 计算工具任务的优先级：基础优先级 × 紧急度系数。
func Priority(name tools.Name, urgency string) int {
	base, ok := basePriority[name]
	if !ok {
		base = defaultBasePriority
	}
	m, ok := urgencyMultiplier[urgency]
	if !ok {
		m = 1
	}
	return base * m
}

// Config 为参数推断使用的默认值。
type Config struct {
	// WeatherLocation 为天气查询在提问与历史都没有地点时使用的默认城市。
	WeatherLocation string `mapstructure:"weather_location"`
	// MarketLocation 为价格类工具的默认城市。
	MarketLocation string `mapstructure:"market_location"`
}

func (c Config) withDefaults() Config {
	if c.WeatherLocation == "" {
		c.WeatherLocation = "Bandung"
	}
	if c.MarketLocation == "" {
		c.MarketLocation = "Jakarta"
	}
	return c
}

type Planner struct {
	cfg       Config
	extractor extract.Extractor
	now       func() time.Time
}

type Option func(*Planner)

func WithExtractor(e extract.Extractor) Option {
	return func(p *Planner) {
		if e != nil {
			p.extractor = e
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Planner) {
		if now != nil {
			p.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *Planner {
	p := &Planner{cfg: cfg.withDefaults(), extractor: extract.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreatePlan 为 analysis.RequiredTools 中可用的每个工具生成一个任务，
// 最后追加一个依赖全部工具任务的 direct_response 任务。
func (p *Planner) CreatePlan(query string, analysis analyzer.ContextAnalysis, availableTools []tools.Name) ExecutionPlan {
	available := make(map[tools.Name]bool, len(availableTools))
	for _, n := range availableTools {
		available[n] = true
	}

	var tasks []Task
	var toolIDs []string
	var used []string
	seq := 1
	for _, raw := range analysis.RequiredTools {
		name, ok := tools.ParseName(raw)
		if !ok || !available[name] {
			continue
		}
		id := fmt.Sprintf("task_%d", seq)
		seq++
		tasks = append(tasks, Task{
			ID:           id,
			Action:       ActionToolCall,
			ToolName:     name,
			Parameters:   p.parameters(name, query, analysis),
			Priority:     Priority(name, analysis.Urgency),
			Dependencies: []string{},
		})
		toolIDs = append(toolIDs, id)
		used = append(used, string(name))
	}

	tasks = append(tasks, Task{
		ID:           fmt.Sprintf("task_%d", seq),
		Action:       ActionDirectResponse,
		Priority:     1,
		Dependencies: append([]string{}, toolIDs...),
	})
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Priority > tasks[j].Priority })

	return ExecutionPlan{
		Reasoning:        reasoning(analysis, used),
		Tasks:            tasks,
		ResponseStrategy: strategy(analysis),
	}
}

func (p *Planner) parameters(name tools.Name, query string, a analyzer.ContextAnalysis) map[string]any {
	e := p.extractor
	location := func(fallback string) string {
		if loc := e.Location(query); loc != "" {
			return loc
		}
		if a.UserLocation != "" {
			return a.UserLocation
		}
		return fallback
	}
	product := func() string {
		if ps := e.Product(query); ps != "" {
			return ps
		}
		return "padi"
	}
	numbers := e.Numbers(query)
	number := func(i int, fallback float64) float64 {
		if i < len(numbers) && numbers[i] > 0 {
			return numbers[i]
		}
		return fallback
	}

	switch name {
	case tools.CekCuaca:
		return map[string]any{"lokasi": location(p.cfg.WeatherLocation)}
	case tools.BuatJadwalTanam:
		crop := e.Crop(query)
		if crop == "" {
			crop = "padi"
		}
		return map[string]any{"tanaman": crop, "tanggal": p.now().Format("2006-01-02")}
	case tools.HitungKebutuhan:
		return map[string]any{
			"luasHa":        number(0, 1),
			"dosisKgPerHa":  number(1, 300),
			"airLiterPerHa": number(2, 1000),
		}
	case tools.CekHargaPasar:
		return map[string]any{"produk": product(), "lokasi": location(p.cfg.MarketLocation)}
	case tools.BandingHargaKota:
		cities := e.Cities(query)
		if len(cities) < 2 {
			cities = append([]string{}, tools.DefaultCompareCities...)
		}
		return map[string]any{"produk": product(), "kota": cities}
	case tools.HitungKeuntungan:
		return map[string]any{
			"produk":             product(),
			"jumlahKg":           number(0, 100),
			"biayaProduksiPerKg": number(1, 2000),
			"lokasi":             location(p.cfg.MarketLocation),
		}
	case tools.PrediksiHargaMusim:
		month := e.Month(query)
		if month == 0 {
			month = int(p.now().Month())
		}
		return map[string]any{"produk": product(), "bulan": month}
	case tools.ProdukHargaTertinggi:
		limit := 5
		if n := number(0, 0); n >= 1 && n <= 20 {
			limit = int(n)
		}
		return map[string]any{"lokasi": location(p.cfg.MarketLocation), "limit": limit}
	default:
		return map[string]any{}
	}
}

func reasoning(a analyzer.ContextAnalysis, used []string) string {
	domain := analyzer.DomainGeneral
	if len(a.AgriculturalDomain) > 0 {
		domain = a.AgriculturalDomain[0]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "User bertanya tentang %s dengan tipe pertanyaan %s. ", domain, a.QueryType)
	if len(used) > 0 {
		fmt.Fprintf(&b, "Perlu menggunakan tools: %s. ", strings.Join(used, ", "))
	}
	fmt.Fprintf(&b, "Akan memberikan respons yang sesuai dengan level %s.", a.TechnicalLevel)
	return b.String()
}

func strategy(a analyzer.ContextAnalysis) Strategy {
	switch {
	case a.TechnicalLevel == analyzer.LevelAdvanced:
		return StrategyComprehensive
	case a.QueryType == analyzer.QueryHowTo:
		return StrategyStepByStep
	default:
		return StrategyConcise
	}
}
