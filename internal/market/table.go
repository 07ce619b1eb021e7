package market

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed prices.yaml
var defaultTableYAML []byte

// ErrUnknownProduct 表示静态价格表中没有该产品。
var ErrUnknownProduct = errors.New("unknown product")

// DeltaRange 为季节预测的涨跌幅区间（百分比）。
type DeltaRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// ProductInfo 为静态价格表中的单个产品。
type ProductInfo struct {
	Display    string            `yaml:"display"`
	BasePrice  float64           `yaml:"base_price"`
	Volatility string            `yaml:"volatility"`
	ROIPercent float64           `yaml:"roi_percent"`
	Seasonal   map[string]string `yaml:"seasonal"`
	Delta      DeltaRange        `yaml:"delta"`
}

// Table 是兜底用的静态价格表，加载后只读。
type Table struct {
	CityFactors map[string]float64     `yaml:"city_factors"`
	Products    map[string]ProductInfo `yaml:"products"`
}

// DefaultTable 解析内嵌的价格表。
func DefaultTable() (*Table, error) {
	return ParseTable(defaultTableYAML)
}

// ParseTable 从 YAML 解析价格表。
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	if len(t.Products) == 0 {
		return nil, errors.New("price table has no products")
	}
	for name, p := range t.Products {
		if p.BasePrice <= 0 {
			return nil, fmt.Errorf("price table: product %q has no base_price", name)
		}
	}
	return &t, nil
}

// Product 查找产品（大小写不敏感，空格等同下划线）。
func (t *Table) Product(name string) (string, ProductInfo, error) {
	key := NormalizeProduct(name)
	p, ok := t.Products[key]
	if !ok {
		return key, ProductInfo{}, fmt.Errorf("%w: %s", ErrUnknownProduct, name)
	}
	return key, p, nil
}

// CityFactor 返回城市系数；未知城市按 1.0 处理。
func (t *Table) CityFactor(city string) float64 {
	for name, f := range t.CityFactors {
		if strings.EqualFold(name, city) {
			return f
		}
	}
	return 1.0
}

// ProductNames 按字母序返回所有产品名。
func (t *Table) ProductNames() []string {
	out := make([]string, 0, len(t.Products))
	for name := range t.Products {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NormalizeProduct 统一产品名写法。
func NormalizeProduct(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_")
}

// NormalizeCity 统一城市名写法：合并多余空白，每个词首字母大写。
func NormalizeCity(city string) string {
	words := strings.Fields(city)
	if len(words) == 0 {
		return ""
	}
	// Caser 有内部状态，不能跨 goroutine 共享
	return cases.Title(language.Indonesian).String(strings.Join(words, " "))
}
