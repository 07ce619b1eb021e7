// Package extract 从用户原始提问中抽取结构化实体（作物、城市、数字、月份）。
//
// 抽取策略是可替换的：上层只依赖 Extractor 接口，默认实现 KeywordExtractor
// 基于固定词表做子串匹配，不做通用 NLU。
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// Extractor 为实体抽取策略。
type Extractor interface {
	// Products 按词表顺序返回提问中出现的农产品（规范名，如 bawang_merah）。
	Products(query string) []string
	// Cities 按词表顺序返回提问中出现的城市（规范名，首字母大写）。
	Cities(query string) []string
	// Product 返回提问针对的农产品，存在包含关系时取更具体的名字；未命中返回空串。
	Product(query string) string
	// Crop 返回第一个出现的作物名；未命中返回空串。
	Crop(query string) string
	// Location 返回第一个出现的城市；未命中返回空串。
	Location(query string) string
	// Numbers 按出现顺序返回所有数字。
	Numbers(query string) []float64
	// Month 返回提问中提到的月份（1~12）；未提及返回 0。
	Month(query string) int
}

// ProductCatalog 为已知农产品的规范名，顺序即检测顺序。
var ProductCatalog = []string{
	"padi", "beras", "jagung", "kedelai", "cabai", "cabai_rawit", "tomat",
	"bawang_merah", "bawang_putih", "kentang", "wortel", "kubis",
	"bayam", "kangkung", "sawi", "terong", "timun",
}

// CityCatalog 为已知城市的规范名，顺序即检测顺序。
var CityCatalog = []string{
	"Jakarta", "Bandung", "Surabaya", "Medan", "Semarang", "Yogyakarta",
	"Makassar", "Palembang", "Bogor", "Depok", "Tangerang", "Bekasi",
	"Malang", "Denpasar",
}

// cropCatalog 为作物名检测词表（cekCuaca/buatJadwalTanam 的 tanaman 参数）。
var cropCatalog = []string{
	"padi", "jagung", "kedelai", "cabai", "tomat", "bayam", "kangkung", "sawi",
	"bawang_merah", "bawang_putih", "kentang", "wortel", "kubis", "terong", "timun",
}

var monthNames = map[string]int{
	"januari": 1, "februari": 2, "maret": 3, "april": 4, "mei": 5, "juni": 6,
	"juli": 7, "agustus": 8, "september": 9, "oktober": 10, "november": 11, "desember": 12,
}

var (
	numberPattern = regexp.MustCompile(`\d+(?:[.,]\d+)*`)
	// thousandsPattern 匹配印尼写法的千分位：点分隔三位一组，逗号为小数点，如 15.000 或 1.250,5。
	thousandsPattern = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+(?:,\d+)?$`)
)

// KeywordExtractor 是默认的词表匹配实现，零值可用。
type KeywordExtractor struct{}

// Default 返回默认抽取器。
func Default() Extractor { return KeywordExtractor{} }

func (KeywordExtractor) Products(query string) []string {
	return matchCatalog(strings.ToLower(query), ProductCatalog)
}

func (KeywordExtractor) Cities(query string) []string {
	return matchCatalog(strings.ToLower(query), CityCatalog)
}

func (KeywordExtractor) Product(query string) string {
	return mostSpecific(matchCatalog(strings.ToLower(query), ProductCatalog))
}

func (KeywordExtractor) Crop(query string) string {
	return mostSpecific(matchCatalog(strings.ToLower(query), cropCatalog))
}

// mostSpecific 取第一个命中项，若后续命中项包含它则改用更长的那个（cabai_rawit 先于 cabai）。
func mostSpecific(found []string) string {
	if len(found) == 0 {
		return ""
	}
	best := found[0]
	for _, f := range found[1:] {
		if len(f) > len(best) && strings.Contains(f, best) {
			best = f
		}
	}
	return best
}

func (e KeywordExtractor) Location(query string) string {
	cities := e.Cities(query)
	if len(cities) == 0 {
		return ""
	}
	return cities[0]
}

func (KeywordExtractor) Numbers(query string) []float64 {
	raw := numberPattern.FindAllString(query, -1)
	out := make([]float64, 0, len(raw))
	for _, r := range raw {
		if v, ok := parseNumber(r); ok {
			out = append(out, v)
		}
	}
	return out
}

// parseNumber 逗号一律视为小数点；点后恰好三位数字时视为千分位。
func parseNumber(s string) (float64, bool) {
	if thousandsPattern.MatchString(s) {
		s = strings.ReplaceAll(s, ".", "")
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (KeywordExtractor) Month(query string) int {
	lower := strings.ToLower(query)
	best, bestPos := 0, -1
	for name, m := range monthNames {
		if i := strings.Index(lower, name); i >= 0 && (bestPos < 0 || i < bestPos) {
			best, bestPos = m, i
		}
	}
	return best
}

// matchCatalog 返回 lower 中出现的词条（保持词表顺序）。
// 含下划线的词条同时匹配空格写法，如 bawang_merah / bawang merah。
func matchCatalog(lower string, catalog []string) []string {
	var out []string
	for _, item := range catalog {
		key := strings.ToLower(item)
		if strings.Contains(lower, key) {
			out = append(out, item)
			continue
		}
		if strings.Contains(key, "_") && strings.Contains(lower, strings.ReplaceAll(key, "_", " ")) {
			out = append(out, item)
		}
	}
	return out
}
