package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fixedClock(m time.Month) func() time.Time {
	return func() time.Time { return time.Date(2025, m, 10, 8, 0, 0, 0, time.UTC) }
}

func TestAnalyze_PlantingTiming(t *testing.T) {
	a := New(WithClock(fixedClock(time.April)))

	got := a.Analyze("Kapan waktu tanam padi terbaik?", nil)

	assert.Contains(t, got.AgriculturalDomain, DomainCrops)
	assert.Equal(t, QueryTiming, got.QueryType)
	assert.Equal(t, []string{"padi"}, got.DetectedProducts)
	assert.Equal(t, "dry_season", got.SeasonalContext)
	assert.Equal(t, UrgencyLow, got.Urgency)
	assert.Equal(t, LevelBasic, got.TechnicalLevel)
}

func TestAnalyze_PriceInquiry(t *testing.T) {
	a := New(WithClock(fixedClock(time.July)))

	got := a.Analyze("Berapa harga cabai di Jakarta hari ini?", nil)

	assert.Contains(t, got.AgriculturalDomain, DomainMarket)
	assert.Contains(t, got.AgriculturalDomain, DomainPricing)
	assert.Equal(t, QueryPriceInquiry, got.QueryType)
	assert.Equal(t, IntentPriceCheck, got.Intent)
	assert.Equal(t, UrgencyMedium, got.Urgency)
	assert.Equal(t, []string{"Jakarta"}, got.DetectedCities)
	assert.Equal(t, "Jakarta", got.UserLocation)
	assert.Equal(t, "early_wet_season", got.SeasonalContext)
}

func TestAnalyze_GeneralSentinel(t *testing.T) {
	a := New()

	got := a.Analyze("halo selamat pagi", nil)

	assert.Equal(t, []string{DomainGeneral}, got.AgriculturalDomain)
	assert.Equal(t, QueryGeneral, got.QueryType)
	assert.Equal(t, IntentGeneral, got.Intent)
	assert.Empty(t, got.DetectedProducts)
	assert.NotNil(t, got.DetectedProducts)
	// general 哨兵不计入领域数量
	assert.InDelta(t, 0.3, got.Confidence, 1e-9)
}

func TestAnalyze_ConfidenceCapped(t *testing.T) {
	a := New()

	got := a.Analyze("harga padi jagung kedelai cabai tomat naik, untung atau rugi kalau jual di pasar? cuaca hujan", nil)

	assert.LessOrEqual(t, got.Confidence, 1.0)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestAnalyze_IntentChain(t *testing.T) {
	a := New()

	assert.Equal(t, IntentSelling, a.Analyze("saya mau jual cabai", nil).Intent)
	assert.Equal(t, IntentBuying, a.Analyze("mau beli bibit di pasar", nil).Intent)
	assert.Equal(t, IntentProfit, a.Analyze("berapa keuntungan tanam jagung", nil).Intent)
	assert.Equal(t, IntentCropPlan, a.Analyze("rekomendasi varietas padi yang cocok", nil).Intent)
	assert.Equal(t, IntentWeather, a.Analyze("bagaimana cuaca minggu ini", nil).Intent)
	assert.Equal(t, IntentResource, a.Analyze("hitung dosis untuk 2 hektar", nil).Intent)
}

func TestAnalyze_Urgency(t *testing.T) {
	a := New()

	assert.Equal(t, UrgencyHigh, a.Analyze("tolong segera, daun menguning", nil).Urgency)
	assert.Equal(t, UrgencyHigh, a.Analyze("harga anjlok, apa yang harus saya lakukan", nil).Urgency)
	assert.Equal(t, UrgencyMedium, a.Analyze("cuaca besok bagaimana", nil).Urgency)
	assert.Equal(t, UrgencyMedium, a.Analyze("padi saya siap panen", nil).Urgency)
	assert.Equal(t, UrgencyLow, a.Analyze("info varietas padi", nil).Urgency)
}

func TestAnalyze_TechnicalLevel(t *testing.T) {
	a := New()

	assert.Equal(t, LevelAdvanced, a.Analyze("berapa ph ideal untuk cabai", nil).TechnicalLevel)
	assert.Equal(t, LevelAdvanced, a.Analyze("jadwal pemupukan foliar", nil).TechnicalLevel)
	assert.Equal(t, LevelIntermediate, a.Analyze("pupuk apa untuk jagung", nil).TechnicalLevel)
	assert.Equal(t, LevelBasic, a.Analyze("kapan panen jagung", nil).TechnicalLevel)
}

func TestAnalyze_PriorLocationWins(t *testing.T) {
	a := New()

	got := a.Analyze("harga cabai di Medan", map[string]any{PriorLocationKey: "Bogor"})
	assert.Equal(t, "Bogor", got.UserLocation)

	got = a.Analyze("harga cabai", map[string]any{})
	assert.Equal(t, "", got.UserLocation)
}

func TestSeasonFor(t *testing.T) {
	cases := map[time.Month]string{
		time.January:   "late_wet_season",
		time.March:     "dry_season",
		time.May:       "dry_season",
		time.June:      "early_wet_season",
		time.September: "wet_season",
		time.November:  "wet_season",
		time.December:  "late_wet_season",
	}
	for m, want := range cases {
		assert.Equal(t, want, SeasonFor(m), m.String())
	}
}
