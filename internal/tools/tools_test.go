package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/SiapPanen/internal/market"
	"github.com/wwwzy/SiapPanen/internal/metrics"
)

type fixedRandom struct{}

func (fixedRandom) Float64() float64 { return 0.5 }
func (fixedRandom) IntN(n int) int   { return (n - 1) % n }

var testNow = time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	table, err := market.DefaultTable()
	require.NoError(t, err)
	svc, err := market.NewService(table,
		market.WithRandom(fixedRandom{}),
		market.WithClock(func() time.Time { return testNow }),
	)
	require.NoError(t, err)
	r, err := NewRegistry(Deps{Market: svc, Now: func() time.Time { return testNow }}, opts...)
	require.NoError(t, err)
	return r
}

func TestRecommendTools_WeatherOnce(t *testing.T) {
	r := newTestRegistry(t)

	for _, q := range []string{
		"cuaca hari ini",
		"cuaca cuaca hujan cerah, musim hujan dan iklim",
		"Apakah besok HUJAN?",
	} {
		got := r.RecommendTools(q)
		count := 0
		for _, n := range got {
			if n == CekCuaca {
				count++
			}
		}
		assert.Equal(t, 1, count, q)
		assert.Equal(t, CekCuaca, got[0], q)
	}
}

func TestRecommendTools_Ordered(t *testing.T) {
	r := newTestRegistry(t)

	assert.Contains(t, r.RecommendTools("Kapan waktu tanam padi terbaik?"), BuatJadwalTanam)
	assert.Equal(t, []Name{HitungKebutuhan, CekHargaPasar}, r.RecommendTools("Berapa harga cabai di Jakarta hari ini?"))
	assert.Equal(t, []Name{CekHargaPasar, BandingHargaKota}, r.RecommendTools("bandingkan harga di kota besar"))
	assert.Empty(t, r.RecommendTools("halo selamat pagi"))
}

func TestRecommendTools_Composites(t *testing.T) {
	r := newTestRegistry(t)

	assert.Equal(t, []Name{CekHargaPasar, HitungKeuntungan}, r.RecommendTools("padi saya siap panen"))
	assert.Equal(t, []Name{CekHargaPasar, HitungKeuntungan}, r.RecommendTools("mau jual cabai"))
	assert.Equal(t, []Name{BandingHargaKota}, r.RecommendTools("bantu saya pilih kota"))
}

func TestCalculateNeeds_Linear(t *testing.T) {
	for _, area := range []float64{0.5, 1, 2.25, 10, 137} {
		one, err := CalculateNeeds(area, 300, 1000)
		require.NoError(t, err)
		two, err := CalculateNeeds(2*area, 300, 1000)
		require.NoError(t, err)

		assert.Equal(t, 2*one.TotalPupukKg, two.TotalPupukKg, area)
		assert.Equal(t, 2*one.TotalAirLiter, two.TotalAirLiter, area)
	}

	n, err := CalculateNeeds(2, 250, 1200)
	require.NoError(t, err)
	assert.Equal(t, "Untuk 2 ha: butuh 500 kg pupuk & 2400 liter air.", n.Ringkasan)

	_, err = CalculateNeeds(-1, 300, 1000)
	assert.Error(t, err)
}

func TestExecute_Defaults(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	res := r.Execute(ctx, CekCuaca, nil)
	require.False(t, res.Failed(), res.Err)
	var w Weather
	require.NoError(t, json.Unmarshal(res.Output, &w))
	assert.Equal(t, "Cuaca di Jakarta: cerah, curah hujan rendah.", w.Ringkasan)

	res = r.Execute(ctx, BuatJadwalTanam, map[string]any{})
	require.False(t, res.Failed(), res.Err)
	var s Schedule
	require.NoError(t, json.Unmarshal(res.Output, &s))
	assert.Equal(t, "padi", s.Tanaman)
	assert.Equal(t, "2025-03-15", s.TanggalTanam)
	assert.Equal(t, "2025-06-13", s.PerkiraanPanen)

	res = r.Execute(ctx, HitungKebutuhan, nil)
	require.False(t, res.Failed(), res.Err)
	var n Needs
	require.NoError(t, json.Unmarshal(res.Output, &n))
	assert.Equal(t, 300.0, n.TotalPupukKg)
	assert.Equal(t, 1000.0, n.TotalAirLiter)

	res = r.Execute(ctx, PrediksiHargaMusim, nil)
	require.False(t, res.Failed(), res.Err)
	var f market.Forecast
	require.NoError(t, json.Unmarshal(res.Output, &f))
	assert.Equal(t, 3, f.Month)
	assert.Equal(t, market.SeasonWet, f.Season)
}

func TestExecute_PriceTools(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	res := r.Execute(ctx, CekHargaPasar, map[string]any{"produk": "cabai", "lokasi": "Jakarta"})
	require.False(t, res.Failed(), res.Err)
	var q market.Quote
	require.NoError(t, json.Unmarshal(res.Output, &q))
	assert.Equal(t, "cabai", q.Product)
	assert.Equal(t, "Jakarta", q.City)
	assert.Equal(t, 45000.0, q.Price)

	res = r.Execute(ctx, BandingHargaKota, map[string]any{"produk": "jagung"})
	require.False(t, res.Failed(), res.Err)
	var cmp market.Comparison
	require.NoError(t, json.Unmarshal(res.Output, &cmp))
	require.Len(t, cmp.Quotes, len(DefaultCompareCities))
	for i := 1; i < len(cmp.Quotes); i++ {
		assert.Greater(t, cmp.Quotes[i-1].Price, cmp.Quotes[i].Price)
	}
	assert.Equal(t, cmp.Highest.Price-cmp.Lowest.Price, cmp.Spread)

	res = r.Execute(ctx, HitungKeuntungan, map[string]any{"produk": "padi", "jumlahKg": 1000.0})
	require.False(t, res.Failed(), res.Err)
	var p market.ProfitReport
	require.NoError(t, json.Unmarshal(res.Output, &p))
	assert.Equal(t, 1000.0, p.QuantityKg)
	assert.Equal(t, 2000.0, p.CostPerKg)

	res = r.Execute(ctx, ProdukHargaTertinggi, map[string]any{"limit": 2})
	require.False(t, res.Failed(), res.Err)
	var top struct {
		Lokasi string                 `json:"lokasi"`
		Produk []market.RankedProduct `json:"produk"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &top))
	assert.Equal(t, "Jakarta", top.Lokasi)
	assert.Len(t, top.Produk, 2)
}

func TestExecute_ErrorsBecomePayload(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	res := r.Execute(ctx, BuatJadwalTanam, map[string]any{"tanggal": "besok pagi"})
	require.True(t, res.Failed())
	payload, ok := res.Payload().(ErrorPayload)
	require.True(t, ok)
	assert.True(t, payload.Error)
	assert.Contains(t, payload.Message, "Gagal menjalankan buatJadwalTanam")

	res = r.Execute(ctx, CekHargaPasar, map[string]any{"produk": "durian"})
	assert.True(t, res.Failed())
	assert.Contains(t, res.Err, "unknown product")

	res = r.Execute(ctx, Name("hapusSemua"), nil)
	assert.True(t, res.Failed())
	assert.Contains(t, res.Err, "tidak ditemukan")
}

type panicTool struct{}

func (panicTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: "boom"}, nil
}

func (panicTool) InvokableRun(_ context.Context, _ string, _ ...tool.Option) (string, error) {
	panic("kaboom")
}

func TestExecute_RecoversPanic(t *testing.T) {
	r := newTestRegistry(t)
	r.tools[CekCuaca] = panicTool{}

	var res Result
	assert.NotPanics(t, func() { res = r.Execute(context.Background(), CekCuaca, nil) })
	assert.True(t, res.Failed())
	assert.Contains(t, res.Err, "kaboom")
	assert.Equal(t, 1, r.UsageStats()[CekCuaca].Failures)
}

func TestRegistry_DescriptorsAndUsage(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := newTestRegistry(t, WithMetrics(m))

	assert.Equal(t, AllNames, r.Names())
	assert.Equal(t, "Cek harga pasar terkini untuk produk pertanian", r.Description(CekHargaPasar))

	descs := r.Descriptors()
	require.Len(t, descs, 8)
	assert.Equal(t, CategoryAgriculture, descs[0].Category)
	assert.Equal(t, []string{"kota", "produk"}, descs[4].ParamNames())

	infos, err := r.ToolInfos(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 8)
	assert.Equal(t, "bandingHargaKota", infos[4].Name)

	r.Execute(context.Background(), HitungKebutuhan, map[string]any{"luasHa": 2.0})
	r.Execute(context.Background(), HitungKebutuhan, map[string]any{"luasHa": -2.0})
	stats := r.UsageStats()[HitungKebutuhan]
	assert.Equal(t, 2, stats.Calls)
	assert.Equal(t, 1, stats.Failures)
	assert.False(t, stats.LastUsed.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("hitungKebutuhan", "failed")))
}

func TestParseName(t *testing.T) {
	n, ok := ParseName("cekCuaca")
	assert.True(t, ok)
	assert.Equal(t, CekCuaca, n)

	_, ok = ParseName("cekcuaca")
	assert.False(t, ok)
}
