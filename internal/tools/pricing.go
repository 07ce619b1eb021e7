package tools

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/wwwzy/SiapPanen/internal/market"
)

const (
	defaultProduk             = "padi"
	defaultJumlahKg           = 100.0
	defaultBiayaProduksiPerKg = 2000.0
	defaultTopLimit           = 5
)

// DefaultCompareCities 为比价的默认城市列表。
var DefaultCompareCities = []string{"Jakarta", "Bandung", "Surabaya", "Medan"}

type priceArgs struct {
	Produk string `json:"produk"`
	Lokasi string `json:"lokasi"`
}

func (a *priceArgs) withDefaults() {
	if strings.TrimSpace(a.Produk) == "" {
		a.Produk = defaultProduk
	}
	if strings.TrimSpace(a.Lokasi) == "" {
		a.Lokasi = defaultLokasi
	}
}

// PriceTool 查询单价（cekHargaPasar）。
type PriceTool struct {
	market *market.Service
}

func (t *PriceTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return descriptors[CekHargaPasar].ToolInfo(), nil
}

func (t *PriceTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args priceArgs
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}
	args.withDefaults()

	q, err := t.market.CheckPrice(ctx, args.Produk, args.Lokasi)
	if err != nil {
		return "", err
	}
	return encodeResult(q)
}

type compareArgs struct {
	Produk string   `json:"produk"`
	Kota   []string `json:"kota"`
}

func (a *compareArgs) withDefaults() {
	if strings.TrimSpace(a.Produk) == "" {
		a.Produk = defaultProduk
	}
	if len(a.Kota) == 0 {
		a.Kota = append([]string(nil), DefaultCompareCities...)
	}
}

// CompareTool 多城市比价（bandingHargaKota）。
type CompareTool struct {
	market *market.Service
}

func (t *CompareTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return descriptors[BandingHargaKota].ToolInfo(), nil
}

func (t *CompareTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args compareArgs
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}
	args.withDefaults()

	cmp, err := t.market.ComparePrices(ctx, args.Produk, args.Kota)
	if err != nil {
		return "", err
	}
	return encodeResult(cmp)
}

type profitArgs struct {
	Produk             string  `json:"produk"`
	JumlahKg           float64 `json:"jumlahKg"`
	BiayaProduksiPerKg float64 `json:"biayaProduksiPerKg"`
	Lokasi             string  `json:"lokasi"`
}

func (a *profitArgs) withDefaults() {
	if strings.TrimSpace(a.Produk) == "" {
		a.Produk = defaultProduk
	}
	if a.JumlahKg == 0 {
		a.JumlahKg = defaultJumlahKg
	}
	if a.BiayaProduksiPerKg == 0 {
		a.BiayaProduksiPerKg = defaultBiayaProduksiPerKg
	}
	if strings.TrimSpace(a.Lokasi) == "" {
		a.Lokasi = defaultLokasi
	}
}

// ProfitTool 估算收益（hitungKeuntungan）。
type ProfitTool struct {
	market *market.Service
}

func (t *ProfitTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return descriptors[HitungKeuntungan].ToolInfo(), nil
}

func (t *ProfitTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args profitArgs
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}
	args.withDefaults()

	r, err := t.market.Profit(ctx, args.Produk, args.JumlahKg, args.BiayaProduksiPerKg, args.Lokasi)
	if err != nil {
		return "", err
	}
	return encodeResult(r)
}

type forecastArgs struct {
	Produk string `json:"produk"`
	Bulan  int    `json:"bulan"`
}

func (a *forecastArgs) withDefaults(now time.Time) {
	if strings.TrimSpace(a.Produk) == "" {
		a.Produk = defaultProduk
	}
	if a.Bulan == 0 {
		a.Bulan = int(now.Month())
	}
}

// ForecastTool 季节价格预测（prediksiHargaMusim）。
type ForecastTool struct {
	market *market.Service
	now    func() time.Time
}

func (t *ForecastTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return descriptors[PrediksiHargaMusim].ToolInfo(), nil
}

func (t *ForecastTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args forecastArgs
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}
	args.withDefaults(t.now())

	f, err := t.market.SeasonalForecast(args.Produk, args.Bulan)
	if err != nil {
		return "", err
	}
	return encodeResult(f)
}

type topArgs struct {
	Lokasi string `json:"lokasi"`
	Limit  int    `json:"limit"`
}

func (a *topArgs) withDefaults() {
	if strings.TrimSpace(a.Lokasi) == "" {
		a.Lokasi = defaultLokasi
	}
	if a.Limit <= 0 {
		a.Limit = defaultTopLimit
	}
}

// TopProductsTool 价格排行（produkHargaTertinggi）。
type TopProductsTool struct {
	market *market.Service
}

func (t *TopProductsTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return descriptors[ProdukHargaTertinggi].ToolInfo(), nil
}

func (t *TopProductsTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args topArgs
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}
	args.withDefaults()

	top, err := t.market.TopProducts(ctx, args.Lokasi, args.Limit)
	if err != nil {
		return "", err
	}
	return encodeResult(map[string]any{
		"lokasi": market.NormalizeCity(args.Lokasi),
		"produk": top,
	})
}
