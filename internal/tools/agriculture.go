package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

const (
	defaultLokasi        = "Jakarta"
	defaultTanaman       = "padi"
	defaultLuasHa        = 1.0
	defaultDosisKgPerHa  = 300.0
	defaultAirLiterPerHa = 1000.0

	harvestAfterDays = 90
	dateLayout       = "2006-01-02"
)

// Weather 为天气查询结果。
type Weather struct {
	Lokasi     string `json:"lokasi"`
	Kondisi    string `json:"kondisi"`
	CurahHujan string `json:"curahHujan"`
	Ringkasan  string `json:"ringkasan"`
}

// WeatherProvider 为天气数据来源。
type WeatherProvider interface {
	Current(ctx context.Context, location string) (Weather, error)
}

// CannedWeather 返回固定的天气描述，用于没有接入真实天气服务的部署。
type CannedWeather struct{}

func (CannedWeather) Current(_ context.Context, location string) (Weather, error) {
	return Weather{
		Lokasi:     location,
		Kondisi:    "cerah",
		CurahHujan: "rendah",
		Ringkasan:  fmt.Sprintf("Cuaca di %s: cerah, curah hujan rendah.", location),
	}, nil
}

// WeatherTool 查询天气（cekCuaca）。
type WeatherTool struct {
	provider WeatherProvider
}

type weatherArgs struct {
	Lokasi string `json:"lokasi"`
}

func (a *weatherArgs) withDefaults() {
	if strings.TrimSpace(a.Lokasi) == "" {
		a.Lokasi = defaultLokasi
	}
}

func (t *WeatherTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return descriptors[CekCuaca].ToolInfo(), nil
}

func (t *WeatherTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args weatherArgs
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}
	args.withDefaults()

	w, err := t.provider.Current(ctx, args.Lokasi)
	if err != nil {
		return "", fmt.Errorf("weather for %s: %w", args.Lokasi, err)
	}
	return encodeResult(w)
}

// Schedule 为种植计划。
type Schedule struct {
	Tanaman        string `json:"tanaman"`
	TanggalTanam   string `json:"tanggalTanam"`
	PerkiraanPanen string `json:"perkiraanPanen"`
	Ringkasan      string `json:"ringkasan"`
}

// ScheduleTool 生成种植计划（buatJadwalTanam）。
type ScheduleTool struct {
	now func() time.Time
}

type scheduleArgs struct {
	Tanaman string `json:"tanaman"`
	Tanggal string `json:"tanggal"`
}

func (a *scheduleArgs) withDefaults(now time.Time) {
	if strings.TrimSpace(a.Tanaman) == "" {
		a.Tanaman = defaultTanaman
	}
	if strings.TrimSpace(a.Tanggal) == "" {
		a.Tanggal = now.Format(dateLayout)
	}
}

func (t *ScheduleTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return descriptors[BuatJadwalTanam].ToolInfo(), nil
}

func (t *ScheduleTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args scheduleArgs
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}
	args.withDefaults(t.now())

	start, err := time.Parse(dateLayout, args.Tanggal)
	if err != nil {
		return "", fmt.Errorf("tanggal %q is not a valid date (YYYY-MM-DD)", args.Tanggal)
	}
	harvest := start.AddDate(0, 0, harvestAfterDays).Format(dateLayout)

	return encodeResult(Schedule{
		Tanaman:        args.Tanaman,
		TanggalTanam:   args.Tanggal,
		PerkiraanPanen: harvest,
		Ringkasan: fmt.Sprintf("Jadwal tanam untuk %s dimulai %s, panen sekitar %d hari kemudian (%s).",
			args.Tanaman, args.Tanggal, harvestAfterDays, harvest),
	})
}

// Needs 为肥料与用水需求。
type Needs struct {
	LuasHa        float64 `json:"luasHa"`
	DosisKgPerHa  float64 `json:"dosisKgPerHa"`
	AirLiterPerHa float64 `json:"airLiterPerHa"`
	TotalPupukKg  float64 `json:"totalPupukKg"`
	TotalAirLiter float64 `json:"totalAirLiter"`
	Ringkasan     string  `json:"ringkasan"`
}

// CalculateNeeds 按面积线性计算肥料与用水总量。
func CalculateNeeds(luasHa, dosisKgPerHa, airLiterPerHa float64) (Needs, error) {
	if luasHa < 0 || dosisKgPerHa < 0 || airLiterPerHa < 0 {
		return Needs{}, fmt.Errorf("luasHa, dosisKgPerHa and airLiterPerHa must not be negative")
	}
	pupuk := luasHa * dosisKgPerHa
	air := luasHa * airLiterPerHa
	return Needs{
		LuasHa:        luasHa,
		DosisKgPerHa:  dosisKgPerHa,
		AirLiterPerHa: airLiterPerHa,
		TotalPupukKg:  pupuk,
		TotalAirLiter: air,
		Ringkasan: fmt.Sprintf("Untuk %s ha: butuh %s kg pupuk & %s liter air.",
			formatNumber(luasHa), formatNumber(pupuk), formatNumber(air)),
	}, nil
}

// NeedsTool 计算投入需求（hitungKebutuhan）。
type NeedsTool struct{}

type needsArgs struct {
	LuasHa        float64 `json:"luasHa"`
	DosisKgPerHa  float64 `json:"dosisKgPerHa"`
	AirLiterPerHa float64 `json:"airLiterPerHa"`
}

func (a *needsArgs) withDefaults() {
	if a.LuasHa == 0 {
		a.LuasHa = defaultLuasHa
	}
	if a.DosisKgPerHa == 0 {
		a.DosisKgPerHa = defaultDosisKgPerHa
	}
	if a.AirLiterPerHa == 0 {
		a.AirLiterPerHa = defaultAirLiterPerHa
	}
}

func (t *NeedsTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return descriptors[HitungKebutuhan].ToolInfo(), nil
}

func (t *NeedsTool) InvokableRun(_ context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	var args needsArgs
	if err := decodeArgs(argumentsInJSON, &args); err != nil {
		return "", err
	}
	args.withDefaults()

	n, err := CalculateNeeds(args.LuasHa, args.DosisKgPerHa, args.AirLiterPerHa)
	if err != nil {
		return "", err
	}
	return encodeResult(n)
}

func decodeArgs(argumentsInJSON string, v any) error {
	if strings.TrimSpace(argumentsInJSON) == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(argumentsInJSON), v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func encodeResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(data), nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
