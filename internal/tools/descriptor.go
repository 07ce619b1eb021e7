package tools

import (
	"sort"
	"time"

	"github.com/cloudwego/eino/schema"
)

// ParamSpec 描述一个工具参数。
type ParamSpec struct {
	Type        schema.DataType `json:"type"`
	ElemType    schema.DataType `json:"elemType,omitempty"`
	Description string          `json:"description"`
	Required    bool            `json:"required"`
}

// Descriptor 为工具的静态元数据。
type Descriptor struct {
	Name            Name                 `json:"name"`
	Description     string               `json:"description"`
	Parameters      map[string]ParamSpec `json:"parameters"`
	Category        Category             `json:"category"`
	ExpectedLatency time.Duration        `json:"expectedLatency"`
	Reliability     float64              `json:"reliability"`
}

// ToolInfo 转换为 eino 的工具描述。
func (d Descriptor) ToolInfo() *schema.ToolInfo {
	params := make(map[string]*schema.ParameterInfo, len(d.Parameters))
	for name, p := range d.Parameters {
		info := &schema.ParameterInfo{
			Type:     p.Type,
			Desc:     p.Description,
			Required: p.Required,
		}
		if p.Type == schema.Array && p.ElemType != "" {
			info.ElemInfo = &schema.ParameterInfo{Type: p.ElemType}
		}
		params[name] = info
	}
	return &schema.ToolInfo{
		Name:        string(d.Name),
		Desc:        d.Description,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

// ParamNames 按字母序返回参数名。
func (d Descriptor) ParamNames() []string {
	out := make([]string, 0, len(d.Parameters))
	for k := range d.Parameters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var descriptors = map[Name]Descriptor{
	CekCuaca: {
		Name:        CekCuaca,
		Description: "Cek kondisi cuaca terkini untuk lokasi tertentu",
		Parameters: map[string]ParamSpec{
			"lokasi": {Type: schema.String, Description: "Nama kota atau daerah, default Jakarta"},
		},
		Category:        CategoryAgriculture,
		ExpectedLatency: 200 * time.Millisecond,
		Reliability:     0.95,
	},
	BuatJadwalTanam: {
		Name:        BuatJadwalTanam,
		Description: "Buat jadwal tanam dan perkiraan panen untuk tanaman",
		Parameters: map[string]ParamSpec{
			"tanaman": {Type: schema.String, Description: "Jenis tanaman, default padi"},
			"tanggal": {Type: schema.String, Description: "Tanggal mulai tanam (YYYY-MM-DD), default hari ini"},
		},
		Category:        CategoryAgriculture,
		ExpectedLatency: 50 * time.Millisecond,
		Reliability:     0.99,
	},
	HitungKebutuhan: {
		Name:        HitungKebutuhan,
		Description: "Hitung kebutuhan pupuk dan air untuk lahan",
		Parameters: map[string]ParamSpec{
			"luasHa":        {Type: schema.Number, Description: "Luas lahan dalam hektar, default 1"},
			"dosisKgPerHa":  {Type: schema.Number, Description: "Dosis pupuk kg per hektar, default 300"},
			"airLiterPerHa": {Type: schema.Number, Description: "Kebutuhan air liter per hektar, default 1000"},
		},
		Category:        CategoryAgriculture,
		ExpectedLatency: 10 * time.Millisecond,
		Reliability:     0.99,
	},
	CekHargaPasar: {
		Name:        CekHargaPasar,
		Description: "Cek harga pasar terkini untuk produk pertanian",
		Parameters: map[string]ParamSpec{
			"produk": {Type: schema.String, Description: "Nama produk, default padi"},
			"lokasi": {Type: schema.String, Description: "Kota pasar, default Jakarta"},
		},
		Category:        CategoryMarket,
		ExpectedLatency: 800 * time.Millisecond,
		Reliability:     0.85,
	},
	BandingHargaKota: {
		Name:        BandingHargaKota,
		Description: "Bandingkan harga produk di berbagai kota",
		Parameters: map[string]ParamSpec{
			"produk": {Type: schema.String, Description: "Nama produk, default padi"},
			"kota":   {Type: schema.Array, ElemType: schema.String, Description: "Daftar kota, default Jakarta, Bandung, Surabaya, Medan"},
		},
		Category:        CategoryMarket,
		ExpectedLatency: 1500 * time.Millisecond,
		Reliability:     0.85,
	},
	HitungKeuntungan: {
		Name:        HitungKeuntungan,
		Description: "Hitung estimasi keuntungan penjualan hasil panen",
		Parameters: map[string]ParamSpec{
			"produk":             {Type: schema.String, Description: "Nama produk, default padi"},
			"jumlahKg":           {Type: schema.Number, Description: "Jumlah hasil panen dalam kg, default 100"},
			"biayaProduksiPerKg": {Type: schema.Number, Description: "Biaya produksi per kg, default 2000"},
			"lokasi":             {Type: schema.String, Description: "Kota penjualan, default Jakarta"},
		},
		Category:        CategoryMarket,
		ExpectedLatency: 800 * time.Millisecond,
		Reliability:     0.9,
	},
	PrediksiHargaMusim: {
		Name:        PrediksiHargaMusim,
		Description: "Prediksi harga berdasarkan pola musiman",
		Parameters: map[string]ParamSpec{
			"produk": {Type: schema.String, Description: "Nama produk, default padi"},
			"bulan":  {Type: schema.Integer, Description: "Bulan 1-12, default bulan ini"},
		},
		Category:        CategoryMarket,
		ExpectedLatency: 50 * time.Millisecond,
		Reliability:     0.8,
	},
	ProdukHargaTertinggi: {
		Name:        ProdukHargaTertinggi,
		Description: "Lihat produk dengan harga tertinggi di suatu lokasi",
		Parameters: map[string]ParamSpec{
			"lokasi": {Type: schema.String, Description: "Kota pasar, default Jakarta"},
			"limit":  {Type: schema.Integer, Description: "Jumlah produk yang ditampilkan, default 5"},
		},
		Category:        CategoryMarket,
		ExpectedLatency: 1200 * time.Millisecond,
		Reliability:     0.85,
	},
}
