package tools

// Name 是工具的封闭枚举，取值即对外（提示词/接口）使用的工具名。
type Name string

const (
	CekCuaca             Name = "cekCuaca"
	BuatJadwalTanam      Name = "buatJadwalTanam"
	HitungKebutuhan      Name = "hitungKebutuhan"
	CekHargaPasar        Name = "cekHargaPasar"
	BandingHargaKota     Name = "bandingHargaKota"
	HitungKeuntungan     Name = "hitungKeuntungan"
	PrediksiHargaMusim   Name = "prediksiHargaMusim"
	ProdukHargaTertinggi Name = "produkHargaTertinggi"
)

// AllNames 为注册顺序。
var AllNames = []Name{
	CekCuaca,
	BuatJadwalTanam,
	HitungKebutuhan,
	CekHargaPasar,
	BandingHargaKota,
	HitungKeuntungan,
	PrediksiHargaMusim,
	ProdukHargaTertinggi,
}

// ParseName 把字符串解析为已知工具名。
func ParseName(s string) (Name, bool) {
	for _, n := range AllNames {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

func (n Name) String() string { return string(n) }

// Category 为工具分类。
type Category string

const (
	CategoryAgriculture Category = "agriculture"
	CategoryMarket      Category = "market"
)
