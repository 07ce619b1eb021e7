package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wwwzy/SiapPanen/internal/analyzer"
	"github.com/wwwzy/SiapPanen/internal/memory"
	"github.com/wwwzy/SiapPanen/internal/planner"
	"github.com/wwwzy/SiapPanen/internal/tools"
)

// PersonaPrompt 为主流程的系统提示词开头。
const PersonaPrompt = `Kamu adalah Siap Panen, asisten AI cerdas untuk petani Indonesia yang ramah dan informatif.`

// FallbackPersonaPrompt 为兜底调用使用的固定提示词。
const FallbackPersonaPrompt = `Kamu adalah **Siap Panen**, asisten AI untuk petani Indonesia.
Aturan jawabanmu:

1. **Jawab langsung inti pertanyaan** dalam bentuk jadwal, tabel, atau daftar singkat.
   - Jika user bertanya soal tanam → beri jadwal tanam (bulan, minggu, jam).
   - Jika soal siram/pupuk → beri jadwal detail (pagi/sore, dosis, interval).
2. **Selalu mulai jawaban dengan rekomendasi jadwal**, lalu beri tips singkat maksimal 2–3 poin.
3. **Ringkas & efisien**. Hindari paragraf panjang.
4. Gunakan bahasa Indonesia sederhana.
   - Jika user pakai bahasa daerah (Jawa, Sunda, Minang, Bugis, dll), balas pakai bahasa daerah tersebut.
5. Gunakan emoji sederhana 🌱🌽💧 untuk memperjelas.

Contoh format jawaban:
🌽 Jadwal Tanam Jagung (Musim Hujan)
- Waktu ideal: **November – Januari**
- Tanam pagi (07:00 – 09:00)
- Jarak tanam: 70 x 20 cm

💡 Tips: Pastikan drainase baik agar lahan tidak becek.`

const (
	// GreetingText 用于兜底时请求里没有任何消息。
	GreetingText = "Halo! Saya Siap Panen, asisten petani Indonesia. Ada yang bisa saya bantu tentang pertanian? 🌱"
	// ApologyText 为兜底调用也失败时的静态回复。
	ApologyText = "Halo! Saya Siap Panen, asisten petani Indonesia. Maaf, sistem sedang mengalami gangguan. Coba lagi dalam beberapa saat ya! 🌱"
)

var strategyHints = map[planner.Strategy]string{
	planner.StrategyComprehensive: "Berikan penjelasan lengkap dan teknis, sertakan angka dan alasan.",
	planner.StrategyStepByStep:    "Jelaskan langkah demi langkah dengan daftar bernomor.",
	planner.StrategyConcise:       "Jawab singkat dan langsung ke inti.",
}

// buildSystemPrompt 拼装主流程系统提示词：人设 + 工具结果（有工具运行时）+ 回答风格。
func buildSystemPrompt(results []tools.Result, strategy planner.Strategy, prefs memory.Preferences) (string, error) {
	var b strings.Builder
	b.WriteString(PersonaPrompt)

	if len(results) > 0 {
		dump, err := dumpResults(results)
		if err != nil {
			return "", err
		}
		b.WriteString("\n\nData hasil tools:\n")
		b.Write(dump)
		b.WriteString("\n\nGunakan data di atas untuk memberikan respons yang akurat dan berguna. Jelaskan dalam bahasa Indonesia yang mudah dipahami.")
	}

	if hint, ok := strategyHints[strategy]; ok {
		b.WriteString("\n\nGaya jawaban: ")
		b.WriteString(hint)
	}
	if prefs.ResponseStyle == memory.ResponseConcise && strategy != planner.StrategyConcise {
		b.WriteString(" Pengguna lebih suka jawaban ringkas.")
	}
	if prefs.Location != "" {
		fmt.Fprintf(&b, "\nLokasi pengguna: %s.", prefs.Location)
	}
	return b.String(), nil
}

// dumpResults 按计划顺序输出 {"工具名": 结果} 的缩进 JSON。
func dumpResults(results []tools.Result) ([]byte, error) {
	var compact bytes.Buffer
	compact.WriteByte('{')
	for i, r := range results {
		if i > 0 {
			compact.WriteByte(',')
		}
		key, err := json.Marshal(string(r.Tool))
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(r.Payload())
		if err != nil {
			return nil, fmt.Errorf("encode result of %s: %w", r.Tool, err)
		}
		compact.Write(key)
		compact.WriteByte(':')
		compact.Write(val)
	}
	compact.WriteByte('}')

	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", "  "); err != nil {
		return nil, fmt.Errorf("indent tool results: %w", err)
	}
	return out.Bytes(), nil
}

const maxFollowUps = 3

// suggestFollowUps 最多返回 3 条；没有命中时给默认建议。
func suggestFollowUps(a analyzer.ContextAnalysis) []string {
	var out []string
	if a.HasDomain(analyzer.DomainWeather) {
		out = append(out, "Cek prediksi cuaca minggu depan?")
	}
	if a.HasDomain(analyzer.DomainCrops) {
		out = append(out, "Mau buat jadwal perawatan tanaman?")
	}
	if a.QueryType == analyzer.QueryCalculation {
		out = append(out, "Butuh hitung kebutuhan lain?")
	}
	if a.HasDomain(analyzer.DomainPricing) || a.HasDomain(analyzer.DomainMarket) {
		out = append(out, "Mau bandingkan harga di kota lain?")
	}
	if len(out) == 0 {
		out = []string{
			"Mau tanya tentang cuaca?",
			"Butuh jadwal tanam?",
			"Perlu hitung kebutuhan pupuk?",
		}
	}
	if len(out) > maxFollowUps {
		out = out[:maxFollowUps]
	}
	return out
}
