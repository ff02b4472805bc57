// ============================================================================
// Result Aggregator - 分塊結果合併
// ============================================================================
//
// Package: internal/aggregator
// 功能: 將分塊結果依原始順序合併成一份文件
//
// 規則:
//   1. 依 Index 重新排列（結果可能以任意順序完成）
//   2. 同一 Index 以最後一筆為準；retried 中間結果視為未完成
//   3. 輸出恰好 total 個區塊；失敗或缺少的分塊以佔位文字取代
//   4. 相鄰成功區塊若邊界重複（上下文造成的重譯），只裁切後一塊的開頭
//
// 重疊判斷:
//   - 先比較末尾 / 開頭的單字序列是否完全相同
//   - 再以正規化 Levenshtein 相似度比較，達門檻即視為重疊
//
// ============================================================================

package aggregator

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

// Options 合併設定
type Options struct {
	DedupOverlap  bool    // 是否裁切重疊
	Similarity    float64 // 模糊比對門檻 (0, 1]
	MaxWords      int     // 重疊比對的最大單字數
	MinExactWords int     // 完全比對的最小單字數
	MinFuzzyWords int     // 模糊比對的最小單字數
	MaxChars      int     // 模糊比對兩側各取的最大字元數
}

// DefaultOptions 預設值
func DefaultOptions() Options {
	return Options{
		DedupOverlap:  true,
		Similarity:    0.85,
		MaxWords:      50,
		MinExactWords: 3,
		MinFuzzyWords: 5,
		MaxChars:      500,
	}
}

// Block 合併後的單一區塊
type Block struct {
	Index        int               `json:"index"`
	Text         string            `json:"text"`
	Status       types.ChunkStatus `json:"status"`
	Quality      float64           `json:"quality,omitempty"`
	LowQuality   bool              `json:"low_quality,omitempty"`
	Placeholder  bool              `json:"placeholder,omitempty"`
	TrimmedWords int               `json:"trimmed_words,omitempty"`
}

// Document 合併結果
type Document struct {
	JobID      types.JobID `json:"job_id"`
	Blocks     []Block     `json:"blocks"`
	Partial    bool        `json:"partial"`
	AvgQuality float64     `json:"avg_quality"`
	Failed     []int       `json:"failed,omitempty"`
	Missing    []int       `json:"missing,omitempty"`
	LowQuality []int       `json:"low_quality,omitempty"`
}

// Text 以空行串接所有區塊
func (d Document) Text() string {
	parts := make([]string, 0, len(d.Blocks))
	for _, b := range d.Blocks {
		t := strings.TrimSpace(b.Text)
		if t == "" {
			continue
		}
		parts = append(parts, t)
	}
	return strings.Join(parts, "\n\n")
}

// Merger 結果合併器
type Merger struct {
	opts Options
}

// New 建立合併器；零值欄位使用預設值
func New(opts Options) *Merger {
	d := DefaultOptions()
	if opts.Similarity <= 0 || opts.Similarity > 1 {
		opts.Similarity = d.Similarity
	}
	if opts.MaxWords <= 0 {
		opts.MaxWords = d.MaxWords
	}
	if opts.MinExactWords <= 0 {
		opts.MinExactWords = d.MinExactWords
	}
	if opts.MinFuzzyWords <= 0 {
		opts.MinFuzzyWords = d.MinFuzzyWords
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = d.MaxChars
	}
	return &Merger{opts: opts}
}

// Merge 以預設設定合併
func Merge(jobID types.JobID, total int, results []types.ChunkResult) Document {
	return New(DefaultOptions()).Merge(jobID, total, results)
}

// Merge 合併 total 個分塊的結果
func (m *Merger) Merge(jobID types.JobID, total int, results []types.ChunkResult) Document {
	if total < 0 {
		total = 0
	}
	latest := make(map[int]types.ChunkResult, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= total {
			continue
		}
		latest[r.Index] = r
	}

	doc := Document{JobID: jobID, Blocks: make([]Block, total)}
	var qualitySum float64
	var succeeded int

	for i := 0; i < total; i++ {
		r, ok := latest[i]
		switch {
		case ok && r.Status == types.ChunkSuccess:
			doc.Blocks[i] = Block{
				Index:      i,
				Text:       r.Text,
				Status:     types.ChunkSuccess,
				Quality:    r.Quality,
				LowQuality: r.LowQuality,
			}
			qualitySum += r.Quality
			succeeded++
			if r.LowQuality {
				doc.LowQuality = append(doc.LowQuality, i)
			}

		case ok && r.Status == types.ChunkFailed:
			reason := string(r.ErrorKind)
			if r.Error != "" {
				reason = r.Error
			}
			if reason == "" {
				reason = "unknown error"
			}
			doc.Blocks[i] = Block{
				Index:       i,
				Text:        fmt.Sprintf("[[chunk %d failed: %s]]", i, reason),
				Status:      types.ChunkFailed,
				Placeholder: true,
			}
			doc.Failed = append(doc.Failed, i)

		default:
			doc.Blocks[i] = Block{
				Index:       i,
				Text:        fmt.Sprintf("[[chunk %d missing: not processed]]", i),
				Placeholder: true,
			}
			doc.Missing = append(doc.Missing, i)
		}
	}

	if m.opts.DedupOverlap {
		for i := 1; i < total; i++ {
			prev, cur := &doc.Blocks[i-1], &doc.Blocks[i]
			if prev.Placeholder || cur.Placeholder {
				continue
			}
			if text, n := m.trimOverlap(prev.Text, cur.Text); n > 0 {
				cur.Text = text
				cur.TrimmedWords = n
			}
		}
	}

	doc.Partial = len(doc.Failed) > 0 || len(doc.Missing) > 0
	if succeeded > 0 {
		doc.AvgQuality = qualitySum / float64(succeeded)
	}
	return doc
}

// ============================================================================
// 重疊偵測
// ============================================================================

// trimOverlap 若 b 的開頭重複 a 的結尾，回傳裁切後的 b 與裁掉的單字數
func (m *Merger) trimOverlap(a, b string) (string, int) {
	aw := wordSpans(a)
	bw := wordSpans(b)
	// 至少保留 b 的一個單字
	maxK := min(len(aw), len(bw)-1, m.opts.MaxWords)
	if maxK <= 0 {
		return b, 0
	}

	word := func(s string, sp [2]int) string { return s[sp[0]:sp[1]] }

	for k := maxK; k >= m.opts.MinExactWords; k-- {
		match := true
		for j := 0; j < k; j++ {
			if word(a, aw[len(aw)-k+j]) != word(b, bw[j]) {
				match = false
				break
			}
		}
		if match {
			return trimHead(b, bw, k), k
		}
	}

	for k := maxK; k >= m.opts.MinFuzzyWords; k-- {
		tail := a[aw[len(aw)-k][0]:aw[len(aw)-1][1]]
		head := b[bw[0][0]:bw[k-1][1]]
		if utf8.RuneCountInString(tail) > m.opts.MaxChars || utf8.RuneCountInString(head) > m.opts.MaxChars {
			continue
		}
		if Similarity(normalize(tail), normalize(head)) >= m.opts.Similarity {
			return trimHead(b, bw, k), k
		}
	}
	return b, 0
}

// Similarity 正規化 Levenshtein 相似度，介於 0 與 1
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(longest)
}

func trimHead(b string, spans [][2]int, k int) string {
	return strings.TrimLeft(b[spans[k-1][1]:], " \t\r\n")
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// wordSpans 回傳每個以空白分隔的單字在 s 中的位元組區間
func wordSpans(s string) [][2]int {
	var out [][2]int
	start := -1
	for i, r := range s {
		space := r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\u3000'
		switch {
		case space && start >= 0:
			out = append(out, [2]int{start, i})
			start = -1
		case !space && start < 0:
			start = i
		}
	}
	if start >= 0 {
		out = append(out, [2]int{start, len(s)})
	}
	return out
}
