// ============================================================================
// Extract - 文件分塊
// ============================================================================
//
// Package: internal/extract
// 功能: 將任務的來源文件切成有序、互不重疊的分塊
//
// 分塊規則（TextDecomposer）:
//   1. 先依段落（空白行）切分
//   2. 段落超過上限時依句子切分
//   3. 句子仍超過上限時在 rune 邊界硬切
//   4. 相鄰片段貪婪合併，直到接近 MaxBytes
//   5. 純空白的分塊併入前一塊
//
// 不變量:
//   - 所有分塊的 [Start, End) 依序相接並完整覆蓋原文
//   - ContextBefore / ContextAfter 只是參考，不重複出現在 Text
//
// ============================================================================

package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

// InlinePrefix 以字面文字作為來源時的 SourceRef 前綴
const InlinePrefix = "text:"

const (
	DefaultMaxBytes     = 2000
	DefaultContextBytes = 200
	minMaxBytes         = 16
)

// ErrUnsupportedFormat 來源格式不支援
var ErrUnsupportedFormat = errors.New("unsupported source format")

// DecompositionError 來源無法讀取或切分
type DecompositionError struct {
	SourceRef string
	Err       error
}

func (e *DecompositionError) Error() string {
	return fmt.Sprintf("decompose %q: %v", e.SourceRef, e.Err)
}

func (e *DecompositionError) Unwrap() error { return e.Err }

// Decomposer 將任務來源切成分塊
type Decomposer interface {
	Decompose(ctx context.Context, job *types.Job) ([]types.Chunk, error)
}

// Options TextDecomposer 設定
type Options struct {
	MaxBytes     int      // 單一分塊 Text 的位元組上限
	ContextBytes int      // 前後文各取的位元組數，0 表示不附帶
	Extensions   []string // 允許的副檔名，空值為 .txt 與 .md
	BaseDir      string   // 相對路徑的基準目錄
}

// TextDecomposer 處理純文字與 Markdown 來源
type TextDecomposer struct {
	opts Options
	exts map[string]bool
}

// NewTextDecomposer 建立分塊器
func NewTextDecomposer(opts Options) *TextDecomposer {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxBytes < minMaxBytes {
		opts.MaxBytes = minMaxBytes
	}
	if opts.ContextBytes < 0 {
		opts.ContextBytes = 0
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".txt", ".md"}
	}
	exts := make(map[string]bool, len(opts.Extensions))
	for _, e := range opts.Extensions {
		exts[strings.ToLower(e)] = true
	}
	return &TextDecomposer{opts: opts, exts: exts}
}

// Decompose implements Decomposer.
func (d *TextDecomposer) Decompose(ctx context.Context, job *types.Job) ([]types.Chunk, error) {
	doc, err := d.load(job.SourceRef)
	if err != nil {
		return nil, &DecompositionError{SourceRef: job.SourceRef, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Split(doc, d.opts.MaxBytes, d.opts.ContextBytes), nil
}

func (d *TextDecomposer) load(ref string) (string, error) {
	if strings.HasPrefix(ref, InlinePrefix) {
		doc := strings.TrimPrefix(ref, InlinePrefix)
		if !utf8.ValidString(doc) {
			return "", errors.New("source is not valid UTF-8")
		}
		return doc, nil
	}

	ext := strings.ToLower(filepath.Ext(ref))
	if !d.exts[ext] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	path := ref
	if d.opts.BaseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(d.opts.BaseDir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read source: %w", err)
	}
	if !utf8.Valid(raw) {
		return "", errors.New("source is not valid UTF-8")
	}
	return strings.TrimPrefix(string(raw), "\uFEFF"), nil
}

// ============================================================================
// 切分演算法
// ============================================================================

type span struct{ start, end int }

var (
	paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n(?:[ \t\r]*\n)*`)
	sentenceBreak  = regexp.MustCompile(`(?:[.!?]+["'”’)\]]*\s+|[。！？]+)`)
)

// Split 將 doc 切成不超過 maxBytes 的分塊並附上前後文
//
// 空白文件回傳 nil。純空白分塊併入前一塊時，該塊可能略超過 maxBytes。
func Split(doc string, maxBytes, contextBytes int) []types.Chunk {
	if strings.TrimSpace(doc) == "" {
		return nil
	}
	if maxBytes < minMaxBytes {
		maxBytes = minMaxBytes
	}

	var pieces []span
	for _, para := range splitOn(doc, span{0, len(doc)}, paragraphBreak) {
		if para.end-para.start <= maxBytes {
			pieces = append(pieces, para)
			continue
		}
		for _, sent := range splitOn(doc, para, sentenceBreak) {
			if sent.end-sent.start <= maxBytes {
				pieces = append(pieces, sent)
				continue
			}
			pieces = append(pieces, hardSplit(doc, sent, maxBytes)...)
		}
	}

	spans := mergeBlank(doc, pack(pieces, maxBytes))

	chunks := make([]types.Chunk, len(spans))
	for i, s := range spans {
		chunks[i] = types.Chunk{
			Index:         i,
			Text:          doc[s.start:s.end],
			ContextBefore: tailOf(doc[:s.start], contextBytes),
			ContextAfter:  headOf(doc[s.end:], contextBytes),
			Start:         s.start,
			End:           s.end,
		}
	}
	return chunks
}

// splitOn 依分隔符號切分 within，分隔符號歸屬前一段
func splitOn(doc string, within span, re *regexp.Regexp) []span {
	text := doc[within.start:within.end]
	var out []span
	pos := 0
	for _, m := range re.FindAllStringIndex(text, -1) {
		if m[1] <= pos {
			continue
		}
		out = append(out, span{within.start + pos, within.start + m[1]})
		pos = m[1]
	}
	if pos < len(text) {
		out = append(out, span{within.start + pos, within.end})
	}
	return out
}

// hardSplit 在 rune 邊界切成不超過 maxBytes 的片段
func hardSplit(doc string, s span, maxBytes int) []span {
	var out []span
	start := s.start
	for s.end-start > maxBytes {
		cut := start + maxBytes
		for cut > start && !utf8.RuneStart(doc[cut]) {
			cut--
		}
		// 偏好在空白處切開，找不到就直接切
		if ws := strings.LastIndexAny(doc[start:cut], " \t\n"); ws > maxBytes/2 {
			cut = start + ws + 1
		}
		out = append(out, span{start, cut})
		start = cut
	}
	if start < s.end {
		out = append(out, span{start, s.end})
	}
	return out
}

// pack 貪婪合併相鄰片段
func pack(pieces []span, maxBytes int) []span {
	var out []span
	for _, p := range pieces {
		if n := len(out); n > 0 && p.end-out[n-1].start <= maxBytes {
			out[n-1].end = p.end
			continue
		}
		out = append(out, p)
	}
	return out
}

// mergeBlank 純空白分塊併入前一塊（若是第一塊則併入下一塊）
func mergeBlank(doc string, spans []span) []span {
	var out []span
	carry := -1
	for _, s := range spans {
		blank := strings.TrimSpace(doc[s.start:s.end]) == ""
		switch {
		case blank && len(out) > 0:
			out[len(out)-1].end = s.end
		case blank:
			if carry < 0 {
				carry = s.start
			}
		default:
			if carry >= 0 {
				s.start = carry
				carry = -1
			}
			out = append(out, s)
		}
	}
	return out
}

func tailOf(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

func headOf(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	if len(s) <= n {
		return s
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
