package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/ChuLiYu/transqueue/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// assertPartition 驗證分塊依序相接並完整覆蓋原文
func assertPartition(t *testing.T, doc string, chunks []types.Chunk) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(doc), chunks[len(chunks)-1].End)

	var b strings.Builder
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Equal(t, doc[c.Start:c.End], c.Text)
		if i > 0 {
			assert.Equal(t, chunks[i-1].End, c.Start, "chunk %d is not contiguous", i)
		}
		assert.True(t, utf8.ValidString(c.Text), "chunk %d splits a rune", i)
		b.WriteString(c.Text)
	}
	assert.Equal(t, doc, b.String())
}

func TestSplit_Paragraphs(t *testing.T) {
	doc := "First paragraph here.\n\nSecond paragraph here.\n\nThird one."

	chunks := Split(doc, 30, 0)
	assertPartition(t, doc, chunks)
	require.Len(t, chunks, 3)
	assert.Equal(t, "First paragraph here.\n\n", chunks[0].Text)
	assert.Equal(t, "Third one.", chunks[2].Text)
}

func TestSplit_PacksSmallParagraphs(t *testing.T) {
	doc := "a.\n\nb.\n\nc."
	chunks := Split(doc, 1000, 0)
	require.Len(t, chunks, 1)
	assert.Equal(t, doc, chunks[0].Text)
}

func TestSplit_SentencesAndHardSplit(t *testing.T) {
	long := strings.Repeat("word ", 40) // 200 bytes, no sentence break
	doc := "Short one. Another short one. " + long + "\n\nTail."

	chunks := Split(doc, 64, 0)
	assertPartition(t, doc, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 64)
	}
}

func TestSplit_MultibyteRunes(t *testing.T) {
	doc := strings.Repeat("翻譯測試文件", 30) // no separators at all
	chunks := Split(doc, 50, 10)
	assertPartition(t, doc, chunks)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c.Text), 50)
		assert.True(t, utf8.ValidString(c.ContextBefore))
		assert.True(t, utf8.ValidString(c.ContextAfter))
	}
}

func TestSplit_BlankTailMergesIntoLastChunk(t *testing.T) {
	doc := "Alpha paragraph text.\n\n" + strings.Repeat(" ", 40) + "\n"
	chunks := Split(doc, 24, 0)
	assertPartition(t, doc, chunks)
	for _, c := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(c.Text))
	}
}

func TestSplit_Context(t *testing.T) {
	doc := "Paragraph one.\n\nParagraph two.\n\nParagraph three."
	chunks := Split(doc, 16, 4)
	assertPartition(t, doc, chunks)
	require.Len(t, chunks, 3)

	assert.Empty(t, chunks[0].ContextBefore)
	assert.Equal(t, "Para", chunks[0].ContextAfter)
	assert.Equal(t, "e.\n\n", chunks[1].ContextBefore)
	assert.Equal(t, "Para", chunks[1].ContextAfter)
	assert.Equal(t, "o.\n\n", chunks[2].ContextBefore)
	assert.Empty(t, chunks[2].ContextAfter)
}

func TestSplit_EmptyDocument(t *testing.T) {
	assert.Nil(t, Split("", 100, 0))
	assert.Nil(t, Split(" \n\n\t", 100, 0))
}

func TestTextDecomposer_Inline(t *testing.T) {
	d := NewTextDecomposer(Options{MaxBytes: 100})
	chunks, err := d.Decompose(context.Background(), &types.Job{SourceRef: "text:hello world"})
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0].Text)
}

func TestTextDecomposer_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(path, []byte("\uFEFF# Title\n\nBody text."), 0644))

	d := NewTextDecomposer(Options{MaxBytes: 12, BaseDir: dir})
	chunks, err := d.Decompose(context.Background(), &types.Job{SourceRef: "doc.md"})
	require.NoError(t, err)
	assertPartition(t, "# Title\n\nBody text.", chunks)
}

func TestTextDecomposer_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(bad, []byte{0xff, 0xfe, 0xfd}, 0644))

	tests := []struct {
		name string
		ref  string
	}{
		{"unsupported extension", filepath.Join(dir, "doc.pdf")},
		{"missing file", filepath.Join(dir, "missing.txt")},
		{"invalid utf8", bad},
	}

	d := NewTextDecomposer(Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decompose(context.Background(), &types.Job{SourceRef: tt.ref})
			require.Error(t, err)
			var de *DecompositionError
			assert.True(t, errors.As(err, &de))
		})
	}

	_, err := d.Decompose(context.Background(), &types.Job{SourceRef: "x.docx"})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
