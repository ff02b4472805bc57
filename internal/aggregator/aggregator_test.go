package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

func success(i int, text string, q float64) types.ChunkResult {
	return types.ChunkResult{Index: i, Text: text, Quality: q, Status: types.ChunkSuccess, Attempts: 1}
}

func TestMerge_OrdersByIndex(t *testing.T) {
	results := []types.ChunkResult{
		success(2, "gamma", 1),
		success(0, "alpha", 0.5),
		success(1, "beta", 0.9),
	}

	doc := Merge("job", 3, results)

	require.Len(t, doc.Blocks, 3)
	assert.Equal(t, "alpha\n\nbeta\n\ngamma", doc.Text())
	assert.False(t, doc.Partial)
	assert.InDelta(t, 0.8, doc.AvgQuality, 1e-9)
}

func TestMerge_LatestResultWins(t *testing.T) {
	results := []types.ChunkResult{
		{Index: 0, Status: types.ChunkRetried, Attempts: 1},
		{Index: 0, Status: types.ChunkFailed, ErrorKind: types.ErrorKindTransient},
		success(0, "final", 1),
	}
	doc := Merge("job", 1, results)
	assert.Equal(t, "final", doc.Text())
	assert.Empty(t, doc.Failed)
}

func TestMerge_PlaceholdersAndPartial(t *testing.T) {
	results := []types.ChunkResult{
		success(0, "first", 1),
		{Index: 1, Status: types.ChunkFailed, Error: "content rejected", ErrorKind: types.ErrorKindPermanent},
		{Index: 3, Status: types.ChunkRetried},
		success(9, "out of range", 1),
	}

	doc := Merge("job", 4, results)

	require.Len(t, doc.Blocks, 4)
	assert.True(t, doc.Partial)
	assert.Equal(t, []int{1}, doc.Failed)
	assert.Equal(t, []int{2, 3}, doc.Missing)
	assert.Equal(t, "[[chunk 1 failed: content rejected]]", doc.Blocks[1].Text)
	assert.Equal(t, "[[chunk 2 missing: not processed]]", doc.Blocks[2].Text)
	assert.True(t, doc.Blocks[3].Placeholder)
	assert.Equal(t, 1.0, doc.AvgQuality)
}

func TestMerge_ZeroTotal(t *testing.T) {
	doc := Merge("job", 0, []types.ChunkResult{success(0, "x", 1)})
	assert.Empty(t, doc.Blocks)
	assert.Equal(t, "", doc.Text())
	assert.False(t, doc.Partial)
}

func TestMerge_ExactOverlap(t *testing.T) {
	results := []types.ChunkResult{
		success(0, "The cat sat on the warm mat by the door.", 1),
		success(1, "on the warm mat by the door. Then it slept.", 1),
	}
	doc := Merge("job", 2, results)

	assert.Equal(t, "Then it slept.", doc.Blocks[1].Text)
	assert.Equal(t, 7, doc.Blocks[1].TrimmedWords)
	assert.Equal(t, "The cat sat on the warm mat by the door.", doc.Blocks[0].Text, "only the later block is trimmed")
}

func TestMerge_FuzzyOverlap(t *testing.T) {
	results := []types.ChunkResult{
		success(0, "Intro words here and the quick brown fox jumps over the lazy dog.", 1),
		success(1, "the quick brown fox jumped over the lazy dog. A new sentence follows here.", 1),
	}
	doc := Merge("job", 2, results)

	assert.Equal(t, "A new sentence follows here.", doc.Blocks[1].Text)
}

func TestMerge_NoOverlapKeepsText(t *testing.T) {
	results := []types.ChunkResult{
		success(0, "Completely different content in the first block.", 1),
		success(1, "Nothing shared with the previous block at all.", 1),
	}
	doc := Merge("job", 2, results)
	assert.Equal(t, "Nothing shared with the previous block at all.", doc.Blocks[1].Text)
	assert.Zero(t, doc.Blocks[1].TrimmedWords)
}

func TestMerge_NoDedupAcrossPlaceholders(t *testing.T) {
	results := []types.ChunkResult{
		success(0, "one two three four", 1),
		{Index: 1, Status: types.ChunkFailed, ErrorKind: types.ErrorKindExhausted},
		success(2, "one two three four five", 1),
	}
	doc := Merge("job", 3, results)
	assert.Equal(t, "one two three four five", doc.Blocks[2].Text)
	assert.Equal(t, "[[chunk 1 failed: exhausted]]", doc.Blocks[1].Text)
}

func TestMerge_Disabled(t *testing.T) {
	m := New(Options{DedupOverlap: false})
	results := []types.ChunkResult{
		success(0, "a b c d", 1),
		success(1, "b c d e", 1),
	}
	doc := m.Merge("job", 2, results)
	assert.Equal(t, "b c d e", doc.Blocks[1].Text)
}

func TestMerge_LowQualityListed(t *testing.T) {
	r := success(0, "meh", 0.3)
	r.LowQuality = true
	doc := Merge("job", 1, []types.ChunkResult{r})
	assert.Equal(t, []int{0}, doc.LowQuality)
	assert.True(t, doc.Blocks[0].LowQuality)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("same", "same"))
	assert.Equal(t, 0.0, Similarity("abc", "xyz"))
	assert.InDelta(t, 0.75, Similarity("abcd", "abce"), 1e-9)
}
