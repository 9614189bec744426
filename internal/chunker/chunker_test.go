package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsBadBudgets(t *testing.T) {
	for _, tc := range []struct{ max, overlap int }{
		{0, 0},
		{-1, 0},
		{100, -1},
		{100, 100},
		{100, 150},
	} {
		_, err := New(tc.max, tc.overlap)
		assert.ErrorIs(t, err, ErrBadConfig, "max=%d overlap=%d", tc.max, tc.overlap)
	}
}

func TestSplitEmptyInput(t *testing.T) {
	c := newChunker(t, 100, 20)

	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("   \n\n  \t\n"))
}

func TestSplitSmallTextIsOneChunk(t *testing.T) {
	c := newChunker(t, 200, 20)

	text := "This Agreement is governed by Delaware law.\n\n" +
		"Any disputes shall be resolved through binding arbitration."

	chunks := c.Split(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(text), chunks[0].End)
	assertChunkInvariants(t, text, chunks, 200)
}

func TestSplitPacksSentencesWithOverlap(t *testing.T) {
	c := newChunker(t, 30, 20)

	sentences := []string{
		"Clause one covers the payment terms.",
		"Clause two covers late penalties.",
		"Clause three covers delivery dates.",
		"Clause four covers warranty periods.",
		"Clause five covers liability caps.",
		"Clause six covers notice addresses.",
		"Clause seven covers renewal windows.",
		"Clause eight covers dispute venues.",
	}
	text := strings.Join(sentences, " ")

	chunks := c.Split(text)
	require.GreaterOrEqual(t, len(chunks), 2)
	assertChunkInvariants(t, text, chunks, 30)

	overlapped := 0
	for i := 1; i < len(chunks); i++ {
		if chunks[i].Start < chunks[i-1].End {
			overlapped++
		}
	}
	assert.Greater(t, overlapped, 0, "consecutive chunks should share trailing context")
}

func TestSplitOverBudgetSentenceFallsBackToTokenWindows(t *testing.T) {
	c := newChunker(t, 100, 20)

	// One enormous run-on sentence with no terminators anywhere.
	text := strings.TrimSpace(strings.Repeat("whereas the party of the first part shall remain liable ", 40))

	chunks := c.Split(text)
	require.GreaterOrEqual(t, len(chunks), 3)
	assertChunkInvariants(t, text, chunks, 100)
}

func TestSplitLineBrokenTextWithoutTerminators(t *testing.T) {
	c := newChunker(t, 25, 5)

	text := "1 Definitions and interpretation rules\n" +
		"2 Term and renewal of the agreement\n" +
		"3 Fees payable by the customer\n" +
		"4 Confidential information handling\n" +
		"5 Termination for material breach\n" +
		"6 Governing law and jurisdiction"

	chunks := c.Split(text)
	require.NotEmpty(t, chunks)
	assertChunkInvariants(t, text, chunks, 25)
}

func TestCountTokens(t *testing.T) {
	c := newChunker(t, 100, 20)

	assert.Equal(t, 0, c.CountTokens(""))
	assert.Greater(t, c.CountTokens("limitation of liability"), 0)
	assert.Greater(t,
		c.CountTokens(strings.Repeat("indemnification ", 50)),
		c.CountTokens("indemnification"))
}

func newChunker(t *testing.T, maxTokens, overlap int) *Chunker {
	t.Helper()
	c, err := New(maxTokens, overlap)
	require.NoError(t, err)
	return c
}

// assertChunkInvariants checks the contract every split must honor: indexes
// are sequential, each chunk's text is the exact source slice for its
// offsets, starts never go backwards, no chunk exceeds the token budget, and
// every non-space byte of the source is inside at least one chunk.
func assertChunkInvariants(t *testing.T, text string, chunks []Chunk, maxTokens int) {
	t.Helper()

	covered := make([]bool, len(text))
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		require.True(t, 0 <= ch.Start && ch.Start < ch.End && ch.End <= len(text),
			"chunk %d has offsets [%d,%d) outside the source", i, ch.Start, ch.End)
		assert.Equal(t, text[ch.Start:ch.End], ch.Text, "chunk %d text drifted from its offsets", i)
		assert.LessOrEqual(t, ch.Tokens, maxTokens, "chunk %d over budget", i)
		if i > 0 {
			assert.GreaterOrEqual(t, ch.Start, chunks[i-1].Start, "chunk %d starts before its predecessor", i)
		}
		for b := ch.Start; b < ch.End; b++ {
			covered[b] = true
		}
	}

	for b := 0; b < len(text); b++ {
		switch text[b] {
		case ' ', '\t', '\n', '\r':
			continue
		}
		assert.True(t, covered[b], "byte %d (%q) lost during chunking", b, text[b])
	}
}
