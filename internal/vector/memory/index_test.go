package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clauselens/backend/internal/vector"
)

func TestQueryRanksByDotProduct(t *testing.T) {
	x := New()
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, []vector.ChunkEmbedding{
		{DocumentID: "doc-1", ChunkIndex: 0, Text: "termination clause", Vector: []float32{1, 0}},
		{DocumentID: "doc-1", ChunkIndex: 1, Text: "payment clause", Vector: []float32{0, 1}},
		{DocumentID: "doc-1", ChunkIndex: 2, Text: "mixed clause", Vector: []float32{0.7071, 0.7071}},
	}))

	matches, err := x.Query(ctx, "doc-1", []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	assert.Equal(t, 0, matches[0].ChunkIndex)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-4)
	assert.Equal(t, 2, matches[1].ChunkIndex)
	assert.InDelta(t, 0.7071, matches[1].Score, 1e-4)
}

func TestQueryIsScopedToDocument(t *testing.T) {
	x := New()
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, []vector.ChunkEmbedding{
		{DocumentID: "doc-1", ChunkIndex: 0, Vector: []float32{1, 0}},
		{DocumentID: "doc-2", ChunkIndex: 0, Vector: []float32{1, 0}},
	}))

	matches, err := x.Query(ctx, "doc-1", []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-1", matches[0].DocumentID)
}

func TestQueryTieBreaksByChunkIndex(t *testing.T) {
	x := New()
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, []vector.ChunkEmbedding{
		{DocumentID: "doc-1", ChunkIndex: 3, Vector: []float32{1, 0}},
		{DocumentID: "doc-1", ChunkIndex: 1, Vector: []float32{1, 0}},
		{DocumentID: "doc-1", ChunkIndex: 2, Vector: []float32{1, 0}},
	}))

	matches, err := x.Query(ctx, "doc-1", []float32{1, 0}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{matches[0].ChunkIndex, matches[1].ChunkIndex, matches[2].ChunkIndex})
}

func TestUpsertOverwritesSameChunk(t *testing.T) {
	x := New()
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, []vector.ChunkEmbedding{
		{DocumentID: "doc-1", ChunkIndex: 0, Text: "old", Vector: []float32{1, 0}},
	}))
	require.NoError(t, x.Upsert(ctx, []vector.ChunkEmbedding{
		{DocumentID: "doc-1", ChunkIndex: 0, Text: "new", Vector: []float32{0, 1}},
	}))

	n, err := x.Count(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	matches, err := x.Query(ctx, "doc-1", []float32{0, 1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new", matches[0].Text)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-4)
}

func TestDeleteRemovesDocument(t *testing.T) {
	x := New()
	ctx := context.Background()

	require.NoError(t, x.Upsert(ctx, []vector.ChunkEmbedding{
		{DocumentID: "doc-1", ChunkIndex: 0, Vector: []float32{1, 0}},
		{DocumentID: "doc-2", ChunkIndex: 0, Vector: []float32{0, 1}},
	}))
	require.NoError(t, x.Delete(ctx, "doc-1"))

	n, err := x.Count(ctx, "doc-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = x.Count(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "other documents are untouched")
}

func TestConcurrentUpsertAndQuery(t *testing.T) {
	x := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			doc := fmt.Sprintf("doc-%d", g%2)
			for i := 0; i < 50; i++ {
				_ = x.Upsert(ctx, []vector.ChunkEmbedding{
					{DocumentID: doc, ChunkIndex: i, Vector: []float32{1, 0}},
				})
				_, _ = x.Query(ctx, doc, []float32{1, 0}, 5)
			}
		}(g)
	}
	wg.Wait()

	for _, doc := range []string{"doc-0", "doc-1"} {
		n, err := x.Count(ctx, doc)
		require.NoError(t, err)
		assert.Equal(t, 50, n, doc)
	}
}

func TestExcerptAppliedOnUpsert(t *testing.T) {
	x := New()
	ctx := context.Background()

	long := make([]byte, vector.MaxPayloadText+100)
	for i := range long {
		long[i] = 'a'
	}

	require.NoError(t, x.Upsert(ctx, []vector.ChunkEmbedding{
		{DocumentID: "doc-1", ChunkIndex: 0, Text: string(long), Vector: []float32{1}},
	}))

	matches, err := x.Query(ctx, "doc-1", []float32{1}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Len(t, matches[0].Text, vector.MaxPayloadText)
}
