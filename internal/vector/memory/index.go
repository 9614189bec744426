// Package memory provides an embedded, process-local vector index. It keeps
// single-node deployments and tests free of any external vector store.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/clauselens/backend/internal/vector"
)

type entry struct {
	chunkIndex int
	text       string
	vec        []float32
}

// Index holds unit-length vectors grouped by document. Scoring is a plain
// dot product, which equals cosine similarity for normalized vectors.
type Index struct {
	mu   sync.RWMutex
	docs map[string][]entry
}

func New() *Index {
	return &Index{docs: make(map[string][]entry)}
}

func (x *Index) EnsureReady(ctx context.Context) error { return nil }

func (x *Index) Close() error { return nil }

func (x *Index) Upsert(ctx context.Context, chunks []vector.ChunkEmbedding) error {
	if len(chunks) == 0 {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for _, c := range chunks {
		vec := make([]float32, len(c.Vector))
		copy(vec, c.Vector)
		e := entry{chunkIndex: c.ChunkIndex, text: vector.Excerpt(c.Text), vec: vec}

		entries := x.docs[c.DocumentID]
		replaced := false
		for i := range entries {
			if entries[i].chunkIndex == c.ChunkIndex {
				entries[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			entries = append(entries, e)
		}
		x.docs[c.DocumentID] = entries
	}
	return nil
}

func (x *Index) Query(ctx context.Context, documentID string, vec []float32, topK int) ([]vector.Match, error) {
	if topK <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	entries := x.docs[documentID]
	matches := make([]vector.Match, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, vector.Match{
			DocumentID: documentID,
			ChunkIndex: e.chunkIndex,
			Text:       e.text,
			Score:      dot(vec, e.vec),
		})
	}
	x.mu.RUnlock()

	// Equal scores resolve by chunk order so results are deterministic.
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ChunkIndex < matches[j].ChunkIndex
	})

	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (x *Index) Delete(ctx context.Context, documentID string) error {
	x.mu.Lock()
	delete(x.docs, documentID)
	x.mu.Unlock()
	return nil
}

func (x *Index) Count(ctx context.Context, documentID string) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs[documentID]), nil
}

func dot(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
