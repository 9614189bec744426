// Package vector defines the similarity index the pipeline writes chunk
// embeddings into and the chat engine queries. Implementations cover an
// embedded in-process index plus Milvus and Qdrant backends.
package vector

import (
	"context"
	"errors"
	"unicode/utf8"
)

// ErrUnavailable wraps backend transport failures so the pipeline can treat
// a down vector store like any other transient dependency.
var ErrUnavailable = errors.New("vector index unavailable")

// ChunkEmbedding is one chunk's vector plus the payload stored beside it.
type ChunkEmbedding struct {
	DocumentID string
	ChunkIndex int
	Text       string
	Vector     []float32
}

// Match is a scored hit for a query, scoped to a single document. Text is
// the stored excerpt, which backends may have truncated; callers needing
// the full chunk text re-read it from primary storage.
type Match struct {
	DocumentID string
	ChunkIndex int
	Text       string
	Score      float32
}

// Index stores unit-length chunk vectors keyed by document and chunk index.
// Upsert overwrites entries with the same key, Delete removes a document's
// entries wholesale. Query returns up to topK matches for one document,
// best first.
type Index interface {
	EnsureReady(ctx context.Context) error
	Upsert(ctx context.Context, chunks []ChunkEmbedding) error
	Query(ctx context.Context, documentID string, vec []float32, topK int) ([]Match, error)
	Delete(ctx context.Context, documentID string) error
	Count(ctx context.Context, documentID string) (int, error)
	Close() error
}

// MaxPayloadText caps the excerpt stored alongside a vector. Full chunk
// text lives in primary storage; the payload is only a preview.
const MaxPayloadText = 2048

// Excerpt truncates text to fit the payload cap without splitting a rune.
func Excerpt(text string) string {
	if len(text) <= MaxPayloadText {
		return text
	}
	cut := MaxPayloadText
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
