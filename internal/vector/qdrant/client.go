// Package qdrant backs the vector index with a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/internal/vector"
	"github.com/clauselens/backend/pkg/logger"
)

type Index struct {
	client     *qdrant.Client
	collection string
	dim        int
}

func New(host string, port int, collection string, dim int) (*Index, error) {
	c, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	logger.Info("Qdrant index initialized",
		zap.String("host", host),
		zap.Int("port", port),
		zap.String("collection", collection),
	)

	return &Index{client: c, collection: collection, dim: dim}, nil
}

func (x *Index) Close() error {
	return x.client.Close()
}

func (x *Index) EnsureReady(ctx context.Context) error {
	collections, err := x.client.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("%w: listing collections: %w", vector.ErrUnavailable, err)
	}

	for _, name := range collections {
		if name == x.collection {
			return nil
		}
	}

	err = x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(x.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("%w: creating collection: %w", vector.ErrUnavailable, err)
	}

	logger.Info("Collection created", zap.String("collection", x.collection))

	return nil
}

func (x *Index) Upsert(ctx context.Context, chunks []vector.ChunkEmbedding) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(chunks))
	for i, c := range chunks {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(c.DocumentID, c.ChunkIndex)),
			Vectors: qdrant.NewVectors(c.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				"document_id": c.DocumentID,
				"chunk_index": int64(c.ChunkIndex),
				"text":        vector.Excerpt(c.Text),
			}),
		}
	}

	_, err := x.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("%w: upserting points: %w", vector.ErrUnavailable, err)
	}

	logger.Debug("Chunks upserted into vector index",
		zap.String("document_id", chunks[0].DocumentID),
		zap.Int("count", len(chunks)),
	)

	return nil
}

func (x *Index) Query(ctx context.Context, documentID string, vec []float32, topK int) ([]vector.Match, error) {
	limit := uint64(topK)

	points, err := x.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          qdrant.NewQuery(vec...),
		Filter:         documentFilter(documentID),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: querying points: %w", vector.ErrUnavailable, err)
	}

	matches := make([]vector.Match, 0, len(points))
	for _, p := range points {
		matches = append(matches, vector.Match{
			DocumentID: documentID,
			ChunkIndex: int(p.Payload["chunk_index"].GetIntegerValue()),
			Text:       p.Payload["text"].GetStringValue(),
			Score:      p.Score,
		})
	}

	return matches, nil
}

func (x *Index) Delete(ctx context.Context, documentID string) error {
	_, err := x.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Points:         qdrant.NewPointsSelectorFilter(documentFilter(documentID)),
	})
	if err != nil {
		return fmt.Errorf("%w: deleting document points: %w", vector.ErrUnavailable, err)
	}
	return nil
}

func (x *Index) Count(ctx context.Context, documentID string) (int, error) {
	exact := true
	n, err := x.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: x.collection,
		Filter:         documentFilter(documentID),
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: counting document points: %w", vector.ErrUnavailable, err)
	}
	return int(n), nil
}

// pointID derives a stable UUID from the chunk key, so re-upserting the
// same chunk overwrites its point instead of duplicating it.
func pointID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(models.ChunkID(documentID, chunkIndex))).String()
}

func documentFilter(documentID string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("document_id", documentID),
		},
	}
}
