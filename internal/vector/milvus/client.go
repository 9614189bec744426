// Package milvus backs the vector index with a Milvus or Zilliz Cloud
// collection.
package milvus

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/internal/vector"
	"github.com/clauselens/backend/pkg/logger"
)

type Index struct {
	client     client.Client
	collection string
	dim        int
}

func New(ctx context.Context, endpoint, apiKey, collection string, dim int) (*Index, error) {
	c, err := client.NewClient(ctx, client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus index initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collection),
	)

	return &Index{client: c, collection: collection, dim: dim}, nil
}

func (x *Index) Close() error {
	return x.client.Close()
}

// EnsureReady creates, indexes and loads the collection on first use.
func (x *Index) EnsureReady(ctx context.Context) error {
	has, err := x.client.HasCollection(ctx, x.collection)
	if err != nil {
		return fmt.Errorf("%w: checking collection: %w", vector.ErrUnavailable, err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", x.collection))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: x.collection,
		Description:    "Legal document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
			{
				Name:     "document_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "chunk_index",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "4096",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", x.dim),
				},
			},
		},
	}

	if err := x.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("%w: creating collection: %w", vector.ErrUnavailable, err)
	}

	// Vectors are unit length, so inner product scores equal cosine
	// similarity.
	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("building index definition: %w", err)
	}
	if err := x.client.CreateIndex(ctx, x.collection, "embedding", idx, false); err != nil {
		return fmt.Errorf("%w: creating index: %w", vector.ErrUnavailable, err)
	}

	if err := x.client.LoadCollection(ctx, x.collection, false); err != nil {
		return fmt.Errorf("%w: loading collection: %w", vector.ErrUnavailable, err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", x.collection))

	return nil
}

func (x *Index) Upsert(ctx context.Context, chunks []vector.ChunkEmbedding) error {
	if len(chunks) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(chunks))
	documentIDs := make([]string, len(chunks))
	chunkIndexes := make([]int64, len(chunks))
	texts := make([]string, len(chunks))
	embeddings := make([][]float32, len(chunks))

	for i, c := range chunks {
		chunkIDs[i] = models.ChunkID(c.DocumentID, c.ChunkIndex)
		documentIDs[i] = c.DocumentID
		chunkIndexes[i] = int64(c.ChunkIndex)
		texts[i] = vector.Excerpt(c.Text)
		embeddings[i] = c.Vector
	}

	_, err := x.client.Upsert(
		ctx,
		x.collection,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("document_id", documentIDs),
		entity.NewColumnInt64("chunk_index", chunkIndexes),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnFloatVector("embedding", x.dim, embeddings),
	)
	if err != nil {
		return fmt.Errorf("%w: upserting chunks: %w", vector.ErrUnavailable, err)
	}

	if err := x.client.Flush(ctx, x.collection, false); err != nil {
		return fmt.Errorf("%w: flushing collection: %w", vector.ErrUnavailable, err)
	}

	logger.Debug("Chunks upserted into vector index",
		zap.String("document_id", chunks[0].DocumentID),
		zap.Int("count", len(chunks)),
	)

	return nil
}

func (x *Index) Query(ctx context.Context, documentID string, vec []float32, topK int) ([]vector.Match, error) {
	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := x.client.Search(
		ctx,
		x.collection,
		[]string{},
		documentFilter(documentID),
		[]string{"document_id", "chunk_index", "text"},
		[]entity.Vector{entity.FloatVector(vec)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: searching: %w", vector.ErrUnavailable, err)
	}

	var matches []vector.Match
	for _, sr := range searchResult {
		indexCol := sr.Fields.GetColumn("chunk_index")
		textCol := sr.Fields.GetColumn("text")

		for i := 0; i < sr.ResultCount; i++ {
			idx, _ := indexCol.Get(i)
			text, _ := textCol.Get(i)

			matches = append(matches, vector.Match{
				DocumentID: documentID,
				ChunkIndex: int(idx.(int64)),
				Text:       text.(string),
				Score:      sr.Scores[i],
			})
		}
	}

	return matches, nil
}

func (x *Index) Delete(ctx context.Context, documentID string) error {
	if err := x.client.Delete(ctx, x.collection, "", documentFilter(documentID)); err != nil {
		return fmt.Errorf("%w: deleting document vectors: %w", vector.ErrUnavailable, err)
	}
	return nil
}

func (x *Index) Count(ctx context.Context, documentID string) (int, error) {
	rs, err := x.client.Query(ctx, x.collection, nil, documentFilter(documentID), []string{"chunk_id"})
	if err != nil {
		return 0, fmt.Errorf("%w: counting document vectors: %w", vector.ErrUnavailable, err)
	}

	col := rs.GetColumn("chunk_id")
	if col == nil {
		return 0, nil
	}
	return col.Len(), nil
}

func documentFilter(documentID string) string {
	return fmt.Sprintf(`document_id == %q`, documentID)
}
