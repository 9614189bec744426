// Package chat answers questions about a processed document by retrieving
// its most similar chunks and prompting the completion model with them as
// the only allowed context.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/llm"
	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/internal/vector"
	"github.com/clauselens/backend/pkg/logger"
	"github.com/clauselens/backend/pkg/utils"
)

var (
	ErrForbidden     = errors.New("document belongs to another user")
	ErrProcessing    = errors.New("document is still processing")
	ErrNotReady      = errors.New("document is not ready for chat")
	ErrEmptyQuestion = errors.New("question is empty")
)

// insufficientContextAnswer is returned (and persisted) when retrieval
// finds nothing above the similarity floor, instead of letting the model
// answer from thin air.
const insufficientContextAnswer = "I couldn't find anything in this document that addresses that question. " +
	"Try rephrasing it, or ask about a topic the document actually covers."

const systemPrompt = `You are a legal document assistant. Answer the user's question using ONLY the numbered context passages from their document.

Rules:
- Use only the provided passages; never rely on outside knowledge about the parties or the law
- Cite the passages you used with [n] notation
- If the passages do not contain the answer, say so plainly
- Keep answers concise and in plain language`

const sourceExcerptLen = 300

// Store is the slice of document storage the engine reads and writes.
type Store interface {
	GetDocument(id string) (*models.Document, error)
	GetChunkTexts(documentID string, indices []int) (map[int]string, error)
	InsertChatTurn(turn *models.ChatTurn) error
	GetChatHistory(documentID string, skip, limit int, newestFirst bool) ([]models.ChatTurn, int, error)
	SetChatFeedback(documentID string, seq int64, helpful bool) error
}

type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Model() string
}

type Config struct {
	TopK          int
	MinSimilarity float32
	MaxSources    int
}

type Engine struct {
	store    Store
	embedder Embedder
	llm      Completer
	index    vector.Index
	cfg      Config
}

func NewEngine(store Store, embedder Embedder, completer Completer, index vector.Index, cfg Config) *Engine {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MinSimilarity <= 0 {
		cfg.MinSimilarity = 0.3
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = 5
	}
	return &Engine{store: store, embedder: embedder, llm: completer, index: index, cfg: cfg}
}

// Ask answers question against documentID on behalf of ownerID and persists
// the exchange. The document must be fully processed.
func (e *Engine) Ask(ctx context.Context, documentID, ownerID, question string) (*models.ChatTurn, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}

	doc, err := e.gate(documentID, ownerID)
	if err != nil {
		return nil, err
	}
	switch {
	case doc.Status == models.StatusProcessed:
	case doc.Status.Processing():
		return nil, ErrProcessing
	default:
		return nil, ErrNotReady
	}

	started := time.Now()

	queryVec, err := e.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}

	matches, err := e.index.Query(ctx, documentID, queryVec, e.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	if len(matches) == 0 {
		// Processed but nothing indexed: the document needs reprocessing
		// before chat can work.
		return nil, fmt.Errorf("%w: no indexed chunks", ErrNotReady)
	}

	var relevant []vector.Match
	for _, m := range matches {
		if m.Score >= e.cfg.MinSimilarity {
			relevant = append(relevant, m)
		}
	}

	if len(relevant) == 0 {
		logger.Debug("No chunks above similarity floor",
			zap.String("document_id", documentID),
			zap.Float32("best_score", matches[0].Score),
		)
		return e.persistTurn(documentID, question, insufficientContextAnswer, nil, started)
	}

	texts := e.hydrate(documentID, relevant)

	var contextBlock strings.Builder
	for i, m := range relevant {
		fmt.Fprintf(&contextBlock, "[%d] %s\n\n", i+1, texts[m.ChunkIndex])
	}

	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt: fmt.Sprintf("Context passages from the document:\n\n%sQuestion: %s",
			contextBlock.String(), question),
	})
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	sources := make([]models.ChatSource, 0, len(relevant))
	for _, m := range relevant {
		if len(sources) == e.cfg.MaxSources {
			break
		}
		sources = append(sources, models.ChatSource{
			ChunkIndex: m.ChunkIndex,
			Score:      m.Score,
			Excerpt:    utils.TruncateAtWord(texts[m.ChunkIndex], sourceExcerptLen),
		})
	}

	return e.persistTurn(documentID, question, resp.Content, sources, started)
}

// History returns a page of the document's chat turns plus the total count.
func (e *Engine) History(documentID, ownerID string, skip, limit int, newestFirst bool) ([]models.ChatTurn, int, error) {
	if _, err := e.gate(documentID, ownerID); err != nil {
		return nil, 0, err
	}
	return e.store.GetChatHistory(documentID, skip, limit, newestFirst)
}

// Feedback records whether the answer at seq helped.
func (e *Engine) Feedback(documentID, ownerID string, seq int64, helpful bool) error {
	if _, err := e.gate(documentID, ownerID); err != nil {
		return err
	}
	return e.store.SetChatFeedback(documentID, seq, helpful)
}

func (e *Engine) gate(documentID, ownerID string) (*models.Document, error) {
	doc, err := e.store.GetDocument(documentID)
	if err != nil {
		return nil, err
	}
	if doc.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return doc, nil
}

// hydrate re-reads full chunk texts from primary storage, since index
// payloads may be truncated. Matches without a stored row fall back to the
// payload excerpt.
func (e *Engine) hydrate(documentID string, matches []vector.Match) map[int]string {
	indices := make([]int, len(matches))
	for i, m := range matches {
		indices[i] = m.ChunkIndex
	}

	texts, err := e.store.GetChunkTexts(documentID, indices)
	if err != nil {
		logger.Warn("Falling back to index payload text",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		texts = nil
	}
	if texts == nil {
		texts = make(map[int]string, len(matches))
	}

	for _, m := range matches {
		if texts[m.ChunkIndex] == "" {
			texts[m.ChunkIndex] = m.Text
		}
	}
	return texts
}

func (e *Engine) persistTurn(documentID, question, answer string, sources []models.ChatSource, started time.Time) (*models.ChatTurn, error) {
	turn := &models.ChatTurn{
		DocumentID:     documentID,
		Question:       question,
		Answer:         answer,
		Sources:        sources,
		Model:          e.llm.Model(),
		ResponseTimeMS: int(time.Since(started).Milliseconds()),
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.store.InsertChatTurn(turn); err != nil {
		return nil, fmt.Errorf("persisting chat turn: %w", err)
	}

	logger.Info("Chat turn answered",
		zap.String("document_id", documentID),
		zap.Int("sources", len(sources)),
		zap.Int("response_time_ms", turn.ResponseTimeMS),
	)

	return turn, nil
}
