package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clauselens/backend/internal/llm"
	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/internal/vector"
	"github.com/clauselens/backend/internal/vector/memory"
)

var errStoreNotFound = errors.New("not found")

type fakeStore struct {
	docs      map[string]*models.Document
	chunks    map[string]map[int]string
	turns     []models.ChatTurn
	chunksErr error
}

func (s *fakeStore) GetDocument(id string) (*models.Document, error) {
	doc, ok := s.docs[id]
	if !ok {
		return nil, errStoreNotFound
	}
	return doc, nil
}

func (s *fakeStore) GetChunkTexts(documentID string, indices []int) (map[int]string, error) {
	if s.chunksErr != nil {
		return nil, s.chunksErr
	}
	out := make(map[int]string)
	for _, i := range indices {
		if text, ok := s.chunks[documentID][i]; ok {
			out[i] = text
		}
	}
	return out, nil
}

func (s *fakeStore) InsertChatTurn(turn *models.ChatTurn) error {
	turn.Seq = int64(len(s.turns) + 1)
	s.turns = append(s.turns, *turn)
	return nil
}

func (s *fakeStore) GetChatHistory(documentID string, skip, limit int, newestFirst bool) ([]models.ChatTurn, int, error) {
	var all []models.ChatTurn
	for _, t := range s.turns {
		if t.DocumentID == documentID {
			all = append(all, t)
		}
	}
	total := len(all)
	if skip > len(all) {
		skip = len(all)
	}
	all = all[skip:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func (s *fakeStore) SetChatFeedback(documentID string, seq int64, helpful bool) error {
	for i := range s.turns {
		if s.turns[i].DocumentID == documentID && s.turns[i].Seq == seq {
			s.turns[i].IsHelpful = &helpful
			return nil
		}
	}
	return errStoreNotFound
}

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return f.vec, f.err
}

type fakeCompleter struct {
	answer string
	err    error
	calls  int
	prompt string
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.calls++
	f.prompt = req.UserPrompt
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.answer}, nil
}

func (f *fakeCompleter) Model() string { return "test-model" }

type fixture struct {
	store     *fakeStore
	embedder  *fakeEmbedder
	completer *fakeCompleter
	index     *memory.Index
	engine    *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		store: &fakeStore{
			docs:   make(map[string]*models.Document),
			chunks: make(map[string]map[int]string),
		},
		embedder:  &fakeEmbedder{vec: []float32{1, 0}},
		completer: &fakeCompleter{answer: "The agreement terminates after thirty days notice [1]."},
		index:     memory.New(),
	}
	f.engine = NewEngine(f.store, f.embedder, f.completer, f.index, cfg)
	return f
}

func (f *fixture) addDocument(id, owner string, status models.DocumentStatus) {
	f.store.docs[id] = &models.Document{ID: id, OwnerID: owner, Status: status}
}

func (f *fixture) addChunk(t *testing.T, docID string, idx int, text string, vec []float32) {
	t.Helper()
	if f.store.chunks[docID] == nil {
		f.store.chunks[docID] = make(map[int]string)
	}
	f.store.chunks[docID][idx] = text
	require.NoError(t, f.index.Upsert(context.Background(), []vector.ChunkEmbedding{
		{DocumentID: docID, ChunkIndex: idx, Text: "payload:" + text, Vector: vec},
	}))
}

func TestAskAnswersFromRelevantChunks(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "user-1", models.StatusProcessed)
	f.addChunk(t, "doc-1", 0, "Either party may terminate with thirty days notice.", []float32{1, 0})
	f.addChunk(t, "doc-1", 1, "Payment is due net forty five.", []float32{0.5, 0.866})
	f.addChunk(t, "doc-1", 2, "Delaware law governs this agreement.", []float32{0, 1})

	turn, err := f.engine.Ask(context.Background(), "doc-1", "user-1", "How do I terminate?")
	require.NoError(t, err)

	assert.Equal(t, int64(1), turn.Seq)
	assert.Equal(t, "The agreement terminates after thirty days notice [1].", turn.Answer)
	assert.Equal(t, "test-model", turn.Model)

	// Chunk 2 scores 0.0 against the query, below the floor.
	require.Len(t, turn.Sources, 2)
	assert.Equal(t, 0, turn.Sources[0].ChunkIndex)
	assert.Equal(t, 1, turn.Sources[1].ChunkIndex)
	assert.Greater(t, turn.Sources[0].Score, turn.Sources[1].Score)

	assert.Contains(t, f.completer.prompt, "[1] Either party may terminate")
	assert.Contains(t, f.completer.prompt, "[2] Payment is due")
	assert.NotContains(t, f.completer.prompt, "Delaware")
	assert.Contains(t, f.completer.prompt, "Question: How do I terminate?")

	assert.Contains(t, turn.Sources[0].Excerpt, "thirty days notice",
		"excerpt comes from primary storage, not the index payload")
	assert.NotContains(t, turn.Sources[0].Excerpt, "payload:")

	history, total, err := f.engine.History("doc-1", "user-1", 0, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, history, 1)
	assert.Equal(t, turn.Seq, history[0].Seq)
}

func TestAskStatusGate(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("extracting", "user-1", models.StatusExtracting)
	f.addDocument("embedding", "user-1", models.StatusChunkingEmbedding)
	f.addDocument("analyzing", "user-1", models.StatusAnalyzing)
	f.addDocument("uploaded", "user-1", models.StatusUploaded)
	f.addDocument("failed", "user-1", models.StatusFailed)

	for _, id := range []string{"extracting", "embedding", "analyzing"} {
		_, err := f.engine.Ask(context.Background(), id, "user-1", "q")
		assert.ErrorIs(t, err, ErrProcessing, id)
	}
	for _, id := range []string{"uploaded", "failed"} {
		_, err := f.engine.Ask(context.Background(), id, "user-1", "q")
		assert.ErrorIs(t, err, ErrNotReady, id)
	}
	assert.Empty(t, f.store.turns, "gated questions must not persist turns")
}

func TestAskOwnershipAndExistence(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "user-1", models.StatusProcessed)

	_, err := f.engine.Ask(context.Background(), "doc-1", "intruder", "q")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.engine.Ask(context.Background(), "ghost", "user-1", "q")
	assert.ErrorIs(t, err, errStoreNotFound)
}

func TestAskEmptyQuestion(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.engine.Ask(context.Background(), "doc-1", "user-1", "   ")
	assert.ErrorIs(t, err, ErrEmptyQuestion)
}

func TestAskBelowFloorPersistsCannedAnswer(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "user-1", models.StatusProcessed)
	f.addChunk(t, "doc-1", 0, "Delaware law governs.", []float32{0, 1})

	turn, err := f.engine.Ask(context.Background(), "doc-1", "user-1", "What about dragons?")
	require.NoError(t, err)

	assert.Equal(t, insufficientContextAnswer, turn.Answer)
	assert.Empty(t, turn.Sources)
	assert.Zero(t, f.completer.calls, "no completion without usable context")
	require.Len(t, f.store.turns, 1, "the canned answer is part of history")
}

func TestAskUnindexedProcessedDocument(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "user-1", models.StatusProcessed)

	_, err := f.engine.Ask(context.Background(), "doc-1", "user-1", "q")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, f.store.turns)
}

func TestAskCapsSources(t *testing.T) {
	f := newFixture(t, Config{MaxSources: 2})
	f.addDocument("doc-1", "user-1", models.StatusProcessed)
	f.addChunk(t, "doc-1", 0, "a", []float32{1, 0})
	f.addChunk(t, "doc-1", 1, "b", []float32{0.9, 0.1})
	f.addChunk(t, "doc-1", 2, "c", []float32{0.8, 0.2})

	turn, err := f.engine.Ask(context.Background(), "doc-1", "user-1", "q")
	require.NoError(t, err)
	assert.Len(t, turn.Sources, 2)
}

func TestAskEmbedderFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "user-1", models.StatusProcessed)
	f.embedder.err = errors.New("embedding down")

	_, err := f.engine.Ask(context.Background(), "doc-1", "user-1", "q")
	assert.ErrorContains(t, err, "embedding down")
	assert.Empty(t, f.store.turns)
}

func TestAskHydrationFallsBackToPayload(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "user-1", models.StatusProcessed)
	f.addChunk(t, "doc-1", 0, "full text from storage", []float32{1, 0})
	f.store.chunksErr = errors.New("storage hiccup")

	turn, err := f.engine.Ask(context.Background(), "doc-1", "user-1", "q")
	require.NoError(t, err)
	require.Len(t, turn.Sources, 1)
	assert.Contains(t, turn.Sources[0].Excerpt, "payload:")
}

func TestHistoryGatesOwnership(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "user-1", models.StatusProcessed)

	_, _, err := f.engine.History("doc-1", "intruder", 0, 10, false)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestFeedback(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "user-1", models.StatusProcessed)
	f.addChunk(t, "doc-1", 0, "termination clause", []float32{1, 0})

	turn, err := f.engine.Ask(context.Background(), "doc-1", "user-1", "q")
	require.NoError(t, err)

	require.NoError(t, f.engine.Feedback("doc-1", "user-1", turn.Seq, true))
	require.NotNil(t, f.store.turns[0].IsHelpful)
	assert.True(t, *f.store.turns[0].IsHelpful)

	assert.ErrorIs(t, f.engine.Feedback("doc-1", "intruder", turn.Seq, false), ErrForbidden)
	assert.ErrorIs(t, f.engine.Feedback("doc-1", "user-1", 999, false), errStoreNotFound)
}
