package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clauselens/backend/internal/analysis"
	"github.com/clauselens/backend/internal/chunker"
	"github.com/clauselens/backend/internal/embedding"
	"github.com/clauselens/backend/internal/extract"
	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/internal/vector/memory"
)

var errMissingDoc = errors.New("document not found")

type fakeStore struct {
	mu          sync.Mutex
	docs        map[string]*models.Document
	transitions map[string][]models.DocumentStatus
	chunks      map[string][]models.Chunk
	analyses    map[string]*models.Analysis
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		docs:        make(map[string]*models.Document),
		transitions: make(map[string][]models.DocumentStatus),
		chunks:      make(map[string][]models.Chunk),
		analyses:    make(map[string]*models.Analysis),
	}
}

func (s *fakeStore) add(doc models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = &doc
}

func (s *fakeStore) GetDocument(id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, errMissingDoc
	}
	copied := *doc
	return &copied, nil
}

func (s *fakeStore) UpdateDocumentStatus(id string, status models.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return errMissingDoc
	}
	doc.Status = status
	s.transitions[id] = append(s.transitions[id], status)
	return nil
}

func (s *fakeStore) MarkDocumentFailed(id, stage, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return errMissingDoc
	}
	doc.Status = models.StatusFailed
	doc.FailureStage = stage
	doc.FailureReason = reason
	s.transitions[id] = append(s.transitions[id], models.StatusFailed)
	return nil
}

func (s *fakeStore) SetExtractedText(id, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return errMissingDoc
	}
	doc.ExtractedText = text
	return nil
}

func (s *fakeStore) ReplaceChunks(documentID string, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return errMissingDoc
	}
	s.chunks[documentID] = append([]models.Chunk(nil), chunks...)
	doc.ChunkCount = len(chunks)
	return nil
}

func (s *fakeStore) UpsertAnalysis(analysis *models.Analysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *analysis
	s.analyses[analysis.DocumentID] = &copied
	return nil
}

func (s *fakeStore) DeleteDocument(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return errMissingDoc
	}
	delete(s.docs, id)
	delete(s.chunks, id)
	delete(s.analyses, id)
	return nil
}

func (s *fakeStore) document(t *testing.T, id string) models.Document {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	require.True(t, ok, "document %s missing from store", id)
	return *doc
}

type fakeBlobs struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: make(map[string][]byte)}
}

func (b *fakeBlobs) Get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, fmt.Errorf("no blob for key %s", key)
	}
	return data, nil
}

func (b *fakeBlobs) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	b.deleted = append(b.deleted, key)
	return nil
}

// fakeEmbedder returns fixed-dimension vectors. The first `failures` calls
// return a transient error; a non-nil gate parks every call until the gate
// closes or the context is canceled.
type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
	gate     chan struct{}
}

func (e *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()

	if e.gate != nil {
		select {
		case <-e.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if n <= e.failures {
		return nil, fmt.Errorf("%w: rate limited", embedding.ErrUnavailable)
	}

	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, float32(i)}
	}
	return out, nil
}

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeAnalyzer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (a *fakeAnalyzer) Generate(ctx context.Context, text string) (*models.Analysis, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return &models.Analysis{
		Summary:   "A services agreement with standard terms.",
		KeyPoints: []string{"Net 45 payment terms"},
		Risks: []models.RiskItem{
			{Description: "Unlimited liability", Level: models.RiskHigh},
		},
		Recommendations: []string{"Negotiate a liability cap"},
		Model:           "test-model",
	}, nil
}

func (a *fakeAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fixture struct {
	store    *fakeStore
	blobs    *fakeBlobs
	embedder *fakeEmbedder
	analyzer *fakeAnalyzer
	index    *memory.Index
	manager  *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	split, err := chunker.New(40, 10)
	require.NoError(t, err)

	f := &fixture{
		store:    newFakeStore(),
		blobs:    newFakeBlobs(),
		embedder: &fakeEmbedder{},
		analyzer: &fakeAnalyzer{},
		index:    memory.New(),
	}
	f.manager = NewManager(Deps{
		Store:     f.store,
		Blobs:     f.blobs,
		Extractor: extract.NewExtractor(),
		Splitter:  split,
		Embedder:  f.embedder,
		Index:     f.index,
		Analyzer:  f.analyzer,
	}, cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.manager.Close(ctx)
	})
	return f
}

func (f *fixture) addDocument(id, filename, contentType string, blob []byte) {
	key := "blobs/" + id
	f.blobs.mu.Lock()
	f.blobs.blobs[key] = blob
	f.blobs.mu.Unlock()
	f.store.add(models.Document{
		ID:               id,
		OwnerID:          "owner-1",
		OriginalFilename: filename,
		ContentType:      contentType,
		FileSize:         int64(len(blob)),
		StorageKey:       key,
		Status:           models.StatusUploaded,
	})
}

func waitForTerminal(t *testing.T, store *fakeStore, id string) models.Document {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		doc := store.document(t, id)
		if doc.Status.Terminal() {
			return doc
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document %s never reached a terminal status", id)
	return models.Document{}
}

const contractText = "Master Services Agreement. The provider will deliver consulting services " +
	"to the client under the terms of this agreement. Payment is due within forty five days " +
	"of invoice. Either party may terminate this agreement with thirty days written notice. " +
	"The provider accepts unlimited liability for damages arising from gross negligence. " +
	"All disputes will be resolved in the courts of Delaware."

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t, Config{StageRetries: 1})
	f.addDocument("doc-1", "contract.txt", "text/plain", []byte(contractText))

	events, unsubscribe := f.manager.Subscribe("doc-1")
	defer unsubscribe()

	require.NoError(t, f.manager.Process("doc-1"))

	var statuses []models.DocumentStatus
	var last Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			statuses = append(statuses, ev.Status)
			last = ev
		case <-timeout:
			t.Fatal("timed out waiting for lifecycle events")
		}
		if last.Status.Terminal() {
			break
		}
	}

	require.Equal(t, []models.DocumentStatus{
		models.StatusExtracting,
		models.StatusChunkingEmbedding,
		models.StatusAnalyzing,
		models.StatusProcessed,
	}, statuses)

	doc := f.store.document(t, "doc-1")
	assert.Equal(t, models.StatusProcessed, doc.Status)
	assert.Equal(t, contractText, doc.ExtractedText)
	assert.Empty(t, doc.FailureStage)

	chunks := f.store.chunks["doc-1"]
	require.NotEmpty(t, chunks)
	assert.Equal(t, doc.ChunkCount, len(chunks))
	assert.Equal(t, last.ChunkCount, len(chunks))
	for i, ch := range chunks {
		assert.Equal(t, models.ChunkID("doc-1", i), ch.ID)
		assert.Equal(t, i, ch.ChunkIndex)
		assert.Equal(t, contractText[ch.StartOffset:ch.EndOffset], ch.Text)
	}

	indexed, err := f.index.Count(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, len(chunks), indexed)

	stored := f.store.analyses["doc-1"]
	require.NotNil(t, stored)
	assert.Equal(t, "doc-1", stored.DocumentID)
	assert.Equal(t, "A services agreement with standard terms.", stored.Summary)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestProcessRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, Config{})
	gate := make(chan struct{})
	f.embedder.gate = gate
	f.addDocument("doc-1", "contract.txt", "text/plain", []byte(contractText))

	require.NoError(t, f.manager.Process("doc-1"))

	// Wait until the run is parked inside the embedding stage.
	deadline := time.Now().Add(5 * time.Second)
	for f.embedder.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, f.embedder.callCount())

	assert.ErrorIs(t, f.manager.Process("doc-1"), ErrAlreadyProcessing)

	close(gate)
	doc := waitForTerminal(t, f.store, "doc-1")
	assert.Equal(t, models.StatusProcessed, doc.Status)
}

func TestProcessRejectsPersistedMidPipelineStatus(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "contract.txt", "text/plain", []byte(contractText))
	require.NoError(t, f.store.UpdateDocumentStatus("doc-1", models.StatusAnalyzing))

	assert.ErrorIs(t, f.manager.Process("doc-1"), ErrAlreadyProcessing)
}

func TestProcessExtractionFailureIsPermanent(t *testing.T) {
	f := newFixture(t, Config{StageRetries: 2})
	f.addDocument("doc-1", "contract.pdf", "application/pdf", []byte("%PDF-1.7 not really a pdf"))

	require.NoError(t, f.manager.Process("doc-1"))
	doc := waitForTerminal(t, f.store, "doc-1")

	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, StageExtraction, doc.FailureStage)
	assert.NotEmpty(t, doc.FailureReason)
	assert.Zero(t, f.embedder.callCount())
	assert.Zero(t, f.analyzer.callCount())
}

func TestProcessRetriesTransientEmbeddingFailure(t *testing.T) {
	f := newFixture(t, Config{StageRetries: 2})
	f.embedder.failures = 1
	f.addDocument("doc-1", "contract.txt", "text/plain", []byte(contractText))

	require.NoError(t, f.manager.Process("doc-1"))
	doc := waitForTerminal(t, f.store, "doc-1")

	assert.Equal(t, models.StatusProcessed, doc.Status)
	assert.Equal(t, 2, f.embedder.callCount())
}

func TestProcessExhaustedRetriesFailDocument(t *testing.T) {
	f := newFixture(t, Config{StageRetries: 1})
	f.embedder.failures = 10
	f.addDocument("doc-1", "contract.txt", "text/plain", []byte(contractText))

	require.NoError(t, f.manager.Process("doc-1"))
	doc := waitForTerminal(t, f.store, "doc-1")

	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, StageChunkingEmbedding, doc.FailureStage)
	assert.Equal(t, 2, f.embedder.callCount())
	assert.Zero(t, f.analyzer.callCount())
}

func TestProcessAnalysisParseFailureIsPermanent(t *testing.T) {
	f := newFixture(t, Config{StageRetries: 2})
	f.analyzer.err = fmt.Errorf("%w: no JSON object in response", analysis.ErrParse)
	f.addDocument("doc-1", "contract.txt", "text/plain", []byte(contractText))

	require.NoError(t, f.manager.Process("doc-1"))
	doc := waitForTerminal(t, f.store, "doc-1")

	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, StageAnalysis, doc.FailureStage)
	assert.Equal(t, 1, f.analyzer.callCount(), "parse failures must not be retried")

	// Chunks and vectors from the completed stage remain behind.
	assert.NotEmpty(t, f.store.chunks["doc-1"])
}

func TestDeleteCancelsActiveRun(t *testing.T) {
	f := newFixture(t, Config{})
	f.embedder.gate = make(chan struct{}) // never released
	f.addDocument("doc-1", "contract.txt", "text/plain", []byte(contractText))

	require.NoError(t, f.manager.Process("doc-1"))

	deadline := time.Now().Add(5 * time.Second)
	for f.embedder.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, f.embedder.callCount())

	require.NoError(t, f.manager.Delete(context.Background(), "doc-1"))

	_, err := f.store.GetDocument("doc-1")
	assert.ErrorIs(t, err, errMissingDoc)
	assert.Equal(t, []string{"blobs/doc-1"}, f.blobs.deleted)

	count, err := f.index.Count(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestCloseRejectsNewRuns(t *testing.T) {
	f := newFixture(t, Config{})
	f.addDocument("doc-1", "contract.txt", "text/plain", []byte(contractText))

	require.NoError(t, f.manager.Process("doc-1"))
	waitForTerminal(t, f.store, "doc-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.manager.Close(ctx))

	assert.ErrorIs(t, f.manager.Process("doc-1"), ErrShuttingDown)
}

func TestSubscribeDropsEventsAfterUnsubscribe(t *testing.T) {
	f := newFixture(t, Config{})

	events, unsubscribe := f.manager.Subscribe("doc-1")
	unsubscribe()
	unsubscribe() // idempotent

	_, open := <-events
	assert.False(t, open, "unsubscribed channel must be closed")

	// Publishing to a document with no subscribers must not panic.
	f.manager.publish(Event{DocumentID: "doc-1", Status: models.StatusExtracting})
}

func TestDistinctDocumentsProcessInParallel(t *testing.T) {
	f := newFixture(t, Config{StageRetries: 1})

	ids := []string{"doc-1", "doc-2", "doc-3"}
	for _, id := range ids {
		f.addDocument(id, id+".txt", "text/plain", []byte(contractText))
	}

	for _, id := range ids {
		require.NoError(t, f.manager.Process(id))
	}

	for _, id := range ids {
		doc := waitForTerminal(t, f.store, id)
		assert.Equal(t, models.StatusProcessed, doc.Status, id)
	}

	// Each document's vectors are attributed only to it.
	want := len(f.store.chunks["doc-1"])
	for _, id := range ids {
		assert.Len(t, f.store.chunks[id], want, id)

		count, err := f.index.Count(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, count, id)

		for _, c := range f.store.chunks[id] {
			assert.Equal(t, id, c.DocumentID)
		}
	}
}
