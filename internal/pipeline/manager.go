// Package pipeline drives a document from upload to processed: extract the
// text, chunk it, embed and index the chunks, then generate the analysis.
// Each document runs on its own goroutine with single-flight per ID, and
// every status transition is persisted before it is broadcast.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/analysis"
	"github.com/clauselens/backend/internal/chunker"
	"github.com/clauselens/backend/internal/embedding"
	"github.com/clauselens/backend/internal/extract"
	"github.com/clauselens/backend/internal/metrics"
	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/internal/vector"
	"github.com/clauselens/backend/pkg/logger"
	"github.com/clauselens/backend/pkg/retry"
	"github.com/clauselens/backend/pkg/utils"
)

var (
	// ErrAlreadyProcessing rejects a run for a document that already has one
	// active or persisted as in-flight.
	ErrAlreadyProcessing = errors.New("document is already being processed")

	// ErrShuttingDown rejects new runs once Close has been called.
	ErrShuttingDown = errors.New("processing pipeline is shutting down")
)

// Stage names recorded on failed documents and failure metrics.
const (
	StageExtraction        = "extraction"
	StageChunkingEmbedding = "chunking_embedding"
	StageAnalysis          = "analysis"
)

const maxFailureReasonLen = 500

// Event is one document lifecycle transition, broadcast to subscribers.
type Event struct {
	DocumentID string                `json:"document_id"`
	Status     models.DocumentStatus `json:"status"`
	ChunkCount int                   `json:"chunk_count,omitempty"`
	Stage      string                `json:"stage,omitempty"`
	Error      string                `json:"error,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

type Store interface {
	GetDocument(id string) (*models.Document, error)
	UpdateDocumentStatus(id string, status models.DocumentStatus) error
	MarkDocumentFailed(id, stage, reason string) error
	SetExtractedText(id, text string) error
	ReplaceChunks(documentID string, chunks []models.Chunk) error
	UpsertAnalysis(analysis *models.Analysis) error
	DeleteDocument(id string) error
}

type Blobs interface {
	Get(key string) ([]byte, error)
	Delete(key string) error
}

type Extractor interface {
	Extract(ctx context.Context, blob []byte, format extract.Format) (string, error)
}

type Splitter interface {
	Split(text string) []chunker.Chunk
}

type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type Analyzer interface {
	Generate(ctx context.Context, text string) (*models.Analysis, error)
}

// Deps are the collaborators a Manager orchestrates.
type Deps struct {
	Store     Store
	Blobs     Blobs
	Extractor Extractor
	Splitter  Splitter
	Embedder  Embedder
	Index     vector.Index
	Analyzer  Analyzer
}

type Config struct {
	// StageRetries is how many extra attempts a stage gets when its backend
	// reports a transient failure. Extraction never retries; its failures
	// are deterministic.
	StageRetries int
}

type Manager struct {
	store     Store
	blobs     Blobs
	extractor Extractor
	splitter  Splitter
	embedder  Embedder
	index     vector.Index
	analyzer  Analyzer

	retryIndex   retry.Config
	retryAnalyze retry.Config

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*run
	closed   bool
	wg       sync.WaitGroup

	subMu   sync.Mutex
	nextSub int
	subs    map[string]map[int]chan Event
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.StageRetries < 0 {
		cfg.StageRetries = 0
	}

	base := retry.Config{
		MaxAttempts:    cfg.StageRetries + 1,
		InitialDelay:   time.Second,
		MaxDelay:       15 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.Log,
	}
	retryIndex := base
	retryIndex.RetryableErrors = []error{embedding.ErrUnavailable, vector.ErrUnavailable}
	retryAnalyze := base
	retryAnalyze.RetryableErrors = []error{analysis.ErrUnavailable}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		store:        deps.Store,
		blobs:        deps.Blobs,
		extractor:    deps.Extractor,
		splitter:     deps.Splitter,
		embedder:     deps.Embedder,
		index:        deps.Index,
		analyzer:     deps.Analyzer,
		retryIndex:   retryIndex,
		retryAnalyze: retryAnalyze,
		rootCtx:      ctx,
		rootCancel:   cancel,
		inflight:     make(map[string]*run),
		subs:         make(map[string]map[int]chan Event),
	}
}

// Process schedules a full pipeline run for the document and returns once
// the run is registered. Progress is observable through Subscribe and the
// document's status row. A document with an active run, or one whose
// persisted status is still mid-pipeline, is rejected.
func (m *Manager) Process(documentID string) error {
	doc, err := m.store.GetDocument(documentID)
	if err != nil {
		return err
	}
	if doc.Status.Processing() {
		return ErrAlreadyProcessing
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if _, busy := m.inflight[documentID]; busy {
		m.mu.Unlock()
		return ErrAlreadyProcessing
	}
	ctx, cancel := context.WithCancel(m.rootCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	m.inflight[documentID] = r
	m.wg.Add(1)
	m.mu.Unlock()

	go m.process(ctx, r, doc)
	return nil
}

func (m *Manager) process(ctx context.Context, r *run, doc *models.Document) {
	defer func() {
		m.mu.Lock()
		delete(m.inflight, doc.ID)
		m.mu.Unlock()
		r.cancel()
		close(r.done)
		m.wg.Done()
	}()

	started := time.Now()
	logger.Info("Processing document",
		zap.String("document_id", doc.ID),
		zap.String("filename", doc.OriginalFilename),
	)

	text, err := m.extractText(ctx, doc)
	if err != nil {
		m.fail(ctx, doc.ID, StageExtraction, err)
		return
	}

	count, err := m.chunkAndIndex(ctx, doc, text)
	if err != nil {
		m.fail(ctx, doc.ID, StageChunkingEmbedding, err)
		return
	}

	if err := m.analyze(ctx, doc, text); err != nil {
		m.fail(ctx, doc.ID, StageAnalysis, err)
		return
	}

	if err := m.setStatus(doc.ID, models.StatusProcessed, count); err != nil {
		logger.Error("Failed to finalize document", zap.String("document_id", doc.ID), zap.Error(err))
		return
	}

	metrics.DocumentsProcessed.WithLabelValues("processed").Inc()
	logger.Info("Document processed",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", count),
		zap.Duration("took", time.Since(started)),
	)
}

func (m *Manager) extractText(ctx context.Context, doc *models.Document) (string, error) {
	if err := m.setStatus(doc.ID, models.StatusExtracting, 0); err != nil {
		return "", err
	}
	timer := time.Now()

	blob, err := m.blobs.Get(doc.StorageKey)
	if err != nil {
		return "", fmt.Errorf("reading stored file: %w", err)
	}

	format := extract.DetectFormat(doc.OriginalFilename, doc.ContentType, blob)
	text, err := m.extractor.Extract(ctx, blob, format)
	if err != nil {
		return "", err
	}

	if err := m.store.SetExtractedText(doc.ID, text); err != nil {
		return "", err
	}

	metrics.StageDuration.WithLabelValues(StageExtraction).Observe(time.Since(timer).Seconds())
	logger.Debug("Text extracted",
		zap.String("document_id", doc.ID),
		zap.String("format", string(format)),
		zap.Int("chars", len(text)),
	)
	return text, nil
}

func (m *Manager) chunkAndIndex(ctx context.Context, doc *models.Document, text string) (int, error) {
	if err := m.setStatus(doc.ID, models.StatusChunkingEmbedding, 0); err != nil {
		return 0, err
	}
	timer := time.Now()

	chunks := m.splitter.Split(text)
	if len(chunks) == 0 {
		return 0, errors.New("document produced no chunks")
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	vectors, err := retry.DoWithResult(ctx, m.retryIndex, func() ([][]float32, error) {
		return m.embedder.EmbedTexts(ctx, texts)
	})
	if err != nil {
		return 0, err
	}

	embedded := make([]vector.ChunkEmbedding, len(chunks))
	for i, ch := range chunks {
		embedded[i] = vector.ChunkEmbedding{
			DocumentID: doc.ID,
			ChunkIndex: ch.Index,
			Text:       ch.Text,
			Vector:     vectors[i],
		}
	}

	// Clear before writing so a reprocessed document that now yields fewer
	// chunks leaves no stale vectors behind.
	if err := retry.Do(ctx, m.retryIndex, func() error {
		if err := m.index.Delete(ctx, doc.ID); err != nil {
			return err
		}
		return m.index.Upsert(ctx, embedded)
	}); err != nil {
		return 0, err
	}

	rows := make([]models.Chunk, len(chunks))
	now := time.Now().UTC()
	for i, ch := range chunks {
		rows[i] = models.Chunk{
			ID:          models.ChunkID(doc.ID, ch.Index),
			DocumentID:  doc.ID,
			ChunkIndex:  ch.Index,
			Text:        ch.Text,
			StartOffset: ch.Start,
			EndOffset:   ch.End,
			TokenCount:  ch.Tokens,
			CreatedAt:   now,
		}
	}
	if err := m.store.ReplaceChunks(doc.ID, rows); err != nil {
		return 0, err
	}

	metrics.ChunksIndexed.Add(float64(len(chunks)))
	metrics.StageDuration.WithLabelValues(StageChunkingEmbedding).Observe(time.Since(timer).Seconds())
	logger.Debug("Chunks embedded and indexed",
		zap.String("document_id", doc.ID),
		zap.Int("chunks", len(chunks)),
	)
	return len(chunks), nil
}

func (m *Manager) analyze(ctx context.Context, doc *models.Document, text string) error {
	if err := m.setStatus(doc.ID, models.StatusAnalyzing, 0); err != nil {
		return err
	}
	timer := time.Now()

	result, err := retry.DoWithResult(ctx, m.retryAnalyze, func() (*models.Analysis, error) {
		return m.analyzer.Generate(ctx, text)
	})
	if err != nil {
		return err
	}

	result.DocumentID = doc.ID
	result.CreatedAt = time.Now().UTC()
	if err := m.store.UpsertAnalysis(result); err != nil {
		return err
	}

	metrics.StageDuration.WithLabelValues(StageAnalysis).Observe(time.Since(timer).Seconds())
	return nil
}

func (m *Manager) setStatus(documentID string, status models.DocumentStatus, chunkCount int) error {
	if err := m.store.UpdateDocumentStatus(documentID, status); err != nil {
		return fmt.Errorf("updating status to %s: %w", status, err)
	}
	m.publish(Event{
		DocumentID: documentID,
		Status:     status,
		ChunkCount: chunkCount,
		Timestamp:  time.Now().UTC(),
	})
	return nil
}

// fail records the failure unless the run was canceled. A canceled run
// means the document was deleted out from under us or the server is
// shutting down; the startup sweep resolves the latter.
func (m *Manager) fail(ctx context.Context, documentID, stage string, cause error) {
	if ctx.Err() != nil || errors.Is(cause, context.Canceled) {
		logger.Info("Processing canceled",
			zap.String("document_id", documentID),
			zap.String("stage", stage),
		)
		return
	}

	reason := utils.TruncateAtWord(cause.Error(), maxFailureReasonLen)
	logger.Error("Processing failed",
		zap.String("document_id", documentID),
		zap.String("stage", stage),
		zap.Error(cause),
	)
	metrics.StageFailures.WithLabelValues(stage).Inc()
	metrics.DocumentsProcessed.WithLabelValues("failed").Inc()

	if err := m.store.MarkDocumentFailed(documentID, stage, reason); err != nil {
		logger.Warn("Failed to record failure",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
	}
	m.publish(Event{
		DocumentID: documentID,
		Status:     models.StatusFailed,
		Stage:      stage,
		Error:      reason,
		Timestamp:  time.Now().UTC(),
	})
}

// Delete cancels any active run, then removes the document's vectors, rows
// and stored file. The vector index is cleared first so a failure there
// leaves the document intact and the delete retryable.
func (m *Manager) Delete(ctx context.Context, documentID string) error {
	m.mu.Lock()
	r := m.inflight[documentID]
	m.mu.Unlock()
	if r != nil {
		r.cancel()
		<-r.done
	}

	doc, err := m.store.GetDocument(documentID)
	if err != nil {
		return err
	}

	if err := m.index.Delete(ctx, documentID); err != nil {
		return err
	}
	if err := m.store.DeleteDocument(documentID); err != nil {
		return err
	}
	if err := m.blobs.Delete(doc.StorageKey); err != nil {
		logger.Warn("Failed to delete stored file",
			zap.String("document_id", documentID),
			zap.String("key", doc.StorageKey),
			zap.Error(err),
		)
	}

	logger.Info("Document deleted", zap.String("document_id", documentID))
	return nil
}

// Subscribe returns a channel of lifecycle events for one document plus an
// unsubscribe func. Slow consumers lose events rather than stall the
// pipeline; the document row is always the authoritative state.
func (m *Manager) Subscribe(documentID string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	if m.subs[documentID] == nil {
		m.subs[documentID] = make(map[int]chan Event)
	}
	m.subs[documentID][id] = ch
	m.subMu.Unlock()

	unsubscribe := func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		set := m.subs[documentID]
		if set == nil {
			return
		}
		if _, ok := set[id]; ok {
			delete(set, id)
			close(ch)
		}
		if len(set) == 0 {
			delete(m.subs, documentID)
		}
	}
	return ch, unsubscribe
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs[ev.DocumentID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close stops accepting new runs and waits for active ones to finish. If
// ctx expires first, the remaining runs are canceled and then awaited.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.rootCancel()
		return nil
	case <-ctx.Done():
		m.rootCancel()
		<-done
		return ctx.Err()
	}
}
