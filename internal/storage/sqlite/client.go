package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/clauselens/backend/internal/storage/models"
	"github.com/clauselens/backend/pkg/logger"
)

// ErrNotFound is returned for lookups of documents, analyses or turns that
// do not exist (or are not visible to the caller).
var ErrNotFound = errors.New("not found")

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping() error {
	return c.db.Ping()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		content_type TEXT,
		storage_key TEXT NOT NULL,
		extracted_text TEXT,
		status TEXT NOT NULL,
		failure_stage TEXT,
		failure_reason TEXT,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		processing_started_at INTEGER,
		processing_completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);
	CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		start_offset INTEGER NOT NULL,
		end_offset INTEGER NOT NULL,
		token_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (document_id, chunk_index),
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);

	CREATE TABLE IF NOT EXISTS analyses (
		document_id TEXT PRIMARY KEY,
		summary TEXT NOT NULL,
		key_points TEXT NOT NULL,
		risks TEXT NOT NULL,
		recommendations TEXT NOT NULL,
		model TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS chat_history (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		sources TEXT,
		model TEXT,
		response_time_ms INTEGER,
		is_helpful INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chat_document ON chat_history(document_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertDocument(doc *models.Document) error {
	query := `
		INSERT INTO documents (id, owner_id, original_filename, file_size, content_type,
			storage_key, status, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		doc.ID,
		doc.OwnerID,
		doc.OriginalFilename,
		doc.FileSize,
		doc.ContentType,
		doc.StorageKey,
		string(doc.Status),
		doc.CreatedAt.Unix(),
		doc.UpdatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document inserted",
		zap.String("document_id", doc.ID),
		zap.String("filename", doc.OriginalFilename),
	)
	return nil
}

const documentColumns = `id, owner_id, original_filename, file_size, content_type, storage_key,
	extracted_text, status, failure_stage, failure_reason, chunk_count,
	created_at, updated_at, processing_started_at, processing_completed_at`

func (c *Client) scanDocument(row interface{ Scan(...any) error }) (*models.Document, error) {
	var doc models.Document
	var contentType, extractedText, failureStage, failureReason sql.NullString
	var createdAt, updatedAt int64
	var startedAt, completedAt sql.NullInt64

	err := row.Scan(
		&doc.ID,
		&doc.OwnerID,
		&doc.OriginalFilename,
		&doc.FileSize,
		&contentType,
		&doc.StorageKey,
		&extractedText,
		&doc.Status,
		&failureStage,
		&failureReason,
		&doc.ChunkCount,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	doc.ContentType = contentType.String
	doc.ExtractedText = extractedText.String
	doc.FailureStage = failureStage.String
	doc.FailureReason = failureReason.String
	doc.CreatedAt = time.Unix(createdAt, 0)
	doc.UpdatedAt = time.Unix(updatedAt, 0)
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0)
		doc.ProcessingStartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		doc.ProcessingCompletedAt = &t
	}

	return &doc, nil
}

func (c *Client) GetDocument(id string) (*models.Document, error) {
	row := c.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	return c.scanDocument(row)
}

func (c *Client) ListDocuments(ownerID string) ([]models.Document, error) {
	rows, err := c.db.Query(
		`SELECT `+documentColumns+` FROM documents WHERE owner_id = ? ORDER BY created_at DESC, id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		doc, err := c.scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}

	return docs, rows.Err()
}

// UpdateDocumentStatus moves a document to the given lifecycle state,
// maintaining the processing timestamps: entering EXTRACTING stamps a new
// run start and clears prior failure detail, terminal states stamp
// completion.
func (c *Client) UpdateDocumentStatus(id string, status models.DocumentStatus) error {
	now := time.Now().Unix()

	var res sql.Result
	var err error
	switch {
	case status == models.StatusExtracting:
		res, err = c.db.Exec(
			`UPDATE documents SET status = ?, failure_stage = NULL, failure_reason = NULL,
				processing_started_at = ?, processing_completed_at = NULL, updated_at = ? WHERE id = ?`,
			string(status), now, now, id,
		)
	case status.Terminal():
		res, err = c.db.Exec(
			`UPDATE documents SET status = ?, processing_completed_at = ?, updated_at = ? WHERE id = ?`,
			string(status), now, now, id,
		)
	default:
		res, err = c.db.Exec(
			`UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}

	return c.requireRow(res)
}

func (c *Client) MarkDocumentFailed(id, stage, reason string) error {
	now := time.Now().Unix()
	res, err := c.db.Exec(
		`UPDATE documents SET status = ?, failure_stage = ?, failure_reason = ?,
			processing_completed_at = ?, updated_at = ? WHERE id = ?`,
		string(models.StatusFailed), stage, reason, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}

	return c.requireRow(res)
}

// FailInterrupted marks every document stranded in a mid-pipeline status as
// failed. Called once at startup: a row can only be in one of these states
// while a worker goroutine holds it, so after a restart they are orphans.
func (c *Client) FailInterrupted() (int64, error) {
	now := time.Now().Unix()
	res, err := c.db.Exec(
		`UPDATE documents SET status = ?, failure_stage = 'interrupted',
			failure_reason = 'processing interrupted by restart',
			processing_completed_at = ?, updated_at = ?
		WHERE status IN (?, ?, ?)`,
		string(models.StatusFailed), now, now,
		string(models.StatusExtracting), string(models.StatusChunkingEmbedding), string(models.StatusAnalyzing),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted documents: %w", err)
	}

	return res.RowsAffected()
}

func (c *Client) SetExtractedText(id, text string) error {
	res, err := c.db.Exec(
		`UPDATE documents SET extracted_text = ?, updated_at = ? WHERE id = ?`,
		text, time.Now().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set extracted text: %w", err)
	}

	return c.requireRow(res)
}

// ReplaceChunks swaps the document's chunk set in one transaction so a
// re-processing run never leaves a mixed old/new state behind.
func (c *Client) ReplaceChunks(documentID string, chunks []models.Chunk) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM document_chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete prior chunks: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO document_chunks (id, document_id, chunk_index, text, start_offset, end_offset, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, chunk := range chunks {
		if _, err := stmt.Exec(
			chunk.ID,
			documentID,
			chunk.ChunkIndex,
			chunk.Text,
			chunk.StartOffset,
			chunk.EndOffset,
			chunk.TokenCount,
			now,
		); err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	if _, err := tx.Exec(
		`UPDATE documents SET chunk_count = ?, updated_at = ? WHERE id = ?`,
		len(chunks), now, documentID,
	); err != nil {
		return fmt.Errorf("failed to update chunk count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}

	logger.Debug("Chunks replaced",
		zap.String("document_id", documentID),
		zap.Int("count", len(chunks)),
	)
	return nil
}

// GetChunkTexts returns the authoritative chunk texts for the given
// indices; vector-store payloads may be truncated, these rows never are.
func (c *Client) GetChunkTexts(documentID string, indices []int) (map[int]string, error) {
	texts := make(map[int]string, len(indices))
	if len(indices) == 0 {
		return texts, nil
	}

	stmt, err := c.db.Prepare(`SELECT text FROM document_chunks WHERE document_id = ? AND chunk_index = ?`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare chunk lookup: %w", err)
	}
	defer stmt.Close()

	for _, idx := range indices {
		var text string
		err := stmt.QueryRow(documentID, idx).Scan(&text)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk %d: %w", idx, err)
		}
		texts[idx] = text
	}

	return texts, nil
}

func (c *Client) UpsertAnalysis(analysis *models.Analysis) error {
	keyPoints, err := json.Marshal(analysis.KeyPoints)
	if err != nil {
		return fmt.Errorf("failed to marshal key points: %w", err)
	}
	risks, err := json.Marshal(analysis.Risks)
	if err != nil {
		return fmt.Errorf("failed to marshal risks: %w", err)
	}
	recommendations, err := json.Marshal(analysis.Recommendations)
	if err != nil {
		return fmt.Errorf("failed to marshal recommendations: %w", err)
	}

	query := `
		INSERT INTO analyses (document_id, summary, key_points, risks, recommendations, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			summary = excluded.summary,
			key_points = excluded.key_points,
			risks = excluded.risks,
			recommendations = excluded.recommendations,
			model = excluded.model,
			created_at = excluded.created_at
	`

	_, err = c.db.Exec(
		query,
		analysis.DocumentID,
		analysis.Summary,
		string(keyPoints),
		string(risks),
		string(recommendations),
		analysis.Model,
		analysis.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis: %w", err)
	}

	logger.Debug("Analysis stored", zap.String("document_id", analysis.DocumentID))
	return nil
}

func (c *Client) GetAnalysis(documentID string) (*models.Analysis, error) {
	query := `SELECT document_id, summary, key_points, risks, recommendations, model, created_at
		FROM analyses WHERE document_id = ?`

	var analysis models.Analysis
	var keyPoints, risks, recommendations string
	var model sql.NullString
	var createdAt int64

	err := c.db.QueryRow(query, documentID).Scan(
		&analysis.DocumentID,
		&analysis.Summary,
		&keyPoints,
		&risks,
		&recommendations,
		&model,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	if err := json.Unmarshal([]byte(keyPoints), &analysis.KeyPoints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal key points: %w", err)
	}
	if err := json.Unmarshal([]byte(risks), &analysis.Risks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal risks: %w", err)
	}
	if err := json.Unmarshal([]byte(recommendations), &analysis.Recommendations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
	}
	analysis.Model = model.String
	analysis.CreatedAt = time.Unix(createdAt, 0)

	return &analysis, nil
}

// InsertChatTurn appends a turn and fills in its assigned sequence number.
func (c *Client) InsertChatTurn(turn *models.ChatTurn) error {
	sources, err := json.Marshal(turn.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	res, err := c.db.Exec(
		`INSERT INTO chat_history (document_id, question, answer, sources, model, response_time_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.DocumentID,
		turn.Question,
		turn.Answer,
		string(sources),
		turn.Model,
		turn.ResponseTimeMS,
		turn.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat turn: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read chat turn seq: %w", err)
	}
	turn.Seq = seq

	return nil
}

// GetChatHistory pages a document's turns in a stable total order by seq.
// The canonical order is oldest-first; newestFirst serves presentation.
func (c *Client) GetChatHistory(documentID string, skip, limit int, newestFirst bool) ([]models.ChatTurn, int, error) {
	var total int
	if err := c.db.QueryRow(
		`SELECT COUNT(*) FROM chat_history WHERE document_id = ?`, documentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count chat history: %w", err)
	}

	order := "ASC"
	if newestFirst {
		order = "DESC"
	}

	rows, err := c.db.Query(
		`SELECT seq, document_id, question, answer, sources, model, response_time_ms, is_helpful, created_at
		FROM chat_history WHERE document_id = ? ORDER BY seq `+order+` LIMIT ? OFFSET ?`,
		documentID, limit, skip,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get chat history: %w", err)
	}
	defer rows.Close()

	var turns []models.ChatTurn
	for rows.Next() {
		var turn models.ChatTurn
		var sources string
		var model sql.NullString
		var responseTime sql.NullInt64
		var isHelpful sql.NullInt64
		var createdAt int64

		if err := rows.Scan(
			&turn.Seq,
			&turn.DocumentID,
			&turn.Question,
			&turn.Answer,
			&sources,
			&model,
			&responseTime,
			&isHelpful,
			&createdAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan chat turn: %w", err)
		}

		if sources != "" {
			if err := json.Unmarshal([]byte(sources), &turn.Sources); err != nil {
				return nil, 0, fmt.Errorf("failed to unmarshal sources: %w", err)
			}
		}
		turn.Model = model.String
		turn.ResponseTimeMS = int(responseTime.Int64)
		if isHelpful.Valid {
			helpful := isHelpful.Int64 != 0
			turn.IsHelpful = &helpful
		}
		turn.CreatedAt = time.Unix(createdAt, 0)

		turns = append(turns, turn)
	}

	return turns, total, rows.Err()
}

func (c *Client) SetChatFeedback(documentID string, seq int64, helpful bool) error {
	value := 0
	if helpful {
		value = 1
	}

	res, err := c.db.Exec(
		`UPDATE chat_history SET is_helpful = ? WHERE document_id = ? AND seq = ?`,
		value, documentID, seq,
	)
	if err != nil {
		return fmt.Errorf("failed to set chat feedback: %w", err)
	}

	return c.requireRow(res)
}

// DeleteDocument removes the document row; chunks, analysis and chat
// history cascade through foreign keys. Blob and vector cleanup belong to
// the caller.
func (c *Client) DeleteDocument(id string) error {
	res, err := c.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	return c.requireRow(res)
}

func (c *Client) requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
