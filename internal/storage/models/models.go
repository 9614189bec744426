package models

import (
	"strconv"
	"strings"
	"time"
)

// DocumentStatus is the lifecycle state persisted on a document. Terminal
// states are never regressed mid-run; re-processing starts a fresh run.
type DocumentStatus string

const (
	StatusUploaded          DocumentStatus = "uploaded"
	StatusExtracting        DocumentStatus = "extracting"
	StatusChunkingEmbedding DocumentStatus = "chunking_embedding"
	StatusAnalyzing         DocumentStatus = "analyzing"
	StatusProcessed         DocumentStatus = "processed"
	StatusFailed            DocumentStatus = "failed"
)

func (s DocumentStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Processing reports whether a pipeline run is actively mutating the
// document's chunks and vectors.
func (s DocumentStatus) Processing() bool {
	switch s {
	case StatusExtracting, StatusChunkingEmbedding, StatusAnalyzing:
		return true
	}
	return false
}

type Document struct {
	ID                    string         `json:"id"`
	OwnerID               string         `json:"owner_id"`
	OriginalFilename      string         `json:"original_filename"`
	FileSize              int64          `json:"file_size"`
	ContentType           string         `json:"content_type"`
	StorageKey            string         `json:"-"`
	ExtractedText         string         `json:"-"`
	Status                DocumentStatus `json:"status"`
	FailureStage          string         `json:"failure_stage,omitempty"`
	FailureReason         string         `json:"failure_reason,omitempty"`
	ChunkCount            int            `json:"chunk_count"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	ProcessingStartedAt   *time.Time     `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time     `json:"processing_completed_at,omitempty"`
}

// Chunk is one bounded span of a document's extracted text. Text always
// equals extracted[StartOffset:EndOffset]; consecutive chunks overlap by
// span intersection.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	ChunkIndex  int       `json:"chunk_index"`
	Text        string    `json:"text"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	TokenCount  int       `json:"token_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChunkID builds the deterministic chunk identifier shared by the chunks
// table and the vector index.
func ChunkID(documentID string, chunkIndex int) string {
	return documentID + ":" + strconv.Itoa(chunkIndex)
}

type RiskLevel string

const (
	RiskLow     RiskLevel = "LOW"
	RiskMedium  RiskLevel = "MEDIUM"
	RiskHigh    RiskLevel = "HIGH"
	RiskUnknown RiskLevel = "UNKNOWN"
)

// ParseRiskLevel maps arbitrary model-output spellings onto the fixed
// level set; anything unrecognized becomes UNKNOWN.
func ParseRiskLevel(s string) RiskLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return RiskLow
	case "MEDIUM", "MODERATE", "MED":
		return RiskMedium
	case "HIGH", "CRITICAL", "SEVERE":
		return RiskHigh
	default:
		return RiskUnknown
	}
}

type RiskItem struct {
	Description    string    `json:"description"`
	Level          RiskLevel `json:"level"`
	Confidence     *float64  `json:"confidence,omitempty"`
	ClauseText     string    `json:"clause_text,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
}

type Analysis struct {
	DocumentID      string     `json:"document_id,omitempty"`
	Summary         string     `json:"summary"`
	KeyPoints       []string   `json:"key_points"`
	Risks           []RiskItem `json:"risks"`
	Recommendations []string   `json:"recommendations"`
	Model           string     `json:"model,omitempty"`
	CreatedAt       time.Time  `json:"created_at,omitempty"`
}

type ChatSource struct {
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
	Excerpt    string  `json:"excerpt"`
}

// ChatTurn is one question/answer exchange. Seq is the stable total order
// for history; turns are append-only and only IsHelpful may change later.
type ChatTurn struct {
	Seq            int64        `json:"seq"`
	DocumentID     string       `json:"document_id"`
	Question       string       `json:"question"`
	Answer         string       `json:"answer"`
	Sources        []ChatSource `json:"sources"`
	Model          string       `json:"model,omitempty"`
	ResponseTimeMS int          `json:"response_time_ms"`
	IsHelpful      *bool        `json:"is_helpful,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
