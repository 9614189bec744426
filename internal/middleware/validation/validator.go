// Package validation checks user-supplied inputs before they reach
// storage or a paid API call.
package validation

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Error is one rejected input. Field names the offending request field so
// clients can surface the message next to it.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Field + ": " + e.Message
}

type Config struct {
	MaxFileSizeMB int
	// AllowedTypes lists acceptable upload extensions without the dot.
	AllowedTypes   []string
	MaxQuestionLen int
}

type Validator struct {
	maxFileBytes   int64
	maxFileSizeMB  int
	allowedExts    map[string]bool
	allowedLabel   string
	maxQuestionLen int
}

func New(cfg Config) *Validator {
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 20
	}
	if len(cfg.AllowedTypes) == 0 {
		cfg.AllowedTypes = []string{"pdf", "docx", "txt", "md", "html"}
	}
	if cfg.MaxQuestionLen <= 0 {
		cfg.MaxQuestionLen = 2000
	}

	exts := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		exts["."+strings.ToLower(strings.TrimPrefix(t, "."))] = true
	}

	return &Validator{
		maxFileBytes:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		maxFileSizeMB:  cfg.MaxFileSizeMB,
		allowedExts:    exts,
		allowedLabel:   strings.Join(cfg.AllowedTypes, ", "),
		maxQuestionLen: cfg.MaxQuestionLen,
	}
}

// ValidateUpload checks the uploaded file's name, extension and declared
// size before any bytes are persisted. The stored blob key is generated
// server-side, so the filename is metadata only; it still has to be sane.
func (v *Validator) ValidateUpload(filename string, size int64) *Error {
	name := strings.TrimSpace(filename)
	if name == "" {
		return &Error{Field: "file", Message: "filename is required"}
	}
	if len(name) > 255 {
		return &Error{Field: "file", Message: "filename exceeds 255 characters"}
	}
	if strings.ContainsAny(name, "\x00\n\r") {
		return &Error{Field: "file", Message: "filename contains invalid characters"}
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !v.allowedExts[ext] {
		return &Error{
			Field:   "file",
			Message: fmt.Sprintf("unsupported file type %q, allowed: %s", ext, v.allowedLabel),
		}
	}

	if size <= 0 {
		return &Error{Field: "file", Message: "file is empty"}
	}
	if size > v.maxFileBytes {
		return &Error{
			Field:   "file",
			Message: fmt.Sprintf("file exceeds the %d MB limit", v.maxFileSizeMB),
		}
	}
	return nil
}

// ValidateQuestion checks a chat or analysis prompt.
func (v *Validator) ValidateQuestion(question string) *Error {
	q := strings.TrimSpace(question)
	if q == "" {
		return &Error{Field: "question", Message: "question is required"}
	}
	if utf8.RuneCountInString(q) > v.maxQuestionLen {
		return &Error{
			Field:   "question",
			Message: fmt.Sprintf("question exceeds %d characters", v.maxQuestionLen),
		}
	}
	return nil
}

// Sanitize trims surrounding whitespace and strips NUL bytes, which SQLite
// and the LLM APIs both mishandle.
func Sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidateText checks a raw text body submitted for ad-hoc analysis.
func (v *Validator) ValidateText(text string, maxChars int) *Error {
	if strings.TrimSpace(text) == "" {
		return &Error{Field: "text", Message: "text is required"}
	}
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		return &Error{
			Field:   "text",
			Message: fmt.Sprintf("text exceeds %d characters", maxChars),
		}
	}
	return nil
}
