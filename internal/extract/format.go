package extract

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Format is the declared document format driving strategy selection.
type Format string

const (
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
	FormatHTML     Format = "html"
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatUnknown  Format = "unknown"
)

var contentTypeFormats = map[string]Format{
	"application/pdf": FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
	"application/msword": FormatDOCX,
	"text/html":          FormatHTML,
	"application/xhtml+xml": FormatHTML,
	"text/plain":            FormatText,
	"text/markdown":         FormatMarkdown,
}

var extensionFormats = map[string]Format{
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
	".html":     FormatHTML,
	".htm":      FormatHTML,
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
}

// DetectFormat resolves the format from the declared content type first,
// the filename extension second, and a magic-byte sniff last, so that a
// generic content type or a mislabeled upload still lands on the right
// strategy chain.
func DetectFormat(filename, contentType string, blob []byte) Format {
	mediaType, _, _ := strings.Cut(contentType, ";")
	if f, found := contentTypeFormats[strings.TrimSpace(strings.ToLower(mediaType))]; found {
		return f
	}

	if f, found := extensionFormats[strings.ToLower(filepath.Ext(filename))]; found {
		return f
	}

	return sniffFormat(blob)
}

// sniffFormat inspects leading bytes: %PDF, a ZIP container holding a
// word/ entry, or an HTML tag.
func sniffFormat(blob []byte) Format {
	if len(blob) < 4 {
		return FormatUnknown
	}

	if bytes.HasPrefix(blob, []byte("%PDF")) {
		return FormatPDF
	}

	if bytes.HasPrefix(blob, []byte("PK\x03\x04")) {
		// Office containers name their package parts early in the
		// archive; word/ distinguishes DOCX from other OOXML types.
		window := blob
		if len(window) > 4096 {
			window = window[:4096]
		}
		if bytes.Contains(window, []byte("word/")) {
			return FormatDOCX
		}
		return FormatUnknown
	}

	head := bytes.ToLower(bytes.TrimLeft(blob[:min(len(blob), 256)], " \t\r\n"))
	if bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html")) {
		return FormatHTML
	}

	return FormatUnknown
}
