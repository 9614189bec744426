package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoTextContent reports that at least one strategy parsed the document
// successfully but none of them produced any text, e.g. an image-only PDF.
var ErrNoTextContent = errors.New("no extractable text content")

// ExtractionError reports that every strategy in the chain failed to parse
// the document. Attempted lists the strategy names in the order they ran.
type ExtractionError struct {
	Format    Format
	Attempted []string
	errs      []error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extracting %s document failed after %s: %v",
		e.Format, strings.Join(e.Attempted, ", "), errors.Join(e.errs...))
}

func (e *ExtractionError) Unwrap() []error { return e.errs }

// strategy is one way of turning a raw blob into text. Strategies are pure
// and never see anything beyond the blob itself.
type strategy struct {
	name string
	run  func(blob []byte) (string, error)
}

// Extractor turns uploaded blobs into plain text by running a chain of
// per-format strategies, from the most structured parser down to the most
// permissive one. The first strategy that parses and yields non-blank text
// wins.
type Extractor struct{}

func NewExtractor() *Extractor { return &Extractor{} }

func (e *Extractor) chain(format Format) []strategy {
	switch format {
	case FormatPDF:
		return []strategy{
			{"pdf-document", pdfDocumentText},
			{"pdf-pages", pdfPageText},
		}
	case FormatDOCX:
		return []strategy{
			{"docx-xml", docxDocumentText},
			{"docx-tagstrip", docxTagStrip},
		}
	case FormatHTML:
		return []strategy{
			{"html-dom", htmlDocumentText},
			{"html-tagstrip", htmlTagStrip},
		}
	default:
		// Plain text, markdown and anything undeclared share the text
		// chain. A binary blob falls through the encoding checks to the
		// printable scan.
		return []strategy{
			{"text-utf8", textUTF8},
			{"text-windows1252", textWindows1252},
			{"text-printable", textPrintable},
		}
	}
}

// Extract runs the strategy chain for format over blob. It returns the first
// non-blank text produced, ErrNoTextContent when the document parsed but
// holds no text, or an *ExtractionError when no strategy could parse it.
func (e *Extractor) Extract(ctx context.Context, blob []byte, format Format) (string, error) {
	var (
		attempted []string
		errs      []error
		parsed    bool
	)

	for _, s := range e.chain(format) {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		attempted = append(attempted, s.name)
		text, err := s.run(blob)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}

		parsed = true
		if strings.TrimSpace(text) != "" {
			return text, nil
		}
	}

	if parsed {
		return "", fmt.Errorf("%s document: %w", format, ErrNoTextContent)
	}
	return "", &ExtractionError{Format: format, Attempted: attempted, errs: errs}
}
