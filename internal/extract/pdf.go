package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pdfDocumentText reads the whole document through the plain-text stream.
// Fastest path, but it gives up entirely when any page is malformed.
func pdfDocumentText(blob []byte) (text string, err error) {
	defer recoverPDFPanic(&err)

	reader, err := pdf.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return "", err
	}

	stream, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(stream); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// pdfPageText walks pages one by one and keeps whatever decodes, so a single
// corrupt page no longer sinks the document. Pages are joined by blank lines.
func pdfPageText(blob []byte) (text string, err error) {
	defer recoverPDFPanic(&err)

	reader, err := pdf.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return "", err
	}

	var pages []string
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(pageText) != "" {
			pages = append(pages, pageText)
		}
	}
	return strings.Join(pages, "\n\n"), nil
}

// recoverPDFPanic converts parser panics on malformed files into ordinary
// errors so the chain can move on.
func recoverPDFPanic(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("pdf parser panic: %v", r)
	}
}
