package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"html"
	"io"
	"regexp"
	"strings"
)

const docxDocumentPart = "word/document.xml"

var errNoDocumentPart = errors.New("archive has no " + docxDocumentPart)

// docxDocumentText walks the WordprocessingML token stream of the main
// document part, collecting run text and turning tabs, breaks and paragraph
// ends back into whitespace.
func docxDocumentText(blob []byte) (string, error) {
	part, err := docxPart(blob)
	if err != nil {
		return "", err
	}

	dec := xml.NewDecoder(bytes.NewReader(part))
	var sb strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "t":
				var run string
				if err := dec.DecodeElement(&run, &el); err != nil {
					return "", err
				}
				sb.WriteString(run)
			case "tab":
				sb.WriteByte('\t')
			case "br", "cr":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			if el.Name.Local == "p" {
				sb.WriteByte('\n')
			}
		}
	}
	return sb.String(), nil
}

// docxTagStrip is the permissive fallback: take the raw document part and
// strip markup without parsing it, which survives XML the decoder rejects.
func docxTagStrip(blob []byte) (string, error) {
	part, err := docxPart(blob)
	if err != nil {
		return "", err
	}
	return stripTags(string(part)), nil
}

func docxPart(blob []byte) ([]byte, error) {
	archive, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, err
	}

	for _, f := range archive.File {
		if f.Name != docxDocumentPart {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, errNoDocumentPart
}

var (
	tagPattern       = regexp.MustCompile(`<[^>]*>`)
	blankLinePattern = regexp.MustCompile(`\n{3,}`)
	lineSpacePattern = regexp.MustCompile(`[ \t]+`)
	paragraphEndTags = regexp.MustCompile(`</w:p>|</p>|<br[^>]*>`)
)

// stripTags removes markup from XML or HTML source, keeping rough paragraph
// structure by mapping closing paragraph tags to newlines first.
func stripTags(markup string) string {
	text := paragraphEndTags.ReplaceAllString(markup, "\n")
	text = tagPattern.ReplaceAllString(text, " ")
	text = html.UnescapeString(text)
	text = lineSpacePattern.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinePattern.ReplaceAllString(text, "\n\n"))
}
