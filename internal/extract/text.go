package extract

import (
	"bytes"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

var (
	errInvalidUTF8 = errors.New("not valid utf-8")
	errNotText     = errors.New("decoded content is not text")
)

// minPrintableRatio gates the lenient single-byte decode: Windows-1252 maps
// nearly every byte to some rune, so without the gate a binary blob would
// decode "successfully" into mojibake and mask the printable scan.
const minPrintableRatio = 0.85

func textUTF8(blob []byte) (string, error) {
	blob = bytes.TrimPrefix(blob, utf8BOM)
	if !utf8.Valid(blob) {
		return "", errInvalidUTF8
	}
	return string(blob), nil
}

func textWindows1252(blob []byte) (string, error) {
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(blob)
	if err != nil {
		return "", err
	}
	text := string(decoded)
	if printableRatio(text) < minPrintableRatio {
		return "", errNotText
	}
	return text, nil
}

// textPrintable salvages runs of printable ASCII from an otherwise binary
// blob. Runs shorter than four characters are discarded as noise.
func textPrintable(blob []byte) (string, error) {
	const minRun = 4

	var (
		runs []string
		run  strings.Builder
	)
	flush := func() {
		if run.Len() >= minRun {
			if trimmed := strings.TrimSpace(run.String()); trimmed != "" {
				runs = append(runs, trimmed)
			}
		}
		run.Reset()
	}

	for _, b := range blob {
		if (b >= 0x20 && b <= 0x7E) || b == '\t' {
			run.WriteByte(b)
			continue
		}
		flush()
	}
	flush()

	return strings.Join(runs, "\n"), nil
}

func printableRatio(s string) float64 {
	if s == "" {
		return 0
	}
	var printable, total int
	for _, r := range s {
		total++
		if r == utf8.RuneError {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r' {
			printable++
		}
	}
	return float64(printable) / float64(total)
}
