// Package chunker splits extracted document text into overlapping,
// token-budgeted chunks whose byte offsets point back into the source text.
package chunker

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	// Embedded BPE ranks, so chunking never reaches for the network.
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

const encodingName = "cl100k_base"

// ErrBadConfig reports an unusable token budget.
var ErrBadConfig = errors.New("chunker: overlap must be non-negative and smaller than max tokens")

// Chunk is one window of the source text. Text is always the exact byte
// slice source[Start:End], which is what lets stored offsets re-derive the
// chunk from the extracted text later.
type Chunk struct {
	Index  int
	Text   string
	Start  int
	End    int
	Tokens int
}

// Chunker packs sentences into chunks of at most maxTokens tokens,
// carrying roughly overlapTokens of trailing context into the next chunk.
type Chunker struct {
	enc       *tiktoken.Tiktoken
	maxTokens int
	overlap   int
}

func New(maxTokens, overlapTokens int) (*Chunker, error) {
	if maxTokens <= 0 || overlapTokens < 0 || overlapTokens >= maxTokens {
		return nil, fmt.Errorf("%w: max=%d overlap=%d", ErrBadConfig, maxTokens, overlapTokens)
	}
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", encodingName, err)
	}
	return &Chunker{enc: enc, maxTokens: maxTokens, overlap: overlapTokens}, nil
}

// CountTokens reports the token length of s under the chunker's encoding.
func (c *Chunker) CountTokens(s string) int {
	return len(c.enc.Encode(s, nil, nil))
}

// span is a half-open byte range into the source text.
type span struct {
	start, end int
}

// Split chunks text. Whitespace-only input yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	sentences := c.sentenceSpans(text)
	if len(sentences) == 0 {
		return nil
	}

	var (
		chunks  []Chunk
		current []span
		tokens  int
	)
	flush := func() {
		if len(current) == 0 {
			return
		}
		start, end := current[0].start, current[len(current)-1].end
		body := text[start:end]
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Text:   body,
			Start:  start,
			End:    end,
			Tokens: c.CountTokens(body),
		})
	}

	for _, s := range sentences {
		n := c.CountTokens(text[s.start:s.end])

		if n > c.maxTokens {
			// A sentence that alone blows the budget is cut into raw
			// token windows instead.
			flush()
			current, tokens = nil, 0
			for _, w := range c.tokenWindows(text, s) {
				chunks = append(chunks, Chunk{
					Index:  len(chunks),
					Text:   text[w.start:w.end],
					Start:  w.start,
					End:    w.end,
					Tokens: c.CountTokens(text[w.start:w.end]),
				})
			}
			continue
		}

		if tokens+n > c.maxTokens && len(current) > 0 {
			flush()
			current, tokens = c.overlapTail(text, current)
			if tokens+n > c.maxTokens {
				current, tokens = nil, 0
			}
		}
		current = append(current, s)
		tokens += n
	}
	flush()

	return chunks
}

// overlapTail picks the trailing sentences of the chunk just flushed whose
// combined length stays inside the overlap budget.
func (c *Chunker) overlapTail(text string, flushed []span) ([]span, int) {
	var (
		tail   []span
		tokens int
	)
	for i := len(flushed) - 1; i >= 0; i-- {
		n := c.CountTokens(text[flushed[i].start:flushed[i].end])
		if tokens+n > c.overlap {
			break
		}
		tail = append([]span{flushed[i]}, tail...)
		tokens += n
	}
	return tail, tokens
}

// tokenWindows slices an over-budget sentence into maxTokens-sized windows
// stepped by maxTokens-overlap, converting token positions back to byte
// offsets and snapping them onto rune boundaries.
func (c *Chunker) tokenWindows(text string, s span) []span {
	body := text[s.start:s.end]
	toks := c.enc.Encode(body, nil, nil)
	step := c.maxTokens - c.overlap

	byteAt := func(tokenPos int) int {
		off := s.start + len(c.enc.Decode(toks[:tokenPos]))
		for off < s.end && !utf8.RuneStart(text[off]) {
			off++
		}
		return off
	}

	var windows []span
	for from := 0; from < len(toks); from += step {
		to := from + c.maxTokens
		if to > len(toks) {
			to = len(toks)
		}
		w := span{byteAt(from), byteAt(to)}
		if to == len(toks) {
			w.end = s.end
		}
		if w.end > w.start {
			windows = append(windows, w)
		}
		if to == len(toks) {
			break
		}
	}
	return windows
}

var paragraphBreak = regexp.MustCompile(`\n[ \t\r]*\n`)

// sentenceSpans segments text into sentence byte ranges. Within each
// paragraph the spans are made contiguous, so every byte of the paragraph
// belongs to exactly one sentence span.
func (c *Chunker) sentenceSpans(text string) []span {
	var spans []span

	cursor := 0
	emitParagraph := func(start, end int) {
		par := text[start:end]
		if strings.TrimSpace(par) == "" {
			return
		}
		ps := proseSentences(par, start)
		if ps == nil {
			ps = scanSentences(par, start)
		}
		if len(ps) == 0 {
			return
		}
		// Stretch spans to cover the paragraph end to end.
		ps[0].start = start
		for i := 0; i < len(ps)-1; i++ {
			ps[i].end = ps[i+1].start
		}
		ps[len(ps)-1].end = end
		spans = append(spans, ps...)
	}

	for _, sep := range paragraphBreak.FindAllStringIndex(text, -1) {
		emitParagraph(cursor, sep[0])
		cursor = sep[1]
	}
	emitParagraph(cursor, len(text))

	return spans
}

// proseSentences maps the segmenter's sentences back onto byte offsets of
// the paragraph. It reports nil when a sentence cannot be located verbatim,
// which sends the paragraph to the scanner fallback.
func proseSentences(par string, base int) []span {
	doc, err := prose.NewDocument(par,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false))
	if err != nil {
		return nil
	}

	var spans []span
	cursor := 0
	for _, sent := range doc.Sentences() {
		if sent.Text == "" {
			continue
		}
		rel := strings.Index(par[cursor:], sent.Text)
		if rel < 0 {
			return nil
		}
		start := cursor + rel
		spans = append(spans, span{base + start, base + start + len(sent.Text)})
		cursor = start + len(sent.Text)
	}
	return spans
}

// scanSentences is the dependency-free fallback: break after runs of
// sentence terminators followed by whitespace, and on line ends.
func scanSentences(par string, base int) []span {
	var spans []span
	start := 0
	for i := 0; i < len(par); i++ {
		switch par[i] {
		case '.', '!', '?':
			j := i + 1
			for j < len(par) && (par[j] == '.' || par[j] == '!' || par[j] == '?') {
				j++
			}
			if j == len(par) || par[j] == ' ' || par[j] == '\t' || par[j] == '\n' || par[j] == '\r' {
				spans = append(spans, span{base + start, base + j})
				start = j
				i = j - 1
			}
		case '\n':
			if strings.TrimSpace(par[start:i]) != "" {
				spans = append(spans, span{base + start, base + i})
			}
			start = i + 1
		}
	}
	if strings.TrimSpace(par[start:]) != "" {
		spans = append(spans, span{base + start, base + len(par)})
	}
	return spans
}
