package extract

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var boilerplateSelector = "script, style, noscript, nav, footer, header, aside"

var blockSelector = "p, h1, h2, h3, h4, h5, h6, li, td, th, blockquote, pre, figcaption"

var spacePattern = regexp.MustCompile(`\s+`)

// htmlDocumentText parses the DOM, drops boilerplate elements and collects
// text per block element so paragraph boundaries survive into the output.
// Pages without block markup fall back to the flattened body text.
func htmlDocumentText(blob []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(blob))
	if err != nil {
		return "", err
	}

	doc.Find(boilerplateSelector).Each(func(_ int, s *goquery.Selection) {
		s.Remove()
	})

	var blocks []string
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		// Skip containers whose text is already covered by a nested
		// block, e.g. a td wrapping a p.
		if s.Find(blockSelector).Length() > 0 {
			return
		}
		if text := collapseSpace(s.Text()); text != "" {
			blocks = append(blocks, text)
		}
	})
	if len(blocks) > 0 {
		return strings.Join(blocks, "\n\n"), nil
	}

	return collapseSpace(doc.Find("body").Text()), nil
}

// htmlTagStrip handles markup too broken for the DOM parser to be useful.
func htmlTagStrip(blob []byte) (string, error) {
	markup := scriptStylePattern.ReplaceAllString(string(blob), " ")
	return stripTags(markup), nil
}

var scriptStylePattern = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)

func collapseSpace(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}
