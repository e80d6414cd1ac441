package agent

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

// splitSentences segments text and returns byte spans into the original
// string. prose does not expose offsets, so each sentence is located by
// sequential search; any mismatch falls back to punctuation splitting.
func splitSentences(text string) []sentenceSpan {
	doc, err := prose.NewDocument(text,
		prose.WithTokenization(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return naiveSentences(text)
	}

	var spans []sentenceSpan
	cursor := 0
	for _, s := range doc.Sentences() {
		t := strings.TrimSpace(s.Text)
		if t == "" {
			continue
		}
		idx := strings.Index(text[cursor:], t)
		if idx < 0 {
			return naiveSentences(text)
		}
		start := cursor + idx
		spans = append(spans, sentenceSpan{start, start + len(t)})
		cursor = start + len(t)
	}

	if len(spans) == 0 {
		return naiveSentences(text)
	}
	return spans
}

func naiveSentences(text string) []sentenceSpan {
	var spans []sentenceSpan
	start := -1
	for i, r := range text {
		if start < 0 {
			if !unicode.IsSpace(r) {
				start = i
			}
			continue
		}
		if r == '.' || r == '!' || r == '?' {
			end := i + 1
			if end >= len(text) || text[end] == ' ' || text[end] == '\n' || text[end] == '\t' {
				spans = append(spans, sentenceSpan{start, end})
				start = -1
			}
		}
	}
	if start >= 0 {
		spans = append(spans, sentenceSpan{start, len(text)})
	}
	return spans
}
