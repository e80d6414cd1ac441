package agent

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/dialogue"
	"github.com/thucydides-app/backend/internal/metrics"
	"github.com/thucydides-app/backend/internal/persona"
	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/pkg/logger"
)

// citationTag matches an inline evidence marker, absorbing one leading
// space so removal does not leave doubled whitespace.
var citationTag = regexp.MustCompile(`\s?\[S(\d+)\]`)

type sentenceSpan struct {
	start, end int
}

// validation is the outcome of checking a drafted response against its
// evidence. Text has inline markers removed; Citations anchor into Text
// by byte offsets of the sentence they support.
type validation struct {
	Text       string
	Citations  []models.Citation
	Ungrounded int

	sentences []sentenceSpan
	citedBy   map[int][]int
}

// validateResponse strips inline markers from raw, resolves each one
// against the declared evidence, and keeps only citations whose quote
// appears verbatim in the cited passage. Markers that fail any check
// are dropped; the response text is never altered beyond tag removal.
func validateResponse(raw string, markers []persona.EvidenceMarker, passages map[string]models.Passage) validation {
	byMarker := make(map[string]persona.EvidenceMarker, len(markers))
	for _, m := range markers {
		byMarker[m.Marker] = m
	}

	type tagRef struct {
		pos    int
		marker string
	}

	var b strings.Builder
	var tags []tagRef
	last := 0
	for _, loc := range citationTag.FindAllStringSubmatchIndex(raw, -1) {
		b.WriteString(raw[last:loc[0]])
		tags = append(tags, tagRef{pos: b.Len(), marker: "S" + raw[loc[2]:loc[3]]})
		last = loc[1]
	}
	b.WriteString(raw[last:])

	v := validation{
		Text:    b.String(),
		citedBy: make(map[int][]int),
	}
	v.sentences = splitSentences(v.Text)

	for _, tag := range tags {
		m, ok := byMarker[tag.marker]
		if !ok {
			metrics.CitationsDropped.Inc()
			continue
		}

		passage, ok := passages[m.PassageID]
		quote := strings.TrimSpace(m.Quote)
		if !ok || quote == "" || !strings.Contains(passage.Text, quote) {
			metrics.CitationsDropped.Inc()
			logger.Debug("Dropping citation",
				zap.Error(dialogue.ErrCitationValidation),
				zap.String("marker", tag.marker),
				zap.String("passage_id", m.PassageID),
			)
			continue
		}

		si := sentenceAt(v.sentences, tag.pos)
		if si < 0 {
			metrics.CitationsDropped.Inc()
			continue
		}

		span := v.sentences[si]
		v.citedBy[si] = append(v.citedBy[si], len(v.Citations))
		v.Citations = append(v.Citations, models.Citation{
			ID:        uuid.NewString(),
			PassageID: passage.ID,
			DocID:     passage.DocID,
			SpanStart: span.start,
			SpanEnd:   span.end,
			Quote:     quote,
		})
	}

	for i := range v.sentences {
		if len(v.citedBy[i]) == 0 {
			v.Ungrounded++
		}
	}

	return v
}

// sentenceAt maps a marker position to the sentence it supports. A
// marker sits just after the content it cites, so a position at or one
// past a sentence boundary still belongs to the preceding sentence.
func sentenceAt(spans []sentenceSpan, pos int) int {
	for i, s := range spans {
		if pos > s.start && pos <= s.end+1 {
			return i
		}
	}
	if len(spans) > 0 && pos > spans[len(spans)-1].end {
		return len(spans) - 1
	}
	return -1
}

// Strip rebuilds the response from cited sentences only, remapping
// citation spans into the shortened text. A response with no cited
// sentences at all is returned unchanged; deleting everything would be
// worse than keeping an uncited answer.
func (v validation) Strip() validation {
	if v.Ungrounded == 0 {
		return v
	}

	var b strings.Builder
	kept := validation{citedBy: make(map[int][]int)}

	for i, s := range v.sentences {
		cits := v.citedBy[i]
		if len(cits) == 0 {
			continue
		}

		if b.Len() > 0 {
			b.WriteString(" ")
		}
		start := b.Len()
		b.WriteString(strings.TrimSpace(v.Text[s.start:s.end]))
		end := b.Len()

		si := len(kept.sentences)
		kept.sentences = append(kept.sentences, sentenceSpan{start, end})
		for _, ci := range cits {
			c := v.Citations[ci]
			c.SpanStart = start
			c.SpanEnd = end
			kept.citedBy[si] = append(kept.citedBy[si], len(kept.Citations))
			kept.Citations = append(kept.Citations, c)
		}
	}

	if b.Len() == 0 {
		return v
	}

	kept.Text = b.String()
	return kept
}
