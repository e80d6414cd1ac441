// Package stream frames agent output for a websocket client: ordered
// response deltas, draft-discarded markers, and a terminal citation
// manifest.
package stream

import (
	"strings"

	"github.com/thucydides-app/backend/internal/metrics"
	"github.com/thucydides-app/backend/internal/storage/models"
)

// Transport is the connection surface the writer needs. The fiber
// websocket connection satisfies it.
type Transport interface {
	WriteJSON(v interface{}) error
}

const (
	MessageDelta          = "delta"
	MessageDraftDiscarded = "draft_discarded"
	MessageCommit         = "commit"
	MessageManifest       = "manifest"
	MessageError          = "error"
)

type Message struct {
	Type string `json:"type"`
	Seq  int    `json:"seq"`
	Text string `json:"text,omitempty"`

	Grounded     bool            `json:"grounded,omitempty"`
	Insufficient bool            `json:"insufficient,omitempty"`
	Citations    []CitationEntry `json:"citations,omitempty"`
	LatencyMS    int             `json:"latency_ms,omitempty"`
}

// CitationEntry is one manifest row. Spans index into the committed
// response text.
type CitationEntry struct {
	SpanStart     int    `json:"span_start"`
	SpanEnd       int    `json:"span_end"`
	PassageID     string `json:"passage_id"`
	DocID         string `json:"doc_id"`
	DocumentTitle string `json:"document_title,omitempty"`
	Quote         string `json:"quote"`
}

// Writer implements the agent's stream sink over one connection. It is
// driven by a single turn at a time and is not safe for concurrent use.
//
// With ShowDrafts off (the default) deltas are buffered and the client
// sees only committed text, so a discarded draft is invisible. With
// ShowDrafts on deltas go out live and a superseded draft is retracted
// with an explicit draft_discarded message.
type Writer struct {
	transport  Transport
	showDrafts bool

	seq      int
	scrubber tagScrubber
	streamed strings.Builder
	shown    bool
}

func NewWriter(transport Transport, showDrafts bool) *Writer {
	return &Writer{transport: transport, showDrafts: showDrafts}
}

func (w *Writer) BeginDraft() error {
	if w.shown && w.streamed.Len() > 0 {
		metrics.DraftsDiscarded.Inc()
		if err := w.send(Message{Type: MessageDraftDiscarded}); err != nil {
			return err
		}
	}
	w.scrubber = tagScrubber{}
	w.streamed.Reset()
	w.shown = false
	return nil
}

func (w *Writer) Delta(text string) error {
	clean := w.scrubber.feed(text)
	if clean == "" {
		return nil
	}
	w.streamed.WriteString(clean)

	if !w.showDrafts {
		return nil
	}
	w.shown = true
	metrics.StreamDeltas.Inc()
	return w.send(Message{Type: MessageDelta, Text: clean})
}

// Commit fixes the final response text. When the live-streamed draft is
// a prefix of the final text only the remainder goes out; otherwise the
// draft is retracted and the full text resent.
func (w *Writer) Commit(finalText string) error {
	if tail := w.scrubber.flush(); tail != "" {
		w.streamed.WriteString(tail)
		if w.showDrafts {
			w.shown = true
			metrics.StreamDeltas.Inc()
			if err := w.send(Message{Type: MessageDelta, Text: tail}); err != nil {
				return err
			}
		}
	}

	if w.shown {
		streamed := w.streamed.String()
		if !strings.HasPrefix(finalText, streamed) {
			metrics.DraftsDiscarded.Inc()
			if err := w.send(Message{Type: MessageDraftDiscarded}); err != nil {
				return err
			}
		} else if rest := finalText[len(streamed):]; rest != "" {
			metrics.StreamDeltas.Inc()
			if err := w.send(Message{Type: MessageDelta, Text: rest}); err != nil {
				return err
			}
		}
	}

	return w.send(Message{Type: MessageCommit, Text: finalText})
}

// Manifest is the terminal message of a turn. It always follows the
// commit, even when the citation list is empty.
func (w *Writer) Manifest(turn *models.Turn) error {
	entries := make([]CitationEntry, len(turn.Citations))
	for i, c := range turn.Citations {
		entries[i] = CitationEntry{
			SpanStart:     c.SpanStart,
			SpanEnd:       c.SpanEnd,
			PassageID:     c.PassageID,
			DocID:         c.DocID,
			DocumentTitle: c.DocumentTitle,
			Quote:         c.Quote,
		}
	}

	return w.send(Message{
		Type:         MessageManifest,
		Grounded:     turn.Grounded,
		Insufficient: turn.Insufficient,
		Citations:    entries,
		LatencyMS:    turn.LatencyMS,
	})
}

// Error reports a turn-level failure to the client outside the normal
// delta/commit/manifest sequence.
func (w *Writer) Error(msg string) error {
	return w.send(Message{Type: MessageError, Text: msg})
}

func (w *Writer) send(msg Message) error {
	w.seq++
	msg.Seq = w.seq
	return w.transport.WriteJSON(msg)
}
