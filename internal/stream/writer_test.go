package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thucydides-app/backend/internal/storage/models"
)

type recordingTransport struct {
	messages []Message
}

func (r *recordingTransport) WriteJSON(v interface{}) error {
	r.messages = append(r.messages, v.(Message))
	return nil
}

func (r *recordingTransport) types() []string {
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = m.Type
	}
	return out
}

func TestWriterBuffersDraftsByDefault(t *testing.T) {
	tr := &recordingTransport{}
	w := NewWriter(tr, false)

	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("A reply "))
	require.NoError(t, w.Delta("in pieces."))
	require.NoError(t, w.Commit("A reply in pieces."))

	require.Equal(t, []string{MessageCommit}, tr.types())
	assert.Equal(t, "A reply in pieces.", tr.messages[0].Text)
}

func TestWriterInvisibleDiscardWhenBuffering(t *testing.T) {
	tr := &recordingTransport{}
	w := NewWriter(tr, false)

	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("first draft"))
	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("second draft"))
	require.NoError(t, w.Commit("second draft"))

	require.Equal(t, []string{MessageCommit}, tr.types())
}

func TestWriterStreamsLiveWithShowDrafts(t *testing.T) {
	tr := &recordingTransport{}
	w := NewWriter(tr, true)

	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("Streamed text."))
	require.NoError(t, w.Commit("Streamed text."))

	require.Equal(t, []string{MessageDelta, MessageCommit}, tr.types())
	assert.Equal(t, "Streamed text.", tr.messages[0].Text)
}

func TestWriterCommitSendsRemainder(t *testing.T) {
	tr := &recordingTransport{}
	w := NewWriter(tr, true)

	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("Partial"))
	require.NoError(t, w.Commit("Partial response."))

	require.Equal(t, []string{MessageDelta, MessageDelta, MessageCommit}, tr.types())
	assert.Equal(t, " response.", tr.messages[1].Text)
}

func TestWriterRetractsMismatchedDraft(t *testing.T) {
	tr := &recordingTransport{}
	w := NewWriter(tr, true)

	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("An uncited claim. A cited one."))
	require.NoError(t, w.Commit("A cited one."))

	require.Equal(t, []string{MessageDelta, MessageDraftDiscarded, MessageCommit}, tr.types())
	assert.Equal(t, "A cited one.", tr.messages[2].Text)
}

func TestWriterDiscardsSupersededDraft(t *testing.T) {
	tr := &recordingTransport{}
	w := NewWriter(tr, true)

	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("first attempt"))
	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("final answer"))
	require.NoError(t, w.Commit("final answer"))

	require.Equal(t, []string{MessageDelta, MessageDraftDiscarded, MessageDelta, MessageCommit}, tr.types())
}

func TestWriterScrubsInlineTags(t *testing.T) {
	tr := &recordingTransport{}
	w := NewWriter(tr, true)

	require.NoError(t, w.BeginDraft())
	// Marker split across delta boundaries.
	require.NoError(t, w.Delta("War teaches. [S"))
	require.NoError(t, w.Delta("1] It does."))
	require.NoError(t, w.Commit("War teaches. It does."))

	var streamed string
	for _, m := range tr.messages {
		if m.Type == MessageDelta {
			streamed += m.Text
		}
	}
	assert.Equal(t, "War teaches. It does.", streamed)
	assert.NotContains(t, tr.types(), MessageDraftDiscarded)
}

func TestWriterManifestIsTerminal(t *testing.T) {
	tr := &recordingTransport{}
	w := NewWriter(tr, false)

	turn := &models.Turn{
		Response: "Cited reply.",
		Grounded: true,
		Citations: []models.Citation{
			{PassageID: "p1", DocID: "d1", DocumentTitle: "History", SpanStart: 0, SpanEnd: 12, Quote: "a quote"},
		},
		LatencyMS: 1200,
	}

	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("Cited reply."))
	require.NoError(t, w.Commit(turn.Response))
	require.NoError(t, w.Manifest(turn))

	require.Equal(t, []string{MessageCommit, MessageManifest}, tr.types())

	manifest := tr.messages[1]
	assert.True(t, manifest.Grounded)
	require.Len(t, manifest.Citations, 1)
	assert.Equal(t, "p1", manifest.Citations[0].PassageID)
	assert.Equal(t, "History", manifest.Citations[0].DocumentTitle)
	assert.Equal(t, 1200, manifest.LatencyMS)
}

func TestWriterSequenceNumbersIncrease(t *testing.T) {
	tr := &recordingTransport{}
	w := NewWriter(tr, true)

	require.NoError(t, w.BeginDraft())
	require.NoError(t, w.Delta("a"))
	require.NoError(t, w.Delta("b"))
	require.NoError(t, w.Commit("ab"))

	for i := 1; i < len(tr.messages); i++ {
		assert.Greater(t, tr.messages[i].Seq, tr.messages[i-1].Seq)
	}
}

func TestScrubberRemovesCompleteTags(t *testing.T) {
	s := &tagScrubber{}

	out := s.feed("One fact. [S1] Another. [S2]")
	out += s.flush()

	assert.Equal(t, "One fact. Another.", out)
}

func TestScrubberKeepsLiteralBrackets(t *testing.T) {
	s := &tagScrubber{}

	out := s.feed("A list [S")
	out += s.flush()

	assert.Equal(t, "A list [S", out)
}
