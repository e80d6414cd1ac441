package persona

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thucydides-app/backend/internal/dialogue"
	"github.com/thucydides-app/backend/internal/llm"
	"github.com/thucydides-app/backend/internal/storage/models"
)

type scriptedBackend struct {
	deltas  []string
	lastReq llm.CompletionRequest
}

func (b *scriptedBackend) CompleteStream(ctx context.Context, req llm.CompletionRequest, onDelta llm.DeltaFunc) error {
	b.lastReq = req
	for _, d := range b.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return nil
}

func testFigure() *models.Figure {
	return &models.Figure{
		ID:    "thucydides",
		Name:  "Thucydides",
		Title: "Historian of the Peloponnesian War",
		Era:   "5th century BC Athens",
	}
}

func testEvidence() []models.Passage {
	return []models.Passage{
		{ID: "p1", DocID: "d1", Ordinal: 0, Text: "War is a violent teacher."},
		{ID: "p2", DocID: "d1", Ordinal: 1, Text: "The strong do what they can."},
	}
}

func TestSynthesizeStreamsBodyAndParsesMarkers(t *testing.T) {
	backend := &scriptedBackend{deltas: []string{
		"War instructs harshly. [S1]",
		"\n---CITATIONS---\n",
		`[{"marker": "S1", "quote": "violent teacher"}]`,
	}}
	s := NewSynthesizer(backend)

	var streamed strings.Builder
	body, markers, err := s.Synthesize(context.Background(), testFigure(), nil, testEvidence(), "What is war?", false, func(delta string) error {
		streamed.WriteString(delta)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "War instructs harshly. [S1]", body)
	assert.Equal(t, body, strings.TrimSpace(streamed.String()))
	require.Len(t, markers, 1)
	assert.Equal(t, "S1", markers[0].Marker)
	assert.Equal(t, "p1", markers[0].PassageID)
	assert.Equal(t, "violent teacher", markers[0].Quote)
}

func TestSynthesizeWithoutTrailer(t *testing.T) {
	backend := &scriptedBackend{deltas: []string{"Just words."}}
	s := NewSynthesizer(backend)

	body, markers, err := s.Synthesize(context.Background(), testFigure(), nil, testEvidence(), "Speak.", false, func(string) error { return nil })

	require.NoError(t, err)
	assert.Equal(t, "Just words.", body)
	assert.Empty(t, markers)
}

func TestSystemPromptGroundedMode(t *testing.T) {
	s := NewSynthesizer(&scriptedBackend{})
	prompt := s.systemPrompt(testFigure(), testEvidence(), false)

	assert.Contains(t, prompt, "Thucydides")
	assert.Contains(t, prompt, "[S1]")
	assert.Contains(t, prompt, "[S2]")
	assert.Contains(t, prompt, "War is a violent teacher.")
	assert.Contains(t, prompt, dialogue.InsufficientEvidenceMessage)
	assert.NotContains(t, prompt, "general knowledge")
}

func TestSystemPromptBroaderKnowledgeMode(t *testing.T) {
	s := NewSynthesizer(&scriptedBackend{})
	prompt := s.systemPrompt(testFigure(), testEvidence(), true)

	assert.Contains(t, prompt, "general knowledge")
	assert.NotContains(t, prompt, dialogue.InsufficientEvidenceMessage)
}

func TestBuildMessagesAlternatesRoles(t *testing.T) {
	history := []models.Turn{
		{Utterance: "Who are you?", Response: "I am Thucydides."},
		{Utterance: "Of what do you write?", Response: "Of the war."},
	}

	messages := buildMessages(history, "Go on.")

	require.Len(t, messages, 5)
	assert.Equal(t, llm.RoleUser, messages[0].Role)
	assert.Equal(t, llm.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Go on.", messages[4].Content)
	assert.Equal(t, llm.RoleUser, messages[4].Role)
}

func TestParseMarkersFencedJSON(t *testing.T) {
	trailer := "```json\n[{\"marker\": \"[S2]\", \"quote\": \"the strong\"}]\n```"

	markers := parseMarkers(trailer, testEvidence())

	require.Len(t, markers, 1)
	assert.Equal(t, "p2", markers[0].PassageID)
}

func TestParseMarkersRejectsUnknownTag(t *testing.T) {
	trailer := `[{"marker": "S9", "quote": "nothing"}, {"marker": "S1", "quote": "real"}]`

	markers := parseMarkers(trailer, testEvidence())

	require.Len(t, markers, 1)
	assert.Equal(t, "p1", markers[0].PassageID)
}

func TestParseMarkersMalformed(t *testing.T) {
	assert.Empty(t, parseMarkers("not json at all", testEvidence()))
	assert.Empty(t, parseMarkers("", testEvidence()))
}

func TestMarkerIndex(t *testing.T) {
	assert.Equal(t, 3, markerIndex("S3"))
	assert.Equal(t, 3, markerIndex("[S3]"))
	assert.Equal(t, 12, markerIndex(" S12 "))
	assert.Equal(t, 0, markerIndex("source one"))
}
