package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thucydides-app/backend/internal/dialogue"
	"github.com/thucydides-app/backend/internal/llm"
	"github.com/thucydides-app/backend/internal/persona"
	"github.com/thucydides-app/backend/internal/retrieval"
	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/internal/vector/milvus"
)

type fakeRetriever struct {
	results [][]retrieval.ScoredPassage
	errs    []error
	calls   int
	queries []retrieval.Query
}

func (f *fakeRetriever) Baseline(text, figureID string) retrieval.Query {
	return retrieval.Query{Text: text, FigureID: figureID, TopK: 8, MinScore: 0.25}
}

func (f *fakeRetriever) Retrieve(ctx context.Context, q retrieval.Query, recentTurns []models.Turn) ([]retrieval.ScoredPassage, error) {
	i := f.calls
	f.calls++
	f.queries = append(f.queries, q)

	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return nil, nil
}

type synthRound struct {
	response string
	markers  []persona.EvidenceMarker
	err      error
}

type fakeSynthesizer struct {
	rounds []synthRound
	calls  int
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, figure *models.Figure, history []models.Turn, evidence []models.Passage, utterance string, broaderKnowledge bool, onDelta llm.DeltaFunc) (string, []persona.EvidenceMarker, error) {
	i := f.calls
	f.calls++

	if i >= len(f.rounds) {
		return "", nil, nil
	}
	round := f.rounds[i]
	if round.err != nil {
		return "", nil, round.err
	}
	if err := onDelta(round.response); err != nil {
		return "", nil, err
	}
	return round.response, round.markers, nil
}

type fakeTitles struct{ titles map[string]string }

func (f *fakeTitles) DocumentTitle(docID string) (string, error) {
	return f.titles[docID], nil
}

type memorySink struct {
	drafts    int
	deltas    []string
	committed string
	manifest  *models.Turn
}

func (s *memorySink) BeginDraft() error { s.drafts++; return nil }
func (s *memorySink) Delta(text string) error {
	s.deltas = append(s.deltas, text)
	return nil
}
func (s *memorySink) Commit(finalText string) error { s.committed = finalText; return nil }
func (s *memorySink) Manifest(turn *models.Turn) error {
	s.manifest = turn
	return nil
}

func hit(id, docID string, ordinal int, text string, score float32) retrieval.ScoredPassage {
	return retrieval.ScoredPassage{
		Passage: models.Passage{ID: id, DocID: docID, FigureID: "thucydides", Ordinal: ordinal, Text: text},
		Score:   score,
	}
}

func testRequest() TurnRequest {
	return TurnRequest{
		Session:   &models.DialogueSession{ID: "sess-1", UserID: "u1", FigureID: "thucydides"},
		Figure:    &models.Figure{ID: "thucydides", Name: "Thucydides"},
		Utterance: "What does war teach?",
	}
}

func TestProcessTurnFinalizesGroundedResponse(t *testing.T) {
	retr := &fakeRetriever{results: [][]retrieval.ScoredPassage{{
		hit("p1", "d1", 0, "War is a violent teacher taught by necessity.", 0.9),
	}}}
	synth := &fakeSynthesizer{rounds: []synthRound{{
		response: "War is a violent teacher. [S1]",
		markers:  []persona.EvidenceMarker{{Marker: "S1", PassageID: "p1", Quote: "violent teacher"}},
	}}}
	sink := &memorySink{}

	a := NewAgent(retr, synth, &fakeTitles{titles: map[string]string{"d1": "History of the Peloponnesian War"}}, Config{})
	turn, err := a.ProcessTurn(context.Background(), testRequest(), sink)

	require.NoError(t, err)
	assert.True(t, turn.Grounded)
	assert.False(t, turn.Insufficient)
	assert.Equal(t, "War is a violent teacher.", turn.Response)
	require.Len(t, turn.Citations, 1)
	assert.Equal(t, "History of the Peloponnesian War", turn.Citations[0].DocumentTitle)

	assert.Equal(t, 1, sink.drafts)
	assert.Equal(t, turn.Response, sink.committed)
	require.NotNil(t, sink.manifest)
	assert.Equal(t, turn.Citations, sink.manifest.Citations)
}

func TestProcessTurnNoEvidenceEscalatesThenInsufficient(t *testing.T) {
	retr := &fakeRetriever{}
	synth := &fakeSynthesizer{}
	sink := &memorySink{}

	a := NewAgent(retr, synth, nil, Config{})
	turn, err := a.ProcessTurn(context.Background(), testRequest(), sink)

	require.NoError(t, err)
	assert.True(t, turn.Insufficient)
	assert.Equal(t, dialogue.InsufficientEvidenceMessage, turn.Response)
	assert.Empty(t, turn.Citations)

	// One escalation round, no synthesis at all.
	assert.Equal(t, 2, retr.calls)
	assert.Zero(t, synth.calls)
	assert.Equal(t, dialogue.InsufficientEvidenceMessage, sink.committed)
}

func TestProcessTurnRetrievalFailureDegrades(t *testing.T) {
	retr := &fakeRetriever{errs: []error{dialogue.ErrRetrievalUnavailable, dialogue.ErrRetrievalUnavailable}}
	synth := &fakeSynthesizer{}
	sink := &memorySink{}

	a := NewAgent(retr, synth, nil, Config{RetryBackoff: 1})
	turn, err := a.ProcessTurn(context.Background(), testRequest(), sink)

	require.NoError(t, err)
	assert.True(t, turn.Insufficient)
	// Failed once, retried once, then degraded.
	assert.Equal(t, 2, retr.calls)
	assert.Zero(t, synth.calls)
}

func TestProcessTurnRetrievalRecoversOnRetry(t *testing.T) {
	retr := &fakeRetriever{
		errs: []error{dialogue.ErrRetrievalUnavailable},
		results: [][]retrieval.ScoredPassage{nil, {
			hit("p1", "d1", 0, "War is a violent teacher taught by necessity.", 0.9),
		}},
	}
	synth := &fakeSynthesizer{rounds: []synthRound{{
		response: "War is a violent teacher. [S1]",
		markers:  []persona.EvidenceMarker{{Marker: "S1", PassageID: "p1", Quote: "violent teacher"}},
	}}}
	sink := &memorySink{}

	a := NewAgent(retr, synth, nil, Config{RetryBackoff: 1})
	turn, err := a.ProcessTurn(context.Background(), testRequest(), sink)

	require.NoError(t, err)
	assert.False(t, turn.Insufficient)
	assert.Equal(t, 2, retr.calls)
}

func TestProcessTurnModelDeclaresInsufficient(t *testing.T) {
	retr := &fakeRetriever{results: [][]retrieval.ScoredPassage{{
		hit("p1", "d1", 0, "Unrelated passage text.", 0.5),
	}}}
	synth := &fakeSynthesizer{rounds: []synthRound{{
		response: dialogue.InsufficientEvidenceMessage,
	}}}
	sink := &memorySink{}

	a := NewAgent(retr, synth, nil, Config{})
	turn, err := a.ProcessTurn(context.Background(), testRequest(), sink)

	require.NoError(t, err)
	assert.True(t, turn.Insufficient)
	assert.Empty(t, turn.Citations)
}

func TestProcessTurnUngroundedEscalatesAndRedrafts(t *testing.T) {
	retr := &fakeRetriever{results: [][]retrieval.ScoredPassage{
		{hit("p1", "d1", 0, "War is a violent teacher taught by necessity.", 0.9)},
		{hit("p2", "d1", 3, "The strong do what they can and the weak suffer what they must.", 0.8)},
	}}
	synth := &fakeSynthesizer{rounds: []synthRound{
		{response: "An answer with no support at all."},
		{
			response: "The strong do what they can. [S2]",
			markers:  []persona.EvidenceMarker{{Marker: "S2", PassageID: "p2", Quote: "strong do what they can"}},
		},
	}}
	sink := &memorySink{}

	a := NewAgent(retr, synth, nil, Config{})
	turn, err := a.ProcessTurn(context.Background(), testRequest(), sink)

	require.NoError(t, err)
	assert.True(t, turn.Grounded)
	assert.Equal(t, 2, retr.calls)
	assert.Equal(t, 2, synth.calls)
	assert.Equal(t, 2, sink.drafts)
	assert.Equal(t, "The strong do what they can.", turn.Response)
}

func TestProcessTurnIterationBudgetIsBounded(t *testing.T) {
	retr := &fakeRetriever{results: [][]retrieval.ScoredPassage{
		{hit("p1", "d1", 0, "Some passage.", 0.9)},
		{hit("p2", "d1", 5, "Another passage.", 0.8)},
		{hit("p3", "d1", 9, "Yet another.", 0.7)},
	}}
	// Never grounds; the loop must still terminate.
	synth := &fakeSynthesizer{rounds: []synthRound{
		{response: "Unsupported claim one."},
		{response: "Unsupported claim two."},
		{response: "Unsupported claim three."},
	}}
	sink := &memorySink{}

	a := NewAgent(retr, synth, nil, Config{MaxIterations: 2})
	turn, err := a.ProcessTurn(context.Background(), testRequest(), sink)

	require.NoError(t, err)
	assert.LessOrEqual(t, retr.calls, 2)
	assert.LessOrEqual(t, synth.calls, 2)
	assert.False(t, turn.Grounded)
}

func TestProcessTurnStripUngrounded(t *testing.T) {
	retr := &fakeRetriever{results: [][]retrieval.ScoredPassage{{
		hit("p1", "d1", 0, "War is a violent teacher taught by necessity.", 0.9),
	}}}
	synth := &fakeSynthesizer{rounds: []synthRound{{
		response: "A private speculation of mine. War is a violent teacher. [S1]",
		markers:  []persona.EvidenceMarker{{Marker: "S1", PassageID: "p1", Quote: "violent teacher"}},
	}}}
	sink := &memorySink{}

	a := NewAgent(retr, synth, nil, Config{MaxIterations: 1, StripUngrounded: true})
	turn, err := a.ProcessTurn(context.Background(), testRequest(), sink)

	require.NoError(t, err)
	assert.Equal(t, "War is a violent teacher.", turn.Response)
	require.Len(t, turn.Citations, 1)
	assert.Equal(t, 0, turn.Citations[0].SpanStart)
}

func TestProcessTurnBroaderKnowledgeSkipsEvidenceGate(t *testing.T) {
	retr := &fakeRetriever{}
	synth := &fakeSynthesizer{rounds: []synthRound{{
		response: "Speaking from broader memory, the war lasted many years.",
	}}}
	sink := &memorySink{}

	req := testRequest()
	req.BroaderKnowledge = true

	a := NewAgent(retr, synth, nil, Config{})
	turn, err := a.ProcessTurn(context.Background(), req, sink)

	require.NoError(t, err)
	assert.False(t, turn.Insufficient)
	assert.False(t, turn.Grounded)
	assert.Equal(t, 1, retr.calls)
	assert.Equal(t, 1, synth.calls)
}

func TestProcessTurnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewAgent(&fakeRetriever{}, &fakeSynthesizer{}, nil, Config{})
	turn, err := a.ProcessTurn(ctx, testRequest(), &memorySink{})

	assert.Nil(t, turn)
	assert.ErrorIs(t, err, context.Canceled)
}

// unitEmbedder returns a fixed vector so the real retriever can run
// without an embedding backend.
type unitEmbedder struct{}

func (unitEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, nil
}

type searchCall struct {
	topK     int
	minScore float32
}

type recordingSearcher struct{ calls []searchCall }

func (s *recordingSearcher) Search(ctx context.Context, queryEmbedding []float32, figureID string, topK int, minScore float32, docFilter []string) ([]milvus.SearchResult, error) {
	s.calls = append(s.calls, searchCall{topK: topK, minScore: minScore})
	return nil, nil
}

// Runs the real retriever under the agent so the escalation round is
// observed with the parameters the passage index actually receives.
func TestEscalationWidensRetrievalThroughPipeline(t *testing.T) {
	searcher := &recordingSearcher{}
	retr := retrieval.NewRetriever(unitEmbedder{}, searcher, nil, retrieval.Config{TopK: 8, MinScore: 0.25})

	a := NewAgent(retr, &fakeSynthesizer{}, nil, Config{})
	turn, err := a.ProcessTurn(context.Background(), testRequest(), &memorySink{})

	require.NoError(t, err)
	assert.True(t, turn.Insufficient)
	require.Len(t, searcher.calls, 2)
	assert.Equal(t, 8, searcher.calls[0].topK)
	assert.Equal(t, float32(0.25), searcher.calls[0].minScore)
	assert.Equal(t, 16, searcher.calls[1].topK)
	assert.Equal(t, float32(0.125), searcher.calls[1].minScore)
}

func TestMergeEvidenceIsAdditiveAndDeduplicated(t *testing.T) {
	first := []retrieval.ScoredPassage{hit("p1", "d1", 0, "one", 0.9)}
	second := []retrieval.ScoredPassage{
		hit("p1", "d1", 0, "one", 0.7),
		hit("p2", "d1", 2, "two", 0.6),
	}

	merged := mergeEvidence(first, second)

	require.Len(t, merged, 2)
	assert.Equal(t, "p1", merged[0].Passage.ID)
	assert.Equal(t, float32(0.9), merged[0].Score)
	assert.Equal(t, "p2", merged[1].Passage.ID)
}
