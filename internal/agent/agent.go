// Package agent owns the bounded retrieve/synthesize/validate loop that
// turns one user utterance into a grounded, cited persona response.
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/dialogue"
	"github.com/thucydides-app/backend/internal/llm"
	"github.com/thucydides-app/backend/internal/metrics"
	"github.com/thucydides-app/backend/internal/persona"
	"github.com/thucydides-app/backend/internal/retrieval"
	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/pkg/logger"
)

type State int

const (
	StateAwaitingRetrieval State = iota
	StateSynthesizing
	StateValidating
	StateEscalating
	StateFinalized
	StateInsufficient
)

func (s State) String() string {
	switch s {
	case StateAwaitingRetrieval:
		return "awaiting_retrieval"
	case StateSynthesizing:
		return "synthesizing"
	case StateValidating:
		return "validating"
	case StateEscalating:
		return "escalating"
	case StateFinalized:
		return "finalized"
	case StateInsufficient:
		return "insufficient"
	default:
		return "unknown"
	}
}

type Config struct {
	// MaxIterations bounds retrieval rounds per turn.
	MaxIterations int
	// StripUngrounded removes uncited sentences from a finalized
	// response instead of keeping them citation-free.
	StripUngrounded bool
	// RetryBackoff is the pause before the single infra retry.
	RetryBackoff time.Duration
}

// Retriever is the ranked-retrieval contract the agent consumes.
// Baseline must return a query with resolved TopK and MinScore; the
// agent relaxes those values on escalation.
type Retriever interface {
	Baseline(text, figureID string) retrieval.Query
	Retrieve(ctx context.Context, q retrieval.Query, recentTurns []models.Turn) ([]retrieval.ScoredPassage, error)
}

// Synthesizer drafts a persona response from evidence.
type Synthesizer interface {
	Synthesize(ctx context.Context, figure *models.Figure, history []models.Turn, evidence []models.Passage, utterance string, broaderKnowledge bool, onDelta llm.DeltaFunc) (string, []persona.EvidenceMarker, error)
}

// StreamSink receives the turn's incremental output. BeginDraft opens a
// synthesis round; Commit fixes the final response text; Manifest is the
// terminal citation message.
type StreamSink interface {
	BeginDraft() error
	Delta(text string) error
	Commit(finalText string) error
	Manifest(turn *models.Turn) error
}

// TitleResolver names source documents for the citation manifest.
type TitleResolver interface {
	DocumentTitle(docID string) (string, error)
}

type TurnRequest struct {
	Session          *models.DialogueSession
	Figure           *models.Figure
	History          []models.Turn
	Utterance        string
	BroaderKnowledge bool
}

type Agent struct {
	retriever   Retriever
	synthesizer Synthesizer
	titles      TitleResolver
	cfg         Config
}

// NewAgent builds an agent. titles may be nil, in which case manifest
// entries carry document ids without titles.
func NewAgent(retriever Retriever, synthesizer Synthesizer, titles TitleResolver, cfg Config) *Agent {
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 2
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}

	return &Agent{
		retriever:   retriever,
		synthesizer: synthesizer,
		titles:      titles,
		cfg:         cfg,
	}
}

// ProcessTurn runs the state machine for one turn, emitting output to
// sink as it becomes available. The returned Turn is complete and safe
// to persist; a nil Turn with an error means the turn never finalized
// (client cancellation included) and must not be persisted.
func (a *Agent) ProcessTurn(ctx context.Context, req TurnRequest, sink StreamSink) (*models.Turn, error) {
	start := time.Now()

	query := a.retriever.Baseline(req.Utterance, req.Figure.ID)
	var evidence []retrieval.ScoredPassage
	var response string
	var markers []persona.EvidenceMarker

	state := StateAwaitingRetrieval
	iteration := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch state {
		case StateAwaitingRetrieval:
			iteration++
			passages, err := a.retrieveWithRetry(ctx, query, req.History)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return a.insufficient(req, sink, dialogue.FailureBackend, iteration, start)
			}

			evidence = mergeEvidence(evidence, passages)
			metrics.RetrievalResults.Observe(float64(len(passages)))

			if len(evidence) == 0 && !req.BroaderKnowledge {
				if iteration < a.cfg.MaxIterations {
					state = a.escalate(&query, iteration)
					continue
				}
				return a.insufficient(req, sink, dialogue.FailureNoEvidence, iteration, start)
			}
			state = StateSynthesizing

		case StateSynthesizing:
			if err := sink.BeginDraft(); err != nil {
				return nil, err
			}

			resp, mk, err := a.synthesizeWithRetry(ctx, req, evidencePassages(evidence), sink)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return a.insufficient(req, sink, dialogue.FailureBackend, iteration, start)
			}
			response, markers = resp, mk
			state = StateValidating

		case StateValidating:
			if response == dialogue.InsufficientEvidenceMessage {
				return a.insufficient(req, sink, dialogue.FailureNoEvidence, iteration, start)
			}

			result := validateResponse(response, markers, passagesByID(evidence))

			if !req.BroaderKnowledge && result.Ungrounded > 0 && iteration < a.cfg.MaxIterations {
				logger.Info("Response under-grounded, escalating",
					zap.Int("ungrounded_sentences", result.Ungrounded),
					zap.Int("iteration", iteration),
				)
				state = a.escalate(&query, iteration)
				continue
			}

			if !req.BroaderKnowledge && result.Ungrounded > 0 && a.cfg.StripUngrounded {
				result = result.Strip()
			}

			return a.finalize(req, sink, result, iteration, start)
		}
	}
}

// escalate broadens the query for another retrieval round.
func (a *Agent) escalate(query *retrieval.Query, iteration int) State {
	*query = query.Broaden()
	logger.Debug("Escalating retrieval",
		zap.Int("iteration", iteration),
		zap.Int("next_top_k", query.TopK),
	)
	return StateAwaitingRetrieval
}

func (a *Agent) retrieveWithRetry(ctx context.Context, query retrieval.Query, history []models.Turn) ([]retrieval.ScoredPassage, error) {
	passages, err := a.retriever.Retrieve(ctx, query, history)
	if err == nil {
		return passages, nil
	}

	logger.Warn("Retrieval failed, retrying once", zap.Error(err))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.cfg.RetryBackoff):
	}

	return a.retriever.Retrieve(ctx, query, history)
}

func (a *Agent) synthesizeWithRetry(ctx context.Context, req TurnRequest, evidence []models.Passage, sink StreamSink) (string, []persona.EvidenceMarker, error) {
	resp, markers, err := a.synthesizer.Synthesize(ctx, req.Figure, req.History, evidence, req.Utterance, req.BroaderKnowledge, sink.Delta)
	if err == nil || ctx.Err() != nil {
		return resp, markers, err
	}

	logger.Warn("Synthesis failed, retrying once", zap.Error(err))
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-time.After(a.cfg.RetryBackoff):
	}

	if err := sink.BeginDraft(); err != nil {
		return "", nil, err
	}
	return a.synthesizer.Synthesize(ctx, req.Figure, req.History, evidence, req.Utterance, req.BroaderKnowledge, sink.Delta)
}

func (a *Agent) finalize(req TurnRequest, sink StreamSink, result validation, iterations int, start time.Time) (*models.Turn, error) {
	turn := &models.Turn{
		SessionID: req.Session.ID,
		Utterance: req.Utterance,
		Response:  result.Text,
		Grounded:  !req.BroaderKnowledge && result.Ungrounded == 0,
		Citations: result.Citations,
		LatencyMS: int(time.Since(start).Milliseconds()),
		CreatedAt: time.Now(),
	}
	a.resolveTitles(turn.Citations)

	if err := sink.Commit(turn.Response); err != nil {
		return nil, err
	}
	if err := sink.Manifest(turn); err != nil {
		return nil, err
	}

	metrics.TurnTotal.WithLabelValues("finalized", dialogue.FailureNone.String()).Inc()
	metrics.TurnDuration.WithLabelValues("finalized").Observe(time.Since(start).Seconds())
	metrics.RetrievalRounds.Observe(float64(iterations))
	metrics.CitationsEmitted.Add(float64(len(turn.Citations)))

	logger.Info("Turn finalized",
		zap.String("session_id", req.Session.ID),
		zap.Int("iterations", iterations),
		zap.Int("citations", len(turn.Citations)),
		zap.Bool("grounded", turn.Grounded),
	)

	return turn, nil
}

// insufficient emits the fixed fallback with zero citations. kind is
// recorded for observability; the user-visible message never varies.
func (a *Agent) insufficient(req TurnRequest, sink StreamSink, kind dialogue.FailureKind, iterations int, start time.Time) (*models.Turn, error) {
	turn := &models.Turn{
		SessionID:    req.Session.ID,
		Utterance:    req.Utterance,
		Response:     dialogue.InsufficientEvidenceMessage,
		Grounded:     false,
		Insufficient: true,
		LatencyMS:    int(time.Since(start).Milliseconds()),
		CreatedAt:    time.Now(),
	}

	if err := sink.Commit(turn.Response); err != nil {
		return nil, err
	}
	if err := sink.Manifest(turn); err != nil {
		return nil, err
	}

	metrics.TurnTotal.WithLabelValues("insufficient", kind.String()).Inc()
	metrics.TurnDuration.WithLabelValues("insufficient").Observe(time.Since(start).Seconds())
	metrics.RetrievalRounds.Observe(float64(iterations))

	logger.Info("Turn ended insufficient",
		zap.String("session_id", req.Session.ID),
		zap.String("failure_kind", kind.String()),
		zap.Int("iterations", iterations),
	)

	return turn, nil
}

func (a *Agent) resolveTitles(citations []models.Citation) {
	if a.titles == nil {
		return
	}
	for i := range citations {
		title, err := a.titles.DocumentTitle(citations[i].DocID)
		if err != nil {
			logger.Debug("Document title lookup failed",
				zap.String("doc_id", citations[i].DocID),
				zap.Error(err),
			)
			continue
		}
		citations[i].DocumentTitle = title
	}
}

// mergeEvidence adds new passages to the accumulated evidence set,
// dropping duplicates by passage id. Evidence is additive across
// iterations; earlier hits are never discarded.
func mergeEvidence(existing, incoming []retrieval.ScoredPassage) []retrieval.ScoredPassage {
	seen := make(map[string]bool, len(existing))
	for _, p := range existing {
		seen[p.Passage.ID] = true
	}

	merged := existing
	for _, p := range incoming {
		if seen[p.Passage.ID] {
			continue
		}
		seen[p.Passage.ID] = true
		merged = append(merged, p)
	}

	return merged
}

func evidencePassages(evidence []retrieval.ScoredPassage) []models.Passage {
	passages := make([]models.Passage, len(evidence))
	for i, p := range evidence {
		passages[i] = p.Passage
	}
	return passages
}

func passagesByID(evidence []retrieval.ScoredPassage) map[string]models.Passage {
	byID := make(map[string]models.Passage, len(evidence))
	for _, p := range evidence {
		byID[p.Passage.ID] = p.Passage
	}
	return byID
}
