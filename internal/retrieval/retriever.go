package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/metrics"
	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/internal/vector/milvus"
	"github.com/thucydides-app/backend/pkg/logger"
	"github.com/thucydides-app/backend/pkg/utils"
)

// Embedder turns text into a query vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// PassageSearcher is the passage index read contract.
type PassageSearcher interface {
	Search(ctx context.Context, queryEmbedding []float32, figureID string, topK int, minScore float32, docFilter []string) ([]milvus.SearchResult, error)
}

// EmbeddingCache is optional; a nil cache disables caching.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type Config struct {
	TopK         int
	MinScore     float32
	ContextTurns int
	DedupeWindow int
	Timeout      time.Duration
}

// Query is the ephemeral retrieval request for one pass. Zero TopK and
// MinScore fall back to the configured defaults.
type Query struct {
	Text      string
	FigureID  string
	DocFilter []string
	TopK      int
	MinScore  float32
}

// Broaden relaxes the query for an escalation round: filters dropped,
// top-k doubled, score floor halved.
func (q Query) Broaden() Query {
	broadened := q
	broadened.DocFilter = nil
	if broadened.TopK > 0 {
		broadened.TopK *= 2
	}
	broadened.MinScore /= 2
	return broadened
}

// ScoredPassage is one ranked retrieval hit.
type ScoredPassage struct {
	Passage models.Passage
	Score   float32
}

type Retriever struct {
	embedder Embedder
	searcher PassageSearcher
	cache    EmbeddingCache
	cfg      Config
}

func NewRetriever(embedder Embedder, searcher PassageSearcher, cache EmbeddingCache, cfg Config) *Retriever {
	if cfg.TopK == 0 {
		cfg.TopK = 8
	}
	if cfg.ContextTurns == 0 {
		cfg.ContextTurns = 3
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	return &Retriever{
		embedder: embedder,
		searcher: searcher,
		cache:    cache,
		cfg:      cfg,
	}
}

// Baseline builds the first-round query for an utterance, carrying the
// configured TopK and MinScore so an escalation round has real values
// to relax rather than zeros.
func (r *Retriever) Baseline(text, figureID string) Query {
	return Query{
		Text:     text,
		FigureID: figureID,
		TopK:     r.cfg.TopK,
		MinScore: r.cfg.MinScore,
	}
}

// Retrieve embeds the query (augmented with recent dialogue context when
// the utterance looks anaphoric), searches the passage index, and
// deduplicates overlapping hits from the same document.
func (r *Retriever) Retrieve(ctx context.Context, q Query, recentTurns []models.Turn) ([]ScoredPassage, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	topK := q.TopK
	if topK == 0 {
		topK = r.cfg.TopK
	}
	minScore := q.MinScore
	if minScore == 0 {
		minScore = r.cfg.MinScore
	}

	queryText := r.augmentQuery(q.Text, recentTurns)

	embedding, err := r.embedQuery(ctx, queryText)
	if err != nil {
		return nil, err
	}

	results, err := r.searcher.Search(ctx, embedding, q.FigureID, topK, minScore, q.DocFilter)
	if err != nil {
		return nil, err
	}

	deduped := dedupeByOrdinalWindow(results, r.cfg.DedupeWindow)

	passages := make([]ScoredPassage, 0, len(deduped))
	for _, res := range deduped {
		passages = append(passages, ScoredPassage{
			Passage: models.Passage{
				ID:       res.PassageID,
				DocID:    res.DocID,
				FigureID: res.FigureID,
				Ordinal:  res.Ordinal,
				Text:     res.Text,
				Section:  res.Section,
			},
			Score: res.Score,
		})
	}

	logger.Info("Retrieval completed",
		zap.String("figure_id", q.FigureID),
		zap.Int("raw_results", len(results)),
		zap.Int("deduped_results", len(passages)),
	)

	return passages, nil
}

// anaphora that make a bare utterance ambiguous without prior turns
var anaphoricWords = map[string]bool{
	"he": true, "she": true, "it": true, "they": true, "him": true,
	"her": true, "them": true, "his": true, "its": true, "their": true,
	"that": true, "this": true, "those": true, "these": true, "why": true,
}

// augmentQuery prefixes the utterance with a compact rendering of the
// last N turns when the utterance alone is likely under-specified.
func (r *Retriever) augmentQuery(utterance string, recentTurns []models.Turn) string {
	if len(recentTurns) == 0 || !needsContext(utterance) {
		return utterance
	}

	start := len(recentTurns) - r.cfg.ContextTurns
	if start < 0 {
		start = 0
	}

	var b strings.Builder
	for _, turn := range recentTurns[start:] {
		fmt.Fprintf(&b, "%s\n%s\n", turn.Utterance, truncate(turn.Response, 300))
	}
	b.WriteString(utterance)

	return b.String()
}

func needsContext(utterance string) bool {
	words := strings.Fields(strings.ToLower(utterance))
	if len(words) <= 4 {
		return true
	}
	for _, w := range words {
		if anaphoricWords[strings.Trim(w, ".,!?;:'\"")] {
			return true
		}
	}
	return false
}

func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if r.cache == nil {
		return r.embedder.GenerateEmbedding(ctx, text)
	}

	hash := utils.HashString(text)
	if cached, ok, err := r.cache.GetEmbedding(ctx, hash); err == nil && ok {
		metrics.EmbeddingCacheHits.WithLabelValues("hit").Inc()
		return cached, nil
	} else if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
	}
	metrics.EmbeddingCacheHits.WithLabelValues("miss").Inc()

	embedding, err := r.embedder.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := r.cache.SetEmbedding(ctx, hash, embedding, 24*time.Hour); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}

	return embedding, nil
}

// dedupeByOrdinalWindow collapses hits from the same document whose
// ordinals fall within window of an already-kept hit, keeping the
// highest-scored of each cluster. Input must be score-ordered.
func dedupeByOrdinalWindow(results []milvus.SearchResult, window int) []milvus.SearchResult {
	kept := make([]milvus.SearchResult, 0, len(results))

	for _, candidate := range results {
		redundant := false
		for _, k := range kept {
			if k.DocID != candidate.DocID {
				continue
			}
			diff := candidate.Ordinal - k.Ordinal
			if diff < 0 {
				diff = -diff
			}
			if diff <= window {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, candidate)
		}
	}

	return kept
}

// truncate caps s at n runes, never splitting a multibyte character.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
