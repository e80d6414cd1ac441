package milvus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/dialogue"
	"github.com/thucydides-app/backend/pkg/logger"
)

// Client is the passage index. Passages become visible to Search only
// after their embedding write has flushed, so concurrent ingestion never
// exposes partially-written rows.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// IndexedPassage is a passage plus its ingestion-time embedding.
type IndexedPassage struct {
	ID        string
	Embedding []float32
	Text      string
	FigureID  string
	DocID     string
	Ordinal   int
	Section   string
}

type SearchResult struct {
	PassageID string
	Text      string
	FigureID  string
	DocID     string
	Ordinal   int
	Section   string
	Score     float32
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Primary-source passage embeddings per figure",
		Fields: []*entity.Field{
			{
				Name:       "passage_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", m.vectorDim)},
			},
			{
				Name:       "text",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "4096"},
			},
			{
				Name:       "figure_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "doc_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:     "ordinal",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:       "section",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))
	return nil
}

func (m *Client) Insert(ctx context.Context, passages []IndexedPassage) error {
	if len(passages) == 0 {
		return nil
	}

	ids := make([]string, len(passages))
	embeddings := make([][]float32, len(passages))
	texts := make([]string, len(passages))
	figureIDs := make([]string, len(passages))
	docIDs := make([]string, len(passages))
	ordinals := make([]int64, len(passages))
	sections := make([]string, len(passages))

	for i, p := range passages {
		ids[i] = p.ID
		embeddings[i] = p.Embedding
		texts[i] = p.Text
		figureIDs[i] = p.FigureID
		docIDs[i] = p.DocID
		ordinals[i] = int64(p.Ordinal)
		sections[i] = p.Section
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("passage_id", ids),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("figure_id", figureIDs),
		entity.NewColumnVarChar("doc_id", docIDs),
		entity.NewColumnInt64("ordinal", ordinals),
		entity.NewColumnVarChar("section", sections),
	)
	if err != nil {
		return fmt.Errorf("failed to insert passages: %w", err)
	}

	// Flush before returning so readers never see uncommitted embeddings.
	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Passages inserted into vector index", zap.Int("count", len(passages)))
	return nil
}

// Search returns at most topK passages for a figure scoring at least
// minScore, ordered deterministically. An empty corpus yields an empty
// slice, not an error.
func (m *Client) Search(ctx context.Context, queryEmbedding []float32, figureID string, topK int, minScore float32, docFilter []string) ([]SearchResult, error) {
	expr := BuildFilterExpr(figureID, docFilter)

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"passage_id", "text", "figure_id", "doc_id", "ordinal", "section"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dialogue.ErrRetrievalUnavailable, err)
	}

	results := make([]SearchResult, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			r, err := resultAt(sr.Fields, i)
			if err != nil {
				return nil, err
			}
			r.Score = sr.Scores[i]
			if r.Score < minScore {
				continue
			}
			results = append(results, r)
		}
	}

	SortResults(results)

	logger.Debug("Vector search completed",
		zap.String("figure_id", figureID),
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// Get fetches a single passage by id.
func (m *Client) Get(ctx context.Context, passageID string) (*SearchResult, error) {
	rs, err := m.client.Query(
		ctx,
		m.collectionName,
		[]string{},
		fmt.Sprintf(`passage_id == "%s"`, escapeExprValue(passageID)),
		[]string{"passage_id", "text", "figure_id", "doc_id", "ordinal", "section"},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dialogue.ErrRetrievalUnavailable, err)
	}

	fields := resultColumns(rs)
	if colLen(fields["passage_id"]) == 0 {
		return nil, fmt.Errorf("passage %s not found", passageID)
	}

	r, err := resultAt(rs, 0)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SortResults orders by descending score with deterministic tie-breaks:
// earlier ordinal wins, then doc id, then passage id.
func SortResults(results []SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Ordinal != results[j].Ordinal {
			return results[i].Ordinal < results[j].Ordinal
		}
		if results[i].DocID != results[j].DocID {
			return results[i].DocID < results[j].DocID
		}
		return results[i].PassageID < results[j].PassageID
	})
}

// BuildFilterExpr renders the boolean filter for a figure plus an
// optional document allow-list.
func BuildFilterExpr(figureID string, docFilter []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `figure_id == "%s"`, escapeExprValue(figureID))

	if len(docFilter) > 0 {
		quoted := make([]string, len(docFilter))
		for i, id := range docFilter {
			quoted[i] = fmt.Sprintf(`"%s"`, escapeExprValue(id))
		}
		fmt.Fprintf(&b, ` && doc_id in [%s]`, strings.Join(quoted, ", "))
	}

	return b.String()
}

func escapeExprValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return strings.ReplaceAll(v, `"`, `\"`)
}

func resultColumns(cols []entity.Column) map[string]entity.Column {
	byName := make(map[string]entity.Column, len(cols))
	for _, col := range cols {
		byName[col.Name()] = col
	}
	return byName
}

func colLen(col entity.Column) int {
	if col == nil {
		return 0
	}
	return col.Len()
}

func resultAt(cols []entity.Column, i int) (SearchResult, error) {
	byName := resultColumns(cols)

	var r SearchResult
	for name, dst := range map[string]*string{
		"passage_id": &r.PassageID,
		"text":       &r.Text,
		"figure_id":  &r.FigureID,
		"doc_id":     &r.DocID,
		"section":    &r.Section,
	} {
		col, ok := byName[name]
		if !ok {
			return r, fmt.Errorf("missing result column %q", name)
		}
		v, err := col.Get(i)
		if err != nil {
			return r, fmt.Errorf("failed to read column %q: %w", name, err)
		}
		s, ok := v.(string)
		if !ok {
			return r, fmt.Errorf("unexpected type for column %q", name)
		}
		*dst = s
	}

	ordCol, ok := byName["ordinal"]
	if !ok {
		return r, fmt.Errorf("missing result column \"ordinal\"")
	}
	v, err := ordCol.Get(i)
	if err != nil {
		return r, fmt.Errorf("failed to read column \"ordinal\": %w", err)
	}
	ord, ok := v.(int64)
	if !ok {
		return r, fmt.Errorf("unexpected type for column \"ordinal\"")
	}
	r.Ordinal = int(ord)

	return r, nil
}
