// Package corpus turns primary-source texts into indexed passages:
// cleaning, overlapping chunking, batch embedding, and writes to both
// the vector index and the metadata store.
package corpus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/metrics"
	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/internal/storage/sqlite"
	"github.com/thucydides-app/backend/internal/vector/milvus"
	"github.com/thucydides-app/backend/pkg/logger"
)

var (
	gutenbergStart = regexp.MustCompile(`(?i)\*\*\*\s*START OF (THE|THIS) PROJECT GUTENBERG EBOOK.*\*\*\*`)
	gutenbergEnd   = regexp.MustCompile(`(?i)\*\*\*\s*END OF (THE|THIS) PROJECT GUTENBERG EBOOK.*\*\*\*`)
	chapterHeading = regexp.MustCompile(`(?i)CHAPTER [IVXLCDM]+\.`)
	whitespaceRun  = regexp.MustCompile(`\s+`)
)

// Embedder produces embeddings for a batch of texts.
type Embedder interface {
	GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

type Ingestor struct {
	db           *sqlite.Client
	vectorDB     *milvus.Client
	embedder     Embedder
	chunkSize    int
	chunkOverlap int
	embedBatch   int
}

func NewIngestor(db *sqlite.Client, vectorDB *milvus.Client, embedder Embedder, chunkSize, chunkOverlap, embedBatch int) *Ingestor {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 10
	}
	if embedBatch <= 0 {
		embedBatch = 32
	}

	return &Ingestor{
		db:           db,
		vectorDB:     vectorDB,
		embedder:     embedder,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		embedBatch:   embedBatch,
	}
}

// DocumentInput is one source text submitted for indexing. RawText is
// either plain text (Project Gutenberg etexts included) or HTML.
type DocumentInput struct {
	FigureID string
	Title    string
	Author   string
	Date     string
	Edition  string
	RawText  string
	HTML     bool
}

// IngestDocument cleans, chunks, embeds, and indexes one document.
// Passages are written to sqlite first and the vector index last, so a
// partial failure leaves metadata without searchable vectors rather
// than orphaned vectors.
func (g *Ingestor) IngestDocument(ctx context.Context, input DocumentInput) (*models.SourceDocument, error) {
	text := input.RawText
	if input.HTML {
		text = CleanHTML(text)
	}
	text = CleanText(text)
	if text == "" {
		return nil, fmt.Errorf("no content extracted from document %q", input.Title)
	}

	doc := &models.SourceDocument{
		ID:        uuid.NewString(),
		FigureID:  input.FigureID,
		Title:     input.Title,
		Author:    input.Author,
		Date:      input.Date,
		Edition:   input.Edition,
		RawText:   text,
		CreatedAt: time.Now(),
	}
	if err := g.db.InsertDocument(doc); err != nil {
		return nil, fmt.Errorf("failed to store document: %w", err)
	}

	chunks := g.chunkText(text)
	logger.Info("Document chunked",
		zap.String("doc_id", doc.ID),
		zap.String("title", doc.Title),
		zap.Int("chunks", len(chunks)),
	)
	if len(chunks) == 0 {
		return doc, nil
	}

	embeddings, err := g.embedChunks(ctx, chunks)
	if err != nil {
		return nil, err
	}

	indexed := make([]milvus.IndexedPassage, 0, len(chunks))
	for i, chunk := range chunks {
		passage := &models.Passage{
			ID:       fmt.Sprintf("%s_p%04d", doc.ID, i),
			DocID:    doc.ID,
			FigureID: input.FigureID,
			Ordinal:  i,
			Text:     chunk,
		}
		if err := g.db.InsertPassage(passage); err != nil {
			return nil, fmt.Errorf("failed to store passage %d: %w", i, err)
		}

		indexed = append(indexed, milvus.IndexedPassage{
			ID:        passage.ID,
			Embedding: embeddings[i],
			Text:      passage.Text,
			FigureID:  passage.FigureID,
			DocID:     passage.DocID,
			Ordinal:   passage.Ordinal,
		})
	}

	if err := g.vectorDB.Insert(ctx, indexed); err != nil {
		return nil, fmt.Errorf("failed to index passages: %w", err)
	}

	metrics.PassagesIngested.Add(float64(len(indexed)))
	logger.Info("Document indexed",
		zap.String("doc_id", doc.ID),
		zap.Int("passages", len(indexed)),
	)

	return doc, nil
}

// embedChunks embeds chunks in configured-size batches so one oversized
// document cannot blow past the provider's request limits.
func (g *Ingestor) embedChunks(ctx context.Context, chunks []string) ([][]float32, error) {
	embeddings := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += g.embedBatch {
		end := start + g.embedBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch, err := g.embedder.GenerateBatchEmbeddings(ctx, chunks[start:end])
		if err != nil {
			return nil, fmt.Errorf("failed to embed passages: %w", err)
		}
		embeddings = append(embeddings, batch...)
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunks))
	}
	return embeddings, nil
}

// CleanText strips Project Gutenberg boilerplate when present and
// normalizes whitespace. Non-Gutenberg text passes through unharmed.
func CleanText(text string) string {
	if m := gutenbergStart.FindStringIndex(text); m != nil {
		text = text[m[1]:]
	}
	if m := gutenbergEnd.FindStringIndex(text); m != nil {
		text = text[:m[0]]
	}

	text = chapterHeading.ReplaceAllString(text, "")
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// CleanHTML extracts readable body text from an HTML document.
func CleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}

	doc.Find("script, style, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	return doc.Find("body").Text()
}

// chunkText splits text into overlapping windows. Windows advance by
// chunkSize minus chunkOverlap, so consecutive passages share context
// across the cut. Rune-based slicing keeps multibyte characters whole.
func (g *Ingestor) chunkText(text string) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := g.chunkSize - g.chunkOverlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + g.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}

	return chunks
}
