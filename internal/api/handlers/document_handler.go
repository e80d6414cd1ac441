package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/corpus"
	"github.com/thucydides-app/backend/internal/storage/sqlite"
	"github.com/thucydides-app/backend/pkg/logger"
)

type DocumentHandler struct {
	ingestor *corpus.Ingestor
	db       *sqlite.Client
}

func NewDocumentHandler(ingestor *corpus.Ingestor, db *sqlite.Client) *DocumentHandler {
	return &DocumentHandler{ingestor: ingestor, db: db}
}

// IngestDocument indexes one source text for a figure. Ingestion is
// synchronous; curators upload a handful of books, not a firehose.
func (h *DocumentHandler) IngestDocument(c *fiber.Ctx) error {
	var req struct {
		FigureID string `json:"figure_id"`
		Title    string `json:"title"`
		Author   string `json:"author"`
		Date     string `json:"date"`
		Edition  string `json:"edition"`
		Content  string `json:"content"`
		HTML     bool   `json:"html"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.FigureID == "" || req.Title == "" || req.Content == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "figure_id, title, and content are required",
		})
	}

	if _, err := h.db.GetFigure(req.FigureID); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Figure not found",
		})
	}

	doc, err := h.ingestor.IngestDocument(c.Context(), corpus.DocumentInput{
		FigureID: req.FigureID,
		Title:    req.Title,
		Author:   req.Author,
		Date:     req.Date,
		Edition:  req.Edition,
		RawText:  req.Content,
		HTML:     req.HTML,
	})
	if err != nil {
		logger.Error("Failed to ingest document", zap.String("title", req.Title), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to ingest document",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":        doc.ID,
		"figure_id": doc.FigureID,
		"title":     doc.Title,
	})
}

func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	doc, err := h.db.GetDocument(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Document not found",
		})
	}

	return c.JSON(fiber.Map{
		"id":        doc.ID,
		"figure_id": doc.FigureID,
		"title":     doc.Title,
		"author":    doc.Author,
		"date":      doc.Date,
		"edition":   doc.Edition,
	})
}
