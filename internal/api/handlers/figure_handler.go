package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/internal/storage/sqlite"
	"github.com/thucydides-app/backend/pkg/logger"
)

type FigureHandler struct {
	db *sqlite.Client
}

func NewFigureHandler(db *sqlite.Client) *FigureHandler {
	return &FigureHandler{db: db}
}

// ListFigures returns the curated catalog. The catalog is small and
// editorial, so there is no paging beyond a simple limit.
func (h *FigureHandler) ListFigures(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 100 {
		limit = 50
	}

	figures, err := h.db.ListFigures(limit)
	if err != nil {
		logger.Error("Failed to list figures", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load figures",
		})
	}

	out := make([]fiber.Map, len(figures))
	for i := range figures {
		out[i] = figureSummary(&figures[i])
	}

	return c.JSON(fiber.Map{"figures": out})
}

// ListFeatured returns the editorial picks surfaced on the landing page.
func (h *FigureHandler) ListFeatured(c *fiber.Ctx) error {
	figures, err := h.db.ListFeaturedFigures()
	if err != nil {
		logger.Error("Failed to list featured figures", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load figures",
		})
	}

	out := make([]fiber.Map, len(figures))
	for i := range figures {
		out[i] = figureSummary(&figures[i])
	}

	return c.JSON(fiber.Map{"figures": out})
}

func (h *FigureHandler) GetFigure(c *fiber.Ctx) error {
	figure, err := h.db.GetFigure(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Figure not found",
		})
	}

	out := figureSummary(figure)
	out["bio"] = figure.Bio
	out["document_ids"] = figure.DocumentIDs

	return c.JSON(out)
}

func figureSummary(f *models.Figure) fiber.Map {
	return fiber.Map{
		"id":          f.ID,
		"name":        f.Name,
		"title":       f.Title,
		"era":         f.Era,
		"avatar":      f.Avatar,
		"description": f.Description,
		"featured":    f.Featured,
	}
}
