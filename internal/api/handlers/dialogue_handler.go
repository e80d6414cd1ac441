package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/agent"
	"github.com/thucydides-app/backend/internal/middleware/auth"
	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/internal/storage/sqlite"
	"github.com/thucydides-app/backend/pkg/logger"
)

type DialogueHandler struct {
	manager *agent.Manager
	db      *sqlite.Client
}

func NewDialogueHandler(manager *agent.Manager, db *sqlite.Client) *DialogueHandler {
	return &DialogueHandler{manager: manager, db: db}
}

// StartDialogue creates a session. The response carries the canonical
// welcome utterance; the client submits it as the first message over
// the stream so the figure introduces itself.
func (h *DialogueHandler) StartDialogue(c *fiber.Ctx) error {
	var req struct {
		FigureID string `json:"figure_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.FigureID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "figure_id is required",
		})
	}

	session, welcome, err := h.manager.StartDialogue(auth.UserID(c), req.FigureID)
	if err != nil {
		logger.Error("Failed to start dialogue", zap.String("figure_id", req.FigureID), zap.Error(err))
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Figure not found",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"session":           sessionJSON(session),
		"welcome_utterance": welcome,
	})
}

// ListSessions returns the caller's sessions, optionally filtered by
// figure.
func (h *DialogueHandler) ListSessions(c *fiber.Ctx) error {
	userID := auth.UserID(c)

	var (
		sessions []models.DialogueSession
		err      error
	)
	if figureID := c.Query("figure_id"); figureID != "" {
		sessions, err = h.db.ListSessionsForFigure(userID, figureID)
	} else {
		limit := c.QueryInt("limit", 20)
		if limit < 1 || limit > 100 {
			limit = 20
		}
		sessions, err = h.db.ListRecentSessions(userID, limit)
	}
	if err != nil {
		logger.Error("Failed to list sessions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load sessions",
		})
	}

	out := make([]fiber.Map, len(sessions))
	for i := range sessions {
		out[i] = sessionJSON(&sessions[i])
	}

	return c.JSON(fiber.Map{"sessions": out})
}

// GetTurns returns the full transcript of one session, citations
// included.
func (h *DialogueHandler) GetTurns(c *fiber.Ctx) error {
	session, err := h.db.GetSession(c.Params("id"))
	if err != nil || session.UserID != auth.UserID(c) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Session not found",
		})
	}

	turns, err := h.db.GetTurnsForSession(session.ID)
	if err != nil {
		logger.Error("Failed to load turns", zap.String("session_id", session.ID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load dialogue history",
		})
	}

	out := make([]fiber.Map, len(turns))
	for i := range turns {
		out[i] = turnJSON(&turns[i])
	}

	return c.JSON(fiber.Map{
		"session": sessionJSON(session),
		"turns":   out,
	})
}

func sessionJSON(s *models.DialogueSession) fiber.Map {
	return fiber.Map{
		"id":         s.ID,
		"figure_id":  s.FigureID,
		"created_at": s.CreatedAt.Format(time.RFC3339),
	}
}

func turnJSON(t *models.Turn) fiber.Map {
	citations := make([]fiber.Map, len(t.Citations))
	for i, cit := range t.Citations {
		citations[i] = fiber.Map{
			"span_start":     cit.SpanStart,
			"span_end":       cit.SpanEnd,
			"passage_id":     cit.PassageID,
			"doc_id":         cit.DocID,
			"document_title": cit.DocumentTitle,
			"quote":          cit.Quote,
		}
	}

	return fiber.Map{
		"id":           t.ID,
		"utterance":    t.Utterance,
		"response":     t.Response,
		"grounded":     t.Grounded,
		"insufficient": t.Insufficient,
		"citations":    citations,
		"latency_ms":   t.LatencyMS,
		"created_at":   t.CreatedAt.Format(time.RFC3339),
	}
}
