package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/agent"
	"github.com/thucydides-app/backend/internal/dialogue"
	"github.com/thucydides-app/backend/internal/middleware/validation"
	"github.com/thucydides-app/backend/internal/stream"
	"github.com/thucydides-app/backend/pkg/logger"
)

// StreamHandler carries dialogue turns over a websocket. One
// connection serves one client; sessions are addressed per message, so
// a client may interleave turns across different sessions.
type StreamHandler struct {
	manager      *agent.Manager
	showDrafts   bool
	maxUtterance int
	turnTimeout  time.Duration
}

func NewStreamHandler(manager *agent.Manager, showDrafts bool, maxUtterance int) *StreamHandler {
	return &StreamHandler{
		manager:      manager,
		showDrafts:   showDrafts,
		maxUtterance: maxUtterance,
		turnTimeout:  2 * time.Minute,
	}
}

type inboundMessage struct {
	Type             string `json:"type"`
	SessionID        string `json:"session_id"`
	FigureID         string `json:"figure_id"`
	Content          string `json:"content"`
	BroaderKnowledge bool   `json:"broader_knowledge"`
}

// jsonConn is the slice of the websocket connection the handler uses.
type jsonConn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
}

// lockedConn serializes writes. Turns run off the read loop, so the
// turn goroutine and the loop's own error replies share the socket.
type lockedConn struct {
	mu   sync.Mutex
	conn jsonConn
}

func (l *lockedConn) WriteJSON(v interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.WriteJSON(v)
}

func (h *StreamHandler) HandleConnection(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)

	logger.Info("Stream connection established", zap.String("user_id", userID))
	h.serve(c, userID)
	c.Close()
	logger.Info("Stream connection closed", zap.String("user_id", userID))
}

// serve pumps the read loop. Turns run in a goroutine so the loop keeps
// reading while generation streams; a disconnect then surfaces as a
// read error and cancels the in-flight turn instead of letting the
// generation call run to completion against a dead socket.
func (h *StreamHandler) serve(c jsonConn, userID string) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := &lockedConn{conn: c}

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	// One turn in flight per connection; same-session conflicts are
	// rejected deeper in the manager regardless.
	inFlight := make(chan struct{}, 1)

	for {
		var msg inboundMessage
		if err := c.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Stream read failed", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "start", "message":
		default:
			// Unknown types are skipped so protocol additions stay
			// backward compatible.
			continue
		}

		select {
		case inFlight <- struct{}{}:
		default:
			stream.NewWriter(conn, h.showDrafts).Error("A response is already in progress")
			continue
		}

			wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-inFlight }()

			if msg.Type == "start" {
				h.handleStart(ctx, conn, userID, msg)
			} else {
				h.handleMessage(ctx, conn, userID, msg)
			}
		}()
	}
}

// handleStart creates a session and immediately runs the welcome turn,
// so the figure introduces itself before the user types anything.
func (h *StreamHandler) handleStart(ctx context.Context, conn *lockedConn, userID string, msg inboundMessage) {
	writer := stream.NewWriter(conn, h.showDrafts)

	if msg.FigureID == "" {
		writer.Error("figure_id is required")
		return
	}

	session, welcome, err := h.manager.StartDialogue(userID, msg.FigureID)
	if err != nil {
		logger.Warn("Failed to start dialogue", zap.String("figure_id", msg.FigureID), zap.Error(err))
		writer.Error("Figure not found")
		return
	}

	if err := conn.WriteJSON(map[string]interface{}{
		"type":       "session_started",
		"session_id": session.ID,
		"figure_id":  session.FigureID,
	}); err != nil {
		return
	}

	h.runTurn(ctx, writer, userID, session.ID, welcome, false)
}

func (h *StreamHandler) handleMessage(ctx context.Context, conn *lockedConn, userID string, msg inboundMessage) {
	writer := stream.NewWriter(conn, h.showDrafts)

	if msg.SessionID == "" {
		writer.Error("session_id is required")
		return
	}
	if reason := validation.CheckUtterance(msg.Content, h.maxUtterance); reason != "" {
		writer.Error(reason)
		return
	}

	h.runTurn(ctx, writer, userID, msg.SessionID, msg.Content, msg.BroaderKnowledge)
}

func (h *StreamHandler) runTurn(ctx context.Context, writer *stream.Writer, userID, sessionID, utterance string, broaderKnowledge bool) {
	ctx, cancel := context.WithTimeout(ctx, h.turnTimeout)
	defer cancel()

	_, err := h.manager.SubmitTurn(ctx, userID, sessionID, utterance, broaderKnowledge, writer)
	if err == nil {
		return
	}

	logger.Warn("Turn failed",
		zap.String("session_id", sessionID),
		zap.Error(err),
	)

	switch {
	case errors.Is(err, dialogue.ErrSessionConflict):
		writer.Error("A response is already in progress for this session")
	case errors.Is(err, dialogue.ErrSessionNotFound):
		writer.Error("Session not found")
	case errors.Is(err, context.Canceled):
		// The client is gone; there is nobody to write to.
	case errors.Is(err, context.DeadlineExceeded):
		writer.Error("The response took too long and was cancelled")
	default:
		writer.Error("Failed to process message")
	}
}
