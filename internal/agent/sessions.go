package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/dialogue"
	"github.com/thucydides-app/backend/internal/metrics"
	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/pkg/logger"
)

// SessionStore is the persistence surface the manager needs. The
// sqlite client satisfies it.
type SessionStore interface {
	CreateSession(session *models.DialogueSession) error
	GetSession(id string) (*models.DialogueSession, error)
	GetFigure(id string) (*models.Figure, error)
	GetTurnsForSession(sessionID string) ([]models.Turn, error)
	InsertTurn(turn *models.Turn) error
}

// Manager serializes turn processing per session and owns session
// lifecycle. At most one turn per session is in flight at a time;
// concurrent submissions are rejected, not queued.
type Manager struct {
	agent *Agent
	store SessionStore

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewManager(agent *Agent, store SessionStore) *Manager {
	return &Manager{
		agent:    agent,
		store:    store,
		inFlight: make(map[string]bool),
	}
}

// WelcomeUtterance is the canonical opening turn sent on behalf of the
// user when a dialogue starts.
func WelcomeUtterance(figure *models.Figure) string {
	return fmt.Sprintf("Please introduce yourself, %s.", figure.Name)
}

// StartDialogue creates a session for the user and figure. The caller
// submits the returned welcome utterance as the session's first turn.
func (m *Manager) StartDialogue(userID, figureID string) (*models.DialogueSession, string, error) {
	figure, err := m.store.GetFigure(figureID)
	if err != nil {
		return nil, "", fmt.Errorf("unknown figure %q: %w", figureID, err)
	}

	session := &models.DialogueSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		FigureID:  figure.ID,
		CreatedAt: time.Now(),
	}
	if err := m.store.CreateSession(session); err != nil {
		return nil, "", fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info("Dialogue started",
		zap.String("session_id", session.ID),
		zap.String("figure_id", figure.ID),
	)

	return session, WelcomeUtterance(figure), nil
}

// SubmitTurn runs one turn end to end: ownership check, history load,
// agent processing, persistence. The turn is persisted only after its
// stream terminated normally; a cancelled or failed turn leaves no row.
func (m *Manager) SubmitTurn(ctx context.Context, userID, sessionID, utterance string, broaderKnowledge bool, sink StreamSink) (*models.Turn, error) {
	if !m.acquire(sessionID) {
		metrics.SessionConflicts.Inc()
		return nil, dialogue.ErrSessionConflict
	}
	defer m.release(sessionID)

	session, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, dialogue.ErrSessionNotFound
	}
	if session.UserID != userID {
		// Foreign sessions look absent, not forbidden.
		return nil, dialogue.ErrSessionNotFound
	}

	figure, err := m.store.GetFigure(session.FigureID)
	if err != nil {
		return nil, fmt.Errorf("failed to load figure for session: %w", err)
	}

	history, err := m.store.GetTurnsForSession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load dialogue history: %w", err)
	}

	turn, err := m.agent.ProcessTurn(ctx, TurnRequest{
		Session:          session,
		Figure:           figure,
		History:          history,
		Utterance:        utterance,
		BroaderKnowledge: broaderKnowledge,
	}, sink)
	if err != nil {
		return nil, err
	}

	turn.ID = uuid.NewString()
	if err := m.store.InsertTurn(turn); err != nil {
		// The response already streamed; losing the row is an
		// operational problem, not a turn failure.
		logger.Error("Failed to persist turn",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}

	return turn, nil
}

func (m *Manager) acquire(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[sessionID] {
		return false
	}
	m.inFlight[sessionID] = true
	return true
}

func (m *Manager) release(sessionID string) {
	m.mu.Lock()
	delete(m.inFlight, sessionID)
	m.mu.Unlock()
}
