package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thucydides-app/backend/internal/agent"
	"github.com/thucydides-app/backend/internal/llm"
	"github.com/thucydides-app/backend/internal/persona"
	"github.com/thucydides-app/backend/internal/retrieval"
	"github.com/thucydides-app/backend/internal/storage/models"
)

// scriptedConn feeds ReadJSON from a channel of messages and errors,
// standing in for the websocket during turn lifecycle tests.
type scriptedConn struct {
	reads chan interface{}

	mu     sync.Mutex
	writes []interface{}
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{reads: make(chan interface{})}
}

func (c *scriptedConn) ReadJSON(v interface{}) error {
	item, ok := <-c.reads
	if !ok {
		return errors.New("connection closed")
	}
	switch x := item.(type) {
	case error:
		return x
	case inboundMessage:
		*(v.(*inboundMessage)) = x
		return nil
	}
	return errors.New("unexpected scripted read")
}

func (c *scriptedConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, v)
	return nil
}

// hangingRetriever parks until its context is cancelled, reporting the
// cancellation cause so the test can observe it.
type hangingRetriever struct {
	started chan struct{}
	ctxErr  chan error
	once    sync.Once
}

func (r *hangingRetriever) Baseline(text, figureID string) retrieval.Query {
	return retrieval.Query{Text: text, FigureID: figureID, TopK: 8, MinScore: 0.25}
}

func (r *hangingRetriever) Retrieve(ctx context.Context, q retrieval.Query, recentTurns []models.Turn) ([]retrieval.ScoredPassage, error) {
	r.once.Do(func() { close(r.started) })
	<-ctx.Done()
	r.ctxErr <- ctx.Err()
	return nil, ctx.Err()
}

type noopSynthesizer struct{}

func (noopSynthesizer) Synthesize(ctx context.Context, figure *models.Figure, history []models.Turn, evidence []models.Passage, utterance string, broaderKnowledge bool, onDelta llm.DeltaFunc) (string, []persona.EvidenceMarker, error) {
	return "", nil, nil
}

type stubStore struct {
	mu       sync.Mutex
	session  *models.DialogueSession
	figure   *models.Figure
	inserted int
}

func (s *stubStore) CreateSession(session *models.DialogueSession) error { return nil }

func (s *stubStore) GetSession(id string) (*models.DialogueSession, error) {
	if s.session != nil && s.session.ID == id {
		return s.session, nil
	}
	return nil, errors.New("no such session")
}

func (s *stubStore) GetFigure(id string) (*models.Figure, error) {
	if s.figure != nil && s.figure.ID == id {
		return s.figure, nil
	}
	return nil, errors.New("no such figure")
}

func (s *stubStore) GetTurnsForSession(sessionID string) ([]models.Turn, error) { return nil, nil }

func (s *stubStore) InsertTurn(turn *models.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted++
	return nil
}

func TestDisconnectCancelsInFlightTurn(t *testing.T) {
	retr := &hangingRetriever{
		started: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	store := &stubStore{
		session: &models.DialogueSession{ID: "sess-1", UserID: "u1", FigureID: "thucydides"},
		figure:  &models.Figure{ID: "thucydides", Name: "Thucydides"},
	}
	manager := agent.NewManager(agent.NewAgent(retr, noopSynthesizer{}, nil, agent.Config{}), store)
	h := NewStreamHandler(manager, false, 0)

	conn := newScriptedConn()
	served := make(chan struct{})
	go func() {
		h.serve(conn, "u1")
		close(served)
	}()

	conn.reads <- inboundMessage{Type: "message", SessionID: "sess-1", Content: "What of the plague?"}

	select {
	case <-retr.started:
	case <-time.After(5 * time.Second):
		t.Fatal("turn never reached retrieval")
	}

	// Client drops mid-generation.
	conn.reads <- errors.New("connection reset")

	select {
	case err := <-retr.ctxErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("generation was never cancelled")
	}

	select {
	case <-served:
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after disconnect")
	}

	// The cancelled turn never finalized, so nothing was persisted.
	assert.Zero(t, store.inserted)
}

func TestSecondTurnWhileBusyIsRejected(t *testing.T) {
	retr := &hangingRetriever{
		started: make(chan struct{}),
		ctxErr:  make(chan error, 1),
	}
	store := &stubStore{
		session: &models.DialogueSession{ID: "sess-1", UserID: "u1", FigureID: "thucydides"},
		figure:  &models.Figure{ID: "thucydides", Name: "Thucydides"},
	}
	manager := agent.NewManager(agent.NewAgent(retr, noopSynthesizer{}, nil, agent.Config{}), store)
	h := NewStreamHandler(manager, false, 0)

	conn := newScriptedConn()
	served := make(chan struct{})
	go func() {
		h.serve(conn, "u1")
		close(served)
	}()

	conn.reads <- inboundMessage{Type: "message", SessionID: "sess-1", Content: "first"}
	<-retr.started

	// The read loop keeps pumping while the first turn runs.
	conn.reads <- inboundMessage{Type: "message", SessionID: "sess-1", Content: "second"}

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.writes) > 0
	}, 5*time.Second, 10*time.Millisecond, "busy reply never sent")

	conn.reads <- errors.New("connection reset")
	<-served
}
