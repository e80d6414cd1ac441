package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/pkg/logger"
)

// Client is the durable-storage collaborator. The engine hands it
// completed Turns; it never sees in-flight stream state.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS figures (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		title TEXT,
		era TEXT,
		avatar TEXT,
		description TEXT,
		bio TEXT,
		featured INTEGER NOT NULL DEFAULT 0,
		style_directives TEXT,
		forbidden_anachronisms TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_figures_name ON figures(name);

	CREATE TABLE IF NOT EXISTS source_documents (
		id TEXT PRIMARY KEY,
		figure_id TEXT NOT NULL,
		title TEXT NOT NULL,
		author TEXT,
		date TEXT,
		edition TEXT,
		raw_text TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (figure_id) REFERENCES figures(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_documents_figure ON source_documents(figure_id);

	CREATE TABLE IF NOT EXISTS passages (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		figure_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		text TEXT NOT NULL,
		section TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (doc_id) REFERENCES source_documents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_passages_doc ON passages(doc_id, ordinal);
	CREATE INDEX IF NOT EXISTS idx_passages_figure ON passages(figure_id);

	CREATE TABLE IF NOT EXISTS dialogue_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		figure_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (figure_id) REFERENCES figures(id)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON dialogue_sessions(user_id, figure_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON dialogue_sessions(created_at);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		utterance TEXT NOT NULL,
		response TEXT NOT NULL,
		grounded INTEGER NOT NULL DEFAULT 1,
		insufficient INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES dialogue_sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, created_at);

	CREATE TABLE IF NOT EXISTS citations (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL,
		passage_id TEXT NOT NULL,
		doc_id TEXT,
		document_title TEXT,
		span_start INTEGER NOT NULL,
		span_end INTEGER NOT NULL,
		quote TEXT NOT NULL,
		FOREIGN KEY (turn_id) REFERENCES turns(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_citations_turn ON citations(turn_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) InsertFigure(figure *models.Figure) error {
	anachronismsJSON, _ := json.Marshal(figure.ForbiddenAnachronism)

	featured := 0
	if figure.Featured {
		featured = 1
	}

	query := `
		INSERT INTO figures (id, name, title, era, avatar, description, bio, featured, style_directives, forbidden_anachronisms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			bio = excluded.bio,
			featured = excluded.featured,
			style_directives = excluded.style_directives,
			forbidden_anachronisms = excluded.forbidden_anachronisms
	`

	_, err := c.db.Exec(
		query,
		figure.ID,
		figure.Name,
		figure.Title,
		figure.Era,
		figure.Avatar,
		figure.Description,
		figure.Bio,
		featured,
		figure.StyleDirectives,
		string(anachronismsJSON),
		time.Now().Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert figure: %w", err)
	}

	logger.Debug("Figure inserted", zap.String("figure_id", figure.ID), zap.String("name", figure.Name))
	return nil
}

func (c *Client) GetFigure(id string) (*models.Figure, error) {
	query := `SELECT id, name, title, era, avatar, description, bio, featured, style_directives, forbidden_anachronisms FROM figures WHERE id = ?`

	var f models.Figure
	var featured int
	var anachronismsJSON string

	err := c.db.QueryRow(query, id).Scan(
		&f.ID,
		&f.Name,
		&f.Title,
		&f.Era,
		&f.Avatar,
		&f.Description,
		&f.Bio,
		&featured,
		&f.StyleDirectives,
		&anachronismsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get figure: %w", err)
	}

	f.Featured = featured == 1
	json.Unmarshal([]byte(anachronismsJSON), &f.ForbiddenAnachronism)

	docIDs, err := c.documentIDsForFigure(id)
	if err != nil {
		return nil, err
	}
	f.DocumentIDs = docIDs

	return &f, nil
}

func (c *Client) ListFigures(limit int) ([]models.Figure, error) {
	query := `SELECT id, name, title, era, avatar, description, featured FROM figures ORDER BY name`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	return c.scanFigures(query, args...)
}

// ListFeaturedFigures returns the editorial picks for the landing catalog.
func (c *Client) ListFeaturedFigures() ([]models.Figure, error) {
	query := `SELECT id, name, title, era, avatar, description, featured FROM figures WHERE featured = 1 ORDER BY name`
	return c.scanFigures(query)
}

func (c *Client) scanFigures(query string, args ...interface{}) ([]models.Figure, error) {
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list figures: %w", err)
	}
	defer rows.Close()

	var figures []models.Figure
	for rows.Next() {
		var f models.Figure
		var featured int
		err := rows.Scan(&f.ID, &f.Name, &f.Title, &f.Era, &f.Avatar, &f.Description, &featured)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		f.Featured = featured == 1
		figures = append(figures, f)
	}

	return figures, rows.Err()
}

func (c *Client) documentIDsForFigure(figureID string) ([]string, error) {
	rows, err := c.db.Query(`SELECT id FROM source_documents WHERE figure_id = ? ORDER BY created_at`, figureID)
	if err != nil {
		return nil, fmt.Errorf("failed to list document ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *Client) InsertDocument(doc *models.SourceDocument) error {
	query := `
		INSERT INTO source_documents (id, figure_id, title, author, date, edition, raw_text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.Exec(
		query,
		doc.ID,
		doc.FigureID,
		doc.Title,
		doc.Author,
		doc.Date,
		doc.Edition,
		doc.RawText,
		doc.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Source document inserted", zap.String("doc_id", doc.ID), zap.String("title", doc.Title))
	return nil
}

func (c *Client) GetDocument(id string) (*models.SourceDocument, error) {
	query := `SELECT id, figure_id, title, author, date, edition, created_at FROM source_documents WHERE id = ?`

	var doc models.SourceDocument
	var createdAt int64

	err := c.db.QueryRow(query, id).Scan(
		&doc.ID,
		&doc.FigureID,
		&doc.Title,
		&doc.Author,
		&doc.Date,
		&doc.Edition,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.CreatedAt = time.Unix(createdAt, 0)
	return &doc, nil
}

// DocumentTitle returns the title of a source document, or an empty string
// when the document is unknown. Missing titles are not an error: a citation
// manifest is still usable without them.
func (c *Client) DocumentTitle(docID string) (string, error) {
	var title string
	err := c.db.QueryRow(`SELECT title FROM source_documents WHERE id = ?`, docID).Scan(&title)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up document title: %w", err)
	}
	return title, nil
}

func (c *Client) InsertPassage(passage *models.Passage) error {
	query := `INSERT INTO passages (id, doc_id, figure_id, ordinal, text, section, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := c.db.Exec(
		query,
		passage.ID,
		passage.DocID,
		passage.FigureID,
		passage.Ordinal,
		passage.Text,
		passage.Section,
		time.Now().Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to insert passage: %w", err)
	}

	return nil
}

func (c *Client) CreateSession(session *models.DialogueSession) error {
	query := `INSERT INTO dialogue_sessions (id, user_id, figure_id, created_at) VALUES (?, ?, ?, ?)`

	_, err := c.db.Exec(query, session.ID, session.UserID, session.FigureID, session.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logger.Info("Dialogue session created",
		zap.String("session_id", session.ID),
		zap.String("figure_id", session.FigureID),
	)
	return nil
}

func (c *Client) GetSession(id string) (*models.DialogueSession, error) {
	query := `SELECT id, user_id, figure_id, created_at FROM dialogue_sessions WHERE id = ?`

	var s models.DialogueSession
	var createdAt int64

	err := c.db.QueryRow(query, id).Scan(&s.ID, &s.UserID, &s.FigureID, &createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}

	s.CreatedAt = time.Unix(createdAt, 0)
	return &s, nil
}

func (c *Client) ListSessionsForFigure(userID, figureID string) ([]models.DialogueSession, error) {
	query := `
		SELECT id, user_id, figure_id, created_at
		FROM dialogue_sessions
		WHERE user_id = ? AND figure_id = ?
		ORDER BY created_at DESC
	`

	return c.scanSessions(query, userID, figureID)
}

// ListRecentSessions returns the most recent session per figure for a user.
func (c *Client) ListRecentSessions(userID string, limit int) ([]models.DialogueSession, error) {
	query := `
		SELECT s.id, s.user_id, s.figure_id, s.created_at
		FROM dialogue_sessions s
		JOIN (
			SELECT figure_id, MAX(created_at) AS max_created
			FROM dialogue_sessions
			WHERE user_id = ?
			GROUP BY figure_id
		) latest ON s.figure_id = latest.figure_id AND s.created_at = latest.max_created
		WHERE s.user_id = ?
		ORDER BY s.created_at DESC
		LIMIT ?
	`

	return c.scanSessions(query, userID, userID, limit)
}

func (c *Client) scanSessions(query string, args ...interface{}) ([]models.DialogueSession, error) {
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.DialogueSession
	for rows.Next() {
		var s models.DialogueSession
		var createdAt int64

		err := rows.Scan(&s.ID, &s.UserID, &s.FigureID, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		s.CreatedAt = time.Unix(createdAt, 0)
		sessions = append(sessions, s)
	}

	return sessions, rows.Err()
}

// InsertTurn persists a completed turn together with its citations in one
// transaction, so a crash never leaves citations without their turn.
func (c *Client) InsertTurn(turn *models.Turn) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	grounded := 0
	if turn.Grounded {
		grounded = 1
	}
	insufficient := 0
	if turn.Insufficient {
		insufficient = 1
	}

	_, err = tx.Exec(
		`INSERT INTO turns (id, session_id, utterance, response, grounded, insufficient, latency_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID,
		turn.SessionID,
		turn.Utterance,
		turn.Response,
		grounded,
		insufficient,
		turn.LatencyMS,
		turn.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	for _, cit := range turn.Citations {
		_, err = tx.Exec(
			`INSERT INTO citations (id, turn_id, passage_id, doc_id, document_title, span_start, span_end, quote)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cit.ID,
			turn.ID,
			cit.PassageID,
			cit.DocID,
			cit.DocumentTitle,
			cit.SpanStart,
			cit.SpanEnd,
			cit.Quote,
		)
		if err != nil {
			return fmt.Errorf("failed to insert citation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}

	logger.Info("Turn persisted",
		zap.String("turn_id", turn.ID),
		zap.String("session_id", turn.SessionID),
		zap.Int("citations", len(turn.Citations)),
	)
	return nil
}

func (c *Client) GetTurnsForSession(sessionID string) ([]models.Turn, error) {
	query := `
		SELECT id, session_id, utterance, response, grounded, insufficient, latency_ms, created_at
		FROM turns
		WHERE session_id = ?
		ORDER BY created_at ASC
	`

	rows, err := c.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		var t models.Turn
		var grounded, insufficient int
		var createdAt int64

		err := rows.Scan(&t.ID, &t.SessionID, &t.Utterance, &t.Response, &grounded, &insufficient, &t.LatencyMS, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		t.Grounded = grounded == 1
		t.Insufficient = insufficient == 1
		t.CreatedAt = time.Unix(createdAt, 0)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range turns {
		citations, err := c.citationsForTurn(turns[i].ID)
		if err != nil {
			return nil, err
		}
		turns[i].Citations = citations
	}

	return turns, nil
}

func (c *Client) citationsForTurn(turnID string) ([]models.Citation, error) {
	query := `
		SELECT id, turn_id, passage_id, doc_id, document_title, span_start, span_end, quote
		FROM citations
		WHERE turn_id = ?
		ORDER BY span_start ASC
	`

	rows, err := c.db.Query(query, turnID)
	if err != nil {
		return nil, fmt.Errorf("failed to get citations: %w", err)
	}
	defer rows.Close()

	var citations []models.Citation
	for rows.Next() {
		var cit models.Citation
		err := rows.Scan(&cit.ID, &cit.TurnID, &cit.PassageID, &cit.DocID, &cit.DocumentTitle, &cit.SpanStart, &cit.SpanEnd, &cit.Quote)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		citations = append(citations, cit)
	}

	return citations, rows.Err()
}
