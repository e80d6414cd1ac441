package models

import "time"

// Figure is a curated historical persona. Immutable after curation;
// rows are seeded by the editorial ingestion process, never by the engine.
type Figure struct {
	ID          string
	Name        string
	Title       string
	Era         string
	Avatar      string
	Description string
	Bio         string
	// Featured figures surface on the landing catalog.
	Featured bool
	// Persona style directives fed to the generation backend.
	StyleDirectives      string
	ForbiddenAnachronism []string
	DocumentIDs          []string
}

// SourceDocument is one primary-source text owned by a figure.
type SourceDocument struct {
	ID        string
	FigureID  string
	Title     string
	Author    string
	Date      string
	Edition   string
	RawText   string
	CreatedAt time.Time
}

// Passage is an indexed chunk of a SourceDocument. Consecutive passages
// overlap slightly; the embedding is computed once at ingestion.
type Passage struct {
	ID       string
	DocID    string
	FigureID string
	Ordinal  int
	Text     string
	Section  string
}

type DialogueSession struct {
	ID        string
	UserID    string
	FigureID  string
	CreatedAt time.Time
}

// Turn is one user utterance plus the agent response. A Turn is durable
// only after its stream has terminated.
type Turn struct {
	ID        string
	SessionID string
	Utterance string
	Response  string
	Grounded  bool
	// Insufficient marks the fixed no-evidence fallback response.
	Insufficient bool
	Citations    []Citation
	LatencyMS    int
	CreatedAt    time.Time
}

// Citation links a span of response text to a verbatim quote inside a
// passage. Quote must be a substring of the passage text.
type Citation struct {
	ID            string
	TurnID        string
	PassageID     string
	DocID         string
	DocumentTitle string
	SpanStart     int
	SpanEnd       int
	Quote         string
}
