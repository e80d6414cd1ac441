// Package dialogue holds the error taxonomy shared across the dialogue
// engine. Infra failures are never surfaced to the user verbatim; the
// agent translates them into the persona-neutral fallback message.
package dialogue

import "errors"

// InsufficientEvidenceMessage is the fixed persona-neutral fallback
// emitted when the archive holds no relevant material or a backend
// failure exhausted its retry. The two cases read identically to the
// user; FailureKind separates them for operators.
const InsufficientEvidenceMessage = "I have searched the archive entrusted to me, yet I find no passage that speaks to this matter. Ask me of things my own writings record, and I shall answer from them."

var (
	// ErrRetrievalUnavailable means the passage index or embedding
	// backend is down. Retried once, then the turn degrades to the
	// insufficient-evidence fallback.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrGenerationUnavailable means the generation backend is down.
	// Same degradation policy as retrieval.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrSessionConflict is returned synchronously when a new utterance
	// arrives while a prior turn's stream is still open on the session.
	ErrSessionConflict = errors.New("session already has a turn in flight")

	// ErrSessionNotFound is a caller-visible lookup failure.
	ErrSessionNotFound = errors.New("dialogue session not found")

	// ErrCitationValidation marks a single evidence marker whose quote
	// is not verbatim in its claimed passage. Non-fatal per marker.
	ErrCitationValidation = errors.New("citation validation failed")
)

// FailureKind distinguishes why a turn ended Insufficient, for
// observability only. The user-visible message never varies with it.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNoEvidence
	FailureBackend
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureNoEvidence:
		return "no_evidence"
	case FailureBackend:
		return "backend"
	default:
		return "unknown"
	}
}
