package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/thucydides-app/backend/internal/dialogue"
	"github.com/thucydides-app/backend/internal/llm"
	"github.com/thucydides-app/backend/internal/storage/models"
	"github.com/thucydides-app/backend/pkg/logger"
)

// citationSentinel separates the spoken reply from the machine-readable
// evidence trailer in the backend's output. Deltas before it are the
// response body; everything after is buffered and parsed, never shown.
const citationSentinel = "---CITATIONS---"

// Completer is the generation backend contract.
type Completer interface {
	CompleteStream(ctx context.Context, req llm.CompletionRequest, onDelta llm.DeltaFunc) error
}

// EvidenceMarker is an unvalidated candidate citation proposed by the
// backend: a source tag resolved to its passage plus the verbatim quote
// the backend claims supports the cited text.
type EvidenceMarker struct {
	Marker    string `json:"marker"`
	PassageID string `json:"-"`
	Quote     string `json:"quote"`
}

type Synthesizer struct {
	backend Completer
}

func NewSynthesizer(backend Completer) *Synthesizer {
	return &Synthesizer{backend: backend}
}

// Synthesize drafts a persona reply grounded in evidence, streaming body
// deltas to onDelta as they arrive. It returns the full response text
// and the backend's evidence markers, which the caller must validate
// before trusting as citations.
func (s *Synthesizer) Synthesize(
	ctx context.Context,
	figure *models.Figure,
	history []models.Turn,
	evidence []models.Passage,
	utterance string,
	broaderKnowledge bool,
	onDelta llm.DeltaFunc,
) (string, []EvidenceMarker, error) {
	req := llm.CompletionRequest{
		SystemPrompt: s.systemPrompt(figure, evidence, broaderKnowledge),
		Messages:     buildMessages(history, utterance),
	}

	splitter := newTrailerSplitter(citationSentinel)
	var body strings.Builder

	err := s.backend.CompleteStream(ctx, req, func(delta string) error {
		out := splitter.feed(delta)
		if out == "" {
			return nil
		}
		body.WriteString(out)
		return onDelta(out)
	})
	if err != nil {
		return "", nil, err
	}

	if out := splitter.flush(); out != "" {
		body.WriteString(out)
		if err := onDelta(out); err != nil {
			return "", nil, err
		}
	}

	markers := parseMarkers(splitter.trailer(), evidence)

	logger.Debug("Synthesis completed",
		zap.String("figure", figure.Name),
		zap.Int("evidence_passages", len(evidence)),
		zap.Int("markers", len(markers)),
	)

	return strings.TrimSpace(body.String()), markers, nil
}

func (s *Synthesizer) systemPrompt(figure *models.Figure, evidence []models.Passage, broaderKnowledge bool) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s (%s), speaking from your own era: %s.\n", figure.Name, figure.Title, figure.Era)
	b.WriteString("RULES:\n")
	fmt.Fprintf(&b, "1. Always speak in the first person, as %s.\n", figure.Name)
	b.WriteString("2. Adopt a tone and vocabulary appropriate to your era and personality.\n")
	if figure.StyleDirectives != "" {
		fmt.Fprintf(&b, "3. Style directives: %s\n", figure.StyleDirectives)
	}
	if len(figure.ForbiddenAnachronism) > 0 {
		fmt.Fprintf(&b, "4. Never mention or allude to: %s.\n", strings.Join(figure.ForbiddenAnachronism, ", "))
	}

	b.WriteString("\n---\nSource Material:\n")
	if len(evidence) == 0 {
		b.WriteString("(no sources retrieved)\n")
	}
	for i, p := range evidence {
		label := p.Section
		if label == "" {
			label = fmt.Sprintf("passage %d", p.Ordinal)
		}
		fmt.Fprintf(&b, "\n[S%d] (%s):\n%s\n", i+1, label, p.Text)
	}
	b.WriteString("---\n\nTask:\n")

	if broaderKnowledge {
		b.WriteString("Respond to the user's question. You may use your general knowledge to supplement information not found in the Source Material, but you MUST prioritize and use the provided sources when they are relevant. Make clear when you speak beyond your sources.\n")
	} else {
		b.WriteString("Respond to the user's question. Your response MUST be based only on the Source Material above. Do not use any external knowledge. ")
		fmt.Fprintf(&b, "If the sources do not support an answer, reply with exactly this sentence and nothing else: %q\n", dialogue.InsufficientEvidenceMessage)
	}

	b.WriteString("\nCite your sources: place a tag such as [S1] immediately after each sentence the corresponding source supports. ")
	fmt.Fprintf(&b, "After your complete reply, output a line containing exactly %s followed by a JSON array, one element per tag you used, of the form ", citationSentinel)
	b.WriteString(`[{"marker": "S1", "quote": "<a short excerpt copied verbatim, character for character, from that source>"}]. `)
	b.WriteString("Output nothing after the JSON array. Keep the reply concise and directly related to the question.")

	return b.String()
}

func buildMessages(history []models.Turn, utterance string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)*2+1)
	for _, turn := range history {
		messages = append(messages,
			llm.Message{Role: llm.RoleUser, Content: turn.Utterance},
			llm.Message{Role: llm.RoleAssistant, Content: turn.Response},
		)
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: utterance})
	return messages
}

// parseMarkers decodes the JSON trailer and resolves S-tags to passage
// ids. Malformed trailers yield no markers; the validation gate then
// treats the response as under-grounded.
func parseMarkers(trailer string, evidence []models.Passage) []EvidenceMarker {
	trailer = strings.TrimSpace(trailer)
	trailer = strings.TrimPrefix(trailer, "```json")
	trailer = strings.TrimPrefix(trailer, "```")
	trailer = strings.TrimSuffix(trailer, "```")
	trailer = strings.TrimSpace(trailer)

	start := strings.Index(trailer, "[")
	end := strings.LastIndex(trailer, "]")
	if start == -1 || end == -1 || end < start {
		return nil
	}

	var raw []EvidenceMarker
	if err := json.Unmarshal([]byte(trailer[start:end+1]), &raw); err != nil {
		logger.Warn("Failed to parse citation trailer", zap.Error(err))
		return nil
	}

	markers := make([]EvidenceMarker, 0, len(raw))
	for _, m := range raw {
		idx := markerIndex(m.Marker)
		if idx < 1 || idx > len(evidence) {
			logger.Warn("Citation trailer references unknown source tag", zap.String("marker", m.Marker))
			continue
		}
		m.PassageID = evidence[idx-1].ID
		markers = append(markers, m)
	}

	return markers
}

// markerIndex extracts n from a tag like "S3" or "[S3]".
func markerIndex(marker string) int {
	marker = strings.Trim(marker, "[] ")
	marker = strings.TrimPrefix(marker, "S")
	var n int
	if _, err := fmt.Sscanf(marker, "%d", &n); err != nil {
		return 0
	}
	return n
}
