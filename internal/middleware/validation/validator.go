package validation

import (
	"strings"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"
)

type Config struct {
	// MaxUtteranceLength bounds one user message, in bytes.
	MaxUtteranceLength int
	// MaxDocumentSize bounds an uploaded source text, in bytes.
	MaxDocumentSize int
}

// Middleware enforces request shape limits before handlers run. It
// rejects oversized payloads and non-JSON bodies; field-level checks
// stay in the handlers that own the fields.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxUtteranceLength == 0 {
		cfg.MaxUtteranceLength = 2000
	}
	if cfg.MaxDocumentSize == 0 {
		cfg.MaxDocumentSize = 10 * 1024 * 1024
	}

	return func(c *fiber.Ctx) error {
		if c.Method() != fiber.MethodPost && c.Method() != fiber.MethodPut {
			return c.Next()
		}

		if ct := c.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		if strings.Contains(c.Path(), "/documents") {
			if len(c.Body()) > cfg.MaxDocumentSize {
				return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
					"error": "Document exceeds maximum size",
				})
			}
			return c.Next()
		}

		if len(c.Body()) > cfg.MaxUtteranceLength*4 {
			return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
				"error": "Request body too large",
			})
		}

		return c.Next()
	}
}

// CheckUtterance validates one user message. Shared by the HTTP and
// websocket paths, which receive utterances through different framing.
func CheckUtterance(utterance string, maxLen int) string {
	if maxLen == 0 {
		maxLen = 2000
	}

	trimmed := strings.TrimSpace(utterance)
	if trimmed == "" {
		return "Message must not be empty"
	}
	if len(trimmed) > maxLen {
		return "Message exceeds maximum length"
	}
	if !utf8.ValidString(trimmed) {
		return "Message must be valid UTF-8"
	}
	if strings.ContainsRune(trimmed, '\x00') {
		return "Message contains invalid characters"
	}

	return ""
}
