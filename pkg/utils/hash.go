package utils

import (
	"crypto/sha256"
	"fmt"
)

// HashString returns a hex digest suitable for cache keys and derived ids.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", sum[:16])
}
