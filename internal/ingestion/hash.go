package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the lowercase hex SHA-256 of text. Hashing happens
// before cleaning so a byte-identical re-upload always dedups, whatever the
// chunker configuration.
func HashContent(text string) string {
	return HashBytes([]byte(text))
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
