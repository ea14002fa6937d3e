package models

import (
	"crypto/sha256"
	"encoding/hex"
)

// APIKeyPrefix marks agent API keys. Only the SHA-256 hash is stored.
const APIKeyPrefix = "sk_live_"

// HashAPIKey returns the hex SHA-256 of a raw key as stored in agents.api_key_hash.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
