// Package partition assigns queries to shards by stable hashing. Every worker
// and every re-dispatch must agree on the assignment, so the hash depends on
// nothing but the query text itself.
package partition

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Hash returns the stable hash of a query string. The query is trimmed first
// so that whitespace-only differences do not split identical queries across
// shards. The value is the first 32 bits of the SHA-256 hex digest.
func Hash(query string) uint32 {
	sum := sha256.Sum256([]byte(strings.TrimSpace(query)))
	digest := hex.EncodeToString(sum[:])
	v, _ := strconv.ParseUint(digest[:8], 16, 32)
	return uint32(v)
}

// Shard maps a query to a shard index in [0, totalShards).
func Shard(query string, totalShards int) int {
	if totalShards <= 1 {
		return 0
	}
	return int(Hash(query) % uint32(totalShards))
}
