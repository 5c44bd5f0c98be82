// internal/model/tokenizer.go
package model

import (
	"hash/fnv"
	"strings"
)

// Tokenize lowercases text and splits it on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(strings.ToLower(text))
}

// HashTokens maps tokens onto embedding-table buckets with FNV-1a.
func HashTokens(tokens []string, buckets int) []int {
	if buckets <= 0 {
		return nil
	}
	ids := make([]int, 0, len(tokens))
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		ids = append(ids, int(h.Sum64()%uint64(buckets)))
	}
	return ids
}
