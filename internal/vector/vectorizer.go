package vector

import (
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Vectorizer turns text into a fingerprint. The node treats embedding
// generation as an external collaborator; HashingVectorizer is the built-in
// implementation and anything structurally equivalent can be swapped in.
type Vectorizer interface {
	Fingerprint(text string) Fingerprint
}

// HashingVectorizer is a deterministic feature-hashing vectorizer with an
// LRU cache keyed by content hash. Repeated queries and replayed writes
// fingerprint the same text often enough to make the cache worthwhile.
type HashingVectorizer struct {
	cache *lru.Cache[[32]byte, Fingerprint]
}

// NewHashingVectorizer creates a vectorizer caching up to size entries.
func NewHashingVectorizer(size int) *HashingVectorizer {
	if size <= 0 {
		size = 1024
	}
	cache, _ := lru.New[[32]byte, Fingerprint](size)
	return &HashingVectorizer{cache: cache}
}

// Fingerprint implements Vectorizer.
func (v *HashingVectorizer) Fingerprint(text string) Fingerprint {
	key := sha256.Sum256([]byte(text))
	if fp, ok := v.cache.Get(key); ok {
		return fp
	}
	fp := FromTokens(Tokenize(text))
	v.cache.Add(key, fp)
	return fp
}
