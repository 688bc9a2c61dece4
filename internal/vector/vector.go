// Package vector implements content fingerprints and the similarity math
// used to place documents and route queries.
//
// A fingerprint is a fixed-width real vector. Two nodes must compute the
// same fingerprint for the same content, so the vectorizer is a
// deterministic feature hash: tokens are bucketed by hash into Dim slots
// and the resulting vector is L2-normalized. Cosine similarity over these
// vectors drives both replica affinity and locate_query ranking.
package vector

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

// Dim is the fingerprint width.
const Dim = 384

// Fingerprint is a fixed-width content signature.
type Fingerprint [Dim]float32

// IsZero reports whether no component is set.
func (f Fingerprint) IsZero() bool {
	for _, v := range f {
		if v != 0 {
			return false
		}
	}
	return true
}

// Cosine returns the cosine similarity between two fingerprints in [-1, 1].
// A zero vector on either side yields 0.
func Cosine(a, b Fingerprint) float64 {
	var dot, na, nb float64
	for i := 0; i < Dim; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Tokenize lowercases and splits on any non-alphanumeric rune. The same
// tokenizer feeds the vectorizer and the local inverted index so that
// query fingerprints live in the same space as document fingerprints.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// bucket maps a token to a slot in [0, Dim).
func bucket(token string) int {
	sum := sha256.Sum256([]byte(token))
	return int(binary.BigEndian.Uint32(sum[:4]) % Dim)
}

// FromTokens hashes tokens into a normalized fingerprint.
func FromTokens(tokens []string) Fingerprint {
	var fp Fingerprint
	if len(tokens) == 0 {
		return fp
	}
	for _, t := range tokens {
		fp[bucket(t)]++
	}
	var norm float64
	for _, v := range fp {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	for i := range fp {
		fp[i] = float32(float64(fp[i]) / norm)
	}
	return fp
}

// Hash64 is a compact digest of a fingerprint, exchanged in heartbeat doc
// digests where the full vector would be too heavy.
func (f Fingerprint) Hash64() uint64 {
	buf := make([]byte, 0, Dim*4)
	var scratch [4]byte
	for _, v := range f {
		binary.BigEndian.PutUint32(scratch[:], math.Float32bits(v))
		buf = append(buf, scratch[:]...)
	}
	sum := sha256.Sum256(buf)
	return binary.BigEndian.Uint64(sum[:8])
}

// Mean averages a set of fingerprints without normalizing; an empty set
// yields the zero vector. Used for per-node aggregate fingerprints.
func Mean(fps []Fingerprint) Fingerprint {
	var out Fingerprint
	if len(fps) == 0 {
		return out
	}
	for _, fp := range fps {
		for i, v := range fp {
			out[i] += v
		}
	}
	n := float32(len(fps))
	for i := range out {
		out[i] /= n
	}
	return out
}
