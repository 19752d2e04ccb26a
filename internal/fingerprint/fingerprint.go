// Package fingerprint derives stable, collision-resistant identifiers for
// candidate text and for evaluation keys. It is the sole identity scheme
// shared by the Cache, Archive, and Migration components.
package fingerprint

import (
	"encoding/hex"
	"strings"

	sha256simd "github.com/minio/sha256-simd"
)

// Fingerprint is a hex-encoded 256-bit content hash. It is comparable and
// usable as a map key and as a filesystem path component.
type Fingerprint string

// Empty is the zero value, used to mean "no parent" in contexts where a
// fingerprint slice would otherwise need a nil check.
const Empty Fingerprint = ""

// normalize trims trailing whitespace from each line and the text as a
// whole, and canonicalizes line endings, so that cosmetically identical
// text always hashes identically.
func normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// OfText returns the Fingerprint of a candidate's text.
func OfText(text string) Fingerprint {
	sum := sha256simd.Sum256([]byte(normalize(text)))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// EvalKey is the identifier of one (candidate, example, shard_version)
// scoring request — the Cache's key type.
type EvalKey string

// OfEval derives the evaluation key for a candidate fingerprint scored
// against one example at a given shard version. shardVersion lets a config
// change (e.g. a reworded example) invalidate previously cached results
// without colliding with the old ones.
func OfEval(candidate Fingerprint, exampleID string, shardVersion int) EvalKey {
	h := sha256simd.New()
	h.Write([]byte(candidate))
	h.Write([]byte{0})
	h.Write([]byte(exampleID))
	h.Write([]byte{0})
	h.Write(encodeInt(shardVersion))
	sum := h.Sum(nil)
	return EvalKey(hex.EncodeToString(sum))
}

func encodeInt(n int) []byte {
	b := make([]byte, 8)
	u := uint64(n)
	for i := 7; i >= 0; i-- {
		b[i] = byte(u)
		u >>= 8
	}
	return b
}

// ShardPath splits a Fingerprint/EvalKey hex string into a two-level
// directory fan-out ("ab", "cdef...") suitable for a content-addressed
// file store, avoiding one giant directory.
func ShardPath(key string) (dir, rest string) {
	if len(key) < 2 {
		return "00", key
	}
	return key[:2], key[2:]
}
