package operation

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key identifies an operation's (query, variables) pair for cache addressing.
type Key string

// DeriveKey hashes the query text together with a stable serialization of the
// variables. Map keys are serialized in sorted order at every depth, so two
// deep-equal variable maps yield the same key regardless of insertion order.
func DeriveKey(query string, variables map[string]any) Key {
	h := newKeyHasher(xxhash.New())
	h.writeString(query)
	h.writeString("\x00")
	h.writeString(stableVariables(variables))
	return h.key()
}

// stableVariables never fails; values json cannot encode fall back to fmt,
// which also prints maps in key order.
func stableVariables(variables map[string]any) string {
	if len(variables) == 0 {
		return "{}"
	}
	b, err := json.Marshal(variables)
	if err != nil {
		return fmt.Sprint(variables)
	}
	return string(b)
}

type keyHasher struct {
	digest *xxhash.Digest
}

func newKeyHasher(d *xxhash.Digest) *keyHasher {
	return &keyHasher{digest: d}
}

func (h *keyHasher) writeString(s string) {
	// WriteString on a Digest always returns a nil error
	_, _ = h.digest.WriteString(s)
}

func (h *keyHasher) key() Key {
	return Key(strconv.FormatUint(h.digest.Sum64(), 16))
}
