// Package metadata implements the call metadata array: an ordered sequence
// of (key, value) pairs, dynamically grown, insertion-order preserved.
// Consumers must not assume key uniqueness.
package metadata

import (
	"encoding/base64"
	"strings"
)

// Pair is one (key, value) entry. Binary values (keys with a "-bin" suffix)
// are stored base64-encoded: AppendBinary encodes them when they are added
// and GetBinary decodes them on the way out.
type Pair struct {
	Key   string
	Value string
}

// MD is an ordered, insertion-preserving metadata array. The zero value is
// an empty, ready-to-use MD.
type MD struct {
	pairs []Pair
}

// New builds an MD from alternating key/value strings, lowercasing keys the
// way the wire requires.
func New(kv ...string) MD {
	md := MD{}
	for i := 0; i+1 < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

// Append adds one entry without disturbing any existing entry for the same
// key; repeated keys are preserved.
func (m *MD) Append(key, value string) {
	m.pairs = append(m.pairs, Pair{Key: strings.ToLower(key), Value: value})
}

// AppendBinary base64-encodes value and appends it under a "-bin" suffixed
// key, matching the wire convention for binary metadata.
func (m *MD) AppendBinary(key string, value []byte) {
	if !strings.HasSuffix(key, "-bin") {
		key += "-bin"
	}
	m.Append(key, base64.StdEncoding.EncodeToString(value))
}

// Get returns every value recorded for key, in insertion order.
func (m MD) Get(key string) []string {
	key = strings.ToLower(key)
	var out []string
	for _, p := range m.pairs {
		if p.Key == key {
			out = append(out, p.Value)
		}
	}
	return out
}

// GetBinary decodes every "-bin" value recorded for key.
func (m MD) GetBinary(key string) ([][]byte, error) {
	if !strings.HasSuffix(key, "-bin") {
		key += "-bin"
	}
	var out [][]byte
	for _, v := range m.Get(key) {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// Pairs returns the entries in insertion order. The returned slice is owned
// by the caller; mutating it does not affect m.
func (m MD) Pairs() []Pair {
	out := make([]Pair, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// Len reports the number of entries, counting repeated keys individually.
func (m MD) Len() int { return len(m.pairs) }

// Clone deep-copies the array: the new MD shares no slice storage with m
// (strings themselves are immutable, so sharing them is safe).
func (m MD) Clone() MD {
	return MD{pairs: m.Pairs()}
}

// Join concatenates several MDs' entries in order into a new MD.
func Join(mds ...MD) MD {
	var out MD
	for _, m := range mds {
		out.pairs = append(out.pairs, m.pairs...)
	}
	return out
}
