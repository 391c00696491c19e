// Package key implements the canonical cache key codec: deterministic
// serialization of structured keys and the prefix relation used by fuzzy
// invalidation.
package key

import (
	"encoding/json"

	"github.com/asyncache/asyncache/pkg/errors"
)

// Key is an ordered sequence of JSON-serializable segments. Segments may be
// strings, numbers, booleans, nil, nested maps, slices, or any struct the
// encoding/json package accepts. Two keys are equal iff their canonical
// serializations are byte-equal.
type Key []any

// New builds a key from the given segments.
func New(segments ...any) Key {
	return Key(segments)
}

// Canonical returns the deterministic serialization of the key. Object
// segments have their properties emitted in sorted order (a property of
// encoding/json map encoding), so semantically identical key objects
// produce identical strings regardless of construction order.
//
// A key containing non-serializable segments (cyclic structures, NaN,
// infinities, channels, funcs) fails with a KEY_NOT_SERIALIZABLE error.
func (k Key) Canonical() (string, error) {
	// A nil key canonicalizes as the empty key, not JSON null.
	if k == nil {
		k = Key{}
	}
	data, err := json.Marshal([]any(k))
	if err != nil {
		return "", errors.NewError(errors.ErrCodeKeyNotSerializable,
			"key contains non-serializable segments").WithCause(err)
	}
	return string(data), nil
}

// SegmentCanonical returns the canonical serialization of a single segment.
func SegmentCanonical(segment any) (string, error) {
	data, err := json.Marshal(segment)
	if err != nil {
		return "", errors.NewError(errors.ErrCodeKeyNotSerializable,
			"key segment is not serializable").WithCause(err)
	}
	return string(data), nil
}

// IsPrefixOf reports whether candidate is a prefix of target: every segment
// of candidate equals (by canonical serialization) the segment at the same
// position in target, and candidate is no longer than target. A key is a
// prefix of itself.
func IsPrefixOf(candidate, target Key) (bool, error) {
	if len(candidate) > len(target) {
		return false, nil
	}
	for i, segment := range candidate {
		cs, err := SegmentCanonical(segment)
		if err != nil {
			return false, err
		}
		ts, err := SegmentCanonical(target[i])
		if err != nil {
			return false, err
		}
		if cs != ts {
			return false, nil
		}
	}
	return true, nil
}

// Equal reports whether two keys have identical canonical serializations.
func Equal(a, b Key) (bool, error) {
	ca, err := a.Canonical()
	if err != nil {
		return false, err
	}
	cb, err := b.Canonical()
	if err != nil {
		return false, err
	}
	return ca == cb, nil
}

// String returns the canonical form, or a placeholder when the key cannot
// be serialized. Intended for logging only.
func (k Key) String() string {
	s, err := k.Canonical()
	if err != nil {
		return "<unserializable key>"
	}
	return s
}
