package statestore

import (
	"encoding/json"
	"reflect"
	"slices"
)

// Tree maps top-level partition names to JSON-shaped values: map[string]any
// dictionaries, []any lists, strings, float64 numbers, bools and nil.
type Tree map[string]any

// Clone returns a deep copy of t. A nil tree clones to an empty one.
func (t Tree) Clone() Tree {
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = Clone(v)
	}
	return out
}

// Keys returns the partition names of t in sorted order.
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Clone deep-copies a JSON-shaped value. Any other value (typed structs,
// slices of structs, integers) is normalized through a JSON round trip so
// that everything stored in a Tree shares one shape.
func Clone(v any) any {
	switch x := v.(type) {
	case nil, string, float64, bool, json.Number:
		return x
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Clone(e)
		}
		return out
	case Tree:
		return map[string]any(x.Clone())
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = Clone(e)
		}
		return out
	default:
		return normalize(x)
	}
}

// normalize converts v to its JSON shape. Values that cannot be encoded are
// kept as they are.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// merge computes the next value of a partition. Two dictionaries merge one
// level deep with incoming keys winning; anything else is replaced.
func merge(before, incoming any) any {
	in, ok := incoming.(map[string]any)
	if !ok {
		return incoming
	}
	prev, ok := before.(map[string]any)
	if !ok {
		return in
	}
	out := make(map[string]any, len(prev)+len(in))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range in {
		out[k] = v
	}
	return out
}

// same reports whether next is equal to before. Dictionaries are compared
// key by key; other values by value, since every value in a Tree is a copy
// and identity carries no meaning.
func same(before, next any) bool {
	a, okA := before.(map[string]any)
	b, okB := next.(map[string]any)
	if okA && okB {
		if len(a) != len(b) {
			return false
		}
		for k, av := range a {
			bv, ok := b[k]
			if !ok || !reflect.DeepEqual(av, bv) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(before, next)
}
