package store

import (
	jsoniter "github.com/json-iterator/go"
)

// json is the package-wide serializer. ConfigCompatibleWithStandardLibrary
// sorts map keys, which together with fixed struct field order gives the
// stable byte form required of every persisted JSON column.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// canonicalJSON marshals v into the stable persisted form: sorted map keys,
// no insignificant whitespace.
func canonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// mustJSON is canonicalJSON for values that cannot fail to marshal
// (slices of strings, plain structs). It panics on programmer error.
func mustJSON(v any) string {
	s, err := canonicalJSON(v)
	if err != nil {
		panic(err)
	}
	return s
}
