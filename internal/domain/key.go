package domain

import (
	"errors"
	"strings"
)

// DefaultName is the key name used by features that only ever need one
// object of their kind per session. Callers that need several objects of the
// same kind must pass their own names.
const DefaultName = "default"

const keySeparator = ":"

var (
	ErrKeyTagEmpty   = errors.New("object key tag empty")
	ErrKeyNameEmpty  = errors.New("object key name empty")
	ErrKeyTagInvalid = errors.New("object key tag must not contain ':'")
	ErrKeyMalformed  = errors.New("malformed object key")
)

// ObjectKey is a logical shared-object key namespaced by a type tag,
// rendered as "<tag>:<name>".
type ObjectKey string

func NewObjectKey(tag, name string) (ObjectKey, error) {
	if tag == "" {
		return "", ErrKeyTagEmpty
	}
	if strings.Contains(tag, keySeparator) {
		return "", ErrKeyTagInvalid
	}
	if name == "" {
		return "", ErrKeyNameEmpty
	}
	return ObjectKey(tag + keySeparator + name), nil
}

// Split returns the tag and name of the key.
func (k ObjectKey) Split() (tag, name string, err error) {
	tag, name, ok := strings.Cut(string(k), keySeparator)
	if !ok || tag == "" || name == "" {
		return "", "", ErrKeyMalformed
	}
	return tag, name, nil
}

func (k ObjectKey) String() string { return string(k) }
