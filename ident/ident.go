// Package ident implements the $ID / type registry: the shape of a
// document identifier, the collection membership key derived from a
// type, and the collection-name validation rule shared by every CRUD verb.
package ident

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"

	brierrors "github.com/bri-db/bri/errors"
)

// tokenEncoding renders the random/time-ordered suffix of an $ID without
// padding or mixed case, keeping ids shell- and filename-safe.
var tokenEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID generates a fresh "$ID" of the form TYPE_token for typ, which is
// uppercased to form the prefix. The token is derived
// from a UUIDv7 (time-ordered, 128 bits of which ~74 are random),
// base32-encoded to keep it shell- and filename-safe.
func NewID(typ string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", brierrors.StorageFailure(err, "generate id token")
	}
	token := strings.ToLower(tokenEncoding.EncodeToString(id[:]))
	return strings.ToUpper(typ) + "_" + token, nil
}

// TypeOf extracts the uppercase type prefix from an $ID of the form
// TYPE_token. It fails with BadID if the shape doesn't match.
func TypeOf(id string) (string, error) {
	idx := strings.IndexByte(id, '_')
	if idx <= 0 || idx == len(id)-1 {
		return "", brierrors.BadID(id)
	}
	prefix := id[:idx]
	if !isUpperAlnum(prefix) {
		return "", brierrors.BadID(id)
	}
	return prefix, nil
}

func isUpperAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// CollectionKey returns the TYPE? set key for typ (case-insensitive on
// input, always uppercased on output).
func CollectionKey(typ string) string {
	return strings.ToUpper(typ) + "?"
}

// TombstoneKey returns the X:$ID:X rename target used by soft-delete.
func TombstoneKey(id string) string {
	return "X:" + id + ":X"
}

// ValidateCollectionName enforces the naming rule:
//
//	^[a-z0-9]+(?<![sS])S?$
//
// i.e. a lowercase-alphanumeric stem that does not itself end in s/S,
// optionally followed by exactly one uppercase S marking the plural/group
// form. Go's regexp package (RE2) has no lookbehind, so the rule is
// hand-checked rather than translated literally into a regexp.Regexp.
func ValidateCollectionName(name string) error {
	if name == "" {
		return brierrors.BadCollectionName(name)
	}

	stem := name
	if strings.HasSuffix(name, "S") {
		stem = name[:len(name)-1]
	}

	if stem == "" {
		return brierrors.BadCollectionName(name)
	}
	if strings.HasSuffix(stem, "s") || strings.HasSuffix(stem, "S") {
		return brierrors.BadCollectionName(name)
	}
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		default:
			return brierrors.BadCollectionName(name)
		}
	}
	return nil
}

// SplitGroup reports whether name carries the plural/group "S" marker and
// returns the singular stem either way.
func SplitGroup(name string) (stem string, group bool) {
	if strings.HasSuffix(name, "S") && len(name) > 1 {
		return name[:len(name)-1], true
	}
	return name, false
}
