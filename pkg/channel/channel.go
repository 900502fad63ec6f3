// Package channel derives and validates channel identifiers.
//
// A channel id is "<kind>:<value>" where kind is "group" or "year". Channels
// are implicit: an id exists as soon as a message references it.
package channel

import (
	"strings"
	"unicode"

	"schoolchat/pkg/errutil"
)

// Kind is the closed set of channel kinds.
type Kind string

const (
	KindGroup Kind = "group"
	KindYear  Kind = "year"
)

const separator = ":"

// ID is a parsed channel identifier.
type ID struct {
	Kind  Kind
	Value string
}

// String returns the canonical "<kind>:<value>" form.
func (id ID) String() string {
	return string(id.Kind) + separator + id.Value
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id.Kind == "" && id.Value == ""
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindGroup || k == KindYear
}

// New builds an id from a kind and value.
func New(kind Kind, value string) (ID, error) {
	if !kind.Valid() {
		return ID{}, errutil.Validation(errutil.CodeChannelInvalid,
			"unknown channel kind %q: must be %q or %q", kind, KindGroup, KindYear)
	}
	if strings.TrimSpace(value) == "" {
		return ID{}, errutil.Validation(errutil.CodeChannelInvalid, "channel %s value is empty", kind)
	}
	if strings.IndexFunc(value, unicode.IsControl) >= 0 {
		return ID{}, errutil.Validation(errutil.CodeChannelInvalid, "channel %s value contains control characters", kind)
	}
	return ID{Kind: kind, Value: value}, nil
}

// Group returns the channel id for a class group.
func Group(name string) (ID, error) {
	return New(KindGroup, name)
}

// Year returns the channel id for an academic year.
func Year(academicYear string) (ID, error) {
	return New(KindYear, academicYear)
}

// Parse validates raw and splits it into kind and value. Only the first
// separator is significant, so values containing ':' round-trip.
func Parse(raw string) (ID, error) {
	kind, value, found := strings.Cut(raw, separator)
	if !found {
		return ID{}, errutil.Validation(errutil.CodeChannelInvalid,
			"channel id %q is not in <kind>:<value> form", raw)
	}
	return New(Kind(kind), value)
}

// MustParse is Parse for ids known to be valid, such as test fixtures.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}
