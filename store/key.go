// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is the ordering key of a message event: creation instant first,
// message identifier as tiebreaker. It is assigned once by the message log
// at append time and never derived anywhere else; all per-channel ordering
// and cursor comparisons use it.
type Key struct {
	At int64  `json:"at"`
	ID string `json:"id"`
}

// IsZero reports whether k is the zero cursor (before all events).
func (k Key) IsZero() bool {
	return k.At == 0 && k.ID == ""
}

// Compare returns -1, 0 or 1 ordering k against o.
func (k Key) Compare(o Key) int {
	switch {
	case k.At < o.At:
		return -1
	case k.At > o.At:
		return 1
	}
	return strings.Compare(k.ID, o.ID)
}

// After reports whether k orders strictly after o.
func (k Key) After(o Key) bool {
	return k.Compare(o) > 0
}

// String encodes the key as "<at>:<id>". ParseKey reverses it.
func (k Key) String() string {
	return strconv.FormatInt(k.At, 10) + ":" + k.ID
}

// ParseKey decodes a key produced by String. The zero key round-trips.
func ParseKey(s string) (Key, error) {
	at, id, ok := strings.Cut(s, ":")
	if !ok {
		return Key{}, fmt.Errorf("malformed key %q", s)
	}
	n, err := strconv.ParseInt(at, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed key %q: %w", s, err)
	}
	return Key{At: n, ID: id}, nil
}
