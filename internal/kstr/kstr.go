// Package kstr provides the small immutable byte-string type the boot
// package uses for device-tree-derived text (the root "model" property
// and "/chosen/bootargs"): an immutable byte slice with equality,
// NUL-aware trimming, and a sanitization pass for firmware-controlled
// input.
package kstr

import (
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"unicode"
)

// Str is an immutable byte string lifted out of firmware-controlled input.
type Str []uint8

// Eq reports byte-for-byte equality.
func (s Str) Eq(o Str) bool {
	if len(s) != len(o) {
		return false
	}
	for i, v := range s {
		if v != o[i] {
			return false
		}
	}
	return true
}

func (s Str) String() string {
	return string(s)
}

// Empty reports whether the string has no bytes.
func (s Str) Empty() bool {
	return len(s) == 0
}

// FromCString trims a NUL-terminated device-tree string property (DTB
// string-table entries are NUL terminated) down to its content, stopping
// at the first NUL or the end of the slice.
func FromCString(b []uint8) Str {
	for i, c := range b {
		if c == 0 {
			return Str(append([]uint8(nil), b[:i]...))
		}
	}
	return Str(append([]uint8(nil), b...))
}

// Sanitize NFC-normalizes s and drops any non-printable rune, via
// golang.org/x/text. DTB string-table bytes originate from firmware or an
// attacker-supplied device tree blob; before a model string or bootargs
// value is copied into a kernel log line it is run through this pass so a
// malformed multi-byte sequence cannot desynchronize console output.
func Sanitize(s Str) Str {
	t := transform.Chain(norm.NFC, runes.Remove(runes.Predicate(func(r rune) bool {
		return !unicode.IsPrint(r) && r != ' '
	})))
	out, _, err := transform.Bytes(t, []byte(s))
	if err != nil {
		// Fall back to the raw bytes rather than failing boot over a
		// cosmetic log-sanitization error.
		return s
	}
	return Str(out)
}
