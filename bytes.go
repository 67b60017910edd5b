package cfdkim

import (
	"strings"
	"unicode"
)

// Byte-level helpers shared by the canonicalizers and the tag parser. All of
// them work on raw bytes; no text encoding is assumed.

// fixCRLF rewrites any \n without a matching \r to \r\n.
func fixCRLF(b []byte) []byte {
	res := make([]byte, 0, len(b))
	for i := range b {
		if b[i] == '\n' && (i == 0 || b[i-1] != '\r') {
			res = append(res, '\r')
		}
		res = append(res, b[i])
	}
	return res
}

// replaceByte replaces every occurrence of x with y, in place.
func replaceByte(b []byte, x, y byte) {
	for i := range b {
		if b[i] == x {
			b[i] = y
		}
	}
}

// collapseSP reduces every run of SP to a single SP, in place, and returns
// the shortened slice.
func collapseSP(b []byte) []byte {
	out := b[:0]
	prevSP := false
	for _, c := range b {
		if c == ' ' {
			if prevSP {
				continue
			}
			prevSP = true
		} else {
			prevSP = false
		}
		out = append(out, c)
	}
	return out
}

// unfoldValue collapses folding whitespace inside a tag value to single
// spaces and trims the surrounding whitespace, per the tag-value grammar of
// RFC 6376 section 3.2.
func unfoldValue(s string) string {
	b := []byte(strings.ReplaceAll(s, crlf, ""))
	replaceByte(b, '\t', ' ')
	b = collapseSP(b)
	return strings.Trim(string(b), " ")
}

// stripWhitespace removes all whitespace. Tag values whose grammar permits
// FWS anywhere (b=, bh=, d=, s=, ...) are normalized with it before use.
func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}
