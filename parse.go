package cfdkim

import "strings"

// Tag-list parsing for DKIM-Signature header values and key records,
// implementing the grammar of RFC 6376 section 3.2.

// A Tag is a single name/value pair from a tag-list. Names are
// case-sensitive; values are kept as opaque text with folding whitespace
// collapsed.
type Tag struct {
	Name  string
	Value string
}

func isFWS(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isTagNameStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isTagNameChar(c byte) bool {
	return isTagNameStart(c) || (c >= '0' && c <= '9')
}

// parseTagList parses s as a tag-list: tag-specs separated by ";" with an
// optional trailing ";". Duplicate tag names are a syntax error.
func parseTagList(s string) ([]Tag, error) {
	var tags []Tag
	seen := make(map[string]struct{})

	pos := 0
	for pos < len(s) {
		for pos < len(s) && isFWS(s[pos]) {
			pos++
		}
		if pos >= len(s) {
			break
		}

		start := pos
		if !isTagNameStart(s[pos]) {
			return nil, syntaxErrorf(pos, "tag name must start with a letter")
		}
		pos++
		for pos < len(s) && isTagNameChar(s[pos]) {
			pos++
		}
		name := s[start:pos]

		for pos < len(s) && isFWS(s[pos]) {
			pos++
		}
		if pos >= len(s) || s[pos] != '=' {
			return nil, syntaxErrorf(pos, "expected '=' after tag name %q", name)
		}
		pos++

		vstart := pos
		for pos < len(s) && s[pos] != ';' {
			pos++
		}
		value := unfoldValue(s[vstart:pos])

		if _, dup := seen[name]; dup {
			return nil, syntaxErrorf(start, "duplicate tag %q", name)
		}
		seen[name] = struct{}{}
		tags = append(tags, Tag{Name: name, Value: value})

		if pos < len(s) {
			pos++ // consume ';'
		}
	}

	return tags, nil
}

// parseColonList splits a colon-separated tag value, stripping FWS from each
// element.
func parseColonList(s string) []string {
	items := strings.Split(s, ":")
	for i, item := range items {
		items[i] = stripWhitespace(item)
	}
	return items
}
