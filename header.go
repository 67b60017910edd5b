package cfdkim

import (
	"regexp"
	"strings"
)

var requiredTags = []string{"v", "a", "b", "bh", "d", "h", "s"}

// A Header is a parsed DKIM-Signature header value: the ordered tag list
// plus the raw text it came from. Tag order is preserved so the signed form
// of the header can be reproduced when erasing b=.
type Header struct {
	tags  []Tag
	index map[string]int
	raw   string
}

// parseHeader parses value without the RFC 6376 section 6.1.1 checks.
func parseHeader(value string) (*Header, error) {
	tags, err := parseTagList(value)
	if err != nil {
		return nil, err
	}
	h := &Header{
		tags:  tags,
		index: make(map[string]int, len(tags)),
		raw:   value,
	}
	for i, t := range tags {
		h.index[t.Name] = i
	}
	return h, nil
}

// Tag returns the value of the named tag and whether it is present.
func (h *Header) Tag(name string) (string, bool) {
	i, ok := h.index[name]
	if !ok {
		return "", false
	}
	return h.tags[i].Value, true
}

// tag is Tag for callers that treat an absent tag as empty.
func (h *Header) tag(name string) string {
	v, _ := h.Tag(name)
	return v
}

// Tags returns the tags in the order they appear in the header.
func (h *Header) Tags() []Tag {
	tags := make([]Tag, len(h.tags))
	copy(tags, h.tags)
	return tags
}

// Raw returns the header value as received.
func (h *Header) Raw() string {
	return h.raw
}

// ValidateHeader parses a DKIM-Signature header value and applies the
// acceptability checks of RFC 6376 section 6.1.1: required tags, version,
// i= within d=, From present in h=, and the query method.
func ValidateHeader(value string) (*Header, error) {
	h, err := parseHeader(value)
	if err != nil {
		return nil, err
	}

	for _, req := range requiredTags {
		if _, ok := h.Tag(req); !ok {
			return nil, &MissingTagError{Tag: req}
		}
	}

	if h.tag("v") != "1" {
		return nil, ErrIncompatibleVersion
	}

	// The i= domain must be the same as, or a subdomain of, d=.
	if id, ok := h.Tag("i"); ok {
		domain := strings.ToLower(stripWhitespace(h.tag("d")))
		idDomain := strings.ToLower(stripWhitespace(id))
		if at := strings.LastIndex(idDomain, "@"); at >= 0 {
			idDomain = idDomain[at+1:]
		}
		if idDomain != domain && !strings.HasSuffix(idDomain, "."+domain) {
			return nil, ErrDomainMismatch
		}
	}

	fromSigned := false
	for _, k := range parseColonList(h.tag("h")) {
		if strings.EqualFold(k, "from") {
			fromSigned = true
			break
		}
	}
	if !fromSigned {
		return nil, ErrFromFieldNotSigned
	}

	if q, ok := h.Tag("q"); ok && stripWhitespace(q) != "dns/txt" {
		return nil, ErrUnsupportedQueryMethod
	}

	return h, nil
}

// Matches the b= tag at a tag boundary, capturing everything up to its
// value. Anchoring on the preceding ';' or ':' avoids matching a "b=" that
// happens to occur inside another tag's base64 value.
var bTag = regexp.MustCompile(`([;:][ \t\r\n]*b[ \t\r\n]*=)[^;]*`)

// eraseSignature returns the raw header field with the b= value removed, as
// required when the DKIM-Signature header is fed into its own hash.
func eraseSignature(field string) string {
	return bTag.ReplaceAllString(field, "$1")
}
