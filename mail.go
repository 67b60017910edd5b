package cfdkim

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/textproto"
	"strings"
)

// A Mail is a message split the way the verifier consumes it: header fields
// in document order with their raw bytes preserved (folding included), and
// the body as delimited from the headers by the first empty line.
type Mail struct {
	fields []string // raw fields, each line terminated by CRLF
	body   []byte
}

// ParseMail splits a message in Internet Mail Format into header fields and
// body.
func ParseMail(r io.Reader) (*Mail, error) {
	br := bufio.NewReader(r)
	fields, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, fmt.Errorf("dkim: failed to read body: %v", err)
	}
	return &Mail{fields: fields, body: body}, nil
}

// parseMailBytes normalizes bare LF line endings first, so messages that
// travelled through transports rewriting line endings still verify.
func parseMailBytes(b []byte) (*Mail, error) {
	return ParseMail(bytes.NewReader(fixCRLF(b)))
}

// Body returns the raw body bytes.
func (m *Mail) Body() []byte {
	return m.body
}

// HeaderValue returns the value of the first header field with the given
// name (case-insensitive), trimmed, and whether such a field exists.
func (m *Mail) HeaderValue(name string) (string, bool) {
	for _, field := range m.fields {
		k, v := parseHeaderField(field)
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// signatureFields returns the raw DKIM-Signature fields in document order.
func (m *Mail) signatureFields() []string {
	var sigs []string
	for _, field := range m.fields {
		k, _ := parseHeaderField(field)
		if strings.EqualFold(k, headerFieldName) {
			sigs = append(sigs, field)
		}
	}
	return sigs
}

func readHeader(r *bufio.Reader) ([]string, error) {
	tr := textproto.NewReader(r)

	var fields []string
	for {
		l, err := tr.ReadLine()
		if err != nil {
			return fields, fmt.Errorf("dkim: failed to read header: %v", err)
		}

		if len(l) == 0 {
			break
		} else if len(fields) > 0 && (l[0] == ' ' || l[0] == '\t') {
			// This is a continuation line.
			fields[len(fields)-1] += l + crlf
		} else {
			fields = append(fields, l+crlf)
		}
	}

	return fields, nil
}

func parseHeaderField(s string) (k string, v string) {
	kv := strings.SplitN(s, ":", 2)
	k = strings.TrimSpace(kv[0])
	if len(kv) > 1 {
		v = strings.TrimSpace(kv[1])
	}
	return
}

// headerPicker selects, for each name in the h= list, the last not yet
// consumed field with that name, per RFC 6376 section 5.4.2.
type headerPicker struct {
	fields []string
	picked map[string]int
}

func newHeaderPicker(fields []string) *headerPicker {
	return &headerPicker{
		fields: fields,
		picked: make(map[string]int),
	}
}

func (p *headerPicker) Pick(key string) string {
	key = strings.ToLower(key)
	at := p.picked[key]
	for i := len(p.fields) - 1; i >= 0; i-- {
		field := p.fields[i]
		k, _ := parseHeaderField(field)

		if strings.ToLower(k) != key {
			continue
		}

		if at == 0 {
			p.picked[key]++
			return field
		}
		at--
	}

	return ""
}
