package cfdkim

import (
	"bytes"
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// HashAlgorithm is a signing algorithm as carried by the a= tag.
type HashAlgorithm string

const (
	RSASHA1       HashAlgorithm = "rsa-sha1"
	RSASHA256     HashAlgorithm = "rsa-sha256"
	Ed25519SHA256 HashAlgorithm = "ed25519-sha256"
)

func parseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch a := HashAlgorithm(stripWhitespace(s)); a {
	case RSASHA1, RSASHA256, Ed25519SHA256:
		return a, nil
	default:
		return "", fmt.Errorf("%w %q", ErrUnsupportedHashAlgorithm, s)
	}
}

// hash returns the digest used for both the body and the header hash.
func (a HashAlgorithm) hash() crypto.Hash {
	if a == RSASHA1 {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// hashName returns the digest name as it appears in a key record's h= tag.
func (a HashAlgorithm) hashName() string {
	if a == RSASHA1 {
		return "sha1"
	}
	return "sha256"
}

// keyType returns the key type the record must publish for this algorithm.
func (a HashAlgorithm) keyType() KeyType {
	if a == Ed25519SHA256 {
		return KeyTypeEd25519
	}
	return KeyTypeRSA
}

// computeBodyHash canonicalizes the message body, truncates it to l= bytes
// when the tag is present, and returns the base64 digest that bh= is
// compared against.
func computeBodyHash(can Canonicalization, lTag string, algo HashAlgorithm, mail *Mail) (string, error) {
	hasher := algo.hash().New()

	var w io.Writer = hasher
	if lTag != "" {
		l, err := strconv.ParseInt(stripWhitespace(lTag), 10, 64)
		if err != nil || l < 0 {
			return "", syntaxErrorf(-1, "malformed body length %q", lTag)
		}
		w = &limitedWriter{W: w, N: l}
	}

	wc := canonicalizers[can].CanonicalizeBody(w)
	if _, err := wc.Write(mail.Body()); err != nil {
		return "", err
	}
	if err := wc.Close(); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), nil
}

// canonicalHeaders builds the exact byte sequence the signature covers: each
// field named in h= (last occurrence first for duplicates, absent fields
// contributing nothing), then the DKIM-Signature field itself with the b=
// value erased and without the trailing CRLF.
func canonicalHeaders(can Canonicalization, hTag, sigField string, mail *Mail) []byte {
	var buf bytes.Buffer

	picker := newHeaderPicker(mail.fields)
	for _, name := range strings.Split(hTag, ":") {
		name = stripWhitespace(name)
		if name == "" {
			continue
		}
		field := picker.Pick(name)
		if field == "" {
			continue
		}
		buf.WriteString(canonicalizers[can].CanonicalizeHeader(field))
	}

	sig := canonicalizers[can].CanonicalizeHeader(eraseSignature(sigField))
	buf.WriteString(strings.TrimRight(sig, crlf))

	return buf.Bytes()
}

// computeHeadersHash digests the canonical header block with the a= digest.
// For Ed25519 signatures this digest is itself the signed message
// (RFC 8463).
func computeHeadersHash(can Canonicalization, hTag string, algo HashAlgorithm, sigField string, mail *Mail) []byte {
	hasher := algo.hash().New()
	hasher.Write(canonicalHeaders(can, hTag, sigField, mail))
	return hasher.Sum(nil)
}
