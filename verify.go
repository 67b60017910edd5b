package cfdkim

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// VerifyOptions customizes signature verification.
type VerifyOptions struct {
	// Resolver used for key retrieval. Defaults to the system resolver.
	Resolver Resolver

	// CheckExpiration rejects signatures whose x= tag lies more than the
	// allowed drift in the past.
	CheckExpiration bool
}

// VerifyEmail checks whether any DKIM-Signature header authenticates mail
// on behalf of fromDomain, using the system resolver for key retrieval.
//
// Per-signature failures are reported through the Result; the returned
// error is reserved for failures of the machinery itself.
func VerifyEmail(fromDomain string, mail *Mail) (*Result, error) {
	return VerifyEmailWithOptions(fromDomain, mail, nil)
}

// VerifyEmailWithResolver is VerifyEmail with an injected TXT resolver.
func VerifyEmailWithResolver(fromDomain string, mail *Mail, resolver Resolver) (*Result, error) {
	return VerifyEmailWithOptions(fromDomain, mail, &VerifyOptions{Resolver: resolver})
}

// VerifyEmailWithOptions tries each DKIM-Signature header in document
// order: headers that fail validation or verification record their error
// and the enumeration continues; the first signature whose d= matches
// fromDomain and whose signature verifies produces a pass.
func VerifyEmailWithOptions(fromDomain string, mail *Mail, opts *VerifyOptions) (*Result, error) {
	if opts == nil {
		opts = &VerifyOptions{}
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = netResolver{}
	}

	var lastErr error
	for _, sigField := range mail.signatureFields() {
		_, value := parseHeaderField(sigField)
		h, err := ValidateHeader(value)
		if err != nil {
			lastErr = err
			continue
		}

		// Select the signatures corresponding to the message sender.
		domain := stripWhitespace(h.tag("d"))
		if !strings.EqualFold(domain, fromDomain) {
			continue
		}

		if opts.CheckExpiration {
			if err := checkExpiration(h); err != nil {
				lastErr = err
				continue
			}
		}

		key, err := retrievePublicKey(resolver, domain, stripWhitespace(h.tag("s")))
		if err != nil {
			lastErr = err
			continue
		}

		headerCan, bodyCan, err := verifySignature(h, sigField, mail, key, false)
		if err != nil {
			lastErr = err
			continue
		}
		return pass(domain, headerCan, bodyCan), nil
	}

	if lastErr != nil {
		return fail(lastErr, fromDomain), nil
	}
	return neutral(fromDomain), nil
}

// VerifyEmailWithKey verifies offline against a known public key, skipping
// key retrieval. ignoreBodyHash additionally skips the bh= comparison, for
// callers that only care about the header signature.
func VerifyEmailWithKey(fromDomain string, mail *Mail, key *PublicKey, ignoreBodyHash bool) (*Result, error) {
	var lastErr error
	for _, sigField := range mail.signatureFields() {
		_, value := parseHeaderField(sigField)
		h, err := ValidateHeader(value)
		if err != nil {
			lastErr = err
			continue
		}

		domain := stripWhitespace(h.tag("d"))
		if !strings.EqualFold(domain, fromDomain) {
			continue
		}

		headerCan, bodyCan, err := verifySignature(h, sigField, mail, key, ignoreBodyHash)
		if err != nil {
			lastErr = err
			continue
		}
		return pass(domain, headerCan, bodyCan), nil
	}

	if lastErr != nil {
		return fail(lastErr, fromDomain), nil
	}
	return neutral(fromDomain), nil
}

// verifySignature runs the cryptographic part of the check for one
// validated signature header against a known key.
func verifySignature(h *Header, sigField string, mail *Mail, key *PublicKey, ignoreBodyHash bool) (Canonicalization, Canonicalization, error) {
	headerCan, bodyCan, err := parseCanonicalization(h.tag("c"))
	if err != nil {
		return "", "", err
	}

	algo, err := parseHashAlgorithm(h.tag("a"))
	if err != nil {
		return "", "", err
	}

	if err := key.allows(algo); err != nil {
		return "", "", err
	}

	if !ignoreBodyHash {
		lTag, _ := h.Tag("l")
		bodyHash, err := computeBodyHash(bodyCan, lTag, algo, mail)
		if err != nil {
			return "", "", err
		}
		if bodyHash != stripWhitespace(h.tag("bh")) {
			return "", "", ErrBodyHashDidNotVerify
		}
	}

	headersHash := computeHeadersHash(headerCan, h.tag("h"), algo, sigField, mail)

	sig, err := base64.StdEncoding.DecodeString(stripWhitespace(h.tag("b")))
	if err != nil {
		return "", "", syntaxErrorf(-1, "failed to decode signature: %v", err)
	}

	if err := key.verify(algo, headersHash, sig); err != nil {
		return "", "", err
	}
	return headerCan, bodyCan, nil
}

func checkExpiration(h *Header) error {
	x, ok := h.Tag("x")
	if !ok {
		return nil
	}
	sec, err := strconv.ParseInt(stripWhitespace(x), 10, 64)
	if err != nil {
		return syntaxErrorf(-1, "malformed expiration time %q", x)
	}
	if now().After(time.Unix(sec, 0).Add(expirationDrift)) {
		return ErrSignatureExpired
	}
	return nil
}

// CanonicalizeSignedEmail reconstructs the byte sequences covered by the
// first DKIM-Signature header of a raw message: the canonical header block
// (with the b= value erased), the canonical body, and the decoded signature
// bytes. These are the inputs to the cryptographic check, which makes them
// useful for debugging and for proof systems that re-verify the signature
// externally. The canonical body is returned whole: an l= tag is not
// applied to it.
func CanonicalizeSignedEmail(b []byte) (headers, body, signature []byte, err error) {
	mail, err := parseMailBytes(b)
	if err != nil {
		return nil, nil, nil, err
	}

	sigFields := mail.signatureFields()
	if len(sigFields) == 0 {
		return nil, nil, nil, errors.New("dkim: no DKIM-Signature header")
	}
	sigField := sigFields[0]

	_, value := parseHeaderField(sigField)
	h, err := parseHeader(value)
	if err != nil {
		return nil, nil, nil, err
	}

	b64, ok := h.Tag("b")
	if !ok {
		return nil, nil, nil, &MissingTagError{Tag: "b"}
	}
	signature, err = base64.StdEncoding.DecodeString(stripWhitespace(b64))
	if err != nil {
		return nil, nil, nil, syntaxErrorf(-1, "failed to decode signature: %v", err)
	}

	headerCan, bodyCan, err := parseCanonicalization(h.tag("c"))
	if err != nil {
		return nil, nil, nil, err
	}

	headers = canonicalHeaders(headerCan, h.tag("h"), sigField, mail)

	var buf bytes.Buffer
	wc := canonicalizers[bodyCan].CanonicalizeBody(&buf)
	if _, err := wc.Write(mail.Body()); err != nil {
		return nil, nil, nil, err
	}
	if err := wc.Close(); err != nil {
		return nil, nil, nil, err
	}
	body = buf.Bytes()

	return headers, body, signature, nil
}
