// Package middleware provides a go-mail middleware that DKIM-signs outgoing
// messages with the cfdkim signer.
package middleware

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/zkemail/cfdkim"
)

// Type is the type of this Middleware
const Type mail.MiddlewareType = "dkim"

var (
	ErrDecodePEMFailed   = errors.New("failed to decode PEM block")
	ErrNotEd25519Key     = errors.New("provided key is not of type Ed25519")
	ErrInvalidExpiration = errors.New("expiration date must be in the future")
	ErrEmptyDomain       = errors.New("DKIM signing domain must not be empty")
	ErrEmptySelector     = errors.New("DKIM domain selector must not be empty")
)

// SignerConfig describes how outgoing messages are signed.
type SignerConfig struct {
	// Domain is the Signing Domain Identifier (SDID). Mandatory.
	Domain string

	// Selector subdivides the key namespace for the domain. Mandatory.
	Selector string

	// AUID is the optional Agent or User Identifier (i= tag).
	AUID string

	// Canonicalization for the message header and body. Zero values mean
	// simple.
	HeaderCanonicalization cfdkim.Canonicalization
	BodyCanonicalization   cfdkim.Canonicalization

	// Hash used for signing. Zero means SHA-256.
	Hash crypto.Hash

	// HeaderFields to sign. If nil, every header of the message is signed;
	// otherwise the list must contain "From".
	HeaderFields []string

	// Expiration of the signature. A zero value means no expiration.
	Expiration time.Time
}

func (sc *SignerConfig) validate() error {
	if sc.Domain == "" {
		return ErrEmptyDomain
	}
	if sc.Selector == "" {
		return ErrEmptySelector
	}
	if !sc.Expiration.IsZero() && sc.Expiration.Before(time.Now()) {
		return ErrInvalidExpiration
	}
	return nil
}

// Middleware signs a rendered copy of the message and re-attaches the
// resulting DKIM-Signature header.
type Middleware struct {
	so *cfdkim.SignOptions
}

// NewFromRSAKey returns a new Middleware from a PEM-encoded PKCS#1 RSA
// private key.
func NewFromRSAKey(k []byte, sc *SignerConfig) (*Middleware, error) {
	dp, _ := pem.Decode(k)
	if dp == nil {
		return nil, ErrDecodePEMFailed
	}
	pk, err := x509.ParsePKCS1PrivateKey(dp.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newMiddleware(sc, pk)
}

// NewFromEd25519Key returns a new Middleware from a PEM-encoded PKCS#8
// Ed25519 private key.
func NewFromEd25519Key(k []byte, sc *SignerConfig) (*Middleware, error) {
	dp, _ := pem.Decode(k)
	if dp == nil {
		return nil, ErrDecodePEMFailed
	}
	apk, err := x509.ParsePKCS8PrivateKey(dp.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	pk, ok := apk.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrNotEd25519Key
	}
	return newMiddleware(sc, pk)
}

func newMiddleware(sc *SignerConfig, signer crypto.Signer) (*Middleware, error) {
	if sc == nil {
		sc = &SignerConfig{}
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return &Middleware{so: &cfdkim.SignOptions{
		Domain:                 sc.Domain,
		Selector:               sc.Selector,
		Identifier:             sc.AUID,
		Signer:                 signer,
		Hash:                   sc.Hash,
		HeaderCanonicalization: sc.HeaderCanonicalization,
		BodyCanonicalization:   sc.BodyCanonicalization,
		HeaderKeys:             sc.HeaderFields,
		Expiration:             sc.Expiration,
	}}, nil
}

// Handle signs the rendered message and attaches the DKIM-Signature header.
// A message that fails to render or sign is returned unmodified.
func (d Middleware) Handle(m *mail.Msg) *mail.Msg {
	var rendered bytes.Buffer
	if _, err := m.WriteToSkipMiddleware(&rendered, Type); err != nil {
		return m
	}

	var signed bytes.Buffer
	if err := cfdkim.Sign(&signed, &rendered, d.so); err != nil {
		return m
	}
	header, err := extractSignatureHeader(&signed)
	if err != nil {
		return m
	}
	if header != "" {
		m.SetGenHeaderPreformatted("DKIM-Signature", header)
	}
	return m
}

// Type returns the MiddlewareType for this Middleware
func (d Middleware) Type() mail.MiddlewareType {
	return Type
}

// extractSignatureHeader returns the value of the DKIM-Signature field that
// cfdkim.Sign emits at the top of the signed message.
func extractSignatureHeader(b *bytes.Buffer) (string, error) {
	br := bufio.NewReader(b)
	var value strings.Builder
	first := true
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("missing signature header: %w", err)
		}
		if first {
			if !strings.HasPrefix(line, "DKIM-Signature:") {
				return "", errors.New("signed message does not start with a signature")
			}
			value.WriteString(strings.TrimPrefix(line, "DKIM-Signature:"))
			first = false
			continue
		}
		if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
			value.WriteString(line)
			continue
		}
		break
	}
	return strings.TrimSuffix(strings.TrimPrefix(value.String(), " "), "\r\n"), nil
}
