package cfdkim

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ed25519"
)

// A Resolver looks up TXT records. It is the only capability the verifier
// needs from the network, so hosts without UDP sockets can substitute e.g. a
// DNS-over-HTTPS client, and tests a fixture map.
type Resolver interface {
	LookupTXT(name string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupTXT(name string) ([]string, error) {
	return net.LookupTXT(name)
}

// KeyType identifies the variant held by a PublicKey.
type KeyType string

const (
	KeyTypeRSA     KeyType = "rsa"
	KeyTypeEd25519 KeyType = "ed25519"
)

// A PublicKey is the verifying material discovered in DNS. Exactly one of
// the key fields is set, selected by Type.
type PublicKey struct {
	Type    KeyType
	RSA     *rsa.PublicKey
	Ed25519 ed25519.PublicKey

	hashAlgos []string // h= restriction from the key record, nil means any
	services  []string // s= restriction, nil means any
	flags     []string // t= flags
}

// NewPublicKey builds a PublicKey from raw key material as published in the
// p= tag of a key record. An empty keyType means rsa.
func NewPublicKey(material []byte, keyType string) (*PublicKey, error) {
	switch strings.ToLower(keyType) {
	case "rsa", "":
		return parseRSAKey(material)
	case "ed25519":
		return parseEd25519Key(material)
	default:
		return nil, fmt.Errorf("%w type %q", ErrKeyUnsupported, keyType)
	}
}

func parseRSAKey(der []byte) (*PublicKey, error) {
	// Keys in the wild are published both as SubjectPublicKeyInfo and as a
	// bare RSAPublicKey (RFC 6376 erratum 3017), so accept both encodings.
	var rsaPub *rsa.PublicKey
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		var ok bool
		if rsaPub, ok = pub.(*rsa.PublicKey); !ok {
			return nil, fmt.Errorf("%w: not an RSA public key", ErrKeySyntax)
		}
	} else if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		rsaPub = pub
	} else {
		return nil, fmt.Errorf("%w: %v", ErrKeySyntax, err)
	}

	// RFC 8301 section 3.2: signatures from keys shorter than 1024 bits
	// must not be considered valid.
	if rsaPub.Size()*8 < 1024 {
		return nil, fmt.Errorf("%w: key is too short: %d bits", ErrKeyUnsupported, rsaPub.Size()*8)
	}

	return &PublicKey{Type: KeyTypeRSA, RSA: rsaPub}, nil
}

func parseEd25519Key(b []byte) (*PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: invalid Ed25519 key length %d", ErrKeySyntax, len(b))
	}
	return &PublicKey{Type: KeyTypeEd25519, Ed25519: ed25519.PublicKey(b)}, nil
}

// allows reports whether the key record permits verifying with algo.
func (pk *PublicKey) allows(algo HashAlgorithm) error {
	if pk.Type != algo.keyType() {
		return fmt.Errorf("%w: %s key cannot verify %s", ErrKeyUnsupported, pk.Type, algo)
	}
	if pk.hashAlgos != nil {
		ok := false
		for _, h := range pk.hashAlgos {
			if h == algo.hashName() {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w for this key", ErrUnsupportedHashAlgorithm)
		}
	}
	if pk.services != nil {
		ok := false
		for _, s := range pk.services {
			if s == "email" {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: key record does not cover email", ErrKeyUnsupported)
		}
	}
	return nil
}

// verify checks sig over hashed, the digest of the canonical header block.
// RSA keys check the PKCS#1 v1.5 signature over the digest; Ed25519 keys
// take the digest itself as the signed message (RFC 8463).
func (pk *PublicKey) verify(algo HashAlgorithm, hashed, sig []byte) error {
	switch pk.Type {
	case KeyTypeRSA:
		if err := rsa.VerifyPKCS1v15(pk.RSA, algo.hash(), hashed, sig); err != nil {
			return ErrSignatureDidNotVerify
		}
	case KeyTypeEd25519:
		if len(sig) != ed25519.SignatureSize {
			return syntaxErrorf(-1, "Ed25519 signature must be %d bytes, got %d", ed25519.SignatureSize, len(sig))
		}
		if !ed25519.Verify(pk.Ed25519, hashed, sig) {
			return ErrSignatureDidNotVerify
		}
	default:
		return fmt.Errorf("%w type %q", ErrKeyUnsupported, pk.Type)
	}
	return nil
}

// retrievePublicKey resolves and parses the key record published at
// <selector>._domainkey.<domain>.
func retrievePublicKey(resolver Resolver, domain, selector string) (*PublicKey, error) {
	name := selector + "." + dnsNamespace + "." + domain
	txts, err := resolver.LookupTXT(name)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.Temporary() {
			return nil, &InternalError{Msg: "DNS lookup of " + name + " failed", Err: err}
		}
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	// Long keys are split across multiple strings; they concatenate without
	// a separator.
	return parseKeyRecord(strings.Join(txts, ""))
}

// parseKeyRecord parses a TXT record as the tag-list of RFC 6376
// section 3.6.1.
func parseKeyRecord(txt string) (*PublicKey, error) {
	tags, err := parseTagList(txt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySyntax, err)
	}

	var keyType, material string
	var hasMaterial bool
	var hashAlgos, services, flags []string
	for _, t := range tags {
		switch t.Name {
		case "v":
			if t.Value != "DKIM1" {
				return nil, fmt.Errorf("%w: incompatible record version %q", ErrKeySyntax, t.Value)
			}
		case "k":
			keyType = t.Value
		case "p":
			material = stripWhitespace(t.Value)
			hasMaterial = true
		case "h":
			hashAlgos = parseColonList(t.Value)
		case "s":
			services = parseColonList(t.Value)
			for _, s := range services {
				if s == "*" {
					services = nil
					break
				}
			}
		case "t":
			flags = parseColonList(t.Value)
		}
		// n=, g= and unknown tags are tolerated.
	}

	if !hasMaterial {
		return nil, fmt.Errorf("%w: missing public key data", ErrKeySyntax)
	}
	if material == "" {
		return nil, ErrKeyRevoked
	}

	der, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeySyntax, err)
	}

	pk, err := NewPublicKey(der, keyType)
	if err != nil {
		return nil, err
	}
	pk.hashAlgos = hashAlgos
	pk.services = services
	pk.flags = flags
	return pk, nil
}
