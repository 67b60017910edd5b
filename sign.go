package cfdkim

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ed25519"
)

var randReader io.Reader = rand.Reader

// SignOptions is used to configure Sign. Domain, Selector and Signer are
// mandatory.
type SignOptions struct {
	// The SDID claiming responsibility for an introduction of a message
	// into the mail stream. It is used to form the query for the public
	// key, so it must be a valid DNS name under which the key record is
	// published.
	Domain string
	// The selector subdividing the namespace for the domain.
	Selector string
	// The Agent or User Identifier (AUID) on behalf of which the SDID is
	// taking responsibility.
	Identifier string

	// The key used to sign the message: an *rsa.PrivateKey or an
	// ed25519.PrivateKey.
	Signer crypto.Signer
	// The hash algorithm used to sign the message. Zero means SHA-256;
	// Ed25519 keys always use SHA-256.
	Hash crypto.Hash

	// Header and body canonicalization algorithms. Zero values mean simple.
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization

	// A list of header fields to include in the signature. If nil, all
	// message headers are signed. If not nil, "From" must be in the list.
	//
	// See RFC 6376 section 5.4.1 for recommended header fields.
	HeaderKeys []string

	// The expiration time. A zero value means no expiration.
	Expiration time.Time

	// A list of query methods used to retrieve the public key.
	QueryMethods []string
}

// Sign signs a message. It reads it from r and writes the signed version,
// the new DKIM-Signature header first, to w. Signing is deterministic for
// identical inputs apart from the t= timestamp.
func Sign(w io.Writer, r io.Reader, options *SignOptions) error {
	if options == nil {
		return fmt.Errorf("dkim: no options specified")
	}
	if options.Domain == "" {
		return fmt.Errorf("dkim: no domain specified")
	}
	if options.Selector == "" {
		return fmt.Errorf("dkim: no selector specified")
	}
	if options.Signer == nil {
		return fmt.Errorf("dkim: no signer specified")
	}

	headerCan := options.HeaderCanonicalization
	if headerCan == "" {
		headerCan = CanonicalizationSimple
	}
	bodyCan := options.BodyCanonicalization
	if bodyCan == "" {
		bodyCan = CanonicalizationSimple
	}
	if _, ok := canonicalizers[headerCan]; !ok {
		return fmt.Errorf("%w %q", ErrUnsupportedCanonicalization, headerCan)
	}
	if _, ok := canonicalizers[bodyCan]; !ok {
		return fmt.Errorf("%w %q", ErrUnsupportedCanonicalization, bodyCan)
	}

	var keyType KeyType
	switch options.Signer.Public().(type) {
	case *rsa.PublicKey:
		keyType = KeyTypeRSA
	case ed25519.PublicKey:
		keyType = KeyTypeEd25519
	default:
		return fmt.Errorf("%w algorithm %T", ErrKeyUnsupported, options.Signer.Public())
	}

	hash := options.Hash
	switch hash {
	case 0:
		hash = crypto.SHA256
	case crypto.SHA1, crypto.SHA256:
	default:
		return ErrUnsupportedHashAlgorithm
	}
	if keyType == KeyTypeEd25519 && hash != crypto.SHA256 {
		return fmt.Errorf("%w: Ed25519 requires SHA-256", ErrUnsupportedHashAlgorithm)
	}

	hashName := "sha256"
	if hash == crypto.SHA1 {
		hashName = "sha1"
	}

	if options.HeaderKeys != nil {
		ok := false
		for _, k := range options.HeaderKeys {
			if strings.EqualFold(k, "from") {
				ok = true
				break
			}
		}
		if !ok {
			return ErrFromFieldNotSigned
		}
	}

	// Read the message header.
	br := bufio.NewReader(r)
	fields, err := readHeader(br)
	if err != nil {
		return err
	}

	// Hash the body, keeping a copy to write out afterwards.
	var body bytes.Buffer
	hasher := hash.New()
	can := canonicalizers[bodyCan].CanonicalizeBody(hasher)
	if _, err := io.Copy(io.MultiWriter(&body, can), br); err != nil {
		return err
	}
	if err := can.Close(); err != nil {
		return err
	}
	bodyHashed := hasher.Sum(nil)

	params := map[string]string{
		"v":  "1",
		"a":  string(keyType) + "-" + hashName,
		"bh": base64.StdEncoding.EncodeToString(bodyHashed),
		"c":  string(headerCan) + "/" + string(bodyCan),
		"d":  options.Domain,
		"s":  options.Selector,
		"t":  formatTime(now()),
	}

	var headerKeys []string
	if options.HeaderKeys != nil {
		headerKeys = options.HeaderKeys
	} else {
		for _, field := range fields {
			k, _ := parseHeaderField(field)
			headerKeys = append(headerKeys, k)
		}
	}
	params["h"] = strings.Join(headerKeys, ":")

	if options.Identifier != "" {
		params["i"] = options.Identifier
	}
	if options.QueryMethods != nil {
		params["q"] = strings.Join(options.QueryMethods, ":")
	}
	if !options.Expiration.IsZero() {
		params["x"] = formatTime(options.Expiration)
	}

	// Hash the headers, followed by the signature header itself with an
	// empty b= value.
	hasher.Reset()
	picker := newHeaderPicker(fields)
	for _, k := range headerKeys {
		field := picker.Pick(k)
		if field == "" {
			continue
		}
		if _, err := hasher.Write([]byte(canonicalizers[headerCan].CanonicalizeHeader(field))); err != nil {
			return err
		}
	}

	params["b"] = ""
	sigField := canonicalizers[headerCan].CanonicalizeHeader(formatSignature(params))
	sigField = strings.TrimRight(sigField, crlf)
	if _, err := hasher.Write([]byte(sigField)); err != nil {
		return err
	}
	hashed := hasher.Sum(nil)

	// Ed25519 signs the digest of the canonical header block directly
	// (RFC 8463); RSA wraps it in PKCS#1 v1.5.
	sigOpts := crypto.SignerOpts(hash)
	if keyType == KeyTypeEd25519 {
		sigOpts = crypto.Hash(0)
	}
	sig, err := options.Signer.Sign(randReader, hashed, sigOpts)
	if err != nil {
		return err
	}
	params["b"] = base64.StdEncoding.EncodeToString(sig)

	if _, err := io.WriteString(w, formatSignature(params)); err != nil {
		return err
	}
	for _, field := range fields {
		if _, err := io.WriteString(w, field); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, crlf); err != nil {
		return err
	}

	_, err = io.Copy(w, &body)
	return err
}

func formatSignature(params map[string]string) string {
	return headerFieldName + ":" + formatHeaderParams(params) + crlf
}

// formatHeaderParams renders the tag-list folded at 75 columns, tags in
// alphabetical order with b= last on its own continuation line, so the
// rendering of every tag but b= is independent of the signature value.
func formatHeaderParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	hasB := false
	for k := range params {
		if k == "b" {
			hasB = true
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if hasB {
		keys = append(keys, "b")
	}

	var s strings.Builder
	avail := 75 - len(headerFieldName) - 1

	for _, k := range keys {
		v := params[k]

		chars := len(k) + len(v) + 3 // " k=v;"
		if avail < chars || k == "b" {
			s.WriteString(crlf)
			avail = 75
		}
		s.WriteByte(' ')

		avail -= chars
		if avail < 0 {
			if k == "h" {
				s.WriteString(wrapHeaderList(v))
			} else {
				s.WriteString(foldField(k + "=" + v + ";"))
			}
		} else {
			s.WriteString(k)
			s.WriteByte('=')
			s.WriteString(v)
			s.WriteByte(';')
		}
	}
	return s.String()
}

// "Folding whitespace (FWS) MAY be included on either side of the colon
// separator." https://tools.ietf.org/html/rfc6376#section-3.5
func wrapHeaderList(values string) string {
	var s strings.Builder
	s.WriteString("h=")

	headers := strings.Split(values, ":")
	avail := 75 - len(" h=")

	for i, header := range headers {
		chars := len(header) + 1
		if avail < chars {
			avail = 75
			s.WriteString(crlf)
			s.WriteByte(' ')
		}
		avail -= chars

		s.WriteString(header)
		if i == len(headers)-1 {
			s.WriteByte(';')
		} else {
			s.WriteByte(':')
		}
	}
	return s.String()
}

// foldField breaks an overlong tag-spec into 75-byte continuation lines.
func foldField(kv string) string {
	buf := bytes.NewBufferString(kv)

	line := make([]byte, 75) // 78 - len("\r\n\s")
	first := true
	var fold strings.Builder
	for n, err := buf.Read(line); err != io.EOF; n, err = buf.Read(line) {
		if first {
			first = false
		} else {
			fold.WriteString("\r\n ")
		}
		fold.Write(line[:n])
	}

	return fold.String()
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
