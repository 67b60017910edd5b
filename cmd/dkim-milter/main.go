// dkim-milter verifies the DKIM signatures of incoming messages and signs
// messages submitted from the configured domains.
package main

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/mail"
	"net/textproto"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/emersion/go-milter"
	"github.com/emersion/go-msgauth/authres"
	"golang.org/x/crypto/ed25519"

	"github.com/zkemail/cfdkim"
)

var (
	signDomains    stringSliceFlag
	identity       string
	listenURI      string
	privateKeyPath string
	selector       string
	verbose        bool
)

var privateKey crypto.Signer

var signHeaderKeys = []string{
	"From",
	"Reply-To",
	"Subject",
	"Date",
	"To",
	"Cc",
	"In-Reply-To",
	"References",
	"List-Id",
	"List-Unsubscribe",
}

func init() {
	flag.Var(&signDomains, "d", "Domain(s) whose mail should be signed")
	flag.StringVar(&identity, "i", "", "Server identity (defaults to hostname)")
	flag.StringVar(&listenURI, "l", "unix:///tmp/dkim-milter.sock", "Listen URI")
	flag.StringVar(&privateKeyPath, "k", "", "Private key (PEM-formatted)")
	flag.StringVar(&selector, "s", "", "Selector")
	flag.BoolVar(&verbose, "v", false, "Enable verbose logging")
}

type stringSliceFlag []string

func (f *stringSliceFlag) String() string {
	return strings.Join(*f, ", ")
}

func (f *stringSliceFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

type session struct {
	authResDelete []int
	buf           bytes.Buffer
	fromDomain    string
	signDomain    string
}

func (s *session) Connect(host string, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	return nil, nil
}

func (s *session) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	return nil, nil
}

func (s *session) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	return nil, nil
}

func (s *session) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	return nil, nil
}

func parseAddressDomain(s string) (string, error) {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}

	parts := strings.SplitN(addr.Address, "@", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("dkim-milter: malformed address: missing '@'")
	}

	return parts[1], nil
}

func (s *session) Header(name string, value string, m *milter.Modifier) (milter.Response, error) {
	if strings.EqualFold(name, "From") {
		domain, err := parseAddressDomain(value)
		if err != nil {
			return nil, fmt.Errorf("dkim-milter: failed to parse header field %q: %v", name, err)
		}
		s.fromDomain = domain

		for _, d := range signDomains {
			if strings.EqualFold(d, domain) {
				s.signDomain = d
				break
			}
		}
	}

	field := name + ": " + value + "\r\n"
	_, err := s.buf.WriteString(field)
	return milter.RespContinue, err
}

func getIdentity(authRes string) string {
	parts := strings.SplitN(authRes, ";", 2)
	return strings.TrimSpace(parts[0])
}

func (s *session) Headers(h textproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	// Final CRLF delimiting the body.
	if _, err := s.buf.WriteString("\r\n"); err != nil {
		return nil, err
	}

	// Delete any existing Authentication-Results field with our identity.
	fields := h["Authentication-Results"]
	for i, field := range fields {
		if strings.EqualFold(identity, getIdentity(field)) {
			s.authResDelete = append(s.authResDelete, i)
		}
	}

	return milter.RespContinue, nil
}

func (s *session) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	if _, err := s.buf.Write(chunk); err != nil {
		return nil, err
	}
	return milter.RespContinue, nil
}

func (s *session) Body(m *milter.Modifier) (milter.Response, error) {
	for _, index := range s.authResDelete {
		if err := m.ChangeHeader(index, "Authentication-Results", ""); err != nil {
			return nil, err
		}
	}

	msgBytes := s.buf.Bytes()

	if s.signDomain != "" {
		header, err := signMessage(msgBytes, s.signDomain)
		if err != nil {
			return nil, err
		}
		if err := m.InsertHeader(0, "DKIM-Signature", header); err != nil {
			return nil, err
		}
	}

	results := s.verifyMessage(msgBytes)
	v := authres.Format(identity, results)
	if err := m.InsertHeader(0, "Authentication-Results", v); err != nil {
		return nil, err
	}

	return milter.RespAccept, nil
}

func (s *session) verifyMessage(msgBytes []byte) []authres.Result {
	if s.fromDomain == "" {
		return []authres.Result{&authres.DKIMResult{Value: authres.ResultNone}}
	}

	msg, err := cfdkim.ParseMail(bytes.NewReader(msgBytes))
	if err != nil {
		if verbose {
			log.Printf("Failed to parse message: %v", err)
		}
		return []authres.Result{&authres.DKIMResult{Value: authres.ResultPermError}}
	}

	res, err := cfdkim.VerifyEmail(s.fromDomain, msg)
	if err != nil {
		if verbose {
			log.Printf("Failed to verify message for %v: %v", s.fromDomain, err)
		}
		return []authres.Result{&authres.DKIMResult{Value: authres.ResultTempError}}
	}
	if verbose {
		log.Printf("DKIM verification for %v: %v", s.fromDomain, res)
	}

	var value authres.ResultValue
	switch res.Summary {
	case cfdkim.SummaryPass:
		value = authres.ResultPass
	case cfdkim.SummaryNeutral:
		value = authres.ResultNone
	default:
		value = classifyFailure(res.Err)
	}

	return []authres.Result{
		&authres.DKIMResult{Value: value, Domain: s.fromDomain},
	}
}

// classifyFailure maps the error taxonomy onto RFC 8601 result values:
// transport problems are temporary, crypto mismatches are plain failures,
// everything else is a broken signature.
func classifyFailure(err error) authres.ResultValue {
	var internal *cfdkim.InternalError
	if errors.As(err, &internal) {
		return authres.ResultTempError
	}
	if errors.Is(err, cfdkim.ErrBodyHashDidNotVerify) || errors.Is(err, cfdkim.ErrSignatureDidNotVerify) {
		return authres.ResultFail
	}
	return authres.ResultPermError
}

func signMessage(msgBytes []byte, domain string) (string, error) {
	opts := &cfdkim.SignOptions{
		Domain:                 domain,
		Selector:               selector,
		Signer:                 privateKey,
		HeaderCanonicalization: cfdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   cfdkim.CanonicalizationRelaxed,
		HeaderKeys:             signHeaderKeys,
	}

	var signed bytes.Buffer
	if err := cfdkim.Sign(&signed, bytes.NewReader(msgBytes), opts); err != nil {
		return "", err
	}
	return extractSignatureHeader(&signed)
}

// extractSignatureHeader returns the value of the DKIM-Signature field that
// Sign emits at the top of the signed message.
func extractSignatureHeader(r io.Reader) (string, error) {
	br := bufio.NewReader(r)
	var value strings.Builder
	first := true
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("dkim-milter: missing signature header: %v", err)
		}
		if first {
			if !strings.HasPrefix(line, "DKIM-Signature:") {
				return "", fmt.Errorf("dkim-milter: signed message does not start with a signature")
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

func loadPrivateKey(path string) (crypto.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("no PEM data found")
	}

	switch strings.ToUpper(block.Type) {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	case "EDDSA PRIVATE KEY":
		if len(block.Bytes) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("invalid Ed25519 private key size")
		}
		return ed25519.PrivateKey(block.Bytes), nil
	default:
		return nil, fmt.Errorf("unknown private key type: '%v'", block.Type)
	}
}

func main() {
	flag.Parse()

	if identity == "" {
		var err error
		identity, err = os.Hostname()
		if err != nil {
			log.Fatal("Failed to read hostname: ", err)
		}
	}

	if (len(signDomains) > 0 || privateKeyPath != "" || selector != "") && !(len(signDomains) > 0 && privateKeyPath != "" && selector != "") {
		log.Fatal("Domain(s) (-d), private key (-k) and selector (-s) must all be specified")
	}

	if privateKeyPath != "" {
		var err error
		privateKey, err = loadPrivateKey(privateKeyPath)
		if err != nil {
			log.Fatalf("Failed to load private key from '%v': %v", privateKeyPath, err)
		}
	}

	parts := strings.SplitN(listenURI, "://", 2)
	if len(parts) != 2 {
		log.Fatal("Invalid listen URI")
	}
	listenNetwork, listenAddr := parts[0], parts[1]

	s := milter.Server{
		NewMilter: func() milter.Milter {
			return &session{}
		},
		Actions:  milter.OptAddHeader | milter.OptChangeHeader,
		Protocol: milter.OptNoConnect | milter.OptNoHelo | milter.OptNoMailFrom | milter.OptNoRcptTo,
	}

	ln, err := net.Listen(listenNetwork, listenAddr)
	if err != nil {
		log.Fatal("Failed to setup listener: ", err)
	}

	// Closing the listener will unlink the unix socket, if any
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		if err := s.Close(); err != nil {
			log.Fatal("Failed to close server: ", err)
		}
	}()

	log.Println("Milter listening at", listenURI)
	if err := s.Serve(ln); err != nil && err != milter.ErrServerClosed {
		log.Fatal("Failed to serve: ", err)
	}
}
