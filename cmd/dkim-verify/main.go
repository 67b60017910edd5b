// dkim-verify reads a message on stdin and verifies its DKIM signatures
// against the sender domain, printing an Authentication-Results header for
// the outcome.
package main

import (
	"flag"
	"fmt"
	"net/mail"
	"os"
	"strings"

	"blitiri.com.ar/go/log"
	"github.com/emersion/go-msgauth/authres"

	"github.com/zkemail/cfdkim"
)

var (
	fromDomain = flag.String("d", "",
		"domain to verify against (default: domain of the From header)")
	identity = flag.String("i", "",
		"authserv-id for the Authentication-Results header (default: hostname)")
)

func main() {
	flag.Parse()
	log.Init()

	msg, err := cfdkim.ParseMail(os.Stdin)
	if err != nil {
		log.Fatalf("Error parsing message: %v", err)
	}

	domain := *fromDomain
	if domain == "" {
		domain, err = senderDomain(msg)
		if err != nil {
			log.Fatalf("Error determining sender domain: %v", err)
		}
	}
	log.Debugf("Verifying signatures for %q", domain)

	res, err := cfdkim.VerifyEmail(domain, msg)
	if err != nil {
		log.Fatalf("Error verifying message: %v", err)
	}
	log.Infof("%s: %s", domain, res)

	id := *identity
	if id == "" {
		id, err = os.Hostname()
		if err != nil {
			log.Fatalf("Error reading hostname: %v", err)
		}
	}

	var value authres.ResultValue
	switch res.Summary {
	case cfdkim.SummaryPass:
		value = authres.ResultPass
	case cfdkim.SummaryNeutral:
		value = authres.ResultNone
	default:
		value = authres.ResultFail
	}
	ar := authres.Format(id, []authres.Result{
		&authres.DKIMResult{Value: value, Domain: domain},
	})
	fmt.Printf("Authentication-Results: %s\n", ar)

	if res.Summary != cfdkim.SummaryPass {
		os.Exit(1)
	}
}

func senderDomain(msg *cfdkim.Mail) (string, error) {
	from, ok := msg.HeaderValue("From")
	if !ok {
		return "", fmt.Errorf("message has no From header")
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return "", err
	}
	parts := strings.SplitN(addr.Address, "@", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed address %q: missing '@'", addr.Address)
	}
	return parts[1], nil
}
