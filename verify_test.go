package cfdkim

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func newMailString(s string) string {
	return strings.Replace(s, "\n", "\r\n", -1)
}

func parseMailString(t *testing.T, s string) *Mail {
	t.Helper()
	mail, err := ParseMail(strings.NewReader(s))
	if err != nil {
		t.Fatalf("ParseMail() unexpected error: %v", err)
	}
	return mail
}

const unsignedMailString = `From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game. Are you hungry yet?

Joe.
`

// RFC 8463 appendix A example, signed with both an Ed25519 and an RSA key.
const ed25519MailString = `DKIM-Signature: v=1; a=ed25519-sha256; c=relaxed/relaxed;
 d=football.example.com; i=@football.example.com;
 q=dns/txt; s=brisbane; t=1528637909; h=from : to :
 subject : date : message-id : from : subject : date;
 bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
 b=/gCrinpcQOoIfuHNQIbq4pgh9kyIK3AQUdt9OdqQehSwhEIug4D11Bus
 Fa3bT3FY5OsU7ZbnKELq+eXdp1Q1Dw==
DKIM-Signature: v=1; a=rsa-sha256; c=relaxed/relaxed;
 d=football.example.com; i=@football.example.com;
 q=dns/txt; s=test; t=1528637909; h=from : to : subject :
 date : message-id : from : subject : date;
 bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
 b=F45dVWDfMbQDGHJFlXUNB2HKfbCeLRyhDXgFpEL8GwpsRe0IeIixNTe3
 DhCVlUrSjV4BwcVcOF6+FF3Zo9Rpo1tFOeS9mPYQTnGdaSGsgeefOsk2Jz
 dA+L10TeYt9BgDfQNZtKdN1WO//KgIqXP7OdEFE4LjFYNcUxZQ4FADY+8=
From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game.  Are you hungry yet?

Joe.
`

// RFC 6376 appendix A.2 example message with its official signature.
const rsaMailString = `DKIM-Signature: v=1; a=rsa-sha256; s=brisbane; d=example.com;
      c=simple/simple; q=dns/txt; i=joe@football.example.com;
      h=Received : From : To : Subject : Date : Message-ID;
      bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
      b=AuUoFEfDxTDkHlLXSZEpZj79LICEps6eda7W3deTVFOk4yAUoqOB
      4nujc7YopdG5dWLSdNg6xNAZpOPr+kHxt1IrE+NahM6L/LbvaHut
      KVdkLLkpVaVVQPzeRDI009SO2Il5Lu7rDNH6mZckBdrIx0orEtZV
      4bmp/YzhwvcubU4=;
Received: from client1.football.example.com  [192.0.2.1]
      by submitserver.example.com with SUBMISSION;
      Fri, 11 Jul 2003 21:01:54 -0700 (PDT)
From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game. Are you hungry yet?

Joe.
`

// The same message signed by a signer publishing its RSA key as bare
// RSAPublicKey DER, under the newengland selector.
const newenglandMailString = `DKIM-Signature: a=rsa-sha256; bh=2jUSOH9NhtVGCQWNr9BrIAPreKQjO6Sn7XIkfJVOzv8=;
 c=simple/simple; d=example.com;
 h=Received:From:To:Subject:Date:Message-ID; i=joe@football.example.com;
 s=newengland; t=1615825284; v=1;
 b=Xh4Ujb2wv5x54gXtulCiy4C0e+plRm6pZ4owF+kICpYzs/8WkTVIDBrzhJP0DAYCpnL62T0G
 k+0OH8pi/yqETVjKtKk+peMnNvKkut0GeWZMTze0bfq3/JUK3Ln3jTzzpXxrgVnvBxeY9EZIL4g
 s4wwFRRKz/1bksZGSjD8uuSU=
Received: from client1.football.example.com  [192.0.2.1]
      by submitserver.example.com with SUBMISSION;
      Fri, 11 Jul 2003 21:01:54 -0700 (PDT)
From: Joe SixPack <joe@football.example.com>
To: Suzie Q <suzie@shopping.example.net>
Subject: Is dinner ready?
Date: Fri, 11 Jul 2003 21:00:37 -0700 (PDT)
Message-ID: <20030712040037.46341.5F8J@football.example.com>

Hi.

We lost the game. Are you hungry yet?

Joe.
`

func TestVerifyEmail_unsigned(t *testing.T) {
	mail := parseMailString(t, newMailString(unsignedMailString))

	res, err := VerifyEmailWithResolver("football.example.com", mail, testResolver)
	if err != nil {
		t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
	}
	if res.Summary != SummaryNeutral {
		t.Errorf("result = %v, want neutral", res)
	}
}

func TestVerifyEmail_ed25519(t *testing.T) {
	mail := parseMailString(t, newMailString(ed25519MailString))

	res, err := VerifyEmailWithResolver("football.example.com", mail, testResolver)
	if err != nil {
		t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
	}
	if res.Summary != SummaryPass {
		t.Fatalf("result = %v, want pass", res)
	}
	if res.Domain != "football.example.com" {
		t.Errorf("domain = %q", res.Domain)
	}
	if res.HeaderCanonicalization != CanonicalizationRelaxed || res.BodyCanonicalization != CanonicalizationRelaxed {
		t.Errorf("canonicalization = %v/%v, want relaxed/relaxed",
			res.HeaderCanonicalization, res.BodyCanonicalization)
	}
}

func TestVerifyEmail_rsa(t *testing.T) {
	mail := parseMailString(t, newMailString(rsaMailString))

	res, err := VerifyEmailWithResolver("example.com", mail, testResolver)
	if err != nil {
		t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
	}
	if res.Summary != SummaryPass {
		t.Fatalf("result = %v, want pass", res)
	}
	if res.HeaderCanonicalization != CanonicalizationSimple || res.BodyCanonicalization != CanonicalizationSimple {
		t.Errorf("canonicalization = %v/%v, want simple/simple",
			res.HeaderCanonicalization, res.BodyCanonicalization)
	}
}

func TestVerifyEmail_rsaPKCS1Record(t *testing.T) {
	mail := parseMailString(t, newMailString(newenglandMailString))

	res, err := VerifyEmailWithResolver("example.com", mail, testResolver)
	if err != nil {
		t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
	}
	if res.Summary != SummaryPass {
		t.Fatalf("result = %v, want pass", res)
	}
}

func TestVerifyEmail_headerNameCase(t *testing.T) {
	// Relaxed canonicalization folds header-name case, so the result must
	// not depend on it.
	s := strings.Replace(ed25519MailString, "From: Joe", "FROM: Joe", 1)
	mail := parseMailString(t, newMailString(s))

	res, err := VerifyEmailWithResolver("football.example.com", mail, testResolver)
	if err != nil {
		t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
	}
	if res.Summary != SummaryPass {
		t.Errorf("result = %v, want pass", res)
	}
}

func TestVerifyEmail_bareLFLineEndings(t *testing.T) {
	// The fixtures use \n only here; verification must agree with the CRLF
	// version.
	for _, s := range []string{ed25519MailString, rsaMailString} {
		mail := parseMailString(t, s)

		domain := "football.example.com"
		if strings.Contains(s, "d=example.com") {
			domain = "example.com"
		}

		res, err := VerifyEmailWithResolver(domain, mail, testResolver)
		if err != nil {
			t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
		}
		if res.Summary != SummaryPass {
			t.Errorf("result for LF message = %v, want pass", res)
		}
	}
}

func TestVerifyEmail_tamperedBody(t *testing.T) {
	s := strings.Replace(ed25519MailString, "We lost the game.", "We won the game!", 1)
	mail := parseMailString(t, newMailString(s))

	res, err := VerifyEmailWithResolver("football.example.com", mail, testResolver)
	if err != nil {
		t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
	}
	if res.Summary != SummaryFail {
		t.Fatalf("result = %v, want fail", res)
	}
	if !errors.Is(res.Err, ErrBodyHashDidNotVerify) {
		t.Errorf("error = %v, want ErrBodyHashDidNotVerify", res.Err)
	}
}

func TestVerifyEmail_domainMismatchIsNeutral(t *testing.T) {
	mail := parseMailString(t, newMailString(ed25519MailString))

	res, err := VerifyEmailWithResolver("other.net", mail, testResolver)
	if err != nil {
		t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
	}
	if res.Summary != SummaryNeutral {
		t.Errorf("result = %v, want neutral", res)
	}
}

const expiringMailTemplate = `DKIM-Signature: v=1; a=rsa-sha256; d=example.net; s=sel; h=from;
 bh=aGVsbG8=; b=aGVsbG8=; x=%s
From: someone@example.net

hi
`

func TestVerifyEmail_expiration(t *testing.T) {
	// now() is pinned to 424242 in tests; the drift allowance is 15
	// minutes.
	expired := strings.Replace(expiringMailTemplate, "%s", "420000", 1)
	mail := parseMailString(t, newMailString(expired))

	opts := &VerifyOptions{Resolver: testResolver, CheckExpiration: true}
	res, err := VerifyEmailWithOptions("example.net", mail, opts)
	if err != nil {
		t.Fatalf("VerifyEmailWithOptions() unexpected error: %v", err)
	}
	if !errors.Is(res.Err, ErrSignatureExpired) {
		t.Errorf("error = %v, want ErrSignatureExpired", res.Err)
	}

	// Within the drift the signature is still evaluated; it then fails on
	// the unknown key, not on expiration.
	inDrift := strings.Replace(expiringMailTemplate, "%s", "424000", 1)
	mail = parseMailString(t, newMailString(inDrift))

	res, err = VerifyEmailWithOptions("example.net", mail, opts)
	if err != nil {
		t.Fatalf("VerifyEmailWithOptions() unexpected error: %v", err)
	}
	if !errors.Is(res.Err, ErrKeyUnavailable) {
		t.Errorf("error = %v, want ErrKeyUnavailable", res.Err)
	}

	// Without CheckExpiration the x= tag is ignored.
	mail = parseMailString(t, newMailString(expired))
	res, err = VerifyEmailWithResolver("example.net", mail, testResolver)
	if err != nil {
		t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
	}
	if errors.Is(res.Err, ErrSignatureExpired) {
		t.Errorf("expiration checked without CheckExpiration: %v", res.Err)
	}
}

type tempFailResolver struct{}

func (tempFailResolver) LookupTXT(name string) ([]string, error) {
	return nil, &net.DNSError{Err: "timeout", Name: name, IsTimeout: true, IsTemporary: true}
}

func TestVerifyEmail_dnsTempFailure(t *testing.T) {
	mail := parseMailString(t, newMailString(ed25519MailString))

	res, err := VerifyEmailWithResolver("football.example.com", mail, tempFailResolver{})
	if err != nil {
		t.Fatalf("VerifyEmailWithResolver() unexpected error: %v", err)
	}
	if res.Summary != SummaryFail {
		t.Fatalf("result = %v, want fail", res)
	}
	var internal *InternalError
	if !errors.As(res.Err, &internal) {
		t.Errorf("error = %v, want an InternalError", res.Err)
	}
}

func TestCanonicalizeSignedEmail(t *testing.T) {
	var signed strings.Builder
	options := &SignOptions{
		Domain:                 "example.org",
		Selector:               "brisbane",
		Signer:                 testPrivateKey,
		HeaderCanonicalization: CanonicalizationRelaxed,
		BodyCanonicalization:   CanonicalizationRelaxed,
	}
	if err := Sign(&signed, strings.NewReader(mailString), options); err != nil {
		t.Fatalf("Sign() unexpected error: %v", err)
	}

	headers, body, sig, err := CanonicalizeSignedEmail([]byte(signed.String()))
	if err != nil {
		t.Fatalf("CanonicalizeSignedEmail() unexpected error: %v", err)
	}

	if want := mailBodyString + "\r\n"; string(body) != want {
		t.Errorf("canonical body = %q, want %q", body, want)
	}

	if !strings.HasPrefix(string(headers), "from:Joe SixPack <joe@football.example.com>\r\n") {
		t.Errorf("canonical headers start with %q", string(headers)[:50])
	}
	if !strings.HasSuffix(string(headers), "b=;") {
		t.Errorf("canonical headers must end with an erased b= value, got %q", string(headers))
	}

	if len(sig) != testPrivateKey.Size() {
		t.Errorf("signature length = %d, want %d", len(sig), testPrivateKey.Size())
	}

	if _, _, _, err := CanonicalizeSignedEmail([]byte(newMailString(unsignedMailString))); err == nil {
		t.Error("CanonicalizeSignedEmail() on an unsigned message: expected error")
	}
}
