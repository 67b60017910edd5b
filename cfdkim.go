// Package cfdkim creates and verifies DKIM signatures, as specified in
// RFC 6376.
package cfdkim

import "time"

var now = time.Now

const headerFieldName = "DKIM-Signature"

const crlf = "\r\n"

// DNS namespace under which key records are published.
// https://datatracker.ietf.org/doc/html/rfc6376#section-3.6.2
const dnsNamespace = "_domainkey"

// How far past its x= tag a signature is still accepted, to absorb clock
// drift between signer and verifier.
const expirationDrift = 15 * time.Minute
