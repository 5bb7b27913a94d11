// Package digest implements the keyed-hash challenge/response round RAOP
// borrows from HTTP Digest auth (spec §4.7): MD5, no qop, a username/password
// pair answering the receiver's realm/nonce challenge. MD5 here is treated exactly as spec.md
// describes it — an opaque 16-byte hash primitive, not a general-purpose
// crypto dependency, so it is taken from the standard library rather than
// wired to a third-party digest-auth middleware (those model a full
// HTTP Authorization negotiation loop; RAOP only ever needs the three
// raw hash computations below).
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	defaultUsername = "iTunes"
	defaultPassword = "geheim"
)

// Challenge is the realm/nonce pair extracted from a WWW-Authenticate
// header (spec §4.5 auth_challenge).
type Challenge struct {
	Realm string
	Nonce string
}

// Credentials holds the identity used to answer a challenge. Username and
// Password default to the hard-coded source values; Password may be
// overridden (spec.md §9 open question, resolved in SPEC_FULL.md §5.1).
type Credentials struct {
	Username string
	Password string
}

// DefaultCredentials returns the source's hard-coded iTunes/geheim pair.
func DefaultCredentials() Credentials {
	return Credentials{Username: defaultUsername, Password: defaultPassword}
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Respond computes the Digest response hash for method+url against the
// given challenge, per spec §4.7:
//
//	HA1 = MD5(username ":" realm ":" password)
//	HA2 = MD5(method ":" url)
//	response = MD5(HA1 ":" nonce ":" HA2)
func Respond(creds Credentials, challenge Challenge, method, url string) string {
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", creds.Username, challenge.Realm, creds.Password))
	ha2 := md5Hex(fmt.Sprintf("%s:%s", method, url))
	return md5Hex(fmt.Sprintf("%s:%s:%s", ha1, challenge.Nonce, ha2))
}

// AuthorizationHeader builds the full Authorization header value for the
// given request, ready to hand to rtsp.Request.AddHeader.
func AuthorizationHeader(creds Credentials, challenge Challenge, method, url string) string {
	response := Respond(creds, challenge, method, url)
	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		creds.Username, challenge.Realm, challenge.Nonce, url, response,
	)
}
