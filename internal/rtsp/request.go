// Package rtsp implements the RTSP-derived RAOP control protocol: request
// building (§4.4), response parsing (§4.5), and the client that correlates
// one request with one response and drives the Digest-auth retry (§4.6).
package rtsp

import "fmt"

// Method is one of the seven RAOP methods, named with their literal
// uppercase wire strings (spec §4.4).
type Method string

const (
	MethodOptions       Method = "OPTIONS"
	MethodAnnounce      Method = "ANNOUNCE"
	MethodSetup         Method = "SETUP"
	MethodRecord        Method = "RECORD"
	MethodSetParameter  Method = "SET_PARAMETER"
	MethodFlush         Method = "FLUSH"
	MethodTeardown      Method = "TEARDOWN"
)

// Request builds a single outbound RTSP-like request. Header lines are
// appended to a growing buffer rather than a map, matching spec §4.4's
// "growing header-line buffer" and preserving insertion order on the wire.
type Request struct {
	Method  Method
	Target  string // "*" for OPTIONS, else the session URL
	headers []byte
	body    []byte
}

// Reset reinitializes r for method, discarding the previous body and
// headers but retaining the underlying buffer capacity (spec §4.6 step 1:
// "If a request object exists, reset it to method, retain buffers").
func (r *Request) Reset(method Method, target string) {
	r.Method = method
	r.Target = target
	if r.headers == nil {
		r.headers = make([]byte, 0, 1024)
	}
	r.headers = r.headers[:0]
	r.body = nil
}

// AddHeader appends one "name: value\r\n" line.
func (r *Request) AddHeader(name, value string) {
	if cap(r.headers)-len(r.headers) < len(name)+len(value)+4 {
		grown := make([]byte, len(r.headers), cap(r.headers)+512)
		copy(grown, r.headers)
		r.headers = grown
	}
	r.headers = append(r.headers, name...)
	r.headers = append(r.headers, ':', ' ')
	r.headers = append(r.headers, value...)
	r.headers = append(r.headers, '\r', '\n')
}

// SetContent replaces the body and auto-appends Content-Type/Content-Length
// headers for it.
func (r *Request) SetContent(body []byte, mimeType string) {
	r.body = body
	r.AddHeader("Content-Type", mimeType)
	r.AddHeader("Content-Length", fmt.Sprintf("%d", len(body)))
}

// Serialize renders the full wire form: "<METHOD> <target> RTSP/1.0\r\n"
// followed by the header buffer, a blank CRLF separator, and the body.
func (r *Request) Serialize() []byte {
	out := make([]byte, 0, len(r.headers)+len(r.body)+64)
	out = append(out, string(r.Method)...)
	out = append(out, ' ')
	out = append(out, r.Target...)
	out = append(out, " RTSP/1.0\r\n"...)
	out = append(out, r.headers...)
	out = append(out, '\r', '\n')
	out = append(out, r.body...)
	return out
}
