package rtsp

import (
	"context"
	"fmt"
	"time"

	"github.com/ethan/raopplay/internal/bytechannel"
	"github.com/ethan/raopplay/internal/digest"
	"github.com/ethan/raopplay/internal/logger"
)

const userAgent = "raopplay/1.0"

// HeaderSupplier adds any headers a particular method needs beyond the
// common CSeq/User-Agent/Session trio, e.g. SETUP's Transport or RECORD's
// Range and RTP-Info (spec §4.6 "method-specific header suppliers table").
// A request body and its Content-Type/Content-Length come from Do's body
// and mimeType arguments, not from a supplier.
type HeaderSupplier func(req *Request)

// Client drives one request/response round at a time over a Channel,
// correlating CSeq, threading the Session ID once SETUP returns one, and
// retrying exactly once with Digest credentials on a 401 challenge (spec
// §4.6).
type Client struct {
	ch      *bytechannel.Channel
	log     *logger.Logger
	creds   digest.Credentials
	cseq    int
	session string
	url     string
	req     Request
}

// NewClient wraps an already-open Channel. url is the rtsp:// target used
// as the Digest "uri" field and as the default request target.
func NewClient(ch *bytechannel.Channel, log *logger.Logger, url string, creds digest.Credentials) *Client {
	return &Client{ch: ch, log: log, creds: creds, url: url}
}

// Session returns the session ID negotiated by SETUP, or "" before SETUP.
func (c *Client) Session() string {
	return c.session
}

// Do sends method against the client's URL ("*" for OPTIONS), applying extra headers from
// suppliers in order, with an optional body+mimeType, and returns the
// parsed response. A 401 triggers exactly one Digest-authenticated retry;
// a second 401 is returned as an error (spec §4.6 "single retry").
func (c *Client) Do(ctx context.Context, method Method, suppliers []HeaderSupplier, body []byte, mimeType string) (*Response, error) {
	resp, err := c.doOnce(ctx, method, suppliers, body, mimeType, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == 401 {
		realm, nonce, ok := resp.AuthChallenge()
		if !ok {
			return nil, fmt.Errorf("rtsp: 401 without a parseable WWW-Authenticate challenge")
		}
		challenge := digest.Challenge{Realm: realm, Nonce: nonce}
		resp, err = c.doOnce(ctx, method, suppliers, body, mimeType, &challenge)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == 401 {
			return nil, fmt.Errorf("rtsp: %s rejected twice with valid credentials", method)
		}
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("rtsp: %s failed: status %d", method, resp.StatusCode)
	}
	return resp, nil
}

func (c *Client) doOnce(ctx context.Context, method Method, suppliers []HeaderSupplier, body []byte, mimeType string, challenge *digest.Challenge) (*Response, error) {
	c.cseq++
	target := c.url
	if method == MethodOptions {
		target = "*"
	}
	c.req.Reset(method, target)
	c.req.AddHeader("CSeq", fmt.Sprintf("%d", c.cseq))
	c.req.AddHeader("User-Agent", userAgent)
	if c.session != "" {
		c.req.AddHeader("Session", c.session)
	}
	if challenge != nil {
		c.req.AddHeader("Authorization", digest.AuthorizationHeader(c.creds, *challenge, string(method), c.url))
	}
	for _, supplier := range suppliers {
		supplier(&c.req)
	}
	if body != nil {
		c.req.SetContent(body, mimeType)
	}

	c.log.DebugRTSP("sending request", "method", method, "cseq", c.cseq, "retry", challenge != nil)

	if err := c.ch.Send(c.req.Serialize()); err != nil {
		return nil, fmt.Errorf("rtsp: send %s: %w", method, err)
	}

	resp, err := c.receiveResponse(ctx)
	if err != nil {
		return nil, fmt.Errorf("rtsp: receive response to %s: %w", method, err)
	}

	if session, ok := resp.Header("Session"); ok && c.session == "" {
		if id, _, found := cutSemicolon(session); found {
			c.session = id
		} else {
			c.session = session
		}
	}

	return resp, nil
}

// receiveResponse accumulates bytes from the channel, re-parsing after each
// read, until a complete status-line+headers+body is assembled (spec §4.5
// "multi-segment receive"). It does not use the channel's Peek.
func (c *Client) receiveResponse(ctx context.Context) (*Response, error) {
	const readChunk = 4096
	var buf []byte
	deadline := time.Now().Add(15 * time.Second)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for response")
		}

		chunk, err := c.ch.Receive(readChunk)
		if err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)

		resp, err := Parse(buf)
		if err == nil {
			want := contentLengthOf(resp)
			if len(resp.Body()) >= want {
				return resp, nil
			}
		}
	}
}

func contentLengthOf(resp *Response) int {
	v, ok := resp.Header("Content-Length")
	if !ok {
		return 0
	}
	var n int
	fmt.Sscanf(v, "%d", &n)
	return n
}

func cutSemicolon(s string) (string, string, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			return s[:i], s[i+1:], true
		}
	}
	return s, "", false
}
