// Package rpc carries the request/response model shared by the transport
// adapter and the frontend: the per-request context, session provenance,
// detached request signatures and the HTTP vocabulary the pipeline speaks.
package rpc

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"arx/pkg/kv"
)

// Response headers stamped by the frontend after a successful commit.
const (
	HeaderSeqno        = "x-arx-seqno"
	HeaderView         = "x-arx-view"
	HeaderGlobalCommit = "x-arx-global-commit"
)

const (
	ContentTypeText = "text/plain"
	ContentTypeJSON = "application/json"
)

// ForwardedCaller is attached to the session of a request received from a
// peer node on behalf of the original client.
type ForwardedCaller struct {
	CallerID kv.CallerID
}

// Session is the transport-level provenance of a request.
type Session struct {
	CallerCert      []byte
	ClientSessionID uint64
	// OriginalCaller is set iff the request arrived forwarded from a
	// peer node.
	OriginalCaller *ForwardedCaller
	// IsForwarding is set once the frontend decides to forward this
	// session's requests to the primary.
	IsForwarding bool
}

// SignedRequest is a detached signature over the raw request bytes, plus
// the key id identifying the signer.
type SignedRequest struct {
	Req   []byte `json:"req"`
	Sig   []byte `json:"sig"`
	MD    string `json:"md"`
	KeyID string `json:"key_id"`
}

// Context is the per-request state threaded through the frontend. The
// transport owns it; the frontend mutates the response fields and the
// session forwarding flag.
type Context struct {
	Session *Session

	// Method is the request path; Verb the HTTP method.
	Method string
	Verb   string

	Headers map[string]string
	Body    []byte

	RequestIndex uint64
	Frame        kv.FrameFormat

	// ExecuteOnNode asks for local execution of a BFT request.
	ExecuteOnNode bool
	// IsCreateRequest marks the bootstrap transaction that creates the
	// service; it executes as primary before consensus exists.
	IsCreateRequest bool

	signedRequest *SignedRequest
	applyWrites   bool

	response response
}

type response struct {
	status  int
	headers map[string]string
	body    []byte
}

func NewContext(session *Session, verb, method string) *Context {
	if session == nil {
		session = &Session{}
	}
	return &Context{
		Session:     session,
		Method:      method,
		Verb:        strings.ToUpper(verb),
		Headers:     map[string]string{},
		applyWrites: true,
		response: response{
			status:  http.StatusOK,
			headers: map[string]string{},
		},
	}
}

func (c *Context) GetMethod() string { return c.Method }

func (c *Context) RequestVerb() string { return c.Verb }

func (c *Context) RequestHeaders() map[string]string { return c.Headers }

// Header returns a request header by lower-cased name.
func (c *Context) Header(name string) (string, bool) {
	v, ok := c.Headers[strings.ToLower(name)]
	return v, ok
}

func (c *Context) SetHeader(name, value string) {
	if c.Headers == nil {
		c.Headers = map[string]string{}
	}
	c.Headers[strings.ToLower(name)] = value
}

func (c *Context) SignedRequest() *SignedRequest { return c.signedRequest }

func (c *Context) SetSignedRequest(sr *SignedRequest) { c.signedRequest = sr }

// SerialisedRequest is the canonical byte form registered with the
// history for BFT execution.
func (c *Context) SerialisedRequest() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\r\n", c.Verb, c.Method)
	names := make([]string, 0, len(c.Headers))
	for name := range c.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\r\n", name, c.Headers[name])
	}
	b.WriteString("\r\n")
	out := []byte(b.String())
	return append(out, c.Body...)
}

func (c *Context) GetRequestIndex() uint64 { return c.RequestIndex }

func (c *Context) FrameFormat() kv.FrameFormat { return c.Frame }

// ShouldApplyWrites reports whether the endpoint wants its transaction
// committed. Read-only endpoints switch it off.
func (c *Context) ShouldApplyWrites() bool { return c.applyWrites }

func (c *Context) SetApplyWrites(apply bool) { c.applyWrites = apply }

func (c *Context) SetResponseStatus(status int) { c.response.status = status }

func (c *Context) ResponseStatus() int { return c.response.status }

func (c *Context) SetResponseHeader(name, value string) {
	c.response.headers[strings.ToLower(name)] = value
}

func (c *Context) ResponseHeader(name string) (string, bool) {
	v, ok := c.response.headers[strings.ToLower(name)]
	return v, ok
}

func (c *Context) ResponseHeaders() map[string]string { return c.response.headers }

func (c *Context) SetResponseBody(body []byte) { c.response.body = body }

func (c *Context) ResponseBody() []byte { return c.response.body }

func (c *Context) SetSeqno(v kv.Version) {
	c.SetResponseHeader(HeaderSeqno, strconv.FormatUint(v, 10))
}

func (c *Context) SetView(t kv.Term) {
	c.SetResponseHeader(HeaderView, strconv.FormatUint(t, 10))
}

// SetGlobalCommit is kept for compatibility with older clients.
func (c *Context) SetGlobalCommit(v kv.Version) {
	c.SetResponseHeader(HeaderGlobalCommit, strconv.FormatUint(v, 10))
}

// SerialiseResponse renders the response as HTTP/1.1 wire bytes. This is
// the payload handed back to the transport (and to forwarder peers).
func (c *Context) SerialiseResponse() []byte {
	var b strings.Builder
	status := c.response.status
	text := http.StatusText(status)
	if text == "" {
		text = "Unknown"
	}
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, text)
	names := make([]string, 0, len(c.response.headers))
	for name := range c.response.headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\r\n", name, c.response.headers[name])
	}
	fmt.Fprintf(&b, "content-length: %d\r\n\r\n", len(c.response.body))
	out := []byte(b.String())
	return append(out, c.response.body...)
}
