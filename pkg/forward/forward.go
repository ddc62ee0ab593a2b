// Package forward ships requests from a backup to the primary. The wire
// carrier is HTTP between node-internal listeners; tests and
// single-process clusters use the loopback carrier instead.
package forward

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"arx/pkg/httpx"
	"arx/pkg/kv"
	"arx/pkg/rpc"
)

// Headers carried alongside a forwarded request.
const (
	HeaderForwardID    = "x-arx-forward-id"
	HeaderCallerID     = "x-arx-caller-id"
	HeaderCallerCert   = "x-arx-caller-cert"
	HeaderClientSess   = "x-arx-client-session"
	HeaderRequestIndex = "x-arx-request-index"
	HeaderVerb         = "x-arx-verb"
	HeaderPath         = "x-arx-path"
)

// ForwardedPath is the node-internal route forwarded requests arrive on.
const ForwardedPath = "/internal/forwarded"

// Directory resolves a node id to its directory entry.
type Directory func(node kv.NodeID) (kv.NodeInfo, bool)

// HTTP forwards commands to the primary's internal listener and delivers
// the primary's serialised reply through OnResponse.
type HTTP struct {
	Client     *http.Client
	Resolve    Directory
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration

	// OnResponse receives the primary's reply for a forwarded request,
	// keyed by the originating client session.
	OnResponse func(clientSessionID uint64, payload []byte)
}

func NewHTTP(client *http.Client, resolve Directory) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{
		Client:     client,
		Resolve:    resolve,
		Timeout:    10 * time.Second,
		Retries:    1,
		RetryDelay: 50 * time.Millisecond,
	}
}

// ForwardCommand dispatches ctx to the primary. Returns true once the
// request is on its way; the reply arrives asynchronously.
func (f *HTTP) ForwardCommand(ctx *rpc.Context, primary kv.NodeID, activeNodes []kv.NodeID, callerID kv.CallerID, cert []byte) bool {
	if f.Resolve == nil {
		return false
	}
	info, ok := f.Resolve(primary)
	if !ok {
		return false
	}
	url := fmt.Sprintf("http://%s:%s%s", info.PubHost, info.RPCPort, ForwardedPath)
	headers := map[string]string{}
	for name, value := range ctx.RequestHeaders() {
		headers[name] = value
	}
	headers[HeaderForwardID] = uuid.NewString()
	headers[HeaderCallerID] = strconv.FormatUint(uint64(callerID), 10)
	headers[HeaderCallerCert] = base64.StdEncoding.EncodeToString(cert)
	headers[HeaderClientSess] = strconv.FormatUint(ctx.Session.ClientSessionID, 10)
	headers[HeaderRequestIndex] = strconv.FormatUint(ctx.GetRequestIndex(), 10)
	headers[HeaderVerb] = ctx.RequestVerb()
	headers[HeaderPath] = ctx.GetMethod()

	body := append([]byte(nil), ctx.Body...)
	session := ctx.Session.ClientSessionID
	go f.deliver(url, body, headers, session)
	return true
}

func (f *HTTP) deliver(url string, body []byte, headers map[string]string, session uint64) {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, payload, err := httpx.RequestJSON(cctx, f.Client, http.MethodPost, url, body, headers, f.Retries, f.RetryDelay)
	if err != nil {
		log.Printf("forward: primary unreachable: %v", err)
		return
	}
	if f.OnResponse != nil {
		f.OnResponse(session, payload)
	}
}

// Loopback hands forwarded requests to an in-process target, for tests
// and single-process clusters.
type Loopback struct {
	// Target processes the forwarded request and returns the serialised
	// reply, typically a frontend's ProcessForwarded.
	Target func(ctx *rpc.Context) ([]byte, error)

	// OnResponse mirrors HTTP.OnResponse.
	OnResponse func(clientSessionID uint64, payload []byte)

	Forwarded []kv.RequestID
}

func (f *Loopback) ForwardCommand(ctx *rpc.Context, primary kv.NodeID, activeNodes []kv.NodeID, callerID kv.CallerID, cert []byte) bool {
	if f.Target == nil {
		return false
	}
	fwd := rpc.NewContext(&rpc.Session{
		CallerCert:      cert,
		ClientSessionID: ctx.Session.ClientSessionID,
		OriginalCaller:  &rpc.ForwardedCaller{CallerID: callerID},
	}, ctx.RequestVerb(), ctx.GetMethod())
	for name, value := range ctx.RequestHeaders() {
		fwd.SetHeader(name, value)
	}
	fwd.Body = append([]byte(nil), ctx.Body...)
	fwd.RequestIndex = ctx.GetRequestIndex()
	fwd.Frame = ctx.FrameFormat()
	fwd.SetSignedRequest(ctx.SignedRequest())

	f.Forwarded = append(f.Forwarded, kv.RequestID{
		CallerID:        callerID,
		ClientSessionID: ctx.Session.ClientSessionID,
		RequestIndex:    ctx.GetRequestIndex(),
	})

	payload, err := f.Target(fwd)
	if err != nil {
		log.Printf("forward: loopback target: %v", err)
		return false
	}
	if f.OnResponse != nil {
		f.OnResponse(ctx.Session.ClientSessionID, payload)
	}
	return true
}
