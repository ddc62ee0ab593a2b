// Package transport adapts net/http to the frontend: it turns inbound
// requests into rpc contexts, invokes the frontend, holds pending
// requests until forwarding completes, and serves the node-internal
// forwarded-request route plus the admin surface.
package transport

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"arx/pkg/auth"
	"arx/pkg/forward"
	"arx/pkg/httpx"
	"arx/pkg/kv"
	"arx/pkg/metrics"
	"arx/pkg/ratelimit"
	"arx/pkg/rpc"
	"arx/pkg/rpc/frontend"
	"arx/pkg/telemetry"
)

// HeaderClientCert carries the caller certificate on deployments that
// terminate TLS in front of the node.
const HeaderClientCert = "x-arx-client-cert"

type Server struct {
	Frontend *frontend.Frontend
	Metrics  *metrics.Registry

	Limiter            ratelimit.Limiter
	RateLimitEnabled   bool
	RateLimitPerWindow int

	// PendingTimeout bounds how long a forwarded request may stay
	// unanswered before the client gets an error.
	PendingTimeout time.Duration

	MaxRequestBodyBytes int64

	nextSession atomic.Uint64
	requestIdx  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan []byte
}

func NewServer(fe *frontend.Frontend, reg *metrics.Registry) *Server {
	return &Server{
		Frontend:            fe,
		Metrics:             reg,
		PendingTimeout:      10 * time.Second,
		MaxRequestBodyBytes: 1 << 20,
		pending:             map[uint64]chan []byte{},
	}
}

// Router builds the node's HTTP surface: the forwarded-request route,
// the admin routes, and the RPC catch-all.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("arx"))

	r.Post(forward.ForwardedPath, s.handleForwarded)

	r.Group(func(admin chi.Router) {
		admin.Use(httpx.SecurityHeadersMiddleware)
		admin.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
		if s.Metrics != nil {
			admin.Get("/metrics", s.Metrics.Handler())
			admin.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
		}
	})

	r.NotFound(s.handleRPC)
	r.MethodNotAllowed(s.handleRPC)
	return r
}

// DeliverPending hands a forwarder reply to the waiting client session.
// Wire it to the forwarder's OnResponse.
func (s *Server) DeliverPending(clientSessionID uint64, payload []byte) {
	s.pendingMu.Lock()
	ch, ok := s.pending[clientSessionID]
	if ok {
		delete(s.pending, clientSessionID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- payload
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	maxBody := s.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBody))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "could not read request body")
		return
	}

	session := &rpc.Session{
		ClientSessionID: s.nextSession.Add(1),
	}
	if req.TLS != nil && len(req.TLS.PeerCertificates) > 0 {
		session.CallerCert = req.TLS.PeerCertificates[0].Raw
	} else if hdr := req.Header.Get(HeaderClientCert); hdr != "" {
		if cert, derr := base64.StdEncoding.DecodeString(hdr); derr == nil {
			session.CallerCert = cert
		}
	}

	ctx := rpc.NewContext(session, req.Method, req.URL.Path)
	for name, values := range req.Header {
		if len(values) > 0 {
			ctx.SetHeader(name, values[0])
		}
	}
	ctx.Body = body
	ctx.RequestIndex = s.requestIdx.Add(1)

	if s.RateLimitEnabled && s.Limiter != nil {
		key := req.RemoteAddr
		if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
			key = host
		}
		if len(session.CallerCert) > 0 {
			key = auth.CertDigest(session.CallerCert)
		}
		if decision := s.Limiter.Allow(key, s.RateLimitPerWindow); !decision.Allowed {
			w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(decision.ResetAt).Seconds())+1, 10))
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	signed, err := auth.ExtractSignedRequest(ctx)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx.SetSignedRequest(signed)

	// Register before Process: a forwarder may deliver the reply before
	// Process even returns pending.
	ch := s.registerPending(session.ClientSessionID)

	payload, done := s.Frontend.Process(ctx)
	if !done {
		payload = s.waitPending(session.ClientSessionID, ch)
		if payload == nil {
			httpx.Error(w, http.StatusGatewayTimeout, "request is still pending")
			return
		}
		s.writeSerialised(w, payload)
		s.observe(req, http.StatusOK, start)
		return
	}
	s.cancelPending(session.ClientSessionID)

	for name, value := range ctx.ResponseHeaders() {
		w.Header().Set(name, value)
	}
	w.WriteHeader(ctx.ResponseStatus())
	_, _ = w.Write(ctx.ResponseBody())
	s.observe(req, ctx.ResponseStatus(), start)
}

func (s *Server) registerPending(clientSessionID uint64) chan []byte {
	ch := make(chan []byte, 1)
	s.pendingMu.Lock()
	s.pending[clientSessionID] = ch
	s.pendingMu.Unlock()
	return ch
}

func (s *Server) cancelPending(clientSessionID uint64) {
	s.pendingMu.Lock()
	delete(s.pending, clientSessionID)
	s.pendingMu.Unlock()
}

func (s *Server) waitPending(clientSessionID uint64, ch chan []byte) []byte {
	timeout := s.PendingTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case payload := <-ch:
		return payload
	case <-time.After(timeout):
		s.cancelPending(clientSessionID)
		return nil
	}
}

// writeSerialised replays serialised HTTP/1.1 response bytes onto w.
func (s *Server) writeSerialised(w http.ResponseWriter, payload []byte) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(payload)), nil)
	if err != nil {
		httpx.Error(w, http.StatusBadGateway, "malformed forwarded reply")
		return
	}
	defer resp.Body.Close()
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleForwarded is the receiving half of node-to-node forwarding: it
// reconstructs the original request context and answers with the
// serialised reply as the response body.
func (s *Server) handleForwarded(w http.ResponseWriter, req *http.Request) {
	callerID, err := strconv.ParseUint(req.Header.Get(forward.HeaderCallerID), 10, 64)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "missing forwarded caller id")
		return
	}
	verb := req.Header.Get(forward.HeaderVerb)
	path := req.Header.Get(forward.HeaderPath)
	if verb == "" || path == "" {
		httpx.Error(w, http.StatusBadRequest, "missing forwarded request target")
		return
	}
	clientSession, _ := strconv.ParseUint(req.Header.Get(forward.HeaderClientSess), 10, 64)
	requestIndex, _ := strconv.ParseUint(req.Header.Get(forward.HeaderRequestIndex), 10, 64)

	maxBody := s.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBody))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "could not read forwarded body")
		return
	}

	session := &rpc.Session{
		ClientSessionID: clientSession,
		OriginalCaller:  &rpc.ForwardedCaller{CallerID: kv.CallerID(callerID)},
	}
	if hdr := req.Header.Get(forward.HeaderCallerCert); hdr != "" {
		if cert, derr := base64.StdEncoding.DecodeString(hdr); derr == nil && len(cert) > 0 {
			session.CallerCert = cert
		}
	}

	ctx := rpc.NewContext(session, verb, path)
	for name, values := range req.Header {
		if strings.HasPrefix(strings.ToLower(name), "x-arx-") {
			continue
		}
		if len(values) > 0 {
			ctx.SetHeader(name, values[0])
		}
	}
	ctx.Body = body
	ctx.RequestIndex = requestIndex

	signed, err := auth.ExtractSignedRequest(ctx)
	if err == nil {
		ctx.SetSignedRequest(signed)
	}

	reply, err := s.Frontend.ProcessForwarded(ctx)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

func (s *Server) observe(req *http.Request, status int, start time.Time) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.Observe(req.Method+" "+req.URL.Path, status, time.Since(start))
}
