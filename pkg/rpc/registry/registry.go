// Package registry holds the endpoint dispatch table: definitions keyed
// by path and verb, the per-endpoint auth/forwarding properties the
// frontend dispatches on, and per-endpoint call metrics.
package registry

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"arx/pkg/auth"
	"arx/pkg/kv"
	"arx/pkg/rpc"
)

// ForwardingRequired governs whether a backup executes an endpoint
// locally or hands it to the primary.
type ForwardingRequired int

const (
	ForwardingNever ForwardingRequired = iota
	ForwardingSometimes
	ForwardingAlways
)

// Properties gate authentication and dispatch for one endpoint.
type Properties struct {
	RequireClientIdentity    bool
	RequireClientSignature   bool
	RequireJWTAuthentication bool
	ExecuteLocally           bool
	ForwardingRequired       ForwardingRequired
}

// EndpointContext is the argument bundle handed to endpoint handlers.
type EndpointContext struct {
	Ctx      *rpc.Context
	Tx       kv.Tx
	CallerID kv.CallerID
	// JWT is bound after bearer-token validation, for endpoints that
	// require it.
	JWT *rpc.Jwt
}

// Handler executes one endpoint. Returning a *rpc.HTTPError or
// *rpc.JSONError picks the response status. An error wrapping
// kv.ErrCompacted resets the transaction and runs the handler again, and a
// *kv.SerialiserError aborts the process; any other error becomes 500.
type Handler func(*EndpointContext) error

// EndpointDefinition is one registered endpoint.
type EndpointDefinition struct {
	Method     string
	Verb       string
	Properties Properties
	Handler    Handler

	metrics Metrics
}

// Metrics are the per-endpoint counters surfaced to operators. Calls
// counts dispatches, Errors 4xx responses, Failures 5xx responses.
type Metrics struct {
	calls    atomic.Uint64
	errors   atomic.Uint64
	failures atomic.Uint64
}

func (m *Metrics) IncCalls()    { m.calls.Add(1) }
func (m *Metrics) IncErrors()   { m.errors.Add(1) }
func (m *Metrics) IncFailures() { m.failures.Add(1) }

func (m *Metrics) Calls() uint64    { return m.calls.Load() }
func (m *Metrics) Errors() uint64   { return m.errors.Load() }
func (m *Metrics) Failures() uint64 { return m.failures.Load() }

// Registry is a concrete endpoint registry over in-process handler
// tables, with caller identities resolved from the user cert tables.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]map[string]*EndpointDefinition // path -> verb -> def

	certsTable   string
	digestsTable string

	consensus kv.Consensus
	history   kv.History

	initOnce sync.Once
	initFn   func(store kv.Store)

	tickFn func(elapsed time.Duration, stats kv.Statistics)
}

// NewRegistry builds a registry resolving callers from the given cert
// tables. Empty table names mean the deployment has no client certs and
// every caller id resolves to kv.InvalidID.
func NewRegistry(certsTable, digestsTable string) *Registry {
	return &Registry{
		endpoints:    map[string]map[string]*EndpointDefinition{},
		certsTable:   certsTable,
		digestsTable: digestsTable,
	}
}

// Install registers an endpoint. Later installs for the same path+verb
// replace earlier ones.
func (r *Registry) Install(def *EndpointDefinition) *EndpointDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	verbs, ok := r.endpoints[def.Method]
	if !ok {
		verbs = map[string]*EndpointDefinition{}
		r.endpoints[def.Method] = verbs
	}
	verbs[def.Verb] = def
	return def
}

func (r *Registry) FindEndpoint(tx kv.Tx, ctx *rpc.Context) *EndpointDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	verbs, ok := r.endpoints[ctx.GetMethod()]
	if !ok {
		return nil
	}
	return verbs[ctx.RequestVerb()]
}

func (r *Registry) AllowedVerbs(tx kv.Tx, ctx *rpc.Context) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	verbs, ok := r.endpoints[ctx.GetMethod()]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(verbs))
	for verb := range verbs {
		out = append(out, verb)
	}
	sortVerbs(out)
	return out
}

func (r *Registry) Metrics(def *EndpointDefinition) *Metrics {
	return &def.metrics
}

// VisitMetrics walks every installed endpoint's counters, for operators
// overlaying them into a node-level metrics registry.
func (r *Registry) VisitMetrics(fn func(method, verb string, m *Metrics)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for method, verbs := range r.endpoints {
		for verb, def := range verbs {
			fn(method, verb, &def.metrics)
		}
	}
}

// HasCerts reports whether this deployment resolves caller identities
// from stored certificates.
func (r *Registry) HasCerts() bool {
	return r.certsTable != ""
}

// GetCallerID resolves a session certificate to a caller id via the
// digest table. kv.InvalidID when unknown.
func (r *Registry) GetCallerID(tx kv.Tx, cert []byte) kv.CallerID {
	if !r.HasCerts() || len(cert) == 0 {
		return kv.InvalidID
	}
	return r.GetCallerIDByDigest(tx, auth.CertDigest(cert))
}

// GetCallerIDByDigest resolves a certificate digest (signed-request key
// id) to a caller id.
func (r *Registry) GetCallerIDByDigest(tx kv.Tx, keyID string) kv.CallerID {
	if r.digestsTable == "" || keyID == "" {
		return kv.InvalidID
	}
	view := tx.GetView(r.digestsTable)
	id, ok, err := kv.GetJSON[kv.CallerID](view, keyID)
	if err != nil || !ok {
		return kv.InvalidID
	}
	return id
}

// ResolveCallerID looks up the stored certificate of a caller id.
func (r *Registry) ResolveCallerID(id kv.CallerID, tx kv.Tx) ([]byte, bool) {
	if !r.HasCerts() || id == kv.InvalidID {
		return nil, false
	}
	view := tx.GetView(r.certsTable)
	cert, ok, err := view.Get(kv.IDKey(id))
	if err != nil || !ok {
		return nil, false
	}
	return cert, true
}

func (r *Registry) ExecuteEndpoint(def *EndpointDefinition, args *EndpointContext) error {
	return def.Handler(args)
}

func (r *Registry) SetConsensus(c kv.Consensus) {
	r.mu.Lock()
	r.consensus = c
	r.mu.Unlock()
}

func (r *Registry) SetHistory(h kv.History) {
	r.mu.Lock()
	r.history = h
	r.mu.Unlock()
}

// OnInit registers the one-time handler initialisation run when the
// frontend opens.
func (r *Registry) OnInit(fn func(store kv.Store)) {
	r.initFn = fn
}

// InitHandlers runs the registered initialisation exactly once, however
// many frontends share this registry.
func (r *Registry) InitHandlers(store kv.Store) {
	r.initOnce.Do(func() {
		if r.initFn != nil {
			r.initFn(store)
		}
	})
}

// OnTick registers a periodic statistics sink.
func (r *Registry) OnTick(fn func(elapsed time.Duration, stats kv.Statistics)) {
	r.tickFn = fn
}

func (r *Registry) Tick(elapsed time.Duration, stats kv.Statistics) {
	if r.tickFn != nil {
		r.tickFn(elapsed, stats)
		return
	}
	if stats.TxCount > 0 {
		log.Printf("registry: %d txs in last %s", stats.TxCount, elapsed)
	}
}

func sortVerbs(verbs []string) {
	// Stable order for the Allow header: standard verbs first.
	rank := map[string]int{"GET": 0, "HEAD": 1, "POST": 2, "PUT": 3, "PATCH": 4, "DELETE": 5}
	for i := 1; i < len(verbs); i++ {
		for j := i; j > 0; j-- {
			a, aok := rank[verbs[j-1]]
			b, bok := rank[verbs[j]]
			if !aok {
				a = 100
			}
			if !bok {
				b = 100
			}
			if a > b || (a == b && verbs[j-1] > verbs[j]) {
				verbs[j-1], verbs[j] = verbs[j], verbs[j-1]
			}
		}
	}
}
