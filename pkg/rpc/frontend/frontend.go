// Package frontend is the request-processing pipeline between the RPC
// transport and the replicated store: it authenticates the caller,
// dispatches to a registered endpoint, decides whether to execute locally
// or hand the request to the primary, runs the endpoint inside a KV
// transaction with bounded conflict retry, and produces the response.
package frontend

import (
	"bytes"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"arx/pkg/auth"
	"arx/pkg/kv"
	"arx/pkg/rpc"
	"arx/pkg/rpc/registry"
)

// fatalf aborts the process. Indirected so tests can observe the
// serialiser-failure path without dying.
var fatalf = log.Fatalf

// PreExec runs inside the retry loop before the endpoint, on every
// attempt. BFT execution uses it to record the request into the AFT
// requests map inside the same transaction.
type PreExec func(tx kv.Tx, ctx *rpc.Context)

// EndpointRegistry is the dispatch table the frontend drives.
type EndpointRegistry interface {
	FindEndpoint(tx kv.Tx, ctx *rpc.Context) *registry.EndpointDefinition
	AllowedVerbs(tx kv.Tx, ctx *rpc.Context) []string
	Metrics(def *registry.EndpointDefinition) *registry.Metrics
	GetCallerID(tx kv.Tx, cert []byte) kv.CallerID
	GetCallerIDByDigest(tx kv.Tx, keyID string) kv.CallerID
	HasCerts() bool
	ExecuteEndpoint(def *registry.EndpointDefinition, args *registry.EndpointContext) error
	SetConsensus(c kv.Consensus)
	SetHistory(h kv.History)
	InitHandlers(store kv.Store)
	Tick(elapsed time.Duration, stats kv.Statistics)
}

// Forwarder ships a request to the primary on behalf of this node.
type Forwarder interface {
	ForwardCommand(ctx *rpc.Context, primary kv.NodeID, activeNodes []kv.NodeID, callerID kv.CallerID, cert []byte) bool
}

// Errors surfaced by the facade for caller programming mistakes. These
// are not request failures: hitting one means the transport wired the
// frontend incorrectly (or, for ErrNotOpen on a BFT backup, that the
// primary distributed a transaction before the service opened, which is
// grounds for a view change).
var (
	ErrNotOpen                = errors.New("frontend: executing while not open")
	ErrMissingForwardedCaller = errors.New("frontend: processing forwarded command with uninitialised forwarded context")
	ErrForwardedPending       = errors.New("frontend: forwarded RPC cannot be forwarded")
)

// BFTResult is the outcome of ProcessBFT: the serialised reply plus the
// version the transaction ended at.
type BFTResult struct {
	Result  []byte
	Version kv.Version
}

// Frontend processes RPCs for one endpoint registry over one store.
// Request processing is single-threaded per frontend; the verifier cache
// and the open state carry their own locks because Open/IsOpen and
// signature verification may be reached from multiple frontends or the
// node lifecycle.
type Frontend struct {
	tables    kv.Store
	endpoints EndpointRegistry

	verifiersMu sync.Mutex
	// verifiers memoises per-caller signature verifiers. Entries are
	// never evicted: the set of distinct callers is bounded by the
	// identity tables.
	verifiers map[kv.CallerID]auth.Verifier

	openMu          sync.Mutex
	isOpen          bool
	serviceIdentity []byte

	clientSignaturesTable  string
	consensus              kv.Consensus
	cmdForwarder           Forwarder
	history                kv.History
	requestStoringDisabled bool

	sigTxInterval uint64
	sigMsInterval time.Duration
	msToSig       time.Duration
	txCount       atomic.Uint64

	// InvalidCallerMessage overrides the 403 body for unknown callers.
	InvalidCallerMessage func() string
	// LookupForwardedCallerCert reports whether the original caller of a
	// forwarded request is known to this node. The default deployment
	// has no per-frontend cert tables beyond the registry's, so nothing
	// is looked up and the check passes.
	LookupForwardedCallerCert func(ctx *rpc.Context, tx kv.Tx) bool
	// ResolveCallerID maps a caller id back to its stored certificate,
	// used when a signed request overrides the session identity.
	ResolveCallerID func(id kv.CallerID, tx kv.Tx) ([]byte, bool)
}

// New builds a frontend. clientSignaturesTable names the table signed
// requests are recorded into; empty disables signature support entirely.
func New(tables kv.Store, endpoints EndpointRegistry, clientSignaturesTable string) *Frontend {
	return &Frontend{
		tables:                tables,
		endpoints:             endpoints,
		verifiers:             map[kv.CallerID]auth.Verifier{},
		clientSignaturesTable: clientSignaturesTable,
		sigTxInterval:         5000,
		sigMsInterval:         time.Second,
		msToSig:               time.Second,
	}
}

// SetSigIntervals configures how often commit activity should prompt a
// history signature, by transaction count and by elapsed time.
func (f *Frontend) SetSigIntervals(txInterval uint64, msInterval time.Duration) {
	f.sigTxInterval = txInterval
	f.sigMsInterval = msInterval
	f.msToSig = msInterval
}

func (f *Frontend) SetCmdForwarder(fwd Forwarder) {
	f.cmdForwarder = fwd
}

// DisableRequestStoring elides request bodies from recorded client
// signatures, keeping only the signature bytes.
func (f *Frontend) DisableRequestStoring() {
	f.requestStoringDisabled = true
}

func (f *Frontend) updateConsensus() {
	c := f.tables.GetConsensus()
	if c != f.consensus {
		f.consensus = c
		f.endpoints.SetConsensus(c)
	}
}

func (f *Frontend) updateHistory() {
	f.history = f.tables.GetHistory()
	f.endpoints.SetHistory(f.history)
}

// Open transitions the frontend towards accepting requests. With a nil
// identity the frontend opens unconditionally and handler initialisation
// runs. With an identity, the frontend waits until IsOpen observes a
// globally-committed service record carrying that identity with status
// OPEN.
func (f *Frontend) Open(identity []byte) {
	f.openMu.Lock()
	defer f.openMu.Unlock()
	if identity != nil {
		f.serviceIdentity = identity
		return
	}
	if !f.isOpen {
		f.isOpen = true
		f.endpoints.InitHandlers(f.tables)
	}
}

// IsOpen reports whether the frontend accepts requests, transitioning
// from pending-identity to open when the service record commits. Once
// open, a frontend stays open.
func (f *Frontend) IsOpen(tx kv.Tx) bool {
	f.openMu.Lock()
	defer f.openMu.Unlock()
	if !f.isOpen {
		view := tx.GetView(kv.TableService)
		record, ok, err := kv.GetGloballyCommittedJSON[kv.ServiceRecord](view, kv.ServiceKey)
		if err == nil && ok && record.Status == kv.ServiceOpen &&
			f.serviceIdentity != nil && bytes.Equal(record.Cert, f.serviceIdentity) {
			log.Printf("frontend: service state is OPEN, now accepting user transactions")
			f.isOpen = true
			f.endpoints.InitHandlers(f.tables)
		}
	}
	return f.isOpen
}

// Process handles a request from the transport.
//
// The returned bool is false when the result is pending: the request was
// forwarded to the primary or registered for BFT execution, and the
// transport must not answer the client until that completes.
func (f *Frontend) Process(ctx *rpc.Context) ([]byte, bool) {
	f.updateConsensus()

	tx := f.tables.CreateTx()
	if !f.IsOpen(tx) {
		ctx.SetResponseStatus(404)
		ctx.SetResponseBody([]byte("Frontend is not open."))
		return ctx.SerialiseResponse(), true
	}

	callerID := f.endpoints.GetCallerID(tx, ctx.Session.CallerCert)
	endpoint := f.endpoints.FindEndpoint(tx, ctx)

	isBFT := f.consensus != nil && f.consensus.Type() == kv.BFT
	isLocal := endpoint != nil && endpoint.Properties.ExecuteLocally
	shouldBFTDistribute := isBFT && !isLocal &&
		(ctx.ExecuteOnNode || f.consensus.IsPrimary())

	// The distribution decision reads KV state (cert to caller id,
	// endpoint locality) that holds now but may not hold when consensus
	// executes the request. Safe only while endpoint definitions and
	// identities change through governance, which is fenced from user
	// traffic.
	if shouldBFTDistribute {
		f.updateHistory()
		reqid := kv.RequestID{
			CallerID:        callerID,
			ClientSessionID: ctx.Session.ClientSessionID,
			RequestIndex:    ctx.GetRequestIndex(),
		}
		if f.history == nil {
			ctx.SetResponseStatus(500)
			ctx.SetResponseBody([]byte("Consensus is not yet ready."))
			return ctx.SerialiseResponse(), true
		}
		if !f.history.AddRequest(
			reqid, callerID, f.certToForward(ctx, nil), ctx.SerialisedRequest(), ctx.FrameFormat()) {
			log.Printf("frontend: adding request %v failed", reqid)
			ctx.SetResponseStatus(500)
			ctx.SetResponseBody([]byte("Could not process request."))
			return ctx.SerialiseResponse(), true
		}
		tx.SetReqID(reqid)
		return nil, false
	}

	return f.processCommand(ctx, tx, callerID, nil)
}

// ProcessForwarded handles a request received from a peer node on behalf
// of an original caller. The session must carry that caller.
func (f *Frontend) ProcessForwarded(ctx *rpc.Context) ([]byte, error) {
	if ctx.Session.OriginalCaller == nil {
		return nil, ErrMissingForwardedCaller
	}

	f.updateConsensus()

	if f.consensus != nil && f.consensus.Type() == kv.CFT {
		tx := f.tables.CreateTx()
		rep, ok := f.processCommand(ctx, tx, ctx.Session.OriginalCaller.CallerID, nil)
		if !ok {
			return nil, ErrForwardedPending
		}
		return rep, nil
	}

	res, err := f.ProcessBFT(ctx)
	if err != nil {
		return nil, err
	}
	return res.Result, nil
}

// ProcessBFT executes a request distributed through BFT consensus,
// recording it into the AFT requests map inside the same transaction.
func (f *Frontend) ProcessBFT(ctx *rpc.Context) (BFTResult, error) {
	tx := f.tables.CreateTx()
	// Reaching here while closed means the primary executed a user
	// transaction before the service opened; a backup should treat that
	// as misbehaviour and view-change.
	if !f.IsOpen(tx) {
		return BFTResult{}, ErrNotOpen
	}

	f.updateConsensus()

	preExec := func(tx kv.Tx, ctx *rpc.Context) {
		view := tx.GetView(kv.TableAFTRequests)
		_ = kv.PutJSON(view, "0", kv.AFTRequest{
			CallerID: ctx.Session.OriginalCaller.CallerID,
			ReqID:    tx.ReqID(),
			Cert:     ctx.Session.CallerCert,
			Request:  ctx.SerialisedRequest(),
		})
	}

	rep, _ := f.processCommand(ctx, tx, ctx.Session.OriginalCaller.CallerID, preExec)
	return BFTResult{Result: rep, Version: tx.Version()}, nil
}

// UpdateMerkleTree flushes any ledger entries the history is holding.
func (f *Frontend) UpdateMerkleTree() {
	if f.history != nil {
		f.history.FlushPending()
	}
}

// Tick surfaces per-interval statistics to the registry and advances the
// time-based signature hint. tx_count is reset so interval k reports
// exactly the commits attempted during interval k.
func (f *Frontend) Tick(elapsed time.Duration) {
	f.updateConsensus()

	var stats kv.Statistics
	if f.consensus != nil {
		stats = f.consensus.Statistics()
	}
	n := f.txCount.Swap(0)
	stats.TxCount = n
	stats.TimeElapsed = uint64(elapsed.Milliseconds())

	emit := f.sigTxInterval > 0 && n >= f.sigTxInterval
	f.msToSig -= elapsed
	if f.msToSig <= 0 {
		f.msToSig = f.sigMsInterval
		emit = emit || n > 0
	}
	if emit && f.history != nil && f.consensus != nil && f.consensus.IsPrimary() {
		f.history.TryEmitSignature()
	}

	f.endpoints.Tick(elapsed, stats)
}
