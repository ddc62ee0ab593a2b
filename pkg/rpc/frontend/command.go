package frontend

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"arx/pkg/auth"
	"arx/pkg/kv"
	"arx/pkg/rpc"
	"arx/pkg/rpc/registry"
)

const maxCommitAttempts = 30

func (f *Frontend) invalidCallerErrorMessage() string {
	if f.InvalidCallerMessage != nil {
		return f.InvalidCallerMessage()
	}
	return "Could not find matching actor certificate"
}

func (f *Frontend) lookupForwardedCallerCert(ctx *rpc.Context, tx kv.Tx) bool {
	if f.LookupForwardedCallerCert != nil {
		return f.LookupForwardedCallerCert(ctx, tx)
	}
	// No frontend-level cert tables: nothing to look up, the caller id
	// check below still applies.
	return true
}

func (f *Frontend) resolveCallerID(id kv.CallerID, tx kv.Tx) ([]byte, bool) {
	if f.ResolveCallerID != nil {
		return f.ResolveCallerID(id, tx)
	}
	return nil, false
}

func updateMetrics(ctx *rpc.Context, m *registry.Metrics) {
	switch ctx.ResponseStatus() / 100 {
	case 4:
		m.IncErrors()
	case 5:
		m.IncFailures()
	}
}

// certToForward decides whether the session certificate travels with a
// forwarded request. It is sent only when the receiver cannot resolve
// the caller from its own tables, or when the endpoint does not require
// a known client identity.
func (f *Frontend) certToForward(ctx *rpc.Context, endpoint *registry.EndpointDefinition) []byte {
	if !f.endpoints.HasCerts() ||
		(endpoint != nil && !endpoint.Properties.RequireClientIdentity) {
		return ctx.Session.CallerCert
	}
	return nil
}

func (f *Frontend) forwardOrRedirect(ctx *rpc.Context, endpoint *registry.EndpointDefinition, callerID kv.CallerID) ([]byte, bool) {
	metrics := f.endpoints.Metrics(endpoint)

	if f.cmdForwarder != nil && ctx.Session.OriginalCaller == nil {
		if f.consensus != nil {
			primary := f.consensus.Primary()
			if primary != kv.NoNode &&
				f.cmdForwarder.ForwardCommand(
					ctx, primary, f.consensus.ActiveNodes(), callerID,
					f.certToForward(ctx, endpoint)) {
				log.Printf("frontend: RPC forwarded to primary %d", primary)
				return nil, false
			}
		}
		ctx.SetResponseStatus(500)
		ctx.SetResponseBody([]byte("RPC could not be forwarded to unknown primary."))
		updateMetrics(ctx, metrics)
		return ctx.SerialiseResponse(), true
	}

	// This frontend is not allowed to forward, or the command already
	// arrived forwarded: redirect to the current primary.
	ctx.SetResponseStatus(307)
	if f.consensus != nil {
		primary := f.consensus.Primary()
		tx := f.tables.CreateTx()
		view := tx.GetView(kv.TableNodes)
		info, ok, err := kv.GetJSON[kv.NodeInfo](view, kv.IDKey(primary))
		if err == nil && ok {
			ctx.SetResponseHeader("location", fmt.Sprintf("%s:%s", info.PubHost, info.RPCPort))
		}
	}
	updateMetrics(ctx, metrics)
	return ctx.SerialiseResponse(), true
}

func (f *Frontend) recordClientSignature(tx kv.Tx, callerID kv.CallerID, signed *rpc.SignedRequest) {
	if f.clientSignaturesTable == "" {
		return
	}
	view := tx.GetView(f.clientSignaturesTable)
	if f.requestStoringDisabled {
		_ = kv.PutJSON(view, kv.IDKey(callerID), rpc.SignedRequest{Sig: signed.Sig})
	} else {
		_ = kv.PutJSON(view, kv.IDKey(callerID), *signed)
	}
}

func (f *Frontend) verifyClientSignature(cert []byte, callerID kv.CallerID, signed *rpc.SignedRequest) bool {
	if f.clientSignaturesTable == "" {
		return false
	}

	f.verifiersMu.Lock()
	verifier, ok := f.verifiers[callerID]
	if !ok {
		v, err := auth.NewVerifier(cert)
		if err != nil {
			f.verifiersMu.Unlock()
			return false
		}
		f.verifiers[callerID] = v
		verifier = v
	}
	f.verifiersMu.Unlock()

	// Verification runs outside the critical section.
	return verifier.Verify(signed.Req, signed.Sig, signed.MD)
}

func setUnauthorized(ctx *rpc.Context, msg string) {
	ctx.SetResponseStatus(401)
	ctx.SetResponseHeader("www-authenticate", fmt.Sprintf(
		"Signature realm=\"Signed request access\", headers=\"%s\"",
		strings.Join(auth.RequiredSignatureHeaders, " ")))
	ctx.SetResponseBody([]byte(msg))
}

func setUnauthorizedJWT(ctx *rpc.Context, msg string) {
	ctx.SetResponseStatus(401)
	ctx.SetResponseHeader("www-authenticate",
		"Bearer realm=\"JWT bearer token access\", error=\"invalid_token\"")
	ctx.SetResponseBody([]byte(msg))
}

func (f *Frontend) processCommand(ctx *rpc.Context, tx kv.Tx, callerID kv.CallerID, preExec PreExec) ([]byte, bool) {
	endpoint := f.endpoints.FindEndpoint(tx, ctx)
	if endpoint == nil {
		allowedVerbs := f.endpoints.AllowedVerbs(tx, ctx)
		if len(allowedVerbs) == 0 {
			ctx.SetResponseStatus(404)
			ctx.SetResponseHeader("content-type", rpc.ContentTypeText)
			ctx.SetResponseBody([]byte(fmt.Sprintf("Unknown path: %s", ctx.GetMethod())))
			return ctx.SerialiseResponse(), true
		}
		allow := strings.Join(allowedVerbs, ", ")
		ctx.SetResponseStatus(405)
		// Allowed methods go in two places: the Allow header for
		// standards compliance and machine parsing, the body for
		// human readability.
		ctx.SetResponseHeader("allow", allow)
		ctx.SetResponseBody([]byte(fmt.Sprintf(
			"Allowed methods for '%s' are: %s", ctx.GetMethod(), allow)))
		return ctx.SerialiseResponse(), true
	}

	// Requests that could not be dispatched (handled above) are not
	// counted against any endpoint.
	metrics := f.endpoints.Metrics(endpoint)
	metrics.IncCalls()

	signed := ctx.SignedRequest()
	// On signed requests the effective caller is whoever holds the key
	// that signed; the session-level identity stops mattering. The id is
	// only tentative here: the signature itself is checked further down.
	if signed != nil {
		if cid := f.endpoints.GetCallerIDByDigest(tx, signed.KeyID); cid != kv.InvalidID {
			log.Printf("frontend: session caller id %d replaced by signed-request caller id %d", callerID, cid)
			callerID = cid
			if cert, ok := f.resolveCallerID(cid, tx); ok {
				ctx.Session.CallerCert = cert
			}
		}
	}

	if endpoint.Properties.RequireClientIdentity && f.endpoints.HasCerts() {
		// Forwarded requests must additionally resolve to a caller known
		// on this node.
		if (ctx.Session.OriginalCaller != nil && !f.lookupForwardedCallerCert(ctx, tx)) ||
			callerID == kv.InvalidID {
			ctx.SetResponseStatus(403)
			ctx.SetResponseBody([]byte(f.invalidCallerErrorMessage()))
			updateMetrics(ctx, metrics)
			return ctx.SerialiseResponse(), true
		}
	}

	isPrimary := f.consensus == nil || f.consensus.IsPrimary() || ctx.IsCreateRequest

	if endpoint.Properties.RequireClientSignature && signed == nil {
		setUnauthorized(ctx, fmt.Sprintf("'%s' RPC must be signed", ctx.GetMethod()))
		updateMetrics(ctx, metrics)
		return ctx.SerialiseResponse(), true
	}

	shouldRecordClientSignature := false
	if signed != nil {
		// CFT-forwarded requests skip verification: the forwarding node
		// already verified. Create requests are trusted by construction.
		isCFT := f.consensus != nil && f.consensus.Type() == kv.CFT
		mustVerify := !ctx.IsCreateRequest && (!isCFT || ctx.Session.OriginalCaller == nil)
		if mustVerify && !f.verifyClientSignature(ctx.Session.CallerCert, callerID, signed) {
			setUnauthorized(ctx, "Failed to verify client signature")
			updateMetrics(ctx, metrics)
			return ctx.SerialiseResponse(), true
		}

		// Signed requests are recorded even on endpoints that do not
		// require signatures, but only where the record replicates.
		if isPrimary {
			shouldRecordClientSignature = true
		}
	}

	var jwt *rpc.Jwt
	if endpoint.Properties.RequireJWTAuthentication {
		token, errReason := f.verifyJWT(tx, ctx)
		if errReason != "" {
			setUnauthorizedJWT(ctx, fmt.Sprintf("'%s' %s", ctx.GetMethod(), errReason))
			updateMetrics(ctx, metrics)
			return ctx.SerialiseResponse(), true
		}
		jwt = token
	}

	f.updateHistory()

	if !isPrimary &&
		(f.consensus.Type() == kv.CFT ||
			(f.consensus.Type() != kv.CFT && !ctx.ExecuteOnNode)) {
		switch endpoint.Properties.ForwardingRequired {
		case registry.ForwardingNever:

		case registry.ForwardingSometimes:
			if (ctx.Session.IsForwarding && f.consensus.Type() == kv.CFT) ||
				(f.consensus.Type() != kv.CFT && !ctx.ExecuteOnNode &&
					!endpoint.Properties.ExecuteLocally) {
				ctx.Session.IsForwarding = true
				return f.forwardOrRedirect(ctx, endpoint, callerID)
			}

		case registry.ForwardingAlways:
			ctx.Session.IsForwarding = true
			return f.forwardOrRedirect(ctx, endpoint, callerID)
		}
	}

	args := &registry.EndpointContext{Ctx: ctx, Tx: tx, CallerID: callerID, JWT: jwt}

	f.txCount.Add(1)

	for attempts := 0; attempts < maxCommitAttempts; attempts++ {
		rep, done := f.attempt(ctx, tx, endpoint, args, metrics, callerID, signed, preExec, shouldRecordClientSignature)
		if done {
			return rep, true
		}
	}

	ctx.SetResponseStatus(409)
	ctx.SetResponseBody([]byte(fmt.Sprintf(
		"Transaction continued to conflict after %d attempts.", maxCommitAttempts)))
	updateMetrics(ctx, metrics)
	return ctx.SerialiseResponse(), true
}

// attempt runs one execute-and-commit round. done=false means the round
// hit a retriable conflict and the caller should loop.
func (f *Frontend) attempt(
	ctx *rpc.Context,
	tx kv.Tx,
	endpoint *registry.EndpointDefinition,
	args *registry.EndpointContext,
	metrics *registry.Metrics,
	callerID kv.CallerID,
	signed *rpc.SignedRequest,
	preExec PreExec,
	recordSignature bool,
) ([]byte, bool) {
	if preExec != nil {
		preExec(tx, ctx)
	}
	if recordSignature {
		f.recordClientSignature(tx, callerID, signed)
	}

	if err := f.endpoints.ExecuteEndpoint(endpoint, args); err != nil {
		return f.classify(ctx, tx, metrics, err)
	}

	if !ctx.ShouldApplyWrites() {
		updateMetrics(ctx, metrics)
		return ctx.SerialiseResponse(), true
	}

	result, err := tx.Commit()
	if err != nil {
		return f.classify(ctx, tx, metrics, err)
	}

	switch result {
	case kv.CommitOK:
		cv := tx.CommitVersion()
		if cv == 0 {
			cv = tx.ReadVersion()
		}
		if f.consensus != nil {
			if cv != kv.NoVersion {
				ctx.SetSeqno(cv)
				ctx.SetView(tx.CommitTerm())
			}
			// Kept for older clients that still read the global commit.
			ctx.SetGlobalCommit(f.consensus.CommittedSeqno())

			if f.history != nil && f.consensus.IsPrimary() {
				f.history.TryEmitSignature()
			}
		}
		updateMetrics(ctx, metrics)
		return ctx.SerialiseResponse(), true

	case kv.CommitConflict:
		tx.Reset()
		return nil, false

	case kv.CommitNoReplicate:
		ctx.SetResponseStatus(500)
		ctx.SetResponseBody([]byte("Transaction failed to replicate."))
		updateMetrics(ctx, metrics)
		return ctx.SerialiseResponse(), true
	}

	ctx.SetResponseStatus(500)
	ctx.SetResponseBody([]byte(fmt.Sprintf("Unexpected commit result %d", result)))
	updateMetrics(ctx, metrics)
	return ctx.SerialiseResponse(), true
}

// classify maps an execution or commit error onto its response, retry or
// abort. done=false means reset-and-retry.
func (f *Frontend) classify(ctx *rpc.Context, tx kv.Tx, metrics *registry.Metrics, err error) ([]byte, bool) {
	var httpErr *rpc.HTTPError
	var jsonErr *rpc.JSONError
	var serErr *kv.SerialiserError

	switch {
	case errors.Is(err, kv.ErrCompacted):
		// The transaction raced store compaction. Reset and retry.
		log.Printf("frontend: transaction conflicted with compaction: %v", err)
		tx.Reset()
		return nil, false

	case errors.As(err, &httpErr):
		ctx.SetResponseStatus(httpErr.Status)
		ctx.SetResponseBody([]byte(httpErr.Msg))
		updateMetrics(ctx, metrics)
		return ctx.SerialiseResponse(), true

	case errors.As(err, &jsonErr):
		ctx.SetResponseStatus(400)
		ctx.SetResponseBody([]byte(jsonErr.Error()))
		updateMetrics(ctx, metrics)
		return ctx.SerialiseResponse(), true

	case errors.As(err, &serErr):
		// If serialising the committed transaction fails there is no way
		// to recover safely: the replicated log may be partially
		// serialised. Abort.
		log.Printf("frontend: failed to serialise: %v", serErr)
		fatalf("frontend: failed to serialise")
		return nil, true

	default:
		ctx.SetResponseStatus(500)
		ctx.SetResponseBody([]byte(err.Error()))
		updateMetrics(ctx, metrics)
		return ctx.SerialiseResponse(), true
	}
}

// verifyJWT runs the bearer-token gate: extract, parse, resolve the
// signing key by kid, check the signature, resolve the issuer. The
// returned reason is empty on success.
func (f *Frontend) verifyJWT(tx kv.Tx, ctx *rpc.Context) (*rpc.Jwt, string) {
	tokenStr, err := auth.ExtractToken(ctx.RequestHeaders())
	if err != nil {
		return nil, err.Error()
	}
	token, err := auth.ParseToken(tokenStr)
	if err != nil {
		return nil, err.Error()
	}

	keys := tx.GetView(kv.TableJWTSigningKeys)
	keyRecord, ok, kerr := keys.Get(token.KID)
	if kerr != nil || !ok {
		return nil, "JWT signing key not found"
	}
	if !auth.ValidateTokenSignature(token, keyRecord) {
		return nil, "JWT signature is invalid"
	}

	issuers := tx.GetView(kv.TableJWTKeyIssuer)
	issuer, ok, ierr := kv.GetJSON[string](issuers, token.KID)
	if ierr != nil || !ok {
		return nil, "JWT signing key issuer not found"
	}

	return &rpc.Jwt{
		KeyIssuer: issuer,
		Header:    token.Header,
		Payload:   token.Payload,
	}, ""
}
