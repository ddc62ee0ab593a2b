package frontend

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"testing"

	"arx/pkg/auth"
	"arx/pkg/kv"
	"arx/pkg/rpc"
	"arx/pkg/rpc/registry"
)

// ---- scripted store ----

type commitOutcome struct {
	result  kv.CommitResult
	err     error
	version kv.Version
	term    kv.Term
}

type scriptStore struct {
	data      map[string]map[string][]byte
	script    []commitOutcome
	commits   int
	consensus kv.Consensus
	history   kv.History
	lastTx    *scriptTx
}

func newScriptStore() *scriptStore {
	return &scriptStore{data: map[string]map[string][]byte{}}
}

func (s *scriptStore) seed(table, key string, value []byte) {
	t, ok := s.data[table]
	if !ok {
		t = map[string][]byte{}
		s.data[table] = t
	}
	t[key] = value
}

func (s *scriptStore) get(table, key string) ([]byte, bool) {
	t, ok := s.data[table]
	if !ok {
		return nil, false
	}
	v, ok := t[key]
	return v, ok
}

func (s *scriptStore) CreateTx() kv.Tx {
	s.lastTx = &scriptTx{store: s, readVersion: 5}
	return s.lastTx
}
func (s *scriptStore) GetConsensus() kv.Consensus { return s.consensus }
func (s *scriptStore) GetHistory() kv.History     { return s.history }

type scriptTx struct {
	store         *scriptStore
	readVersion   kv.Version
	commitVersion kv.Version
	commitTerm    kv.Term
	endVersion    kv.Version
	resets        int
	reqID         kv.RequestID
}

func (tx *scriptTx) GetView(table string) kv.View { return &scriptView{tx: tx, table: table} }

func (tx *scriptTx) Commit() (kv.CommitResult, error) {
	s := tx.store
	s.commits++
	if len(s.script) == 0 {
		tx.commitVersion = 10
		tx.commitTerm = 2
		tx.endVersion = 10
		return kv.CommitOK, nil
	}
	out := s.script[0]
	s.script = s.script[1:]
	if out.err != nil {
		return out.result, out.err
	}
	if out.result == kv.CommitOK {
		tx.commitVersion = out.version
		tx.commitTerm = out.term
		tx.endVersion = out.version
	}
	return out.result, nil
}

func (tx *scriptTx) CommitVersion() kv.Version { return tx.commitVersion }
func (tx *scriptTx) CommitTerm() kv.Term       { return tx.commitTerm }
func (tx *scriptTx) ReadVersion() kv.Version   { return tx.readVersion }
func (tx *scriptTx) Version() kv.Version       { return tx.endVersion }
func (tx *scriptTx) Reset()                    { tx.resets++ }
func (tx *scriptTx) SetReqID(id kv.RequestID)  { tx.reqID = id }
func (tx *scriptTx) ReqID() kv.RequestID       { return tx.reqID }

type scriptView struct {
	tx    *scriptTx
	table string
}

func (v *scriptView) Get(key string) ([]byte, bool, error) {
	val, ok := v.tx.store.get(v.table, key)
	return val, ok, nil
}

func (v *scriptView) GetGloballyCommitted(key string) ([]byte, bool, error) {
	val, ok := v.tx.store.get(v.table, key)
	return val, ok, nil
}

func (v *scriptView) Put(key string, value []byte) {
	v.tx.store.seed(v.table, key, append([]byte(nil), value...))
}

func (v *scriptView) Remove(key string) {
	if t, ok := v.tx.store.data[v.table]; ok {
		delete(t, key)
	}
}

// ---- stub consensus / history / forwarder ----

type stubConsensus struct {
	primary   kv.NodeID
	isPrimary bool
	ctype     kv.ConsensusType
	committed kv.Version
	nodes     []kv.NodeID
}

func (c *stubConsensus) Primary() kv.NodeID         { return c.primary }
func (c *stubConsensus) ActiveNodes() []kv.NodeID   { return c.nodes }
func (c *stubConsensus) IsPrimary() bool            { return c.isPrimary }
func (c *stubConsensus) Type() kv.ConsensusType     { return c.ctype }
func (c *stubConsensus) CommittedSeqno() kv.Version { return c.committed }
func (c *stubConsensus) Statistics() kv.Statistics  { return kv.Statistics{CurrentView: 1} }

type stubHistory struct {
	addResult  bool
	added      []kv.RequestID
	addedReqs  [][]byte
	addedCerts [][]byte
	sigHints   int
	flushes    int
}

func (h *stubHistory) AddRequest(id kv.RequestID, caller kv.CallerID, cert []byte, request []byte, frame kv.FrameFormat) bool {
	if !h.addResult {
		return false
	}
	h.added = append(h.added, id)
	h.addedReqs = append(h.addedReqs, request)
	h.addedCerts = append(h.addedCerts, cert)
	return true
}

func (h *stubHistory) TryEmitSignature() { h.sigHints++ }
func (h *stubHistory) FlushPending()     { h.flushes++ }

type stubForwarder struct {
	result   bool
	calls    int
	callerID kv.CallerID
	cert     []byte
	primary  kv.NodeID
}

func (f *stubForwarder) ForwardCommand(ctx *rpc.Context, primary kv.NodeID, activeNodes []kv.NodeID, callerID kv.CallerID, cert []byte) bool {
	f.calls++
	f.primary = primary
	f.callerID = callerID
	f.cert = append([]byte(nil), cert...)
	return f.result
}

// ---- rig ----

type rig struct {
	store    *scriptStore
	registry *registry.Registry
	frontend *Frontend
}

func newRig(t *testing.T, consensus kv.Consensus) *rig {
	t.Helper()
	store := newScriptStore()
	store.consensus = consensus
	reg := registry.NewRegistry(kv.TableUserCerts, kv.TableUserDigests)
	fe := New(store, reg, kv.TableUserSignatures)
	fe.ResolveCallerID = reg.ResolveCallerID
	return &rig{store: store, registry: reg, frontend: fe}
}

// addUser stores an ed25519 identity and returns its caller id, cert and
// private key.
func (r *rig) addUser(t *testing.T, id kv.CallerID) ([]byte, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cert, err := auth.MarshalIdentity(auth.SchemeEd25519, pub)
	if err != nil {
		t.Fatalf("marshal identity: %v", err)
	}
	r.store.seed(kv.TableUserCerts, kv.IDKey(id), cert)
	r.store.seed(kv.TableUserDigests, auth.CertDigest(cert), []byte(kv.IDKey(id)))
	return cert, priv
}

func (r *rig) install(method, verb string, props registry.Properties, handler registry.Handler) *registry.EndpointDefinition {
	if handler == nil {
		handler = func(args *registry.EndpointContext) error {
			args.Ctx.SetResponseStatus(http.StatusOK)
			args.Ctx.SetResponseBody([]byte("ok"))
			return nil
		}
	}
	return r.registry.Install(&registry.EndpointDefinition{
		Method:     method,
		Verb:       verb,
		Properties: props,
		Handler:    handler,
	})
}

func newRequest(verb, method string) *rpc.Context {
	ctx := rpc.NewContext(&rpc.Session{ClientSessionID: 77}, verb, method)
	ctx.RequestIndex = 3
	return ctx
}

// sign attaches a valid signed request over body for the given key.
func sign(t *testing.T, ctx *rpc.Context, cert []byte, priv ed25519.PrivateKey) {
	t.Helper()
	msg := []byte("(request-target): post " + ctx.GetMethod())
	digest, err := auth.DigestFor("sha256", msg)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	ctx.SetSignedRequest(&rpc.SignedRequest{
		Req:   msg,
		Sig:   ed25519.Sign(priv, digest),
		MD:    "sha256",
		KeyID: auth.CertDigest(cert),
	})
}

type parsedResponse struct {
	status  int
	headers http.Header
	body    string
}

func parseResponse(t *testing.T, payload []byte) parsedResponse {
	t.Helper()
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(payload)), nil)
	if err != nil {
		t.Fatalf("parse serialised response: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read serialised body: %v", err)
	}
	return parsedResponse{status: resp.StatusCode, headers: resp.Header, body: buf.String()}
}

func registry404Props() registry.Properties { return registry.Properties{} }

// buildHS256 assembles a compact HS256 JWT.
func buildHS256(t *testing.T, kid string, secret []byte, claims map[string]any) string {
	t.Helper()
	headerRaw, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT", "kid": kid})
	payloadRaw, _ := json.Marshal(claims)
	h := base64.RawURLEncoding.EncodeToString(headerRaw)
	p := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(h + "." + p))
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func serviceRecordJSON(status kv.ServiceStatus, cert []byte) ([]byte, error) {
	return json.Marshal(kv.ServiceRecord{Status: status, Cert: cert})
}

func nodeInfoJSON(host, port string) ([]byte, error) {
	return json.Marshal(kv.NodeInfo{PubHost: host, RPCPort: port})
}

func decodeAFTRequest(raw []byte) (kv.AFTRequest, error) {
	var req kv.AFTRequest
	err := json.Unmarshal(raw, &req)
	return req, err
}

func mustProcess(t *testing.T, fe *Frontend, ctx *rpc.Context) parsedResponse {
	t.Helper()
	payload, done := fe.Process(ctx)
	if !done {
		t.Fatal("expected a response, got pending")
	}
	return parseResponse(t, payload)
}
