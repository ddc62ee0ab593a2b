package kv

import (
	"encoding/json"
	"strconv"
)

// Well-known table names. The frontend and registry agree on these; the
// store itself does not interpret them.
const (
	TableService        = "arx.service"
	TableNodes          = "arx.nodes"
	TableUserCerts      = "arx.users.certs"
	TableUserDigests    = "arx.users.digests"
	TableUserSignatures = "arx.users.signatures"
	TableJWTSigningKeys = "arx.jwt.public_signing_keys"
	TableJWTKeyIssuer   = "arx.jwt.public_signing_key_issuer"
	TableAFTRequests    = "arx.aft.requests"
)

// ServiceKey is the singleton key under which the service record lives.
const ServiceKey = "0"

type ServiceStatus string

const (
	ServiceOpening ServiceStatus = "OPENING"
	ServiceOpen    ServiceStatus = "OPEN"
	ServiceClosed  ServiceStatus = "CLOSED"
)

// ServiceRecord is the globally-committed service state consulted by the
// frontend lifecycle gate.
type ServiceRecord struct {
	Status ServiceStatus `json:"status"`
	Cert   []byte        `json:"cert"`
}

// AFTRequest is the record a BFT execution writes into the AFT requests
// map so every replica executes the same request for the same caller.
type AFTRequest struct {
	CallerID CallerID  `json:"caller_id"`
	ReqID    RequestID `json:"req_id"`
	Cert     []byte    `json:"cert"`
	Request  []byte    `json:"request"`
}

// NodeInfo is the node directory entry used for 307 redirects.
type NodeInfo struct {
	PubHost string `json:"pubhost"`
	RPCPort string `json:"rpcport"`
	Status  string `json:"status,omitempty"`
}

// IDKey renders a numeric id as a table key.
func IDKey[T ~uint64](id T) string {
	return strconv.FormatUint(uint64(id), 10)
}

// GetJSON reads and decodes a JSON value from a view.
func GetJSON[T any](v View, key string) (T, bool, error) {
	var out T
	raw, ok, err := v.Get(key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

// GetGloballyCommittedJSON is GetJSON over the globally-committed state.
func GetGloballyCommittedJSON[T any](v View, key string) (T, bool, error) {
	var out T
	raw, ok, err := v.GetGloballyCommitted(key)
	if err != nil || !ok {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}

// PutJSON encodes and writes a JSON value into a view.
func PutJSON[T any](v View, key string, val T) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	v.Put(key, raw)
	return nil
}
