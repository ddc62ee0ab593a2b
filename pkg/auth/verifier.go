// Package auth implements the caller-facing cryptography of the RPC
// pipeline: identity verifiers for detached request signatures, the HTTP
// signature scheme those requests arrive under, and JWT bearer token
// validation against service-held signing keys.
package auth

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

const (
	SchemeEd25519    = "ed25519"
	SchemeDilithium3 = "dilithium3"
)

// Identity is the stored form of a caller certificate: a signature scheme
// plus the public key material.
type Identity struct {
	Scheme    string `json:"scheme"`
	PublicKey []byte `json:"public_key"`
}

// Verifier checks detached signatures for one caller.
type Verifier interface {
	// Verify checks sig over digest(md, req).
	Verify(req, sig []byte, md string) bool
}

// NewVerifier builds a verifier from a caller certificate.
func NewVerifier(cert []byte) (Verifier, error) {
	var id Identity
	if err := json.Unmarshal(cert, &id); err != nil {
		return nil, fmt.Errorf("parse caller identity: %w", err)
	}
	switch id.Scheme {
	case SchemeEd25519:
		if len(id.PublicKey) != ed25519.PublicKeySize {
			return nil, errors.New("bad ed25519 public key length")
		}
		return &ed25519Verifier{key: ed25519.PublicKey(id.PublicKey)}, nil
	case SchemeDilithium3:
		var key mode3.PublicKey
		if err := key.UnmarshalBinary(id.PublicKey); err != nil {
			return nil, fmt.Errorf("bad dilithium3 public key: %w", err)
		}
		return &dilithium3Verifier{key: &key}, nil
	default:
		return nil, fmt.Errorf("unsupported signature scheme %q", id.Scheme)
	}
}

type ed25519Verifier struct {
	key ed25519.PublicKey
}

func (v *ed25519Verifier) Verify(req, sig []byte, md string) bool {
	digest, err := DigestFor(md, req)
	if err != nil {
		return false
	}
	return ed25519.Verify(v.key, digest, sig)
}

type dilithium3Verifier struct {
	key *mode3.PublicKey
}

func (v *dilithium3Verifier) Verify(req, sig []byte, md string) bool {
	digest, err := DigestFor(md, req)
	if err != nil {
		return false
	}
	return mode3.Verify(v.key, digest, sig)
}

// DigestFor hashes message with the named algorithm. An empty name means
// sha256.
func DigestFor(md string, message []byte) ([]byte, error) {
	switch md {
	case "", "sha256":
		s := sha256.Sum256(message)
		return s[:], nil
	case "sha512":
		s := sha512.Sum512(message)
		return s[:], nil
	case "sha3-256":
		s := sha3.Sum256(message)
		return s[:], nil
	default:
		return nil, fmt.Errorf("unsupported message digest %q", md)
	}
}

// CertDigest is the key-id of a caller certificate: hex sha256 over the
// stored certificate bytes.
func CertDigest(cert []byte) string {
	s := sha256.Sum256(cert)
	return hex.EncodeToString(s[:])
}

// MarshalIdentity renders an Identity as certificate bytes.
func MarshalIdentity(scheme string, publicKey []byte) ([]byte, error) {
	return json.Marshal(Identity{Scheme: scheme, PublicKey: publicKey})
}

// B64 decodes standard base64, tolerating the raw variant.
func B64(s string) ([]byte, error) {
	if out, err := base64.StdEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
