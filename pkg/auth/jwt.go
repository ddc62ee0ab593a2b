package auth

import (
	"crypto"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

// Token is a parsed but not yet validated JWT.
type Token struct {
	Header  json.RawMessage
	Payload json.RawMessage
	Alg     string
	KID     string

	signingInput string
	signature    []byte
}

// SigningKey is the stored form of a JWT verification key.
type SigningKey struct {
	// Alg is RS256, EdDSA or HS256.
	Alg string `json:"alg"`
	// Key holds a PKIX DER public key for RS256, the raw 32-byte public
	// key for EdDSA, or the shared secret for HS256.
	Key []byte `json:"key"`
}

// ExtractToken pulls the bearer token out of the request headers.
func ExtractToken(headers map[string]string) (string, error) {
	raw, ok := headers["authorization"]
	if !ok {
		return "", errors.New("Missing Authorization header")
	}
	scheme, rest, found := strings.Cut(raw, " ")
	if !found {
		return "", errors.New("Authorization header only contains one field")
	}
	if !strings.EqualFold(scheme, "bearer") {
		return "", errors.New("Authorization header does not use the Bearer scheme")
	}
	token := strings.TrimSpace(rest)
	if token == "" {
		return "", errors.New("Bearer token is empty")
	}
	return token, nil
}

// ParseToken splits and decodes a compact JWT without validating it.
func ParseToken(token string) (*Token, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("Malformed JWT")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, errors.New("Malformed JWT header")
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, errors.New("Malformed JWT payload")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, errors.New("Malformed JWT signature")
	}
	var header struct {
		Alg string `json:"alg"`
		KID string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return nil, errors.New("Malformed JWT header")
	}
	return &Token{
		Header:       headerRaw,
		Payload:      payloadRaw,
		Alg:          header.Alg,
		KID:          header.KID,
		signingInput: parts[0] + "." + parts[1],
		signature:    sig,
	}, nil
}

// ValidateTokenSignature checks the token signature against a stored
// signing key record.
func ValidateTokenSignature(t *Token, keyRecord []byte) bool {
	var key SigningKey
	if err := json.Unmarshal(keyRecord, &key); err != nil {
		return false
	}
	if !strings.EqualFold(key.Alg, t.Alg) {
		return false
	}
	switch strings.ToUpper(key.Alg) {
	case "RS256":
		pub, err := x509.ParsePKIXPublicKey(key.Key)
		if err != nil {
			return false
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false
		}
		digest := sha256.Sum256([]byte(t.signingInput))
		return rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], t.signature) == nil
	case "EDDSA":
		if len(key.Key) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(key.Key), []byte(t.signingInput), t.signature)
	case "HS256":
		mac := hmac.New(sha256.New, key.Key)
		_, _ = mac.Write([]byte(t.signingInput))
		return hmac.Equal(mac.Sum(nil), t.signature)
	default:
		return false
	}
}
