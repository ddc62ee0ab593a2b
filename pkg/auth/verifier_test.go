package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
)

func TestEd25519Verifier(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	cert, err := MarshalIdentity(SchemeEd25519, pub)
	if err != nil {
		t.Fatalf("marshal identity: %v", err)
	}
	verifier, err := NewVerifier(cert)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	msg := []byte("(request-target): post /txns")
	for _, md := range []string{"sha256", "sha512", "sha3-256", ""} {
		digest, err := DigestFor(md, msg)
		if err != nil {
			t.Fatalf("digest %q: %v", md, err)
		}
		sig := ed25519.Sign(priv, digest)
		if !verifier.Verify(msg, sig, md) {
			t.Fatalf("expected valid signature for md %q", md)
		}
	}
	if verifier.Verify(msg, []byte("bad"), "sha256") {
		t.Fatal("accepted a bad signature")
	}
	if verifier.Verify([]byte("other message"), ed25519.Sign(priv, mustDigest(t, "sha256", msg)), "sha256") {
		t.Fatal("accepted a signature over different bytes")
	}
	if verifier.Verify(msg, ed25519.Sign(priv, mustDigest(t, "sha256", msg)), "md5") {
		t.Fatal("accepted an unsupported digest")
	}
}

func TestDilithium3Verifier(t *testing.T) {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	pubRaw, err := pub.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	cert, err := MarshalIdentity(SchemeDilithium3, pubRaw)
	if err != nil {
		t.Fatalf("marshal identity: %v", err)
	}
	verifier, err := NewVerifier(cert)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	msg := []byte("payload")
	digest := mustDigest(t, "sha256", msg)
	sig := make([]byte, mode3.SignatureSize)
	mode3.SignTo(priv, digest, sig)
	if !verifier.Verify(msg, sig, "sha256") {
		t.Fatal("expected valid dilithium3 signature")
	}
	sig[0] ^= 0xff
	if verifier.Verify(msg, sig, "sha256") {
		t.Fatal("accepted a corrupted signature")
	}
}

func TestNewVerifierRejectsBadIdentities(t *testing.T) {
	cases := [][]byte{
		[]byte("not json"),
		[]byte(`{"scheme":"rsa","public_key":"AAAA"}`),
		[]byte(`{"scheme":"ed25519","public_key":"AAAA"}`), // wrong length
	}
	for _, cert := range cases {
		if _, err := NewVerifier(cert); err == nil {
			t.Fatalf("expected error for %s", cert)
		}
	}
}

func TestCertDigestIsStable(t *testing.T) {
	a := CertDigest([]byte("cert"))
	b := CertDigest([]byte("cert"))
	if a != b || len(a) != 64 {
		t.Fatalf("unexpected digest %q / %q", a, b)
	}
	if CertDigest([]byte("other")) == a {
		t.Fatal("distinct certs must not collide trivially")
	}
}

func mustDigest(t *testing.T, md string, msg []byte) []byte {
	t.Helper()
	digest, err := DigestFor(md, msg)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return digest
}
