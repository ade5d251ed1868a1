package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerifyDigest(t *testing.T) {
	pub, priv, err := GenKeypair()
	if err != nil {
		t.Fatal(err)
	}
	digest := SHA3_256([]byte("payload"))
	sig, err := SignDigest(priv, digest)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyDigest(pub, digest, sig) {
		t.Fatal("valid signature rejected")
	}
	if VerifyDigest(pub, SHA3_256([]byte("other")), sig) {
		t.Fatal("signature over wrong digest accepted")
	}
	otherPub, _, err := GenKeypair()
	if err != nil {
		t.Fatal(err)
	}
	if VerifyDigest(otherPub, digest, sig) {
		t.Fatal("signature accepted under wrong key")
	}
}

func TestKDFDomainSeparation(t *testing.T) {
	a := KDF("label-a", []byte("in"))
	b := KDF("label-b", []byte("in"))
	if bytes.Equal(a, b) {
		t.Fatal("labels must separate outputs")
	}
	if !bytes.Equal(a, KDF("label-a", []byte("in"))) {
		t.Fatal("KDF must be deterministic")
	}
}

func TestXSealXOpen(t *testing.T) {
	key := KDF("test-key")
	aad := []byte("aad")
	nonce, ct, err := XSeal(key, []byte("secret"), aad)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := XOpen(key, nonce, ct, aad)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "secret" {
		t.Fatalf("got %q", plain)
	}
	if _, err := XOpen(key, nonce, ct, []byte("other-aad")); err == nil {
		t.Fatal("wrong aad must fail authentication")
	}
	ct[0] ^= 1
	if _, err := XOpen(key, nonce, ct, aad); err == nil {
		t.Fatal("tampered ciphertext must fail authentication")
	}
}

func TestEphemeralAgreement(t *testing.T) {
	a, err := GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Destroy()
	b, err := GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Destroy()

	aPub, err := a.Public()
	if err != nil {
		t.Fatal(err)
	}
	bPub, err := b.Public()
	if err != nil {
		t.Fatal(err)
	}
	s1, err := a.Shared(bPub)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := b.Shared(aPub)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("shared secrets differ")
	}
}

func TestEphemeralDestroy(t *testing.T) {
	e, err := GenerateEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	pub, err := e.Public()
	if err != nil {
		t.Fatal(err)
	}
	e.Destroy()
	if _, err := e.Shared(pub); err == nil {
		t.Fatal("destroyed ephemeral must refuse agreement")
	}
}

func TestDeriveSessionKeysDirectional(t *testing.T) {
	shared := KDF("shared")
	k1, err := DeriveSessionKeys(shared, []byte("transcript"))
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveSessionKeys(shared, []byte("transcript"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1.SendKey, k2.SendKey) || !bytes.Equal(k1.RecvKey, k2.RecvKey) {
		t.Fatal("same inputs must derive same keys")
	}
	if bytes.Equal(k1.SendKey, k1.RecvKey) {
		t.Fatal("directions must use distinct keys")
	}
	k3, err := DeriveSessionKeys(shared, []byte("other transcript"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(k1.SendKey, k3.SendKey) {
		t.Fatal("transcript must bind the keys")
	}
}
