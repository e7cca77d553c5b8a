package falcon

import (
	"errors"
	"testing"
)

func TestNewStubSignerIsDeterministicForEqualSeeds(t *testing.T) {
	a := NewStubSigner([]byte("seed-1"))
	b := NewStubSigner([]byte("seed-1"))
	if string(a.PublicKey()) != string(b.PublicKey()) {
		t.Fatal("equal seeds should produce equal public keys")
	}
}

func TestNewStubSignerDiffersForDifferentSeeds(t *testing.T) {
	a := NewStubSigner([]byte("seed-1"))
	b := NewStubSigner([]byte("seed-2"))
	if string(a.PublicKey()) == string(b.PublicKey()) {
		t.Fatal("different seeds should produce different public keys")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer := NewStubSigner([]byte("alice"))
	msg := []byte("transfer 10 quarks to bob")

	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	var v Verifier = StubVerifier{}
	if err := v.Verify(signer.PublicKey(), msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	signer := NewStubSigner([]byte("alice"))
	sig, err := signer.Sign([]byte("original message"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	err = StubVerifier{}.Verify(signer.PublicKey(), []byte("tampered message"), sig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Verify on a tampered message = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyRejectsWrongPublicKey(t *testing.T) {
	signer := NewStubSigner([]byte("alice"))
	other := NewStubSigner([]byte("mallory"))
	msg := []byte("transfer 10 quarks to bob")

	sig, err := signer.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	err = StubVerifier{}.Verify(other.PublicKey(), msg, sig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("Verify with the wrong public key = %v, want ErrInvalidSignature", err)
	}
}
