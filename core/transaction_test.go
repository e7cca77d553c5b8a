package core

import (
	"testing"

	"qbitcoin/internal/falcon"
)

func buildSignedTx(t *testing.T, signer falcon.Signer, amount, fee float64) *Transaction {
	t.Helper()
	tx := &Transaction{
		Version:   1,
		Timestamp: NowSeconds(),
		Inputs:    []InputRef{{Address: "alice", Amount: amount + fee}},
		Outputs:   []OutputRef{{Address: "bob", Amount: amount}},
		Fee:       fee,
		PublicKey: signer.PublicKey(),
	}
	h, err := tx.ComputeHash()
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	tx.Hash = h

	sig, err := signer.Sign(h[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tx.Signature = sig
	return tx
}

func TestTransactionIsCoinbase(t *testing.T) {
	coinbase := &Transaction{Outputs: []OutputRef{{Address: "miner", Amount: 1}}}
	if !coinbase.IsCoinbase() {
		t.Fatal("transaction with no inputs should be coinbase")
	}
	spend := &Transaction{Inputs: []InputRef{{Address: "alice", Amount: 1}}}
	if spend.IsCoinbase() {
		t.Fatal("transaction with inputs should not be coinbase")
	}
}

func TestTransactionTotals(t *testing.T) {
	tx := &Transaction{
		Inputs:  []InputRef{{Amount: 3}, {Amount: 2}},
		Outputs: []OutputRef{{Amount: 4}, {Amount: 1}},
	}
	if got := tx.TotalInput(); got != 5 {
		t.Fatalf("TotalInput() = %v, want 5", got)
	}
	if got := tx.TotalOutput(); got != 5 {
		t.Fatalf("TotalOutput() = %v, want 5", got)
	}
}

func TestTransactionValidateCoinbase(t *testing.T) {
	coinbase := &Transaction{
		Version:   1,
		Timestamp: NowSeconds(),
		Outputs:   []OutputRef{{Address: "miner", Amount: 2.5}},
		Data:      "coinbase",
	}
	h, err := coinbase.ComputeHash()
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	coinbase.Hash = h

	if err := coinbase.Validate(nil); err != nil {
		t.Fatalf("coinbase Validate() = %v, want nil", err)
	}
}

func TestTransactionValidateSignedTx(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice-seed"))
	tx := buildSignedTx(t, signer, 10, 0.01)

	if err := tx.Validate(falcon.StubVerifier{}); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestTransactionValidateRejectsTamperedSignature(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice-seed"))
	tx := buildSignedTx(t, signer, 10, 0.01)
	tx.Signature[0] ^= 0xFF

	if err := tx.Validate(falcon.StubVerifier{}); err == nil {
		t.Fatal("Validate() should reject a tampered signature")
	}
}

func TestTransactionValidateRejectsWrongKey(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice-seed"))
	tx := buildSignedTx(t, signer, 10, 0.01)
	tx.PublicKey = falcon.NewStubSigner([]byte("mallory-seed")).PublicKey()

	if err := tx.Validate(falcon.StubVerifier{}); err == nil {
		t.Fatal("Validate() should reject a signature checked against the wrong key")
	}
}

func TestTransactionValidateRejectsOutputsExceedingInputs(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice-seed"))
	tx := &Transaction{
		Version:   1,
		Timestamp: NowSeconds(),
		Inputs:    []InputRef{{Address: "alice", Amount: 1}},
		Outputs:   []OutputRef{{Address: "bob", Amount: 100}},
		PublicKey: signer.PublicKey(),
	}
	h, err := tx.ComputeHash()
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	tx.Hash = h
	sig, err := signer.Sign(h[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tx.Signature = sig

	if err := tx.Validate(falcon.StubVerifier{}); err == nil {
		t.Fatal("Validate() should reject outputs exceeding inputs")
	}
}

func TestTransactionValidateRejectsHashMismatch(t *testing.T) {
	coinbase := &Transaction{
		Version: 1,
		Outputs: []OutputRef{{Address: "miner", Amount: 1}},
	}
	coinbase.Hash[0] = 0xAB // never computed, guaranteed mismatch
	if err := coinbase.Validate(nil); err == nil {
		t.Fatal("Validate() should reject a hash mismatch")
	}
}

func TestTransactionValidateRejectsOversizedTx(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice-seed"))
	tx := buildSignedTx(t, signer, 10, 0.01)
	tx.Data = string(make([]byte, MaxTxSize+1))

	h, err := tx.ComputeHash()
	if err != nil {
		t.Fatalf("ComputeHash: %v", err)
	}
	tx.Hash = h
	sig, err := signer.Sign(h[:])
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	tx.Signature = sig

	if err := tx.Validate(falcon.StubVerifier{}); err == nil {
		t.Fatal("Validate() should reject an oversized transaction")
	}
}
