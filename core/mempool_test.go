package core

import (
	"errors"
	"testing"

	"qbitcoin/internal/falcon"
)

var errNotFoundForTest = errors.New("test: block not found")

type fakeLedger struct {
	balances map[string]float64
	pubkeys  map[string]*uint32
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]float64), pubkeys: make(map[string]*uint32)}
}

func (f *fakeLedger) Balance(address string) (float64, error) {
	return f.balances[address], nil
}

func (f *fakeLedger) PubkeyBlock(address string) (*uint32, error) {
	return f.pubkeys[address], nil
}

type fakeBlocks struct {
	blocks map[uint32]*Block
}

func (f *fakeBlocks) GetBlockByHeight(height uint32) (*Block, error) {
	b, ok := f.blocks[height]
	if !ok {
		return nil, errNotFoundForTest
	}
	return b, nil
}

func signedSpendTx(t *testing.T, signer falcon.Signer, from, to string, amount, fee float64, prevTx *Hash32, outputIndex *uint32) *Transaction {
	t.Helper()
	tx := &Transaction{
		Version:   1,
		Timestamp: NowSeconds(),
		Inputs:    []InputRef{{Address: from, Amount: amount + fee, PrevTx: prevTx, OutputIndex: outputIndex}},
		Outputs:   []OutputRef{{Address: to, Amount: amount}},
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

func TestMempoolAddTransactionAcceptsValidSpend(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice"))
	ledger := newFakeLedger()
	ledger.balances["alice"] = 100
	blocks := &fakeBlocks{blocks: make(map[uint32]*Block)}

	mp := NewMempool(0, 0, 0.0001, falcon.StubVerifier{}, nil, nil)
	tx := signedSpendTx(t, signer, "alice", "bob", 10, 1, nil, nil)

	ok, err := mp.AddTransaction(tx, ledger, blocks)
	if err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	if !ok {
		t.Fatal("AddTransaction should accept a valid, funded spend")
	}
	if mp.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", mp.Size())
	}
}

func TestMempoolAddTransactionRejectsDuplicateHash(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice"))
	ledger := newFakeLedger()
	ledger.balances["alice"] = 100
	blocks := &fakeBlocks{blocks: make(map[uint32]*Block)}

	mp := NewMempool(0, 0, 0.0001, falcon.StubVerifier{}, nil, nil)
	tx := signedSpendTx(t, signer, "alice", "bob", 10, 1, nil, nil)

	if _, err := mp.AddTransaction(tx, ledger, blocks); err != nil {
		t.Fatalf("first AddTransaction: %v", err)
	}
	ok, err := mp.AddTransaction(tx, ledger, blocks)
	if err != nil {
		t.Fatalf("second AddTransaction: %v", err)
	}
	if ok {
		t.Fatal("AddTransaction should reject a duplicate hash")
	}
	if mp.Size() != 1 {
		t.Fatalf("Size() = %d, want 1 after duplicate rejected", mp.Size())
	}
}

func TestMempoolAddTransactionRejectsInsufficientBalance(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice"))
	ledger := newFakeLedger()
	ledger.balances["alice"] = 1
	blocks := &fakeBlocks{blocks: make(map[uint32]*Block)}

	mp := NewMempool(0, 0, 0.0001, falcon.StubVerifier{}, nil, nil)
	tx := signedSpendTx(t, signer, "alice", "bob", 10, 1, nil, nil)

	ok, err := mp.AddTransaction(tx, ledger, blocks)
	if err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	if ok {
		t.Fatal("AddTransaction should reject a spend exceeding the sender's balance")
	}
}

func TestMempoolAddTransactionRejectsDoubleSpendInput(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice"))
	ledger := newFakeLedger()
	ledger.balances["alice"] = 1000
	blocks := &fakeBlocks{blocks: make(map[uint32]*Block)}

	mp := NewMempool(0, 0, 0.0001, falcon.StubVerifier{}, nil, nil)
	prevTx := Hash32{1, 2, 3}
	idx := uint32(0)

	tx1 := signedSpendTx(t, signer, "alice", "bob", 10, 1, &prevTx, &idx)
	if ok, err := mp.AddTransaction(tx1, ledger, blocks); err != nil || !ok {
		t.Fatalf("first spend: ok=%v err=%v", ok, err)
	}

	tx2 := signedSpendTx(t, signer, "alice", "carol", 5, 1, &prevTx, &idx)
	ok, err := mp.AddTransaction(tx2, ledger, blocks)
	if err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	if ok {
		t.Fatal("AddTransaction should reject a transaction spending an already-pending input")
	}
}

func TestMempoolAddTransactionRejectsBelowMinimumFee(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice"))
	ledger := newFakeLedger()
	ledger.balances["alice"] = 1000
	blocks := &fakeBlocks{blocks: make(map[uint32]*Block)}

	mp := NewMempool(0, 0, 1000.0, falcon.StubVerifier{}, nil, nil) // unreasonably high min fee/KB
	tx := signedSpendTx(t, signer, "alice", "bob", 10, 0.00001, nil, nil)

	ok, err := mp.AddTransaction(tx, ledger, blocks)
	if err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	if ok {
		t.Fatal("AddTransaction should reject a transaction below the minimum fee density")
	}
}

func TestMempoolGetTransactionsForBlockOrdersByFeeDensity(t *testing.T) {
	signerA := falcon.NewStubSigner([]byte("alice"))
	signerB := falcon.NewStubSigner([]byte("bob"))
	ledger := newFakeLedger()
	ledger.balances["alice"] = 1000
	ledger.balances["bob"] = 1000
	blocks := &fakeBlocks{blocks: make(map[uint32]*Block)}

	mp := NewMempool(0, 0, 0, falcon.StubVerifier{}, nil, nil)
	low := signedSpendTx(t, signerA, "alice", "carol", 10, 0.001, nil, nil)
	high := signedSpendTx(t, signerB, "bob", "carol", 10, 1.0, nil, nil)

	if _, err := mp.AddTransaction(low, ledger, blocks); err != nil {
		t.Fatalf("AddTransaction(low): %v", err)
	}
	if _, err := mp.AddTransaction(high, ledger, blocks); err != nil {
		t.Fatalf("AddTransaction(high): %v", err)
	}

	selected := mp.GetTransactionsForBlock(1 << 20)
	if len(selected) != 2 {
		t.Fatalf("GetTransactionsForBlock returned %d txs, want 2", len(selected))
	}
	if selected[0].Hash != high.Hash {
		t.Fatal("GetTransactionsForBlock should order by descending fee density")
	}
}

func TestMempoolAddTransactionStripsPublicKeyWhenAlreadyRecorded(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice"))
	ledger := newFakeLedger()
	ledger.balances["alice"] = 1000
	height := uint32(0)
	ledger.pubkeys["alice"] = &height
	blocks := &fakeBlocks{blocks: make(map[uint32]*Block)}

	mp := NewMempool(0, 0, 0, falcon.StubVerifier{}, nil, nil)
	tx := signedSpendTx(t, signer, "alice", "bob", 10, 1, nil, nil)
	if len(tx.PublicKey) == 0 {
		t.Fatal("test setup: tx should carry a public key before admission")
	}

	ok, err := mp.AddTransaction(tx, ledger, blocks)
	if err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	if !ok {
		t.Fatal("AddTransaction should accept a valid, funded spend")
	}

	stored := mp.txs[tx.Hash]
	if stored == nil {
		t.Fatal("transaction should be present in the mempool")
	}
	if len(stored.PublicKey) != 0 {
		t.Fatal("public key should be stripped when the sender's pubkey_block is already recorded, even though this call didn't have to recover it")
	}
}

func TestMempoolRemoveConfirmedDropsConfirmedAndConflicting(t *testing.T) {
	signer := falcon.NewStubSigner([]byte("alice"))
	ledger := newFakeLedger()
	ledger.balances["alice"] = 1000
	blocks := &fakeBlocks{blocks: make(map[uint32]*Block)}

	mp := NewMempool(0, 0, 0, falcon.StubVerifier{}, nil, nil)
	tx := signedSpendTx(t, signer, "alice", "bob", 10, 1, nil, nil)
	if _, err := mp.AddTransaction(tx, ledger, blocks); err != nil {
		t.Fatalf("AddTransaction: %v", err)
	}
	// A second pending spend from alice is not in the block, but conflicts
	// with it because the block touches alice's balance.
	conflicting := signedSpendTx(t, signer, "alice", "carol", 5, 1, nil, nil)
	if _, err := mp.AddTransaction(conflicting, ledger, blocks); err != nil {
		t.Fatalf("AddTransaction(conflicting): %v", err)
	}

	block := &Block{Transactions: []Transaction{*tx}}
	removed := mp.RemoveConfirmed(block)
	if removed != 2 {
		t.Fatalf("RemoveConfirmed removed %d, want 2 (confirmed + conflicting)", removed)
	}
	if mp.Size() != 0 {
		t.Fatalf("Size() = %d after RemoveConfirmed, want 0", mp.Size())
	}
}
