package core

import (
	"fmt"
	"time"

	"qbitcoin/internal/errs"
	"qbitcoin/internal/falcon"
)

// MaxTxSize is the maximum serialized size of a transaction, in bytes.
const MaxTxSize = 100 * 1024

// InputRef references a prior credit being spent. PrevTx/OutputIndex are
// optional: the source ledger is account-based, so inputs name an address
// and amount rather than a UTXO outpoint; PrevTx/OutputIndex are carried
// for double-spend-key purposes only, mirroring the vestigial naming.
type InputRef struct {
	Address     string   `json:"address"`
	Amount      float64  `json:"amount"`
	PrevTx      *Hash32  `json:"prev_tx,omitempty"`
	OutputIndex *uint32  `json:"output_index,omitempty"`
}

// OutputRef credits an address with an amount.
type OutputRef struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"`
}

// Transaction is the unit of value transfer. A transaction with no inputs
// is a coinbase transaction.
type Transaction struct {
	Version   uint32      `json:"version"`
	Timestamp uint64      `json:"timestamp"`
	Inputs    []InputRef  `json:"inputs"`
	Outputs   []OutputRef `json:"outputs"`
	Data      string      `json:"data"`
	Fee       float64     `json:"fee"`
	PublicKey []byte      `json:"public_key,omitempty"`
	Signature []byte      `json:"signature,omitempty"`
	Hash      Hash32      `json:"hash"`
}

// IsCoinbase reports whether tx has no inputs.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 0
}

// TotalOutput sums the transaction's output amounts.
func (tx *Transaction) TotalOutput() float64 {
	var sum float64
	for _, o := range tx.Outputs {
		sum += o.Amount
	}
	return sum
}

// TotalInput sums the amounts declared by the transaction's inputs. This
// is the *declared* amount carried on the InputRef, used for the
// sum-of-inputs side of the balance check; the account DB is the source
// of truth for whether the sender actually has that balance.
func (tx *Transaction) TotalInput() float64 {
	var sum float64
	for _, in := range tx.Inputs {
		sum += in.Amount
	}
	return sum
}

// ComputeHash recomputes the canonical content hash over every field
// except Hash and Signature, per spec: public_key is included, signature
// and hash are not.
func (tx *Transaction) ComputeHash() (Hash32, error) {
	return hashTransaction(tx)
}

// Size returns the serialized byte size used against MaxTxSize.
func (tx *Transaction) Size() (int, error) {
	b, err := SerializeTransaction(tx)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// Validate checks a transaction's hash, size, signature presence and (with a
// non-nil verifier) signature, and that outputs+fee do not exceed the input
// amounts the transaction declares. Whether the senders actually hold those
// amounts needs the account DB and is checked by the mempool/chain.
func (tx *Transaction) Validate(verifier falcon.Verifier) error {
	wantHash, err := tx.ComputeHash()
	if err != nil {
		return fmt.Errorf("%w: compute hash: %v", errs.ErrValidation, err)
	}
	if wantHash != tx.Hash {
		return fmt.Errorf("%w: hash mismatch", errs.ErrValidation)
	}

	size, err := tx.Size()
	if err != nil {
		return fmt.Errorf("%w: serialize: %v", errs.ErrValidation, err)
	}
	if size > MaxTxSize {
		return fmt.Errorf("%w: size %d exceeds max %d", errs.ErrValidation, size, MaxTxSize)
	}

	if !tx.IsCoinbase() {
		if tx.PublicKey == nil || tx.Signature == nil {
			return fmt.Errorf("%w: non-coinbase tx missing public_key or signature", errs.ErrValidation)
		}
		if verifier != nil {
			if err := verifier.Verify(tx.PublicKey, tx.Hash[:], tx.Signature); err != nil {
				return fmt.Errorf("%w: signature verification: %v", errs.ErrValidation, err)
			}
		}
		if tx.TotalOutput()+tx.Fee > tx.TotalInput()+1e-9 {
			return fmt.Errorf("%w: outputs+fee exceed inputs", errs.ErrValidation)
		}
	}

	return nil
}

// NowSeconds returns the current unix time in seconds, used when stamping
// freshly built transactions and blocks.
func NowSeconds() uint64 {
	return uint64(time.Now().Unix())
}
