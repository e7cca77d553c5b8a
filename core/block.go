package core

import (
	"fmt"

	"qbitcoin/internal/errs"
)

// MaxBlockSize is the maximum serialized size of a block, in bytes.
const MaxBlockSize = 2 * 1024 * 1024

// MaxFutureDrift bounds how far a block's timestamp may sit ahead of the
// validator's local clock.
const MaxFutureDrift = 7200 // seconds

// MinDifficulty is the floor the retarget rule never drops below.
const MinDifficulty = 0.001

// ExtraData carries free-form scalar/string/JSON metadata attached to a
// block; values are kept as generic JSON values.
type ExtraData map[string]interface{}

// BlockHeader is the subset of Block fields hashed to produce Block.Hash:
// all seven fields below, Nonce included. The resulting Hash is stored on
// Block, since it is the output of hashing the header, not an input to it.
type BlockHeader struct {
	Version    uint32  `json:"version"`
	PrevHash   Hash32  `json:"prev_hash"`
	MerkleRoot Hash32  `json:"merkle_root"`
	Timestamp  uint64  `json:"timestamp"`
	Height     uint32  `json:"height"`
	Difficulty float64 `json:"difficulty"`
	Nonce      uint64  `json:"nonce"`
}

// Block is an immutable, mined unit of the chain.
type Block struct {
	BlockHeader
	Hash         Hash32        `json:"hash"`
	Transactions []Transaction `json:"transactions"`
	ExtraData    ExtraData     `json:"extra_data,omitempty"`
}

// ComputeHash hashes the canonical JSON encoding of the header fields
// (excluding Hash itself), per spec §3.
func (b *Block) ComputeHash() (Hash32, error) {
	return hashBlockHeader(&b.BlockHeader)
}

// IsGenesis reports whether b is the height-0 block.
func (b *Block) IsGenesis() bool {
	return b.Height == 0
}

// Validate checks every structural invariant spec.md assigns to a block
// that does not require chain context (parent linkage and the difficulty
// schedule are checked by the Chain Manager, which has that context).
func (b *Block) Validate(nowFn func() uint64) error {
	wantHash, err := b.ComputeHash()
	if err != nil {
		return fmt.Errorf("%w: compute hash: %v", errs.ErrValidation, err)
	}
	if wantHash != b.Hash {
		return fmt.Errorf("%w: hash mismatch", errs.ErrValidation)
	}

	wantRoot := MerkleRoot(txHashes(b.Transactions))
	if wantRoot != b.MerkleRoot {
		return fmt.Errorf("%w: merkle root mismatch", errs.ErrValidation)
	}

	target := TargetForDifficulty(b.Difficulty)
	if b.Hash.Big().Cmp(target) >= 0 {
		return fmt.Errorf("%w: hash does not satisfy target", errs.ErrValidation)
	}

	now := NowSeconds()
	if nowFn != nil {
		now = nowFn()
	}
	if b.Timestamp > now+MaxFutureDrift {
		return fmt.Errorf("%w: timestamp too far in the future", errs.ErrValidation)
	}

	if b.IsGenesis() {
		if !b.PrevHash.IsZero() {
			return fmt.Errorf("%w: genesis must have zero prev_hash", errs.ErrValidation)
		}
	}

	if b.Nonce >= 1<<32 {
		return fmt.Errorf("%w: nonce out of range", errs.ErrValidation)
	}
	if b.Difficulty < MinDifficulty {
		return fmt.Errorf("%w: difficulty below minimum", errs.ErrValidation)
	}

	if len(b.Transactions) == 0 {
		return fmt.Errorf("%w: block has no transactions", errs.ErrValidation)
	}
	if !b.Transactions[0].IsCoinbase() {
		return fmt.Errorf("%w: first transaction is not coinbase", errs.ErrValidation)
	}
	for i := 1; i < len(b.Transactions); i++ {
		if b.Transactions[i].IsCoinbase() {
			return fmt.Errorf("%w: coinbase transaction at non-zero index", errs.ErrValidation)
		}
	}

	size, err := b.Size()
	if err != nil {
		return fmt.Errorf("%w: serialize: %v", errs.ErrValidation, err)
	}
	if size > MaxBlockSize {
		return fmt.Errorf("%w: block size %d exceeds max %d", errs.ErrValidation, size, MaxBlockSize)
	}

	return nil
}

// Size returns the serialized byte size of the block.
func (b *Block) Size() (int, error) {
	enc, err := SerializeBlock(b)
	if err != nil {
		return 0, err
	}
	return len(enc), nil
}

func txHashes(txs []Transaction) []Hash32 {
	hashes := make([]Hash32, len(txs))
	for i, tx := range txs {
		hashes[i] = tx.Hash
	}
	return hashes
}
