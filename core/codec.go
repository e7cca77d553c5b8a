package core

import (
	"bytes"
	"crypto/sha3"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// blockMagic is the on-disk/wire frame magic for a serialized block,
// distinct from the block-store's own record magic (core/blockstore.go).
var blockMagic = [4]byte{'Q', 'B', 'T', 'H'}

// headerSize is the fixed encoded size of a BlockHeader plus its cached
// Hash, per spec §4.1: 4+32+32+8+4+8+8+32 = 128 bytes.
const headerSize = 128

// hashBlockHeader computes SHA3-256 over the canonical sorted-key JSON
// encoding of the header fields that are inputs to the hash (Hash itself
// is the output, not an input).
func hashBlockHeader(h *BlockHeader) (Hash32, error) {
	m := map[string]interface{}{
		"version":     h.Version,
		"prev_hash":   h.PrevHash,
		"merkle_root": h.MerkleRoot,
		"timestamp":   h.Timestamp,
		"height":      h.Height,
		"difficulty":  h.Difficulty,
		"nonce":       h.Nonce,
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Hash32{}, fmt.Errorf("canonical header encode: %w", err)
	}
	return sha3.Sum256(b), nil
}

// hashTransaction computes SHA3-256 over the canonical sorted-key JSON
// encoding of every transaction field except Hash and Signature.
func hashTransaction(tx *Transaction) (Hash32, error) {
	b, err := json.Marshal(canonicalTxMap(tx))
	if err != nil {
		return Hash32{}, fmt.Errorf("canonical tx encode: %w", err)
	}
	return sha3.Sum256(b), nil
}

func canonicalTxMap(tx *Transaction) map[string]interface{} {
	inputs := make([]interface{}, len(tx.Inputs))
	for i, in := range tx.Inputs {
		m := map[string]interface{}{
			"address": in.Address,
			"amount":  in.Amount,
		}
		if in.PrevTx != nil {
			m["prev_tx"] = *in.PrevTx
		}
		if in.OutputIndex != nil {
			m["output_index"] = *in.OutputIndex
		}
		inputs[i] = m
	}

	outputs := make([]interface{}, len(tx.Outputs))
	for i, out := range tx.Outputs {
		outputs[i] = map[string]interface{}{
			"address": out.Address,
			"amount":  out.Amount,
		}
	}

	return map[string]interface{}{
		"version":    tx.Version,
		"timestamp":  tx.Timestamp,
		"inputs":     inputs,
		"outputs":    outputs,
		"data":       tx.Data,
		"fee":        tx.Fee,
		"public_key": tx.PublicKey,
	}
}

// --- binary framing (§4.1, §6) ---

func putFloat64(buf *bytes.Buffer, f float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(f))
	buf.Write(b[:])
}

func readFloat64(r *bytes.Reader) (float64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b[:])), nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func putBytesLP(buf *bytes.Buffer, b []byte) {
	putUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytesLP(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func putHash(buf *bytes.Buffer, h Hash32) {
	buf.Write(h[:])
}

func readHash(r *bytes.Reader) (Hash32, error) {
	var h Hash32
	if _, err := r.Read(h[:]); err != nil {
		return h, err
	}
	return h, nil
}

// serializeHeader encodes the 128-byte fixed header record: the seven hashed
// fields plus the cached Hash, in declaration order.
func serializeHeader(b *Block) []byte {
	buf := new(bytes.Buffer)
	putUint32(buf, b.Version)
	putHash(buf, b.PrevHash)
	putHash(buf, b.MerkleRoot)
	putUint64(buf, b.Timestamp)
	putUint32(buf, b.Height)
	putFloat64(buf, b.Difficulty)
	putUint64(buf, b.Nonce)
	putHash(buf, b.Hash)
	return buf.Bytes()
}

func deserializeHeader(raw []byte) (*Block, error) {
	if len(raw) != headerSize {
		return nil, fmt.Errorf("codec: header size %d != %d", len(raw), headerSize)
	}
	r := bytes.NewReader(raw)
	blk := &Block{}
	var err error
	if blk.Version, err = readUint32(r); err != nil {
		return nil, err
	}
	if blk.PrevHash, err = readHash(r); err != nil {
		return nil, err
	}
	if blk.MerkleRoot, err = readHash(r); err != nil {
		return nil, err
	}
	if blk.Timestamp, err = readUint64(r); err != nil {
		return nil, err
	}
	if blk.Height, err = readUint32(r); err != nil {
		return nil, err
	}
	if blk.Difficulty, err = readFloat64(r); err != nil {
		return nil, err
	}
	if blk.Nonce, err = readUint64(r); err != nil {
		return nil, err
	}
	if blk.Hash, err = readHash(r); err != nil {
		return nil, err
	}
	return blk, nil
}

// SerializeTransaction encodes tx using fixed-order length-prefixed fields
// per spec §6.
func SerializeTransaction(tx *Transaction) ([]byte, error) {
	buf := new(bytes.Buffer)
	putUint32(buf, tx.Version)
	putUint64(buf, tx.Timestamp)

	putUint32(buf, uint32(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		putBytesLP(buf, []byte(in.Address))
		putFloat64(buf, in.Amount)
		if in.PrevTx != nil {
			buf.WriteByte(1)
			putHash(buf, *in.PrevTx)
		} else {
			buf.WriteByte(0)
		}
		if in.OutputIndex != nil {
			buf.WriteByte(1)
			putUint32(buf, *in.OutputIndex)
		} else {
			buf.WriteByte(0)
		}
	}

	putUint32(buf, uint32(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		putBytesLP(buf, []byte(out.Address))
		putFloat64(buf, out.Amount)
	}

	putBytesLP(buf, []byte(tx.Data))
	putFloat64(buf, tx.Fee)

	if tx.PublicKey != nil {
		buf.WriteByte(1)
		putBytesLP(buf, tx.PublicKey)
	} else {
		buf.WriteByte(0)
	}
	if tx.Signature != nil {
		buf.WriteByte(1)
		putBytesLP(buf, tx.Signature)
	} else {
		buf.WriteByte(0)
	}
	putHash(buf, tx.Hash)

	return buf.Bytes(), nil
}

// DeserializeTransaction is the inverse of SerializeTransaction.
func DeserializeTransaction(raw []byte) (*Transaction, error) {
	r := bytes.NewReader(raw)
	tx := &Transaction{}
	var err error

	if tx.Version, err = readUint32(r); err != nil {
		return nil, err
	}
	if tx.Timestamp, err = readUint64(r); err != nil {
		return nil, err
	}

	inCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	tx.Inputs = make([]InputRef, inCount)
	for i := range tx.Inputs {
		addr, err := readBytesLP(r)
		if err != nil {
			return nil, err
		}
		amount, err := readFloat64(r)
		if err != nil {
			return nil, err
		}
		in := InputRef{Address: string(addr), Amount: amount}

		hasPrev, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if hasPrev == 1 {
			h, err := readHash(r)
			if err != nil {
				return nil, err
			}
			in.PrevTx = &h
		}
		hasIdx, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if hasIdx == 1 {
			idx, err := readUint32(r)
			if err != nil {
				return nil, err
			}
			in.OutputIndex = &idx
		}
		tx.Inputs[i] = in
	}

	outCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	tx.Outputs = make([]OutputRef, outCount)
	for i := range tx.Outputs {
		addr, err := readBytesLP(r)
		if err != nil {
			return nil, err
		}
		amount, err := readFloat64(r)
		if err != nil {
			return nil, err
		}
		tx.Outputs[i] = OutputRef{Address: string(addr), Amount: amount}
	}

	data, err := readBytesLP(r)
	if err != nil {
		return nil, err
	}
	tx.Data = string(data)

	if tx.Fee, err = readFloat64(r); err != nil {
		return nil, err
	}

	hasPub, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if hasPub == 1 {
		if tx.PublicKey, err = readBytesLP(r); err != nil {
			return nil, err
		}
	}
	hasSig, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if hasSig == 1 {
		if tx.Signature, err = readBytesLP(r); err != nil {
			return nil, err
		}
	}
	if tx.Hash, err = readHash(r); err != nil {
		return nil, err
	}

	return tx, nil
}

// SerializeBlock encodes b using the "QBTH"-framed layout from spec §4.1:
// magic | header_size | header(128) | tx_count | (tx_size, tx_bytes)* |
// extra_size | extra_bytes.
func SerializeBlock(b *Block) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(blockMagic[:])

	header := serializeHeader(b)
	putUint32(buf, uint32(len(header)))
	buf.Write(header)

	putUint32(buf, uint32(len(b.Transactions)))
	for i := range b.Transactions {
		txBytes, err := SerializeTransaction(&b.Transactions[i])
		if err != nil {
			return nil, fmt.Errorf("codec: serialize tx %d: %w", i, err)
		}
		putUint32(buf, uint32(len(txBytes)))
		buf.Write(txBytes)
	}

	extra := b.ExtraData
	if extra == nil {
		extra = ExtraData{}
	}
	extraBytes, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("codec: serialize extra_data: %w", err)
	}
	putUint32(buf, uint32(len(extraBytes)))
	buf.Write(extraBytes)

	return buf.Bytes(), nil
}

// DeserializeBlock is the inverse of SerializeBlock.
func DeserializeBlock(raw []byte) (*Block, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("codec: block record too short")
	}
	if !bytes.Equal(raw[:4], blockMagic[:]) {
		return nil, fmt.Errorf("codec: bad block magic")
	}
	r := bytes.NewReader(raw[4:])

	headerLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	headerBuf := make([]byte, headerLen)
	if _, err := r.Read(headerBuf); err != nil {
		return nil, err
	}
	blk, err := deserializeHeader(headerBuf)
	if err != nil {
		return nil, err
	}

	txCount, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	blk.Transactions = make([]Transaction, txCount)
	for i := range blk.Transactions {
		txLen, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		txBuf := make([]byte, txLen)
		if _, err := r.Read(txBuf); err != nil {
			return nil, err
		}
		tx, err := DeserializeTransaction(txBuf)
		if err != nil {
			return nil, fmt.Errorf("codec: deserialize tx %d: %w", i, err)
		}
		blk.Transactions[i] = *tx
	}

	extraLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	extraBuf := make([]byte, extraLen)
	if extraLen > 0 {
		if _, err := r.Read(extraBuf); err != nil {
			return nil, err
		}
		var extra ExtraData
		if err := json.Unmarshal(extraBuf, &extra); err != nil {
			return nil, fmt.Errorf("codec: deserialize extra_data: %w", err)
		}
		blk.ExtraData = extra
	}

	return blk, nil
}
