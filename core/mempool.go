package core

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"qbitcoin/internal/errs"
	"qbitcoin/internal/falcon"
	"qbitcoin/internal/metrics"
	"qbitcoin/pkg/utils"
)

// DefaultMempoolMaxSize is the byte cap on total mempool size.
const DefaultMempoolMaxSize int64 = 300 * 1024 * 1024

// DefaultMempoolExpiryHours is how long an unconfirmed transaction may sit
// in the mempool before expiring.
const DefaultMempoolExpiryHours = 48

// ledgerView is the slice of AccountDB the mempool needs for admission.
type ledgerView interface {
	Balance(address string) (float64, error)
	PubkeyBlock(address string) (*uint32, error)
}

// blockSource is the slice of ChainManager the mempool needs to recover a
// sender's public key from the block that first recorded it.
type blockSource interface {
	GetBlockByHeight(height uint32) (*Block, error)
}

type txMeta struct {
	ReceivedTime uint64
	SizeBytes    int
	FeePerKB     float64
}

type inputKey struct {
	prevTx Hash32
	index  uint32
}

// Mempool is the fee-prioritized unconfirmed transaction staging area,
// per spec §4.6. A single mutex guards all mutation.
type Mempool struct {
	mu sync.Mutex

	txs       map[Hash32]*Transaction
	meta      map[Hash32]txMeta
	byAddress map[string]map[Hash32]struct{}
	byInput   map[inputKey]Hash32

	totalSize    int64
	maxSizeBytes int64
	expiryHours  int
	minimumFee   float64

	verifier falcon.Verifier
	log      *logrus.Logger
	metrics  *metrics.Registry
}

// NewMempool constructs an empty mempool.
func NewMempool(maxSizeBytes int64, expiryHours int, minimumFee float64, verifier falcon.Verifier, log *logrus.Logger, reg *metrics.Registry) *Mempool {
	if maxSizeBytes <= 0 {
		maxSizeBytes = DefaultMempoolMaxSize
	}
	if expiryHours <= 0 {
		expiryHours = DefaultMempoolExpiryHours
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Mempool{
		txs:          make(map[Hash32]*Transaction),
		meta:         make(map[Hash32]txMeta),
		byAddress:    make(map[string]map[Hash32]struct{}),
		byInput:      make(map[inputKey]Hash32),
		maxSizeBytes: maxSizeBytes,
		expiryHours:  expiryHours,
		minimumFee:   minimumFee,
		verifier:     verifier,
		log:          log,
		metrics:      reg,
	}
}

// Size returns the number of transactions currently held.
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// Has reports whether hash is already in the mempool.
func (m *Mempool) Has(hash Hash32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txs[hash]
	return ok
}

func senderAddress(tx *Transaction) string {
	if len(tx.Inputs) == 0 {
		return ""
	}
	return tx.Inputs[0].Address
}

// AddTransaction runs the admission pipeline, in this order: reject a hash
// already present; recover a missing public key from the sender's
// pubkey_block; verify the signature; reject an input already spent by a
// pending transaction; check the projected balance; tx.Validate; the
// minimum fee-per-KB floor; the size cap with fee-density eviction; strip
// the public key when the sender's pubkey_block is recorded; insert.
func (m *Mempool) AddTransaction(tx *Transaction, ledger ledgerView, blocks blockSource) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txs[tx.Hash]; exists {
		return false, nil
	}

	if len(tx.PublicKey) == 0 && !tx.IsCoinbase() {
		sender := senderAddress(tx)
		pkBlock, err := ledger.PubkeyBlock(sender)
		if err != nil {
			return false, fmt.Errorf("%w: lookup pubkey_block: %v", errs.ErrStorage, err)
		}
		if pkBlock == nil {
			m.rejectMetric()
			return false, nil
		}
		blk, err := blocks.GetBlockByHeight(*pkBlock)
		if err != nil {
			return false, fmt.Errorf("%w: load pubkey block: %v", errs.ErrStorage, err)
		}
		pub, ok := recoverPublicKey(blk, sender)
		if !ok {
			m.rejectMetric()
			return false, nil
		}
		tx.PublicKey = pub
	}

	if !tx.IsCoinbase() {
		if m.verifier != nil {
			if err := m.verifier.Verify(tx.PublicKey, tx.Hash[:], tx.Signature); err != nil {
				m.rejectMetric()
				return false, nil
			}
		}
	}

	for _, in := range tx.Inputs {
		if in.PrevTx == nil || in.OutputIndex == nil {
			continue
		}
		key := inputKey{prevTx: *in.PrevTx, index: *in.OutputIndex}
		if _, conflict := m.byInput[key]; conflict {
			m.rejectMetric()
			return false, nil
		}
	}

	if !tx.IsCoinbase() {
		spendByAddr := make(map[string]float64)
		for _, in := range tx.Inputs {
			spendByAddr[in.Address] += in.Amount
		}
		for addr, spend := range spendByAddr {
			balance, err := ledger.Balance(addr)
			if err != nil {
				return false, fmt.Errorf("%w: balance lookup: %v", errs.ErrStorage, err)
			}
			projected := balance - m.pendingSpendLocked(addr) - spend
			if projected < 0 {
				m.rejectMetric()
				return false, nil
			}
		}
	}

	if err := tx.Validate(nil); err != nil {
		m.rejectMetric()
		return false, nil
	}

	size, err := tx.Size()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	feePerKB := tx.Fee / (float64(size) / 1024.0)
	if feePerKB < m.minimumFee && !tx.IsCoinbase() {
		m.rejectMetric()
		return false, nil
	}

	if m.totalSize+int64(size) > m.maxSizeBytes {
		m.evictBelowFeeDensityLocked(feePerKB, int64(size))
		if m.totalSize+int64(size) > m.maxSizeBytes {
			m.rejectMetric()
			return false, nil
		}
	}

	if len(tx.PublicKey) > 0 && !tx.IsCoinbase() {
		sender := senderAddress(tx)
		if pk, err := ledger.PubkeyBlock(sender); err == nil && pk != nil {
			tx.PublicKey = nil
		}
	}

	m.insertLocked(tx, size, feePerKB)
	if m.metrics != nil {
		m.metrics.TxAccepted.Inc()
		m.metrics.MempoolTxCount.Set(float64(len(m.txs)))
		m.metrics.MempoolBytes.Set(float64(m.totalSize))
	}
	return true, nil
}

func (m *Mempool) rejectMetric() {
	if m.metrics != nil {
		m.metrics.TxRejected.Inc()
	}
}

// recoverPublicKey scans blk's transactions for an input signed by addr
// and returns its attached public key.
func recoverPublicKey(blk *Block, addr string) ([]byte, bool) {
	for i := range blk.Transactions {
		t := &blk.Transactions[i]
		if len(t.PublicKey) == 0 {
			continue
		}
		for _, in := range t.Inputs {
			if in.Address == addr {
				return t.PublicKey, true
			}
		}
	}
	return nil, false
}

func (m *Mempool) pendingSpendLocked(address string) float64 {
	var total float64
	hashes, ok := m.byAddress[address]
	if !ok {
		return 0
	}
	for h := range hashes {
		tx := m.txs[h]
		for _, in := range tx.Inputs {
			if in.Address == address {
				total += in.Amount
			}
		}
	}
	return total
}

func (m *Mempool) insertLocked(tx *Transaction, size int, feePerKB float64) {
	m.txs[tx.Hash] = tx
	m.meta[tx.Hash] = txMeta{ReceivedTime: NowSeconds(), SizeBytes: size, FeePerKB: feePerKB}
	m.totalSize += int64(size)

	for _, in := range tx.Inputs {
		set, ok := m.byAddress[in.Address]
		if !ok {
			set = make(map[Hash32]struct{})
			m.byAddress[in.Address] = set
		}
		set[tx.Hash] = struct{}{}
		if in.PrevTx != nil && in.OutputIndex != nil {
			m.byInput[inputKey{prevTx: *in.PrevTx, index: *in.OutputIndex}] = tx.Hash
		}
	}
}

func (m *Mempool) removeLocked(hash Hash32) {
	tx, ok := m.txs[hash]
	if !ok {
		return
	}
	meta := m.meta[hash]
	m.totalSize -= int64(meta.SizeBytes)
	delete(m.txs, hash)
	delete(m.meta, hash)
	for _, in := range tx.Inputs {
		if set, ok := m.byAddress[in.Address]; ok {
			delete(set, hash)
			if len(set) == 0 {
				delete(m.byAddress, in.Address)
			}
		}
		if in.PrevTx != nil && in.OutputIndex != nil {
			delete(m.byInput, inputKey{prevTx: *in.PrevTx, index: *in.OutputIndex})
		}
	}
}

// evictBelowFeeDensityLocked evicts, in ascending fee-density order, any
// transaction with fee density strictly less than incomingFeePerKB, until
// there is room for neededBytes or no more candidates remain.
func (m *Mempool) evictBelowFeeDensityLocked(incomingFeePerKB float64, neededBytes int64) {
	type candidate struct {
		hash     Hash32
		feePerKB float64
	}
	candidates := make([]candidate, 0, len(m.txs))
	for h, meta := range m.meta {
		if meta.FeePerKB < incomingFeePerKB {
			candidates = append(candidates, candidate{hash: h, feePerKB: meta.FeePerKB})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].feePerKB < candidates[j].feePerKB })

	for _, c := range candidates {
		if m.totalSize+neededBytes <= m.maxSizeBytes {
			return
		}
		m.removeLocked(c.hash)
	}
}

// RemoveConfirmed removes every mempool transaction included in block,
// plus any transaction that spends an output the block just consumed or
// that originates from an address the block touched, per spec §4.6.
func (m *Mempool) RemoveConfirmed(block *Block) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	touchedAddresses := make(map[string]struct{})
	consumedInputs := make(map[inputKey]struct{})
	confirmedHashes := make(map[Hash32]struct{}, len(block.Transactions))

	for i := range block.Transactions {
		t := &block.Transactions[i]
		confirmedHashes[t.Hash] = struct{}{}
		for _, in := range t.Inputs {
			touchedAddresses[in.Address] = struct{}{}
			if in.PrevTx != nil && in.OutputIndex != nil {
				consumedInputs[inputKey{prevTx: *in.PrevTx, index: *in.OutputIndex}] = struct{}{}
			}
		}
		for _, out := range t.Outputs {
			touchedAddresses[out.Address] = struct{}{}
		}
	}

	removed := 0
	for hash := range m.txs {
		if _, ok := confirmedHashes[hash]; ok {
			m.removeLocked(hash)
			removed++
			continue
		}
	}
	for hash, tx := range m.txs {
		drop := false
		for _, in := range tx.Inputs {
			if _, ok := touchedAddresses[in.Address]; ok {
				drop = true
				break
			}
			if in.PrevTx != nil && in.OutputIndex != nil {
				if _, ok := consumedInputs[inputKey{prevTx: *in.PrevTx, index: *in.OutputIndex}]; ok {
					drop = true
					break
				}
			}
		}
		if drop {
			m.removeLocked(hash)
			removed++
		}
	}

	if m.metrics != nil {
		m.metrics.MempoolTxCount.Set(float64(len(m.txs)))
		m.metrics.MempoolBytes.Set(float64(m.totalSize))
	}
	return removed
}

// GetTransactionsForBlock greedily selects transactions by descending
// fee-per-KB without exceeding maxSize.
func (m *Mempool) GetTransactionsForBlock(maxSize int) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	type candidate struct {
		hash     Hash32
		feePerKB float64
	}
	candidates := make([]candidate, 0, len(m.txs))
	for h, meta := range m.meta {
		candidates = append(candidates, candidate{hash: h, feePerKB: meta.FeePerKB})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].feePerKB > candidates[j].feePerKB })

	var result []Transaction
	used := 0
	for _, c := range candidates {
		tx := m.txs[c.hash]
		size := m.meta[c.hash].SizeBytes
		if used+size > maxSize {
			continue
		}
		result = append(result, *tx)
		used += size
	}
	return result
}

// ExpireOldTransactions drops entries whose received_time is older than
// the configured expiry window.
func (m *Mempool) ExpireOldTransactions() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := NowSeconds() - uint64(m.expiryHours)*3600
	removed := 0
	for hash, meta := range m.meta {
		if meta.ReceivedTime < cutoff {
			m.removeLocked(hash)
			removed++
		}
	}
	return removed
}

// --- persistence (mempool.dat, spec §6) ---

// SaveSnapshot writes every mempool transaction to path as
// count_u32_le | count x (size_u32_le | utf8_json_tx_bytes).
func (m *Mempool) SaveSnapshot(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := new(bytes.Buffer)
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(m.txs)))
	buf.Write(countBuf[:])

	for _, tx := range m.txs {
		raw, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("%w: marshal mempool tx: %v", errs.ErrStorage, err)
		}
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(raw)))
		buf.Write(sizeBuf[:])
		buf.Write(raw)
	}

	if err := utils.AtomicWriteFile(path, buf.Bytes()); err != nil {
		return fmt.Errorf("%w: persist mempool snapshot: %v", errs.ErrStorage, err)
	}
	return nil
}

// LoadSnapshot loads transactions from path without re-running admission.
// Nothing re-runs admission on them later: a loaded transaction leaves the
// pool only through RemoveConfirmed (confirmed, or an input address touched
// by a new block) or through expiry.
func (m *Mempool) LoadSnapshot(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read mempool snapshot: %v", errs.ErrStorage, err)
	}
	if len(raw) < 4 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := binary.LittleEndian.Uint32(raw[0:4])
	pos := 4
	for i := uint32(0); i < count; i++ {
		if pos+4 > len(raw) {
			break
		}
		size := binary.LittleEndian.Uint32(raw[pos : pos+4])
		pos += 4
		if pos+int(size) > len(raw) {
			break
		}
		var tx Transaction
		if err := json.Unmarshal(raw[pos:pos+int(size)], &tx); err != nil {
			m.log.WithError(err).Warn("mempool: skipping corrupt snapshot record")
			pos += int(size)
			continue
		}
		pos += int(size)

		txSize, err := tx.Size()
		if err != nil {
			continue
		}
		feePerKB := tx.Fee / (float64(txSize) / 1024.0)
		m.insertLocked(&tx, txSize, feePerKB)
	}
	return nil
}
