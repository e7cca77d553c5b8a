package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"qbitcoin/internal/errs"
	"qbitcoin/internal/metrics"
	"qbitcoin/pkg/utils"
)

const chainStateFileName = "chainstate.json"
const chainStateVersion = 1
const blockCacheSize = 256
const notFoundCacheSize = 1024

// mempoolRemover is the slice of Mempool's API the Chain Manager needs
// after a successful tip advance. Declared here (not imported from the
// mempool type directly) so the two components can evolve independently;
// both live in this package so there's no import-cycle concern, just a
// narrower contract.
type mempoolRemover interface {
	RemoveConfirmed(*Block) int
}

// chainState is the persisted snapshot written to chainstate.json.
type chainState struct {
	Height    int32  `json:"height"`
	BestHash  Hash32 `json:"best_hash"`
	Timestamp uint64 `json:"timestamp"`
	Version   int    `json:"version"`
	ChainID   string `json:"chain_id"`
}

// GenesisAllocation is one entry of the genesis manifest.
type GenesisAllocation struct {
	Address string  `yaml:"address"`
	Amount  float64 `yaml:"amount"`
}

// GenesisManifest describes the allocation set synthesized into the
// genesis block when no chain state and no bootstrap peers are present.
type GenesisManifest struct {
	ChainID     string               `yaml:"chain_id"`
	Allocations []GenesisAllocation  `yaml:"allocations"`
}

// ChainManager owns the Block Store and Account DB and is the sole writer
// of the chain tip, per spec §4.5 / §5.
type ChainManager struct {
	mu sync.Mutex

	store    *BlockStore
	accounts *AccountDB
	mempool  mempoolRemover

	blockCache    *lru.Cache[Hash32, *Block]
	notFoundCache *lru.Cache[Hash32, struct{}]

	currentHeight int32
	bestHash      Hash32
	chainID       string
	dataDir       string

	adjustmentBlocks uint32
	log              *logrus.Logger
	metrics          *metrics.Registry
}

// NewChainManager constructs a Chain Manager over an already-open store
// and account DB, loading persisted chain state if present.
func NewChainManager(store *BlockStore, accounts *AccountDB, dataDir, chainID string, adjustmentBlocks uint32, log *logrus.Logger, reg *metrics.Registry) (*ChainManager, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if adjustmentBlocks == 0 {
		adjustmentBlocks = DifficultyAdjustmentBlocks
	}
	blockCache, err := lru.New[Hash32, *Block](blockCacheSize)
	if err != nil {
		return nil, err
	}
	notFoundCache, err := lru.New[Hash32, struct{}](notFoundCacheSize)
	if err != nil {
		return nil, err
	}

	cm := &ChainManager{
		store:            store,
		accounts:         accounts,
		blockCache:       blockCache,
		notFoundCache:    notFoundCache,
		currentHeight:    -1,
		chainID:          chainID,
		dataDir:          dataDir,
		adjustmentBlocks: adjustmentBlocks,
		log:              log,
		metrics:          reg,
	}

	if err := cm.loadChainState(); err != nil {
		return nil, err
	}
	return cm, nil
}

// SetMempool wires the mempool that AddBlock notifies after a tip
// advance. Optional: a Chain Manager with no mempool simply skips step 9.
func (c *ChainManager) SetMempool(m mempoolRemover) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mempool = m
}

func (c *ChainManager) chainStatePath() string {
	return filepath.Join(c.dataDir, chainStateFileName)
}

func (c *ChainManager) loadChainState() error {
	raw, err := os.ReadFile(c.chainStatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read chain state: %v", errs.ErrStorage, err)
	}
	var st chainState
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Errorf("%w: parse chain state: %v", errs.ErrStorage, err)
	}
	c.currentHeight = st.Height
	c.bestHash = st.BestHash
	if st.ChainID != "" {
		c.chainID = st.ChainID
	}
	return nil
}

func (c *ChainManager) persistChainStateLocked() error {
	st := chainState{
		Height:    c.currentHeight,
		BestHash:  c.bestHash,
		Timestamp: NowSeconds(),
		Version:   chainStateVersion,
		ChainID:   c.chainID,
	}
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal chain state: %v", errs.ErrStorage, err)
	}
	if err := utils.AtomicWriteFile(c.chainStatePath(), raw); err != nil {
		return fmt.Errorf("%w: persist chain state: %v", errs.ErrStorage, err)
	}
	return nil
}

// CurrentHeight returns the tip height, or -1 if the chain is empty.
func (c *ChainManager) CurrentHeight() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentHeight
}

// BestHash returns the tip's hash, or the zero hash if the chain is empty.
func (c *ChainManager) BestHash() Hash32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bestHash
}

// Has reports whether hash is already stored.
func (c *ChainManager) Has(hash Hash32) bool {
	return c.store.Has(hash)
}

// Accounts returns the account database backing this chain, so callers
// outside the package (the P2P dispatcher admitting a gossiped
// transaction) can pass it to Mempool.AddTransaction as the ledger view.
func (c *ChainManager) Accounts() *AccountDB {
	return c.accounts
}

// GetBlock returns a block by hash, consulting the bounded cache first.
func (c *ChainManager) GetBlock(hash Hash32) (*Block, error) {
	if b, ok := c.blockCache.Get(hash); ok {
		return b, nil
	}
	if _, known := c.notFoundCache.Get(hash); known {
		return nil, fmt.Errorf("%w: block %s not found", errs.ErrStorage, hash)
	}
	b, err := c.store.GetByHash(hash)
	if err != nil {
		c.notFoundCache.Add(hash, struct{}{})
		return nil, err
	}
	c.blockCache.Add(hash, b)
	return b, nil
}

// GetBlockByHeight returns the block at height.
func (c *ChainManager) GetBlockByHeight(height uint32) (*Block, error) {
	return c.store.GetByHeight(height)
}

// AddBlock runs the admission pipeline from spec §4.5. It returns true
// when the block is (or already was) accepted.
func (c *ChainManager) AddBlock(b *Block) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store.Has(b.Hash) {
		return true, nil
	}

	if err := b.Validate(nil); err != nil {
		c.log.WithError(err).WithField("hash", b.Hash).Warn("chain: block failed validation")
		if c.metrics != nil {
			c.metrics.BlocksRejected.Inc()
		}
		return false, nil
	}

	if b.IsGenesis() {
		if c.currentHeight >= 0 {
			c.log.WithField("hash", b.Hash).Warn("chain: rejecting second genesis block")
			return false, nil
		}
	} else {
		parent, err := c.store.GetByHash(b.PrevHash)
		if err != nil {
			c.log.WithField("hash", b.Hash).Warn("chain: unknown parent")
			return false, nil
		}
		if parent.Height+1 != b.Height {
			c.log.WithField("hash", b.Hash).Warn("chain: height discontinuity")
			return false, nil
		}
		if b.Timestamp <= parent.Timestamp {
			c.log.WithField("hash", b.Hash).Warn("chain: timestamp does not advance")
			return false, nil
		}
		expected, err := c.nextDifficulty(parent)
		if err != nil {
			return false, err
		}
		if b.Height%c.adjustmentBlocks == 0 && b.Height > 0 {
			if b.Difficulty != expected {
				c.log.WithField("hash", b.Hash).Warn("chain: difficulty mismatch at adjustment boundary")
				return false, nil
			}
		} else if b.Difficulty != parent.Difficulty {
			c.log.WithField("hash", b.Hash).Warn("chain: difficulty changed off adjustment boundary")
			return false, nil
		}
	}

	if err := c.accounts.ProcessBlock(b); err != nil {
		c.log.WithError(err).WithField("hash", b.Hash).Warn("chain: state transition failed")
		return false, nil
	}

	if _, err := c.store.Store(b); err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}

	c.currentHeight = int32(b.Height)
	c.bestHash = b.Hash
	c.blockCache.Add(b.Hash, b)
	if err := c.persistChainStateLocked(); err != nil {
		return false, err
	}

	if c.mempool != nil {
		c.mempool.RemoveConfirmed(b)
	}
	if c.metrics != nil {
		c.metrics.ChainHeight.Set(float64(b.Height))
		c.metrics.BlocksValidated.Inc()
	}

	return true, nil
}

// NextBlockDifficulty returns the difficulty a block built on top of the
// current tip must carry: the tip's difficulty outside adjustment
// boundaries, the retargeted value at boundaries. Used by the Miner when
// assembling a candidate block.
func (c *ChainManager) NextBlockDifficulty() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentHeight < 0 {
		return MinDifficulty, fmt.Errorf("%w: chain is empty", errs.ErrStateConflict)
	}
	parent, err := c.store.GetByHash(c.bestHash)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	return c.nextDifficulty(parent)
}

// nextDifficulty implements get_next_block_difficulty(): parent's
// difficulty outside adjustment boundaries, the retargeted value at
// boundaries. It mirrors spec's documented idiosyncrasy verbatim: the
// window's "previous difficulty" input is the parent's (tip's) stored
// difficulty, not the window-start block's difficulty.
func (c *ChainManager) nextDifficulty(parent *Block) (float64, error) {
	nextHeight := parent.Height + 1
	if nextHeight == 0 || nextHeight%c.adjustmentBlocks != 0 {
		return parent.Difficulty, nil
	}
	windowStartHeight := nextHeight - c.adjustmentBlocks
	windowStart, err := c.store.GetByHeight(windowStartHeight)
	if err != nil {
		return 0, fmt.Errorf("%w: retarget window start: %v", errs.ErrStorage, err)
	}
	actualTimespan := int64(parent.Timestamp) - int64(windowStart.Timestamp)
	return RetargetDifficulty(parent.Difficulty, actualTimespan, c.adjustmentBlocks), nil
}

// BootstrapGenesis synthesizes, mines, and admits the genesis block from
// a local YAML allocation manifest, used when no chain state and no
// bootstrap peers are configured.
func (c *ChainManager) BootstrapGenesis(manifestPath string, initialDifficulty float64) error {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("%w: read genesis manifest: %v", errs.ErrStorage, err)
	}
	var manifest GenesisManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("%w: parse genesis manifest: %v", errs.ErrValidation, err)
	}
	if manifest.ChainID != "" {
		c.chainID = manifest.ChainID
	}

	outputs := make([]OutputRef, len(manifest.Allocations))
	for i, a := range manifest.Allocations {
		outputs[i] = OutputRef{Address: a.Address, Amount: a.Amount}
	}

	coinbase := Transaction{
		Version:   1,
		Timestamp: NowSeconds(),
		Outputs:   outputs,
		Data:      "genesis",
	}
	hash, err := coinbase.ComputeHash()
	if err != nil {
		return err
	}
	coinbase.Hash = hash

	header := BlockHeader{
		Version:    1,
		PrevHash:   ZeroHash,
		MerkleRoot: MerkleRoot([]Hash32{coinbase.Hash}),
		Timestamp:  coinbase.Timestamp,
		Height:     0,
		Difficulty: initialDifficulty,
	}

	result, err := Mine(header, 0, nil)
	if err != nil {
		return fmt.Errorf("%w: mine genesis: %v", errs.ErrValidation, err)
	}
	header.Nonce = result.Nonce

	block := &Block{
		BlockHeader:  header,
		Hash:         result.Hash,
		Transactions: []Transaction{coinbase},
	}

	ok, err := c.AddBlock(block)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: genesis block rejected by admission pipeline", errs.ErrValidation)
	}
	return nil
}
