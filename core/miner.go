package core

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"qbitcoin/internal/errs"
	"qbitcoin/internal/metrics"
)

// MaxHalvings is the point past which the coinbase reward is zero.
const MaxHalvings = 64

// Broadcaster is the slice of the P2P Network the Miner needs to announce
// a freshly mined block. Declared here rather than imported from p2p to
// avoid a core<->p2p import cycle; p2p.Network satisfies it.
type Broadcaster interface {
	BroadcastBlock(*Block)
}

// RewardForHeight computes the coinbase reward at height, halving every
// halvingInterval blocks and going to zero past MaxHalvings halvings.
// initialReward and the return value are both in quarks (1e-9 coin).
func RewardForHeight(height uint32, initialReward uint64, halvingInterval uint32) uint64 {
	if halvingInterval == 0 {
		return initialReward
	}
	halvings := height / halvingInterval
	if halvings >= MaxHalvings {
		return 0
	}
	return initialReward >> halvings
}

const quarksPerCoin = 1e9

// Miner assembles candidate blocks from the chain tip and mempool, drives
// the PoW loop, and hands successes to the Chain Manager and P2P layer.
type Miner struct {
	chain   *ChainManager
	mempool *Mempool

	rewardAddress   string
	initialReward   uint64
	halvingInterval uint32
	maxBlockSize    int
	blockVersion    uint32

	broadcaster Broadcaster
	log         *logrus.Logger
	metrics     *metrics.Registry

	stop atomic.Bool
}

// NewMiner constructs a Miner targeting rewardAddress.
func NewMiner(chain *ChainManager, mempool *Mempool, rewardAddress string, initialReward uint64, halvingInterval uint32, maxBlockSize int, log *logrus.Logger, reg *metrics.Registry) *Miner {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if maxBlockSize <= 0 {
		maxBlockSize = MaxBlockSize
	}
	return &Miner{
		chain:           chain,
		mempool:         mempool,
		rewardAddress:   rewardAddress,
		initialReward:   initialReward,
		halvingInterval: halvingInterval,
		maxBlockSize:    maxBlockSize,
		blockVersion:    1,
		log:             log,
		metrics:         reg,
	}
}

// SetBroadcaster wires the P2P network that successfully mined blocks are
// announced through.
func (mnr *Miner) SetBroadcaster(b Broadcaster) {
	mnr.broadcaster = b
}

// Stop requests the mining loop to terminate; it is checked between
// blocks and polled at coarse granularity inside the PoW loop.
func (mnr *Miner) Stop() {
	mnr.stop.Store(true)
}

// shouldStop is passed to core.Mine as its cancellation poll.
func (mnr *Miner) shouldStop() bool {
	return mnr.stop.Load()
}

// Run drives the mining loop until Stop is called. Each iteration mines
// at most one block; callers typically invoke Run in its own goroutine.
func (mnr *Miner) Run() {
	for !mnr.stop.Load() {
		mined, err := mnr.mineOnce()
		if err != nil {
			mnr.log.WithError(err).Warn("miner: iteration failed")
			continue
		}
		if !mined {
			// Cancelled mid-attempt or chain not ready; loop will retry
			// unless Stop() was called, checked at the top of the loop.
			continue
		}
	}
}

// mineOnce builds one candidate block, drives PoW to completion or
// cancellation, and submits a successful result to the chain and the
// broadcaster.
func (mnr *Miner) mineOnce() (bool, error) {
	height := uint32(mnr.chain.CurrentHeight() + 1)
	prevHash := mnr.chain.BestHash()
	difficulty, err := mnr.chain.NextBlockDifficulty()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrStateConflict, err)
	}

	reward := RewardForHeight(height, mnr.initialReward, mnr.halvingInterval)
	coinbase := Transaction{
		Version:   mnr.blockVersion,
		Timestamp: NowSeconds(),
		Outputs: []OutputRef{{
			Address: mnr.rewardAddress,
			Amount:  float64(reward) / quarksPerCoin,
		}},
		Data: "coinbase",
	}
	coinbaseHash, err := coinbase.ComputeHash()
	if err != nil {
		return false, err
	}
	coinbase.Hash = coinbaseHash

	txs := append([]Transaction{coinbase}, mnr.mempool.GetTransactionsForBlock(mnr.maxBlockSize)...)
	hashes := make([]Hash32, len(txs))
	for i := range txs {
		hashes[i] = txs[i].Hash
	}

	header := BlockHeader{
		Version:    mnr.blockVersion,
		PrevHash:   prevHash,
		MerkleRoot: MerkleRoot(hashes),
		Timestamp:  coinbase.Timestamp,
		Height:     height,
		Difficulty: difficulty,
	}

	result, err := Mine(header, 0, mnr.shouldStop)
	if err != nil {
		return false, err
	}
	if result.Cancelled {
		return false, nil
	}
	header.Nonce = result.Nonce

	block := &Block{
		BlockHeader:  header,
		Hash:         result.Hash,
		Transactions: txs,
	}

	ok, err := mnr.chain.AddBlock(block)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	if mnr.broadcaster != nil {
		mnr.broadcaster.BroadcastBlock(block)
	}
	return true, nil
}
