package core

import (
	"testing"

	"qbitcoin/internal/falcon"
)

func TestRewardForHeightHalvesOnSchedule(t *testing.T) {
	const initial = uint64(50 * quarksPerCoin)
	const interval = uint32(100)

	if got := RewardForHeight(0, initial, interval); got != initial {
		t.Fatalf("RewardForHeight(0) = %d, want %d", got, initial)
	}
	if got := RewardForHeight(interval, initial, interval); got != initial/2 {
		t.Fatalf("RewardForHeight(interval) = %d, want %d", got, initial/2)
	}
	if got := RewardForHeight(interval*2, initial, interval); got != initial/4 {
		t.Fatalf("RewardForHeight(2*interval) = %d, want %d", got, initial/4)
	}
}

func TestRewardForHeightZeroPastMaxHalvings(t *testing.T) {
	const initial = uint64(50 * quarksPerCoin)
	const interval = uint32(1)
	if got := RewardForHeight(MaxHalvings, initial, interval); got != 0 {
		t.Fatalf("RewardForHeight at MaxHalvings = %d, want 0", got)
	}
}

func TestRewardForHeightZeroIntervalNeverHalves(t *testing.T) {
	const initial = uint64(12345)
	if got := RewardForHeight(1_000_000, initial, 0); got != initial {
		t.Fatalf("RewardForHeight with interval=0 = %d, want unchanged %d", got, initial)
	}
}

type fakeBroadcaster struct {
	blocks []*Block
}

func (f *fakeBroadcaster) BroadcastBlock(b *Block) {
	f.blocks = append(f.blocks, b)
}

func TestMinerMineOnceMinesAndAddsBlock(t *testing.T) {
	cm, dir := newTestChainManager(t, DifficultyAdjustmentBlocks)
	manifest := writeGenesisManifest(t, dir, "founder", 50)
	if err := cm.BootstrapGenesis(manifest, MinDifficulty); err != nil {
		t.Fatalf("BootstrapGenesis: %v", err)
	}

	mempool := NewMempool(0, 0, 0, falcon.StubVerifier{}, nil, nil)
	miner := NewMiner(cm, mempool, "miner", 50*quarksPerCoin, 0, MaxBlockSize, nil, nil)
	broadcaster := &fakeBroadcaster{}
	miner.SetBroadcaster(broadcaster)

	mined, err := miner.mineOnce()
	if err != nil {
		t.Fatalf("mineOnce: %v", err)
	}
	if !mined {
		t.Fatal("mineOnce should successfully mine and admit a block against a freshly bootstrapped chain")
	}
	if cm.CurrentHeight() != 1 {
		t.Fatalf("CurrentHeight() = %d, want 1 after mining", cm.CurrentHeight())
	}
	if len(broadcaster.blocks) != 1 {
		t.Fatalf("broadcaster received %d blocks, want 1", len(broadcaster.blocks))
	}
	if broadcaster.blocks[0].Hash != cm.BestHash() {
		t.Fatal("the broadcast block should be the one that became the new tip")
	}
}

func TestMinerMineOnceIncludesMempoolTransactions(t *testing.T) {
	cm, dir := newTestChainManager(t, DifficultyAdjustmentBlocks)
	manifest := writeGenesisManifest(t, dir, "alice", 100)
	if err := cm.BootstrapGenesis(manifest, MinDifficulty); err != nil {
		t.Fatalf("BootstrapGenesis: %v", err)
	}

	mempool := NewMempool(0, 0, 0, falcon.StubVerifier{}, nil, nil)
	signer := falcon.NewStubSigner([]byte("alice-seed"))
	spend := signedSpendTx(t, signer, "alice", "bob", 10, 1, nil, nil)

	genesis, err := cm.GetBlockByHeight(0)
	if err != nil {
		t.Fatalf("GetBlockByHeight(0): %v", err)
	}
	ledgerView := cm.accounts
	blocks := &fakeBlocks{blocks: map[uint32]*Block{0: genesis}}
	if ok, err := mempool.AddTransaction(spend, ledgerView, blocks); err != nil || !ok {
		t.Fatalf("AddTransaction: ok=%v err=%v", ok, err)
	}

	miner := NewMiner(cm, mempool, "miner", 50*quarksPerCoin, 0, MaxBlockSize, nil, nil)
	mined, err := miner.mineOnce()
	if err != nil {
		t.Fatalf("mineOnce: %v", err)
	}
	if !mined {
		t.Fatal("mineOnce should mine successfully")
	}

	tip, err := cm.GetBlockByHeight(1)
	if err != nil {
		t.Fatalf("GetBlockByHeight(1): %v", err)
	}
	if len(tip.Transactions) != 2 {
		t.Fatalf("mined block has %d transactions, want 2 (coinbase + mempool spend)", len(tip.Transactions))
	}
	found := false
	for _, tx := range tip.Transactions {
		if tx.Hash == spend.Hash {
			found = true
		}
	}
	if !found {
		t.Fatal("mined block should include the pending mempool transaction")
	}
	if mempool.Size() != 0 {
		t.Fatalf("mempool.Size() = %d after confirmation, want 0", mempool.Size())
	}
}
