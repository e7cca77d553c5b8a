package core

import (
	"math/big"
	"testing"
)

func TestTargetForDifficultyMonotonic(t *testing.T) {
	low := TargetForDifficulty(0.001)
	high := TargetForDifficulty(1.0)
	if low.Cmp(high) <= 0 {
		t.Fatal("lower difficulty should produce a larger (easier) target")
	}
}

func TestTargetForDifficultyNonPositiveFallsBackToMinimum(t *testing.T) {
	zero := TargetForDifficulty(0)
	min := TargetForDifficulty(MinDifficulty)
	if zero.Cmp(min) != 0 {
		t.Fatalf("TargetForDifficulty(0) = %s, want %s (MinDifficulty fallback)", zero.String(), min.String())
	}
}

func TestMineFindsSatisfyingNonce(t *testing.T) {
	header := BlockHeader{
		Version:    1,
		PrevHash:   ZeroHash,
		MerkleRoot: ZeroHash,
		Timestamp:  NowSeconds(),
		Height:     0,
		Difficulty: MinDifficulty,
	}
	result, err := Mine(header, 0, nil)
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if result.Cancelled {
		t.Fatal("Mine: unexpectedly cancelled")
	}
	target := TargetForDifficulty(MinDifficulty)
	if result.Hash.Big().Cmp(target) >= 0 {
		t.Fatal("Mine: returned hash does not satisfy the target")
	}
}

func TestMineHonorsShouldStop(t *testing.T) {
	header := BlockHeader{
		Version:    1,
		PrevHash:   ZeroHash,
		MerkleRoot: ZeroHash,
		Timestamp:  NowSeconds(),
		Height:     0,
		Difficulty: 1000000, // target tiny enough that mining never completes before cancellation
	}
	result, err := Mine(header, 0, func() bool { return true })
	if err != nil {
		t.Fatalf("Mine: %v", err)
	}
	if !result.Cancelled {
		t.Fatal("Mine should report Cancelled when shouldStop always returns true")
	}
}

func TestRetargetDifficultyFasterThanExpectedIncreasesDifficulty(t *testing.T) {
	prev := 1.0
	fast := int64(DifficultyAdjustmentBlocks) * ExpectedBlockTimeSeconds / 2
	next := RetargetDifficulty(prev, fast, DifficultyAdjustmentBlocks)
	if next <= prev {
		t.Fatalf("faster-than-expected timespan should raise difficulty: got %v, want > %v", next, prev)
	}
}

func TestRetargetDifficultySlowerThanExpectedDecreasesDifficulty(t *testing.T) {
	prev := 1.0
	slow := int64(DifficultyAdjustmentBlocks) * ExpectedBlockTimeSeconds * 2
	next := RetargetDifficulty(prev, slow, DifficultyAdjustmentBlocks)
	if next >= prev {
		t.Fatalf("slower-than-expected timespan should lower difficulty: got %v, want < %v", next, prev)
	}
}

func TestRetargetDifficultyClampsExtremeTimespans(t *testing.T) {
	prev := 1.0
	expected := int64(DifficultyAdjustmentBlocks) * ExpectedBlockTimeSeconds

	extremelyFast := RetargetDifficulty(prev, 1, DifficultyAdjustmentBlocks)
	extremelyFastClampedAt4x := RetargetDifficulty(prev, expected/4, DifficultyAdjustmentBlocks)
	if extremelyFast != extremelyFastClampedAt4x {
		t.Fatalf("timespan below expected/4 should clamp identically: got %v vs %v", extremelyFast, extremelyFastClampedAt4x)
	}

	extremelySlow := RetargetDifficulty(prev, expected*100, DifficultyAdjustmentBlocks)
	extremelySlowClampedAt4x := RetargetDifficulty(prev, expected*4, DifficultyAdjustmentBlocks)
	if extremelySlow != extremelySlowClampedAt4x {
		t.Fatalf("timespan above expected*4 should clamp identically: got %v vs %v", extremelySlow, extremelySlowClampedAt4x)
	}
}

func TestRetargetDifficultyNeverBelowMinimum(t *testing.T) {
	next := RetargetDifficulty(MinDifficulty, int64(DifficultyAdjustmentBlocks)*ExpectedBlockTimeSeconds*4, DifficultyAdjustmentBlocks)
	if next < MinDifficulty {
		t.Fatalf("RetargetDifficulty should never drop below MinDifficulty: got %v", next)
	}
}

func TestMaxTargetIs256Bits(t *testing.T) {
	if maxTargetInt.BitLen() > 256 {
		t.Fatalf("maxTargetInt has %d bits, want <= 256", maxTargetInt.BitLen())
	}
	if maxTargetInt.Cmp(big.NewInt(0)) <= 0 {
		t.Fatal("maxTargetInt should be positive")
	}
}
