package core

import (
	"math"
	"math/big"
)

// maxTargetHex is the 256-bit ceiling target, spec's
// `0x00000000FFFF0000…000`: four zero bytes, two 0xFF bytes, then
// twenty-six more zero bytes.
const maxTargetHex = "00000000ffff" +
	"0000000000000000000000000000000000000000000000000000"

var maxTargetInt = mustParseHexBig(maxTargetHex)

func mustParseHexBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("core: bad max target hex literal")
	}
	return n
}

// TargetForDifficulty computes floor(MAX_TARGET / difficulty).
func TargetForDifficulty(difficulty float64) *big.Int {
	if difficulty <= 0 {
		difficulty = MinDifficulty
	}
	maxTarget := new(big.Float).SetInt(maxTargetInt)
	df := new(big.Float).SetFloat64(difficulty)
	quotient := new(big.Float).Quo(maxTarget, df)
	result, _ := quotient.Int(nil)
	return result
}

// pollInterval is how often the mining loop checks the stop flag, per
// spec.md §4.7 ("at coarse granularity, at least every 1000 nonces").
const pollInterval = 1000

// MaxNonce is the exclusive upper bound on a block's nonce field (2^32).
const MaxNonce uint64 = 1 << 32

// MineResult is the outcome of a completed or cancelled mining attempt.
type MineResult struct {
	Nonce     uint64
	Hash      Hash32
	Cancelled bool
}

// Mine searches for a nonce starting at startNonce such that the header's
// hash satisfies target(header.Difficulty). It polls shouldStop every
// pollInterval nonces and returns early (Cancelled=true) when it reports
// true, or when the nonce space is exhausted.
func Mine(header BlockHeader, startNonce uint64, shouldStop func() bool) (MineResult, error) {
	target := TargetForDifficulty(header.Difficulty)

	for nonce := startNonce; nonce < MaxNonce; nonce++ {
		header.Nonce = nonce
		hash, err := hashBlockHeader(&header)
		if err != nil {
			return MineResult{}, err
		}
		if hash.Big().Cmp(target) < 0 {
			return MineResult{Nonce: nonce, Hash: hash}, nil
		}
		if nonce%pollInterval == 0 && shouldStop != nil && shouldStop() {
			return MineResult{Cancelled: true}, nil
		}
	}
	return MineResult{Cancelled: true}, nil
}

// DifficultyAdjustmentBlocks is the default retarget period (policy
// value; spec.md notes the source default is 3).
const DifficultyAdjustmentBlocks = 3

// ExpectedBlockTimeSeconds is the target spacing between blocks.
const ExpectedBlockTimeSeconds = 60

// RetargetDifficulty implements spec §4.2's retarget formula:
//
//	ratio = expected_timespan / clamp(actual_timespan, expected/4, expected*4)
//	new_difficulty = max(MIN_DIFFICULTY, round(prev * ratio, 8))
func RetargetDifficulty(prevDifficulty float64, actualTimespan int64, adjustmentBlocks uint32) float64 {
	expected := int64(adjustmentBlocks) * ExpectedBlockTimeSeconds
	clamped := actualTimespan
	low, high := expected/4, expected*4
	if clamped < low {
		clamped = low
	}
	if clamped > high {
		clamped = high
	}
	if clamped <= 0 {
		clamped = 1
	}
	ratio := float64(expected) / float64(clamped)
	next := roundTo8(prevDifficulty * ratio)
	if next < MinDifficulty {
		next = MinDifficulty
	}
	return next
}

func roundTo8(f float64) float64 {
	const scale = 1e8
	return math.Round(f*scale) / scale
}
