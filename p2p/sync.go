package p2p

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"qbitcoin/core"
	"qbitcoin/internal/metrics"
)

// syncState is the Synchronizer's per-node state machine, per spec §4.10.
type syncState int

const (
	StateIdle syncState = iota
	StateHeadersSync
	StateBlocksSync
)

func (s syncState) String() string {
	switch s {
	case StateHeadersSync:
		return "headers_sync"
	case StateBlocksSync:
		return "blocks_sync"
	default:
		return "idle"
	}
}

// MaxInFlightBlocks bounds pipelined get_data requests during BLOCKS_SYNC.
const MaxInFlightBlocks = 20

// HeadersSyncTimeout / BlocksSyncTimeout abort a stalled sync and return
// the state machine to IDLE.
const (
	HeadersSyncTimeout = 30 * time.Second
	BlocksSyncTimeout  = 60 * time.Second
)

// Synchronizer drives the two-phase HEADERS_SYNC -> BLOCKS_SYNC catch-up
// against a single selected peer at a time, per spec §4.10.
type Synchronizer struct {
	mu sync.Mutex

	network *Network
	chain   *core.ChainManager
	log     *logrus.Logger
	metrics *metrics.Registry

	state syncState
	peer  string
	timer *time.Timer

	// headers phase
	nextHeaderHeight uint32
	headerHashes     map[uint32]core.Hash32

	// blocks phase
	nextBlockHeight uint32
	syncTarget      uint32
	requested       map[uint32]bool
	buffered        map[uint32]*core.Block
}

// NewSynchronizer constructs an idle Synchronizer.
func NewSynchronizer(network *Network, chain *core.ChainManager, log *logrus.Logger, reg *metrics.Registry) *Synchronizer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Synchronizer{
		network: network,
		chain:   chain,
		log:     log,
		metrics: reg,
		state:   StateIdle,
	}
}

func (s *Synchronizer) setState(st syncState) {
	s.state = st
	if s.metrics != nil {
		s.metrics.SyncState.Set(float64(st))
	}
}

// StartSync begins a catch-up against endpoint if the Synchronizer is
// currently idle; otherwise it's a no-op (one sync at a time, spec §4.10).
func (s *Synchronizer) StartSync(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return
	}

	s.peer = endpoint
	s.nextHeaderHeight = uint32(s.chain.CurrentHeight() + 1)
	s.headerHashes = make(map[uint32]core.Hash32)
	s.setState(StateHeadersSync)
	s.log.WithFields(logrus.Fields{"peer": endpoint, "from_height": s.nextHeaderHeight}).Info("sync: starting headers sync")

	s.requestHeadersLocked()
	s.resetTimerLocked(HeadersSyncTimeout, s.timeoutHeaders)
}

func (s *Synchronizer) requestHeadersLocked() {
	req := GetHeadersData{
		StartHeight: s.nextHeaderHeight,
		EndHeight:   s.nextHeaderHeight + MaxGetHeadersSpan,
		Count:       MaxGetHeadersSpan + 1,
	}
	if err := s.network.sendTo(s.peer, MsgGetHeaders, req); err != nil {
		s.log.WithError(err).Warn("sync: failed to request headers, aborting")
		s.abortLocked()
	}
}

// HandleHeaders processes a headers response from origin; responses from
// any other peer, or received outside HEADERS_SYNC, are ignored.
func (s *Synchronizer) HandleHeaders(origin string, env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHeadersSync || origin != s.peer {
		return
	}

	var headers HeadersData
	if err := json.Unmarshal(env.Data, &headers); err != nil {
		s.log.WithError(err).Warn("sync: malformed headers response, aborting")
		s.abortLocked()
		return
	}

	s.resetTimerLocked(HeadersSyncTimeout, s.timeoutHeaders)

	if len(headers) == 0 {
		s.finishHeadersLocked()
		return
	}

	received := make(map[uint32]HeaderEntry, len(headers))
	for _, h := range headers {
		received[h.Height] = h
	}
	for {
		h, ok := received[s.nextHeaderHeight]
		if !ok {
			break
		}
		s.headerHashes[s.nextHeaderHeight] = h.Hash
		s.nextHeaderHeight++
	}

	if len(headers) <= MaxGetHeadersSpan {
		// Short batch: we've reached the peer's reported tip.
		s.finishHeadersLocked()
		return
	}
	s.requestHeadersLocked()
}

func (s *Synchronizer) finishHeadersLocked() {
	if len(s.headerHashes) == 0 {
		s.log.Debug("sync: no new headers, returning to idle")
		s.abortLocked()
		return
	}
	s.syncTarget = s.nextHeaderHeight - 1
	s.nextBlockHeight = uint32(s.chain.CurrentHeight() + 1)
	s.requested = make(map[uint32]bool)
	s.buffered = make(map[uint32]*core.Block)
	s.setState(StateBlocksSync)
	if s.metrics != nil {
		s.metrics.SyncHeight.Set(float64(s.syncTarget))
	}
	s.log.WithFields(logrus.Fields{"peer": s.peer, "target_height": s.syncTarget}).Info("sync: starting blocks sync")

	s.fillPipelineLocked()
	s.resetTimerLocked(BlocksSyncTimeout, s.timeoutBlocks)
}

func (s *Synchronizer) fillPipelineLocked() {
	for h := s.nextBlockHeight; h <= s.syncTarget && len(s.requested) < MaxInFlightBlocks; h++ {
		if s.requested[h] || s.buffered[h] != nil {
			continue
		}
		hash, ok := s.headerHashes[h]
		if !ok {
			continue
		}
		req := GetDataData{Items: []InventoryItem{{Type: InvTypeBlock, Hash: hash}}}
		if err := s.network.sendTo(s.peer, MsgGetData, req); err != nil {
			s.log.WithError(err).Warn("sync: failed to request block, aborting")
			s.abortLocked()
			return
		}
		s.requested[h] = true
	}
}

// EnqueueBlock handles an incoming full block. During BLOCKS_SYNC it is
// buffered and applied in strict height order; otherwise (ordinary gossip,
// or IDLE) it is applied directly against the chain.
func (s *Synchronizer) EnqueueBlock(block *core.Block) {
	s.mu.Lock()
	if s.state != StateBlocksSync {
		s.mu.Unlock()
		if _, err := s.chain.AddBlock(block); err != nil {
			s.log.WithError(err).Debug("sync: gossip block rejected")
		}
		return
	}
	defer s.mu.Unlock()

	if block.Height < s.nextBlockHeight || block.Height > s.syncTarget {
		return
	}

	delete(s.requested, block.Height)
	s.buffered[block.Height] = block
	s.resetTimerLocked(BlocksSyncTimeout, s.timeoutBlocks)

	for {
		b, ok := s.buffered[s.nextBlockHeight]
		if !ok {
			break
		}
		delete(s.buffered, s.nextBlockHeight)
		if ok, err := s.chain.AddBlock(b); err != nil || !ok {
			s.log.WithError(err).WithField("height", b.Height).Warn("sync: block rejected during sync, aborting")
			s.abortLocked()
			return
		}
		s.nextBlockHeight++
	}

	if s.nextBlockHeight > s.syncTarget {
		s.log.WithField("height", s.nextBlockHeight-1).Info("sync: reached target, returning to idle")
		s.abortLocked()
		return
	}
	s.fillPipelineLocked()
}

// PeerDisconnected restarts the state machine at IDLE if peer was the
// active sync target.
func (s *Synchronizer) PeerDisconnected(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle && s.peer == peer {
		s.log.WithField("peer", peer).Warn("sync: peer disconnected mid-sync, returning to idle")
		s.abortLocked()
	}
}

func (s *Synchronizer) timeoutHeaders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateHeadersSync {
		return
	}
	s.log.WithField("peer", s.peer).Warn("sync: headers sync timed out")
	s.abortLocked()
}

func (s *Synchronizer) timeoutBlocks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBlocksSync {
		return
	}
	s.log.WithField("peer", s.peer).Warn("sync: blocks sync timed out")
	s.abortLocked()
}

// abortLocked resets the state machine to IDLE; caller holds s.mu.
func (s *Synchronizer) abortLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.peer = ""
	s.headerHashes = nil
	s.requested = nil
	s.buffered = nil
	s.setState(StateIdle)
}

func (s *Synchronizer) resetTimerLocked(d time.Duration, fn func()) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, fn)
}
