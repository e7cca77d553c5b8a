package p2p

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"qbitcoin/core"
	"qbitcoin/internal/errs"
	"qbitcoin/pkg/utils"
)

// BanThreshold is the number of consecutive failed outbound attempts that
// triggers an IP ban, per spec §4.9.
const BanThreshold = 3

// IdlePeerTimeoutSeconds is the idle age past which CleanupIdlePeers drops a
// PeerInfo entry (over an hour), per spec §4.9's cleanup task.
const IdlePeerTimeoutSeconds = 3600

// PeerInfo is what the network knows about a peer, gathered from its
// handshake and subsequent pings.
type PeerInfo struct {
	Address   string      `json:"address"`
	Port      uint16      `json:"port"`
	NodeID    string      `json:"node_id"`
	Height    int32       `json:"height"`
	BestHash  core.Hash32 `json:"best_hash"`
	UserAgent string      `json:"user_agent"`
	LastSeen  uint64      `json:"last_seen"`
}

// Endpoint returns the "ip:port" key PeerTable indexes by.
func (p *PeerInfo) Endpoint() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(int(p.Port)))
}

// PeerTable holds known peers, the ban table, per-peer connection-failure
// counters, and the supplemental per-peer rate-limit counters from
// SPEC_FULL.md §3. A single mutex guards everything, never held across
// socket I/O, per spec §5.
type PeerTable struct {
	mu sync.Mutex

	peers    map[string]*PeerInfo
	banned   map[string]uint64 // ip -> ban expiry unix seconds
	failures map[string]int    // ip -> consecutive outbound failures

	rateLimit   int
	rateWindow  map[string]rateCounter

	log *logrus.Logger
}

type rateCounter struct {
	minuteBucket uint64
	count        int
}

// NewPeerTable constructs an empty peer table. rateLimit is the
// messages-per-minute budget from SPEC_FULL.md §3 (0 disables the check).
func NewPeerTable(rateLimit int, log *logrus.Logger) *PeerTable {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PeerTable{
		peers:      make(map[string]*PeerInfo),
		banned:     make(map[string]uint64),
		failures:   make(map[string]int),
		rateLimit:  rateLimit,
		rateWindow: make(map[string]rateCounter),
		log:        log,
	}
}

// Upsert records or updates a peer's info, keyed by endpoint.
func (t *PeerTable) Upsert(info *PeerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[info.Endpoint()] = info
}

// Get returns the known info for endpoint, if any.
func (t *PeerTable) Get(endpoint string) (*PeerInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[endpoint]
	return p, ok
}

// Remove drops endpoint from the table.
func (t *PeerTable) Remove(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, endpoint)
}

// List returns a snapshot of all known peers.
func (t *PeerTable) List() []*PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// BestHeightPeer returns the endpoint of the connected peer (among those
// present in connected) with the greatest self-reported height, used by
// the Synchronizer's peer-selection rule.
func (t *PeerTable) BestHeightPeer(connected map[string]bool) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best string
	var bestHeight int32 = -1
	found := false
	for endpoint, p := range t.peers {
		if !connected[endpoint] {
			continue
		}
		if p.Height > bestHeight {
			bestHeight = p.Height
			best = endpoint
			found = true
		}
	}
	return best, found
}

// RecordFailure increments ip's consecutive-failure counter and bans it
// for banDurationSeconds once it reaches BanThreshold, per spec §4.9's
// three-strikes rule.
func (t *PeerTable) RecordFailure(ip string, banDurationSeconds uint64, nowFn func() uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[ip]++
	if t.failures[ip] >= BanThreshold {
		t.banned[ip] = nowFn() + banDurationSeconds
		delete(t.failures, ip)
		t.log.WithField("ip", ip).Warn("p2p: banning ip after repeated outbound failures")
	}
}

// ResetFailures clears ip's failure counter after a successful connection.
func (t *PeerTable) ResetFailures(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, ip)
}

// IsBanned reports whether ip is currently banned.
func (t *PeerTable) IsBanned(ip string, nowFn func() uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.banned[ip]
	if !ok {
		return false
	}
	if nowFn() >= expiry {
		delete(t.banned, ip)
		return false
	}
	return true
}

// CleanupExpiredBans drops bans whose expiry has passed.
func (t *PeerTable) CleanupExpiredBans(nowFn func() uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := nowFn()
	for ip, expiry := range t.banned {
		if now >= expiry {
			delete(t.banned, ip)
		}
	}
}

// CleanupIdlePeers drops PeerInfo entries not seen in over an hour.
func (t *PeerTable) CleanupIdlePeers(nowFn func() uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := nowFn()
	for endpoint, p := range t.peers {
		if now-p.LastSeen > IdlePeerTimeoutSeconds {
			delete(t.peers, endpoint)
		}
	}
}

// AllowMessage applies the supplemental per-peer rate limit from
// SPEC_FULL.md §3: at most rateLimit messages per fixed minute bucket
// (nowMinute); the count restarts when the bucket changes.
// A zero rateLimit disables the check (always allow).
func (t *PeerTable) AllowMessage(ip string, nowMinute uint64) bool {
	if t.rateLimit <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rc := t.rateWindow[ip]
	if rc.minuteBucket != nowMinute {
		rc = rateCounter{minuteBucket: nowMinute, count: 0}
	}
	rc.count++
	t.rateWindow[ip] = rc
	return rc.count <= t.rateLimit
}

// --- persistence (SPEC_FULL.md §3 supplement) ---

// SaveKnownPeers writes the peer table to path as pretty JSON, atomically.
func (t *PeerTable) SaveKnownPeers(path string) error {
	t.mu.Lock()
	peers := make([]*PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.Unlock()

	raw, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.AtomicWriteFile(path, raw); err != nil {
		return errs.ErrStorage
	}
	return nil
}

// LoadKnownPeers loads a previously saved peer table; a missing file is
// not an error.
func (t *PeerTable) LoadKnownPeers(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.ErrStorage
	}
	var peers []*PeerInfo
	if err := json.Unmarshal(raw, &peers); err != nil {
		return errs.ErrStorage
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		t.peers[p.Endpoint()] = p
	}
	return nil
}

// SaveBannedPeers writes the ban table (ip -> expiry) to path.
func (t *PeerTable) SaveBannedPeers(path string) error {
	t.mu.Lock()
	snapshot := make(map[string]uint64, len(t.banned))
	for ip, exp := range t.banned {
		snapshot[ip] = exp
	}
	t.mu.Unlock()

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.AtomicWriteFile(path, raw); err != nil {
		return errs.ErrStorage
	}
	return nil
}

// LoadBannedPeers loads a previously saved ban table.
func (t *PeerTable) LoadBannedPeers(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.ErrStorage
	}
	var banned map[string]uint64
	if err := json.Unmarshal(raw, &banned); err != nil {
		return errs.ErrStorage
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip, exp := range banned {
		t.banned[ip] = exp
	}
	return nil
}
