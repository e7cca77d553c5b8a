// Package p2p implements the length-prefixed JSON wire protocol, the peer
// table, and the header-then-block synchronizer that keep a qbitcoind
// node's chain state caught up with its peers.
package p2p

import (
	"encoding/json"
	"time"

	"qbitcoin/core"
)

// MaxMessageSize is the hard cap on a single wire message, per spec §6.
const MaxMessageSize = 10 * 1024 * 1024

// MaxPeersReturned bounds the `peers` response payload.
const MaxPeersReturned = 100

// MaxGetBlocksSpan bounds how many blocks a single get_blocks request
// returns.
const MaxGetBlocksSpan = 50

// MaxGetHeadersSpan bounds end_height - start_height of a single
// get_headers request, so one batch carries up to MaxGetHeadersSpan+1 =
// 2000 headers (spec §4.10).
const MaxGetHeadersSpan = 1999

// MessageType names the envelope's `type` field.
type MessageType string

const (
	MsgHandshake   MessageType = "handshake"
	MsgPing        MessageType = "ping"
	MsgPong        MessageType = "pong"
	MsgGetBlocks   MessageType = "get_blocks"
	MsgBlocks      MessageType = "blocks"
	MsgGetHeaders  MessageType = "get_headers"
	MsgHeaders     MessageType = "headers"
	MsgGetData     MessageType = "get_data"
	MsgTransaction MessageType = "transaction"
	MsgInventory   MessageType = "inventory"
	MsgGetPeers    MessageType = "get_peers"
	MsgPeers       MessageType = "peers"
	MsgAlert       MessageType = "alert"
	MsgReject      MessageType = "reject"
)

// Envelope wraps every wire message; Data is re-marshaled/unmarshaled
// per-type by the dispatcher.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp float64         `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope builds an envelope carrying payload, JSON-encoding it into
// Data immediately so send errors surface at construction time.
func NewEnvelope(t MessageType, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      t,
		Timestamp: float64(time.Now().Unix()),
		Data:      raw,
	}, nil
}

// HandshakeData is the handshake message payload.
type HandshakeData struct {
	Version   uint32 `json:"version"`
	ChainID   string `json:"chain_id"`
	Height    int32  `json:"height"`
	BestHash  string `json:"best_hash"`
	NodeID    string `json:"node_id"`
	UserAgent string `json:"user_agent"`
	Timestamp float64 `json:"timestamp"`
	Services  uint32 `json:"services"`
	Relay     bool   `json:"relay"`
}

// PingData/PongData carry a liveness probe and the sender's reported
// height.
type PingData struct {
	Timestamp float64 `json:"timestamp"`
	Height    int32   `json:"height"`
}

type PongData struct {
	Timestamp float64 `json:"timestamp"`
	Height    int32   `json:"height"`
}

// GetBlocksData requests a height range of full blocks.
type GetBlocksData struct {
	StartHeight uint32 `json:"start_height"`
	EndHeight   uint32 `json:"end_height"`
}

// BlocksData carries a batch of full blocks.
type BlocksData []core.Block

// GetHeadersData requests a height range of headers.
type GetHeadersData struct {
	StartHeight uint32 `json:"start_height"`
	EndHeight   uint32 `json:"end_height"`
	Count       uint32 `json:"count"`
}

// HeaderEntry pairs a header with the height and hash it commits to; the
// wire format exposes the height/hash alongside the header fields since
// BlockHeader itself does not carry the cached Hash.
type HeaderEntry struct {
	core.BlockHeader
	Hash core.Hash32 `json:"hash"`
}

// HeadersData carries a batch of headers.
type HeadersData []HeaderEntry

// InventoryItemType enumerates get_data / inventory item kinds.
type InventoryItemType int

const (
	InvTypeTransaction InventoryItemType = 1
	InvTypeBlock       InventoryItemType = 2
)

// InventoryItem identifies one item by type and hash.
type InventoryItem struct {
	Type   InventoryItemType `json:"type"`
	Hash   core.Hash32       `json:"hash"`
	Height *uint32           `json:"height,omitempty"`
}

// GetDataData requests full items by inventory reference.
type GetDataData struct {
	Items []InventoryItem `json:"items"`
}

// InventoryData announces a single item's existence; Header is present
// only for block announcements, per spec §6.
type InventoryData struct {
	Type   InventoryItemType  `json:"type"`
	Hash   core.Hash32        `json:"hash"`
	Height *uint32            `json:"height,omitempty"`
	Header *core.BlockHeader  `json:"header,omitempty"`
}

// GetPeersData is the empty get_peers request payload.
type GetPeersData struct{}

// PeerAddress is one entry in a peers response.
type PeerAddress struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// PeersData carries up to MaxPeersReturned known addresses.
type PeersData struct {
	Peers []PeerAddress `json:"peers"`
}

// AlertData / RejectData are advisory-only payloads; receiving them never
// mutates node state.
type AlertData struct {
	Message string `json:"message"`
}

type RejectData struct {
	Reason string `json:"reason"`
}
