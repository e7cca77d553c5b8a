// Package metrics wires a small set of prometheus instruments into the
// chain manager, mempool, and synchronizer. Nothing in this repository
// serves them over HTTP; that belongs to the REST API surface, which is
// out of scope here. The registry exists so the counters are real and
// exercised by core code rather than inert.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the instruments a qbitcoind node updates as it runs.
type Registry struct {
	reg *prometheus.Registry

	ChainHeight     prometheus.Gauge
	BlocksValidated prometheus.Counter
	BlocksRejected  prometheus.Counter

	MempoolTxCount prometheus.Gauge
	MempoolBytes   prometheus.Gauge
	TxAccepted     prometheus.Counter
	TxRejected     prometheus.Counter

	PeersConnected prometheus.Gauge
	BytesSent      prometheus.Counter
	BytesReceived  prometheus.Counter

	SyncState  prometheus.Gauge
	SyncHeight prometheus.Gauge
}

// NewRegistry builds and registers a fresh instrument set. Each qbitcoind
// process owns exactly one Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		ChainHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qbitcoin", Subsystem: "chain", Name: "height",
			Help: "Current height of the local best chain tip.",
		}),
		BlocksValidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qbitcoin", Subsystem: "chain", Name: "blocks_validated_total",
			Help: "Blocks that passed validation and were appended.",
		}),
		BlocksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qbitcoin", Subsystem: "chain", Name: "blocks_rejected_total",
			Help: "Blocks that failed validation.",
		}),
		MempoolTxCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qbitcoin", Subsystem: "mempool", Name: "tx_count",
			Help: "Transactions currently held in the mempool.",
		}),
		MempoolBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qbitcoin", Subsystem: "mempool", Name: "size_bytes",
			Help: "Serialized size of all mempool transactions.",
		}),
		TxAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qbitcoin", Subsystem: "mempool", Name: "tx_accepted_total",
			Help: "Transactions admitted to the mempool.",
		}),
		TxRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qbitcoin", Subsystem: "mempool", Name: "tx_rejected_total",
			Help: "Transactions rejected during admission.",
		}),
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qbitcoin", Subsystem: "p2p", Name: "peers_connected",
			Help: "Currently connected peers.",
		}),
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qbitcoin", Subsystem: "p2p", Name: "bytes_sent_total",
			Help: "Bytes written to peer connections.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "qbitcoin", Subsystem: "p2p", Name: "bytes_received_total",
			Help: "Bytes read from peer connections.",
		}),
		SyncState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qbitcoin", Subsystem: "sync", Name: "state",
			Help: "Synchronizer state: 0=idle 1=headers_sync 2=blocks_sync.",
		}),
		SyncHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "qbitcoin", Subsystem: "sync", Name: "target_height",
			Help: "Target height of the current or most recent block sync (the sync peer's header tip).",
		}),
	}

	reg.MustRegister(
		r.ChainHeight, r.BlocksValidated, r.BlocksRejected,
		r.MempoolTxCount, r.MempoolBytes, r.TxAccepted, r.TxRejected,
		r.PeersConnected, r.BytesSent, r.BytesReceived,
		r.SyncState, r.SyncHeight,
	)
	return r
}

// Gatherer exposes the underlying prometheus registry for a future HTTP
// exporter; nothing in this repository calls it yet.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
