// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolFreeBuffers tracks the current free-list depth of the buffer pool
	PoolFreeBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rinashim_pool_free_buffers",
			Help: "Number of network buffer descriptors currently in the free list",
		},
	)

	// PoolMinimumFreeBuffers is the low watermark of the free list
	PoolMinimumFreeBuffers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rinashim_pool_minimum_free_buffers",
			Help: "Lowest free-list depth observed since start",
		},
	)

	// PoolEventsTotal counts acquire failures and rejected releases
	PoolEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rinashim_pool_events_total",
			Help: "Buffer pool events by kind",
		},
		[]string{"event"}, // exhausted | alloc_failed | double_release | resized
	)

	// CacheLookupsTotal counts resolution cache lookups by result
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rinashim_arp_lookups_total",
			Help: "Resolution cache lookups by result",
		},
		[]string{"result"}, // hit | miss | pending
	)

	// CacheRows tracks cache rows by state
	CacheRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rinashim_arp_rows",
			Help: "Resolution cache rows by state",
		},
		[]string{"state"}, // empty | pending | resolved
	)

	// ResolutionPacketsTotal counts inbound resolution packets by verdict
	ResolutionPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rinashim_arp_packets_total",
			Help: "Resolution packets by direction and verdict",
		},
		[]string{"direction", "verdict"},
	)

	// PortPDUsTotal counts PDUs crossing the N-1 port
	PortPDUsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rinashim_port_pdus_total",
			Help: "PDUs crossing the N-1 port by direction and outcome",
		},
		[]string{"direction", "outcome"}, // rx|tx, ok|dropped|error|queued
	)

	// PortBytesTotal counts bytes crossing the N-1 port
	PortBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rinashim_port_bytes_total",
			Help: "Bytes crossing the N-1 port by direction",
		},
		[]string{"direction"},
	)

	// PortState is 0=enabled, 1=disabled, 2=do-not-disable
	PortState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rinashim_port_state",
			Help: "Current N-1 port state (0=enabled, 1=disabled, 2=do-not-disable)",
		},
	)

	// LinkFramesTotal counts frames seen by the link attachment
	LinkFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rinashim_link_frames_total",
			Help: "Frames read from or written to the link by direction and outcome",
		},
		[]string{"direction", "outcome"}, // ok | filtered | no_buffer | error
	)

	// TaskQueueDepth tracks events waiting for the protocol task
	TaskQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rinashim_task_queue_depth",
			Help: "Events queued for the protocol task",
		},
	)

	// TaskEventsTotal counts events handled by the protocol task
	TaskEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rinashim_task_events_total",
			Help: "Events handled by the protocol task by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

// Direction labels
const (
	DirectionRx = "rx"
	DirectionTx = "tx"
)
