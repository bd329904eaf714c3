package vdev

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for an object-store
// leaf device.
type Metrics struct {
	// Operation counters
	ReadOps       atomic.Uint64 // Total read_block operations
	WriteOps      atomic.Uint64 // Total write_block operations
	FreeOps       atomic.Uint64 // Total free_block operations
	BeginTxgOps   atomic.Uint64 // Total begin_txg operations
	EndTxgOps     atomic.Uint64 // Total end_txg operations
	PoolCreateOps atomic.Uint64 // Total create_pool operations
	PoolOpenOps   atomic.Uint64 // Total open_pool operations

	// Byte counters
	ReadBytes  atomic.Uint64 // Total bytes read
	WriteBytes atomic.Uint64 // Total bytes written

	// Error counters
	ReadErrors   atomic.Uint64 // read_block failures
	WriteErrors  atomic.Uint64 // write_block failures
	FreeErrors   atomic.Uint64 // free_block failures
	EndTxgErrors atomic.Uint64 // end_txg failures

	// Request table statistics
	OutstandingTotal atomic.Uint64 // Cumulative outstanding-depth samples
	OutstandingCount atomic.Uint64 // Number of outstanding-depth measurements
	MaxOutstandingN  atomic.Uint32 // Maximum observed outstanding request count

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative operation latency in nanoseconds
	OpCount        atomic.Uint64 // Total operations (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Device start timestamp (UnixNano)
	StopTime  atomic.Int64 // Device stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a read_block operation
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a write_block operation
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFree records a free_block operation
func (m *Metrics) RecordFree(latencyNs uint64, success bool) {
	m.FreeOps.Add(1)
	if !success {
		m.FreeErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordBeginTxg records a begin_txg operation
func (m *Metrics) RecordBeginTxg(latencyNs uint64) {
	m.BeginTxgOps.Add(1)
	m.recordLatency(latencyNs)
}

// RecordEndTxg records an end_txg operation
func (m *Metrics) RecordEndTxg(latencyNs uint64, success bool) {
	m.EndTxgOps.Add(1)
	if !success {
		m.EndTxgErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordPoolCreate records a create_pool operation
func (m *Metrics) RecordPoolCreate(latencyNs uint64) {
	m.PoolCreateOps.Add(1)
	m.recordLatency(latencyNs)
}

// RecordPoolOpen records an open_pool operation
func (m *Metrics) RecordPoolOpen(latencyNs uint64) {
	m.PoolOpenOps.Add(1)
	m.recordLatency(latencyNs)
}

// RecordOutstanding records the current request table depth for statistics
func (m *Metrics) RecordOutstanding(depth uint32) {
	m.OutstandingTotal.Add(uint64(depth))
	m.OutstandingCount.Add(1)

	for {
		current := m.MaxOutstandingN.Load()
		if depth <= current {
			break
		}
		if m.MaxOutstandingN.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Operations
	ReadOps       uint64
	WriteOps      uint64
	FreeOps       uint64
	BeginTxgOps   uint64
	EndTxgOps     uint64
	PoolCreateOps uint64
	PoolOpenOps   uint64

	// Bytes transferred
	ReadBytes  uint64
	WriteBytes uint64

	// Error counts
	ReadErrors   uint64
	WriteErrors  uint64
	FreeErrors   uint64
	EndTxgErrors uint64

	// Request table statistics
	AvgOutstanding float64
	MaxOutstanding uint32

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	ReadIOPS       float64 // Operations per second
	WriteIOPS      float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
	TotalOps       uint64
	TotalBytes     uint64
	ErrorRate      float64 // Percentage of failed operations
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		FreeOps:       m.FreeOps.Load(),
		BeginTxgOps:   m.BeginTxgOps.Load(),
		EndTxgOps:     m.EndTxgOps.Load(),
		PoolCreateOps: m.PoolCreateOps.Load(),
		PoolOpenOps:   m.PoolOpenOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		FreeErrors:    m.FreeErrors.Load(),
		EndTxgErrors:  m.EndTxgErrors.Load(),
		MaxOutstanding: m.MaxOutstandingN.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.FreeOps + snap.BeginTxgOps +
		snap.EndTxgOps + snap.PoolCreateOps + snap.PoolOpenOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	outstandingTotal := m.OutstandingTotal.Load()
	outstandingCount := m.OutstandingCount.Load()
	if outstandingCount > 0 {
		snap.AvgOutstanding = float64(outstandingTotal) / float64(outstandingCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadIOPS = float64(snap.ReadOps) / uptimeSeconds
		snap.WriteIOPS = float64(snap.WriteOps) / uptimeSeconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors + snap.FreeErrors + snap.EndTxgErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.FreeOps.Store(0)
	m.BeginTxgOps.Store(0)
	m.EndTxgOps.Store(0)
	m.PoolCreateOps.Store(0)
	m.PoolOpenOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.FreeErrors.Store(0)
	m.EndTxgErrors.Store(0)
	m.OutstandingTotal.Store(0)
	m.OutstandingCount.Store(0)
	m.MaxOutstandingN.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection for leaf-device operations.
type Observer interface {
	// ObserveRead is called for each read_block operation
	ObserveRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveWrite is called for each write_block operation
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)

	// ObserveFree is called for each free_block operation
	ObserveFree(latencyNs uint64, success bool)

	// ObserveBeginTxg is called for each begin_txg operation
	ObserveBeginTxg(latencyNs uint64)

	// ObserveEndTxg is called for each end_txg operation
	ObserveEndTxg(latencyNs uint64, success bool)

	// ObserveOutstanding is called periodically with the current request
	// table depth
	ObserveOutstanding(depth uint32)

	// ObservePoolCreate is called for each create_pool operation
	ObservePoolCreate(latencyNs uint64)

	// ObservePoolOpen is called for each open_pool operation
	ObservePoolOpen(latencyNs uint64)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFree(uint64, bool)          {}
func (NoOpObserver) ObserveBeginTxg(uint64)            {}
func (NoOpObserver) ObserveEndTxg(uint64, bool)        {}
func (NoOpObserver) ObserveOutstanding(uint32)         {}
func (NoOpObserver) ObservePoolCreate(uint64)          {}
func (NoOpObserver) ObservePoolOpen(uint64)            {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFree(latencyNs uint64, success bool) {
	o.metrics.RecordFree(latencyNs, success)
}

func (o *MetricsObserver) ObserveBeginTxg(latencyNs uint64) {
	o.metrics.RecordBeginTxg(latencyNs)
}

func (o *MetricsObserver) ObserveEndTxg(latencyNs uint64, success bool) {
	o.metrics.RecordEndTxg(latencyNs, success)
}

func (o *MetricsObserver) ObserveOutstanding(depth uint32) {
	o.metrics.RecordOutstanding(depth)
}

func (o *MetricsObserver) ObservePoolCreate(latencyNs uint64) {
	o.metrics.RecordPoolCreate(latencyNs)
}

func (o *MetricsObserver) ObservePoolOpen(latencyNs uint64) {
	o.metrics.RecordPoolOpen(latencyNs)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
