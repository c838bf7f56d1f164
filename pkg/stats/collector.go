package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// OperationType defines the type of operation being tracked.
type OperationType string

// Common operation types.
const (
	OpSet            OperationType = "set"
	OpGet            OperationType = "get"
	OpErase          OperationType = "erase"
	OpEraseNamespace OperationType = "erase_namespace"
	OpOpenNamespace  OperationType = "open_namespace"
	OpPageAlloc      OperationType = "page_alloc"
	OpCompact        OperationType = "compact"
	OpInit           OperationType = "init"
)

// AtomicCollector provides centralized statistics collection with minimal
// contention using atomic operations for thread safety.
type AtomicCollector struct {
	// Operation counters using atomic values.
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex // only used when creating new counter entries

	// Timing measurements for last operation timestamps.
	lastOpTime   map[OperationType]time.Time
	lastOpTimeMu sync.RWMutex // only used for timestamp updates

	// Usage metrics.
	activePageUsedSlots atomic.Uint64
	totalBytesRead       atomic.Uint64
	totalBytesWritten     atomic.Uint64

	// Error tracking.
	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex // only used when creating new error entries

	// Performance metrics.
	compactionCount atomic.Uint64

	// Recovery statistics.
	recoveryStats RecoveryStats

	// Latency tracking.
	latencies   map[OperationType]*LatencyTracker
	latenciesMu sync.RWMutex // only used when creating new latency trackers
}

// RecoveryStats tracks statistics related to the page-scan recovery pass
// performed when the store attaches to a flash region.
type RecoveryStats struct {
	PagesRecovered   atomic.Uint64
	ItemsRecovered   atomic.Uint64
	CorruptedItems   atomic.Uint64
	RecoveryDuration atomic.Int64 // nanoseconds
}

// LatencyTracker maintains running statistics about operation latencies.
type LatencyTracker struct {
	count atomic.Uint64
	sum   atomic.Uint64 // sum in nanoseconds
	max   atomic.Uint64 // max in nanoseconds
	min   atomic.Uint64 // min in nanoseconds (0 means unset)
}

// NewCollector creates a new statistics collector.
func NewCollector() *AtomicCollector {
	return NewAtomicCollector()
}

// NewAtomicCollector creates a new atomic statistics collector. This is the
// recommended collector implementation for production use.
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts:     make(map[OperationType]*atomic.Uint64),
		lastOpTime: make(map[OperationType]time.Time),
		errors:     make(map[string]*atomic.Uint64),
		latencies:  make(map[OperationType]*LatencyTracker),
	}
}

// TrackOperation increments the counter for the specified operation type.
func (c *AtomicCollector) TrackOperation(op OperationType) {
	counter := c.getOrCreateCounter(op)
	counter.Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()
}

// TrackOperationWithLatency tracks an operation and its latency.
func (c *AtomicCollector) TrackOperationWithLatency(op OperationType, latencyNs uint64) {
	counter := c.getOrCreateCounter(op)
	counter.Add(1)

	c.lastOpTimeMu.Lock()
	c.lastOpTime[op] = time.Now()
	c.lastOpTimeMu.Unlock()

	tracker := c.getOrCreateLatencyTracker(op)
	tracker.count.Add(1)
	tracker.sum.Add(latencyNs)

	for {
		current := tracker.max.Load()
		if latencyNs <= current {
			break
		}
		if tracker.max.CompareAndSwap(current, latencyNs) {
			break
		}
	}

	for {
		current := tracker.min.Load()
		if current == 0 {
			if tracker.min.CompareAndSwap(0, latencyNs) {
				break
			}
			continue
		}
		if latencyNs >= current {
			break
		}
		if tracker.min.CompareAndSwap(current, latencyNs) {
			break
		}
	}
}

// TrackError increments the counter for the specified error type.
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write counter.
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackPageUsage records the number of occupied slots on the active page.
func (c *AtomicCollector) TrackPageUsage(usedSlots uint64) {
	c.activePageUsedSlots.Store(usedSlots)
}

// TrackCompaction increments the compaction counter.
func (c *AtomicCollector) TrackCompaction() {
	c.compactionCount.Add(1)
}

// StartRecovery initializes recovery statistics.
func (c *AtomicCollector) StartRecovery() time.Time {
	c.recoveryStats.PagesRecovered.Store(0)
	c.recoveryStats.ItemsRecovered.Store(0)
	c.recoveryStats.CorruptedItems.Store(0)
	c.recoveryStats.RecoveryDuration.Store(0)

	return time.Now()
}

// FinishRecovery completes recovery statistics.
func (c *AtomicCollector) FinishRecovery(startTime time.Time, pagesRecovered, itemsRecovered, corruptedItems uint64) {
	c.recoveryStats.PagesRecovered.Store(pagesRecovered)
	c.recoveryStats.ItemsRecovered.Store(itemsRecovered)
	c.recoveryStats.CorruptedItems.Store(corruptedItems)
	c.recoveryStats.RecoveryDuration.Store(time.Since(startTime).Nanoseconds())
}

// GetStats returns all statistics as a map.
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	c.lastOpTimeMu.RLock()
	for op, timestamp := range c.lastOpTime {
		stats["last_"+string(op)+"_time"] = timestamp.UnixNano()
	}
	c.lastOpTimeMu.RUnlock()

	stats["active_page_used_slots"] = c.activePageUsedSlots.Load()
	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["compaction_count"] = c.compactionCount.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	recoveryStats := map[string]interface{}{
		"pages_recovered":  c.recoveryStats.PagesRecovered.Load(),
		"items_recovered":  c.recoveryStats.ItemsRecovered.Load(),
		"corrupted_items":  c.recoveryStats.CorruptedItems.Load(),
	}
	if recoveryDuration := c.recoveryStats.RecoveryDuration.Load(); recoveryDuration > 0 {
		recoveryStats["recovery_duration_ms"] = recoveryDuration / int64(time.Millisecond)
	}
	stats["recovery"] = recoveryStats

	c.latenciesMu.RLock()
	for op, tracker := range c.latencies {
		count := tracker.count.Load()
		if count == 0 {
			continue
		}

		latencyStats := map[string]interface{}{
			"count":  count,
			"avg_ns": tracker.sum.Load() / count,
		}
		if min := tracker.min.Load(); min != 0 {
			latencyStats["min_ns"] = min
		}
		if max := tracker.max.Load(); max != 0 {
			latencyStats["max_ns"] = max
		}

		stats[string(op)+"_latency"] = latencyStats
	}
	c.latenciesMu.RUnlock()

	return stats
}

// GetStatsFiltered returns statistics filtered by prefix.
func (c *AtomicCollector) GetStatsFiltered(prefix string) map[string]interface{} {
	allStats := c.GetStats()
	filtered := make(map[string]interface{})

	for key, value := range allStats {
		if len(prefix) == 0 || startsWith(key, prefix) {
			filtered[key] = value
		}
	}

	return filtered
}

func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}

func (c *AtomicCollector) getOrCreateLatencyTracker(op OperationType) *LatencyTracker {
	c.latenciesMu.RLock()
	tracker, exists := c.latencies[op]
	c.latenciesMu.RUnlock()

	if !exists {
		c.latenciesMu.Lock()
		if tracker, exists = c.latencies[op]; !exists {
			tracker = &LatencyTracker{}
			c.latencies[op] = tracker
		}
		c.latenciesMu.Unlock()
	}

	return tracker
}

func startsWith(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	return s[:len(prefix)] == prefix
}
