package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	highWaterMu sync.Mutex
	highWater   = map[string]int64{}
)

var (
	// ===== Placement =====

	PlacementFreeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "placement_free_bytes",
		Help: "Unused device budget after planning",
	}, []string{"device"})

	PlacementUnits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "placement_units",
		Help: "Number of placeable units assigned to a device",
	}, []string{"device"})

	PlacementWeightBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "placement_weight_bytes",
		Help: "Static weight footprint assigned to a device",
	}, []string{"device"})

	PlacementReservedScratch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "placement_reserved_scratch_bytes",
		Help: "Scratch arena size reserved on a device",
	}, []string{"device"})

	AllocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "placement_allocation_failures_total",
		Help: "Plans that ran out of device budget",
	})

	// ===== Device resources =====

	ScratchArenaBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scratch_arena_bytes",
		Help: "Materialized scratch arena size per device",
	}, []string{"device"})

	ScratchSlices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scratch_slices_total",
		Help: "Scratch slices handed out per device",
	}, []string{"device"})

	ScratchHighWater = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scratch_high_water_bytes",
		Help: "Largest bump cursor position seen per device",
	}, []string{"device"})

	DeviceMemoryAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Bytes currently allocated through the backend per device",
	}, []string{"device"})

	// ===== Forward =====

	ForwardPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_passes_total",
		Help: "Completed forward passes by mode",
	}, []string{"mode"})

	ForwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forward_errors_total",
		Help: "Forward passes aborted by an error",
	})

	ForwardDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "forward_duration_seconds",
		Help: "Duration of forward passes",
	})

	ForwardTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forward_tokens_total",
		Help: "Tokens pushed through completed forward passes",
	})

	DeviceTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_transfers_total",
		Help: "Activation transfers across device boundaries",
	}, []string{"from", "to"})

	DeviceTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_transfer_bytes_total",
		Help: "Bytes moved across device boundaries",
	}, []string{"from", "to"})

	MaskBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_mask_builds_total",
		Help: "Attention masks built by the dispatcher",
	})

	// ===== KV cache =====

	KVCacheSeqLen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_seq_len",
		Help: "Tokens resident in the most recently advanced cache",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_used_bytes",
		Help: "Current bytes used in KV cache",
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_oob_total",
		Help: "Count of KV cache out-of-bounds writes rejected",
	})

	// ===== Weights =====

	WeightsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weights_loaded_total",
		Help: "Tensors loaded by source",
	}, []string{"source"})

	WeightLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "weight_load_duration_seconds",
		Help:    "Per-unit weight load time",
		Buckets: prometheus.DefBuckets,
	})

	WeightLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weight_load_errors_total",
		Help: "Unit loads that failed",
	})
)

// DeviceLabel renders a device index the same way in every series.
func DeviceLabel(device int) string {
	if device < 0 {
		return "cpu"
	}
	return strconv.Itoa(device)
}

// RecordPlacement publishes one device's ledger after planning.
func RecordPlacement(device, units int, weightBytes, freeBytes, scratchBytes int64) {
	d := DeviceLabel(device)
	PlacementUnits.WithLabelValues(d).Set(float64(units))
	PlacementWeightBytes.WithLabelValues(d).Set(float64(weightBytes))
	PlacementFreeBytes.WithLabelValues(d).Set(float64(freeBytes))
	PlacementReservedScratch.WithLabelValues(d).Set(float64(scratchBytes))
}

func RecordAllocationFailure() {
	AllocationFailures.Inc()
}

func RecordScratchArena(device int, bytes int64) {
	ScratchArenaBytes.WithLabelValues(DeviceLabel(device)).Set(float64(bytes))
}

// RecordScratchSlice counts one slice and keeps the high-water mark.
func RecordScratchSlice(device int, cursor int64) {
	d := DeviceLabel(device)
	ScratchSlices.WithLabelValues(d).Inc()

	highWaterMu.Lock()
	defer highWaterMu.Unlock()
	if cursor > highWater[d] {
		highWater[d] = cursor
		ScratchHighWater.WithLabelValues(d).Set(float64(cursor))
	}
}

func RecordDeviceMemory(device int, bytes int64) {
	DeviceMemoryAllocated.WithLabelValues(DeviceLabel(device)).Set(float64(bytes))
}

func RecordForward(tokens int, preprocessOnly bool, duration time.Duration) {
	mode := "full"
	if preprocessOnly {
		mode = "preprocess"
	}
	ForwardPasses.WithLabelValues(mode).Inc()
	ForwardTokens.Add(float64(tokens))
	ForwardDuration.Observe(duration.Seconds())
}

func RecordForwardError() {
	ForwardErrors.Inc()
}

func RecordTransfer(from, to int, bytes int64) {
	f, t := DeviceLabel(from), DeviceLabel(to)
	DeviceTransfers.WithLabelValues(f, t).Inc()
	DeviceTransferBytes.WithLabelValues(f, t).Add(float64(bytes))
}

func RecordMaskBuild() {
	MaskBuilds.Inc()
}

func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

func RecordKVCacheSeqLen(n int) {
	KVCacheSeqLen.Set(float64(n))
}

func RecordKVCacheOutOfBounds() {
	KVCacheOutOfBounds.Inc()
}

func RecordWeightLoad(source string, tensors int, duration time.Duration) {
	WeightsLoaded.WithLabelValues(source).Add(float64(tensors))
	WeightLoadDuration.Observe(duration.Seconds())
}

func RecordWeightLoadError() {
	WeightLoadErrors.Inc()
}
