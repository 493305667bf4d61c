package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDeviceLabel(t *testing.T) {
	tests := []struct {
		device int
		want   string
	}{
		{-1, "cpu"},
		{0, "0"},
		{3, "3"},
	}
	for _, tt := range tests {
		if got := DeviceLabel(tt.device); got != tt.want {
			t.Errorf("DeviceLabel(%d) = %q, want %q", tt.device, got, tt.want)
		}
	}
}

func TestRecordPlacement(t *testing.T) {
	RecordPlacement(7, 12, 1<<20, 4096, 512)

	if got := testutil.ToFloat64(PlacementUnits.WithLabelValues("7")); got != 12 {
		t.Errorf("units = %v, want 12", got)
	}
	if got := testutil.ToFloat64(PlacementFreeBytes.WithLabelValues("7")); got != 4096 {
		t.Errorf("free = %v, want 4096", got)
	}
	if got := testutil.ToFloat64(PlacementReservedScratch.WithLabelValues("7")); got != 512 {
		t.Errorf("scratch = %v, want 512", got)
	}
}

func TestRecordScratchSliceHighWater(t *testing.T) {
	RecordScratchSlice(9, 256)
	RecordScratchSlice(9, 1024)
	RecordScratchSlice(9, 128)

	if got := testutil.ToFloat64(ScratchHighWater.WithLabelValues("9")); got != 1024 {
		t.Errorf("high water = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(ScratchSlices.WithLabelValues("9")); got != 3 {
		t.Errorf("slices = %v, want 3", got)
	}
}

func TestRecordTransfer(t *testing.T) {
	before := testutil.ToFloat64(DeviceTransfers.WithLabelValues("cpu", "0"))
	RecordTransfer(-1, 0, 64)
	RecordTransfer(-1, 0, 64)
	after := testutil.ToFloat64(DeviceTransfers.WithLabelValues("cpu", "0"))
	if after-before != 2 {
		t.Errorf("transfers delta = %v, want 2", after-before)
	}
}

func TestRecordForwardModes(t *testing.T) {
	full := testutil.ToFloat64(ForwardPasses.WithLabelValues("full"))
	pre := testutil.ToFloat64(ForwardPasses.WithLabelValues("preprocess"))

	RecordForward(3, false, 10*time.Millisecond)
	RecordForward(5, true, 5*time.Millisecond)

	if got := testutil.ToFloat64(ForwardPasses.WithLabelValues("full")) - full; got != 1 {
		t.Errorf("full delta = %v", got)
	}
	if got := testutil.ToFloat64(ForwardPasses.WithLabelValues("preprocess")) - pre; got != 1 {
		t.Errorf("preprocess delta = %v", got)
	}
}

func TestRecordersDoNotPanic(t *testing.T) {
	RecordAllocationFailure()
	RecordScratchArena(0, 1<<20)
	RecordDeviceMemory(0, 1<<20)
	RecordForwardError()
	RecordMaskBuild()
	RecordKVCacheStats(1<<20, 1<<10)
	RecordKVCacheSeqLen(17)
	RecordKVCacheOutOfBounds()
	RecordWeightLoad("memory", 4, time.Millisecond)
	RecordWeightLoadError()
}
