package kvcache

import (
	"testing"

	"github.com/23skdu/longbow-splitter/internal/config"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.HiddenSize = 8
	cfg.IntermediateSize = 16
	cfg.NumHiddenLayers = 2
	cfg.NumAttentionHeads = 2
	cfg.NumKeyValueHeads = 1
	cfg.HeadDim = 4
	cfg.VocabSize = 16
	cfg.MaxSeqLen = 8
	cfg.MaxInputLen = 8
	cfg.MaxBatchSize = 2
	return &cfg
}

func TestCacheLifecycle(t *testing.T) {
	cfg := smallConfig()
	c, err := New(cfg, 1, map[int]int{0: 0, 1: 1})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if c.Layers() != 2 {
		t.Errorf("Expected 2 layers, got %d", c.Layers())
	}
	if c.Device(0) != 0 || c.Device(1) != 1 {
		t.Errorf("devices = %d, %d", c.Device(0), c.Device(1))
	}
	k, v, err := c.Layer(1)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.SameDims(k.Dims(), []int{1, 8, 4}) || !v.SameShape(k) {
		t.Errorf("layer dims = %v", k.Dims())
	}
	if _, _, err := c.Layer(2); err == nil {
		t.Error("Layer(2) should fail")
	}

	// 2 layers * (k+v) * 8 rows * 4 wide * 4 bytes
	if c.Bytes() != 2*2*8*4*4 {
		t.Errorf("Bytes() = %d", c.Bytes())
	}
}

func TestCacheDefaultsToHost(t *testing.T) {
	c, err := New(smallConfig(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Device(0) != tensor.Host {
		t.Errorf("unmapped layer on %d, want host", c.Device(0))
	}
}

func TestCacheAdvance(t *testing.T) {
	c, err := New(smallConfig(), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Advance(3); err != nil {
		t.Fatal(err)
	}
	if err := c.Advance(4); err != nil {
		t.Fatal(err)
	}
	if c.CurrentSeqLen != 7 || c.Remaining() != 1 {
		t.Errorf("seq len %d remaining %d", c.CurrentSeqLen, c.Remaining())
	}
	if c.UsedBytes() != 2*2*7*4*4 {
		t.Errorf("UsedBytes() = %d", c.UsedBytes())
	}

	if err := c.Advance(2); err == nil {
		t.Error("expected out of bounds error")
	}
	if c.CurrentSeqLen != 7 {
		t.Errorf("failed advance moved cursor to %d", c.CurrentSeqLen)
	}

	c.Reset()
	if c.CurrentSeqLen != 0 || c.UsedBytes() != 0 {
		t.Errorf("reset left seq len %d", c.CurrentSeqLen)
	}
}

func TestCacheInvalidBatch(t *testing.T) {
	tests := []struct {
		name  string
		batch int
	}{
		{"zero", 0},
		{"over max", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(smallConfig(), tt.batch, nil); err == nil {
				t.Errorf("batch %d should be rejected", tt.batch)
			}
		})
	}
}
