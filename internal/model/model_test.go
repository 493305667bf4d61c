package model

import (
	"context"
	"math"
	"testing"

	"github.com/23skdu/longbow-splitter/internal/compute"
	"github.com/23skdu/longbow-splitter/internal/config"
	"github.com/23skdu/longbow-splitter/internal/tensor"
	"github.com/23skdu/longbow-splitter/internal/weights"
)

// Footprints of tinyConfig in bytes:
//
//	embedding 256, attention 400, mlp 784, norm 16, lm_head 256
//	reserved per device 384, max scratch 512
const (
	tinyTotalFootprint = 256 + 2*(400+784) + 16 + 256
	tinyReserved       = 384
	tinyScratch        = 512
)

func tinyConfig() config.Config {
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
	cfg.MaxBatchSize = 1
	return cfg
}

func newTestModel(t *testing.T, cfg config.Config, opts Options) (*Model, *weights.MemoryStore) {
	t.Helper()
	store := weights.NewMemoryStore()
	m, err := New(cfg, compute.NewHost(), store, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	for _, n := range weights.Synthesize(m.Tensors(), 42).All() {
		store.Put(n.Name, n.Tensor)
	}
	t.Cleanup(m.Close)
	return m, store
}

func plannedModel(t *testing.T, budgets []int64, embedOnHost bool, opts Options) *Model {
	t.Helper()
	m, _ := newTestModel(t, tinyConfig(), opts)
	if _, err := m.SetDeviceMap(budgets, embedOnHost); err != nil {
		t.Fatalf("SetDeviceMap failed: %v", err)
	}
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return m
}

func tokens(ids ...int32) *tensor.Tensor {
	return tensor.FromInt32([]int{1, len(ids)}, ids)
}

func approxEqual(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestGraphLayout(t *testing.T) {
	m, _ := newTestModel(t, tinyConfig(), Options{})

	want := []string{
		"model.embed_tokens",
		"model.layers.0.self_attn",
		"model.layers.0.mlp",
		"model.layers.1.self_attn",
		"model.layers.1.mlp",
		"model.norm",
		"lm_head",
	}
	mods := m.Modules()
	if len(mods) != len(want) {
		t.Fatalf("Expected %d units, got %d", len(want), len(mods))
	}
	for i, u := range mods {
		if u.Key() != want[i] {
			t.Errorf("unit %d = %s, want %s", i, u.Key(), want[i])
		}
		if u.DeviceIdx() != tensor.Unassigned {
			t.Errorf("%s placed before planning on %d", u.Key(), u.DeviceIdx())
		}
	}

	if m.LastKVLayerIdx() != 3 {
		t.Errorf("LastKVLayerIdx = %d, want 3", m.LastKVLayerIdx())
	}

	for _, key := range []string{
		"model.layers.0.input_layernorm",
		"model.layers.0.self_attn.q_proj",
		"model.layers.1.self_attn.o_proj",
		"model.layers.1.post_attention_layernorm",
		"model.layers.1.mlp.down_proj",
		"lm_head",
	} {
		if _, ok := m.Module(key); !ok {
			t.Errorf("key %s not registered", key)
		}
	}

	head, _ := m.Module("lm_head")
	specs := head.Tensors()
	if len(specs) != 1 || !tensor.SameDims(specs[0].Dims, []int{16, 8}) {
		t.Errorf("lm_head tensors = %+v, want one [16 8] weight and no bias", specs)
	}
}

func TestFootprints(t *testing.T) {
	m, _ := newTestModel(t, tinyConfig(), Options{})
	want := []struct {
		fp, scratch int64
	}{
		{256, 0},
		{400, 512},
		{784, 512},
		{400, 512},
		{784, 512},
		{16, 0},
		{256, 0},
	}
	var total int64
	for i, u := range m.Modules() {
		if u.WeightFootprint() != want[i].fp || u.ScratchSpace() != want[i].scratch {
			t.Errorf("%s: footprint %d scratch %d, want %d %d", u.Key(), u.WeightFootprint(), u.ScratchSpace(), want[i].fp, want[i].scratch)
		}
		total += u.WeightFootprint()
	}
	if total != tinyTotalFootprint {
		t.Errorf("total footprint %d, want %d", total, tinyTotalFootprint)
	}
	if m.ReservedBytes() != tinyReserved {
		t.Errorf("ReservedBytes = %d, want %d", m.ReservedBytes(), tinyReserved)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := tinyConfig()
	cfg.NumHiddenLayers = 0
	if _, err := New(cfg, compute.NewHost(), weights.NewMemoryStore(), Options{}); err == nil {
		t.Error("expected config validation error")
	}
}

func TestScenarioSingleDevice(t *testing.T) {
	m := plannedModel(t, []int64{GiB(1)}, false, Options{})
	for _, u := range m.Modules() {
		if u.DeviceIdx() != 0 {
			t.Errorf("%s on device %d, want 0", u.Key(), u.DeviceIdx())
		}
	}

	out, err := m.Forward(context.Background(), tokens(1, 5, 9), nil, nil, false)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !tensor.SameDims(out.Dims(), []int{1, 3, 16}) {
		t.Errorf("output dims %v, want [1 3 16]", out.Dims())
	}
	for i, v := range out.Float32() {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("logit %d is %v", i, v)
		}
	}
}
