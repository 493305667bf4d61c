package model

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-splitter/internal/kvcache"
	"github.com/23skdu/longbow-splitter/internal/metrics"
	"github.com/23skdu/longbow-splitter/internal/tensor"
	"github.com/23skdu/longbow-splitter/internal/weights"
)

// bytesPerWeight is the deployed element width used for footprints (fp16).
const bytesPerWeight = 2

// Unit is one placeable slice of the model.
type Unit interface {
	Key() string
	DeviceIdx() int
	SetDeviceIdx(idx int)

	// WeightFootprint and ScratchSpace are static, derived from the config.
	WeightFootprint() int64
	ScratchSpace() int64

	// Load pulls weights onto the assigned device. Loading a loaded unit is
	// a no-op.
	Load(ctx context.Context) error
	Unload()
	Loaded() bool

	Forward(ctx context.Context, x *tensor.Tensor, cache *kvcache.Cache, mask *tensor.Tensor) (*tensor.Tensor, error)

	// ParticipatesInKVCache is true for units that read or write the cache.
	ParticipatesInKVCache() bool
	// Submodules lists the leaves; a leaf returns itself.
	Submodules() []Unit
	Tensors() []weights.Spec
}

func roundScratch(n int64) int64 {
	return (n + 127) / 128 * 128
}

func footprint(specs []weights.Spec) int64 {
	var n int64
	for _, s := range specs {
		e := int64(1)
		for _, d := range s.Dims {
			e *= int64(d)
		}
		n += e * bytesPerWeight
	}
	return n
}

// leaf holds the weights of one unit that owns tensors directly.
type leaf struct {
	m      *Model
	key    string
	device int
	specs  []weights.Spec

	mu      sync.Mutex
	tensors map[string]*tensor.Tensor
}

func newLeaf(m *Model, key string, specs ...weights.Spec) *leaf {
	return &leaf{m: m, key: key, device: tensor.Unassigned, specs: specs}
}

func (l *leaf) Key() string                 { return l.key }
func (l *leaf) DeviceIdx() int              { return l.device }
func (l *leaf) SetDeviceIdx(idx int)        { l.device = idx }
func (l *leaf) WeightFootprint() int64      { return footprint(l.specs) }
func (l *leaf) Tensors() []weights.Spec     { return l.specs }
func (l *leaf) ParticipatesInKVCache() bool { return false }

func (l *leaf) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tensors != nil
}

func (l *leaf) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tensors != nil {
		return nil
	}
	if l.device == tensor.Unassigned {
		return &UnitError{Key: l.key, Op: "load", Err: ErrNotPlanned}
	}

	start := time.Now()
	loaded := make(map[string]*tensor.Tensor, len(l.specs))
	for _, s := range l.specs {
		t, err := l.m.source.Fetch(ctx, s.Name)
		if err != nil {
			metrics.RecordWeightLoadError()
			return &UnitError{Key: l.key, Op: "load", Err: err}
		}
		if !tensor.SameDims(t.Dims(), s.Dims) {
			metrics.RecordWeightLoadError()
			return &UnitError{Key: l.key, Op: "load", Err: fmt.Errorf("%w: %s is %v, want %v", ErrShapeMismatch, s.Name, t.Dims(), s.Dims)}
		}
		t, err = l.m.backend.Transfer(t, l.device)
		if err != nil {
			metrics.RecordWeightLoadError()
			return &UnitError{Key: l.key, Op: "load", Err: err}
		}
		loaded[s.Name] = t
	}
	l.tensors = loaded
	metrics.RecordWeightLoad(l.m.source.Name(), len(l.specs), time.Since(start))
	return nil
}

func (l *leaf) Unload() {
	l.mu.Lock()
	l.tensors = nil
	l.mu.Unlock()
}

func (l *leaf) weight(name string) (*tensor.Tensor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tensors == nil {
		return nil, ErrNotLoaded
	}
	return l.tensors[name], nil
}

// Embedding maps token ids [B, S] to hidden states.
type Embedding struct {
	*leaf
}

func newEmbedding(m *Model, key string) *Embedding {
	cfg := m.cfg
	return &Embedding{leaf: newLeaf(m, key, weights.Spec{Name: key + ".weight", Dims: []int{cfg.VocabSize, cfg.HiddenSize}})}
}

func (e *Embedding) ScratchSpace() int64 { return 0 }
func (e *Embedding) Submodules() []Unit  { return []Unit{e} }

func (e *Embedding) Forward(ctx context.Context, x *tensor.Tensor, cache *kvcache.Cache, mask *tensor.Tensor) (*tensor.Tensor, error) {
	w, err := e.weight(e.key + ".weight")
	if err != nil {
		return nil, err
	}
	return e.m.backend.Embedding(x, w)
}

// RMSNorm is a standalone normalization unit.
type RMSNorm struct {
	*leaf
}

func newRMSNorm(m *Model, key string) *RMSNorm {
	return &RMSNorm{leaf: newLeaf(m, key, weights.Spec{Name: key + ".weight", Dims: []int{m.cfg.HiddenSize}})}
}

func (n *RMSNorm) ScratchSpace() int64 { return 0 }
func (n *RMSNorm) Submodules() []Unit  { return []Unit{n} }

func (n *RMSNorm) Forward(ctx context.Context, x *tensor.Tensor, cache *kvcache.Cache, mask *tensor.Tensor) (*tensor.Tensor, error) {
	w, err := n.weight(n.key + ".weight")
	if err != nil {
		return nil, err
	}
	return n.m.backend.RMSNorm(x, w, n.m.cfg.RMSNormEps)
}

// Linear projects in features to out features.
type Linear struct {
	*leaf
	in, out int
	hasBias bool
}

func newLinear(m *Model, key string, in, out int, hasBias bool) *Linear {
	specs := []weights.Spec{{Name: key + ".weight", Dims: []int{out, in}}}
	if hasBias {
		specs = append(specs, weights.Spec{Name: key + ".bias", Dims: []int{out}})
	}
	return &Linear{leaf: newLeaf(m, key, specs...), in: in, out: out, hasBias: hasBias}
}

func (l *Linear) ScratchSpace() int64 { return 0 }
func (l *Linear) Submodules() []Unit  { return []Unit{l} }

func (l *Linear) Forward(ctx context.Context, x *tensor.Tensor, cache *kvcache.Cache, mask *tensor.Tensor) (*tensor.Tensor, error) {
	w, err := l.weight(l.key + ".weight")
	if err != nil {
		return nil, err
	}
	var b *tensor.Tensor
	if l.hasBias {
		b, _ = l.weight(l.key + ".bias")
	}
	return l.m.backend.Linear(x, w, b)
}
