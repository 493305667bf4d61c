package model

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-splitter/internal/compute"
	"github.com/23skdu/longbow-splitter/internal/kvcache"
	"github.com/23skdu/longbow-splitter/internal/tensor"
	"github.com/23skdu/longbow-splitter/internal/weights"
)

// composite is a unit built from leaves that always share its device.
type composite struct {
	m        *Model
	key      string
	layerIdx int
	device   int
	subs     []Unit
}

func (c *composite) Key() string        { return c.key }
func (c *composite) DeviceIdx() int     { return c.device }
func (c *composite) Submodules() []Unit { return c.subs }

func (c *composite) SetDeviceIdx(idx int) {
	c.device = idx
	for _, s := range c.subs {
		s.SetDeviceIdx(idx)
	}
}

func (c *composite) WeightFootprint() int64 {
	var n int64
	for _, s := range c.subs {
		n += s.WeightFootprint()
	}
	return n
}

func (c *composite) Tensors() []weights.Spec {
	var specs []weights.Spec
	for _, s := range c.subs {
		specs = append(specs, s.Tensors()...)
	}
	return specs
}

func (c *composite) Load(ctx context.Context) error {
	for _, s := range c.subs {
		if err := s.Load(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (c *composite) Unload() {
	for _, s := range c.subs {
		s.Unload()
	}
}

func (c *composite) Loaded() bool {
	for _, s := range c.subs {
		if !s.Loaded() {
			return false
		}
	}
	return true
}

// Attention is one self-attention block with its pre-norm and residual.
type Attention struct {
	composite
	norm                    *RMSNorm
	qProj, kProj, vProj     *Linear
	oProj                   *Linear
	heads, kvHeads, headDim int
}

func newAttention(m *Model, key string, layerIdx int) *Attention {
	cfg := m.cfg
	a := &Attention{
		composite: composite{m: m, key: key + ".self_attn", layerIdx: layerIdx, device: tensor.Unassigned},
		norm:      newRMSNorm(m, key+".input_layernorm"),
		qProj:     newLinear(m, key+".self_attn.q_proj", cfg.HiddenSize, cfg.QDim(), false),
		kProj:     newLinear(m, key+".self_attn.k_proj", cfg.HiddenSize, cfg.KVDim(), false),
		vProj:     newLinear(m, key+".self_attn.v_proj", cfg.HiddenSize, cfg.KVDim(), false),
		oProj:     newLinear(m, key+".self_attn.o_proj", cfg.QDim(), cfg.HiddenSize, false),
		heads:     cfg.NumAttentionHeads,
		kvHeads:   cfg.NumKeyValueHeads,
		headDim:   cfg.HeadDim,
	}
	a.subs = []Unit{a.norm, a.qProj, a.kProj, a.vProj, a.oProj}
	return a
}

func (a *Attention) ParticipatesInKVCache() bool { return true }
func (a *Attention) LayerIdx() int               { return a.layerIdx }

// ScratchSpace covers the score matrix at the largest batch, chunk and
// context the config allows.
func (a *Attention) ScratchSpace() int64 {
	cfg := a.m.cfg
	p := compute.AttentionParams{Heads: a.heads, KVHeads: a.kvHeads, HeadDim: a.headDim, KeyLen: cfg.MaxSeqLen}
	return roundScratch(p.ScoresBytes(cfg.MaxBatchSize, cfg.MaxInputLen))
}

func (a *Attention) Forward(ctx context.Context, x *tensor.Tensor, cache *kvcache.Cache, mask *tensor.Tensor) (*tensor.Tensor, error) {
	be := a.m.backend
	batch, seqLen := x.Dim(0), x.Dim(1)
	pastLen := 0
	if cache != nil {
		pastLen = cache.CurrentSeqLen
	}

	h, err := a.norm.Forward(ctx, x, nil, nil)
	if err != nil {
		return nil, err
	}
	q, err := a.qProj.Forward(ctx, h, nil, nil)
	if err != nil {
		return nil, err
	}
	k, err := a.kProj.Forward(ctx, h, nil, nil)
	if err != nil {
		return nil, err
	}
	v, err := a.vProj.Forward(ctx, h, nil, nil)
	if err != nil {
		return nil, err
	}

	dt, err := a.m.deviceTensors(a.device, true)
	if err != nil {
		return nil, err
	}
	if err := be.Rotary(q, dt.Sin(), dt.Cos(), a.heads, pastLen); err != nil {
		return nil, err
	}
	if err := be.Rotary(k, dt.Sin(), dt.Cos(), a.kvHeads, pastLen); err != nil {
		return nil, err
	}

	keys, values := k, v
	if cache != nil {
		ck, cv, err := cache.Layer(a.layerIdx)
		if err != nil {
			return nil, err
		}
		if err := be.StoreKV(ck, cv, k, v, pastLen); err != nil {
			return nil, err
		}
		keys, values = ck, cv
	}

	p := compute.AttentionParams{Heads: a.heads, KVHeads: a.kvHeads, HeadDim: a.headDim, KeyLen: pastLen + seqLen}
	dt.BeginScratchAlloc()
	scratch, err := dt.ScratchSlice(p.ScoresBytes(batch, seqLen))
	if err != nil {
		return nil, err
	}
	attn, err := be.Attention(q, keys, values, mask, p, scratch)
	if err != nil {
		return nil, err
	}
	o, err := a.oProj.Forward(ctx, attn, nil, nil)
	if err != nil {
		return nil, err
	}
	return be.Add(x, o)
}

// MLP is the gated feed-forward block with its pre-norm and residual.
type MLP struct {
	composite
	norm                       *RMSNorm
	gateProj, upProj, downProj *Linear
}

func newMLP(m *Model, key string, layerIdx int) *MLP {
	cfg := m.cfg
	f := &MLP{
		composite: composite{m: m, key: key + ".mlp", layerIdx: layerIdx, device: tensor.Unassigned},
		norm:      newRMSNorm(m, key+".post_attention_layernorm"),
		gateProj:  newLinear(m, key+".mlp.gate_proj", cfg.HiddenSize, cfg.IntermediateSize, false),
		upProj:    newLinear(m, key+".mlp.up_proj", cfg.HiddenSize, cfg.IntermediateSize, false),
		downProj:  newLinear(m, key+".mlp.down_proj", cfg.IntermediateSize, cfg.HiddenSize, false),
	}
	f.subs = []Unit{f.norm, f.gateProj, f.upProj, f.downProj}
	return f
}

func (f *MLP) ParticipatesInKVCache() bool { return false }

// ScratchSpace holds the activated intermediate for a full chunk.
func (f *MLP) ScratchSpace() int64 {
	cfg := f.m.cfg
	return roundScratch(4 * int64(cfg.MaxBatchSize) * int64(cfg.MaxInputLen) * int64(cfg.IntermediateSize))
}

func (f *MLP) Forward(ctx context.Context, x *tensor.Tensor, cache *kvcache.Cache, mask *tensor.Tensor) (*tensor.Tensor, error) {
	be := f.m.backend
	h, err := f.norm.Forward(ctx, x, nil, nil)
	if err != nil {
		return nil, err
	}
	gate, err := f.gateProj.Forward(ctx, h, nil, nil)
	if err != nil {
		return nil, err
	}
	up, err := f.upProj.Forward(ctx, h, nil, nil)
	if err != nil {
		return nil, err
	}

	dt, err := f.m.deviceTensors(f.device, true)
	if err != nil {
		return nil, err
	}
	dt.BeginScratchAlloc()
	scratch, err := dt.ScratchSlice(int64(gate.NumElements()) * 4)
	if err != nil {
		return nil, err
	}
	act, err := be.SwiGLU(gate, up, scratch)
	if err != nil {
		return nil, fmt.Errorf("swiglu: %w", err)
	}
	down, err := f.downProj.Forward(ctx, act, nil, nil)
	if err != nil {
		return nil, err
	}
	return be.Add(x, down)
}
