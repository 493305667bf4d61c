package model

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-splitter/internal/kvcache"
	"github.com/23skdu/longbow-splitter/internal/logger"
	"github.com/23skdu/longbow-splitter/internal/metrics"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

// Forward runs ids [batch, seqLen] through every unit in order and returns
// the logits [batch, seqLen, vocab].
//
// With a cache, past keys are attended to and the cache cursor advances by
// seqLen once the pass completes; a failed or cancelled pass leaves it
// untouched. inputMask, if set, is bool [batch, seqLen] with false marking
// tokens to ignore. With preprocessOnly the pass stops after the last unit
// that writes the cache and returns nil.
//
// Calls are serialized per model since units share each device's scratch.
func (m *Model) Forward(ctx context.Context, ids *tensor.Tensor, cache *kvcache.Cache, inputMask *tensor.Tensor, preprocessOnly bool) (*tensor.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	out, err := m.forward(ctx, ids, cache, inputMask, preprocessOnly)
	if err != nil {
		metrics.RecordForwardError()
		logger.Log.Error("Forward pass failed", "error", err)
		return nil, err
	}
	metrics.RecordForward(ids.NumElements(), preprocessOnly, time.Since(start))
	return out, nil
}

func (m *Model) checkInputs(ids *tensor.Tensor, cache *kvcache.Cache, inputMask *tensor.Tensor) error {
	if ids == nil || ids.DType() != tensor.Int32 || len(ids.Dims()) != 2 {
		return fmt.Errorf("%w: token ids must be i32 [batch, seq]", ErrShapeMismatch)
	}
	batch, seqLen := ids.Dim(0), ids.Dim(1)
	if inputMask != nil && !tensor.SameDims(inputMask.Dims(), ids.Dims()) {
		return fmt.Errorf("%w: input mask %v, token ids %v", ErrShapeMismatch, inputMask.Dims(), ids.Dims())
	}
	if batch < 1 || batch > m.cfg.MaxBatchSize {
		return fmt.Errorf("batch size %d outside 1..%d", batch, m.cfg.MaxBatchSize)
	}
	if seqLen < 1 || seqLen > m.cfg.MaxInputLen {
		return fmt.Errorf("input length %d outside 1..%d", seqLen, m.cfg.MaxInputLen)
	}
	if cache == nil {
		return nil
	}
	if cache.Layers() != m.cfg.NumHiddenLayers {
		return fmt.Errorf("cache has %d layers, model has %d", cache.Layers(), m.cfg.NumHiddenLayers)
	}
	if cache.Batch() < batch {
		return fmt.Errorf("cache batch %d smaller than input batch %d", cache.Batch(), batch)
	}
	if cache.Remaining() < seqLen {
		metrics.RecordKVCacheOutOfBounds()
		return fmt.Errorf("cache holds %d of %d tokens, no room for %d more", cache.CurrentSeqLen, cache.MaxSeqLen(), seqLen)
	}
	return nil
}

func (m *Model) forward(ctx context.Context, ids *tensor.Tensor, cache *kvcache.Cache, inputMask *tensor.Tensor, preprocessOnly bool) (*tensor.Tensor, error) {
	if !m.planned {
		return nil, ErrNotPlanned
	}
	if err := m.checkInputs(ids, cache, inputMask); err != nil {
		return nil, err
	}

	batch, seqLen := ids.Dim(0), ids.Dim(1)
	pastLen := 0
	if cache != nil {
		pastLen = cache.CurrentSeqLen
	}

	m.trace.begin()
	x := ids
	prevDevice := tensor.Unassigned
	var mask *tensor.Tensor

	for idx, u := range m.modules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dev := u.DeviceIdx()

		// Host units never see a mask and do not reset the active device.
		if dev != prevDevice && dev != tensor.Host {
			prevDevice = dev
			var err error
			mask, err = BuildAttnMask(batch, seqLen, pastLen, inputMask, dev)
			if err != nil {
				return nil, err
			}
			if dt, ok := m.devTensors[dev]; ok {
				dt.BeginScratchAlloc()
			}
		}

		if !u.Loaded() {
			if !m.opts.LazyLoad {
				return nil, &UnitError{Key: u.Key(), Op: "forward", Err: ErrNotLoaded}
			}
			if err := u.Load(ctx); err != nil {
				return nil, wrapUnit(u.Key(), "load", err)
			}
			logger.Log.Debug("Lazy loaded unit", "unit", u.Key(), "device", tensor.DeviceName(dev))
		}

		var err error
		x, err = m.backend.Transfer(x, dev)
		if err != nil {
			return nil, wrapUnit(u.Key(), "transfer", err)
		}
		x, err = u.Forward(ctx, x, cache, mask)
		if err != nil {
			return nil, wrapUnit(u.Key(), "forward", err)
		}
		m.trace.record(u.Key(), x)

		if preprocessOnly && idx == m.lastKVLayerIdx {
			x = nil
			break
		}
	}

	if cache != nil {
		if err := cache.Advance(seqLen); err != nil {
			return nil, err
		}
	}
	return x, nil
}
