package model

import (
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-splitter/internal/logger"
	"github.com/23skdu/longbow-splitter/internal/metrics"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

const scratchAlign = 128

// DeviceTensors holds the constants and scratch arena shared by every unit
// placed on one device. Nothing is allocated until first use.
type DeviceTensors struct {
	m            *Model
	device       int
	scratchBytes int64
	ready        bool

	sin, cos *tensor.Tensor

	alloc      memory.Allocator
	scratch    []byte
	scratchIdx int64
}

func newDeviceTensors(m *Model, device int, scratchBytes int64) *DeviceTensors {
	return &DeviceTensors{m: m, device: device, scratchBytes: scratchBytes}
}

func (d *DeviceTensors) Device() int         { return d.device }
func (d *DeviceTensors) Ready() bool         { return d.ready }
func (d *DeviceTensors) ScratchBytes() int64 { return d.scratchBytes }

// ScratchUsed is the bump cursor position.
func (d *DeviceTensors) ScratchUsed() int64 { return d.scratchIdx }

func (d *DeviceTensors) Sin() *tensor.Tensor { return d.sin }
func (d *DeviceTensors) Cos() *tensor.Tensor { return d.cos }

// Prepare builds the rotary tables and, if withScratch, the scratch arena.
// Repeat calls only add what is still missing.
func (d *DeviceTensors) Prepare(withScratch bool) {
	if d.sin == nil {
		d.prepareSinCos()
	}
	if withScratch && d.scratch == nil {
		d.alloc = d.m.backend.Allocator(d.device)
		d.scratch = d.alloc.Allocate(int(d.scratchBytes))
		metrics.RecordScratchArena(d.device, d.scratchBytes)
		logger.Log.Debug("Scratch arena allocated", "device", tensor.DeviceName(d.device), "bytes", d.scratchBytes)
	}
	d.ready = true
}

// BeginScratchAlloc rewinds the bump cursor. Slices handed out earlier are
// reused by the next requests.
func (d *DeviceTensors) BeginScratchAlloc() {
	d.scratchIdx = 0
}

// ScratchSlice returns the next n bytes of the arena, rounded up to 128.
func (d *DeviceTensors) ScratchSlice(n int64) ([]byte, error) {
	if d.scratch == nil {
		d.Prepare(true)
	}
	size := (n + scratchAlign - 1) / scratchAlign * scratchAlign
	if d.scratchIdx+size > int64(len(d.scratch)) {
		return nil, fmt.Errorf("%w: %s needs %d bytes at offset %d, arena is %d",
			ErrScratchExhausted, tensor.DeviceName(d.device), size, d.scratchIdx, len(d.scratch))
	}
	s := d.scratch[d.scratchIdx : d.scratchIdx+size : d.scratchIdx+size]
	d.scratchIdx += size
	metrics.RecordScratchSlice(d.device, d.scratchIdx)
	return s, nil
}

// Release returns the arena to the device allocator. The tables stay.
func (d *DeviceTensors) Release() {
	if d.scratch != nil {
		d.alloc.Free(d.scratch)
		d.scratch = nil
		metrics.RecordScratchArena(d.device, 0)
	}
	d.scratchIdx = 0
}

func (d *DeviceTensors) prepareSinCos() {
	d.sin, d.cos = rotaryTables(d.m.cfg.RotaryEmbeddingBase, d.m.cfg.ScaleAlphaValue, d.m.cfg.ScalePosEmb,
		d.m.cfg.HeadDim, d.m.cfg.MaxSeqLen, d.device)
}

// rotaryTables returns half precision sin and cos of shape
// [1, 1, maxSeqLen, headDim]. Each row is the position times the inverse
// frequencies, repeated once to span the full head width.
func rotaryTables(base, alpha, scale float64, headDim, maxSeqLen, device int) (*tensor.Tensor, *tensor.Tensor) {
	if alpha != 1.0 {
		base *= math.Pow(alpha, float64(headDim)/float64(headDim-2))
	}
	half := headDim / 2
	invFreq := make([]float32, half)
	for i := range invFreq {
		invFreq[i] = float32(1.0 / math.Pow(base, float64(2*i)/float64(headDim)))
	}

	dims := []int{1, 1, maxSeqLen, headDim}
	sin := tensor.New(tensor.Float16, dims, device)
	cos := tensor.New(tensor.Float16, dims, device)
	s, c := sin.Float16(), cos.Float16()
	for p := 0; p < maxSeqLen; p++ {
		t := float32(p)
		if scale != 1.0 {
			t /= float32(scale)
		}
		row := p * headDim
		for i, f := range invFreq {
			angle := float64(t * f)
			sv := float16.Fromfloat32(float32(math.Sin(angle)))
			cv := float16.Fromfloat32(float32(math.Cos(angle)))
			s[row+i], s[row+half+i] = sv, sv
			c[row+i], c[row+half+i] = cv, cv
		}
	}
	return sin, cos
}
