package compute

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-splitter/internal/tensor"
)

var ErrDeviceMismatch = errors.New("operands on different devices")

// AttentionParams describes one attention call. KeyLen is the number of
// valid key rows in k and v (past plus current tokens).
type AttentionParams struct {
	Heads   int
	KVHeads int
	HeadDim int
	KeyLen  int
}

// ScoresBytes is the scratch an Attention call needs for its score matrix.
func (p AttentionParams) ScoresBytes(batch, seqLen int) int64 {
	return int64(batch) * int64(p.Heads) * int64(seqLen) * int64(p.KeyLen) * 4
}

// Backend executes tensor operations on named devices. Operands of one call
// must already live on the same device; moving data is Transfer's job.
type Backend interface {
	Name() string

	// Allocator hands out raw device memory for scratch arenas.
	Allocator(device int) memory.Allocator
	Transfer(x *tensor.Tensor, device int) (*tensor.Tensor, error)

	// Embedding gathers rows of table [vocab, hidden] for ids [B, S].
	Embedding(ids, table *tensor.Tensor) (*tensor.Tensor, error)
	RMSNorm(x, weight *tensor.Tensor, eps float32) (*tensor.Tensor, error)
	// Linear computes x·Wᵀ (+bias) for weight [out, in].
	Linear(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error)
	// Rotary rotates x [B, S, heads*headDim] in place using the tables for
	// positions pastLen..pastLen+S-1.
	Rotary(x, sin, cos *tensor.Tensor, heads, pastLen int) error
	// StoreKV writes k and v [B, S, kvDim] into cache rows starting at pastLen.
	StoreKV(cacheK, cacheV, k, v *tensor.Tensor, pastLen int) error
	// Attention runs scaled dot-product attention with an optional additive
	// mask [B, 1, S, KeyLen]. The score matrix lives in scratch.
	Attention(q, k, v, mask *tensor.Tensor, p AttentionParams, scratch []byte) (*tensor.Tensor, error)
	// SwiGLU returns silu(gate)*up backed by scratch.
	SwiGLU(gate, up *tensor.Tensor, scratch []byte) (*tensor.Tensor, error)
	Add(x, y *tensor.Tensor) (*tensor.Tensor, error)
}
