package model

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-splitter/internal/metrics"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

// MaskMin is the additive bias that removes a key from attention; it is the
// most negative finite half precision value.
const MaskMin float32 = -65504

// BuildAttnMask returns the additive bias [batch, 1, seqLen, pastLen+seqLen]
// on device. Query row i may see every past key and the chunk keys up to and
// including its own position. An inputMask [batch, seqLen] hides chunk keys
// whose entry is false from every query row.
//
// A single token needs no causal bias, so the result is nil unless an
// inputMask is given.
func BuildAttnMask(batch, seqLen, pastLen int, inputMask *tensor.Tensor, device int) (*tensor.Tensor, error) {
	if inputMask != nil {
		if inputMask.DType() != tensor.Bool || !tensor.SameDims(inputMask.Dims(), []int{batch, seqLen}) {
			return nil, fmt.Errorf("%w: input mask %s%v, want bool[%d %d]", ErrShapeMismatch, inputMask.DType(), inputMask.Dims(), batch, seqLen)
		}
	}
	if seqLen == 1 && inputMask == nil {
		return nil, nil
	}
	metrics.RecordMaskBuild()

	keyLen := pastLen + seqLen
	mask := tensor.New(tensor.Float16, []int{batch, 1, seqLen, keyLen}, device)
	m := mask.Float16()
	neg := float16.Fromfloat32(MaskMin)

	for b := 0; b < batch; b++ {
		for i := 0; i < seqLen; i++ {
			row := m[(b*seqLen+i)*keyLen : (b*seqLen+i+1)*keyLen]
			// Upper triangle of the (seqLen-1)² block at column pastLen+1,
			// diagonal included: key pastLen+1+j is after query i when j >= i.
			for j := i; j < seqLen-1; j++ {
				row[pastLen+1+j] = neg
			}
			if inputMask != nil {
				im := inputMask.Bool()[b*seqLen : (b+1)*seqLen]
				for j, keep := range im {
					if !keep {
						row[pastLen+j] = neg
					}
				}
			}
		}
	}
	return mask, nil
}
