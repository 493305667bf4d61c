package model

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-splitter/internal/tensor"
)

func TestMaskSingleToken(t *testing.T) {
	mask, err := BuildAttnMask(2, 1, 5, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if mask != nil {
		t.Errorf("single token mask = %v, want nil", mask)
	}
}

func TestCausalMaskBlocksFutureKeys(t *testing.T) {
	for _, tc := range []struct {
		batch, seqLen, pastLen int
	}{
		{1, 2, 0},
		{1, 4, 0},
		{2, 3, 2},
		{1, 5, 3},
	} {
		mask, err := BuildAttnMask(tc.batch, tc.seqLen, tc.pastLen, nil, 1)
		if err != nil {
			t.Fatal(err)
		}
		keyLen := tc.pastLen + tc.seqLen
		if !tensor.SameDims(mask.Dims(), []int{tc.batch, 1, tc.seqLen, keyLen}) {
			t.Fatalf("dims %v", mask.Dims())
		}
		if mask.DType() != tensor.Float16 || mask.Device() != 1 {
			t.Fatalf("mask is %s on %d", mask.DType(), mask.Device())
		}

		for b := 0; b < tc.batch; b++ {
			for i := 0; i < tc.seqLen; i++ {
				for k := 0; k < keyLen; k++ {
					got := mask.At(b, 0, i, k)
					// Query i sits at absolute position pastLen+i.
					want := float32(0)
					if k > tc.pastLen+i {
						want = MaskMin
					}
					if got != want {
						t.Fatalf("%+v: mask[%d,0,%d,%d] = %v, want %v", tc, b, i, k, got, want)
					}
				}
			}
		}

		// Same region expressed on the (seqLen-1)² block at column pastLen+1.
		for i := 0; i < tc.seqLen-1; i++ {
			for j := 0; j < tc.seqLen-1; j++ {
				blocked := mask.At(0, 0, i, tc.pastLen+1+j) == MaskMin
				if blocked != (j >= i) {
					t.Fatalf("%+v: block[%d,%d] blocked=%v", tc, i, j, blocked)
				}
			}
		}
	}
}

func TestInputMaskMergesWithCausal(t *testing.T) {
	// Batch 0 hides chunk token 1, batch 1 hides nothing.
	im := tensor.FromBool([]int{2, 3}, []bool{true, false, true, true, true, true})
	mask, err := BuildAttnMask(2, 3, 2, im, 0)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if mask.At(0, 0, i, 3) != MaskMin {
			t.Errorf("batch 0 row %d can see hidden token", i)
		}
		if mask.At(0, 0, i, 0) != 0 || mask.At(0, 0, i, 1) != 0 {
			t.Errorf("batch 0 row %d lost past keys", i)
		}
		if mask.At(0, 0, i, 2) != 0 {
			t.Errorf("batch 0 row %d cannot see chunk token 0", i)
		}
	}
	if mask.At(1, 0, 2, 3) != 0 || mask.At(1, 0, 2, 4) != 0 {
		t.Error("batch 1 last row should see the whole chunk")
	}
	if mask.At(1, 0, 0, 3) != MaskMin {
		t.Error("input mask removed the causal block")
	}
}

func TestInputMaskSingleToken(t *testing.T) {
	im := tensor.FromBool([]int{1, 1}, []bool{false})
	mask, err := BuildAttnMask(1, 1, 3, im, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !tensor.SameDims(mask.Dims(), []int{1, 1, 1, 4}) {
		t.Fatalf("dims %v", mask.Dims())
	}
	if mask.At(0, 0, 0, 3) != MaskMin || mask.At(0, 0, 0, 2) != 0 {
		t.Errorf("mask row %v", mask.Float16())
	}
}

func TestMaskShapeMismatch(t *testing.T) {
	tests := []struct {
		name string
		im   *tensor.Tensor
	}{
		{"wrong length", tensor.FromBool([]int{1, 2}, []bool{true, true})},
		{"wrong dtype", tensor.FromFloat32([]int{1, 3}, []float32{1, 1, 1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildAttnMask(1, 3, 0, tt.im, 0); !errors.Is(err, ErrShapeMismatch) {
				t.Errorf("expected ErrShapeMismatch, got %v", err)
			}
		})
	}
}
