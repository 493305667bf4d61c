package compute

import (
	"fmt"
	"math"
	"runtime"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-splitter/internal/metrics"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

// Host runs every device on the CPU. Device indices are labels only, but
// operand placement is still enforced so dispatch bugs surface in tests.
type Host struct {
	mu         sync.Mutex
	allocators map[int]*deviceAllocator
	numThreads int
}

func NewHost() *Host {
	return &Host{
		allocators: make(map[int]*deviceAllocator),
		numThreads: runtime.NumCPU(),
	}
}

func (h *Host) Name() string { return "host" }

func (h *Host) SetNumThreads(n int) {
	if n > 0 {
		h.numThreads = n
	}
}

// deviceAllocator reports every allocation change for its device.
type deviceAllocator struct {
	*memory.CheckedAllocator
	device int
}

func (a *deviceAllocator) Allocate(size int) []byte {
	b := a.CheckedAllocator.Allocate(size)
	metrics.RecordDeviceMemory(a.device, int64(a.CurrentAlloc()))
	return b
}

func (a *deviceAllocator) Reallocate(size int, b []byte) []byte {
	b = a.CheckedAllocator.Reallocate(size, b)
	metrics.RecordDeviceMemory(a.device, int64(a.CurrentAlloc()))
	return b
}

func (a *deviceAllocator) Free(b []byte) {
	a.CheckedAllocator.Free(b)
	metrics.RecordDeviceMemory(a.device, int64(a.CurrentAlloc()))
}

func (h *Host) allocator(device int) *deviceAllocator {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.allocators[device]
	if !ok {
		a = &deviceAllocator{
			CheckedAllocator: memory.NewCheckedAllocator(memory.NewGoAllocator()),
			device:           device,
		}
		h.allocators[device] = a
	}
	return a
}

func (h *Host) Allocator(device int) memory.Allocator {
	return h.allocator(device)
}

// Allocated reports bytes currently held through Allocator(device).
func (h *Host) Allocated(device int) int {
	h.mu.Lock()
	a, ok := h.allocators[device]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return a.CurrentAlloc()
}

func (h *Host) Transfer(x *tensor.Tensor, device int) (*tensor.Tensor, error) {
	if x.Device() == device {
		return x, nil
	}
	metrics.RecordTransfer(x.Device(), device, x.Bytes())
	return x.CopyTo(device), nil
}

func sameDevice(ts ...*tensor.Tensor) error {
	dev := tensor.Unassigned
	for _, t := range ts {
		if t == nil {
			continue
		}
		if dev == tensor.Unassigned {
			dev = t.Device()
			continue
		}
		if t.Device() != dev {
			return fmt.Errorf("%w: %s and %s", ErrDeviceMismatch, tensor.DeviceName(dev), tensor.DeviceName(t.Device()))
		}
	}
	return nil
}

func requireDType(t *tensor.Tensor, dt tensor.DType, what string) error {
	if t.DType() != dt {
		return fmt.Errorf("%s: expected %s, got %s", what, dt, t.DType())
	}
	return nil
}

// parallelRows splits [0, n) into one chunk per thread.
func (h *Host) parallelRows(n int, fn func(start, end int)) {
	parallelism := h.numThreads
	if parallelism < 1 {
		parallelism = 1
	}
	chunkSize := (n + parallelism - 1) / parallelism
	if chunkSize < 1 {
		chunkSize = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i += chunkSize {
		end := i + chunkSize
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

func lastDim(t *tensor.Tensor) int {
	d := t.Dims()
	return d[len(d)-1]
}

func withLastDim(dims []int, n int) []int {
	out := append([]int(nil), dims...)
	out[len(out)-1] = n
	return out
}

func (h *Host) Embedding(ids, table *tensor.Tensor) (*tensor.Tensor, error) {
	if err := sameDevice(ids, table); err != nil {
		return nil, err
	}
	if err := requireDType(ids, tensor.Int32, "embedding ids"); err != nil {
		return nil, err
	}
	vocab, hidden := table.Dim(0), table.Dim(1)
	out := tensor.New(tensor.Float32, append(append([]int(nil), ids.Dims()...), hidden), table.Device())
	w, o := table.Float32(), out.Float32()
	for i, id := range ids.Int32() {
		if id < 0 || int(id) >= vocab {
			return nil, fmt.Errorf("token id %d out of range for vocab %d", id, vocab)
		}
		copy(o[i*hidden:(i+1)*hidden], w[int(id)*hidden:(int(id)+1)*hidden])
	}
	return out, nil
}

func (h *Host) RMSNorm(x, weight *tensor.Tensor, eps float32) (*tensor.Tensor, error) {
	if err := sameDevice(x, weight); err != nil {
		return nil, err
	}
	size := lastDim(x)
	if weight.NumElements() != size {
		return nil, fmt.Errorf("rmsnorm: weight has %d elements, row has %d", weight.NumElements(), size)
	}
	out := tensor.New(tensor.Float32, x.Dims(), x.Device())
	in, w, o := x.Float32(), weight.Float32(), out.Float32()
	numRows := x.NumElements() / size

	h.parallelRows(numRows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			rowOffset := row * size
			var sum float32
			for j := 0; j < size; j++ {
				v := in[rowOffset+j]
				sum += v * v
			}
			sum = float32(1.0) / float32(math.Sqrt(float64(sum/float32(size))+float64(eps)))
			for j := 0; j < size; j++ {
				o[rowOffset+j] = in[rowOffset+j] * sum * w[j]
			}
		}
	})
	return out, nil
}

func (h *Host) Linear(x, weight, bias *tensor.Tensor) (*tensor.Tensor, error) {
	if err := sameDevice(x, weight, bias); err != nil {
		return nil, err
	}
	outCols, inCols := weight.Dim(0), weight.Dim(1)
	if lastDim(x) != inCols {
		return nil, fmt.Errorf("linear: input width %d, weight expects %d", lastDim(x), inCols)
	}
	if bias != nil && bias.NumElements() != outCols {
		return nil, fmt.Errorf("linear: bias has %d elements, want %d", bias.NumElements(), outCols)
	}
	out := tensor.New(tensor.Float32, withLastDim(x.Dims(), outCols), x.Device())
	in, w, o := x.Float32(), weight.Float32(), out.Float32()
	var b []float32
	if bias != nil {
		b = bias.Float32()
	}
	outRows := x.NumElements() / inCols

	h.parallelRows(outRows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			inRow := in[row*inCols : (row+1)*inCols]
			for col := 0; col < outCols; col++ {
				wRow := w[col*inCols : (col+1)*inCols]
				var sum float32
				for k, v := range inRow {
					sum += v * wRow[k]
				}
				if b != nil {
					sum += b[col]
				}
				o[row*outCols+col] = sum
			}
		}
	})
	return out, nil
}

func (h *Host) Rotary(x, sin, cos *tensor.Tensor, heads, pastLen int) error {
	if err := sameDevice(x, sin, cos); err != nil {
		return err
	}
	dims := x.Dims()
	batch, seqLen := dims[0], dims[1]
	headDim := lastDim(x) / heads
	maxPos := sin.Dim(2)
	if pastLen+seqLen > maxPos {
		return fmt.Errorf("rotary: positions up to %d exceed table length %d", pastLen+seqLen, maxPos)
	}
	if lastDim(sin) != headDim {
		return fmt.Errorf("rotary: table width %d, head_dim %d", lastDim(sin), headDim)
	}
	half := headDim / 2
	data, s, c := x.Float32(), sin.Float16(), cos.Float16()

	h.parallelRows(batch*seqLen, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			pos := pastLen + row%seqLen
			tab := pos * headDim
			for hd := 0; hd < heads; hd++ {
				base := row*heads*headDim + hd*headDim
				for d := 0; d < half; d++ {
					x0 := data[base+d]
					x1 := data[base+d+half]
					data[base+d] = x0*c[tab+d].Float32() - x1*s[tab+d].Float32()
					data[base+d+half] = x1*c[tab+d+half].Float32() + x0*s[tab+d+half].Float32()
				}
			}
		}
	})
	return nil
}

func (h *Host) StoreKV(cacheK, cacheV, k, v *tensor.Tensor, pastLen int) error {
	if err := sameDevice(cacheK, cacheV, k, v); err != nil {
		return err
	}
	batch, seqLen, kvDim := k.Dim(0), k.Dim(1), k.Dim(2)
	if cacheK.Dim(0) < batch {
		return fmt.Errorf("store kv: batch %d exceeds cache batch %d", batch, cacheK.Dim(0))
	}
	maxSeq := cacheK.Dim(1)
	if pastLen+seqLen > maxSeq {
		return fmt.Errorf("store kv: rows %d..%d exceed cache length %d", pastLen, pastLen+seqLen, maxSeq)
	}
	ck, cv := cacheK.Float32(), cacheV.Float32()
	sk, sv := k.Float32(), v.Float32()
	for b := 0; b < batch; b++ {
		dst := (b*maxSeq + pastLen) * kvDim
		src := b * seqLen * kvDim
		n := seqLen * kvDim
		copy(ck[dst:dst+n], sk[src:src+n])
		copy(cv[dst:dst+n], sv[src:src+n])
	}
	return nil
}

func (h *Host) Attention(q, k, v, mask *tensor.Tensor, p AttentionParams, scratch []byte) (*tensor.Tensor, error) {
	if err := sameDevice(q, k, v, mask); err != nil {
		return nil, err
	}
	batch, seqLen := q.Dim(0), q.Dim(1)
	keyRows := k.Dim(1)
	if p.KeyLen > keyRows {
		return nil, fmt.Errorf("attention: key length %d exceeds %d stored rows", p.KeyLen, keyRows)
	}
	if mask != nil && (mask.Dim(2) != seqLen || mask.Dim(3) != p.KeyLen) {
		return nil, fmt.Errorf("attention: mask %v does not match %dx%d", mask.Dims(), seqLen, p.KeyLen)
	}
	need := p.ScoresBytes(batch, seqLen)
	if int64(len(scratch)) < need {
		return nil, fmt.Errorf("attention: scratch of %d bytes, need %d", len(scratch), need)
	}

	scores := tensor.Float32View(scratch)
	qd, kd, vd := q.Float32(), k.Float32(), v.Float32()
	qDim, kvDim := p.Heads*p.HeadDim, p.KVHeads*p.HeadDim
	group := p.Heads / p.KVHeads
	scale := float32(1.0 / math.Sqrt(float64(p.HeadDim)))
	out := tensor.New(tensor.Float32, []int{batch, seqLen, qDim}, q.Device())
	o := out.Float32()

	var m []float32
	if mask != nil {
		m = make([]float32, mask.NumElements())
		for i, x := range mask.Float16() {
			m[i] = x.Float32()
		}
	}

	h.parallelRows(batch*p.Heads, func(start, end int) {
		for bh := start; bh < end; bh++ {
			b, hd := bh/p.Heads, bh%p.Heads
			kvh := hd / group
			for i := 0; i < seqLen; i++ {
				row := scores[(bh*seqLen+i)*p.KeyLen : (bh*seqLen+i+1)*p.KeyLen]
				qv := qd[(b*seqLen+i)*qDim+hd*p.HeadDim : (b*seqLen+i)*qDim+(hd+1)*p.HeadDim]
				for j := 0; j < p.KeyLen; j++ {
					kv := kd[(b*keyRows+j)*kvDim+kvh*p.HeadDim : (b*keyRows+j)*kvDim+(kvh+1)*p.HeadDim]
					var dot float32
					for d, x := range qv {
						dot += x * kv[d]
					}
					dot *= scale
					if m != nil {
						dot += m[(b*seqLen+i)*p.KeyLen+j]
					}
					row[j] = dot
				}
				Softmax(row)
				dst := o[(b*seqLen+i)*qDim+hd*p.HeadDim : (b*seqLen+i)*qDim+(hd+1)*p.HeadDim]
				for j, w := range row {
					vv := vd[(b*keyRows+j)*kvDim+kvh*p.HeadDim : (b*keyRows+j)*kvDim+(kvh+1)*p.HeadDim]
					for d := range dst {
						dst[d] += w * vv[d]
					}
				}
			}
		}
	})
	return out, nil
}

func (h *Host) SwiGLU(gate, up *tensor.Tensor, scratch []byte) (*tensor.Tensor, error) {
	if err := sameDevice(gate, up); err != nil {
		return nil, err
	}
	if !gate.SameShape(up) {
		return nil, fmt.Errorf("swiglu: gate %v and up %v differ", gate.Dims(), up.Dims())
	}
	out, err := tensor.ViewFloat32(gate.Dims(), scratch, gate.Device())
	if err != nil {
		return nil, fmt.Errorf("swiglu: %w", err)
	}
	g, u, o := gate.Float32(), up.Float32(), out.Float32()
	for i, val := range g {
		sigmoid := float32(1.0) / (float32(1.0) + float32(math.Exp(float64(-val))))
		o[i] = u[i] * val * sigmoid
	}
	return out, nil
}

func (h *Host) Add(x, y *tensor.Tensor) (*tensor.Tensor, error) {
	if err := sameDevice(x, y); err != nil {
		return nil, err
	}
	if !x.SameShape(y) {
		return nil, fmt.Errorf("add: %v and %v differ", x.Dims(), y.Dims())
	}
	out := tensor.New(tensor.Float32, x.Dims(), x.Device())
	a, b, o := x.Float32(), y.Float32(), out.Float32()
	for i := range o {
		o[i] = a[i] + b[i]
	}
	return out, nil
}

// Softmax normalizes x in place, subtracting the max for stability.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}
