package weights

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/23skdu/longbow-splitter/internal/tensor"
)

var ErrNotFound = errors.New("tensor not found")

// Spec names one weight tensor a unit expects and its shape.
type Spec struct {
	Name string
	Dims []int
}

// Named pairs a tensor with its store key.
type Named struct {
	Name   string
	Tensor *tensor.Tensor
}

// Source is the sharded weight store. Fetch returns a host-resident float32
// tensor; callers move it to its device.
type Source interface {
	Name() string
	Fetch(ctx context.Context, name string) (*tensor.Tensor, error)
}

// MemoryStore keeps tensors in a map. It is safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	tensors map[string]*tensor.Tensor
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tensors: make(map[string]*tensor.Tensor)}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Put(name string, t *tensor.Tensor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tensors[name] = t
}

func (m *MemoryStore) Fetch(ctx context.Context, name string) (*tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	t, ok := m.tensors[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t.CopyTo(tensor.Host), nil
}

// Names lists stored tensor names in sorted order.
func (m *MemoryStore) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tensors))
	for n := range m.tensors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// All returns every stored tensor, sorted by name.
func (m *MemoryStore) All() []Named {
	names := m.Names()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Named, 0, len(names))
	for _, n := range names {
		out = append(out, Named{Name: n, Tensor: m.tensors[n]})
	}
	return out
}

// Synthesize fills a store with small deterministic weights for specs.
// Vectors whose name ends in "norm.weight" are set to one.
func Synthesize(specs []Spec, seed int64) *MemoryStore {
	rng := rand.New(rand.NewSource(seed))
	store := NewMemoryStore()
	for _, s := range specs {
		n := 1
		for _, d := range s.Dims {
			n *= d
		}
		data := make([]float32, n)
		if strings.HasSuffix(s.Name, "norm.weight") {
			for i := range data {
				data[i] = 1
			}
		} else {
			for i := range data {
				data[i] = (rng.Float32()*2 - 1) * 0.05
			}
		}
		store.Put(s.Name, tensor.FromFloat32(s.Dims, data))
	}
	return store
}
