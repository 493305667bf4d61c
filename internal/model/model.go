package model

import (
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-splitter/internal/compute"
	"github.com/23skdu/longbow-splitter/internal/config"
	"github.com/23skdu/longbow-splitter/internal/logger"
	"github.com/23skdu/longbow-splitter/internal/tensor"
	"github.com/23skdu/longbow-splitter/internal/weights"
)

const defaultLoadConcurrency = 4

type Options struct {
	// LazyLoad defers every unit's weights to its first forward pass.
	LazyLoad bool
	// LoadConcurrency bounds eager loading; zero means 4.
	LoadConcurrency int
	// Trace records per-unit activation statistics during Forward.
	Trace bool
}

// Model is the ordered unit graph plus the placement state derived from it.
type Model struct {
	cfg     *config.Config
	backend compute.Backend
	source  weights.Source
	opts    Options

	modules        []Unit
	byKey          map[string]Unit
	lastKVLayerIdx int

	// mu serializes planning, loading and forward passes.
	mu         sync.Mutex
	planned    bool
	devTensors map[int]*DeviceTensors
	cacheMap   map[int]int
	placement  []DevicePlacement
	trace      *ActivationTrace
}

// New builds the unit graph: embedding, then attention and feed-forward
// per layer, then the final norm and the output head.
func New(cfg config.Config, backend compute.Backend, source weights.Source, opts Options) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	if opts.LoadConcurrency <= 0 {
		opts.LoadConcurrency = defaultLoadConcurrency
	}
	m := &Model{
		cfg:     &cfg,
		backend: backend,
		source:  source,
		opts:    opts,
		byKey:   make(map[string]Unit),
		trace:   NewActivationTrace(),
	}
	if opts.Trace {
		m.trace.Enable()
	}

	m.add(newEmbedding(m, "model.embed_tokens"))
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		key := fmt.Sprintf("model.layers.%d", i)
		m.add(newAttention(m, key, i))
		m.add(newMLP(m, key, i))
	}
	m.add(newRMSNorm(m, "model.norm"))
	m.add(newLinear(m, "lm_head", cfg.HiddenSize, cfg.VocabSize, false))

	m.lastKVLayerIdx = -1
	for i := len(m.modules) - 1; i >= 0; i-- {
		if m.modules[i].ParticipatesInKVCache() {
			m.lastKVLayerIdx = i
			break
		}
	}

	logger.Log.Debug("Model graph built", "units", len(m.modules), "keys", len(m.byKey), "last_kv_unit", m.lastKVLayerIdx)
	return m, nil
}

func (m *Model) add(u Unit) {
	m.modules = append(m.modules, u)
	m.byKey[u.Key()] = u
	for _, s := range u.Submodules() {
		m.byKey[s.Key()] = s
	}
}

func (m *Model) Config() config.Config { return *m.cfg }

// Modules returns the top-level units in computation order.
func (m *Model) Modules() []Unit {
	out := make([]Unit, len(m.modules))
	copy(out, m.modules)
	return out
}

// Module looks up a top-level unit or one of its leaves by key.
func (m *Model) Module(key string) (Unit, bool) {
	u, ok := m.byKey[key]
	return u, ok
}

// Keys lists every registered key in sorted order.
func (m *Model) Keys() []string {
	keys := make([]string, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LastKVLayerIdx is the position in Modules of the last unit touching the
// key/value cache, or -1.
func (m *Model) LastKVLayerIdx() int { return m.lastKVLayerIdx }

// Tensors lists every weight the graph loads.
func (m *Model) Tensors() []weights.Spec {
	var specs []weights.Spec
	for _, u := range m.modules {
		specs = append(specs, u.Tensors()...)
	}
	return specs
}

// CacheMap returns a copy of the layer to device map of the current plan.
func (m *Model) CacheMap() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]int, len(m.cacheMap))
	for k, v := range m.cacheMap {
		out[k] = v
	}
	return out
}

// DeviceTensors returns the shared resources of a planned device, building
// the rotary tables and optionally the scratch arena on first use.
func (m *Model) DeviceTensors(device int, withScratch bool) (*DeviceTensors, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deviceTensors(device, withScratch)
}

func (m *Model) deviceTensors(device int, withScratch bool) (*DeviceTensors, error) {
	dt, ok := m.devTensors[device]
	if !ok {
		return nil, fmt.Errorf("%w: no resources for %s", ErrNotPlanned, tensor.DeviceName(device))
	}
	if !dt.Ready() || (withScratch && dt.scratch == nil) {
		dt.Prepare(withScratch)
	}
	return dt, nil
}

// Trace returns the activation trace; it only records while enabled.
func (m *Model) Trace() *ActivationTrace { return m.trace }

// Close frees every scratch arena.
func (m *Model) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dt := range m.devTensors {
		dt.Release()
	}
}
