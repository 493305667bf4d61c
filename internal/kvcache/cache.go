package kvcache

import (
	"fmt"

	"github.com/23skdu/longbow-splitter/internal/config"
	"github.com/23skdu/longbow-splitter/internal/logger"
	"github.com/23skdu/longbow-splitter/internal/metrics"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

// Cache is the streaming key/value store for one batch of sequences.
// CurrentSeqLen counts the tokens already resident; the forward pass reads it
// as the past length and advances it once a pass completes.
type Cache struct {
	CurrentSeqLen int

	batch     int
	maxSeqLen int
	kvDim     int

	// Per layer, shape [batch, maxSeqLen, kvDim].
	k []*tensor.Tensor
	v []*tensor.Tensor
}

// New allocates storage for every layer on the device cacheMap names for it.
// Layers missing from cacheMap are kept in host memory.
func New(cfg *config.Config, batch int, cacheMap map[int]int) (*Cache, error) {
	if batch <= 0 || batch > cfg.MaxBatchSize {
		return nil, fmt.Errorf("invalid cache batch size: %d (max %d)", batch, cfg.MaxBatchSize)
	}
	kvDim := cfg.KVDim()
	if kvDim == 0 {
		return nil, fmt.Errorf("invalid config: kvDim=0")
	}

	c := &Cache{
		batch:     batch,
		maxSeqLen: cfg.MaxSeqLen,
		kvDim:     kvDim,
		k:         make([]*tensor.Tensor, cfg.NumHiddenLayers),
		v:         make([]*tensor.Tensor, cfg.NumHiddenLayers),
	}
	for i := range c.k {
		dev, ok := cacheMap[i]
		if !ok {
			dev = tensor.Host
		}
		dims := []int{batch, cfg.MaxSeqLen, kvDim}
		c.k[i] = tensor.New(tensor.Float32, dims, dev)
		c.v[i] = tensor.New(tensor.Float32, dims, dev)
	}

	metrics.RecordKVCacheStats(c.Bytes(), 0)
	metrics.RecordKVCacheSeqLen(0)
	logger.Log.Debug("KV cache allocated", "layers", len(c.k), "batch", batch, "max_seq_len", cfg.MaxSeqLen, "bytes", c.Bytes())
	return c, nil
}

// Layer returns the key and value storage of an attention layer.
func (c *Cache) Layer(i int) (k, v *tensor.Tensor, err error) {
	if i < 0 || i >= len(c.k) {
		return nil, nil, fmt.Errorf("invalid layer index: %d", i)
	}
	return c.k[i], c.v[i], nil
}

// Device reports where layer i's storage lives.
func (c *Cache) Device(i int) int {
	if i < 0 || i >= len(c.k) {
		return tensor.Unassigned
	}
	return c.k[i].Device()
}

func (c *Cache) Layers() int    { return len(c.k) }
func (c *Cache) Batch() int     { return c.batch }
func (c *Cache) MaxSeqLen() int { return c.maxSeqLen }

// Remaining is how many more tokens fit.
func (c *Cache) Remaining() int {
	return c.maxSeqLen - c.CurrentSeqLen
}

// Advance moves the length cursor past n newly written tokens.
func (c *Cache) Advance(n int) error {
	if n < 0 || c.CurrentSeqLen+n > c.maxSeqLen {
		metrics.RecordKVCacheOutOfBounds()
		return fmt.Errorf("position out of bounds: %d (max %d)", c.CurrentSeqLen+n, c.maxSeqLen)
	}
	c.CurrentSeqLen += n
	metrics.RecordKVCacheSeqLen(c.CurrentSeqLen)
	metrics.RecordKVCacheStats(c.Bytes(), c.UsedBytes())
	return nil
}

// Reset rewinds the cursor. Stored rows are left in place and overwritten by
// the next pass.
func (c *Cache) Reset() {
	c.CurrentSeqLen = 0
	metrics.RecordKVCacheSeqLen(0)
	metrics.RecordKVCacheStats(c.Bytes(), 0)
}

// Bytes is the total capacity of all layers.
func (c *Cache) Bytes() int64 {
	var n int64
	for i := range c.k {
		n += c.k[i].Bytes() + c.v[i].Bytes()
	}
	return n
}

// UsedBytes is the portion of capacity holding resident tokens.
func (c *Cache) UsedBytes() int64 {
	return int64(len(c.k)) * 2 * int64(c.batch) * int64(c.CurrentSeqLen) * int64(c.kvDim) * int64(tensor.Float32.Size())
}
