package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds the model hyperparameters the placement layer needs. It is
// treated as immutable once validated.
type Config struct {
	HiddenSize        int     `json:"hidden_size"`
	IntermediateSize  int     `json:"intermediate_size"`
	NumHiddenLayers   int     `json:"num_hidden_layers"`
	NumAttentionHeads int     `json:"num_attention_heads"`
	NumKeyValueHeads  int     `json:"num_key_value_heads"`
	HeadDim           int     `json:"head_dim"`
	VocabSize         int     `json:"vocab_size"`
	RMSNormEps        float32 `json:"rms_norm_eps"`

	MaxSeqLen    int `json:"max_seq_len"`
	MaxInputLen  int `json:"max_input_len"`
	MaxBatchSize int `json:"max_batch_size"`

	RotaryEmbeddingBase float64 `json:"rope_theta"`
	ScaleAlphaValue     float64 `json:"scale_alpha_value"`
	ScalePosEmb         float64 `json:"scale_pos_emb"`
}

func (c *Config) Validate() error {
	if c.HiddenSize <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.HiddenSize)
	}
	if c.IntermediateSize <= 0 {
		return fmt.Errorf("invalid intermediate_size: %d (must be positive)", c.IntermediateSize)
	}
	if c.NumHiddenLayers <= 0 {
		return fmt.Errorf("invalid num_hidden_layers: %d (must be positive)", c.NumHiddenLayers)
	}
	if c.NumAttentionHeads <= 0 {
		return fmt.Errorf("invalid num_attention_heads: %d (must be positive)", c.NumAttentionHeads)
	}
	if c.NumKeyValueHeads <= 0 {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be positive)", c.NumKeyValueHeads)
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("num_attention_heads (%d) not divisible by num_key_value_heads (%d)", c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if c.HeadDim <= 2 || c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be even and > 2)", c.HeadDim)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.RMSNormEps <= 0 {
		return fmt.Errorf("invalid rms_norm_eps: %f (must be positive)", c.RMSNormEps)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("invalid max_seq_len: %d (must be positive)", c.MaxSeqLen)
	}
	if c.MaxInputLen <= 0 || c.MaxInputLen > c.MaxSeqLen {
		return fmt.Errorf("invalid max_input_len: %d (must be in 1..max_seq_len=%d)", c.MaxInputLen, c.MaxSeqLen)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max_batch_size: %d (must be positive)", c.MaxBatchSize)
	}
	if c.RotaryEmbeddingBase <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RotaryEmbeddingBase)
	}
	if c.ScaleAlphaValue <= 0 {
		return fmt.Errorf("invalid scale_alpha_value: %f (must be positive)", c.ScaleAlphaValue)
	}
	if c.ScalePosEmb <= 0 {
		return fmt.Errorf("invalid scale_pos_emb: %f (must be positive)", c.ScalePosEmb)
	}
	return nil
}

// KVDim is the width of one cached key or value row.
func (c *Config) KVDim() int {
	return c.NumKeyValueHeads * c.HeadDim
}

// QDim is the width of the concatenated query heads.
func (c *Config) QDim() int {
	return c.NumAttentionHeads * c.HeadDim
}

func Default() Config {
	return Config{
		HiddenSize:          4096,
		IntermediateSize:    11008,
		NumHiddenLayers:     32,
		NumAttentionHeads:   32,
		NumKeyValueHeads:    32,
		HeadDim:             128,
		VocabSize:           32000,
		RMSNormEps:          1e-6,
		MaxSeqLen:           2048,
		MaxInputLen:         2048,
		MaxBatchSize:        1,
		RotaryEmbeddingBase: 10000.0,
		ScaleAlphaValue:     1.0,
		ScalePosEmb:         1.0,
	}
}

// LoadFile reads a HF-style config.json. Keys missing from the file keep
// their Default() values; head_dim and num_key_value_heads are derived
// when absent.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	c := Default()
	c.HeadDim = 0
	c.NumKeyValueHeads = 0
	if err := json.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if c.HeadDim == 0 && c.NumAttentionHeads > 0 {
		c.HeadDim = c.HiddenSize / c.NumAttentionHeads
	}
	if c.NumKeyValueHeads == 0 {
		c.NumKeyValueHeads = c.NumAttentionHeads
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
