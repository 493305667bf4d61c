package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/23skdu/longbow-splitter/internal/tensor"
)

// UnitTrace captures the activation leaving one unit
type UnitTrace struct {
	Key    string    `json:"key"`
	Device string    `json:"device"`
	Dims   []int     `json:"dims"`
	Max    float32   `json:"max_abs"`
	Mean   float32   `json:"mean"`
	Sample []float32 `json:"sample"` // First 10 values

	NaNCount int `json:"nan_count"`
	InfCount int `json:"inf_count"`
}

// ActivationTrace collects per-unit activation statistics for debugging
// placement and transfer bugs.
type ActivationTrace struct {
	mu      sync.Mutex
	enabled bool
	passes  int
	units   []UnitTrace
}

func NewActivationTrace() *ActivationTrace {
	return &ActivationTrace{}
}

func (at *ActivationTrace) Enable() {
	at.mu.Lock()
	at.enabled = true
	at.mu.Unlock()
}

func (at *ActivationTrace) Disable() {
	at.mu.Lock()
	at.enabled = false
	at.mu.Unlock()
}

func (at *ActivationTrace) IsEnabled() bool {
	at.mu.Lock()
	defer at.mu.Unlock()
	return at.enabled
}

// begin starts a new pass, dropping the previous one.
func (at *ActivationTrace) begin() {
	at.mu.Lock()
	defer at.mu.Unlock()
	if !at.enabled {
		return
	}
	at.passes++
	at.units = at.units[:0]
}

func (at *ActivationTrace) record(key string, x *tensor.Tensor) {
	at.mu.Lock()
	defer at.mu.Unlock()
	if !at.enabled || x == nil {
		return
	}

	ut := UnitTrace{
		Key:    key,
		Device: tensor.DeviceName(x.Device()),
		Dims:   append([]int(nil), x.Dims()...),
	}
	if data := x.Float32(); data != nil {
		ut.Max = maxAbs(data)
		ut.Mean = mean(data)
		ut.Sample = sample(data, 10)
		ut.NaNCount, ut.InfCount = countNaNInf(data)
	}
	at.units = append(at.units, ut)
}

// Units returns the traces of the most recent pass.
func (at *ActivationTrace) Units() []UnitTrace {
	at.mu.Lock()
	defer at.mu.Unlock()
	return append([]UnitTrace(nil), at.units...)
}

// SaveToFile writes the most recent pass as JSON.
func (at *ActivationTrace) SaveToFile(filename string) error {
	at.mu.Lock()
	defer at.mu.Unlock()
	if at.passes == 0 {
		return fmt.Errorf("no activation trace to save")
	}

	data, err := json.MarshalIndent(struct {
		Pass  int         `json:"pass"`
		Units []UnitTrace `json:"units"`
	}{at.passes, at.units}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func sample(data []float32, n int) []float32 {
	if len(data) < n {
		n = len(data)
	}
	out := make([]float32, n)
	copy(out, data[:n])
	return out
}

func maxAbs(data []float32) float32 {
	maxVal := float32(0)
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	return maxVal
}

func mean(data []float32) float32 {
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += float64(v)
	}
	return float32(sum / float64(len(data)))
}

// countNaNInf counts NaN and Inf values in a float32 slice
func countNaNInf(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		} else if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return nanCount, infCount
}
