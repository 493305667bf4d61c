package model

import (
	"sort"

	"github.com/23skdu/longbow-splitter/internal/logger"
	"github.com/23skdu/longbow-splitter/internal/metrics"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

// GiB converts a size in GiB to bytes.
func GiB(g float64) int64 {
	return int64(g * (1 << 30))
}

// DevicePlacement summarizes one device after planning.
type DevicePlacement struct {
	Device       int      `json:"device"`
	Units        []string `json:"units"`
	WeightBytes  int64    `json:"weight_bytes"`
	ScratchBytes int64    `json:"scratch_bytes"`
	FreeBytes    int64    `json:"free_bytes"`
}

// ReservedBytes is what every device sets aside before any unit lands on it:
// the rotary tables, one full hidden state and one full input mask, all in
// half precision.
func (m *Model) ReservedBytes() int64 {
	cfg := m.cfg
	sincos := int64(cfg.HeadDim) * int64(cfg.MaxSeqLen) * 2
	constants := sincos * 2
	state := int64(cfg.HiddenSize) * int64(cfg.MaxInputLen) * int64(cfg.MaxBatchSize) * 2
	mask := int64(cfg.MaxInputLen) * int64(cfg.MaxInputLen) * 2
	return constants + state + mask
}

// SetDeviceMap places every unit on a device. budgets are per-device byte
// limits in preference order. Units are packed greedily in graph order and
// the device cursor never moves back, so activations only ever flow to
// higher device indices. With embedOnHost the embedding table stays in host
// memory.
//
// It returns the bytes left on each device. When some unit fits nowhere the
// result is an *AllocationError and the model is left unplanned.
func (m *Model) SetDeviceMap(budgets []int64, embedOnHost bool) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reserved := m.ReservedBytes()
	remaining := make([]int64, len(budgets))
	for i, b := range budgets {
		remaining[i] = b - reserved
	}
	scratch := make([]int64, len(budgets))
	assign := make([]int, len(m.modules))

	cursor := 0
	for idx, u := range m.modules {
		if idx == 0 && embedOnHost {
			assign[idx] = tensor.Host
			continue
		}

		fp := u.WeightFootprint()
		sc := u.ScratchSpace()
		var devScratch int64
		for {
			if cursor >= len(budgets) {
				m.clearPlacement()
				metrics.RecordAllocationFailure()
				err := &AllocationError{Key: u.Key(), Footprint: fp, Scratch: sc, Devices: len(budgets)}
				logger.Log.Error("Device placement failed", "unit", u.Key(), "footprint", fp, "scratch", sc, "devices", len(budgets))
				return nil, err
			}
			devScratch = max(sc, scratch[cursor])
			if fp+devScratch <= remaining[cursor] {
				break
			}
			cursor++
		}

		scratch[cursor] = devScratch
		remaining[cursor] -= fp
		assign[idx] = cursor
	}

	m.applyPlacement(assign, scratch, remaining)
	out := make([]int64, len(remaining))
	copy(out, remaining)
	return out, nil
}

func (m *Model) applyPlacement(assign []int, scratch, remaining []int64) {
	for _, dt := range m.devTensors {
		dt.Release()
	}
	m.devTensors = make(map[int]*DeviceTensors)
	m.cacheMap = make(map[int]int)

	byDevice := make(map[int]*DevicePlacement)
	for idx, u := range m.modules {
		dev := assign[idx]
		if u.DeviceIdx() != dev && u.Loaded() {
			u.Unload()
		}
		u.SetDeviceIdx(dev)

		p, ok := byDevice[dev]
		if !ok {
			p = &DevicePlacement{Device: dev}
			if dev >= 0 {
				p.ScratchBytes = scratch[dev]
				p.FreeBytes = remaining[dev]
			}
			byDevice[dev] = p
			m.devTensors[dev] = newDeviceTensors(m, dev, p.ScratchBytes)
		}
		p.Units = append(p.Units, u.Key())
		p.WeightBytes += u.WeightFootprint()

		if a, ok := u.(*Attention); ok {
			m.cacheMap[a.LayerIdx()] = dev
		}
	}

	m.placement = m.placement[:0]
	for _, p := range byDevice {
		m.placement = append(m.placement, *p)
	}
	sort.Slice(m.placement, func(i, j int) bool { return m.placement[i].Device < m.placement[j].Device })

	for dev := range remaining {
		p, ok := byDevice[dev]
		if !ok {
			metrics.RecordPlacement(dev, 0, 0, remaining[dev], scratch[dev])
			logger.Log.Info("Device placement", "device", tensor.DeviceName(dev), "units", 0, "free_bytes", remaining[dev])
			continue
		}
		metrics.RecordPlacement(dev, len(p.Units), p.WeightBytes, p.FreeBytes, p.ScratchBytes)
		logger.Log.Info("Device placement", "device", tensor.DeviceName(dev), "units", len(p.Units),
			"weight_bytes", p.WeightBytes, "scratch_bytes", p.ScratchBytes, "free_bytes", p.FreeBytes)
	}
	if p, ok := byDevice[tensor.Host]; ok {
		logger.Log.Info("Device placement", "device", tensor.DeviceName(tensor.Host), "units", len(p.Units), "weight_bytes", p.WeightBytes)
	}
	m.planned = true
}

// clearPlacement drops every assignment so a failed plan cannot be used.
func (m *Model) clearPlacement() {
	for _, u := range m.modules {
		if u.Loaded() {
			u.Unload()
		}
		u.SetDeviceIdx(tensor.Unassigned)
	}
	for _, dt := range m.devTensors {
		dt.Release()
	}
	m.devTensors = nil
	m.cacheMap = nil
	m.placement = nil
	m.planned = false
}

// Placement summarizes the current plan by device, host first.
func (m *Model) Placement() []DevicePlacement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DevicePlacement, len(m.placement))
	for i, p := range m.placement {
		p.Units = append([]string(nil), p.Units...)
		out[i] = p
	}
	return out
}

// Planned reports whether the last SetDeviceMap succeeded.
func (m *Model) Planned() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planned
}
