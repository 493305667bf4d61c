package model

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-splitter/internal/tensor"
)

func devices(m *Model) []int {
	out := make([]int, 0, len(m.modules))
	for _, u := range m.Modules() {
		out = append(out, u.DeviceIdx())
	}
	return out
}

func TestPlanExactFit(t *testing.T) {
	m, _ := newTestModel(t, tinyConfig(), Options{})
	budget := int64(tinyReserved + tinyTotalFootprint + tinyScratch)

	left, err := m.SetDeviceMap([]int64{budget}, false)
	if err != nil {
		t.Fatalf("SetDeviceMap failed: %v", err)
	}
	if len(left) != 1 || left[0] != tinyScratch {
		t.Errorf("leftover = %v, want [%d]", left, tinyScratch)
	}
	for i, d := range devices(m) {
		if d != 0 {
			t.Errorf("unit %d on device %d", i, d)
		}
	}

	_, err = m.SetDeviceMap([]int64{budget - 1}, false)
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("expected ErrAllocationExhausted, got %v", err)
	}
	var ae *AllocationError
	if !errors.As(err, &ae) || ae.Key != "lm_head" || ae.Footprint != 256 {
		t.Errorf("allocation error = %+v, want lm_head with footprint 256", ae)
	}
}

func TestPlanSplitsAcrossDevices(t *testing.T) {
	tests := []struct {
		name        string
		embedOnHost bool
		budget0     int64
		want        []int
	}{
		{
			name:    "first layer on device 0",
			budget0: tinyReserved + 256 + 400 + 784 + tinyScratch,
			want:    []int{0, 0, 0, 1, 1, 1, 1},
		},
		{
			name:        "embedding pinned to host",
			embedOnHost: true,
			budget0:     tinyReserved + 400 + 784 + tinyScratch,
			want:        []int{tensor.Host, 0, 0, 1, 1, 1, 1},
		},
		{
			name:    "device 0 too small for anything",
			budget0: tinyReserved,
			want:    []int{1, 1, 1, 1, 1, 1, 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestModel(t, tinyConfig(), Options{})
			left, err := m.SetDeviceMap([]int64{tt.budget0, GiB(1)}, tt.embedOnHost)
			if err != nil {
				t.Fatalf("SetDeviceMap failed: %v", err)
			}
			got := devices(m)
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("devices = %v, want %v", got, tt.want)
				}
			}
			if left[0] < 0 || left[1] < 0 {
				t.Errorf("negative leftover %v", left)
			}

			cm := m.CacheMap()
			if cm[0] != tt.want[1] || cm[1] != tt.want[3] {
				t.Errorf("cache map %v", cm)
			}
		})
	}
}

func TestPlanSubmodulesFollowParent(t *testing.T) {
	m, _ := newTestModel(t, tinyConfig(), Options{})
	budget0 := int64(tinyReserved + 256 + 400 + 784 + tinyScratch)
	if _, err := m.SetDeviceMap([]int64{budget0, GiB(1)}, false); err != nil {
		t.Fatal(err)
	}
	for key, want := range map[string]int{
		"model.layers.0.self_attn.k_proj":         0,
		"model.layers.0.mlp.up_proj":              0,
		"model.layers.1.input_layernorm":          1,
		"model.layers.1.post_attention_layernorm": 1,
	} {
		u, _ := m.Module(key)
		if u.DeviceIdx() != want {
			t.Errorf("%s on %d, want %d", key, u.DeviceIdx(), want)
		}
	}
}

func TestPlanMonotone(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	m, _ := newTestModel(t, tinyConfig(), Options{})

	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(5)
		budgets := make([]int64, n)
		for i := range budgets {
			budgets[i] = int64(rng.Intn(3000))
		}
		embedOnHost := rng.Intn(2) == 0

		left, err := m.SetDeviceMap(budgets, embedOnHost)
		if err != nil {
			if !errors.Is(err, ErrAllocationExhausted) {
				t.Fatalf("budgets %v: unexpected error %v", budgets, err)
			}
			continue
		}

		devs := devices(m)
		start := 0
		if embedOnHost {
			if devs[0] != tensor.Host {
				t.Fatalf("embedding on %d with embedOnHost", devs[0])
			}
			start = 1
		}
		for i := start + 1; i < len(devs); i++ {
			if devs[i] < devs[i-1] {
				t.Fatalf("budgets %v: devices %v not monotone", budgets, devs)
			}
		}
		for _, d := range devs {
			if d >= 0 && left[d] < 0 {
				t.Fatalf("budgets %v: device %d overcommitted, leftover %d", budgets, d, left[d])
			}
		}
	}
}

func TestPlanInsufficientBudgetsFail(t *testing.T) {
	m, _ := newTestModel(t, tinyConfig(), Options{})
	if _, err := m.SetDeviceMap([]int64{GiB(1)}, false); err != nil {
		t.Fatal(err)
	}

	// Three devices whose total is below the weights alone.
	third := int64(tinyTotalFootprint / 3)
	_, err := m.SetDeviceMap([]int64{third, third, third}, false)
	if !errors.Is(err, ErrAllocationExhausted) {
		t.Fatalf("expected ErrAllocationExhausted, got %v", err)
	}

	if m.Planned() {
		t.Error("failed plan left the model planned")
	}
	for _, key := range m.Keys() {
		u, _ := m.Module(key)
		if u.DeviceIdx() != tensor.Unassigned {
			t.Errorf("%s still on device %d", key, u.DeviceIdx())
		}
	}
	if len(m.CacheMap()) != 0 || len(m.Placement()) != 0 {
		t.Error("failed plan kept cache map or placement")
	}
	if _, err := m.Forward(context.Background(), tokens(1, 2), nil, nil, false); !errors.Is(err, ErrNotPlanned) {
		t.Errorf("forward after failed plan: %v", err)
	}
	if err := m.Load(context.Background()); !errors.Is(err, ErrNotPlanned) {
		t.Errorf("load after failed plan: %v", err)
	}
}

func TestPlanNoDevices(t *testing.T) {
	m, _ := newTestModel(t, tinyConfig(), Options{})
	if _, err := m.SetDeviceMap(nil, true); !errors.Is(err, ErrAllocationExhausted) {
		t.Errorf("expected ErrAllocationExhausted, got %v", err)
	}
}

func TestPlacementSummary(t *testing.T) {
	m, _ := newTestModel(t, tinyConfig(), Options{})
	budget0 := int64(tinyReserved + 400 + 784 + tinyScratch)
	if _, err := m.SetDeviceMap([]int64{budget0, GiB(1)}, true); err != nil {
		t.Fatal(err)
	}
	p := m.Placement()
	if len(p) != 3 {
		t.Fatalf("placement has %d devices, want 3", len(p))
	}
	if p[0].Device != tensor.Host || len(p[0].Units) != 1 || p[0].WeightBytes != 256 {
		t.Errorf("host placement %+v", p[0])
	}
	if p[1].Device != 0 || p[1].WeightBytes != 400+784 || p[1].ScratchBytes != tinyScratch || p[1].FreeBytes != tinyScratch {
		t.Errorf("device 0 placement %+v", p[1])
	}
	if p[2].Device != 1 || len(p[2].Units) != 4 {
		t.Errorf("device 1 placement %+v", p[2])
	}
}

func TestGiB(t *testing.T) {
	if GiB(1) != 1<<30 || GiB(0.5) != 1<<29 {
		t.Errorf("GiB(1) = %d, GiB(0.5) = %d", GiB(1), GiB(0.5))
	}
}
