package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/23skdu/longbow-splitter/internal/model"
	"github.com/23skdu/longbow-splitter/internal/tensor"
)

func TestParseBudgets(t *testing.T) {
	tests := []struct {
		in      string
		want    []int64
		wantErr bool
	}{
		{"24", []int64{model.GiB(24)}, false},
		{"20, 24", []int64{model.GiB(20), model.GiB(24)}, false},
		{"0.5,", []int64{model.GiB(0.5)}, false},
		{"", nil, false},
		{"x", nil, true},
		{"-1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBudgets(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("budget %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs("1, 5,7")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 7 {
		t.Errorf("ids = %v", ids)
	}
	if _, err := parseIDs(" , "); err == nil {
		t.Error("expected error for empty list")
	}
	if _, err := parseIDs("1,abc"); err == nil {
		t.Error("expected error for bad id")
	}
}

func TestPrintPlacement(t *testing.T) {
	var buf bytes.Buffer
	printPlacement(&buf, []model.DevicePlacement{
		{Device: 0, Units: []string{"model.embed_tokens", "lm_head"}, WeightBytes: 1 << 20, ScratchBytes: 1 << 20},
	}, []int64{2 << 20}, 1<<20)
	out := buf.String()
	for _, want := range []string{"model.embed_tokens", "lm_head", "2.0"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func TestPrintTopLogits(t *testing.T) {
	logits := tensor.FromFloat32([]int{1, 2, 4}, []float32{9, 9, 9, 9, 0.1, 0.7, 0.3, 0.5})
	var buf bytes.Buffer
	printTopLogits(&buf, logits, 2)
	out := buf.String()
	first := strings.Index(out, "0.7000")
	second := strings.Index(out, "0.5000")
	if first < 0 || second < 0 || first > second {
		t.Errorf("unexpected ranking:\n%s", out)
	}
	if strings.Contains(out, "9.0000") {
		t.Error("printed logits from a row other than the last")
	}
}
