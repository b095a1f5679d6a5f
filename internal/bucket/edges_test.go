package bucket

import (
	"errors"
	"math"
	"testing"

	"market-breadth/internal/domain"
)

func TestEdges_Index(t *testing.T) {
	edges := Edges{-10, -5, 0, 5, 10}

	tests := []struct {
		value float64
		want  int
	}{
		{-50, 0},
		{-10.0001, 0},
		{-10, 1},
		{-6, 1},
		{-5, 2},
		{-0.0001, 2},
		{0, 3},
		{4.9999, 3},
		{5, 4},
		{10, 5},
		{250, 5},
	}

	for _, tt := range tests {
		if got := edges.Index(tt.value); got != tt.want {
			t.Errorf("Index(%v) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestEdges_Labels(t *testing.T) {
	edges := Edges{-10, -5, 0, 2.5, 10}
	want := []string{"<-10%", "-10%~-5%", "-5%~0%", "0%~2.5%", "2.5%~10%", ">10%"}

	got := edges.Labels()
	if len(got) != edges.Len() {
		t.Fatalf("expected %d labels, got %d", edges.Len(), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("label %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestEdges_Validate(t *testing.T) {
	valid := Edges{-5, 0, 5}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	invalid := []Edges{
		nil,
		{},
		{0, 0},
		{5, 1},
		{0, math.NaN()},
		{math.Inf(-1), 0},
	}
	for _, e := range invalid {
		err := e.Validate()
		if !errors.Is(err, domain.ErrInvalidConfig) {
			t.Errorf("Validate(%v): expected ErrInvalidConfig, got %v", e, err)
		}
	}
}
