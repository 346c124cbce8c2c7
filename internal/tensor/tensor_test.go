package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestNumElements(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int64
		want    int
		wantErr error
	}{
		{"scalar", nil, 1, nil},
		{"vector", []int64{5}, 5, nil},
		{"image batch", []int64{1, 3, 224, 224}, 150528, nil},
		{"zero dim", []int64{4, 0, 2}, 0, nil},
		{"negative dim", []int64{2, -1}, 0, ErrNegativeDim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NumElements(tt.shape)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestNewRejectsLengthMismatch(t *testing.T) {
	_, err := New([]int64{2, 2}, []float32{1, 2, 3})
	if !errors.Is(err, ErrDataLength) {
		t.Fatalf("expected ErrDataLength, got %v", err)
	}

	tt, err := New([]int64{2, 2}, []float32{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tt.NumElements() != 4 {
		t.Errorf("expected 4 elements, got %d", tt.NumElements())
	}
}

func TestZeros(t *testing.T) {
	z, err := Zeros([]int64{1, 1000})
	if err != nil {
		t.Fatalf("Zeros failed: %v", err)
	}
	if len(z.Data) != 1000 {
		t.Fatalf("expected 1000 elements, got %d", len(z.Data))
	}
	for i, v := range z.Data {
		if v != 0 {
			t.Fatalf("element %d is %f", i, v)
		}
	}

	if _, err := Zeros([]int64{-3}); err == nil {
		t.Error("expected error for negative shape")
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := Tensor{Shape: []int64{3}, Data: []float32{1, 2, 3}}
	c := orig.Clone()
	c.Data[0] = 42
	c.Shape[0] = 7

	if orig.Data[0] != 1 || orig.Shape[0] != 3 {
		t.Errorf("clone aliased original: %v", orig)
	}
}

func TestEqual(t *testing.T) {
	a := Tensor{Shape: []int64{2}, Data: []float32{1, 2}}
	b := Tensor{Shape: []int64{2}, Data: []float32{1, 2}}
	if !a.Equal(b) {
		t.Error("expected equal tensors")
	}

	c := Tensor{Shape: []int64{1, 2}, Data: []float32{1, 2}}
	if a.Equal(c) {
		t.Error("different shapes must not be equal")
	}

	nan := float32(math.NaN())
	d := Tensor{Shape: []int64{1}, Data: []float32{nan}}
	if d.Equal(d) {
		t.Error("NaN data must not compare equal")
	}
}
