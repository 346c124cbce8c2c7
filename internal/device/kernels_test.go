package device

import (
	"math"
	"testing"
)

func TestSoftmax(t *testing.T) {
	tests := []struct {
		name string
		in   []float32
		want []float32
	}{
		{"uniform", []float32{0, 0, 0, 0}, []float32{0.25, 0.25, 0.25, 0.25}},
		{"large values stay finite", []float32{1000, 1000}, []float32{0.5, 0.5}},
		{"two", []float32{0, float32(math.Log(3))}, []float32{0.25, 0.75}},
		{"empty", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := append([]float32(nil), tt.in...)
			softmax(x)
			for i := range tt.want {
				if math.Abs(float64(x[i]-tt.want[i])) > 1e-6 {
					t.Errorf("softmax(%v) = %v, want %v", tt.in, x, tt.want)
					break
				}
			}
		})
	}
}

func TestAvgPool(t *testing.T) {
	dst := make([]float32, 2)
	avgPool(dst, []float32{1, 2, 3, 10, 20, 30})
	if dst[0] != 2 || dst[1] != 20 {
		t.Errorf("avgPool = %v", dst)
	}

	// 5 into 2: windows [0,3) and [2,5)
	avgPool(dst, []float32{3, 3, 6, 9, 9})
	if dst[0] != 4 || dst[1] != 8 {
		t.Errorf("adaptive avgPool = %v", dst)
	}
}

func TestLinearParallelMatchesSerial(t *testing.T) {
	const in, out = 17, 300
	src := make([]float32, in)
	for i := range src {
		src[i] = float32(i) * 0.25
	}
	w := make([]float32, in*out)
	for i := range w {
		w[i] = float32(i%7) - 3
	}
	bias := make([]float32, out)
	for i := range bias {
		bias[i] = float32(i)
	}

	serial := make([]float32, out)
	parallel := make([]float32, out)
	linear(serial, src, w, bias, 1)
	linear(parallel, src, w, bias, 8)
	for i := range serial {
		if serial[i] != parallel[i] {
			t.Fatalf("row %d: serial %v parallel %v", i, serial[i], parallel[i])
		}
	}
}

func TestElementwise(t *testing.T) {
	x := []float32{-1, 0, 2}
	relu(x)
	if x[0] != 0 || x[2] != 2 {
		t.Errorf("relu = %v", x)
	}

	dst := make([]float32, 3)
	scale(dst, []float32{1, 2, 3}, -1, 0.5)
	if dst[0] != -0.5 || dst[2] != -2.5 {
		t.Errorf("scale = %v", dst)
	}

	add(dst, []float32{1, 1, 1}, []float32{1, 2, 3})
	if dst[1] != 3 {
		t.Errorf("add = %v", dst)
	}

	fill(dst, 4)
	if dst[0] != 4 || dst[2] != 4 {
		t.Errorf("fill = %v", dst)
	}
}
