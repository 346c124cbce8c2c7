package device

import (
	"math"

	"golang.org/x/sync/errgroup"
)

// Rows per worker below which linear stays single-threaded.
const linearParallelRows = 64

func fill(dst []float32, v float32) {
	for i := range dst {
		dst[i] = v
	}
}

func scale(dst, src []float32, alpha, beta float32) {
	for i, v := range src {
		dst[i] = alpha*v + beta
	}
}

func relu(x []float32) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

func add(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}

func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}

	sum := float32(0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}

	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// avgPool averages len(src) values down to len(dst) with adaptive windows:
// output i covers [floor(i*n/m), ceil((i+1)*n/m)).
func avgPool(dst, src []float32) {
	n, m := len(src), len(dst)
	for i := range dst {
		start := i * n / m
		end := ((i+1)*n + m - 1) / m
		sum := 0.0
		for _, v := range src[start:end] {
			sum += float64(v)
		}
		dst[i] = float32(sum / float64(end-start))
	}
}

// linear computes dst = w·src + bias with w row-major [len(dst)][len(src)].
func linear(dst, src, w, bias []float32, threads int) {
	out := len(dst)
	if threads <= 1 || out < 2*linearParallelRows {
		linearRows(dst, src, w, bias, 0, out)
		return
	}

	chunk := (out + threads - 1) / threads
	if chunk < linearParallelRows {
		chunk = linearParallelRows
	}
	var g errgroup.Group
	g.SetLimit(threads)
	for start := 0; start < out; start += chunk {
		end := min(start+chunk, out)
		g.Go(func() error {
			linearRows(dst, src, w, bias, start, end)
			return nil
		})
	}
	_ = g.Wait()
}

func linearRows(dst, src, w, bias []float32, start, end int) {
	in := len(src)
	for r := start; r < end; r++ {
		row := w[r*in : (r+1)*in]
		acc := float64(bias[r])
		for j, v := range src {
			acc += float64(row[j]) * float64(v)
		}
		dst[r] = float32(acc)
	}
}
