package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/xinfer/internal/flightrpc"
	"github.com/23skdu/xinfer/internal/tensor"
)

type inputFlags []string

func (f *inputFlags) String() string     { return strings.Join(*f, " ") }
func (f *inputFlags) Set(v string) error { *f = append(*f, v); return nil }

func main() {
	addr := flag.String("addr", "localhost:8815", "Flight server address")
	model := flag.String("model", "", "Model name")
	value := flag.Float64("value", 0, "Value to fill every input with")
	topK := flag.Int("top", 5, "Print the top-k entries of each output")
	list := flag.Bool("list", false, "List served models and exit")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	var inputs inputFlags
	flag.Var(&inputs, "input", "Input as name:d0,d1,...; repeatable")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := flightrpc.NewFlightClient(*addr)
	if err := client.Connect(ctx); err != nil {
		log.Fatalf("connect %s: %v", *addr, err)
	}
	defer client.Close()

	if *list {
		models, err := client.Models(ctx)
		if err != nil {
			log.Fatalf("list models: %v", err)
		}
		for _, m := range models {
			fmt.Println(m)
		}
		return
	}

	if *model == "" || len(inputs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: xinfer_predict -model name -input name:1,3,224,224 [-input ...]")
		os.Exit(2)
	}

	req := make(map[string]tensor.Tensor, len(inputs))
	for _, arg := range inputs {
		name, t, err := parseInput(arg, float32(*value))
		if err != nil {
			log.Fatalf("input %q: %v", arg, err)
		}
		req[name] = t
	}

	start := time.Now()
	outputs, err := client.Predict(ctx, *model, req)
	if err != nil {
		log.Fatalf("predict: %v", err)
	}
	fmt.Printf("model %s answered in %v\n", *model, time.Since(start).Round(time.Microsecond))

	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		out := outputs[name]
		fmt.Printf("\n%s shape=%v\n", name, out.Shape)
		for rank, idx := range top(out.Data, *topK) {
			fmt.Printf("  %d. [%d] %.6f\n", rank+1, idx, out.Data[idx])
		}
	}
}

func parseInput(arg string, fill float32) (string, tensor.Tensor, error) {
	name, dims, ok := strings.Cut(arg, ":")
	if !ok || name == "" {
		return "", tensor.Tensor{}, fmt.Errorf("want name:d0,d1,...")
	}
	var shape []int64
	for _, d := range strings.Split(dims, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(d), 10, 64)
		if err != nil {
			return "", tensor.Tensor{}, fmt.Errorf("bad dim %q: %w", d, err)
		}
		shape = append(shape, n)
	}
	t, err := tensor.Zeros(shape)
	if err != nil {
		return "", tensor.Tensor{}, err
	}
	if fill != 0 {
		for i := range t.Data {
			t.Data[i] = fill
		}
	}
	return name, t, nil
}

// top returns indices of the k largest values, largest first.
func top(data []float32, k int) []int {
	idx := make([]int, len(data))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		switch {
		case data[a] > data[b]:
			return -1
		case data[a] < data[b]:
			return 1
		}
		return 0
	})
	if k < len(idx) {
		idx = idx[:k]
	}
	return idx
}
