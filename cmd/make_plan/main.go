// make_plan writes small demo execution plans for the cpu driver.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"

	"github.com/23skdu/xinfer/internal/plan"
)

func main() {
	out := flag.String("out", "model.plan", "Output path")
	kind := flag.String("kind", "classifier", "Plan kind: classifier or mlp")
	classes := flag.Int64("classes", 1000, "Number of output classes")
	hidden := flag.Int64("hidden", 256, "Hidden width (mlp)")
	f16 := flag.Bool("f16", false, "Store weights as float16 (mlp)")
	seed := flag.Uint64("seed", 42, "Weight seed (mlp)")
	flag.Parse()

	var b *plan.Builder
	switch *kind {
	case "classifier":
		b = classifier(*classes)
	case "mlp":
		dtype := plan.DTypeF32
		if *f16 {
			dtype = plan.DTypeF16
		}
		b = mlp(*hidden, *classes, dtype, *seed)
	default:
		log.Fatalf("unknown kind %q", *kind)
	}

	if err := b.WriteFile(*out); err != nil {
		log.Fatalf("write %s: %v", *out, err)
	}
	fmt.Printf("wrote %s plan to %s\n", *kind, *out)
}

// classifier pools a 1x3x224x224 image straight into class scores.
func classifier(classes int64) *plan.Builder {
	b := plan.NewBuilder("classifier").SetTarget("cpu")
	in := b.Input("input_0", 1, 3, 224, 224)
	out := b.Output("output_layer_name", 1, classes)
	b.Op(plan.OpAvgPool, []uint32{in, out})
	b.Op(plan.OpSoftmax, []uint32{out})
	return b
}

// mlp: avgpool to 3x8x8 features, then linear, relu, linear, softmax.
func mlp(hidden, classes int64, dtype plan.DType, seed uint64) *plan.Builder {
	const features = 3 * 8 * 8
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	b := plan.NewBuilder("mlp").SetTarget("cpu")
	in := b.Input("input_0", 1, 3, 224, 224)
	pooled := b.Output("features", 1, features)
	h := b.Output("hidden", 1, hidden)
	out := b.Output("output_layer_name", 1, classes)

	b.Op(plan.OpAvgPool, []uint32{in, pooled})
	b.Linear(pooled, h, randn(rng, int(hidden*features)), make([]float32, hidden), dtype)
	b.Op(plan.OpReLU, []uint32{h})
	b.Linear(h, out, randn(rng, int(classes*hidden)), make([]float32, classes), dtype)
	b.Op(plan.OpSoftmax, []uint32{out})
	return b
}

func randn(rng *rand.Rand, n int) []float32 {
	w := make([]float32, n)
	for i := range w {
		w[i] = float32(rng.NormFloat64() * 0.05)
	}
	return w
}
