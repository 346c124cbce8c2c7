package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/23skdu/xinfer/internal/plan"
)

func main() {
	planPath := flag.String("plan", "", "Path to execution plan file")
	showOps := flag.Bool("ops", true, "Print the op list")
	flag.Parse()

	if *planPath == "" {
		if flag.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "usage: inspect_plan -plan <file>")
			os.Exit(2)
		}
		*planPath = flag.Arg(0)
	}

	f, err := plan.ReadFile(*planPath)
	if err != nil {
		log.Fatalf("Failed to read plan: %v", err)
	}

	fmt.Printf("Plan:      %s\n", *planPath)
	fmt.Printf("Name:      %s\n", f.Name())
	fmt.Printf("Target:    %s\n", valueOr(f.Target(), "(any)"))
	fmt.Printf("Version:   %d\n", f.Header.Version)
	fmt.Printf("Alignment: %d\n", f.Alignment())
	fmt.Printf("Weights:   %s at offset %d\n", humanize.IBytes(uint64(len(f.Data))), f.DataOffset)

	fmt.Println("\n=== Metadata ===")
	keys := make([]string, 0, len(f.KV))
	for k := range f.KV {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Printf("%-30s | %v\n", k, f.KV[k])
	}

	fmt.Println("\n=== Bindings ===")
	var total uint64
	for i, b := range f.Bindings {
		total += b.SizeBytes()
		fmt.Printf("[%2d] %-6s %-28s %-4s %-20v %s\n",
			i, b.Role, b.Name, b.DType, b.Dims, humanize.IBytes(b.SizeBytes()))
	}
	fmt.Printf("Device memory for bindings: %s\n", humanize.IBytes(total))

	if !*showOps {
		return
	}
	fmt.Println("\n=== Ops ===")
	for i, op := range f.Ops {
		args := make([]string, len(op.Args))
		for j, a := range op.Args {
			if int(a) < len(f.Bindings) {
				args[j] = f.Bindings[a].Name
			} else {
				args[j] = fmt.Sprintf("#%d?", a)
			}
		}
		line := fmt.Sprintf("[%2d] %-8s (%s)", i, op.Kind, strings.Join(args, ", "))
		if len(op.Params) > 0 {
			line += fmt.Sprintf(" params=%v", op.Params)
		}
		if op.WeightCount > 0 {
			line += fmt.Sprintf(" weights=%s x %d @%d", op.WeightType, op.WeightCount, op.WeightOffset)
		}
		fmt.Println(line)
	}
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
