// Copyright 2025 The ConvKit Authors. SPDX-License-Identifier: Apache-2.0

// convbench measures the throughput of the convolution executors on the
// simplego reference engine.
//
// Example:
//
//	convbench -variant=forward -batch=8 -size=64 -channels=16 -filters=32 -steps=50
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/convkit/convkit/backends"
	"github.com/convkit/convkit/backends/simplego"
	"github.com/convkit/convkit/ml/layers/conv"
	"github.com/convkit/convkit/types/shapes"
	"github.com/convkit/convkit/types/tensors"
	"github.com/convkit/convkit/types/tensors/layouts"
)

var (
	flagVariant  = flag.String("variant", "forward", "Convolution variant to benchmark: forward, transposed or separable.")
	flagBatch    = flag.Int("batch", 8, "Batch size.")
	flagSize     = flag.Int("size", 32, "Spatial size of the (square) input.")
	flagChannels = flag.Int("channels", 16, "Number of input channels.")
	flagFilters  = flag.Int("filters", 32, "Number of output channels (filters).")
	flagKernel   = flag.Int("kernel", 3, "Kernel size, the same for both spatial axes.")
	flagStride   = flag.Int("stride", 1, "Stride, the same for both spatial axes.")
	flagPadding  = flag.String("padding", "same", "Padding mode: valid or same.")
	flagBias     = flag.Bool("bias", true, "Include a bias term.")
	flagRelu     = flag.Bool("relu", true, "Apply a relu activation.")
	flagSteps    = flag.Int("steps", 20, "Number of timed executions.")
	flagSeed     = flag.Int64("seed", 42, "Seed for the random inputs and weights.")
)

// randomStore is a conv.VariableStore creating variables filled with uniform
// random values, ignoring initializers.
type randomStore struct {
	rng  *rand.Rand
	vars map[string]*tensors.Tensor
}

func (s *randomStore) Variable(name string, shape shapes.Shape, _ conv.Initializer) *tensors.Tensor {
	if v, found := s.vars[name]; found {
		return v
	}
	v := tensors.FromShape(shape)
	flat := tensors.MutableFlatData[float32](v)
	for ii := range flat {
		flat[ii] = s.rng.Float32()*2 - 1
	}
	s.vars[name] = v
	return v
}

func main() {
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %v. See 'convbench -help'.", flag.Args())
		os.Exit(1)
	}

	store := &randomStore{rng: rand.New(rand.NewSource(*flagSeed)), vars: make(map[string]*tensors.Tensor)}
	input := store.Variable("input", shapes.Make(dtypes.Float32, *flagBatch, *flagSize, *flagSize, *flagChannels), nil)

	build := func() (*tensors.Tensor, error) {
		builder := conv.Convolution(store, input).
			WithEngine(simplego.New()).
			ChannelsAxis(layouts.ChannelsLast).
			Filters(*flagFilters).
			KernelSize(*flagKernel).
			Strides(*flagStride).
			UseBias(*flagBias)
		if *flagPadding == "same" {
			builder.PadSame()
		}
		if *flagRelu {
			builder.Activation(backends.ActivationRelu)
		}
		switch *flagVariant {
		case "forward":
			// The default variant.
		case "transposed":
			builder.Transposed()
		case "separable":
			builder.Separable(1)
		default:
			klog.Errorf("Unknown -variant=%q, must be forward, transposed or separable.", *flagVariant)
			os.Exit(1)
		}
		return builder.Done()
	}

	// Warm-up run, also sanity-checking the configuration.
	output := must.M1(build())

	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("%s %s -> %s", *flagVariant, input.Shape(), output.Shape())),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount())
	start := time.Now()
	for step := 0; step < *flagSteps; step++ {
		_ = must.M1(build())
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)
	must.M(bar.Finish())
	fmt.Println()

	perStep := elapsed / time.Duration(*flagSteps)
	elementsPerSecond := float64(output.Size()) / perStep.Seconds()
	fmt.Printf("input:  %s (%s)\n", input.Shape(), humanize.IBytes(uint64(input.Shape().Memory())))
	fmt.Printf("output: %s (%s)\n", output.Shape(), humanize.IBytes(uint64(output.Shape().Memory())))
	fmt.Printf("%s/step, %s output elements/s\n", perStep.Round(time.Microsecond),
		humanize.SIWithDigits(elementsPerSecond, 1, ""))
}
