/*
 *	Copyright 2025 Pluralis Research
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// asyncpp-train trains a small dense network with pipeline parallelism over
// an in-process fabric. By default it generates synthetic linear-regression
// data and learns the generating coefficients back; pass -csv to train on
// your own data instead.
//
// The model is cut into -stages partitions. The schedule is asynchronous by
// default, keeping -window microbatches in flight and stepping on every one
// of them; -schedule=sync switches to the synchronous schedule, accumulating
// -accumulate microbatches per optimizer step.
//
// Examples:
//
//	asyncpp-train -stages=3 -window=4 -epochs=20
//	asyncpp-train -schedule=sync -accumulate=8 -hidden=32,16 -activation=relu
//	asyncpp-train -hidden= -stages=1 -epochs=50 -set="learning_rate=0.01"
//	asyncpp-train -csv=data.csv -csv_features=x0,x1,x2 -csv_target=y \
//	    -checkpoint=~/run1 -plot=~/run1/loss.svg
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/PluralisResearch/AsyncPP/datasets"
	"github.com/PluralisResearch/AsyncPP/layers"
	"github.com/PluralisResearch/AsyncPP/losses"
	"github.com/PluralisResearch/AsyncPP/optimizers"
	"github.com/PluralisResearch/AsyncPP/pipeline"
	"github.com/PluralisResearch/AsyncPP/transport"
	"github.com/PluralisResearch/AsyncPP/transport/local"
	"github.com/PluralisResearch/AsyncPP/types"
	"github.com/PluralisResearch/AsyncPP/types/shapes"
	"github.com/PluralisResearch/AsyncPP/types/tensors"
	"github.com/PluralisResearch/AsyncPP/types/xslices"
	"github.com/PluralisResearch/AsyncPP/ui/commandline"
	"github.com/PluralisResearch/AsyncPP/ui/plots"
)

var (
	// Synthetic data generation, ignored when -csv is given.
	flagNumExamples = flag.Int("num_examples", 1000, "Number of synthetic examples to generate")
	flagNumFeatures = flag.Int("num_features", 4, "Number of features in the synthetic data")
	flagNoise       = flag.Float64("noise", 0.2, "Noise in synthetic data generation")

	// CSV input.
	flagCSV = flag.String("csv", "", "Train on the given CSV file instead of synthetic data")
	flagCSVFeatures = xslices.Flag("csv_features", []string(nil),
		"Comma-separated feature columns of the -csv file",
		func(v string) (string, error) { return v, nil })
	flagCSVTarget = flag.String("csv_target", "", "Target column of the -csv file")

	// Model.
	flagHidden = xslices.Flag("hidden", []int{8, 8},
		"Comma-separated hidden layer sizes; -hidden= (empty) trains a pure linear model", strconv.Atoi)
	flagActivation = flag.String("activation", "tanh",
		fmt.Sprintf("Activation between hidden layers, one of %v", xslices.SortedKeys(layers.KnownActivations)))

	// Pipeline.
	flagStages     = flag.Int("stages", 2, "Number of pipeline stages to cut the model into")
	flagSchedule   = flag.String("schedule", "async", "Pipeline schedule, \"async\" or \"sync\"")
	flagWindow     = flag.Int("window", 2, "In-flight microbatch window for -schedule=async")
	flagAccumulate = flag.Int("accumulate", 4, "Microbatches accumulated per step for -schedule=sync")
	flagMaxStaleness = flag.Int64("max_staleness", -1,
		"Fail on gradients staler than this many versions, -1 disables the check")
	flagWeightStashing = flag.Bool("weight_stashing", false,
		"Stash weights per in-flight microbatch so backward reuses the version forward saw")
	flagTrace = flag.Bool("trace", false, "Record the executed schedule and print its head at the end")

	// Training.
	flagBatchSize  = flag.Int("batch_size", 32, "Microbatch size")
	flagEpochs     = flag.Int("epochs", 10, "Number of passes over the training data")
	flagOptimizer  = flag.String("optimizer", "nadamw",
		fmt.Sprintf("Optimizer, one of %v", xslices.SortedKeys(optimizers.KnownOptimizers)))
	flagLoss       = flag.String("loss", "mse", "Loss, one of \"mse\", \"mae\" or \"huber\"")
	flagHuberDelta = flag.Float64("huber_delta", 1.0, "Transition point for -loss=huber")
	flagSeed       = flag.Int64("seed", 42, "Seed for data generation, shuffling and weight initialization")

	// Outputs.
	flagCheckpoint = flag.String("checkpoint", "",
		"Directory to checkpoint to; resumes from it when it already holds checkpoints. Empty disables")
	flagKeep      = flag.Int("keep", 3, "Number of checkpoints to keep in the -checkpoint directory")
	flagPlot      = flag.String("plot", "", "Path to render an SVG loss plot to, empty disables")
	flagPlotEvery = flag.Int("plot_every", 1, "Sample every n-th microbatch into the loss plot")
)

// hyperparameters are the optimizer settings adjustable with -set. The
// defaults mirror each optimizer's own; only the ones explicitly set are
// applied, so picking -optimizer=sgd keeps SGD's defaults.
var hyperparameters = map[string]any{
	"learning_rate": optimizers.NAdamWDefaultLearningRate,
	"beta1":         0.9,
	"beta2":         0.999,
	"epsilon":       optimizers.NAdamWDefaultEpsilon,
	"momentum":      optimizers.NAdamWDefaultMomentum,
	"weight_decay":  0.0,
	"clip_norm":     0.0,
	"warmup_steps":  0,
	"cosine_steps":  0,
	"cosine_min":    0.1,
}

var flagSettings = commandline.CreateSettingsFlag(hyperparameters, "")

func main() {
	flag.Parse()
	settingsSet := must.M1(commandline.ParseSettings(hyperparameters, *flagSettings))
	if len(settingsSet) > 0 {
		fmt.Printf("Hyperparameters set:\n%s\n\n", commandline.SprintModifiedSettings(hyperparameters, settingsSet))
	}
	rng := rand.New(rand.NewSource(*flagSeed))

	// Data: CSV file or synthetic linear model.
	var ds *datasets.InMemory
	var trueCoefficients *tensors.Tensor
	var trueBias float64
	numFeatures := *flagNumFeatures
	if *flagCSV != "" {
		if len(*flagCSVFeatures) == 0 || *flagCSVTarget == "" {
			klog.Fatalf("-csv requires -csv_features and -csv_target")
		}
		f := must.M1(os.Open(*flagCSV))
		ds = must.M1(datasets.FromCSV(filepath.Base(*flagCSV), f, *flagCSVFeatures, *flagCSVTarget))
		must.M(f.Close())
		numFeatures = len(*flagCSVFeatures)
	} else {
		ds, trueCoefficients, trueBias = datasets.Linear(rng, numFeatures, *flagNumExamples, *flagNoise)
		fmt.Printf("Target coefficients: %0.5v\n", tensorValues(trueCoefficients))
		fmt.Printf("Target bias: %0.5v\n\n", trueBias)
	}
	ds.BatchSize(*flagBatchSize, true).Shuffle().WithRand(rng)
	mbPerEpoch := ds.NumExamples() / *flagBatchSize
	if mbPerEpoch == 0 {
		klog.Fatalf("Batch size %d larger than the dataset (%d examples)", *flagBatchSize, ds.NumExamples())
	}
	fmt.Printf("Training data: %s examples, %d features, %s microbatches/epoch\n\n",
		humanize.Comma(int64(ds.NumExamples())), numFeatures, humanize.Comma(int64(mbPerEpoch)))

	// Model, cut into per-stage partitions.
	model := buildModel(rng, numFeatures)
	if len(model) < *flagStages {
		klog.Fatalf("Model has %d module(s), cannot cut into %d stages -- add hidden layers or lower -stages",
			len(model), *flagStages)
	}
	partitions := layers.Partition(model, *flagStages)
	modules := xslices.Map(partitions, func(s *layers.Sequential) pipeline.Module { return s })

	var policy pipeline.SchedulePolicy
	switch *flagSchedule {
	case "async":
		policy = pipeline.Asynchronous(*flagWindow)
	case "sync":
		policy = pipeline.Synchronous(*flagAccumulate)
	default:
		klog.Fatalf("Unknown -schedule %q, want \"async\" or \"sync\"", *flagSchedule)
	}

	var loss pipeline.LossFunc
	switch *flagLoss {
	case "mse":
		loss = losses.MeanSquaredError
	case "mae":
		loss = losses.MeanAbsoluteError
	case "huber":
		loss = losses.MakeHuberLoss(*flagHuberDelta)
	default:
		klog.Fatalf("Unknown -loss %q, want \"mse\", \"mae\" or \"huber\"", *flagLoss)
	}

	fabric := local.NewFabric(*flagStages, policy.Window)
	transports := make([]transport.Transport, *flagStages)
	for rank := range transports {
		transports[rank] = fabric.Endpoint(transport.Rank(rank))
	}

	config := pipeline.Build(transports, modules, loss).
		Policy(policy).
		Optimizer(buildOptimizer(*flagOptimizer, hyperparameters, types.SetWith(settingsSet...))).
		MaxStaleness(*flagMaxStaleness).
		WeightStashing(*flagWeightStashing)
	var trace *pipeline.TraceRecorder
	if *flagTrace {
		trace = pipeline.NewTraceRecorder()
		config.Trace(trace)
	}
	coord := config.Done()

	if *flagCheckpoint != "" {
		checkpoint := must.M1(pipeline.Checkpoints(coord).Dir(*flagCheckpoint).Keep(*flagKeep).Done())
		if must.M1(checkpoint.HasCheckpoints()) {
			fmt.Printf("Resuming from checkpoint in %s\n", checkpoint.Dir())
		}
	}
	if *flagPlot != "" || *flagCheckpoint != "" {
		ps := plots.AttachLossPlot(coord, *flagPlot, *flagPlotEvery)
		if *flagCheckpoint != "" {
			must.M1(ps.WithFile(filepath.Join(*flagCheckpoint, plots.TrainingPlotFileName)))
		}
	}
	commandline.AttachProgressBar(coord, mbPerEpoch * *flagEpochs)

	if err := coord.RunEpochs(ds, *flagEpochs); err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}

	fmt.Println()
	must.M(commandline.ReportRun(os.Stdout, coord))

	// With a pure linear model the learned weights are directly comparable to
	// the generating coefficients.
	if trueCoefficients != nil && len(*flagHidden) == 0 {
		learned := model[0].Parameters()
		fmt.Printf("\nLearned coefficients: %0.5v\n", tensorValues(learned[0]))
		fmt.Printf("Learned bias: %0.5v\n", tensorValues(learned[1]))
	}

	if trace != nil {
		entries := trace.All()
		fmt.Printf("\nSchedule trace, %s entries. First ones:\n", humanize.Comma(int64(len(entries))))
		for _, entry := range entries[:min(len(entries), 20)] {
			fmt.Printf("  %s\n", entry)
		}
	}
}

// buildModel assembles the full layer list: a Dense per hidden dimension,
// activations in between, and a final Dense projecting to the scalar target.
func buildModel(rng *rand.Rand, numFeatures int) []layers.Module {
	activation := layers.MustActivationByName(*flagActivation)
	var modules []layers.Module
	inputDim := numFeatures
	for _, dim := range *flagHidden {
		modules = append(modules, layers.NewDense(rng, shapes.Float64, inputDim, dim), activation)
		inputDim = dim
	}
	return append(modules, layers.NewDense(rng, shapes.Float64, inputDim, 1))
}

// buildOptimizer configures the optimizer selected with -optimizer. Only the
// hyperparameters in keysSet are applied, everything else keeps the
// optimizer's own default.
func buildOptimizer(name string, params map[string]any, keysSet types.Set[string]) optimizers.Factory {
	schedule := buildSchedule(params)
	switch name {
	case "nadamw":
		config := optimizers.NAdamW()
		if keysSet.Has("learning_rate") {
			config.LearningRate(params["learning_rate"].(float64))
		}
		if keysSet.Has("beta1") || keysSet.Has("beta2") {
			config.Betas(params["beta1"].(float64), params["beta2"].(float64))
		}
		if keysSet.Has("epsilon") {
			config.Epsilon(params["epsilon"].(float64))
		}
		if keysSet.Has("momentum") {
			config.Momentum(params["momentum"].(float64))
		}
		if keysSet.Has("weight_decay") {
			config.WeightDecay(params["weight_decay"].(float64))
		}
		if keysSet.Has("clip_norm") {
			config.ClipNorm(params["clip_norm"].(float64))
		}
		if schedule != nil {
			config.LearningRateSchedule(schedule)
		}
		return config
	case "sgd":
		config := optimizers.SGD()
		if keysSet.Has("learning_rate") {
			config.LearningRate(params["learning_rate"].(float64))
		}
		if keysSet.Has("momentum") {
			config.Momentum(params["momentum"].(float64))
		}
		if keysSet.Has("weight_decay") {
			config.WeightDecay(params["weight_decay"].(float64))
		}
		if keysSet.Has("clip_norm") {
			config.ClipNorm(params["clip_norm"].(float64))
		}
		if schedule != nil {
			config.LearningRateSchedule(schedule)
		}
		return config
	}
	klog.Fatalf("Unknown -optimizer %q, known ones are %v", name, xslices.SortedKeys(optimizers.KnownOptimizers))
	return nil
}

// buildSchedule assembles the learning rate schedule from the warmup and
// cosine hyperparameters. Zero step counts (the defaults) disable the
// corresponding part; nil means constant.
func buildSchedule(params map[string]any) optimizers.Schedule {
	var schedules []optimizers.Schedule
	if warmup := params["warmup_steps"].(int); warmup > 0 {
		schedules = append(schedules, optimizers.LinearWarmup(int64(warmup)))
	}
	if cosine := params["cosine_steps"].(int); cosine > 0 {
		schedules = append(schedules, optimizers.CosineAnnealing(int64(cosine), params["cosine_min"].(float64)))
	}
	if len(schedules) == 0 {
		return nil
	}
	return optimizers.ChainSchedules(schedules...)
}

// tensorValues copies out the flat values of a Float64 tensor.
func tensorValues(t *tensors.Tensor) []float64 {
	var values []float64
	tensors.ConstFlatData(t, func(flat []float64) {
		values = slices.Clone(flat)
	})
	return values
}
