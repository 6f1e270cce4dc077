package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/training"
)

type TrainCommand struct {
	dataDir    string
	modelFile  string
	weightsDir string
	epochs     int
	batchSize  int
	imageSize  int
	seed       int64
	optimizer  string
	lr         float64
	momentum   float64
	failOnBad  bool
	quiet      bool
	out        io.Writer
}

var _ subcommands.Command = (*TrainCommand)(nil)

func (*TrainCommand) Name() string {
	return "train"
}

func (*TrainCommand) Synopsis() string {
	return "Train the classifier on an image-folder dataset"
}

func (*TrainCommand) Usage() string {
	return `train -data DIR [-model model_01.pth] [-epochs N] [-batch B] [-size S] [-optimizer adam|sgd] [-weights DIR]:
  Train a new model on DIR, which holds one subdirectory of images per class.
`
}

func (c *TrainCommand) SetFlags(f *flag.FlagSet) {
	defaults := training.DefaultTrainerConfig()
	f.StringVar(&c.dataDir, "data", "", "Dataset root with one folder per class")
	f.StringVar(&c.modelFile, "model", "model_01.pth", "Weights file name, written under -weights")
	f.StringVar(&c.weightsDir, "weights", defaults.WeightsDir, "Directory for weights files")
	f.IntVar(&c.epochs, "epochs", defaults.Epochs, "Number of epochs")
	f.IntVar(&c.batchSize, "batch", defaults.BatchSize, "Batch size")
	f.IntVar(&c.imageSize, "size", defaults.ImageSize, "Square input size, a multiple of 16")
	f.StringVar(&c.optimizer, "optimizer", defaults.Optimizer, "Optimizer: adam or sgd")
	f.Float64Var(&c.lr, "lr", float64(defaults.LearningRate), "Learning rate")
	f.Float64Var(&c.momentum, "momentum", 0, "Momentum for sgd")
	f.Int64Var(&c.seed, "seed", 0, "Seed for initialisation and shuffling (0 = random)")
	f.BoolVar(&c.failOnBad, "strict", false, "Fail on unreadable images instead of skipping them")
	f.BoolVar(&c.quiet, "quiet", false, "Only print epoch summaries")
}

func (c *TrainCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.dataDir == "" {
		log.Printf("Error: -data is required")
		return subcommands.ExitUsageError
	}
	if err := c.executeErr(ctx); err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (c *TrainCommand) executeErr(ctx context.Context) error {
	config := training.DefaultTrainerConfig()
	config.Epochs = c.epochs
	config.BatchSize = c.batchSize
	config.ImageSize = c.imageSize
	config.Optimizer = c.optimizer
	config.LearningRate = float32(c.lr)
	config.Momentum = float32(c.momentum)
	config.WeightsDir = c.weightsDir
	config.ModelSeed = c.seed
	config.ShuffleSeed = c.seed
	config.SkipUnreadable = !c.failOnBad
	config.Logger = log.New(os.Stderr, "training: ", log.LstdFlags)

	trainer, err := training.NewTrainer(config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	events := make(chan training.Progress, 256)
	reporter := training.NewChannelReporter(events)

	type result struct {
		history *training.History
		err     error
	}
	done := make(chan result, 1)
	go func() {
		history, err := trainer.Train(ctx, c.dataDir, c.modelFile, reporter)
		close(events)
		done <- result{history, err}
	}()

	c.render(events)
	res := <-done
	if res.err != nil {
		return errors.Wrap(res.err, "training failed")
	}

	if dropped := reporter.Dropped(); dropped > 0 {
		log.Printf("%d progress notifications were dropped", dropped)
	}
	last := res.history.Epochs() - 1
	fmt.Fprintf(c.out, "Final: train loss %.4f, val loss %.4f, train acc %.2f%%, val acc %.2f%%\n",
		res.history.TrainLoss[last], res.history.ValLoss[last],
		res.history.TrainAccuracy[last], res.history.ValAccuracy[last])
	return nil
}

// render draws batch events on a progress bar and prints every other status
func (c *TrainCommand) render(events <-chan training.Progress) {
	var bar *training.ProgressBar
	var barState training.State
	for p := range events {
		if p.Steps > 0 {
			if c.quiet {
				continue
			}
			if bar == nil || p.Step == 1 || p.State != barState {
				if bar != nil {
					fmt.Fprintln(c.out)
				}
				bar = training.NewProgressBar(c.out, fmt.Sprintf("%s %3.0f%%", p.State, p.TotalCompletion), p.Steps)
				barState = p.State
			}
			bar.Update(p.Step, nil)
			continue
		}
		if bar != nil {
			fmt.Fprintln(c.out)
			bar = nil
		}
		fmt.Fprintln(c.out, p.Status)
	}
	if bar != nil {
		fmt.Fprintln(c.out)
	}
}
