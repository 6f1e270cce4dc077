package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/google/subcommands"

	"github.com/tsawler/go-flowers/engine"
)

type ClassifyCommand struct {
	modelFile  string
	weightsDir string
	classes    string
	out        io.Writer
}

var _ subcommands.Command = (*ClassifyCommand)(nil)

func (*ClassifyCommand) Name() string {
	return "classify"
}

func (*ClassifyCommand) Synopsis() string {
	return "Classify images with a trained model"
}

func (*ClassifyCommand) Usage() string {
	return `classify [-model model_01.pth] [-weights DIR] IMAGE...:
  Print the class probabilities of each image, most likely first.
`
}

func (c *ClassifyCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.modelFile, "model", "model_01.pth", "Weights file name under -weights")
	f.StringVar(&c.weightsDir, "weights", engine.DefaultWeightsDir, "Directory holding weights files")
	f.StringVar(&c.classes, "classes", "", "Comma-separated class names overriding those stored with the model")
}

func (c *ClassifyCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		log.Printf("Error: no images given")
		return subcommands.ExitUsageError
	}

	config := engine.InferenceConfig{
		WeightsDir: c.weightsDir,
		Logger:     log.New(os.Stderr, "engine: ", log.LstdFlags),
	}
	if c.classes != "" {
		config.ClassNames = strings.Split(c.classes, ",")
	}
	ie := engine.NewInferenceEngine(config)

	status := subcommands.ExitSuccess
	for _, path := range f.Args() {
		prediction, err := ie.Classify(path, c.modelFile)
		if err != nil {
			log.Printf("Error: %s: %v", path, err)
			status = subcommands.ExitFailure
			continue
		}
		fmt.Fprintf(c.out, "%s (%v)\n", path, prediction.Elapsed)
		for _, cp := range prediction.Ranked {
			fmt.Fprintf(c.out, "  %-12s %6.2f%%\n", cp.Class, cp.Probability*100)
		}
	}
	return status
}
