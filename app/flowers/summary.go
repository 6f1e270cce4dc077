package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"

	"github.com/google/subcommands"

	"github.com/tsawler/go-flowers/engine"
	"github.com/tsawler/go-flowers/training"
)

type SummaryCommand struct {
	classes   int
	imageSize int
	out       io.Writer
}

var _ subcommands.Command = (*SummaryCommand)(nil)

func (*SummaryCommand) Name() string {
	return "summary"
}

func (*SummaryCommand) Synopsis() string {
	return "Print the model architecture and the compute device"
}

func (*SummaryCommand) Usage() string {
	return `summary [-classes N] [-size S]:
  Print the classifier layers, parameter counts and the device training would use.
`
}

func (c *SummaryCommand) SetFlags(f *flag.FlagSet) {
	f.IntVar(&c.classes, "classes", engine.DefaultNumClasses, "Number of output classes")
	f.IntVar(&c.imageSize, "size", training.DefaultTrainerConfig().ImageSize, "Square input size, a multiple of 16")
}

func (c *SummaryCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	spec, err := engine.FlowerModelSpec(c.classes, c.imageSize)
	if err != nil {
		log.Printf("Error: %v", err)
		return subcommands.ExitFailure
	}

	training.NewModelArchitecturePrinter("ClassifierModel", c.out).PrintArchitecture(spec)
	fmt.Fprint(c.out, spec.Summary())
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, engine.SelectDevice())
	return subcommands.ExitSuccess
}
