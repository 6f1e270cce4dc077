// Command flowers trains the flower classifier and classifies images with it.
package main

import (
	"context"
	"flag"
	"io"
	"os"

	"github.com/google/subcommands"
)

// newCommander registers every flowers subcommand on a commander parsing
// topLevel and printing results to out
func newCommander(topLevel *flag.FlagSet, out io.Writer) *subcommands.Commander {
	cdr := subcommands.NewCommander(topLevel, topLevel.Name())
	cdr.Register(cdr.HelpCommand(), "")
	cdr.Register(cdr.FlagsCommand(), "")
	cdr.Register(cdr.CommandsCommand(), "")
	cdr.Register(&TrainCommand{out: out}, "")
	cdr.Register(&ClassifyCommand{out: out}, "")
	cdr.Register(&SummaryCommand{out: out}, "")
	return cdr
}

func main() {
	cdr := newCommander(flag.CommandLine, os.Stdout)
	flag.Parse()
	os.Exit(int(cdr.Execute(context.Background())))
}
