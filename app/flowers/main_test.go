package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"
)

func run(t *testing.T, args ...string) (subcommands.ExitStatus, string) {
	t.Helper()
	var out bytes.Buffer
	top := flag.NewFlagSet("flowers", flag.ContinueOnError)
	cdr := newCommander(top, &out)
	if err := top.Parse(args); err != nil {
		t.Fatalf("Failed to parse %v: %v", args, err)
	}
	return cdr.Execute(context.Background()), out.String()
}

func writeJPEG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, nil); err != nil {
		t.Fatal(err)
	}
}

func TestSummaryCommand(t *testing.T) {
	status, out := run(t, "summary", "-classes", "3", "-size", "32")
	if status != subcommands.ExitSuccess {
		t.Fatalf("Expected success, got %v", status)
	}
	for _, want := range []string{"ClassifierModel(", "(fc3): Linear(in_features=64, out_features=3, bias=true)", "CPU"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}

	if status, _ := run(t, "summary", "-size", "20"); status != subcommands.ExitFailure {
		t.Errorf("Expected failure for size 20, got %v", status)
	}
}

func TestTrainAndClassifyCommands(t *testing.T) {
	root := t.TempDir()
	colors := map[string]color.RGBA{
		"blue": {20, 30, 220, 255},
		"red":  {220, 30, 20, 255},
	}
	for name, c := range colors {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 5; i++ {
			writeJPEG(t, filepath.Join(dir, fmt.Sprintf("%s_%d.jpg", name, i)), c)
		}
	}
	weights := filepath.Join(t.TempDir(), "ModelWeights")

	status, out := run(t, "train", "-data", root, "-model", "cli.pth", "-weights", weights,
		"-epochs", "1", "-size", "16", "-seed", "5", "-quiet")
	if status != subcommands.ExitSuccess {
		t.Fatalf("Expected training to succeed, got %v:\n%s", status, out)
	}
	for _, want := range []string{"Found 10 images belonging to 2 classes.", "Epoch 1/1", "Final: train loss"} {
		if !strings.Contains(out, want) {
			t.Errorf("Train output missing %q:\n%s", want, out)
		}
	}

	imagePath := filepath.Join(root, "red", "red_0.jpg")
	status, out = run(t, "classify", "-model", "cli.pth", "-weights", weights, imagePath)
	if status != subcommands.ExitSuccess {
		t.Fatalf("Expected classify to succeed, got %v", status)
	}
	if !strings.Contains(out, imagePath) || !strings.Contains(out, "red") || !strings.Contains(out, "blue") {
		t.Errorf("Unexpected classify output:\n%s", out)
	}

	if status, _ := run(t, "classify", "-model", "absent.pth", "-weights", weights, imagePath); status != subcommands.ExitFailure {
		t.Errorf("Expected failure for a missing model, got %v", status)
	}
	if status, _ := run(t, "train"); status != subcommands.ExitUsageError {
		t.Errorf("Expected usage error without -data, got %v", status)
	}
}
