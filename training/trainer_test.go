package training

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tsawler/go-flowers/checkpoints"
	"github.com/tsawler/go-flowers/engine"
	"github.com/tsawler/go-flowers/memory"
	"github.com/tsawler/go-flowers/vision/dataset"
	"github.com/tsawler/go-flowers/vision/preprocessing"
)

func writeTestJPEG(t *testing.T, path string, base color.RGBA, variant int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 24, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 24; x++ {
			c := base
			c.G = uint8((int(base.G) + variant*7 + x) % 256)
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
}

// createFlowerDataset writes perClass JPEGs for each class; classes differ by
// dominant colour so a few epochs are enough to separate them
func createFlowerDataset(t *testing.T, classes []string, perClass int) string {
	t.Helper()
	root := t.TempDir()
	palette := []color.RGBA{{220, 30, 30, 255}, {30, 30, 220, 255}, {30, 200, 30, 255}}
	for ci, name := range classes {
		dir := filepath.Join(root, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < perClass; i++ {
			writeTestJPEG(t, filepath.Join(dir, fmt.Sprintf("img_%02d.jpg", i)), palette[ci%len(palette)], i)
		}
	}
	return root
}

func testTrainerConfig(t *testing.T, epochs int) TrainerConfig {
	config := DefaultTrainerConfig()
	config.Epochs = epochs
	config.ImageSize = 16
	config.WeightsDir = filepath.Join(t.TempDir(), "ModelWeights")
	config.ShuffleSeed = 7
	config.ModelSeed = 3
	config.Logger = log.New(io.Discard, "", 0)
	return config
}

// recorder collects progress notifications
type recorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *recorder) Report(p Progress) {
	r.mu.Lock()
	r.events = append(r.events, p)
	r.mu.Unlock()
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Status
	}
	return out
}

func TestSplitSizes(t *testing.T) {
	tests := []struct {
		n, train, val, test int
	}{
		{0, 0, 0, 0},
		{1, 0, 0, 1},
		{5, 4, 0, 1},
		{20, 16, 3, 1},
		{100, 80, 15, 5},
		{3670, 2936, 550, 184},
	}
	for _, tt := range tests {
		train, val, test := SplitSizes(tt.n)
		if train != tt.train || val != tt.val || test != tt.test {
			t.Errorf("SplitSizes(%d) = %d/%d/%d, want %d/%d/%d", tt.n, train, val, test, tt.train, tt.val, tt.test)
		}
	}

	for n := 0; n <= 1000; n++ {
		train, val, test := SplitSizes(n)
		if train+val+test != n || test < 0 {
			t.Fatalf("SplitSizes(%d) = %d/%d/%d does not partition", n, train, val, test)
		}
		// train = floor(0.8n), val = floor(0.15n)
		if train*5 > 4*n || (train+1)*5 <= 4*n {
			t.Fatalf("SplitSizes(%d): train %d is not floor(0.8n)", n, train)
		}
		if val*100 > 15*n || (val+1)*100 <= 15*n {
			t.Fatalf("SplitSizes(%d): val %d is not floor(0.15n)", n, val)
		}
	}
}

func TestNewTrainerValidation(t *testing.T) {
	mutate := []struct {
		name string
		fn   func(*TrainerConfig)
	}{
		{"ZeroEpochs", func(c *TrainerConfig) { c.Epochs = 0 }},
		{"ZeroBatch", func(c *TrainerConfig) { c.BatchSize = 0 }},
		{"ZeroLearningRate", func(c *TrainerConfig) { c.LearningRate = 0 }},
		{"NegativeDecay", func(c *TrainerConfig) { c.WeightDecay = -1 }},
		{"OddImageSize", func(c *TrainerConfig) { c.ImageSize = 100 }},
		{"NoWeightsDir", func(c *TrainerConfig) { c.WeightsDir = "" }},
		{"UnknownOptimizer", func(c *TrainerConfig) { c.Optimizer = "lbfgs" }},
		{"NegativeMomentum", func(c *TrainerConfig) { c.Optimizer = OptimizerSGD; c.Momentum = -0.1 }},
	}
	for _, tt := range mutate {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultTrainerConfig()
			tt.fn(&config)
			if _, err := NewTrainer(config); err == nil {
				t.Error("Expected validation error")
			}
		})
	}

	trainer, err := NewTrainer(DefaultTrainerConfig())
	if err != nil {
		t.Fatalf("Default config rejected: %v", err)
	}
	if trainer.State() != Idle {
		t.Errorf("New trainer should be idle, got %s", trainer.State())
	}
}

func TestTrainEndToEnd(t *testing.T) {
	epochs := 80
	if testing.Short() {
		epochs = 3
	}

	root := createFlowerDataset(t, []string{"red", "blue"}, 10)
	config := testTrainerConfig(t, epochs)
	trainer, err := NewTrainer(config)
	if err != nil {
		t.Fatal(err)
	}

	before := memory.GetGlobalMemoryManager().Live()
	rec := &recorder{}
	history, err := trainer.Train(context.Background(), root, "model_01.pth", rec)
	if err != nil {
		t.Fatalf("Training failed: %v", err)
	}
	if live := memory.GetGlobalMemoryManager().Live(); live != before {
		t.Errorf("Expected all buffers returned, %d still live", live-before)
	}

	for name, series := range map[string][]float64{
		"TrainLoss": history.TrainLoss, "TrainAccuracy": history.TrainAccuracy,
		"ValLoss": history.ValLoss, "ValAccuracy": history.ValAccuracy,
	} {
		if len(series) != epochs {
			t.Errorf("%s has %d values, want %d", name, len(series), epochs)
		}
	}
	for i, acc := range history.TrainAccuracy {
		if acc < 0 || acc > 100 {
			t.Errorf("Epoch %d train accuracy out of range: %f", i+1, acc)
		}
	}
	if trainer.State() != Idle {
		t.Errorf("Expected Idle after a successful run, got %s", trainer.State())
	}
	if got := trainer.History(); got.Epochs() != epochs {
		t.Errorf("Trainer history has %d epochs", got.Epochs())
	}

	statuses := strings.Join(rec.statuses(), "\n")
	for _, want := range []string{
		"GPU is not available. Using CPU for training.",
		"Found 20 images belonging to 2 classes.",
		"Class: blue, Index: 0",
		"Class: red, Index: 1",
		"  Training: 1/1 batches | Loss: ",
		"  Validation: 1/1 batches",
		fmt.Sprintf("| Epoch %d/%d | Train Loss: ", epochs, epochs),
		"| ETA: 00:00:00 | Avg epoch: ",
	} {
		if !strings.Contains(statuses, want) {
			t.Errorf("Progress missing %q", want)
		}
	}
	for _, e := range rec.events {
		if e.TotalCompletion < 0 || e.TotalCompletion > 100 || e.EpochCompletion < 0 || e.EpochCompletion > 100 {
			t.Errorf("Completion out of range in %+v", e)
		}
	}

	path := filepath.Join(config.WeightsDir, "model_01.pth")
	model, ckpt, err := engine.LoadClassifierModel(path)
	if err != nil {
		t.Fatalf("Saved weights not loadable: %v", err)
	}
	if model.NumClasses() != 2 || model.ImageSize() != 16 {
		t.Errorf("Expected 2 classes at 16px, got %d at %d", model.NumClasses(), model.ImageSize())
	}
	if names := ckpt.Metadata.ClassNames; len(names) != 2 || names[0] != "blue" || names[1] != "red" {
		t.Errorf("Expected class names [blue red], got %v", names)
	}

	ie := engine.NewInferenceEngine(engine.InferenceConfig{
		WeightsDir: config.WeightsDir,
		Logger:     log.New(io.Discard, "", 0),
	})
	prediction, err := ie.Classify(filepath.Join(root, "red", "img_00.jpg"), "model_01.pth")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if len(prediction.Probabilities) != 2 {
		t.Errorf("Expected 2 probabilities, got %v", prediction.Probabilities)
	}
}

func TestTrainEmptyDataset(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) string
	}{
		{"NoClasses", func(t *testing.T) string { return t.TempDir() }},
		{"EmptyClasses", func(t *testing.T) string {
			root := t.TempDir()
			for _, name := range []string{"daisy", "roses"} {
				if err := os.Mkdir(filepath.Join(root, name), 0755); err != nil {
					t.Fatal(err)
				}
			}
			return root
		}},
		{"NoTrainingSplit", func(t *testing.T) string {
			return createFlowerDataset(t, []string{"daisy"}, 1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trainer, err := NewTrainer(testTrainerConfig(t, 1))
			if err != nil {
				t.Fatal(err)
			}
			_, err = trainer.Train(context.Background(), tt.setup(t), "model.pth", nil)
			if !errors.Is(err, dataset.ErrEmptyDataset) {
				t.Errorf("Expected ErrEmptyDataset, got %v", err)
			}
			if trainer.State() != Failed {
				t.Errorf("Expected Failed, got %s", trainer.State())
			}
		})
	}
}

func TestTrainMissingDataset(t *testing.T) {
	trainer, err := NewTrainer(testTrainerConfig(t, 1))
	if err != nil {
		t.Fatal(err)
	}
	_, err = trainer.Train(context.Background(), filepath.Join(t.TempDir(), "absent"), "model.pth", nil)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected not-exist error, got %v", err)
	}
}

func TestTrainCancelled(t *testing.T) {
	root := createFlowerDataset(t, []string{"red", "blue"}, 5)
	config := testTrainerConfig(t, 5)
	trainer, err := NewTrainer(config)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel as soon as the first epoch summary arrives.
	sink := ReporterFunc(func(p Progress) {
		if strings.Contains(p.Status, "| Epoch 1/") {
			cancel()
		}
	})

	before := memory.GetGlobalMemoryManager().Live()
	_, err = trainer.Train(ctx, root, "model_01.pth", sink)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if live := memory.GetGlobalMemoryManager().Live(); live != before {
		t.Errorf("Expected all buffers returned, %d still live", live-before)
	}

	if trainer.State() != Failed {
		t.Errorf("Expected Failed, got %s", trainer.State())
	}
	if got := trainer.History().Epochs(); got != 1 {
		t.Errorf("Expected the completed epoch to stay readable, got %d epochs", got)
	}
	if _, err := os.Stat(filepath.Join(config.WeightsDir, "model_01.pth")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Cancelled run should not write weights, stat error %v", err)
	}
}

func TestTrainUnreadableSamples(t *testing.T) {
	root := createFlowerDataset(t, []string{"red", "blue"}, 5)
	if err := os.WriteFile(filepath.Join(root, "red", "broken.jpg"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Run("Skip", func(t *testing.T) {
		trainer, err := NewTrainer(testTrainerConfig(t, 2))
		if err != nil {
			t.Fatal(err)
		}
		history, err := trainer.Train(context.Background(), root, "model.pth", nil)
		if err != nil {
			t.Fatalf("Expected unreadable sample to be skipped, got %v", err)
		}
		if history.Epochs() != 2 {
			t.Errorf("Expected 2 epochs, got %d", history.Epochs())
		}
	})

	t.Run("Fail", func(t *testing.T) {
		config := testTrainerConfig(t, 2)
		config.SkipUnreadable = false
		trainer, err := NewTrainer(config)
		if err != nil {
			t.Fatal(err)
		}
		_, err = trainer.Train(context.Background(), root, "model.pth", nil)
		var decodeErr *preprocessing.DecodeError
		if !errors.As(err, &decodeErr) {
			t.Errorf("Expected DecodeError, got %v", err)
		}
	})
}

func TestTrainWithSGD(t *testing.T) {
	root := createFlowerDataset(t, []string{"red", "blue"}, 5)
	config := testTrainerConfig(t, 2)
	config.Optimizer = OptimizerSGD
	config.LearningRate = 0.005
	config.Momentum = 0.5
	var logs bytes.Buffer
	config.Logger = log.New(&logs, "", 0)

	trainer, err := NewTrainer(config)
	if err != nil {
		t.Fatal(err)
	}
	history, err := trainer.Train(context.Background(), root, "model.pth", nil)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if history.Epochs() != 2 {
		t.Errorf("Expected 2 epochs, got %d", history.Epochs())
	}
	if _, err := os.Stat(filepath.Join(config.WeightsDir, "model.pth")); err != nil {
		t.Errorf("Expected weights file: %v", err)
	}
	if !strings.Contains(logs.String(), "optimizer: SGD learning_rate=0.005 momentum=0.5") {
		t.Errorf("Expected SGD state in the log:\n%s", logs.String())
	}
}

func TestTrainWeightsDirError(t *testing.T) {
	root := createFlowerDataset(t, []string{"red", "blue"}, 5)
	config := testTrainerConfig(t, 1)

	// A regular file where the weights directory should be.
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	config.WeightsDir = filepath.Join(blocker, "ModelWeights")

	trainer, err := NewTrainer(config)
	if err != nil {
		t.Fatal(err)
	}
	_, err = trainer.Train(context.Background(), root, "model.pth", nil)
	var ioErr *checkpoints.IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("Expected IOError, got %v", err)
	}
}
