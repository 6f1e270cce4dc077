package engine

import (
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/tsawler/go-flowers/checkpoints"
	"github.com/tsawler/go-flowers/memory"
	"github.com/tsawler/go-flowers/vision/preprocessing"
)

var testClasses = []string{"daisy", "roses", "tulips"}

func testImage(seed uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{uint8(x*6) + seed, uint8(y * 8), seed, 255})
		}
	}
	return img
}

func writeTestJPEG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatal(err)
	}
}

// saveTestModel writes a 16px model to dir/name and returns it in eval mode
func saveTestModel(t *testing.T, dir, name string, classes []string) *ClassifierModel {
	t.Helper()
	model := newTestModel(t, len(classes), 16)
	if err := model.Save(filepath.Join(dir, name), classes); err != nil {
		t.Fatalf("Failed to save model: %v", err)
	}
	model.Eval()
	return model
}

func newTestEngine(dir string, classNames []string) *InferenceEngine {
	return NewInferenceEngine(InferenceConfig{
		WeightsDir: dir,
		ClassNames: classNames,
		Logger:     log.New(io.Discard, "", 0),
	})
}

func TestInferenceEnginePredict(t *testing.T) {
	dir := t.TempDir()
	saveTestModel(t, dir, "model_01.pth", testClasses)
	ie := newTestEngine(dir, nil)

	if ie.Loaded() != "" {
		t.Fatal("Engine should start with no model")
	}

	before := memory.GetGlobalMemoryManager().Live()
	prediction, err := ie.Predict(testImage(10), "model_01.pth")
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if live := memory.GetGlobalMemoryManager().Live(); live != before {
		t.Errorf("Expected all buffers returned, %d still live", live-before)
	}

	var sum float64
	for _, name := range testClasses {
		p, ok := prediction.Probabilities[name]
		if !ok {
			t.Errorf("Missing class %s", name)
		}
		if p < 0 || p > 1 {
			t.Errorf("Probability for %s out of range: %f", name, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > 1e-4 {
		t.Errorf("Probabilities sum to %f", sum)
	}

	if len(prediction.Ranked) != len(testClasses) {
		t.Fatalf("Expected %d ranked entries, got %d", len(testClasses), len(prediction.Ranked))
	}
	for i := 1; i < len(prediction.Ranked); i++ {
		if prediction.Ranked[i].Probability > prediction.Ranked[i-1].Probability {
			t.Errorf("Ranking not descending: %v", prediction.Ranked)
		}
	}
	if prediction.Top() != prediction.Ranked[0] {
		t.Error("Top should be the first ranked entry")
	}

	if ie.Loaded() != "model_01.pth" {
		t.Errorf("Expected model_01.pth loaded, got %q", ie.Loaded())
	}
	if ie.LastDuration() != prediction.Elapsed {
		t.Errorf("LastDuration %v does not match prediction %v", ie.LastDuration(), prediction.Elapsed)
	}
	if names := ie.ClassNames(); len(names) != 3 || names[1] != "roses" {
		t.Errorf("Unexpected class names %v", names)
	}
}

func TestInferenceMatchesModel(t *testing.T) {
	dir := t.TempDir()
	model := saveTestModel(t, dir, "model_01.pth", testClasses)
	img := testImage(60)

	pixels, err := preprocessing.NewImageProcessor(16).Preprocess(img)
	if err != nil {
		t.Fatal(err)
	}
	x, err := memory.FromSlice(pixels.Data().([]float32), 1, 3, 16, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer x.Release()
	logits, err := model.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	defer logits.Release()

	best, bestIdx := logits.Data()[0], 0
	for i, v := range logits.Data() {
		if v > best {
			best, bestIdx = v, i
		}
	}

	first, err := newTestEngine(dir, nil).Predict(img, "model_01.pth")
	if err != nil {
		t.Fatal(err)
	}
	second, err := newTestEngine(dir, nil).Predict(img, "model_01.pth")
	if err != nil {
		t.Fatal(err)
	}

	if first.Top().Class != testClasses[bestIdx] {
		t.Errorf("Expected top class %s, got %s", testClasses[bestIdx], first.Top().Class)
	}
	for name, p := range first.Probabilities {
		if second.Probabilities[name] != p {
			t.Errorf("Class %s: %f vs %f across engines", name, p, second.Probabilities[name])
		}
	}
}

func TestInferenceEngineClassify(t *testing.T) {
	dir := t.TempDir()
	saveTestModel(t, dir, "model_01.pth", testClasses)
	ie := newTestEngine(dir, nil)

	imagePath := filepath.Join(t.TempDir(), "flower.jpg")
	writeTestJPEG(t, imagePath, testImage(30))

	prediction, err := ie.Classify(imagePath, "model_01.pth")
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if len(prediction.Probabilities) != 3 {
		t.Errorf("Expected 3 probabilities, got %d", len(prediction.Probabilities))
	}

	t.Run("UnreadableImage", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.jpg")
		if err := os.WriteFile(bad, []byte("not a jpeg"), 0644); err != nil {
			t.Fatal(err)
		}
		var decodeErr *preprocessing.DecodeError
		if _, err := ie.Classify(bad, "model_01.pth"); !errors.As(err, &decodeErr) {
			t.Errorf("Expected DecodeError, got %v", err)
		}
	})
}

func TestInferenceEngineModelSwitching(t *testing.T) {
	dir := t.TempDir()
	saveTestModel(t, dir, "model_01.pth", testClasses)
	saveTestModel(t, dir, "model_02.pth", []string{"a", "b"})
	ie := newTestEngine(dir, nil)

	if _, err := ie.Predict(testImage(1), "missing.pth"); !errors.Is(err, checkpoints.ErrModelNotFound) {
		t.Fatalf("Expected ErrModelNotFound, got %v", err)
	}
	if ie.Loaded() != "" {
		t.Errorf("Failed load should leave nothing loaded, got %q", ie.Loaded())
	}

	if _, err := ie.Predict(testImage(1), "model_01.pth"); err != nil {
		t.Fatal(err)
	}
	if _, err := ie.Predict(testImage(1), "missing.pth"); !errors.Is(err, checkpoints.ErrModelNotFound) {
		t.Fatalf("Expected ErrModelNotFound, got %v", err)
	}
	if ie.Loaded() != "model_01.pth" {
		t.Errorf("Failed load replaced the model: %q", ie.Loaded())
	}

	prediction, err := ie.Predict(testImage(1), "model_02.pth")
	if err != nil {
		t.Fatal(err)
	}
	if ie.Loaded() != "model_02.pth" || len(prediction.Ranked) != 2 {
		t.Errorf("Expected switch to the 2-class model, got %q with %d classes", ie.Loaded(), len(prediction.Ranked))
	}
}

func TestInferenceEngineClassNameOverride(t *testing.T) {
	dir := t.TempDir()
	saveTestModel(t, dir, "model_01.pth", testClasses)

	t.Run("Matching", func(t *testing.T) {
		ie := newTestEngine(dir, []string{"x", "y", "z"})
		prediction, err := ie.Predict(testImage(5), "model_01.pth")
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := prediction.Probabilities["z"]; !ok {
			t.Errorf("Expected override names, got %v", prediction.Probabilities)
		}
	})

	t.Run("CountMismatch", func(t *testing.T) {
		ie := newTestEngine(dir, []string{"x", "y"})
		if _, err := ie.Predict(testImage(5), "model_01.pth"); !errors.Is(err, checkpoints.ErrModelMismatch) {
			t.Errorf("Expected ErrModelMismatch, got %v", err)
		}
		if ie.Loaded() != "" {
			t.Errorf("Mismatch should leave nothing loaded, got %q", ie.Loaded())
		}
	})
}
