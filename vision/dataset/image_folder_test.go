package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"gorgonia.org/tensor"

	"github.com/tsawler/go-flowers/vision/preprocessing"
)

// writeTestPNG writes a small solid-color PNG
func writeTestPNG(t *testing.T, path string, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 12, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 12; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode PNG: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

// createTestDataset creates a temporary directory structure with test images
func createTestDataset(t *testing.T, classes []string, imagesPerClass int) string {
	t.Helper()
	tempDir := t.TempDir()

	for ci, className := range classes {
		classDir := filepath.Join(tempDir, className)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatalf("Failed to create class directory %s: %v", classDir, err)
		}

		for i := 0; i < imagesPerClass; i++ {
			imagePath := filepath.Join(classDir, fmt.Sprintf("image_%d.png", i))
			writeTestPNG(t, imagePath, color.RGBA{uint8(40 * ci), uint8(10 * i), 200, 255})
		}
	}

	return tempDir
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ImageSize = 16
	return cfg
}

func TestNewImageFolderDataset(t *testing.T) {
	t.Run("ValidDataset", func(t *testing.T) {
		classes := []string{"tulips", "daisy", "roses"}
		tempDir := createTestDataset(t, classes, 4)

		dataset, err := NewImageFolderDataset(tempDir, testConfig())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		if dataset.Len() != 12 {
			t.Errorf("Expected 12 images, got %d", dataset.Len())
		}
		if dataset.NumClasses() != 3 {
			t.Errorf("Expected 3 classes, got %d", dataset.NumClasses())
		}

		want := map[string]int{"daisy": 0, "roses": 1, "tulips": 2}
		if got := dataset.ClassToIndex(); !reflect.DeepEqual(got, want) {
			t.Errorf("Expected class map %v, got %v", want, got)
		}
		if got := dataset.ClassNames(); !reflect.DeepEqual(got, []string{"daisy", "roses", "tulips"}) {
			t.Errorf("Unexpected class names %v", got)
		}

		for _, s := range dataset.Samples() {
			className := filepath.Base(filepath.Dir(s.Path))
			if want[className] != s.Label {
				t.Errorf("Sample %s has label %d, want %d", s.Path, s.Label, want[className])
			}
		}
	})

	t.Run("OrdinalOrder", func(t *testing.T) {
		classes := []string{"alpha", "Zeta", "beta", "Alpha", "_x"}
		tempDir := createTestDataset(t, classes, 1)

		dataset, err := NewImageFolderDataset(tempDir, testConfig())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}

		want := []string{"Alpha", "Zeta", "_x", "alpha", "beta"}
		if got := dataset.ClassNames(); !reflect.DeepEqual(got, want) {
			t.Errorf("Expected byte-ordered classes %v, got %v", want, got)
		}
		for i, name := range want {
			if dataset.ClassToIndex()[name] != i {
				t.Errorf("Class %s expected index %d", name, i)
			}
		}
	})

	t.Run("EmptyClassKeepsIndex", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"a", "c"}, 2)
		if err := os.Mkdir(filepath.Join(tempDir, "b"), 0755); err != nil {
			t.Fatal(err)
		}

		dataset, err := NewImageFolderDataset(tempDir, testConfig())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.NumClasses() != 3 || dataset.Len() != 4 {
			t.Fatalf("Expected 3 classes and 4 samples, got %d and %d", dataset.NumClasses(), dataset.Len())
		}
		if dataset.ClassToIndex()["b"] != 1 || dataset.ClassToIndex()["c"] != 2 {
			t.Errorf("Empty class must still reserve its index: %v", dataset.ClassToIndex())
		}
		if dist := dataset.ClassDistribution(); dist["b"] != 0 || dist["a"] != 2 {
			t.Errorf("Unexpected distribution %v", dist)
		}
		if err := dataset.Validate(); err != nil {
			t.Errorf("Dataset with samples should validate: %v", err)
		}
	})

	t.Run("Extensions", func(t *testing.T) {
		tempDir := t.TempDir()
		classDir := filepath.Join(tempDir, "test_class")
		if err := os.MkdirAll(filepath.Join(classDir, "nested"), 0755); err != nil {
			t.Fatal(err)
		}

		names := []string{"a.jpg", "b.JPG", "c.jpeg", "d.JpEg", "e.png", "f.PNG", "g.gif", "h.bmp", "i.txt", "noext"}
		for _, name := range names {
			if err := os.WriteFile(filepath.Join(classDir, name), []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
		}
		if err := os.WriteFile(filepath.Join(classDir, "nested", "deep.jpg"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		// Files at the root are not classes
		if err := os.WriteFile(filepath.Join(tempDir, "stray.jpg"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}

		dataset, err := NewImageFolderDataset(tempDir, testConfig())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.Len() != 6 {
			var got []string
			for _, s := range dataset.Samples() {
				got = append(got, filepath.Base(s.Path))
			}
			t.Errorf("Expected 6 images, got %d: %v", dataset.Len(), got)
		}
		if dataset.NumClasses() != 1 {
			t.Errorf("Expected 1 class, got %d", dataset.NumClasses())
		}
	})

	t.Run("EmptyRoot", func(t *testing.T) {
		dataset, err := NewImageFolderDataset(t.TempDir(), testConfig())
		if err != nil {
			t.Fatalf("Empty root should load: %v", err)
		}
		if dataset.Len() != 0 || dataset.NumClasses() != 0 {
			t.Errorf("Expected empty dataset, got %d samples %d classes", dataset.Len(), dataset.NumClasses())
		}
		if err := dataset.Validate(); !errors.Is(err, ErrEmptyDataset) {
			t.Errorf("Expected ErrEmptyDataset, got %v", err)
		}
	})

	t.Run("ClassesWithoutImages", func(t *testing.T) {
		tempDir := t.TempDir()
		for _, name := range []string{"x", "y"} {
			if err := os.Mkdir(filepath.Join(tempDir, name), 0755); err != nil {
				t.Fatal(err)
			}
		}
		dataset, err := NewImageFolderDataset(tempDir, testConfig())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if err := dataset.Validate(); !errors.Is(err, ErrEmptyDataset) {
			t.Errorf("Expected ErrEmptyDataset, got %v", err)
		}
	})

	t.Run("MissingRoot", func(t *testing.T) {
		_, err := NewImageFolderDataset(filepath.Join(t.TempDir(), "nope"), testConfig())
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("Expected wrapped os.ErrNotExist, got %v", err)
		}
	})
}

func TestPlan(t *testing.T) {
	tempDir := createTestDataset(t, []string{"a", "b", "c"}, 7)
	dataset, err := NewImageFolderDataset(tempDir, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	identity := dataset.Plan(0)
	for i, idx := range identity {
		if idx != i {
			t.Fatalf("Unshuffled plan should be identity, got %v", identity)
		}
	}

	before := dataset.Samples()
	dataset.SetShuffle(true)
	if !dataset.Shuffle() {
		t.Fatal("Expected shuffle to be enabled")
	}

	first := dataset.Plan(0)
	again := dataset.Plan(0)
	if !reflect.DeepEqual(first, again) {
		t.Error("Same epoch must give the same plan")
	}

	sorted := append([]int(nil), first...)
	sort.Ints(sorted)
	if !reflect.DeepEqual(sorted, identity) {
		t.Errorf("Plan is not a permutation: %v", first)
	}
	if reflect.DeepEqual(first, identity) {
		t.Error("Shuffled plan of 21 samples should differ from scan order")
	}
	if reflect.DeepEqual(first, dataset.Plan(1)) {
		t.Error("Different epochs should give different plans")
	}

	if !reflect.DeepEqual(before, dataset.Samples()) {
		t.Error("Planning must not reorder the dataset")
	}

	// Reproducible across instances
	other, err := NewImageFolderDataset(tempDir, Config{ImageSize: 16, Shuffle: true, Seed: DefaultSeed})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, other.Plan(0)) {
		t.Error("Plans with the same seed must match across loaders")
	}
}

func TestIterate(t *testing.T) {
	tempDir := createTestDataset(t, []string{"a", "b"}, 3)
	dataset, err := NewImageFolderDataset(tempDir, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	plan := []int{5, 0, 3}
	it := dataset.Iterate(plan)
	var labels []int64
	for it.Next() {
		item := it.Item()
		if !reflect.DeepEqual(item.Image.Shape(), tensor.Shape{3, 16, 16}) {
			t.Errorf("Expected (3,16,16), got %v", item.Image.Shape())
		}
		labels = append(labels, item.Label)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !reflect.DeepEqual(labels, []int64{1, 0, 1}) {
		t.Errorf("Unexpected labels %v", labels)
	}

	it.Reset()
	count := 0
	for it.Next() {
		count++
	}
	if count != 3 {
		t.Errorf("Expected 3 items after reset, got %d", count)
	}
}

func TestIterateDecodeError(t *testing.T) {
	tempDir := createTestDataset(t, []string{"a"}, 2)
	broken := filepath.Join(tempDir, "a", "image_0.png")
	if err := os.WriteFile(broken, []byte("not a png"), 0644); err != nil {
		t.Fatal(err)
	}

	dataset, err := NewImageFolderDataset(tempDir, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	it := dataset.Iterate(dataset.Plan(0))
	if it.Next() {
		t.Fatal("Expected the first sample to fail")
	}
	var decodeErr *preprocessing.DecodeError
	if !errors.As(it.Err(), &decodeErr) {
		t.Fatalf("Expected DecodeError, got %v", it.Err())
	}
	if it.Next() {
		t.Error("Iterator must stay stopped after an error")
	}
}

func TestGetItemAndSubset(t *testing.T) {
	tempDir := createTestDataset(t, []string{"a", "b"}, 2)
	dataset, err := NewImageFolderDataset(tempDir, testConfig())
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := dataset.GetItem(4); err == nil {
		t.Error("Expected out of range error")
	}
	if _, _, err := dataset.GetItem(-1); err == nil {
		t.Error("Expected out of range error")
	}

	subset := dataset.Subset([]int{3, 1})
	if subset.Len() != 2 || subset.NumClasses() != 2 {
		t.Fatalf("Unexpected subset %d samples %d classes", subset.Len(), subset.NumClasses())
	}
	p0, l0, _ := subset.GetItem(0)
	p3, l3, _ := dataset.GetItem(3)
	if p0 != p3 || l0 != l3 {
		t.Errorf("Subset item 0 should be parent item 3")
	}
	if subset.Shuffle() {
		t.Error("Subsets are not shuffled")
	}

	if !strings.Contains(dataset.String(), "4 samples, 2 classes") {
		t.Errorf("Unexpected String(): %s", dataset.String())
	}
}

func TestFlowersDataset(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tempDir := createTestDataset(t, FlowerClasses, 1)
		d, err := NewFlowersDataset(tempDir, testConfig())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !strings.Contains(d.Summary(), "5 total images") {
			t.Errorf("Unexpected summary %q", d.Summary())
		}
	})

	t.Run("WrongClasses", func(t *testing.T) {
		tempDir := createTestDataset(t, []string{"cat", "dog"}, 1)
		if _, err := NewFlowersDataset(tempDir, testConfig()); err == nil {
			t.Error("Expected error for non-flower layout")
		}
	})
}
