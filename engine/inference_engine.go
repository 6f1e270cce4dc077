package engine

import (
	"image"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/checkpoints"
	"github.com/tsawler/go-flowers/layers"
	"github.com/tsawler/go-flowers/memory"
	"github.com/tsawler/go-flowers/vision/preprocessing"
)

// DefaultWeightsDir is where weights files are read from and written to
const DefaultWeightsDir = "ModelWeights"

// InferenceConfig configures an InferenceEngine
type InferenceConfig struct {
	WeightsDir string
	ClassNames []string // overrides the names stored in the weights file
	Logger     *log.Logger
}

// ClassProbability is one entry of a ranked prediction
type ClassProbability struct {
	Class       string
	Probability float64
}

// Prediction is the result of classifying one image
type Prediction struct {
	Probabilities map[string]float64
	Ranked        []ClassProbability // descending probability
	Elapsed       time.Duration
}

// Top returns the most probable class
func (p *Prediction) Top() ClassProbability {
	if len(p.Ranked) == 0 {
		return ClassProbability{}
	}
	return p.Ranked[0]
}

// InferenceEngine classifies images with a lazily loaded model. The model is
// loaded on first use and reloaded when a different weights file is asked for.
// It is safe for concurrent use; calls are serialised.
type InferenceEngine struct {
	mu     sync.Mutex
	config InferenceConfig
	logger *log.Logger

	model      *ClassifierModel
	loadedName string
	classNames []string
	processor  *preprocessing.ImageProcessor

	lastDuration time.Duration
}

// NewInferenceEngine creates an engine with nothing loaded
func NewInferenceEngine(config InferenceConfig) *InferenceEngine {
	if config.WeightsDir == "" {
		config.WeightsDir = DefaultWeightsDir
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "engine: ", log.LstdFlags)
	}
	return &InferenceEngine{config: config, logger: logger}
}

// Classify decodes the image at imagePath and classifies it with the model in
// modelFileName. Elapsed covers decoding, preprocessing and the forward
// pass but not loading the model.
func (ie *InferenceEngine) Classify(imagePath, modelFileName string) (*Prediction, error) {
	ie.mu.Lock()
	defer ie.mu.Unlock()

	if err := ie.ensureModel(modelFileName); err != nil {
		return nil, err
	}
	start := time.Now()
	img, err := ie.processor.DecodeFile(imagePath)
	if err != nil {
		return nil, err
	}
	return ie.predict(img, start)
}

// Predict classifies an already decoded image
func (ie *InferenceEngine) Predict(img image.Image, modelFileName string) (*Prediction, error) {
	ie.mu.Lock()
	defer ie.mu.Unlock()

	if err := ie.ensureModel(modelFileName); err != nil {
		return nil, err
	}
	start := time.Now()
	return ie.predict(img, start)
}

// LastDuration returns the elapsed time of the last successful prediction
func (ie *InferenceEngine) LastDuration() time.Duration {
	ie.mu.Lock()
	defer ie.mu.Unlock()
	return ie.lastDuration
}

// Loaded returns the file name of the loaded model, or "" when none is
func (ie *InferenceEngine) Loaded() string {
	ie.mu.Lock()
	defer ie.mu.Unlock()
	return ie.loadedName
}

// ClassNames returns the class names of the loaded model in index order
func (ie *InferenceEngine) ClassNames() []string {
	ie.mu.Lock()
	defer ie.mu.Unlock()
	names := make([]string, len(ie.classNames))
	copy(names, ie.classNames)
	return names
}

// ensureModel loads modelFileName unless it is already loaded. State changes
// only after the new model loaded completely.
func (ie *InferenceEngine) ensureModel(modelFileName string) error {
	if ie.model != nil && ie.loadedName == modelFileName {
		return nil
	}

	path := filepath.Join(ie.config.WeightsDir, modelFileName)
	model, ckpt, err := LoadClassifierModel(path)
	if err != nil {
		return err
	}

	var names []string
	if len(ie.config.ClassNames) > 0 {
		if len(ie.config.ClassNames) != model.NumClasses() {
			return errors.Wrapf(checkpoints.ErrModelMismatch, "%d configured class names for a %d-class model", len(ie.config.ClassNames), model.NumClasses())
		}
		names = make([]string, len(ie.config.ClassNames))
		copy(names, ie.config.ClassNames)
	} else if names, err = ResolveClassNames(ckpt, model.NumClasses()); err != nil {
		return errors.Wrapf(err, "%s", path)
	}

	ie.model = model
	ie.loadedName = modelFileName
	ie.classNames = names
	ie.processor = preprocessing.NewImageProcessor(model.ImageSize())
	ie.logger.Printf("Loaded %s (%d classes, %dx%d input, run %s)", path, model.NumClasses(), model.ImageSize(), model.ImageSize(), ckpt.Metadata.RunID)
	return nil
}

func (ie *InferenceEngine) predict(img image.Image, start time.Time) (*Prediction, error) {
	pixels, err := ie.processor.Preprocess(img)
	if err != nil {
		return nil, err
	}
	s := ie.model.ImageSize()
	x, err := memory.FromSlice(pixels.Data().([]float32), 1, 3, s, s)
	if err != nil {
		return nil, err
	}
	defer x.Release()

	ie.model.Eval()
	logits, err := ie.model.Forward(x)
	if err != nil {
		return nil, err
	}
	defer logits.Release()

	k := ie.model.NumClasses()
	probs := make([]float32, k)
	layers.SoftmaxRows(probs, logits.Data(), 1, k)

	prediction := &Prediction{
		Probabilities: make(map[string]float64, k),
		Ranked:        make([]ClassProbability, k),
	}
	for i, p := range probs {
		prediction.Probabilities[ie.classNames[i]] = float64(p)
		prediction.Ranked[i] = ClassProbability{Class: ie.classNames[i], Probability: float64(p)}
	}
	sort.SliceStable(prediction.Ranked, func(a, b int) bool {
		return prediction.Ranked[a].Probability > prediction.Ranked[b].Probability
	})

	prediction.Elapsed = time.Since(start)
	ie.lastDuration = prediction.Elapsed
	return prediction, nil
}
