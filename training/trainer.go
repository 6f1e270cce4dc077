package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/checkpoints"
	"github.com/tsawler/go-flowers/engine"
	"github.com/tsawler/go-flowers/layers"
	"github.com/tsawler/go-flowers/memory"
	"github.com/tsawler/go-flowers/optimizer"
	"github.com/tsawler/go-flowers/vision/dataloader"
	"github.com/tsawler/go-flowers/vision/dataset"
)

// ErrBusy is returned when Train is called while a run is in progress
var ErrBusy = errors.New("training already in progress")

// State is the phase of a training run
type State int

const (
	Idle State = iota
	Preparing
	Training
	Validating
	Testing
	Saved
	Failed
)

// String returns a human-readable representation of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Preparing:
		return "Preparing"
	case Training:
		return "Training"
	case Validating:
		return "Validating"
	case Testing:
		return "Testing"
	case Saved:
		return "Saved"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// TrainerConfig holds the hyperparameters and paths of a training run
type TrainerConfig struct {
	Epochs       int
	BatchSize    int
	LearningRate float32
	WeightDecay  float32
	ImageSize    int
	WeightsDir   string

	// Optimizer is "adam" or "sgd". Momentum applies to sgd only.
	Optimizer string
	Momentum  float32

	DatasetSeed int64 // seeds the epoch plan that fixes the splits
	ShuffleSeed int64 // seeds per-epoch batch shuffling; 0 seeds from the clock
	ModelSeed   int64 // seeds init and dropout; 0 seeds from the clock

	// SkipUnreadable drops samples that fail to decode instead of failing
	// the run. Skipped samples are logged and counted.
	SkipUnreadable bool

	Logger *log.Logger
}

// DefaultTrainerConfig returns the flower classifier hyperparameters
func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{
		Epochs:         80,
		BatchSize:      64,
		LearningRate:   0.0002,
		WeightDecay:    1e-5,
		Optimizer:      OptimizerAdam,
		ImageSize:      dataset.DefaultImageSize,
		WeightsDir:     engine.DefaultWeightsDir,
		DatasetSeed:    dataset.DefaultSeed,
		SkipUnreadable: true,
	}
}

func validateTrainerConfig(config TrainerConfig) error {
	if config.Epochs <= 0 {
		return errors.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.BatchSize <= 0 {
		return errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.LearningRate <= 0 {
		return errors.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.WeightDecay < 0 {
		return errors.Errorf("weight decay must be non-negative, got %g", config.WeightDecay)
	}
	if config.ImageSize <= 0 || config.ImageSize%16 != 0 {
		return errors.Errorf("image size must be a positive multiple of 16, got %d", config.ImageSize)
	}
	if config.WeightsDir == "" {
		return errors.New("weights directory must be set")
	}
	switch config.Optimizer {
	case OptimizerAdam, OptimizerSGD:
	default:
		return errors.Errorf("unknown optimizer %q", config.Optimizer)
	}
	if config.Momentum < 0 {
		return errors.Errorf("momentum must be non-negative, got %g", config.Momentum)
	}
	return nil
}

// Optimizer names accepted by TrainerConfig
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

func newOptimizer(config TrainerConfig, params []*layers.Param) (optimizer.Optimizer, error) {
	if config.Optimizer == OptimizerSGD {
		sgdConfig := optimizer.DefaultSGDConfig()
		sgdConfig.LearningRate = config.LearningRate
		sgdConfig.WeightDecay = config.WeightDecay
		sgdConfig.Momentum = config.Momentum
		return optimizer.NewSGDOptimizer(sgdConfig, params)
	}
	adamConfig := optimizer.DefaultAdamConfig()
	adamConfig.LearningRate = config.LearningRate
	adamConfig.WeightDecay = config.WeightDecay
	return optimizer.NewAdamOptimizer(adamConfig, params)
}

// SplitSizes divides n samples 80/15/rest using truncating integer arithmetic
func SplitSizes(n int) (train, val, test int) {
	train = n * 4 / 5
	val = n * 15 / 100
	test = n - train - val
	return train, val, test
}

// Trainer runs training of the flower classifier. One run at a time; the
// state and the metrics of the current or last run can be read from any
// goroutine.
type Trainer struct {
	config TrainerConfig
	logger *log.Logger

	mu      sync.Mutex
	state   State
	history *History
	running bool
}

// NewTrainer validates config and creates an idle trainer
func NewTrainer(config TrainerConfig) (*Trainer, error) {
	if err := validateTrainerConfig(config); err != nil {
		return nil, errors.Wrap(err, "invalid trainer config")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "training: ", log.LstdFlags)
	}
	return &Trainer{
		config:  config,
		logger:  logger,
		history: &History{},
	}, nil
}

// State returns the current phase
func (t *Trainer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// History returns a copy of the metrics recorded so far. After a failed run
// it holds the epochs that completed.
func (t *Trainer) History() *History {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.history.clone()
}

func (t *Trainer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// run is the per-call state of Train
type run struct {
	*Trainer
	ctx    context.Context
	sink   Reporter
	id     uuid.UUID
	epoch  int
	status State
}

func (r *run) report(epochPct float64, step, steps int, status string) {
	r.sink.Report(Progress{
		State:           r.status,
		EpochCompletion: epochPct,
		TotalCompletion: float64(r.epoch) / float64(r.config.Epochs) * 100,
		Step:            step,
		Steps:           steps,
		Status:          status,
		Time:            time.Now(),
	})
}

func (r *run) enter(s State) {
	r.status = s
	r.setState(s)
}

// Train trains a fresh model on the image folder at datasetDir and saves it
// to <WeightsDir>/<modelFileName>. Progress goes to sink, which may be nil.
// ctx is checked between batches.
func (t *Trainer) Train(ctx context.Context, datasetDir, modelFileName string, sink Reporter) (*History, error) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil, ErrBusy
	}
	t.running = true
	t.history = &History{}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	if sink == nil {
		sink = discardReporter{}
	}
	r := &run{Trainer: t, ctx: ctx, sink: sink, id: uuid.New()}

	if err := r.execute(datasetDir, modelFileName); err != nil {
		r.enter(Failed)
		t.logger.Printf("run %s failed: %v", r.id, err)
		return nil, err
	}
	t.setState(Idle)
	return t.History(), nil
}

func (r *run) execute(datasetDir, modelFileName string) error {
	r.enter(Preparing)

	if modelFileName == "" {
		return errors.New("model file name must be set")
	}
	if err := checkpoints.EnsureDir(r.config.WeightsDir); err != nil {
		return err
	}
	savePath := filepath.Join(r.config.WeightsDir, modelFileName)

	device := engine.SelectDevice()
	r.logger.Printf("run %s on %s", r.id, device)
	r.report(0, 0, 0, device.StatusMessage())

	ds, err := dataset.NewImageFolderDataset(datasetDir, dataset.Config{
		ImageSize:  r.config.ImageSize,
		Extensions: dataset.DefaultExtensions,
		Shuffle:    true,
		Seed:       r.config.DatasetSeed,
	})
	if err != nil {
		return errors.Wrap(err, "failed to load dataset")
	}
	if ds.NumClasses() == 0 || ds.Len() == 0 {
		return errors.Wrapf(dataset.ErrEmptyDataset, "%s: %d classes, %d images", datasetDir, ds.NumClasses(), ds.Len())
	}

	r.report(0, 0, 0, fmt.Sprintf("Found %d images belonging to %d classes.", ds.Len(), ds.NumClasses()))
	for i, name := range ds.ClassNames() {
		r.report(0, 0, 0, fmt.Sprintf("Class: %s, Index: %d", name, i))
	}
	if dataset.IsFlowerLayout(ds.ClassNames()) {
		r.logger.Print((&dataset.FlowersDataset{ImageFolderDataset: ds}).Summary())
	}

	plan := ds.Plan(0)
	nTrain, nVal, _ := SplitSizes(len(plan))
	if nTrain == 0 {
		return errors.Wrapf(dataset.ErrEmptyDataset, "%d images leave no training split", len(plan))
	}
	trainSet := ds.Subset(plan[:nTrain])
	valSet := ds.Subset(plan[nTrain : nTrain+nVal])
	testSet := ds.Subset(plan[nTrain+nVal:])
	r.logger.Printf("split: %d train, %d validation, %d test", trainSet.Len(), valSet.Len(), testSet.Len())

	model, err := engine.NewClassifierModel(engine.ModelConfig{
		NumClasses: ds.NumClasses(),
		ImageSize:  r.config.ImageSize,
		Seed:       r.config.ModelSeed,
	})
	if err != nil {
		return err
	}

	opt, err := newOptimizer(r.config, model.Parameters())
	if err != nil {
		return err
	}

	shuffleSeed := r.config.ShuffleSeed
	if shuffleSeed == 0 {
		shuffleSeed = time.Now().UnixNano()
	}
	shuffle := rand.New(rand.NewSource(shuffleSeed))

	start := time.Now()
	for r.epoch = 0; r.epoch < r.config.Epochs; r.epoch++ {
		train, err := r.trainEpoch(model, opt, trainSet, shuffle)
		if err != nil {
			return err
		}
		val, err := r.evaluate(model, valSet, Validating, nil)
		if err != nil {
			return err
		}

		r.mu.Lock()
		r.history.append(train, val)
		r.mu.Unlock()

		done := r.epoch + 1
		avgEpoch := time.Since(start) / time.Duration(done)
		eta := avgEpoch * time.Duration(r.config.Epochs-done)
		status := fmt.Sprintf("%s | Epoch %d/%d | Train Loss: %.4f | Val Loss: %.4f | Train Acc: %.2f%% | Val Acc: %.2f%% | ETA: %s | Avg epoch: %.1fs",
			time.Now().Format("15:04:05"), done, r.config.Epochs,
			train.AverageLoss(), val.AverageLoss(), train.Accuracy(), val.Accuracy(),
			formatClock(eta), avgEpoch.Seconds())
		r.logger.Print(status)
		r.report(0, 0, 0, status)
	}

	cm := NewConfusionMatrix(ds.NumClasses())
	test, err := r.evaluate(model, testSet, Testing, cm)
	if err != nil {
		return err
	}
	r.logger.Printf("Test Loss: %.4f", test.AverageLoss())
	r.logger.Printf("Test Accuracy: %.2f%%", test.Accuracy())
	if cm.TotalSamples > 0 {
		r.logger.Printf("Test macro F1: %.4f\n%s", cm.GetMetric(MacroF1), cm.Format(ds.ClassNames()))
	}

	if err := model.Save(savePath, ds.ClassNames()); err != nil {
		return errors.Wrap(err, "failed to save model")
	}
	r.enter(Saved)
	r.logger.Printf("run %s saved %s (%d parameters)", r.id, savePath, model.Spec().TotalParameters)
	if state, err := opt.GetState(); err == nil {
		r.logger.Printf("optimizer: %s", state)
	}
	mm := memory.GetGlobalMemoryManager()
	mm.Trim()
	r.logger.Printf("memory: %s", mm.Stats())
	r.report(0, 0, 0, fmt.Sprintf("Model saved to %s", savePath))
	return nil
}

func (r *run) trainEpoch(model *engine.ClassifierModel, opt optimizer.Optimizer, trainSet *dataset.ImageFolderDataset, shuffle *rand.Rand) (EpochStats, error) {
	r.enter(Training)
	model.Train()
	r.report(0, 0, 0, fmt.Sprintf("Loading training data for epoch %d/%d...", r.epoch+1, r.config.Epochs))

	batcher := dataloader.NewBatcher(trainSet, dataloader.Config{
		BatchSize:      r.config.BatchSize,
		ImageSize:      r.config.ImageSize,
		Shuffle:        true,
		Rand:           shuffle,
		SkipUnreadable: r.config.SkipUnreadable,
		Logger:         r.logger,
	})
	total := batcher.NumBatches()

	var stats EpochStats
	for i := 0; ; i++ {
		if err := r.ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := batcher.NextBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, err
		}

		loss, err := trainStep(model, opt, batch)
		batch.Release()
		if err != nil {
			return stats, errors.Wrapf(err, "epoch %d batch %d", r.epoch+1, i+1)
		}
		stats.Add(loss.Loss, loss.Correct, len(loss.Predictions))

		r.report(float64(i)/float64(total)*100, i+1, total,
			fmt.Sprintf("  Training: %d/%d batches | Loss: %.4f", i+1, total, loss.Loss))
	}
	if n := batcher.Skipped(); n > 0 {
		r.logger.Printf("epoch %d: skipped %d unreadable samples", r.epoch+1, n)
	}
	return stats, nil
}

// trainStep runs forward, loss, zero-grad, backward and an optimizer step
// for one batch. The batch stays owned by the caller.
func trainStep(model *engine.ClassifierModel, opt optimizer.Optimizer, batch *dataloader.Batch) (*LossResult, error) {
	logits, err := model.Forward(batch.Images)
	if err != nil {
		return nil, err
	}
	loss, err := SparseCategoricalCrossEntropy(logits, batch.LabelValues(), true)
	logits.Release()
	if err != nil {
		model.ClearCache()
		return nil, err
	}
	grad := loss.Grad
	loss.Grad = nil
	defer grad.Release()

	opt.ZeroGrad()
	if err := model.Backward(grad); err != nil {
		return nil, err
	}
	if err := opt.Step(); err != nil {
		return nil, err
	}
	return loss, nil
}

// evaluate scores a split in eval mode. No activations are cached and no
// parameters change.
func (r *run) evaluate(model *engine.ClassifierModel, set *dataset.ImageFolderDataset, phase State, cm *ConfusionMatrix) (EpochStats, error) {
	r.enter(phase)
	model.Eval()

	if phase == Validating {
		r.report(0, 0, 0, fmt.Sprintf("Loading validation data for epoch %d/%d...", r.epoch+1, r.config.Epochs))
	}

	batcher := dataloader.NewBatcher(set, dataloader.Config{
		BatchSize:      r.config.BatchSize,
		ImageSize:      r.config.ImageSize,
		SkipUnreadable: r.config.SkipUnreadable,
		Logger:         r.logger,
	})
	total := batcher.NumBatches()

	var stats EpochStats
	for i := 0; ; i++ {
		if err := r.ctx.Err(); err != nil {
			return stats, err
		}
		batch, err := batcher.NextBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, err
		}

		labels := batch.LabelValues()
		logits, err := model.Forward(batch.Images)
		batch.Release()
		if err != nil {
			return stats, err
		}
		loss, err := SparseCategoricalCrossEntropy(logits, labels, false)
		logits.Release()
		if err != nil {
			return stats, err
		}
		stats.Add(loss.Loss, loss.Correct, len(labels))
		if cm != nil {
			if err := cm.Update(loss.Predictions, labels); err != nil {
				return stats, err
			}
		}

		if phase == Validating {
			r.report(float64(i)/float64(total)*100, i+1, total,
				fmt.Sprintf("  Validation: %d/%d batches", i+1, total))
		}
	}
	return stats, nil
}
