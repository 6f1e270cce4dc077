package training

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// History holds one value per completed epoch, in epoch order. Accuracies
// are percentages.
type History struct {
	TrainLoss     []float64
	TrainAccuracy []float64
	ValLoss       []float64
	ValAccuracy   []float64
}

// Epochs returns the number of completed epochs
func (h *History) Epochs() int {
	return len(h.TrainLoss)
}

func (h *History) append(train, val EpochStats) {
	h.TrainLoss = append(h.TrainLoss, train.AverageLoss())
	h.TrainAccuracy = append(h.TrainAccuracy, train.Accuracy())
	h.ValLoss = append(h.ValLoss, val.AverageLoss())
	h.ValAccuracy = append(h.ValAccuracy, val.Accuracy())
}

func (h *History) clone() *History {
	return &History{
		TrainLoss:     append([]float64(nil), h.TrainLoss...),
		TrainAccuracy: append([]float64(nil), h.TrainAccuracy...),
		ValLoss:       append([]float64(nil), h.ValLoss...),
		ValAccuracy:   append([]float64(nil), h.ValAccuracy...),
	}
}

// EpochStats accumulates per-batch loss and prediction counts for one pass
// over a split
type EpochStats struct {
	LossSum float64
	Batches int
	Correct int
	Total   int
}

// Add records one batch
func (s *EpochStats) Add(loss float64, correct, total int) {
	s.LossSum += loss
	s.Batches++
	s.Correct += correct
	s.Total += total
}

// AverageLoss is the sum of batch losses divided by the batch count, 0 when
// the split produced no batches
func (s EpochStats) AverageLoss() float64 {
	if s.Batches == 0 {
		return 0
	}
	return s.LossSum / float64(s.Batches)
}

// Accuracy is 100 × correct / total, 0 when nothing was scored
func (s EpochStats) Accuracy() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Correct) / float64(s.Total)
}

// MetricType represents a classification metric derived from a confusion matrix
type MetricType int

const (
	// Binary classification metrics (class 1 is positive)
	Precision MetricType = iota
	Recall
	F1Score
	Specificity

	// Multi-class metrics
	MacroPrecision
	MacroRecall
	MacroF1
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per (true class, predicted class)
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		clear(cm.Matrix[i])
	}
	cm.TotalSamples = 0
}

// Update records predicted class indices against true labels
func (cm *ConfusionMatrix) Update(predictions []int, trueLabels []int64) error {
	if len(predictions) != len(trueLabels) {
		return errors.Errorf("labels length mismatch: %d predictions, %d labels", len(predictions), len(trueLabels))
	}
	for i, pred := range predictions {
		trueClass := int(trueLabels[i])
		if trueClass < 0 || trueClass >= cm.NumClasses || pred < 0 || pred >= cm.NumClasses {
			return errors.Errorf("sample %d: class out of range (true %d, predicted %d)", i, trueClass, pred)
		}
		cm.Matrix[trueClass][pred]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric calculates a metric. Binary metrics are 0 unless there are
// exactly two classes.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		if cm.NumClasses != 2 {
			return 0
		}
		return ratio(cm.Matrix[1][1], cm.Matrix[1][1]+cm.Matrix[0][1])
	case Recall:
		if cm.NumClasses != 2 {
			return 0
		}
		return ratio(cm.Matrix[1][1], cm.Matrix[1][1]+cm.Matrix[1][0])
	case F1Score:
		return harmonic(cm.GetMetric(Precision), cm.GetMetric(Recall))
	case Specificity:
		if cm.NumClasses != 2 {
			return 0
		}
		return ratio(cm.Matrix[0][0], cm.Matrix[0][0]+cm.Matrix[0][1])
	case MacroPrecision:
		return cm.macro(cm.predictedCount)
	case MacroRecall:
		return cm.macro(cm.trueCount)
	case MacroF1:
		return harmonic(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	case MicroF1:
		// Every misclassification is one FP and one FN, so micro P = R = accuracy.
		return cm.GetAccuracy()
	default:
		return 0
	}
}

// macro averages tp/denominator over classes with a non-zero denominator
func (cm *ConfusionMatrix) macro(denominator func(class int) int) float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		if d := denominator(class); d > 0 {
			sum += float64(cm.Matrix[class][class]) / float64(d)
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) predictedCount(class int) int {
	n := 0
	for trueClass := 0; trueClass < cm.NumClasses; trueClass++ {
		n += cm.Matrix[trueClass][class]
	}
	return n
}

func (cm *ConfusionMatrix) trueCount(class int) int {
	n := 0
	for _, v := range cm.Matrix[class] {
		n += v
	}
	return n
}

// GetAccuracy returns overall classification accuracy in [0, 1]
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return ratio(correct, cm.TotalSamples)
}

// Format renders the matrix as a table with one row per true class
func (cm *ConfusionMatrix) Format(classNames []string) string {
	label := func(i int) string {
		if i < len(classNames) {
			return classNames[i]
		}
		return fmt.Sprintf("class_%d", i)
	}

	width := len("true\\pred")
	for i := 0; i < cm.NumClasses; i++ {
		if l := len(label(i)); l > width {
			width = l
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-*s", width, "true\\pred")
	for i := 0; i < cm.NumClasses; i++ {
		fmt.Fprintf(&sb, " %*s", width, label(i))
	}
	sb.WriteString("\n")
	for i, row := range cm.Matrix {
		fmt.Fprintf(&sb, "%-*s", width, label(i))
		for _, v := range row {
			fmt.Fprintf(&sb, " %*d", width, v)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func harmonic(a, b float64) float64 {
	if a+b == 0 {
		return 0
	}
	return 2 * a * b / (a + b)
}
