package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-flowers/layers"
	"github.com/tsawler/go-flowers/memory"
)

// LossResult is the outcome of scoring one batch of logits
type LossResult struct {
	Loss        float64        // mean cross-entropy over the batch
	Correct     int            // samples whose argmax matches the label
	Predictions []int          // argmax per sample
	Grad        *memory.Tensor // dLoss/dLogits, nil unless requested; caller releases
}

// SparseCategoricalCrossEntropy computes the mean cross-entropy of (N, K)
// logits against integer labels, the way CrossEntropyLoss does for class
// indices. With computeGrad set it also returns the gradient with respect
// to the logits, (softmax - onehot) / N.
func SparseCategoricalCrossEntropy(logits *memory.Tensor, labels []int64, computeGrad bool) (*LossResult, error) {
	shape := logits.Shape()
	if len(shape) != 2 {
		return nil, errors.Errorf("expected logits (N, K), got %v", shape)
	}
	n, k := shape[0], shape[1]
	if n != len(labels) {
		return nil, errors.Errorf("batch size mismatch: %d logits, %d labels", n, len(labels))
	}
	if n == 0 {
		return nil, errors.New("empty batch")
	}
	for i, label := range labels {
		if label < 0 || int(label) >= k {
			return nil, errors.Errorf("label %d of sample %d out of range [0, %d)", label, i, k)
		}
	}

	data := logits.Data()
	probs := make([]float32, n*k)
	layers.SoftmaxRows(probs, data, n, k)

	result := &LossResult{Predictions: make([]int, n)}
	var total float64
	for i := 0; i < n; i++ {
		row := data[i*k : (i+1)*k]
		label := int(labels[i])
		total += float64(layers.LogSumExp(row) - row[label])

		best := 0
		for j := 1; j < k; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		result.Predictions[i] = best
		if best == label {
			result.Correct++
		}
	}
	result.Loss = total / float64(n)

	if computeGrad {
		grad := memory.NewTensor(n, k)
		g := grad.Data()
		scale := 1 / float32(n)
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				g[i*k+j] = probs[i*k+j] * scale
			}
			g[i*k+int(labels[i])] -= scale
		}
		result.Grad = grad
	}
	return result, nil
}
