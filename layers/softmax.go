package layers

import "github.com/chewxy/math32"

// SoftmaxRows writes the row-wise softmax of a [rows, cols] matrix into dst.
// The row maximum is subtracted first so large logits do not overflow.
func SoftmaxRows(dst, logits []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		in := logits[r*cols : (r+1)*cols]
		out := dst[r*cols : (r+1)*cols]

		maxVal := in[0]
		for _, v := range in[1:] {
			if v > maxVal {
				maxVal = v
			}
		}
		var sum float32
		for i, v := range in {
			out[i] = math32.Exp(v - maxVal)
			sum += out[i]
		}
		for i := range out {
			out[i] /= sum
		}
	}
}

// LogSumExp returns log(sum(exp(v))) computed stably
func LogSumExp(v []float32) float32 {
	maxVal := v[0]
	for _, x := range v[1:] {
		if x > maxVal {
			maxVal = x
		}
	}
	var sum float32
	for _, x := range v {
		sum += math32.Exp(x - maxVal)
	}
	return maxVal + math32.Log(sum)
}
