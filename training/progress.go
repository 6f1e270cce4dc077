package training

import (
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tsawler/go-flowers/layers"
)

// Progress is one notification from a training run. Percentages are 0–100.
// Step and Steps are set for per-batch events only.
type Progress struct {
	State           State
	EpochCompletion float64
	TotalCompletion float64
	Step            int
	Steps           int
	Status          string
	Time            time.Time
}

// Reporter receives progress notifications. Report is called from the
// goroutine running the training and must not block for long.
type Reporter interface {
	Report(p Progress)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(p Progress)

// Report calls f(p)
func (f ReporterFunc) Report(p Progress) {
	f(p)
}

// ChannelReporter forwards progress to a channel without blocking. When the
// consumer falls behind, notifications are dropped and counted; there is no
// backpressure on the training loop.
type ChannelReporter struct {
	ch      chan<- Progress
	dropped atomic.Int64
}

// NewChannelReporter creates a reporter sending on ch
func NewChannelReporter(ch chan<- Progress) *ChannelReporter {
	return &ChannelReporter{ch: ch}
}

// Report sends p if the channel has room
func (r *ChannelReporter) Report(p Progress) {
	select {
	case r.ch <- p:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of notifications that did not fit
func (r *ChannelReporter) Dropped() int64 {
	return r.dropped.Load()
}

// NewLogReporter returns a reporter that logs every status line
func NewLogReporter(logger *log.Logger) Reporter {
	return ReporterFunc(func(p Progress) {
		logger.Println(p.Status)
	})
}

type discardReporter struct{}

func (discardReporter) Report(Progress) {}

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar drawing on out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40, // Character width of progress bar
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	if metrics != nil {
		pb.metrics = metrics
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out) // New line after completion
}

// render draws the progress bar
func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			totalTime := time.Duration(float64(elapsed) / percentage)
			eta = totalTime - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d",
		pb.description,
		percentage*100,
		bar,
		pb.current,
		pb.total,
	)

	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}

	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// Map order is random; keep the line stable between redraws.
	keys := make([]string, 0, len(pb.metrics))
	for key := range pb.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, pb.metrics[key])
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, pb.metrics[key])
		}
	}

	line += "]"
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// formatClock formats a duration as HH:MM:SS; hours do not wrap at a day
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Seconds())
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total/60%60, total%60)
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
	out       io.Writer
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string, out io.Writer) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
		out:       out,
	}
}

// PrintArchitecture prints the model architecture in PyTorch style
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec) {
	fmt.Fprintf(p.out, "Model Architecture:\n")
	fmt.Fprintf(p.out, "%s(\n", p.modelName)

	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(p.out, "  %s\n", p.formatLayer(layer))
	}

	fmt.Fprintf(p.out, ")\n\n")

	fmt.Fprintf(p.out, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(p.out, "Trainable parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(p.out, "Non-trainable parameters: 0\n")
	fmt.Fprintf(p.out, "Input size (MB): %.3f\n", calculateInputSize(modelSpec.InputShape))
	fmt.Fprintf(p.out, "Forward/backward pass size (MB): %.3f\n", estimateForwardBackwardSize(modelSpec))
	fmt.Fprintf(p.out, "Params size (MB): %.3f\n", float64(modelSpec.TotalParameters*4)/1024/1024) // 4 bytes per float32
	fmt.Fprintf(p.out, "Estimated Total Size (MB): %.3f\n\n", estimateTotalSize(modelSpec))
}

// formatLayer formats a single layer for display
func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		return p.formatConv2D(layer)
	case layers.Dense:
		return p.formatDense(layer)
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	case layers.MaxPool2D:
		kernel, _ := layer.Parameters["kernel_size"].(int)
		stride, _ := layer.Parameters["stride"].(int)
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d)", layer.Name, kernel, stride)
	case layers.Dropout:
		rate, _ := layer.Parameters["rate"].(float32)
		return fmt.Sprintf("(%s): Dropout(p=%.1f)", layer.Name, rate)
	case layers.Dropout2D:
		rate, _ := layer.Parameters["rate"].(float32)
		return fmt.Sprintf("(%s): Dropout2d(p=%.1f)", layer.Name, rate)
	case layers.Flatten:
		return fmt.Sprintf("(%s): Flatten(start_dim=1)", layer.Name)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatConv2D formats a Conv2D layer
func (p *ModelArchitecturePrinter) formatConv2D(layer layers.LayerSpec) string {
	inChannels, _ := layer.Parameters["input_channels"].(int)
	outChannels, _ := layer.Parameters["output_channels"].(int)
	kernelSize, _ := layer.Parameters["kernel_size"].(int)
	stride, _ := layer.Parameters["stride"].(int)
	padding, _ := layer.Parameters["padding"].(int)
	useBias, _ := layer.Parameters["use_bias"].(bool)

	return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
		layer.Name, inChannels, outChannels, kernelSize, kernelSize, stride, stride, padding, padding, useBias)
}

// formatDense formats a Dense/Linear layer
func (p *ModelArchitecturePrinter) formatDense(layer layers.LayerSpec) string {
	inFeatures, _ := layer.Parameters["input_size"].(int)
	outFeatures, _ := layer.Parameters["output_size"].(int)
	useBias, _ := layer.Parameters["use_bias"].(bool)

	return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
		layer.Name, inFeatures, outFeatures, useBias)
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize estimates input tensor size in MB
func calculateInputSize(inputShape []int) float64 {
	size := 1
	for _, dim := range inputShape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024 // 4 bytes per float32
}

// estimateForwardBackwardSize estimates activation memory: every layer
// output is cached for backward and has a gradient of the same size
func estimateForwardBackwardSize(modelSpec *layers.ModelSpec) float64 {
	total := 0.0
	for _, layer := range modelSpec.Layers {
		if len(layer.OutputShape) > 0 {
			total += calculateInputSize(layer.OutputShape)
		}
	}
	return total * 2
}

// estimateTotalSize estimates total model memory usage
func estimateTotalSize(modelSpec *layers.ModelSpec) float64 {
	inputSize := calculateInputSize(modelSpec.InputShape)
	paramsSize := float64(modelSpec.TotalParameters*4) / 1024 / 1024
	return inputSize + paramsSize + estimateForwardBackwardSize(modelSpec)
}
