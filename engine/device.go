package engine

import (
	"fmt"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// DeviceType identifies where tensors are computed
type DeviceType int

const (
	CPU DeviceType = iota
	Accelerator
)

// String returns a human-readable representation of the device type
func (dt DeviceType) String() string {
	switch dt {
	case CPU:
		return "CPU"
	case Accelerator:
		return "Accelerator"
	default:
		return fmt.Sprintf("Unknown(%d)", int(dt))
	}
}

// Device describes the compute device chosen for a run
type Device struct {
	Type          DeviceType
	Name          string
	PhysicalCores int
	LogicalCores  int
	Features      []string // SIMD extensions the matrix kernels can use
}

// acceleratorAvailable reports whether this build has an accelerator backend.
// The layers package only has CPU kernels.
var acceleratorAvailable = func() bool { return false }

var simdFeatures = []struct {
	id   cpuid.FeatureID
	name string
}{
	{cpuid.SSE42, "SSE4.2"},
	{cpuid.AVX, "AVX"},
	{cpuid.AVX2, "AVX2"},
	{cpuid.FMA3, "FMA3"},
	{cpuid.AVX512F, "AVX512F"},
	{cpuid.ASIMD, "NEON"},
}

// SelectDevice picks the accelerator when one is available, else the CPU
func SelectDevice() Device {
	if acceleratorAvailable() {
		return Device{Type: Accelerator, Name: "accelerator"}
	}

	d := Device{
		Type:          CPU,
		Name:          strings.TrimSpace(cpuid.CPU.BrandName),
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	if d.Name == "" {
		d.Name = cpuid.CPU.VendorString
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f.id) {
			d.Features = append(d.Features, f.name)
		}
	}
	return d
}

// String describes the device in one line
func (d Device) String() string {
	if d.Type != CPU {
		return d.Type.String() + ": " + d.Name
	}

	var sb strings.Builder
	sb.WriteString("CPU")
	if d.Name != "" {
		sb.WriteString(": " + d.Name)
	}
	if d.LogicalCores > 0 {
		fmt.Fprintf(&sb, " (%d cores, %d threads)", d.PhysicalCores, d.LogicalCores)
	}
	if len(d.Features) > 0 {
		sb.WriteString(" [" + strings.Join(d.Features, " ") + "]")
	}
	return sb.String()
}

// StatusMessage is the line reported to the user when training starts
func (d Device) StatusMessage() string {
	if d.Type == Accelerator {
		return "Accelerator is available. Using " + d.Name + " for training."
	}
	return "GPU is not available. Using CPU for training."
}
