package dataset

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// FlowerClasses are the five flower categories in index order
var FlowerClasses = []string{"daisy", "dandelion", "roses", "sunflowers", "tulips"}

// FlowersDataset is an ImageFolderDataset whose class folders are exactly the
// five flower categories
type FlowersDataset struct {
	*ImageFolderDataset
}

// NewFlowersDataset scans dataDir and checks that its class folders match
// FlowerClasses
func NewFlowersDataset(dataDir string, config Config) (*FlowersDataset, error) {
	d, err := NewImageFolderDataset(dataDir, config)
	if err != nil {
		return nil, err
	}
	if !IsFlowerLayout(d.ClassNames()) {
		return nil, errors.Errorf("class folders %v in %s do not match %v", d.ClassNames(), dataDir, FlowerClasses)
	}
	return &FlowersDataset{ImageFolderDataset: d}, nil
}

// IsFlowerLayout reports whether names equals FlowerClasses
func IsFlowerLayout(names []string) bool {
	if len(names) != len(FlowerClasses) {
		return false
	}
	for i, name := range names {
		if name != FlowerClasses[i] {
			return false
		}
	}
	return true
}

// Summary returns a summary of the dataset
func (d *FlowersDataset) Summary() string {
	dist := d.ClassDistribution()
	parts := make([]string, 0, len(FlowerClasses))
	for _, name := range FlowerClasses {
		parts = append(parts, fmt.Sprintf("%d %s", dist[name], name))
	}
	return fmt.Sprintf("Flowers Dataset: %d total images (%s)", d.Len(), strings.Join(parts, ", "))
}
