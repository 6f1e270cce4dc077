package checkpoints

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FormatVersion is the weights file layout written by Save
const FormatVersion = 1

var (
	// ErrModelNotFound is returned when a weights file does not exist
	ErrModelNotFound = errors.New("model weights not found")

	// ErrModelMismatch is returned when a weights file does not fit the model
	// it is loaded into
	ErrModelMismatch = errors.New("model weights do not match architecture")
)

// IOError is a filesystem failure while reading or writing weights
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Checkpoint is the content of one weights file: every learnable tensor of a
// model plus what is needed to use it for inference
type Checkpoint struct {
	Weights  []WeightTensor
	Metadata CheckpointMetadata
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string
	Shape []int
	Data  []float32
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Format     uint64
	RunID      uuid.UUID
	CreatedAt  time.Time
	ImageSize  int
	ClassNames []string // Index order; empty when the producer did not record them
}

// NewCheckpoint creates a checkpoint stamped with a fresh run id and the
// current time
func NewCheckpoint(weights []WeightTensor, imageSize int, classNames []string) *Checkpoint {
	names := make([]string, len(classNames))
	copy(names, classNames)
	return &Checkpoint{
		Weights: weights,
		Metadata: CheckpointMetadata{
			Format:     FormatVersion,
			RunID:      uuid.New(),
			CreatedAt:  time.Now(),
			ImageSize:  imageSize,
			ClassNames: names,
		},
	}
}

// Weight looks up a tensor by name
func (c *Checkpoint) Weight(name string) (*WeightTensor, bool) {
	for i := range c.Weights {
		if c.Weights[i].Name == name {
			return &c.Weights[i], true
		}
	}
	return nil, false
}

// TotalParameters returns the number of stored values
func (c *Checkpoint) TotalParameters() int {
	total := 0
	for _, w := range c.Weights {
		total += len(w.Data)
	}
	return total
}

// FileMode is the permission of saved weights files
const FileMode fs.FileMode = 0644

// EnsureDir creates the weights directory if it does not exist
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	return nil
}

// Save writes the checkpoint to path, replacing any existing file. The data
// goes to a temporary file in the same directory first, so readers never see
// a partial file.
func Save(path string, checkpoint *Checkpoint) error {
	data, err := Marshal(checkpoint)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(FileMode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "chmod", Path: tmpName, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "write", Path: tmpName, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &IOError{Op: "sync", Path: tmpName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "close", Path: tmpName, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &IOError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// Load reads a checkpoint. A missing file yields ErrModelNotFound.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrModelNotFound, "%s", path)
		}
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}

	checkpoint, err := Unmarshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return checkpoint, nil
}
