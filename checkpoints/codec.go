package checkpoints

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-flowers/memory"
)

// Field numbers of the weights file message
const (
	fieldFormat      protowire.Number = 1
	fieldRunID       protowire.Number = 2
	fieldCreatedUnix protowire.Number = 3
	fieldImageSize   protowire.Number = 4
	fieldClassNames  protowire.Number = 5
	fieldTensors     protowire.Number = 6
)

// Field numbers of a nested tensor message
const (
	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2
	fieldTensorData  protowire.Number = 3
)

// Marshal encodes a checkpoint in protobuf wire format. Tensor data is
// packed little-endian float32 bytes.
func Marshal(checkpoint *Checkpoint) ([]byte, error) {
	if checkpoint == nil {
		return nil, errors.New("nil checkpoint")
	}
	meta := checkpoint.Metadata
	format := meta.Format
	if format == 0 {
		format = FormatVersion
	}

	size := 64
	for _, w := range checkpoint.Weights {
		size += len(w.Name) + len(w.Data)*4 + len(w.Shape)*2 + 16
	}
	b := make([]byte, 0, size)

	b = protowire.AppendTag(b, fieldFormat, protowire.VarintType)
	b = protowire.AppendVarint(b, format)
	if meta.RunID != uuid.Nil {
		b = protowire.AppendTag(b, fieldRunID, protowire.BytesType)
		b = protowire.AppendString(b, meta.RunID.String())
	}
	if !meta.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldCreatedUnix, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(meta.CreatedAt.Unix()))
	}
	if meta.ImageSize < 0 {
		return nil, errors.Errorf("invalid image size %d", meta.ImageSize)
	}
	b = protowire.AppendTag(b, fieldImageSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(meta.ImageSize))
	for _, name := range meta.ClassNames {
		b = protowire.AppendTag(b, fieldClassNames, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}

	for _, w := range checkpoint.Weights {
		if n := memory.NumElements(w.Shape); n != len(w.Data) {
			return nil, errors.Errorf("tensor %s: shape %v holds %d values, has %d", w.Name, w.Shape, n, len(w.Data))
		}
		b = protowire.AppendTag(b, fieldTensors, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalTensor(w))
	}
	return b, nil
}

func marshalTensor(w WeightTensor) []byte {
	b := make([]byte, 0, len(w.Name)+len(w.Data)*4+len(w.Shape)*2+16)
	b = protowire.AppendTag(b, fieldTensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)

	var shape []byte
	for _, d := range w.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	data := make([]byte, len(w.Data)*4)
	for i, v := range w.Data {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, data)
	return b
}

// Unmarshal decodes a checkpoint written by Marshal. Unknown fields are
// skipped.
func Unmarshal(b []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	meta := &checkpoint.Metadata

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "bad field tag")
		}
		b = b[n:]

		switch {
		case num == fieldFormat && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "format")
			}
			meta.Format = v
			b = b[n:]

		case num == fieldRunID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "run_id")
			}
			id, err := uuid.Parse(v)
			if err != nil {
				return nil, errors.Wrap(err, "run_id")
			}
			meta.RunID = id
			b = b[n:]

		case num == fieldCreatedUnix && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "created_unix")
			}
			meta.CreatedAt = time.Unix(int64(v), 0)
			b = b[n:]

		case num == fieldImageSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "image_size")
			}
			meta.ImageSize = int(v)
			b = b[n:]

		case num == fieldClassNames && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "class_names")
			}
			meta.ClassNames = append(meta.ClassNames, v)
			b = b[n:]

		case num == fieldTensors && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "tensors")
			}
			w, err := unmarshalTensor(v)
			if err != nil {
				return nil, err
			}
			checkpoint.Weights = append(checkpoint.Weights, w)
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, errors.Wrapf(protowire.ParseError(n), "field %d", num)
			}
			b = b[n:]
		}
	}

	if meta.Format > FormatVersion {
		return nil, errors.Errorf("unsupported weights format %d (newest known is %d)", meta.Format, FormatVersion)
	}
	return checkpoint, nil
}

func unmarshalTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	var raw []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return w, errors.Wrap(protowire.ParseError(n), "tensor tag")
		}
		b = b[n:]

		switch {
		case num == fieldTensorName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return w, errors.Wrap(protowire.ParseError(n), "tensor name")
			}
			w.Name = v
			b = b[n:]

		case num == fieldTensorShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, errors.Wrap(protowire.ParseError(n), "tensor shape")
			}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return w, errors.Wrap(protowire.ParseError(m), "tensor shape")
				}
				w.Shape = append(w.Shape, int(d))
				packed = packed[m:]
			}
			b = b[n:]

		case num == fieldTensorData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return w, errors.Wrap(protowire.ParseError(n), "tensor data")
			}
			raw = v
			b = b[n:]

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return w, errors.Wrapf(protowire.ParseError(n), "tensor field %d", num)
			}
			b = b[n:]
		}
	}

	if len(raw)%4 != 0 {
		return w, errors.Errorf("tensor %s: %d data bytes is not a whole number of float32", w.Name, len(raw))
	}
	w.Data = make([]float32, len(raw)/4)
	for i := range w.Data {
		w.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	if n := memory.NumElements(w.Shape); n != len(w.Data) {
		return w, errors.Errorf("tensor %s: shape %v holds %d values, file has %d", w.Name, w.Shape, n, len(w.Data))
	}
	return w, nil
}
