package checkpoints

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/encoding/protowire"
)

// binaryMagic prefixes every binary checkpoint. The payload after it is a
// protobuf-encoded message with the field numbers below.
var binaryMagic = []byte("R3DCKPT1")

// Checkpoint message
const (
	fieldEpoch     protowire.Number = 1
	fieldBestPrec1 protowire.Number = 2
	fieldModel     protowire.Number = 3
	fieldOptimizer protowire.Number = 4
	fieldMetadata  protowire.Number = 5
)

// ModelState message
const (
	fieldModelFormat  protowire.Number = 1
	fieldModelTensors protowire.Number = 2
	fieldModelBlob    protowire.Number = 3
)

// Tensor message
const (
	fieldTensorName  protowire.Number = 1
	fieldTensorShape protowire.Number = 2 // packed varints
	fieldTensorData  protowire.Number = 3 // packed fixed32
)

// OptimizerState message
const (
	fieldOptType    protowire.Number = 1
	fieldOptParam   protowire.Number = 2 // repeated {1: key, 2: value}
	fieldOptTensors protowire.Number = 3
)

// Metadata message
const (
	fieldMetaVersion     protowire.Number = 1
	fieldMetaFramework   protowire.Number = 2
	fieldMetaRunID       protowire.Number = 3
	fieldMetaCreatedAt   protowire.Number = 4 // unix nanoseconds
	fieldMetaDescription protowire.Number = 5
)

func marshalBinary(c *Checkpoint) ([]byte, error) {
	if c.Epoch < 0 {
		return nil, fmt.Errorf("cannot encode negative epoch %d", c.Epoch)
	}

	b := append([]byte(nil), binaryMagic...)

	// epoch and best_prec1 are always written so that presence can be checked on load
	b = protowire.AppendTag(b, fieldEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))
	b = protowire.AppendTag(b, fieldBestPrec1, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(c.BestPrec1))

	b = protowire.AppendTag(b, fieldModel, protowire.BytesType)
	b = protowire.AppendBytes(b, appendModelState(nil, &c.Model))

	b = protowire.AppendTag(b, fieldOptimizer, protowire.BytesType)
	b = protowire.AppendBytes(b, appendOptimizerState(nil, &c.Optimizer))

	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, appendMetadata(nil, &c.Metadata))

	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendTensor(b []byte, t *Tensor) []byte {
	b = appendString(b, fieldTensorName, t.Name)

	if len(t.Shape) > 0 {
		var shape []byte
		for _, d := range t.Shape {
			shape = protowire.AppendVarint(shape, uint64(d))
		}
		b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
		b = protowire.AppendBytes(b, shape)
	}

	if len(t.Data) > 0 {
		data := make([]byte, 0, 4*len(t.Data))
		for _, v := range t.Data {
			data = protowire.AppendFixed32(data, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
		b = protowire.AppendBytes(b, data)
	}
	return b
}

func appendTensors(b []byte, num protowire.Number, tensors []Tensor) []byte {
	for i := range tensors {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, &tensors[i]))
	}
	return b
}

func appendModelState(b []byte, m *ModelState) []byte {
	b = appendString(b, fieldModelFormat, m.Format)
	b = appendTensors(b, fieldModelTensors, m.Tensors)
	if len(m.Blob) > 0 {
		b = protowire.AppendTag(b, fieldModelBlob, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Blob)
	}
	return b
}

func appendOptimizerState(b []byte, o *OptimizerState) []byte {
	b = appendString(b, fieldOptType, o.Type)

	// map order is random; keys are sorted so identical states encode identically
	keys := make([]string, 0, len(o.Params))
	for k := range o.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, 2, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(o.Params[k]))

		b = protowire.AppendTag(b, fieldOptParam, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	return appendTensors(b, fieldOptTensors, o.Tensors)
}

func appendMetadata(b []byte, m *Metadata) []byte {
	b = appendString(b, fieldMetaVersion, m.Version)
	b = appendString(b, fieldMetaFramework, m.Framework)
	if m.RunID != uuid.Nil {
		b = protowire.AppendTag(b, fieldMetaRunID, protowire.BytesType)
		b = protowire.AppendBytes(b, m.RunID[:])
	}
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, fieldMetaCreatedAt, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	}
	return appendString(b, fieldMetaDescription, m.Description)
}

// field is one decoded tag/value pair
type field struct {
	num   protowire.Number
	typ   protowire.Type
	value uint64 // varint and fixed payloads
	bytes []byte // length-delimited payloads
}

// walk iterates over the fields of a message, stopping at the first malformed one
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.value, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.value, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.value = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func expect(f field, typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("field %d: unexpected wire type %d", f.num, f.typ)
	}
	return nil
}

func unmarshalBinary(data []byte) (*Checkpoint, error) {
	if len(data) < len(binaryMagic) || string(data[:len(binaryMagic)]) != string(binaryMagic) {
		return nil, fmt.Errorf("%w: missing binary header", ErrCorrupt)
	}

	c := &Checkpoint{}
	var hasEpoch, hasBest, hasModel, hasOptimizer bool

	err := walk(data[len(binaryMagic):], func(f field) error {
		switch f.num {
		case fieldEpoch:
			if err := expect(f, protowire.VarintType); err != nil {
				return err
			}
			if f.value > math.MaxInt32 {
				return fmt.Errorf("epoch %d out of range", f.value)
			}
			c.Epoch = int(f.value)
			hasEpoch = true
		case fieldBestPrec1:
			if err := expect(f, protowire.Fixed64Type); err != nil {
				return err
			}
			c.BestPrec1 = math.Float64frombits(f.value)
			hasBest = true
		case fieldModel:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			hasModel = true
			return parseModelState(f.bytes, &c.Model)
		case fieldOptimizer:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			hasOptimizer = true
			return parseOptimizerState(f.bytes, &c.Optimizer)
		case fieldMetadata:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			return parseMetadata(f.bytes, &c.Metadata)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	switch {
	case !hasEpoch:
		return nil, fmt.Errorf("%w: missing epoch", ErrCorrupt)
	case !hasBest:
		return nil, fmt.Errorf("%w: missing best_prec1", ErrCorrupt)
	case !hasModel:
		return nil, fmt.Errorf("%w: missing model state", ErrCorrupt)
	case !hasOptimizer:
		return nil, fmt.Errorf("%w: missing optimizer state", ErrCorrupt)
	}
	return c, nil
}

func parseTensor(b []byte) (Tensor, error) {
	var t Tensor
	err := walk(b, func(f field) error {
		switch f.num {
		case fieldTensorName:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			t.Name = string(f.bytes)
		case fieldTensorShape:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			rest := f.bytes
			for len(rest) > 0 {
				v, n := protowire.ConsumeVarint(rest)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Shape = append(t.Shape, int(v))
				rest = rest[n:]
			}
		case fieldTensorData:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			if len(f.bytes)%4 != 0 {
				return fmt.Errorf("tensor %q: data length %d is not a multiple of 4", t.Name, len(f.bytes))
			}
			t.Data = make([]float32, 0, len(f.bytes)/4)
			rest := f.bytes
			for len(rest) > 0 {
				v, n := protowire.ConsumeFixed32(rest)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.Data = append(t.Data, math.Float32frombits(v))
				rest = rest[n:]
			}
		}
		return nil
	})
	return t, err
}

func parseModelState(b []byte, m *ModelState) error {
	return walk(b, func(f field) error {
		switch f.num {
		case fieldModelFormat:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			m.Format = string(f.bytes)
		case fieldModelTensors:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			t, err := parseTensor(f.bytes)
			if err != nil {
				return err
			}
			m.Tensors = append(m.Tensors, t)
		case fieldModelBlob:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			m.Blob = append([]byte(nil), f.bytes...)
		}
		return nil
	})
}

func parseOptimizerState(b []byte, o *OptimizerState) error {
	return walk(b, func(f field) error {
		switch f.num {
		case fieldOptType:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			o.Type = string(f.bytes)
		case fieldOptParam:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			var key string
			var value float64
			err := walk(f.bytes, func(e field) error {
				switch e.num {
				case 1:
					key = string(e.bytes)
				case 2:
					value = math.Float64frombits(e.value)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if o.Params == nil {
				o.Params = make(map[string]float64)
			}
			o.Params[key] = value
		case fieldOptTensors:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			t, err := parseTensor(f.bytes)
			if err != nil {
				return err
			}
			o.Tensors = append(o.Tensors, t)
		}
		return nil
	})
}

func parseMetadata(b []byte, m *Metadata) error {
	return walk(b, func(f field) error {
		switch f.num {
		case fieldMetaVersion:
			m.Version = string(f.bytes)
		case fieldMetaFramework:
			m.Framework = string(f.bytes)
		case fieldMetaRunID:
			id, err := uuid.FromBytes(f.bytes)
			if err != nil {
				return fmt.Errorf("run id: %v", err)
			}
			m.RunID = id
		case fieldMetaCreatedAt:
			m.CreatedAt = time.Unix(0, int64(f.value))
		case fieldMetaDescription:
			m.Description = string(f.bytes)
		}
		return nil
	})
}
