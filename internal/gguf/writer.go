package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
)

type kvEntry struct {
	key   string
	value interface{}
}

type tensorEntry struct {
	name string
	typ  GGMLType
	dims []uint64
	data []byte
}

// Writer assembles a GGUF v3 image. Keys and tensors are written in the order
// they were added.
type Writer struct {
	kvs       []kvEntry
	tensors   []tensorEntry
	alignment uint64
}

func NewWriter() *Writer {
	return &Writer{alignment: DefaultAlignment}
}

// AddKV records a metadata value. Supported Go types are the scalar types of
// the format plus string, []string, []float32, []int32 and []uint32.
func (w *Writer) AddKV(key string, value interface{}) {
	if key == "general.alignment" {
		if a, ok := value.(uint32); ok && a > 0 {
			w.alignment = uint64(a)
		}
	}
	w.kvs = append(w.kvs, kvEntry{key, value})
}

// AddTensor records a tensor whose encoded bytes are already in typ's layout.
func (w *Writer) AddTensor(name string, typ GGMLType, dims []uint64, data []byte) error {
	t := TensorInfo{Dimensions: dims, Type: typ}
	if typ.BlockSize() == 0 {
		return ErrUnsupportedType{Type: typ}
	}
	if uint64(len(data)) != t.SizeBytes() {
		return fmt.Errorf("tensor %s: %d bytes, %s%v needs %d", name, len(data), typ, dims, t.SizeBytes())
	}
	w.tensors = append(w.tensors, tensorEntry{name, typ, dims, data})
	return nil
}

// AddF32 encodes values as F32, F16 or Q8_0/Q4_0 and records the tensor.
func (w *Writer) AddF32(name string, typ GGMLType, dims []uint64, values []float32) error {
	var data []byte
	switch typ {
	case GGMLTypeF32:
		data = EncodeF32(values)
	case GGMLTypeF16:
		data = EncodeF16(values)
	case GGMLTypeQ8_0:
		data = QuantizeQ8_0(values)
	case GGMLTypeQ4_0:
		data = QuantizeQ4_0(values)
	default:
		return ErrUnsupportedType{Type: typ}
	}
	return w.AddTensor(name, typ, dims, data)
}

func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian

	_ = binary.Write(&buf, le, uint32(GGUFMagic))
	_ = binary.Write(&buf, le, uint32(GGUFVersion))
	_ = binary.Write(&buf, le, uint64(len(w.tensors)))
	_ = binary.Write(&buf, le, uint64(len(w.kvs)))

	for _, kv := range w.kvs {
		writeString(&buf, kv.key)
		if err := writeValue(&buf, kv.value); err != nil {
			return 0, fmt.Errorf("metadata %s: %w", kv.key, err)
		}
	}

	var offset uint64
	for _, t := range w.tensors {
		writeString(&buf, t.name)
		_ = binary.Write(&buf, le, uint32(len(t.dims)))
		for _, d := range t.dims {
			_ = binary.Write(&buf, le, d)
		}
		_ = binary.Write(&buf, le, uint32(t.typ))
		_ = binary.Write(&buf, le, offset)
		offset = align(offset+uint64(len(t.data)), w.alignment)
	}

	buf.Write(make([]byte, align(uint64(buf.Len()), w.alignment)-uint64(buf.Len())))

	for _, t := range w.tensors {
		buf.Write(t.data)
		pad := align(uint64(len(t.data)), w.alignment) - uint64(len(t.data))
		buf.Write(make([]byte, pad))
	}

	return buf.WriteTo(out)
}

// WriteFile writes the image to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func align(n, a uint64) uint64 {
	if r := n % a; r != 0 {
		return n + a - r
	}
	return n
}

func writeString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint64(len(s)))
	buf.WriteString(s)
}

func writeValue(buf *bytes.Buffer, v interface{}) error {
	le := binary.LittleEndian
	put := func(t GGUFMetadataValueType, x interface{}) {
		_ = binary.Write(buf, le, uint32(t))
		_ = binary.Write(buf, le, x)
	}
	switch x := v.(type) {
	case uint8:
		put(GGUFMetadataValueTypeUint8, x)
	case int8:
		put(GGUFMetadataValueTypeInt8, x)
	case uint16:
		put(GGUFMetadataValueTypeUint16, x)
	case int16:
		put(GGUFMetadataValueTypeInt16, x)
	case uint32:
		put(GGUFMetadataValueTypeUint32, x)
	case int32:
		put(GGUFMetadataValueTypeInt32, x)
	case float32:
		put(GGUFMetadataValueTypeFloat32, x)
	case uint64:
		put(GGUFMetadataValueTypeUint64, x)
	case int64:
		put(GGUFMetadataValueTypeInt64, x)
	case float64:
		put(GGUFMetadataValueTypeFloat64, x)
	case bool:
		var b uint8
		if x {
			b = 1
		}
		put(GGUFMetadataValueTypeBool, b)
	case string:
		_ = binary.Write(buf, le, uint32(GGUFMetadataValueTypeString))
		writeString(buf, x)
	case []string:
		arrayHeader(buf, GGUFMetadataValueTypeString, len(x))
		for _, s := range x {
			writeString(buf, s)
		}
	case []float32:
		arrayHeader(buf, GGUFMetadataValueTypeFloat32, len(x))
		_ = binary.Write(buf, le, x)
	case []int32:
		arrayHeader(buf, GGUFMetadataValueTypeInt32, len(x))
		_ = binary.Write(buf, le, x)
	case []uint32:
		arrayHeader(buf, GGUFMetadataValueTypeUint32, len(x))
		_ = binary.Write(buf, le, x)
	default:
		return fmt.Errorf("unsupported metadata value %T", v)
	}
	return nil
}

func arrayHeader(buf *bytes.Buffer, t GGUFMetadataValueType, n int) {
	_ = binary.Write(buf, binary.LittleEndian, uint32(GGUFMetadataValueTypeArray))
	_ = binary.Write(buf, binary.LittleEndian, uint32(t))
	_ = binary.Write(buf, binary.LittleEndian, uint64(n))
}

func EncodeF32(values []float32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func EncodeF16(values []float32) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
	}
	return out
}

// QuantizeQ8_0 encodes values (a multiple of 32) with one f16 scale per block.
func QuantizeQ8_0(values []float32) []byte {
	out := make([]byte, len(values)/32*34)
	for b := 0; b < len(values)/32; b++ {
		x := values[b*32 : (b+1)*32]
		amax := absMax(x)
		d := amax / 127
		var id float32
		if d != 0 {
			id = 1 / d
		}
		blk := out[b*34:]
		binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(d).Bits())
		for j, v := range x {
			blk[2+j] = byte(int8(roundf(v * id)))
		}
	}
	return out
}

// QuantizeQ4_0 encodes values (a multiple of 32) as signed nibbles around 8.
func QuantizeQ4_0(values []float32) []byte {
	out := make([]byte, len(values)/32*18)
	for b := 0; b < len(values)/32; b++ {
		x := values[b*32 : (b+1)*32]
		var maxv float32
		for _, v := range x {
			if abs32(v) > abs32(maxv) {
				maxv = v
			}
		}
		d := maxv / -8
		var id float32
		if d != 0 {
			id = 1 / d
		}
		blk := out[b*18:]
		binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(d).Bits())
		for j := 0; j < 16; j++ {
			q0 := clampNibble(x[j]*id + 8.5)
			q1 := clampNibble(x[j+16]*id + 8.5)
			blk[2+j] = q0 | q1<<4
		}
	}
	return out
}

func clampNibble(v float32) byte {
	q := int(v)
	if q > 15 {
		q = 15
	}
	if q < 0 {
		q = 0
	}
	return byte(q)
}

func absMax(x []float32) float32 {
	var m float32
	for _, v := range x {
		if a := abs32(v); a > m {
			m = a
		}
	}
	return m
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func roundf(v float32) float32 {
	return float32(math.Round(float64(v)))
}
