package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// LoadFile maps a GGUF file into memory and parses headers/metadata.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, fmt.Errorf("%s: %w", path, io.ErrUnexpectedEOF)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	file.mapped = true
	return file, nil
}

// Parse decodes a GGUF image held in memory. Tensor data slices alias data.
func Parse(data []byte) (*GGUFFile, error) {
	r := &cursor{data: data}
	file := &GGUFFile{
		Data:   data,
		KV:     make(map[string]interface{}),
		byName: make(map[string]*TensorInfo),
	}

	file.Header.Magic = r.u32()
	if r.err != nil {
		return nil, r.err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}

	file.Header.Version = r.u32()
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	file.Header.TensorCount = r.u64()
	file.Header.KVCount = r.u64()
	if r.err != nil {
		return nil, r.err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k := r.str()
		typ := GGUFMetadataValueType(r.u32())
		v := r.value(typ)
		if r.err != nil {
			return nil, fmt.Errorf("metadata %d (%q): %w", i, k, r.err)
		}
		file.KV[k] = v
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name := r.str()
		nd := r.u32()
		if r.err == nil && nd > 4 {
			return nil, fmt.Errorf("tensor %q: %d dimensions", name, nd)
		}
		dims := make([]uint64, nd)
		for j := range dims {
			dims[j] = r.u64()
		}
		t := &TensorInfo{
			Name:       name,
			Dimensions: dims,
			Type:       GGMLType(r.u32()),
			Offset:     r.u64(),
		}
		if r.err != nil {
			return nil, fmt.Errorf("tensor info %d: %w", i, r.err)
		}
		file.Tensors = append(file.Tensors, t)
		file.byName[name] = t
	}

	file.Alignment = DefaultAlignment
	if a := file.Uint("general.alignment"); a > 0 {
		file.Alignment = a
	}

	offset := uint64(r.off)
	if pad := offset % file.Alignment; pad != 0 {
		offset += file.Alignment - pad
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		if t.Type.BlockSize() == 0 {
			// Unknown layouts are kept addressable so metadata tools can list them.
			t.Data = nil
			continue
		}
		start := offset + t.Offset
		end := start + t.SizeBytes()
		if end > uint64(len(data)) || start > end {
			return nil, fmt.Errorf("tensor %q: data [%d, %d) out of bounds (file is %d bytes)", t.Name, start, end, len(data))
		}
		t.Data = data[start:end:end]
	}

	return file, nil
}

func (f *GGUFFile) Close() error {
	if !f.mapped || f.Data == nil {
		return nil
	}
	data := f.Data
	f.Data = nil
	return unix.Munmap(data)
}

// cursor reads little-endian values and latches the first error.
type cursor struct {
	data []byte
	off  int
	err  error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.off+n > len(c.data) {
		c.err = io.ErrUnexpectedEOF
		return nil
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (c *cursor) str() string {
	n := c.u64()
	if c.err == nil && n > uint64(len(c.data)-c.off) {
		c.err = io.ErrUnexpectedEOF
		return ""
	}
	return string(c.take(int(n)))
}

func (c *cursor) value(typ GGUFMetadataValueType) interface{} {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return c.u8()
	case GGUFMetadataValueTypeInt8:
		return int8(c.u8())
	case GGUFMetadataValueTypeUint16:
		return c.u16()
	case GGUFMetadataValueTypeInt16:
		return int16(c.u16())
	case GGUFMetadataValueTypeUint32:
		return c.u32()
	case GGUFMetadataValueTypeInt32:
		return int32(c.u32())
	case GGUFMetadataValueTypeFloat32:
		return math.Float32frombits(c.u32())
	case GGUFMetadataValueTypeBool:
		return c.u8() != 0
	case GGUFMetadataValueTypeString:
		return c.str()
	case GGUFMetadataValueTypeUint64:
		return c.u64()
	case GGUFMetadataValueTypeInt64:
		return int64(c.u64())
	case GGUFMetadataValueTypeFloat64:
		return math.Float64frombits(c.u64())
	case GGUFMetadataValueTypeArray:
		return c.array()
	default:
		if c.err == nil {
			c.err = fmt.Errorf("unsupported metadata type: %d", typ)
		}
		return nil
	}
}

// array decodes the common element types into typed slices; anything else
// becomes []interface{}.
func (c *cursor) array() interface{} {
	typ := GGUFMetadataValueType(c.u32())
	n := c.u64()
	if c.err != nil {
		return nil
	}
	// Every element takes at least one byte.
	if n > uint64(len(c.data)-c.off) {
		c.err = io.ErrUnexpectedEOF
		return nil
	}
	switch typ {
	case GGUFMetadataValueTypeString:
		out := make([]string, n)
		for i := range out {
			out[i] = c.str()
		}
		return out
	case GGUFMetadataValueTypeFloat32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(c.u32())
		}
		return out
	case GGUFMetadataValueTypeInt32:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(c.u32())
		}
		return out
	case GGUFMetadataValueTypeUint32:
		out := make([]uint32, n)
		for i := range out {
			out[i] = c.u32()
		}
		return out
	default:
		out := make([]interface{}, n)
		for i := range out {
			out[i] = c.value(typ)
			if c.err != nil {
				return nil
			}
		}
		return out
	}
}
