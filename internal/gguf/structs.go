package gguf

import "fmt"

const (
	GGUFMagic   = 0x46554747 // "GGUF"
	GGUFVersion = 3

	DefaultAlignment = 32
)

type GGMLType uint32

const (
	GGMLTypeF32  GGMLType = 0
	GGMLTypeF16  GGMLType = 1
	GGMLTypeQ4_0 GGMLType = 2
	GGMLTypeQ4_1 GGMLType = 3
	GGMLTypeQ5_0 GGMLType = 6
	GGMLTypeQ5_1 GGMLType = 7
	GGMLTypeQ8_0 GGMLType = 8
	GGMLTypeQ2_K GGMLType = 10
	GGMLTypeQ3_K GGMLType = 11
	GGMLTypeQ4_K GGMLType = 12
	GGMLTypeQ5_K GGMLType = 13
	GGMLTypeQ6_K GGMLType = 14
	GGMLTypeQ8_K GGMLType = 15
	GGMLTypeBF16 GGMLType = 30
)

type GGUFMetadataValueType uint32

const (
	GGUFMetadataValueTypeUint8   GGUFMetadataValueType = 0
	GGUFMetadataValueTypeInt8    GGUFMetadataValueType = 1
	GGUFMetadataValueTypeUint16  GGUFMetadataValueType = 2
	GGUFMetadataValueTypeInt16   GGUFMetadataValueType = 3
	GGUFMetadataValueTypeUint32  GGUFMetadataValueType = 4
	GGUFMetadataValueTypeInt32   GGUFMetadataValueType = 5
	GGUFMetadataValueTypeFloat32 GGUFMetadataValueType = 6
	GGUFMetadataValueTypeBool    GGUFMetadataValueType = 7
	GGUFMetadataValueTypeString  GGUFMetadataValueType = 8
	GGUFMetadataValueTypeArray   GGUFMetadataValueType = 9
	GGUFMetadataValueTypeUint64  GGUFMetadataValueType = 10
	GGUFMetadataValueTypeInt64   GGUFMetadataValueType = 11
	GGUFMetadataValueTypeFloat64 GGUFMetadataValueType = 12
)

type blockLayout struct {
	elems int // values per block
	bytes int // encoded bytes per block
}

var layouts = map[GGMLType]blockLayout{
	GGMLTypeF32:  {1, 4},
	GGMLTypeF16:  {1, 2},
	GGMLTypeBF16: {1, 2},
	GGMLTypeQ4_0: {32, 18},
	GGMLTypeQ4_1: {32, 20},
	GGMLTypeQ5_0: {32, 22},
	GGMLTypeQ5_1: {32, 24},
	GGMLTypeQ8_0: {32, 34},
	GGMLTypeQ2_K: {256, 84},
	GGMLTypeQ3_K: {256, 110},
	GGMLTypeQ4_K: {256, 144},
	GGMLTypeQ5_K: {256, 176},
	GGMLTypeQ6_K: {256, 210},
	GGMLTypeQ8_K: {256, 292},
}

// BlockSize returns the number of values packed into one block of t, or 0
// for unknown types.
func (t GGMLType) BlockSize() int {
	return layouts[t].elems
}

// RowSize returns the encoded size in bytes of n values of type t. n must be
// a multiple of the block size.
func (t GGMLType) RowSize(n int) int {
	l, ok := layouts[t]
	if !ok {
		return 0
	}
	return n / l.elems * l.bytes
}

type TensorInfo struct {
	Name       string
	Dimensions []uint64 // ne (number of elements) in each dimension
	Type       GGMLType
	Offset     uint64 // Offset relative to data start
	Data       []byte // Byte slice into the mapped file, exactly SizeBytes long
}

func (t *TensorInfo) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Dimensions {
		n *= d
	}
	return n
}

func (t *TensorInfo) SizeBytes() uint64 {
	return uint64(t.Type.RowSize(int(t.Elements())))
}

// Rows returns the number of rows when the tensor is viewed as a matrix whose
// rows have Dimensions[0] elements.
func (t *TensorInfo) Rows() int {
	if len(t.Dimensions) == 0 || t.Dimensions[0] == 0 {
		return 0
	}
	return int(t.Elements() / t.Dimensions[0])
}

type GGUFFile struct {
	Header     GGUFHeader
	KV         map[string]interface{}
	Tensors    []*TensorInfo
	Data       []byte // The raw mapped data
	DataOffset uint64 // Offset where the tensor data starts
	Alignment  uint64

	byName map[string]*TensorInfo
	mapped bool
}

type GGUFHeader struct {
	Magic       uint32
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// Tensor looks a tensor up by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	t, ok := f.byName[name]
	return t, ok
}

type ErrInvalidMagic struct{ Magic uint32 }

func (e ErrInvalidMagic) Error() string {
	return fmt.Sprintf("invalid GGUF magic: %x", e.Magic)
}

type ErrUnsupportedVersion struct{ Version uint32 }

func (e ErrUnsupportedVersion) Error() string {
	return fmt.Sprintf("unsupported GGUF version: %d", e.Version)
}

type ErrUnsupportedType struct{ Type GGMLType }

func (e ErrUnsupportedType) Error() string {
	return fmt.Sprintf("unsupported tensor type: %s", e.Type)
}

func (t GGMLType) String() string {
	switch t {
	case GGMLTypeF32:
		return "F32"
	case GGMLTypeF16:
		return "F16"
	case GGMLTypeBF16:
		return "BF16"
	case GGMLTypeQ4_0:
		return "Q4_0"
	case GGMLTypeQ4_1:
		return "Q4_1"
	case GGMLTypeQ5_0:
		return "Q5_0"
	case GGMLTypeQ5_1:
		return "Q5_1"
	case GGMLTypeQ8_0:
		return "Q8_0"
	case GGMLTypeQ2_K:
		return "Q2_K"
	case GGMLTypeQ3_K:
		return "Q3_K"
	case GGMLTypeQ4_K:
		return "Q4_K"
	case GGMLTypeQ5_K:
		return "Q5_K"
	case GGMLTypeQ6_K:
		return "Q6_K"
	case GGMLTypeQ8_K:
		return "Q8_K"
	default:
		return fmt.Sprintf("UNKNOWN_TYPE_%d", t)
	}
}
