package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Dequantize expands a whole tensor to float32.
func Dequantize(t *TensorInfo) ([]float32, error) {
	out := make([]float32, t.Elements())
	if err := DequantizeInto(t.Type, t.Data, out); err != nil {
		return nil, fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	return out, nil
}

// DequantizeInto decodes len(dst) values of type typ from src. len(dst) must
// be a multiple of the type's block size.
func DequantizeInto(typ GGMLType, src []byte, dst []float32) error {
	bs := typ.BlockSize()
	if bs == 0 {
		return ErrUnsupportedType{Type: typ}
	}
	if len(dst)%bs != 0 {
		return fmt.Errorf("%s: %d values is not a multiple of block size %d", typ, len(dst), bs)
	}
	if need := typ.RowSize(len(dst)); len(src) < need {
		return fmt.Errorf("%s: need %d bytes for %d values, have %d", typ, need, len(dst), len(src))
	}

	switch typ {
	case GGMLTypeF32:
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
		}
	case GGMLTypeF16:
		for i := range dst {
			dst[i] = fp16(src[i*2:])
		}
	case GGMLTypeBF16:
		for i := range dst {
			dst[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(src[i*2:])) << 16)
		}
	case GGMLTypeQ4_0:
		forBlocks(src, dst, 18, 32, dequantQ4_0)
	case GGMLTypeQ4_1:
		forBlocks(src, dst, 20, 32, dequantQ4_1)
	case GGMLTypeQ5_0:
		forBlocks(src, dst, 22, 32, dequantQ5_0)
	case GGMLTypeQ5_1:
		forBlocks(src, dst, 24, 32, dequantQ5_1)
	case GGMLTypeQ8_0:
		forBlocks(src, dst, 34, 32, dequantQ8_0)
	case GGMLTypeQ4_K:
		forBlocks(src, dst, 144, 256, dequantQ4_K)
	case GGMLTypeQ5_K:
		forBlocks(src, dst, 176, 256, dequantQ5_K)
	case GGMLTypeQ6_K:
		forBlocks(src, dst, 210, 256, dequantQ6_K)
	default:
		return ErrUnsupportedType{Type: typ}
	}
	return nil
}

// Supported reports whether DequantizeInto can decode typ.
func Supported(typ GGMLType) bool {
	switch typ {
	case GGMLTypeF32, GGMLTypeF16, GGMLTypeBF16,
		GGMLTypeQ4_0, GGMLTypeQ4_1, GGMLTypeQ5_0, GGMLTypeQ5_1, GGMLTypeQ8_0,
		GGMLTypeQ4_K, GGMLTypeQ5_K, GGMLTypeQ6_K:
		return true
	}
	return false
}

func forBlocks(src []byte, dst []float32, blockBytes, blockElems int, fn func(b []byte, y []float32)) {
	for i := 0; i < len(dst)/blockElems; i++ {
		fn(src[i*blockBytes:(i+1)*blockBytes], dst[i*blockElems:(i+1)*blockElems])
	}
}

func fp16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

func dequantQ4_0(b []byte, y []float32) {
	d := fp16(b)
	qs := b[2:18]
	for j := 0; j < 16; j++ {
		y[j] = float32(int(qs[j]&0x0F)-8) * d
		y[j+16] = float32(int(qs[j]>>4)-8) * d
	}
}

func dequantQ4_1(b []byte, y []float32) {
	d, m := fp16(b), fp16(b[2:])
	qs := b[4:20]
	for j := 0; j < 16; j++ {
		y[j] = float32(qs[j]&0x0F)*d + m
		y[j+16] = float32(qs[j]>>4)*d + m
	}
}

func dequantQ5_0(b []byte, y []float32) {
	d := fp16(b)
	qh := binary.LittleEndian.Uint32(b[2:])
	qs := b[6:22]
	for j := 0; j < 16; j++ {
		xh0 := byte((qh>>uint(j))<<4) & 0x10
		xh1 := byte(qh>>uint(j+12)) & 0x10
		y[j] = float32(int(qs[j]&0x0F|xh0)-16) * d
		y[j+16] = float32(int(qs[j]>>4|xh1)-16) * d
	}
}

func dequantQ5_1(b []byte, y []float32) {
	d, m := fp16(b), fp16(b[2:])
	qh := binary.LittleEndian.Uint32(b[4:])
	qs := b[8:24]
	for j := 0; j < 16; j++ {
		xh0 := byte((qh>>uint(j))<<4) & 0x10
		xh1 := byte(qh>>uint(j+12)) & 0x10
		y[j] = float32(qs[j]&0x0F|xh0)*d + m
		y[j+16] = float32(qs[j]>>4|xh1)*d + m
	}
}

func dequantQ8_0(b []byte, y []float32) {
	d := fp16(b)
	for j := 0; j < 32; j++ {
		y[j] = float32(int8(b[2+j])) * d
	}
}

// scaleMinK4 unpacks the j-th 6-bit scale and min from the 12-byte K-quant
// scale block.
func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	d := (q[j+4] & 0x0F) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return d, m
}

func dequantQ4_K(b []byte, y []float32) {
	d, dmin := fp16(b), fp16(b[2:])
	scales := b[4:16]
	q := b[16:144]
	is := 0
	for j := 0; j < 256; j += 64 {
		sc, m := scaleMinK4(is, scales)
		d1, m1 := d*float32(sc), dmin*float32(m)
		sc, m = scaleMinK4(is+1, scales)
		d2, m2 := d*float32(sc), dmin*float32(m)
		for l := 0; l < 32; l++ {
			y[j+l] = d1*float32(q[l]&0x0F) - m1
			y[j+32+l] = d2*float32(q[l]>>4) - m2
		}
		q = q[32:]
		is += 2
	}
}

func dequantQ5_K(b []byte, y []float32) {
	d, dmin := fp16(b), fp16(b[2:])
	scales := b[4:16]
	qh := b[16:48]
	ql := b[48:176]
	is := 0
	var u1, u2 byte = 1, 2
	for j := 0; j < 256; j += 64 {
		sc, m := scaleMinK4(is, scales)
		d1, m1 := d*float32(sc), dmin*float32(m)
		sc, m = scaleMinK4(is+1, scales)
		d2, m2 := d*float32(sc), dmin*float32(m)
		for l := 0; l < 32; l++ {
			var h1, h2 byte
			if qh[l]&u1 != 0 {
				h1 = 16
			}
			if qh[l]&u2 != 0 {
				h2 = 16
			}
			y[j+l] = d1*float32(ql[l]&0x0F+h1) - m1
			y[j+32+l] = d2*float32(ql[l]>>4+h2) - m2
		}
		ql = ql[32:]
		is += 2
		u1 <<= 2
		u2 <<= 2
	}
}

func dequantQ6_K(b []byte, y []float32) {
	ql := b[0:128]
	qh := b[128:192]
	sc := b[192:208]
	d := fp16(b[208:])
	for n := 0; n < 256; n += 128 {
		for l := 0; l < 32; l++ {
			is := l / 16
			q1 := int(ql[l]&0x0F|((qh[l]>>0)&3)<<4) - 32
			q2 := int(ql[l+32]&0x0F|((qh[l]>>2)&3)<<4) - 32
			q3 := int(ql[l]>>4|((qh[l]>>4)&3)<<4) - 32
			q4 := int(ql[l+32]>>4|((qh[l]>>6)&3)<<4) - 32
			y[n+l] = d * float32(int8(sc[is])) * float32(q1)
			y[n+l+32] = d * float32(int8(sc[is+2])) * float32(q2)
			y[n+l+64] = d * float32(int8(sc[is+4])) * float32(q3)
			y[n+l+96] = d * float32(int8(sc[is+6])) * float32(q4)
		}
		ql = ql[64:]
		qh = qh[32:]
		sc = sc[8:]
	}
}
