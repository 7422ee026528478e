package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGGMLTypeString(t *testing.T) {
	tests := []struct {
		ggmlType GGMLType
		expected string
	}{
		{GGMLTypeF32, "F32"},
		{GGMLTypeF16, "F16"},
		{GGMLTypeBF16, "BF16"},
		{GGMLTypeQ4_0, "Q4_0"},
		{GGMLTypeQ8_0, "Q8_0"},
		{GGMLTypeQ4_K, "Q4_K"},
		{GGMLTypeQ6_K, "Q6_K"},
		{GGMLType(999), "UNKNOWN_TYPE_999"},
	}
	for _, tt := range tests {
		if got := tt.ggmlType.String(); got != tt.expected {
			t.Errorf("GGMLType(%d).String() = %q, want %q", tt.ggmlType, got, tt.expected)
		}
	}
}

func TestTensorSizeBytes(t *testing.T) {
	tests := []struct {
		typ  GGMLType
		dims []uint64
		want uint64
	}{
		{GGMLTypeF32, []uint64{4, 3}, 48},
		{GGMLTypeF16, []uint64{8}, 16},
		{GGMLTypeQ4_0, []uint64{64, 2}, 4 * 18},
		{GGMLTypeQ8_0, []uint64{32}, 34},
		{GGMLTypeQ4_K, []uint64{256, 4}, 4 * 144},
		{GGMLTypeQ6_K, []uint64{512}, 2 * 210},
		{GGMLType(77), []uint64{32}, 0},
	}
	for _, tt := range tests {
		ti := &TensorInfo{Type: tt.typ, Dimensions: tt.dims}
		if got := ti.SizeBytes(); got != tt.want {
			t.Errorf("%s%v: SizeBytes = %d, want %d", tt.typ, tt.dims, got, tt.want)
		}
	}
}

func buildSample(t *testing.T) []byte {
	t.Helper()
	w := NewWriter()
	w.AddKV("general.architecture", "llama")
	w.AddKV("general.name", "sample")
	w.AddKV("llama.context_length", uint32(128))
	w.AddKV("llama.block_count", uint32(2))
	w.AddKV("llama.rope.freq_base", float32(10000))
	w.AddKV("general.file_type", int32(7))
	w.AddKV("general.flag", true)
	w.AddKV("general.size", uint64(1<<40))
	w.AddKV("tokenizer.ggml.tokens", []string{"<unk>", "<s>", "</s>", "a"})
	w.AddKV("tokenizer.ggml.scores", []float32{0, 0, 0, -1.5})
	w.AddKV("tokenizer.ggml.token_type", []int32{2, 3, 3, 1})

	if err := w.AddF32("a", GGMLTypeF32, []uint64{2, 2}, []float32{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddF32("b", GGMLTypeF16, []uint64{3}, []float32{0.5, -2, 1024}); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseRoundTrip(t *testing.T) {
	f, err := Parse(buildSample(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if f.Header.Version != GGUFVersion || f.Header.TensorCount != 2 || f.Header.KVCount != 11 {
		t.Errorf("unexpected header %+v", f.Header)
	}
	if f.Architecture() != "llama" {
		t.Errorf("architecture = %q", f.Architecture())
	}
	if got := f.Uint("llama.context_length"); got != 128 {
		t.Errorf("context_length = %d", got)
	}
	if got, ok := f.Int("general.file_type"); !ok || got != 7 {
		t.Errorf("file_type = %d, %v", got, ok)
	}
	if got, ok := f.Float("llama.rope.freq_base"); !ok || got != 10000 {
		t.Errorf("freq_base = %v, %v", got, ok)
	}
	if f.KV["general.flag"] != true {
		t.Errorf("flag = %v", f.KV["general.flag"])
	}
	if diff := cmp.Diff([]string{"<unk>", "<s>", "</s>", "a"}, f.Strings("tokenizer.ggml.tokens")); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0, 0, 0, -1.5}, f.Float32s("tokenizer.ggml.scores")); diff != "" {
		t.Errorf("scores (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{2, 3, 3, 1}, f.Int32s("tokenizer.ggml.token_type")); diff != "" {
		t.Errorf("token types (-want +got):\n%s", diff)
	}

	if f.DataOffset%DefaultAlignment != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}

	a, ok := f.Tensor("a")
	if !ok {
		t.Fatal("tensor a missing")
	}
	vals, err := Dequantize(a)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, vals); diff != "" {
		t.Errorf("tensor a (-want +got):\n%s", diff)
	}
	if a.Rows() != 2 {
		t.Errorf("rows = %d", a.Rows())
	}

	b, _ := f.Tensor("b")
	vals, err = Dequantize(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{0.5, -2, 1024}, vals); diff != "" {
		t.Errorf("tensor b (-want +got):\n%s", diff)
	}
}

func TestParseCustomAlignment(t *testing.T) {
	w := NewWriter()
	w.AddKV("general.alignment", uint32(64))
	if err := w.AddF32("x", GGMLTypeF32, []uint64{3}, []float32{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if err := w.AddF32("y", GGMLTypeF32, []uint64{1}, []float32{9}); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	f, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if f.Alignment != 64 || f.DataOffset%64 != 0 {
		t.Errorf("alignment %d, data offset %d", f.Alignment, f.DataOffset)
	}
	y, _ := f.Tensor("y")
	if y.Offset != 64 {
		t.Errorf("second tensor offset = %d, want 64", y.Offset)
	}
	vals, _ := Dequantize(y)
	if vals[0] != 9 {
		t.Errorf("y = %v", vals)
	}
}

func TestParseErrors(t *testing.T) {
	valid := buildSample(t)

	badMagic := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(badMagic, 0xdeadbeef)
	if _, err := Parse(badMagic); !errors.As(err, new(ErrInvalidMagic)) {
		t.Errorf("bad magic: got %v", err)
	}

	badVersion := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(badVersion[4:], 9)
	if _, err := Parse(badVersion); !errors.As(err, new(ErrUnsupportedVersion)) {
		t.Errorf("bad version: got %v", err)
	}

	if _, err := Parse(valid[:40]); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated metadata: got %v", err)
	}

	if _, err := Parse(valid[:len(valid)-30]); err == nil {
		t.Error("truncated tensor data: expected error")
	}

	if _, err := Parse(nil); err == nil {
		t.Error("empty input: expected error")
	}
}

func TestLoadFileMapsTensors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.gguf")
	w := NewWriter()
	w.AddKV("general.architecture", "llama")
	if err := w.AddF32("w", GGMLTypeF32, []uint64{4}, []float32{1, -1, 2, -2}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	defer func() { _ = f.Close() }()

	tw, ok := f.Tensor("w")
	if !ok {
		t.Fatal("tensor w missing")
	}
	vals, err := Dequantize(tw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float32{1, -1, 2, -2}, vals); diff != "" {
		t.Errorf("w (-want +got):\n%s", diff)
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.gguf")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWriterRejectsMismatchedTensor(t *testing.T) {
	w := NewWriter()
	if err := w.AddTensor("bad", GGMLTypeF32, []uint64{4}, make([]byte, 12)); err == nil {
		t.Error("expected size mismatch error")
	}
	if err := w.AddTensor("bad", GGMLType(55), []uint64{4}, nil); err == nil {
		t.Error("expected unsupported type error")
	}
}
