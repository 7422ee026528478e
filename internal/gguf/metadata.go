package gguf

import (
	"sort"
)

// Architecture returns general.architecture, or "" when absent.
func (f *GGUFFile) Architecture() string {
	s, _ := f.GetString("general.architecture")
	return s
}

func (f *GGUFFile) GetString(key string) (string, bool) {
	s, ok := f.KV[key].(string)
	return s, ok
}

// Uint returns the first of keys holding an integer value, converted to
// uint64. Missing or non-integer keys yield 0.
func (f *GGUFFile) Uint(keys ...string) uint64 {
	return getKVInt(f.KV, keys...)
}

// Int returns an integer value and whether key held one.
func (f *GGUFFile) Int(key string) (int64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return int64(v), true
	case int8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case int16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

func (f *GGUFFile) Float(key string) (float32, bool) {
	switch v := f.KV[key].(type) {
	case float32:
		return v, true
	case float64:
		return float32(v), true
	}
	return 0, false
}

func (f *GGUFFile) Strings(key string) []string {
	s, _ := f.KV[key].([]string)
	return s
}

func (f *GGUFFile) Float32s(key string) []float32 {
	s, _ := f.KV[key].([]float32)
	return s
}

// Int32s returns an integer array, accepting int32 and uint32 encodings.
func (f *GGUFFile) Int32s(key string) []int32 {
	switch v := f.KV[key].(type) {
	case []int32:
		return v
	case []uint32:
		out := make([]int32, len(v))
		for i, x := range v {
			out[i] = int32(x)
		}
		return out
	}
	return nil
}

type MetadataAnalyzer struct {
	file *GGUFFile
}

func NewMetadataAnalyzer(file *GGUFFile) *MetadataAnalyzer {
	return &MetadataAnalyzer{file: file}
}

type AnalysisReport struct {
	Architecture     string
	ModelName        string
	ContextLength    int
	HiddenSize       int
	BlockCount       int
	AttentionHeads   int
	KVHeads          int
	IntermediateSize int
	VocabSize        int
	TokenizerModel   string
	Quantization     string
	TotalParameters  int64
	TensorCount      int
	MemoryEstimate   int64
}

func (a *MetadataAnalyzer) Analyze() (*AnalysisReport, error) {
	f := a.file
	report := &AnalysisReport{
		Architecture: f.Architecture(),
		TensorCount:  len(f.Tensors),
	}
	report.ModelName, _ = f.GetString("general.name")
	report.TokenizerModel, _ = f.GetString("tokenizer.ggml.model")

	arch := report.Architecture
	report.ContextLength = int(f.Uint(arch+".context_length", "general.context_length"))
	report.HiddenSize = int(f.Uint(arch+".embedding_length", arch+".hidden_size"))
	report.BlockCount = int(f.Uint(arch+".block_count", arch+".num_hidden_layers"))
	report.AttentionHeads = int(f.Uint(arch + ".attention.head_count"))

	kvHeads := f.Uint(arch+".attention.head_count_kv", arch+".attention.kv_head_count")
	if kvHeads == 0 {
		kvHeads = uint64(report.AttentionHeads)
	}
	report.KVHeads = int(kvHeads)

	report.IntermediateSize = int(f.Uint(arch+".feed_forward_length", arch+".intermediate_size"))
	report.VocabSize = len(f.Strings("tokenizer.ggml.tokens"))
	if report.VocabSize == 0 {
		report.VocabSize = int(f.Uint(arch + ".vocab_size"))
	}

	for _, t := range f.Tensors {
		report.TotalParameters += int64(t.Elements())
		report.MemoryEstimate += int64(t.SizeBytes())
	}
	report.Quantization = a.dominantType()

	return report, nil
}

// dominantType names the tensor type holding the most bytes.
func (a *MetadataAnalyzer) dominantType() string {
	bytesByType := make(map[GGMLType]uint64)
	for _, t := range a.file.Tensors {
		bytesByType[t.Type] += t.SizeBytes()
	}
	if len(bytesByType) == 0 {
		return "Unknown"
	}
	types := make([]GGMLType, 0, len(bytesByType))
	for t := range bytesByType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if bytesByType[types[i]] != bytesByType[types[j]] {
			return bytesByType[types[i]] > bytesByType[types[j]]
		}
		return types[i] < types[j]
	})
	return types[0].String()
}

func getKVInt(kv map[string]interface{}, keys ...string) uint64 {
	for _, key := range keys {
		if key == "" {
			continue
		}
		switch v := kv[key].(type) {
		case uint64:
			return v
		case int64:
			return uint64(v)
		case uint32:
			return uint64(v)
		case int32:
			return uint64(v)
		case uint16:
			return uint64(v)
		case int16:
			return uint64(v)
		case uint8:
			return uint64(v)
		case int8:
			return uint64(v)
		}
	}
	return 0
}
