package engine

// ModelInfo is a read-only snapshot of a loaded model.
type ModelInfo struct {
	ParamCount   int64  `json:"param_count"`
	LayerCount   int    `json:"layer_count"`
	ContextSize  int    `json:"context_size"`
	VocabSize    int    `json:"vocab_size"`
	TrainContext int    `json:"train_context"`
	Architecture string `json:"architecture"`
	Name         string `json:"name"`
}

type ModelParams struct {
	Threads   int
	GPULayers int
	UseGPU    bool
}

type ContextParams struct {
	ContextSize int
	BatchSize   int
	Threads     int
}

// Runtime creates models. It is the only way the engine touches weights.
type Runtime interface {
	LoadModel(path string, params ModelParams) (Model, error)
}

type Model interface {
	Tokenize(text string, addBOS, parseSpecial bool) ([]int32, error)
	TokenToPiece(id int32) string
	IsEOG(id int32) bool
	// Info reports the model's own properties; ContextSize is filled by the
	// session from the active context.
	Info() ModelInfo
	NewContext(params ContextParams) (Context, error)
	Close() error
}

// Context is an evaluation context: a KV cache plus the logits of the last
// requested batch entry.
type Context interface {
	Decode(b *Batch) error
	Logits() []float32
	Clear()
	Size() int
	Close() error
}
