package ollama

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
)

const (
	DefaultRegistry  = "registry.ollama.ai"
	DefaultNamespace = "library"
	DefaultTag       = "latest"
	MediaTypeModel   = "application/vnd.ollama.image.model"
)

var (
	ErrManifestNotFound = errors.New("model manifest not found")
	ErrNoModelLayer     = errors.New("no model layer found in manifest")
	ErrBlobNotFound     = errors.New("model blob not found")
)

type Manifest struct {
	SchemaVersion int     `json:"schemaVersion"`
	Layers        []Layer `json:"layers"`
}

type Layer struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// Ref is a parsed model reference such as "llama3:8b" or
// "hf.co/user/model:Q4_K_M".
type Ref struct {
	Registry  string
	Namespace string
	Name      string
	Tag       string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", r.Registry, r.Namespace, r.Name, r.Tag)
}

func ParseRef(s string) (Ref, error) {
	ref := Ref{Registry: DefaultRegistry, Namespace: DefaultNamespace, Tag: DefaultTag}
	if s == "" {
		return ref, fmt.Errorf("empty model name")
	}

	path := s
	if i := strings.LastIndex(s, ":"); i > strings.LastIndex(s, "/") {
		path, ref.Tag = s[:i], s[i+1:]
		if ref.Tag == "" {
			return ref, fmt.Errorf("model name %q has an empty tag", s)
		}
	}

	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" {
			return ref, fmt.Errorf("malformed model name %q", s)
		}
	}
	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		ref.Namespace, ref.Name = parts[0], parts[1]
	case 3:
		ref.Registry, ref.Namespace, ref.Name = parts[0], parts[1], parts[2]
	default:
		return ref, fmt.Errorf("malformed model name %q", s)
	}
	return ref, nil
}

// LooksLikeRef reports whether arg should be treated as a model name rather
// than a file path.
func LooksLikeRef(arg string) bool {
	if arg == "" || strings.HasSuffix(arg, ".gguf") || filepath.IsAbs(arg) || strings.HasPrefix(arg, ".") {
		return false
	}
	if _, err := os.Stat(arg); err == nil {
		return false
	}
	_, err := ParseRef(arg)
	return err == nil
}

func GetOllamaDir() (string, error) {
	if env := os.Getenv("OLLAMA_MODELS"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ollama", "models"), nil
}

// Resolver maps model references to blobs under an Ollama models directory.
type Resolver struct {
	Dir string
}

func NewResolver() (*Resolver, error) {
	dir, err := GetOllamaDir()
	if err != nil {
		return nil, err
	}
	return &Resolver{Dir: dir}, nil
}

func (r *Resolver) ManifestPath(ref Ref) string {
	return filepath.Join(r.Dir, "manifests", ref.Registry, ref.Namespace, ref.Name, ref.Tag)
}

func (r *Resolver) Manifest(ref Ref) (*Manifest, error) {
	data, err := os.ReadFile(r.ManifestPath(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", ref, err)
	}
	return &m, nil
}

// Resolve returns the path of the GGUF blob for name.
func (r *Resolver) Resolve(name string) (string, error) {
	ref, err := ParseRef(name)
	if err != nil {
		return "", err
	}
	m, err := r.Manifest(ref)
	if err != nil {
		return "", err
	}

	var digest string
	for _, l := range m.Layers {
		if l.MediaType == MediaTypeModel {
			digest = l.Digest
			break
		}
	}
	if digest == "" {
		return "", fmt.Errorf("%w: %s", ErrNoModelLayer, ref)
	}

	// digest "sha256:<hex>" is stored as blobs/sha256-<hex>
	blob := filepath.Join(r.Dir, "blobs", strings.Replace(digest, ":", "-", 1))
	if _, err := os.Stat(blob); err != nil {
		return "", fmt.Errorf("%w: %s", ErrBlobNotFound, blob)
	}
	return blob, nil
}

// ResolveModelPath resolves name against the default models directory.
func ResolveModelPath(name string) (string, error) {
	r, err := NewResolver()
	if err != nil {
		return "", err
	}
	return r.Resolve(name)
}
