package api

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/23skdu/longbow-sessiond/internal/engine"
	"github.com/23skdu/longbow-sessiond/internal/ollama"
)

// Error codes carried in ErrorResponse.Code and Flight status messages.
const (
	CodeNotLoaded       = "model_not_loaded"
	CodeModelNotFound   = "model_not_found"
	CodeModelLoadFailed = "model_load_failed"
	CodeInvalidArgument = "invalid_argument"
	CodeTokenizeFailed  = "tokenize_failed"
	CodeEvalFailed      = "evaluation_failed"
	CodeInternal        = "internal"
)

// Classify maps an engine error to an HTTP status and an error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrNotLoaded):
		return http.StatusConflict, CodeNotLoaded
	case errors.Is(err, engine.ErrInvalidArgument):
		return http.StatusBadRequest, CodeInvalidArgument
	case errors.Is(err, engine.ErrTokenize):
		return http.StatusBadRequest, CodeTokenizeFailed
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, ollama.ErrManifestNotFound),
		errors.Is(err, ollama.ErrBlobNotFound):
		return http.StatusNotFound, CodeModelNotFound
	case errors.Is(err, engine.ErrModelLoad), errors.Is(err, ollama.ErrNoModelLayer):
		return http.StatusUnprocessableEntity, CodeModelLoadFailed
	case errors.Is(err, engine.ErrEvaluation):
		return http.StatusInternalServerError, CodeEvalFailed
	}
	return http.StatusInternalServerError, CodeInternal
}

// ErrorFromCode rebuilds a sentinel-matching error from a code received
// over the wire.
func ErrorFromCode(code, msg string) error {
	var bases []error
	switch code {
	case CodeNotLoaded:
		bases = []error{engine.ErrNotLoaded}
	case CodeInvalidArgument:
		bases = []error{engine.ErrInvalidArgument}
	case CodeTokenizeFailed:
		bases = []error{engine.ErrTokenize}
	case CodeModelNotFound:
		bases = []error{engine.ErrModelLoad, fs.ErrNotExist}
	case CodeModelLoadFailed:
		bases = []error{engine.ErrModelLoad}
	case CodeEvalFailed:
		bases = []error{engine.ErrEvaluation}
	default:
		return errors.New(msg)
	}
	return &remoteError{msg: msg, bases: bases}
}

type remoteError struct {
	msg   string
	bases []error
}

func (e *remoteError) Error() string   { return e.msg }
func (e *remoteError) Unwrap() []error { return e.bases }
