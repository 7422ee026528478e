package engine

import (
	"errors"
	"fmt"
)

var (
	ErrModelLoad       = errors.New("model load failed")
	ErrNotLoaded       = errors.New("no model loaded")
	ErrTokenize        = errors.New("tokenize failed")
	ErrEvaluation      = errors.New("evaluation failed")
	ErrInvalidArgument = errors.New("invalid argument")
)

// ModelLoadError is returned by LoadModel. Nothing stays installed after it.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %q: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

func (e *ModelLoadError) Is(target error) bool { return target == ErrModelLoad }

type TokenizeError struct {
	Err error
}

func (e *TokenizeError) Error() string {
	return fmt.Sprintf("tokenize prompt: %v", e.Err)
}

func (e *TokenizeError) Unwrap() error { return e.Err }

func (e *TokenizeError) Is(target error) bool { return target == ErrTokenize }

// EvaluationError reports a runtime decode failure at position Pos.
type EvaluationError struct {
	Pos int
	Err error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluate batch at position %d: %v", e.Pos, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

func (e *EvaluationError) Is(target error) bool { return target == ErrEvaluation }
