package classifier

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-sign/internal/preprocess"
)

var (
	// ErrModelLoad wraps every failure to load a model artifact.
	ErrModelLoad = errors.New("classifier model load failed")
	// ErrInference wraps every failure of a single prediction.
	ErrInference = errors.New("classifier inference failed")
)

// Model is the inference engine boundary. Predict returns one score per
// alphabet entry and must free its own per-call buffers before returning.
type Model interface {
	Predict(ctx context.Context, t *preprocess.Tensor) ([]float32, error)
	Close() error
}

// Loader loads a model on demand, so sessions only pay for it when
// detection starts.
type Loader func(ctx context.Context) (Model, error)
