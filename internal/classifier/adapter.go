// Package classifier adapts inference backends to the decoder's confidence
// vectors.
package classifier

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/decoder"
	"github.com/loqalabs/loqa-sign/internal/preprocess"
)

// Adapter owns a loaded model and maps its raw output onto the alphabet.
type Adapter struct {
	model   Model
	labels  []string
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Load runs loader and wraps any failure in ErrModelLoad.
func Load(ctx context.Context, loader Loader, labels []string, timeout time.Duration) (*Adapter, error) {
	if loader == nil {
		return nil, fmt.Errorf("%w: no loader configured", ErrModelLoad)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: empty alphabet", ErrModelLoad)
	}
	model, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}
	return NewAdapter(model, labels, timeout), nil
}

func NewAdapter(model Model, labels []string, timeout time.Duration) *Adapter {
	return &Adapter{
		model:   model,
		labels:  append([]string(nil), labels...),
		timeout: timeout,
	}
}

func (a *Adapter) Labels() []string { return a.labels }

// Classify runs one prediction. The tensor is released before Classify
// returns whatever the outcome.
func (a *Adapter) Classify(ctx context.Context, t *preprocess.Tensor) (decoder.ConfidenceVector, error) {
	defer t.Release()

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	raw, err := a.model.Predict(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	if len(raw) != len(a.labels) {
		return nil, fmt.Errorf("%w: model returned %d scores for %d labels", ErrInference, len(raw), len(a.labels))
	}

	vec := make(decoder.ConfidenceVector, len(raw))
	for i, v := range raw {
		c := float64(v)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("%w: non-finite score for %q", ErrInference, a.labels[i])
		}
		vec[i] = decoder.Score{Symbol: a.labels[i], Confidence: c}
	}
	return vec, nil
}

// Close disposes of the model once.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.model.Close()
	})
	return a.closeErr
}
