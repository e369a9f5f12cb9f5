// Package dnn runs exported image classifiers through the OpenCV DNN module.
package dnn

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"github.com/loqalabs/loqa-sign/internal/classifier"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/preprocess"
	"gocv.io/x/gocv"
)

type model struct {
	mu     sync.Mutex
	net    gocv.Net
	closed bool
}

// Loader returns a classifier.Loader reading cfg.ModelPath (and the optional
// cfg.ConfigPath) with the CPU backend.
func Loader(cfg config.ClassifierConfig, logger *slog.Logger) classifier.Loader {
	return func(ctx context.Context) (classifier.Model, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return nil, fmt.Errorf("model file: %w", err)
		}
		if cfg.ConfigPath != "" {
			if _, err := os.Stat(cfg.ConfigPath); err != nil {
				return nil, fmt.Errorf("model config file: %w", err)
			}
		}

		net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
		if net.Empty() {
			_ = net.Close()
			return nil, fmt.Errorf("failed to load network from %s", cfg.ModelPath)
		}
		errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
		errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
		if errBackend != nil || errTarget != nil {
			_ = net.Close()
			return nil, fmt.Errorf("failed to set preferable backend or target")
		}

		logger.Info("classifier network loaded", slog.String("model", cfg.ModelPath))
		return &model{net: net}, nil
	}
}

// Predict wraps the tensor in a Mat without copying, converts it to an NCHW
// blob and runs a forward pass. Every Mat created here is closed before
// returning.
func (m *model) Predict(ctx context.Context, t *preprocess.Tensor) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(t.Data) == 0 || len(t.Data) != t.Width*t.Height*t.Channels {
		return nil, fmt.Errorf("tensor has %d values for %dx%dx%d", len(t.Data), t.Width, t.Height, t.Channels)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("network closed")
	}

	raw := unsafe.Slice((*byte)(unsafe.Pointer(&t.Data[0])), len(t.Data)*4)
	input, err := gocv.NewMatFromBytes(t.Height, t.Width, gocv.MatTypeCV32FC3, raw)
	if err != nil {
		return nil, fmt.Errorf("wrap tensor: %w", err)
	}
	defer input.Close()

	blob := gocv.BlobFromImage(input, 1.0, image.Pt(t.Width, t.Height), gocv.NewScalar(0, 0, 0, 0), false, false)
	defer blob.Close()

	m.net.SetInput(blob, "")
	output := m.net.Forward("")
	defer output.Close()
	if output.Empty() {
		return nil, fmt.Errorf("empty network output")
	}

	scores, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read network output: %w", err)
	}
	// The output Mat owns this memory; copy before it is closed.
	return append([]float32(nil), scores...), nil
}

func (m *model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.net.Close()
}
