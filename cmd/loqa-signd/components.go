package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-sign/internal/capture"
	"github.com/loqalabs/loqa-sign/internal/capture/webcam"
	"github.com/loqalabs/loqa-sign/internal/classifier"
	"github.com/loqalabs/loqa-sign/internal/classifier/dnn"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/runtime"
)

// buildComponents picks the camera and classifier backends named in cfg.
func buildComponents(cfg config.Config, logger *slog.Logger) (runtime.Components, error) {
	var comp runtime.Components

	switch cfg.Camera.Mode {
	case "webcam":
		comp.Opener = webcam.NewOpener(logger)
	case "synthetic":
		comp.Opener = capture.NewSyntheticOpener(cfg.Camera.FPS)
	default:
		return comp, fmt.Errorf("unsupported camera mode %q", cfg.Camera.Mode)
	}

	classes := len(cfg.Classifier.Labels)
	switch cfg.Classifier.Mode {
	case "dnn":
		comp.Loader = dnn.Loader(cfg.Classifier, logger.With(slog.String("component", "dnn")))
	case "exec":
		comp.Loader = func(context.Context) (classifier.Model, error) {
			return classifier.NewExecModel(cfg.Classifier)
		}
	case "mock":
		comp.Loader = func(context.Context) (classifier.Model, error) {
			return classifier.NewMockModel(classes), nil
		}
	default:
		return comp, fmt.Errorf("unsupported classifier mode %q", cfg.Classifier.Mode)
	}

	logger.Info("components selected",
		slog.String("camera", cfg.Camera.Mode),
		slog.String("classifier", cfg.Classifier.Mode))
	return comp, nil
}
