package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"os/exec"
	"sync"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/preprocess"
	"github.com/mattn/go-shellwords"
)

type execModel struct {
	cmd []string
	cfg config.ClassifierConfig
	mu  sync.Mutex
}

type execResult struct {
	Scores []float32 `json:"scores"`
}

// NewExecModel runs cfg.Command once per frame with the prepared input as a
// PNG file and reads {"scores":[...]} from its stdout.
func NewExecModel(cfg config.ClassifierConfig) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse classifier command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("classifier command is empty")
	}
	return &execModel{cmd: args, cfg: cfg}, nil
}

func (m *execModel) Predict(ctx context.Context, t *preprocess.Tensor) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "loqa_sign_*.png")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := png.Encode(file, t.Image()); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("flush frame: %w", err)
	}

	args := append([]string{}, m.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--image", file.Name())
	if m.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", m.cfg.ModelPath)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("classifier command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode classifier response: %w", err)
	}
	return resp.Scores, nil
}

func (m *execModel) Close() error { return nil }
