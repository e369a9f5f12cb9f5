package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-sign/internal/capture"
)

const frameRetryDelay = 50 * time.Millisecond

type frameLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *frameLoop) stop() {
	l.cancel()
	<-l.done
}

// startLoop runs the frame pipeline for d until cancelled. A fatal error
// tears the session down from a separate goroutine.
func (c *Controller) startLoop(d *detection) *frameLoop {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &frameLoop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(loop.done)
		if err := c.runFrames(ctx, d); err != nil {
			c.logger.Error("detection loop failed",
				slog.String("session_id", d.id.sessionID),
				slogError(err))
			go c.abort(d.id.sessionID, err)
		}
	}()
	return loop
}

// runFrames keeps at most one frame in flight: the next frame is not read
// until the previous classification has finished.
func (c *Controller) runFrames(ctx context.Context, d *detection) error {
	failures := 0
	readFailing := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		frame, err := d.device.NextFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, capture.ErrClosed) {
				return fmt.Errorf("camera closed during detection: %w", err)
			}
			if !readFailing {
				readFailing = true
				c.logger.Warn("frame read failed", slogError(err))
			} else {
				c.logger.Debug("frame read failed", slogError(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(frameRetryDelay):
			}
			continue
		}
		if readFailing {
			readFailing = false
			c.logger.Info("frame reads recovered")
		}
		capturedAt := frame.CapturedAt
		if capturedAt.IsZero() {
			capturedAt = time.Now()
		}
		d.actor.submit(frameMsg{at: capturedAt})

		tensor := c.preparer.Prepare(frame)
		started := time.Now()
		vec, err := d.adapter.Classify(ctx, tensor)
		c.metrics.inference(ctx, time.Since(started), err)
		if ctx.Err() != nil {
			// Stopped or paused mid-inference: the result is dropped.
			return nil
		}
		if err != nil {
			failures++
			c.logger.Warn("frame classification failed",
				slog.Int("consecutive", failures),
				slogError(err))
			if failures >= c.maxFailures {
				return fmt.Errorf("%w: %d in a row, last: %w", ErrInferenceFailures, failures, err)
			}
			continue
		}
		failures = 0

		sample, ok := c.gate.Admit(vec, capturedAt)
		c.metrics.gate(ctx, ok)
		if !ok {
			continue
		}
		if !d.actor.submit(sampleMsg{sample: sample}) {
			return nil
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
