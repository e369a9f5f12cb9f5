// Package webcam reads frames from a local camera through OpenCV.
package webcam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/capture"
	"gocv.io/x/gocv"
)

// Opener opens local capture devices by index. OpenCV cannot pick a camera
// by the way it faces, so Constraints.Facing is only logged and DeviceID
// decides which camera is used.
type Opener struct {
	logger *slog.Logger
}

func NewOpener(logger *slog.Logger) *Opener {
	return &Opener{logger: logger.With(slog.String("component", "webcam"))}
}

// Open acquires the device once. Denied, missing or busy cameras all surface
// as capture.ErrDeviceUnavailable.
func (o *Opener) Open(ctx context.Context, c capture.Constraints) (capture.Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vc, err := gocv.OpenVideoCapture(c.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device %d: %v", capture.ErrDeviceUnavailable, c.DeviceID, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("%w: device %d did not open", capture.ErrDeviceUnavailable, c.DeviceID)
	}
	if c.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
	}
	if c.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	}

	o.logger.Info("camera opened",
		slog.Int("device", c.DeviceID),
		slog.Int("width", int(vc.Get(gocv.VideoCaptureFrameWidth))),
		slog.Int("height", int(vc.Get(gocv.VideoCaptureFrameHeight))),
		slog.String("facing", c.Facing))

	return &device{
		id:     c.DeviceID,
		vc:     vc,
		mat:    gocv.NewMat(),
		logger: o.logger,
	}, nil
}

type device struct {
	id     int
	mu     sync.Mutex
	vc     *gocv.VideoCapture
	mat    gocv.Mat
	seq    uint64
	closed bool
	logger *slog.Logger
}

// NextFrame reads into a reused Mat and copies it out as an image, so the
// returned frame does not alias device memory.
func (d *device) NextFrame(ctx context.Context) (capture.Frame, error) {
	if err := ctx.Err(); err != nil {
		return capture.Frame{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return capture.Frame{}, capture.ErrClosed
	}

	if ok := d.vc.Read(&d.mat); !ok {
		return capture.Frame{}, fmt.Errorf("camera %d: read failed", d.id)
	}
	if d.mat.Empty() {
		return capture.Frame{}, fmt.Errorf("camera %d: empty frame", d.id)
	}
	at := time.Now()

	// ToImage reads 3-channel Mats as BGR and yields RGBA.
	img, err := d.mat.ToImage()
	if err != nil {
		return capture.Frame{}, fmt.Errorf("camera %d: frame to image: %w", d.id, err)
	}
	d.seq++
	return capture.Frame{Image: img, CapturedAt: at, Sequence: d.seq}, nil
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	matErr := d.mat.Close()
	if err := d.vc.Close(); err != nil {
		return fmt.Errorf("close camera %d: %w", d.id, err)
	}
	if matErr != nil {
		return fmt.Errorf("release frame buffer: %w", matErr)
	}
	d.logger.Info("camera released", slog.Int("device", d.id))
	return nil
}
