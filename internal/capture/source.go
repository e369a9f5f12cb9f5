// Package capture defines the camera boundary: acquiring a device, pulling
// frames from it and releasing it.
package capture

import (
	"context"
	"errors"
	"image"
	"time"
)

var (
	// ErrDeviceUnavailable is returned by Open when the camera is denied,
	// missing or held by another process.
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrClosed is returned by NextFrame once the device has been closed.
	ErrClosed = errors.New("camera device closed")
)

// Frame is one captured image. It belongs to the pipeline pass that pulled it
// and must not be retained afterwards.
type Frame struct {
	Image      image.Image
	CapturedAt time.Time
	Sequence   uint64
}

// Constraints describe the stream requested from the camera.
type Constraints struct {
	DeviceID int
	Width    int
	Height   int
	Facing   string
}

// Device is an acquired camera.
type Device interface {
	// NextFrame blocks until a frame is ready.
	NextFrame(ctx context.Context) (Frame, error)
	// Close releases the camera. It is safe to call more than once.
	Close() error
}

// Opener acquires a camera without retrying.
type Opener interface {
	Open(ctx context.Context, c Constraints) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, c Constraints) (Device, error)

func (f OpenerFunc) Open(ctx context.Context, c Constraints) (Device, error) {
	return f(ctx, c)
}
