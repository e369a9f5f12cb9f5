package capture

import (
	"context"
	"image"
	"sync"
	"time"
)

// ChannelDevice delivers frames pushed by the caller. It backs embedding
// hosts that receive frames from elsewhere (for example a browser upload).
type ChannelDevice struct {
	frames chan image.Image
	seq    uint64

	closeOnce sync.Once
	closed    chan struct{}
}

func NewChannelDevice(buffer int) *ChannelDevice {
	return &ChannelDevice{
		frames: make(chan image.Image, buffer),
		closed: make(chan struct{}),
	}
}

// Push queues img for the next NextFrame call. It returns ErrClosed after
// Close and the context error if ctx ends first.
func (d *ChannelDevice) Push(ctx context.Context, img image.Image) error {
	select {
	case <-d.closed:
		return ErrClosed
	default:
	}
	select {
	case d.frames <- img:
		return nil
	case <-d.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *ChannelDevice) NextFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-d.closed:
		return Frame{}, ErrClosed
	case img := <-d.frames:
		d.seq++
		return Frame{Image: img, CapturedAt: time.Now(), Sequence: d.seq}, nil
	}
}

// Close drops any queued frames.
func (d *ChannelDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		for {
			select {
			case <-d.frames:
			default:
				return
			}
		}
	})
	return nil
}

// Closed reports whether Close has been called.
func (d *ChannelDevice) Closed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// SingleDeviceOpener hands out one pre-built device and refuses further opens
// until that device is closed.
type SingleDeviceOpener struct {
	Device *ChannelDevice
}

func (o SingleDeviceOpener) Open(ctx context.Context, _ Constraints) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.Device == nil || o.Device.Closed() {
		return nil, ErrDeviceUnavailable
	}
	return o.Device, nil
}
