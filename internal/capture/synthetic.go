package capture

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"
)

// SyntheticOpener produces generated frames at a fixed rate. It stands in for
// a webcam on headless hosts and in demos; only one device may be open at a
// time, mirroring exclusive camera access.
type SyntheticOpener struct {
	FPS int

	mu   sync.Mutex
	busy bool
}

func NewSyntheticOpener(fps int) *SyntheticOpener {
	if fps <= 0 {
		fps = 30
	}
	return &SyntheticOpener{FPS: fps}
}

func (o *SyntheticOpener) Open(ctx context.Context, c Constraints) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy {
		return nil, ErrDeviceUnavailable
	}
	o.busy = true

	width, height := c.Width, c.Height
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	return &syntheticDevice{
		opener:   o,
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(o.FPS),
		closed:   make(chan struct{}),
	}, nil
}

func (o *SyntheticOpener) release() {
	o.mu.Lock()
	o.busy = false
	o.mu.Unlock()
}

type syntheticDevice struct {
	opener   *SyntheticOpener
	width    int
	height   int
	interval time.Duration
	seq      uint64
	last     time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

func (d *syntheticDevice) NextFrame(ctx context.Context) (Frame, error) {
	if !d.last.IsZero() {
		wait := time.Until(d.last.Add(d.interval))
		if wait > 0 {
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return Frame{}, ctx.Err()
			case <-d.closed:
				return Frame{}, ErrClosed
			case <-timer.C:
			}
		}
	}
	select {
	case <-d.closed:
		return Frame{}, ErrClosed
	default:
	}

	d.seq++
	d.last = time.Now()
	// Slowly cycle brightness so brightness-based mock models change symbol.
	shade := uint8((d.seq / 8) % 256)
	img := image.NewRGBA(image.Rect(0, 0, d.width, d.height))
	fill := color.RGBA{R: shade, G: shade, B: shade, A: 255}
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i] = fill.R
		img.Pix[i+1] = fill.G
		img.Pix[i+2] = fill.B
		img.Pix[i+3] = fill.A
	}
	return Frame{Image: img, CapturedAt: d.last, Sequence: d.seq}, nil
}

func (d *syntheticDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.opener.release()
	})
	return nil
}
