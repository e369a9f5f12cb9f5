// Package preprocess scales camera frames into the fixed tensor layout the
// classifier expects.
package preprocess

import (
	"image"
	"sync"

	"github.com/loqalabs/loqa-sign/internal/capture"
	"golang.org/x/image/draw"
)

const channels = 3

// Tensor is an NHWC float32 image with a batch size of one and values in
// [0,1]. Its buffer is pooled: call Release exactly when done with it.
type Tensor struct {
	Data     []float32
	Width    int
	Height   int
	Channels int

	pool     *sync.Pool
	released bool
}

// Release returns the buffer to its pool. Later calls are no-ops.
func (t *Tensor) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true
	if t.pool != nil && t.Data != nil {
		buf := t.Data
		t.pool.Put(&buf)
	}
	t.Data = nil
}

// Released reports whether Release has been called.
func (t *Tensor) Released() bool { return t != nil && t.released }

// Preparer converts frames to tensors of one size.
type Preparer struct {
	width  int
	height int
	pool   *sync.Pool
}

func New(width, height int) *Preparer {
	size := width * height * channels
	return &Preparer{
		width:  width,
		height: height,
		pool: &sync.Pool{New: func() any {
			buf := make([]float32, size)
			return &buf
		}},
	}
}

func (p *Preparer) Size() (int, int) { return p.width, p.height }

// Prepare scales the frame with bilinear interpolation and rescales every
// channel by 1/255. Alpha is dropped.
func (p *Preparer) Prepare(f capture.Frame) *Tensor {
	dst := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	if f.Image != nil {
		draw.BiLinear.Scale(dst, dst.Bounds(), f.Image, f.Image.Bounds(), draw.Src, nil)
	}

	data := *(p.pool.Get().(*[]float32))
	const scale = 1.0 / 255.0
	for i, j := 0, 0; i < len(dst.Pix); i, j = i+4, j+channels {
		data[j] = float32(dst.Pix[i]) * scale
		data[j+1] = float32(dst.Pix[i+1]) * scale
		data[j+2] = float32(dst.Pix[i+2]) * scale
	}
	return &Tensor{
		Data:     data,
		Width:    p.width,
		Height:   p.height,
		Channels: channels,
		pool:     p.pool,
	}
}

// Image renders t back to 8-bit RGBA, for backends that take encoded images.
func (t *Tensor) Image() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, t.Width, t.Height))
	for i, j := 0, 0; j+t.Channels <= len(t.Data) && i < len(img.Pix); i, j = i+4, j+t.Channels {
		img.Pix[i] = toByte(t.Data[j])
		img.Pix[i+1] = toByte(t.Data[j+1])
		img.Pix[i+2] = toByte(t.Data[j+2])
		img.Pix[i+3] = 255
	}
	return img
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return uint8(v*255 + 0.5)
	}
}
