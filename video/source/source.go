package source

import (
	"image"
	"time"

	"gocv.io/x/gocv"
)

// Image pairs a pixel buffer with its capture timestamp. The Mat is always
// packed 32-bit BGRA at one of the two supported resolution tiers.
type Image struct {
	Mat    gocv.Mat
	Time   time.Time
	closed bool
}

func (i *Image) Close() {
	if i.closed {
		panic("image already closed")
	}
	i.closed = true
	i.Mat.Close()
}

func (i *Image) Clone() Image {
	n := Image{
		Mat:  gocv.NewMat(),
		Time: i.Time,
	}
	i.Mat.CopyTo(&n.Mat)
	return n
}

// Resolution tiers supported by the virtual device. Animation assets are
// pre-scaled to exactly these sizes.
var (
	SizeHi = image.Point{X: 1920, Y: 1080}
	SizeLo = image.Point{X: 1280, Y: 720}
)

// Source defines a stream of images, such as a physical camera.
type Source interface {
	// Get generates a channel for receiving captured images. Each Image is
	// owned by the receiver and must be closed when no longer needed.
	Get() <-chan Image

	// Size returns the size of the capture source.
	Size() image.Point

	// Close disconnects from the capture source and frees up all resources.
	Close()
}
