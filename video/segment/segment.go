package segment

import (
	"context"

	"gocv.io/x/gocv"
)

// Segmenter estimates a per-pixel foreground mask for an image. The mask is
// a single-channel 8-bit image aligned to the input; 255 marks the subject.
//
// Segmentation may take tens to hundreds of milliseconds, so implementations
// must observe ctx between internal stages and bail out early when it is
// cancelled. ok=false with a nil error means "no subject found" and the
// caller should drop the frame.
type Segmenter interface {
	Segment(ctx context.Context, img gocv.Mat) (mask gocv.Mat, ok bool, err error)
}
