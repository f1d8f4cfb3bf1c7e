package segment

import (
	"context"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// MOG2Segmenter derives a foreground mask from background subtraction. It is
// a stand-in for a learned person-segmentation model: it works well once the
// camera has seen a few frames of static background.
type MOG2Segmenter struct {
	d gocv.BackgroundSubtractorMOG2

	m1, m2   gocv.Mat
	st3, st7 gocv.Mat

	// The subtractor carries history between frames, so calls are
	// serialized. The pipeline only runs one task at a time anyway.
	l sync.Mutex
}

func NewMOG2Segmenter() *MOG2Segmenter {
	return &MOG2Segmenter{
		d:   gocv.NewBackgroundSubtractorMOG2(),
		m1:  gocv.NewMat(),
		m2:  gocv.NewMat(),
		st3: gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 3, Y: 3}),
		st7: gocv.GetStructuringElement(gocv.MorphEllipse, image.Point{X: 7, Y: 7}),
	}
}

func (s *MOG2Segmenter) Segment(ctx context.Context, img gocv.Mat) (gocv.Mat, bool, error) {
	s.l.Lock()
	defer s.l.Unlock()

	if ctx.Err() != nil {
		return gocv.Mat{}, false, ctx.Err()
	}

	gocv.Blur(img, &s.m1, image.Point{X: 5, Y: 5})
	s.d.Apply(s.m1, &s.m2)

	if ctx.Err() != nil {
		return gocv.Mat{}, false, ctx.Err()
	}

	gocv.Threshold(s.m2, &s.m2, 128, 255, gocv.ThresholdBinary)
	gocv.Erode(s.m2, &s.m2, s.st3)
	gocv.Dilate(s.m2, &s.m2, s.st7)

	if ctx.Err() != nil {
		return gocv.Mat{}, false, ctx.Err()
	}

	// An empty mask means no subject; report "no mask" so the caller drops
	// the frame rather than compositing against nothing.
	if gocv.CountNonZero(s.m2) == 0 {
		return gocv.Mat{}, false, nil
	}

	mask := gocv.NewMat()
	s.m2.CopyTo(&mask)
	return mask, true, nil
}

func (s *MOG2Segmenter) Close() {
	s.l.Lock()
	defer s.l.Unlock()
	s.d.Close()
	s.m1.Close()
	s.m2.Close()
	s.st3.Close()
	s.st7.Close()
}
