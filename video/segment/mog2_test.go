package segment

import (
	"context"
	"testing"

	"gocv.io/x/gocv"
)

func TestSegmentCancelled(t *testing.T) {
	s := NewMOG2Segmenter()
	defer s.Close()

	img := gocv.NewMatWithSize(36, 64, gocv.MatTypeCV8UC4)
	defer img.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := s.Segment(ctx, img); err == nil {
		t.Error("Segment with cancelled context must return an error")
	}
}

// TestSegmentStaticScene: with an unchanging scene the subtractor settles
// and reports no foreground, which the pipeline treats as a dropped frame.
func TestSegmentStaticScene(t *testing.T) {
	s := NewMOG2Segmenter()
	defer s.Close()

	img := gocv.NewMatWithSize(36, 64, gocv.MatTypeCV8UC4)
	defer img.Close()
	img.SetTo(gocv.NewScalar(90, 90, 90, 255))

	ctx := context.Background()
	var ok bool
	for i := 0; i < 30; i++ {
		var mask gocv.Mat
		var err error
		mask, ok, err = s.Segment(ctx, img)
		if err != nil {
			t.Fatalf("Segment failed: %v", err)
		}
		if ok {
			mask.Close()
		}
	}
	if ok {
		t.Error("Static scene still reports a foreground mask after settling")
	}
}
