package effect

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Kind names a visual effect applied to the background layer.
type Kind string

const (
	None      Kind = "none"
	Animate   Kind = "animate"
	Blur      Kind = "blur"
	Pixelate  Kind = "pixelate"
	Mono      Kind = "mono"
	Sepia     Kind = "sepia"
	Invert    Kind = "invert"
	Edges     Kind = "edges"
	Dim       Kind = "dim"
	Posterize Kind = "posterize"
)

var kinds = map[Kind]bool{
	None: true, Animate: true, Blur: true, Pixelate: true, Mono: true,
	Sepia: true, Invert: true, Edges: true, Dim: true, Posterize: true,
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !kinds[k] {
		return None, fmt.Errorf("unknown effect %q", s)
	}
	return k, nil
}

// Config is the immutable effect snapshot read by a frame task at creation.
// Later configuration changes never affect a task already in flight.
type Config struct {
	Kind                 Kind
	Animation            Animation
	PreprocessBackground bool
	FPS60                bool
}

var sepiaKernel gocv.Mat

func init() {
	// Sepia weights, row/column reversed for BGR channel order.
	rgb := [3][3]float32{
		{0.393, 0.769, 0.189},
		{0.349, 0.686, 0.168},
		{0.272, 0.534, 0.131},
	}
	sepiaKernel = gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32F)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sepiaKernel.SetFloatAt(i, j, rgb[2-i][2-j])
		}
	}
}

// apply renders kind onto a BGRA background image. Reports false when the
// filter produced no usable output; the caller drops the frame.
func apply(kind Kind, src gocv.Mat, dst *gocv.Mat) bool {
	switch kind {
	case None, Animate:
		src.CopyTo(dst)

	case Blur:
		gocv.GaussianBlur(src, dst, image.Point{X: 31, Y: 31}, 0, 0, gocv.BorderDefault)

	case Pixelate:
		small := gocv.NewMat()
		defer small.Close()
		down := image.Point{X: src.Cols() / 16, Y: src.Rows() / 16}
		if down.X < 1 || down.Y < 1 {
			return false
		}
		gocv.Resize(src, &small, down, 0, 0, gocv.InterpolationLinear)
		gocv.Resize(small, dst, image.Point{X: src.Cols(), Y: src.Rows()}, 0, 0, gocv.InterpolationNearestNeighbor)

	case Mono:
		gray := gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
		gocv.CvtColor(gray, dst, gocv.ColorGrayToBGRA)

	case Sepia:
		bgr := gocv.NewMat()
		defer bgr.Close()
		gocv.CvtColor(src, &bgr, gocv.ColorBGRAToBGR)
		gocv.Transform(bgr, &bgr, sepiaKernel)
		gocv.CvtColor(bgr, dst, gocv.ColorBGRToBGRA)

	case Invert:
		gocv.BitwiseNot(src, dst)

	case Edges:
		gray := gocv.NewMat()
		defer gray.Close()
		gocv.CvtColor(src, &gray, gocv.ColorBGRAToGray)
		gocv.Canny(gray, &gray, 60, 180)
		gocv.CvtColor(gray, dst, gocv.ColorGrayToBGRA)

	case Dim:
		gocv.AddWeighted(src, 0.35, src, 0, 0, dst)

	case Posterize:
		src.CopyTo(dst)
		dst.DivideUChar(64)
		dst.MultiplyUChar(64)

	default:
		return false
	}
	return !dst.Empty()
}
