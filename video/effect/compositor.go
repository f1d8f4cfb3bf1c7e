package effect

import (
	"context"
	"image"

	"gocv.io/x/gocv"
)

// maskBlurRadius softens segmentation mask edges before blending.
const maskBlurRadius = 9

// Compositor blends the live foreground over an effect-rendered background
// using a segmentation mask. One frame task uses it at a time.
type Compositor struct{}

func NewCompositor() *Compositor {
	return &Compositor{}
}

// Composite runs the masked-effect stages for one frame: mask feathering,
// background selection, optional foreground removal, effect application and
// the final alpha blend. Every stage checks ctx so a superseded task aborts
// without output. Animation playback is owned by the caller; Composite only
// reads the current frame.
//
// Returns ok=false when any filter stage yields nothing; the frame is then
// dropped and the last good frame stands.
func (c *Compositor) Composite(ctx context.Context, img, mask gocv.Mat, st *State, cfg Config) (gocv.Mat, bool, error) {
	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, false, err
	}

	soft := gocv.NewMat()
	defer soft.Close()
	gocv.GaussianBlur(mask, &soft, image.Point{X: maskBlurRadius, Y: maskBlurRadius}, 0, 0, gocv.BorderDefault)

	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, false, err
	}

	animating := cfg.Kind == Animate && st != nil
	bg := gocv.NewMat()
	defer bg.Close()
	if animating {
		// The preset can be swapped out or released while this task runs;
		// fall back to the live image when no frame is available.
		animating = st.Current(img.Cols(), &bg)
	}
	if !animating {
		img.CopyTo(&bg)
	}

	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, false, err
	}

	if cfg.PreprocessBackground {
		if !removeForeground(&bg, soft, cfg.Kind) {
			return gocv.Mat{}, false, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, false, err
	}

	alpha := alphaMask(soft)
	defer alpha.Close()

	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, false, err
	}

	styled := gocv.NewMat()
	defer styled.Close()
	if animating {
		// The animation frame is already the finished background.
		bg.CopyTo(&styled)
	} else if !apply(cfg.Kind, bg, &styled) {
		return gocv.Mat{}, false, nil
	}

	if err := ctx.Err(); err != nil {
		return gocv.Mat{}, false, err
	}

	return blend(img, styled, alpha)
}

// featherRadius controls how far foreground removal bleeds into the
// background per effect kind. Heavy spatial filters hide a wide feather;
// point filters need a tight one.
func featherRadius(kind Kind) int {
	switch kind {
	case Blur, Pixelate:
		return 31
	default:
		return 11
	}
}

// removeForeground multiplies the background by the inverted, feathered mask
// so the applied effect does not re-render the subject.
func removeForeground(bg *gocv.Mat, mask gocv.Mat, kind Kind) bool {
	inv := gocv.NewMat()
	defer inv.Close()
	gocv.BitwiseNot(mask, &inv)
	r := featherRadius(kind)
	gocv.GaussianBlur(inv, &inv, image.Point{X: r, Y: r}, 0, 0, gocv.BorderDefault)

	a := alphaMask(inv)
	defer a.Close()

	f := gocv.NewMat()
	defer f.Close()
	bg.ConvertTo(&f, gocv.MatTypeCV32F)
	gocv.Multiply(f, a, &f)
	f.ConvertTo(bg, gocv.MatTypeCV8UC4)
	return !bg.Empty()
}

// alphaMask expands a grayscale mask to a 4-channel float mask in [0,1].
func alphaMask(mask gocv.Mat) gocv.Mat {
	m4 := gocv.NewMat()
	defer m4.Close()
	gocv.CvtColor(mask, &m4, gocv.ColorGrayToBGRA)
	f := gocv.NewMat()
	m4.ConvertToWithParams(&f, gocv.MatTypeCV32F, 1.0/255.0, 0)
	return f
}

// blend computes fg*alpha + bg*(1-alpha) and rasterizes back to 8-bit.
func blend(fg, bg, alpha gocv.Mat) (gocv.Mat, bool, error) {
	fgF := gocv.NewMat()
	defer fgF.Close()
	bgF := gocv.NewMat()
	defer bgF.Close()
	fg.ConvertTo(&fgF, gocv.MatTypeCV32F)
	bg.ConvertTo(&bgF, gocv.MatTypeCV32F)

	inv := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 1, 1, 1), alpha.Rows(), alpha.Cols(), gocv.MatTypeCV32FC4)
	defer inv.Close()
	gocv.Subtract(inv, alpha, &inv)

	gocv.Multiply(fgF, alpha, &fgF)
	gocv.Multiply(bgF, inv, &bgF)

	sum := gocv.NewMat()
	defer sum.Close()
	gocv.Add(fgF, bgF, &sum)

	out := gocv.NewMat()
	sum.ConvertTo(&out, gocv.MatTypeCV8UC4)
	if out.Empty() {
		out.Close()
		return gocv.Mat{}, false, nil
	}
	return out, true, nil
}
