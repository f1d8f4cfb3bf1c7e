package effect

import (
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"fancycam/video/source"
)

// Animation names a preset animated background.
type Animation string

const (
	Island    Animation = "island"
	Fireplace Animation = "fireplace"
	Ocean     Animation = "ocean"
	Starfield Animation = "starfield"
)

var animations = map[Animation]bool{
	Island: true, Fireplace: true, Ocean: true, Starfield: true,
}

func ParseAnimation(s string) (Animation, error) {
	a := Animation(s)
	if !animations[a] {
		return Island, fmt.Errorf("unknown animation %q", s)
	}
	return a, nil
}

// Library supplies pre-scaled background frame sequences at both resolution
// tiers for a given preset.
type Library interface {
	LoadFrames(sel Animation) (hi, lo []gocv.Mat, err error)
}

// GIFLibrary loads presets from <dir>/<name>.gif and scales each decoded
// frame to both tiers.
type GIFLibrary struct {
	Dir string
}

func (l *GIFLibrary) LoadFrames(sel Animation) ([]gocv.Mat, []gocv.Mat, error) {
	path := filepath.Join(l.Dir, string(sel)+".gif")
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	g, err := gif.DecodeAll(f)
	if err != nil {
		return nil, nil, fmt.Errorf("decoding %v: %v", path, err)
	}

	// GIF frames may be partial updates; accumulate onto one canvas.
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	canvas := image.NewRGBA(bounds)

	var hi, lo []gocv.Mat
	for _, frame := range g.Image {
		draw.Draw(canvas, frame.Bounds(), frame, frame.Bounds().Min, draw.Over)

		m, err := gocv.ImageToMatRGBA(canvas)
		if err != nil {
			releaseFrames(hi)
			releaseFrames(lo)
			return nil, nil, err
		}
		bgra := gocv.NewMat()
		gocv.CvtColor(m, &bgra, gocv.ColorBGRAToRGBA)
		m.Close()

		h := gocv.NewMat()
		gocv.Resize(bgra, &h, source.SizeHi, 0, 0, gocv.InterpolationCubic)
		hi = append(hi, h)

		lw := gocv.NewMat()
		gocv.Resize(bgra, &lw, source.SizeLo, 0, 0, gocv.InterpolationCubic)
		lo = append(lo, lw)

		bgra.Close()
	}
	log.Infof("Loaded %d animation frames for %q", len(hi), sel)
	return hi, lo, nil
}

func releaseFrames(frames []gocv.Mat) {
	for _, m := range frames {
		m.Close()
	}
}

// State tracks animated-background playback for one pipeline. Playback
// advances at most once per completed frame; frame sequences may be swapped
// between frames when the user picks a new preset, so access is locked.
type State struct {
	mu     sync.Mutex
	hi, lo []gocv.Mat
	idx    int
	delay  int
	ready  bool
}

// SetFrames installs new sequences and rewinds playback. Previously held
// frames are released.
func (s *State) SetFrames(hi, lo []gocv.Mat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	releaseFrames(s.hi)
	releaseFrames(s.lo)
	s.hi, s.lo = hi, lo
	s.idx = 0
	s.delay = 0
	s.ready = len(hi) > 0 && len(lo) > 0
}

func (s *State) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// Current copies the active background frame for a capture of the given
// width into dst. The hi tier is chosen only for full 1920-wide captures.
// Reports false when no frames are installed; readiness is re-checked here
// because the sequences may be swapped out between the caller's check and
// the copy.
func (s *State) Current(width int, dst *gocv.Mat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready || len(s.hi) == 0 || len(s.lo) == 0 {
		return false
	}
	if width >= source.SizeHi.X {
		s.hi[s.idx].CopyTo(dst)
	} else {
		s.lo[s.idx].CopyTo(dst)
	}
	return true
}

// Advance steps playback by one completed frame. At the 60fps tier the
// delay counter must reach 2 before the index moves, so the animation plays
// at its authored cadence. The index wraps to 0 past the end.
func (s *State) Advance(fps60 bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return
	}
	if fps60 {
		s.delay++
		if s.delay < 2 {
			return
		}
		s.delay = 0
	}
	s.idx = (s.idx + 1) % len(s.hi)
}

// Index reports the current playback position.
func (s *State) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx
}

func (s *State) Close() {
	s.SetFrames(nil, nil)
}
