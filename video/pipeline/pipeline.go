package pipeline

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"fancycam/video/effect"
	"fancycam/video/segment"
	"fancycam/video/source"
)

var (
	processedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fancycam_pipeline_frames_processed_total",
		Help: "Frames that completed processing and were handed to the relay.",
	})
	cancelledCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fancycam_pipeline_frames_cancelled_total",
		Help: "Frame tasks superseded by a newer capture before completing.",
	})
	droppedCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fancycam_pipeline_frames_dropped_total",
		Help: "Frames dropped without output, by reason.",
	}, []string{"reason"})
)

// FrameSink receives completed frames. Enqueue must never block and only
// borrows the image for the duration of the call; frames it cannot take are
// lost.
type FrameSink interface {
	Enqueue(img source.Image) error
}

// Pipeline runs the per-frame compositing work. Each submitted capture
// cancels the task for the previous one, so frames arriving faster than
// processing completes are dropped rather than queued.
type Pipeline struct {
	seg  segment.Segmenter
	comp *effect.Compositor
	sink FrameSink
	anim *effect.State

	// mu guards the active-task handle and the last good frame. Submit
	// cancels the old task under mu, and a task commits its output under
	// mu only while it is still the current one, so a superseded task can
	// never write the last good frame or enqueue output.
	mu       sync.Mutex
	cancel   context.CancelFunc
	seq      uint64
	lastGood gocv.Mat
	haveLast bool
	closed   bool
}

func New(seg segment.Segmenter, sink FrameSink) *Pipeline {
	return &Pipeline{
		seg:  seg,
		comp: effect.NewCompositor(),
		sink: sink,
		anim: &effect.State{},
	}
}

// Animation exposes the playback state so the owner can install preset
// frame sequences.
func (p *Pipeline) Animation() *effect.State {
	return p.anim
}

// Submit starts processing one captured frame under the given config
// snapshot, cancelling any task still in flight. Ownership of img transfers
// to the pipeline.
func (p *Pipeline) Submit(img source.Image, cfg effect.Config) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		img.Close()
		return
	}
	if p.cancel != nil {
		p.cancel()
		cancelledCount.Inc()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.seq++
	id := p.seq
	p.mu.Unlock()

	go p.run(ctx, id, img, cfg)
}

func (p *Pipeline) run(ctx context.Context, id uint64, img source.Image, cfg effect.Config) {
	defer img.Close()

	if img.Mat.Empty() {
		droppedCount.WithLabelValues("convert").Inc()
		log.Debug("Dropping frame: empty capture buffer")
		return
	}
	if ctx.Err() != nil {
		return
	}

	// The "none" effect bypasses segmentation entirely; the raw image goes
	// out unchanged.
	if cfg.Kind == effect.None {
		out := gocv.NewMat()
		img.Mat.CopyTo(&out)
		p.commit(ctx, id, cfg, source.Image{Mat: out, Time: img.Time})
		return
	}

	mask, ok, err := p.seg.Segment(ctx, img.Mat)
	if err != nil {
		// Cancellation surfaces here as context.Canceled; either way the
		// task ends with no output.
		if ctx.Err() == nil {
			droppedCount.WithLabelValues("segment").Inc()
			log.Debugf("Dropping frame: segmentation error: %v", err)
		}
		return
	}
	if !ok {
		droppedCount.WithLabelValues("no_mask").Inc()
		return
	}
	defer mask.Close()

	out, ok, err := p.comp.Composite(ctx, img.Mat, mask, p.anim, cfg)
	if err != nil {
		return
	}
	if !ok {
		droppedCount.WithLabelValues("filter").Inc()
		log.Debug("Dropping frame: compositing produced no output")
		return
	}

	p.commit(ctx, id, cfg, source.Image{Mat: out, Time: img.Time})
}

// commit publishes a completed frame: it becomes the last good frame and is
// forwarded to the sink. Takes ownership of out. A task that has been
// superseded (or whose pipeline closed) discards its result here.
//
// Animation playback also advances here, so a cancelled or failed task never
// moves the frame index; each completed frame advances it exactly once.
func (p *Pipeline) commit(ctx context.Context, id uint64, cfg effect.Config, out source.Image) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || id != p.seq || ctx.Err() != nil {
		out.Close()
		return
	}

	if cfg.Kind == effect.Animate {
		p.anim.Advance(cfg.FPS60)
	}

	if p.haveLast {
		p.lastGood.Close()
	}
	p.lastGood = gocv.NewMat()
	out.Mat.CopyTo(&p.lastGood)
	p.haveLast = true

	processedCount.Inc()
	// Fire and forget: the relay renders into its own pooled buffer and
	// drops on queue pressure; we keep going either way.
	if err := p.sink.Enqueue(out); err != nil {
		log.Debugf("Relay rejected frame: %v", err)
	}
	out.Close()
}

// LastGood returns a copy of the most recent successfully produced frame.
func (p *Pipeline) LastGood() (gocv.Mat, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.haveLast {
		return gocv.Mat{}, false
	}
	out := gocv.NewMat()
	p.lastGood.CopyTo(&out)
	return out, true
}

// Close cancels any in-flight task and releases pipeline-held frames.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.haveLast {
		p.lastGood.Close()
		p.haveLast = false
	}
	p.anim.Close()
}
