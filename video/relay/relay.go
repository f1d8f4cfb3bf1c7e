package relay

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"fancycam/util"
	"fancycam/video/pool"
	"fancycam/video/sink"
	"fancycam/video/source"
)

// ErrQueueFull is returned by Enqueue when the sink queue is at capacity.
// The frame is dropped; blocking backpressure would defeat the latency goal.
var ErrQueueFull = errors.New("sink queue full")

const (
	// DefaultQueueCapacity bounds the sink queue.
	DefaultQueueCapacity = 8

	// MinimumBuffersToStart is how many sink buffers must be queued before
	// consumption is worthwhile. One: forward as soon as anything arrives.
	MinimumBuffersToStart = 1

	minFrameRate = 30
	maxFrameRate = 60

	bandHeight = 16
	bandStep   = 8
)

var bandColor = color.RGBA{R: 180, G: 240, B: 255, A: 255}

var (
	forwardedCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fancycam_relay_frames_forwarded_total",
		Help: "Sink frames forwarded to the source stream.",
	})
	queueFullCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fancycam_relay_queue_full_total",
		Help: "Frames dropped at enqueue because the sink queue was full.",
	})
	idleFrameCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fancycam_relay_idle_frames_total",
		Help: "Idle filler frames synthesized on the source stream.",
	})
)

// Options configures the virtual device relay.
type Options struct {
	Size          image.Point
	FrameRate     int // frames per second, clamped to 30..60
	QueueCapacity int
	// Mirror flips enqueued frames horizontally before publishing, matching
	// what users expect from a selfie camera.
	Mirror bool
}

// Frame is a pooled pixel buffer travelling through the sink queue. Whoever
// holds it owns the buffer and must return it to the pool exactly once.
type Frame struct {
	Mat  gocv.Mat
	Time time.Time
}

// Relay owns the virtual device's two streams. Composited frames enter
// through Enqueue (the sink side) and are republished on the source stream
// to every attached consumer; while nothing is being consumed from the sink,
// a timer synthesizes a moving-band filler frame so downstream consumers
// see liveness.
type Relay struct {
	opts Options
	pool pool.Pool
	life *Lifecycle

	queue chan Frame
	seqc  chan uint64
	seq   uint64

	mu        sync.Mutex
	consumers []sink.Sink

	consuming  int32
	consumeGen uint64

	idleCancel    context.CancelFunc
	consumeCancel context.CancelFunc

	loopsMu   sync.Mutex
	loopsDone []*util.Event
}

func New(p pool.Pool, opts Options) *Relay {
	if opts.FrameRate < minFrameRate {
		opts.FrameRate = minFrameRate
	}
	if opts.FrameRate > maxFrameRate {
		opts.FrameRate = maxFrameRate
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	r := &Relay{
		opts:  opts,
		pool:  p,
		life:  NewLifecycle(),
		queue: make(chan Frame, opts.QueueCapacity),
		seqc:  make(chan uint64, 16),
	}
	r.life.Register(SourceStream, r.startIdle, r.stopIdle)
	r.life.Register(SinkStream, r.startConsume, r.stopConsume)
	return r
}

// Lifecycle exposes the stream start/stop state machine.
func (r *Relay) Lifecycle() *Lifecycle {
	return r.life
}

// FrameDuration is the negotiated duration of one output frame.
func (r *Relay) FrameDuration() time.Duration {
	return time.Second / time.Duration(r.opts.FrameRate)
}

// Attach registers a source-stream consumer. Consumers borrow each published
// image for the duration of Put and must not retain the Mat.
func (r *Relay) Attach(s sink.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers = append(r.consumers, s)
}

// Sequenced delivers a message per frame forwarded from the sink, carrying
// the output sequence number. Receivers that fall behind miss messages.
func (r *Relay) Sequenced() <-chan uint64 {
	return r.seqc
}

// QueueLen reports the current sink queue depth.
func (r *Relay) QueueLen() int {
	return len(r.queue)
}

// Enqueue renders a composited image into a pooled buffer and queues it on
// the sink stream. Drops (with an error) when the queue is at capacity or
// the pool is exhausted; it never blocks the producer.
func (r *Relay) Enqueue(img source.Image) error {
	if len(r.queue) >= r.opts.QueueCapacity {
		queueFullCount.Inc()
		return ErrQueueFull
	}

	m, err := r.pool.Get()
	if err != nil {
		return err
	}
	if r.opts.Mirror {
		gocv.Flip(img.Mat, &m, 1)
	} else {
		img.Mat.CopyTo(&m)
	}

	f := Frame{Mat: m, Time: time.Now()}
	select {
	case r.queue <- f:
		return nil
	default:
		r.pool.Put(m)
		queueFullCount.Inc()
		return ErrQueueFull
	}
}

// publish hands a frame to every attached consumer and returns the buffer
// to the pool. This is the single release point for forwarded buffers.
func (r *Relay) publish(f Frame) {
	r.mu.Lock()
	consumers := r.consumers
	r.mu.Unlock()

	i := source.Image{Mat: f.Mat, Time: f.Time}
	for _, c := range consumers {
		c.Put(i)
	}
	r.pool.Put(f.Mat)
}

// trackLoop records a loop's completion event so Close can wait for every
// loop ever launched, including ones superseded by a rapid stream restart.
func (r *Relay) trackLoop(done *util.Event) {
	r.loopsMu.Lock()
	r.loopsDone = append(r.loopsDone, done)
	r.loopsMu.Unlock()
}

func (r *Relay) startConsume() {
	ctx, cancel := context.WithCancel(context.Background())
	r.consumeCancel = cancel
	gen := atomic.AddUint64(&r.consumeGen, 1)
	done := util.NewEvent()
	r.trackLoop(done)
	atomic.StoreInt32(&r.consuming, 1)
	go r.consumeLoop(ctx, gen, done)
}

func (r *Relay) stopConsume() {
	if r.consumeCancel != nil {
		r.consumeCancel()
		r.consumeCancel = nil
	}
}

// consumeLoop drains the sink queue: each dequeued buffer is stamped with
// the current host time, forwarded to the source stream when a source-side
// consumer is active, and acknowledged with a sequence message. An in-flight
// dequeue finishes before a stop takes effect.
//
// The loop is tagged with its generation: a loop that has been replaced by a
// rapid stop/start of the sink stream may still be winding down when its
// successor is already live, and must not clear the consuming flag on the
// successor's behalf.
func (r *Relay) consumeLoop(ctx context.Context, gen uint64, done *util.Event) {
	defer func() {
		if atomic.LoadUint64(&r.consumeGen) == gen {
			atomic.StoreInt32(&r.consuming, 0)
		}
		done.Notify()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-r.queue:
			f.Time = time.Now()
			if r.life.Running(SourceStream) {
				r.publish(f)
				forwardedCount.Inc()
			} else {
				r.pool.Put(f.Mat)
			}

			n := atomic.AddUint64(&r.seq, 1)
			select {
			case r.seqc <- n:
			default:
			}
		}
	}
}

// Consuming reports whether the sink consume loop is live.
func (r *Relay) Consuming() bool {
	return atomic.LoadInt32(&r.consuming) == 1
}

func (r *Relay) startIdle() {
	ctx, cancel := context.WithCancel(context.Background())
	r.idleCancel = cancel
	done := util.NewEvent()
	r.trackLoop(done)
	go r.idleLoop(ctx, done)
}

func (r *Relay) stopIdle() {
	if r.idleCancel != nil {
		r.idleCancel()
		r.idleCancel = nil
	}
}

// idleLoop synthesizes a filler frame per tick while nothing is consuming
// the sink: a dark frame with one bright band sweeping top to bottom and
// bouncing at the edges. Purely a liveness heartbeat for downstream
// consumers before real frames flow.
func (r *Relay) idleLoop(ctx context.Context, done *util.Event) {
	defer done.Notify()

	ticker := time.NewTicker(r.FrameDuration())
	defer ticker.Stop()

	y := 0
	dir := bandStep
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.Consuming() {
				continue
			}

			m, err := r.pool.Get()
			if err != nil {
				log.Debugf("Skipping idle frame: %v", err)
				continue
			}
			m.SetTo(gocv.NewScalar(32, 24, 16, 255))
			band := image.Rect(0, y, r.opts.Size.X, y+bandHeight)
			gocv.Rectangle(&m, band, bandColor, -1)

			y += dir
			if y+bandHeight >= r.opts.Size.Y || y <= 0 {
				dir = -dir
				if y < 0 {
					y = 0
				}
				if y+bandHeight > r.opts.Size.Y {
					y = r.opts.Size.Y - bandHeight
				}
			}

			idleFrameCount.Inc()
			r.publish(Frame{Mat: m, Time: time.Now()})
		}
	}
}

// Stats is a point-in-time snapshot for the status endpoints.
type Stats struct {
	OutputSeq     uint64
	QueueLen      int
	QueueCapacity int
	SourceRunning bool
	SinkRunning   bool
	Consuming     bool
}

func (r *Relay) Stats() Stats {
	return Stats{
		OutputSeq:     atomic.LoadUint64(&r.seq),
		QueueLen:      len(r.queue),
		QueueCapacity: r.opts.QueueCapacity,
		SourceRunning: r.life.Running(SourceStream),
		SinkRunning:   r.life.Running(SinkStream),
		Consuming:     r.Consuming(),
	}
}

// Close stops both streams regardless of reference counts and drains the
// queue back to the pool.
func (r *Relay) Close() {
	r.stopIdle()
	r.stopConsume()
	r.loopsMu.Lock()
	loops := r.loopsDone
	r.loopsMu.Unlock()
	for _, done := range loops {
		done.Wait()
	}
	for {
		select {
		case f := <-r.queue:
			r.pool.Put(f.Mat)
		default:
			return
		}
	}
}
