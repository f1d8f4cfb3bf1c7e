package pool

import (
	"errors"
	"image"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// ErrPoolExhausted is returned by Get when all buffers are in flight.
// Callers are expected to drop the frame, never to block or retry.
var ErrPoolExhausted = errors.New("pixel buffer pool exhausted")

// DefaultCapacity matches the hardware hint for in-flight buffers.
const DefaultCapacity = 5

var exhaustedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "fancycam_pool_exhausted_total",
	Help: "Buffer requests rejected because the pool was at capacity.",
})

// Pool hands out fixed-format pixel buffers. Implementations must make Get
// atomic per request: two concurrent callers can never both be granted the
// same buffer, and the allocation count never exceeds capacity.
type Pool interface {
	// Get returns a buffer owned exclusively by the caller until it is
	// passed back via Put. Returns ErrPoolExhausted at capacity.
	Get() (gocv.Mat, error)

	// Put returns a buffer to the pool. Each buffer must be returned
	// exactly once.
	Put(gocv.Mat)

	Close()
}

// PixelBufferPool is a bounded allocator of packed 32-bit BGRA buffers at a
// single fixed resolution. All state is confined to one goroutine; requests
// are served over channels so each Get is a single atomic transaction.
type PixelBufferPool struct {
	size image.Point

	get  chan chan getResult
	free chan gocv.Mat
	stop chan chan bool
}

type getResult struct {
	mat gocv.Mat
	err error
}

func NewPixelBufferPool(size image.Point, capacity int) *PixelBufferPool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &PixelBufferPool{
		size: size,
		get:  make(chan chan getResult),
		free: make(chan gocv.Mat),
		stop: make(chan chan bool),
	}
	go p.loop(capacity)
	return p
}

func (p *PixelBufferPool) loop(capacity int) {
	var available []gocv.Mat
	allocated := 0

	for {
		select {
		case r := <-p.get:
			if len(available) > 0 {
				var m gocv.Mat
				m, available = available[0], available[1:]
				r <- getResult{mat: m}
			} else if allocated < capacity {
				allocated++
				m := gocv.NewMatWithSize(p.size.Y, p.size.X, gocv.MatTypeCV8UC4)
				r <- getResult{mat: m}
			} else {
				exhaustedCount.Inc()
				r <- getResult{err: ErrPoolExhausted}
			}

		case m := <-p.free:
			available = append(available, m)

		case c := <-p.stop:
			for _, m := range available {
				m.Close()
			}
			if n := allocated - len(available); n > 0 {
				log.Warnf("Pixel buffer pool closed with %d buffers still in flight", n)
			}
			c <- true
			return
		}
	}
}

func (p *PixelBufferPool) Get() (gocv.Mat, error) {
	r := make(chan getResult)
	p.get <- r
	res := <-r
	return res.mat, res.err
}

func (p *PixelBufferPool) Put(m gocv.Mat) {
	p.free <- m
}

func (p *PixelBufferPool) Close() {
	c := make(chan bool)
	p.stop <- c
	<-c
}

func (p *PixelBufferPool) Size() image.Point {
	return p.size
}
