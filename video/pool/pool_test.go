package pool

import (
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testSize = image.Point{X: 64, Y: 36}

func TestGetPutReuse(t *testing.T) {
	p := NewPixelBufferPool(testSize, 2)
	defer p.Close()

	m1, err := p.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if m1.Cols() != testSize.X || m1.Rows() != testSize.Y {
		t.Errorf("Expected %dx%d buffer, got %dx%d", testSize.X, testSize.Y, m1.Cols(), m1.Rows())
	}
	p.Put(m1)

	m2, err := p.Get()
	if err != nil {
		t.Fatalf("Get after Put failed: %v", err)
	}
	p.Put(m2)
}

func TestExhaustionBoundary(t *testing.T) {
	p := NewPixelBufferPool(testSize, 2)
	defer p.Close()

	a, err := p.Get()
	if err != nil {
		t.Fatalf("Get 1 failed: %v", err)
	}
	b, err := p.Get()
	if err != nil {
		t.Fatalf("Get 2 failed: %v", err)
	}

	if _, err := p.Get(); err != ErrPoolExhausted {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}

	// Releasing one buffer makes exactly one request succeed again.
	p.Put(a)
	c, err := p.Get()
	if err != nil {
		t.Fatalf("Get after release failed: %v", err)
	}
	if _, err := p.Get(); err != ErrPoolExhausted {
		t.Errorf("Expected ErrPoolExhausted after re-acquire, got %v", err)
	}

	p.Put(b)
	p.Put(c)
}

// TestConcurrentHammer verifies per-request atomicity: under heavy
// concurrent churn the number of granted-but-unreleased buffers never
// exceeds capacity.
func TestConcurrentHammer(t *testing.T) {
	const capacity = 5
	p := NewPixelBufferPool(testSize, capacity)
	defer p.Close()

	var inFlight int64
	var wg sync.WaitGroup
	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				m, err := p.Get()
				if err != nil {
					continue
				}
				n := atomic.AddInt64(&inFlight, 1)
				if n > capacity {
					t.Errorf("%d buffers in flight, capacity %d", n, capacity)
				}
				time.Sleep(time.Microsecond)
				atomic.AddInt64(&inFlight, -1)
				p.Put(m)
			}
		}()
	}
	wg.Wait()
}
