package relay

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"fancycam/video/pool"
	"fancycam/video/source"
)

var testSize = image.Point{X: 64, Y: 36}

func testRelay(t *testing.T, queueCap int, mirror bool) (*Relay, *pool.PixelBufferPool) {
	t.Helper()
	p := pool.NewPixelBufferPool(testSize, queueCap+3)
	r := New(p, Options{
		Size:          testSize,
		FrameRate:     30,
		QueueCapacity: queueCap,
		Mirror:        mirror,
	})
	t.Cleanup(func() {
		r.Close()
		p.Close()
	})
	return r, p
}

// recordSink captures the timestamp and corner pixel of each published frame.
type recordSink struct {
	mu     sync.Mutex
	times  []time.Time
	pixels []gocv.Vecb
	got    chan struct{}
}

func newRecordSink() *recordSink {
	return &recordSink{got: make(chan struct{}, 64)}
}

func (s *recordSink) Put(i source.Image) {
	s.mu.Lock()
	s.times = append(s.times, i.Time)
	s.pixels = append(s.pixels, i.Mat.GetVecbAt(0, 0))
	s.mu.Unlock()
	select {
	case s.got <- struct{}{}:
	default:
	}
}

func (s *recordSink) Close() {}

func (s *recordSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.times)
}

func (s *recordSink) last() (time.Time, gocv.Vecb) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.times[len(s.times)-1], s.pixels[len(s.pixels)-1]
}

func solidImage(v float64) source.Image {
	m := gocv.NewMatWithSize(testSize.Y, testSize.X, gocv.MatTypeCV8UC4)
	m.SetTo(gocv.NewScalar(v, v, v, 255))
	return source.Image{Mat: m, Time: time.Now()}
}

func waitFrame(t *testing.T, s *recordSink) {
	t.Helper()
	select {
	case <-s.got:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for published frame")
	}
}

// TestQueueFullBoundary: enqueue at capacity drops the frame and leaves the
// queue length unchanged.
func TestQueueFullBoundary(t *testing.T) {
	r, _ := testRelay(t, 2, false)

	img := solidImage(100)
	defer img.Close()

	for i := 0; i < 2; i++ {
		if err := r.Enqueue(img); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}
	if r.QueueLen() != 2 {
		t.Fatalf("QueueLen = %d, want 2", r.QueueLen())
	}

	if err := r.Enqueue(img); err != ErrQueueFull {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}
	if r.QueueLen() != 2 {
		t.Errorf("Queue length changed on rejected enqueue: %d", r.QueueLen())
	}
}

// TestRoundTrip: an enqueued buffer is consumed, forwarded to the source
// stream and stamped with a timestamp at or after enqueue time.
func TestRoundTrip(t *testing.T) {
	r, _ := testRelay(t, 4, false)
	s := newRecordSink()
	r.Attach(s)

	life := r.Lifecycle()
	life.AuthorizeClient(SinkStream, uuid.New())
	if err := life.StartStream(SinkStream); err != nil {
		t.Fatalf("StartStream(sink) failed: %v", err)
	}
	if err := life.StartStream(SourceStream); err != nil {
		t.Fatalf("StartStream(source) failed: %v", err)
	}

	img := solidImage(77)
	defer img.Close()

	before := time.Now()
	if err := r.Enqueue(img); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitFrame(t, s)

	ts, px := s.last()
	if ts.Before(before) {
		t.Errorf("Forwarded timestamp %v precedes enqueue time %v", ts, before)
	}
	if px[0] != 77 {
		t.Errorf("Forwarded pixel = %d, want 77", px[0])
	}

	// The sequence notification for the forwarded frame is observable.
	select {
	case seq := <-r.Sequenced():
		if seq == 0 {
			t.Errorf("Sequence message = %d, want >= 1", seq)
		}
	case <-time.After(time.Second):
		t.Error("No sequence message after forwarding")
	}
}

// TestMirroredEnqueue: with mirroring on, the published frame is flipped
// horizontally.
func TestMirroredEnqueue(t *testing.T) {
	r, _ := testRelay(t, 4, true)
	s := newRecordSink()
	r.Attach(s)

	life := r.Lifecycle()
	life.AuthorizeClient(SinkStream, uuid.New())
	if err := life.StartStream(SinkStream); err != nil {
		t.Fatalf("StartStream(sink) failed: %v", err)
	}
	if err := life.StartStream(SourceStream); err != nil {
		t.Fatalf("StartStream(source) failed: %v", err)
	}

	img := solidImage(10)
	defer img.Close()
	// Mark the rightmost column; mirrored it lands at column 0.
	right := img.Mat.Region(image.Rect(testSize.X-1, 0, testSize.X, testSize.Y))
	right.SetTo(gocv.NewScalar(250, 250, 250, 255))
	right.Close()

	if err := r.Enqueue(img); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	waitFrame(t, s)

	_, px := s.last()
	if px[0] != 250 {
		t.Errorf("Pixel at column 0 = %d, want mirrored 250", px[0])
	}
}

// TestIdleSynthesis: with only the source stream running, the idle timer
// publishes filler frames at the configured rate.
func TestIdleSynthesis(t *testing.T) {
	r, _ := testRelay(t, 2, false)
	s := newRecordSink()
	r.Attach(s)

	if err := r.Lifecycle().StartStream(SourceStream); err != nil {
		t.Fatalf("StartStream(source) failed: %v", err)
	}

	waitFrame(t, s)
	waitFrame(t, s)

	if s.count() < 2 {
		t.Fatalf("Expected at least 2 idle frames, got %d", s.count())
	}
	if !r.Stats().SourceRunning {
		t.Error("Stats report source not running")
	}
}

// bandSink locates the first bright row of each published frame, tracking
// the idle band's vertical position over time.
type bandSink struct {
	mu   sync.Mutex
	rows []int
	got  chan struct{}
}

func newBandSink() *bandSink {
	return &bandSink{got: make(chan struct{}, 64)}
}

func (s *bandSink) Put(i source.Image) {
	row := -1
	for y := 0; y < i.Mat.Rows(); y++ {
		if i.Mat.GetVecbAt(y, 0)[0] > 128 {
			row = y
			break
		}
	}
	s.mu.Lock()
	s.rows = append(s.rows, row)
	s.mu.Unlock()
	select {
	case s.got <- struct{}{}:
	default:
	}
}

func (s *bandSink) Close() {}

// TestIdleBandSweepBounces: the filler band starts at the top, descends one
// step per frame, reverses at the bottom edge and climbs back, never leaving
// the frame.
func TestIdleBandSweepBounces(t *testing.T) {
	r, _ := testRelay(t, 2, false)
	s := newBandSink()
	r.Attach(s)

	if err := r.Lifecycle().StartStream(SourceStream); err != nil {
		t.Fatalf("StartStream(source) failed: %v", err)
	}

	const frames = 10
	for i := 0; i < frames; i++ {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatal("Timeout waiting for idle frame")
		}
	}

	s.mu.Lock()
	rows := append([]int(nil), s.rows[:frames]...)
	s.mu.Unlock()

	// 36 rows, 16-pixel band, 8-pixel step: down to the clamped bottom
	// position, then back up, bouncing at both edges.
	want := []int{0, 8, 16, 20, 12, 4, 0, 8, 16, 20}
	for i, got := range rows {
		if got != want[i] {
			t.Fatalf("Band rows = %v, want %v", rows, want)
		}
	}
	bottom := testSize.Y - bandHeight
	for i, got := range rows {
		if got < 0 || got > bottom {
			t.Errorf("Frame %d: band row %d outside [0, %d]", i, got, bottom)
		}
	}
}

// TestIdlePausesWhileConsuming: once the sink consume loop is live, the
// idle generator stops synthesizing filler frames.
func TestIdlePausesWhileConsuming(t *testing.T) {
	r, _ := testRelay(t, 2, false)
	s := newRecordSink()
	r.Attach(s)

	life := r.Lifecycle()
	life.AuthorizeClient(SinkStream, uuid.New())
	if err := life.StartStream(SinkStream); err != nil {
		t.Fatalf("StartStream(sink) failed: %v", err)
	}
	if err := life.StartStream(SourceStream); err != nil {
		t.Fatalf("StartStream(source) failed: %v", err)
	}

	// Give the idle ticker several periods; nothing should be published.
	time.Sleep(200 * time.Millisecond)
	if n := s.count(); n != 0 {
		t.Errorf("Idle generator published %d frames while sink consuming", n)
	}
}

// TestRapidSinkRestart: stopping and immediately restarting the sink stream
// must leave the fresh consume loop marked live; a superseded loop winding
// down may not clear the flag and wake the idle generator.
func TestRapidSinkRestart(t *testing.T) {
	r, _ := testRelay(t, 2, false)
	s := newRecordSink()
	r.Attach(s)

	life := r.Lifecycle()
	life.AuthorizeClient(SinkStream, uuid.New())

	for i := 0; i < 8; i++ {
		if err := life.StartStream(SinkStream); err != nil {
			t.Fatalf("Start %d failed: %v", i, err)
		}
		if err := life.StopStream(SinkStream); err != nil {
			t.Fatalf("Stop %d failed: %v", i, err)
		}
	}
	if err := life.StartStream(SinkStream); err != nil {
		t.Fatalf("Final start failed: %v", err)
	}

	// Give every superseded loop time to wind down, then check the fresh
	// loop is still marked live.
	time.Sleep(150 * time.Millisecond)
	if !r.Consuming() {
		t.Fatal("Consuming flag cleared while a consume loop is live")
	}

	// With the flag intact the idle generator must stay quiet.
	if err := life.StartStream(SourceStream); err != nil {
		t.Fatalf("StartStream(source) failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := s.count(); n != 0 {
		t.Errorf("Idle generator published %d frames during an active sink stream", n)
	}
}

func TestSinkRequiresAuthorizedClient(t *testing.T) {
	r, _ := testRelay(t, 2, false)
	if err := r.Lifecycle().StartStream(SinkStream); err == nil {
		t.Error("Sink stream started without an authorized client")
	}
}

// TestLifecycleRefCounts: overlapping starts share one consume loop; only
// the final stop tears it down.
func TestLifecycleRefCounts(t *testing.T) {
	r, _ := testRelay(t, 2, false)
	life := r.Lifecycle()
	client := uuid.New()
	life.AuthorizeClient(SinkStream, client)

	if err := life.StartStream(SinkStream); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if err := life.StartStream(SinkStream); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	if !r.Consuming() {
		t.Fatal("Consume loop not running after start")
	}

	if err := life.StopStream(SinkStream); err != nil {
		t.Fatalf("First stop failed: %v", err)
	}
	if !r.Consuming() {
		t.Error("Consume loop stopped while a client still holds the stream")
	}

	if err := life.StopStream(SinkStream); err != nil {
		t.Fatalf("Second stop failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for r.Consuming() {
		if time.Now().After(deadline) {
			t.Fatal("Consume loop still running after final stop")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := life.StopStream(SinkStream); err == nil {
		t.Error("Stop of an idle stream must fail")
	}

	got, ok := life.Client(SinkStream)
	if !ok || got != client {
		t.Errorf("Client identity lost: got %v ok=%v", got, ok)
	}
}
