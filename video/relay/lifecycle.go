package relay

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// StreamID names one of the virtual device's two logical streams.
type StreamID int

const (
	// SourceStream publishes frames outward; downstream consumers read it
	// as "the camera".
	SourceStream StreamID = iota
	// SinkStream accepts frames pushed in from an external writer.
	SinkStream
)

func (s StreamID) String() string {
	if s == SourceStream {
		return "source"
	}
	return "sink"
}

type streamState struct {
	refs       int
	client     uuid.UUID
	authorized bool

	start func()
	stop  func()
}

// Lifecycle is the per-stream start/stop state machine. Each stream carries
// a reference count so overlapping start/stop requests from multiple clients
// compose; the subsystem side effect runs only on the 0->1 and 1->0 edges.
// Source and sink are independent flat two-state machines.
type Lifecycle struct {
	mu      sync.Mutex
	streams map[StreamID]*streamState
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		streams: map[StreamID]*streamState{
			SourceStream: {},
			SinkStream:   {},
		},
	}
}

// Register installs the side effects run on the 0->1 (start) and 1->0
// (stop) transitions of a stream.
func (l *Lifecycle) Register(id StreamID, start, stop func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[id]
	s.start = start
	s.stop = stop
}

// AuthorizeClient records the client identity requesting the sink stream.
// Current policy always authorizes; returning false would refuse the client.
func (l *Lifecycle) AuthorizeClient(id StreamID, client uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[id]
	s.client = client
	s.authorized = true
	log.Infof("Authorized client %v for %v stream", client, id)
	return true
}

// StartStream increments the stream's reference count, running the start
// side effect on the first reference. Starting the sink without an
// authorized client is an error: the consume loop is client-scoped.
func (l *Lifecycle) StartStream(id StreamID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[id]
	if id == SinkStream && !s.authorized {
		return fmt.Errorf("sink stream started with no authorized client")
	}
	s.refs++
	if s.refs == 1 && s.start != nil {
		s.start()
	}
	log.Debugf("Stream %v started, refs=%d", id, s.refs)
	return nil
}

// StopStream decrements the reference count, running the stop side effect
// when the last reference is released.
func (l *Lifecycle) StopStream(id StreamID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[id]
	if s.refs == 0 {
		return fmt.Errorf("stop of idle %v stream", id)
	}
	s.refs--
	if s.refs == 0 && s.stop != nil {
		s.stop()
	}
	log.Debugf("Stream %v stopped, refs=%d", id, s.refs)
	return nil
}

// Running reports whether the stream has at least one active reference.
func (l *Lifecycle) Running(id StreamID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams[id].refs > 0
}

// Client returns the authorized client identity for a stream, if any.
func (l *Lifecycle) Client(id StreamID) (uuid.UUID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.streams[id]
	return s.client, s.authorized
}
