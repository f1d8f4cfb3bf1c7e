package sink

import (
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"fancycam/video/source"
)

// MJPEG streaming based on implementation by saljam:
// https://github.com/saljam/mjpeg/blob/master/stream.go

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: 0.000000\r\n" +
	"\r\n"

// MJPEGStream serves the published source stream to browsers as
// multipart JPEG. It stands in for the OS camera abstraction on the reading
// side of the virtual device.
type MJPEGStream struct {
	m     map[chan []byte]bool
	frame []byte
	bgr   gocv.Mat

	lock sync.Mutex
}

func NewMJPEGStream() *MJPEGStream {
	return &MJPEGStream{
		m:     make(map[chan []byte]bool),
		frame: make([]byte, len(headerf)),
		bgr:   gocv.NewMat(),
	}
}

func (s *MJPEGStream) empty() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.m) == 0
}

// Put implements Sink. Frames are JPEG-encoded once and fanned out to every
// connected client; clients not ready for the next frame skip it.
func (s *MJPEGStream) Put(input source.Image) {
	if s.empty() {
		// Nobody is listening; don't bother encoding.
		return
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	// JPEG encoding wants 3-channel input.
	gocv.CvtColor(input.Mat, &s.bgr, gocv.ColorBGRAToBGR)
	buf, err := gocv.IMEncode(".jpg", s.bgr)
	if err != nil {
		log.Errorf("Error encoding frame for MJPEG stream: %v", err)
		return
	}
	defer buf.Close()
	jpeg := buf.GetBytes()

	header := fmt.Sprintf(headerf, len(jpeg))
	if len(s.frame) < len(jpeg)+len(header) {
		s.frame = make([]byte, (len(jpeg)+len(header))*2)
	}

	copy(s.frame, header)
	copy(s.frame[len(header):], jpeg)

	for c := range s.m {
		select {
		case c <- s.frame[:(len(header) + len(jpeg))]:
		default:
			// Skip listeners not ready for next frame.
		}
	}
}

// ServeHTTP implements http.Handler, serving MJPEG.
func (s *MJPEGStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log.WithField("addr", r.RemoteAddr).Info("MJPEG preview connected")
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)

	c := make(chan []byte)
	s.lock.Lock()
	s.m[c] = true
	s.lock.Unlock()

	for {
		b := <-c
		if _, err := w.Write(b); err != nil {
			break
		}
	}

	s.lock.Lock()
	delete(s.m, c)
	s.lock.Unlock()
	log.WithField("addr", r.RemoteAddr).Info("MJPEG preview disconnected")
}

func (s *MJPEGStream) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.bgr.Close()
	s.m = make(map[chan []byte]bool)
}
