package source

import (
	"image"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// VideoCapture reads frames from a physical camera (or a file URI for
// testing) and republishes them as BGRA images at the requested tier. Frame
// arrival is the pipeline's only clock, so reads are paced by maxFPS.
type VideoCapture struct {
	uri    string
	size   image.Point
	maxFPS int

	frames chan Image
	stop   chan chan bool
}

func NewVideoCapture(uri string, size image.Point, maxFPS int) *VideoCapture {
	v := &VideoCapture{
		uri:    uri,
		size:   size,
		maxFPS: maxFPS,
		frames: make(chan Image),
		stop:   make(chan chan bool),
	}
	go v.loop()
	return v
}

func (v *VideoCapture) loop() {
	cap, err := gocv.OpenVideoCapture(v.uri)
	if err != nil {
		log.Errorf("Failed to open video capture %q: %v", v.uri, err)
		c := <-v.stop
		c <- true
		return
	}
	defer cap.Close()

	raw := gocv.NewMat()
	defer raw.Close()

	minInterval := time.Second / time.Duration(v.maxFPS)
	var lastRead time.Time

	for {
		select {
		case c := <-v.stop:
			c <- true
			return
		default:
		}

		if d := time.Since(lastRead); d < minInterval {
			time.Sleep(minInterval - d)
		}
		lastRead = time.Now()

		if ok := cap.Read(&raw); !ok || raw.Empty() {
			log.Debugf("Capture read failure from %q", v.uri)
			time.Sleep(time.Millisecond)
			continue
		}

		i := Image{Mat: gocv.NewMat(), Time: time.Now()}
		if raw.Cols() != v.size.X || raw.Rows() != v.size.Y {
			scaled := gocv.NewMat()
			gocv.Resize(raw, &scaled, v.size, 0, 0, gocv.InterpolationLinear)
			gocv.CvtColor(scaled, &i.Mat, gocv.ColorBGRToBGRA)
			scaled.Close()
		} else {
			gocv.CvtColor(raw, &i.Mat, gocv.ColorBGRToBGRA)
		}

		select {
		case v.frames <- i:
		case c := <-v.stop:
			i.Close()
			c <- true
			return
		}
	}
}

func (v *VideoCapture) Get() <-chan Image {
	return v.frames
}

func (v *VideoCapture) Size() image.Point {
	return v.size
}

func (v *VideoCapture) Close() {
	c := make(chan bool)
	v.stop <- c
	<-c
}
