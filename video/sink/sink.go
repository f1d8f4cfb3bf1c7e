package sink

import (
	"fancycam/video/source"
)

// Sink is a destination for a stream of images, such as the MJPEG preview.
type Sink interface {
	// Put delivers an image to the sink. The sink borrows the image for the
	// duration of the call and must not retain the underlying Mat.
	Put(input source.Image)

	// Close finalizes the sink.
	Close()
}
