// internal/camera/source.go
package camera

import (
	"errors"
	"image"
)

// ErrStreamClosed is returned by Read when the decoder has no more
// frames to give (connection lost, stream ended).
var ErrStreamClosed = errors.New("stream closed")

// Source is one open video stream. Read blocks until the decoder has
// a frame or the stream dies.
type Source interface {
	Read() (image.Image, error)
	Close() error
}

// Opener turns a camera URL into an open Source. Workers take it as a
// dependency so tests can substitute synthetic streams; production
// wiring uses OpenRTSP.
type Opener func(url string) (Source, error)
