// internal/camera/rtsp.go
package camera

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// rtspSource wraps a gocv VideoCapture. The capture buffer is kept at
// one frame so Read always returns the newest decoded frame.
type rtspSource struct {
	cap *gocv.VideoCapture
	mat gocv.Mat
}

// OpenRTSP opens an RTSP (or any ffmpeg-supported) video source.
func OpenRTSP(url string) (Source, error) {
	cap, err := gocv.OpenVideoCapture(url)
	if err != nil {
		return nil, fmt.Errorf("open stream %s: %w", url, err)
	}
	if !cap.IsOpened() {
		cap.Close()
		return nil, fmt.Errorf("open stream %s: not opened", url)
	}
	cap.Set(gocv.VideoCaptureBufferSize, 1)

	return &rtspSource{cap: cap, mat: gocv.NewMat()}, nil
}

func (s *rtspSource) Read() (image.Image, error) {
	if ok := s.cap.Read(&s.mat); !ok || s.mat.Empty() {
		return nil, ErrStreamClosed
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func (s *rtspSource) Close() error {
	s.mat.Close()
	return s.cap.Close()
}
