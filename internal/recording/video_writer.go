package recording

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

const (
	clipFPS = 20

	// The sensor is mounted sideways in the doorbell housing; every frame
	// is rotated 90 degrees clockwise before muxing, so the clip dimensions
	// are the transposed sensor dimensions.
	clipWidth  = 240
	clipHeight = 320
)

// videoWriter muxes JPEG frames into an MP4V clip via OpenCV, the same
// codec path the devices' frames decode through.
type videoWriter struct {
	w    *gocv.VideoWriter
	path string
}

// NewVideoWriter opens an MP4 clip writer at path. Satisfies WriterFactory.
func NewVideoWriter(path string) (FrameWriter, error) {
	w, err := gocv.VideoWriterFile(path, "MP4V", clipFPS, clipWidth, clipHeight, true)
	if err != nil {
		return nil, fmt.Errorf("open video writer %s: %w", path, err)
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("open video writer %s: codec unavailable", path)
	}
	return &videoWriter{w: w, path: path}, nil
}

func (v *videoWriter) WriteJPEG(frame []byte) error {
	mat, err := gocv.IMDecode(frame, gocv.IMReadColor)
	if err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	defer mat.Close()
	if mat.Empty() {
		return fmt.Errorf("decode frame: empty image")
	}

	rotated := gocv.NewMat()
	defer rotated.Close()
	gocv.Rotate(mat, &rotated, gocv.Rotate90Clockwise)

	if rotated.Cols() != clipWidth || rotated.Rows() != clipHeight {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(rotated, &resized, image.Pt(clipWidth, clipHeight), 0, 0, gocv.InterpolationLinear)
		return v.w.Write(resized)
	}
	return v.w.Write(rotated)
}

func (v *videoWriter) Close() error {
	return v.w.Close()
}
