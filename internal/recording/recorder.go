// Package recording captures a device's camera frames into bounded video
// clips. One Recorder belongs to one device session; a trigger while a clip
// is already being written extends its deadline instead of opening a second
// file, so rapid repeated motion produces one clip rather than fragments.
package recording

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/technohome/doorbell-hub/internal/metrics"
)

const (
	// DefaultInterval is the capture cadence: 20 fps worth of frames.
	DefaultInterval = 50 * time.Millisecond
)

var ErrNoTarget = errors.New("recording: empty target path")

// FrameSource returns the latest JPEG the device sent, or nil when the
// device is gone. Supplied by the owning session.
type FrameSource func() []byte

// FrameWriter muxes JPEG frames into a clip on disk.
type FrameWriter interface {
	WriteJPEG(frame []byte) error
	Close() error
}

// WriterFactory opens a FrameWriter at the given path.
type WriterFactory func(path string) (FrameWriter, error)

type Recorder struct {
	source   FrameSource
	open     WriterFactory
	interval time.Duration

	mu            sync.Mutex
	active        bool
	stopRequested bool
	path          string
	deadline      time.Time
	writer        FrameWriter
	stopCh        chan struct{}
	done          chan struct{}
}

func NewRecorder(source FrameSource, open WriterFactory) *Recorder {
	return &Recorder{
		source:   source,
		open:     open,
		interval: DefaultInterval,
	}
}

// SetInterval overrides the capture cadence. Test seam.
func (r *Recorder) SetInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d > 0 {
		r.interval = d
	}
}

// StartRecord begins a clip at path until deadline. If a clip is already
// being written the deadline is raised to max(current, deadline) and the
// path of the clip in progress is returned, so the caller correlates its
// alert with the file that will actually exist.
func (r *Recorder) StartRecord(path string, deadline time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active {
		if deadline.After(r.deadline) {
			r.deadline = deadline
		}
		return r.path, nil
	}

	if path == "" {
		return "", ErrNoTarget
	}

	w, err := r.open(path)
	if err != nil {
		return "", err
	}

	r.active = true
	r.stopRequested = false
	r.path = path
	r.deadline = deadline
	r.writer = w
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})

	metrics.RecordingsActive.Inc()
	go r.captureLoop(r.stopCh, r.done)
	return path, nil
}

// Active reports whether a clip is currently being written.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Stop ends any clip in progress and waits for the writer to be released.
// Safe to call when nothing is recording.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return
	}
	if !r.stopRequested {
		r.stopRequested = true
		close(r.stopCh)
	}
	done := r.done
	r.mu.Unlock()

	<-done
}

func (r *Recorder) captureLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer r.release()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			expired := time.Now().After(r.deadline)
			w := r.writer
			r.mu.Unlock()

			if expired || w == nil {
				return
			}

			frame := r.source()
			if frame == nil {
				// Device disconnected mid-recording; finish what we have.
				return
			}
			if err := w.WriteJPEG(frame); err != nil {
				log.Printf("[ERROR] Recorder: frame write for %s: %v", r.path, err)
				return
			}
		}
	}
}

func (r *Recorder) release() {
	r.mu.Lock()
	w := r.writer
	path := r.path
	r.writer = nil
	r.path = ""
	r.active = false
	r.mu.Unlock()

	if w != nil {
		metrics.RecordingsActive.Dec()
		if err := w.Close(); err != nil {
			log.Printf("[ERROR] Recorder: closing %s: %v", path, err)
		}
	}
}
