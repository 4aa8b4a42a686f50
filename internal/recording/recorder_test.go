package recording

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeWriter struct {
	mu     sync.Mutex
	frames int
	closed int
}

func (f *fakeWriter) WriteJPEG(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeWriter) stats() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames, f.closed
}

func staticFrame() []byte { return []byte{0xFF, 0xD8, 0xFF} }

func newTestRecorder(source FrameSource) (*Recorder, *[]*fakeWriter) {
	writers := &[]*fakeWriter{}
	var mu sync.Mutex
	r := NewRecorder(source, func(path string) (FrameWriter, error) {
		w := &fakeWriter{}
		mu.Lock()
		*writers = append(*writers, w)
		mu.Unlock()
		return w, nil
	})
	r.SetInterval(5 * time.Millisecond)
	return r, writers
}

func TestStartRecordCapturesUntilDeadline(t *testing.T) {
	r, writers := newTestRecorder(staticFrame)

	path, err := r.StartRecord("a.mp4", time.Now().Add(60*time.Millisecond))
	if err != nil {
		t.Fatalf("StartRecord: %v", err)
	}
	if path != "a.mp4" {
		t.Fatalf("unexpected path %q", path)
	}

	deadline := time.Now().Add(time.Second)
	for r.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Active() {
		t.Fatal("recorder did not stop at deadline")
	}

	frames, closed := (*writers)[0].stats()
	if frames == 0 {
		t.Error("no frames captured")
	}
	if closed != 1 {
		t.Errorf("writer closed %d times, want 1", closed)
	}
}

func TestRetriggerExtendsInsteadOfRestarting(t *testing.T) {
	r, writers := newTestRecorder(staticFrame)

	first, err := r.StartRecord("a.mp4", time.Now().Add(80*time.Millisecond))
	if err != nil {
		t.Fatalf("StartRecord: %v", err)
	}

	// Earlier deadline must not shorten the clip; later one extends it.
	again, err := r.StartRecord("b.mp4", time.Now().Add(10*time.Millisecond))
	if err != nil {
		t.Fatalf("retrigger: %v", err)
	}
	if again != first {
		t.Fatalf("retrigger returned %q, want existing path %q", again, first)
	}
	if _, err := r.StartRecord("c.mp4", time.Now().Add(150*time.Millisecond)); err != nil {
		t.Fatalf("extend: %v", err)
	}

	if len(*writers) != 1 {
		t.Fatalf("expected a single writer, got %d", len(*writers))
	}

	time.Sleep(60 * time.Millisecond)
	if !r.Active() {
		t.Fatal("extended recording ended too early")
	}
	r.Stop()
}

func TestStopsWhenFrameSourceDries(t *testing.T) {
	var hasFrame atomic.Bool
	hasFrame.Store(true)
	r, writers := newTestRecorder(func() []byte {
		if hasFrame.Load() {
			return staticFrame()
		}
		return nil
	})

	if _, err := r.StartRecord("a.mp4", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("StartRecord: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	hasFrame.Store(false)

	deadline := time.Now().Add(time.Second)
	for r.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if r.Active() {
		t.Fatal("recorder should stop gracefully when frames dry up")
	}
	if _, closed := (*writers)[0].stats(); closed != 1 {
		t.Error("writer not released")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r, _ := newTestRecorder(staticFrame)

	if _, err := r.StartRecord("a.mp4", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("StartRecord: %v", err)
	}
	r.Stop()
	r.Stop() // no-op
	if r.Active() {
		t.Fatal("still active after Stop")
	}

	// A fresh trigger starts a fresh clip.
	path, err := r.StartRecord("d.mp4", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if path != "d.mp4" {
		t.Fatalf("restart returned %q", path)
	}
	r.Stop()
}

func TestWriterOpenFailure(t *testing.T) {
	boom := errors.New("boom")
	r := NewRecorder(staticFrame, func(path string) (FrameWriter, error) {
		return nil, boom
	})

	if _, err := r.StartRecord("a.mp4", time.Now().Add(time.Minute)); !errors.Is(err, boom) {
		t.Fatalf("expected open error, got %v", err)
	}
	if r.Active() {
		t.Fatal("failed open must leave recorder inactive")
	}
}

func TestEmptyTargetRejected(t *testing.T) {
	r, _ := newTestRecorder(staticFrame)
	if _, err := r.StartRecord("", time.Now().Add(time.Minute)); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
}
