package device

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/technohome/doorbell-hub/internal/data"
	"github.com/technohome/doorbell-hub/internal/events"
	"github.com/technohome/doorbell-hub/internal/metrics"
	"github.com/technohome/doorbell-hub/internal/protocol"
	"github.com/technohome/doorbell-hub/internal/recording"
)

type phase int

const (
	phaseAwaitingUuid phase = iota
	phaseAwaitingUsername
	phaseOperational
)

const writeTimeout = 10 * time.Second

// pendingCapture is a capture promised to an alert that is waiting for the
// next Image frame from the device.
type pendingCapture struct {
	kind data.AlertKind
}

// Session owns one device socket. Frames are reassembled and processed in
// arrival order on the session's own goroutine; everything other goroutines
// may touch (latest frame, viewer count, sends) goes through the mutex.
type Session struct {
	conn      net.Conn
	addr      string
	bus       *events.Bus
	registry  *Registry
	recorder  *recording.Recorder
	mediaRoot string

	packet protocol.Packet

	writeMu sync.Mutex

	mu          sync.Mutex
	deviceID    int64
	phase       phase
	latestFrame []byte
	bellClip    time.Duration
	motionClip  time.Duration
	relayDur    time.Duration
	viewers     int
	pending     map[string]pendingCapture

	closeOnce sync.Once
}

func newSession(conn net.Conn, bus *events.Bus, registry *Registry, mediaRoot string, openWriter recording.WriterFactory) *Session {
	s := &Session{
		conn:      conn,
		addr:      conn.RemoteAddr().String(),
		bus:       bus,
		registry:  registry,
		mediaRoot: mediaRoot,
	}
	s.recorder = recording.NewRecorder(s.LatestFrame, openWriter)
	return s
}

func (s *Session) DeviceID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Session) RemoteAddr() string {
	return s.addr
}

// LatestFrame returns a copy-safe reference to the most recent camera
// frame, or nil before the first Image arrives.
func (s *Session) LatestFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestFrame
}

// Close tears the session down from outside its goroutine (registry
// eviction, server shutdown). The read loop observes the closed socket and
// finishes its own cleanup through the same idempotent path.
func (s *Session) Close() error {
	s.teardown("closed")
	return nil
}

// serve runs the read loop until the peer goes away or a protocol
// violation makes the stream uninterpretable.
func (s *Session) serve() {
	reason := "peer_closed"
	defer func() { s.teardown(reason) }()

	buf := make([]byte, 2048)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			if isExpectedClose(err) {
				log.Printf("[INFO] Session %s: disconnected: %v", s.addr, err)
			} else {
				reason = "read_error"
				log.Printf("[ERROR] Session %s: read: %v", s.addr, err)
			}
			return
		}

		s.packet.Append(buf[:n])
		if err := s.drainFrames(); err != nil {
			reason = "protocol_error"
			log.Printf("[ERROR] Session %s: %v", s.addr, err)
			return
		}
	}
}

// drainFrames processes every complete frame buffered so far. A returned
// error is fatal to the session.
func (s *Session) drainFrames() error {
	for {
		if err := s.packet.TryHeader(); err != nil {
			return err
		}
		s.packet.TryPayload()
		if !s.packet.Ready() {
			return nil
		}

		typ := s.packet.Type()
		payload := s.packet.Payload()
		s.packet.Reset()

		metrics.FramesReceived.Inc()
		if err := s.handleFrame(typ, payload); err != nil {
			return err
		}
	}
}

func (s *Session) handleFrame(typ protocol.PacketType, payload []byte) error {
	// Uuid is accepted in any phase: firmware re-announces after a config
	// change and the handshake simply re-runs.
	if typ == protocol.TypeUuid {
		return s.handleUuid(payload)
	}

	s.mu.Lock()
	ph := s.phase
	s.mu.Unlock()

	if ph == phaseAwaitingUuid {
		log.Printf("[DEBUG] Session %s: %v frame before Uuid, ignoring", s.addr, typ)
		return nil
	}

	if typ == protocol.TypeUsername {
		return s.handleUsername(payload)
	}

	if ph == phaseAwaitingUsername {
		// The firmware may race config application and keep streaming
		// while registration is still open. Not fatal.
		log.Printf("[DEBUG] Session %s: %v frame while awaiting username, ignoring", s.addr, typ)
		return nil
	}

	switch typ {
	case protocol.TypeImage:
		s.handleImage(payload)
	case protocol.TypeBellPressed:
		log.Printf("[DEBUG] Session %s: bell pressed for %d", s.addr, s.DeviceID())
		s.classify(data.AlertBell, s.clipFor(data.AlertBell))
	case protocol.TypeMotionDetected:
		log.Printf("[DEBUG] Session %s: motion detected for %d", s.addr, s.DeviceID())
		s.classify(data.AlertMovement, s.clipFor(data.AlertMovement))
	case protocol.TypeStartStream, protocol.TypeStopStream, protocol.TypeOpenRelay, protocol.TypeConfig:
		// Server to device commands; a device echoing one is firmware from
		// another protocol iteration. Ignore rather than kill the session.
		log.Printf("[WARN] Session %s: unexpected %v frame from device", s.addr, typ)
	}
	return nil
}

func (s *Session) handleUuid(payload []byte) error {
	if len(payload) == 0 || len(payload) > 8 {
		return fmt.Errorf("malformed uuid payload (%d bytes)", len(payload))
	}

	var id uint64
	for _, b := range payload {
		id = id<<8 | uint64(b)
	}
	if id == 0 {
		return errors.New("zero device id")
	}

	s.mu.Lock()
	prev := s.deviceID
	s.deviceID = int64(id)
	s.mu.Unlock()

	// A re-announce with a different id abandons the old identity; drop its
	// registry entry so only the current id resolves to this session.
	if prev != 0 && prev != int64(id) {
		s.registry.Remove(prev, s)
	}

	cfg := s.bus.UuidReceived(s)
	if cfg == nil {
		return fmt.Errorf("no handshake answer for device %d", id)
	}

	s.mu.Lock()
	s.bellClip = time.Duration(cfg.BellMs) * time.Millisecond
	s.motionClip = time.Duration(cfg.MotionMs) * time.Millisecond
	s.relayDur = time.Duration(cfg.RelayMs) * time.Millisecond
	if cfg.NeedUsername {
		s.phase = phaseAwaitingUsername
	} else {
		s.phase = phaseOperational
	}
	s.mu.Unlock()

	return s.SendConfig(cfg.NeedUsername, cfg.BellMs, cfg.MotionMs, cfg.RelayMs)
}

func (s *Session) handleUsername(payload []byte) error {
	name := payload
	relayCapable := false
	// Later firmware appends a relay-capability byte after the UTF-8 name.
	if len(name) > 1 && name[len(name)-1] <= 1 {
		relayCapable = name[len(name)-1] == 1
		name = name[:len(name)-1]
	}

	username := strings.TrimSpace(string(name))
	valid := username != "" && utf8.ValidString(username)
	if valid {
		valid = s.bus.UsernameReceived(s, username, relayCapable)
	}

	if valid {
		s.mu.Lock()
		s.phase = phaseOperational
		s.mu.Unlock()
	}
	// Failure keeps the device in AwaitingUsername; it may resend.
	return s.send(protocol.EncodeUsernameAck(valid))
}

func (s *Session) handleImage(payload []byte) {
	frame := append([]byte(nil), payload...)
	metrics.ImageBytesReceived.Add(float64(len(frame)))

	s.mu.Lock()
	s.latestFrame = frame
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for filename, pc := range pending {
		s.savePicture(filename, frame)
		s.bus.Alert(s.DeviceID(), pc.kind, events.AlertInfo{
			Time:     time.Now(),
			Filename: filename,
			Image:    frame,
		})
		metrics.AlertsTotal.WithLabelValues(pc.kind.Message()).Inc()
	}
}

func (s *Session) clipFor(kind data.AlertKind) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kind == data.AlertBell {
		return s.bellClip
	}
	return s.motionClip
}

// classify turns a bell/motion trigger into either a clip recording or an
// instant photo, and raises the alert carrying the capture's filename.
func (s *Session) classify(kind data.AlertKind, clip time.Duration) {
	now := time.Now()

	if clip > 0 {
		name := fmt.Sprintf("%d.mp4", now.UnixMilli())
		path, err := s.recorder.StartRecord(filepath.Join(s.mediaRoot, name), now.Add(clip))
		if err != nil {
			log.Printf("[ERROR] Session %s: start record: %v", s.addr, err)
			return
		}
		// The clip file is guaranteed to exist once the recorder drains,
		// so the alert can reference it right away.
		s.bus.Alert(s.DeviceID(), kind, events.AlertInfo{Time: now, Filename: filepath.Base(path)})
		metrics.AlertsTotal.WithLabelValues(kind.Message()).Inc()
		return
	}

	name := fmt.Sprintf("%d.jpeg", now.UnixMilli())
	frame := s.LatestFrame()
	if frame == nil {
		// No frame seen yet; capture the next one.
		s.addPending(name, kind)
		return
	}

	s.savePicture(name, frame)
	s.bus.Alert(s.DeviceID(), kind, events.AlertInfo{Time: now, Filename: name, Image: frame})
	metrics.AlertsTotal.WithLabelValues(kind.Message()).Inc()
}

func (s *Session) addPending(filename string, kind data.AlertKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]pendingCapture)
	}
	s.pending[filename] = pendingCapture{kind: kind}
}

func (s *Session) savePicture(filename string, image []byte) {
	if len(image) == 0 {
		return
	}
	path := filepath.Join(s.mediaRoot, filename)
	if err := os.WriteFile(path, image, 0o644); err != nil {
		log.Printf("[ERROR] Session %s: saving %s: %v", s.addr, path, err)
	}
}

// RequestPicture schedules a capture of the next Image frame and returns
// the filename its UserPicture alert will carry.
func (s *Session) RequestPicture() string {
	name := fmt.Sprintf("%d.jpeg", time.Now().UnixMilli())
	s.addPending(name, data.AlertUserPicture)
	return name
}

// StartStreamRequested implements viewer demand counting. A maintain call
// is a keep-alive re-assertion: the command is re-sent but the count is
// untouched. A new viewer only triggers the device command on the 0 to 1
// transition.
func (s *Session) StartStreamRequested(maintain bool) {
	if maintain {
		s.sendCommand(protocol.TypeStartStream)
		return
	}

	s.mu.Lock()
	s.viewers++
	first := s.viewers == 1
	s.mu.Unlock()

	metrics.StreamViewers.Inc()
	if first {
		s.sendCommand(protocol.TypeStartStream)
	}
}

// StopStreamRequested sends the stop command only when the last viewer
// leaves. The count never goes negative.
func (s *Session) StopStreamRequested() {
	s.mu.Lock()
	if s.viewers == 0 {
		s.mu.Unlock()
		return
	}
	s.viewers--
	last := s.viewers == 0
	s.mu.Unlock()

	metrics.StreamViewers.Dec()
	if last {
		s.sendCommand(protocol.TypeStopStream)
	}
}

func (s *Session) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewers
}

// SendUuidRequest asks the device to (re)announce its id. Sent by the
// acceptor right after the connection is established.
func (s *Session) SendUuidRequest() error {
	return s.send(protocol.Encode(protocol.TypeUuid, nil))
}

func (s *Session) SendConfig(needUsername bool, bellMs, motionMs, relayMs int32) error {
	return s.send(protocol.EncodeConfig(needUsername, bellMs, motionMs, relayMs))
}

func (s *Session) SendOpenRelay() error {
	return s.sendCommand(protocol.TypeOpenRelay)
}

func (s *Session) SendStartStream() error {
	return s.sendCommand(protocol.TypeStartStream)
}

func (s *Session) SendStopStream() error {
	return s.sendCommand(protocol.TypeStopStream)
}

func (s *Session) sendCommand(typ protocol.PacketType) error {
	return s.send(protocol.Encode(typ, nil))
}

func (s *Session) send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write(frame); err != nil {
		log.Printf("[WARN] Session %s: write: %v", s.addr, err)
		return err
	}
	return nil
}

// teardown is the single cleanup path: stop the recorder, drop the registry
// entry if this session still owns it, then close the socket.
func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		s.recorder.Stop()

		s.mu.Lock()
		id := s.deviceID
		viewers := s.viewers
		s.viewers = 0
		s.mu.Unlock()

		if id != 0 {
			s.registry.Remove(id, s)
		}
		s.conn.Close()

		if viewers > 0 {
			metrics.StreamViewers.Sub(float64(viewers))
		}
		metrics.SessionsActive.Dec()
		metrics.SessionsTotal.WithLabelValues(reason).Inc()
	})
}

// isExpectedClose reports whether a read error is ordinary connection
// churn (device rebooted, wifi dropped) rather than a defect.
func isExpectedClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne *net.OpError
	if errors.As(err, &ne) {
		msg := ne.Err.Error()
		return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
	}
	return false
}
