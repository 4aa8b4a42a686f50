// Package events carries the fixed set of protocol signals between the
// socket layer and application policy. The signal names and payload types
// are declared up front; request/response signals use first-responder-wins
// dispatch, alerts broadcast to every subscriber. Handlers run on the
// calling goroutine and must be fast or hand off their own work.
package events

import (
	"sync"
	"time"

	"github.com/technohome/doorbell-hub/internal/data"
)

// Session is the non-owning view of a connected device that handlers may
// hold. The session's lifetime belongs to its connection goroutine; the
// registry and bus only ever reference it through this interface.
type Session interface {
	DeviceID() int64
	RemoteAddr() string
	Close() error

	// LatestFrame returns the most recent JPEG the device sent, or nil.
	LatestFrame() []byte

	SendOpenRelay() error
	StartStreamRequested(maintain bool)
	StopStreamRequested()

	// RequestPicture schedules a capture of the next Image frame and
	// returns the filename the eventual alert will carry.
	RequestPicture() string
}

// DeviceConfig is the handshake answer for a device that presented its id.
type DeviceConfig struct {
	NeedUsername bool
	BellMs       int32
	MotionMs     int32
	RelayMs      int32
}

// AlertInfo carries the optional context attached to an alert signal.
type AlertInfo struct {
	Time     time.Time
	Filename string
	Notes    string
	Image    []byte
}

type (
	UuidHandler         func(s Session) *DeviceConfig
	UsernameHandler     func(s Session, username string, relayCapable bool) bool
	AlertHandler        func(deviceID int64, kind data.AlertKind, info AlertInfo)
	OpenDoorbellHandler func(deviceID int64) bool
	StartStreamHandler  func(deviceID int64, maintain bool) bool
	StopStreamHandler   func(deviceID int64) bool
)

type Bus struct {
	mu           sync.RWMutex
	uuid         []UuidHandler
	username     []UsernameHandler
	alert        []AlertHandler
	openDoorbell []OpenDoorbellHandler
	startStream  []StartStreamHandler
	stopStream   []StopStreamHandler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) SubscribeUuid(h UuidHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uuid = append(b.uuid, h)
}

func (b *Bus) SubscribeUsername(h UsernameHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.username = append(b.username, h)
}

func (b *Bus) SubscribeAlert(h AlertHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alert = append(b.alert, h)
}

func (b *Bus) SubscribeOpenDoorbell(h OpenDoorbellHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openDoorbell = append(b.openDoorbell, h)
}

func (b *Bus) SubscribeStartStream(h StartStreamHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startStream = append(b.startStream, h)
}

func (b *Bus) SubscribeStopStream(h StopStreamHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopStream = append(b.stopStream, h)
}

// UuidReceived asks subscribers whether the device is known and what its
// operating parameters are. The first non-nil answer wins.
func (b *Bus) UuidReceived(s Session) *DeviceConfig {
	b.mu.RLock()
	handlers := b.uuid
	b.mu.RUnlock()

	for _, h := range handlers {
		if cfg := h(s); cfg != nil {
			return cfg
		}
	}
	return nil
}

// UsernameReceived validates a registration attempt. First true wins.
func (b *Bus) UsernameReceived(s Session, username string, relayCapable bool) bool {
	b.mu.RLock()
	handlers := b.username
	b.mu.RUnlock()

	for _, h := range handlers {
		if h(s, username, relayCapable) {
			return true
		}
	}
	return false
}

// Alert broadcasts to every subscriber, fire-and-forget.
func (b *Bus) Alert(deviceID int64, kind data.AlertKind, info AlertInfo) {
	b.mu.RLock()
	handlers := b.alert
	b.mu.RUnlock()

	for _, h := range handlers {
		h(deviceID, kind, info)
	}
}

func (b *Bus) OpenDoorbellRequested(deviceID int64) bool {
	b.mu.RLock()
	handlers := b.openDoorbell
	b.mu.RUnlock()

	for _, h := range handlers {
		if h(deviceID) {
			return true
		}
	}
	return false
}

func (b *Bus) StartStreamRequested(deviceID int64, maintain bool) bool {
	b.mu.RLock()
	handlers := b.startStream
	b.mu.RUnlock()

	for _, h := range handlers {
		if h(deviceID, maintain) {
			return true
		}
	}
	return false
}

func (b *Bus) StopStreamRequested(deviceID int64) bool {
	b.mu.RLock()
	handlers := b.stopStream
	b.mu.RUnlock()

	for _, h := range handlers {
		if h(deviceID) {
			return true
		}
	}
	return false
}
