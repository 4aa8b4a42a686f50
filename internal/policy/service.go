// Package policy is the application side of the protocol event bus: it
// answers handshake questions from the device registry's point of view,
// persists alerts and fans them out to email and NATS. The socket layer
// stays ignorant of all of it.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/technohome/doorbell-hub/internal/config"
	"github.com/technohome/doorbell-hub/internal/data"
	"github.com/technohome/doorbell-hub/internal/device"
	"github.com/technohome/doorbell-hub/internal/events"
)

const dbTimeout = 2 * time.Second

var ErrDeviceOffline = errors.New("device not connected")

type DoorbellRepo interface {
	GetOwner(ctx context.Context, deviceID int64) (string, error)
	Register(ctx context.Context, username string, deviceID int64, relayCapable bool) (bool, error)
}

type AlertRepo interface {
	Insert(ctx context.Context, a *data.Alert) error
}

type EmailLookup interface {
	EmailsForDoorbell(ctx context.Context, deviceID int64) ([]string, error)
}

type Notifier interface {
	Notify(alert *data.Alert, recipients []string, image []byte)
}

type Publisher interface {
	Publish(a *data.Alert) error
}

type Service struct {
	doorbells DoorbellRepo
	alerts    AlertRepo
	users     EmailLookup
	registry  *device.Registry
	cfg       *config.Store
	notifier  Notifier
	publisher Publisher
}

func NewService(doorbells DoorbellRepo, alerts AlertRepo, users EmailLookup,
	registry *device.Registry, cfg *config.Store, notifier Notifier, publisher Publisher) *Service {
	return &Service{
		doorbells: doorbells,
		alerts:    alerts,
		users:     users,
		registry:  registry,
		cfg:       cfg,
		notifier:  notifier,
		publisher: publisher,
	}
}

// Bind subscribes the service to every bus signal it answers.
func (s *Service) Bind(bus *events.Bus) {
	bus.SubscribeUuid(s.handleUuid)
	bus.SubscribeUsername(s.handleUsername)
	bus.SubscribeAlert(s.handleAlert)
	bus.SubscribeOpenDoorbell(s.handleOpenDoorbell)
	bus.SubscribeStartStream(s.handleStartStream)
	bus.SubscribeStopStream(s.handleStopStream)
}

// handleUuid resolves the handshake: claim the registry slot, look the
// device up and hand back its operating parameters. A database failure
// degrades to "unregistered" rather than wedging the session.
func (s *Service) handleUuid(sess events.Session) *events.DeviceConfig {
	id := sess.DeviceID()
	s.registry.Set(id, sess)

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	known := true
	if _, err := s.doorbells.GetOwner(ctx, id); err != nil {
		known = false
		if errors.Is(err, data.ErrRecordNotFound) {
			log.Printf("[INFO] Policy: doorbell %d not registered", id)
		} else {
			log.Printf("[ERROR] Policy: owner lookup for %d: %v", id, err)
		}
	}

	d := s.cfg.Current().Durations
	cfg := &events.DeviceConfig{
		NeedUsername: !known,
		BellMs:       d.BellMs,
		MotionMs:     d.MotionMs,
		RelayMs:      d.RelayMs,
	}
	if !known {
		// Quiet by default: no bell clip until the owner has claimed the
		// device and had a chance to configure it.
		cfg.BellMs = 0
	}
	return cfg
}

func (s *Service) handleUsername(sess events.Session, username string, relayCapable bool) bool {
	id := sess.DeviceID()

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	ok, err := s.doorbells.Register(ctx, username, id, relayCapable)
	if err != nil {
		if errors.Is(err, data.ErrUnknownUser) {
			log.Printf("[INFO] Policy: registration of %d rejected, unknown user %q", id, username)
		} else {
			log.Printf("[ERROR] Policy: registering %d for %q: %v", id, username, err)
		}
		return false
	}
	if ok {
		s.raiseAlert(id, data.AlertNewBell, events.AlertInfo{
			Time:  time.Now(),
			Notes: fmt.Sprintf("registered to %s", username),
		})
	}
	return ok
}

func (s *Service) handleAlert(deviceID int64, kind data.AlertKind, info events.AlertInfo) {
	s.raiseAlert(deviceID, kind, info)
}

func (s *Service) raiseAlert(deviceID int64, kind data.AlertKind, info events.AlertInfo) {
	when := info.Time
	if when.IsZero() {
		when = time.Now()
	}
	alert := &data.Alert{
		DeviceID: deviceID,
		Kind:     kind,
		Time:     when,
		Filename: info.Filename,
		Notes:    info.Notes,
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if err := s.alerts.Insert(ctx, alert); err != nil {
		log.Printf("[ERROR] Policy: persisting %s alert for %d: %v", kind.Message(), deviceID, err)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(alert); err != nil {
			log.Printf("[ERROR] Policy: publishing alert for %d: %v", deviceID, err)
		}
	}

	if s.notifier != nil {
		// SMTP is slow; never block the protocol goroutine on it.
		image := info.Image
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
			defer cancel()
			emails, err := s.users.EmailsForDoorbell(ctx, deviceID)
			if err != nil {
				log.Printf("[ERROR] Policy: recipients for %d: %v", deviceID, err)
				return
			}
			s.notifier.Notify(alert, emails, image)
		}()
	}
}

func (s *Service) handleOpenDoorbell(deviceID int64) bool {
	sess, ok := s.registry.Get(deviceID)
	if !ok {
		return false
	}
	if err := sess.SendOpenRelay(); err != nil {
		return false
	}
	s.raiseAlert(deviceID, data.AlertOpenDoor, events.AlertInfo{Time: time.Now()})
	return true
}

func (s *Service) handleStartStream(deviceID int64, maintain bool) bool {
	sess, ok := s.registry.Get(deviceID)
	if !ok {
		return false
	}
	sess.StartStreamRequested(maintain)
	return true
}

func (s *Service) handleStopStream(deviceID int64) bool {
	sess, ok := s.registry.Get(deviceID)
	if !ok {
		return false
	}
	sess.StopStreamRequested()
	return true
}

// RequestPicture schedules a fresh capture on the device; the UserPicture
// alert fires once the next frame arrives, carrying the returned filename.
func (s *Service) RequestPicture(deviceID int64) (string, error) {
	sess, ok := s.registry.Get(deviceID)
	if !ok {
		return "", ErrDeviceOffline
	}
	return sess.RequestPicture(), nil
}
