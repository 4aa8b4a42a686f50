package events_test

import (
	"testing"

	"github.com/technohome/doorbell-hub/internal/data"
	"github.com/technohome/doorbell-hub/internal/events"
)

func TestUuidFirstResponderWins(t *testing.T) {
	bus := events.NewBus()

	var secondCalled bool
	bus.SubscribeUuid(func(s events.Session) *events.DeviceConfig {
		return nil // declines
	})
	bus.SubscribeUuid(func(s events.Session) *events.DeviceConfig {
		return &events.DeviceConfig{NeedUsername: true, MotionMs: 5000}
	})
	bus.SubscribeUuid(func(s events.Session) *events.DeviceConfig {
		secondCalled = true
		return &events.DeviceConfig{}
	})

	cfg := bus.UuidReceived(nil)
	if cfg == nil || !cfg.NeedUsername || cfg.MotionMs != 5000 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if secondCalled {
		t.Error("handler after the first responder should not run")
	}
}

func TestAlertBroadcastsToAll(t *testing.T) {
	bus := events.NewBus()

	var calls int
	for i := 0; i < 3; i++ {
		bus.SubscribeAlert(func(deviceID int64, kind data.AlertKind, info events.AlertInfo) {
			calls++
			if deviceID != 7 || kind != data.AlertMovement {
				t.Errorf("unexpected alert payload: %d %v", deviceID, kind)
			}
		})
	}

	bus.Alert(7, data.AlertMovement, events.AlertInfo{})
	if calls != 3 {
		t.Fatalf("expected 3 handler calls, got %d", calls)
	}
}

func TestStartStreamShortCircuits(t *testing.T) {
	bus := events.NewBus()

	var after bool
	bus.SubscribeStartStream(func(deviceID int64, maintain bool) bool { return false })
	bus.SubscribeStartStream(func(deviceID int64, maintain bool) bool { return true })
	bus.SubscribeStartStream(func(deviceID int64, maintain bool) bool {
		after = true
		return true
	})

	if !bus.StartStreamRequested(1, false) {
		t.Fatal("expected a responder")
	}
	if after {
		t.Error("dispatch should short-circuit on first true")
	}
}

func TestRequestsWithNoSubscribers(t *testing.T) {
	bus := events.NewBus()

	if bus.OpenDoorbellRequested(1) {
		t.Error("no subscribers should mean no responder")
	}
	if bus.StopStreamRequested(1) {
		t.Error("no subscribers should mean no responder")
	}
	if cfg := bus.UuidReceived(nil); cfg != nil {
		t.Error("no subscribers should mean nil config")
	}
}
