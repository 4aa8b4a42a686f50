package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technohome/doorbell-hub/internal/device"
	"github.com/technohome/doorbell-hub/internal/events"
	"github.com/technohome/doorbell-hub/internal/viewers"
)

const (
	// frameInterval paces the outgoing feed; devices stream at 20fps but a
	// browser viewer does not need more than 10.
	frameInterval = 100 * time.Millisecond

	// maintainInterval re-asserts stream demand so a device that rebooted
	// mid-view resumes sending.
	maintainInterval = 2 * time.Second

	wsWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type LiveHandler struct {
	Registry *device.Registry
	Bus      *events.Bus
	Viewers  *viewers.Manager
}

// GET /api/v1/doorbells/{id}/live
// Upgrades to a websocket and pushes JPEG frames as binary messages for as
// long as the client stays connected. Each connection counts as one viewer
// toward the device's stream demand.
func (h *LiveHandler) Watch(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	sess, ok := h.Registry.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Doorbell offline")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WARN] Live: upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close()

	if !h.Bus.StartStreamRequested(id, false) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "doorbell offline"),
			time.Now().Add(wsWriteTimeout))
		return
	}

	ctx := context.Background()
	var viewerID string
	if h.Viewers != nil {
		viewerID, err = h.Viewers.Register(ctx, id, r.RemoteAddr)
		if err != nil {
			log.Printf("[WARN] Live: viewer tracking for %d: %v", id, err)
		}
	}
	defer func() {
		h.Bus.StopStreamRequested(id)
		if h.Viewers != nil && viewerID != "" {
			if err := h.Viewers.Drop(ctx, id, viewerID); err != nil {
				log.Printf("[WARN] Live: dropping viewer %s: %v", viewerID, err)
			}
		}
	}()

	// Reader goroutine: the only way to notice the client went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	frames := time.NewTicker(frameInterval)
	defer frames.Stop()
	maintain := time.NewTicker(maintainInterval)
	defer maintain.Stop()

	var lastSent []byte
	for {
		select {
		case <-done:
			return

		case <-maintain.C:
			h.Bus.StartStreamRequested(id, true)
			if h.Viewers != nil && viewerID != "" {
				h.Viewers.Heartbeat(ctx, id, viewerID)
			}

		case <-frames.C:
			frame := sess.LatestFrame()
			if len(frame) == 0 || sameFrame(frame, lastSent) {
				continue
			}
			lastSent = frame

			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}

// sameFrame reports whether both slices are the same frame buffer. The
// session swaps in a fresh slice per Image frame, so identity is enough.
func sameFrame(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0] && len(a) == len(b)
}
