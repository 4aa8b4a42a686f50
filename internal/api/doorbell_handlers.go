package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/technohome/doorbell-hub/internal/data"
	"github.com/technohome/doorbell-hub/internal/device"
	"github.com/technohome/doorbell-hub/internal/events"
)

type DoorbellDirectory interface {
	GetByID(ctx context.Context, deviceID int64) (*data.Doorbell, error)
	Rename(ctx context.Context, deviceID int64, name string) error
}

type AlertStore interface {
	ListByDevice(ctx context.Context, deviceID int64, limit, offset int) ([]*data.Alert, error)
	CountUnchecked(ctx context.Context, deviceID int64) (int, error)
	MarkCheckedUpTo(ctx context.Context, deviceID, maxID int64) (int64, error)
}

type PictureRequester interface {
	RequestPicture(deviceID int64) (string, error)
}

type DoorbellHandler struct {
	Doorbells DoorbellDirectory
	Alerts    AlertStore
	Registry  *device.Registry
	Bus       *events.Bus
	Pictures  PictureRequester
	MediaRoot string
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func deviceID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

type doorbellView struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Owner      string `json:"owner,omitempty"`
	Online     bool   `json:"online"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Unchecked  int    `json:"unchecked_alerts"`
}

// GET /api/v1/doorbells
func (h *DoorbellHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var out []doorbellView
	for id, sess := range h.Registry.Snapshot() {
		v := doorbellView{
			ID:         id,
			Name:       strconv.FormatInt(id, 10),
			Online:     true,
			RemoteAddr: sess.RemoteAddr(),
		}
		if d, err := h.Doorbells.GetByID(ctx, id); err == nil {
			v.Name = d.Name
			v.Owner = d.Owner
		}
		if n, err := h.Alerts.CountUnchecked(ctx, id); err == nil {
			v.Unchecked = n
		}
		out = append(out, v)
	}
	if out == nil {
		out = []doorbellView{}
	}
	respondJSON(w, http.StatusOK, out)
}

// GET /api/v1/doorbells/{id}
func (h *DoorbellHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	d, err := h.Doorbells.GetByID(r.Context(), id)
	_, online := h.Registry.Get(id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			if !online {
				respondError(w, http.StatusNotFound, "Unknown doorbell")
				return
			}
			// Connected but never registered.
			respondJSON(w, http.StatusOK, doorbellView{
				ID: id, Name: strconv.FormatInt(id, 10), Online: true,
			})
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	v := doorbellView{ID: d.ID, Name: d.Name, Owner: d.Owner, Online: online}
	if n, err := h.Alerts.CountUnchecked(r.Context(), id); err == nil {
		v.Unchecked = n
	}
	respondJSON(w, http.StatusOK, v)
}

// PUT /api/v1/doorbells/{id}/name
func (h *DoorbellHandler) Rename(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "Name required")
		return
	}

	if err := h.Doorbells.Rename(r.Context(), id, req.Name); err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "Unknown doorbell")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

// GET /api/v1/doorbells/{id}/alerts
func (h *DoorbellHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if v, err := strconv.Atoi(o); err == nil && v >= 0 {
			offset = v
		}
	}

	alerts, err := h.Alerts.ListByDevice(r.Context(), id, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type alertView struct {
		ID       int64  `json:"id"`
		Kind     int    `json:"kind"`
		Message  string `json:"message"`
		Time     string `json:"time"`
		Filename string `json:"filename,omitempty"`
		Notes    string `json:"notes,omitempty"`
		Checked  bool   `json:"checked"`
	}
	out := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertView{
			ID:       a.ID,
			Kind:     int(a.Kind),
			Message:  a.Kind.Message(),
			Time:     a.Time.UTC().Format("2006-01-02T15:04:05Z"),
			Filename: a.Filename,
			Notes:    a.Notes,
			Checked:  a.Checked,
		})
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data": out,
		"meta": map[string]int{
			"limit":  limit,
			"offset": offset,
		},
	})
}

// POST /api/v1/doorbells/{id}/alerts/checked
func (h *DoorbellHandler) MarkChecked(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	var req struct {
		UpTo int64 `json:"up_to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.UpTo <= 0 {
		respondError(w, http.StatusBadRequest, "up_to required")
		return
	}

	n, err := h.Alerts.MarkCheckedUpTo(r.Context(), id, req.UpTo)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

// GET /api/v1/doorbells/{id}/image
func (h *DoorbellHandler) LatestImage(w http.ResponseWriter, r *http.Request) {
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
	frame := sess.LatestFrame()
	if frame == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(frame)
}

// POST /api/v1/doorbells/{id}/open
func (h *DoorbellHandler) OpenRelay(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	if !h.Bus.OpenDoorbellRequested(id) {
		respondError(w, http.StatusNotFound, "Doorbell offline")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "opened"})
}

// POST /api/v1/doorbells/{id}/picture
func (h *DoorbellHandler) TakePicture(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid ID")
		return
	}

	name, err := h.Pictures.RequestPicture(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Doorbell offline")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"filename": name})
}

// GET /api/v1/media/{filename}
// Serves a saved clip or photo referenced by an alert.
func (h *DoorbellHandler) ServeMedia(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		respondError(w, http.StatusBadRequest, "Invalid filename")
		return
	}

	http.ServeFile(w, r, filepath.Join(h.MediaRoot, name))
}
