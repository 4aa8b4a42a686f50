package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technohome/doorbell-hub/internal/data"
	"github.com/technohome/doorbell-hub/internal/device"
	"github.com/technohome/doorbell-hub/internal/events"
	"github.com/technohome/doorbell-hub/internal/viewers"
)

// Mocks

type fakeSession struct {
	id    int64
	frame []byte

	mu         sync.Mutex
	relayOpens int
	starts     int
	maintains  int
	stops      int
}

func (f *fakeSession) DeviceID() int64     { return f.id }
func (f *fakeSession) RemoteAddr() string  { return "10.0.0.9:1234" }
func (f *fakeSession) Close() error        { return nil }
func (f *fakeSession) LatestFrame() []byte { return f.frame }

func (f *fakeSession) SendOpenRelay() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relayOpens++
	return nil
}

func (f *fakeSession) StartStreamRequested(maintain bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if maintain {
		f.maintains++
	} else {
		f.starts++
	}
}

func (f *fakeSession) StopStreamRequested() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeSession) RequestPicture() string { return "0.jpeg" }

func (f *fakeSession) counts() (starts, maintains, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.maintains, f.stops
}

type mockDirectory struct {
	doorbells map[int64]*data.Doorbell
	renamed   map[int64]string
}

func (m *mockDirectory) GetByID(_ context.Context, id int64) (*data.Doorbell, error) {
	if d, ok := m.doorbells[id]; ok {
		return d, nil
	}
	return nil, data.ErrRecordNotFound
}

func (m *mockDirectory) Rename(_ context.Context, id int64, name string) error {
	if _, ok := m.doorbells[id]; !ok {
		return data.ErrRecordNotFound
	}
	if m.renamed == nil {
		m.renamed = map[int64]string{}
	}
	m.renamed[id] = name
	return nil
}

type mockAlerts struct {
	alerts    []*data.Alert
	unchecked int
	marked    int64
	limit     int
}

func (m *mockAlerts) ListByDevice(_ context.Context, _ int64, limit, _ int) ([]*data.Alert, error) {
	m.limit = limit
	return m.alerts, nil
}

func (m *mockAlerts) CountUnchecked(context.Context, int64) (int, error) {
	return m.unchecked, nil
}

func (m *mockAlerts) MarkCheckedUpTo(_ context.Context, _ int64, maxID int64) (int64, error) {
	m.marked = maxID
	return 3, nil
}

type mockPictures struct {
	filename string
	err      error
}

func (m *mockPictures) RequestPicture(int64) (string, error) {
	return m.filename, m.err
}

type env struct {
	registry  *device.Registry
	bus       *events.Bus
	directory *mockDirectory
	alerts    *mockAlerts
	pictures  *mockPictures
	server    *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()

	e := &env{
		registry:  device.NewRegistry(),
		bus:       events.NewBus(),
		directory: &mockDirectory{doorbells: map[int64]*data.Doorbell{}},
		alerts:    &mockAlerts{},
		pictures:  &mockPictures{filename: "555.jpeg"},
	}

	// Stand-in for the policy service's registry dispatch.
	e.bus.SubscribeOpenDoorbell(func(id int64) bool {
		sess, ok := e.registry.Get(id)
		if !ok {
			return false
		}
		return sess.SendOpenRelay() == nil
	})
	e.bus.SubscribeStartStream(func(id int64, maintain bool) bool {
		sess, ok := e.registry.Get(id)
		if !ok {
			return false
		}
		sess.StartStreamRequested(maintain)
		return true
	})
	e.bus.SubscribeStopStream(func(id int64) bool {
		sess, ok := e.registry.Get(id)
		if !ok {
			return false
		}
		sess.StopStreamRequested()
		return true
	})

	handler := &DoorbellHandler{
		Doorbells: e.directory,
		Alerts:    e.alerts,
		Registry:  e.registry,
		Bus:       e.bus,
		Pictures:  e.pictures,
		MediaRoot: t.TempDir(),
	}
	live := &LiveHandler{Registry: e.registry, Bus: e.bus}

	e.server = httptest.NewServer(NewRouter(handler, live))
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	require.NoError(t, err)
	return resp
}

func (e *env) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestListDoorbells(t *testing.T) {
	e := newEnv(t)
	e.registry.Set(42, &fakeSession{id: 42})
	e.directory.doorbells[42] = &data.Doorbell{ID: 42, Name: "front door", Owner: "mary"}
	e.alerts.unchecked = 2

	resp := e.get(t, "/api/v1/doorbells")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decode[[]doorbellView](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, int64(42), list[0].ID)
	assert.Equal(t, "front door", list[0].Name)
	assert.Equal(t, "mary", list[0].Owner)
	assert.True(t, list[0].Online)
	assert.Equal(t, 2, list[0].Unchecked)
}

func TestListDoorbellsEmpty(t *testing.T) {
	e := newEnv(t)

	resp := e.get(t, "/api/v1/doorbells")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]doorbellView](t, resp))
}

func TestGetDoorbell(t *testing.T) {
	e := newEnv(t)
	e.directory.doorbells[42] = &data.Doorbell{ID: 42, Name: "front door", Owner: "mary"}

	resp := e.get(t, "/api/v1/doorbells/42")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v := decode[doorbellView](t, resp)
	assert.Equal(t, "front door", v.Name)
	assert.False(t, v.Online)
}

func TestGetDoorbellUnregisteredButOnline(t *testing.T) {
	e := newEnv(t)
	e.registry.Set(7, &fakeSession{id: 7})

	resp := e.get(t, "/api/v1/doorbells/7")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	v := decode[doorbellView](t, resp)
	assert.Equal(t, "7", v.Name)
	assert.True(t, v.Online)
}

func TestGetDoorbellUnknown(t *testing.T) {
	e := newEnv(t)

	resp := e.get(t, "/api/v1/doorbells/99")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRenameDoorbell(t *testing.T) {
	e := newEnv(t)
	e.directory.doorbells[42] = &data.Doorbell{ID: 42, Name: "old"}

	req, err := http.NewRequest(http.MethodPut,
		e.server.URL+"/api/v1/doorbells/42/name",
		bytes.NewReader([]byte(`{"name":"back gate"}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "back gate", e.directory.renamed[42])
}

func TestListAlerts(t *testing.T) {
	e := newEnv(t)
	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.alerts.alerts = []*data.Alert{
		{ID: 2, DeviceID: 42, Kind: data.AlertBell, Time: when, Filename: "2.mp4"},
		{ID: 1, DeviceID: 42, Kind: data.AlertMovement, Time: when, Checked: true},
	}

	resp := e.get(t, "/api/v1/doorbells/42/alerts")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]json.RawMessage](t, resp)
	var alerts []map[string]any
	require.NoError(t, json.Unmarshal(body["data"], &alerts))
	require.Len(t, alerts, 2)
	assert.Equal(t, "Doorbell pressed", alerts[0]["message"])
	assert.Equal(t, "2.mp4", alerts[0]["filename"])
	assert.Equal(t, true, alerts[1]["checked"])
}

func TestListAlertsLimit(t *testing.T) {
	e := newEnv(t)

	resp := e.get(t, "/api/v1/doorbells/42/alerts?limit=200")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 200, e.alerts.limit)

	// Out of range falls back to the default page size.
	resp = e.get(t, "/api/v1/doorbells/42/alerts?limit=201")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 50, e.alerts.limit)
}

func TestMarkChecked(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/v1/doorbells/42/alerts/checked", `{"up_to":17}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, int64(17), e.alerts.marked)

	resp = e.post(t, "/api/v1/doorbells/42/alerts/checked", `{"up_to":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestLatestImage(t *testing.T) {
	e := newEnv(t)

	resp := e.get(t, "/api/v1/doorbells/42/image")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	sess := &fakeSession{id: 42}
	e.registry.Set(42, sess)
	resp = e.get(t, "/api/v1/doorbells/42/image")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	sess.frame = []byte{0xff, 0xd8, 0xff}
	resp = e.get(t, "/api/v1/doorbells/42/image")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	resp.Body.Close()
}

func TestOpenRelay(t *testing.T) {
	e := newEnv(t)
	sess := &fakeSession{id: 42}
	e.registry.Set(42, sess)

	resp := e.post(t, "/api/v1/doorbells/42/open", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 1, sess.relayOpens)

	resp = e.post(t, "/api/v1/doorbells/99/open", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestTakePicture(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/v1/doorbells/42/picture", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "555.jpeg", body["filename"])
}

func TestServeMediaRejectsTraversal(t *testing.T) {
	handler := &DoorbellHandler{MediaRoot: t.TempDir()}

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("filename", "../secret")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/media/x", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	handler.ServeMedia(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeMedia(t *testing.T) {
	root := t.TempDir()
	handler := &DoorbellHandler{MediaRoot: root}
	require.NoError(t, os.WriteFile(filepath.Join(root, "1.jpeg"), []byte{0xff, 0xd8}, 0o644))

	srv := httptest.NewServer(NewRouter(handler, &LiveHandler{Registry: device.NewRegistry(), Bus: events.NewBus()}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/media/1.jpeg")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLiveWebsocket(t *testing.T) {
	e := newEnv(t)
	frame := []byte{0xff, 0xd8, 0x01, 0x02}
	sess := &fakeSession{id: 42, frame: frame}
	e.registry.Set(42, sess)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/doorbells/42/live"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Equal(t, frame, msg)

	starts, _, _ := sess.counts()
	assert.Equal(t, 1, starts)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, _, stops := sess.counts()
		if stops == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream demand never released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLiveWebsocketDemandRefusedLeavesNoViewer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	registry := device.NewRegistry()
	registry.Set(42, &fakeSession{id: 42})
	bus := events.NewBus()
	// The device dropped between the registry lookup and the demand call.
	bus.SubscribeStartStream(func(int64, bool) bool { return false })

	vm := viewers.NewManager(client)
	live := &LiveHandler{Registry: registry, Bus: bus, Viewers: vm}
	handler := &DoorbellHandler{Registry: registry, Bus: bus, MediaRoot: t.TempDir()}
	srv := httptest.NewServer(NewRouter(handler, live))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/doorbells/42/live"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err, "server should close the socket when demand is refused")

	n, err := vm.Count(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestLiveWebsocketOffline(t *testing.T) {
	e := newEnv(t)

	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/api/v1/doorbells/42/live"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()
	}
}
