package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"skyguard-telemetry/internal/models"
)

type fakeView struct {
	entities []models.EntityState
	paths    map[string][]models.PathPoint
	status   models.ViewStatus
	focus    *models.Focus
	err      error
}

func (f *fakeView) Entities(channel string) ([]models.EntityState, error) {
	if channel == "bogus" {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownChannel, channel)
	}
	return f.entities, f.err
}

func (f *fakeView) Paths(string) (map[string][]models.PathPoint, error) {
	return f.paths, f.err
}

func (f *fakeView) Status() models.ViewStatus { return f.status }

func (f *fakeView) Focus() *models.Focus { return f.focus }

func (f *fakeView) SetFocus(ch models.Channel, id string) error {
	if id == "ghost" {
		return models.ErrUnknownEntity
	}
	f.focus = &models.Focus{Channel: ch, EntityID: id}
	return nil
}

func (f *fakeView) ClearFocus() { f.focus = nil }

func newTestRouter(v View) *Router {
	r := NewRouter(zap.NewNop())
	r.RegisterTelemetryRoutes(NewTelemetryHandler(v, zap.NewNop()))
	r.RegisterOpsRoutes(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("telemetry_frames_received_total 1\n"))
	}))
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetEntities_WrapsResult(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := &fakeView{entities: []models.EntityState{
		{EntityID: "t1", Channel: models.ChannelDefensive, Latitude: 14.29, Longitude: 101.17, Timestamp: ts},
	}}

	w := do(t, newTestRouter(v), http.MethodGet, "/api/v1/telemetry/entities?channel=all", "")

	require.Equal(t, http.StatusOK, w.Code)
	var res Result[[]models.EntityState]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, ResultSuccess, res.Code)
	require.Len(t, res.Result, 1)
	assert.Equal(t, "t1", res.Result[0].EntityID)
}

func TestGetEntities_EmptyIsArray(t *testing.T) {
	w := do(t, newTestRouter(&fakeView{}), http.MethodGet, "/api/v1/telemetry/entities", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"result":[]`)
}

func TestGetEntities_UnknownChannel(t *testing.T) {
	w := do(t, newTestRouter(&fakeView{}), http.MethodGet, "/api/v1/telemetry/entities?channel=bogus", "")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"code":-1`)
}

func TestGetEntities_InternalError(t *testing.T) {
	w := do(t, newTestRouter(&fakeView{err: errors.New("boom")}), http.MethodGet, "/api/v1/telemetry/entities", "")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestGetEntities_UnencodableStateIsInternalError(t *testing.T) {
	v := &fakeView{entities: []models.EntityState{
		{EntityID: "ok", Channel: models.ChannelOffensive, Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		{EntityID: "d9", Channel: models.ChannelOffensive, Timestamp: time.Date(33658, 9, 27, 0, 0, 0, 0, time.UTC)},
	}}

	w := do(t, newTestRouter(v), http.MethodGet, "/api/v1/telemetry/entities", "")

	require.Equal(t, http.StatusInternalServerError, w.Code)
	var res Result[any]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, ResultError, res.Code)
	assert.Equal(t, "internal error", res.Message)
}

func TestGetPaths_LngLatPairs(t *testing.T) {
	v := &fakeView{paths: map[string][]models.PathPoint{
		"d1": {{Longitude: 101.2, Latitude: 14.3}, {Longitude: 101.3, Latitude: 14.4}},
	}}

	w := do(t, newTestRouter(v), http.MethodGet, "/api/v1/telemetry/paths", "")

	require.Equal(t, http.StatusOK, w.Code)
	var res Result[map[string][][2]float64]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, [][2]float64{{101.2, 14.3}, {101.3, 14.4}}, res.Result["d1"])
}

func TestGetStatus(t *testing.T) {
	v := &fakeView{status: models.ViewStatus{
		Connected: true,
		Mode:      models.ModeReal,
		Channels: map[models.Channel]models.ChannelStatus{
			models.ChannelOffensive: {State: "connected", Connected: true, Mode: models.ModeReal},
		},
	}}

	w := do(t, newTestRouter(v), http.MethodGet, "/api/v1/telemetry/status", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `"connected":true`)
	assert.Contains(t, body, `"mode":"real"`)
	assert.Contains(t, body, `"offensive":{"state":"connected"`)
}

func TestFocus_SetGetClear(t *testing.T) {
	v := &fakeView{}
	r := newTestRouter(v)

	w := do(t, r, http.MethodPut, "/api/v1/telemetry/focus", `{"channel":"defensive","entityId":"t1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, &models.Focus{Channel: models.ChannelDefensive, EntityID: "t1"}, v.focus)

	w = do(t, r, http.MethodGet, "/api/v1/telemetry/focus", "")
	assert.Contains(t, w.Body.String(), `"entityId":"t1"`)

	w = do(t, r, http.MethodDelete, "/api/v1/telemetry/focus", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, v.focus)
}

func TestFocus_Errors(t *testing.T) {
	r := newTestRouter(&fakeView{})

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/v1/telemetry/focus", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/v1/telemetry/focus", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/v1/telemetry/focus",
		`{"channel":"defensive","entityId":"`+strings.Repeat("x", 5000)+`"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/api/v1/telemetry/focus", `{"channel":"defensive"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPut, "/api/v1/telemetry/focus", `{"channel":"defensive","entityId":"ghost"}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, http.MethodPost, "/api/v1/telemetry/focus", "").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	r := newTestRouter(&fakeView{})

	for _, path := range []string{"/api/v1/telemetry/entities", "/api/v1/telemetry/paths", "/api/v1/telemetry/status", "/healthz"} {
		assert.Equal(t, http.StatusMethodNotAllowed, do(t, r, http.MethodPost, path, "").Code, path)
	}
}

func TestOpsRoutes(t *testing.T) {
	r := newTestRouter(&fakeView{})

	w := do(t, r, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = do(t, r, http.MethodGet, "/metrics", "")
	assert.Contains(t, w.Body.String(), "telemetry_frames_received_total")
}
