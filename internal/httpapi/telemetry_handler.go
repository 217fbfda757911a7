package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"skyguard-telemetry/internal/models"
)

// View is the read side of the telemetry service the handlers serve.
type View interface {
	Entities(channel string) ([]models.EntityState, error)
	Paths(channel string) (map[string][]models.PathPoint, error)
	Status() models.ViewStatus
	Focus() *models.Focus
	SetFocus(channel models.Channel, entityID string) error
	ClearFocus()
}

// TelemetryHandler serves the live map view.
type TelemetryHandler struct {
	view   View
	logger *zap.Logger
}

func NewTelemetryHandler(view View, logger *zap.Logger) *TelemetryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelemetryHandler{view: view, logger: logger}
}

// GetEntities GET /api/v1/telemetry/entities?channel=offensive|defensive|all
func (h *TelemetryHandler) GetEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.view.Entities(r.URL.Query().Get("channel"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entities == nil {
		entities = []models.EntityState{}
	}
	h.write(w, http.StatusOK, Ok(entities))
}

// GetPaths GET /api/v1/telemetry/paths?channel=
// Each path is a list of [lng, lat] pairs, oldest first.
func (h *TelemetryHandler) GetPaths(w http.ResponseWriter, r *http.Request) {
	paths, err := h.view.Paths(r.URL.Query().Get("channel"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make(map[string][][2]float64, len(paths))
	for id, points := range paths {
		coords := make([][2]float64, len(points))
		for i, p := range points {
			coords[i] = p.Coordinates()
		}
		out[id] = coords
	}
	h.write(w, http.StatusOK, Ok(out))
}

// GetStatus GET /api/v1/telemetry/status
func (h *TelemetryHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, Ok(h.view.Status()))
}

// GetFocus GET /api/v1/telemetry/focus
func (h *TelemetryHandler) GetFocus(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, Ok(h.view.Focus()))
}

type focusRequest struct {
	Channel  models.Channel `json:"channel"`
	EntityID string         `json:"entityId"`
}

// SetFocus PUT /api/v1/telemetry/focus {"channel":"defensive","entityId":"t1"}
func (h *TelemetryHandler) SetFocus(w http.ResponseWriter, r *http.Request) {
	var req focusRequest
	if err := readBodyJSON(w, r, 4<<10, &req); err != nil {
		h.write(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	if req.EntityID == "" || req.Channel == "" {
		h.write(w, http.StatusBadRequest, Fail("channel and entityId are required"))
		return
	}
	if err := h.view.SetFocus(req.Channel, req.EntityID); err != nil {
		h.writeError(w, err)
		return
	}
	h.write(w, http.StatusOK, Ok(h.view.Focus()))
}

// ClearFocus DELETE /api/v1/telemetry/focus
func (h *TelemetryHandler) ClearFocus(w http.ResponseWriter, _ *http.Request) {
	h.view.ClearFocus()
	h.write(w, http.StatusOK, Ok[any](nil))
}

func (h *TelemetryHandler) write(w http.ResponseWriter, status int, v any) {
	if err := writeJSON(w, status, v); err != nil {
		h.logger.Error("Failed to encode telemetry response", zap.Error(err))
	}
}

func (h *TelemetryHandler) writeError(w http.ResponseWriter, err error) {
	status, res, internal := failFor(err)
	if internal {
		h.logger.Error("Telemetry view request failed", zap.Error(err))
	}
	h.write(w, status, res)
}
