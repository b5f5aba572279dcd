// Package api serves fan status and control over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/milinda/switchfan/speed"
	"github.com/milinda/switchfan/switchfan"
	"go.uber.org/zap"
)

const commandTimeout = 10 * time.Second

type Fan interface {
	UniqueID() string
	Name() string
	Status() switchfan.Status
	TurnOn(ctx context.Context, pct *int, preset string) error
	TurnOff(ctx context.Context) error
	SetPercentage(ctx context.Context, pct int) error
}

type fanResponse struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	On         bool   `json:"on"`
	Percentage *int   `json:"percentage"`
	SpeedCount int    `json:"speed_count"`
}

type percentageRequest struct {
	Percentage *int `json:"percentage"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	fans   map[string]Fan
	order  []Fan
	logger *zap.Logger
}

// New routes requests for the given fans, addressed by unique id.
func New(fans []Fan, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &handler{fans: map[string]Fan{}, order: fans, logger: logger}
	for _, fan := range fans {
		h.fans[fan.UniqueID()] = fan
	}

	router := httprouter.New()
	router.GET("/fans", h.list)
	router.GET("/fans/:id", h.get)
	router.POST("/fans/:id/turn_on", h.turnOn)
	router.POST("/fans/:id/turn_off", h.turnOff)
	router.POST("/fans/:id/percentage", h.setPercentage)

	return router
}

func (h *handler) list(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := make([]fanResponse, 0, len(h.order))
	for _, fan := range h.order {
		resp = append(resp, toResponse(fan))
	}

	h.write(w, http.StatusOK, resp)
}

func (h *handler) get(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fan, ok := h.lookup(w, ps)
	if !ok {
		return
	}

	h.write(w, http.StatusOK, toResponse(fan))
}

func (h *handler) turnOn(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fan, ok := h.lookup(w, ps)
	if !ok {
		return
	}

	// The body is optional, an empty one turns the fan on without a speed.
	var req percentageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.write(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	h.command(w, r, fan, func(ctx context.Context) error {
		return fan.TurnOn(ctx, req.Percentage, "")
	})
}

func (h *handler) turnOff(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fan, ok := h.lookup(w, ps)
	if !ok {
		return
	}

	h.command(w, r, fan, fan.TurnOff)
}

func (h *handler) setPercentage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	fan, ok := h.lookup(w, ps)
	if !ok {
		return
	}

	var req percentageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.write(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if req.Percentage == nil {
		h.write(w, http.StatusBadRequest, errorResponse{Error: "percentage is required"})
		return
	}

	h.command(w, r, fan, func(ctx context.Context) error {
		return fan.SetPercentage(ctx, *req.Percentage)
	})
}

func (h *handler) command(w http.ResponseWriter, r *http.Request, fan Fan, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		h.logger.Error("fan command failed", zap.String("fan", fan.Name()), zap.String("path", r.URL.Path), zap.Error(err))

		status := http.StatusBadGateway
		if errors.Is(err, speed.ErrPercentageOutOfRange) || errors.Is(err, switchfan.ErrPresetNotSupported) {
			status = http.StatusBadRequest
		} else if errors.Is(err, switchfan.ErrNotAttached) {
			status = http.StatusServiceUnavailable
		}

		h.write(w, status, errorResponse{Error: err.Error()})
		return
	}

	h.write(w, http.StatusOK, toResponse(fan))
}

func (h *handler) lookup(w http.ResponseWriter, ps httprouter.Params) (Fan, bool) {
	fan, found := h.fans[ps.ByName("id")]
	if !found {
		h.write(w, http.StatusNotFound, errorResponse{Error: "unknown fan"})
	}

	return fan, found
}

func (h *handler) write(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("error marshaling", zap.Error(err))
	}
}

func toResponse(fan Fan) fanResponse {
	status := fan.Status()

	resp := fanResponse{
		ID:         fan.UniqueID(),
		Name:       fan.Name(),
		On:         status.On,
		SpeedCount: status.SpeedCount,
	}

	if status.PercentageKnown {
		pct := status.Percentage
		resp.Percentage = &pct
	}

	return resp
}
