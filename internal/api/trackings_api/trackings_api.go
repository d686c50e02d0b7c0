package trackings_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/BearBump/TrackTry/internal/integrations/tracktry"
	"github.com/BearBump/TrackTry/internal/models"
	"github.com/BearBump/TrackTry/internal/services/trackings"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

type Service interface {
	ListTrackings(ctx context.Context) (*trackings.Result, error)
	ListCouriers(ctx context.Context, params url.Values) (*trackings.Result, error)
	AddTracking(ctx context.Context, in models.AddTrackingInput) error
	RemoveTracking(ctx context.Context, carrierCode, trackingNumber string) error
	DetectCouriers(ctx context.Context, trackingNumber string, extra map[string]any) (models.Data, error)
	Meta() models.Meta
	ListSnapshots(ctx context.Context, kind string, limit, offset int) ([]*models.Snapshot, error)
}

type TrackingsAPI struct {
	svc      Service
	validate *validator.Validate
}

func New(svc Service) *TrackingsAPI {
	return &TrackingsAPI{svc: svc, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Register вешает все ручки на r.
func (a *TrackingsAPI) Register(r chi.Router) {
	r.Get("/trackings", a.listTrackings)
	r.Post("/trackings", a.addTracking)
	r.Delete("/trackings/{carrierCode}/{trackingNumber}", a.removeTracking)
	r.Post("/carriers/detect", a.detectCouriers)
	r.Get("/carriers", a.listCouriers)
	r.Get("/meta", a.meta)
	r.Get("/snapshots", a.listSnapshots)
}

type addTrackingRequest struct {
	TrackingNumber string `json:"trackingNumber" validate:"required,max=64"`
	Title          string `json:"title" validate:"max=255"`
	CarrierCode    string `json:"carrierCode" validate:"max=64"`
	PostalCode     string `json:"postalCode" validate:"max=32"`
}

type detectCouriersRequest struct {
	TrackingNumber string         `json:"trackingNumber" validate:"required,max=64"`
	Extra          map[string]any `json:"extra"`
}

type snapshotResponse struct {
	ID        uint64      `json:"id"`
	Kind      string      `json:"kind"`
	TakenAt   time.Time   `json:"takenAt"`
	Meta      models.Meta `json:"meta"`
	Data      models.Data `json:"data,omitempty"`
	Error     *string     `json:"error,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (a *TrackingsAPI) listTrackings(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.ListTrackings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *TrackingsAPI) addTracking(w http.ResponseWriter, r *http.Request) {
	var req addTrackingRequest
	if !a.decode(w, r, &req) {
		return
	}
	err := a.svc.AddTracking(r.Context(), models.AddTrackingInput{
		TrackingNumber: req.TrackingNumber,
		Title:          req.Title,
		CarrierCode:    req.CarrierCode,
		PostalCode:     req.PostalCode,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *TrackingsAPI) removeTracking(w http.ResponseWriter, r *http.Request) {
	err := a.svc.RemoveTracking(r.Context(), chi.URLParam(r, "carrierCode"), chi.URLParam(r, "trackingNumber"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *TrackingsAPI) detectCouriers(w http.ResponseWriter, r *http.Request) {
	var req detectCouriersRequest
	if !a.decode(w, r, &req) {
		return
	}
	data, err := a.svc.DetectCouriers(r.Context(), req.TrackingNumber, req.Extra)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (a *TrackingsAPI) listCouriers(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.ListCouriers(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *TrackingsAPI) meta(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Meta())
}

func (a *TrackingsAPI) listSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q, "limit", 20)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	offset, err := intParam(q, "offset", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	snaps, err := a.svc.ListSnapshots(r.Context(), q.Get("kind"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]snapshotResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotResponse{
			ID:        s.ID,
			Kind:      s.Kind,
			TakenAt:   s.TakenAt,
			Meta:      s.Meta,
			Data:      s.Data,
			Error:     s.Error,
			CreatedAt: s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

func (a *TrackingsAPI) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func intParam(q url.Values, name string, def int) (int, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Errorf("%s must be an integer", name)
	}
	return n, nil
}

// writeError: ошибки валидации -> 400, любые ошибки Tracktry -> 502.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, trackings.ErrInvalidArgument) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if re, ok := tracktry.AsRemote(err); ok {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Code: re.Meta.Code, Message: re.Meta.Message})
		return
	}
	if tracktry.IsTransport(err) || tracktry.IsParse(err) {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	slog.Error("request failed", "error", err.Error())
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "error", err.Error())
	}
}
