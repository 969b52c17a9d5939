package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
)

// Dispatcher is the slice of the coordinator the API exposes.
type Dispatcher interface {
	RequestRide(ctx context.Context, riderID string, in dispatch.RideInput) (models.Ride, error)
	Ride(ctx context.Context, caller models.Identity, rideID string) (models.Ride, error)
	CancelRide(riderID, rideID string) error
	RespondToOffer(driverID, rideID, offerID string, accept bool) error
	DriverAction(driverID, rideID string, a dispatch.Action) error
	UpdatePosition(driverID string, u models.PositionUpdate) error
	SetOnline(driverID string, online bool)
	DriverHistory(ctx context.Context, driverID string, limit int) ([]models.Ride, error)
	Ready() bool
}

// Channels upgrades an authenticated request into a bound real-time channel.
type Channels interface {
	ServeWS(w http.ResponseWriter, r *http.Request, id models.Identity)
}

type Server struct {
	Dispatch Dispatcher
	Channels Channels
	Auth     *auth.Verifier
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Dispatcher, ch Channels, v *auth.Verifier, logger *slog.Logger) *Server {
	s := &Server{Dispatch: d, Channels: ch, Auth: v, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.HandleFunc("/ws/driver", s.handleWS(models.RoleDriver))
	s.mux.HandleFunc("/ws/rider", s.handleWS(models.RoleRider))

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.requireRole(models.RoleRider, s.handleRideRequest)).Methods("POST")
	api.HandleFunc("/rides/{id}", s.handleRideView).Methods("GET")
	api.HandleFunc("/rides/{id}/cancel", s.requireRole(models.RoleRider, s.handleRideCancel)).Methods("POST")

	api.HandleFunc("/driver/location", s.requireRole(models.RoleDriver, s.handleDriverLocation)).Methods("POST")
	api.HandleFunc("/driver/status", s.requireRole(models.RoleDriver, s.handleDriverStatus)).Methods("POST")
	api.HandleFunc("/driver/rides/history", s.requireRole(models.RoleDriver, s.handleDriverHistory)).Methods("GET")
	api.HandleFunc("/driver/rides/{id}/{action:accept|decline|arrive|start|end|cancel}", s.requireRole(models.RoleDriver, s.handleDriverRideAction)).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.Dispatch.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var in dispatch.RideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := identity(r)
	ride, err := s.Dispatch.RequestRide(r.Context(), id.ID, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleRideView(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Dispatch.Ride(r.Context(), identity(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRideCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Dispatch.CancelRide(identity(r).ID, mux.Vars(r)["id"]); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.PositionUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Dispatch.UpdatePosition(identity(r).ID, u); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusBody struct {
	Online *bool `json:"online"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"online\": true|false}")
		return
	}
	s.Dispatch.SetOnline(identity(r).ID, *body.Online)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	rides, err := s.Dispatch.DriverHistory(r.Context(), identity(r).ID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rides == nil {
		rides = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

type offerBody struct {
	OfferID string `json:"offer_id"`
}

// handleDriverRideAction is the REST path for drivers whose channel is down.
func (s *Server) handleDriverRideAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	driverID, rideID := identity(r).ID, vars["id"]

	var err error
	switch action := vars["action"]; action {
	case "accept", "decline":
		var body offerBody
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil && !errors.Is(derr, io.EOF) {
			writeError(w, http.StatusBadRequest, derr.Error())
			return
		}
		err = s.Dispatch.RespondToOffer(driverID, rideID, body.OfferID, action == "accept")
	default:
		err = s.Dispatch.DriverAction(driverID, rideID, dispatch.Action(action))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(role models.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := s.Auth.Verify(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if id.Role != role {
			writeError(w, http.StatusForbidden, "channel is for "+string(role)+"s")
			return
		}
		s.Channels.ServeWS(w, r, id)
	}
}

// statusFor maps dispatch errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrPaymentRequired), errors.Is(err, dispatch.ErrPaymentRejected):
		return http.StatusPaymentRequired
	case errors.Is(err, dispatch.ErrUnavailable), errors.Is(err, dispatch.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatch.ErrRideNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, dispatch.ErrOfferClosed), errors.Is(err, dispatch.ErrInvalidTransition), errors.Is(err, dispatch.ErrRiderBusy):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeError(w, code, "internal error")
		return
	}
	writeError(w, code, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
