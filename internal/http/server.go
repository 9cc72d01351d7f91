package http

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studentpunch/internal/auth"
	"studentpunch/internal/capture"
	"studentpunch/internal/checkin"
	"studentpunch/internal/config"
	"studentpunch/internal/location"
)

const (
	maxPhotoBytes = 15 << 20
	maxHistory    = 200
)

type Deps struct {
	Session      *auth.Session
	Orchestrator *checkin.Orchestrator
	Shutter      *capture.Shutter
	Photos       *capture.PhotoStore
	Locations    location.Sink
	Records      checkin.Repository
	// Metrics serves /metrics; the default Prometheus registry when nil.
	Metrics http.Handler
}

type Server struct {
	cfg          config.Config
	deps         Deps
	jwtPublicKey *rsa.PublicKey
	validate     *validator.Validate
	photoLimit   int64
}

func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	publicKey, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	return &Server{
		cfg:          cfg,
		deps:         deps,
		jwtPublicKey: publicKey,
		validate:     validator.New(),
		photoLimit:   maxPhotoBytes,
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.deps.Metrics)

	r.Post("/session", s.handleSignIn)
	r.Get("/session", s.handleGetSession)
	r.Delete("/session", s.handleSignOut)

	r.Post("/punch-in", s.handlePunchIn)
	r.Get("/punch-in/state", s.handlePunchInState)
	r.Get("/punch-in/last", s.handleLastPunchIn)

	r.Post("/camera/photo", s.handleCameraPhoto)
	r.Post("/camera/cancel", s.handleCameraCancel)
	r.Post("/camera/deny", s.handleCameraDeny)
	r.Post("/camera/allow", s.handleCameraAllow)

	r.Post("/location", s.handleLocationFix)
	r.Post("/location/deny", s.handleLocationDeny)
	r.Post("/location/allow", s.handleLocationAllow)

	r.Get("/check-ins", s.handleListCheckIns)
	r.With(s.authMiddleware).Delete("/check-ins/{checkInId}", s.handleDeleteCheckIn)

	r.Get("/photos/{ref}", s.handleGetPhoto)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.jwtPublicKey, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Session

type signInRequest struct {
	Token string `json:"token" validate:"required"`
}

type principalResponse struct {
	UserID   string  `json:"user_id"`
	UserType string  `json:"user_type,omitempty"`
	Email    *string `json:"email"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "token_required")
		return
	}
	claims, err := s.deps.Session.SignIn(strings.TrimSpace(req.Token))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return
	}
	writeJSON(w, http.StatusOK, mapPrincipal(claims))
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	claims := s.deps.Session.Claims()
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	writeJSON(w, http.StatusOK, mapPrincipal(claims))
}

func (s *Server) handleSignOut(w http.ResponseWriter, _ *http.Request) {
	s.deps.Session.SignOut()
	w.WriteHeader(http.StatusNoContent)
}

// Punch-in

type checkInResponse struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Email      *string   `json:"email"`
	Timestamp  time.Time `json:"timestamp"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Address    *string   `json:"address"`
	ImageRef   *string   `json:"image_ref"`
	CapturedAt time.Time `json:"captured_at"`
}

type punchInResponse struct {
	Status      string           `json:"status"`
	CheckIn     *checkInResponse `json:"check_in,omitempty"`
	DisplayTime *time.Time       `json:"display_time,omitempty"`
}

type punchInErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

type sessionStateResponse struct {
	Status        string     `json:"status"`
	StartedAt     *time.Time `json:"started_at"`
	CameraVisible bool       `json:"camera_visible"`
	CameraReady   bool       `json:"camera_ready"`
	Busy          bool       `json:"busy"`
}

func (s *Server) handlePunchIn(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.deps.Orchestrator.PunchIn(r.Context())
	if err != nil {
		var checkinErr *checkin.Error
		if !errors.As(err, &checkinErr) {
			checkinErr = &checkin.Error{Kind: checkin.KindUnclassified, Err: err}
		}
		writeJSON(w, statusForKind(checkinErr.Kind), punchInErrorResponse{
			Error:   checkinErr.Code(),
			Message: checkinErr.Message(),
			Stage:   string(checkinErr.Stage),
		})
		return
	}

	resp := punchInResponse{Status: string(outcome.Status)}
	if outcome.Record != nil {
		mapped := mapCheckIn(*outcome.Record)
		resp.CheckIn = &mapped
		displayTime := outcome.DisplayTime
		resp.DisplayTime = &displayTime
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePunchInState(w http.ResponseWriter, _ *http.Request) {
	state := s.deps.Orchestrator.State()
	resp := sessionStateResponse{
		Status:        string(state.Status),
		CameraVisible: state.CameraVisible(),
		CameraReady:   state.CameraVisible() && s.deps.Shutter.Ready(),
		Busy:          state.Busy(),
	}
	if !state.StartedAt.IsZero() {
		startedAt := state.StartedAt
		resp.StartedAt = &startedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLastPunchIn(w http.ResponseWriter, _ *http.Request) {
	at, ok := s.deps.Orchestrator.LastCheckInTime()
	if !ok {
		writeError(w, http.StatusNotFound, "no_check_in")
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"timestamp": at})
}

// Camera

func (s *Server) handleCameraPhoto(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.photoLimit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "photo_too_large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	ref, err := s.deps.Shutter.Deliver(data)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"image_ref": string(ref)})
	case errors.Is(err, capture.ErrCameraClosed):
		writeError(w, http.StatusConflict, "camera_closed")
	case errors.Is(err, capture.ErrShotPending):
		writeError(w, http.StatusConflict, "capture_resolved")
	case errors.Is(err, capture.ErrEmptyPhoto):
		writeError(w, http.StatusBadRequest, "empty_photo")
	case errors.Is(err, capture.ErrUnsupportedPhoto):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_photo")
	default:
		writeError(w, http.StatusInternalServerError, "photo_save_failed")
	}
}

func (s *Server) handleCameraCancel(w http.ResponseWriter, _ *http.Request) {
	if !s.deps.Orchestrator.CancelCapture() {
		writeError(w, http.StatusConflict, "no_capture_pending")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCameraDeny(w http.ResponseWriter, _ *http.Request) {
	s.deps.Shutter.Deny()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCameraAllow(w http.ResponseWriter, _ *http.Request) {
	s.deps.Shutter.Allow()
	w.WriteHeader(http.StatusNoContent)
}

// Location

type locationRequest struct {
	Latitude  *float64   `json:"latitude" validate:"required,latitude"`
	Longitude *float64   `json:"longitude" validate:"required,longitude"`
	Accuracy  float64    `json:"accuracy" validate:"gte=0"`
	Timestamp *time.Time `json:"timestamp"`
}

func (s *Server) handleLocationFix(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_location")
		return
	}
	fix := location.Fix{
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		Accuracy:  req.Accuracy,
	}
	if req.Timestamp != nil {
		fix.At = *req.Timestamp
	}
	if err := s.deps.Locations.Push(r.Context(), fix); err != nil {
		if errors.Is(err, checkin.ErrInvalidLocation) {
			writeError(w, http.StatusBadRequest, "invalid_location")
			return
		}
		writeError(w, http.StatusInternalServerError, "location_push_failed")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleLocationDeny(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Locations.Deny(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "location_update_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLocationAllow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Locations.Allow(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "location_update_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// History

func (s *Server) handleListCheckIns(w http.ResponseWriter, r *http.Request) {
	principal := s.deps.Session.CurrentPrincipal()
	if principal == nil {
		writeError(w, http.StatusUnauthorized, "not_authenticated")
		return
	}
	limit, err := parseLimit(r, s.cfg.HistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_limit")
		return
	}
	records, err := s.deps.Records.ListByUser(r.Context(), principal.ID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "check_in_lookup_failed")
		return
	}
	resp := make([]checkInResponse, 0, len(records))
	for _, record := range records {
		resp = append(resp, mapCheckIn(record))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteCheckIn(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	if claims.UserType != "admin" {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	id := chi.URLParam(r, "checkInId")
	if err := s.deps.Records.Delete(r.Context(), id); err != nil {
		if errors.Is(err, checkin.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "delete_failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Photos

func (s *Server) handleGetPhoto(w http.ResponseWriter, r *http.Request) {
	path, err := s.deps.Photos.Path(checkin.ImageRef(chi.URLParam(r, "ref")))
	if err != nil {
		if errors.Is(err, capture.ErrInvalidRef) {
			writeError(w, http.StatusBadRequest, "invalid_ref")
			return
		}
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

// Helpers

func statusForKind(kind checkin.Kind) int {
	switch kind {
	case checkin.KindAuthentication:
		return http.StatusUnauthorized
	case checkin.KindConcurrency:
		return http.StatusConflict
	case checkin.KindPermission:
		return http.StatusForbidden
	case checkin.KindAvailability:
		return http.StatusServiceUnavailable
	case checkin.KindPersistence:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func mapPrincipal(claims *auth.Claims) principalResponse {
	principal := auth.PrincipalFromClaims(claims)
	return principalResponse{
		UserID:   principal.ID,
		UserType: claims.UserType,
		Email:    principal.Email,
	}
}

func mapCheckIn(record checkin.Record) checkInResponse {
	return checkInResponse{
		ID:         record.ID,
		UserID:     record.UserID,
		Email:      record.Email,
		Timestamp:  record.Timestamp,
		Latitude:   record.Latitude,
		Longitude:  record.Longitude,
		Address:    record.Address,
		ImageRef:   record.ImageRef,
		CapturedAt: record.CapturedAt,
	}
}

func parseLimit(r *http.Request, fallback int) (int, error) {
	limit := fallback
	if limit <= 0 {
		limit = 50
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return 0, errors.New("invalid limit")
		}
		limit = parsed
	}
	if limit > maxHistory {
		limit = maxHistory
	}
	return limit, nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
