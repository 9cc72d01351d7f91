package http

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/iotest"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"studentpunch/internal/auth"
	"studentpunch/internal/capture"
	"studentpunch/internal/checkin"
	"studentpunch/internal/config"
	"studentpunch/internal/location"
	"studentpunch/internal/metrics"
	"studentpunch/internal/store"
)

const (
	testIssuer = "test-issuer"
	studentID  = "22222222-2222-2222-2222-222222222223"
	adminID    = "22222222-2222-2222-2222-222222222221"
)

type harness struct {
	app     *httptest.Server
	server  *Server
	key     *rsa.PrivateKey
	records *store.Memory
	feed    *location.Feed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen error: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("public key error: %v", err)
	}
	cfg := config.Config{
		JWTPublicKey: string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		JWTIssuer:    testIssuer,
		HistoryLimit: 50,
	}

	photos, err := capture.NewPhotoStore(t.TempDir(), 320, 70)
	if err != nil {
		t.Fatalf("photo store: %v", err)
	}
	shutter := capture.NewShutter(photos)
	feed := location.NewFeed(time.Minute)
	records := store.NewMemory()
	session := auth.NewSession(&key.PublicKey, testIssuer)
	registry := prometheus.NewRegistry()
	orchestrator := checkin.New(session, shutter, feed, records, checkin.Options{
		LocationTimeout: time.Second,
		Observer:        metrics.New(registry),
	})

	server, err := NewServer(cfg, Deps{
		Session:      session,
		Orchestrator: orchestrator,
		Shutter:      shutter,
		Photos:       photos,
		Locations:    feed,
		Records:      records,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	if err != nil {
		t.Fatalf("server error: %v", err)
	}
	app := httptest.NewServer(server.Router())
	t.Cleanup(app.Close)
	return &harness{app: app, server: server, key: key, records: records, feed: feed}
}

func (h *harness) token(t *testing.T, userID, userType string) string {
	t.Helper()
	now := time.Now().UTC()
	claims := auth.Claims{
		UserID:   userID,
		UserType: userType,
		Email:    userType + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    testIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(h.key)
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	return token
}

func (h *harness) signIn(t *testing.T) {
	t.Helper()
	resp := doReq(t, http.MethodPost, h.app.URL+"/session", "", map[string]string{"token": h.token(t, studentID, "student")})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sign in: expected 200, got %d", resp.StatusCode)
	}
}

func (h *harness) waitForCamera(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var state sessionStateResponse
		resp := doReq(t, http.MethodGet, h.app.URL+"/punch-in/state", "", nil)
		decodeBody(t, resp, &state)
		if state.Status == "awaiting_capture" && state.CameraVisible && state.CameraReady {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("camera never became ready")
}

func (h *harness) startPunchIn(t *testing.T) <-chan *http.Response {
	t.Helper()
	done := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, h.app.URL+"/punch-in", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- nil
			return
		}
		done <- resp
	}()
	return done
}

func TestPunchInFlow(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)

	resp := doReq(t, http.MethodPost, h.app.URL+"/location", "", map[string]float64{"latitude": 12.9716, "longitude": 77.5946, "accuracy": 5})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("location: expected 202, got %d", resp.StatusCode)
	}

	done := h.startPunchIn(t)
	h.waitForCamera(t)

	photo, err := http.Post(h.app.URL+"/camera/photo", "image/png", bytes.NewReader(pngFrame(t)))
	if err != nil {
		t.Fatalf("photo error: %v", err)
	}
	photo.Body.Close()
	if photo.StatusCode != http.StatusAccepted {
		t.Fatalf("photo: expected 202, got %d", photo.StatusCode)
	}

	result := <-done
	if result == nil {
		t.Fatalf("punch-in request failed")
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("punch-in: expected 200, got %d", result.StatusCode)
	}
	var outcome punchInResponse
	decodeBody(t, result, &outcome)
	if outcome.Status != "succeeded" || outcome.CheckIn == nil {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.CheckIn.UserID != studentID || outcome.CheckIn.Latitude != 12.9716 || outcome.CheckIn.ImageRef == nil {
		t.Fatalf("unexpected check-in %+v", outcome.CheckIn)
	}

	last := doReq(t, http.MethodGet, h.app.URL+"/punch-in/last", "", nil)
	last.Body.Close()
	if last.StatusCode != http.StatusOK {
		t.Fatalf("last: expected 200, got %d", last.StatusCode)
	}

	var history []checkInResponse
	decodeBody(t, doReq(t, http.MethodGet, h.app.URL+"/check-ins?limit=10", "", nil), &history)
	if len(history) != 1 || history[0].ID != outcome.CheckIn.ID {
		t.Fatalf("unexpected history %+v", history)
	}

	served := doReq(t, http.MethodGet, h.app.URL+"/photos/"+*outcome.CheckIn.ImageRef, "", nil)
	served.Body.Close()
	if served.StatusCode != http.StatusOK || served.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("photo serve: got %d %s", served.StatusCode, served.Header.Get("Content-Type"))
	}

	metricsResp := doReq(t, http.MethodGet, h.app.URL+"/metrics", "", nil)
	body, _ := io.ReadAll(metricsResp.Body)
	metricsResp.Body.Close()
	if !bytes.Contains(body, []byte(`punch_in_total{outcome="succeeded"} 1`)) {
		t.Fatalf("expected success counter in metrics output")
	}
}

func TestPunchInRequiresSession(t *testing.T) {
	h := newHarness(t)
	resp := doReq(t, http.MethodPost, h.app.URL+"/punch-in", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var body punchInErrorResponse
	decodeBody(t, resp, &body)
	if body.Error != "not_authenticated" || body.Message == "" {
		t.Fatalf("unexpected error body %+v", body)
	}

	history := doReq(t, http.MethodGet, h.app.URL+"/check-ins", "", nil)
	history.Body.Close()
	if history.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for history, got %d", history.StatusCode)
	}
}

func TestPunchInCancel(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)

	done := h.startPunchIn(t)
	h.waitForCamera(t)

	busy := doReq(t, http.MethodPost, h.app.URL+"/punch-in", "", nil)
	busy.Body.Close()
	if busy.StatusCode != http.StatusConflict {
		t.Fatalf("second punch-in: expected 409, got %d", busy.StatusCode)
	}

	cancel := doReq(t, http.MethodPost, h.app.URL+"/camera/cancel", "", nil)
	cancel.Body.Close()
	if cancel.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: expected 204, got %d", cancel.StatusCode)
	}

	result := <-done
	if result == nil {
		t.Fatalf("punch-in request failed")
	}
	var outcome punchInResponse
	decodeBody(t, result, &outcome)
	if outcome.Status != "cancelled" || outcome.CheckIn != nil {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	again := doReq(t, http.MethodPost, h.app.URL+"/camera/cancel", "", nil)
	again.Body.Close()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("cancel without capture: expected 409, got %d", again.StatusCode)
	}
	records, _ := h.records.ListByUser(context.Background(), studentID, 10)
	if len(records) != 0 {
		t.Fatalf("cancelled session must not store a record")
	}
}

func TestPunchInLocationDenied(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)

	deny := doReq(t, http.MethodPost, h.app.URL+"/location/deny", "", nil)
	deny.Body.Close()

	done := h.startPunchIn(t)
	h.waitForCamera(t)
	photo, err := http.Post(h.app.URL+"/camera/photo", "image/png", bytes.NewReader(pngFrame(t)))
	if err != nil {
		t.Fatalf("photo error: %v", err)
	}
	photo.Body.Close()

	result := <-done
	if result == nil {
		t.Fatalf("punch-in request failed")
	}
	if result.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", result.StatusCode)
	}
	var body punchInErrorResponse
	decodeBody(t, result, &body)
	if body.Error != "permission_denied" {
		t.Fatalf("unexpected error %+v", body)
	}
}

func TestCameraPhotoWithoutCapture(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Post(h.app.URL+"/camera/photo", "image/png", bytes.NewReader(pngFrame(t)))
	if err != nil {
		t.Fatalf("photo error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestCameraPhotoBodyErrors(t *testing.T) {
	h := newHarness(t)
	h.server.photoLimit = 16

	router := h.server.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/camera/photo", bytes.NewReader(make([]byte, 64))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized photo, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/camera/photo", iotest.ErrReader(errors.New("connection reset")))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a broken body, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] != "invalid_body" {
		t.Fatalf("expected invalid_body, got %v (%v)", body, err)
	}
}

func TestLocationValidation(t *testing.T) {
	h := newHarness(t)
	cases := []interface{}{
		map[string]float64{"latitude": 91, "longitude": 0},
		map[string]float64{"longitude": 10},
		map[string]interface{}{"latitude": 1, "longitude": 1, "speed": 3},
		map[string]float64{"latitude": 1, "longitude": 1, "accuracy": -1},
	}
	for i, body := range cases {
		resp := doReq(t, http.MethodPost, h.app.URL+"/location", "", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: expected 400, got %d", i, resp.StatusCode)
		}
	}
}

func TestSessionEndpoints(t *testing.T) {
	h := newHarness(t)

	resp := doReq(t, http.MethodGet, h.app.URL+"/session", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before sign in, got %d", resp.StatusCode)
	}

	bad := doReq(t, http.MethodPost, h.app.URL+"/session", "", map[string]string{"token": "not-a-jwt"})
	bad.Body.Close()
	if bad.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", bad.StatusCode)
	}

	h.signIn(t)
	var principal principalResponse
	decodeBody(t, doReq(t, http.MethodGet, h.app.URL+"/session", "", nil), &principal)
	if principal.UserID != studentID || principal.Email == nil {
		t.Fatalf("unexpected principal %+v", principal)
	}

	out := doReq(t, http.MethodDelete, h.app.URL+"/session", "", nil)
	out.Body.Close()
	if out.StatusCode != http.StatusNoContent {
		t.Fatalf("sign out: expected 204, got %d", out.StatusCode)
	}
	after := doReq(t, http.MethodGet, h.app.URL+"/session", "", nil)
	after.Body.Close()
	if after.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after sign out, got %d", after.StatusCode)
	}
}

func TestDeleteCheckInRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	receipt, err := h.records.Append(context.Background(), checkin.RecordInput{UserID: studentID, Latitude: 1, Longitude: 1})
	if err != nil {
		t.Fatalf("append error: %v", err)
	}
	url := h.app.URL + "/check-ins/" + receipt.ID

	resp := doReq(t, http.MethodDelete, url, "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp = doReq(t, http.MethodDelete, url, h.token(t, studentID, "student"), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	admin := h.token(t, adminID, "admin")
	resp = doReq(t, http.MethodDelete, url, admin, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = doReq(t, http.MethodDelete, url, admin, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestLastPunchInBeforeAnySuccess(t *testing.T) {
	h := newHarness(t)
	resp := doReq(t, http.MethodGet, h.app.URL+"/punch-in/last", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	photo := doReq(t, http.MethodGet, h.app.URL+"/photos/../../etc/passwd", "", nil)
	photo.Body.Close()
	if photo.StatusCode == http.StatusOK {
		t.Fatalf("path traversal must not be served")
	}
}

func TestStatusForKind(t *testing.T) {
	cases := map[checkin.Kind]int{
		checkin.KindAuthentication: http.StatusUnauthorized,
		checkin.KindConcurrency:    http.StatusConflict,
		checkin.KindPermission:     http.StatusForbidden,
		checkin.KindAvailability:   http.StatusServiceUnavailable,
		checkin.KindPersistence:    http.StatusBadGateway,
		checkin.KindUnclassified:   http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}

func pngFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		img.Set(x, 24, color.RGBA{G: 180, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func doReq(t *testing.T, method, url, token string, body interface{}) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
}
