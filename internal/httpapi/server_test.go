package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gait-backend/internal/auth"
	"gait-backend/internal/device"
	"gait-backend/internal/kit"
	"gait-backend/internal/model"
	"gait-backend/internal/mqtt"
	"gait-backend/internal/processing"
	"gait-backend/internal/realtime"
	"gait-backend/internal/session"
	"gait-backend/internal/store"
)

var testSecret = []byte("test-secret")

type fakeBroker struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (f *fakeBroker) Subscribe(string, byte, mqtt.Handler) error { return nil }
func (f *fakeBroker) Unsubscribe(string) error                   { return nil }
func (f *fakeBroker) Publish(topic string, _ byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakeProcessor struct {
	mu   sync.Mutex
	reqs []processing.DispatchRequest
	err  error
}

func (f *fakeProcessor) Process(_ context.Context, req processing.DispatchRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

type env struct {
	ts        *httptest.Server
	repo      *store.Repo
	broker    *fakeBroker
	processor *fakeProcessor
	sessions  *session.Service
	clinic    *model.Clinic
	patient   *model.Patient
	kit       *model.SensorKit
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}

	clinic := &model.Clinic{Name: "Gait Lab", Email: "lab@example.org"}
	if err := repo.CreateClinic(ctx, clinic); err != nil {
		t.Fatalf("create clinic: %v", err)
	}
	sensorKit := &model.SensorKit{SerialNo: 1001}
	if err := repo.CreateKit(ctx, sensorKit); err != nil {
		t.Fatalf("create kit: %v", err)
	}
	if err := repo.AssignKitsToClinic(ctx, clinic.ID, []int64{sensorKit.ID}); err != nil {
		t.Fatalf("assign kit: %v", err)
	}
	patient := &model.Patient{ClinicID: clinic.ID, Username: "jane", Name: "Jane Doe", Email: "jane@example.org", SensorKitID: &sensorKit.ID}
	if err := repo.CreatePatient(ctx, patient); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	if _, err := repo.SetKitCalibrated(ctx, sensorKit.ID, true); err != nil {
		t.Fatalf("calibrate: %v", err)
	}

	broker := &fakeBroker{}
	processor := &fakeProcessor{}
	hub := realtime.NewHub()
	kits := kit.NewService(repo)
	commands := device.NewDispatcher(broker, repo)
	ingestor := processing.NewIngestor(repo, hub)
	sessions := session.NewService(repo, commands, processor, hub)
	resolver := device.NewResolver(repo)

	srv := NewServer(repo, hub, sessions, kits, commands, ingestor, resolver, testSecret)
	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &env{ts: ts, repo: repo, broker: broker, processor: processor, sessions: sessions, clinic: clinic, patient: patient, kit: sensorKit}
}

func signToken(t *testing.T, username, role, clinicID string) string {
	t.Helper()
	claims := &auth.Claims{
		Role:     role,
		Name:     username,
		ClinicID: clinicID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func TestAuth_MissingTokenRejected(t *testing.T) {
	e := newEnv(t)
	res, _ := doJSON(t, http.MethodGet, e.ts.URL+"/api/sessions", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status=%d", res.StatusCode)
	}
}

func TestAuth_RoleEnforced(t *testing.T) {
	e := newEnv(t)
	token := signToken(t, "jane", auth.RolePatient, "")
	res, _ := doJSON(t, http.MethodPost, e.ts.URL+"/api/sensorkits", token, map[string]any{"serial_no": 5})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d", res.StatusCode)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t)
	token := signToken(t, "jane", auth.RolePatient, "")
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, payload := doJSON(t, http.MethodPost, e.ts.URL+"/api/sessions", token,
		map[string]any{"action": "START", "timestamp": now})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status=%d payload=%v", res.StatusCode, payload)
	}
	sessionID := int64(payload["id"].(float64))

	// Second start conflicts.
	res, _ = doJSON(t, http.MethodPost, e.ts.URL+"/api/sessions", token,
		map[string]any{"action": "START", "timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate start status=%d", res.StatusCode)
	}

	// Clock skew rejected.
	res, _ = doJSON(t, http.MethodPut, e.ts.URL+"/api/sessions/999999", token,
		map[string]any{"action": "STOP", "timestamp": now})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session stop status=%d", res.StatusCode)
	}

	stopAt := time.Now().UTC().Add(time.Second).Format(time.RFC3339Nano)
	res, payload = doJSON(t, http.MethodPut, e.ts.URL+"/api/sessions/"+jsonID(sessionID), token,
		map[string]any{"action": "STOP", "timestamp": stopAt})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stop status=%d payload=%v", res.StatusCode, payload)
	}
	if payload["status"] != string(model.SessionProcessing) {
		t.Fatalf("status=%v", payload["status"])
	}

	// The device was told to stop streaming.
	waitFor(t, func() bool {
		e.broker.mu.Lock()
		defer e.broker.mu.Unlock()
		return len(e.broker.topics) == 1
	})
	if e.broker.topics[0] != "device/"+jsonID(e.kit.ID)+"/command" {
		t.Fatalf("topics=%v", e.broker.topics)
	}

	// Results callback from the processing service completes the session.
	waitFor(t, func() bool {
		e.processor.mu.Lock()
		defer e.processor.mu.Unlock()
		return len(e.processor.reqs) == 1
	})
	svcToken := signToken(t, "gait-processing", auth.RoleService, "")
	res, _ = doJSON(t, http.MethodPost, e.ts.URL+"/api/results", svcToken, map[string]any{
		"session_id": sessionID, "success": true, "cadence": 104, "pressure_results_path": "s3://r/1.png",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("callback status=%d", res.StatusCode)
	}

	res, payload = doJSON(t, http.MethodGet, e.ts.URL+"/api/sessions/"+jsonID(sessionID), token, nil)
	if res.StatusCode != http.StatusOK || payload["status"] != string(model.SessionCompleted) {
		t.Fatalf("status=%d payload=%v", res.StatusCode, payload)
	}

	res, payload = doJSON(t, http.MethodGet, e.ts.URL+"/api/sessions/"+jsonID(sessionID)+"/results", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("results status=%d", res.StatusCode)
	}
	if payload["cadence"].(float64) != 104 {
		t.Fatalf("results=%v", payload)
	}
}

func TestResultsCallback_KeepsUnknownMetrics(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, err := e.sessions.Start(ctx, "jane", "START", time.Now())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.repo.MarkProcessing(ctx, sess.ID, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	// An analyzer newer than this server may report metrics we do not model
	// yet. The callback must still land and the extras must be preserved.
	svcToken := signToken(t, "gait-processing", auth.RoleService, "")
	res, _ := doJSON(t, http.MethodPost, e.ts.URL+"/api/results", svcToken, map[string]any{
		"session_id": sess.ID, "success": true, "cadence": 104, "double_support_time": 0.3,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("callback status=%d", res.StatusCode)
	}

	token := signToken(t, "jane", auth.RolePatient, "")
	res, payload := doJSON(t, http.MethodGet, e.ts.URL+"/api/sessions/"+jsonID(sess.ID), token, nil)
	if res.StatusCode != http.StatusOK || payload["status"] != string(model.SessionCompleted) {
		t.Fatalf("status=%d payload=%v", res.StatusCode, payload)
	}

	res, payload = doJSON(t, http.MethodGet, e.ts.URL+"/api/sessions/"+jsonID(sess.ID)+"/results", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("results status=%d", res.StatusCode)
	}
	if payload["cadence"].(float64) != 104 {
		t.Fatalf("results=%v", payload)
	}
	raw, ok := payload["raw"].(map[string]any)
	if !ok {
		t.Fatalf("raw=%v", payload["raw"])
	}
	if raw["double_support_time"] != 0.3 {
		t.Fatalf("raw=%v", raw)
	}
}

func TestDeviceCommandEndpoint(t *testing.T) {
	e := newEnv(t)
	token := signToken(t, "jane", auth.RolePatient, "")

	res, _ := doJSON(t, http.MethodPost, e.ts.URL+"/api/device/commands", token,
		map[string]any{"command": "start_calibration"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d", res.StatusCode)
	}
	if len(e.broker.topics) != 1 {
		t.Fatalf("topics=%v", e.broker.topics)
	}

	res, _ = doJSON(t, http.MethodPost, e.ts.URL+"/api/device/commands", token,
		map[string]any{"command": "REBOOT"})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", res.StatusCode)
	}

	// During an active session only diagnostics pass.
	if _, err := e.sessions.Start(context.Background(), "jane", "START", time.Now()); err != nil {
		t.Fatalf("start: %v", err)
	}
	res, _ = doJSON(t, http.MethodPost, e.ts.URL+"/api/device/commands", token,
		map[string]any{"command": "START_STREAMING"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status=%d", res.StatusCode)
	}
	res, _ = doJSON(t, http.MethodPost, e.ts.URL+"/api/device/commands", token,
		map[string]any{"command": "CHECK_CALIBRATION"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d", res.StatusCode)
	}
}

func TestKitAdministration(t *testing.T) {
	e := newEnv(t)
	admin := signToken(t, "root", auth.RoleClinicAdmin, e.clinic.ID.String())

	res, payload := doJSON(t, http.MethodPost, e.ts.URL+"/api/sensorkits", admin,
		map[string]any{"serial_no": 3001, "firmware_version": 2})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d payload=%v", res.StatusCode, payload)
	}
	kitID := int64(payload["id"].(float64))

	res, _ = doJSON(t, http.MethodPut, e.ts.URL+"/api/sensorkits/assign", admin,
		map[string]any{"kit_ids": []int64{kitID}})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign status=%d", res.StatusCode)
	}

	res, payload = doJSON(t, http.MethodGet, e.ts.URL+"/api/sensorkits/"+jsonID(kitID), admin, nil)
	if res.StatusCode != http.StatusOK || payload["status"] != string(model.KitAvailable) {
		t.Fatalf("get status=%d payload=%v", res.StatusCode, payload)
	}

	res, _ = doJSON(t, http.MethodDelete, e.ts.URL+"/api/sensorkits/"+jsonID(e.kit.ID), admin, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("delete in-use status=%d", res.StatusCode)
	}
}

func TestWebSocket_ReceivesResultNotification(t *testing.T) {
	e := newEnv(t)
	token := signToken(t, "jane", auth.RolePatient, "")

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	sess, err := e.sessions.Start(ctx, "jane", "START", time.Now())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := e.repo.MarkProcessing(ctx, sess.ID, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	svcToken := signToken(t, "gait-processing", auth.RoleService, "")
	res, _ := doJSON(t, http.MethodPost, e.ts.URL+"/api/results", svcToken,
		map[string]any{"session_id": sess.ID, "success": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("callback status=%d", res.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read ws: %v", err)
	}
	var note processing.ResultNotification
	if err := json.Unmarshal(msg, &note); err != nil {
		t.Fatalf("unmarshal: %v msg=%s", err, msg)
	}
	if note.Type != "results_ready" || !note.Status || note.SessionID != sess.ID {
		t.Fatalf("note=%+v", note)
	}
}

func jsonID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
