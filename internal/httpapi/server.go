package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

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

type Server struct {
	repo      *store.Repo
	hub       *realtime.Hub
	sessions  *session.Service
	kits      *kit.Service
	commands  *device.Dispatcher
	ingestor  *processing.Ingestor
	resolver  device.Resolver
	jwtSecret []byte
}

func NewServer(repo *store.Repo, hub *realtime.Hub, sessions *session.Service, kits *kit.Service,
	commands *device.Dispatcher, ingestor *processing.Ingestor, resolver device.Resolver, jwtSecret []byte) *Server {
	return &Server{
		repo:      repo,
		hub:       hub,
		sessions:  sessions,
		kits:      kits,
		commands:  commands,
		ingestor:  ingestor,
		resolver:  resolver,
		jwtSecret: jwtSecret,
	}
}

func (s *Server) Register(mux *http.ServeMux) {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	authed := auth.JWTAuthMiddlewareHS256(s.jwtSecret)

	if s.hub != nil {
		r.With(authed).Get("/ws", s.hub.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(authed)

		r.Route("/sessions", func(r chi.Router) {
			r.With(auth.RoleAtLeastMiddleware(auth.RolePatient)).Post("/", s.handleSessionStart)
			r.With(auth.RoleAtLeastMiddleware(auth.RolePatient)).Put("/{session_id}", s.handleSessionStop)
			r.Get("/", s.handleSessionList)
			r.With(auth.RoleAtLeastMiddleware(auth.RoleDoctor)).Get("/completed", s.handleCompletedSessions)
			r.Get("/{session_id}", s.handleSessionGet)
			r.Get("/{session_id}/results", s.handleSessionResults)
		})

		r.With(auth.RoleAtLeastMiddleware(auth.RolePatient)).
			Post("/device/commands", s.handleDeviceCommand)

		r.With(auth.RoleAtLeastMiddleware(auth.RoleService)).
			Post("/results", s.handleResultsCallback)

		r.Route("/sensorkits", func(r chi.Router) {
			r.Use(auth.RoleAtLeastMiddleware(auth.RoleClinicAdmin))
			r.Post("/", s.handleKitCreate)
			r.Get("/", s.handleKitList)
			r.Put("/assign", s.handleKitAssign)
			r.Get("/{kit_id}", s.handleKitGet)
			r.Delete("/{kit_id}", s.handleKitDelete)
		})

		r.Route("/patients", func(r chi.Router) {
			r.With(auth.RoleAtLeastMiddleware(auth.RolePatient)).Get("/me", s.handlePatientMe)
			r.With(auth.RoleAtLeastMiddleware(auth.RoleDoctor)).Post("/", s.handlePatientCreate)
			r.With(auth.RoleAtLeastMiddleware(auth.RoleDoctor)).Get("/", s.handlePatientList)
			r.With(auth.RoleAtLeastMiddleware(auth.RoleDoctor)).Get("/{patient_id}", s.handlePatientGet)
			r.With(auth.RoleAtLeastMiddleware(auth.RoleDoctor)).Post("/{patient_id}/unassign-kit", s.handlePatientUnassignKit)
		})

		r.With(auth.RoleAtLeastMiddleware(auth.RoleService)).Post("/clinics", s.handleClinicCreate)
		r.With(auth.RoleAtLeastMiddleware(auth.RoleClinicAdmin)).Post("/doctors", s.handleDoctorCreate)
	})

	mux.Handle("/", r)
}

type jsonErr struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, jsonErr{Error: msg, Code: status})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeDomainError maps domain errors onto HTTP statuses. Unknown errors are
// masked as 500 so internals never leak to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrNotSessionOwner):
		status = http.StatusForbidden
	case errors.Is(err, store.ErrActiveSessionExists),
		errors.Is(err, store.ErrDuplicateSerial),
		errors.Is(err, store.ErrDuplicateResults),
		errors.Is(err, store.ErrKitNotAssignable),
		errors.Is(err, store.ErrKitInUse),
		errors.Is(err, session.ErrSessionNotActive),
		errors.Is(err, session.ErrKitNotReady),
		errors.Is(err, session.ErrKitNotCalibrated),
		errors.Is(err, device.ErrNoSensorKitAssigned),
		errors.Is(err, device.ErrSessionInProgress):
		status = http.StatusConflict
	case errors.Is(err, session.ErrUnsupportedAction),
		errors.Is(err, session.ErrClockSkewExceeded),
		errors.Is(err, session.ErrStopBeforeStart),
		errors.Is(err, device.ErrUnknownCommand):
		status = http.StatusBadRequest
	case errors.Is(err, device.ErrCommandDispatchFailed),
		errors.Is(err, mqtt.ErrPublishTimeout):
		status = http.StatusBadGateway
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func parseInt64Param(r *http.Request, key string) (int64, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, key))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid id")
	}
	return id, nil
}

func parsePage(r *http.Request) (limit, offset int) {
	limit = 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 200 {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}
	return limit, offset
}

// --- Sessions ---

type sessionActionRequest struct {
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Timestamp.IsZero() {
		writeError(w, http.StatusBadRequest, "missing timestamp")
		return
	}
	claims := auth.GetClaims(r)
	sess, err := s.sessions.Start(r.Context(), claims.Username(), req.Action, req.Timestamp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64Param(r, "session_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req sessionActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !strings.EqualFold(req.Action, "STOP") {
		writeDomainError(w, session.ErrUnsupportedAction)
		return
	}
	if req.Timestamp.IsZero() {
		writeError(w, http.StatusBadRequest, "missing timestamp")
		return
	}
	claims := auth.GetClaims(r)
	sess, err := s.sessions.Stop(r.Context(), claims.Username(), id, req.Timestamp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	limit, offset := parsePage(r)
	rows, err := s.sessions.ListForPatient(r.Context(), claims.Username(), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64Param(r, "session_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	claims := auth.GetClaims(r)
	sess, err := s.sessions.Get(r.Context(), claims.Username(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64Param(r, "session_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	claims := auth.GetClaims(r)
	if _, err := s.sessions.Get(r.Context(), claims.Username(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	results, err := s.repo.GetResultsBySession(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleCompletedSessions(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	doctor, err := s.repo.GetDoctorByUsername(r.Context(), claims.Username())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	limit, offset := parsePage(r)
	rows, err := s.repo.ListCompletedByDoctor(r.Context(), doctor.ID, limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// --- Device commands ---

type deviceCommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	var req deviceCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	claims := auth.GetClaims(r)
	cmd := device.Command(strings.ToUpper(strings.TrimSpace(req.Command)))
	if err := s.commands.SendToPatientDevice(r.Context(), claims.Username(), cmd); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"dispatched": true, "command": cmd})
}

// --- Processing results callback ---

func (s *Server) handleResultsCallback(w http.ResponseWriter, r *http.Request) {
	// Decoded leniently: the analyzer adds metrics over time and an unknown
	// field must not cost us the result. The full body is kept alongside the
	// modeled fields.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	var payload processing.ResultPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	payload.Raw = body
	if err := s.ingestor.Ingest(r.Context(), payload); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true})
}

// --- Sensor kits ---

type kitCreateRequest struct {
	SerialNo        int64 `json:"serial_no"`
	FirmwareVersion int64 `json:"firmware_version"`
}

func (s *Server) handleKitCreate(w http.ResponseWriter, r *http.Request) {
	var req kitCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.SerialNo <= 0 {
		writeError(w, http.StatusBadRequest, "invalid serial_no")
		return
	}
	row, err := s.kits.Provision(r.Context(), req.SerialNo, req.FirmwareVersion)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) handleKitList(w http.ResponseWriter, r *http.Request) {
	var status *model.KitStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		v := model.KitStatus(strings.ToUpper(raw))
		status = &v
	}
	claims := auth.GetClaims(r)
	if claims.ClinicID != "" {
		clinicID, err := uuid.Parse(claims.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid clinic claim")
			return
		}
		rows, err := s.kits.ListByClinic(r.Context(), clinicID, status)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}
	rows, err := s.kits.List(r.Context(), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type kitAssignRequest struct {
	KitIDs []int64 `json:"kit_ids"`
}

func (s *Server) handleKitAssign(w http.ResponseWriter, r *http.Request) {
	var req kitAssignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.KitIDs) == 0 {
		writeError(w, http.StatusBadRequest, "empty kit_ids")
		return
	}
	claims := auth.GetClaims(r)
	clinicID, err := uuid.Parse(claims.ClinicID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid clinic claim")
		return
	}
	if err := s.kits.AssignToClinic(r.Context(), clinicID, req.KitIDs); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assigned": len(req.KitIDs)})
}

func (s *Server) handleKitGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64Param(r, "kit_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	row, err := s.kits.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) handleKitDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseInt64Param(r, "kit_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.kits.Remove(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// --- Patients ---

type patientCreateRequest struct {
	ClinicID    string `json:"clinic_id"`
	DoctorID    string `json:"doctor_id,omitempty"`
	Username    string `json:"username"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Age         int    `json:"age,omitempty"`
	HeightCm    int    `json:"height_cm,omitempty"`
	WeightKg    int    `json:"weight_kg,omitempty"`
	Gender      string `json:"gender,omitempty"`
	NIC         string `json:"nic,omitempty"`
	SensorKitID *int64 `json:"sensor_kit_id,omitempty"`
}

func (s *Server) handlePatientCreate(w http.ResponseWriter, r *http.Request) {
	var req patientCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "missing username or name")
		return
	}
	clinicID, err := uuid.Parse(strings.TrimSpace(req.ClinicID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid clinic_id")
		return
	}
	patient := &model.Patient{
		ClinicID:    clinicID,
		Username:    strings.TrimSpace(req.Username),
		Name:        strings.TrimSpace(req.Name),
		Email:       strings.TrimSpace(req.Email),
		PhoneNumber: req.PhoneNumber,
		Age:         req.Age,
		HeightCm:    req.HeightCm,
		WeightKg:    req.WeightKg,
		Gender:      req.Gender,
		NIC:         req.NIC,
		SensorKitID: req.SensorKitID,
	}
	if raw := strings.TrimSpace(req.DoctorID); raw != "" {
		doctorID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid doctor_id")
			return
		}
		patient.DoctorID = &doctorID
	}
	if err := s.repo.CreatePatient(r.Context(), patient); err != nil {
		writeDomainError(w, err)
		return
	}
	if patient.SensorKitID != nil {
		s.resolver.Invalidate(r.Context(), *patient.SensorKitID)
	}
	writeJSON(w, http.StatusCreated, patient)
}

func (s *Server) handlePatientMe(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	patient, err := s.repo.GetPatientByUsername(r.Context(), claims.Username())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (s *Server) handlePatientGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "patient_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patient, err := s.repo.GetPatient(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, patient)
}

func (s *Server) handlePatientList(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r)
	clinicID, err := uuid.Parse(claims.ClinicID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid clinic claim")
		return
	}
	rows, err := s.repo.ListPatientsByClinic(r.Context(), clinicID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePatientUnassignKit(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "patient_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patient, err := s.repo.GetPatient(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.repo.UnassignKit(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	if patient.SensorKitID != nil {
		s.resolver.Invalidate(r.Context(), *patient.SensorKitID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"unassigned": true})
}

// --- Clinics and doctors ---

type clinicCreateRequest struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

func (s *Server) handleClinicCreate(w http.ResponseWriter, r *http.Request) {
	var req clinicCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "missing name")
		return
	}
	clinic := &model.Clinic{Name: strings.TrimSpace(req.Name), Email: strings.TrimSpace(req.Email), PhoneNumber: req.PhoneNumber}
	if err := s.repo.CreateClinic(r.Context(), clinic); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, clinic)
}

type doctorCreateRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Username       string `json:"username"`
	Specialization string `json:"specialization,omitempty"`
}

func (s *Server) handleDoctorCreate(w http.ResponseWriter, r *http.Request) {
	var req doctorCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "missing username or name")
		return
	}
	claims := auth.GetClaims(r)
	clinicID, err := uuid.Parse(claims.ClinicID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid clinic claim")
		return
	}
	doctor := &model.Doctor{
		ClinicID:       clinicID,
		Name:           strings.TrimSpace(req.Name),
		Email:          strings.TrimSpace(req.Email),
		Username:       strings.TrimSpace(req.Username),
		Specialization: req.Specialization,
	}
	if err := s.repo.CreateDoctor(r.Context(), doctor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doctor)
}
