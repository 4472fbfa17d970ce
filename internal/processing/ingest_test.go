package processing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gait-backend/internal/model"
	"gait-backend/internal/store"
)

func newTestRepo(t *testing.T) *store.Repo {
	t.Helper()
	dsn := "file:memdb_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}
	return repo
}

type fakeNotifier struct {
	mu       sync.Mutex
	users    []string
	messages []any
}

func (f *fakeNotifier) SendToUser(username string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, username)
	f.messages = append(f.messages, v)
}

func seedProcessingSession(t *testing.T, repo *store.Repo) *model.TestSession {
	t.Helper()
	ctx := context.Background()
	clinic := &model.Clinic{Name: "Gait Lab", Email: "lab@example.org"}
	if err := repo.CreateClinic(ctx, clinic); err != nil {
		t.Fatalf("create clinic: %v", err)
	}
	patient := &model.Patient{ClinicID: clinic.ID, Username: "jane", Name: "Jane Doe", Email: "jane@example.org"}
	if err := repo.CreatePatient(ctx, patient); err != nil {
		t.Fatalf("create patient: %v", err)
	}
	start := time.Now().Add(-time.Minute)
	sess, err := repo.CreateActiveSession(ctx, patient.ID, start)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := repo.MarkProcessing(ctx, sess.ID, start.Add(30*time.Second)); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	return sess
}

func successPayload(sessionID int64) ResultPayload {
	return ResultPayload{
		SessionID:           sessionID,
		Success:             true,
		Cadence:             104,
		StepLengthCm:        62,
		StrideLengthCm:      124,
		StepTime:            0.55,
		StrideTime:          1.1,
		Speed:               1.12,
		SymmetryIndex:       96.5,
		PressureResultsPath: "s3://gait-results/7/pressure.png",
	}
}

func TestIngest_SuccessCompletesSessionAndNotifies(t *testing.T) {
	repo := newTestRepo(t)
	notifier := &fakeNotifier{}
	ing := NewIngestor(repo, notifier)
	sess := seedProcessingSession(t, repo)
	ctx := context.Background()

	if err := ing.Ingest(ctx, successPayload(sess.ID)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	persisted, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if persisted.Status != model.SessionCompleted {
		t.Fatalf("status=%s", persisted.Status)
	}
	results, err := repo.GetResultsBySession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if results.Cadence != 104 || results.PressureResultsPath == "" {
		t.Fatalf("results=%+v", results)
	}
	if len(notifier.users) != 1 || notifier.users[0] != "jane" {
		t.Fatalf("notifications=%v", notifier.users)
	}
	note := notifier.messages[0].(ResultNotification)
	if note.Type != "results_ready" || !note.Status || note.SessionID != sess.ID {
		t.Fatalf("notification=%+v", note)
	}
}

func TestIngest_FailureMarksFailedRegardlessOfState(t *testing.T) {
	repo := newTestRepo(t)
	notifier := &fakeNotifier{}
	ing := NewIngestor(repo, notifier)
	sess := seedProcessingSession(t, repo)
	ctx := context.Background()

	// Even a session already COMPLETED flips to FAILED on an explicit
	// failure signal.
	if err := repo.SetSessionStatus(ctx, sess.ID, model.SessionCompleted); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if err := ing.Ingest(ctx, ResultPayload{SessionID: sess.ID, Success: false}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	persisted, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if persisted.Status != model.SessionFailed {
		t.Fatalf("status=%s", persisted.Status)
	}
	note := notifier.messages[0].(ResultNotification)
	if note.Status {
		t.Fatalf("notification=%+v", note)
	}
}

func TestIngest_UnknownSessionIsNoOp(t *testing.T) {
	repo := newTestRepo(t)
	notifier := &fakeNotifier{}
	ing := NewIngestor(repo, notifier)

	if err := ing.Ingest(context.Background(), successPayload(424242)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(notifier.users) != 0 {
		t.Fatalf("notifications=%v", notifier.users)
	}
}

func TestIngest_SuccessOutsideProcessingStillAccepted(t *testing.T) {
	repo := newTestRepo(t)
	notifier := &fakeNotifier{}
	ing := NewIngestor(repo, notifier)
	sess := seedProcessingSession(t, repo)
	ctx := context.Background()

	if err := repo.SetSessionStatus(ctx, sess.ID, model.SessionFailed); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := ing.Ingest(ctx, successPayload(sess.ID)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	persisted, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if persisted.Status != model.SessionCompleted {
		t.Fatalf("status=%s", persisted.Status)
	}
}

func TestIngest_DuplicateCallbackNotifiesOnce(t *testing.T) {
	repo := newTestRepo(t)
	notifier := &fakeNotifier{}
	ing := NewIngestor(repo, notifier)
	sess := seedProcessingSession(t, repo)
	ctx := context.Background()

	if err := ing.Ingest(ctx, successPayload(sess.ID)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := ing.Ingest(ctx, successPayload(sess.ID)); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if len(notifier.users) != 1 {
		t.Fatalf("notifications=%v", notifier.users)
	}
}
