package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/commerce/internal/domain/catalog"
	"github.com/openlearn/commerce/internal/domain/enrollment"
	"github.com/openlearn/commerce/internal/events"
)

type fakeRepo struct {
	enrollments map[string]*enrollment.CourseRunEnrollment
	programs    map[string]*enrollment.ProgramEnrollment
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		enrollments: map[string]*enrollment.CourseRunEnrollment{},
		programs:    map[string]*enrollment.ProgramEnrollment{},
	}
}

func (f *fakeRepo) GetRunEnrollment(_ context.Context, userID, runID string) (*enrollment.CourseRunEnrollment, error) {
	e, ok := f.enrollments[userID+"/"+runID]
	if !ok {
		return nil, enrollment.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRepo) ListActiveForUser(_ context.Context, userID string) ([]enrollment.CourseRunEnrollment, error) {
	var out []enrollment.CourseRunEnrollment
	for _, e := range f.enrollments {
		if e.UserID == userID && e.Active {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpsertRunEnrollment(_ context.Context, e *enrollment.CourseRunEnrollment) error {
	cp := *e
	f.enrollments[e.UserID+"/"+e.RunID] = &cp
	return nil
}

func (f *fakeRepo) ListActiveForProgram(context.Context, string, string) ([]enrollment.CourseRunEnrollment, error) {
	return nil, nil
}

func (f *fakeRepo) GetProgramEnrollment(_ context.Context, userID, programID string) (*enrollment.ProgramEnrollment, error) {
	pe, ok := f.programs[userID+"/"+programID]
	if !ok {
		return nil, enrollment.ErrNotFound
	}
	return pe, nil
}

func (f *fakeRepo) UpsertProgramEnrollment(_ context.Context, pe *enrollment.ProgramEnrollment) error {
	f.programs[pe.UserID+"/"+pe.ProgramID] = pe
	return nil
}

type fakeRuns struct{}

func (fakeRuns) GetByID(_ context.Context, id string) (*catalog.CourseRun, error) {
	return &catalog.CourseRun{ID: id, CoursewareID: "course-v1:" + id}, nil
}

func (fakeRuns) GetByCoursewareID(context.Context, string) (*catalog.CourseRun, error) {
	return nil, catalog.ErrNotFound
}

// errPlatformUnavailable stands in for the outages openedx.IsTransient
// classifies as retryable.
var errPlatformUnavailable = errors.New("platform unavailable")

type fakePlatform struct {
	err   error
	calls int
}

func (f *fakePlatform) Enroll(context.Context, string, string, string) error {
	f.calls++
	return f.err
}

func (f *fakePlatform) Unenroll(context.Context, string, string, string) error {
	f.calls++
	return f.err
}

type fakeUsers struct{ email string }

func (f fakeUsers) GetEmail(context.Context, string) (string, error) { return f.email, nil }

type sentMail struct{ to, subject, body string }

type fakeMail struct {
	sent []sentMail
	err  error
}

func (f *fakeMail) SendEmail(_ context.Context, to, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to, subject, body})
	return nil
}

type dlqEntry struct {
	topic string
	cause error
}

type fakeDLQ struct{ entries []dlqEntry }

func (f *fakeDLQ) Send(_ context.Context, topic string, _ []byte, cause error) error {
	f.entries = append(f.entries, dlqEntry{topic, cause})
	return nil
}

type workerFixture struct {
	svc      *Service
	repo     *fakeRepo
	platform *fakePlatform
	mail     *fakeMail
	dlq      *fakeDLQ
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()

	repo := newFakeRepo()
	platform := &fakePlatform{}
	enrollments := enrollment.NewService(enrollment.Config{
		Repo:     repo,
		Runs:     fakeRuns{},
		Platform: platform,
		IsTransient: func(err error) bool {
			return errors.Is(err, errPlatformUnavailable)
		},
	})
	mail := &fakeMail{}
	dlq := &fakeDLQ{}

	svc := NewService(Config{
		Enrollments:           enrollments,
		Repo:                  repo,
		Users:                 fakeUsers{email: "alice@example.com"},
		Mail:                  mail,
		DLQ:                   dlq,
		Metrics:               NewMetrics(prometheus.NewRegistry()),
		KeepFailedEnrollments: true,
		RetryAttempts:         2,
		RetryDelay:            time.Millisecond,
	})
	return &workerFixture{svc: svc, repo: repo, platform: platform, mail: mail, dlq: dlq}
}

func fulfilledEvent(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(events.OrderFulfilled{
		OrderID:         "o1",
		ReferenceNumber: "olc-test-o1",
		PurchaserID:     "alice",
		TotalPricePaid:  "100.00",
		Runs: []events.PurchasedRun{
			{Kind: "course_run", ID: "run-1", ReadableID: "course-v1:run-1", Title: "Circuits"},
		},
	})
	require.NoError(t, err)
	return raw
}

func TestProcessMessage_OrderFulfilled(t *testing.T) {
	f := newWorkerFixture(t)

	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, fulfilledEvent(t))

	e, err := f.repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.True(t, e.Active)
	assert.Equal(t, enrollment.ModeVerified, e.Mode)

	require.Len(t, f.mail.sent, 1)
	assert.Equal(t, "alice@example.com", f.mail.sent[0].to)
	assert.Contains(t, f.mail.sent[0].subject, "olc-test-o1")
	assert.Contains(t, f.mail.sent[0].body, "Circuits")

	assert.Empty(t, f.dlq.entries)
}

func TestProcessMessage_Redelivery(t *testing.T) {
	f := newWorkerFixture(t)

	// At-least-once delivery: the same event twice yields one enrollment.
	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, fulfilledEvent(t))
	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, fulfilledEvent(t))

	assert.Len(t, f.repo.enrollments, 1)
	assert.Empty(t, f.dlq.entries)
}

func TestProcessMessage_MailFailureIsNotFatal(t *testing.T) {
	f := newWorkerFixture(t)
	f.mail.err = errors.New("smtp down")

	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, fulfilledEvent(t))

	_, err := f.repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	assert.NoError(t, err)
	assert.Empty(t, f.dlq.entries)
}

func TestProcessMessage_PoisonGoesToDLQ(t *testing.T) {
	f := newWorkerFixture(t)

	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, []byte("{not json"))

	require.Len(t, f.dlq.entries, 1)
	assert.Equal(t, events.TopicOrderFulfilled, f.dlq.entries[0].topic)
}

func TestProcessMessage_ExhaustedRetriesGoToDLQ(t *testing.T) {
	f := newWorkerFixture(t)
	f.platform.err = errors.New("user unknown")

	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, fulfilledEvent(t))

	require.Len(t, f.dlq.entries, 1)
	assert.Equal(t, 2, f.platform.calls, "one call per retry attempt")
}

func TestProcessMessage_Unenroll(t *testing.T) {
	f := newWorkerFixture(t)

	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, fulfilledEvent(t))

	raw, err := json.Marshal(events.UnenrollRequested{
		OrderID:     "o1",
		PurchaserID: "alice",
		RunIDs:      []string{"run-1", "run-unknown"},
	})
	require.NoError(t, err)

	f.svc.ProcessMessage(context.Background(), events.TopicUnenroll, raw)

	e, err := f.repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.False(t, e.Active)
	assert.Equal(t, enrollment.ChangeRefunded, e.ChangeStatus)
	assert.Empty(t, f.dlq.entries, "unknown runs are skipped, not poison")
}

func TestProcessMessage_OrderFulfilled_KeepsEnrollmentOnPlatformOutage(t *testing.T) {
	f := newWorkerFixture(t)
	f.platform.err = errPlatformUnavailable

	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, fulfilledEvent(t))

	// The record survives the outage so a replay can finish the platform side.
	e, err := f.repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.True(t, e.Active)
	assert.False(t, e.EdxEnrolled)
	assert.Empty(t, f.dlq.entries)
}

func TestProcessMessage_Unenroll_KeepFailedOnPlatformOutage(t *testing.T) {
	f := newWorkerFixture(t)

	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, fulfilledEvent(t))
	f.platform.err = errPlatformUnavailable

	raw, err := json.Marshal(events.UnenrollRequested{
		OrderID:     "o1",
		PurchaserID: "alice",
		RunIDs:      []string{"run-1"},
		KeepFailed:  true,
	})
	require.NoError(t, err)

	f.svc.ProcessMessage(context.Background(), events.TopicUnenroll, raw)

	// Deactivated locally; EdxEnrolled stays true because the platform still
	// holds the enrollment.
	e, err := f.repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.False(t, e.Active)
	assert.True(t, e.EdxEnrolled)
	assert.Equal(t, enrollment.ChangeRefunded, e.ChangeStatus)
	assert.Empty(t, f.dlq.entries)
}

func TestProcessMessage_Unenroll_BestEffortWithoutKeepFailed(t *testing.T) {
	f := newWorkerFixture(t)

	f.svc.ProcessMessage(context.Background(), events.TopicOrderFulfilled, fulfilledEvent(t))
	f.platform.err = errPlatformUnavailable

	raw, err := json.Marshal(events.UnenrollRequested{
		OrderID:     "o1",
		PurchaserID: "alice",
		RunIDs:      []string{"run-1"},
	})
	require.NoError(t, err)

	f.svc.ProcessMessage(context.Background(), events.TopicUnenroll, raw)

	e, err := f.repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.True(t, e.Active, "without keep-failed the record is left untouched")
	assert.Empty(t, f.dlq.entries)
}

func TestProcessMessage_UnknownTopic(t *testing.T) {
	f := newWorkerFixture(t)

	f.svc.ProcessMessage(context.Background(), "commerce.bogus", []byte("{}"))

	require.Len(t, f.dlq.entries, 1)
}
