package enrollment

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/commerce/internal/domain/catalog"
)

type fakeRepo struct {
	runs     map[string]*CourseRunEnrollment // keyed by userID/runID
	programs map[string]*ProgramEnrollment   // keyed by userID/programID
	byRun    map[string]string               // runID → programID, set by tests via fakeRuns
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		runs:     map[string]*CourseRunEnrollment{},
		programs: map[string]*ProgramEnrollment{},
		byRun:    map[string]string{},
	}
}

func (f *fakeRepo) GetRunEnrollment(_ context.Context, userID, runID string) (*CourseRunEnrollment, error) {
	e, ok := f.runs[userID+"/"+runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (f *fakeRepo) ListActiveForUser(_ context.Context, userID string) ([]CourseRunEnrollment, error) {
	var out []CourseRunEnrollment
	for _, e := range f.runs {
		if e.UserID == userID && e.Active {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeRepo) UpsertRunEnrollment(_ context.Context, e *CourseRunEnrollment) error {
	cp := *e
	f.runs[e.UserID+"/"+e.RunID] = &cp
	return nil
}

func (f *fakeRepo) ListActiveForProgram(_ context.Context, userID, programID string) ([]CourseRunEnrollment, error) {
	var out []CourseRunEnrollment
	for _, e := range f.runs {
		if e.UserID == userID && e.Active && f.byRun[e.RunID] == programID {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetProgramEnrollment(_ context.Context, userID, programID string) (*ProgramEnrollment, error) {
	pe, ok := f.programs[userID+"/"+programID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *pe
	return &cp, nil
}

func (f *fakeRepo) UpsertProgramEnrollment(_ context.Context, pe *ProgramEnrollment) error {
	cp := *pe
	f.programs[pe.UserID+"/"+pe.ProgramID] = &cp
	return nil
}

type fakeRuns struct {
	runs map[string]*catalog.CourseRun
}

func (f *fakeRuns) GetByID(_ context.Context, id string) (*catalog.CourseRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return run, nil
}

func (f *fakeRuns) GetByCoursewareID(_ context.Context, coursewareID string) (*catalog.CourseRun, error) {
	for _, run := range f.runs {
		if run.CoursewareID == coursewareID {
			return run, nil
		}
	}
	return nil, catalog.ErrNotFound
}

type platformCall struct {
	username, coursewareID, mode string
	active                       bool
}

type fakePlatform struct {
	calls []platformCall
	err   error
}

func (f *fakePlatform) Enroll(_ context.Context, username, coursewareID, mode string) error {
	f.calls = append(f.calls, platformCall{username, coursewareID, mode, true})
	return f.err
}

func (f *fakePlatform) Unenroll(_ context.Context, username, coursewareID, mode string) error {
	f.calls = append(f.calls, platformCall{username, coursewareID, mode, false})
	return f.err
}

var errPlatformDown = errors.New("connection refused")

func newTestService(repo *fakeRepo, runs *fakeRuns, platform *fakePlatform) *Service {
	return NewService(Config{
		Repo:     repo,
		Runs:     runs,
		Platform: platform,
		IsTransient: func(err error) bool {
			return errors.Is(err, errPlatformDown)
		},
	})
}

func fixtureRuns() (*fakeRuns, *fakeRepo) {
	runs := &fakeRuns{runs: map[string]*catalog.CourseRun{
		"run-1": {ID: "run-1", CoursewareID: "course-v1:run1", Title: "Circuits"},
		"run-2": {ID: "run-2", CoursewareID: "course-v1:run2", Title: "Thermo", ProgramID: "prog-1"},
		"run-3": {ID: "run-3", CoursewareID: "course-v1:run3", Title: "Waves", ProgramID: "prog-1"},
	}}
	repo := newFakeRepo()
	repo.byRun = map[string]string{"run-2": "prog-1", "run-3": "prog-1"}
	return runs, repo
}

func TestCreateRunEnrollments(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{}
	svc := newTestService(repo, runs, platform)

	created, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-1"}, ModeVerified, false)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.True(t, created[0].Active)
	assert.True(t, created[0].EdxEnrolled)
	assert.Equal(t, ModeVerified, created[0].Mode)

	require.Len(t, platform.calls, 1)
	assert.Equal(t, "course-v1:run1", platform.calls[0].coursewareID)
}

func TestCreateRunEnrollments_Idempotent(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{}
	svc := newTestService(repo, runs, platform)

	_, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-1"}, ModeAudit, false)
	require.NoError(t, err)

	// Enrolling again upgrades audit to verified without a duplicate record.
	created, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-1"}, ModeVerified, false)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, ModeVerified, created[0].Mode)
	assert.Len(t, repo.runs, 1)
}

func TestCreateRunEnrollments_TransientFailureSkips(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{err: errPlatformDown}
	svc := newTestService(repo, runs, platform)

	created, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-1"}, ModeAudit, false)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Empty(t, repo.runs)
}

func TestCreateRunEnrollments_KeepFailed(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{err: errPlatformDown}
	svc := newTestService(repo, runs, platform)

	created, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-1"}, ModeAudit, true)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.True(t, created[0].Active)
	assert.False(t, created[0].EdxEnrolled, "keep-failed records must be flagged for retry")
}

func TestCreateRunEnrollments_PermanentFailure(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{err: errors.New("user unknown")}
	svc := newTestService(repo, runs, platform)

	_, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-1"}, ModeAudit, true)
	require.Error(t, err)
	assert.Empty(t, repo.runs)
}

func TestCreateRunEnrollments_ProgramEnrollment(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{}
	svc := newTestService(repo, runs, platform)

	_, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-2", "run-3"}, ModeAudit, false)
	require.NoError(t, err)

	pe, err := repo.GetProgramEnrollment(context.Background(), "alice", "prog-1")
	require.NoError(t, err)
	assert.True(t, pe.Active)
	assert.Len(t, repo.programs, 1, "both runs share one program enrollment")
}

func TestDeactivateRunEnrollment(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{}
	svc := newTestService(repo, runs, platform)

	_, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-1"}, ModeVerified, false)
	require.NoError(t, err)
	e, err := repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)

	require.NoError(t, svc.DeactivateRunEnrollment(context.Background(), e, ChangeRefunded, false))

	got, err := repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.False(t, got.EdxEnrolled)
	assert.False(t, got.EmailsSubscribed)
	assert.Equal(t, ChangeRefunded, got.ChangeStatus)
}

func TestDeactivateRunEnrollment_TransientBestEffort(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{}
	svc := newTestService(repo, runs, platform)

	_, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-1"}, ModeAudit, false)
	require.NoError(t, err)
	e, err := repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)

	platform.err = errPlatformDown

	// Without keepFailed the record stays active for a later attempt.
	require.NoError(t, svc.DeactivateRunEnrollment(context.Background(), e, ChangeRefunded, false))
	got, err := repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.True(t, got.Active)

	// With keepFailed it deactivates locally, EdxEnrolled staying truthful.
	require.NoError(t, svc.DeactivateRunEnrollment(context.Background(), e, ChangeRefunded, true))
	got, err = repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.True(t, got.EdxEnrolled)
}

func TestDeactivateRunEnrollment_ProgramFollows(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{}
	svc := newTestService(repo, runs, platform)

	_, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-2", "run-3"}, ModeAudit, false)
	require.NoError(t, err)

	e2, err := repo.GetRunEnrollment(context.Background(), "alice", "run-2")
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateRunEnrollment(context.Background(), e2, ChangeRefunded, false))

	// One program run remains active, so the program enrollment stays.
	pe, err := repo.GetProgramEnrollment(context.Background(), "alice", "prog-1")
	require.NoError(t, err)
	assert.True(t, pe.Active)

	e3, err := repo.GetRunEnrollment(context.Background(), "alice", "run-3")
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateRunEnrollment(context.Background(), e3, ChangeRefunded, false))

	pe, err = repo.GetProgramEnrollment(context.Background(), "alice", "prog-1")
	require.NoError(t, err)
	assert.False(t, pe.Active)
}

func TestUpgradeToVerified(t *testing.T) {
	runs, repo := fixtureRuns()
	platform := &fakePlatform{}
	svc := newTestService(repo, runs, platform)

	_, err := svc.CreateRunEnrollments(context.Background(), "alice", []string{"run-1"}, ModeAudit, false)
	require.NoError(t, err)

	require.NoError(t, svc.UpgradeToVerified(context.Background(), "alice", "run-1"))

	got, err := repo.GetRunEnrollment(context.Background(), "alice", "run-1")
	require.NoError(t, err)
	assert.Equal(t, ModeVerified, got.Mode)

	// Upgrading twice is a no-op and must not hit the platform again.
	calls := len(platform.calls)
	require.NoError(t, svc.UpgradeToVerified(context.Background(), "alice", "run-1"))
	assert.Len(t, platform.calls, calls)

	require.NoError(t, err)
	err = svc.UpgradeToVerified(context.Background(), "alice", "run-9")
	assert.ErrorIs(t, err, ErrNotFound)
}
