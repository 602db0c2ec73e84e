// Package enrollment manages course run and program enrollments created by
// fulfilled orders and torn down by refunds.
package enrollment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Enrollment modes.
const (
	ModeAudit    = "audit"
	ModeVerified = "verified"
)

// Change statuses recorded when an enrollment deactivates.
const (
	ChangeDeferred   = "deferred"
	ChangeRefunded   = "refunded"
	ChangeUnenrolled = "unenrolled"
)

// ErrNotFound is returned when a requested enrollment does not exist.
var ErrNotFound = errors.New("enrollment not found")

// CourseRunEnrollment ties a user to a course run. EdxEnrolled tracks
// whether the learning platform accepted the enrollment; a false value with
// Active true marks a record awaiting platform retry.
type CourseRunEnrollment struct {
	ID               string
	UserID           string
	RunID            string
	CoursewareID     string
	Mode             string
	Active           bool
	EdxEnrolled      bool
	EmailsSubscribed bool
	ChangeStatus     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProgramEnrollment ties a user to a program; it exists while at least one
// of the program's run enrollments is active.
type ProgramEnrollment struct {
	ID        string
	UserID    string
	ProgramID string
	Active    bool
	CreatedAt time.Time
}

// Repository defines enrollment persistence.
type Repository interface {
	// GetRunEnrollment returns the user's enrollment in a run, or ErrNotFound.
	GetRunEnrollment(ctx context.Context, userID, runID string) (*CourseRunEnrollment, error)
	// ListActiveForUser returns the user's active run enrollments.
	ListActiveForUser(ctx context.Context, userID string) ([]CourseRunEnrollment, error)
	// UpsertRunEnrollment creates or updates the (user, run) enrollment.
	UpsertRunEnrollment(ctx context.Context, e *CourseRunEnrollment) error
	// ListActiveForProgram returns the user's active run enrollments whose
	// course belongs to the program.
	ListActiveForProgram(ctx context.Context, userID, programID string) ([]CourseRunEnrollment, error)
	GetProgramEnrollment(ctx context.Context, userID, programID string) (*ProgramEnrollment, error)
	UpsertProgramEnrollment(ctx context.Context, e *ProgramEnrollment) error
}

// Platform is the learning platform surface enrollment needs. Implemented
// by the openedx client.
type Platform interface {
	Enroll(ctx context.Context, username, coursewareID, mode string) error
	Unenroll(ctx context.Context, username, coursewareID, mode string) error
}
