package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlearn/commerce/internal/domain/enrollment"
)

const (
	runEnrollmentColumns = `e.id, e.user_id, e.run_id, r.courseware_id, e.enrollment_mode,
		e.active, e.edx_enrolled, e.edx_emails_subscription, COALESCE(e.change_status, ''),
		e.created_at, e.updated_at`

	runEnrollmentJoin = `FROM course_run_enrollments e JOIN course_runs r ON r.id = e.run_id`

	getRunEnrollmentSQL = `SELECT ` + runEnrollmentColumns + ` ` + runEnrollmentJoin +
		` WHERE e.user_id = $1 AND e.run_id = $2`

	listActiveForUserSQL = `SELECT ` + runEnrollmentColumns + ` ` + runEnrollmentJoin +
		` WHERE e.user_id = $1 AND e.active`

	listActiveForProgramSQL = `SELECT ` + runEnrollmentColumns + ` ` + runEnrollmentJoin +
		` WHERE e.user_id = $1 AND e.active AND r.program_id = $2`

	upsertRunEnrollmentSQL = `INSERT INTO course_run_enrollments
		(id, user_id, run_id, enrollment_mode, active, edx_enrolled, edx_emails_subscription, change_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (user_id, run_id) DO UPDATE
		SET enrollment_mode = EXCLUDED.enrollment_mode,
		    active = EXCLUDED.active,
		    edx_enrolled = EXCLUDED.edx_enrolled,
		    edx_emails_subscription = EXCLUDED.edx_emails_subscription,
		    change_status = EXCLUDED.change_status,
		    updated_at = now()`

	getProgramEnrollmentSQL = `SELECT id, user_id, program_id, active
		FROM program_enrollments WHERE user_id = $1 AND program_id = $2`

	upsertProgramEnrollmentSQL = `INSERT INTO program_enrollments (id, user_id, program_id, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, program_id) DO UPDATE SET active = EXCLUDED.active`
)

var _ enrollment.Repository = (*EnrollmentRepository)(nil)

// EnrollmentRepository implements enrollment.Repository backed by PostgreSQL.
type EnrollmentRepository struct {
	pool *pgxpool.Pool
}

// NewEnrollmentRepository returns an EnrollmentRepository that uses the given pool.
func NewEnrollmentRepository(pool *pgxpool.Pool) *EnrollmentRepository {
	return &EnrollmentRepository{pool: pool}
}

// GetRunEnrollment returns the (user, run) enrollment or enrollment.ErrNotFound.
func (r *EnrollmentRepository) GetRunEnrollment(ctx context.Context, userID, runID string) (*enrollment.CourseRunEnrollment, error) {
	rows, err := r.pool.Query(ctx, getRunEnrollmentSQL, userID, runID)
	if err != nil {
		return nil, fmt.Errorf("getting enrollment: %w", err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanRunEnrollment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, enrollment.ErrNotFound
		}
		return nil, fmt.Errorf("getting enrollment: %w", err)
	}
	return &e, nil
}

// ListActiveForUser returns the user's active run enrollments.
func (r *EnrollmentRepository) ListActiveForUser(ctx context.Context, userID string) ([]enrollment.CourseRunEnrollment, error) {
	rows, err := r.pool.Query(ctx, listActiveForUserSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing enrollments: %w", err)
	}
	return pgx.CollectRows(rows, scanRunEnrollment)
}

// ListActiveForProgram returns the user's active run enrollments within the program.
func (r *EnrollmentRepository) ListActiveForProgram(ctx context.Context, userID, programID string) ([]enrollment.CourseRunEnrollment, error) {
	rows, err := r.pool.Query(ctx, listActiveForProgramSQL, userID, programID)
	if err != nil {
		return nil, fmt.Errorf("listing program enrollments: %w", err)
	}
	return pgx.CollectRows(rows, scanRunEnrollment)
}

// UpsertRunEnrollment creates or updates the (user, run) enrollment.
func (r *EnrollmentRepository) UpsertRunEnrollment(ctx context.Context, e *enrollment.CourseRunEnrollment) error {
	_, err := r.pool.Exec(ctx, upsertRunEnrollmentSQL,
		e.ID, e.UserID, e.RunID, e.Mode, e.Active, e.EdxEnrolled, e.EmailsSubscribed, e.ChangeStatus,
	)
	if err != nil {
		return fmt.Errorf("upserting enrollment: %w", err)
	}
	return nil
}

// GetProgramEnrollment returns the (user, program) enrollment or enrollment.ErrNotFound.
func (r *EnrollmentRepository) GetProgramEnrollment(ctx context.Context, userID, programID string) (*enrollment.ProgramEnrollment, error) {
	var pe enrollment.ProgramEnrollment
	err := r.pool.QueryRow(ctx, getProgramEnrollmentSQL, userID, programID).Scan(
		&pe.ID, &pe.UserID, &pe.ProgramID, &pe.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, enrollment.ErrNotFound
		}
		return nil, fmt.Errorf("getting program enrollment: %w", err)
	}
	return &pe, nil
}

// UpsertProgramEnrollment creates or updates the (user, program) enrollment.
func (r *EnrollmentRepository) UpsertProgramEnrollment(ctx context.Context, pe *enrollment.ProgramEnrollment) error {
	_, err := r.pool.Exec(ctx, upsertProgramEnrollmentSQL, pe.ID, pe.UserID, pe.ProgramID, pe.Active)
	if err != nil {
		return fmt.Errorf("upserting program enrollment: %w", err)
	}
	return nil
}

func scanRunEnrollment(row pgx.CollectableRow) (enrollment.CourseRunEnrollment, error) {
	var e enrollment.CourseRunEnrollment
	err := row.Scan(
		&e.ID, &e.UserID, &e.RunID, &e.CoursewareID, &e.Mode,
		&e.Active, &e.EdxEnrolled, &e.EmailsSubscribed, &e.ChangeStatus,
		&e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}
