package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlearn/commerce/internal/domain/catalog"
)

const (
	getRunByIDSQL = `SELECT id, courseware_id, title, COALESCE(program_id::text, '')
		FROM course_runs WHERE id = $1`

	getRunByCoursewareIDSQL = `SELECT id, courseware_id, title, COALESCE(program_id::text, '')
		FROM course_runs WHERE courseware_id = $1`
)

var _ catalog.CourseRunRepository = (*CourseRunRepository)(nil)

// CourseRunRepository resolves course runs backed by PostgreSQL.
type CourseRunRepository struct {
	pool *pgxpool.Pool
}

// NewCourseRunRepository returns a CourseRunRepository that uses the given pool.
func NewCourseRunRepository(pool *pgxpool.Pool) *CourseRunRepository {
	return &CourseRunRepository{pool: pool}
}

// GetByID returns a course run by its identifier.
func (r *CourseRunRepository) GetByID(ctx context.Context, id string) (*catalog.CourseRun, error) {
	return r.get(ctx, getRunByIDSQL, id)
}

// GetByCoursewareID returns a course run by its courseware identifier.
func (r *CourseRunRepository) GetByCoursewareID(ctx context.Context, coursewareID string) (*catalog.CourseRun, error) {
	return r.get(ctx, getRunByCoursewareIDSQL, coursewareID)
}

func (r *CourseRunRepository) get(ctx context.Context, sql, arg string) (*catalog.CourseRun, error) {
	var run catalog.CourseRun
	err := r.pool.QueryRow(ctx, sql, arg).Scan(
		&run.ID, &run.CoursewareID, &run.Title, &run.ProgramID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrNotFound
		}
		return nil, fmt.Errorf("getting course run %q: %w", arg, err)
	}
	return &run, nil
}
