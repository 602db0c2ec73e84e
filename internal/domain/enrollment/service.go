package enrollment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/catalog"
)

// Config wires the enrollment service.
type Config struct {
	Repo     Repository
	Runs     catalog.CourseRunRepository
	Platform Platform
	// IsTransient classifies platform errors worth the keep-failed path.
	// Defaults to treating every error as permanent.
	IsTransient func(error) bool
	Now         func() time.Time
}

// Service creates and deactivates enrollments, keeping the local records
// truthful about what the learning platform actually holds.
type Service struct {
	repo        Repository
	runs        catalog.CourseRunRepository
	platform    Platform
	isTransient func(error) bool
	now         func() time.Time
}

// NewService creates the enrollment service.
func NewService(cfg Config) *Service {
	isTransient := cfg.IsTransient
	if isTransient == nil {
		isTransient = func(error) bool { return false }
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:        cfg.Repo,
		runs:        cfg.Runs,
		platform:    cfg.Platform,
		isTransient: isTransient,
		now:         now,
	}
}

// CreateRunEnrollments enrolls the user into the given runs. Re-enrollment
// is idempotent: an existing enrollment is reactivated, and an audit
// enrollment upgrades when a higher mode is requested. On a transient
// platform failure the run is skipped unless keepFailed is set, in which
// case the record is persisted with EdxEnrolled false for later retry.
func (s *Service) CreateRunEnrollments(ctx context.Context, userID string, runIDs []string, mode string, keepFailed bool) ([]CourseRunEnrollment, error) {
	lg := zctx.From(ctx).With(zap.String("user_id", userID))

	out := make([]CourseRunEnrollment, 0, len(runIDs))
	for _, runID := range runIDs {
		run, err := s.runs.GetByID(ctx, runID)
		if err != nil {
			return out, errors.Wrapf(err, "resolve run %s", runID)
		}

		e, err := s.getOrCreate(ctx, userID, run, mode)
		if err != nil {
			return out, err
		}

		platformErr := s.platform.Enroll(ctx, userID, run.CoursewareID, e.Mode)
		switch {
		case platformErr == nil:
			e.EdxEnrolled = true
		case s.isTransient(platformErr):
			lg.Warn("Platform enrollment failed, transient",
				zap.String("run_id", runID), zap.Error(platformErr))
			if !keepFailed {
				continue
			}
			e.EdxEnrolled = false
		default:
			return out, errors.Wrapf(platformErr, "enroll run %s", runID)
		}

		if err := s.repo.UpsertRunEnrollment(ctx, e); err != nil {
			return out, errors.Wrap(err, "persist enrollment")
		}
		out = append(out, *e)

		if run.ProgramID != "" {
			if err := s.ensureProgramEnrollment(ctx, userID, run.ProgramID); err != nil {
				return out, err
			}
		}
	}
	return out, nil
}

// getOrCreate returns the existing (user, run) enrollment prepared for
// reactivation, or a fresh one. Mode only ever upgrades.
func (s *Service) getOrCreate(ctx context.Context, userID string, run *catalog.CourseRun, mode string) (*CourseRunEnrollment, error) {
	e, err := s.repo.GetRunEnrollment(ctx, userID, run.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return &CourseRunEnrollment{
			ID:               uuid.NewString(),
			UserID:           userID,
			RunID:            run.ID,
			CoursewareID:     run.CoursewareID,
			Mode:             mode,
			Active:           true,
			EmailsSubscribed: true,
			CreatedAt:        s.now(),
		}, nil
	case err != nil:
		return nil, errors.Wrap(err, "load enrollment")
	}

	e.Active = true
	e.ChangeStatus = ""
	e.EmailsSubscribed = true
	if mode == ModeVerified {
		e.Mode = ModeVerified
	}
	return e, nil
}

func (s *Service) ensureProgramEnrollment(ctx context.Context, userID, programID string) error {
	pe, err := s.repo.GetProgramEnrollment(ctx, userID, programID)
	switch {
	case errors.Is(err, ErrNotFound):
		pe = &ProgramEnrollment{
			ID:        uuid.NewString(),
			UserID:    userID,
			ProgramID: programID,
			Active:    true,
			CreatedAt: s.now(),
		}
	case err != nil:
		return errors.Wrap(err, "load program enrollment")
	default:
		if pe.Active {
			return nil
		}
		pe.Active = true
	}
	if err := s.repo.UpsertProgramEnrollment(ctx, pe); err != nil {
		return errors.Wrap(err, "persist program enrollment")
	}
	return nil
}

// DeactivateRunEnrollment unenrolls the user on the platform and deactivates
// the local record. A transient platform failure without keepFailed leaves
// everything untouched and returns nil (best effort); with keepFailed the
// local record deactivates anyway, EdxEnrolled staying true to reflect the
// platform's actual state. The sibling program enrollment deactivates once
// no active run enrollment remains for the program.
func (s *Service) DeactivateRunEnrollment(ctx context.Context, e *CourseRunEnrollment, changeStatus string, keepFailed bool) error {
	lg := zctx.From(ctx).With(
		zap.String("user_id", e.UserID),
		zap.String("run_id", e.RunID),
	)

	if err := s.platform.Unenroll(ctx, e.UserID, e.CoursewareID, e.Mode); err != nil {
		if !s.isTransient(err) {
			return errors.Wrap(err, "unenroll on platform")
		}
		lg.Warn("Platform unenrollment failed, transient", zap.Error(err))
		if !keepFailed {
			return nil
		}
	} else {
		e.EdxEnrolled = false
	}

	e.Active = false
	e.ChangeStatus = changeStatus
	e.EmailsSubscribed = false
	if err := s.repo.UpsertRunEnrollment(ctx, e); err != nil {
		return errors.Wrap(err, "persist enrollment")
	}

	run, err := s.runs.GetByID(ctx, e.RunID)
	if err != nil {
		return errors.Wrap(err, "resolve run")
	}
	if run.ProgramID == "" {
		return nil
	}

	remaining, err := s.repo.ListActiveForProgram(ctx, e.UserID, run.ProgramID)
	if err != nil {
		return errors.Wrap(err, "list program enrollments")
	}
	if len(remaining) > 0 {
		return nil
	}
	pe, err := s.repo.GetProgramEnrollment(ctx, e.UserID, run.ProgramID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "load program enrollment")
	}
	pe.Active = false
	if err := s.repo.UpsertProgramEnrollment(ctx, pe); err != nil {
		return errors.Wrap(err, "persist program enrollment")
	}
	return nil
}

// UpgradeToVerified moves an existing active enrollment to verified mode,
// propagating the mode change to the platform. Used by the bulk upgrade
// tool after off-platform verification.
func (s *Service) UpgradeToVerified(ctx context.Context, userID, runID string) error {
	e, err := s.repo.GetRunEnrollment(ctx, userID, runID)
	if err != nil {
		return err
	}
	if e.Mode == ModeVerified {
		return nil
	}

	if err := s.platform.Enroll(ctx, userID, e.CoursewareID, ModeVerified); err != nil {
		return errors.Wrap(err, "upgrade on platform")
	}
	e.Mode = ModeVerified
	if err := s.repo.UpsertRunEnrollment(ctx, e); err != nil {
		return errors.Wrap(err, "persist enrollment")
	}
	return nil
}
