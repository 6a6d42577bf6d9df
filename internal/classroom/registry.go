package classroom

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classchat/internal/accesscode"
	"classchat/internal/metrics"
	"classchat/pkg/interfaces"
	"classchat/pkg/types"
)

var _ interfaces.ClassroomRegistry = (*Registry)(nil)

// DefaultMaxCodeAttempts bounds the access code retry loop
const DefaultMaxCodeAttempts = 16

// Registry implements the ClassroomRegistry interface
type Registry struct {
	store           interfaces.ClassroomStore
	directory       interfaces.Directory
	logger          zerolog.Logger
	generateCode    func() string
	maxCodeAttempts int
	now             func() time.Time
}

// Option customizes a Registry.
type Option func(*Registry)

// WithCodeGenerator replaces the access code source.
func WithCodeGenerator(generate func() string) Option {
	return func(r *Registry) { r.generateCode = generate }
}

// WithMaxCodeAttempts sets how many candidate codes are tried before giving up.
func WithMaxCodeAttempts(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxCodeAttempts = n
		}
	}
}

// NewRegistry creates a new classroom registry
func NewRegistry(store interfaces.ClassroomStore, directory interfaces.Directory, logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		store:           store,
		directory:       directory,
		logger:          logger.With().Str("component", "classroom").Logger(),
		generateCode:    accesscode.Generate,
		maxCodeAttempts: DefaultMaxCodeAttempts,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateClassroom creates a classroom owned by teacherID with a fresh access code
func (r *Registry) CreateClassroom(ctx context.Context, name, teacherID, teacherName string) (*types.Classroom, error) {
	teacherID = strings.TrimSpace(teacherID)
	if teacherID == "" {
		return nil, types.Validation("teacher id is required")
	}
	name, err := types.ValidateClassroomName(name)
	if err != nil {
		return nil, err
	}

	teacher, err := r.lookupUser(ctx, teacherID)
	if err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			return nil, types.ErrNotTeacher
		}
		return nil, err
	}
	if !teacher.IsTeacher() {
		return nil, types.ErrNotTeacher
	}

	teacherName = strings.TrimSpace(teacherName)
	if teacherName == "" {
		teacherName = teacher.Name
	}

	// ARCHITECTURAL DISCOVERY: Optimistic concurrency with retry. The existence check
	// skips obvious collisions cheaply; the storage UNIQUE constraint settles races.
	for attempt := 1; attempt <= r.maxCodeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		code := r.generateCode()
		exists, err := r.store.AccessCodeExists(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("failed to create classroom: %w", err)
		}
		if exists {
			r.collision(code, attempt)
			continue
		}

		classroom := &types.Classroom{
			ID:          uuid.New().String(),
			Name:        name,
			AccessCode:  code,
			TeacherID:   teacherID,
			TeacherName: teacherName,
			Students:    []string{},
			CreatedAt:   r.now().UTC(),
		}

		err = r.store.CreateClassroom(ctx, classroom)
		if errors.Is(err, types.ErrAccessCodeTaken) {
			r.collision(code, attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create classroom: %w", err)
		}

		metrics.ClassroomsCreated.Inc()
		r.logger.Info().
			Str("classroom_id", classroom.ID).
			Str("teacher_id", teacherID).
			Int("attempts", attempt).
			Msg("classroom created")
		return classroom, nil
	}

	r.logger.Error().Int("attempts", r.maxCodeAttempts).Msg("could not allocate a unique access code")
	return nil, types.Upstream("could not allocate a unique access code", ErrCodeSpaceExhausted)
}

func (r *Registry) collision(code string, attempt int) {
	metrics.AccessCodeCollisions.Inc()
	r.logger.Debug().Str("access_code", code).Int("attempt", attempt).Msg("access code collision")
}

// JoinClassroom enrolls studentID in the classroom identified by accessCode.
// A repeated join is rejected with types.ErrAlreadyMember.
func (r *Registry) JoinClassroom(ctx context.Context, accessCode, studentID string) (*types.Classroom, error) {
	code := accesscode.Normalize(accessCode)
	studentID = strings.TrimSpace(studentID)
	if code == "" || studentID == "" {
		return nil, types.Validation("access code and student id are required")
	}
	if !accesscode.Valid(code) {
		metrics.ClassroomJoins.WithLabelValues("invalid_code").Inc()
		return nil, types.ErrInvalidAccessCode
	}

	classroom, err := r.store.GetClassroomByAccessCode(ctx, code)
	if err != nil {
		if errors.Is(err, types.ErrInvalidAccessCode) {
			metrics.ClassroomJoins.WithLabelValues("invalid_code").Inc()
			return nil, err
		}
		metrics.ClassroomJoins.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to look up access code: %w", err)
	}

	if classroom.TeacherID == studentID {
		metrics.ClassroomJoins.WithLabelValues("already_member").Inc()
		return nil, types.Conflict("you own this classroom")
	}

	if err := r.store.AddStudent(ctx, classroom.ID, studentID); err != nil {
		if errors.Is(err, types.ErrAlreadyMember) {
			metrics.ClassroomJoins.WithLabelValues("already_member").Inc()
			return nil, err
		}
		metrics.ClassroomJoins.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to join classroom: %w", err)
	}

	metrics.ClassroomJoins.WithLabelValues("joined").Inc()
	r.logger.Info().
		Str("classroom_id", classroom.ID).
		Str("student_id", studentID).
		Msg("student joined classroom")

	return r.store.GetClassroom(ctx, classroom.ID)
}

// ListClassroomsForUser returns owned classrooms for a teacher and enrolled ones otherwise, newest first
func (r *Registry) ListClassroomsForUser(ctx context.Context, userID string) ([]*types.Classroom, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, types.Validation("user id is required")
	}

	user, err := r.lookupUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if user.IsTeacher() {
		return r.store.ListClassroomsByTeacher(ctx, userID)
	}
	return r.store.ListClassroomsByStudent(ctx, userID)
}

// GetClassroom retrieves a classroom by ID
func (r *Registry) GetClassroom(ctx context.Context, classroomID string) (*types.Classroom, error) {
	classroomID = strings.TrimSpace(classroomID)
	if classroomID == "" {
		return nil, types.Validation("classroom id is required")
	}
	return r.store.GetClassroom(ctx, classroomID)
}

// lookupUser asks the identity collaborator; failures other than not-found are upstream errors
func (r *Registry) lookupUser(ctx context.Context, userID string) (*types.User, error) {
	user, err := r.directory.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, types.ErrUserNotFound) {
			return nil, types.ErrUserNotFound
		}
		r.logger.Error().Err(err).Str("user_id", userID).Msg("identity lookup failed")
		return nil, types.Upstream("identity service unavailable", err)
	}
	return user, nil
}
