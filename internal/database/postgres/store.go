// Package postgres is the multi-instance storage backend. It implements the same
// contract as the SQLite manager; ordering and uniqueness come from the server.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	dbconfig "classchat/pkg/database"
	"classchat/pkg/interfaces"
	"classchat/pkg/types"
)

var _ interfaces.DatabaseManager = (*Store)(nil)

// Postgres error codes
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store handles PostgreSQL database operations.
type Store struct {
	pool   *pgxpool.Pool
	clock  *dbconfig.MessageClock
	logger zerolog.Logger
}

// NewStore connects, applies migrations and returns a ready store.
func NewStore(ctx context.Context, config *dbconfig.Config, logger zerolog.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = int32(config.MaxConnections)
	poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	s := &Store{
		pool:   pool,
		clock:  dbconfig.NewMessageClock(time.Time{}),
		logger: logger.With().Str("component", "database").Str("driver", "postgres").Logger(),
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrate applies the embedded Postgres migrations not yet recorded in schema_migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations, err := dbconfig.LoadMigrations(dbconfig.PostgresMigrations())
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	for _, migration := range migrations {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, migration.Version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, migration.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, migration.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		s.logger.Debug().Str("version", migration.Version).Msg("migration checked")
	}
	return nil
}

// HealthCheck checks the database connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// GetUser retrieves a directory entry.
func (s *Store) GetUser(ctx context.Context, userID string) (*types.User, error) {
	user := &types.User{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, role, created_at FROM users WHERE id = $1`, userID,
	).Scan(&user.ID, &user.Name, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// UpsertUser seeds or updates a directory entry.
func (s *Store) UpsertUser(ctx context.Context, user *types.User) error {
	if !types.IsValidUserID(user.ID) {
		return types.Validation("invalid user id")
	}
	if !types.IsValidRole(user.Role) {
		return types.Validation("role must be teacher or student")
	}
	_, err := s.pool.Exec(context.WithoutCancel(ctx), `
		INSERT INTO users (id, name, role) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, role = EXCLUDED.role
	`, user.ID, user.Name, user.Role)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// AccessCodeExists checks whether a code has ever been issued.
func (s *Store) AccessCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM classrooms WHERE access_code = $1)`, code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check access code: %w", err)
	}
	return exists, nil
}

// CreateClassroom inserts a classroom; a lost race on the code is reported as ErrAccessCodeTaken.
func (s *Store) CreateClassroom(ctx context.Context, classroom *types.Classroom) error {
	_, err := s.pool.Exec(context.WithoutCancel(ctx), `
		INSERT INTO classrooms (id, name, access_code, teacher_id, teacher_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, classroom.ID, classroom.Name, classroom.AccessCode, classroom.TeacherID, classroom.TeacherName, classroom.CreatedAt.UTC())
	if err != nil {
		if isConstraintError(err, codeUniqueViolation, "classrooms_access_code_key") {
			return types.ErrAccessCodeTaken
		}
		return fmt.Errorf("failed to insert classroom: %w", err)
	}
	return nil
}

// GetClassroom retrieves a classroom by ID.
func (s *Store) GetClassroom(ctx context.Context, classroomID string) (*types.Classroom, error) {
	return s.getClassroom(ctx, `id = $1`, classroomID, types.ErrClassroomNotFound)
}

// GetClassroomByAccessCode retrieves a classroom by its code.
func (s *Store) GetClassroomByAccessCode(ctx context.Context, code string) (*types.Classroom, error) {
	return s.getClassroom(ctx, `access_code = $1`, code, types.ErrInvalidAccessCode)
}

func (s *Store) getClassroom(ctx context.Context, where, arg string, notFound error) (*types.Classroom, error) {
	rows, err := s.pool.Query(ctx, classroomSelect+` WHERE `+where+` GROUP BY c.id`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query classroom: %w", err)
	}
	classroom, err := pgx.CollectExactlyOneRow(rows, scanClassroom)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notFound
		}
		return nil, fmt.Errorf("failed to scan classroom: %w", err)
	}
	return classroom, nil
}

// AddStudent records a membership.
func (s *Store) AddStudent(ctx context.Context, classroomID, studentID string) error {
	_, err := s.pool.Exec(context.WithoutCancel(ctx), `
		INSERT INTO classroom_students (classroom_id, student_id, joined_at) VALUES ($1, $2, now())
	`, classroomID, studentID)
	switch {
	case err == nil:
		return nil
	case isConstraintError(err, codeUniqueViolation, "classroom_students_pkey"):
		return types.ErrAlreadyMember
	case isConstraintError(err, codeForeignKeyViolation, ""):
		return types.ErrClassroomNotFound
	default:
		return fmt.Errorf("failed to insert membership: %w", err)
	}
}

// ListClassroomsByTeacher returns owned classrooms, newest first.
func (s *Store) ListClassroomsByTeacher(ctx context.Context, teacherID string) ([]*types.Classroom, error) {
	return s.listClassrooms(ctx, classroomSelect+`
		WHERE c.teacher_id = $1
		GROUP BY c.id
		ORDER BY c.created_at DESC, c.id
	`, teacherID)
}

// ListClassroomsByStudent returns enrolled classrooms, newest first.
func (s *Store) ListClassroomsByStudent(ctx context.Context, studentID string) ([]*types.Classroom, error) {
	return s.listClassrooms(ctx, classroomSelect+`
		WHERE c.id IN (SELECT classroom_id FROM classroom_students WHERE student_id = $1)
		GROUP BY c.id
		ORDER BY c.created_at DESC, c.id
	`, studentID)
}

func (s *Store) listClassrooms(ctx context.Context, query, arg string) ([]*types.Classroom, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query classrooms: %w", err)
	}
	classrooms, err := pgx.CollectRows(rows, scanClassroom)
	if err != nil {
		return nil, fmt.Errorf("failed to scan classrooms: %w", err)
	}
	if classrooms == nil {
		classrooms = make([]*types.Classroom, 0)
	}
	return classrooms, nil
}

// Students are aggregated in join order; COALESCE keeps an empty class as '{}' rather than NULL.
const classroomSelect = `
	SELECT c.id, c.name, c.access_code, c.teacher_id, c.teacher_name, c.created_at,
	       COALESCE(array_agg(cs.student_id ORDER BY cs.seq) FILTER (WHERE cs.student_id IS NOT NULL), '{}')
	FROM classrooms c
	LEFT JOIN classroom_students cs ON cs.classroom_id = c.id`

func scanClassroom(row pgx.CollectableRow) (*types.Classroom, error) {
	c := &types.Classroom{}
	err := row.Scan(&c.ID, &c.Name, &c.AccessCode, &c.TeacherID, &c.TeacherName, &c.CreatedAt, &c.Students)
	if err != nil {
		return nil, err
	}
	if c.Students == nil {
		c.Students = make([]string, 0)
	}
	return c, nil
}

// AppendClassroomMessage persists a message in a classroom's partition.
func (s *Store) AppendClassroomMessage(ctx context.Context, classroomID, author, content string, attachment *types.Attachment) (*types.Message, error) {
	classroomID = strings.TrimSpace(classroomID)
	if classroomID == "" {
		return nil, types.Validation("classroom id is required")
	}
	return s.appendMessage(ctx, &classroomID, author, content, attachment)
}

// AppendGlobalMessage persists a message in the global partition.
func (s *Store) AppendGlobalMessage(ctx context.Context, author, content string, attachment *types.Attachment) (*types.Message, error) {
	return s.appendMessage(ctx, nil, author, content, attachment)
}

func (s *Store) appendMessage(ctx context.Context, classroomID *string, author, content string, attachment *types.Attachment) (*types.Message, error) {
	content, err := types.NormalizeContent(content, attachment)
	if err != nil {
		return nil, err
	}
	message := &types.Message{
		ClassroomID: classroomID,
		Author:      strings.TrimSpace(author),
		Content:     content,
		Attachment:  attachment,
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}

	var fileURL, fileName, fileType *string
	if attachment != nil {
		fileURL, fileName, fileType = &attachment.URL, &attachment.OriginalName, &attachment.ContentType
	}

	ctx = context.WithoutCancel(ctx)
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// One advisory lock per partition keeps seq order and timestamp order in
		// agreement across pooled connections and instances. Appends to different
		// classrooms do not wait on each other.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext(coalesce($1::text, 'global')))`, classroomID); err != nil {
			return err
		}
		var last time.Time
		err := tx.QueryRow(ctx, `
			SELECT timestamp FROM messages
			WHERE classroom_id IS NOT DISTINCT FROM $1::text
			ORDER BY seq DESC LIMIT 1
		`, classroomID).Scan(&last)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		s.clock.Raise(last)
		message.ID, message.Timestamp = s.clock.Next()

		_, err = tx.Exec(ctx, `
			INSERT INTO messages (id, classroom_id, author, content, file_url, file_name, file_type, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, message.ID, classroomID, message.Author, message.Content, fileURL, fileName, fileType, message.Timestamp)
		return err
	})
	if err != nil {
		if isConstraintError(err, codeForeignKeyViolation, "") {
			return nil, types.ErrClassroomNotFound
		}
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return message, nil
}

const messageSelect = `SELECT id, classroom_id, author, content, file_url, file_name, file_type, timestamp FROM messages`

// ListClassroomMessages returns a classroom's messages in insertion order.
func (s *Store) ListClassroomMessages(ctx context.Context, classroomID string) ([]*types.Message, error) {
	return s.listMessages(ctx, messageSelect+` WHERE classroom_id = $1 ORDER BY seq`, classroomID)
}

// ListGlobalMessages returns the global channel in insertion order.
func (s *Store) ListGlobalMessages(ctx context.Context) ([]*types.Message, error) {
	return s.listMessages(ctx, messageSelect+` WHERE classroom_id IS NULL ORDER BY seq`)
}

// GetMessage loads one stored message.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	rows, err := s.pool.Query(ctx, messageSelect+` WHERE id = $1`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	message, err := pgx.CollectExactlyOneRow(rows, scanMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return message, nil
}

func (s *Store) listMessages(ctx context.Context, query string, args ...any) ([]*types.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to scan messages: %w", err)
	}
	if messages == nil {
		messages = make([]*types.Message, 0)
	}
	return messages, nil
}

func scanMessage(row pgx.CollectableRow) (*types.Message, error) {
	m := &types.Message{}
	var fileURL, fileName, fileType *string
	err := row.Scan(&m.ID, &m.ClassroomID, &m.Author, &m.Content, &fileURL, &fileName, &fileType, &m.Timestamp)
	if err != nil {
		return nil, err
	}
	if fileURL != nil {
		m.Attachment = &types.Attachment{URL: *fileURL}
		if fileName != nil {
			m.Attachment.OriginalName = *fileName
		}
		if fileType != nil {
			m.Attachment.ContentType = *fileType
		}
	}
	return m, nil
}

// isConstraintError matches a Postgres error code and, when given, the constraint name.
func isConstraintError(err error, code, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != code {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}
