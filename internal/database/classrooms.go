package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"classchat/pkg/types"
)

const classroomColumns = `id, name, access_code, teacher_id, teacher_name, created_at`

// AccessCodeExists checks whether a code has ever been issued
func (m *Manager) AccessCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := m.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM classrooms WHERE access_code = ?)", code,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check access code: %w", err)
	}
	return exists, nil
}

// CreateClassroom inserts a classroom with an empty student set
func (m *Manager) CreateClassroom(ctx context.Context, classroom *types.Classroom) error {
	ctx = context.WithoutCancel(ctx)
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO classrooms (`+classroomColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			classroom.ID,
			classroom.Name,
			classroom.AccessCode,
			classroom.TeacherID,
			classroom.TeacherName,
			classroom.CreatedAt.UTC(),
		)
		if err != nil {
			// FUNCTIONAL DISCOVERY: The UNIQUE constraint is the arbiter when two
			// creators race on the same candidate code
			if isUniqueViolation(err, "classrooms.access_code") {
				return types.ErrAccessCodeTaken
			}
			return fmt.Errorf("failed to insert classroom: %w", err)
		}
		return nil
	})
}

// GetClassroom retrieves a classroom and its students by ID
func (m *Manager) GetClassroom(ctx context.Context, classroomID string) (*types.Classroom, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+classroomColumns+` FROM classrooms WHERE id = ?`, classroomID)
	classroom, err := scanClassroom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrClassroomNotFound
		}
		return nil, fmt.Errorf("failed to query classroom: %w", err)
	}
	if err := m.loadStudents(ctx, classroom); err != nil {
		return nil, err
	}
	return classroom, nil
}

// GetClassroomByAccessCode looks a classroom up by its normalized code
func (m *Manager) GetClassroomByAccessCode(ctx context.Context, code string) (*types.Classroom, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+classroomColumns+` FROM classrooms WHERE access_code = ?`, code)
	classroom, err := scanClassroom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrInvalidAccessCode
		}
		return nil, fmt.Errorf("failed to query classroom by code: %w", err)
	}
	if err := m.loadStudents(ctx, classroom); err != nil {
		return nil, err
	}
	return classroom, nil
}

// AddStudent records a membership; the composite primary key rejects duplicates
func (m *Manager) AddStudent(ctx context.Context, classroomID, studentID string) error {
	ctx = context.WithoutCancel(ctx)
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO classroom_students (classroom_id, student_id, joined_at) VALUES (?, ?, ?)`,
			classroomID, studentID, time.Now().UTC(),
		)
		switch {
		case err == nil:
			return nil
		case isUniqueViolation(err, "classroom_students.student_id"):
			return types.ErrAlreadyMember
		case isForeignKeyViolation(err):
			return types.ErrClassroomNotFound
		default:
			return fmt.Errorf("failed to insert membership: %w", err)
		}
	})
}

// ListClassroomsByTeacher returns owned classrooms, newest first
func (m *Manager) ListClassroomsByTeacher(ctx context.Context, teacherID string) ([]*types.Classroom, error) {
	return m.listClassrooms(ctx, `
		SELECT `+classroomColumns+`
		FROM classrooms
		WHERE teacher_id = ?
		ORDER BY created_at DESC, id
	`, teacherID)
}

// ListClassroomsByStudent returns enrolled classrooms, newest first
func (m *Manager) ListClassroomsByStudent(ctx context.Context, studentID string) ([]*types.Classroom, error) {
	return m.listClassrooms(ctx, `
		SELECT c.id, c.name, c.access_code, c.teacher_id, c.teacher_name, c.created_at
		FROM classrooms c
		JOIN classroom_students cs ON cs.classroom_id = c.id
		WHERE cs.student_id = ?
		ORDER BY c.created_at DESC, c.id
	`, studentID)
}

func (m *Manager) listClassrooms(ctx context.Context, query string, arg string) ([]*types.Classroom, error) {
	rows, err := m.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query classrooms: %w", err)
	}

	classrooms := make([]*types.Classroom, 0)
	for rows.Next() {
		classroom, err := scanClassroom(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan classroom row: %w", err)
		}
		classrooms = append(classrooms, classroom)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating classroom rows: %w", err)
	}

	// TECHNICAL DISCOVERY: Students are loaded after the cursor is closed so
	// a listing holds at most one pooled connection at a time
	for _, classroom := range classrooms {
		if err := m.loadStudents(ctx, classroom); err != nil {
			return nil, err
		}
	}
	return classrooms, nil
}

func (m *Manager) loadStudents(ctx context.Context, classroom *types.Classroom) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT student_id FROM classroom_students
		WHERE classroom_id = ?
		ORDER BY joined_at, rowid
	`, classroom.ID)
	if err != nil {
		return fmt.Errorf("failed to query students: %w", err)
	}
	defer func() { _ = rows.Close() }()

	classroom.Students = make([]string, 0)
	for rows.Next() {
		var studentID string
		if err := rows.Scan(&studentID); err != nil {
			return fmt.Errorf("failed to scan student row: %w", err)
		}
		classroom.Students = append(classroom.Students, studentID)
	}
	return rows.Err()
}

func scanClassroom(row rowScanner) (*types.Classroom, error) {
	var c types.Classroom
	err := row.Scan(&c.ID, &c.Name, &c.AccessCode, &c.TeacherID, &c.TeacherName, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
