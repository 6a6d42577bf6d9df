package interfaces

import (
	"context"

	"classchat/pkg/types"
)

// UserStore is a Directory that can also be seeded, used by the standalone binary.
type UserStore interface {
	Directory
	UpsertUser(ctx context.Context, user *types.User) error
}

// ClassroomStore persists classrooms and their memberships.
// ARCHITECTURAL DISCOVERY: Uniqueness of access codes and memberships is enforced
// by storage constraints, not by callers, because check-then-write races across requests.
type ClassroomStore interface {
	// AccessCodeExists is the optimistic pre-check of the code retry loop
	AccessCodeExists(ctx context.Context, code string) (bool, error)

	// CreateClassroom inserts a classroom with no students.
	// Returns types.ErrAccessCodeTaken when the code lost a race with another insert.
	CreateClassroom(ctx context.Context, classroom *types.Classroom) error

	GetClassroom(ctx context.Context, classroomID string) (*types.Classroom, error)
	GetClassroomByAccessCode(ctx context.Context, code string) (*types.Classroom, error)

	// AddStudent records a membership. Returns types.ErrAlreadyMember on a duplicate.
	AddStudent(ctx context.Context, classroomID, studentID string) error

	// Listings are ordered by creation time, newest first
	ListClassroomsByTeacher(ctx context.Context, teacherID string) ([]*types.Classroom, error)
	ListClassroomsByStudent(ctx context.Context, studentID string) ([]*types.Classroom, error)
}

// MessageStore is the append-only message log, partitioned into classroom and global scopes.
type MessageStore interface {
	// Append operations validate, assign id and timestamp, and return the canonical record.
	// FUNCTIONAL DISCOVERY: Once accepted, a write is never abandoned because the
	// caller's context was cancelled; history is the durability guarantee.
	AppendClassroomMessage(ctx context.Context, classroomID, author, content string, attachment *types.Attachment) (*types.Message, error)
	AppendGlobalMessage(ctx context.Context, author, content string, attachment *types.Attachment) (*types.Message, error)

	// Listings are in insertion order
	ListClassroomMessages(ctx context.Context, classroomID string) ([]*types.Message, error)
	ListGlobalMessages(ctx context.Context) ([]*types.Message, error)

	GetMessage(ctx context.Context, messageID string) (*types.Message, error)
}

// DatabaseManager handles all database operations
type DatabaseManager interface {
	UserStore
	ClassroomStore
	MessageStore

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
