package interfaces

import (
	"context"
	"io"

	"classchat/pkg/types"
)

// ClassroomRegistry owns classroom creation, enrollment and lookup.
type ClassroomRegistry interface {
	CreateClassroom(ctx context.Context, name, teacherID, teacherName string) (*types.Classroom, error)
	JoinClassroom(ctx context.Context, accessCode, studentID string) (*types.Classroom, error)
	ListClassroomsForUser(ctx context.Context, userID string) ([]*types.Classroom, error)
	GetClassroom(ctx context.Context, classroomID string) (*types.Classroom, error)
}

// Submission is an inbound chat message before persistence.
type Submission struct {
	Scope        types.Scope
	Author       string
	Content      string
	Attachment   *types.Attachment
	OriginConnID string
}

// ChatService wires submissions to persistence and broadcast.
type ChatService interface {
	SubmitMessage(ctx context.Context, sub Submission) (*types.Message, error)
	NotifyPersisted(ctx context.Context, messageID, originConnID string) error
	History(ctx context.Context, scope types.Scope) ([]*types.Message, error)
}

// BlobStore is the upload collaborator: it keeps the bytes and hands back a descriptor.
type BlobStore interface {
	Put(ctx context.Context, originalName string, r io.Reader) (*types.Attachment, error)
	// Delete removes the bytes behind an attachment that was never published
	Delete(ctx context.Context, attachment *types.Attachment) error
}
