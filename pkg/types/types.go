package types

import (
	"time"
)

// Roles known to the identity directory.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// GlobalRoom is the well-known room id for the unscoped global channel.
// Classroom rooms use the classroom id, which is a UUID and can never collide with it.
const GlobalRoom = "global"

// User is the identity directory's view of a person.
// The core never mutates users; they are owned by the external identity system.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// IsTeacher reports whether the user may own classrooms.
func (u *User) IsTeacher() bool {
	return u != nil && u.Role == RoleTeacher
}

// Classroom is a teacher-owned group that students enter with an access code.
// Everything except Students is immutable after creation; Students only grows.
type Classroom struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	AccessCode  string    `json:"access_code"`
	TeacherID   string    `json:"teacher_id"`
	TeacherName string    `json:"teacher_name"`
	Students    []string  `json:"students"`
	CreatedAt   time.Time `json:"created_at"`
}

// Attachment describes an uploaded file carried by a message.
// The bytes live in the blob store; only the location and display name are kept here.
type Attachment struct {
	URL          string `json:"url"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type,omitempty"`
}

// Message is an append-only chat record, scoped to a classroom or to the global channel.
type Message struct {
	ID          string      `json:"id"`
	ClassroomID *string     `json:"classroom_id"` // nil for global messages
	Author      string      `json:"author"`
	Content     string      `json:"content"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// IsGlobal reports whether the message belongs to the global channel.
func (m *Message) IsGlobal() bool {
	return m.ClassroomID == nil
}

// Room returns the broadcast room the message is published to.
func (m *Message) Room() string {
	if m.ClassroomID == nil {
		return GlobalRoom
	}
	return *m.ClassroomID
}

// Scope selects a message partition: one classroom, or the global channel when ClassroomID is empty.
type Scope struct {
	ClassroomID string
}

// GlobalScope returns the scope of the unscoped channel.
func GlobalScope() Scope {
	return Scope{}
}

// ClassroomScope returns the scope of a single classroom.
func ClassroomScope(classroomID string) Scope {
	return Scope{ClassroomID: classroomID}
}

// IsGlobal reports whether the scope is the global channel.
func (s Scope) IsGlobal() bool {
	return s.ClassroomID == ""
}
