package types

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Field limits.
const (
	MaxClassroomNameLength = 200
	MaxAuthorLength        = 100
	MaxContentLength       = 65536 // 64KB
)

// FileOnlyContent is stored as the content of a message that carries only an attachment.
const FileOnlyContent = " "

// Regex compiled once at package initialization
var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidUserID checks the identifier format shared by teachers and students:
// 1-64 characters, alphanumeric plus underscore and hyphen (UUIDs and 24-char hex ids both fit).
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRole reports whether role is one the directory may return.
func IsValidRole(role string) bool {
	return role == RoleTeacher || role == RoleStudent
}

// ValidateClassroomName trims name and checks it.
func ValidateClassroomName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", Validation("classroom name is required")
	}
	if utf8.RuneCountInString(name) > MaxClassroomNameLength {
		return "", Validation("classroom name must be at most 200 characters")
	}
	return name, nil
}

// NormalizeContent trims content and applies the file-only rule: when the text is empty
// but an attachment is present the stored content is a single space.
func NormalizeContent(content string, attachment *Attachment) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		if attachment == nil {
			return "", Validation("message content is required")
		}
		return FileOnlyContent, nil
	}
	if len(content) > MaxContentLength {
		return "", Validation("message content exceeds 64KB limit")
	}
	return content, nil
}

// Validate checks a message before it is persisted. Content must already be normalized.
func (m *Message) Validate() error {
	if m.ClassroomID != nil && strings.TrimSpace(*m.ClassroomID) == "" {
		return Validation("classroom id is required")
	}
	author := strings.TrimSpace(m.Author)
	if author == "" {
		return Validation("author is required")
	}
	if utf8.RuneCountInString(author) > MaxAuthorLength {
		return Validation("author must be at most 100 characters")
	}
	if m.Content == "" {
		return Validation("message content is required")
	}
	if len(m.Content) > MaxContentLength {
		return Validation("message content exceeds 64KB limit")
	}
	if m.Attachment != nil && strings.TrimSpace(m.Attachment.URL) == "" {
		return Validation("attachment url is required")
	}
	return nil
}
