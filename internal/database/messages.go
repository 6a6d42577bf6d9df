package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"classchat/pkg/types"
)

const messageColumns = `id, classroom_id, author, content, file_url, file_name, file_type, timestamp`

// AppendClassroomMessage persists a message in a classroom's partition
func (m *Manager) AppendClassroomMessage(ctx context.Context, classroomID, author, content string, attachment *types.Attachment) (*types.Message, error) {
	classroomID = strings.TrimSpace(classroomID)
	if classroomID == "" {
		return nil, types.Validation("classroom id is required")
	}
	return m.appendMessage(ctx, &classroomID, author, content, attachment)
}

// AppendGlobalMessage persists a message in the global partition
func (m *Manager) AppendGlobalMessage(ctx context.Context, author, content string, attachment *types.Attachment) (*types.Message, error) {
	return m.appendMessage(ctx, nil, author, content, attachment)
}

func (m *Manager) appendMessage(ctx context.Context, classroomID *string, author, content string, attachment *types.Attachment) (*types.Message, error) {
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

	// FUNCTIONAL DISCOVERY: A client hanging up mid-request must not abort the insert
	ctx = context.WithoutCancel(ctx)
	err = m.executeWrite(func(db *sql.DB) error {
		if err := m.seedClock(ctx, db); err != nil {
			return err
		}
		// Id and timestamp are minted inside the writer so they follow insertion order
		message.ID, message.Timestamp = m.clock.Next()

		var fileURL, fileName, fileType string
		if attachment != nil {
			fileURL, fileName, fileType = attachment.URL, attachment.OriginalName, attachment.ContentType
		}

		var classroom sql.NullString
		if classroomID != nil {
			classroom = sql.NullString{String: *classroomID, Valid: true}
		}

		_, err := db.ExecContext(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			message.ID,
			classroom,
			message.Author,
			message.Content,
			nullString(fileURL),
			nullString(fileName),
			nullString(fileType),
			message.Timestamp,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return types.ErrClassroomNotFound
			}
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return message, nil
}

// seedClock raises the clock to the newest stored timestamp once per process.
// Runs on the writer goroutine only.
func (m *Manager) seedClock(ctx context.Context, db *sql.DB) error {
	if m.clockSeeded {
		return nil
	}
	var last time.Time
	err := db.QueryRowContext(ctx, `SELECT timestamp FROM messages ORDER BY seq DESC LIMIT 1`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read last message timestamp: %w", err)
	}
	m.clock.Raise(last)
	m.clockSeeded = true
	return nil
}

// ListClassroomMessages returns a classroom's messages in insertion order
func (m *Manager) ListClassroomMessages(ctx context.Context, classroomID string) ([]*types.Message, error) {
	return m.listMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE classroom_id = ?
		ORDER BY seq ASC
	`, classroomID)
}

// ListGlobalMessages returns the global channel in insertion order
func (m *Manager) ListGlobalMessages(ctx context.Context) ([]*types.Message, error) {
	return m.listMessages(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE classroom_id IS NULL
		ORDER BY seq ASC
	`)
}

// GetMessage loads one stored message by id
func (m *Manager) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, messageID)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return message, nil
}

func (m *Manager) listMessages(ctx context.Context, query string, args ...any) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*types.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var message types.Message
	var classroomID, fileURL, fileName, fileType sql.NullString

	err := row.Scan(
		&message.ID,
		&classroomID,
		&message.Author,
		&message.Content,
		&fileURL,
		&fileName,
		&fileType,
		&message.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	if classroomID.Valid {
		message.ClassroomID = &classroomID.String
	}
	if fileURL.Valid {
		message.Attachment = &types.Attachment{
			URL:          fileURL.String,
			OriginalName: fileName.String,
			ContentType:  fileType.String,
		}
	}
	return &message, nil
}
